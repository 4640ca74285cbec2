// Package lock provides per-user locking so read-modify-commit cycles on a
// single user record never interleave. Transfers touching two users acquire
// both locks in a fixed global order to avoid deadlock.
package lock

import (
	"sync"
)

// userMutex wraps a mutex with reference counting for cleanup.
type userMutex struct {
	mu       sync.Mutex
	refCount int
}

// UserLock provides per-user mutual exclusion keyed by userID. Locks for
// distinct users are independent; no global lock is ever taken.
type UserLock struct {
	locks sync.Map // map[string]*userMutex
	pool  sync.Pool
}

// NewUserLock creates a new UserLock instance.
func NewUserLock() *UserLock {
	return &UserLock{
		pool: sync.Pool{
			New: func() any {
				return &userMutex{}
			},
		},
	}
}

// getLock retrieves or creates a mutex for the given user ID.
func (ul *UserLock) getLock(userID string) *userMutex {
	if v, ok := ul.locks.Load(userID); ok {
		return v.(*userMutex)
	}

	newLock := ul.pool.Get().(*userMutex)
	newLock.refCount = 0

	// Store or load existing (handles race condition)
	actual, loaded := ul.locks.LoadOrStore(userID, newLock)
	if loaded {
		// Another goroutine created the lock first, return ours to pool
		ul.pool.Put(newLock)
	}
	return actual.(*userMutex)
}

// Lock acquires the lock for a user.
// This should be called before any record-modifying operation.
func (ul *UserLock) Lock(userID string) {
	lock := ul.getLock(userID)
	lock.mu.Lock()
	lock.refCount++
}

// Unlock releases the lock for a user.
func (ul *UserLock) Unlock(userID string) {
	if v, ok := ul.locks.Load(userID); ok {
		lock := v.(*userMutex)
		lock.refCount--
		lock.mu.Unlock()
	}
}

// TryLock attempts to acquire the lock without blocking.
// Returns true if the lock was acquired, false otherwise.
func (ul *UserLock) TryLock(userID string) bool {
	lock := ul.getLock(userID)
	if lock.mu.TryLock() {
		lock.refCount++
		return true
	}
	return false
}

// WithLock executes a function while holding the user's lock.
func (ul *UserLock) WithLock(userID string, fn func() error) error {
	ul.Lock(userID)
	defer ul.Unlock(userID)
	return fn()
}

// LockPair acquires the locks for two users in ascending userID order, so
// concurrent transfers between the same pair can never deadlock. Locking the
// same userID twice acquires it once.
func (ul *UserLock) LockPair(a, b string) {
	if a == b {
		ul.Lock(a)
		return
	}
	if b < a {
		a, b = b, a
	}
	ul.Lock(a)
	ul.Lock(b)
}

// UnlockPair releases the locks taken by LockPair.
func (ul *UserLock) UnlockPair(a, b string) {
	if a == b {
		ul.Unlock(a)
		return
	}
	if b < a {
		a, b = b, a
	}
	ul.Unlock(b)
	ul.Unlock(a)
}

// WithLockPair executes a function while holding both users' locks.
func (ul *UserLock) WithLockPair(a, b string, fn func() error) error {
	ul.LockPair(a, b)
	defer ul.UnlockPair(a, b)
	return fn()
}
