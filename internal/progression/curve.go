package progression

import "math"

// Curve maps XP to levels through an exponential threshold function.
// Threshold(L) = round(BaseThreshold * L^Exponent); a user holds the largest
// level whose threshold their XP has reached. Both methods are pure.
type Curve struct {
	BaseThreshold float64
	Exponent      float64
}

// DefaultCurve returns the standard curve (threshold 100, exponent 1.5).
func DefaultCurve() Curve {
	return Curve{BaseThreshold: 100, Exponent: 1.5}
}

// Threshold returns the minimum XP required to hold the given level.
// Level 0 requires no XP.
func (c Curve) Threshold(level int) int64 {
	if level <= 0 || c.BaseThreshold <= 0 {
		return 0
	}
	return int64(math.Round(c.BaseThreshold * math.Pow(float64(level), c.Exponent)))
}

// LevelForXP returns the largest level L with Threshold(L) <= xp. It is
// monotonic in xp, so XP gain alone can never lower a level. The closed-form
// inverse of the curve seeds the search; the walk afterwards corrects for
// rounding so the result is exact.
func (c Curve) LevelForXP(xp int64) int {
	if xp <= 0 || c.BaseThreshold <= 0 || c.Exponent <= 0 {
		return 0
	}

	guess := int(math.Floor(math.Pow(float64(xp)/c.BaseThreshold, 1/c.Exponent)))
	if guess < 0 {
		guess = 0
	}
	for guess > 0 && c.Threshold(guess) > xp {
		guess--
	}
	for c.Threshold(guess+1) <= xp {
		guess++
	}
	return guess
}
