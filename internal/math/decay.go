package math

// MinuteDecayFactor is 0.5^(1/720): a rate decayed by it once per minute halves every 12 hours.
var MinuteDecayFactor = FromRaw(999_037_758_833_783_000)

// MaxDecayMinutes caps the exponent at 1000 years; beyond that the factor is 0 anyway.
const MaxDecayMinutes = 525_600_000

// DecPow returns base^minutes in 18-decimal fixed point using exponentiation by squaring.
// base must be <= 1.0.
func DecPow(base Amount, minutes uint64) Amount {
	if minutes > MaxDecayMinutes {
		minutes = MaxDecayMinutes
	}
	if minutes == 0 {
		return One()
	}

	y := One()
	x := base
	n := minutes

	for n > 1 {
		if n%2 == 0 {
			x = decMul(x, x)
			n /= 2
		} else {
			y = decMul(x, y)
			x = decMul(x, x)
			n = (n - 1) / 2
		}
	}

	return decMul(x, y)
}

// decMul multiplies two 18-decimal values rounding half up.
func decMul(x, y Amount) Amount {
	prod := x.Mul(y)
	return prod.Add(FromRaw(500_000_000_000_000_000)).Div(One())
}

// DecayRate applies the per-minute decay to rate for the given elapsed minutes.
func DecayRate(rate Amount, elapsedMinutes uint64) Amount {
	return rate.MulDecimal(DecPow(MinuteDecayFactor, elapsedMinutes))
}
