package math

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

// DecimalPrecision is the number of decimal places carried by every Amount.
// Collateral, debt, prices and ratios all share the same 1e18 scale.
const DecimalPrecision = 18

var (
	one     = uint256.NewInt(1_000_000_000_000_000_000)
	maxWord = new(uint256.Int).SetAllOne()
)

// MaxInput bounds every externally supplied amount: 2^128 raw, about 3.4e20
// whole units. Sums and products of bounded inputs stay far inside 256 bits.
var MaxInput = Amount{v: *new(uint256.Int).Lsh(uint256.NewInt(1), 128)}

var ErrAmountTooLarge = errors.New("amount exceeds protocol maximum")

// CheckInput returns ErrAmountTooLarge when a is above MaxInput.
func CheckInput(name string, a Amount) error {
	if a.Gt(MaxInput) {
		return fmt.Errorf("%w: %s %s", ErrAmountTooLarge, name, a.Raw())
	}
	return nil
}

// Amount is an unsigned 18-decimal fixed-point value backed by a 256-bit integer.
// The zero value is 0. Amount is a value type; every operation returns a new Amount.
type Amount struct {
	v uint256.Int
}

// Zero returns 0.
func Zero() Amount { return Amount{} }

// One returns 1.0 (1e18 raw).
func One() Amount { return Amount{v: *one} }

// Max returns the largest representable Amount. Used as the ratio of a debt-free position.
func Max() Amount { return Amount{v: *maxWord} }

// FromRaw wraps a raw integer (already scaled by 1e18).
func FromRaw(raw uint64) Amount {
	var a Amount
	a.v.SetUint64(raw)
	return a
}

// FromUint256 copies a raw 256-bit value.
func FromUint256(x *uint256.Int) Amount {
	var a Amount
	a.v.Set(x)
	return a
}

// Units returns n whole units (n * 1e18).
func Units(n uint64) Amount {
	return FromRaw(n).Mul(One())
}

// Percent returns n% as a ratio (n * 1e16).
func Percent(n uint64) Amount {
	return FromRaw(n).Mul(FromRaw(10_000_000_000_000_000))
}

// Pow10 returns the raw integer 10^n.
func Pow10(n uint8) Amount {
	var a Amount
	a.v.Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
	return a
}

// ParseRaw parses a base-10 raw integer string.
func ParseRaw(s string) (Amount, error) {
	digits := strings.TrimLeft(s, "0")
	if digits == "" && s != "" {
		digits = "0"
	}
	x, err := uint256.FromDecimal(digits)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromUint256(x), nil
}

// ParseUnits parses a human decimal such as "2310.5" into an Amount.
func ParseUnits(s string) (Amount, error) {
	intPart, fracPart, hasFrac := strings.Cut(strings.TrimSpace(s), ".")
	if intPart == "" {
		intPart = "0"
	}
	if hasFrac {
		if len(fracPart) == 0 || len(fracPart) > DecimalPrecision {
			return Amount{}, fmt.Errorf("parse units %q: invalid fraction", s)
		}
		for _, c := range fracPart {
			if c < '0' || c > '9' {
				return Amount{}, fmt.Errorf("parse units %q: invalid digit %q", s, c)
			}
		}
	}
	whole, err := ParseRaw(intPart)
	if err != nil {
		return Amount{}, err
	}
	result, overflow := whole.mulOverflow(One())
	if overflow {
		return Amount{}, fmt.Errorf("parse units %q: overflow", s)
	}
	if hasFrac {
		frac, err := ParseRaw(fracPart + strings.Repeat("0", DecimalPrecision-len(fracPart)))
		if err != nil {
			return Amount{}, err
		}
		result = result.Add(frac)
	}
	return result, nil
}

// MustParseUnits is ParseUnits for constants and tests.
func MustParseUnits(s string) Amount {
	a, err := ParseUnits(s)
	if err != nil {
		panic(err)
	}
	return a
}

// --- Arithmetic ---

// Add returns a + b. Overflow is an invariant violation.
func (a Amount) Add(b Amount) Amount {
	var z Amount
	if _, overflow := z.v.AddOverflow(&a.v, &b.v); overflow {
		panic(fmt.Sprintf("FATAL: amount overflow: %s + %s", a.Raw(), b.Raw()))
	}
	return z
}

// Sub returns a - b. Underflow is an invariant violation; callers check Lt first.
func (a Amount) Sub(b Amount) Amount {
	var z Amount
	if _, underflow := z.v.SubOverflow(&a.v, &b.v); underflow {
		panic(fmt.Sprintf("FATAL: amount underflow: %s - %s", a.Raw(), b.Raw()))
	}
	return z
}

// SubFloor returns a - b clamped at zero.
func (a Amount) SubFloor(b Amount) Amount {
	if a.Lte(b) {
		return Amount{}
	}
	return a.Sub(b)
}

// Mul returns the raw product a * b (no rescaling).
func (a Amount) Mul(b Amount) Amount {
	z, overflow := a.mulOverflow(b)
	if overflow {
		panic(fmt.Sprintf("FATAL: amount overflow: %s * %s", a.Raw(), b.Raw()))
	}
	return z
}

func (a Amount) mulOverflow(b Amount) (Amount, bool) {
	var z Amount
	_, overflow := z.v.MulOverflow(&a.v, &b.v)
	return z, overflow
}

// Div returns the raw quotient a / b, rounded down. b must be non-zero.
func (a Amount) Div(b Amount) Amount {
	if b.IsZero() {
		panic("FATAL: amount division by zero")
	}
	var z Amount
	z.v.Div(&a.v, &b.v)
	return z
}

// DivUp returns the raw quotient a / b, rounded up. b must be non-zero.
func (a Amount) DivUp(b Amount) Amount {
	q := a.Div(b)
	if q.Mul(b).Eq(a) {
		return q
	}
	return q.Add(FromRaw(1))
}

// MulDiv returns a * b / d with a 512-bit intermediate, rounded down.
func MulDiv(a, b, d Amount) Amount {
	if d.IsZero() {
		panic("FATAL: amount division by zero")
	}
	var z Amount
	if _, overflow := z.v.MulDivOverflow(&a.v, &b.v, &d.v); overflow {
		panic(fmt.Sprintf("FATAL: amount overflow: %s * %s / %s", a.Raw(), b.Raw(), d.Raw()))
	}
	return z
}

// MulDecimal returns a * b / 1e18.
func (a Amount) MulDecimal(b Amount) Amount {
	return MulDiv(a, b, One())
}

// DivDecimal returns a * 1e18 / b.
func (a Amount) DivDecimal(b Amount) Amount {
	return MulDiv(a, One(), b)
}

// --- Comparison ---

func (a Amount) Cmp(b Amount) int  { return a.v.Cmp(&b.v) }
func (a Amount) Eq(b Amount) bool  { return a.v.Eq(&b.v) }
func (a Amount) Lt(b Amount) bool  { return a.v.Lt(&b.v) }
func (a Amount) Gt(b Amount) bool  { return a.v.Gt(&b.v) }
func (a Amount) Lte(b Amount) bool { return !a.v.Gt(&b.v) }
func (a Amount) Gte(b Amount) bool { return !a.v.Lt(&b.v) }
func (a Amount) IsZero() bool      { return a.v.IsZero() }

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.Lt(b) {
		return a
	}
	return b
}

// Max2 returns the larger of a and b.
func Max2(a, b Amount) Amount {
	if a.Gt(b) {
		return a
	}
	return b
}

// AbsDiff returns |a - b|.
func AbsDiff(a, b Amount) Amount {
	if a.Gt(b) {
		return a.Sub(b)
	}
	return b.Sub(a)
}

// --- Encoding ---

// Raw returns the raw base-10 integer.
func (a Amount) Raw() string { return a.v.Dec() }

// String formats the value in whole units, trimming trailing zeros ("2310.5").
func (a Amount) String() string {
	raw := a.v.Dec()
	if len(raw) <= DecimalPrecision {
		raw = strings.Repeat("0", DecimalPrecision-len(raw)+1) + raw
	}
	intPart := raw[:len(raw)-DecimalPrecision]
	fracPart := strings.TrimRight(raw[len(raw)-DecimalPrecision:], "0")
	if fracPart == "" {
		return intPart
	}
	return intPart + "." + fracPart
}

// Float64 is a lossy conversion for gauges; never feed it back into state.
func (a Amount) Float64() float64 {
	f, _ := strconv.ParseFloat(a.String(), 64)
	return f
}

// Uint256 returns a copy of the underlying integer.
func (a Amount) Uint256() *uint256.Int {
	return a.v.Clone()
}

// Bytes32 returns the big-endian 32-byte encoding (for state digests).
func (a Amount) Bytes32() [32]byte {
	return a.v.Bytes32()
}

// MarshalText encodes the raw integer; JSON and TOML both use it.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.v.Dec()), nil
}

// UnmarshalText decodes a raw integer string.
func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := ParseRaw(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
