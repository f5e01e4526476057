// Package fpmath implements the fixed-point arithmetic primitives used by the
// lending core. Two scales are in play: a wad scale of 1e6 used for annual
// rates and threshold percentages, and a ray scale of 1e27 used for
// high-precision per-second compounding. All helpers operate on non-negative
// big integers and round half-up for deterministic accounting.
package fpmath

import (
	"errors"
	"math/big"
)

var (
	// ErrDivisionByZero is returned when a divisor is zero.
	ErrDivisionByZero = errors.New("fpmath: division by zero")
	// ErrNegativeValue is returned when an operand is negative.
	ErrNegativeValue = errors.New("fpmath: negative value")
	// ErrOverflow is returned when a value does not fit the requested width.
	ErrOverflow = errors.New("fpmath: value overflows target width")
)

var (
	wad     = big.NewInt(1_000_000)
	ray     = mustBigInt("1000000000000000000000000000") // 1e27 precision
	halfRay = new(big.Int).Rsh(ray, 1)

	maxUint64 = new(big.Int).SetUint64(^uint64(0))
)

// SecondsPerYear is the compounding denominator for annualised rates.
const SecondsPerYear = 31_536_000

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// Wad returns a copy of the 1e6 scale unit.
func Wad() *big.Int { return new(big.Int).Set(wad) }

// Ray returns a copy of the 1e27 scale unit.
func Ray() *big.Int { return new(big.Int).Set(ray) }

func checkNonNegative(values ...*big.Int) error {
	for _, v := range values {
		if v == nil || v.Sign() < 0 {
			return ErrNegativeValue
		}
	}
	return nil
}

// RayMul multiplies two ray-scaled values rounding half-up.
func RayMul(x, y *big.Int) (*big.Int, error) {
	if err := checkNonNegative(x, y); err != nil {
		return nil, err
	}
	product := new(big.Int).Mul(x, y)
	product.Add(product, halfRay)
	product.Quo(product, ray)
	return product, nil
}

// RayDiv divides two ray-scaled values rounding half-up.
func RayDiv(x, y *big.Int) (*big.Int, error) {
	if err := checkNonNegative(x, y); err != nil {
		return nil, err
	}
	if y.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	numerator := new(big.Int).Mul(x, ray)
	numerator.Add(numerator, halfUp(y))
	numerator.Quo(numerator, y)
	return numerator, nil
}

// RayPow raises a ray-scaled base to an integer exponent using exponentiation
// by squaring. RayPow(x, 0) is the ray unit.
func RayPow(x *big.Int, n uint64) (*big.Int, error) {
	if err := checkNonNegative(x); err != nil {
		return nil, err
	}
	result := new(big.Int).Set(ray)
	base := new(big.Int).Set(x)
	var err error
	for n > 0 {
		if n&1 == 1 {
			result, err = RayMul(result, base)
			if err != nil {
				return nil, err
			}
		}
		n >>= 1
		if n == 0 {
			break
		}
		base, err = RayMul(base, base)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// AnnualRateToRayPerSecond converts a wad-scaled annual rate into a ray-scaled
// per-second compounding multiplier: Ray + rate_as_ray / SecondsPerYear.
func AnnualRateToRayPerSecond(rateWad *big.Int) (*big.Int, error) {
	if err := checkNonNegative(rateWad); err != nil {
		return nil, err
	}
	perSecond := new(big.Int).Mul(rateWad, ray)
	perSecond.Quo(perSecond, wad)
	perSecond.Quo(perSecond, big.NewInt(SecondsPerYear))
	return perSecond.Add(perSecond, ray), nil
}

// AccrueCompound compounds a principal at the given ray-scaled per-second rate
// over the elapsed seconds and returns principal plus interest.
func AccrueCompound(principal, rateRayPerSecond *big.Int, elapsedSeconds uint64) (*big.Int, error) {
	if err := checkNonNegative(principal, rateRayPerSecond); err != nil {
		return nil, err
	}
	if principal.Sign() == 0 || elapsedSeconds == 0 {
		return new(big.Int).Set(principal), nil
	}
	factor, err := RayPow(rateRayPerSecond, elapsedSeconds)
	if err != nil {
		return nil, err
	}
	total := new(big.Int).Mul(principal, factor)
	total.Add(total, halfRay)
	total.Quo(total, ray)
	return total, nil
}

// CompoundInterestOnly returns only the interest portion of AccrueCompound.
func CompoundInterestOnly(principal, rateRayPerSecond *big.Int, elapsedSeconds uint64) (*big.Int, error) {
	total, err := AccrueCompound(principal, rateRayPerSecond, elapsedSeconds)
	if err != nil {
		return nil, err
	}
	interest := total.Sub(total, principal)
	if interest.Sign() < 0 {
		interest.SetInt64(0)
	}
	return interest, nil
}

// BreakEvenRate computes the wad-scaled minimum annual borrow rate required to
// cover the supplied interest obligation: (loan+interest)*Wad/loan - Wad.
func BreakEvenRate(loan, supplyInterest *big.Int) (*big.Int, error) {
	if err := checkNonNegative(loan, supplyInterest); err != nil {
		return nil, err
	}
	if loan.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	rate := new(big.Int).Add(loan, supplyInterest)
	rate.Mul(rate, wad)
	rate.Add(rate, halfUp(loan))
	rate.Quo(rate, loan)
	rate.Sub(rate, wad)
	if rate.Sign() < 0 {
		rate.SetInt64(0)
	}
	return rate, nil
}

// ToUint64 narrows a big integer to uint64, failing instead of truncating.
func ToUint64(x *big.Int) (uint64, error) {
	if x == nil || x.Sign() < 0 {
		return 0, ErrNegativeValue
	}
	if x.Cmp(maxUint64) > 0 {
		return 0, ErrOverflow
	}
	return x.Uint64(), nil
}

func halfUp(x *big.Int) *big.Int {
	if x == nil || x.Sign() <= 0 {
		return big.NewInt(0)
	}
	half := new(big.Int).Add(x, big.NewInt(1))
	half.Rsh(half, 1)
	return half
}
