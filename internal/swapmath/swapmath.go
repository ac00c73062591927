// Package swapmath holds the fixed-point fee and constant-product pricing
// arithmetic shared by the settlement engine and the solver. All intermediate
// products are computed in a 128-bit domain so that amounts near the uint64
// range cannot silently wrap.
package swapmath

import (
	"errors"
	"math/big"
	"math/bits"
)

const (
	// BpsDenominator is the basis-point scale: 10000 bps = 100%.
	BpsDenominator = uint64(10_000)

	// MaxFeeBps caps the protocol fee at 5%.
	MaxFeeBps = uint16(500)
)

var (
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	ErrInvalidBps         = errors.New("basis points out of range")
	ErrEmptyReserves      = errors.New("pool reserves are empty")
)

// ApplyFee splits amount into the net amount and the fee charged at feeBps.
// The fee is floor(amount * feeBps / 10000); net + fee == amount always holds.
func ApplyFee(amount uint64, feeBps uint16) (net uint64, fee uint64, err error) {
	if uint64(feeBps) > BpsDenominator {
		return 0, 0, ErrInvalidBps
	}

	hi, lo := bits.Mul64(amount, uint64(feeBps))
	// hi < BpsDenominator is guaranteed because feeBps <= 10000, so the
	// division cannot trap. Checked anyway: a corrupted feeBps must fail,
	// not panic.
	if hi >= BpsDenominator {
		return 0, 0, ErrArithmeticOverflow
	}
	fee, _ = bits.Div64(hi, lo, BpsDenominator)
	return amount - fee, fee, nil
}

// ConstantProductOutput prices a swap of input against reserves using
// x*y = k with the fee applied to the input side:
//
//	output = reserveOut * input * (10000-fee) / (reserveIn*10000 + input*(10000-fee))
//
// Intermediates are big.Int so reserve*input*10000 can never wrap; the result
// must still fit uint64 or the call fails with ErrArithmeticOverflow.
func ConstantProductOutput(input, reserveIn, reserveOut uint64, feeBps uint16) (uint64, error) {
	if uint64(feeBps) > BpsDenominator {
		return 0, ErrInvalidBps
	}
	if reserveIn == 0 || reserveOut == 0 {
		return 0, ErrEmptyReserves
	}
	if input == 0 {
		return 0, nil
	}

	feeFactor := new(big.Int).SetUint64(BpsDenominator - uint64(feeBps))

	numerator := new(big.Int).SetUint64(reserveOut)
	numerator.Mul(numerator, new(big.Int).SetUint64(input))
	numerator.Mul(numerator, feeFactor)

	denominator := new(big.Int).SetUint64(reserveIn)
	denominator.Mul(denominator, new(big.Int).SetUint64(BpsDenominator))
	denominator.Add(denominator, new(big.Int).Mul(new(big.Int).SetUint64(input), feeFactor))

	out := numerator.Div(numerator, denominator)
	if !out.IsUint64() {
		return 0, ErrArithmeticOverflow
	}
	return out.Uint64(), nil
}

// CheckedAdd returns a+b or ErrArithmeticOverflow. Aggregate counters use it
// so a poisoned counter rejects the whole transition instead of wrapping.
func CheckedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrArithmeticOverflow
	}
	return sum, nil
}
