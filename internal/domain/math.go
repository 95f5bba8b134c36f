package domain

// math.go: basis-point and saturating integer helpers.
//
// Every amount in the protocol is a uint64 in base units. Products such as
// prize_pool * user_amount can exceed 64 bits, so the multiply happens on a
// 256-bit intermediate and the quotient saturates back to uint64.

import (
	"math"
	"sort"

	"github.com/holiman/uint256"
)

// BpsDenominator is 100% expressed in basis points.
const BpsDenominator = 10_000

// MulDiv returns floor(x*y/d). Returns 0 when d == 0 and saturates at MaxUint64.
func MulDiv(x, y, d uint64) uint64 {
	if d == 0 {
		return 0
	}
	var z uint256.Int
	_, overflow := z.MulDivOverflow(uint256.NewInt(x), uint256.NewInt(y), uint256.NewInt(d))
	if overflow || !z.IsUint64() {
		return math.MaxUint64
	}
	return z.Uint64()
}

// ApplyBps returns floor(amount*bps/10000).
func ApplyBps(amount uint64, bps uint16) uint64 {
	return MulDiv(amount, uint64(bps), BpsDenominator)
}

// RatioBps expresses part/total in basis points. A zero total yields 0.
func RatioBps(part, total uint64) uint64 {
	return MulDiv(part, BpsDenominator, total)
}

// SatAdd adds without wrapping.
func SatAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

// SatSub subtracts, clamping at zero.
func SatSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// MedianLower returns the median of values, taking the lower of the two middle
// elements on an even count. The input slice is not modified.
func MedianLower(values []uint64) (uint64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := make([]uint64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[(len(sorted)-1)/2], true
}

// DeviationBps is |value-reference| relative to reference, in basis points.
func DeviationBps(value, reference uint64) uint64 {
	if reference == 0 {
		return math.MaxUint64
	}
	diff := value - reference
	if value < reference {
		diff = reference - value
	}
	return RatioBps(diff, reference)
}

// ImbalanceBps is the share of the larger vault over the total, in basis points.
func ImbalanceBps(up, down uint64) uint64 {
	total := SatAdd(up, down)
	if total == 0 {
		return 0
	}
	return RatioBps(max(up, down), total)
}
