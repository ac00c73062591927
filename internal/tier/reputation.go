package tier

import "math"

// Benefits are the extra parameters granted by an externally attested
// reputation level (1..5). The fee discount subtracts from the base tier fee
// and never pushes it below zero.
type Benefits struct {
	FeeDiscountBps    uint16
	MaxOrderSize      uint64
	BatchWithdrawals  bool
	DarkPoolAccess    bool
	PriorityExecution bool
}

// LevelToIndex remaps an external reputation level (1..5) to a tier table
// index. Unknown levels fall back to the lowest tier.
func LevelToIndex(level uint8) uint8 {
	if level >= 1 && level <= 5 {
		return level - 1
	}
	return 0
}

// LevelToScore returns the score snapshot recorded on orders submitted via
// the external-reputation path, keeping score-based consumers working.
func LevelToScore(level uint8) uint8 {
	switch level {
	case 1:
		return 10
	case 2:
		return 30
	case 3:
		return 50
	case 4:
		return 70
	case 5:
		return 90
	default:
		return 0
	}
}

// BenefitsForLevel returns the fixed benefit table entry for an external
// reputation level. Levels outside 1..5 get the level-1 floor.
func BenefitsForLevel(level uint8) Benefits {
	switch level {
	case 2:
		return Benefits{
			FeeDiscountBps: 500,
			MaxOrderSize:   10_000_000_000,
		}
	case 3:
		return Benefits{
			FeeDiscountBps:   1500,
			MaxOrderSize:     100_000_000_000,
			BatchWithdrawals: true,
		}
	case 4:
		return Benefits{
			FeeDiscountBps:   3000,
			MaxOrderSize:     1_000_000_000_000,
			BatchWithdrawals: true,
			DarkPoolAccess:   true,
		}
	case 5:
		return Benefits{
			FeeDiscountBps:    5000,
			MaxOrderSize:      math.MaxUint64,
			BatchWithdrawals:  true,
			DarkPoolAccess:    true,
			PriorityExecution: true,
		}
	default:
		return Benefits{MaxOrderSize: 1_000_000_000}
	}
}

// DiscountedFeeBps applies a benefit discount to a base fee, floored at zero.
func DiscountedFeeBps(baseFeeBps, discountBps uint16) uint16 {
	if discountBps >= baseFeeBps {
		return 0
	}
	return baseFeeBps - discountBps
}
