// Package tier maps reputation scores to the fee and permission parameters
// that gate order behavior. A table of five tiers is scanned highest-first;
// the first tier whose minimum score the caller meets wins.
package tier

import (
	"errors"
	"fmt"
)

const (
	// NumTiers is the fixed size of the tier table.
	NumTiers = 5

	// MaxScore is the upper bound of a reputation score.
	MaxScore = uint8(100)

	// MaxFeeBps caps any tier's fee at 5%.
	MaxFeeBps = uint16(500)
)

var (
	ErrInvalidScore      = errors.New("reputation score out of range")
	ErrInvalidTierConfig = errors.New("invalid tier configuration")
)

// OrderType identifies a single order flavor. The numeric values double as
// permission-mask bits and are part of the persisted record format.
type OrderType uint8

const (
	OrderTypeMarket  OrderType = 1
	OrderTypeLimit   OrderType = 2
	OrderTypeTwap    OrderType = 4
	OrderTypeIceberg OrderType = 8
	OrderTypeDark    OrderType = 16
)

// ParseOrderType rejects anything that is not exactly one known bit.
func ParseOrderType(raw uint8) (OrderType, error) {
	switch OrderType(raw) {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeTwap, OrderTypeIceberg, OrderTypeDark:
		return OrderType(raw), nil
	default:
		return 0, fmt.Errorf("unknown order type %d", raw)
	}
}

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "market"
	case OrderTypeLimit:
		return "limit"
	case OrderTypeTwap:
		return "twap"
	case OrderTypeIceberg:
		return "iceberg"
	case OrderTypeDark:
		return "dark"
	default:
		return fmt.Sprintf("order_type(%d)", uint8(t))
	}
}

// OrderTypeMask is a set of allowed order types.
type OrderTypeMask uint8

// Allows reports whether the mask grants the given order type.
func (m OrderTypeMask) Allows(t OrderType) bool {
	return uint8(m)&uint8(t) != 0
}

// DerivativesMask is a set of allowed derivative products.
type DerivativesMask uint8

const (
	DerivativePerpetuals DerivativesMask = 1
	DerivativeVariance   DerivativesMask = 2
	DerivativeExotic     DerivativesMask = 4
)

// Allows reports whether the mask grants the given derivative class.
func (m DerivativesMask) Allows(d DerivativesMask) bool {
	return uint8(m)&uint8(d) != 0
}

// MEVLevel is the MEV-protection level granted to an order.
type MEVLevel uint8

const (
	MEVNone MEVLevel = iota
	MEVBasic
	MEVFull
	MEVPriority
)

func (l MEVLevel) String() string {
	switch l {
	case MEVNone:
		return "none"
	case MEVBasic:
		return "basic"
	case MEVFull:
		return "full"
	case MEVPriority:
		return "priority"
	default:
		return fmt.Sprintf("mev_level(%d)", uint8(l))
	}
}

// Definition holds the parameters of a single tier.
type Definition struct {
	MinScore          uint8
	FeeBps            uint16
	MEVProtection     MEVLevel
	AllowedOrderTypes OrderTypeMask
	DerivativesAccess DerivativesMask
}

// Table is the ordered tier table, index 0 = lowest tier. Index 0 must keep
// MinScore == 0 so that Resolve is total over 0..100.
type Table [NumTiers]Definition

// TierName returns the display name for a tier index.
func TierName(index uint8) string {
	switch index {
	case 0:
		return "None"
	case 1:
		return "Bronze"
	case 2:
		return "Silver"
	case 3:
		return "Gold"
	case 4:
		return "Diamond"
	default:
		return "Unknown"
	}
}

// DefaultTable returns the launch tier configuration.
func DefaultTable() Table {
	return Table{
		{MinScore: 0, FeeBps: 50, MEVProtection: MEVNone,
			AllowedOrderTypes: OrderTypeMask(OrderTypeMarket)},
		{MinScore: 20, FeeBps: 30, MEVProtection: MEVBasic,
			AllowedOrderTypes: OrderTypeMask(OrderTypeMarket | OrderTypeLimit)},
		{MinScore: 40, FeeBps: 15, MEVProtection: MEVFull,
			AllowedOrderTypes: OrderTypeMask(OrderTypeMarket | OrderTypeLimit | OrderTypeTwap),
			DerivativesAccess: DerivativePerpetuals},
		{MinScore: 60, FeeBps: 8, MEVProtection: MEVPriority,
			AllowedOrderTypes: OrderTypeMask(OrderTypeMarket | OrderTypeLimit | OrderTypeTwap | OrderTypeIceberg),
			DerivativesAccess: DerivativePerpetuals | DerivativeVariance},
		{MinScore: 80, FeeBps: 5, MEVProtection: MEVPriority,
			AllowedOrderTypes: OrderTypeMask(OrderTypeMarket | OrderTypeLimit | OrderTypeTwap | OrderTypeIceberg | OrderTypeDark),
			DerivativesAccess: DerivativePerpetuals | DerivativeVariance | DerivativeExotic},
	}
}

// Resolve returns the highest tier index whose MinScore the score meets.
func (t *Table) Resolve(score uint8) uint8 {
	for i := NumTiers - 1; i >= 0; i-- {
		if score >= t[i].MinScore {
			return uint8(i)
		}
	}
	return 0
}

// FeeBps returns the fee for a tier index.
func (t *Table) FeeBps(index uint8) uint16 {
	return t[index].FeeBps
}

// IsOrderTypeAllowed checks the given order type against a tier's mask.
func (t *Table) IsOrderTypeAllowed(index uint8, orderType OrderType) bool {
	return t[index].AllowedOrderTypes.Allows(orderType)
}

// Update replaces the parameters of one tier. The caller-authority check is
// the settlement engine's responsibility.
func (t *Table) Update(index uint8, def Definition) error {
	if index >= NumTiers {
		return fmt.Errorf("%w: tier index %d", ErrInvalidTierConfig, index)
	}
	if def.MinScore > MaxScore {
		return fmt.Errorf("%w: min score %d", ErrInvalidScore, def.MinScore)
	}
	if def.FeeBps > MaxFeeBps {
		return fmt.Errorf("%w: fee %d bps", ErrInvalidTierConfig, def.FeeBps)
	}
	if index == 0 && def.MinScore != 0 {
		return fmt.Errorf("%w: tier 0 must keep min score 0", ErrInvalidTierConfig)
	}
	t[index] = def
	return nil
}
