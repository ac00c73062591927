package tier

import (
	"errors"
	"testing"
)

func TestResolve(t *testing.T) {
	table := DefaultTable()
	tests := []struct {
		score uint8
		want  uint8
	}{
		{0, 0},
		{19, 0},
		{20, 1},
		{39, 1},
		{40, 2},
		{59, 2},
		{60, 3},
		{79, 3},
		{80, 4},
		{100, 4},
	}
	for _, tt := range tests {
		if got := table.Resolve(tt.score); got != tt.want {
			t.Errorf("Resolve(%d) = %d, want %d", tt.score, got, tt.want)
		}
	}
}

func TestResolveMonotonic(t *testing.T) {
	table := DefaultTable()
	prevIndex := uint8(0)
	prevFee := table.FeeBps(table.Resolve(0))
	for score := uint8(0); score <= 100; score++ {
		index := table.Resolve(score)
		fee := table.FeeBps(index)
		if index < prevIndex {
			t.Fatalf("tier index decreased at score %d: %d -> %d", score, prevIndex, index)
		}
		if fee > prevFee {
			t.Fatalf("fee increased at score %d: %d -> %d bps", score, prevFee, fee)
		}
		prevIndex, prevFee = index, fee
	}
}

func TestIsOrderTypeAllowed(t *testing.T) {
	table := DefaultTable()
	tests := []struct {
		name      string
		index     uint8
		orderType OrderType
		want      bool
	}{
		{"tier 0 market", 0, OrderTypeMarket, true},
		{"tier 0 limit denied", 0, OrderTypeLimit, false},
		{"tier 1 limit", 1, OrderTypeLimit, true},
		{"tier 2 twap", 2, OrderTypeTwap, true},
		{"tier 3 iceberg", 3, OrderTypeIceberg, true},
		{"tier 3 dark denied", 3, OrderTypeDark, false},
		{"tier 4 dark", 4, OrderTypeDark, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := table.IsOrderTypeAllowed(tt.index, tt.orderType); got != tt.want {
				t.Errorf("IsOrderTypeAllowed(%d, %v) = %v, want %v", tt.index, tt.orderType, got, tt.want)
			}
		})
	}
}

func TestParseOrderType(t *testing.T) {
	for _, raw := range []uint8{1, 2, 4, 8, 16} {
		if _, err := ParseOrderType(raw); err != nil {
			t.Errorf("ParseOrderType(%d) error = %v", raw, err)
		}
	}
	for _, raw := range []uint8{0, 3, 5, 32, 255} {
		if _, err := ParseOrderType(raw); err == nil {
			t.Errorf("ParseOrderType(%d) expected error", raw)
		}
	}
}

func TestUpdate(t *testing.T) {
	table := DefaultTable()

	def := Definition{MinScore: 25, FeeBps: 20, MEVProtection: MEVBasic, AllowedOrderTypes: 3}
	if err := table.Update(1, def); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if table[1] != def {
		t.Errorf("tier 1 = %+v, want %+v", table[1], def)
	}

	if err := table.Update(5, def); !errors.Is(err, ErrInvalidTierConfig) {
		t.Errorf("out-of-range index: err = %v, want ErrInvalidTierConfig", err)
	}
	if err := table.Update(1, Definition{MinScore: 101}); !errors.Is(err, ErrInvalidScore) {
		t.Errorf("score > 100: err = %v, want ErrInvalidScore", err)
	}
	if err := table.Update(1, Definition{MinScore: 10, FeeBps: 501}); !errors.Is(err, ErrInvalidTierConfig) {
		t.Errorf("fee > 500: err = %v, want ErrInvalidTierConfig", err)
	}
	if err := table.Update(0, Definition{MinScore: 5}); !errors.Is(err, ErrInvalidTierConfig) {
		t.Errorf("tier 0 with nonzero min score: err = %v, want ErrInvalidTierConfig", err)
	}
}

func TestLevelToIndex(t *testing.T) {
	tests := []struct {
		level uint8
		want  uint8
	}{
		{1, 0}, {2, 1}, {3, 2}, {4, 3}, {5, 4}, {0, 0}, {6, 0},
	}
	for _, tt := range tests {
		if got := LevelToIndex(tt.level); got != tt.want {
			t.Errorf("LevelToIndex(%d) = %d, want %d", tt.level, got, tt.want)
		}
	}
}

func TestBenefitsForLevel(t *testing.T) {
	if b := BenefitsForLevel(1); b.DarkPoolAccess || b.FeeDiscountBps != 0 || b.MaxOrderSize != 1_000_000_000 {
		t.Errorf("level 1 benefits = %+v", b)
	}
	if b := BenefitsForLevel(4); !b.DarkPoolAccess || b.FeeDiscountBps != 3000 {
		t.Errorf("level 4 benefits = %+v", b)
	}
	if b := BenefitsForLevel(5); !b.PriorityExecution || b.MaxOrderSize != ^uint64(0) {
		t.Errorf("level 5 benefits = %+v", b)
	}
	if b := BenefitsForLevel(9); b != BenefitsForLevel(0) {
		t.Errorf("unknown level should get the floor benefits, got %+v", b)
	}
}

func TestDiscountedFeeBps(t *testing.T) {
	tests := []struct {
		base, discount, want uint16
	}{
		{50, 0, 50},
		{50, 25, 25},
		{50, 50, 0},
		{50, 5000, 0},
	}
	for _, tt := range tests {
		if got := DiscountedFeeBps(tt.base, tt.discount); got != tt.want {
			t.Errorf("DiscountedFeeBps(%d, %d) = %d, want %d", tt.base, tt.discount, got, tt.want)
		}
	}
}
