package engine

import (
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/umbralabs/settlement/internal/tier"
)

func TestOrderCodecRoundTrip(t *testing.T) {
	in := Order{
		Owner:            solana.NewWallet().PublicKey(),
		OrderID:          42,
		Address:          solana.NewWallet().PublicKey(),
		InputMint:        solana.NewWallet().PublicKey(),
		OutputMint:       solana.NewWallet().PublicKey(),
		InputAmount:      1_000,
		MinOutputAmount:  900,
		OutputAmount:     950,
		FeeBpsApplied:    15,
		FeeAmount:        1,
		EncryptedPayload: make([]byte, 64),
		Status:           StatusCompleted,
		OrderType:        tier.OrderTypeTwap,
		CreatedAt:        1_700_000_000,
		ExecutedAt:       1_700_000_100,
		ExecutedBy:       solana.NewWallet().PublicKey(),
		UserTier:         2,
		MEVProtection:    tier.MEVFull,
		ScoreAtCreation:  55,
		FundingAccount:   solana.NewWallet().PublicKey(),
	}

	data, err := EncodeOrder(&in)
	if err != nil {
		t.Fatalf("EncodeOrder() error = %v", err)
	}
	if len(data) > MaxOrderRecordSize {
		t.Fatalf("encoded size %d exceeds cap %d", len(data), MaxOrderRecordSize)
	}

	out, err := DecodeOrder(data)
	if err != nil {
		t.Fatalf("DecodeOrder() error = %v", err)
	}
	if !out.Owner.Equals(in.Owner) || out.OrderID != in.OrderID ||
		out.Status != in.Status || out.OrderType != in.OrderType ||
		out.FeeBpsApplied != in.FeeBpsApplied || len(out.EncryptedPayload) != 64 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestEncodeOrderRejectsOversizedPayload(t *testing.T) {
	in := Order{EncryptedPayload: make([]byte, MaxPrivilegedPayloadSize+1)}
	if _, err := EncodeOrder(&in); !errors.Is(err, ErrInvalidPayloadLength) {
		t.Fatalf("error = %v, want ErrInvalidPayloadLength", err)
	}
}

func TestRestoreOrdersSkipsLiveRecords(t *testing.T) {
	f := newFixture(t)
	live := f.mustSubmit(t, 1, 1_000, 50)

	// A stale journal copy of the live order must not clobber it; an order
	// the engine has never seen is restored.
	stale := live
	stale.Status = StatusCompleted
	other := live
	other.OrderID = 2
	other.Status = StatusCompleted

	if got := f.eng.RestoreOrders([]Order{stale, other}); got != 1 {
		t.Fatalf("RestoreOrders() = %d, want 1", got)
	}
	current, err := f.eng.Order(f.owner, 1)
	if err != nil || current.Status != StatusPending {
		t.Fatalf("live order = %s (%v), want pending untouched", current.Status, err)
	}
	restored, err := f.eng.Order(f.owner, 2)
	if err != nil || restored.Status != StatusCompleted {
		t.Fatalf("restored order = %s (%v), want completed", restored.Status, err)
	}
}

func TestRestoreConfigAppliesJournaledRecord(t *testing.T) {
	f := newFixture(t)
	def := tier.DefaultTable()[0]
	def.FeeBps = 77
	if err := f.eng.UpdateTier(f.authority, 0, def); err != nil {
		t.Fatal(err)
	}
	if err := f.eng.SetActive(f.authority, false); err != nil {
		t.Fatal(err)
	}

	rec := f.eng.ConfigSnapshot()
	blob, err := EncodeConfig(&rec)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeConfig(blob)
	if err != nil {
		t.Fatal(err)
	}

	fresh := newFixture(t)
	fresh.eng.authority = f.authority
	if err := fresh.eng.RestoreConfig(decoded); err != nil {
		t.Fatalf("RestoreConfig() error = %v", err)
	}
	agg := fresh.eng.Aggregates()
	if agg.Active || agg.FeeBpsByTier[0] != 77 {
		t.Fatalf("restored snapshot = active %v fee0 %d, want paused with 77 bps", agg.Active, agg.FeeBpsByTier[0])
	}

	wrong := decoded
	wrong.Authority = solana.NewWallet().PublicKey()
	if err := fresh.eng.RestoreConfig(wrong); err == nil {
		t.Fatal("RestoreConfig() accepted a record from another deployment")
	}
}

func TestConfigCodecRoundTrip(t *testing.T) {
	in := ConfigRecord{
		Authority:   solana.NewWallet().PublicKey(),
		Solver:      solana.NewWallet().PublicKey(),
		FeeAccount:  solana.NewWallet().PublicKey(),
		Active:      true,
		TotalOrders: 7,
		TotalFees:   123,
		Tiers:       tier.DefaultTable(),
	}
	in.VolumeByTier[2] = 999

	data, err := EncodeConfig(&in)
	if err != nil {
		t.Fatalf("EncodeConfig() error = %v", err)
	}
	out, err := DecodeConfig(data)
	if err != nil {
		t.Fatalf("DecodeConfig() error = %v", err)
	}
	if !out.Solver.Equals(in.Solver) || out.TotalOrders != 7 || out.VolumeByTier[2] != 999 ||
		out.Tiers != tier.DefaultTable() {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}
