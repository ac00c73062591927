package vault

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/umbralabs/settlement/internal/ledger"
)

func testProgramID() solana.PublicKey {
	return solana.MustPublicKeyFromBase58("11111111111111111111111111111111")
}

func TestOpenFundReleaseClose(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemory()
	mgr := NewManager(mem, testProgramID())

	mint := solana.NewWallet().PublicKey()
	maker := solana.NewWallet().PublicKey()
	makerAcc := solana.NewWallet().PublicKey()
	order := solana.NewWallet().PublicKey()

	if err := mem.CreateAccount(ctx, makerAcc, maker, mint); err != nil {
		t.Fatal(err)
	}
	if err := mem.Credit(makerAcc, 1_000); err != nil {
		t.Fatal(err)
	}

	v, err := mgr.Open(ctx, order, LegInput, mint)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if v.Authority.IsZero() || v.Address.IsZero() {
		t.Fatal("Open() returned zero addresses")
	}

	if err := mgr.Fund(ctx, order, LegInput, makerAcc, maker, 700); err != nil {
		t.Fatalf("Fund() error = %v", err)
	}
	if got, _ := mgr.Balance(ctx, order, LegInput); got != 700 {
		t.Fatalf("Balance() = %d, want 700", got)
	}

	// Escrowed funds cannot be moved with the maker's own key.
	if err := mem.Transfer(ctx, v.Address, makerAcc, maker, 700); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("direct debit of vault error = %v, want ErrUnauthorized", err)
	}

	if err := mgr.Release(ctx, order, LegInput, makerAcc, 700); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := mgr.Close(ctx, order, LegInput, maker); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := mgr.Lookup(order, LegInput); !errors.Is(err, ErrUnknownVault) {
		t.Fatalf("Lookup() after close error = %v, want ErrUnknownVault", err)
	}
	if got, _ := mem.Balance(ctx, makerAcc); got != 1_000 {
		t.Fatalf("maker balance = %d, want 1000", got)
	}
}

func TestCloseRejectsNonEmpty(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemory()
	mgr := NewManager(mem, testProgramID())

	mint := solana.NewWallet().PublicKey()
	maker := solana.NewWallet().PublicKey()
	makerAcc := solana.NewWallet().PublicKey()
	order := solana.NewWallet().PublicKey()

	if err := mem.CreateAccount(ctx, makerAcc, maker, mint); err != nil {
		t.Fatal(err)
	}
	if err := mem.Credit(makerAcc, 50); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Open(ctx, order, LegInput, mint); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Fund(ctx, order, LegInput, makerAcc, maker, 50); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Close(ctx, order, LegInput, maker); !errors.Is(err, ledger.ErrAccountNotEmpty) {
		t.Fatalf("Close() with funds error = %v, want ErrAccountNotEmpty", err)
	}
}

func TestDrainAndClose(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemory()
	mgr := NewManager(mem, testProgramID())

	mint := solana.NewWallet().PublicKey()
	maker := solana.NewWallet().PublicKey()
	makerAcc := solana.NewWallet().PublicKey()
	order := solana.NewWallet().PublicKey()

	if err := mem.CreateAccount(ctx, makerAcc, maker, mint); err != nil {
		t.Fatal(err)
	}
	if err := mem.Credit(makerAcc, 333); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Open(ctx, order, LegOutput, mint); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Fund(ctx, order, LegOutput, makerAcc, maker, 333); err != nil {
		t.Fatal(err)
	}

	drained, err := mgr.DrainAndClose(ctx, order, LegOutput, makerAcc, maker)
	if err != nil {
		t.Fatalf("DrainAndClose() error = %v", err)
	}
	if drained != 333 {
		t.Fatalf("DrainAndClose() drained = %d, want 333", drained)
	}
	if got, _ := mem.Balance(ctx, makerAcc); got != 333 {
		t.Fatalf("maker balance = %d, want 333", got)
	}
}

func TestLegVaultsAreDistinct(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemory()
	mgr := NewManager(mem, testProgramID())

	mint := solana.NewWallet().PublicKey()
	order := solana.NewWallet().PublicKey()

	in, err := mgr.Open(ctx, order, LegInput, mint)
	if err != nil {
		t.Fatal(err)
	}
	out, err := mgr.Open(ctx, order, LegOutput, mint)
	if err != nil {
		t.Fatal(err)
	}
	if in.Address.Equals(out.Address) {
		t.Fatal("input and output vaults derived to the same address")
	}
}
