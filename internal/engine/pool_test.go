package engine

import (
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/umbralabs/settlement/internal/replay"
)

type poolFixture struct {
	*fixture

	pool Pool

	provider  solana.PublicKey
	providerA solana.PublicKey
	providerB solana.PublicKey
	trader    solana.PublicKey
	traderA   solana.PublicKey
	traderB   solana.PublicKey
}

func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()
	f := newFixture(t)
	pf := &poolFixture{
		fixture:   f,
		provider:  solana.NewWallet().PublicKey(),
		providerA: solana.NewWallet().PublicKey(),
		providerB: solana.NewWallet().PublicKey(),
		trader:    solana.NewWallet().PublicKey(),
		traderA:   solana.NewWallet().PublicKey(),
		traderB:   solana.NewWallet().PublicKey(),
	}

	mustCreate := func(account, owner, mint solana.PublicKey) {
		if err := f.mem.CreateAccount(f.ctx, account, owner, mint); err != nil {
			t.Fatal(err)
		}
	}
	mustCreate(pf.providerA, pf.provider, f.inputMint)
	mustCreate(pf.providerB, pf.provider, f.outputMint)
	mustCreate(pf.traderA, pf.trader, f.inputMint)
	mustCreate(pf.traderB, pf.trader, f.outputMint)
	for _, acc := range []solana.PublicKey{pf.providerA, pf.providerB, pf.traderA, pf.traderB} {
		if err := f.mem.Credit(acc, 1_000_000); err != nil {
			t.Fatal(err)
		}
	}

	pool, err := f.eng.InitPool(f.ctx, InitPoolParams{
		Caller:     f.authority,
		TokenAMint: f.inputMint,
		TokenBMint: f.outputMint,
		FeeRateBps: 30,
	})
	if err != nil {
		t.Fatalf("InitPool() error = %v", err)
	}
	pf.pool = pool
	return pf
}

func (pf *poolFixture) addLiquidity(t *testing.T, id uint64, amountA, amountB uint64) Position {
	t.Helper()
	pos, err := pf.eng.AddLiquidity(pf.ctx, AddLiquidityParams{
		Pool:             pf.pool.Address,
		Owner:            pf.provider,
		PositionID:       id,
		EncryptedAmounts: make([]byte, 96),
		Commitment:       [32]byte{byte(id), 1},
		AmountA:          amountA,
		AmountB:          amountB,
		FromA:            pf.providerA,
		FromB:            pf.providerB,
	})
	if err != nil {
		t.Fatalf("AddLiquidity() error = %v", err)
	}
	return pos
}

func TestAddLiquidityValidation(t *testing.T) {
	pf := newPoolFixture(t)

	_, err := pf.eng.AddLiquidity(pf.ctx, AddLiquidityParams{
		Pool:             pf.pool.Address,
		Owner:            pf.provider,
		EncryptedAmounts: make([]byte, 96),
		AmountA:          100,
		FromA:            pf.providerA,
	})
	if !errors.Is(err, ErrInvalidCommitment) {
		t.Fatalf("zero commitment error = %v, want ErrInvalidCommitment", err)
	}

	_, err = pf.eng.AddLiquidity(pf.ctx, AddLiquidityParams{
		Pool:             pf.pool.Address,
		Owner:            pf.provider,
		EncryptedAmounts: make([]byte, 257),
		Commitment:       [32]byte{1},
		AmountA:          100,
		FromA:            pf.providerA,
	})
	if !errors.Is(err, ErrInvalidPayloadLength) {
		t.Fatalf("oversized blob error = %v, want ErrInvalidPayloadLength", err)
	}

	pos := pf.addLiquidity(t, 1, 10_000, 10_000)
	want := positionNullifier(pos.Commitment, pf.provider)
	if pos.Nullifier != want {
		t.Fatal("position nullifier not bound to commitment and owner")
	}
	if got, _ := pf.eng.Pool(pf.pool.Address); got.PositionCount != 1 {
		t.Fatalf("position count = %d, want 1", got.PositionCount)
	}
}

func TestDarkSwapReferencePrice(t *testing.T) {
	pf := newPoolFixture(t)
	pf.addLiquidity(t, 1, 10_000, 10_000)

	out, err := pf.eng.DarkSwap(pf.ctx, DarkSwapParams{
		Pool:           pf.pool.Address,
		Caller:         pf.trader,
		EncryptedOrder: make([]byte, 64),
		Proof:          make([]byte, 64),
		Nullifier:      [replay.NullifierSize]byte{0x01},
		AToB:           true,
		AmountIn:       100,
		MinAmountOut:   90,
		From:           pf.traderA,
		To:             pf.traderB,
	})
	if err != nil {
		t.Fatalf("DarkSwap() error = %v", err)
	}
	// Closed form: 10000*100*9970 / (10000*10000 + 100*9970) = 98.
	if out != 98 {
		t.Fatalf("output = %d, want 98", out)
	}
	if got := pf.balance(t, pf.traderB); got != 1_000_000+98 {
		t.Fatalf("trader B balance = %d, want %d", got, 1_000_000+98)
	}
	if got, _ := pf.eng.Pool(pf.pool.Address); got.OrderCount != 1 || got.TotalVolumeA != 100 {
		t.Fatalf("pool counters = orders %d volA %d", got.OrderCount, got.TotalVolumeA)
	}
}

func TestDarkSwapNullifierReuse(t *testing.T) {
	pf := newPoolFixture(t)
	pf.addLiquidity(t, 1, 10_000, 10_000)

	swap := func() error {
		_, err := pf.eng.DarkSwap(pf.ctx, DarkSwapParams{
			Pool:           pf.pool.Address,
			Caller:         pf.trader,
			EncryptedOrder: make([]byte, 64),
			Proof:          make([]byte, 64),
			Nullifier:      [replay.NullifierSize]byte{0xbe, 0xef},
			AToB:           true,
			AmountIn:       100,
			From:           pf.traderA,
			To:             pf.traderB,
		})
		return err
	}
	if err := swap(); err != nil {
		t.Fatalf("first swap error = %v", err)
	}
	balanceBefore := pf.balance(t, pf.traderA)
	if err := swap(); !errors.Is(err, replay.ErrNullifierUsed) {
		t.Fatalf("second swap error = %v, want ErrNullifierUsed", err)
	}
	if pf.balance(t, pf.traderA) != balanceBefore {
		t.Fatal("funds moved on rejected nullifier reuse")
	}
}

func TestDarkSwapSlippage(t *testing.T) {
	pf := newPoolFixture(t)
	pf.addLiquidity(t, 1, 10_000, 10_000)

	_, err := pf.eng.DarkSwap(pf.ctx, DarkSwapParams{
		Pool:           pf.pool.Address,
		Caller:         pf.trader,
		EncryptedOrder: make([]byte, 64),
		Proof:          make([]byte, 64),
		Nullifier:      [replay.NullifierSize]byte{0x02},
		AToB:           true,
		AmountIn:       100,
		MinAmountOut:   99,
		From:           pf.traderA,
		To:             pf.traderB,
	})
	if !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("error = %v, want ErrSlippageExceeded", err)
	}
}

func TestRemoveLiquidityShares(t *testing.T) {
	pf := newPoolFixture(t)
	pos1 := pf.addLiquidity(t, 1, 10_000, 10_000)
	pf.addLiquidity(t, 2, 10_000, 10_000)

	// Two positions: each holds 5000 bps of the pool. A 50% withdrawal of
	// that share takes 20000*5000/10000*5000/10000 = 5000 per leg.
	gotA, gotB, err := pf.eng.RemoveLiquidity(pf.ctx, RemoveLiquidityParams{
		Pool:          pf.pool.Address,
		Caller:        pf.provider,
		Position:      pos1.Address,
		Proof:         make([]byte, 64),
		WithdrawalBps: 5_000,
		DestA:         pf.providerA,
		DestB:         pf.providerB,
	})
	if err != nil {
		t.Fatalf("RemoveLiquidity() error = %v", err)
	}
	if gotA != 5_000 || gotB != 5_000 {
		t.Fatalf("withdrawn = %d/%d, want 5000/5000", gotA, gotB)
	}
	if got, _ := pf.eng.Pool(pf.pool.Address); got.PositionCount != 2 {
		t.Fatalf("position count = %d, want 2 after partial withdrawal", got.PositionCount)
	}
}

func TestRemoveLiquidityFullClosesPosition(t *testing.T) {
	pf := newPoolFixture(t)
	pos := pf.addLiquidity(t, 1, 10_000, 10_000)

	if _, _, err := pf.eng.RemoveLiquidity(pf.ctx, RemoveLiquidityParams{
		Pool:          pf.pool.Address,
		Caller:        pf.trader,
		Position:      pos.Address,
		Proof:         make([]byte, 64),
		WithdrawalBps: 10_000,
		DestA:         pf.traderA,
		DestB:         pf.traderB,
	}); !errors.Is(err, ErrUnauthorizedOwner) {
		t.Fatalf("withdrawal by stranger error = %v, want ErrUnauthorizedOwner", err)
	}

	if _, _, err := pf.eng.RemoveLiquidity(pf.ctx, RemoveLiquidityParams{
		Pool:          pf.pool.Address,
		Caller:        pf.provider,
		Position:      pos.Address,
		Proof:         make([]byte, 16), // below the verifier's floor
		WithdrawalBps: 10_000,
		DestA:         pf.providerA,
		DestB:         pf.providerB,
	}); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("short proof error = %v, want ErrInvalidProof", err)
	}

	gotA, gotB, err := pf.eng.RemoveLiquidity(pf.ctx, RemoveLiquidityParams{
		Pool:          pf.pool.Address,
		Caller:        pf.provider,
		Position:      pos.Address,
		Proof:         make([]byte, 64),
		WithdrawalBps: 10_000,
		DestA:         pf.providerA,
		DestB:         pf.providerB,
	})
	if err != nil {
		t.Fatalf("RemoveLiquidity() error = %v", err)
	}
	if gotA != 10_000 || gotB != 10_000 {
		t.Fatalf("withdrawn = %d/%d, want full 10000/10000", gotA, gotB)
	}

	if _, _, err := pf.eng.RemoveLiquidity(pf.ctx, RemoveLiquidityParams{
		Pool:          pf.pool.Address,
		Caller:        pf.provider,
		Position:      pos.Address,
		Proof:         make([]byte, 64),
		WithdrawalBps: 10_000,
		DestA:         pf.providerA,
		DestB:         pf.providerB,
	}); !errors.Is(err, ErrPositionNotActive) {
		t.Fatalf("second full withdrawal error = %v, want ErrPositionNotActive", err)
	}
}

func TestPoolAdmin(t *testing.T) {
	pf := newPoolFixture(t)

	if err := pf.eng.UpdatePoolConfig(pf.trader, pf.pool.Address, 10, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("update by stranger error = %v, want ErrUnauthorized", err)
	}
	if err := pf.eng.UpdatePoolConfig(pf.authority, pf.pool.Address, 10, false); err != nil {
		t.Fatalf("UpdatePoolConfig() error = %v", err)
	}

	pf.addLiquidityExpectInactive(t)
}

func (pf *poolFixture) addLiquidityExpectInactive(t *testing.T) {
	t.Helper()
	_, err := pf.eng.AddLiquidity(pf.ctx, AddLiquidityParams{
		Pool:             pf.pool.Address,
		Owner:            pf.provider,
		PositionID:       9,
		EncryptedAmounts: make([]byte, 96),
		Commitment:       [32]byte{9},
		AmountA:          100,
		FromA:            pf.providerA,
	})
	if !errors.Is(err, ErrPoolNotActive) {
		t.Fatalf("deposit to paused pool error = %v, want ErrPoolNotActive", err)
	}
}
