package engine

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/umbralabs/settlement/internal/replay"
	"github.com/umbralabs/settlement/internal/swapmath"
	"github.com/umbralabs/settlement/internal/vault"
)

// Pool is a dark liquidity pool: reserves are public, individual positions
// and swap intents are encrypted blobs the engine never parses.
type Pool struct {
	Address          solana.PublicKey
	Authority        solana.PublicKey
	TokenAMint       solana.PublicKey
	TokenBMint       solana.PublicKey
	EncryptionPubkey solana.PublicKey
	FeeRateBps       uint16
	OrderCount       uint64
	PositionCount    uint64
	TotalVolumeA     uint64
	TotalVolumeB     uint64
	StateCommitment  [32]byte
	Active           bool
}

// Position is one provider's share of a pool. The amounts live only in the
// encrypted blob; the commitment and derived nullifier bind the position to
// its owner.
type Position struct {
	Address       solana.PublicKey
	Pool          solana.PublicKey
	Owner         solana.PublicKey
	EncryptedData []byte
	Commitment    [32]byte
	Nullifier     [32]byte
	Active        bool
	CreatedAt     int64
}

// positionNullifier binds a commitment to an owner so that two providers
// with the same commitment still get distinct nullifiers.
func positionNullifier(commitment [32]byte, owner solana.PublicKey) [32]byte {
	var n [32]byte
	ownerBytes := owner.Bytes()
	for i := 0; i < 32; i++ {
		n[i] = commitment[i] ^ ownerBytes[i]
	}
	return n
}

type InitPoolParams struct {
	Caller           solana.PublicKey
	TokenAMint       solana.PublicKey
	TokenBMint       solana.PublicKey
	EncryptionPubkey solana.PublicKey
	FeeRateBps       uint16
}

// InitPool creates a dark pool for a mint pair with engine-held vaults on
// both legs. The caller becomes the pool authority.
func (e *Engine) InitPool(ctx context.Context, p InitPoolParams) (Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active {
		return Pool{}, ErrProtocolPaused
	}
	if p.FeeRateBps > swapmath.MaxFeeBps {
		return Pool{}, fmt.Errorf("%w: fee %d bps", swapmath.ErrInvalidBps, p.FeeRateBps)
	}
	address, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("pool"), p.TokenAMint.Bytes(), p.TokenBMint.Bytes()}, e.programID)
	if err != nil {
		return Pool{}, fmt.Errorf("derive pool address: %w", err)
	}
	if _, ok := e.pools[address]; ok {
		return Pool{}, fmt.Errorf("%w: %s", ErrPoolExists, address)
	}

	if _, err := e.vaults.Open(ctx, address, vault.LegInput, p.TokenAMint); err != nil {
		return Pool{}, err
	}
	if _, err := e.vaults.Open(ctx, address, vault.LegOutput, p.TokenBMint); err != nil {
		return Pool{}, err
	}

	pool := &Pool{
		Address:          address,
		Authority:        p.Caller,
		TokenAMint:       p.TokenAMint,
		TokenBMint:       p.TokenBMint,
		EncryptionPubkey: p.EncryptionPubkey,
		FeeRateBps:       p.FeeRateBps,
		Active:           true,
	}
	e.pools[address] = pool

	e.logger.Info("pool initialized",
		"pool", address,
		"token_a", p.TokenAMint,
		"token_b", p.TokenBMint,
		"fee_bps", p.FeeRateBps)
	return *pool, nil
}

// UpdatePoolConfig changes a pool's fee rate and active flag. Pool-authority
// only.
func (e *Engine) UpdatePoolConfig(caller, pool solana.PublicKey, feeRateBps uint16, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pl, ok := e.pools[pool]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, pool)
	}
	if !caller.Equals(pl.Authority) {
		return ErrUnauthorized
	}
	if feeRateBps > swapmath.MaxFeeBps {
		return fmt.Errorf("%w: fee %d bps", swapmath.ErrInvalidBps, feeRateBps)
	}
	pl.FeeRateBps = feeRateBps
	pl.Active = active
	e.logger.Info("pool config updated", "pool", pool, "fee_bps", feeRateBps, "active", active)
	return nil
}

// Pool returns a copy of a pool record.
func (e *Engine) Pool(address solana.PublicKey) (Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pl, ok := e.pools[address]
	if !ok {
		return Pool{}, fmt.Errorf("%w: %s", ErrUnknownPool, address)
	}
	return *pl, nil
}

type AddLiquidityParams struct {
	Pool       solana.PublicKey
	Owner      solana.PublicKey
	PositionID uint64

	// EncryptedAmounts is the provider's confidential position blob;
	// Commitment binds it.
	EncryptedAmounts []byte
	Commitment       [32]byte

	AmountA uint64
	AmountB uint64
	FromA   solana.PublicKey
	FromB   solana.PublicKey
}

// AddLiquidity deposits into both pool legs and opens a position whose
// amounts stay encrypted.
func (e *Engine) AddLiquidity(ctx context.Context, p AddLiquidityParams) (Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pl, ok := e.pools[p.Pool]
	if !ok {
		return Position{}, fmt.Errorf("%w: %s", ErrUnknownPool, p.Pool)
	}
	if !pl.Active {
		return Position{}, fmt.Errorf("%w: %s", ErrPoolNotActive, p.Pool)
	}
	if len(p.EncryptedAmounts) == 0 || len(p.EncryptedAmounts) > MaxPrivilegedPayloadSize {
		return Position{}, fmt.Errorf("%w: %d bytes", ErrInvalidPayloadLength, len(p.EncryptedAmounts))
	}
	if p.Commitment == ([32]byte{}) {
		return Position{}, ErrInvalidCommitment
	}
	if p.AmountA == 0 && p.AmountB == 0 {
		return Position{}, ErrInvalidInputAmount
	}

	address, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("position"), p.Pool.Bytes(), p.Owner.Bytes(), u64LE(p.PositionID)}, e.programID)
	if err != nil {
		return Position{}, fmt.Errorf("derive position address: %w", err)
	}
	if _, ok := e.positions[address]; ok {
		return Position{}, fmt.Errorf("position %s already exists", address)
	}

	if p.AmountA > 0 {
		if err := e.vaults.Fund(ctx, p.Pool, vault.LegInput, p.FromA, p.Owner, p.AmountA); err != nil {
			return Position{}, err
		}
	}
	if p.AmountB > 0 {
		if err := e.vaults.Fund(ctx, p.Pool, vault.LegOutput, p.FromB, p.Owner, p.AmountB); err != nil {
			return Position{}, err
		}
	}

	pos := &Position{
		Address:       address,
		Pool:          p.Pool,
		Owner:         p.Owner,
		EncryptedData: append([]byte(nil), p.EncryptedAmounts...),
		Commitment:    p.Commitment,
		Nullifier:     positionNullifier(p.Commitment, p.Owner),
		Active:        true,
		CreatedAt:     e.clock().Unix(),
	}
	e.positions[address] = pos
	pl.PositionCount++

	e.logger.Info("liquidity added", "pool", p.Pool, "owner", p.Owner, "position", address)
	return *pos, nil
}

type RemoveLiquidityParams struct {
	Pool     solana.PublicKey
	Caller   solana.PublicKey
	Position solana.PublicKey

	// Proof attests ownership of the encrypted position.
	Proof []byte

	// WithdrawalBps is the fraction of the position to withdraw, 1..10000.
	WithdrawalBps uint16

	DestA solana.PublicKey
	DestB solana.PublicKey
}

// RemoveLiquidity withdraws a share of the pool reserves against an active
// position. The per-position share is the pool balance divided evenly across
// positions, scaled by the withdrawal percentage; a full withdrawal closes
// the position.
func (e *Engine) RemoveLiquidity(ctx context.Context, p RemoveLiquidityParams) (withdrawnA, withdrawnB uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pl, ok := e.pools[p.Pool]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownPool, p.Pool)
	}
	pos, ok := e.positions[p.Position]
	if !ok || !pos.Pool.Equals(p.Pool) {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownPosition, p.Position)
	}
	if !pos.Active {
		return 0, 0, fmt.Errorf("%w: %s", ErrPositionNotActive, p.Position)
	}
	if !p.Caller.Equals(pos.Owner) {
		return 0, 0, ErrUnauthorizedOwner
	}
	if !e.verifier.Verify(p.Proof, pos.EncryptedData) {
		return 0, 0, ErrInvalidProof
	}
	if p.WithdrawalBps == 0 || uint64(p.WithdrawalBps) > swapmath.BpsDenominator {
		return 0, 0, fmt.Errorf("%w: %d bps", ErrInvalidWithdrawal, p.WithdrawalBps)
	}
	if pl.PositionCount == 0 {
		return 0, 0, fmt.Errorf("%w: no open positions", ErrUnknownPosition)
	}

	shareBps := uint16(swapmath.BpsDenominator / pl.PositionCount)
	balanceA, err := e.vaults.Balance(ctx, p.Pool, vault.LegInput)
	if err != nil {
		return 0, 0, err
	}
	balanceB, err := e.vaults.Balance(ctx, p.Pool, vault.LegOutput)
	if err != nil {
		return 0, 0, err
	}
	withdrawnA, err = scaleByBps(balanceA, shareBps, p.WithdrawalBps)
	if err != nil {
		return 0, 0, err
	}
	withdrawnB, err = scaleByBps(balanceB, shareBps, p.WithdrawalBps)
	if err != nil {
		return 0, 0, err
	}

	if withdrawnA > 0 {
		if err := e.vaults.Release(ctx, p.Pool, vault.LegInput, p.DestA, withdrawnA); err != nil {
			return 0, 0, err
		}
	}
	if withdrawnB > 0 {
		if err := e.vaults.Release(ctx, p.Pool, vault.LegOutput, p.DestB, withdrawnB); err != nil {
			return 0, 0, err
		}
	}
	if p.WithdrawalBps == uint16(swapmath.BpsDenominator) {
		pos.Active = false
		pl.PositionCount--
	}

	e.logger.Info("liquidity removed",
		"pool", p.Pool,
		"position", p.Position,
		"withdrawal_bps", p.WithdrawalBps,
		"amount_a", withdrawnA,
		"amount_b", withdrawnB)
	return withdrawnA, withdrawnB, nil
}

// scaleByBps returns floor(floor(amount*shareBps/10000)*scaleBps/10000).
func scaleByBps(amount uint64, shareBps, scaleBps uint16) (uint64, error) {
	_, portion, err := swapmath.ApplyFee(amount, shareBps)
	if err != nil {
		return 0, err
	}
	_, scaled, err := swapmath.ApplyFee(portion, scaleBps)
	if err != nil {
		return 0, err
	}
	return scaled, nil
}

type DarkSwapParams struct {
	Pool   solana.PublicKey
	Caller solana.PublicKey

	// EncryptedOrder is the confidential swap intent; Proof attests it.
	EncryptedOrder []byte
	Proof          []byte
	Nullifier      [replay.NullifierSize]byte

	AToB         bool
	AmountIn     uint64
	MinAmountOut uint64
	From         solana.PublicKey
	To           solana.PublicKey
}

// DarkSwap prices a confidential swap against the pool reserves and settles
// it. The nullifier is burned before funds move, same tradeoff as dark-order
// execution.
func (e *Engine) DarkSwap(ctx context.Context, p DarkSwapParams) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pl, ok := e.pools[p.Pool]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPool, p.Pool)
	}
	if !pl.Active {
		return 0, fmt.Errorf("%w: %s", ErrPoolNotActive, p.Pool)
	}
	if len(p.EncryptedOrder) == 0 || len(p.EncryptedOrder) > MaxPrivilegedPayloadSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrInvalidPayloadLength, len(p.EncryptedOrder))
	}
	if p.AmountIn == 0 {
		return 0, ErrInvalidInputAmount
	}
	if !e.verifier.Verify(p.Proof, p.EncryptedOrder) {
		return 0, ErrInvalidProof
	}

	inLeg, outLeg := vault.LegInput, vault.LegOutput
	if !p.AToB {
		inLeg, outLeg = vault.LegOutput, vault.LegInput
	}
	reserveIn, err := e.vaults.Balance(ctx, p.Pool, inLeg)
	if err != nil {
		return 0, err
	}
	reserveOut, err := e.vaults.Balance(ctx, p.Pool, outLeg)
	if err != nil {
		return 0, err
	}
	out, err := swapmath.ConstantProductOutput(p.AmountIn, reserveIn, reserveOut, pl.FeeRateBps)
	if err != nil {
		return 0, err
	}
	if out < p.MinAmountOut {
		return 0, fmt.Errorf("%w: %d < %d", ErrSlippageExceeded, out, p.MinAmountOut)
	}
	volume := pl.TotalVolumeA
	if !p.AToB {
		volume = pl.TotalVolumeB
	}
	if _, err := swapmath.CheckedAdd(volume, p.AmountIn); err != nil {
		return 0, err
	}

	// Burn before funds move.
	if err := e.guard.Record(p.Nullifier, e.clock().Unix()); err != nil {
		return 0, err
	}

	if err := e.vaults.Fund(ctx, p.Pool, inLeg, p.From, p.Caller, p.AmountIn); err != nil {
		return 0, err
	}
	if err := e.vaults.Release(ctx, p.Pool, outLeg, p.To, out); err != nil {
		return 0, err
	}

	if p.AToB {
		pl.TotalVolumeA += p.AmountIn
	} else {
		pl.TotalVolumeB += p.AmountIn
	}
	pl.OrderCount++

	e.logger.Info("dark swap settled",
		"pool", p.Pool,
		"a_to_b", p.AToB,
		"amount_in", p.AmountIn,
		"amount_out", out)
	return out, nil
}

func u64LE(v uint64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return buf
}
