// Package engine owns the order settlement state machine: submission with a
// frozen tier snapshot, solver execution with fee capture, cancellation,
// output claims, and the dark-order variant guarded by nullifiers. Every
// transition is all-or-nothing; preconditions are validated before the first
// vault transfer so a failure never leaves a partially applied order.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/umbralabs/settlement/internal/ledger"
	"github.com/umbralabs/settlement/internal/proof"
	"github.com/umbralabs/settlement/internal/replay"
	"github.com/umbralabs/settlement/internal/swapmath"
	"github.com/umbralabs/settlement/internal/tier"
	"github.com/umbralabs/settlement/internal/vault"
)

// Config wires the engine's collaborators and protocol identities.
type Config struct {
	ProgramID  solana.PublicKey
	Authority  solana.PublicKey
	Solver     solana.PublicKey
	FeeAccount solana.PublicKey

	// Tiers is the initial tier table. Zero value means the default table.
	Tiers *tier.Table

	Ledger   ledger.Ledger
	Guard    replay.Guard
	Verifier proof.Verifier

	// Clock overrides wall-clock time in tests.
	Clock func() time.Time
}

// Aggregates are the protocol-wide counters, mutated only inside execution
// transitions. Each addition is overflow-checked before any transfer so a
// failed update never leaves a partial increment.
type Aggregates struct {
	TotalOrders  uint64
	TotalFees    uint64
	VolumeByTier [tier.NumTiers]uint64
}

type Engine struct {
	logger *slog.Logger

	programID  solana.PublicKey
	authority  solana.PublicKey
	solver     solana.PublicKey
	feeAccount solana.PublicKey

	ledger   ledger.Ledger
	vaults   *vault.Manager
	guard    replay.Guard
	verifier proof.Verifier
	clock    func() time.Time

	mu         sync.Mutex
	active     bool
	tiers      tier.Table
	orders     map[orderKey]*Order
	aggregates Aggregates
	pools      map[solana.PublicKey]*Pool
	positions  map[solana.PublicKey]*Position
	feed       *Feed
}

func New(cfg Config, logger *slog.Logger) *Engine {
	tiers := tier.DefaultTable()
	if cfg.Tiers != nil {
		tiers = *cfg.Tiers
	}
	guard := cfg.Guard
	if guard == nil {
		guard = replay.NewMemoryGuard()
	}
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = proof.LengthVerifier{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		logger:     logger,
		programID:  cfg.ProgramID,
		authority:  cfg.Authority,
		solver:     cfg.Solver,
		feeAccount: cfg.FeeAccount,
		ledger:     cfg.Ledger,
		vaults:     vault.NewManager(cfg.Ledger, cfg.ProgramID),
		guard:      guard,
		verifier:   verifier,
		clock:      clock,
		active:     true,
		tiers:      tiers,
		orders:     make(map[orderKey]*Order),
		pools:      make(map[solana.PublicKey]*Pool),
		positions:  make(map[solana.PublicKey]*Position),
		feed:       newFeed(),
	}
}

// Subscribe returns a channel of order events for the public stream.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.feed.subscribe()
}

// SetActive flips the protocol-wide gate on mutating operations.
func (e *Engine) SetActive(caller solana.PublicKey, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !caller.Equals(e.authority) {
		return ErrUnauthorized
	}
	e.active = active
	e.logger.Info("protocol active flag updated", "active", active)
	return nil
}

// UpdateTier replaces one tier's parameters. Open orders keep the snapshot
// captured when they were submitted.
func (e *Engine) UpdateTier(caller solana.PublicKey, index uint8, def tier.Definition) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !caller.Equals(e.authority) {
		return ErrUnauthorized
	}
	if err := e.tiers.Update(index, def); err != nil {
		return err
	}
	e.logger.Info("tier updated",
		"tier", tier.TierName(index),
		"fee_bps", def.FeeBps,
		"min_score", def.MinScore)
	return nil
}

// tierSnapshot is the frozen policy captured on an order at submission.
type tierSnapshot struct {
	index  uint8
	feeBps uint16
	mev    tier.MEVLevel
	score  uint8
}

// SubmitParams carries everything a caller provides at submission. The
// payload is never parsed, only bounded.
type SubmitParams struct {
	Owner      solana.PublicKey
	OrderID    uint64
	InputMint  solana.PublicKey
	OutputMint solana.PublicKey

	InputAmount      uint64
	OrderType        tier.OrderType
	EncryptedPayload []byte

	UserEncryptionPubkey solana.PublicKey
	FundingAccount       solana.PublicKey

	// Score and ScoreAttestedAt come from the caller's reputation
	// attestation; the attestation must be fresher than MaxProofAgeSeconds.
	Score           uint8
	ScoreAttestedAt int64

	// Deadline is required for dark orders and ignored otherwise.
	Deadline int64
}

// SubmitOrder opens a Pending order on the score-attested path: the caller's
// raw 0-100 score resolves a tier, the snapshot freezes, and the input amount
// moves into the order's escrow vault.
func (e *Engine) SubmitOrder(ctx context.Context, p SubmitParams) (Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock().Unix()
	if err := e.validateSubmitLocked(p, now); err != nil {
		return Order{}, err
	}
	if p.Score > tier.MaxScore {
		return Order{}, fmt.Errorf("%w: %d", ErrInvalidScore, p.Score)
	}
	if now-p.ScoreAttestedAt > MaxProofAgeSeconds {
		return Order{}, fmt.Errorf("%w: attested %ds ago", ErrProofExpired, now-p.ScoreAttestedAt)
	}

	idx := e.tiers.Resolve(p.Score)
	if !e.tiers.IsOrderTypeAllowed(idx, p.OrderType) {
		return Order{}, fmt.Errorf("%w: %s for tier %s", ErrOrderTypeNotAllowed, p.OrderType, tier.TierName(idx))
	}
	snap := tierSnapshot{
		index:  idx,
		feeBps: e.tiers.FeeBps(idx),
		mev:    e.tiers[idx].MEVProtection,
		score:  p.Score,
	}
	return e.submitLocked(ctx, p, snap, now)
}

// SubmitWithReputationParams is SubmitParams with the external 1-5 level in
// place of a raw score.
type SubmitWithReputationParams struct {
	SubmitParams
	Level uint8
}

// SubmitOrderWithReputation opens a Pending order on the external-reputation
// path: the 1-5 level remaps to a tier, the level's benefit entry supplies a
// fee discount and order size cap, and dark orders additionally require the
// benefit grant regardless of the tier mask.
func (e *Engine) SubmitOrderWithReputation(ctx context.Context, p SubmitWithReputationParams) (Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock().Unix()
	if err := e.validateSubmitLocked(p.SubmitParams, now); err != nil {
		return Order{}, err
	}
	if p.Level < 1 || p.Level > 5 {
		return Order{}, fmt.Errorf("%w: %d", ErrInvalidLevel, p.Level)
	}

	idx := tier.LevelToIndex(p.Level)
	benefits := tier.BenefitsForLevel(p.Level)
	if p.InputAmount > benefits.MaxOrderSize {
		return Order{}, fmt.Errorf("%w: %d > %d", ErrOrderExceedsTierLimit, p.InputAmount, benefits.MaxOrderSize)
	}
	if !e.tiers.IsOrderTypeAllowed(idx, p.OrderType) {
		return Order{}, fmt.Errorf("%w: %s for tier %s", ErrOrderTypeNotAllowed, p.OrderType, tier.TierName(idx))
	}
	if p.OrderType == tier.OrderTypeDark && !benefits.DarkPoolAccess {
		return Order{}, fmt.Errorf("%w: level %d", ErrDarkPoolAccessDenied, p.Level)
	}

	snap := tierSnapshot{
		index:  idx,
		feeBps: tier.DiscountedFeeBps(e.tiers.FeeBps(idx), benefits.FeeDiscountBps),
		mev:    e.tiers[idx].MEVProtection,
		score:  tier.LevelToScore(p.Level),
	}
	return e.submitLocked(ctx, p.SubmitParams, snap, now)
}

func (e *Engine) validateSubmitLocked(p SubmitParams, now int64) error {
	if !e.active {
		return ErrProtocolPaused
	}
	if p.InputAmount == 0 {
		return ErrInvalidInputAmount
	}
	minLen, maxLen := payloadBounds(p.OrderType)
	if len(p.EncryptedPayload) < minLen || len(p.EncryptedPayload) > maxLen {
		return fmt.Errorf("%w: %d bytes, want %d..%d", ErrInvalidPayloadLength, len(p.EncryptedPayload), minLen, maxLen)
	}
	if p.OrderType == tier.OrderTypeDark && p.Deadline <= now {
		return fmt.Errorf("%w: deadline %d", ErrInvalidDeadline, p.Deadline)
	}
	if _, ok := e.orders[orderKey{owner: p.Owner, id: p.OrderID}]; ok {
		return fmt.Errorf("%w: %d", ErrOrderExists, p.OrderID)
	}
	return nil
}

func (e *Engine) submitLocked(ctx context.Context, p SubmitParams, snap tierSnapshot, now int64) (Order, error) {
	address, _, err := vault.DeriveOrderPDA(e.programID, p.Owner, p.OrderID)
	if err != nil {
		return Order{}, fmt.Errorf("derive order address: %w", err)
	}

	if _, err := e.vaults.Open(ctx, address, vault.LegInput, p.InputMint); err != nil {
		return Order{}, err
	}
	if err := e.vaults.Fund(ctx, address, vault.LegInput, p.FundingAccount, p.Owner, p.InputAmount); err != nil {
		// Escrow never received funds; drop the empty vault so the
		// order id stays reusable.
		if closeErr := e.vaults.Close(ctx, address, vault.LegInput, p.Owner); closeErr != nil {
			e.logger.Error("orphaned input vault after failed funding", "order", address, "error", closeErr)
		}
		return Order{}, err
	}

	deadline := int64(0)
	if p.OrderType == tier.OrderTypeDark {
		deadline = p.Deadline
	}
	order := &Order{
		Owner:                p.Owner,
		OrderID:              p.OrderID,
		Address:              address,
		InputMint:            p.InputMint,
		OutputMint:           p.OutputMint,
		InputAmount:          p.InputAmount,
		FeeBpsApplied:        snap.feeBps,
		EncryptedPayload:     append([]byte(nil), p.EncryptedPayload...),
		UserEncryptionPubkey: p.UserEncryptionPubkey,
		Status:               StatusPending,
		OrderType:            p.OrderType,
		CreatedAt:            now,
		Deadline:             deadline,
		UserTier:             snap.index,
		MEVProtection:        snap.mev,
		ScoreAtCreation:      snap.score,
		FundingAccount:       p.FundingAccount,
	}
	e.orders[orderKey{owner: p.Owner, id: p.OrderID}] = order

	e.logger.Info("order submitted",
		"owner", p.Owner,
		"order_id", p.OrderID,
		"type", p.OrderType,
		"tier", tier.TierName(snap.index),
		"fee_bps", snap.feeBps,
		"input_amount", p.InputAmount)
	e.feed.publish(Event{Type: EventSubmitted, Owner: p.Owner, OrderID: p.OrderID, Status: StatusPending, Timestamp: now})
	return *order, nil
}

// RestoreOrders seeds the order map from journaled records at boot, before
// the engine serves traffic. Records whose key is already live are skipped;
// the in-memory order always wins. Returns the number restored.
func (e *Engine) RestoreOrders(orders []Order) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	restored := 0
	for i := range orders {
		key := orderKey{owner: orders[i].Owner, id: orders[i].OrderID}
		if _, ok := e.orders[key]; ok {
			continue
		}
		o := orders[i]
		e.orders[key] = &o
		restored++
	}
	return restored
}

// Order returns a copy of an order record.
func (e *Engine) Order(owner solana.PublicKey, orderID uint64) (Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderKey{owner: owner, id: orderID}]
	if !ok {
		return Order{}, fmt.Errorf("%w: owner %s id %d", ErrUnknownOrder, owner, orderID)
	}
	return *o, nil
}

// PendingOrders lists open orders oldest-first for the solver sweep.
func (e *Engine) PendingOrders() []Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Order, 0, len(e.orders))
	for _, o := range e.orders {
		if o.Status == StatusPending {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out
}

// Orders returns every order, newest-first, for the query surface. Payload
// bytes stay in the record; the API layer is responsible for not exposing
// them.
func (e *Engine) Orders() []Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Order, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].OrderID > out[j].OrderID
	})
	return out
}

// AggregateSnapshot is the public read-only view of protocol counters. It
// never carries payload bytes or per-order data beyond public keys.
type AggregateSnapshot struct {
	Active        bool                  `json:"active"`
	TotalOrders   uint64                `json:"total_orders"`
	TotalFees     uint64                `json:"total_fees"`
	OpenOrders    int                   `json:"open_orders"`
	PoolCount     int                   `json:"pool_count"`
	PositionCount int                   `json:"position_count"`
	VolumeByTier  [tier.NumTiers]uint64 `json:"volume_by_tier"`
	FeeBpsByTier  [tier.NumTiers]uint16 `json:"fee_bps_by_tier"`
}

func (e *Engine) Aggregates() AggregateSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := AggregateSnapshot{
		Active:       e.active,
		TotalOrders:  e.aggregates.TotalOrders,
		TotalFees:    e.aggregates.TotalFees,
		VolumeByTier: e.aggregates.VolumeByTier,
		PoolCount:    len(e.pools),
	}
	for i := 0; i < tier.NumTiers; i++ {
		snap.FeeBpsByTier[i] = e.tiers.FeeBps(uint8(i))
	}
	for _, o := range e.orders {
		if o.Status == StatusPending {
			snap.OpenOrders++
		}
	}
	for _, p := range e.positions {
		if p.Active {
			snap.PositionCount++
		}
	}
	return snap
}

// checkAggregateHeadroom verifies every counter addition the execution will
// make, before any transfer happens.
func (e *Engine) checkAggregateHeadroom(tierIdx uint8, inputAmount, feeAmount uint64) error {
	if _, err := swapmath.CheckedAdd(e.aggregates.TotalOrders, 1); err != nil {
		return err
	}
	if _, err := swapmath.CheckedAdd(e.aggregates.VolumeByTier[tierIdx], inputAmount); err != nil {
		return err
	}
	if _, err := swapmath.CheckedAdd(e.aggregates.TotalFees, feeAmount); err != nil {
		return err
	}
	return nil
}

func (e *Engine) applyAggregates(tierIdx uint8, inputAmount, feeAmount uint64) {
	e.aggregates.TotalOrders++
	e.aggregates.VolumeByTier[tierIdx] += inputAmount
	e.aggregates.TotalFees += feeAmount
}
