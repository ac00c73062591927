package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/umbralabs/settlement/internal/ledger"
	"github.com/umbralabs/settlement/internal/replay"
	"github.com/umbralabs/settlement/internal/swapmath"
	"github.com/umbralabs/settlement/internal/tier"
	"github.com/umbralabs/settlement/internal/vault"
)

// ExecuteParams carries the solver's fill for a pending order. OutputAmount
// is gross; the engine splits it into the owner's net and the protocol fee
// using the fee rate frozen at submission.
type ExecuteParams struct {
	Caller  solana.PublicKey
	Owner   solana.PublicKey
	OrderID uint64

	OutputAmount       uint64
	DecryptedMinOutput uint64

	// SolverReceiveAccount takes the escrowed input; SolverPayAccount
	// funds the output vault and the fee.
	SolverReceiveAccount solana.PublicKey
	SolverPayAccount     solana.PublicKey
}

// ExecuteOrder settles a pending order: the escrowed input goes to the
// solver, the net output lands in the order's output vault for later claim,
// and the fee goes to the protocol fee account. Dark orders must go through
// ExecuteDarkOrder instead.
func (e *Engine) ExecuteOrder(ctx context.Context, p ExecuteParams) (Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, err := e.executableOrderLocked(p.Caller, p.Owner, p.OrderID)
	if err != nil {
		return Order{}, err
	}
	if order.OrderType == tier.OrderTypeDark {
		return Order{}, fmt.Errorf("%w: dark order requires nullifier presentation", ErrOrderNotExecutable)
	}
	return e.settleLocked(ctx, order, p)
}

// DarkExecuteParams adds the nullifier and ownership proof a dark-order
// execution must present.
type DarkExecuteParams struct {
	ExecuteParams
	Nullifier [replay.NullifierSize]byte
	Proof     []byte
}

// ExecuteDarkOrder settles a pending dark order. The nullifier is recorded
// before any funds move: a retry after a post-record failure finds the
// nullifier consumed, which trades availability for double-spend safety.
func (e *Engine) ExecuteDarkOrder(ctx context.Context, p DarkExecuteParams) (Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, err := e.executableOrderLocked(p.Caller, p.Owner, p.OrderID)
	if err != nil {
		return Order{}, err
	}
	if order.OrderType != tier.OrderTypeDark {
		return Order{}, fmt.Errorf("%w: not a dark order", ErrOrderNotExecutable)
	}
	now := e.clock().Unix()
	if now > order.Deadline {
		return Order{}, fmt.Errorf("%w: deadline %d", ErrOrderExpired, order.Deadline)
	}
	if !e.verifier.Verify(p.Proof, order.EncryptedPayload) {
		return Order{}, ErrInvalidProof
	}
	if p.OutputAmount < p.DecryptedMinOutput {
		return Order{}, fmt.Errorf("%w: %d < %d", ErrSlippageExceeded, p.OutputAmount, p.DecryptedMinOutput)
	}
	if err := e.preflightSettleLocked(ctx, order, p.ExecuteParams); err != nil {
		return Order{}, err
	}

	// Burn before funds move.
	if err := e.guard.Record(p.Nullifier, now); err != nil {
		return Order{}, err
	}
	return e.settleLocked(ctx, order, p.ExecuteParams)
}

func (e *Engine) executableOrderLocked(caller, owner solana.PublicKey, orderID uint64) (*Order, error) {
	if !caller.Equals(e.solver) {
		return nil, ErrUnauthorizedSolver
	}
	order, ok := e.orders[orderKey{owner: owner, id: orderID}]
	if !ok {
		return nil, fmt.Errorf("%w: owner %s id %d", ErrUnknownOrder, owner, orderID)
	}
	if order.Status != StatusPending {
		return nil, fmt.Errorf("%w: status %s", ErrOrderNotExecutable, order.Status)
	}
	return order, nil
}

// preflightSettleLocked validates everything settleLocked will do, without
// side effects: slippage, fee arithmetic, aggregate headroom, the solver's
// balance, and the mint of every account the settlement touches. Dark
// execution runs it before burning the nullifier so a doomed settlement does
// not consume the nullifier needlessly.
func (e *Engine) preflightSettleLocked(ctx context.Context, order *Order, p ExecuteParams) error {
	if p.OutputAmount < p.DecryptedMinOutput {
		return fmt.Errorf("%w: %d < %d", ErrSlippageExceeded, p.OutputAmount, p.DecryptedMinOutput)
	}
	_, fee, err := swapmath.ApplyFee(p.OutputAmount, order.FeeBpsApplied)
	if err != nil {
		return err
	}
	if err := e.checkAggregateHeadroom(order.UserTier, order.InputAmount, fee); err != nil {
		return err
	}
	available, err := e.ledger.Balance(ctx, p.SolverPayAccount)
	if err != nil {
		return err
	}
	if available < p.OutputAmount {
		return fmt.Errorf("solver pay account: %w: have %d, need %d", ledger.ErrInsufficientBalance, available, p.OutputAmount)
	}
	if err := e.checkAccountMint(ctx, "solver receive account", p.SolverReceiveAccount, order.InputMint); err != nil {
		return err
	}
	if err := e.checkAccountMint(ctx, "solver pay account", p.SolverPayAccount, order.OutputMint); err != nil {
		return err
	}
	if fee > 0 {
		if err := e.checkAccountMint(ctx, "fee account", e.feeAccount, order.OutputMint); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) checkAccountMint(ctx context.Context, label string, account, want solana.PublicKey) error {
	mint, err := e.ledger.Mint(ctx, account)
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	if !mint.Equals(want) {
		return fmt.Errorf("%s: %w: holds %s, want %s", label, ledger.ErrMintMismatch, mint, want)
	}
	return nil
}

func (e *Engine) settleLocked(ctx context.Context, order *Order, p ExecuteParams) (Order, error) {
	if err := e.preflightSettleLocked(ctx, order, p); err != nil {
		return Order{}, err
	}
	net, fee, err := swapmath.ApplyFee(p.OutputAmount, order.FeeBpsApplied)
	if err != nil {
		return Order{}, err
	}

	// Solver legs settle first. The owner's escrow is only drained once the
	// output vault and the fee are funded, so a failure up to that point
	// leaves the order pending and fully cancellable.
	if _, err := e.vaults.Open(ctx, order.Address, vault.LegOutput, order.OutputMint); err != nil {
		return Order{}, err
	}
	if err := e.vaults.Fund(ctx, order.Address, vault.LegOutput, p.SolverPayAccount, p.Caller, net); err != nil {
		if closeErr := e.vaults.Close(ctx, order.Address, vault.LegOutput, p.Caller); closeErr != nil {
			e.logger.Error("orphaned output vault after failed funding", "order", order.Address, "error", closeErr)
		}
		return Order{}, fmt.Errorf("fund output escrow: %w", err)
	}
	if fee > 0 {
		if err := e.ledger.Transfer(ctx, p.SolverPayAccount, e.feeAccount, p.Caller, fee); err != nil {
			if _, undoErr := e.vaults.DrainAndClose(ctx, order.Address, vault.LegOutput, p.SolverPayAccount, p.Caller); undoErr != nil {
				e.logger.Error("stranded output vault after failed fee collection", "order", order.Address, "error", undoErr)
			}
			return Order{}, fmt.Errorf("collect fee: %w", err)
		}
	}
	if _, err := e.vaults.DrainAndClose(ctx, order.Address, vault.LegInput, p.SolverReceiveAccount, order.Owner); err != nil {
		return Order{}, fmt.Errorf("release escrowed input: %w", err)
	}

	now := e.clock().Unix()
	order.Status = StatusCompleted
	order.OutputAmount = p.OutputAmount
	order.MinOutputAmount = p.DecryptedMinOutput
	order.FeeAmount = fee
	order.ExecutedAt = now
	order.ExecutedBy = p.Caller
	e.applyAggregates(order.UserTier, order.InputAmount, fee)

	e.logger.Info("order executed",
		"owner", order.Owner,
		"order_id", order.OrderID,
		"output_amount", p.OutputAmount,
		"fee_amount", fee,
		"solver", p.Caller)
	e.feed.publish(Event{Type: EventExecuted, Owner: order.Owner, OrderID: order.OrderID, Status: StatusCompleted, Timestamp: now})
	return *order, nil
}

// CancelOrder refunds a pending order's escrowed input to its funding
// account and closes the input vault.
func (e *Engine) CancelOrder(ctx context.Context, caller, owner solana.PublicKey, orderID uint64) (Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !caller.Equals(owner) {
		return Order{}, ErrUnauthorizedOwner
	}
	order, ok := e.orders[orderKey{owner: owner, id: orderID}]
	if !ok {
		return Order{}, fmt.Errorf("%w: owner %s id %d", ErrUnknownOrder, owner, orderID)
	}
	if order.Status != StatusPending {
		return Order{}, fmt.Errorf("%w: status %s", ErrOrderNotCancellable, order.Status)
	}

	refunded, err := e.vaults.DrainAndClose(ctx, order.Address, vault.LegInput, order.FundingAccount, order.Owner)
	if err != nil {
		return Order{}, fmt.Errorf("refund escrowed input: %w", err)
	}
	now := e.clock().Unix()
	order.Status = StatusCancelled

	e.logger.Info("order cancelled", "owner", owner, "order_id", orderID, "refunded", refunded)
	e.feed.publish(Event{Type: EventCancelled, Owner: owner, OrderID: orderID, Status: StatusCancelled, Timestamp: now})
	return *order, nil
}

// ClaimOutput releases a completed order's entire output vault balance to
// the owner's destination account and closes the vault. A drained or closed
// output vault means the claim already happened.
func (e *Engine) ClaimOutput(ctx context.Context, caller, owner solana.PublicKey, orderID uint64, destination solana.PublicKey) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !caller.Equals(owner) {
		return 0, ErrUnauthorizedOwner
	}
	order, ok := e.orders[orderKey{owner: owner, id: orderID}]
	if !ok {
		return 0, fmt.Errorf("%w: owner %s id %d", ErrUnknownOrder, owner, orderID)
	}
	if order.Status != StatusCompleted {
		return 0, fmt.Errorf("%w: status %s", ErrOrderNotClaimable, order.Status)
	}

	balance, err := e.vaults.Balance(ctx, order.Address, vault.LegOutput)
	if err != nil {
		if errors.Is(err, vault.ErrUnknownVault) {
			return 0, ErrAlreadyClaimed
		}
		return 0, err
	}
	if balance == 0 {
		return 0, ErrAlreadyClaimed
	}

	claimed, err := e.vaults.DrainAndClose(ctx, order.Address, vault.LegOutput, destination, order.Owner)
	if err != nil {
		return 0, fmt.Errorf("release output: %w", err)
	}
	now := e.clock().Unix()

	e.logger.Info("output claimed", "owner", owner, "order_id", orderID, "amount", claimed)
	e.feed.publish(Event{Type: EventClaimed, Owner: owner, OrderID: orderID, Status: order.Status, Timestamp: now})
	return claimed, nil
}

// ExpireDarkOrder moves a pending dark order past its deadline to Expired
// and refunds the escrow. The owner or the solver sweep may invoke it.
func (e *Engine) ExpireDarkOrder(ctx context.Context, caller, owner solana.PublicKey, orderID uint64) (Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !caller.Equals(owner) && !caller.Equals(e.solver) {
		return Order{}, ErrUnauthorizedOwner
	}
	order, ok := e.orders[orderKey{owner: owner, id: orderID}]
	if !ok {
		return Order{}, fmt.Errorf("%w: owner %s id %d", ErrUnknownOrder, owner, orderID)
	}
	if order.Status != StatusPending || order.OrderType != tier.OrderTypeDark {
		return Order{}, fmt.Errorf("%w: status %s type %s", ErrOrderNotCancellable, order.Status, order.OrderType)
	}
	now := e.clock().Unix()
	if now <= order.Deadline {
		return Order{}, fmt.Errorf("%w: deadline %d", ErrOrderNotExpired, order.Deadline)
	}

	refunded, err := e.vaults.DrainAndClose(ctx, order.Address, vault.LegInput, order.FundingAccount, order.Owner)
	if err != nil {
		return Order{}, fmt.Errorf("refund escrowed input: %w", err)
	}
	order.Status = StatusExpired

	e.logger.Info("dark order expired", "owner", owner, "order_id", orderID, "refunded", refunded)
	e.feed.publish(Event{Type: EventExpired, Owner: owner, OrderID: orderID, Status: StatusExpired, Timestamp: now})
	return *order, nil
}
