// Package vault manages per-order escrow accounts. Each open order holds
// exactly one input vault and one output vault; both are owned by an
// order-derived authority, so only the settlement engine can move escrowed
// funds, and only along the transitions the order state machine permits.
package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/umbralabs/settlement/internal/ledger"
)

// Leg selects which side of an order a vault escrows.
type Leg uint8

const (
	LegInput Leg = iota
	LegOutput
)

func (l Leg) String() string {
	if l == LegInput {
		return "input"
	}
	return "output"
}

var ErrUnknownVault = errors.New("unknown vault")

// Vault is one escrow account bound to an order leg.
type Vault struct {
	Address   solana.PublicKey
	Authority solana.PublicKey
	Mint      solana.PublicKey
	Order     solana.PublicKey
	Leg       Leg
}

type vaultKey struct {
	order solana.PublicKey
	leg   Leg
}

// Manager opens, funds, drains, and closes escrow vaults through a Ledger.
// It is not safe for concurrent use; the engine serializes access.
type Manager struct {
	ledger    ledger.Ledger
	programID solana.PublicKey
	vaults    map[vaultKey]Vault
}

func NewManager(l ledger.Ledger, programID solana.PublicKey) *Manager {
	return &Manager{
		ledger:    l,
		programID: programID,
		vaults:    make(map[vaultKey]Vault),
	}
}

// Open derives and creates the escrow account for one leg of an order. The
// account's owner is the vault authority derived from the order address, so
// no external key can debit it.
func (m *Manager) Open(ctx context.Context, order solana.PublicKey, leg Leg, mint solana.PublicKey) (Vault, error) {
	seedTag := []byte("vault-in")
	if leg == LegOutput {
		seedTag = []byte("vault-out")
	}
	address, _, err := solana.FindProgramAddress([][]byte{seedTag, order.Bytes()}, m.programID)
	if err != nil {
		return Vault{}, fmt.Errorf("derive %s vault for order %s: %w", leg, order, err)
	}
	authority, _, err := DeriveVaultAuthorityPDA(m.programID, order)
	if err != nil {
		return Vault{}, fmt.Errorf("derive vault authority for order %s: %w", order, err)
	}
	if err := m.ledger.CreateAccount(ctx, address, authority, mint); err != nil {
		return Vault{}, fmt.Errorf("create %s vault for order %s: %w", leg, order, err)
	}

	v := Vault{Address: address, Authority: authority, Mint: mint, Order: order, Leg: leg}
	m.vaults[vaultKey{order: order, leg: leg}] = v
	return v, nil
}

// Lookup returns the tracked vault for an order leg.
func (m *Manager) Lookup(order solana.PublicKey, leg Leg) (Vault, error) {
	v, ok := m.vaults[vaultKey{order: order, leg: leg}]
	if !ok {
		return Vault{}, fmt.Errorf("%w: order %s leg %s", ErrUnknownVault, order, leg)
	}
	return v, nil
}

// Fund moves amount from a caller-owned account into the vault. The caller
// signs as the source authority.
func (m *Manager) Fund(ctx context.Context, order solana.PublicKey, leg Leg, from, fromAuthority solana.PublicKey, amount uint64) error {
	v, err := m.Lookup(order, leg)
	if err != nil {
		return err
	}
	if err := m.ledger.Transfer(ctx, from, v.Address, fromAuthority, amount); err != nil {
		return fmt.Errorf("fund %s vault for order %s: %w", leg, order, err)
	}
	return nil
}

// Release moves amount out of the vault under the derived authority.
func (m *Manager) Release(ctx context.Context, order solana.PublicKey, leg Leg, to solana.PublicKey, amount uint64) error {
	v, err := m.Lookup(order, leg)
	if err != nil {
		return err
	}
	if err := m.ledger.Transfer(ctx, v.Address, to, v.Authority, amount); err != nil {
		return fmt.Errorf("release from %s vault for order %s: %w", leg, order, err)
	}
	return nil
}

// Balance reports the vault's escrowed amount.
func (m *Manager) Balance(ctx context.Context, order solana.PublicKey, leg Leg) (uint64, error) {
	v, err := m.Lookup(order, leg)
	if err != nil {
		return 0, err
	}
	return m.ledger.Balance(ctx, v.Address)
}

// Close removes an emptied vault and stops tracking it. Rent goes to
// rentDest. Closing a vault that still holds funds fails.
func (m *Manager) Close(ctx context.Context, order solana.PublicKey, leg Leg, rentDest solana.PublicKey) error {
	v, err := m.Lookup(order, leg)
	if err != nil {
		return err
	}
	if err := m.ledger.CloseAccount(ctx, v.Address, rentDest, v.Authority); err != nil {
		return fmt.Errorf("close %s vault for order %s: %w", leg, order, err)
	}
	delete(m.vaults, vaultKey{order: order, leg: leg})
	return nil
}

// DrainAndClose releases the vault's full balance to dest, then closes it.
// Used by cancel and claim paths where the whole escrow returns at once.
func (m *Manager) DrainAndClose(ctx context.Context, order solana.PublicKey, leg Leg, dest, rentDest solana.PublicKey) (uint64, error) {
	balance, err := m.Balance(ctx, order, leg)
	if err != nil {
		return 0, err
	}
	if balance > 0 {
		if err := m.Release(ctx, order, leg, dest, balance); err != nil {
			return 0, err
		}
	}
	if err := m.Close(ctx, order, leg, rentDest); err != nil {
		return 0, err
	}
	return balance, nil
}
