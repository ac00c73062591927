package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
)

type memoryAccount struct {
	owner   solana.PublicKey
	mint    solana.PublicKey
	balance uint64
}

// Memory is an in-process Ledger with the same authorization rules the real
// transfer service enforces. It backs the dev server, the solver daemon in
// local mode, and the engine tests.
type Memory struct {
	mu       sync.Mutex
	accounts map[solana.PublicKey]*memoryAccount
}

func NewMemory() *Memory {
	return &Memory{accounts: make(map[solana.PublicKey]*memoryAccount)}
}

func (m *Memory) CreateAccount(_ context.Context, account, owner, mint solana.PublicKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[account]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, account)
	}
	m.accounts[account] = &memoryAccount{owner: owner, mint: mint}
	return nil
}

func (m *Memory) Transfer(_ context.Context, from, to, authority solana.PublicKey, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.accounts[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, from)
	}
	dst, ok := m.accounts[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, to)
	}
	if !src.owner.Equals(authority) {
		return fmt.Errorf("%w: %s", ErrUnauthorized, authority)
	}
	if !src.mint.Equals(dst.mint) {
		return fmt.Errorf("%w: %s -> %s", ErrMintMismatch, src.mint, dst.mint)
	}
	if src.balance < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, src.balance, amount)
	}
	src.balance -= amount
	dst.balance += amount
	return nil
}

func (m *Memory) CloseAccount(_ context.Context, account, _, authority solana.PublicKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[account]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	if !acc.owner.Equals(authority) {
		return fmt.Errorf("%w: %s", ErrUnauthorized, authority)
	}
	if acc.balance != 0 {
		return fmt.Errorf("%w: %s holds %d", ErrAccountNotEmpty, account, acc.balance)
	}
	delete(m.accounts, account)
	return nil
}

func (m *Memory) Balance(_ context.Context, account solana.PublicKey) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[account]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	return acc.balance, nil
}

func (m *Memory) Mint(_ context.Context, account solana.PublicKey) (solana.PublicKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[account]
	if !ok {
		return solana.PublicKey{}, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	return acc.mint, nil
}

// Credit mints amount into an existing account. Test and bootstrap helper;
// the real transfer service has no equivalent.
func (m *Memory) Credit(account solana.PublicKey, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[account]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	acc.balance += amount
	return nil
}
