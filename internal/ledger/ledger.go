// Package ledger is the narrow boundary to the external transfer service that
// moves fungible assets between holding accounts. The settlement engine only
// ever issues single synchronous calls through this interface; a failure
// aborts the surrounding transition.
package ledger

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrUnknownAccount      = errors.New("unknown account")
	ErrAccountExists       = errors.New("account already exists")
	ErrAccountNotEmpty     = errors.New("account balance is not zero")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnauthorized        = errors.New("authority does not own the source account")
	ErrMintMismatch        = errors.New("account mint mismatch")
)

// Ledger moves balances between accounts. Transfers out of an account must be
// authorized by that account's owner; for engine-held vaults the owner is an
// order-derived authority rather than any human key, so the external service
// must accept a derived signer.
type Ledger interface {
	// CreateAccount registers a new empty holding account for mint, owned
	// by owner.
	CreateAccount(ctx context.Context, account, owner, mint solana.PublicKey) error

	// Transfer debits from and credits to. authority must be the owner of
	// from, and both accounts must share a mint.
	Transfer(ctx context.Context, from, to, authority solana.PublicKey, amount uint64) error

	// CloseAccount removes an account whose balance already reached zero,
	// returning its rent reserve to rentDest.
	CloseAccount(ctx context.Context, account, rentDest, authority solana.PublicKey) error

	// Balance reports the current balance of an account.
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)

	// Mint reports the mint an account holds.
	Mint(ctx context.Context, account solana.PublicKey) (solana.PublicKey, error)
}
