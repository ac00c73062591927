// Package reputation reads externally attested reputation for an identity.
// The settlement engine consumes either a raw 0-100 score (attested flow) or
// a 1-5 level (external-reputation flow); this package covers the latter.
package reputation

import (
	"errors"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// ErrUnknownIdentity reports an identity with no reputation record. Callers
// usually map this to the lowest level rather than failing.
var ErrUnknownIdentity = errors.New("unknown identity")

// Attestation is one identity's reputation as of UpdatedAt.
type Attestation struct {
	Level     uint8
	Score     uint8
	UpdatedAt int64
}

// Reader resolves an identity to its current attestation.
type Reader interface {
	Lookup(identity solana.PublicKey) (Attestation, error)
}

// StaticReader serves attestations from an in-memory table. The server loads
// it from configuration; tests populate it directly.
type StaticReader struct {
	mu      sync.RWMutex
	entries map[solana.PublicKey]Attestation
}

func NewStaticReader() *StaticReader {
	return &StaticReader{entries: make(map[solana.PublicKey]Attestation)}
}

func (r *StaticReader) Set(identity solana.PublicKey, att Attestation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[identity] = att
}

func (r *StaticReader) Lookup(identity solana.PublicKey) (Attestation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	att, ok := r.entries[identity]
	if !ok {
		return Attestation{}, ErrUnknownIdentity
	}
	return att, nil
}
