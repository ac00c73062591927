package store

import (
	"context"
	"fmt"

	"github.com/umbralabs/settlement/internal/replay"
)

// nullifierJournal is the slice of Store the guard writes through.
type nullifierJournal interface {
	InsertNullifier(ctx context.Context, nullifier [replay.NullifierSize]byte, usedAt int64) error
}

// Guard journals every nullifier at the moment it is consumed, so a burn
// survives a restart even when the settlement after it fails. A journal write
// failure fails the consumption: the in-memory entry stays, and the worst
// case is a nullifier that settled nothing becoming usable again after a
// restart.
type Guard struct {
	inner   *replay.MemoryGuard
	journal nullifierJournal
}

// NewGuard wraps an in-memory guard with this store's nullifier journal. Seed
// the inner guard with LoadNullifiers first.
func (s *Store) NewGuard(inner *replay.MemoryGuard) *Guard {
	return &Guard{inner: inner, journal: s}
}

func (g *Guard) Record(nullifier [replay.NullifierSize]byte, usedAt int64) error {
	if err := g.inner.Record(nullifier, usedAt); err != nil {
		return err
	}
	if err := g.journal.InsertNullifier(context.Background(), nullifier, usedAt); err != nil {
		return fmt.Errorf("journal nullifier: %w", err)
	}
	return nil
}

func (g *Guard) Used(nullifier [replay.NullifierSize]byte) bool {
	return g.inner.Used(nullifier)
}
