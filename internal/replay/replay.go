// Package replay tracks consumed nullifiers. A nullifier is recorded exactly
// once; any second attempt fails deterministically. There is no removal:
// replay protection holds for the lifetime of the system, not a window.
package replay

import (
	"errors"
	"sync"
)

// NullifierSize is the fixed byte width of a nullifier value.
const NullifierSize = 32

// ErrNullifierUsed reports an attempted reuse of a consumed nullifier.
var ErrNullifierUsed = errors.New("nullifier already used")

// Guard is an atomic check-and-insert set of consumed nullifiers.
type Guard interface {
	// Record consumes the nullifier, failing with ErrNullifierUsed if it
	// was consumed before. The insert and the existence check are one
	// atomic step.
	Record(nullifier [NullifierSize]byte, usedAt int64) error

	// Used reports whether the nullifier has been consumed.
	Used(nullifier [NullifierSize]byte) bool
}

// MemoryGuard is the in-process Guard used by the settlement engine. The
// server seeds it from the nullifier journal at boot.
type MemoryGuard struct {
	mu   sync.Mutex
	used map[[NullifierSize]byte]int64
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{used: make(map[[NullifierSize]byte]int64)}
}

func (g *MemoryGuard) Record(nullifier [NullifierSize]byte, usedAt int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.used[nullifier]; ok {
		return ErrNullifierUsed
	}
	g.used[nullifier] = usedAt
	return nil
}

func (g *MemoryGuard) Used(nullifier [NullifierSize]byte) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.used[nullifier]
	return ok
}

// Len returns the number of consumed nullifiers.
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.used)
}
