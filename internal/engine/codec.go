package engine

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/umbralabs/settlement/internal/tier"
)

// MaxOrderRecordSize is the serialized ceiling of an Order: seven 32-byte
// keys, eight u64 fields, one u16, five u8 fields, and a length-prefixed
// payload capped at MaxPrivilegedPayloadSize.
const MaxOrderRecordSize = 7*32 + 8*8 + 2 + 5 + 4 + MaxPrivilegedPayloadSize

// EncodeOrder serializes an order with borsh for the journal. Oversized
// payloads are rejected rather than truncated.
func EncodeOrder(o *Order) ([]byte, error) {
	if len(o.EncryptedPayload) > MaxPrivilegedPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPayloadLength, len(o.EncryptedPayload))
	}
	var buf bytes.Buffer
	if err := bin.NewBorshEncoder(&buf).Encode(o); err != nil {
		return nil, fmt.Errorf("encode order: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeOrder parses a journaled order record.
func DecodeOrder(data []byte) (Order, error) {
	if len(data) > MaxOrderRecordSize {
		return Order{}, fmt.Errorf("order record too large: %d bytes", len(data))
	}
	var o Order
	if err := bin.NewBorshDecoder(data).Decode(&o); err != nil {
		return Order{}, fmt.Errorf("decode order: %w", err)
	}
	if len(o.EncryptedPayload) > MaxPrivilegedPayloadSize {
		return Order{}, fmt.Errorf("%w: %d bytes", ErrInvalidPayloadLength, len(o.EncryptedPayload))
	}
	return o, nil
}

// ConfigRecord is the persisted protocol snapshot: identities, the live tier
// table, and the aggregate counters.
type ConfigRecord struct {
	Authority    solana.PublicKey
	Solver       solana.PublicKey
	FeeAccount   solana.PublicKey
	Active       bool
	TotalOrders  uint64
	TotalFees    uint64
	VolumeByTier [tier.NumTiers]uint64
	Tiers        tier.Table
}

// ConfigSnapshot captures the current protocol record.
func (e *Engine) ConfigSnapshot() ConfigRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	return ConfigRecord{
		Authority:    e.authority,
		Solver:       e.solver,
		FeeAccount:   e.feeAccount,
		Active:       e.active,
		TotalOrders:  e.aggregates.TotalOrders,
		TotalFees:    e.aggregates.TotalFees,
		VolumeByTier: e.aggregates.VolumeByTier,
		Tiers:        e.tiers,
	}
}

// RestoreConfig reapplies a journaled protocol record at boot: the active
// flag, the tier table, and the aggregate counters. A record written under a
// different authority is rejected.
func (e *Engine) RestoreConfig(rec ConfigRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !rec.Authority.Equals(e.authority) {
		return fmt.Errorf("config record authority %s does not match %s", rec.Authority, e.authority)
	}
	e.active = rec.Active
	e.tiers = rec.Tiers
	e.aggregates = Aggregates{
		TotalOrders:  rec.TotalOrders,
		TotalFees:    rec.TotalFees,
		VolumeByTier: rec.VolumeByTier,
	}
	return nil
}

func EncodeConfig(c *ConfigRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := bin.NewBorshEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeConfig(data []byte) (ConfigRecord, error) {
	var c ConfigRecord
	if err := bin.NewBorshDecoder(data).Decode(&c); err != nil {
		return ConfigRecord{}, fmt.Errorf("decode config: %w", err)
	}
	return c, nil
}
