package engine

import (
	"encoding/json"

	"github.com/gagliardetto/solana-go"

	"github.com/umbralabs/settlement/internal/tier"
)

// Payload bounds. Payloads are opaque to the engine; only their length is
// validated. Dark orders and pool blobs use the privileged cap.
const (
	MinPayloadSize           = 24
	MaxPayloadSize           = 128
	MaxPrivilegedPayloadSize = 256
	MaxAggregateDeltaSize    = 64
)

// MaxProofAgeSeconds bounds how stale a score attestation may be at
// submission.
const MaxProofAgeSeconds = 600

// Status is the order lifecycle state. Completed, Cancelled, Failed and
// Expired are terminal.
type Status uint8

const (
	StatusPending Status = iota
	StatusExecuting
	StatusCompleted
	StatusCancelled
	StatusFailed
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusExecuting:
		return "executing"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status name rather than its numeric value.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s != StatusPending && s != StatusExecuting
}

// Order is the central settlement record. Identity is (Owner, OrderID);
// OrderID is caller-chosen and unique among an owner's open orders. The tier
// snapshot fields are captured at submission and never change afterwards, so
// a mid-flight tier update cannot alter the economics of an escrowed order.
type Order struct {
	Owner   solana.PublicKey
	OrderID uint64
	Address solana.PublicKey

	InputMint       solana.PublicKey
	OutputMint      solana.PublicKey
	InputAmount     uint64
	MinOutputAmount uint64
	OutputAmount    uint64
	FeeBpsApplied   uint16
	FeeAmount       uint64

	EncryptedPayload     []byte
	UserEncryptionPubkey solana.PublicKey

	Status     Status
	OrderType  tier.OrderType
	CreatedAt  int64
	Deadline   int64
	ExecutedAt int64
	ExecutedBy solana.PublicKey

	UserTier        uint8
	MEVProtection   tier.MEVLevel
	ScoreAtCreation uint8

	// FundingAccount is the owner-side account refunds return to. Claims
	// go to a caller-supplied destination since the output mint differs.
	FundingAccount solana.PublicKey
}

type orderKey struct {
	owner solana.PublicKey
	id    uint64
}

func payloadBounds(orderType tier.OrderType) (int, int) {
	if orderType == tier.OrderTypeDark {
		return MinPayloadSize, MaxPrivilegedPayloadSize
	}
	return MinPayloadSize, MaxPayloadSize
}
