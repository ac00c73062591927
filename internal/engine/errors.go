package engine

import "errors"

// Validation failures. All reject before any side effect.
var (
	ErrInvalidInputAmount   = errors.New("input amount must be greater than zero")
	ErrInvalidPayloadLength = errors.New("encrypted payload length out of bounds")
	ErrInvalidScore         = errors.New("reputation score out of range")
	ErrInvalidLevel         = errors.New("reputation level out of range")
	ErrInvalidDeadline      = errors.New("deadline must be in the future")
	ErrOrderExists          = errors.New("order id already in use by owner")
)

// Authorization failures.
var (
	ErrUnauthorized       = errors.New("caller is not the protocol authority")
	ErrUnauthorizedOwner  = errors.New("caller is not the order owner")
	ErrUnauthorizedSolver = errors.New("caller is not the configured solver")
)

// State failures.
var (
	ErrUnknownOrder          = errors.New("unknown order")
	ErrOrderNotExecutable    = errors.New("order is not in an executable state")
	ErrOrderNotCancellable   = errors.New("order is not in a cancellable state")
	ErrOrderNotClaimable     = errors.New("order is not in a claimable state")
	ErrAlreadyClaimed        = errors.New("output already claimed")
	ErrOrderExpired          = errors.New("order deadline has passed")
	ErrOrderNotExpired       = errors.New("order deadline has not passed")
	ErrProtocolPaused        = errors.New("protocol is paused")
	ErrProofExpired          = errors.New("score attestation is too old")
	ErrSlippageExceeded      = errors.New("output amount below decrypted minimum")
	ErrOrderTypeNotAllowed   = errors.New("order type not permitted for tier")
	ErrOrderExceedsTierLimit = errors.New("input amount exceeds tier order size limit")
	ErrDarkPoolAccessDenied  = errors.New("tier does not grant dark pool access")
	ErrInvalidProof          = errors.New("proof verification failed")
)

// Dark pool failures.
var (
	ErrUnknownPool       = errors.New("unknown pool")
	ErrPoolExists        = errors.New("pool already initialized")
	ErrPoolNotActive     = errors.New("pool is not active")
	ErrUnknownPosition   = errors.New("unknown position")
	ErrPositionNotActive = errors.New("position is not active")
	ErrInvalidCommitment = errors.New("commitment must be non-zero")
	ErrInvalidWithdrawal = errors.New("withdrawal percentage out of range")
)
