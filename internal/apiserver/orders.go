package apiserver

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/umbralabs/settlement/internal/engine"
	"github.com/umbralabs/settlement/internal/ledger"
	"github.com/umbralabs/settlement/internal/replay"
	"github.com/umbralabs/settlement/internal/reputation"
	"github.com/umbralabs/settlement/internal/swapmath"
	"github.com/umbralabs/settlement/internal/tier"
	"github.com/umbralabs/settlement/internal/vault"
)

// orderView is the public projection of an order record. Encrypted payload
// bytes and the funding account never leave the engine through this surface.
type orderView struct {
	Owner         solana.PublicKey `json:"owner"`
	OrderID       uint64           `json:"order_id"`
	Address       solana.PublicKey `json:"address"`
	InputMint     solana.PublicKey `json:"input_mint"`
	OutputMint    solana.PublicKey `json:"output_mint"`
	InputAmount   uint64           `json:"input_amount"`
	OutputAmount  uint64           `json:"output_amount"`
	FeeBps        uint16           `json:"fee_bps"`
	FeeAmount     uint64           `json:"fee_amount"`
	Status        string           `json:"status"`
	OrderType     string           `json:"order_type"`
	CreatedAt     int64            `json:"created_at"`
	Deadline      int64            `json:"deadline,omitempty"`
	ExecutedAt    int64            `json:"executed_at,omitempty"`
	ExecutedBy    solana.PublicKey `json:"executed_by"`
	UserTier      uint8            `json:"user_tier"`
	MEVProtection string           `json:"mev_protection"`
}

func newOrderView(o engine.Order) orderView {
	return orderView{
		Owner:         o.Owner,
		OrderID:       o.OrderID,
		Address:       o.Address,
		InputMint:     o.InputMint,
		OutputMint:    o.OutputMint,
		InputAmount:   o.InputAmount,
		OutputAmount:  o.OutputAmount,
		FeeBps:        o.FeeBpsApplied,
		FeeAmount:     o.FeeAmount,
		Status:        o.Status.String(),
		OrderType:     o.OrderType.String(),
		CreatedAt:     o.CreatedAt,
		Deadline:      o.Deadline,
		ExecutedAt:    o.ExecutedAt,
		ExecutedBy:    o.ExecutedBy,
		UserTier:      o.UserTier,
		MEVProtection: o.MEVProtection.String(),
	}
}

type submitOrderRequest struct {
	Owner                solana.PublicKey `json:"owner"`
	OrderID              uint64           `json:"order_id"`
	InputMint            solana.PublicKey `json:"input_mint"`
	OutputMint           solana.PublicKey `json:"output_mint"`
	InputAmount          uint64           `json:"input_amount"`
	OrderType            uint8            `json:"order_type"`
	EncryptedPayload     string           `json:"encrypted_payload"`
	UserEncryptionPubkey solana.PublicKey `json:"user_encryption_pubkey"`
	FundingAccount       solana.PublicKey `json:"funding_account"`
	Score                uint8            `json:"score"`
	ScoreAttestedAt      int64            `json:"score_attested_at"`
	Deadline             int64            `json:"deadline"`

	// Level switches submission to the external-reputation path on the
	// dedicated endpoint; the plain endpoint ignores it.
	Level uint8 `json:"level,omitempty"`
}

func (req *submitOrderRequest) toParams() (engine.SubmitParams, error) {
	orderType, err := tier.ParseOrderType(req.OrderType)
	if err != nil {
		return engine.SubmitParams{}, err
	}
	payload, err := parseHexBytes("encrypted_payload", req.EncryptedPayload)
	if err != nil {
		return engine.SubmitParams{}, err
	}
	return engine.SubmitParams{
		Owner:                req.Owner,
		OrderID:              req.OrderID,
		InputMint:            req.InputMint,
		OutputMint:           req.OutputMint,
		InputAmount:          req.InputAmount,
		OrderType:            orderType,
		EncryptedPayload:     payload,
		UserEncryptionPubkey: req.UserEncryptionPubkey,
		FundingAccount:       req.FundingAccount,
		Score:                req.Score,
		ScoreAttestedAt:      req.ScoreAttestedAt,
		Deadline:             req.Deadline,
	}, nil
}

func (s *Service) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListOrders(w, r)
	case http.MethodPost:
		s.handleSubmitOrder(w, r)
	default:
		s.respondMethodNotAllowed(w)
	}
}

func (s *Service) handleListOrders(w http.ResponseWriter, r *http.Request) {
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset = normalizeLimitOffset(limit, offset)

	status := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))
	ownerFilter := strings.TrimSpace(r.URL.Query().Get("owner"))
	var owner solana.PublicKey
	if ownerFilter != "" {
		owner, err = solana.PublicKeyFromBase58(ownerFilter)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid owner: %v", err))
			return
		}
	}

	var orders []engine.Order
	if status == "pending" {
		orders = s.engine.PendingOrders()
	} else {
		orders = s.engine.Orders()
	}

	items := make([]orderView, 0, limit)
	skipped := 0
	for _, o := range orders {
		if status != "" && status != "pending" && o.Status.String() != status {
			continue
		}
		if ownerFilter != "" && !o.Owner.Equals(owner) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		items = append(items, newOrderView(o))
		if len(items) == limit {
			break
		}
	}

	s.respondJSON(w, http.StatusOK, listResponse[orderView]{
		Items:  items,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Service) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	params, err := req.toParams()
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	order, err := s.engine.SubmitOrder(r.Context(), params)
	if err != nil {
		s.respondEngineError(w, "submit order", err)
		return
	}
	s.journalOrder(r.Context(), order)
	s.respondJSON(w, http.StatusCreated, newOrderView(order))
}

func (s *Service) handleSubmitReputation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	var req submitOrderRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	params, err := req.toParams()
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	level := req.Level
	if level == 0 && s.reputation != nil {
		att, err := s.reputation.Lookup(req.Owner)
		if err != nil {
			if errors.Is(err, reputation.ErrUnknownIdentity) {
				s.respondError(w, http.StatusNotFound, "no reputation record for owner")
				return
			}
			s.logger.Error("reputation lookup failed", "owner", req.Owner, "err", err)
			s.respondError(w, http.StatusInternalServerError, "reputation lookup failed")
			return
		}
		level = att.Level
	}

	order, err := s.engine.SubmitOrderWithReputation(r.Context(), engine.SubmitWithReputationParams{
		SubmitParams: params,
		Level:        level,
	})
	if err != nil {
		s.respondEngineError(w, "submit order with reputation", err)
		return
	}
	s.journalOrder(r.Context(), order)
	s.respondJSON(w, http.StatusCreated, newOrderView(order))
}

type executeOrderRequest struct {
	Caller               solana.PublicKey `json:"caller"`
	Owner                solana.PublicKey `json:"owner"`
	OrderID              uint64           `json:"order_id"`
	OutputAmount         uint64           `json:"output_amount"`
	DecryptedMinOutput   uint64           `json:"decrypted_min_output"`
	SolverReceiveAccount solana.PublicKey `json:"solver_receive_account"`
	SolverPayAccount     solana.PublicKey `json:"solver_pay_account"`

	// Nullifier and Proof are only read by the dark execution endpoint.
	Nullifier string `json:"nullifier,omitempty"`
	Proof     string `json:"proof,omitempty"`
}

func (req *executeOrderRequest) toParams() engine.ExecuteParams {
	return engine.ExecuteParams{
		Caller:               req.Caller,
		Owner:                req.Owner,
		OrderID:              req.OrderID,
		OutputAmount:         req.OutputAmount,
		DecryptedMinOutput:   req.DecryptedMinOutput,
		SolverReceiveAccount: req.SolverReceiveAccount,
		SolverPayAccount:     req.SolverPayAccount,
	}
}

func (s *Service) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	var req executeOrderRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	order, err := s.engine.ExecuteOrder(r.Context(), req.toParams())
	if err != nil {
		s.respondEngineError(w, "execute order", err)
		return
	}
	s.journalOrder(r.Context(), order)
	s.respondJSON(w, http.StatusOK, newOrderView(order))
}

func (s *Service) handleExecuteDark(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	var req executeOrderRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	nullifier, err := parseHex32("nullifier", req.Nullifier)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	proof, err := parseHexBytes("proof", req.Proof)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	order, err := s.engine.ExecuteDarkOrder(r.Context(), engine.DarkExecuteParams{
		ExecuteParams: req.toParams(),
		Nullifier:     nullifier,
		Proof:         proof,
	})
	if err != nil {
		s.respondEngineError(w, "execute dark order", err)
		return
	}
	s.journalOrder(r.Context(), order)
	s.respondJSON(w, http.StatusOK, newOrderView(order))
}

type orderActionRequest struct {
	Caller  solana.PublicKey `json:"caller"`
	Owner   solana.PublicKey `json:"owner"`
	OrderID uint64           `json:"order_id"`

	// Destination is only read by the claim endpoint.
	Destination solana.PublicKey `json:"destination,omitempty"`
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	var req orderActionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	order, err := s.engine.CancelOrder(r.Context(), req.Caller, req.Owner, req.OrderID)
	if err != nil {
		s.respondEngineError(w, "cancel order", err)
		return
	}
	s.journalOrder(r.Context(), order)
	s.respondJSON(w, http.StatusOK, newOrderView(order))
}

type claimResponse struct {
	Owner   solana.PublicKey `json:"owner"`
	OrderID uint64           `json:"order_id"`
	Amount  uint64           `json:"amount"`
}

func (s *Service) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	var req orderActionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	amount, err := s.engine.ClaimOutput(r.Context(), req.Caller, req.Owner, req.OrderID, req.Destination)
	if err != nil {
		s.respondEngineError(w, "claim output", err)
		return
	}
	s.respondJSON(w, http.StatusOK, claimResponse{Owner: req.Owner, OrderID: req.OrderID, Amount: amount})
}

func (s *Service) handleExpire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	var req orderActionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	order, err := s.engine.ExpireDarkOrder(r.Context(), req.Caller, req.Owner, req.OrderID)
	if err != nil {
		s.respondEngineError(w, "expire dark order", err)
		return
	}
	s.journalOrder(r.Context(), order)
	s.respondJSON(w, http.StatusOK, newOrderView(order))
}

type adminActiveRequest struct {
	Caller solana.PublicKey `json:"caller"`
	Active bool             `json:"active"`
}

func (s *Service) handleAdminActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	var req adminActiveRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.SetActive(req.Caller, req.Active); err != nil {
		s.respondEngineError(w, "set active", err)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

type adminTierRequest struct {
	Caller            solana.PublicKey `json:"caller"`
	Tier              uint8            `json:"tier"`
	MinScore          uint8            `json:"min_score"`
	FeeBps            uint16           `json:"fee_bps"`
	MEVProtection     uint8            `json:"mev_protection"`
	AllowedOrderTypes uint8            `json:"allowed_order_types"`
	DerivativesAccess uint8            `json:"derivatives_access"`
}

func (s *Service) handleAdminTiers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	var req adminTierRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := s.engine.UpdateTier(req.Caller, req.Tier, tier.Definition{
		MinScore:          req.MinScore,
		FeeBps:            req.FeeBps,
		MEVProtection:     tier.MEVLevel(req.MEVProtection),
		AllowedOrderTypes: tier.OrderTypeMask(req.AllowedOrderTypes),
		DerivativesAccess: tier.DerivativesMask(req.DerivativesAccess),
	})
	if err != nil {
		s.respondEngineError(w, "update tier", err)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (s *Service) journalOrder(ctx context.Context, order engine.Order) {
	if s.store == nil {
		return
	}
	if err := s.store.UpsertOrder(ctx, &order); err != nil {
		s.logger.Error("journal order failed",
			"owner", order.Owner,
			"order_id", order.OrderID,
			"err", err)
	}
}

// respondEngineError maps an engine error onto an HTTP status and logs the
// server-side failures.
func (s *Service) respondEngineError(w http.ResponseWriter, action string, err error) {
	code := statusForEngineError(err)
	if code == http.StatusInternalServerError {
		s.logger.Error(action+" failed", "err", err)
		s.respondError(w, code, action+" failed")
		return
	}
	s.respondError(w, code, err.Error())
}

func statusForEngineError(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidInputAmount),
		errors.Is(err, engine.ErrInvalidPayloadLength),
		errors.Is(err, engine.ErrInvalidScore),
		errors.Is(err, engine.ErrInvalidLevel),
		errors.Is(err, engine.ErrInvalidDeadline),
		errors.Is(err, engine.ErrInvalidCommitment),
		errors.Is(err, engine.ErrInvalidWithdrawal),
		errors.Is(err, swapmath.ErrInvalidBps),
		errors.Is(err, tier.ErrInvalidTierConfig),
		errors.Is(err, tier.ErrInvalidScore):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnauthorized),
		errors.Is(err, engine.ErrUnauthorizedOwner),
		errors.Is(err, engine.ErrUnauthorizedSolver),
		errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrUnknownOrder),
		errors.Is(err, engine.ErrUnknownPool),
		errors.Is(err, engine.ErrUnknownPosition),
		errors.Is(err, vault.ErrUnknownVault),
		errors.Is(err, ledger.ErrUnknownAccount):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrOrderExists),
		errors.Is(err, engine.ErrPoolExists),
		errors.Is(err, engine.ErrOrderNotExecutable),
		errors.Is(err, engine.ErrOrderNotCancellable),
		errors.Is(err, engine.ErrOrderNotClaimable),
		errors.Is(err, engine.ErrAlreadyClaimed),
		errors.Is(err, engine.ErrOrderExpired),
		errors.Is(err, engine.ErrOrderNotExpired),
		errors.Is(err, engine.ErrProtocolPaused),
		errors.Is(err, engine.ErrPoolNotActive),
		errors.Is(err, engine.ErrPositionNotActive),
		errors.Is(err, replay.ErrNullifierUsed):
		return http.StatusConflict
	case errors.Is(err, engine.ErrProofExpired),
		errors.Is(err, engine.ErrInvalidProof),
		errors.Is(err, engine.ErrSlippageExceeded),
		errors.Is(err, engine.ErrOrderTypeNotAllowed),
		errors.Is(err, engine.ErrOrderExceedsTierLimit),
		errors.Is(err, engine.ErrDarkPoolAccessDenied),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrMintMismatch),
		errors.Is(err, swapmath.ErrArithmeticOverflow):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func parseHexBytes(field, raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	return decoded, nil
}

func parseHex32(field, raw string) ([32]byte, error) {
	var out [32]byte
	decoded, err := parseHexBytes(field, raw)
	if err != nil {
		return out, err
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("invalid %s: want %d bytes, got %d", field, len(out), len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

func normalizeLimitOffset(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
