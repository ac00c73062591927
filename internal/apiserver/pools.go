package apiserver

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/umbralabs/settlement/internal/engine"
)

type poolView struct {
	Address          solana.PublicKey `json:"address"`
	Authority        solana.PublicKey `json:"authority"`
	TokenAMint       solana.PublicKey `json:"token_a_mint"`
	TokenBMint       solana.PublicKey `json:"token_b_mint"`
	EncryptionPubkey solana.PublicKey `json:"encryption_pubkey"`
	FeeRateBps       uint16           `json:"fee_rate_bps"`
	OrderCount       uint64           `json:"order_count"`
	PositionCount    uint64           `json:"position_count"`
	TotalVolumeA     uint64           `json:"total_volume_a"`
	TotalVolumeB     uint64           `json:"total_volume_b"`
	StateCommitment  string           `json:"state_commitment"`
	Active           bool             `json:"active"`
}

func newPoolView(p engine.Pool) poolView {
	return poolView{
		Address:          p.Address,
		Authority:        p.Authority,
		TokenAMint:       p.TokenAMint,
		TokenBMint:       p.TokenBMint,
		EncryptionPubkey: p.EncryptionPubkey,
		FeeRateBps:       p.FeeRateBps,
		OrderCount:       p.OrderCount,
		PositionCount:    p.PositionCount,
		TotalVolumeA:     p.TotalVolumeA,
		TotalVolumeB:     p.TotalVolumeB,
		StateCommitment:  hex.EncodeToString(p.StateCommitment[:]),
		Active:           p.Active,
	}
}

type initPoolRequest struct {
	Caller           solana.PublicKey `json:"caller"`
	TokenAMint       solana.PublicKey `json:"token_a_mint"`
	TokenBMint       solana.PublicKey `json:"token_b_mint"`
	EncryptionPubkey solana.PublicKey `json:"encryption_pubkey"`
	FeeRateBps       uint16           `json:"fee_rate_bps"`
}

func (s *Service) handlePools(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleGetPool(w, r)
	case http.MethodPost:
		s.handleInitPool(w, r)
	default:
		s.respondMethodNotAllowed(w)
	}
}

func (s *Service) handleGetPool(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("address"))
	if raw == "" {
		s.respondError(w, http.StatusBadRequest, "address is required")
		return
	}
	address, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid address: %v", err))
		return
	}

	pool, err := s.engine.Pool(address)
	if err != nil {
		s.respondEngineError(w, "get pool", err)
		return
	}
	s.respondJSON(w, http.StatusOK, newPoolView(pool))
}

func (s *Service) handleInitPool(w http.ResponseWriter, r *http.Request) {
	var req initPoolRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	pool, err := s.engine.InitPool(r.Context(), engine.InitPoolParams{
		Caller:           req.Caller,
		TokenAMint:       req.TokenAMint,
		TokenBMint:       req.TokenBMint,
		EncryptionPubkey: req.EncryptionPubkey,
		FeeRateBps:       req.FeeRateBps,
	})
	if err != nil {
		s.respondEngineError(w, "init pool", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, newPoolView(pool))
}

type poolConfigRequest struct {
	Caller     solana.PublicKey `json:"caller"`
	Pool       solana.PublicKey `json:"pool"`
	FeeRateBps uint16           `json:"fee_rate_bps"`
	Active     bool             `json:"active"`
}

func (s *Service) handlePoolConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	var req poolConfigRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.UpdatePoolConfig(req.Caller, req.Pool, req.FeeRateBps, req.Active); err != nil {
		s.respondEngineError(w, "update pool config", err)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

type positionView struct {
	Address    solana.PublicKey `json:"address"`
	Pool       solana.PublicKey `json:"pool"`
	Owner      solana.PublicKey `json:"owner"`
	Commitment string           `json:"commitment"`
	Active     bool             `json:"active"`
	CreatedAt  int64            `json:"created_at"`
}

type addLiquidityRequest struct {
	Pool             solana.PublicKey `json:"pool"`
	Owner            solana.PublicKey `json:"owner"`
	PositionID       uint64           `json:"position_id"`
	EncryptedAmounts string           `json:"encrypted_amounts"`
	Commitment       string           `json:"commitment"`
	AmountA          uint64           `json:"amount_a"`
	AmountB          uint64           `json:"amount_b"`
	FromA            solana.PublicKey `json:"from_a"`
	FromB            solana.PublicKey `json:"from_b"`
}

func (s *Service) handleAddLiquidity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	var req addLiquidityRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	blob, err := parseHexBytes("encrypted_amounts", req.EncryptedAmounts)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	commitment, err := parseHex32("commitment", req.Commitment)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	position, err := s.engine.AddLiquidity(r.Context(), engine.AddLiquidityParams{
		Pool:             req.Pool,
		Owner:            req.Owner,
		PositionID:       req.PositionID,
		EncryptedAmounts: blob,
		Commitment:       commitment,
		AmountA:          req.AmountA,
		AmountB:          req.AmountB,
		FromA:            req.FromA,
		FromB:            req.FromB,
	})
	if err != nil {
		s.respondEngineError(w, "add liquidity", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, positionView{
		Address:    position.Address,
		Pool:       position.Pool,
		Owner:      position.Owner,
		Commitment: hex.EncodeToString(position.Commitment[:]),
		Active:     position.Active,
		CreatedAt:  position.CreatedAt,
	})
}

type removeLiquidityRequest struct {
	Pool          solana.PublicKey `json:"pool"`
	Caller        solana.PublicKey `json:"caller"`
	Position      solana.PublicKey `json:"position"`
	Proof         string           `json:"proof"`
	WithdrawalBps uint16           `json:"withdrawal_bps"`
	DestA         solana.PublicKey `json:"dest_a"`
	DestB         solana.PublicKey `json:"dest_b"`
}

type removeLiquidityResponse struct {
	Position   solana.PublicKey `json:"position"`
	WithdrawnA uint64           `json:"withdrawn_a"`
	WithdrawnB uint64           `json:"withdrawn_b"`
}

func (s *Service) handleRemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	var req removeLiquidityRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	proof, err := parseHexBytes("proof", req.Proof)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	withdrawnA, withdrawnB, err := s.engine.RemoveLiquidity(r.Context(), engine.RemoveLiquidityParams{
		Pool:          req.Pool,
		Caller:        req.Caller,
		Position:      req.Position,
		Proof:         proof,
		WithdrawalBps: req.WithdrawalBps,
		DestA:         req.DestA,
		DestB:         req.DestB,
	})
	if err != nil {
		s.respondEngineError(w, "remove liquidity", err)
		return
	}
	s.respondJSON(w, http.StatusOK, removeLiquidityResponse{
		Position:   req.Position,
		WithdrawnA: withdrawnA,
		WithdrawnB: withdrawnB,
	})
}

type darkSwapRequest struct {
	Pool           solana.PublicKey `json:"pool"`
	Caller         solana.PublicKey `json:"caller"`
	EncryptedOrder string           `json:"encrypted_order"`
	Proof          string           `json:"proof"`
	Nullifier      string           `json:"nullifier"`
	AToB           bool             `json:"a_to_b"`
	AmountIn       uint64           `json:"amount_in"`
	MinAmountOut   uint64           `json:"min_amount_out"`
	From           solana.PublicKey `json:"from"`
	To             solana.PublicKey `json:"to"`
}

type darkSwapResponse struct {
	Pool      solana.PublicKey `json:"pool"`
	AmountIn  uint64           `json:"amount_in"`
	AmountOut uint64           `json:"amount_out"`
}

func (s *Service) handleDarkSwap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	var req darkSwapRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	blob, err := parseHexBytes("encrypted_order", req.EncryptedOrder)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	proof, err := parseHexBytes("proof", req.Proof)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	nullifier, err := parseHex32("nullifier", req.Nullifier)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	amountOut, err := s.engine.DarkSwap(r.Context(), engine.DarkSwapParams{
		Pool:           req.Pool,
		Caller:         req.Caller,
		EncryptedOrder: blob,
		Proof:          proof,
		Nullifier:      nullifier,
		AToB:           req.AToB,
		AmountIn:       req.AmountIn,
		MinAmountOut:   req.MinAmountOut,
		From:           req.From,
		To:             req.To,
	})
	if err != nil {
		s.respondEngineError(w, "dark swap", err)
		return
	}
	s.respondJSON(w, http.StatusOK, darkSwapResponse{
		Pool:      req.Pool,
		AmountIn:  req.AmountIn,
		AmountOut: amountOut,
	})
}
