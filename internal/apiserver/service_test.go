package apiserver

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/umbralabs/settlement/internal/config"
	"github.com/umbralabs/settlement/internal/engine"
	"github.com/umbralabs/settlement/internal/ledger"
	"github.com/umbralabs/settlement/internal/reputation"
)

type serverFixture struct {
	svc     *Service
	handler http.Handler
	mem     *ledger.Memory
	rep     *reputation.StaticReader

	authority  solana.PublicKey
	owner      solana.PublicKey
	solver     solana.PublicKey
	inputMint  solana.PublicKey
	outputMint solana.PublicKey

	ownerFunding  solana.PublicKey
	ownerOutput   solana.PublicKey
	solverReceive solana.PublicKey
	solverPay     solana.PublicKey
	feeAccount    solana.PublicKey
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	ctx := context.Background()
	mem := ledger.NewMemory()
	f := &serverFixture{
		mem:           mem,
		authority:     solana.NewWallet().PublicKey(),
		owner:         solana.NewWallet().PublicKey(),
		solver:        solana.NewWallet().PublicKey(),
		inputMint:     solana.NewWallet().PublicKey(),
		outputMint:    solana.NewWallet().PublicKey(),
		ownerFunding:  solana.NewWallet().PublicKey(),
		ownerOutput:   solana.NewWallet().PublicKey(),
		solverReceive: solana.NewWallet().PublicKey(),
		solverPay:     solana.NewWallet().PublicKey(),
		feeAccount:    solana.NewWallet().PublicKey(),
	}

	mustCreate := func(account, owner, mint solana.PublicKey) {
		if err := mem.CreateAccount(ctx, account, owner, mint); err != nil {
			t.Fatal(err)
		}
	}
	mustCreate(f.ownerFunding, f.owner, f.inputMint)
	mustCreate(f.ownerOutput, f.owner, f.outputMint)
	mustCreate(f.solverReceive, f.solver, f.inputMint)
	mustCreate(f.solverPay, f.solver, f.outputMint)
	mustCreate(f.feeAccount, f.authority, f.outputMint)
	if err := mem.Credit(f.ownerFunding, 1_000_000); err != nil {
		t.Fatal(err)
	}
	if err := mem.Credit(f.solverPay, 1_000_000); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(engine.Config{
		ProgramID:  solana.MustPublicKeyFromBase58("11111111111111111111111111111111"),
		Authority:  f.authority,
		Solver:     f.solver,
		FeeAccount: f.feeAccount,
		Ledger:     mem,
	}, logger)

	f.rep = reputation.NewStaticReader()
	f.svc = New(config.ServerConfig{ListenAddr: "127.0.0.1:0"}, logger, eng, f.rep, nil)
	f.handler = f.svc.routes()
	return f
}

func (f *serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) submitRequest(id uint64, amount uint64, score uint8) submitOrderRequest {
	return submitOrderRequest{
		Owner:            f.owner,
		OrderID:          id,
		InputMint:        f.inputMint,
		OutputMint:       f.outputMint,
		InputAmount:      amount,
		OrderType:        1,
		EncryptedPayload: hex.EncodeToString(make([]byte, 64)),
		FundingAccount:   f.ownerFunding,
		Score:            score,
		ScoreAttestedAt:  time.Now().Unix(),
	}
}

func (f *serverFixture) mustSubmit(t *testing.T, id uint64, amount uint64, score uint8) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/orders", f.submitRequest(id, amount, score))
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return out
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeBody[healthResponse](t, rec); !got.OK {
		t.Fatal("expected ok response")
	}
}

func TestSubmitAndListOrders(t *testing.T) {
	f := newServerFixture(t)
	f.mustSubmit(t, 1, 1_000, 50)
	f.mustSubmit(t, 2, 2_000, 50)

	rec := f.do(t, http.MethodGet, "/v1/orders?status=pending", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	got := decodeBody[listResponse[orderView]](t, rec)
	if len(got.Items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(got.Items))
	}
	if got.Items[0].OrderID != 1 || got.Items[0].Status != "pending" {
		t.Fatalf("first item = %+v", got.Items[0])
	}
	if got.Items[0].FeeBps != 15 {
		t.Fatalf("fee bps = %d, want 15 for score 50", got.Items[0].FeeBps)
	}
	if strings.Contains(rec.Body.String(), "encrypted_payload") {
		t.Fatal("payload bytes leaked into the public listing")
	}
}

func TestListOrdersFilters(t *testing.T) {
	f := newServerFixture(t)
	f.mustSubmit(t, 1, 1_000, 50)

	rec := f.do(t, http.MethodGet, "/v1/orders?owner="+f.owner.String(), nil)
	if got := decodeBody[listResponse[orderView]](t, rec); len(got.Items) != 1 {
		t.Fatalf("owner filter: len(items) = %d, want 1", len(got.Items))
	}

	other := solana.NewWallet().PublicKey()
	rec = f.do(t, http.MethodGet, "/v1/orders?owner="+other.String(), nil)
	if got := decodeBody[listResponse[orderView]](t, rec); len(got.Items) != 0 {
		t.Fatalf("stranger filter: len(items) = %d, want 0", len(got.Items))
	}

	rec = f.do(t, http.MethodGet, "/v1/orders?owner=not-base58", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid owner status = %d, want 400", rec.Code)
	}
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	f := newServerFixture(t)

	bad := f.submitRequest(1, 1_000, 50)
	bad.EncryptedPayload = "not-hex"
	if rec := f.do(t, http.MethodPost, "/v1/orders", bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad hex status = %d, want 400", rec.Code)
	}

	bad = f.submitRequest(1, 1_000, 50)
	bad.OrderType = 3
	if rec := f.do(t, http.MethodPost, "/v1/orders", bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad order type status = %d, want 400", rec.Code)
	}

	bad = f.submitRequest(1, 0, 50)
	if rec := f.do(t, http.MethodPost, "/v1/orders", bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("zero amount status = %d, want 400", rec.Code)
	}

	f.mustSubmit(t, 7, 1_000, 50)
	if rec := f.do(t, http.MethodPost, "/v1/orders", f.submitRequest(7, 1_000, 50)); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", rec.Code)
	}
}

func TestSubmitReputationResolvesAttestedLevel(t *testing.T) {
	f := newServerFixture(t)

	// No attestation and no explicit level.
	req := f.submitRequest(1, 1_000, 0)
	if rec := f.do(t, http.MethodPost, "/v1/orders/submit-reputation", req); rec.Code != http.StatusNotFound {
		t.Fatalf("unattested status = %d, want 404", rec.Code)
	}

	f.rep.Set(f.owner, reputation.Attestation{Level: 2, Score: 30})
	rec := f.do(t, http.MethodPost, "/v1/orders/submit-reputation", req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("attested status = %d, body %s", rec.Code, rec.Body.String())
	}
	got := decodeBody[orderView](t, rec)
	// Level 2 discounts tier 1's 30 bps by 500 bps, flooring at zero.
	if got.UserTier != 1 || got.FeeBps != 0 {
		t.Fatalf("order = %+v", got)
	}

	// An explicit level in the request bypasses the reader.
	req.OrderID = 2
	req.Level = 5
	rec = f.do(t, http.MethodPost, "/v1/orders/submit-reputation", req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("explicit level status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[orderView](t, rec); got.UserTier != 4 {
		t.Fatalf("tier = %d, want 4 for level 5", got.UserTier)
	}
}

func TestExecuteAndClaimOverHTTP(t *testing.T) {
	f := newServerFixture(t)
	f.mustSubmit(t, 1, 1_000, 50)

	exec := executeOrderRequest{
		Caller:               f.solver,
		Owner:                f.owner,
		OrderID:              1,
		OutputAmount:         2_000,
		SolverReceiveAccount: f.solverReceive,
		SolverPayAccount:     f.solverPay,
	}
	rec := f.do(t, http.MethodPost, "/v1/orders/execute", exec)
	if rec.Code != http.StatusOK {
		t.Fatalf("execute status = %d, body %s", rec.Code, rec.Body.String())
	}
	executed := decodeBody[orderView](t, rec)
	if executed.Status != "completed" || executed.FeeAmount != 3 {
		t.Fatalf("executed = %+v", executed)
	}

	claim := orderActionRequest{
		Caller:      f.owner,
		Owner:       f.owner,
		OrderID:     1,
		Destination: f.ownerOutput,
	}
	rec = f.do(t, http.MethodPost, "/v1/orders/claim", claim)
	if rec.Code != http.StatusOK {
		t.Fatalf("claim status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[claimResponse](t, rec); got.Amount != 1_997 {
		t.Fatalf("claimed amount = %d, want 1997", got.Amount)
	}

	// Second claim finds the output vault gone.
	rec = f.do(t, http.MethodPost, "/v1/orders/claim", claim)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second claim status = %d, want 409", rec.Code)
	}
}

func TestExecuteErrorMapping(t *testing.T) {
	f := newServerFixture(t)
	f.mustSubmit(t, 1, 1_000, 50)

	exec := executeOrderRequest{
		Caller:               f.solver,
		Owner:                f.owner,
		OrderID:              99,
		OutputAmount:         2_000,
		SolverReceiveAccount: f.solverReceive,
		SolverPayAccount:     f.solverPay,
	}
	if rec := f.do(t, http.MethodPost, "/v1/orders/execute", exec); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown order status = %d, want 404", rec.Code)
	}

	exec.OrderID = 1
	exec.Caller = f.owner
	if rec := f.do(t, http.MethodPost, "/v1/orders/execute", exec); rec.Code != http.StatusForbidden {
		t.Fatalf("non-solver status = %d, want 403", rec.Code)
	}

	exec.Caller = f.solver
	exec.DecryptedMinOutput = 5_000
	if rec := f.do(t, http.MethodPost, "/v1/orders/execute", exec); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("slippage status = %d, want 422", rec.Code)
	}
}

func TestCancelOverHTTP(t *testing.T) {
	f := newServerFixture(t)
	f.mustSubmit(t, 1, 1_000, 50)

	cancel := orderActionRequest{Caller: f.owner, Owner: f.owner, OrderID: 1}
	rec := f.do(t, http.MethodPost, "/v1/orders/cancel", cancel)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[orderView](t, rec); got.Status != "cancelled" {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if rec := f.do(t, http.MethodPost, "/v1/orders/cancel", cancel); rec.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", rec.Code)
	}
}

func TestAdminEndpoints(t *testing.T) {
	f := newServerFixture(t)

	stranger := solana.NewWallet().PublicKey()
	if rec := f.do(t, http.MethodPost, "/v1/admin/active", adminActiveRequest{Caller: stranger, Active: false}); rec.Code != http.StatusForbidden {
		t.Fatalf("stranger pause status = %d, want 403", rec.Code)
	}

	if rec := f.do(t, http.MethodPost, "/v1/admin/active", adminActiveRequest{Caller: f.authority, Active: false}); rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/orders", f.submitRequest(1, 1_000, 50)); rec.Code != http.StatusConflict {
		t.Fatalf("paused submit status = %d, want 409", rec.Code)
	}

	update := adminTierRequest{
		Caller:            f.authority,
		Tier:              2,
		MinScore:          40,
		FeeBps:            12,
		AllowedOrderTypes: 1 | 2 | 4,
	}
	if rec := f.do(t, http.MethodPost, "/v1/admin/tiers", update); rec.Code != http.StatusOK {
		t.Fatalf("tier update status = %d", rec.Code)
	}
}

func TestAggregatesEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.mustSubmit(t, 1, 1_000, 50)

	rec := f.do(t, http.MethodGet, "/v1/aggregates", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decodeBody[engine.AggregateSnapshot](t, rec)
	if !got.Active || got.OpenOrders != 1 || got.TotalOrders != 0 {
		t.Fatalf("snapshot = %+v", got)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newServerFixture(t)
	for _, path := range []string{
		"/v1/orders/execute",
		"/v1/orders/cancel",
		"/v1/orders/claim",
		"/v1/admin/active",
		"/v1/pools/swap",
	} {
		if rec := f.do(t, http.MethodGet, path, nil); rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("GET %s status = %d, want 405", path, rec.Code)
		}
	}
}

func TestPoolLifecycleOverHTTP(t *testing.T) {
	f := newServerFixture(t)

	init := initPoolRequest{
		Caller:     f.authority,
		TokenAMint: f.inputMint,
		TokenBMint: f.outputMint,
		FeeRateBps: 30,
	}
	rec := f.do(t, http.MethodPost, "/v1/pools", init)
	if rec.Code != http.StatusCreated {
		t.Fatalf("init pool status = %d, body %s", rec.Code, rec.Body.String())
	}
	pool := decodeBody[poolView](t, rec)
	if !pool.Active || pool.FeeRateBps != 30 {
		t.Fatalf("pool = %+v", pool)
	}

	rec = f.do(t, http.MethodGet, "/v1/pools?address="+pool.Address.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get pool status = %d", rec.Code)
	}

	cfgReq := poolConfigRequest{Caller: f.authority, Pool: pool.Address, FeeRateBps: 50, Active: false}
	if rec := f.do(t, http.MethodPost, "/v1/pools/config", cfgReq); rec.Code != http.StatusOK {
		t.Fatalf("pool config status = %d", rec.Code)
	}

	commitment := bytes.Repeat([]byte{7}, 32)
	add := addLiquidityRequest{
		Pool:             pool.Address,
		Owner:            f.owner,
		PositionID:       1,
		EncryptedAmounts: hex.EncodeToString(make([]byte, 48)),
		Commitment:       hex.EncodeToString(commitment),
		AmountA:          100,
		FromA:            f.ownerFunding,
	}
	// Pool was just deactivated, deposits must be refused.
	if rec := f.do(t, http.MethodPost, "/v1/pools/liquidity/add", add); rec.Code != http.StatusConflict {
		t.Fatalf("inactive pool deposit status = %d, want 409", rec.Code)
	}
}
