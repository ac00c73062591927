// Package solver polls the settlement server for pending orders, prices them
// against configured constant-product reserves, and submits executions. It
// only handles public orders; dark orders need the owner's proof material, so
// the sweep's job there is expiring the ones past their deadline.
package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/umbralabs/settlement/internal/config"
	"github.com/umbralabs/settlement/internal/swapmath"
)

var errSkipOrder = errors.New("skip order")

type Service struct {
	cfg    config.SolverConfig
	client *http.Client
	logger *slog.Logger
}

// pendingOrder mirrors the server's public order projection.
type pendingOrder struct {
	Owner       solana.PublicKey `json:"owner"`
	OrderID     uint64           `json:"order_id"`
	InputMint   solana.PublicKey `json:"input_mint"`
	OutputMint  solana.PublicKey `json:"output_mint"`
	InputAmount uint64           `json:"input_amount"`
	FeeBps      uint16           `json:"fee_bps"`
	Status      string           `json:"status"`
	OrderType   string           `json:"order_type"`
	CreatedAt   int64            `json:"created_at"`
	Deadline    int64            `json:"deadline"`
}

type orderList struct {
	Items []pendingOrder `json:"items"`
}

type executeRequest struct {
	Caller               solana.PublicKey `json:"caller"`
	Owner                solana.PublicKey `json:"owner"`
	OrderID              uint64           `json:"order_id"`
	OutputAmount         uint64           `json:"output_amount"`
	DecryptedMinOutput   uint64           `json:"decrypted_min_output"`
	SolverReceiveAccount solana.PublicKey `json:"solver_receive_account"`
	SolverPayAccount     solana.PublicKey `json:"solver_pay_account"`
}

type expireRequest struct {
	Caller  solana.PublicKey `json:"caller"`
	Owner   solana.PublicKey `json:"owner"`
	OrderID uint64           `json:"order_id"`
}

func New(cfg config.SolverConfig, logger *slog.Logger) (*Service, error) {
	if _, err := url.Parse(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", cfg.ServerURL, err)
	}
	return &Service{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("solver started",
		"server", s.cfg.ServerURL,
		"solver", s.cfg.SolverPubkey,
		"poll_interval", s.cfg.PollInterval,
		"max_orders_per_tick", s.cfg.MaxOrdersPerTick,
	)

	if err := s.tick(ctx); err != nil {
		s.logger.Error("solver tick failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("solver stopped")
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Error("solver tick failed", "err", err)
			}
		}
	}
}

func (s *Service) tick(ctx context.Context) error {
	orders, err := s.fetchPendingOrders(ctx)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		return nil
	}

	limit := s.cfg.MaxOrdersPerTick
	if limit > len(orders) {
		limit = len(orders)
	}

	now := time.Now().Unix()
	executed := 0
	expired := 0
	skipped := 0
	for idx := 0; idx < limit; idx++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		candidate := orders[idx]

		if candidate.OrderType == "dark" {
			if candidate.Deadline > now {
				skipped++
				continue
			}
			if err := s.expireOrder(ctx, candidate); err != nil {
				skipped++
				s.logger.Warn("dark order expiry failed",
					"owner", candidate.Owner, "order_id", candidate.OrderID, "err", err)
				continue
			}
			expired++
			continue
		}

		err := s.executeOrder(ctx, candidate)
		if err == nil {
			executed++
			continue
		}
		skipped++
		if errors.Is(err, errSkipOrder) {
			s.logger.Warn("order skipped",
				"owner", candidate.Owner, "order_id", candidate.OrderID, "reason", err)
		} else {
			s.logger.Warn("order execution failed",
				"owner", candidate.Owner, "order_id", candidate.OrderID, "err", err)
		}
	}

	s.logger.Info("solver tick complete",
		"pending", len(orders),
		"attempted", limit,
		"executed", executed,
		"expired", expired,
		"skipped", skipped,
	)
	return nil
}

func (s *Service) fetchPendingOrders(ctx context.Context) ([]pendingOrder, error) {
	endpoint := strings.TrimRight(s.cfg.ServerURL, "/") + "/v1/orders?status=pending"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build pending orders request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch pending orders: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("fetch pending orders: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var list orderList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode pending orders: %w", err)
	}
	return list.Items, nil
}

// quoteOutput prices an order's input amount against the configured reserves
// for its pair.
func (s *Service) quoteOutput(order pendingOrder) (uint64, error) {
	reserves := s.reservesForPair(order.InputMint, order.OutputMint)
	if reserves.ReserveIn == 0 || reserves.ReserveOut == 0 {
		return 0, fmt.Errorf("%w: no reserves for pair %s:%s", errSkipOrder, order.InputMint, order.OutputMint)
	}

	output, err := swapmath.ConstantProductOutput(order.InputAmount, reserves.ReserveIn, reserves.ReserveOut, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: quote failed: %v", errSkipOrder, err)
	}
	if output == 0 {
		return 0, fmt.Errorf("%w: quote resolved to zero", errSkipOrder)
	}
	return output, nil
}

func (s *Service) reservesForPair(inputMint, outputMint solana.PublicKey) config.SolverReserves {
	key := inputMint.String() + ":" + outputMint.String()
	if reserves, ok := s.cfg.ReservesByPair[key]; ok {
		return reserves
	}
	return s.cfg.DefaultReserves
}

func (s *Service) executeOrder(ctx context.Context, order pendingOrder) error {
	output, err := s.quoteOutput(order)
	if err != nil {
		return err
	}

	payload := executeRequest{
		Caller:               s.cfg.SolverPubkey,
		Owner:                order.Owner,
		OrderID:              order.OrderID,
		OutputAmount:         output,
		SolverReceiveAccount: s.cfg.ReceiveAccount,
		SolverPayAccount:     s.cfg.PayAccount,
	}
	if err := s.postJSON(ctx, "/v1/orders/execute", payload); err != nil {
		return err
	}

	s.logger.Info("order executed",
		"owner", order.Owner,
		"order_id", order.OrderID,
		"input_amount", order.InputAmount,
		"output_amount", output,
	)
	return nil
}

func (s *Service) expireOrder(ctx context.Context, order pendingOrder) error {
	payload := expireRequest{
		Caller:  s.cfg.SolverPubkey,
		Owner:   order.Owner,
		OrderID: order.OrderID,
	}
	if err := s.postJSON(ctx, "/v1/orders/expire", payload); err != nil {
		return err
	}

	s.logger.Info("dark order expired",
		"owner", order.Owner,
		"order_id", order.OrderID,
		"deadline", order.Deadline,
	)
	return nil
}

func (s *Service) postJSON(ctx context.Context, path string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	endpoint := strings.TrimRight(s.cfg.ServerURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
