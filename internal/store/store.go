// Package store journals settlement activity to Postgres: order records with
// their borsh blobs, consumed nullifiers, and periodic aggregate snapshots.
// The engine stays authoritative in memory; the journal exists for restarts
// and offline queries.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/umbralabs/settlement/internal/engine"
	"github.com/umbralabs/settlement/internal/replay"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Store struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			owner TEXT NOT NULL,
			order_id BIGINT NOT NULL,
			address TEXT NOT NULL,
			input_mint TEXT NOT NULL,
			output_mint TEXT NOT NULL,
			input_amount TEXT NOT NULL,
			output_amount TEXT NOT NULL,
			fee_bps INTEGER NOT NULL,
			fee_amount TEXT NOT NULL,
			status TEXT NOT NULL,
			order_type TEXT NOT NULL,
			user_tier INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			executed_at BIGINT NOT NULL,
			executed_by TEXT NOT NULL,
			record_blob TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (owner, order_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status_created ON orders(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_address ON orders(address);`,
		`CREATE TABLE IF NOT EXISTS nullifiers (
			nullifier TEXT PRIMARY KEY,
			used_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS config_records (
			id INTEGER PRIMARY KEY,
			record_blob TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS aggregate_snapshots (
			id BIGSERIAL PRIMARY KEY,
			total_orders TEXT NOT NULL,
			total_fees TEXT NOT NULL,
			open_orders BIGINT NOT NULL,
			volume_by_tier TEXT NOT NULL,
			active INTEGER NOT NULL,
			recorded_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_aggregate_snapshots_time ON aggregate_snapshots(recorded_at DESC);`,
	}

	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// UpsertOrderTx journals an order's public fields and its serialized record.
// The encrypted payload never appears as a queryable column, only inside the
// opaque blob.
func (s *Store) UpsertOrderTx(ctx context.Context, tx *Tx, order *engine.Order) error {
	blob, err := engine.EncodeOrder(order)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			owner, order_id, address, input_mint, output_mint,
			input_amount, output_amount, fee_bps, fee_amount,
			status, order_type, user_tier, created_at, executed_at,
			executed_by, record_blob, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, order_id) DO UPDATE SET
			output_amount = excluded.output_amount,
			fee_amount = excluded.fee_amount,
			status = excluded.status,
			executed_at = excluded.executed_at,
			executed_by = excluded.executed_by,
			record_blob = excluded.record_blob,
			updated_at = excluded.updated_at
	`,
		order.Owner.String(),
		int64(order.OrderID),
		order.Address.String(),
		order.InputMint.String(),
		order.OutputMint.String(),
		strconv.FormatUint(order.InputAmount, 10),
		strconv.FormatUint(order.OutputAmount, 10),
		int(order.FeeBpsApplied),
		strconv.FormatUint(order.FeeAmount, 10),
		order.Status.String(),
		order.OrderType.String(),
		int(order.UserTier),
		order.CreatedAt,
		order.ExecutedAt,
		order.ExecutedBy.String(),
		hex.EncodeToString(blob),
		now,
	)
	return err
}

// UpsertOrder journals an order in its own transaction.
func (s *Store) UpsertOrder(ctx context.Context, order *engine.Order) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return s.UpsertOrderTx(ctx, tx, order)
	})
}

// InsertNullifierTx mirrors a consumed nullifier. The primary key makes a
// duplicate insert fail, matching the in-memory guard's semantics.
func (s *Store) InsertNullifierTx(ctx context.Context, tx *Tx, nullifier [replay.NullifierSize]byte, usedAt int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO nullifiers (nullifier, used_at)
		VALUES (?, ?)
	`, hex.EncodeToString(nullifier[:]), usedAt)
	return err
}

// InsertNullifier records a consumed nullifier in its own transaction.
func (s *Store) InsertNullifier(ctx context.Context, nullifier [replay.NullifierSize]byte, usedAt int64) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return s.InsertNullifierTx(ctx, tx, nullifier, usedAt)
	})
}

// LoadNullifiers replays every journaled nullifier into a guard at boot so
// replay protection survives restarts.
func (s *Store) LoadNullifiers(ctx context.Context, guard replay.Guard) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT nullifier, used_at FROM nullifiers`)
	if err != nil {
		return 0, fmt.Errorf("load nullifiers: %w", err)
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var (
			encoded string
			usedAt  int64
		)
		if err := rows.Scan(&encoded, &usedAt); err != nil {
			return loaded, err
		}
		raw, err := hex.DecodeString(encoded)
		if err != nil || len(raw) != replay.NullifierSize {
			return loaded, fmt.Errorf("corrupt nullifier row %q", encoded)
		}
		var nullifier [replay.NullifierSize]byte
		copy(nullifier[:], raw)
		if err := guard.Record(nullifier, usedAt); err != nil && !errors.Is(err, replay.ErrNullifierUsed) {
			return loaded, err
		}
		loaded++
	}
	return loaded, rows.Err()
}

// SaveConfigRecord upserts the single protocol config row.
func (s *Store) SaveConfigRecord(ctx context.Context, rec engine.ConfigRecord) error {
	blob, err := engine.EncodeConfig(&rec)
	if err != nil {
		return err
	}
	return s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO config_records (id, record_blob, updated_at)
			VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				record_blob = excluded.record_blob,
				updated_at = excluded.updated_at
		`, hex.EncodeToString(blob), time.Now().Unix())
		return err
	})
}

// LoadConfigRecord reads the journaled protocol record. ok is false when the
// journal has never saved one.
func (s *Store) LoadConfigRecord(ctx context.Context) (engine.ConfigRecord, bool, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx, `SELECT record_blob FROM config_records WHERE id = 1`).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.ConfigRecord{}, false, nil
	}
	if err != nil {
		return engine.ConfigRecord{}, false, fmt.Errorf("load config record: %w", err)
	}
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return engine.ConfigRecord{}, false, fmt.Errorf("corrupt config blob: %w", err)
	}
	rec, err := engine.DecodeConfig(raw)
	if err != nil {
		return engine.ConfigRecord{}, false, err
	}
	return rec, true, nil
}

// SaveAggregateSnapshot appends the current protocol counters.
func (s *Store) SaveAggregateSnapshot(ctx context.Context, snap engine.AggregateSnapshot) error {
	volumes := make([]string, len(snap.VolumeByTier))
	for i, v := range snap.VolumeByTier {
		volumes[i] = strconv.FormatUint(v, 10)
	}

	return s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO aggregate_snapshots (
				total_orders, total_fees, open_orders, volume_by_tier, active, recorded_at
			) VALUES (?, ?, ?, ?, ?, ?)
		`,
			strconv.FormatUint(snap.TotalOrders, 10),
			strconv.FormatUint(snap.TotalFees, 10),
			int64(snap.OpenOrders),
			strings.Join(volumes, ","),
			boolToInt(snap.Active),
			time.Now().Unix(),
		)
		return err
	})
}

// LoadOrders decodes every journaled order record, newest first.
func (s *Store) LoadOrders(ctx context.Context) ([]engine.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_blob FROM orders ORDER BY created_at DESC, order_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	defer rows.Close()

	var orders []engine.Order
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, err
		}
		raw, err := hex.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("corrupt order blob: %w", err)
		}
		order, err := engine.DecodeOrder(raw)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
