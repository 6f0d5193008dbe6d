package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"order-router-go/order"
)

// PostgresStore pgx 实现。status_history 存 jsonb，追加与状态更新同一条
// UPDATE 完成，保证历史尾项与当前状态一致。
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Schema 建表语句，迁移工具或测试夹具直接执行。
const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL,
	pair             TEXT NOT NULL,
	amount           DOUBLE PRECISION NOT NULL,
	slippage         DOUBLE PRECISION NOT NULL,
	status           TEXT NOT NULL,
	limit_price      DOUBLE PRECISION,
	expires_at       TIMESTAMPTZ,
	venue_used       TEXT NOT NULL DEFAULT '',
	execution_price  DOUBLE PRECISION NOT NULL DEFAULT 0,
	tx_hash          TEXT NOT NULL DEFAULT '',
	error            TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	status_history   JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status);
CREATE INDEX IF NOT EXISTS idx_orders_expires_at ON orders (expires_at) WHERE expires_at IS NOT NULL;
`

// NewPostgresStore 连接数据库并确保表存在。
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

const orderColumns = `id, type, pair, amount, slippage, status, limit_price, expires_at,
	venue_used, execution_price, tx_hash, error, created_at, updated_at, status_history`

func (s *PostgresStore) Create(ctx context.Context, o *order.Order) error {
	history, err := json.Marshal(o.StatusHistory)
	if err != nil {
		return fmt.Errorf("marshal status history: %w", err)
	}
	var limitPrice *float64
	if o.LimitPrice > 0 {
		limitPrice = &o.LimitPrice
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		o.ID, string(o.Type), o.Pair, o.Amount, o.Slippage, string(o.Status),
		limitPrice, o.ExpiresAt, o.VenueUsed, o.ExecutionPrice, o.TxHash,
		o.Error, o.CreatedAt, o.UpdatedAt, history)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (*order.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, st order.Status, message string) (*order.Order, error) {
	current, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validateTransition(current.Status, st); err != nil {
		return nil, err
	}
	entry, err := historyEntry(st, message, s.now())
	if err != nil {
		return nil, err
	}
	// UPDATE 以读到的状态为前置条件，读-写窗口内被并发改写则拒绝
	row := s.pool.QueryRow(ctx, `
		UPDATE orders
		SET status = $3, updated_at = $4, status_history = status_history || $5::jsonb
		WHERE id = $1 AND status = $2
		RETURNING `+orderColumns,
		id, string(current.Status), string(st), s.now(), entry)
	o, err := scanOrder(row)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: order %s left %s concurrently", ErrIllegalTransition, id, current.Status)
	}
	return o, err
}

func (s *PostgresStore) UpdateStatusIf(ctx context.Context, id string, from, to order.Status, message string) (bool, error) {
	if err := validateTransition(from, to); err != nil {
		return false, err
	}
	entry, err := historyEntry(to, message, s.now())
	if err != nil {
		return false, err
	}
	// 条件 UPDATE：并发促发者中恰有一个拿到 rows=1。
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET status = $3, updated_at = $4, status_history = status_history || $5::jsonb
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), s.now(), entry)
	if err != nil {
		return false, fmt.Errorf("conditional update %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	// 区分“状态已变”与“订单不存在”
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, id string, upd ExecutionUpdate) (*order.Order, error) {
	current, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validateTransition(current.Status, upd.Status); err != nil {
		return nil, err
	}
	entry, err := historyEntry(upd.Status, upd.Message, s.now())
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE orders
		SET status = $3,
			updated_at = $4,
			status_history = status_history || $5::jsonb,
			venue_used = CASE WHEN $6 <> '' THEN $6 ELSE venue_used END,
			execution_price = CASE WHEN $7 <> 0 THEN $7 ELSE execution_price END,
			tx_hash = CASE WHEN $8 <> '' THEN $8 ELSE tx_hash END,
			error = CASE WHEN $9 <> '' THEN $9 ELSE error END
		WHERE id = $1 AND status = $2
		RETURNING `+orderColumns,
		id, string(current.Status), string(upd.Status), s.now(), entry,
		upd.VenueUsed, upd.ExecutionPrice, upd.TxHash, upd.Error)
	o, err := scanOrder(row)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: order %s left %s concurrently", ErrIllegalTransition, id, current.Status)
	}
	return o, err
}

func (s *PostgresStore) FindByStatus(ctx context.Context, st order.Status) ([]*order.Order, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE status = $1`, string(st))
	if err != nil {
		return nil, fmt.Errorf("query by status: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) FindActiveLimitOrders(ctx context.Context) ([]*order.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE type = $1 AND status = $2`,
		string(order.TypeLimit), string(order.StatusWaitingForPrice))
	if err != nil {
		return nil, fmt.Errorf("query active limit orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) FindExpiredLimitOrders(ctx context.Context, now time.Time) ([]*order.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE type = $1 AND status = $2 AND expires_at IS NOT NULL AND expires_at < $3`,
		string(order.TypeLimit), string(order.StatusWaitingForPrice), now)
	if err != nil {
		return nil, fmt.Errorf("query expired limit orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func historyEntry(st order.Status, message string, at time.Time) ([]byte, error) {
	b, err := json.Marshal([]order.StatusChange{{Status: st, Timestamp: at, Message: message}})
	if err != nil {
		return nil, fmt.Errorf("marshal history entry: %w", err)
	}
	return b, nil
}

func scanOrder(row pgx.Row) (*order.Order, error) {
	var (
		o          order.Order
		typ, st    string
		limitPrice *float64
		history    []byte
	)
	err := row.Scan(&o.ID, &typ, &o.Pair, &o.Amount, &o.Slippage, &st,
		&limitPrice, &o.ExpiresAt, &o.VenueUsed, &o.ExecutionPrice,
		&o.TxHash, &o.Error, &o.CreatedAt, &o.UpdatedAt, &history)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Type = order.Type(typ)
	o.Status = order.Status(st)
	if limitPrice != nil {
		o.LimitPrice = *limitPrice
	}
	if err := json.Unmarshal(history, &o.StatusHistory); err != nil {
		return nil, fmt.Errorf("unmarshal status history: %w", err)
	}
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]*order.Order, error) {
	var out []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
