// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

// Package warehouse is the engine's only gateway to the analytics warehouse.
// It wraps database/sql over the Snowflake driver with parameterized
// execution, a declarative MERGE builder, batch inserts, and a bounded
// reconnect policy. A single shared *Client is safe for concurrent use; the
// driver serializes statements at the connection level.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/snowflakedb/gosnowflake"

	"github.com/injooinjoo/streamlens/internal/config"
	"github.com/injooinjoo/streamlens/internal/logging"
	"github.com/injooinjoo/streamlens/internal/metrics"
)

// batchSize is the sub-batch size for BatchInsert.
const batchSize = 100

// Row is one result row with column names folded to lower case. The
// warehouse returns upper-case identifiers; every read path normalizes them
// here so callers never see case differences.
type Row map[string]any

// Result reports the outcome of a DML statement.
type Result struct {
	Changes int64
	LastID  int64
}

// Client wraps the warehouse session.
type Client struct {
	cfg *config.WarehouseConfig

	// open builds a fresh session. Tests substitute an in-memory driver
	// here to exercise the reconnect and retry paths.
	open func() (*sql.DB, error)

	mu sync.Mutex // guards db replacement during reconnect
	db *sql.DB
}

// New creates an unconnected client.
func New(cfg *config.WarehouseConfig) *Client {
	c := &Client{cfg: cfg}
	c.open = c.openSnowflake
	return c
}

// Connect opens the warehouse session and verifies it with a ping.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

// openSnowflake builds a session against the configured Snowflake account.
func (c *Client) openSnowflake() (*sql.DB, error) {
	dsn, err := gosnowflake.DSN(&gosnowflake.Config{
		Account:   c.cfg.Account,
		User:      c.cfg.User,
		Password:  c.cfg.Password,
		Warehouse: c.cfg.Wh,
		Database:  c.cfg.Database,
		Schema:    c.cfg.Schema,
		Role:      c.cfg.Role,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build warehouse DSN: %w", err)
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse connection: %w", err)
	}
	return db, nil
}

func (c *Client) connectLocked(ctx context.Context) error {
	db, err := c.open()
	if err != nil {
		return err
	}

	// Single logical session; the orchestrator's writers are serialized at
	// this pool boundary.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(4 * time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		closeQuietly(db)
		return wrapError("connect", err)
	}

	if c.db != nil {
		closeQuietly(c.db)
	}
	c.db = db
	logging.Info().Str("account", c.cfg.Account).Str("database", c.cfg.Database).Msg("Warehouse connected")
	return nil
}

// Close releases the warehouse session. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// conn returns the current *sql.DB.
func (c *Client) conn() *sql.DB {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db
}

// ensureConnection verifies the session and reconnects if needed, bounded by
// MaxReconnectAttempts with a fixed delay between attempts. Exhausting the
// budget surfaces ErrUnavailable, the engine's fatal warehouse condition.
func (c *Client) ensureConnection(ctx context.Context) error {
	db := c.conn()
	if db != nil {
		pingCtx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
		err := db.PingContext(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		logging.Warn().Err(err).Msg("Warehouse ping failed, reconnecting")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		if err := c.connectLocked(ctx); err != nil {
			lastErr = err
			logging.Warn().Err(err).Int("attempt", attempt).Int("max", c.cfg.MaxReconnectAttempts).Msg("Warehouse reconnect failed")
			select {
			case <-time.After(c.cfg.ReconnectDelay):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// execute runs fn with transient-failure recovery: a transient error triggers
// one reconnect followed by a single retry. Other kinds fail immediately.
func (c *Client) execute(ctx context.Context, op string, fn func(db *sql.DB) error) error {
	db := c.conn()
	if db == nil {
		if err := c.ensureConnection(ctx); err != nil {
			return err
		}
		db = c.conn()
	}

	err := fn(db)
	if err == nil {
		metrics.WarehouseQueries.WithLabelValues(op, "ok").Inc()
		return nil
	}

	werr := wrapError(op, err)
	if werr.Kind != KindTransient {
		metrics.WarehouseQueries.WithLabelValues(op, string(werr.Kind)).Inc()
		return werr
	}

	if err := c.ensureConnection(ctx); err != nil {
		return err
	}
	metrics.WarehouseRetries.Inc()

	if err := fn(c.conn()); err != nil {
		werr = wrapError(op, err)
		metrics.WarehouseQueries.WithLabelValues(op, string(werr.Kind)).Inc()
		return werr
	}
	metrics.WarehouseQueries.WithLabelValues(op, "retried").Inc()
	return nil
}

// Get executes a query and returns the first row, or nil when there is none.
func (c *Client) Get(ctx context.Context, query string, binds ...any) (Row, error) {
	rows, err := c.All(ctx, query, binds...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// All executes a query and returns every row with lower-cased column names.
func (c *Client) All(ctx context.Context, query string, binds ...any) ([]Row, error) {
	var out []Row
	err := c.execute(ctx, "select", func(db *sql.DB) error {
		qctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
		defer cancel()

		rows, err := db.QueryContext(qctx, query, binds...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		result, err := scanRows(rows)
		if err != nil {
			return err
		}
		out = result
		return nil
	})
	return out, err
}

// Run executes a DML statement.
func (c *Client) Run(ctx context.Context, query string, binds ...any) (Result, error) {
	var out Result
	err := c.execute(ctx, "run", func(db *sql.DB) error {
		qctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
		defer cancel()

		res, err := db.ExecContext(qctx, query, binds...)
		if err != nil {
			return err
		}
		out.Changes, _ = res.RowsAffected()
		out.LastID, _ = res.LastInsertId()
		return nil
	})
	return out, err
}

// Merge executes a MERGE built by the statement builder.
func (c *Client) Merge(ctx context.Context, stmt MergeStatement) error {
	_, err := c.Run(ctx, stmt.SQL(), stmt.Binds...)
	return err
}

// BatchInsert appends rows in sub-batches of 100. A failed sub-batch is
// retried row by row; individual failing rows are logged and skipped so the
// rest of the batch survives.
func (c *Client) BatchInsert(ctx context.Context, table string, cols []string, values [][]any) error {
	if len(values) == 0 {
		return nil
	}

	for _, chunk := range chunkRows(values, batchSize) {
		query, binds := buildInsert(table, cols, chunk)
		_, err := c.Run(ctx, query, binds...)
		if err == nil {
			continue
		}

		logging.Warn().Err(err).Str("table", table).Int("rows", len(chunk)).Msg("Sub-batch insert failed, retrying row by row")
		for _, row := range chunk {
			query, binds := buildInsert(table, cols, [][]any{row})
			if _, rerr := c.Run(ctx, query, binds...); rerr != nil {
				metrics.WarehouseBatchRowsSkipped.Inc()
				logging.Warn().Err(rerr).Str("table", table).Msg("Row insert failed, skipping")
			}
		}
	}
	return nil
}

// Execer is the statement surface shared by Client and Tx. Persistence code
// that must run either standalone or inside a transaction accepts an Execer.
type Execer interface {
	Run(ctx context.Context, query string, binds ...any) (Result, error)
	Merge(ctx context.Context, stmt MergeStatement) error
}

var (
	_ Execer = (*Client)(nil)
	_ Execer = (*Tx)(nil)
)

// Tx is a warehouse transaction handle.
type Tx struct {
	tx      *sql.Tx
	timeout time.Duration
}

// Run executes a DML statement inside the transaction.
func (t *Tx) Run(ctx context.Context, query string, binds ...any) (Result, error) {
	qctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	res, err := t.tx.ExecContext(qctx, query, binds...)
	if err != nil {
		return Result{}, wrapError("tx", err)
	}
	var out Result
	out.Changes, _ = res.RowsAffected()
	return out, nil
}

// Merge executes a MERGE inside the transaction.
func (t *Tx) Merge(ctx context.Context, stmt MergeStatement) error {
	_, err := t.Run(ctx, stmt.SQL(), stmt.Binds...)
	return err
}

// WithTransaction runs fn inside a transaction, committing on nil and rolling
// back on error or panic.
func (c *Client) WithTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	return c.execute(ctx, "transaction", func(db *sql.DB) error {
		sqlTx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		tx := &Tx{tx: sqlTx, timeout: c.cfg.QueryTimeout}
		defer func() {
			if p := recover(); p != nil {
				_ = sqlTx.Rollback()
				panic(p)
			}
		}()

		if err := fn(tx); err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil {
				logging.Warn().Err(rbErr).Msg("Transaction rollback failed")
			}
			return err
		}
		return sqlTx.Commit()
	})
}

// InTransaction runs fn inside a transaction with the narrow Execer surface.
// Persistence code uses this instead of WithTransaction so tests can stub the
// whole warehouse behind an interface.
func (c *Client) InTransaction(ctx context.Context, fn func(ex Execer) error) error {
	return c.WithTransaction(ctx, func(tx *Tx) error {
		return fn(tx)
	})
}

// IsHealthy reports whether the warehouse answers a trivial query.
func (c *Client) IsHealthy(ctx context.Context) bool {
	row, err := c.Get(ctx, "SELECT 1")
	return err == nil && row != nil
}

// scanRows materializes a result set into normalized rows.
func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	lowered := make([]string, len(cols))
	for i, col := range cols {
		lowered[i] = strings.ToLower(col)
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, col := range lowered {
			row[col] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// chunkRows splits values into sub-batches of at most size rows.
func chunkRows(values [][]any, size int) [][][]any {
	var chunks [][][]any
	for start := 0; start < len(values); start += size {
		end := start + size
		if end > len(values) {
			end = len(values)
		}
		chunks = append(chunks, values[start:end])
	}
	return chunks
}

// buildInsert renders a multi-row parameterized INSERT.
func buildInsert(table string, cols []string, rows [][]any) (string, []any) {
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"

	tuples := make([]string, len(rows))
	binds := make([]any, 0, len(rows)*len(cols))
	for i, row := range rows {
		tuples[i] = placeholder
		binds = append(binds, row...)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		table, strings.Join(cols, ", "), strings.Join(tuples, ", "))
	return query, binds
}

func closeQuietly(db *sql.DB) {
	if err := db.Close(); err != nil {
		logging.Warn().Err(err).Msg("Failed to close warehouse connection")
	}
}
