package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Connection wraps the process-wide *sql.DB pool and applies the configured
// command timeout to every statement. Acquisition and release are scoped:
// every call path releases its connection on success, failure, and panic.
type Connection struct {
	DB             *sql.DB
	commandTimeout time.Duration
}

// NewConnection opens the connection pool and verifies connectivity.
//
// The database may be unreachable when the process starts; the ping is
// retried per the config's startup retry policy before giving up. Pool
// bounds and lifetimes are applied before the first ping.
func NewConnection(cfg *Config, logger *slog.Logger) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage config: %w", err)
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	conn := &Connection{
		DB:             db,
		commandTimeout: cfg.CommandTimeout,
	}

	if err := conn.pingWithRetry(cfg, logger); err != nil {
		_ = db.Close()

		return nil, err
	}

	logger.Info("database connection established",
		slog.String("url", cfg.MaskDatabaseURL()),
		slog.Int("max_open_conns", cfg.MaxOpenConns),
		slog.Int("max_idle_conns", cfg.MaxIdleConns),
	)

	return conn, nil
}

// pingWithRetry attempts to reach the database, retrying on failure until
// the attempt budget is exhausted.
func (c *Connection) pingWithRetry(cfg *Config, logger *slog.Logger) error {
	var lastErr error

	pingTimeout := cfg.ConnectPingTimeout
	if pingTimeout <= 0 {
		pingTimeout = defaultConnectPingTimeout
	}

	for attempt := 1; attempt <= cfg.ConnectMaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		lastErr = c.DB.PingContext(ctx)

		cancel()

		if lastErr == nil {
			return nil
		}

		logger.Warn("database not ready, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", cfg.ConnectMaxAttempts),
			slog.String("error", lastErr.Error()),
		)

		if attempt < cfg.ConnectMaxAttempts {
			time.Sleep(cfg.ConnectRetryDelay)
		}
	}

	return fmt.Errorf("database unreachable after %d attempts: %w", cfg.ConnectMaxAttempts, lastErr)
}

// withTimeout derives a context bounded by the command timeout. Callers must
// invoke the returned cancel function.
func (c *Connection) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.commandTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.commandTimeout)
}

// QueryContext executes a query that returns rows, bounded by the command timeout.
//
// The derived timeout context must outlive row iteration, so cancellation is
// deferred to rows.Close via the returned rows' lifetime. Callers should
// consume rows promptly.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	qctx, cancel := c.withTimeout(ctx)

	rows, err := c.DB.QueryContext(qctx, query, args...)
	if err != nil {
		cancel()

		return nil, err
	}

	// Release the timer once the deadline fires or the parent is cancelled;
	// row iteration remains valid until then.
	context.AfterFunc(qctx, cancel)

	return rows, nil
}

// QueryRowContext executes a query expected to return at most one row.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	qctx, cancel := c.withTimeout(ctx)
	defer cancel()

	return c.DB.QueryRowContext(qctx, query, args...)
}

// ExecContext executes a statement without returning rows.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	qctx, cancel := c.withTimeout(ctx)
	defer cancel()

	return c.DB.ExecContext(qctx, query, args...)
}

// BeginTx starts a transaction with the given options. The transaction itself
// is not bounded by the command timeout; individual statements inside it are
// bounded by the caller's context.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.DB.BeginTx(ctx, opts)
}

// HealthCheck verifies the database is reachable.
func (c *Connection) HealthCheck(ctx context.Context) error {
	qctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.DB.PingContext(qctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

// Close closes the connection pool gracefully. Safe to call multiple times.
func (c *Connection) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}

	return nil
}
