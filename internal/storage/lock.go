package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const unlockTimeout = 5 * time.Second

var (
	// ErrLockFailed is returned when an advisory lock cannot be taken or checked.
	ErrLockFailed = errors.New("advisory lock failed")
)

// AdvisoryLocker hands out PostgreSQL session-level advisory locks keyed by name.
// Each held lock pins one pooled connection until it is released.
type AdvisoryLocker struct {
	conn   *Connection
	logger *slog.Logger
}

// NewAdvisoryLocker creates an AdvisoryLocker. Returns ErrNoDatabaseConnection if conn is nil.
func NewAdvisoryLocker(conn *Connection, logger *slog.Logger) (*AdvisoryLocker, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &AdvisoryLocker{conn: conn, logger: logger}, nil
}

// Acquire blocks until the named lock is held or ctx is done.
func (l *AdvisoryLocker) Acquire(ctx context.Context, name string) (func(), error) {
	c, err := l.conn.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLockFailed, err)
	}

	if _, err := c.ExecContext(ctx, "SELECT pg_advisory_lock(hashtext($1))", name); err != nil {
		_ = c.Close()

		return nil, fmt.Errorf("%w: %s: %w", ErrLockFailed, name, err)
	}

	return l.releaser(c, name), nil
}

// TryAcquire takes the named lock if it is free. It reports false, with a nil release
// function, when another session holds it.
func (l *AdvisoryLocker) TryAcquire(ctx context.Context, name string) (func(), bool, error) {
	c, err := l.conn.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrLockFailed, err)
	}

	var acquired bool
	if err := c.QueryRowContext(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", name).Scan(&acquired); err != nil {
		_ = c.Close()

		return nil, false, fmt.Errorf("%w: %s: %w", ErrLockFailed, name, err)
	}

	if !acquired {
		_ = c.Close()

		return nil, false, nil
	}

	return l.releaser(c, name), true, nil
}

func (l *AdvisoryLocker) releaser(c *sql.Conn, name string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()

		if _, err := c.ExecContext(ctx, "SELECT pg_advisory_unlock(hashtext($1))", name); err != nil {
			l.logger.Warn("Failed to release advisory lock",
				slog.String("lock", name),
				slog.String("error", err.Error()))

			// Drop the session so the lock dies with it instead of returning to the pool.
			_ = c.Raw(func(any) error { return driver.ErrBadConn })
		}

		_ = c.Close()
	}
}
