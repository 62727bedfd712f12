// Package source manages PostgreSQL sessions for extraction and loads the
// catalog metadata needed to pick ordering keys.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/johndauphine/pgextract/internal/driver"
	"github.com/johndauphine/pgextract/internal/logging"
)

// closeTimeout bounds the rollback and close issued when a session ends.
const closeTimeout = 5 * time.Second

// Querier runs a statement and returns every resulting row.
type Querier interface {
	Query(ctx context.Context, sql string) ([]driver.Row, error)
}

// Session is one database connection inside an open transaction.
// Server-side cursors declared on it live until Close.
type Session interface {
	Querier

	// Exec runs a statement that returns no rows.
	Exec(ctx context.Context, sql string) error

	// Close rolls back the open transaction and closes the connection.
	// It is safe to call more than once.
	Close(ctx context.Context) error
}

// Connector opens sessions against one database.
type Connector struct {
	dsn            string
	addr           string
	connectTimeout time.Duration
}

// NewConnector returns a connector for dsn. addr is used in log and error
// messages in place of the DSN, which may carry a password.
func NewConnector(dsn, addr string, connectTimeout time.Duration) *Connector {
	return &Connector{dsn: dsn, addr: addr, connectTimeout: connectTimeout}
}

// Connect opens a connection and begins a transaction. Credential failures
// are returned as *AuthError; other failures are returned wrapped.
func (c *Connector) Connect(ctx context.Context) (Session, error) {
	connCfg, err := pgx.ParseConfig(c.dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string for %s: %s", c.addr, logging.SanitizeError(err))
	}
	if c.connectTimeout > 0 {
		connCfg.ConnectTimeout = c.connectTimeout
	}

	conn, err := pgx.ConnectConfig(ctx, connCfg)
	if err != nil {
		if IsAuthError(err) {
			return nil, &AuthError{Addr: c.addr, Err: err}
		}
		return nil, fmt.Errorf("connecting to %s: %w", c.addr, err)
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("beginning transaction on %s: %w", c.addr, err)
	}

	logging.Debug("Connected to %s", c.addr)
	return &pgSession{conn: conn, tx: tx}, nil
}

type pgSession struct {
	conn *pgx.Conn
	tx   pgx.Tx
}

// Statements run over the simple protocol: cursor statements are one-off
// texts that would only pollute the prepared statement cache.

func (s *pgSession) Exec(ctx context.Context, sql string) error {
	if s.tx == nil {
		return fmt.Errorf("session closed")
	}
	if _, err := s.tx.Exec(ctx, sql, pgx.QueryExecModeSimpleProtocol); err != nil {
		return err
	}
	return nil
}

func (s *pgSession) Query(ctx context.Context, sql string) ([]driver.Row, error) {
	if s.tx == nil {
		return nil, fmt.Errorf("session closed")
	}
	rows, err := s.tx.Query(ctx, sql, pgx.QueryExecModeSimpleProtocol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	result := []driver.Row{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}
		row := make(driver.Row, len(fields))
		for i, f := range fields {
			row[f.Name] = values[i]
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *pgSession) Close(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	if s.tx != nil {
		// The connection may already be gone; a failed rollback is expected then.
		_ = s.tx.Rollback(ctx)
	}
	err := s.conn.Close(ctx)
	s.tx, s.conn = nil, nil
	return err
}
