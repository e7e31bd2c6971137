package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/clawos/kernel/pkg/contracts"
)

// PutConnection stores or replaces an encrypted provider credential.
func (s *Store) PutConnection(ctx context.Context, c *contracts.Connection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (provider, encrypted_secret, status, last_tested_at, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider) DO UPDATE SET
			encrypted_secret = excluded.encrypted_secret,
			status = excluded.status,
			last_tested_at = excluded.last_tested_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		c.Provider, c.EncryptedSecret, c.Status,
		fmtTimePtr(c.LastTestedAt), nullable(c.LastError), fmtTime(c.UpdatedAt))
	return err
}

// GetConnection returns a connection row or nil.
func (s *Store) GetConnection(ctx context.Context, provider string) (*contracts.Connection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT provider, encrypted_secret, status, last_tested_at, last_error, updated_at
		FROM connections WHERE provider = ?`, provider)
	c, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// ListConnections returns every provider row.
func (s *Store) ListConnections(ctx context.Context) ([]*contracts.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, encrypted_secret, status, last_tested_at, last_error, updated_at
		FROM connections ORDER BY provider`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConnection removes a provider credential.
func (s *Store) DeleteConnection(ctx context.Context, provider string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE provider = ?`, provider)
	return err
}

// MarkConnectionTested records the outcome of a connectivity test.
func (s *Store) MarkConnectionTested(ctx context.Context, provider string, at time.Time, testErr string) error {
	status := "ok"
	if testErr != "" {
		status = "error"
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE connections SET status = ?, last_tested_at = ?, last_error = ?, updated_at = ?
		WHERE provider = ?`,
		status, fmtTime(at), nullable(testErr), fmtTime(at), provider)
	return err
}

func scanConnection(row scanner) (*contracts.Connection, error) {
	var c contracts.Connection
	var lastTested, lastError sql.NullString
	var updatedAt string
	if err := row.Scan(&c.Provider, &c.EncryptedSecret, &c.Status, &lastTested, &lastError, &updatedAt); err != nil {
		return nil, err
	}
	c.LastTestedAt = parseTimePtr(lastTested)
	c.LastError = lastError.String
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// GetState reads a kernel-state value.
func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM kernel_state WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// PutStateIfAbsent writes a kernel-state value only if the key is free.
// First write wins; concurrent boots converge on the stored value.
func (s *Store) PutStateIfAbsent(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kernel_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO NOTHING`, key, value)
	return err
}
