package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgx used by PostgresStore.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is a Store backed by the sessions table.
type PostgresStore struct {
	db DBTX
}

// NewPostgresStore creates a store over db.
func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

func agentFor(sessionKey string) string {
	agentID, _ := AgentIDFromSessionKey(sessionKey)
	return agentID
}

// UpdateLastRoute implements Store.
func (s *PostgresStore) UpdateLastRoute(ctx context.Context, sessionKey string, route LastRoute) error {
	sessionKey = strings.TrimSpace(sessionKey)
	payload, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("encode last route: %w", err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO sessions (session_key, agent_id, last_route, inbound, updated_at)
VALUES ($1, $2, $3, '{}'::jsonb, now())
ON CONFLICT (session_key) DO UPDATE SET last_route = EXCLUDED.last_route, updated_at = now()`,
		sessionKey, agentFor(sessionKey), payload,
	)
	if err != nil {
		return fmt.Errorf("update last route: %w", err)
	}
	return nil
}

// RecordInboundMeta implements Store.
func (s *PostgresStore) RecordInboundMeta(ctx context.Context, sessionKey string, meta InboundMeta) error {
	sessionKey = strings.TrimSpace(sessionKey)
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode inbound meta: %w", err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO sessions (session_key, agent_id, last_route, inbound, updated_at)
VALUES ($1, $2, '{}'::jsonb, $3, now())
ON CONFLICT (session_key) DO UPDATE SET inbound = EXCLUDED.inbound, updated_at = now()`,
		sessionKey, agentFor(sessionKey), payload,
	)
	if err != nil {
		return fmt.Errorf("record inbound meta: %w", err)
	}
	return nil
}

// ReadUpdatedAt implements Store.
func (s *PostgresStore) ReadUpdatedAt(ctx context.Context, sessionKey string) (time.Time, bool, error) {
	var updatedAt time.Time
	err := s.db.QueryRow(ctx,
		`SELECT updated_at FROM sessions WHERE session_key = $1`,
		strings.TrimSpace(sessionKey),
	).Scan(&updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read session updated_at: %w", err)
	}
	return updatedAt, true, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, sessionKey string) (Entry, error) {
	row := s.db.QueryRow(ctx, `
SELECT session_key, agent_id, last_route, inbound, updated_at
FROM sessions WHERE session_key = $1`, strings.TrimSpace(sessionKey))
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return entry, err
}

// List implements Store, newest first.
func (s *PostgresStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `
SELECT session_key, agent_id, last_route, inbound, updated_at
FROM sessions ORDER BY updated_at DESC, session_key`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	out := make([]Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		entry          Entry
		route, inbound []byte
	)
	if err := row.Scan(&entry.SessionKey, &entry.AgentID, &route, &inbound, &entry.UpdatedAt); err != nil {
		return Entry{}, err
	}
	if len(route) > 0 {
		if err := json.Unmarshal(route, &entry.LastRoute); err != nil {
			return Entry{}, fmt.Errorf("decode last route: %w", err)
		}
	}
	if len(inbound) > 0 {
		if err := json.Unmarshal(inbound, &entry.Inbound); err != nil {
			return Entry{}, fmt.Errorf("decode inbound meta: %w", err)
		}
	}
	return entry, nil
}
