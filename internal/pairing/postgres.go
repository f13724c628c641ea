package pairing

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

// DBTX is the subset of pgx used by PostgresStore; *pgxpool.Pool satisfies it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const uniqueViolation = "23505"

// PostgresStore is a Store backed by the pairing_requests and pairing_allow tables.
type PostgresStore struct {
	db   DBTX
	opts Options
}

// NewPostgresStore creates a store over db.
func NewPostgresStore(db DBTX, opts Options) *PostgresStore {
	return &PostgresStore{db: db, opts: opts.normalized()}
}

// UpsertRequest implements Store.
func (s *PostgresStore) UpsertRequest(ctx context.Context, channel, senderID string, meta map[string]string) (Request, bool, error) {
	channel = strings.TrimSpace(channel)
	senderID = strings.TrimSpace(senderID)
	now := s.opts.Now().UTC()
	if _, err := s.db.Exec(ctx,
		`DELETE FROM pairing_requests WHERE channel = $1 AND created_at <= $2`,
		channel, now.Add(-s.opts.TTL),
	); err != nil {
		return Request{}, false, fmt.Errorf("prune pairing requests: %w", err)
	}
	metaJSON, err := json.Marshal(copyMeta(meta))
	if err != nil {
		return Request{}, false, fmt.Errorf("encode pairing meta: %w", err)
	}

	existing, err := s.touchPending(ctx, channel, senderID, metaJSON, now)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Request{}, false, err
	}

	for attempt := 0; attempt < 5; attempt++ {
		code, err := GenerateCode()
		if err != nil {
			return Request{}, false, err
		}
		tag, err := s.db.Exec(ctx, `
INSERT INTO pairing_requests (channel, sender_id, code, meta, created_at, last_seen_at)
SELECT $1, $2, $3, $4, $5, $5
WHERE (SELECT count(*) FROM pairing_requests WHERE channel = $1) < $6
ON CONFLICT (channel, sender_id) DO NOTHING`,
			channel, senderID, code, metaJSON, now, s.opts.MaxPending,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				continue
			}
			return Request{}, false, fmt.Errorf("insert pairing request: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return Request{
				Channel:    channel,
				SenderID:   senderID,
				Code:       code,
				Meta:       copyMeta(meta),
				CreatedAt:  now,
				LastSeenAt: now,
			}, true, nil
		}
		// Lost a race to a concurrent insert for the same sender, or the queue is full.
		existing, err := s.touchPending(ctx, channel, senderID, metaJSON, now)
		if err == nil {
			return existing, false, nil
		}
		if errors.Is(err, ErrNotFound) {
			return Request{Channel: channel, SenderID: senderID}, false, nil
		}
		return Request{}, false, err
	}
	return Request{}, false, fmt.Errorf("insert pairing request: code collisions exhausted")
}

func (s *PostgresStore) touchPending(ctx context.Context, channel, senderID string, metaJSON []byte, now time.Time) (Request, error) {
	row := s.db.QueryRow(ctx, `
UPDATE pairing_requests
SET last_seen_at = $3, meta = COALESCE(meta, '{}'::jsonb) || COALESCE($4::jsonb, '{}'::jsonb)
WHERE channel = $1 AND sender_id = $2
RETURNING channel, sender_id, code, meta, created_at, last_seen_at`,
		channel, senderID, now, metaJSON,
	)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, fmt.Errorf("touch pairing request: %w", err)
	}
	return req, nil
}

// ReadAllowFrom implements Store.
func (s *PostgresStore) ReadAllowFrom(ctx context.Context, channel string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT sender_id FROM pairing_allow WHERE channel = $1 ORDER BY sender_id`,
		strings.TrimSpace(channel),
	)
	if err != nil {
		return nil, fmt.Errorf("read pairing allow list: %w", err)
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var senderID string
		if err := rows.Scan(&senderID); err != nil {
			return nil, err
		}
		out = append(out, senderID)
	}
	return out, rows.Err()
}

// Touch implements Store.
func (s *PostgresStore) Touch(ctx context.Context, channel, senderID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE pairing_allow SET last_seen_at = $3 WHERE channel = $1 AND sender_id = $2`,
		strings.TrimSpace(channel), strings.TrimSpace(senderID), s.opts.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("touch pairing allow entry: %w", err)
	}
	return nil
}

// List implements Store. An empty channel lists every channel.
func (s *PostgresStore) List(ctx context.Context, channel string) ([]Request, error) {
	cutoff := s.opts.Now().UTC().Add(-s.opts.TTL)
	rows, err := s.db.Query(ctx, `
SELECT channel, sender_id, code, meta, created_at, last_seen_at
FROM pairing_requests
WHERE ($1 = '' OR channel = $1) AND created_at > $2
ORDER BY created_at, sender_id`,
		strings.TrimSpace(channel), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list pairing requests: %w", err)
	}
	defer rows.Close()
	out := make([]Request, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Approve implements Store.
func (s *PostgresStore) Approve(ctx context.Context, channel, code string) (Request, error) {
	now := s.opts.Now().UTC()
	row := s.db.QueryRow(ctx, `
WITH approved AS (
	DELETE FROM pairing_requests
	WHERE channel = $1 AND code = $2 AND created_at > $3
	RETURNING channel, sender_id, code, meta, created_at, last_seen_at
), allowed AS (
	INSERT INTO pairing_allow (channel, sender_id, approved_at, last_seen_at)
	SELECT channel, sender_id, $4, $4 FROM approved
	ON CONFLICT (channel, sender_id) DO UPDATE SET approved_at = EXCLUDED.approved_at
)
SELECT channel, sender_id, code, meta, created_at, last_seen_at FROM approved`,
		strings.TrimSpace(channel), NormalizeCode(code), now.Add(-s.opts.TTL), now,
	)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, fmt.Errorf("approve pairing request: %w", err)
	}
	return req, nil
}

// PruneExpired implements Store.
func (s *PostgresStore) PruneExpired(ctx context.Context) (int, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM pairing_requests WHERE created_at <= $1`,
		s.opts.Now().UTC().Add(-s.opts.TTL),
	)
	if err != nil {
		return 0, fmt.Errorf("prune pairing requests: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanRequest(row pgx.Row) (Request, error) {
	var (
		req  Request
		meta []byte
	)
	if err := row.Scan(&req.Channel, &req.SenderID, &req.Code, &meta, &req.CreatedAt, &req.LastSeenAt); err != nil {
		return Request{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &req.Meta); err != nil {
			return Request{}, fmt.Errorf("decode pairing meta: %w", err)
		}
	}
	return req, nil
}
