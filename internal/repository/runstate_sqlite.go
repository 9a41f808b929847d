package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/runner/internal/domain"
)

const runStateColumns = `kind, run_key, user_id, job_id, status, started_at, last_activity_at, response_id, owner_instance_id, meta, expires_at`

// Register creates or replaces a run state.
func (s *SQLiteStore) Register(ctx context.Context, state *domain.RunState) (*domain.RunState, error) {
	now := s.now()
	out := *state
	if out.Status == "" {
		out.Status = domain.RunStatusRunning
	}
	if out.StartedAt.IsZero() {
		out.StartedAt = now
	}
	if out.Meta == nil {
		out.Meta = domain.RunMeta{}
	}
	out.LastActivityAt = now
	out.ExpiresAt = now.Add(s.ttl)

	meta, err := json.Marshal(out.Meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO run_states (`+runStateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.Kind, out.RunKey, out.UserID, out.JobID, out.Status,
		toMillis(out.StartedAt), toMillis(out.LastActivityAt), nullString(out.ResponseID),
		out.OwnerInstanceID, string(meta), toMillis(out.ExpiresAt))
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Update merges patch into an existing run state.
func (s *SQLiteStore) Update(ctx context.Context, kind domain.RunKind, runKey string, patch domain.RunPatch) (*domain.RunState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := s.now()
	state, err := scanRunState(tx.QueryRowContext(ctx,
		`SELECT `+runStateColumns+` FROM run_states WHERE kind = ? AND run_key = ? AND expires_at > ?`,
		kind, runKey, toMillis(now)))
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, nil
	}

	applyPatch(state, patch, now, s.ttl)
	meta, err := json.Marshal(state.Meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal meta: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE run_states SET status = ?, response_id = ?, owner_instance_id = ?, meta = ?, last_activity_at = ?, expires_at = ?
		 WHERE kind = ? AND run_key = ?`,
		state.Status, nullString(state.ResponseID), state.OwnerInstanceID, string(meta),
		toMillis(state.LastActivityAt), toMillis(state.ExpiresAt), kind, runKey)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return state, nil
}

// Remove deletes a run state.
func (s *SQLiteStore) Remove(ctx context.Context, kind domain.RunKind, runKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_states WHERE kind = ? AND run_key = ?`, kind, runKey)
	return err
}

// Get retrieves a run state by key.
func (s *SQLiteStore) Get(ctx context.Context, kind domain.RunKind, runKey string) (*domain.RunState, error) {
	return scanRunState(s.db.QueryRowContext(ctx,
		`SELECT `+runStateColumns+` FROM run_states WHERE kind = ? AND run_key = ? AND expires_at > ?`,
		kind, runKey, toMillis(s.now())))
}

// FindStale lists running records idle for longer than maxAge.
func (s *SQLiteStore) FindStale(ctx context.Context, maxAge time.Duration) ([]domain.RunState, error) {
	now := s.now()
	return s.queryRunStates(ctx,
		`SELECT `+runStateColumns+` FROM run_states
		 WHERE status = ? AND last_activity_at < ? AND expires_at > ?
		 ORDER BY last_activity_at ASC`,
		domain.RunStatusRunning, toMillis(now.Add(-maxAge)), toMillis(now))
}

// ListAll lists every unexpired record.
func (s *SQLiteStore) ListAll(ctx context.Context) ([]domain.RunState, error) {
	return s.queryRunStates(ctx,
		`SELECT `+runStateColumns+` FROM run_states WHERE expires_at > ? ORDER BY started_at ASC`,
		toMillis(s.now()))
}

// PurgeExpired deletes records past their TTL.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM run_states WHERE expires_at <= ?`, toMillis(s.now()))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) queryRunStates(ctx context.Context, query string, args ...interface{}) ([]domain.RunState, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []domain.RunState
	for rows.Next() {
		state, err := scanRunState(rows)
		if errors.Is(err, errCorruptRecord) {
			s.log.WithError(err).Warn("skipping undecodable run state")
			continue
		}
		if err != nil {
			return nil, err
		}
		states = append(states, *state)
	}
	return states, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRunState(row rowScanner) (*domain.RunState, error) {
	var state domain.RunState
	var startedAt, lastActivityAt, expiresAt int64
	var responseID, meta sql.NullString
	err := row.Scan(&state.Kind, &state.RunKey, &state.UserID, &state.JobID, &state.Status,
		&startedAt, &lastActivityAt, &responseID, &state.OwnerInstanceID, &meta, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state.StartedAt = fromMillis(startedAt)
	state.LastActivityAt = fromMillis(lastActivityAt)
	state.ExpiresAt = fromMillis(expiresAt)
	if responseID.Valid {
		state.ResponseID = responseID.String
	}
	state.Meta = domain.RunMeta{}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &state.Meta); err != nil {
			return nil, fmt.Errorf("%w: %s/%s meta: %v", errCorruptRecord, state.Kind, state.RunKey, err)
		}
	}
	return &state, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
