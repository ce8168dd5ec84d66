package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists the queue in the offline_mutations table.
type PGStore struct {
	pool *pgxpool.Pool
}

var (
	_ Store = (*PGStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// NewPGStore constructs PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const mutationColumns = `id::text, seq, device_id, kind, payload, status, enqueued_at, applied_at, failed_at, last_error`

func (s *PGStore) Insert(ctx context.Context, m Mutation) (Mutation, error) {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return Mutation{}, fmt.Errorf("offline: encode payload: %w", err)
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	err = s.pool.QueryRow(ctx, `INSERT INTO offline_mutations (id, device_id, kind, payload, status, enqueued_at)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING seq`,
		m.ID, m.DeviceID, string(m.Kind), payload, string(m.Status), m.EnqueuedAt).Scan(&m.Seq)
	if err != nil {
		return Mutation{}, fmt.Errorf("offline: insert mutation: %w", err)
	}
	return m, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Mutation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+mutationColumns+` FROM offline_mutations WHERE id::text = $1`, id)
	if err != nil {
		return Mutation{}, err
	}
	list, err := scanMutations(rows)
	if err != nil {
		return Mutation{}, err
	}
	if len(list) == 0 {
		return Mutation{}, ErrMutationNotFound
	}
	return list[0], nil
}

func (s *PGStore) Unsettled(ctx context.Context, deviceID string) ([]Mutation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+mutationColumns+` FROM offline_mutations
WHERE device_id = $1 AND status IN ('PENDING', 'FAILED') ORDER BY seq`, deviceID)
	if err != nil {
		return nil, err
	}
	return scanMutations(rows)
}

func (s *PGStore) PendingDevices(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT device_id FROM offline_mutations
WHERE status = 'PENDING' GROUP BY device_id ORDER BY MIN(seq)`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PGStore) List(ctx context.Context, filter Filter) ([]Mutation, error) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`SELECT ` + mutationColumns + ` FROM offline_mutations WHERE TRUE`)
	if filter.DeviceID != "" {
		args = append(args, filter.DeviceID)
		fmt.Fprintf(&sb, " AND device_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		fmt.Fprintf(&sb, " AND status = $%d", len(args))
	}
	sb.WriteString(" ORDER BY seq")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	return scanMutations(rows)
}

func (s *PGStore) MarkApplied(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, `UPDATE offline_mutations SET status = 'APPLIED', applied_at = $2, last_error = '' WHERE id::text = $1`, id, at)
}

func (s *PGStore) MarkFailed(ctx context.Context, id string, at time.Time, reason string) error {
	return s.exec(ctx, `UPDATE offline_mutations SET status = 'FAILED', failed_at = $2, last_error = $3 WHERE id::text = $1`, id, at, reason)
}

func (s *PGStore) MarkDismissed(ctx context.Context, id string) error {
	return s.exec(ctx, `UPDATE offline_mutations SET status = 'DISMISSED' WHERE id::text = $1`, id)
}

func (s *PGStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM offline_mutations
WHERE status IN ('APPLIED', 'DISMISSED') AND enqueued_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("offline: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("offline: update mutation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMutationNotFound
	}
	return nil
}

func scanMutations(rows pgx.Rows) ([]Mutation, error) {
	defer rows.Close()
	var out []Mutation
	for rows.Next() {
		var (
			m            Mutation
			kind, status string
			payload      []byte
		)
		if err := rows.Scan(&m.ID, &m.Seq, &m.DeviceID, &kind, &payload, &status, &m.EnqueuedAt, &m.AppliedAt, &m.FailedAt, &m.LastError); err != nil {
			return nil, fmt.Errorf("offline: scan mutation: %w", err)
		}
		if err := json.Unmarshal(payload, &m.Payload); err != nil {
			return nil, fmt.Errorf("offline: decode payload of %s: %w", m.ID, err)
		}
		m.Kind, m.Status = Kind(kind), Status(status)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
