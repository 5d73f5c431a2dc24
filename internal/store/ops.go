package store

import (
	"context"
	"database/sql"
	"time"
)

type AuditEntry struct {
	ID          int64
	Operation   string
	TenantID    string
	ActorID     string
	ContentHash string
	Flagged     bool
	FlagReason  string
	TargetCount int
	Reason      string
	CreatedAt   time.Time
}

func (s *Store) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO audit_log (operation, tenant_id, actor_id, content_hash, flagged, flag_reason, target_count, reason)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.Operation, e.TenantID, e.ActorID, e.ContentHash, e.Flagged, nullIfEmpty(e.FlagReason), e.TargetCount, nullIfEmpty(e.Reason))
	return err
}

func (s *Store) ListAuditEntries(ctx context.Context, tenantID string, limit int) ([]AuditEntry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, operation, tenant_id, actor_id, content_hash, flagged, COALESCE(flag_reason,''), target_count, COALESCE(reason,''), created_at
FROM audit_log WHERE tenant_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Operation, &e.TenantID, &e.ActorID, &e.ContentHash, &e.Flagged, &e.FlagReason, &e.TargetCount, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type TombstoneRecord struct {
	ID         int64
	ExternalID string
	TenantID   string
	FailedAt   time.Time
	RetryCount int
	LastError  string
}

// InsertTombstone records a failed vector-index mutation. Re-inserting the
// same (tenant, external id) is a no-op, which makes concurrent writers safe.
func (s *Store) InsertTombstone(ctx context.Context, tenantID, externalID, lastError string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO vector_tombstones (external_id, tenant_id, last_error) VALUES ($1,$2,$3)
ON CONFLICT (tenant_id, external_id) DO NOTHING`,
		externalID, tenantID, nullIfEmpty(lastError))
	return err
}

// ListTombstonesOldestFirst returns rows still inside their retry budget.
// Rows at or past maxRetry stay in the table as the permanent record of a
// stale vector entry; only a successful retry removes a row.
func (s *Store) ListTombstonesOldestFirst(ctx context.Context, limit, maxRetry int) ([]TombstoneRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, external_id, tenant_id, failed_at, retry_count, COALESCE(last_error,'')
FROM vector_tombstones WHERE retry_count < $2 ORDER BY failed_at, id LIMIT $1`,
		limit, maxRetry)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TombstoneRecord
	for rows.Next() {
		var t TombstoneRecord
		if err := rows.Scan(&t.ID, &t.ExternalID, &t.TenantID, &t.FailedAt, &t.RetryCount, &t.LastError); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteTombstone(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM vector_tombstones WHERE id=$1`, id)
	return err
}

// BumpTombstone records another failed retry.
func (s *Store) BumpTombstone(ctx context.Context, id int64, lastError string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE vector_tombstones SET retry_count=retry_count+1, last_error=$2 WHERE id=$1`,
		id, nullIfEmpty(lastError))
	return err
}

// TombstoneCount reports the queue depth, used by health reporting.
func (s *Store) TombstoneCount(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_tombstones`).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}
