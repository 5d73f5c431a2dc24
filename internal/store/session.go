package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type HandoffRecord struct {
	ID         string
	TenantID   string
	ProjectID  string
	FromAgent  string
	Summary    string
	OpenItems  []string
	Active     bool
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// SaveHandoff deactivates any prior active handoff for the project and
// inserts the new one inside a single transaction, so no reader ever
// observes two active rows for (tenant, project).
func (s *Store) SaveHandoff(ctx context.Context, rec HandoffRecord) (HandoffRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	items, err := json.Marshal(rec.OpenItems)
	if err != nil {
		return HandoffRecord{}, fmt.Errorf("marshal open items: %w", err)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return HandoffRecord{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE handoffs SET active=FALSE WHERE tenant_id=$1 AND project_id=$2 AND active`,
		rec.TenantID, rec.ProjectID); err != nil {
		return HandoffRecord{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO handoffs (id, tenant_id, project_id, from_agent, summary, open_items, active) VALUES ($1,$2,$3,$4,$5,$6,TRUE)`,
		rec.ID, rec.TenantID, rec.ProjectID, rec.FromAgent, rec.Summary, items); err != nil {
		return HandoffRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return HandoffRecord{}, err
	}
	rec.Active = true
	return rec, nil
}

// ConsumeHandoff returns the project's active, unconsumed handoff and marks
// it consumed in the same transaction. Subsequent calls see nothing until a
// new handoff is written.
func (s *Store) ConsumeHandoff(ctx context.Context, tenantID, projectID string) (HandoffRecord, bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return HandoffRecord{}, false, err
	}
	defer tx.Rollback()

	var rec HandoffRecord
	var rawItems []byte
	err = tx.QueryRowContext(ctx,
		`SELECT id, from_agent, summary, open_items, created_at FROM handoffs
WHERE tenant_id=$1 AND project_id=$2 AND active AND consumed_at IS NULL
FOR UPDATE`,
		tenantID, projectID).Scan(&rec.ID, &rec.FromAgent, &rec.Summary, &rawItems, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return HandoffRecord{}, false, nil
	}
	if err != nil {
		return HandoffRecord{}, false, err
	}
	if len(rawItems) > 0 {
		if err := json.Unmarshal(rawItems, &rec.OpenItems); err != nil {
			return HandoffRecord{}, false, fmt.Errorf("decode open items: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE handoffs SET consumed_at=NOW() WHERE id=$1`, rec.ID); err != nil {
		return HandoffRecord{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return HandoffRecord{}, false, err
	}
	rec.TenantID = tenantID
	rec.ProjectID = projectID
	rec.Active = true
	return rec, true, nil
}

type MessageRecord struct {
	ID        string
	TenantID  string
	FromAgent string
	ToAgent   string
	Content   string
	ReadAt    *time.Time
	CreatedAt time.Time
}

func (s *Store) SendMessage(ctx context.Context, rec MessageRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO messages (id, tenant_id, from_agent, to_agent, content) VALUES ($1,$2,$3,$4,$5)`,
		rec.ID, rec.TenantID, rec.FromAgent, rec.ToAgent, rec.Content)
	return rec.ID, err
}

// UnreadMessageCount counts the agent's unread inbox without loading
// message bodies.
func (s *Store) UnreadMessageCount(ctx context.Context, tenantID, toAgent string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE tenant_id=$1 AND to_agent=$2 AND read_at IS NULL`,
		tenantID, toAgent).Scan(&n)
	return n, err
}

func (s *Store) MarkMessagesRead(ctx context.Context, tenantID, toAgent string) (int, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE messages SET read_at=NOW() WHERE tenant_id=$1 AND to_agent=$2 AND read_at IS NULL`,
		tenantID, toAgent)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
