package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound reports that a referenced record does not exist in the tenant.
var ErrNotFound = errors.New("record not found")

type EntityRecord struct {
	ID               string
	TenantID         string
	Name             string
	EntityType       string
	ObservationCount int
	CreatedBy        string
	CreatedAt        time.Time
}

type ObservationRecord struct {
	ID          string
	TenantID    string
	EntityName  string
	Contents    []string
	MessageType string
	Sensitive   bool
	CreatedBy   string
	CreatedAt   time.Time
}

type RelationRecord struct {
	ID           string
	TenantID     string
	From         string
	To           string
	RelationType string
	CreatedBy    string
	CreatedAt    time.Time
}

// PageKey is the keyset cursor position: rows strictly after
// (created_at, id) in ascending order belong to the next page.
type PageKey struct {
	CreatedAt time.Time
	ID        string
}

// UpsertEntity creates the entity unless one with the same name already
// exists in the tenant, in which case the existing row wins. Name
// uniqueness is an application-boundary invariant, not a database
// constraint; see the schema notes.
func (s *Store) UpsertEntity(ctx context.Context, tenantID, name, entityType, createdBy string) (EntityRecord, bool, error) {
	var existing EntityRecord
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, entity_name, entity_type, created_by, created_at FROM memory_records
WHERE tenant_id=$1 AND record_type='entity' AND entity_name=$2`,
		tenantID, name).Scan(&existing.ID, &existing.Name, &existing.EntityType, &existing.CreatedBy, &existing.CreatedAt)
	if err == nil {
		existing.TenantID = tenantID
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return EntityRecord{}, false, err
	}
	rec := EntityRecord{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Name:       name,
		EntityType: entityType,
		CreatedBy:  createdBy,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO memory_records (id, tenant_id, record_type, entity_name, entity_type, created_by, created_at)
VALUES ($1,$2,'entity',$3,$4,$5,$6)`,
		rec.ID, rec.TenantID, rec.Name, rec.EntityType, rec.CreatedBy, rec.CreatedAt)
	if err != nil {
		return EntityRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Store) GetEntity(ctx context.Context, tenantID, name string) (EntityRecord, bool, error) {
	var rec EntityRecord
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, entity_name, entity_type, created_by, created_at FROM memory_records
WHERE tenant_id=$1 AND record_type='entity' AND entity_name=$2`,
		tenantID, name).Scan(&rec.ID, &rec.Name, &rec.EntityType, &rec.CreatedBy, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return EntityRecord{}, false, nil
	}
	if err != nil {
		return EntityRecord{}, false, err
	}
	rec.TenantID = tenantID
	return rec, true, nil
}

func (s *Store) GetObservation(ctx context.Context, tenantID, id string) (ObservationRecord, bool, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, entity_name, contents, message_type, sensitive, created_by, created_at FROM memory_records
WHERE tenant_id=$1 AND record_type='observation' AND id=$2`,
		tenantID, id)
	if err != nil {
		return ObservationRecord{}, false, err
	}
	defer rows.Close()
	recs, err := scanObservations(rows, tenantID)
	if err != nil {
		return ObservationRecord{}, false, err
	}
	if len(recs) == 0 {
		return ObservationRecord{}, false, nil
	}
	return recs[0], true, nil
}

func (s *Store) AddObservation(ctx context.Context, rec ObservationRecord) (ObservationRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	contents, err := json.Marshal(rec.Contents)
	if err != nil {
		return ObservationRecord{}, fmt.Errorf("marshal contents: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO memory_records (id, tenant_id, record_type, entity_name, contents, message_type, sensitive, created_by, created_at)
VALUES ($1,$2,'observation',$3,$4,$5,$6,$7,$8)`,
		rec.ID, rec.TenantID, rec.EntityName, contents, nullIfEmpty(rec.MessageType), rec.Sensitive, rec.CreatedBy, rec.CreatedAt)
	if err != nil {
		return ObservationRecord{}, err
	}
	return rec, nil
}

func (s *Store) CreateRelation(ctx context.Context, rec RelationRecord) (RelationRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO memory_records (id, tenant_id, record_type, from_entity, to_entity, relation_type, created_by, created_at)
VALUES ($1,$2,'relation',$3,$4,$5,$6,$7)`,
		rec.ID, rec.TenantID, rec.From, rec.To, rec.RelationType, rec.CreatedBy, rec.CreatedAt)
	if err != nil {
		return RelationRecord{}, err
	}
	return rec, nil
}

// ListEntitiesPage returns one keyset page of entities in creation order,
// ties broken by id. Pages never overlap and never skip rows.
func (s *Store) ListEntitiesPage(ctx context.Context, tenantID string, after *PageKey, limit int) ([]EntityRecord, error) {
	query := `SELECT e.id, e.entity_name, e.entity_type, e.created_by, e.created_at,
(SELECT COUNT(*) FROM memory_records o WHERE o.tenant_id=e.tenant_id AND o.record_type='observation' AND o.entity_name=e.entity_name) AS observation_count
FROM memory_records e
WHERE e.tenant_id=$1 AND e.record_type='entity'`
	args := []interface{}{tenantID}
	if after != nil {
		query += ` AND (e.created_at, e.id) > ($2, $3)`
		args = append(args, after.CreatedAt, after.ID)
	}
	query += fmt.Sprintf(` ORDER BY e.created_at, e.id LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EntityRecord
	for rows.Next() {
		var rec EntityRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.EntityType, &rec.CreatedBy, &rec.CreatedAt, &rec.ObservationCount); err != nil {
			return nil, err
		}
		rec.TenantID = tenantID
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListRelationsFrom returns relations originating from any of the named
// entities. The export engine pages entities and attaches each relation to
// the page that carries its source node, so concatenated pages list every
// relation exactly once.
func (s *Store) ListRelationsFrom(ctx context.Context, tenantID string, fromNames []string) ([]RelationRecord, error) {
	if len(fromNames) == 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, from_entity, to_entity, relation_type, created_by, created_at FROM memory_records
WHERE tenant_id=$1 AND record_type='relation' AND from_entity = ANY($2)
ORDER BY created_at, id`,
		tenantID, pq.Array(fromNames))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RelationRecord
	for rows.Next() {
		var rec RelationRecord
		if err := rows.Scan(&rec.ID, &rec.From, &rec.To, &rec.RelationType, &rec.CreatedBy, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.TenantID = tenantID
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListObservationsPage returns one keyset page of observations, optionally
// scoped to a single entity name.
func (s *Store) ListObservationsPage(ctx context.Context, tenantID, entityName string, after *PageKey, limit int) ([]ObservationRecord, error) {
	query := `SELECT id, entity_name, contents, message_type, sensitive, created_by, created_at FROM memory_records
WHERE tenant_id=$1 AND record_type='observation'`
	args := []interface{}{tenantID}
	if entityName != "" {
		args = append(args, entityName)
		query += fmt.Sprintf(` AND entity_name=$%d`, len(args))
	}
	if after != nil {
		query += fmt.Sprintf(` AND (created_at, id) > ($%d, $%d)`, len(args)+1, len(args)+2)
		args = append(args, after.CreatedAt, after.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanObservations(rows, tenantID)
}

// ListObservationsForEntities returns all observations belonging to the
// named entities, in creation order.
func (s *Store) ListObservationsForEntities(ctx context.Context, tenantID string, names []string) ([]ObservationRecord, error) {
	if len(names) == 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, entity_name, contents, message_type, sensitive, created_by, created_at FROM memory_records
WHERE tenant_id=$1 AND record_type='observation' AND entity_name = ANY($2)
ORDER BY created_at, id`,
		tenantID, pq.Array(names))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanObservations(rows, tenantID)
}

// ListRecentObservations returns up to limit observations for an entity
// created at or after the cutoff, newest first.
func (s *Store) ListRecentObservations(ctx context.Context, tenantID, entityName string, since time.Time, limit int) ([]ObservationRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, entity_name, contents, message_type, sensitive, created_by, created_at FROM memory_records
WHERE tenant_id=$1 AND record_type='observation' AND entity_name=$2 AND created_at >= $3
ORDER BY created_at DESC, id DESC LIMIT $4`,
		tenantID, entityName, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanObservations(rows, tenantID)
}

// ListEntitiesByType returns the tenant's entities of one type, newest first.
func (s *Store) ListEntitiesByType(ctx context.Context, tenantID, entityType string, limit int) ([]EntityRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, entity_name, entity_type, created_by, created_at FROM memory_records
WHERE tenant_id=$1 AND record_type='entity' AND entity_type=$2
ORDER BY created_at DESC, id DESC LIMIT $3`,
		tenantID, entityType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EntityRecord
	for rows.Next() {
		var rec EntityRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.EntityType, &rec.CreatedBy, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.TenantID = tenantID
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListRelatedEntities returns entities the named entity points at.
func (s *Store) ListRelatedEntities(ctx context.Context, tenantID, fromName string) ([]EntityRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT e.id, e.entity_name, e.entity_type, e.created_by, e.created_at FROM memory_records e
WHERE e.tenant_id=$1 AND e.record_type='entity' AND e.entity_name IN
(SELECT r.to_entity FROM memory_records r WHERE r.tenant_id=$1 AND r.record_type='relation' AND r.from_entity=$2)
ORDER BY e.created_at, e.id`,
		tenantID, fromName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EntityRecord
	for rows.Next() {
		var rec EntityRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.EntityType, &rec.CreatedBy, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.TenantID = tenantID
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GraphTotals are the tenant-wide row counts reported by full-mode exports.
type GraphTotals struct {
	Entities     int
	Relations    int
	Observations int
}

func (s *Store) CountGraph(ctx context.Context, tenantID string) (GraphTotals, error) {
	var t GraphTotals
	err := s.DB.QueryRowContext(ctx,
		`SELECT
COUNT(*) FILTER (WHERE record_type='entity'),
COUNT(*) FILTER (WHERE record_type='relation'),
COUNT(*) FILTER (WHERE record_type='observation')
FROM memory_records WHERE tenant_id=$1`,
		tenantID).Scan(&t.Entities, &t.Relations, &t.Observations)
	return t, err
}

// DeleteCounts reports the exact rows removed (or that would be removed,
// under dry run) by a cascading delete.
type DeleteCounts struct {
	Entities     int
	Observations int
	Relations    int
	RemovedIDs   []string
}

// DeleteEntityCascade removes the entity plus its observations and
// relations in one transaction. With dryRun the same counts are computed
// and the transaction is rolled back without deleting anything.
func (s *Store) DeleteEntityCascade(ctx context.Context, tenantID, name string, dryRun bool) (DeleteCounts, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return DeleteCounts{}, err
	}
	defer tx.Rollback()

	var counts DeleteCounts
	var entityID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM memory_records WHERE tenant_id=$1 AND record_type='entity' AND entity_name=$2`,
		tenantID, name).Scan(&entityID)
	if err == sql.ErrNoRows {
		return DeleteCounts{}, ErrNotFound
	}
	if err != nil {
		return DeleteCounts{}, err
	}
	counts.Entities = 1
	counts.RemovedIDs = append(counts.RemovedIDs, entityID)

	obsIDs, err := collectIDs(ctx, tx,
		`SELECT id FROM memory_records WHERE tenant_id=$1 AND record_type='observation' AND entity_name=$2`,
		tenantID, name)
	if err != nil {
		return DeleteCounts{}, err
	}
	counts.Observations = len(obsIDs)
	counts.RemovedIDs = append(counts.RemovedIDs, obsIDs...)

	relIDs, err := collectIDs(ctx, tx,
		`SELECT id FROM memory_records WHERE tenant_id=$1 AND record_type='relation' AND (from_entity=$2 OR to_entity=$2)`,
		tenantID, name)
	if err != nil {
		return DeleteCounts{}, err
	}
	counts.Relations = len(relIDs)
	counts.RemovedIDs = append(counts.RemovedIDs, relIDs...)

	if dryRun {
		return counts, nil
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_records WHERE tenant_id=$1 AND id = ANY($2)`,
		tenantID, pq.Array(counts.RemovedIDs)); err != nil {
		return DeleteCounts{}, err
	}
	if err := tx.Commit(); err != nil {
		return DeleteCounts{}, err
	}
	return counts, nil
}

// RemoveObservations deletes the entity's observation rows whose contents
// include any of the given strings. Matching happens on whole entries.
func (s *Store) RemoveObservations(ctx context.Context, tenantID, entityName string, contents []string, dryRun bool) (int, []string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, err
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM memory_records WHERE tenant_id=$1 AND record_type='entity' AND entity_name=$2)`,
		tenantID, entityName).Scan(&exists); err != nil {
		return 0, nil, err
	}
	if !exists {
		return 0, nil, ErrNotFound
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, contents FROM memory_records WHERE tenant_id=$1 AND record_type='observation' AND entity_name=$2`,
		tenantID, entityName)
	if err != nil {
		return 0, nil, err
	}
	wanted := make(map[string]bool, len(contents))
	for _, c := range contents {
		wanted[c] = true
	}
	var removeIDs []string
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return 0, nil, err
		}
		var entries []string
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &entries); err != nil {
				rows.Close()
				return 0, nil, fmt.Errorf("decode contents for %s: %w", id, err)
			}
		}
		for _, entry := range entries {
			if wanted[entry] {
				removeIDs = append(removeIDs, id)
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, nil, err
	}
	rows.Close()

	if dryRun || len(removeIDs) == 0 {
		return len(removeIDs), removeIDs, nil
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_records WHERE tenant_id=$1 AND id = ANY($2)`,
		tenantID, pq.Array(removeIDs)); err != nil {
		return 0, nil, err
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, err
	}
	return len(removeIDs), removeIDs, nil
}

// UpdateObservation replaces an observation's contents (and optionally its
// message type and sensitive flag). Returns ErrNotFound when the id is not
// an observation in this tenant.
func (s *Store) UpdateObservation(ctx context.Context, tenantID, id string, contents []string, messageType *string, sensitive *bool, dryRun bool) error {
	if dryRun {
		var exists bool
		err := s.DB.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM memory_records WHERE tenant_id=$1 AND record_type='observation' AND id=$2)`,
			tenantID, id).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return nil
	}
	raw, err := json.Marshal(contents)
	if err != nil {
		return fmt.Errorf("marshal contents: %w", err)
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE memory_records SET contents=$3, message_type=COALESCE($4, message_type), sensitive=COALESCE($5, sensitive)
WHERE tenant_id=$1 AND record_type='observation' AND id=$2`,
		tenantID, id, raw, messageType, sensitive)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func collectIDs(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanObservations(rows *sql.Rows, tenantID string) ([]ObservationRecord, error) {
	var out []ObservationRecord
	for rows.Next() {
		var rec ObservationRecord
		var raw []byte
		var messageType sql.NullString
		if err := rows.Scan(&rec.ID, &rec.EntityName, &raw, &messageType, &rec.Sensitive, &rec.CreatedBy, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &rec.Contents); err != nil {
				return nil, fmt.Errorf("decode contents for %s: %w", rec.ID, err)
			}
		}
		rec.MessageType = messageType.String
		rec.TenantID = tenantID
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
