// Package store owns all SQL against the relational database. Every
// multi-tenant query takes an explicit tenant id; there is no code path
// that reads or writes graph rows without one.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Record type discriminators for the memory_records table.
const (
	RecordTypeEntity      = "entity"
	RecordTypeObservation = "observation"
	RecordTypeRelation    = "relation"
)

type Store struct {
	DB *sql.DB
}

func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// Tenant operations

func (s *Store) CreateTenant(ctx context.Context, name string) (string, error) {
	id := uuid.NewString()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO tenants (id, name) VALUES ($1,$2)`, id, name)
	return id, err
}

// User operations

type UserRecord struct {
	ID           string
	TenantID     string
	Email        string
	PasswordHash string
	Roles        []string
	CreatedAt    time.Time
}

func (s *Store) CreateUser(ctx context.Context, tenantID, email, hash string, roles []string) (string, error) {
	id := uuid.NewString()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO users (id, tenant_id, email, password_hash, roles) VALUES ($1,$2,$3,$4,$5)`,
		id, tenantID, email, hash, pq.Array(roles))
	return id, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (UserRecord, error) {
	var u UserRecord
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, tenant_id, email, password_hash, roles, created_at FROM users WHERE email=$1`,
		email).Scan(&u.ID, &u.TenantID, &u.Email, &u.PasswordHash, pq.Array(&u.Roles), &u.CreatedAt)
	return u, err
}

// API key operations

type APIKeyRecord struct {
	ID         string
	TenantID   string
	Name       string
	Prefix     string
	KeyHash    string
	Scopes     []string
	CreatedBy  string
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

func (s *Store) InsertAPIKey(ctx context.Context, rec APIKeyRecord) (APIKeyRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, prefix, key_hash, scopes, created_by) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rec.ID, rec.TenantID, rec.Name, rec.Prefix, rec.KeyHash, pq.Array(rec.Scopes), rec.CreatedBy)
	return rec, err
}

func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) (APIKeyRecord, bool, error) {
	var rec APIKeyRecord
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, prefix, key_hash, scopes, created_at FROM api_keys WHERE prefix=$1`,
		prefix).Scan(&rec.ID, &rec.TenantID, &rec.Name, &rec.Prefix, &rec.KeyHash, pq.Array(&rec.Scopes), &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return APIKeyRecord{}, false, nil
	}
	if err != nil {
		return APIKeyRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE api_keys SET last_used_at=NOW() WHERE id=$1`, id)
	return err
}
