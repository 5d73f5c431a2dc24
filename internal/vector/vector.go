// Package vector defines the port to the external vector-similarity index.
// Every call is best-effort: the engine treats failures as degradation,
// never as fatal errors.
package vector

import "context"

// Record is one graph row mirrored into the index.
type Record struct {
	ID         string
	TenantID   string
	EntityName string
	Content    string
	Metadata   map[string]string
}

// Result is one similarity hit.
type Result struct {
	ID         string
	Content    string
	Similarity float32
	Metadata   map[string]string
}

// Index is the vector-index collaborator. Implementations must respect the
// context deadline; callers wrap every invocation with a bounded timeout.
type Index interface {
	Store(ctx context.Context, rec Record) error
	Search(ctx context.Context, tenantID, query string, topK int) ([]Result, error)
	Delete(ctx context.Context, tenantID, id string) error
}
