// Package chromem adapts chromem-go, a pure Go embedded vector database,
// to the vector.Index port. Each tenant gets its own collection so
// similarity search can never cross the tenant boundary.
package chromem

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/mohammad-safakhou/memgraph/internal/vector"
)

type Store struct {
	db          *chromem.DB
	embed       chromem.EmbeddingFunc
	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// New creates an in-memory chromem store. embed may be nil, in which case
// chromem's default embedding function (OpenAI, via env) is used.
func New(embed chromem.EmbeddingFunc) *Store {
	return &Store{db: chromem.NewDB(), embed: embed, collections: make(map[string]*chromem.Collection)}
}

// NewPersistent creates a chromem store backed by a directory on disk.
func NewPersistent(path string, embed chromem.EmbeddingFunc) (*Store, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("open chromem db: %w", err)
	}
	return &Store{db: db, embed: embed, collections: make(map[string]*chromem.Collection)}, nil
}

func (s *Store) collection(tenantID string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[tenantID]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[tenantID]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection("tenant_"+tenantID, nil, s.embed)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.collections[tenantID] = col
	return col, nil
}

func (s *Store) Store(ctx context.Context, rec vector.Record) error {
	col, err := s.collection(rec.TenantID)
	if err != nil {
		return err
	}
	meta := map[string]string{"entity_name": rec.EntityName}
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	doc := chromem.Document{ID: rec.ID, Content: rec.Content, Metadata: meta}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

func (s *Store) Search(ctx context.Context, tenantID, query string, topK int) ([]vector.Result, error) {
	col, err := s.collection(tenantID)
	if err != nil {
		return nil, err
	}
	// chromem rejects nResults larger than the collection.
	if n := col.Count(); topK > n {
		topK = n
	}
	if topK == 0 {
		return nil, nil
	}
	hits, err := col.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	out := make([]vector.Result, 0, len(hits))
	for _, hit := range hits {
		out = append(out, vector.Result{
			ID:         hit.ID,
			Content:    hit.Content,
			Similarity: hit.Similarity,
			Metadata:   hit.Metadata,
		})
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, tenantID, id string) error {
	col, err := s.collection(tenantID)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}
