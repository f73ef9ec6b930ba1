package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/animus-labs/hydraqueue/internal/keypath"
)

// MemoryStore keeps collections in process memory.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]*MemoryCollection
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*MemoryCollection)}
}

func (s *MemoryStore) Collection(_ context.Context, name string) (Collection, error) {
	return s.MemoryCollection(name)
}

// MemoryCollection returns the concrete collection, creating it on first use.
func (s *MemoryStore) MemoryCollection(name string) (*MemoryCollection, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("collection name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		c = &MemoryCollection{name: name, indexes: make(map[string]bool)}
		s.collections[name] = c
	}
	return c, nil
}

type MemoryCollection struct {
	mu      sync.Mutex
	name    string
	docs    []Document
	indexes map[string]bool
}

func (c *MemoryCollection) Name() string {
	return c.name
}

func (c *MemoryCollection) FindOne(_ context.Context, filter Filter) (Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, doc := range c.docs {
		if Match(doc, filter) {
			return keypath.DeepCopy(doc).(Document), nil
		}
	}
	return nil, ErrNotFound
}

func (c *MemoryCollection) UpdateOne(_ context.Context, filter Filter, set map[string]any) (UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, doc := range c.docs {
		if !Match(doc, filter) {
			continue
		}
		changed, err := ApplySet(doc, set)
		if err != nil {
			return UpdateResult{MatchedCount: 1}, err
		}
		if changed {
			return UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
		}
		return UpdateResult{MatchedCount: 1}, nil
	}
	return UpdateResult{}, nil
}

func (c *MemoryCollection) InsertMany(_ context.Context, docs []Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, doc := range docs {
		id, ok := Int64(doc["_id"])
		if !ok {
			return fmt.Errorf("document %d: integer _id is required", i)
		}
		for _, existing := range c.docs {
			if existingID, _ := Int64(existing["_id"]); existingID == id {
				return fmt.Errorf("%w: document %d has _id %d", ErrDuplicateID, i, id)
			}
		}
	}
	for _, doc := range docs {
		c.docs = append(c.docs, keypath.DeepCopy(doc).(Document))
	}
	return nil
}

func (c *MemoryCollection) CreateIndex(_ context.Context, field string) error {
	if strings.TrimSpace(field) == "" {
		return errors.New("index field is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexes[field] = true
	return nil
}

// Indexed reports whether CreateIndex was called for field.
func (c *MemoryCollection) Indexed(field string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indexes[field]
}

func (c *MemoryCollection) MaxValue(_ context.Context, field string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var (
		best  int64
		found bool
	)
	for _, doc := range c.docs {
		raw, ok := keypath.Get(doc, field, keypath.DefaultSeparator)
		if !ok {
			continue
		}
		v, ok := Int64(raw)
		if !ok {
			continue
		}
		if !found || v > best {
			best, found = v, true
		}
	}
	return best, found, nil
}

// All returns copies of every document in insertion order.
func (c *MemoryCollection) All() []Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Document, 0, len(c.docs))
	for _, doc := range c.docs {
		out = append(out, keypath.DeepCopy(doc).(Document))
	}
	return out
}
