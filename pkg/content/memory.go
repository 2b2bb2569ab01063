package content

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps statements and settings in process memory. It backs
// the seeded default content and most tests.
type MemoryStore struct {
	mu         sync.RWMutex
	statements map[string]Statement
	order      []string
	settings   Settings
}

// NewMemoryStore creates an empty store carrying DefaultSettings.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		statements: make(map[string]Statement),
		settings:   DefaultSettings(),
	}
}

// Statement returns the statement with the given id.
func (s *MemoryStore) Statement(ctx context.Context, id string) (Statement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statements[id]
	if !ok {
		return Statement{}, notFound(id)
	}
	return st, nil
}

// StatementsByIDs returns statements in request order, skipping missing
// ids with a logged gap.
func (s *MemoryStore) StatementsByIDs(ctx context.Context, ids []string) ([]Statement, error) {
	s.mu.RLock()
	found := make(map[string]Statement, len(ids))
	for _, id := range ids {
		if st, ok := s.statements[id]; ok {
			found[id] = st
		}
	}
	s.mu.RUnlock()
	return orderByIDs(ids, found), nil
}

// StatementsBySet returns a set's statements ordered by Position.
func (s *MemoryStore) StatementsBySet(ctx context.Context, set string) ([]Statement, error) {
	s.mu.RLock()
	out := make([]Statement, 0, len(s.order))
	for _, id := range s.order {
		if st := s.statements[id]; st.Set == set {
			out = append(out, st)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// Sets lists the distinct statement sets, sorted.
func (s *MemoryStore) Sets(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	seen := make(map[string]bool)
	var sets []string
	for _, id := range s.order {
		set := s.statements[id].Set
		if set == "" || seen[set] {
			continue
		}
		seen[set] = true
		sets = append(sets, set)
	}
	s.mu.RUnlock()
	sort.Strings(sets)
	return sets, nil
}

// SaveStatements inserts or replaces statements by id.
func (s *MemoryStore) SaveStatements(ctx context.Context, statements []Statement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range statements {
		if _, exists := s.statements[st.ID]; !exists {
			s.order = append(s.order, st.ID)
		}
		s.statements[st.ID] = st
	}
	return nil
}

// Settings returns the stored session defaults.
func (s *MemoryStore) Settings(ctx context.Context) (Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

// SaveSettings replaces the session defaults.
func (s *MemoryStore) SaveSettings(ctx context.Context, settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
