package storage

import (
	"context"
	"sync"
	"time"

	"scrapesched/internal/model"
)

type memStore struct {
	mu        sync.Mutex
	ix        *index
	retention Retention
	settings  *model.ScraperConfig
}

// NewMemory returns a process-local store.
func NewMemory(r Retention) Store {
	return &memStore{ix: newIndex(), retention: r}
}

func (s *memStore) Append(ctx context.Context, e model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ix.insert(e); err != nil {
		return err
	}
	s.ix.remove(expired(s.ix.sorted(), s.retention, time.Now()))
	return nil
}

func (s *memStore) Update(ctx context.Context, id string, p model.ExecutionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.ix.patch(id, p)
	return err
}

func (s *memStore) Get(ctx context.Context, id string) (model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ix.get(id)
}

func (s *memStore) Recent(ctx context.Context, n int) ([]model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ix.recent(n), nil
}

func (s *memStore) LoadSettings(ctx context.Context) (model.ScraperConfig, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		return model.ScraperConfig{}, false, nil
	}
	return *s.settings, true, nil
}

func (s *memStore) SaveSettings(ctx context.Context, cfg model.ScraperConfig) error {
	s.mu.Lock()
	s.settings = &cfg
	s.mu.Unlock()
	return nil
}

func (s *memStore) Close() error { return nil }
