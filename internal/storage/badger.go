package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"scrapesched/internal/model"
	logx "scrapesched/pkg/logx"
)

type badgerStore struct {
	db        *badgerhold.Store
	log       logx.Logger
	retention Retention

	mu sync.Mutex
}

// settingsRecord is keyed by settingsKey; badgerhold namespaces keys per type.
type settingsRecord struct {
	Config    model.ScraperConfig
	UpdatedAt time.Time
}

func openBadger(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for badger driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create badger dir: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil // badger's own logger is noisy; errors surface through returns

	db, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	log.Debug("badger store opened", logx.String("dir", dir))
	return &badgerStore{db: db, log: log, retention: cfg.Retention}, nil
}

func (s *badgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *badgerStore) Append(ctx context.Context, e model.Execution) error {
	if e.ID == "" {
		return errors.New("execution id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Insert(e.ID, e.Clone()); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("execution %s already exists", e.ID)
		}
		return err
	}
	if err := s.pruneLocked(); err != nil {
		s.log.Warn("execution retention failed", logx.Err(err))
	}
	return nil
}

func (s *badgerStore) Update(ctx context.Context, id string, p model.ExecutionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var e model.Execution
	if err := s.db.Get(id, &e); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("%w: %s", model.ErrNotFound, id)
		}
		return err
	}
	if e.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", model.ErrImmutable, id, e.Status)
	}
	p.Apply(&e)
	return s.db.Update(id, e)
}

func (s *badgerStore) Get(ctx context.Context, id string) (model.Execution, error) {
	var e model.Execution
	if err := s.db.Get(id, &e); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return model.Execution{}, fmt.Errorf("%w: %s", model.ErrNotFound, id)
		}
		return model.Execution{}, err
	}
	return e, nil
}

func (s *badgerStore) Recent(ctx context.Context, n int) ([]model.Execution, error) {
	query := badgerhold.Where("ID").Ne("").SortBy("StartTime", "ID").Reverse()
	if n > 0 {
		query = query.Limit(n)
	}
	var list []model.Execution
	if err := s.db.Find(&list, query); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *badgerStore) LoadSettings(ctx context.Context) (model.ScraperConfig, bool, error) {
	var rec settingsRecord
	err := s.db.Get(settingsKey, &rec)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return model.ScraperConfig{}, false, nil
	}
	if err != nil {
		return model.ScraperConfig{}, false, err
	}
	return rec.Config, true, nil
}

func (s *badgerStore) SaveSettings(ctx context.Context, cfg model.ScraperConfig) error {
	return s.db.Upsert(settingsKey, settingsRecord{Config: cfg, UpdatedAt: time.Now()})
}

func (s *badgerStore) pruneLocked() error {
	if !s.retention.Enabled() {
		return nil
	}
	var all []model.Execution
	if err := s.db.Find(&all, badgerhold.Where("ID").Ne("")); err != nil {
		return err
	}
	sortRecent(all)
	for _, id := range expired(all, s.retention, time.Now()) {
		if err := s.db.Delete(id, &model.Execution{}); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
			return err
		}
	}
	return nil
}
