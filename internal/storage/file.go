package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"scrapesched/internal/model"
	logx "scrapesched/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.executions.snapshot.json (periodic snapshot, JSON array)
//   - <prefix>.executions.journal.jsonl (append-only journal of full records)
//   - <prefix>.settings.json            (scraper settings, replaced atomically)
//
// The journal is compacted into the snapshot every compactEvery writes and
// whenever retention drops records.
type fileStore struct {
	log logx.Logger

	mu        sync.Mutex
	ix        *index
	retention Retention

	snapshotPath string
	settingsPath string
	journal      *os.File
	writes       int
}

const compactEvery = 500

// journalRecord is one line of the journal. Deletes are never journaled;
// retention rewrites the snapshot and truncates the journal instead.
type journalRecord struct {
	Op        string           `json:"op"`
	Execution *model.Execution `json:"execution,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".executions.snapshot.json"
	journalPath := prefix + ".executions.journal.jsonl"

	ix := newIndex()
	if err := loadSnapshot(snapPath, ix); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("execution snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, ix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{
		log:          log,
		ix:           ix,
		retention:    cfg.Retention,
		snapshotPath: snapPath,
		settingsPath: prefix + ".settings.json",
		journal:      jf,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) Append(ctx context.Context, e model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("execution journal closed")
	}
	if err := s.ix.insert(e); err != nil {
		return err
	}
	if err := s.writeLocked(journalRecord{Op: "put", Execution: &e}, nil); err != nil {
		s.ix.remove([]string{e.ID})
		return err
	}

	if drop := expired(s.ix.sorted(), s.retention, time.Now()); len(drop) > 0 {
		s.ix.remove(drop)
		if err := s.compactLocked(); err != nil {
			s.log.Warn("execution compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Update(ctx context.Context, id string, p model.ExecutionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("execution journal closed")
	}
	e, err := s.ix.patched(id, p)
	if err != nil {
		return err
	}
	return s.writeLocked(journalRecord{Op: "put", Execution: &e}, func() { s.ix.byID[id] = e })
}

func (s *fileStore) Get(ctx context.Context, id string) (model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ix.get(id)
}

func (s *fileStore) Recent(ctx context.Context, n int) ([]model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ix.recent(n), nil
}

func (s *fileStore) LoadSettings(ctx context.Context) (model.ScraperConfig, bool, error) {
	b, err := os.ReadFile(s.settingsPath)
	if errors.Is(err, os.ErrNotExist) {
		return model.ScraperConfig{}, false, nil
	}
	if err != nil {
		return model.ScraperConfig{}, false, err
	}
	var cfg model.ScraperConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return model.ScraperConfig{}, false, err
	}
	return cfg, true, nil
}

func (s *fileStore) SaveSettings(ctx context.Context, cfg model.ScraperConfig) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.settingsPath, b)
}

// writeLocked appends r to the journal. commit, when set, runs only after the
// write succeeds and before any compaction snapshots the index.
func (s *fileStore) writeLocked(r journalRecord, commit func()) error {
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	if commit != nil {
		commit()
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("execution compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	b, err := json.Marshal(s.ix.sorted())
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.snapshotPath, b); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadSnapshot(path string, ix *index) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var list []model.Execution
	if err := json.NewDecoder(f).Decode(&list); err != nil {
		return err
	}
	for _, e := range list {
		ix.byID[e.ID] = e
	}
	return nil
}

func replayJournal(path string, ix *index) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Torn tail from a crash mid-write.
			continue
		}
		if r.Op == "put" && r.Execution != nil && r.Execution.ID != "" {
			ix.byID[r.Execution.ID] = *r.Execution
		}
	}
	return sc.Err()
}
