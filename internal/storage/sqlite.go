package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"scrapesched/internal/model"
	logx "scrapesched/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const settingsKey = "scraper"

type sqliteStore struct {
	db        *sql.DB
	log       logx.Logger
	retention Retention

	// Serializes read-modify-write updates.
	mu sync.Mutex
}

const executionColumns = `id, status, trigger_kind, start_time, end_time, units_total,
	total_searches, successful_searches, total_properties, properties_saved,
	error_message, error_details, log_reference, config`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, retention: cfg.Retention}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Append(ctx context.Context, e model.Execution) error {
	if e.ID == "" {
		return errors.New("execution id required")
	}
	details, cfg, err := encodeBlobs(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions(`+executionColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, string(e.Status), string(e.Trigger), e.StartTime.UnixNano(), nullTime(e.EndTime), e.UnitsTotal,
		e.TotalSearches, e.SuccessfulSearches, e.TotalProperties, e.PropertiesSaved,
		nullStr(e.ErrorMessage), details, nullStr(e.LogReference), cfg,
	)
	if err != nil {
		return err
	}
	if err := s.pruneLocked(ctx); err != nil {
		s.log.Warn("execution retention failed", logx.Err(err))
	}
	return nil
}

func (s *sqliteStore) Update(ctx context.Context, id string, p model.ExecutionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	e, err := scanExecution(tx.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if err != nil {
		return err
	}
	if e.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", model.ErrImmutable, id, e.Status)
	}
	p.Apply(&e)
	details, _, err := encodeBlobs(e)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE executions SET status=?, end_time=?, total_searches=?, successful_searches=?,
		 total_properties=?, properties_saved=?, error_message=?, error_details=?, log_reference=?
		 WHERE id = ?`,
		string(e.Status), nullTime(e.EndTime), e.TotalSearches, e.SuccessfulSearches,
		e.TotalProperties, e.PropertiesSaved, nullStr(e.ErrorMessage), details, nullStr(e.LogReference), id,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Get(ctx context.Context, id string) (model.Execution, error) {
	return scanExecution(s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
}

func (s *sqliteStore) Recent(ctx context.Context, n int) ([]model.Execution, error) {
	if n <= 0 {
		n = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions ORDER BY start_time DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LoadSettings(ctx context.Context) (model.ScraperConfig, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, settingsKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScraperConfig{}, false, nil
	}
	if err != nil {
		return model.ScraperConfig{}, false, err
	}
	var cfg model.ScraperConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return model.ScraperConfig{}, false, err
	}
	return cfg, true, nil
}

func (s *sqliteStore) SaveSettings(ctx context.Context, cfg model.ScraperConfig) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		settingsKey, string(b), time.Now().UnixNano(),
	)
	return err
}

func (s *sqliteStore) pruneLocked(ctx context.Context) error {
	const terminal = `status IN ('completed','failed','cancelled')`
	if s.retention.MaxAge > 0 {
		cutoff := time.Now().Add(-s.retention.MaxAge).UnixNano()
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM executions WHERE `+terminal+` AND start_time < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.retention.MaxCount > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM executions WHERE `+terminal+` AND id IN (
				SELECT id FROM executions ORDER BY start_time DESC, id DESC LIMIT -1 OFFSET ?)`,
			s.retention.MaxCount); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(r rowScanner) (model.Execution, error) {
	var (
		e                               model.Execution
		status, trigger                 string
		start                           int64
		end                             sql.NullInt64
		errMsg, details, logRef, cfgRaw sql.NullString
	)
	err := r.Scan(&e.ID, &status, &trigger, &start, &end, &e.UnitsTotal,
		&e.TotalSearches, &e.SuccessfulSearches, &e.TotalProperties, &e.PropertiesSaved,
		&errMsg, &details, &logRef, &cfgRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Execution{}, model.ErrNotFound
	}
	if err != nil {
		return model.Execution{}, err
	}
	e.Status = model.ExecutionStatus(status)
	e.Trigger = model.Trigger(trigger)
	e.StartTime = time.Unix(0, start)
	if end.Valid {
		t := time.Unix(0, end.Int64)
		e.EndTime = &t
	}
	e.ErrorMessage = errMsg.String
	e.LogReference = logRef.String
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &e.ErrorDetails); err != nil {
			return model.Execution{}, fmt.Errorf("decode error_details of %s: %w", e.ID, err)
		}
	}
	if cfgRaw.Valid && cfgRaw.String != "" {
		var c model.ScraperConfig
		if err := json.Unmarshal([]byte(cfgRaw.String), &c); err != nil {
			return model.Execution{}, fmt.Errorf("decode config of %s: %w", e.ID, err)
		}
		e.Config = &c
	}
	return e, nil
}

func encodeBlobs(e model.Execution) (details, cfg any, err error) {
	if len(e.ErrorDetails) > 0 {
		b, err := json.Marshal(e.ErrorDetails)
		if err != nil {
			return nil, nil, err
		}
		details = string(b)
	}
	if e.Config != nil {
		b, err := json.Marshal(e.Config)
		if err != nil {
			return nil, nil, err
		}
		cfg = string(b)
	}
	return details, cfg, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
