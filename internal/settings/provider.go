// Package settings owns the persisted scraper settings.
package settings

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"scrapesched/internal/eventbus"
	"scrapesched/internal/model"
	"scrapesched/internal/task/scheduler"
	logx "scrapesched/pkg/logx"
)

// Persister is the slice of storage the provider needs.
type Persister interface {
	LoadSettings(ctx context.Context) (model.ScraperConfig, bool, error)
	SaveSettings(ctx context.Context, cfg model.ScraperConfig) error
}

// Provider serves the current settings lock-free and serializes updates.
type Provider struct {
	mu       sync.Mutex // serializes Update
	cur      atomic.Pointer[model.ScraperConfig]
	store    Persister
	validate *validator.Validate
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time
}

type Option func(*Provider)

func WithLogger(log logx.Logger) Option { return func(p *Provider) { p.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(p *Provider) { p.bus = bus } }

// New loads the persisted settings, falling back to seed (which is then
// persisted) when nothing valid was stored yet.
func New(ctx context.Context, store Persister, seed model.ScraperConfig, opts ...Option) (*Provider, error) {
	p := &Provider{store: store, validate: newValidator(), now: time.Now}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	if err := p.Validate(seed); err != nil {
		return nil, fmt.Errorf("scraper defaults: %w", err)
	}

	if store != nil {
		saved, ok, err := store.LoadSettings(ctx)
		if err != nil {
			return nil, fmt.Errorf("load scraper settings: %w", err)
		}
		if ok {
			err := p.Validate(saved)
			if err == nil {
				p.cur.Store(&saved)
				return p, nil
			}
			p.log.Warn("persisted scraper settings invalid; using defaults", logx.Err(err))
		}
		seed.UpdatedAt = p.now()
		if err := store.SaveSettings(ctx, seed); err != nil {
			return nil, fmt.Errorf("save scraper settings: %w", err)
		}
	}
	p.cur.Store(&seed)
	return p, nil
}

// Get returns a copy of the current settings.
func (p *Provider) Get() model.ScraperConfig {
	return *p.cur.Load()
}

// Update applies upd atomically. A validation failure returns *model.ConfigError
// and leaves the settings unchanged.
func (p *Provider) Update(ctx context.Context, upd model.ConfigUpdate) (model.ScraperConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.Get()
	if upd.IsEmpty() {
		return prev, nil
	}
	next := upd.Apply(prev)
	if err := p.Validate(next); err != nil {
		return prev, err
	}
	next.UpdatedAt = p.now()
	if p.store != nil {
		if err := p.store.SaveSettings(ctx, next); err != nil {
			return prev, fmt.Errorf("save scraper settings: %w", err)
		}
	}
	p.cur.Store(&next)

	p.log.Info("scraper settings updated",
		logx.Bool("enabled", next.Enabled),
		logx.Int("interval_minutes", next.IntervalMinutes),
		logx.Int("timeout_minutes", next.TimeoutMinutes),
		logx.Int("max_workers", next.MaxWorkers),
		logx.Int("retry_attempts", next.RetryAttempts),
		logx.String("schedule", next.Schedule),
	)
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.ConfigUpdated, Data: next})
	}
	return next, nil
}

// Validate checks the bounds of cfg.
func (p *Provider) Validate(cfg model.ScraperConfig) error {
	err := p.validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if errors.As(err, &ves) && len(ves) > 0 {
		return configError(ves[0])
	}
	return &model.ConfigError{Msg: err.Error()}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON names so errors match the API fields.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("schedule", func(fl validator.FieldLevel) bool {
		_, err := scheduler.ParseSchedule(fl.Field().String(), time.Local)
		return err == nil
	})
	return v
}

func configError(fe validator.FieldError) *model.ConfigError {
	ce := &model.ConfigError{Field: fe.Field(), Rule: fe.Tag(), Value: fmt.Sprint(fe.Value())}
	switch fe.Tag() {
	case "min":
		ce.Msg = fmt.Sprintf("must be >= %s (got %v)", fe.Param(), fe.Value())
	case "max":
		ce.Msg = fmt.Sprintf("must be <= %s (got %v)", fe.Param(), fe.Value())
	case "schedule":
		ce.Msg = fmt.Sprintf("invalid schedule %q", fe.Value())
	default:
		ce.Msg = fmt.Sprintf("failed %q validation", fe.Tag())
	}
	return ce
}
