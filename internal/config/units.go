package config

import (
	"context"
	"errors"

	"scrapesched/internal/model"
)

// UnitSource serves the active search units of the committed config. Each
// call reads the latest commit, so hot reloads apply to the next run.
type UnitSource struct {
	m *ConfigManager
}

func NewUnitSource(m *ConfigManager) *UnitSource { return &UnitSource{m: m} }

// ActiveUnits returns the active units in file order.
func (s *UnitSource) ActiveUnits(ctx context.Context) ([]model.SearchUnit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := s.m.Get()
	if cfg == nil {
		return nil, model.Fatal("read search units", errors.New("config not loaded"))
	}
	out := make([]model.SearchUnit, 0, len(cfg.SearchUnits))
	for _, u := range cfg.SearchUnits {
		if u.IsActive() {
			out = append(out, u)
		}
	}
	if len(out) == 0 && cfg.SearchUnitsRequired {
		return nil, model.Fatal("read search units", errors.New("no active search units configured"))
	}
	return out, nil
}
