// Package api exposes the operations HTTP API and a websocket status stream.
package api

import (
	"context"
	"time"

	"scrapesched/internal/eventbus"
	"scrapesched/internal/model"
	"scrapesched/internal/status"
	"scrapesched/internal/task/engine"
	"scrapesched/internal/task/scheduler"
)

// Config controls the HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// StreamInterval is the websocket push period between events. Default 5s.
	StreamInterval time.Duration
}

// Scheduler is the trigger loop surface used by the API.
type Scheduler interface {
	Start(ctx context.Context)
	Stop(ctx context.Context) error
	RunNow(ctx context.Context) (*engine.Run, error)
	Snapshot() scheduler.Snapshot
}

// Canceller stops the active execution.
type Canceller interface {
	Cancel(reason string) error
}

// Deps are the components behind the handlers. Bus is optional; without it
// the status stream only pushes on its interval.
type Deps struct {
	Settings  model.ConfigProvider
	Scheduler Scheduler
	Engine    Canceller
	Store     model.LogStore
	Status    *status.Reporter
	Bus       eventbus.Bus
}

const (
	defaultLimit = 20
	maxLimit     = 500
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	status.Snapshot
	Scheduler scheduler.Snapshot `json:"scheduler"`
}

type errorResponse struct {
	Error       string `json:"error"`
	Field       string `json:"field,omitempty"`
	Rule        string `json:"rule,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
}

type startResponse struct {
	ExecutionID string `json:"execution_id"`
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type schedulerResponse struct {
	SchedulerRunning bool `json:"scheduler_running"`
}
