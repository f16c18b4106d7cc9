package model

import (
	"slices"
	"time"
)

type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Trigger names what started an execution.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerCLI      Trigger = "cli"
)

// ErrorDetail is the diagnostic record of one unit that exhausted its attempts.
type ErrorDetail struct {
	UnitID   string    `json:"unit_id"`
	UnitName string    `json:"unit_name,omitempty"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

// Execution is one run of the scrape job.
type Execution struct {
	ID      string          `json:"execution_id"`
	Status  ExecutionStatus `json:"status"`
	Trigger Trigger         `json:"trigger,omitempty"`

	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`

	UnitsTotal         int `json:"units_total"`
	TotalSearches      int `json:"total_searches"`
	SuccessfulSearches int `json:"successful_searches"`
	TotalProperties    int `json:"total_properties"`
	PropertiesSaved    int `json:"properties_saved"`

	ErrorMessage string        `json:"error_message,omitempty"`
	ErrorDetails []ErrorDetail `json:"error_details,omitempty"`
	LogReference string        `json:"log_reference,omitempty"`

	// Config is the settings snapshot the run was started with.
	Config *ScraperConfig `json:"config,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (e Execution) Clone() Execution {
	cp := e
	if e.EndTime != nil {
		t := *e.EndTime
		cp.EndTime = &t
	}
	if e.Config != nil {
		c := *e.Config
		cp.Config = &c
	}
	cp.ErrorDetails = slices.Clone(e.ErrorDetails)
	return cp
}

// Summary drops the bulky fields for list views.
func (e Execution) Summary() Execution {
	cp := e.Clone()
	cp.ErrorDetails = nil
	cp.Config = nil
	return cp
}

// Duration is the wall time of the run; zero while it is still active.
func (e Execution) Duration() time.Duration {
	if e.EndTime == nil {
		return 0
	}
	return e.EndTime.Sub(e.StartTime)
}

// ExecutionPatch carries the fields of a LogStore update. Nil fields are unchanged;
// a non-nil ErrorDetails replaces the stored list.
type ExecutionPatch struct {
	Status             *ExecutionStatus `json:"status,omitempty"`
	EndTime            *time.Time       `json:"end_time,omitempty"`
	TotalSearches      *int             `json:"total_searches,omitempty"`
	SuccessfulSearches *int             `json:"successful_searches,omitempty"`
	TotalProperties    *int             `json:"total_properties,omitempty"`
	PropertiesSaved    *int             `json:"properties_saved,omitempty"`
	ErrorMessage       *string          `json:"error_message,omitempty"`
	ErrorDetails       []ErrorDetail    `json:"error_details,omitempty"`
	LogReference       *string          `json:"log_reference,omitempty"`
}

// PatchOf builds a patch carrying every mutable field of e.
func PatchOf(e Execution) ExecutionPatch {
	st := e.Status
	p := ExecutionPatch{
		Status:             &st,
		TotalSearches:      ptr(e.TotalSearches),
		SuccessfulSearches: ptr(e.SuccessfulSearches),
		TotalProperties:    ptr(e.TotalProperties),
		PropertiesSaved:    ptr(e.PropertiesSaved),
		ErrorMessage:       ptr(e.ErrorMessage),
		LogReference:       ptr(e.LogReference),
	}
	if e.EndTime != nil {
		t := *e.EndTime
		p.EndTime = &t
	}
	if e.ErrorDetails != nil {
		p.ErrorDetails = slices.Clone(e.ErrorDetails)
	}
	return p
}

func (p ExecutionPatch) Apply(e *Execution) {
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.EndTime != nil {
		t := *p.EndTime
		e.EndTime = &t
	}
	if p.TotalSearches != nil {
		e.TotalSearches = *p.TotalSearches
	}
	if p.SuccessfulSearches != nil {
		e.SuccessfulSearches = *p.SuccessfulSearches
	}
	if p.TotalProperties != nil {
		e.TotalProperties = *p.TotalProperties
	}
	if p.PropertiesSaved != nil {
		e.PropertiesSaved = *p.PropertiesSaved
	}
	if p.ErrorMessage != nil {
		e.ErrorMessage = *p.ErrorMessage
	}
	if p.ErrorDetails != nil {
		e.ErrorDetails = slices.Clone(p.ErrorDetails)
	}
	if p.LogReference != nil {
		e.LogReference = *p.LogReference
	}
}

func ptr[T any](v T) *T { return &v }
