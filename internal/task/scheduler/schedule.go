package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"scrapesched/internal/model"
)

// Cadence computes the next due time from the end of the previous run.
type Cadence interface {
	Next(lastEnd time.Time) time.Time
	String() string
}

type intervalCadence struct{ every time.Duration }

func (c intervalCadence) Next(lastEnd time.Time) time.Time { return lastEnd.Add(c.every) }
func (c intervalCadence) String() string                   { return "every " + c.every.String() }

type cronCadence struct {
	expr  string
	sched cron.Schedule
	loc   *time.Location
}

func (c cronCadence) Next(lastEnd time.Time) time.Time { return c.sched.Next(lastEnd.In(c.loc)) }
func (c cronCadence) String() string                   { return "cron " + c.expr }

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Bounds on the gap between two runs, matching interval_minutes.
const (
	MinCadence = time.Minute
	MaxCadence = 24 * time.Hour
)

// cronSamples is how many consecutive gaps a cron cadence is checked over.
const cronSamples = 16

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// CadenceOf returns the cadence configured by cfg: Schedule when set,
// IntervalMinutes otherwise.
func CadenceOf(cfg model.ScraperConfig, loc *time.Location) (Cadence, error) {
	if strings.TrimSpace(cfg.Schedule) == "" {
		if cfg.IntervalMinutes <= 0 {
			return nil, fmt.Errorf("interval_minutes must be > 0")
		}
		return intervalCadence{every: cfg.Interval()}, nil
	}
	return ParseSchedule(cfg.Schedule, loc)
}

// ParseSchedule parses a schedule string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes "cron:" and "interval:"/"every:" force the kind.
// Runs must fall between MinCadence and MaxCadence apart.
func ParseSchedule(raw string, loc *time.Location) (Cadence, error) {
	if loc == nil {
		loc = time.Local
	}
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]), loc)
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	}

	// Whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s, loc)
	}
	c, err := parseInterval(s)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')", raw)
	}
	return c, nil
}

func parseCron(expr string, loc *time.Location) (Cadence, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	// January has no DST transitions, so wall-clock gaps are exact.
	at := sched.Next(time.Date(2024, time.January, 1, 0, 0, 0, 0, loc))
	for range cronSamples {
		next := sched.Next(at)
		if next.IsZero() {
			return nil, fmt.Errorf("cron %q never fires", expr)
		}
		if err := checkGap(next.Sub(at)); err != nil {
			return nil, fmt.Errorf("cron %q: %w", expr, err)
		}
		at = next
	}
	return cronCadence{expr: expr, sched: sched, loc: loc}, nil
}

func parseInterval(v string) (Cadence, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return nil, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m')", v)
		}
	}
	if err := checkGap(d); err != nil {
		return nil, err
	}
	return intervalCadence{every: d}, nil
}

func checkGap(d time.Duration) error {
	switch {
	case d < MinCadence:
		return fmt.Errorf("runs %s apart, minimum is %s", d, MinCadence)
	case d > MaxCadence:
		return fmt.Errorf("runs %s apart, maximum is %s", d, MaxCadence)
	}
	return nil
}
