// Package schedule parses and evaluates the timing rules of recurring
// instructions. Rules are stored as JSON: {"kind":"cron","cron_expr":...},
// {"kind":"interval","interval_ms":...} or {"kind":"once","at_ms":...}.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/mtzanidakis/taskwave/internal/config"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

type Schedule struct {
	Kind       string `json:"kind"`                  // "cron", "interval", "once"
	CronExpr   string `json:"cron_expr,omitempty"`   // Cron expression (if kind=cron)
	IntervalMs int64  `json:"interval_ms,omitempty"` // Interval in ms (if kind=interval)
	AtMs       int64  `json:"at_ms,omitempty"`       // Unix ms timestamp (if kind=once)
}

func ParseSchedule(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the fields required by the schedule's kind.
func (s *Schedule) Validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("invalid cron expression: %s", s.CronExpr)
		}
	case KindInterval:
		if s.IntervalMs <= 0 {
			return fmt.Errorf("interval_ms must be positive")
		}
	case KindOnce:
		if s.AtMs <= 0 {
			return fmt.Errorf("at_ms must be positive")
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
	return nil
}

// Next returns the first run strictly after ref. A once schedule in the past
// has no next run.
func (s *Schedule) Next(ref time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindCron:
		next, err := gronx.NextTickAfter(s.CronExpr, ref, false)
		if err != nil {
			return time.Time{}, false
		}
		return next, true
	case KindInterval:
		if s.IntervalMs <= 0 {
			return time.Time{}, false
		}
		return ref.Add(time.Duration(s.IntervalMs) * time.Millisecond), true
	case KindOnce:
		t := time.UnixMilli(s.AtMs)
		if t.After(ref) {
			return t, true
		}
	}
	return time.Time{}, false
}

// CalculateNextRun returns the next run after now, or nil when there is none.
func CalculateNextRun(scheduleJSON string) *time.Time {
	s, err := ParseSchedule(scheduleJSON)
	if err != nil {
		return nil
	}
	next, ok := s.Next(time.Now())
	if !ok {
		return nil
	}
	return &next
}

// FormatSchedule returns a human-readable description of a schedule JSON string.
func FormatSchedule(scheduleJSON string) string {
	s, err := ParseSchedule(scheduleJSON)
	if err != nil {
		return scheduleJSON
	}

	switch s.Kind {
	case KindCron:
		return s.CronExpr
	case KindInterval:
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", h)
		case d%time.Minute == 0 && d >= time.Minute:
			m := int(d.Minutes())
			if m == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", m)
		default:
			return fmt.Sprintf("Every %d seconds", int(d.Seconds()))
		}
	case KindOnce:
		return "Once at " + time.UnixMilli(s.AtMs).Format("Jan 2 15:04")
	default:
		return scheduleJSON
	}
}

// NormalizeSchedule accepts a JSON schedule or a plain cron expression and
// returns validated JSON.
func NormalizeSchedule(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		if err := s.Validate(); err != nil {
			return "", err
		}
		return raw, nil
	}

	s = Schedule{Kind: KindCron, CronExpr: raw}
	if err := s.Validate(); err != nil {
		return "", fmt.Errorf("invalid schedule: not valid JSON or cron expression: %s", raw)
	}
	return encode(s)
}

// FromDefinition converts a config schedule entry into schedule JSON.
func FromDefinition(def config.ScheduleDefinition) (string, error) {
	switch {
	case def.Cron != "":
		return NormalizeSchedule(def.Cron)
	case def.Interval != "":
		d, err := time.ParseDuration(def.Interval)
		if err != nil {
			return "", fmt.Errorf("schedule %s: parse interval: %w", def.Name, err)
		}
		s := Schedule{Kind: KindInterval, IntervalMs: d.Milliseconds()}
		if err := s.Validate(); err != nil {
			return "", fmt.Errorf("schedule %s: %w", def.Name, err)
		}
		return encode(s)
	default:
		return "", fmt.Errorf("schedule %s: cron or interval is required", def.Name)
	}
}

func encode(s Schedule) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
