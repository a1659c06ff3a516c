package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/taskwave/internal/config"
	"github.com/mtzanidakis/taskwave/internal/natsbus"
	"github.com/mtzanidakis/taskwave/internal/schedule"
	"github.com/mtzanidakis/taskwave/internal/store"
)

// Runner executes an instruction and returns the recorded run.
type Runner interface {
	Run(ctx context.Context, instruction, source string) (*store.Run, error)
}

// Publisher receives schedule events. *natsbus.Client satisfies it.
type Publisher interface {
	Publish(topic string, data []byte) error
}

type Scheduler struct {
	store    *store.Store
	runner   Runner
	events   Publisher
	reloadCh chan struct{}

	mu           sync.Mutex
	pollInterval time.Duration
}

func New(s *store.Store, runner Runner, events Publisher, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		runner:       runner,
		events:       events,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// Sync makes the stored schedules match defs. New or changed entries are
// (re)scheduled from now; entries no longer configured are removed.
func (s *Scheduler) Sync(defs []config.ScheduleDefinition) error {
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		raw, err := schedule.FromDefinition(def)
		if err != nil {
			return err
		}
		names = append(names, def.Name)

		existing, err := s.store.GetScheduleByName(def.Name)
		if err != nil {
			return err
		}
		if existing != nil && existing.Schedule == raw && existing.Instruction == def.Instruction {
			continue
		}

		id := uuid.NewString()
		if existing != nil {
			id = existing.ID
		}
		if err := s.store.SaveSchedule(&store.Schedule{
			ID:          id,
			Name:        def.Name,
			Schedule:    raw,
			Instruction: def.Instruction,
			Status:      store.ScheduleActive,
			NextRunAt:   schedule.CalculateNextRun(raw),
		}); err != nil {
			return fmt.Errorf("sync schedule %s: %w", def.Name, err)
		}
		slog.Info("schedule synced", "name", def.Name, "schedule", schedule.FormatSchedule(raw))
	}
	return s.store.DeleteSchedulesNotIn(names)
}

// UpdateConfig changes the poll interval and resets the ticker.
func (s *Scheduler) UpdateConfig(cfg config.SchedulerConfig) {
	s.mu.Lock()
	s.pollInterval = cfg.PollInterval
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollInterval <= 0 {
		s.pollInterval = 30 * time.Second
	}
	return s.pollInterval
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.interval())

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.interval())
			slog.Info("scheduler config reloaded", "poll_interval", s.interval())
		case <-ticker.C:
			s.Poll(ctx, time.Now())
		}
	}
}

// Poll runs every schedule due at now.
func (s *Scheduler) Poll(ctx context.Context, now time.Time) {
	due, err := s.store.GetDueSchedules(now)
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return
	}

	for _, sc := range due {
		if ctx.Err() != nil {
			return
		}
		s.execute(ctx, sc)
	}
}

func (s *Scheduler) execute(ctx context.Context, sc store.Schedule) {
	slog.Info("executing schedule", "id", sc.ID, "name", sc.Name)

	var lastStatus, lastError, runID string
	rec, err := s.runner.Run(ctx, sc.Instruction, "schedule:"+sc.Name)
	switch {
	case err != nil:
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("scheduled run failed", "id", sc.ID, "error", err)
	default:
		lastStatus = rec.Status
		runID = rec.ID
	}

	nextRun := schedule.CalculateNextRun(sc.Schedule)
	if err := s.store.UpdateScheduleRun(sc.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update schedule run", "id", sc.ID, "error", err)
	}

	s.publishExecuted(sc, lastStatus, runID)

	// One-off schedules are done once they have no next run.
	if nextRun == nil {
		slog.Info("no next run, marking schedule as completed", "id", sc.ID, "name", sc.Name)
		if err := s.store.UpdateScheduleStatus(sc.ID, store.ScheduleCompleted); err != nil {
			slog.Error("failed to complete schedule", "id", sc.ID, "error", err)
		}
	}
}

func (s *Scheduler) publishExecuted(sc store.Schedule, status, runID string) {
	if s.events == nil {
		return
	}

	event := map[string]any{
		"type":      "schedule_executed",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"id":     sc.ID,
			"name":   sc.Name,
			"status": status,
			"run_id": runID,
		},
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	_ = s.events.Publish(natsbus.TopicEventsScheduleRan, data)
}
