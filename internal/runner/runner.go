// Package runner ties a decomposition, its execution and the run history
// together.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/taskwave/internal/store"
	"github.com/mtzanidakis/taskwave/internal/swarm"
)

// Service decomposes instructions, executes them and records each run.
type Service struct {
	coord *swarm.Coordinator
	exec  swarm.Executor
	store *store.Store
	sink  swarm.ProgressSink
}

// New returns a Service. st may be nil, in which case runs are not recorded.
func New(coord *swarm.Coordinator, exec swarm.Executor, st *store.Store) *Service {
	return &Service{coord: coord, exec: exec, store: st}
}

// OnProgress sets a sink that receives every progress event.
func (s *Service) OnProgress(sink swarm.ProgressSink) {
	s.sink = sink
}

func (s *Service) Coordinator() *swarm.Coordinator {
	return s.coord
}

// Run decomposes instruction, executes it and returns the finished record.
// Subtask failures are part of the record; the error is only set when the
// history could not be written.
func (s *Service) Run(ctx context.Context, instruction, source string) (*store.Run, error) {
	d := s.coord.Decompose(instruction)
	runID := uuid.NewString()

	rec := &store.Run{
		ID:          runID,
		Instruction: instruction,
		Source:      source,
		Strategy:    string(d.Strategy),
		Complexity:  d.EstimatedComplexity,
		Status:      store.RunRunning,
		SubTasks:    marshalSubTasks(d.SubTasks),
		StartedAt:   time.Now().UTC(),
	}
	if s.store != nil {
		if err := s.store.SaveRun(rec); err != nil {
			return nil, fmt.Errorf("record run: %w", err)
		}
	}

	slog.Info("executing instruction", "run", runID, "source", source, "strategy", d.Strategy, "subtasks", len(d.SubTasks))
	out := s.coord.ExecuteParallel(swarm.WithRunID(ctx, runID), d, s.exec, s.sink)

	now := time.Now().UTC()
	rec.Status = Status(out, len(d.SubTasks))
	rec.SubTasks = marshalSubTasks(d.SubTasks)
	rec.Output = out.Output
	rec.Partial = out.Partial
	rec.Waves = out.Waves
	rec.CompletedAt = &now

	if s.store != nil {
		if err := s.store.FinishRun(runID, rec.Status, rec.SubTasks, rec.Output, rec.Partial, rec.Waves); err != nil {
			return rec, fmt.Errorf("record run result: %w", err)
		}
	}
	return rec, nil
}

// Status classifies an outcome for the run history.
func Status(out swarm.Outcome, total int) string {
	switch {
	case out.Partial:
		return store.RunPartial
	case total > 0 && len(out.Failed) == total:
		return store.RunFailed
	default:
		return store.RunCompleted
	}
}

func marshalSubTasks(subTasks []*swarm.SubTask) json.RawMessage {
	data, err := json.Marshal(subTasks)
	if err != nil {
		return json.RawMessage("[]")
	}
	return data
}
