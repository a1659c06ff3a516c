package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mtzanidakis/taskwave/internal/config"
	"github.com/mtzanidakis/taskwave/internal/natsbus"
	"github.com/mtzanidakis/taskwave/internal/specialty"
	"golang.org/x/sync/errgroup"
)

// maxWaves bounds how many scheduling rounds one run may take.
const maxWaves = 10

// Publisher receives run lifecycle events. *natsbus.Client satisfies it.
type Publisher interface {
	Publish(topic string, data []byte) error
}

// HostConfig is configuration pushed by the embedding host. A nil field
// leaves the current value alone.
type HostConfig struct {
	Specialties        []specialty.Specialty `json:"specialties,omitempty"`
	ComplexityKeywords []string              `json:"complexity_keywords,omitempty"`
}

// ConfigUpdate partially overrides the orchestrator config. Nil fields are
// left unchanged.
type ConfigUpdate struct {
	MaxParallelAgents      *int  `json:"max_parallel_agents,omitempty"`
	EnableDecomposition    *bool `json:"enable_decomposition,omitempty"`
	DecompositionThreshold *int  `json:"decomposition_threshold,omitempty"`
}

// Snapshot is a copy of the subtasks of the most recent run.
type Snapshot struct {
	RunID    string     `json:"run_id,omitempty"`
	SubTasks []*SubTask `json:"subtasks"`
}

type Option func(*Coordinator)

// WithCache memoizes Decompose results.
func WithCache(cache *Cache) Option {
	return func(c *Coordinator) { c.cache = cache }
}

// WithPublisher sends run events to the bus.
func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) { c.events = p }
}

type Coordinator struct {
	registry   *specialty.Registry
	analyzer   *Analyzer
	decomposer *Decomposer
	cache      *Cache
	events     Publisher

	mu         sync.RWMutex
	cfg        config.OrchestratorConfig
	host       HostConfig
	hostRev    uint64
	appliedRev uint64
	runID      string
	current    []*SubTask
}

func NewCoordinator(reg *specialty.Registry, cfg config.OrchestratorConfig, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator config: %w", err)
	}
	analyzer := NewAnalyzer(reg)
	c := &Coordinator{
		registry:   reg,
		analyzer:   analyzer,
		decomposer: NewDecomposer(reg, analyzer),
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Coordinator) Registry() *specialty.Registry {
	return c.registry
}

func (c *Coordinator) Config() config.OrchestratorConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// UpdateConfig applies u on top of the current config. An invalid result is
// rejected and the previous config kept.
func (c *Coordinator) UpdateConfig(u ConfigUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.cfg
	if u.MaxParallelAgents != nil {
		next.MaxParallelAgents = *u.MaxParallelAgents
	}
	if u.EnableDecomposition != nil {
		next.EnableDecomposition = *u.EnableDecomposition
	}
	if u.DecompositionThreshold != nil {
		next.DecompositionThreshold = *u.DecompositionThreshold
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("update orchestrator config: %w", err)
	}
	c.cfg = next
	slog.Info("orchestrator config updated",
		"max_parallel", next.MaxParallelAgents,
		"decomposition", next.EnableDecomposition,
		"threshold", next.DecompositionThreshold)
	return nil
}

// DeliverHostConfig records host configuration. It is applied to the
// registry on the next Decompose.
func (c *Coordinator) DeliverHostConfig(hc HostConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.host = HostConfig{
		Specialties:        cloneSpecialties(hc.Specialties),
		ComplexityKeywords: cloneStrings(hc.ComplexityKeywords),
	}
	c.hostRev++
}

// HostRevision reports the delivered and applied host config revisions.
func (c *Coordinator) HostRevision() (delivered, applied uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hostRev, c.appliedRev
}

func (c *Coordinator) applyHostConfig() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hostRev == c.appliedRev {
		return
	}
	if c.host.Specialties != nil {
		if err := c.registry.SetCustomSpecialties(c.host.Specialties); err != nil {
			slog.Warn("host specialties rejected", "revision", c.hostRev, "error", err)
		}
	}
	if c.host.ComplexityKeywords != nil {
		c.registry.SetComplexityKeywords(c.host.ComplexityKeywords)
	}
	c.appliedRev = c.hostRev
}

func (c *Coordinator) SetCustomSpecialties(specs []specialty.Specialty) error {
	return c.registry.SetCustomSpecialties(specs)
}

func (c *Coordinator) SetComplexityKeywords(keywords []string) {
	c.registry.SetComplexityKeywords(keywords)
}

func (c *Coordinator) AnalyzeComplexity(instruction string) int {
	return c.analyzer.AnalyzeComplexity(instruction)
}

func (c *Coordinator) DetectSpecialty(text string) string {
	return c.registry.Detect(text)
}

// Decompose splits instruction into subtasks using the current config and
// the latest host configuration. The result is owned by the caller.
func (c *Coordinator) Decompose(instruction string) *DecompositionResult {
	c.applyHostConfig()
	cfg := c.Config()

	if c.cache == nil {
		return c.decomposer.Decompose(instruction, cfg)
	}

	key := cacheKey(c.registry.Revision(), cfg, instruction)
	if d, ok := c.cache.get(key); ok {
		return d
	}
	d := c.decomposer.Decompose(instruction, cfg)
	c.cache.set(key, d)
	return d
}

// GetStatus returns a copy of the subtasks of the most recent run.
func (c *Coordinator) GetStatus() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{RunID: c.runID, SubTasks: make([]*SubTask, len(c.current))}
	for i, st := range c.current {
		snap.SubTasks[i] = st.clone()
	}
	return snap
}

// ExecuteParallel runs the subtasks of d against exec and merges the
// results. The run id is taken from ctx (see WithRunID) or generated.
// Sequential decompositions run one subtask at a time in order; the others
// run in dependency waves of at most MaxParallelAgents subtasks.
// Subtask failures are recorded on the subtask and never returned.
func (c *Coordinator) ExecuteParallel(ctx context.Context, d *DecompositionResult, exec Executor, sink ProgressSink) Outcome {
	runID := RunIDFromContext(ctx)
	if runID == "" {
		runID = uuid.NewString()
		ctx = WithRunID(ctx, runID)
	}

	c.mu.Lock()
	c.runID = runID
	c.current = d.SubTasks
	c.mu.Unlock()

	slog.Info("run started", "run", runID, "strategy", d.Strategy, "subtasks", len(d.SubTasks))
	c.publishEvent(runID, "run_started", map[string]any{
		"strategy":   d.Strategy,
		"subtasks":   len(d.SubTasks),
		"complexity": d.EstimatedComplexity,
	})

	out := Outcome{RunID: runID}
	if d.Strategy == StrategySequential {
		c.runSequential(ctx, runID, d, exec, sink)
	} else {
		out.Waves = c.runWaves(ctx, runID, d, exec, sink)
	}

	c.mu.RLock()
	for _, st := range d.SubTasks {
		switch st.Status {
		case StatusPending:
			out.Pending = append(out.Pending, st.ID)
		case StatusFailed:
			out.Failed = append(out.Failed, st.ID)
		}
	}
	out.Output = MergeResults(d.SubTasks)
	c.mu.RUnlock()
	out.Partial = len(out.Pending) > 0

	if out.Partial {
		slog.Warn("run finished with unscheduled subtasks", "run", runID, "pending", out.Pending)
	}
	slog.Info("run finished", "run", runID, "waves", out.Waves, "failed", len(out.Failed))
	c.publishEvent(runID, "run_completed", map[string]any{
		"waves":   out.Waves,
		"partial": out.Partial,
		"pending": out.Pending,
		"failed":  out.Failed,
	})

	return out
}

func (c *Coordinator) runSequential(ctx context.Context, runID string, d *DecompositionResult, exec Executor, sink ProgressSink) {
	total := len(d.SubTasks)
	for i, st := range d.SubTasks {
		if err := ctx.Err(); err != nil {
			slog.Info("run cancelled", "run", runID, "error", err)
			return
		}
		c.mu.Lock()
		if st.Status != StatusPending {
			c.mu.Unlock()
			continue
		}
		st.Status = StatusRunning
		c.mu.Unlock()

		c.emit(sink, runID, Event{
			Type:          EventReasoningStep,
			Message:       fmt.Sprintf("Step %d/%d: %s", i+1, total, st.ID),
			ReasoningText: fmt.Sprintf("Delegating to %s specialist: %s", st.Specialist, st.Description),
		})

		result, err := invoke(ctx, exec, st.Description)
		c.finish(runID, st, result, err)
	}
}

func (c *Coordinator) runWaves(ctx context.Context, runID string, d *DecompositionResult, exec Executor, sink ProgressSink) int {
	finished := make(map[string]bool, len(d.SubTasks))
	c.mu.RLock()
	for _, st := range d.SubTasks {
		if st.Status.Done() {
			finished[st.ID] = true
		}
	}
	c.mu.RUnlock()

	waves := 0
	for len(finished) < len(d.SubTasks) && waves < maxWaves {
		if err := ctx.Err(); err != nil {
			slog.Info("run cancelled", "run", runID, "waves", waves, "error", err)
			break
		}

		c.mu.Lock()
		ready := readySet(d.SubTasks, finished)
		if len(ready) == 0 {
			c.mu.Unlock()
			slog.Warn("no runnable subtasks left", "run", runID, "finished", len(finished), "total", len(d.SubTasks))
			break
		}
		limit := c.cfg.MaxParallelAgents
		batch := ready[:min(limit, len(ready))]
		for _, st := range batch {
			st.Status = StatusRunning
		}
		c.mu.Unlock()

		waves++
		c.emit(sink, runID, waveEvent(waves, batch))

		var g errgroup.Group
		g.SetLimit(limit)
		for _, st := range batch {
			g.Go(func() error {
				result, err := invoke(ctx, exec, st.Description)
				c.finish(runID, st, result, err)
				return nil
			})
		}
		_ = g.Wait()

		for _, st := range batch {
			finished[st.ID] = true
		}
		c.publishEvent(runID, "wave_completed", map[string]any{
			"wave":     waves,
			"subtasks": len(batch),
			"finished": len(finished),
			"total":    len(d.SubTasks),
		})
	}

	if waves == maxWaves && len(finished) < len(d.SubTasks) {
		slog.Warn("wave limit reached", "run", runID, "waves", waves, "finished", len(finished), "total", len(d.SubTasks))
	}
	return waves
}

func waveEvent(wave int, batch []*SubTask) Event {
	var sb strings.Builder
	for i, st := range batch {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "- [%s] %s", st.Specialist, st.Description)
	}
	return Event{
		Type:          EventReasoningStep,
		Message:       fmt.Sprintf("Wave %d: running %d subtask(s) in parallel", wave, len(batch)),
		ReasoningText: sb.String(),
	}
}

// invoke calls exec, turning a panic into an error.
func invoke(ctx context.Context, exec Executor, description string) (result string, err error) {
	if exec == nil {
		return "", errors.New("no executor configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec(ctx, description)
}

func (c *Coordinator) finish(runID string, st *SubTask, result string, err error) {
	c.mu.Lock()
	if err != nil {
		st.Status = StatusFailed
		st.Result = "Error: " + err.Error()
	} else {
		st.Status = StatusCompleted
		st.Result = result
	}
	status := st.Status
	c.mu.Unlock()

	if err != nil {
		slog.Warn("subtask failed", "run", runID, "subtask", st.ID, "specialist", st.Specialist, "error", err)
	} else {
		slog.Debug("subtask completed", "run", runID, "subtask", st.ID, "specialist", st.Specialist)
	}
	c.publishEvent(runID, "subtask_completed", map[string]any{
		"subtask":    st.ID,
		"specialist": st.Specialist,
		"status":     status,
		"output":     truncate(result, 200),
	})
}

func (c *Coordinator) emit(sink ProgressSink, runID string, ev Event) {
	if sink != nil {
		sink(ev)
	}
	if c.events == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = c.events.Publish(natsbus.TopicRunProgress(runID), payload)
}

func (c *Coordinator) publishEvent(runID, eventType string, data map[string]any) {
	if c.events == nil {
		return
	}

	event := map[string]any{
		"type":      eventType,
		"run_id":    runID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = c.events.Publish(natsbus.TopicEventsRun(runID), payload)
}

func cloneSpecialties(in []specialty.Specialty) []specialty.Specialty {
	if in == nil {
		return nil
	}
	out := make([]specialty.Specialty, len(in))
	for i, s := range in {
		s.Patterns = cloneStrings(s.Patterns)
		out[i] = s
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string{}, in...)
}

// truncate shortens s to max runes.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}
