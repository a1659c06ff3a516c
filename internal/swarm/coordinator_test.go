package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mtzanidakis/taskwave/internal/config"
	"github.com/mtzanidakis/taskwave/internal/natsbus"
	"github.com/mtzanidakis/taskwave/internal/specialty"
	"go.uber.org/goleak"
)

func newCoordinator(t *testing.T, cfg config.OrchestratorConfig, opts ...Option) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(specialty.New(), cfg, opts...)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func echo(_ context.Context, description string) (string, error) {
	return "done: " + description, nil
}

func manual(strategy Strategy, specs ...string) *DecompositionResult {
	return &DecompositionResult{
		OriginalInstruction: "manual",
		SubTasks:            subTasks(specs...),
		Strategy:            strategy,
		EstimatedComplexity: 5,
	}
}

func statuses(d *DecompositionResult) map[string]Status {
	out := make(map[string]Status, len(d.SubTasks))
	for _, st := range d.SubTasks {
		out[st.ID] = st.Status
	}
	return out
}

func TestNewCoordinatorRejectsInvalidConfig(t *testing.T) {
	_, err := NewCoordinator(specialty.New(), config.OrchestratorConfig{MaxParallelAgents: 0, DecompositionThreshold: 5})
	if err == nil {
		t.Fatal("expected error for zero parallelism")
	}
}

func TestUpdateConfig(t *testing.T) {
	c := newCoordinator(t, orchestrator(5))

	threshold := 2
	if err := c.UpdateConfig(ConfigUpdate{DecompositionThreshold: &threshold}); err != nil {
		t.Fatalf("update: %v", err)
	}
	cfg := c.Config()
	if cfg.DecompositionThreshold != 2 || cfg.MaxParallelAgents != 3 || !cfg.EnableDecomposition {
		t.Fatalf("partial update changed unrelated fields: %+v", cfg)
	}

	zero := 0
	if err := c.UpdateConfig(ConfigUpdate{MaxParallelAgents: &zero}); err == nil {
		t.Fatal("expected error for zero parallelism")
	}
	bad := 11
	if err := c.UpdateConfig(ConfigUpdate{DecompositionThreshold: &bad}); err == nil {
		t.Fatal("expected error for threshold above 10")
	}
	if got := c.Config(); got != cfg {
		t.Fatalf("config changed after rejected update: %+v", got)
	}
}

func TestExecuteSequentialContinuesAfterFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := newCoordinator(t, orchestrator(1))
	d := c.Decompose("1. Fetch data 2. Analyze results 3. Generate report")
	if d.Strategy != StrategySequential || len(d.SubTasks) != 3 {
		t.Fatalf("unexpected decomposition: %s %v", d.Strategy, ids(d.SubTasks))
	}

	var calls []string
	exec := func(_ context.Context, desc string) (string, error) {
		calls = append(calls, desc)
		if desc == "Analyze results" {
			return "", errors.New("boom")
		}
		return "ok " + desc, nil
	}
	var events []Event
	out := c.ExecuteParallel(context.Background(), d, exec, func(ev Event) { events = append(events, ev) })

	if len(calls) != 3 || calls[0] != "Fetch data" || calls[2] != "Generate report" {
		t.Fatalf("expected all subtasks in order, got %v", calls)
	}
	got := statuses(d)
	if got["sub_1"] != StatusCompleted || got["sub_2"] != StatusFailed || got["sub_3"] != StatusCompleted {
		t.Fatalf("unexpected statuses: %v", got)
	}
	if d.SubTasks[1].Result != "Error: boom" {
		t.Errorf("failure result = %q", d.SubTasks[1].Result)
	}
	if len(events) != 3 {
		t.Fatalf("expected one event per subtask, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Type != EventReasoningStep {
			t.Errorf("event %d type = %s", i, ev.Type)
		}
		if !strings.Contains(ev.Message, d.SubTasks[i].ID) || !strings.Contains(ev.ReasoningText, d.SubTasks[i].Specialist) {
			t.Errorf("event %d should name subtask and specialist: %+v", i, ev)
		}
	}

	want := "## Fetch data\n\nok Fetch data\n\n---\n\n## Generate report\n\nok Generate report"
	if out.Output != want {
		t.Errorf("unexpected output:\n%q", out.Output)
	}
	if out.Waves != 0 || out.Partial || len(out.Failed) != 1 || out.Failed[0] != "sub_2" {
		t.Errorf("unexpected outcome: %+v", out)
	}
	if out.RunID == "" {
		t.Error("expected run id")
	}
}

func TestExecuteSingleSubtaskVerbatim(t *testing.T) {
	c := newCoordinator(t, orchestrator(5))
	d := c.Decompose("Tell me a joke about cats")
	out := c.ExecuteParallel(context.Background(), d, func(context.Context, string) (string, error) {
		return "X", nil
	}, nil)
	if out.Output != "X" {
		t.Fatalf("expected verbatim result, got %q", out.Output)
	}
}

func TestExecuteWavesRespectsParallelLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := orchestrator(5)
	cfg.MaxParallelAgents = 2
	c := newCoordinator(t, cfg)
	d := manual(StrategyParallel, "a", "b", "c", "d", "e", "f")

	var inFlight, peak atomic.Int32
	var overLimit atomic.Bool
	exec := func(_ context.Context, desc string) (string, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		running := 0
		for _, st := range c.GetStatus().SubTasks {
			if st.Status == StatusRunning {
				running++
			}
		}
		if running > 2 {
			overLimit.Store(true)
		}
		time.Sleep(5 * time.Millisecond)
		return desc, nil
	}

	var events int
	out := c.ExecuteParallel(context.Background(), d, exec, func(Event) { events++ })

	if peak.Load() > 2 {
		t.Fatalf("executor concurrency %d exceeded limit", peak.Load())
	}
	if overLimit.Load() {
		t.Fatal("more than 2 subtasks were marked running at once")
	}
	if out.Waves != 3 || events != 3 {
		t.Fatalf("expected 3 waves and 3 events, got %d waves %d events", out.Waves, events)
	}
	for id, s := range statuses(d) {
		if s != StatusCompleted {
			t.Errorf("%s: expected completed, got %s", id, s)
		}
	}
}

func TestExecuteWavesOrderDependencies(t *testing.T) {
	c := newCoordinator(t, orchestrator(5))
	d := manual(StrategyMixed, "a", "b", "c:a,b", "d:c")

	var mu sync.Mutex
	finished := map[string]bool{}
	exec := func(_ context.Context, desc string) (string, error) {
		id := strings.TrimPrefix(desc, "task ")
		mu.Lock()
		defer mu.Unlock()
		switch id {
		case "c":
			if !finished["a"] || !finished["b"] {
				return "", fmt.Errorf("c ran before its dependencies")
			}
		case "d":
			if !finished["c"] {
				return "", fmt.Errorf("d ran before c")
			}
		}
		finished[id] = true
		return id, nil
	}

	out := c.ExecuteParallel(context.Background(), d, exec, nil)
	if len(out.Failed) != 0 {
		t.Fatalf("unexpected failures: %v (%+v)", out.Failed, d.SubTasks)
	}
	if out.Waves != 3 {
		t.Fatalf("expected 3 waves, got %d", out.Waves)
	}
}

func TestExecuteWavesFailedDependencyUnblocks(t *testing.T) {
	c := newCoordinator(t, orchestrator(5))
	d := manual(StrategyMixed, "a", "b:a")

	out := c.ExecuteParallel(context.Background(), d, func(_ context.Context, desc string) (string, error) {
		if desc == "task a" {
			return "", errors.New("nope")
		}
		return "b ran", nil
	}, nil)

	got := statuses(d)
	if got["a"] != StatusFailed || got["b"] != StatusCompleted {
		t.Fatalf("unexpected statuses: %v", got)
	}
	if out.Output != "b ran" {
		t.Fatalf("unexpected output %q", out.Output)
	}
}

func TestExecuteCycleTerminates(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := newCoordinator(t, orchestrator(5))
	d := manual(StrategyMixed, "a:b", "b:a")

	done := make(chan Outcome, 1)
	go func() {
		done <- c.ExecuteParallel(context.Background(), d, echo, nil)
	}()

	var out Outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduling a cycle did not terminate")
	}

	got := statuses(d)
	if got["a"] != StatusPending || got["b"] != StatusPending {
		t.Fatalf("expected both pending, got %v", got)
	}
	if !out.Partial || len(out.Pending) != 2 || out.Output != NoResults {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestExecuteWaveCeiling(t *testing.T) {
	c := newCoordinator(t, orchestrator(5))
	specs := []string{"t0"}
	for i := 1; i < 12; i++ {
		specs = append(specs, fmt.Sprintf("t%d:t%d", i, i-1))
	}
	d := manual(StrategyMixed, specs...)

	out := c.ExecuteParallel(context.Background(), d, echo, nil)
	if out.Waves != maxWaves {
		t.Fatalf("expected %d waves, got %d", maxWaves, out.Waves)
	}
	if !out.Partial || len(out.Pending) != 2 || out.Pending[0] != "t10" || out.Pending[1] != "t11" {
		t.Fatalf("expected t10 and t11 pending, got %+v", out)
	}
}

func TestExecuteRecoversPanics(t *testing.T) {
	c := newCoordinator(t, orchestrator(5))
	d := manual(StrategyParallel, "a", "b")

	out := c.ExecuteParallel(context.Background(), d, func(_ context.Context, desc string) (string, error) {
		if desc == "task a" {
			panic("kaboom")
		}
		return "fine", nil
	}, nil)

	if d.SubTasks[0].Status != StatusFailed || !strings.HasPrefix(d.SubTasks[0].Result, "Error: executor panic") {
		t.Fatalf("panic not recorded as failure: %+v", d.SubTasks[0])
	}
	if d.SubTasks[1].Status != StatusCompleted || out.Output != "fine" {
		t.Fatalf("sibling affected by panic: %+v", d.SubTasks[1])
	}
}

func TestExecuteNilExecutor(t *testing.T) {
	c := newCoordinator(t, orchestrator(5))
	d := manual(StrategySequential, "a")
	out := c.ExecuteParallel(context.Background(), d, nil, nil)
	if d.SubTasks[0].Status != StatusFailed || out.Output != NoResults {
		t.Fatalf("expected failure without executor, got %+v", d.SubTasks[0])
	}
}

func TestExecuteCancelledBetweenSteps(t *testing.T) {
	c := newCoordinator(t, orchestrator(5))

	t.Run("sequential", func(t *testing.T) {
		d := manual(StrategySequential, "a", "b:a", "c:b")
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		out := c.ExecuteParallel(ctx, d, func(_ context.Context, desc string) (string, error) {
			cancel()
			return desc, nil
		}, nil)
		got := statuses(d)
		if got["a"] != StatusCompleted || got["b"] != StatusPending || got["c"] != StatusPending {
			t.Fatalf("unexpected statuses: %v", got)
		}
		if !out.Partial {
			t.Fatal("expected partial outcome")
		}
	})

	t.Run("waves", func(t *testing.T) {
		d := manual(StrategyMixed, "a", "b:a")
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		out := c.ExecuteParallel(ctx, d, func(_ context.Context, desc string) (string, error) {
			cancel()
			return desc, nil
		}, nil)
		if out.Waves != 1 || statuses(d)["b"] != StatusPending {
			t.Fatalf("expected stop after first wave, got %+v", out)
		}
	})
}

func TestExecuteSkipsFinishedSubtasks(t *testing.T) {
	c := newCoordinator(t, orchestrator(5))
	d := manual(StrategyMixed, "a", "b:a")
	d.SubTasks[0].Status = StatusCompleted
	d.SubTasks[0].Result = "earlier"

	var calls atomic.Int32
	c.ExecuteParallel(context.Background(), d, func(_ context.Context, desc string) (string, error) {
		calls.Add(1)
		return desc, nil
	}, nil)
	if calls.Load() != 1 || d.SubTasks[0].Result != "earlier" {
		t.Fatalf("expected only b to run, calls=%d", calls.Load())
	}
}

func TestGetStatusReturnsCopies(t *testing.T) {
	c := newCoordinator(t, orchestrator(5))
	if snap := c.GetStatus(); len(snap.SubTasks) != 0 || snap.RunID != "" {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}

	d := manual(StrategyParallel, "a")
	out := c.ExecuteParallel(context.Background(), d, echo, nil)

	snap := c.GetStatus()
	if snap.RunID != out.RunID || len(snap.SubTasks) != 1 || snap.SubTasks[0].Status != StatusCompleted {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	snap.SubTasks[0].Status = StatusPending
	if d.SubTasks[0].Status != StatusCompleted {
		t.Fatal("snapshot shares state with the run")
	}
}

func TestDeliverHostConfigAppliedOnDecompose(t *testing.T) {
	c := newCoordinator(t, orchestrator(5))
	c.DeliverHostConfig(HostConfig{
		Specialties:        []specialty.Specialty{{Name: "legal", Patterns: []string{"contract"}}},
		ComplexityKeywords: []string{"urgent"},
	})

	if got := c.DetectSpecialty("review the contract"); got != specialty.General {
		t.Fatalf("host config applied before Decompose: %s", got)
	}
	if delivered, applied := c.HostRevision(); delivered != 1 || applied != 0 {
		t.Fatalf("unexpected revisions %d/%d", delivered, applied)
	}

	d := c.Decompose("review the contract")
	if d.SubTasks[0].Specialist != "legal" {
		t.Fatalf("expected legal specialist, got %s", d.SubTasks[0].Specialist)
	}
	if got := c.AnalyzeComplexity("urgent thing"); got != 2 {
		t.Fatalf("expected keyword bonus, got %d", got)
	}
	if delivered, applied := c.HostRevision(); delivered != applied {
		t.Fatalf("revision not applied: %d/%d", delivered, applied)
	}

	// A partial delivery keeps the keywords in place.
	c.DeliverHostConfig(HostConfig{Specialties: []specialty.Specialty{}})
	c.Decompose("anything")
	if len(c.Registry().Custom()) != 0 {
		t.Fatal("expected host specialties cleared")
	}
	if got := c.AnalyzeComplexity("urgent thing"); got != 2 {
		t.Fatalf("keywords should be untouched, got %d", got)
	}
}

func TestDeliverHostConfigInvalidKeepsPrevious(t *testing.T) {
	c := newCoordinator(t, orchestrator(5))
	if err := c.SetCustomSpecialties([]specialty.Specialty{{Name: "legal", Patterns: []string{"contract"}}}); err != nil {
		t.Fatal(err)
	}
	c.DeliverHostConfig(HostConfig{Specialties: []specialty.Specialty{{Name: "", Patterns: []string{"x"}}}})
	d := c.Decompose("sign the contract")
	if d.SubTasks[0].Specialist != "legal" {
		t.Fatalf("expected previous host specialties kept, got %s", d.SubTasks[0].Specialist)
	}
}

func TestDetectSpecialtyHostWins(t *testing.T) {
	c := newCoordinator(t, orchestrator(5))
	if err := c.SetCustomSpecialties([]specialty.Specialty{{Name: "scribe", Patterns: []string{"report"}}}); err != nil {
		t.Fatal(err)
	}
	if got := c.DetectSpecialty("Summarize the report"); got != "scribe" {
		t.Fatalf("expected host specialty to win, got %s", got)
	}
}

func TestDecomposeWithCache(t *testing.T) {
	cache, err := NewCache(config.CacheConfig{Enabled: true, MaxBytes: 1 << 20, TTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	c := newCoordinator(t, orchestrator(1), WithCache(cache))
	first := c.Decompose("Summarize the report, and translate it to French")
	first.SubTasks[0].Status = StatusCompleted

	second := c.Decompose("Summarize the report, and translate it to French")
	if len(second.SubTasks) != 2 || second.SubTasks[0].Status != StatusPending {
		t.Fatalf("cached decomposition shares state: %+v", second.SubTasks[0])
	}

	if err := c.SetCustomSpecialties([]specialty.Specialty{{Name: "lingo", Patterns: []string{"translate"}}}); err != nil {
		t.Fatal(err)
	}
	third := c.Decompose("Summarize the report, and translate it to French")
	if third.SubTasks[1].Specialist != "lingo" {
		t.Fatalf("stale cache entry after registry change: %s", third.SubTasks[1].Specialist)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	types  []string
}

func (p *recordingPublisher) Publish(topic string, data []byte) error {
	var ev struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &ev)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.types = append(p.types, ev.Type)
	return nil
}

func TestExecutePublishesEvents(t *testing.T) {
	pub := &recordingPublisher{}
	c := newCoordinator(t, orchestrator(5), WithPublisher(pub))
	out := c.ExecuteParallel(context.Background(), manual(StrategyParallel, "a", "b"), echo, nil)

	pub.mu.Lock()
	defer pub.mu.Unlock()

	counts := map[string]int{}
	for i, topic := range pub.topics {
		switch topic {
		case natsbus.TopicEventsRun(out.RunID):
			counts[pub.types[i]]++
		case natsbus.TopicRunProgress(out.RunID):
			counts["progress"]++
		default:
			t.Errorf("unexpected topic %s", topic)
		}
	}
	if counts["run_started"] != 1 || counts["run_completed"] != 1 || counts["subtask_completed"] != 2 ||
		counts["wave_completed"] != 1 || counts["progress"] != 1 {
		t.Fatalf("unexpected event counts: %v", counts)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate kept = %q", got)
	}
	if got := truncate("привет мир", 4); got != "прив..." {
		t.Errorf("truncate = %q, want %q", got, "прив...")
	}
	if got := truncate(strings.Repeat("я", 300), 200); !utf8.ValidString(got) || utf8.RuneCountInString(got) != 203 {
		t.Errorf("truncate produced %d runes, valid=%t", utf8.RuneCountInString(got), utf8.ValidString(got))
	}
}
