package swarm

import "context"

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Done reports whether the status is terminal.
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
	StrategyMixed      Strategy = "mixed"
)

// MainID is the id of the only subtask of an undecomposed instruction.
const MainID = "main"

// SubTask is one unit of decomposed work. Status and Result are written only
// by the Coordinator while it executes the owning decomposition.
type SubTask struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Specialist   string   `json:"specialist"`
	Dependencies []string `json:"dependencies"`
	Priority     int      `json:"priority"`
	Status       Status   `json:"status"`
	Result       string   `json:"result,omitempty"`
}

type DecompositionResult struct {
	OriginalInstruction string     `json:"original_instruction"`
	SubTasks            []*SubTask `json:"subtasks"`
	Strategy            Strategy   `json:"strategy"`
	EstimatedComplexity int        `json:"estimated_complexity"`
}

// Clone returns a deep copy so callers can hand out results that the
// scheduler will not mutate.
func (d *DecompositionResult) Clone() *DecompositionResult {
	out := &DecompositionResult{
		OriginalInstruction: d.OriginalInstruction,
		Strategy:            d.Strategy,
		EstimatedComplexity: d.EstimatedComplexity,
		SubTasks:            make([]*SubTask, len(d.SubTasks)),
	}
	for i, st := range d.SubTasks {
		out.SubTasks[i] = st.clone()
	}
	return out
}

func (st *SubTask) clone() *SubTask {
	c := *st
	c.Dependencies = append([]string{}, st.Dependencies...)
	return &c
}

type runIDKey struct{}

// WithRunID makes ExecuteParallel use id as the run id.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFromContext returns the id of the run an executor call belongs to.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// Executor performs a subtask's work. Failures are reported through the
// error; the Coordinator never propagates them.
type Executor func(ctx context.Context, description string) (string, error)

const EventReasoningStep = "reasoning_step"

// Event is a progress notification emitted at subtask and wave boundaries.
type Event struct {
	Type          string `json:"type"`
	Message       string `json:"message"`
	ReasoningText string `json:"reasoning_text"`
}

// ProgressSink receives events synchronously from the scheduling goroutine.
type ProgressSink func(Event)

// Outcome is what ExecuteParallel resolves to.
type Outcome struct {
	RunID  string `json:"run_id"`
	Output string `json:"output"`
	// Waves counts scheduled waves; zero in sequential mode.
	Waves int `json:"waves"`
	// Partial is set when some subtasks were never started, because the
	// dependency graph could not be satisfied, the wave ceiling was hit, or
	// the context was cancelled.
	Partial bool     `json:"partial"`
	Pending []string `json:"pending,omitempty"`
	Failed  []string `json:"failed,omitempty"`
}
