package swarm

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/mtzanidakis/taskwave/internal/config"
	"github.com/mtzanidakis/taskwave/internal/specialty"
)

const minFragmentLen = 10

var conjunctionSplit = regexp.MustCompile(
	`(?i),\s+(?:and|и)\s+|;\s+|[.!?]\s+(?:also|then|next|также|затем|потом|далее)[,:]?\s+`,
)

// Decomposer splits an instruction into subtasks.
type Decomposer struct {
	registry *specialty.Registry
	analyzer *Analyzer
}

func NewDecomposer(reg *specialty.Registry, analyzer *Analyzer) *Decomposer {
	return &Decomposer{registry: reg, analyzer: analyzer}
}

// Decompose scores the instruction and, when it reaches the threshold, tries
// a numbered-list split, then a conjunction split, and otherwise falls back
// to a single subtask.
func (d *Decomposer) Decompose(instruction string, cfg config.OrchestratorConfig) *DecompositionResult {
	complexity := d.analyzer.AnalyzeComplexity(instruction)

	result := &DecompositionResult{
		OriginalInstruction: instruction,
		EstimatedComplexity: complexity,
	}

	if !cfg.EnableDecomposition || complexity < cfg.DecompositionThreshold {
		result.SubTasks = []*SubTask{d.single(instruction)}
		result.Strategy = StrategySequential
		return result
	}

	switch {
	case d.tryNumbered(instruction, result):
	case d.tryConjunctions(instruction, result):
	default:
		result.SubTasks = []*SubTask{d.single(instruction)}
	}

	result.Strategy = classifyStrategy(result.SubTasks)
	return result
}

func (d *Decomposer) single(instruction string) *SubTask {
	return &SubTask{
		ID:           MainID,
		Description:  instruction,
		Specialist:   d.registry.Detect(instruction),
		Dependencies: []string{},
		Priority:     1,
		Status:       StatusPending,
	}
}

// tryNumbered emits one subtask per enumerated item, each depending on the
// one before it.
func (d *Decomposer) tryNumbered(instruction string, result *DecompositionResult) bool {
	items := numberedItems(instruction)
	if len(items) < 2 {
		return false
	}
	for i, item := range items {
		st := d.newSubTask(i, item)
		if i > 0 {
			st.Dependencies = []string{subTaskID(i - 1)}
		}
		result.SubTasks = append(result.SubTasks, st)
	}
	return true
}

// tryConjunctions emits independent subtasks for clauses joined by ", and ",
// "; " or a sentence break followed by also/then/next.
func (d *Decomposer) tryConjunctions(instruction string, result *DecompositionResult) bool {
	var fragments []string
	for _, part := range conjunctionSplit.Split(instruction, -1) {
		part = strings.TrimSpace(part)
		if utf8.RuneCountInString(part) < minFragmentLen {
			continue
		}
		fragments = append(fragments, part)
	}
	if len(fragments) < 2 {
		return false
	}
	for i, f := range fragments {
		result.SubTasks = append(result.SubTasks, d.newSubTask(i, f))
	}
	return true
}

func (d *Decomposer) newSubTask(idx int, description string) *SubTask {
	return &SubTask{
		ID:           subTaskID(idx),
		Description:  description,
		Specialist:   d.registry.Detect(description),
		Dependencies: []string{},
		Priority:     idx + 1,
		Status:       StatusPending,
	}
}

func subTaskID(idx int) string {
	return fmt.Sprintf("sub_%d", idx+1)
}

// numberedItems returns the text following each marker of the numbered run,
// up to the next marker or the end of the line. Text before the first marker
// is a preamble and not an item.
func numberedItems(text string) []string {
	markers := listMarkers(text)
	var items []string
	for i, m := range markers {
		end := len(text)
		if i+1 < len(markers) {
			end = markers[i+1].start
		}
		item := text[m.item:end]
		if nl := strings.IndexByte(item, '\n'); nl >= 0 {
			item = item[:nl]
		}
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
