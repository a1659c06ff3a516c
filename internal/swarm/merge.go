package swarm

import (
	"fmt"
	"strings"
)

// NoResults is returned by MergeResults when no subtask produced output.
const NoResults = "No results were produced."

const sectionSeparator = "\n\n---\n\n"

// MergeResults combines completed subtask results in array order. Failed,
// unfinished and empty-result subtasks are left out. A single result is
// returned verbatim.
func MergeResults(subTasks []*SubTask) string {
	var done []*SubTask
	for _, st := range subTasks {
		if st.Status == StatusCompleted && st.Result != "" {
			done = append(done, st)
		}
	}

	switch len(done) {
	case 0:
		return NoResults
	case 1:
		return done[0].Result
	}

	sections := make([]string, len(done))
	for i, st := range done {
		sections[i] = fmt.Sprintf("## %s\n\n%s", st.Description, st.Result)
	}
	return strings.Join(sections, sectionSeparator)
}
