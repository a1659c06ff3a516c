package swarm

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mtzanidakis/taskwave/internal/specialty"
)

const (
	minComplexity = 1
	maxComplexity = 10

	longInstruction     = 200
	veryLongInstruction = 500

	maxTaskMarkerBonus = 3
	breadthBonus       = 2
)

var (
	// listMarker matches "1." or "2)" followed by the first character of the
	// item. Blanks after the marker are optional only at the start of a line.
	listMarker = regexp.MustCompile(`(?m)^[ \t]*(\d{1,3})[.)]([^\s\d])|(?:^|[ \t])(\d{1,3})[.)][ \t]+(\S)`)

	complexMarker = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(?:complex|multi-?step|step[- ]by[- ]step|сложн|многошаг)`)

	sequenceWords = map[string]bool{
		"also": true, "then": true, "next": true, "additionally": true,
		"также": true, "затем": true, "потом": true, "далее": true,
	}
	andWords = map[string]bool{"and": true, "и": true}
)

// Analyzer scores how much an instruction would benefit from decomposition.
type Analyzer struct {
	registry *specialty.Registry
}

func NewAnalyzer(reg *specialty.Registry) *Analyzer {
	return &Analyzer{registry: reg}
}

// AnalyzeComplexity returns a deterministic score in [1,10].
func (a *Analyzer) AnalyzeComplexity(instruction string) int {
	score := minComplexity

	n := utf8.RuneCountInString(instruction)
	if n > longInstruction {
		score++
	}
	if n > veryLongInstruction {
		score++
	}

	score += min(countTaskMarkers(instruction), maxTaskMarkerBonus)

	if len(a.registry.Matching(instruction)) >= 2 {
		score += breadthBonus
	}

	if a.registry.HasComplexityKeyword(instruction) {
		score++
	}

	if complexMarker.MatchString(instruction) {
		score++
	}

	return max(minComplexity, min(score, maxComplexity))
}

// marker is one enumerated-list marker found in a text.
type marker struct {
	num   int
	start int // offset of the marker
	item  int // offset of the item text
}

// listMarkers returns the markers that form a numbered run: it starts at the
// first marker numbered 1 (or the first marker when none is) and keeps only
// markers numbered one above the previous kept marker. Stray numbers such as
// "costs 5. Then" are left in the item text.
func listMarkers(text string) []marker {
	var all []marker
	for _, m := range listMarker.FindAllStringSubmatchIndex(text, -1) {
		numAt, itemAt := 2, 4
		if m[numAt] < 0 {
			numAt, itemAt = 6, 8
		}
		n, err := strconv.Atoi(text[m[numAt]:m[numAt+1]])
		if err != nil {
			continue
		}
		all = append(all, marker{num: n, start: m[numAt], item: m[itemAt]})
	}
	if len(all) == 0 {
		return nil
	}

	first := 0
	for i, m := range all {
		if m.num == 1 {
			first = i
			break
		}
	}
	run := []marker{all[first]}
	for _, m := range all[first+1:] {
		if m.num == run[len(run)-1].num+1 {
			run = append(run, m)
		}
	}
	return run
}

// countTaskMarkers counts enumerated-list markers and sequencing words. A
// repeated "and" counts once.
func countTaskMarkers(text string) int {
	count := len(listMarkers(text))

	ands := 0
	for _, w := range words(text) {
		switch {
		case sequenceWords[w]:
			count++
		case andWords[w]:
			ands++
		}
	}
	if ands >= 2 {
		count++
	}
	return count
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
