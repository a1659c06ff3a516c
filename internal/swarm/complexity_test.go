package swarm

import (
	"strings"
	"testing"

	"github.com/mtzanidakis/taskwave/internal/specialty"
)

func TestAnalyzeComplexity(t *testing.T) {
	reg := specialty.New()
	reg.SetComplexityKeywords([]string{"urgent"})
	a := NewAnalyzer(reg)

	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 1},
		{"plain", "Tell me a joke about cats", 1},
		{"one specialty", "Summarize the report", 1},
		{"single and", "Summarize the report, and translate it to French", 1},
		{"numbered list", "1. Fetch data 2. Analyze results 3. Generate report", 4},
		{"unspaced list", "1.Fetch data\n2.Analyze results", 3},
		{"sequence words", "Do this first, then that, next the other thing", 3},
		{"repeated and", "cats and dogs and birds", 2},
		{"breadth", "Write an article and analyze the dataset", 3},
		{"keyword", "urgent: tell me a joke", 2},
		{"complex marker", "Explain it step by step", 2},
		{"russian sequence", "Сделай это, затем то", 2},
		{"long", strings.Repeat("x", 201), 2},
		{"very long", strings.Repeat("x", 501), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.AnalyzeComplexity(tt.text); got != tt.want {
				t.Errorf("AnalyzeComplexity(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestAnalyzeComplexityMarkersCapped(t *testing.T) {
	a := NewAnalyzer(specialty.New())
	text := "1. one 2. two 3. three 4. four 5. five 6. six"
	if got := a.AnalyzeComplexity(text); got != 4 {
		t.Fatalf("expected marker bonus capped at 3 (score 4), got %d", got)
	}
}

func TestAnalyzeComplexityBounds(t *testing.T) {
	reg := specialty.New()
	reg.SetComplexityKeywords([]string{"urgent"})
	a := NewAnalyzer(reg)

	loaded := "urgent complex multi-step job: 1. write code 2. research sources 3. analyze data 4. plan roadmap, then also next and and " +
		strings.Repeat("more words ", 60)

	inputs := []string{
		"",
		" ",
		"1.",
		loaded,
		strings.Repeat("then ", 500),
		"\x00\xff invalid utf8",
	}
	for _, in := range inputs {
		got := a.AnalyzeComplexity(in)
		if got < 1 || got > 10 {
			t.Errorf("AnalyzeComplexity out of range: %d", got)
		}
	}
	if got := a.AnalyzeComplexity(loaded); got != 10 {
		t.Errorf("expected fully loaded instruction to score 10, got %d", got)
	}
}

func TestCountTaskMarkers(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"nothing here", 0},
		{"1) first 2) second", 2},
		{"version 3.5 is out", 0},
		{"additionally, also", 2},
		{"and", 0},
		{"x и y и z", 1},
		{"1.first\n2.second", 2},
		{"1.5 kg of flour", 0},
		{"costs 5. dollars 3. more", 1},
	}
	for _, tt := range tests {
		if got := countTaskMarkers(tt.text); got != tt.want {
			t.Errorf("countTaskMarkers(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
