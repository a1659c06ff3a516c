// Package specialty classifies free text into specialist roles.
//
// A Registry holds a fixed set of built-in specialties and an ordered list
// of host-supplied ones. Host entries are consulted first and replace a
// built-in of the same name.
package specialty

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// Specialty is a named role with the terms that route text to it.
type Specialty struct {
	Name        string   `json:"name"`
	Patterns    []string `json:"patterns"`
	Description string   `json:"description,omitempty"`
}

type entry struct {
	spec    Specialty
	matcher *regexp.Regexp
}

type Registry struct {
	mu       sync.RWMutex
	builtins []entry
	custom   []entry
	keywords []string
	revision uint64
}

func New() *Registry {
	r := &Registry{}
	for _, s := range builtins {
		e, err := compile(s)
		if err != nil {
			// Built-ins are static; a failure here is a programming error.
			panic(err)
		}
		r.builtins = append(r.builtins, e)
	}
	return r
}

// compile escapes every pattern and joins them into one case-insensitive
// substring matcher.
func compile(s Specialty) (entry, error) {
	if strings.TrimSpace(s.Name) == "" {
		return entry{}, fmt.Errorf("specialty name is required")
	}
	if len(s.Patterns) == 0 {
		return entry{}, fmt.Errorf("specialty %q: at least one pattern is required", s.Name)
	}
	alts := make([]string, 0, len(s.Patterns))
	for i, p := range s.Patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			return entry{}, fmt.Errorf("specialty %q: pattern %d is blank", s.Name, i)
		}
		alts = append(alts, regexp.QuoteMeta(p))
	}
	re, err := regexp.Compile(`(?i)(?:` + strings.Join(alts, "|") + `)`)
	if err != nil {
		return entry{}, fmt.Errorf("specialty %q: compile patterns: %w", s.Name, err)
	}
	spec := Specialty{
		Name:        s.Name,
		Patterns:    append([]string(nil), s.Patterns...),
		Description: s.Description,
	}
	return entry{spec: spec, matcher: re}, nil
}

// SetCustomSpecialties replaces the host specialty list. The whole list is
// validated first; on error the previous list stays in place.
func (r *Registry) SetCustomSpecialties(specs []Specialty) error {
	compiled := make([]entry, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		e, err := compile(s)
		if err != nil {
			return err
		}
		if seen[e.spec.Name] {
			return fmt.Errorf("duplicate specialty %q", e.spec.Name)
		}
		seen[e.spec.Name] = true
		compiled = append(compiled, e)
	}

	r.mu.Lock()
	r.custom = compiled
	r.revision++
	r.mu.Unlock()

	slog.Info("custom specialties set", "count", len(compiled))
	return nil
}

// SetComplexityKeywords replaces the keywords that raise an instruction's
// complexity score. Blank entries are ignored.
func (r *Registry) SetComplexityKeywords(keywords []string) {
	kws := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			kws = append(kws, kw)
		}
	}

	r.mu.Lock()
	r.keywords = kws
	r.revision++
	r.mu.Unlock()

	slog.Info("complexity keywords set", "count", len(kws))
}

func (r *Registry) ComplexityKeywords() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.keywords...)
}

// HasComplexityKeyword reports whether any configured keyword occurs in text.
func (r *Registry) HasComplexityKeyword(text string) bool {
	lower := strings.ToLower(text)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, kw := range r.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Revision increments on every setter call.
func (r *Registry) Revision() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.revision
}

// All returns built-ins overlaid by host specialties, keyed by name.
func (r *Registry) All() map[string]Specialty {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make(map[string]Specialty, len(r.builtins)+len(r.custom))
	for _, e := range r.builtins {
		all[e.spec.Name] = e.spec
	}
	for _, e := range r.custom {
		all[e.spec.Name] = e.spec
	}
	return all
}

// Custom returns the host specialties in configured order.
func (r *Registry) Custom() []Specialty {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Specialty, len(r.custom))
	for i, e := range r.custom {
		out[i] = e.spec
	}
	return out
}

func (r *Registry) Get(name string) (Specialty, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.ordered() {
		if e.spec.Name == name {
			return e.spec, true
		}
	}
	return Specialty{}, false
}

func (r *Registry) Descriptions() map[string]string {
	all := r.All()
	descs := make(map[string]string, len(all))
	for name, s := range all {
		descs[name] = s.Description
	}
	return descs
}

// Detect returns the first specialty whose patterns match text, testing
// host specialties before built-ins. It returns General when nothing matches.
func (r *Registry) Detect(text string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.ordered() {
		if e.matcher.MatchString(text) {
			return e.spec.Name
		}
	}
	return General
}

// Matching returns the names of every specialty in the merged set that
// matches text, in detection order.
func (r *Registry) Matching(text string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for _, e := range r.ordered() {
		if e.matcher.MatchString(text) {
			names = append(names, e.spec.Name)
		}
	}
	return names
}

// ordered lists host entries then the built-ins they do not override.
// Callers must hold r.mu.
func (r *Registry) ordered() []entry {
	if len(r.custom) == 0 {
		return r.builtins
	}
	overridden := make(map[string]bool, len(r.custom))
	out := make([]entry, 0, len(r.custom)+len(r.builtins))
	for _, e := range r.custom {
		overridden[e.spec.Name] = true
		out = append(out, e)
	}
	for _, e := range r.builtins {
		if !overridden[e.spec.Name] {
			out = append(out, e)
		}
	}
	return out
}
