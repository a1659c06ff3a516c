package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/taskwave/internal/hostcfg"
	"github.com/mtzanidakis/taskwave/internal/schedule"
	"github.com/mtzanidakis/taskwave/internal/store"
	"github.com/mtzanidakis/taskwave/internal/swarm"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Decomposition
	mux.HandleFunc("POST /api/decompose", s.decompose)

	// Runs
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("POST /api/runs", s.createRun)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.deleteRun)

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("PUT /api/schedules/{id}", s.updateSchedule)

	// Specialists and host configuration
	mux.HandleFunc("GET /api/specialties", s.listSpecialties)
	mux.HandleFunc("GET /api/config", s.getConfig)
	mux.HandleFunc("PUT /api/host-config", s.updateHostConfig)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

type instructionRequest struct {
	Instruction string `json:"instruction"`
}

func decodeInstruction(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body instructionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return "", false
	}
	if strings.TrimSpace(body.Instruction) == "" {
		jsonError(w, "instruction is required", http.StatusBadRequest)
		return "", false
	}
	return body.Instruction, true
}

func (s *Server) decompose(w http.ResponseWriter, r *http.Request) {
	instruction, ok := decodeInstruction(w, r)
	if !ok {
		return
	}

	d := s.runner.Coordinator().Decompose(instruction)
	out := map[string]any{"decomposition": d}
	if plan, err := swarm.BuildPlan(d.SubTasks); err == nil {
		out["plan"] = plan
	}
	jsonResponse(w, out)
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	instruction, ok := decodeInstruction(w, r)
	if !ok {
		return
	}

	run, err := s.runner.Run(r.Context(), instruction, "api")
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRunLimit)
	}

	runs, err := s.store.ListRuns(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	jsonResponse(w, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	run, err := s.store.GetRun(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	if err := s.store.DeleteRun(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	schedules, err := s.store.ListSchedules()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(schedules))
	for _, sc := range schedules {
		out = append(out, scheduleToAPI(sc))
	}
	jsonResponse(w, out)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := r.PathValue("id")
	sc, err := s.store.GetSchedule(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sc == nil {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}

	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	status := store.SchedulePaused
	if body.Enabled {
		status = store.ScheduleActive
		// Resuming recomputes the next run so a long pause doesn't fire at once.
		next := schedule.CalculateNextRun(sc.Schedule)
		if next == nil {
			jsonError(w, "schedule has no future runs", http.StatusBadRequest)
			return
		}
		if err := s.store.SetScheduleNextRun(id, next); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if err := s.store.UpdateScheduleStatus(id, status); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": status})
}

func (s *Server) listSpecialties(w http.ResponseWriter, r *http.Request) {
	reg := s.runner.Coordinator().Registry()
	custom := make(map[string]bool)
	for _, sp := range reg.Custom() {
		custom[sp.Name] = true
	}

	out := make([]map[string]any, 0)
	for name, sp := range reg.All() {
		out = append(out, map[string]any{
			"name":        name,
			"description": sp.Description,
			"patterns":    sp.Patterns,
			"host":        custom[name],
		})
	}
	jsonResponse(w, map[string]any{
		"specialties":         out,
		"complexity_keywords": reg.ComplexityKeywords(),
	})
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	coord := s.runner.Coordinator()
	delivered, applied := coord.HostRevision()
	jsonResponse(w, map[string]any{
		"orchestrator":          coord.Config(),
		"host_config_delivered": delivered,
		"host_config_applied":   applied,
	})
}

// updateHostConfig accepts the same payload as the host.config subject.
func (s *Server) updateHostConfig(w http.ResponseWriter, r *http.Request) {
	var msg hostcfg.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	coord := s.runner.Coordinator()
	if msg.Orchestrator != nil {
		if err := coord.UpdateConfig(*msg.Orchestrator); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if msg.Specialties != nil || msg.ComplexityKeywords != nil {
		coord.DeliverHostConfig(msg.HostConfig)
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.runner.Coordinator().GetStatus()

	counts := map[string]int{}
	if s.store != nil {
		c, err := s.store.CountRuns()
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		counts = c
	}

	natsStatus := "disabled"
	if s.nats != nil {
		natsStatus = "ok"
	}

	jsonResponse(w, map[string]any{
		"status":    "ok",
		"current":   snap,
		"runs":      counts,
		"uptime":    formatUptime(time.Since(s.startedAt)),
		"nats":      natsStatus,
		"ws":        s.hub.Clients(),
		"timestamp": time.Now().UTC(),
		"version":   s.version,
	})
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		jsonError(w, "run history is not enabled", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func scheduleToAPI(sc store.Schedule) map[string]any {
	m := map[string]any{
		"id":               sc.ID,
		"name":             sc.Name,
		"schedule":         json.RawMessage(sc.Schedule),
		"schedule_display": schedule.FormatSchedule(sc.Schedule),
		"instruction":      sc.Instruction,
		"enabled":          sc.Status == store.ScheduleActive,
		"status":           sc.Status,
	}
	if sc.LastRunAt != nil {
		m["last_run"] = sc.LastRunAt.UTC()
		m["last_status"] = sc.LastStatus
	}
	if sc.LastError != "" {
		m["last_error"] = sc.LastError
	}
	if sc.NextRunAt != nil {
		m["next_run"] = sc.NextRunAt.UTC()
	}
	return m
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
