package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mtzanidakis/taskwave/internal/config"
	"github.com/mtzanidakis/taskwave/internal/dispatch"
	"github.com/mtzanidakis/taskwave/internal/natsbus"
	"github.com/mtzanidakis/taskwave/internal/runner"
	"github.com/mtzanidakis/taskwave/internal/specialty"
	"github.com/mtzanidakis/taskwave/internal/store"
	"github.com/mtzanidakis/taskwave/internal/swarm"
)

func newTestServer(t *testing.T, cfg config.WebConfig) (*Server, *httptest.Server) {
	t.Helper()

	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	coord, err := swarm.NewCoordinator(specialty.New(), config.OrchestratorConfig{
		MaxParallelAgents:      2,
		EnableDecomposition:    true,
		DecompositionThreshold: 3,
	})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}

	srv := NewServer(st, nil, runner.New(coord, dispatch.Echo(), st), cfg, "test")
	handler, err := srv.Handler()
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return srv, ts
}

func do(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestDecomposeEndpoint(t *testing.T) {
	_, ts := newTestServer(t, config.WebConfig{})

	var out struct {
		Decomposition swarm.DecompositionResult `json:"decomposition"`
		Plan          swarm.ExecutionPlan       `json:"plan"`
	}
	code := do(t, "POST", ts.URL+"/api/decompose", map[string]string{
		"instruction": "1. Research the market 2. Analyze the data 3. Write the report",
	}, &out)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(out.Decomposition.SubTasks) != 3 {
		t.Fatalf("subtasks = %d, want 3", len(out.Decomposition.SubTasks))
	}
	if out.Decomposition.Strategy != swarm.StrategySequential {
		t.Errorf("strategy = %q, want sequential", out.Decomposition.Strategy)
	}
	if len(out.Plan.Tiers) != 3 {
		t.Errorf("tiers = %d, want 3", len(out.Plan.Tiers))
	}
}

func TestDecomposeRequiresInstruction(t *testing.T) {
	_, ts := newTestServer(t, config.WebConfig{})

	if code := do(t, "POST", ts.URL+"/api/decompose", map[string]string{"instruction": "  "}, nil); code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
}

func TestRunLifecycle(t *testing.T) {
	_, ts := newTestServer(t, config.WebConfig{})

	var run store.Run
	code := do(t, "POST", ts.URL+"/api/runs", map[string]string{"instruction": "Summarize the news"}, &run)
	if code != http.StatusOK {
		t.Fatalf("create status = %d", code)
	}
	if run.Status != store.RunCompleted {
		t.Errorf("status = %q, want completed", run.Status)
	}
	if run.Output != "Echo: Summarize the news" {
		t.Errorf("output = %q", run.Output)
	}

	var runs []store.Run
	do(t, "GET", ts.URL+"/api/runs?limit=10", nil, &runs)
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("list = %+v", runs)
	}

	var got store.Run
	if code := do(t, "GET", ts.URL+"/api/runs/"+run.ID, nil, &got); code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	if got.Source != "api" {
		t.Errorf("source = %q, want api", got.Source)
	}

	if code := do(t, "DELETE", ts.URL+"/api/runs/"+run.ID, nil, nil); code != http.StatusOK {
		t.Fatalf("delete status = %d", code)
	}
	if code := do(t, "GET", ts.URL+"/api/runs/"+run.ID, nil, nil); code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", code)
	}
}

func TestListRunsRejectsBadLimit(t *testing.T) {
	_, ts := newTestServer(t, config.WebConfig{})

	if code := do(t, "GET", ts.URL+"/api/runs?limit=zero", nil, nil); code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
}

func TestHostConfigEndpoint(t *testing.T) {
	_, ts := newTestServer(t, config.WebConfig{})

	body := map[string]any{
		"specialties": []map[string]any{
			{"name": "legal", "patterns": []string{"contract"}, "description": "Legal review"},
		},
		"orchestrator": map[string]any{"max_parallel_agents": 5},
	}
	if code := do(t, "PUT", ts.URL+"/api/host-config", body, nil); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}

	var out struct {
		Decomposition swarm.DecompositionResult `json:"decomposition"`
	}
	do(t, "POST", ts.URL+"/api/decompose", map[string]string{"instruction": "Review the contract"}, &out)
	if got := out.Decomposition.SubTasks[0].Specialist; got != "legal" {
		t.Errorf("specialist = %q, want legal", got)
	}

	var cfg struct {
		Orchestrator config.OrchestratorConfig `json:"orchestrator"`
		Delivered    uint64                    `json:"host_config_delivered"`
		Applied      uint64                    `json:"host_config_applied"`
	}
	do(t, "GET", ts.URL+"/api/config", nil, &cfg)
	if cfg.Orchestrator.MaxParallelAgents != 5 {
		t.Errorf("max parallel = %d, want 5", cfg.Orchestrator.MaxParallelAgents)
	}
	if cfg.Delivered != cfg.Applied {
		t.Errorf("delivered %d != applied %d", cfg.Delivered, cfg.Applied)
	}
}

func TestHostConfigRejectsInvalidOrchestrator(t *testing.T) {
	_, ts := newTestServer(t, config.WebConfig{})

	body := map[string]any{"orchestrator": map[string]any{"decomposition_threshold": 11}}
	if code := do(t, "PUT", ts.URL+"/api/host-config", body, nil); code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
}

func TestSpecialtiesEndpoint(t *testing.T) {
	_, ts := newTestServer(t, config.WebConfig{})

	var out struct {
		Specialties []struct {
			Name string `json:"name"`
			Host bool   `json:"host"`
		} `json:"specialties"`
	}
	do(t, "GET", ts.URL+"/api/specialties", nil, &out)
	names := make(map[string]bool)
	for _, s := range out.Specialties {
		names[s.Name] = true
		if s.Host {
			t.Errorf("%s reported as host specialty", s.Name)
		}
	}
	for _, want := range []string{"code", "research", "data", "writing", "planning"} {
		if !names[want] {
			t.Errorf("missing specialty %q", want)
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, ts := newTestServer(t, config.WebConfig{})
	do(t, "POST", ts.URL+"/api/runs", map[string]string{"instruction": "Summarize the news"}, nil)

	var out struct {
		Status  string         `json:"status"`
		Runs    map[string]int `json:"runs"`
		Current swarm.Snapshot `json:"current"`
		Version string         `json:"version"`
	}
	do(t, "GET", ts.URL+"/api/status", nil, &out)
	if out.Status != "ok" || out.Version != "test" {
		t.Errorf("status = %q version = %q", out.Status, out.Version)
	}
	if out.Runs[store.RunCompleted] != 1 {
		t.Errorf("completed runs = %d, want 1", out.Runs[store.RunCompleted])
	}
	if out.Current.RunID == "" || len(out.Current.SubTasks) != 1 {
		t.Errorf("current = %+v", out.Current)
	}
}

func TestAuth(t *testing.T) {
	_, ts := newTestServer(t, config.WebConfig{Auth: "secret"})

	if code := do(t, "GET", ts.URL+"/api/status", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", code)
	}

	req, _ := http.NewRequest("GET", ts.URL+"/api/status", nil)
	req.SetBasicAuth("", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("basic auth status = %d, want 200", resp.StatusCode)
	}

	if code := do(t, "POST", ts.URL+"/api/login", map[string]string{"password": "wrong"}, nil); code != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d, want 401", code)
	}

	resp, err = http.Post(ts.URL+"/api/login", "application/json", strings.NewReader(`{"password":"secret"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	cookies := resp.Cookies()
	if len(cookies) == 0 {
		t.Fatal("login set no cookie")
	}

	req, _ = http.NewRequest("GET", ts.URL+"/api/auth/check", nil)
	req.AddCookie(cookies[0])
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("auth check status = %d, want 200", resp.StatusCode)
	}
}

func TestWebSocketReceivesBusEvents(t *testing.T) {
	bus, err := natsbus.New(config.NATSConfig{Port: 0, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)
	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(client.Close)

	srv, ts := newTestServer(t, config.WebConfig{})
	srv.nats = client

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.hub.Run(ctx)
	srv.subscribeEvents()
	if err := client.Flush(); err != nil {
		t.Fatal(err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for srv.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	progress := swarm.Event{Type: swarm.EventReasoningStep, Message: "Wave 1: running 2 subtask(s) in parallel"}
	if err := client.PublishJSON(natsbus.TopicRunProgress("run-1"), progress); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var got struct {
		Type    string      `json:"type"`
		RunID   string      `json:"run_id"`
		Payload swarm.Event `json:"payload"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != "progress" || got.RunID != "run-1" {
		t.Errorf("event = %+v", got)
	}
	if got.Payload.Message != progress.Message {
		t.Errorf("message = %q", got.Payload.Message)
	}
}
