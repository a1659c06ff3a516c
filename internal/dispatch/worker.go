package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/mtzanidakis/taskwave/internal/natsbus"
	"github.com/nats-io/nats.go"
)

// Handler does the work for one subtask.
type Handler func(ctx context.Context, req Request) (string, error)

// Worker serves subtask requests for one worker name. Workers sharing a name
// form a queue group, so each request is handled once.
type Worker struct {
	name   string
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

func NewWorker(client *natsbus.Client, name string, h Handler) (*Worker, error) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{name: name, ctx: ctx, cancel: cancel}

	sub, err := client.QueueSubscribe(natsbus.TopicWorkerInput(name), "taskwave."+name, func(msg *nats.Msg) {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		w.wg.Add(1)
		w.mu.Unlock()
		go func() {
			defer w.wg.Done()
			w.handle(msg, h)
		}()
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe worker %s: %w", name, err)
	}
	if err := client.Flush(); err != nil {
		_ = sub.Unsubscribe()
		cancel()
		return nil, fmt.Errorf("flush worker subscription: %w", err)
	}
	w.sub = sub

	slog.Info("worker listening", "worker", name, "topic", natsbus.TopicWorkerInput(name))
	return w, nil
}

func (w *Worker) handle(msg *nats.Msg, h Handler) {
	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		slog.Warn("invalid worker request", "worker", w.name, "error", err)
		respond(msg, Reply{Error: "invalid request"})
		return
	}

	slog.Info("subtask received", "worker", w.name, "run", req.RunID)
	out, err := h(w.ctx, req)
	if err != nil {
		respond(msg, Reply{Error: err.Error()})
		return
	}
	respond(msg, Reply{Output: out})
}

func respond(msg *nats.Msg, reply Reply) {
	data, err := json.Marshal(reply)
	if err != nil {
		slog.Error("failed to marshal worker reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("failed to respond to request", "error", err)
	}
}

// Stop unsubscribes, cancels in-flight handlers and waits for them.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	_ = w.sub.Unsubscribe()
	w.cancel()
	w.wg.Wait()
}

// CommandHandler runs name with args for every request, feeding the subtask
// text on stdin and returning trimmed stdout.
func CommandHandler(name string, args ...string) Handler {
	return func(ctx context.Context, req Request) (string, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Stdin = strings.NewReader(req.Text)
		cmd.Env = append(cmd.Environ(), "TASKWAVE_RUN_ID="+req.RunID)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return "", fmt.Errorf("%s: %w: %s", name, err, msg)
			}
			return "", fmt.Errorf("%s: %w", name, err)
		}
		return strings.TrimSpace(stdout.String()), nil
	}
}

// EchoHandler answers with the request text.
func EchoHandler(_ context.Context, req Request) (string, error) {
	return "Echo: " + req.Text, nil
}
