// Package dispatch connects the scheduler to the processes that do the
// actual work. Subtasks travel over NATS request/reply on
// agent.<worker>.input; a Worker serves that subject.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mtzanidakis/taskwave/internal/natsbus"
	"github.com/mtzanidakis/taskwave/internal/swarm"
	"github.com/nats-io/nats.go"
)

// Request is the payload sent to a worker for one subtask.
type Request struct {
	Text  string `json:"text"`
	RunID string `json:"run_id,omitempty"`
}

// Reply is what a worker answers with. A non-empty Error fails the subtask.
type Reply struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Requester sends a request and waits for the reply.
type Requester interface {
	RequestContext(ctx context.Context, topic string, data []byte) (*nats.Msg, error)
}

// NATS returns an executor that hands each subtask to the named worker and
// waits up to timeout for its reply. A zero timeout relies on ctx alone.
func NATS(client Requester, worker string, timeout time.Duration) swarm.Executor {
	topic := natsbus.TopicWorkerInput(worker)
	return func(ctx context.Context, description string) (string, error) {
		data, err := json.Marshal(Request{Text: description, RunID: swarm.RunIDFromContext(ctx)})
		if err != nil {
			return "", fmt.Errorf("marshal request: %w", err)
		}

		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		msg, err := client.RequestContext(ctx, topic, data)
		if err != nil {
			if errors.Is(err, nats.ErrNoResponders) {
				return "", fmt.Errorf("no worker listening on %s", topic)
			}
			return "", fmt.Errorf("dispatch to %s: %w", worker, err)
		}

		var reply Reply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			// Plain text replies are accepted as output.
			return strings.TrimSpace(string(msg.Data)), nil
		}
		if reply.Error != "" {
			return "", errors.New(reply.Error)
		}
		return reply.Output, nil
	}
}

// Echo returns an executor that answers every subtask with its own
// description. It is used for dry runs.
func Echo() swarm.Executor {
	return func(ctx context.Context, description string) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "Echo: " + description, nil
	}
}
