// Package hostcfg delivers host configuration to the coordinator, either as
// messages on the host.config subject or by watching the config file.
package hostcfg

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/taskwave/internal/config"
	"github.com/mtzanidakis/taskwave/internal/natsbus"
	"github.com/mtzanidakis/taskwave/internal/specialty"
	"github.com/mtzanidakis/taskwave/internal/swarm"
	"github.com/nats-io/nats.go"
)

// Target is the receiver of host configuration.
type Target interface {
	DeliverHostConfig(hc swarm.HostConfig)
	UpdateConfig(u swarm.ConfigUpdate) error
}

// Message is the payload accepted on the host.config subject.
type Message struct {
	swarm.HostConfig
	Orchestrator *swarm.ConfigUpdate `json:"orchestrator,omitempty"`
}

// FromConfig builds the host configuration carried by a config file.
func FromConfig(cfg *config.Config) swarm.HostConfig {
	specs := make([]specialty.Specialty, len(cfg.Specialties))
	for i, s := range cfg.Specialties {
		specs[i] = specialty.Specialty{
			Name:        s.Name,
			Patterns:    append([]string(nil), s.Patterns...),
			Description: s.Description,
		}
	}
	keywords := cfg.ComplexityKeywords
	if keywords == nil {
		keywords = []string{}
	}
	return swarm.HostConfig{Specialties: specs, ComplexityKeywords: keywords}
}

// FullUpdate turns an orchestrator config into an update touching every field.
func FullUpdate(o config.OrchestratorConfig) swarm.ConfigUpdate {
	return swarm.ConfigUpdate{
		MaxParallelAgents:      &o.MaxParallelAgents,
		EnableDecomposition:    &o.EnableDecomposition,
		DecompositionThreshold: &o.DecompositionThreshold,
	}
}

// Subscribe delivers every message on the host.config subject to target.
// Requests get a {"ok":true} or {"error":...} reply.
func Subscribe(client *natsbus.Client, target Target) (*nats.Subscription, error) {
	sub, err := client.Subscribe(natsbus.TopicHostConfig, func(msg *nats.Msg) {
		reply := map[string]any{"ok": true}
		if err := apply(msg.Data, target); err != nil {
			slog.Warn("host config rejected", "error", err)
			reply = map[string]any{"error": err.Error()}
		}
		if msg.Reply == "" {
			return
		}
		data, _ := json.Marshal(reply)
		if err := msg.Respond(data); err != nil {
			slog.Error("failed to respond to host config", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", natsbus.TopicHostConfig, err)
	}
	return sub, nil
}

func apply(data []byte, target Target) error {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode host config: %w", err)
	}
	if m.Orchestrator != nil {
		if err := target.UpdateConfig(*m.Orchestrator); err != nil {
			return err
		}
	}
	if m.Specialties != nil || m.ComplexityKeywords != nil {
		target.DeliverHostConfig(m.HostConfig)
		slog.Info("host config delivered",
			"specialties", len(m.Specialties),
			"keywords", len(m.ComplexityKeywords))
	}
	return nil
}
