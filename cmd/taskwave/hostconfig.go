package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mtzanidakis/taskwave/internal/hostcfg"
	"github.com/mtzanidakis/taskwave/internal/natsbus"
)

type hostConfigReply struct {
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
}

// runHostConfig sends a host configuration document, read from -f or stdin,
// to a running service.
func runHostConfig(args []string) error {
	var path string
	for i := 0; i < len(args); i++ {
		if args[i] == "-f" {
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			path = args[i]
		}
	}

	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read host config: %w", err)
	}

	// Validate locally so typos don't reach the service.
	var msg hostcfg.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("parse host config: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := natsbus.NewClientFromURL(natsURL(cfg))
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer client.Close()

	resp, err := sendHostConfig(client, msg)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("host config rejected: %s", resp.Error)
	}
	fmt.Printf("Host config delivered: %d specialties, %d keywords\n",
		len(msg.Specialties), len(msg.ComplexityKeywords))
	return nil
}

func sendHostConfig(client *natsbus.Client, msg hostcfg.Message) (*hostConfigReply, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal host config: %w", err)
	}
	reply, err := client.Request(natsbus.TopicHostConfig, data, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("host config request: %w", err)
	}

	var resp hostConfigReply
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}
