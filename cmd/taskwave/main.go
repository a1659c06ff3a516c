package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mtzanidakis/taskwave/internal/config"
	"github.com/mtzanidakis/taskwave/internal/dispatch"
	"github.com/mtzanidakis/taskwave/internal/hostcfg"
	"github.com/mtzanidakis/taskwave/internal/logging"
	"github.com/mtzanidakis/taskwave/internal/natsbus"
	"github.com/mtzanidakis/taskwave/internal/runner"
	"github.com/mtzanidakis/taskwave/internal/scheduler"
	"github.com/mtzanidakis/taskwave/internal/specialty"
	"github.com/mtzanidakis/taskwave/internal/store"
	"github.com/mtzanidakis/taskwave/internal/swarm"
	"github.com/mtzanidakis/taskwave/internal/telegram"
	"github.com/mtzanidakis/taskwave/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("taskwave %s\n", version)
		return
	case "serve":
		err = runServe()
	case "decompose":
		err = runDecompose(os.Args[2:])
	case "run":
		err = runInstruction(os.Args[2:])
	case "worker":
		err = runWorker(os.Args[2:])
	case "host-config":
		err = runHostConfig(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "import":
		err = runImport(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: taskwave <command>

Commands:
  serve                          Start the service (NATS, scheduler, web API)
  decompose "<instruction>"      Print the decomposition of an instruction
  run [-echo] "<instruction>"    Decompose and execute an instruction
  worker [-name n] [-cmd "..."]  Serve subtasks for the NATS executor
  host-config [-f file.json]     Send host configuration to a running service
  export -f <runs.jsonl.zst>     Export run history (sealed when
                                 TASKWAVE_EXPORT_PASSPHRASE is set)
  import -f <runs.jsonl.zst>     Import run history
  version                        Print version
`)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Setup(cfg.Log)
	return cfg, nil
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("starting taskwave", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// NATS, embedded unless an external server is configured
	var client *natsbus.Client
	if cfg.NATS.URL != "" {
		client, err = natsbus.NewClientFromURL(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		slog.Info("nats connected", "url", cfg.NATS.URL)
	} else {
		bus, err := natsbus.New(cfg.NATS)
		if err != nil {
			return fmt.Errorf("init nats: %w", err)
		}
		defer bus.Close()
		client, err = natsbus.NewClient(bus)
		if err != nil {
			return fmt.Errorf("nats client: %w", err)
		}
		slog.Info("nats started", "url", bus.ClientURL())
	}
	defer client.Close()

	coord, closeCoord, err := newCoordinator(cfg, client)
	if err != nil {
		return err
	}
	defer closeCoord()

	if _, err := hostcfg.Subscribe(client, coord); err != nil {
		return err
	}

	exec, err := newExecutor(cfg, client, false)
	if err != nil {
		return err
	}
	svc := runner.New(coord, exec, db)

	// Scheduler
	sched := scheduler.New(db, svc, client, cfg.Scheduler)
	if err := sched.Sync(cfg.Schedules); err != nil {
		return fmt.Errorf("sync schedules: %w", err)
	}
	go sched.Start(ctx)
	slog.Info("scheduler started", "schedules", len(cfg.Schedules))

	// Config file watcher
	if cfg.File() != "" {
		w, err := hostcfg.NewWatcher(cfg, coord)
		if err != nil {
			return fmt.Errorf("init config watcher: %w", err)
		}
		w.OnSchedulerChange(sched.UpdateConfig)
		go w.Run(ctx)
		slog.Info("watching config", "path", cfg.File())
	}

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(db, client, svc, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Telegram bot
	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBot(cfg.Telegram, svc)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		go func() {
			if err := bot.Start(ctx); err != nil {
				slog.Error("telegram bot error", "error", err)
			}
		}()
		slog.Info("telegram bot started")
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()
	return nil
}

// newCoordinator builds a coordinator with the config file's host
// configuration delivered. The returned func releases the cache.
func newCoordinator(cfg *config.Config, events swarm.Publisher) (*swarm.Coordinator, func(), error) {
	var opts []swarm.Option
	closeFn := func() {}

	if events != nil {
		opts = append(opts, swarm.WithPublisher(events))
	}
	if cfg.Cache.Enabled {
		cache, err := swarm.NewCache(cfg.Cache)
		if err != nil {
			return nil, nil, fmt.Errorf("init cache: %w", err)
		}
		opts = append(opts, swarm.WithCache(cache))
		closeFn = cache.Close
	}

	coord, err := swarm.NewCoordinator(specialty.New(), cfg.Orchestrator, opts...)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("init coordinator: %w", err)
	}
	coord.DeliverHostConfig(hostcfg.FromConfig(cfg))
	return coord, closeFn, nil
}

func newExecutor(cfg *config.Config, client *natsbus.Client, echo bool) (swarm.Executor, error) {
	if echo || cfg.Executor.Kind == "echo" {
		return dispatch.Echo(), nil
	}
	if client == nil {
		return nil, fmt.Errorf("executor %q needs a NATS connection", cfg.Executor.Kind)
	}
	return dispatch.NATS(client, cfg.Executor.Worker, cfg.Executor.Timeout), nil
}

// natsURL is the server a client command connects to.
func natsURL(cfg *config.Config) string {
	if cfg.NATS.URL != "" {
		return cfg.NATS.URL
	}
	return fmt.Sprintf("nats://127.0.0.1:%d", cfg.NATS.Port)
}

func runDecompose(args []string) error {
	instruction := strings.TrimSpace(strings.Join(args, " "))
	if instruction == "" {
		fmt.Fprintf(os.Stderr, "Usage: taskwave decompose \"<instruction>\"\n")
		return fmt.Errorf("missing instruction")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	coord, closeCoord, err := newCoordinator(cfg, nil)
	if err != nil {
		return err
	}
	defer closeCoord()

	d := coord.Decompose(instruction)
	out := map[string]any{"decomposition": d}
	if plan, err := swarm.BuildPlan(d.SubTasks); err == nil {
		out["plan"] = plan
	}
	return printJSON(out)
}

func runInstruction(args []string) error {
	echo := false
	var words []string
	for _, a := range args {
		if a == "-echo" {
			echo = true
			continue
		}
		words = append(words, a)
	}
	instruction := strings.TrimSpace(strings.Join(words, " "))
	if instruction == "" {
		fmt.Fprintf(os.Stderr, "Usage: taskwave run [-echo] \"<instruction>\"\n")
		return fmt.Errorf("missing instruction")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var client *natsbus.Client
	if !echo && cfg.Executor.Kind == "nats" {
		client, err = natsbus.NewClientFromURL(natsURL(cfg))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer client.Close()
	}

	var events swarm.Publisher
	if client != nil {
		events = client
	}
	coord, closeCoord, err := newCoordinator(cfg, events)
	if err != nil {
		return err
	}
	defer closeCoord()

	exec, err := newExecutor(cfg, client, echo)
	if err != nil {
		return err
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	svc := runner.New(coord, exec, db)
	svc.OnProgress(func(ev swarm.Event) {
		fmt.Fprintf(os.Stderr, "%s\n", ev.Message)
		if ev.ReasoningText != "" {
			fmt.Fprintf(os.Stderr, "  %s\n", strings.ReplaceAll(ev.ReasoningText, "\n", "\n  "))
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, err := svc.Run(ctx, instruction, "cli")
	if err != nil {
		return err
	}
	fmt.Println(run.Output)
	if run.Status != store.RunCompleted {
		fmt.Fprintf(os.Stderr, "run %s finished %s\n", run.ID, run.Status)
	}
	return nil
}

func runWorker(args []string) error {
	name := ""
	command := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-name":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -name")
			}
			i++
			name = args[i]
		case "-cmd":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -cmd")
			}
			i++
			command = args[i]
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if name == "" {
		name = cfg.Executor.Worker
	}

	var handler dispatch.Handler = dispatch.EchoHandler
	if command != "" {
		parts := strings.Fields(command)
		handler = dispatch.CommandHandler(parts[0], parts[1:]...)
	}

	client, err := natsbus.NewClientFromURL(natsURL(cfg))
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer client.Close()

	w, err := dispatch.NewWorker(client, name, handler)
	if err != nil {
		return err
	}
	defer w.Stop()
	slog.Info("worker listening", "topic", natsbus.TopicWorkerInput(name), "command", command)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("worker stopping", "signal", sig)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
