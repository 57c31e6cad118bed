package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/showrunner-ai/showrunner"
	"github.com/showrunner-ai/showrunner/handlers"
	"github.com/showrunner-ai/showrunner/postgres"
	"github.com/showrunner-ai/showrunner/server"
	"github.com/showrunner-ai/showrunner/sqlite"
)

// CLI configuration
type cliConfig struct {
	ConfigFile string
	GraphsDir  string
	Addr       string
	StoreKind  string
	StorePath  string
	LogsDir    string
	SweepEvery time.Duration
	Verbose    bool
	JSON       bool
}

func main() {
	cli := parseFlags()

	if cli.GraphsDir == "" {
		color.Red("Error: graphs directory is required")
		flag.Usage()
		os.Exit(1)
	}

	logger := setupLogger(cli)

	cfg, err := loadConfig(cli.ConfigFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	graphs, err := loadGraphs(cli.GraphsDir)
	if err != nil {
		log.Fatalf("Failed to load graphs: %v", err)
	}
	for _, g := range graphs {
		color.Cyan("Graph: %s (%d nodes)", g.Name(), g.Len())
	}

	store, closeStore, err := openStore(cli)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer closeStore()
	color.Blue("Store: %s", cli.StoreKind)

	gates, err := showrunner.NewGateController(showrunner.GateControllerOptions{
		Config: cfg,
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("Failed to create gate controller: %v", err)
	}

	nodeHandlers, err := buildHandlers(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to build handlers: %v", err)
	}

	var nodeLog showrunner.NodeLogger = showrunner.NewNullNodeLogger()
	if cli.LogsDir != "" {
		nodeLog = showrunner.NewFileNodeLogger(cli.LogsDir)
		color.Blue("Node logs: %s", cli.LogsDir)
	}

	executor, err := showrunner.NewExecutor(showrunner.ExecutorOptions{
		Graphs:    graphs,
		Handlers:  nodeHandlers,
		Store:     store,
		Gates:     gates,
		Config:    cfg,
		Logger:    logger,
		Formatter: showrunner.NewConsoleRunFormatter(),
		NodeLog:   nodeLog,
	})
	if err != nil {
		log.Fatalf("Failed to create executor: %v", err)
	}

	ingress, err := showrunner.NewIngress(showrunner.IngressOptions{
		Config:   cfg,
		Store:    store,
		Executor: executor,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("Failed to create webhook ingress: %v", err)
	}

	dlq, err := showrunner.NewDeadLetterQueue(showrunner.DLQOptions{
		Store:  store,
		Target: ingress,
		Config: cfg,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("Failed to create dead letter queue: %v", err)
	}

	registry, err := showrunner.NewRegistry(showrunner.RegistryOptions{
		Executor: executor,
		Store:    store,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("Failed to create run registry: %v", err)
	}

	// Resume any runs left mid-flight by a previous process.
	ctx := context.Background()
	recovered, err := executor.Recover(ctx)
	if err != nil {
		logger.Error("recovery incomplete", "error", err)
	}
	if recovered > 0 {
		color.Yellow("Recovered %d in-flight run(s)", recovered)
	}

	srv, err := server.New(server.Options{
		Addr:     cli.Addr,
		Registry: registry,
		Ingress:  ingress,
		Gates:    gates,
		Executor: executor,
		DLQ:      dlq,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if cli.SweepEvery > 0 {
		go runSweeper(ctx, cli.SweepEvery, dlq, executor, logger)
	}

	color.Green("Listening on %s", cli.Addr)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func parseFlags() *cliConfig {
	cli := &cliConfig{}

	flag.StringVar(&cli.ConfigFile, "config", "", "Path to the YAML config file (optional; defaults apply)")
	flag.StringVar(&cli.ConfigFile, "c", "", "Path to the YAML config file (shorthand)")

	flag.StringVar(&cli.GraphsDir, "graphs", "", "Directory of YAML graph spec files (required)")
	flag.StringVar(&cli.GraphsDir, "g", "", "Directory of YAML graph spec files (shorthand)")

	flag.StringVar(&cli.Addr, "addr", ":8080", "HTTP listen address")
	flag.StringVar(&cli.StoreKind, "store", "memory", "Checkpoint store: memory, sqlite, or postgres")
	flag.StringVar(&cli.StorePath, "data", "", "Store location: file path for sqlite, database URL for postgres")
	flag.StringVar(&cli.LogsDir, "logs", "", "Directory for per-run node audit logs (optional)")
	flag.StringVar(&cli.LogsDir, "l", "", "Directory for per-run node audit logs (shorthand)")
	flag.DurationVar(&cli.SweepEvery, "sweep", time.Minute, "Dead letter and gate expiry sweep interval (0 disables)")

	flag.BoolVar(&cli.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&cli.Verbose, "v", false, "Enable verbose logging (shorthand)")
	flag.BoolVar(&cli.JSON, "json", false, "Emit JSON logs")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Showrunner - persisted multi-agent run orchestration

Usage: %s [options] -graphs <dir>

Examples:
  # Serve with in-memory state (development)
  %s -graphs ./graphs

  # Serve with a durable sqlite store
  %s -graphs ./graphs -store sqlite -data ./showrunner.db -config config.yaml

  # Serve against postgres
  %s -graphs ./graphs -store postgres -data postgres://localhost/showrunner

Options:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()
	return cli
}

func setupLogger(cli *cliConfig) *slog.Logger {
	level := slog.LevelWarn
	if cli.Verbose {
		level = slog.LevelInfo
	}
	if cli.JSON {
		return showrunner.NewJSONLogger(level)
	}
	return showrunner.NewLogger(level)
}

// loadConfig reads the YAML config when given, then overlays the approval
// secret from SHOWRUNNER_APPROVAL_SECRET so it can stay out of the file.
func loadConfig(path string) (*showrunner.Config, error) {
	cfg := showrunner.DefaultConfig()
	if path != "" {
		loaded, err := showrunner.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if secret := os.Getenv("SHOWRUNNER_APPROVAL_SECRET"); secret != "" {
		cfg.ApprovalSecret = secret
	}
	return cfg, nil
}

func loadGraphs(dir string) ([]*showrunner.Graph, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	more, err := filepath.Glob(filepath.Join(dir, "*.yml"))
	if err != nil {
		return nil, err
	}
	paths = append(paths, more...)
	if len(paths) == 0 {
		return nil, fmt.Errorf("no graph specs found in %s", dir)
	}

	var graphs []*showrunner.Graph
	for _, path := range paths {
		graph, err := showrunner.LoadGraphFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		graphs = append(graphs, graph)
	}
	return graphs, nil
}

func openStore(cli *cliConfig) (showrunner.Store, func(), error) {
	switch cli.StoreKind {
	case "memory":
		return showrunner.NewMemoryStore(), func() {}, nil
	case "sqlite":
		if cli.StorePath == "" {
			return nil, nil, fmt.Errorf("sqlite store requires -data <path>")
		}
		store, err := sqlite.New(cli.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "postgres":
		if cli.StorePath == "" {
			return nil, nil, fmt.Errorf("postgres store requires -data <database-url>")
		}
		store, err := postgres.New(context.Background(), cli.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store kind %q", cli.StoreKind)
	}
}

// buildHandlers assembles the built-in registry, wiring the submit handler
// only when provider endpoints are configured.
func buildHandlers(cfg *showrunner.Config, logger *slog.Logger) ([]showrunner.NodeHandler, error) {
	var client *showrunner.ProviderClient
	if len(cfg.ProviderEndpoints) > 0 {
		var adapters []showrunner.ProviderAdapter
		for name, endpoint := range cfg.ProviderEndpoints {
			adapters = append(adapters, handlers.NewHTTPProviderAdapter(name, endpoint))
		}
		built, err := showrunner.NewProviderClient(showrunner.ProviderClientOptions{
			Adapters: adapters,
			Config:   cfg,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		client = built
	}

	registry := handlers.Builtins(logger, client)
	list := make([]showrunner.NodeHandler, 0, len(registry))
	for _, h := range registry {
		list = append(list, h)
	}
	return list, nil
}

// runSweeper periodically replays due dead letters and expires overdue
// gates.
func runSweeper(ctx context.Context, every time.Duration, dlq *showrunner.DeadLetterQueue, executor *showrunner.Executor, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := dlq.SweepDue(ctx); err != nil {
				logger.Error("dead letter sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("dead letter sweep", "replayed", n)
			}
			if n, err := executor.ExpireGates(ctx); err != nil {
				logger.Error("gate expiry sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("gate expiry sweep", "expired", n)
			}
		}
	}
}
