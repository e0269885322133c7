// Command retentiond runs the retention agents over a stream of subscriber
// events read as JSON lines.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/aschepis/backscratcher/retention/agent"
	"github.com/aschepis/backscratcher/retention/config"
	"github.com/aschepis/backscratcher/retention/embedding"
	"github.com/aschepis/backscratcher/retention/episode"
	"github.com/aschepis/backscratcher/retention/learning"
	"github.com/aschepis/backscratcher/retention/llm"
	"github.com/aschepis/backscratcher/retention/llm/provider"
	retentionlogger "github.com/aschepis/backscratcher/retention/logger"
	"github.com/aschepis/backscratcher/retention/memory"
	"github.com/aschepis/backscratcher/retention/migrations"
	"github.com/aschepis/backscratcher/retention/notify"
	"github.com/aschepis/backscratcher/retention/reasoning"
	"github.com/aschepis/backscratcher/retention/runtime"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", config.GetServerConfigPath(), "Path to the YAML config file")
		eventsPath = flag.String("events", "-", "JSON-lines event file, or - for stdin")
		logFile    = flag.String("logfile", "", "Path to log file. If not set, logs to stdout")
		pretty     = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
		dbPath     = flag.String("db", "", "Path to SQLite database file (overrides config)")
		follow     = flag.Bool("follow", false, "Keep running after the input is drained until signalled")
		inFlight   = flag.Int("max-inflight", defaultMaxInFlight, "Maximum input lines handled concurrently")
	)
	flag.Parse()

	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	appConfig, err := config.LoadServerConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load server configuration: %w", err)
	}
	if *dbPath != "" {
		appConfig.Database.Path = *dbPath
	}
	if *logFile == "" && !*pretty {
		*logFile = appConfig.Log.File
		*pretty = appConfig.Log.Pretty
	}

	logger, err := retentionlogger.InitWithOptions(*logFile, *pretty)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Info().Str("config", *configPath).Int("agents", len(appConfig.Agents)).Msg("retentiond starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---------------------------
	// 1. Open SQLite + schema
	// ---------------------------

	db, err := openDatabase(config.ExpandPath(appConfig.Database.Path), logger)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // No remedy for db close errors

	// ---------------------------
	// 2. Generative client + embeddings
	// ---------------------------

	client := newClient(appConfig, logger)
	embedder := embedding.Select(appConfig.EmbeddingOptions(), client, logger)
	if c, ok := embedder.(*embedding.Cached); ok {
		defer c.Close()
	}

	// ---------------------------
	// 3. Stores and engines
	// ---------------------------

	memories, err := memory.NewStore(db, embedder, logger)
	if err != nil {
		return fmt.Errorf("failed to create memory store: %w", err)
	}
	episodes, err := episode.NewStore(db, embedder, logger)
	if err != nil {
		return fmt.Errorf("failed to create episode store: %w", err)
	}
	gen := appConfig.Generation
	reasoner := reasoning.NewEngine(memories, episodes, client, reasoning.Config{
		Timeout:     gen.Timeout(),
		Temperature: gen.Temperature,
		MaxTokens:   gen.MaxTokens,
	}, logger)
	learner := learning.NewEngine(memories, episodes, client, learning.Config{
		Timeout:     gen.Timeout(),
		Temperature: gen.Temperature,
		MaxTokens:   gen.MaxTokens,
	}, logger)

	deps := agent.Deps{
		DB:          db,
		Actions:     agent.NewActionStore(logger, db),
		Subscribers: agent.NewSQLSubscriberSource(db),
		Reasoner:    reasoner,
		Episodes:    episodes,
		Learning:    learner,
		Notifier:    notify.New(appConfig.Notifications.Desktop, logger),
	}
	handlers, err := buildAgents(ctx, appConfig, deps, logger)
	if err != nil {
		return err
	}

	// ---------------------------
	// 4. Background sweeper
	// ---------------------------

	recent := memory.NewShortTerm()
	sweeper, err := runtime.NewSweeper(appConfig.Sweeper.Schedule, appConfig.ShortTermTTL(), memories, logger, recent)
	if err != nil {
		return fmt.Errorf("failed to create sweeper: %w", err)
	}
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Start(sweepCtx)
	}()
	defer func() {
		cancelSweep()
		<-sweepDone
	}()

	// ---------------------------
	// 5. Event loop
	// ---------------------------

	input, closeInput, err := openInput(*eventsPath)
	if err != nil {
		return err
	}
	defer closeInput()

	if err := newDispatcher(handlers, recent, *inFlight, logger).Run(ctx, input); err != nil {
		return err
	}
	if *follow {
		logger.Info().Msg("Input drained, waiting for shutdown signal")
		<-ctx.Done()
	}
	logger.Info().Msg("retentiond stopped")
	return nil
}

// openDatabase opens the sqlite file, creating its directory, and applies
// migrations. WAL and a busy timeout let concurrent events share the file.
func openDatabase(path string, logger zerolog.Logger) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	logger.Info().Str("path", path).Msg("Opening database")
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := migrations.RunMigrations(db, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// newClient resolves the first configured provider. Without one the daemon
// still runs and every generative step takes its fallback.
func newClient(cfg *config.ServerConfig, logger zerolog.Logger) llm.Client {
	registry := llm.NewProviderRegistry(cfg.ProviderConfig(), cfg.LLMProviders)
	key, err := registry.Resolve(nil)
	if err != nil {
		logger.Warn().Err(err).Bool("fallback", true).Msg("No generative provider available")
		return nil
	}
	client, err := provider.New(key, cfg.ProviderOptions(), logger)
	if err != nil {
		logger.Warn().Err(err).Str("provider", key.Provider).Bool("fallback", true).Msg("Failed to build generative client")
		return nil
	}
	return client
}

func buildAgents(ctx context.Context, cfg *config.ServerConfig, deps agent.Deps, logger zerolog.Logger) ([]handler, error) {
	names := make([]string, 0, len(cfg.Agents))
	for name := range cfg.Agents {
		names = append(names, name)
	}
	sort.Strings(names)

	executor := agent.NewLogExecutor(logger)
	handlers := make([]handler, 0, len(names))
	for _, name := range names {
		agentCfg := cfg.Agents[name]
		b, err := agent.BehaviorFor(agentCfg.AgentType, executor)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", name, err)
		}
		core := agent.NewCore(*agentCfg, cfg.Brand, b, deps, logger)
		core.Initialize(ctx)
		handlers = append(handlers, core)
		logger.Info().Str("agent", name).Str("agent_type", core.Type()).Str("user_id", core.UserID()).Msg("Agent ready")
	}
	if len(handlers) == 0 {
		logger.Warn().Msg("No agents configured; events will be ignored")
	}
	return handlers, nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path) //#nosec G304 -- operator-supplied event file
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open events file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}
