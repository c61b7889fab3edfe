package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ultron-agent/ultrond/internal/api"
	"github.com/ultron-agent/ultrond/internal/config"
	"github.com/ultron-agent/ultrond/internal/events"
	"github.com/ultron-agent/ultrond/internal/executor"
	"github.com/ultron-agent/ultrond/internal/handler"
	"github.com/ultron-agent/ultrond/internal/llm"
	"github.com/ultron-agent/ultrond/internal/model"
	"github.com/ultron-agent/ultrond/internal/monitor"
	"github.com/ultron-agent/ultrond/internal/scheduler"
	"github.com/ultron-agent/ultrond/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Connect to NATS with more options
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS connection error", zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var natsURL string
	if cfg.NATS.Embedded {
		ns, err := startEmbeddedServer(cfg.NATS.StoreDir)
		if err != nil {
			logger.Fatal("Failed to start embedded NATS server", zap.Error(err))
		}
		defer ns.Shutdown()
		natsURL = ns.ClientURL()
		logger.Info("Started embedded NATS server", zap.String("url", natsURL))
	} else {
		natsURL = cfg.NATS.URLs[0]
	}

	// Connect with retry
	var nc *nats.Conn
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(natsURL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	store, err := storage.NewSQLiteStore(logger, cfg.Storage.Path)
	if err != nil {
		logger.Fatal("Failed to open storage", zap.Error(err))
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus(js, 0, logger)
	if err := bus.Start(ctx); err != nil {
		logger.Fatal("Failed to start event bus", zap.Error(err))
	}
	defer bus.Stop()

	sched := scheduler.New(js, store, bus, scheduler.Config{
		HistoryLimit:     cfg.Scheduler.HistoryLimit,
		FailureThreshold: cfg.Scheduler.FailureThreshold,
	}, logger)

	exec := executor.New(js, store, bus, executor.Config{
		MaxConcurrent:  cfg.Executor.MaxConcurrent,
		DefaultTimeout: cfg.Executor.DefaultTimeout,
	}, logger)

	retry := executor.NewRetryManager(js, &executor.ExponentialBackoff{
		InitialDelay: cfg.Executor.RetryDelay,
		MaxDelay:     cfg.Executor.MaxRetryDelay,
		Multiplier:   2.0,
	}, cfg.Executor.MaxRetries, logger)
	exec.SetRetryManager(retry)

	router := llm.NewRouter(buildProviders(cfg, logger), logger)

	submit := func(ctx context.Context, cmd *model.Command) error {
		return executor.Submit(js, cmd)
	}

	exec.RegisterHandler("shell", handler.NewShellHandler(logger))
	exec.RegisterHandler("http", handler.NewHTTPHandler(logger))
	exec.RegisterHandler("file", handler.NewFileHandler(logger, cfg.Handlers.FileBaseDir))
	exec.RegisterHandler("event", handler.NewEventHandler(logger, bus))
	exec.RegisterHandler("chat", handler.NewChatHandler(logger, router, submit, cfg.Handlers.AllowedTools))

	if cfg.Handlers.ContainerAccess {
		containerHandler, err := handler.NewContainerHandler(logger)
		if err != nil {
			logger.Warn("Container handler unavailable", zap.Error(err))
		} else {
			exec.RegisterHandler("container", containerHandler)
		}
	}

	if err := exec.Start(ctx); err != nil {
		logger.Fatal("Failed to start executor", zap.Error(err))
	}
	defer exec.Stop()

	if err := retry.Start(ctx); err != nil {
		logger.Fatal("Failed to start retry manager", zap.Error(err))
	}
	defer retry.Stop()

	if err := sched.Start(ctx); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}
	defer sched.Stop()

	mon := monitor.New(bus, monitor.Config{
		Interval:        cfg.Monitor.Interval,
		CPUThreshold:    cfg.Monitor.CPUThreshold,
		MemoryThreshold: cfg.Monitor.MemoryThreshold,
		AlertCooldown:   cfg.Monitor.AlertCooldown,
	}, logger)
	if err := mon.Start(ctx); err != nil {
		logger.Fatal("Failed to start monitor", zap.Error(err))
	}
	defer mon.Stop()

	server := api.NewServer(api.Deps{
		Config:    cfg,
		NATS:      nc,
		JetStream: js,
		Scheduler: sched,
		Executor:  exec,
		Bus:       bus,
		History:   store,
		Monitor:   mon,
		LLM:       router,
	}, logger)
	server.Start()
	server.SetReady(true)

	if err := bus.Emit(ctx, "agent.started", map[string]string{"name": cfg.App.Name}); err != nil {
		logger.Warn("Failed to emit startup event", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	cancel()
}

// startEmbeddedServer runs a JetStream-enabled NATS server inside the
// agent process. The server listens on a random loopback port; in-process
// clients find it through ClientURL.
func startEmbeddedServer(storeDir string) (*server.Server, error) {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  storeDir,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server did not become ready")
	}
	return ns, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func buildProviders(cfg *config.Config, logger *zap.Logger) []llm.Client {
	clients := make([]llm.Client, 0, len(cfg.LLM.Providers))
	for _, p := range cfg.LLM.Providers {
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		switch p.Type {
		case "ollama":
			clients = append(clients, llm.NewOllamaClient(p.BaseURL, p.Model, timeout, logger))
		case "openai":
			clients = append(clients, llm.NewOpenAIClient(p.Name, p.BaseURL, p.APIKey, p.Model, timeout, logger))
		}
	}
	return clients
}
