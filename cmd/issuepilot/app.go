package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/issuepilot/issuepilot/agent"
	"github.com/issuepilot/issuepilot/audit"
	"github.com/issuepilot/issuepilot/config"
	"github.com/issuepilot/issuepilot/health"
	"github.com/issuepilot/issuepilot/jobs"
	"github.com/issuepilot/issuepilot/llm"
	httpserver "github.com/issuepilot/issuepilot/server"
	"github.com/issuepilot/issuepilot/storage"
	"github.com/issuepilot/issuepilot/task"
	"github.com/issuepilot/issuepilot/webcontext"
	"github.com/issuepilot/issuepilot/webhook"
)

// App owns the lifecycle of all service components: NATS, stores, job
// engine, and the HTTP surface.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	queue      *jobs.Queue
	dispatcher *jobs.Dispatcher
	processor  *jobs.Processor

	httpServer *httpserver.Server
	serveErr   chan error
	cancelRoot context.CancelFunc
}

// NewApp creates the application shell. Nothing is connected until Start.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		cfg:      cfg,
		logger:   logger,
		serveErr: make(chan error, 1),
	}
}

// Start brings up NATS, the stores, the job engine, and the HTTP server.
func (a *App) Start() error {
	rootCtx, cancel := context.WithCancel(context.Background())
	a.cancelRoot = cancel

	if err := a.setupNATS(); err != nil {
		cancel()
		return err
	}

	taskStore, statusStore, err := a.setupStores(rootCtx)
	if err != nil {
		cancel()
		return err
	}

	auditor := a.buildAuditor()

	a.queue = jobs.NewQueue(a.cfg.Jobs.MaxQueueSize)
	a.dispatcher = jobs.NewDispatcher(a.queue, statusStore, a.logger)

	planner := llm.NewPlanner(llm.NewClient(a.cfg.Planner), a.logger)
	fetcher := webcontext.NewFetcher(a.cfg.Enrich.Timeout, int64(a.cfg.Enrich.MaxContentKB)*1024)
	enricher := webcontext.NewEnricher(a.cfg.Enrich, fetcher, a.logger)

	planning := agent.NewPlanningHandler(taskStore, planner, enricher, a.dispatcher, auditor, a.logger)
	execution := agent.NewExecutionHandler(taskStore, newDryRunContainers(a.logger), newDryRunForge(a.logger), auditor, a.logger)

	if err := a.dispatcher.RegisterHandler(planning); err != nil {
		cancel()
		return fmt.Errorf("register planning handler: %w", err)
	}
	if err := a.dispatcher.RegisterHandler(execution); err != nil {
		cancel()
		return fmt.Errorf("register execution handler: %w", err)
	}

	a.processor = jobs.NewProcessor(a.dispatcher, a.cfg.Jobs.Retry, a.cfg.Jobs.MaxConcurrency, a.logger)
	if err := a.processor.Start(rootCtx); err != nil {
		cancel()
		return fmt.Errorf("start processor: %w", err)
	}

	mux := a.buildMux(taskStore, statusStore, auditor)
	a.httpServer = httpserver.New(a.cfg.Server.Addr, mux, a.logger)
	go func() {
		a.serveErr <- a.httpServer.Start()
	}()

	return nil
}

// ServeErr reports a fatal HTTP listener failure, such as a bind error.
func (a *App) ServeErr() <-chan error {
	return a.serveErr
}

// Shutdown stops intake first, then drains workers and closes NATS.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Error("http shutdown failed", "error", err)
		}
	}

	if a.queue != nil {
		a.queue.Close()
	}
	if a.processor != nil {
		a.processor.Stop()
	}
	if a.cancelRoot != nil {
		a.cancelRoot()
	}

	if a.natsConn != nil {
		a.natsConn.Drain()
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}

// setupNATS connects to an external server or starts an embedded one. With
// neither configured the service runs on in-memory stores only.
func (a *App) setupNATS() error {
	switch {
	case a.cfg.NATS.URL != "":
		a.logger.Info("connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn

	case a.cfg.NATS.Embedded:
		a.logger.Info("starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // Random available port
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}
		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn

	default:
		a.logger.Warn("NATS disabled; task and job state will not survive restarts")
		return nil
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	return nil
}

// setupStores picks KV-backed stores when JetStream is available and the
// in-memory implementations otherwise.
func (a *App) setupStores(ctx context.Context) (task.Store, jobs.StatusStore, error) {
	if a.js == nil {
		return task.NewMemoryStore(), jobs.NewMemoryStatusStore(), nil
	}

	taskStore, err := storage.NewTaskStore(ctx, a.js)
	if err != nil {
		return nil, nil, fmt.Errorf("task store: %w", err)
	}
	statusStore, err := storage.NewStatusStore(ctx, a.js)
	if err != nil {
		return nil, nil, fmt.Errorf("status store: %w", err)
	}
	a.logger.Info("using JetStream KV stores",
		"task_bucket", storage.BucketTasks,
		"job_bucket", storage.BucketJobs)
	return taskStore, statusStore, nil
}

// buildAuditor wires the slog sink, plus the NATS sink when connected.
func (a *App) buildAuditor() audit.Sink {
	sinks := audit.MultiSink{audit.NewSlogSink(a.logger)}
	if a.natsConn != nil {
		sinks = append(sinks, audit.NewNATSSink(a.natsConn, a.logger))
	}
	return sinks
}

// buildMux assembles the HTTP surface: webhook ingress, job endpoints,
// health, and prometheus.
func (a *App) buildMux(taskStore task.Store, statusStore jobs.StatusStore, auditor audit.Sink) *http.ServeMux {
	mux := http.NewServeMux()

	hookHandler := webhook.NewHandler(taskStore, a.dispatcher, statusStore, auditor,
		a.cfg.Webhook.ActivationLabel, a.cfg.Jobs.Retry.MaxRetries, a.logger)
	webhook.NewHTTPHandler(hookHandler, a.cfg.Webhook.Secret, auditor, a.logger).RegisterHTTPHandlers(mux)

	jobs.NewHTTPHandler(statusStore, a.dispatcher, a.logger).RegisterHTTPHandlers(mux)

	probes := health.NewRegistry(a.logger)
	probes.Register("nats", a.natsProbe())
	probes.Register("queue", a.queueProbe())
	mux.Handle("/health", probes.Handler())
	mux.Handle("/health/detailed", probes.DetailedHandler())

	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// natsProbe reports healthy when NATS is connected, or when it is
// intentionally disabled.
func (a *App) natsProbe() health.Probe {
	return func(context.Context) error {
		if a.natsConn == nil {
			return nil
		}
		if !a.natsConn.IsConnected() {
			return fmt.Errorf("nats connection status: %s", a.natsConn.Status())
		}
		return nil
	}
}

// queueProbe flags saturation before Offer starts rejecting dispatches.
func (a *App) queueProbe() health.Probe {
	capacity := a.cfg.Jobs.MaxQueueSize
	return func(context.Context) error {
		depth := a.queue.Len()
		if depth >= capacity {
			return fmt.Errorf("queue saturated: %d/%d", depth, capacity)
		}
		return nil
	}
}
