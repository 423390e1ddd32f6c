// Command agentflow runs the workflow orchestrator: the HTTP API, the
// worker pool, or both in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/agentflow-go/bus"
	"github.com/dshills/agentflow-go/graph"
	"github.com/dshills/agentflow-go/graph/emit"
	"github.com/dshills/agentflow-go/model"
	"github.com/dshills/agentflow-go/model/anthropic"
	"github.com/dshills/agentflow-go/pipeline"
	"github.com/dshills/agentflow-go/queue"
	"github.com/dshills/agentflow-go/server"
	"github.com/dshills/agentflow-go/store"
	"github.com/dshills/agentflow-go/worker"
)

type cli struct {
	DBDriver string `help:"Database driver: sqlite or mysql." default:"sqlite" env:"AGENTFLOW_DB_DRIVER"`
	DBDSN    string `help:"Database DSN." default:"agentflow.db" env:"AGENTFLOW_DB_DSN"`
	Graph    string `help:"Pipeline variant: thin or full." default:"full" env:"AGENTFLOW_GRAPH"`

	Provider        string `help:"LLM provider: anthropic or scripted (offline)." default:"anthropic" env:"AGENTFLOW_PROVIDER"`
	Model           string `help:"Model name override." env:"AGENTFLOW_MODEL"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY" help:"Anthropic API key."`

	AutoApproveInput bool `help:"Skip the input human gate." env:"AGENTFLOW_AUTO_APPROVE_INPUT"`
	AutoApproveFinal bool `help:"Skip the final human gate." env:"AGENTFLOW_AUTO_APPROVE_FINAL"`

	Debug bool `help:"Verbose logging." env:"AGENTFLOW_DEBUG"`

	Serve serveCmd `cmd:"" help:"Run the HTTP API server."`
	Work  workCmd  `cmd:"" help:"Run a worker pool."`
	All   allCmd   `cmd:"" default:"withargs" help:"Run server and workers in one process."`
}

type serveCmd struct {
	Listen string `help:"HTTP listen address." default:":8000" env:"AGENTFLOW_LISTEN"`
}

type workCmd struct {
	Workers int `help:"Concurrent claim loops." default:"4" env:"AGENTFLOW_WORKERS"`
}

type allCmd struct {
	Listen  string `help:"HTTP listen address." default:":8000" env:"AGENTFLOW_LISTEN"`
	Workers int    `help:"Concurrent claim loops." default:"4" env:"AGENTFLOW_WORKERS"`
}

// app holds everything main wires together.
type app struct {
	log         *zap.Logger
	db          *store.DB
	bus         *bus.Bus
	jobs        *queue.SQLStore
	workflows   *store.SQLWorkflows
	events      *store.SQLEvents
	checkpoints *store.SQLCheckpoints[pipeline.State]
	engine      *graph.Engine[pipeline.State]
	graphType   pipeline.GraphType
}

func main() {
	_ = godotenv.Load()

	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("agentflow"),
		kong.Description("Durable agent-workflow orchestrator."))

	log, err := buildLogger(flags.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(flags, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	defer func() { _ = a.db.Close() }()

	switch kctx.Command() {
	case "serve":
		err = a.runServe(ctx, flags.Serve.Listen, 0)
	case "work":
		err = a.runServe(ctx, "", flags.Work.Workers)
	default:
		err = a.runServe(ctx, flags.All.Listen, flags.All.Workers)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("run failed", zap.Error(err))
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func buildApp(flags cli, log *zap.Logger) (*app, error) {
	db, err := store.Open(store.Driver(flags.DBDriver), flags.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	jobs, err := queue.NewSQLStore(db)
	if err != nil {
		return nil, fmt.Errorf("init job store: %w", err)
	}

	workflows := store.NewSQLWorkflows(db)
	events := store.NewSQLEvents(db)
	artifacts := store.NewSQLArtifacts(db)
	cache := store.NewSQLCallCache(db)
	checkpoints := store.NewSQLCheckpoints[pipeline.State](db)

	eventBus := bus.New(bus.Options{Log: log})

	chatModel, err := buildModel(flags)
	if err != nil {
		return nil, err
	}

	metrics := graph.NewMetrics(prometheus.DefaultRegisterer)
	emitter := emit.Multi(
		emit.NewZapEmitter(log),
		bus.NewEmitter(eventBus),
		store.NewAuditEmitter(events, log),
	)

	graphType := pipeline.GraphType(flags.Graph)
	engine, err := pipeline.Build(
		pipeline.Deps{Model: chatModel, Cache: cache, Artifacts: artifacts, Log: log},
		pipeline.Config{
			Graph:            graphType,
			AutoApproveInput: flags.AutoApproveInput,
			AutoApproveFinal: flags.AutoApproveFinal,
		},
		checkpoints,
		emitter,
		graph.Options{Metrics: metrics},
	)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	return &app{
		log:         log,
		db:          db,
		bus:         eventBus,
		jobs:        jobs,
		workflows:   workflows,
		events:      events,
		checkpoints: checkpoints,
		engine:      engine,
		graphType:   graphType,
	}, nil
}

func buildModel(flags cli) (model.ChatModel, error) {
	switch flags.Provider {
	case "anthropic":
		return anthropic.New(flags.AnthropicAPIKey, flags.Model), nil
	case "scripted":
		return model.NewScriptedModel(nil), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", flags.Provider)
	}
}

// runServe runs the selected combination of HTTP server and worker pool
// until the shutdown signal, then drains gracefully.
func (a *app) runServe(ctx context.Context, listen string, workers int) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.bus.Run(gctx)
		return nil
	})

	if workers > 0 {
		handler := worker.NewWorkflowHandler(a.engine, a.workflows, a.bus, a.log)
		pool := worker.NewPool(a.jobs, handler, a.log, worker.Options{Concurrency: workers})
		g.Go(func() error {
			return pool.Run(gctx)
		})
	}

	if listen != "" {
		srv := server.New(server.Config{
			Log:         a.log,
			Workflows:   a.workflows,
			Events:      a.events,
			Jobs:        a.jobs,
			Bus:         a.bus,
			Checkpoints: a.checkpoints,
			Engine:      a.engine,
			GraphType:   a.graphType,
		})
		httpServer := &http.Server{
			Addr:              listen,
			Handler:           srv.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("http server listening", zap.String("addr", listen))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
