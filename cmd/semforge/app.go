package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/semforge/command"
	"github.com/c360studio/semforge/config"
	"github.com/c360studio/semforge/execution"
	"github.com/c360studio/semforge/llm"
	"github.com/c360studio/semforge/model"
	"github.com/c360studio/semforge/notify"
	"github.com/c360studio/semforge/storage"
	"github.com/c360studio/semforge/storage/kvstore"
	"github.com/c360studio/semforge/storage/redisstore"
	"github.com/c360studio/semforge/validation"
)

const shutdownTimeout = 10 * time.Second

// AppOption overrides a component NewApp would otherwise build from config.
type AppOption func(*App)

// WithOrchestrator replaces the LLM-backed orchestrator.
func WithOrchestrator(orch llm.Orchestrator) AppOption {
	return func(a *App) {
		a.orch = orch
	}
}

// WithStore replaces the configured storage backend.
func WithStore(store storage.Store) AppOption {
	return func(a *App) {
		a.store = store
	}
}

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS connections by URL
	conns map[string]*nats.Conn

	store   storage.Store
	closers []func() error

	registry   *model.Registry
	metrics    *prometheus.Registry
	notifier   notify.Notifier
	orch       llm.Orchestrator
	dispatcher *command.Dispatcher
	engine     *execution.Engine
}

// NewApp creates the application from cfg. Close releases its connections.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...AppOption) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[string]*nats.Conn),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	registry, err := loadRegistry(a.cfg.Models)
	if err != nil {
		return err
	}
	a.registry = registry

	if a.store == nil {
		store, err := a.openStore(ctx)
		if err != nil {
			return fmt.Errorf("initialize storage: %w", err)
		}
		a.store = store
	}

	notifiers := notify.Multi{notify.NewLogNotifier(a.logger)}
	if a.cfg.Notify.NATSURL != "" {
		nc, err := a.connect(a.cfg.Notify.NATSURL)
		if err != nil {
			return err
		}
		notifiers = append(notifiers, notify.NewNATSNotifier(nc,
			notify.WithSubjectPrefix(a.cfg.Notify.SubjectPrefix),
			notify.WithNATSLogger(a.logger)))
	}
	a.notifier = notifiers

	a.metrics = prometheus.NewRegistry()
	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.dispatcher = command.NewDispatcher(
		command.WithWorkers(a.cfg.Dispatcher.Workers),
		command.WithRetention(a.cfg.Dispatcher.Retention),
		command.WithLogger(a.logger),
		command.WithBroadcaster(a.notifier),
		command.WithRegisterer(a.metrics),
	)

	if a.orch == nil {
		a.orch = llm.NewChatOrchestrator(llm.NewClient(a.registry, llm.WithLogger(a.logger)))
	}

	taskTypes, err := taskTypesFor(a.cfg)
	if err != nil {
		return err
	}

	gate := validation.NewGate(
		validation.WithChecker(validation.NewChecker(a.orch,
			validation.WithCheckerTimeout(a.cfg.Validation.CheckerTimeout),
			validation.WithCheckerLogger(a.logger))),
		validation.WithLogger(a.logger),
	)

	a.engine = execution.NewEngine(a.store, a.orch,
		execution.WithLogger(a.logger),
		execution.WithNotifier(a.notifier),
		execution.WithAlternatives(a.registry),
		execution.WithTaskTypes(taskTypes),
		execution.WithGate(gate),
		execution.WithStepTimeout(a.cfg.Execution.StepTimeout),
		execution.WithExecutionTimeout(a.cfg.Execution.Timeout),
		execution.WithMaxAttempts(a.cfg.Execution.MaxAttempts),
	)
	return nil
}

// Store returns the execution store.
func (a *App) Store() storage.Store {
	return a.store
}

// Engine returns the execution engine.
func (a *App) Engine() *execution.Engine {
	return a.engine
}

// Dispatcher returns the command dispatcher.
func (a *App) Dispatcher() *command.Dispatcher {
	return a.dispatcher
}

func loadRegistry(cfg config.ModelsConfig) (*model.Registry, error) {
	if cfg.RegistryFile == "" {
		return model.NewDefaultRegistry(), nil
	}
	registry, err := model.LoadFromFile(cfg.RegistryFile)
	if err != nil {
		return nil, fmt.Errorf("load model registry: %w", err)
	}
	return registry, nil
}

// ReloadModels merges the registry file into the live registry.
func (a *App) ReloadModels(path string) {
	fresh, err := model.LoadFromFile(path)
	if err != nil {
		a.logger.Warn("Model registry reload failed, keeping current models", "path", path, "error", err)
		return
	}
	a.registry.MergeFromConfig(fresh.ToConfig())
	a.logger.Info("Model registry reloaded", "path", path, "endpoints", len(a.registry.ListEndpoints()))
}

func (a *App) openStore(ctx context.Context) (storage.Store, error) {
	sc := a.cfg.Storage
	switch sc.Backend {
	case config.BackendNATS:
		nc, err := a.connect(sc.NATSURL)
		if err != nil {
			return nil, err
		}
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, fmt.Errorf("create JetStream context: %w", err)
		}
		store, err := kvstore.NewStore(ctx, js, sc.BucketPrefix)
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.BackendRedis:
		store := redisstore.New(sc.RedisAddr, sc.RedisPassword, sc.RedisDB, redisstore.WithPrefix(sc.RedisPrefix))
		a.closers = append(a.closers, store.Close)
		return store, nil

	default:
		return storage.NewMemoryStore(), nil
	}
}

// connect returns a shared connection per URL.
func (a *App) connect(url string) (*nats.Conn, error) {
	if nc, ok := a.conns[url]; ok {
		return nc, nil
	}
	a.logger.Debug("Connecting to NATS", "url", url)
	nc, err := nats.Connect(url, nats.Name(appName))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	a.conns[url] = nc
	return nc, nil
}

// natsConn returns any open connection, preferring the notification one.
func (a *App) natsConn() *nats.Conn {
	if nc, ok := a.conns[a.cfg.Notify.NATSURL]; ok {
		return nc
	}
	for _, nc := range a.conns {
		return nc
	}
	return nil
}

// Serve runs the dispatcher, the metrics endpoint, the model registry watcher
// and the NATS request API until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	if err := a.dispatcher.Start(ctx); err != nil {
		return err
	}
	defer a.dispatcher.Stop()

	g, ctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{Registry: a.metrics}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			a.logger.Info("Metrics endpoint listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if a.cfg.Models.Watch {
		g.Go(func() error {
			return config.Watch(ctx, a.cfg.Models.RegistryFile, a.ReloadModels, config.WithWatchLogger(a.logger))
		})
	}

	if nc := a.natsConn(); nc != nil {
		api := newRequestAPI(a.engine, a.store, a.dispatcher, a.logger)
		subs, err := api.subscribe(nc, a.cfg.Notify.SubjectPrefix)
		if err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			for _, sub := range subs {
				_ = sub.Unsubscribe()
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	return g.Wait()
}

// RunOptions describes a one-shot execution.
type RunOptions struct {
	TaskType       string
	EntityID       string
	StepPrompt     string
	InitialContext string
	ContextFile    string
	Model          string
	Config         map[string]string
}

// RunSteps starts an execution, runs it on the dispatcher and waits for it.
// Cancelling ctx pauses the execution; the returned error then says so.
func (a *App) RunSteps(ctx context.Context, opts RunOptions) (*storage.Execution, error) {
	var cfg map[string]any
	if len(opts.Config) > 0 {
		cfg = make(map[string]any, len(opts.Config))
		for k, v := range opts.Config {
			cfg[k] = v
		}
	}

	id, err := a.engine.StartTaskExecution(ctx, execution.StartRequest{
		TaskType:       opts.TaskType,
		EntityID:       opts.EntityID,
		StepPrompt:     opts.StepPrompt,
		InitialContext: opts.InitialContext,
		Config:         cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("start execution: %w", err)
	}

	if err := a.dispatcher.Start(ctx); err != nil {
		return nil, err
	}
	defer a.dispatcher.Stop()

	handle, err := a.engine.EnqueueExecution(ctx, a.dispatcher, id, 0)
	if err != nil {
		return nil, err
	}
	<-handle.Done()

	exec, err := a.store.GetExecution(context.WithoutCancel(ctx), id)
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", id, err)
	}
	if exec.Status != storage.StatusCompleted {
		return exec, fmt.Errorf("execution %s ended %s: %s", id, exec.Status, handle.Result().Message)
	}
	return exec, nil
}

// SeedAgents registers one enabled agent per role the task type needs, unless
// an enabled agent for that role already exists.
func (a *App) SeedAgents(ctx context.Context, taskType, modelName string) error {
	tt, err := a.engine.TaskTypes().Get(taskType)
	if err != nil {
		return err
	}
	for _, role := range []string{tt.ExecutorRole, tt.CheckerRole} {
		if role == "" {
			continue
		}
		existing, err := a.store.ListAgents(ctx, role)
		if err != nil {
			return fmt.Errorf("list %s agents: %w", role, err)
		}
		if hasEnabled(existing) {
			continue
		}
		agent := &storage.Agent{
			ID:      "cli-" + role,
			Name:    role,
			Role:    role,
			Model:   modelName,
			Enabled: true,
		}
		if err := a.store.SaveAgent(ctx, agent); err != nil {
			return fmt.Errorf("save agent %s: %w", agent.ID, err)
		}
		a.logger.Debug("Seeded agent", "id", agent.ID, "role", role, "model", modelName)
	}
	return nil
}

func hasEnabled(agents []*storage.Agent) bool {
	for _, ag := range agents {
		if ag.Enabled {
			return true
		}
	}
	return false
}

// Close releases connections. It is safe to call more than once.
func (a *App) Close() {
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn("Close failed", "error", err)
		}
	}
	a.closers = nil
	for url, nc := range a.conns {
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
		delete(a.conns, url)
	}
}

// taskTypesFor builds the built-in task types with thresholds from cfg.
func taskTypesFor(cfg *config.Config) (*execution.TaskTypes, error) {
	v := cfg.Validation
	types := execution.DefaultTaskTypes()
	for i := range types {
		t := &types[i]
		if len(t.PlotSteps) > 0 {
			t.MinPlotChars = v.MinPlotChars
			t.MinPlotSemantic = v.MinPlotSemantic
		}
		if t.MinFullStoryChars > 0 {
			t.MinFullStoryChars = v.MinFullStoryChars
		}
		if t.TTS {
			t.CoverageThreshold = v.CoverageThreshold
			t.ChunkSize = cfg.Execution.ChunkSize
		} else {
			t.WriterSemanticThreshold = v.WriterSemanticThreshold
		}
	}
	taskTypes, err := execution.NewTaskTypes(types...)
	if err != nil {
		return nil, fmt.Errorf("register task types: %w", err)
	}
	return taskTypes, nil
}
