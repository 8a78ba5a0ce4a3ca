package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/goant/internal/agent"
	"github.com/nextlevelbuilder/goant/internal/bootstrap"
	"github.com/nextlevelbuilder/goant/internal/bus"
	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/discovery"
	"github.com/nextlevelbuilder/goant/internal/gateway"
	"github.com/nextlevelbuilder/goant/internal/gateway/methods"
	"github.com/nextlevelbuilder/goant/internal/logging"
	"github.com/nextlevelbuilder/goant/internal/mainagent"
	mcpbridge "github.com/nextlevelbuilder/goant/internal/mcp"
	"github.com/nextlevelbuilder/goant/internal/msgrouter"
	"github.com/nextlevelbuilder/goant/internal/router"
	"github.com/nextlevelbuilder/goant/internal/sessions"
	"github.com/nextlevelbuilder/goant/internal/store"
	"github.com/nextlevelbuilder/goant/internal/tasks"
	"github.com/nextlevelbuilder/goant/internal/tools"
	"github.com/nextlevelbuilder/goant/internal/tracing"
	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

func runGateway() {
	// Structured logging: text console plus a JSON file sink.
	logPath := os.Getenv("ANT_LOG_PATH")
	if logPath == "" {
		logPath = logging.DefaultLogPath()
	}
	closeLog, err := logging.Setup(logging.Options{Verbose: verbose, FilePath: logPath})
	if err != nil {
		closeLog, _ = logging.Setup(logging.Options{Verbose: verbose})
		slog.Warn("file logging unavailable", "path", logPath, "error", err)
	}
	defer closeLog()

	// Config: seed a default file on first run, then load it.
	cfgPath := resolveConfigPath()
	if seeded, seedErr := bootstrap.EnsureConfig(cfgPath); seedErr != nil {
		slog.Warn("could not seed default config", "path", cfgPath, "error", seedErr)
	} else if seeded {
		slog.Info("wrote default config", "path", cfgPath)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	bootstrap.EnsureStateDirs(cfg)

	if !cfg.HasAnyProvider() {
		slog.Warn("no provider configured; discovery will probe local endpoints", "config", cfgPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgBus := bus.New()

	// Provider router with circuit breaker.
	rm := router.NewManager(router.Options{
		Breaker:          cfg.Providers.Breaker,
		Routing:          cfg.Providers.Routing,
		Default:          cfg.Providers.Default,
		FallbackChain:    cfg.Providers.FallbackChain,
		Tiers:            cfg.Providers.Tiers,
		FallbackFromFast: cfg.Providers.FallbackFromFast,
	})
	registered := registerProviders(rm, cfg)

	// Owner notifications are late-bound: the message router that carries
	// them is built further down. Assigned once, before any loop starts.
	var ownerNotify func(ctx context.Context, text string) error

	// Provider discovery + health overlay.
	overlay := discovery.NewOverlayStore(config.ExpandHome(cfg.Providers.Discovery.OverlayPath), slog.Default())
	disco := discovery.NewService(rm, overlay, discovery.Options{
		Config:    cfg.Providers.Discovery,
		BaseChain: cfg.Providers.FallbackChain,
		Enabled:   cfg.IsDiscoveryEnabled,
		Notify: func(ctx context.Context, message string) {
			if ownerNotify == nil {
				return
			}
			if nErr := ownerNotify(ctx, message); nErr != nil {
				slog.Warn("owner notification failed", "error", nErr)
			}
		},
	})
	restoreOverlay(rm, disco)

	sessMgr := sessions.NewManager(config.ExpandHome(cfg.Sessions.Storage))

	// Durable task engine.
	taskStore, err := tasks.NewStore(config.ExpandHome(cfg.Tasks.Dir), minutes(cfg.Tasks.CacheTTLMinutes))
	if err != nil {
		slog.Error("failed to open task store", "dir", cfg.Tasks.Dir, "error", err)
		os.Exit(1)
	}
	queue := tasks.NewQueue(taskStore, msgBus, tasks.QueueOptions{
		MainConcurrency:        cfg.Tasks.MainConcurrency,
		AutonomousConcurrency:  cfg.Tasks.AutonomousConcurrency,
		MaintenanceConcurrency: cfg.Tasks.MaintenanceConcurrency,
		DefaultTimeoutMs:       int64(cfg.Tasks.DefaultTimeoutMs),
		DefaultMaxAttempts:     cfg.Tasks.DefaultMaxAttempts,
		RetryBase:              ms(cfg.Tasks.RetryBaseMs),
		RetryMax:               ms(cfg.Tasks.RetryMaxMs),
	})
	monitor := tasks.NewTimeoutMonitor(taskStore, msgBus, tasks.MonitorOptions{
		WarningThreshold: ms(cfg.Tasks.WarningThresholdMs),
		OnTerminal:       queue.NotifyTerminal,
	})
	monitor.Start(ctx)

	// Mode-based stores. Standalone keeps everything on local files; managed
	// mirrors sessions and terminal tasks to Postgres.
	isManaged := isManagedMode(cfg)
	var remoteStores *store.Stores
	if isManaged {
		remoteStores = openRemoteStores(cfg)
	}

	// LLM tracing: Postgres store in managed mode, SQLite otherwise.
	traceStore := openTraceStore(cfg, remoteStores)
	var collector *tracing.Collector
	if traceStore != nil {
		collector = tracing.NewCollector(traceStore, slog.Default())
		// OTLP span export is compiled via build tags: go build -tags otel.
		initOTelExporter(ctx, cfg, collector)
	}

	// Workspace must be absolute for the file tools' path resolution.
	workspace := config.ExpandHome(cfg.Agent.Workspace)
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	os.MkdirAll(workspace, 0o755)

	// The spawn tool needs a run function before the engine exists; eng is
	// assigned once below, before any task can be enqueued.
	var eng *agent.Engine
	runTask := func(ctx context.Context, t *tasks.Task) (string, error) {
		key := t.SessionKey
		if t.SubagentSessionKey != "" {
			key = t.SubagentSessionKey
		}
		if key == "" {
			key = sessions.BuildSubagentKey(shortTaskID(t.ID))
		}
		res, execErr := eng.Execute(ctx, agent.ExecuteRequest{
			SessionKey: key,
			Query:      t.Description,
			Channel:    t.Metadata.Channel,
			RunID:      t.ID,
			Action:     "subagent",
		})
		if execErr != nil {
			return "", execErr
		}
		return res.Response, nil
	}

	// Tool belt.
	reg, browserMgr := registerBuiltinTools(cfg, builtinToolDeps{
		Workspace: workspace,
		Sessions:  sessMgr,
		Bus:       msgBus,
		Queue:     queue,
		Store:     taskStore,
		Router:    rm,
		Discovery: disco,
		RunTask:   runTask,
	})
	policy := tools.NewPolicyEngine(&cfg.Tools)

	// MCP servers surface their tools through the same registry.
	var mcpMgr *mcpbridge.Manager
	if len(cfg.Tools.McpServers) > 0 {
		mcpMgr = mcpbridge.NewManager(reg, cfg.Tools.McpServers)
		if mcpErr := mcpMgr.Start(ctx); mcpErr != nil {
			slog.Warn("mcp startup errors", "error", mcpErr)
		}
	}

	// Agent engine.
	eng = agent.New(agent.Options{
		Router:    rm,
		Sessions:  sessMgr,
		Tools:     reg,
		Policy:    policy,
		Events:    msgBus,
		Collector: collector,
		Agent:     cfg.Agent,
	})

	// Cross-channel message router. One budget bounds queue residency and
	// handler runtime; take the larger of the two configured values.
	queueBudgetMs := cfg.Router.ProcessingTimeoutMs
	if cfg.Router.SessionQueueTimeoutMs > queueBudgetMs {
		queueBudgetMs = cfg.Router.SessionQueueTimeoutMs
	}
	ordering := cfg.Router.SessionOrderingEnabled == nil || *cfg.Router.SessionOrderingEnabled
	mr := msgrouter.New(msgBus, msgrouter.Options{
		MaxConcurrentSessions: cfg.Router.MaxConcurrentSessions,
		MaxQueueSize:          cfg.Router.MaxQueueSize,
		SessionQueueTimeout:   ms(queueBudgetMs),
		SessionTimeout:        ms(cfg.Router.SessionTimeoutMs),
		ChannelOrdering:       !ordering,
		MaxSessions:           cfg.Router.MaxSessions,
		DedupeTTL:             minutes(cfg.Router.DedupeTTLMinutes),
		RateLimitRPM:          cfg.Gateway.RateLimitRPM,
	})
	mr.SetDefaultHandler(makeSessionHandler(cfg, eng, msgBus))
	mr.Start(ctx)

	if key := cfg.MainAgent.OwnerSessionKey; key != "" {
		ownerNotify = func(ctx context.Context, text string) error {
			ok, sendErr := mr.SendToSession(ctx, key, text, nil)
			if sendErr != nil {
				return sendErr
			}
			if !ok {
				return fmt.Errorf("owner session %q not deliverable", key)
			}
			return nil
		}
	}

	deb := startBusConsumers(ctx, cfg, msgBus, mr)

	// Managed mode: write-behind mirror of sessions and terminal tasks.
	var mirror *store.Mirror
	if isManaged {
		mirror = store.NewMirror(sessMgr, taskStore, remoteStores, msgBus, slog.Default())
		mirror.Start()
	}

	// Main-agent supervisor.
	ma := mainagent.New(mainagent.Options{
		Config:           cfg.MainAgent,
		Discovery:        cfg.Providers.Discovery,
		Engine:           eng,
		Discoverer:       disco,
		Queue:            queue,
		Store:            taskStore,
		Events:           msgBus,
		Sink:             ownerNotify,
		DiscoveryEnabled: cfg.IsDiscoveryEnabled,
	})
	if ma.Enabled() {
		if maErr := ma.Start(ctx); maErr != nil {
			slog.Warn("main agent failed to start", "error", maErr)
		}
	} else {
		slog.Info("main agent disabled")
		// The supervisor normally replays interrupted tasks on start.
		if n, repErr := queue.Replay(runTask); repErr != nil {
			slog.Warn("task replay failed", "error", repErr)
		} else if n > 0 {
			slog.Info("replayed interrupted tasks", "count", n)
		}
	}

	// Hot-reload routing and fallback chain on config file changes.
	watcher, err := config.NewWatcher(cfgPath, cfg)
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		go watcher.Run(ctx, func(next *config.Config) {
			rm.UpdateRouting(next.Providers.Routing)
			rm.UpdateFallbackChain(next.Providers.FallbackChain)
			disco.SetBaseChain(next.Providers.FallbackChain)
		})
	}

	// Gateway control plane.
	srv := gateway.NewServer(cfg, msgBus, gateway.Deps{
		Providers: rm,
		Sessions:  sessMgr,
		Tasks:     queue,
		TaskStore: taskStore,
		Discovery: disco,
	})
	methods.NewProviderMethods(rm).Register(srv.Router())
	methods.NewTaskMethods(queue, taskStore).Register(srv.Router())
	methods.NewSessionMethods(sessMgr).Register(srv.Router())
	methods.NewDiscoveryMethods(disco).Register(srv.Router())
	methods.NewLogMethods(logPath).Register(srv.Router())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)

		srv.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, nil))

		ma.Stop()
		if deb != nil {
			deb.Stop()
		}

		shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shCancel()
		if drainErr := mr.Shutdown(shCtx); drainErr != nil {
			slog.Warn("message router drain incomplete", "error", drainErr)
		}
		if drainErr := queue.Shutdown(shCtx); drainErr != nil {
			slog.Warn("task queue drain incomplete", "error", drainErr)
		}
		if mirror != nil {
			mirror.Stop()
		}
		if mcpMgr != nil {
			mcpMgr.Stop()
		}
		if collector != nil {
			collector.Close()
		}
		if browserMgr != nil {
			browserMgr.Close()
		}
		cancel()
	}()

	mode := "standalone"
	if isManaged {
		mode = "managed"
	}
	slog.Info("goant gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"mode", mode,
		"providers", registered,
		"tools", len(reg.List()),
	)

	// Tailscale listener: build the mux first so the same routes are served
	// on both the main listener and the tailnet. Compiled via build tags:
	// go build -tags tsnet.
	mux := srv.BuildMux()
	tsCleanup := initTailscale(ctx, cfg, mux)
	if tsCleanup != nil {
		defer tsCleanup()
	}

	if err := srv.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func minutes(v int) time.Duration { return time.Duration(v) * time.Minute }

func isOwner(cfg *config.Config, senderID string) bool {
	if senderID == "" {
		return false
	}
	for _, id := range cfg.Gateway.OwnerIDs {
		if id == senderID {
			return true
		}
	}
	return false
}

func shortTaskID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
