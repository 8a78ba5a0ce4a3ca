package cmd

import (
	"log/slog"
	"os"

	"github.com/nextlevelbuilder/goant/internal/bus"
	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/discovery"
	"github.com/nextlevelbuilder/goant/internal/router"
	"github.com/nextlevelbuilder/goant/internal/sessions"
	"github.com/nextlevelbuilder/goant/internal/tasks"
	"github.com/nextlevelbuilder/goant/internal/tools"
	"github.com/nextlevelbuilder/goant/pkg/browser"
)

// builtinToolDeps carries everything the tool belt hooks into.
type builtinToolDeps struct {
	Workspace string
	Sessions  *sessions.Manager
	Bus       *bus.MessageBus
	Queue     *tasks.Queue
	Store     *tasks.Store
	Router    *router.Manager
	Discovery *discovery.Service
	RunTask   tasks.RunFunc
}

// registerBuiltinTools assembles the tool registry: filesystem, exec, web,
// session, task, and provider tools. Returns the browser manager (nil unless
// the render fallback is enabled) so shutdown can close it.
func registerBuiltinTools(cfg *config.Config, deps builtinToolDeps) (*tools.Registry, *browser.Manager) {
	reg := tools.NewRegistry()
	if cfg.Tools.ScrubCredentials != nil && !*cfg.Tools.ScrubCredentials {
		reg.SetScrubbing(false)
		slog.Info("credential scrubbing disabled")
	}
	if cfg.Tools.RateLimitPerHour > 0 {
		reg.SetRateLimit(cfg.Tools.RateLimitPerHour)
		slog.Info("tool rate limiting enabled", "per_hour", cfg.Tools.RateLimitPerHour)
	}

	restrict := cfg.Agent.RestrictToWorkspace
	reg.Register(tools.NewReadFileTool(deps.Workspace, restrict))
	reg.Register(tools.NewWriteFileTool(deps.Workspace, restrict))
	reg.Register(tools.NewListFilesTool(deps.Workspace, restrict))
	reg.Register(tools.NewEditTool(deps.Workspace, restrict))

	execTool := tools.NewExecTool(deps.Workspace, restrict)
	execTool.SetApproval(cfg.Tools.ExecApproval, nil)
	if cfg.Agent.PerToolTimeoutMs > 0 {
		execTool.SetTimeout(ms(cfg.Agent.PerToolTimeoutMs))
	}
	reg.Register(execTool)

	if webSearch := tools.NewWebSearchTool(tools.WebSearchConfig{
		BraveEnabled:    cfg.Tools.Web.Brave.Enabled,
		BraveAPIKey:     cfg.Tools.Web.Brave.APIKey,
		BraveMaxResults: cfg.Tools.Web.Brave.MaxResults,
		DDGEnabled:      cfg.Tools.Web.DuckDuckGo.Enabled,
		DDGMaxResults:   cfg.Tools.Web.DuckDuckGo.MaxResults,
	}); webSearch != nil {
		reg.Register(webSearch)
		slog.Info("web_search tool enabled")
	}

	var browserMgr *browser.Manager
	webFetchCfg := tools.WebFetchConfig{}
	if cfg.Tools.Browser.Enabled {
		browserMgr = browser.New(browser.WithHeadless(cfg.Tools.Browser.Headless))
		webFetchCfg.Renderer = browserMgr
		slog.Info("browser renderer enabled", "headless", cfg.Tools.Browser.Headless)
	}
	reg.Register(tools.NewWebFetchTool(webFetchCfg))

	reg.Register(tools.NewSessionsListTool(deps.Sessions))
	reg.Register(tools.NewSessionStatusTool(deps.Sessions))
	reg.Register(tools.NewSessionsHistoryTool(deps.Sessions))
	reg.Register(tools.NewSessionsSendTool(deps.Sessions, deps.Bus))

	reg.Register(tools.NewTaskSpawnTool(tools.TaskSpawnOptions{
		Queue:    deps.Queue,
		Store:    deps.Store,
		Sessions: deps.Sessions,
		Events:   deps.Bus,
		Run:      deps.RunTask,
	}))
	reg.Register(tools.NewTaskStatusTool(deps.Queue, deps.Store))

	if os.Getenv("ANT_DISABLE_PROVIDER_TOOLS") == "" {
		reg.Register(tools.NewProviderStatusTool(deps.Router))
		reg.Register(tools.NewProviderSwitchTool(deps.Router))
		reg.Register(tools.NewDiscoveryRunTool(deps.Discovery))
	}

	return reg, browserMgr
}
