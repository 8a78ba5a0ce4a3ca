package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goant/internal/providers"
)

// Registry holds the tool set available to the agent engine. Registration
// happens at startup (builtins, then MCP-contributed tools); lookups and
// execution happen concurrently from agent runs.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	disabled map[string]bool
	scrub    bool
	limiter  *sessionRateLimiter
}

func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		disabled: make(map[string]bool),
	}
}

// SetScrubbing toggles credential redaction on tool output.
func (r *Registry) SetScrubbing(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scrub = on
}

// SetRateLimit caps tool executions per session per hour. Zero disables
// the limit.
func (r *Registry) SetRateLimit(perHour int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if perHour <= 0 {
		r.limiter = nil
		return
	}
	r.limiter = newSessionRateLimiter(perHour, time.Hour)
}

// Register adds a tool, replacing any previous tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool by name. Returns false when unknown.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	delete(r.disabled, name)
	return true
}

// SetDisabled toggles a tool without unregistering it. Disabled tools are
// hidden from List/ProviderDefs and refuse execution.
func (r *Registry) SetDisabled(name string, disabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if disabled {
		r.disabled[name] = true
	} else {
		delete(r.disabled, name)
	}
}

// Get returns an enabled tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.disabled[name] {
		return nil, false
	}
	t, ok := r.tools[name]
	return t, ok
}

// List returns the sorted names of all enabled tools.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if !r.disabled[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ProviderDefs returns wire definitions for every enabled tool, sorted by
// name so requests are reproducible.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	names := r.List()
	defs := make([]providers.ToolDefinition, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		defs = append(defs, ToProviderDef(r.tools[name]))
	}
	return defs
}

// Execute runs a tool by name. Unknown or disabled tools produce an error
// Result rather than a Go error so the LLM sees the failure inline. Panics
// inside a tool are contained the same way.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (res *Result) {
	tool, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	r.mu.RLock()
	scrub := r.scrub
	limiter := r.limiter
	r.mu.RUnlock()

	if limiter != nil {
		if key := ToolSessionKeyFromCtx(ctx); key != "" && !limiter.allow(key) {
			return ErrorResult("tool rate limit reached for this session; try again later")
		}
	}

	// Runs after the recover defer below, so panic results are scrubbed too.
	defer func() {
		if scrub && res != nil {
			res.ForLLM = ScrubCredentials(res.ForLLM)
			if res.ForUser != "" {
				res.ForUser = ScrubCredentials(res.ForUser)
			}
		}
	}()
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panicked", "tool", name, "panic", rec, "stack", string(debug.Stack()))
			res = ErrorResult(fmt.Sprintf("tool %s crashed: %v", name, rec))
		}
	}()

	return tool.Execute(ctx, args)
}

// sessionRateLimiter counts executions per session inside a sliding window.
type sessionRateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	seen   map[string][]time.Time
}

func newSessionRateLimiter(max int, window time.Duration) *sessionRateLimiter {
	return &sessionRateLimiter{max: max, window: window, seen: make(map[string][]time.Time)}
}

func (l *sessionRateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-l.window)
	kept := l.seen[key][:0]
	for _, t := range l.seen[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.max {
		l.seen[key] = kept
		return false
	}
	l.seen[key] = append(kept, now)
	return true
}

// ExecuteWithContext injects the per-request routing values into the context
// and runs the tool. The agent engine calls this so tools can read where the
// request came from without threading arguments through every schema.
func (r *Registry) ExecuteWithContext(ctx context.Context, name string, args map[string]interface{}, channel, chatID, peerKind, sessionKey string, asyncCB AsyncCallback) *Result {
	if channel != "" {
		ctx = WithToolChannel(ctx, channel)
	}
	if chatID != "" {
		ctx = WithToolChatID(ctx, chatID)
	}
	if peerKind != "" {
		ctx = WithToolPeerKind(ctx, peerKind)
	}
	if sessionKey != "" {
		ctx = WithToolSessionKey(ctx, sessionKey)
	}
	if asyncCB != nil {
		ctx = WithToolAsyncCB(ctx, asyncCB)
	}
	return r.Execute(ctx, name, args)
}
