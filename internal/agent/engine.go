// Package agent runs one agent turn: provider selection through the
// router, the tool-call loop with policy enforcement and failover, the
// context-window compaction guard, and session history persistence.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goant/internal/bus"
	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/providers"
	"github.com/nextlevelbuilder/goant/internal/router"
	"github.com/nextlevelbuilder/goant/internal/sessions"
	"github.com/nextlevelbuilder/goant/internal/tools"
	"github.com/nextlevelbuilder/goant/internal/tracing"
	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

const (
	defaultMaxToolIterations = 20
	defaultContextWindow     = 128000
	defaultMaxTokens         = 8192
	defaultTemperature       = 0.7
	defaultPerIteration      = 120 * time.Second
	defaultPerTool           = 60 * time.Second
)

// Engine executes agent turns. One Engine serves every session; per-turn
// state lives on the stack so concurrent Execute calls are independent.
type Engine struct {
	router    *router.Manager
	sessions  *sessions.Manager
	tools     *tools.Registry
	policy    *tools.PolicyEngine
	events    bus.EventPublisher
	collector *tracing.Collector
	prompt    PromptFunc
	logger    *slog.Logger
	now       func() time.Time

	workspace         string
	maxTokens         int
	temperature       float64
	thinking          string
	maxToolIterations int
	contextWindow     int
	perIteration      time.Duration
	perTool           time.Duration
	compaction        config.CompactionConfig

	// One compaction at a time per session.
	compactMu sync.Map // sessionKey -> *sync.Mutex
}

// Options wires an Engine. Router, Sessions and Tools are required; the
// rest default sensibly.
type Options struct {
	Router    *router.Manager
	Sessions  *sessions.Manager
	Tools     *tools.Registry
	Policy    *tools.PolicyEngine
	Events    bus.EventPublisher
	Collector *tracing.Collector
	Prompt    PromptFunc
	Agent     config.AgentConfig
	Logger    *slog.Logger
}

// New builds an Engine from options, filling zero values with defaults.
func New(opts Options) *Engine {
	e := &Engine{
		router:            opts.Router,
		sessions:          opts.Sessions,
		tools:             opts.Tools,
		policy:            opts.Policy,
		events:            opts.Events,
		collector:         opts.Collector,
		prompt:            opts.Prompt,
		logger:            opts.Logger,
		now:               time.Now,
		workspace:         opts.Agent.Workspace,
		maxTokens:         opts.Agent.MaxTokens,
		temperature:       opts.Agent.Temperature,
		thinking:          opts.Agent.Thinking,
		maxToolIterations: opts.Agent.MaxToolIterations,
		contextWindow:     opts.Agent.ContextWindow,
		perIteration:      time.Duration(opts.Agent.PerIterationTimeoutMs) * time.Millisecond,
		perTool:           time.Duration(opts.Agent.PerToolTimeoutMs) * time.Millisecond,
		compaction:        opts.Agent.Compaction,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.prompt == nil {
		e.prompt = DefaultPrompt
	}
	if e.maxTokens <= 0 {
		e.maxTokens = defaultMaxTokens
	}
	if e.temperature <= 0 {
		e.temperature = defaultTemperature
	}
	if e.maxToolIterations <= 0 {
		e.maxToolIterations = defaultMaxToolIterations
	}
	if e.contextWindow <= 0 {
		e.contextWindow = defaultContextWindow
	}
	if e.perIteration <= 0 {
		e.perIteration = defaultPerIteration
	}
	if e.perTool <= 0 {
		e.perTool = defaultPerTool
	}
	return e
}

// ExecuteRequest is one agent turn.
type ExecuteRequest struct {
	SessionKey string
	Query      string
	Channel    string
	ChatID     string
	PeerKind   string // "dm" or "group"

	// RunID ties events and trace spans of this turn together. Generated
	// when empty.
	RunID string

	// Action overrides the routing action consulted for provider
	// selection. Defaults to "chat"; subagent phases pass "subagent".
	Action string

	// ImagePaths are local files attached to the user message. Unreadable
	// or oversized files are skipped.
	ImagePaths []string

	// ExtraSystemPrompt is appended to the built system prompt (duty
	// instructions, subagent phase context).
	ExtraSystemPrompt string

	// SenderIsOwner widens the tool policy to owner-only tools.
	SenderIsOwner bool
}

// ExecuteResult is the outcome of a completed turn.
type ExecuteResult struct {
	Response   string          `json:"response"`
	ProviderID string          `json:"providerId"`
	Model      string          `json:"model"`
	Iterations int             `json:"iterations"`
	Usage      providers.Usage `json:"usage"`
}

// HasHealthyProvider reports whether a chat-capable provider can be
// selected right now. The main agent polls this to drive survival mode.
func (e *Engine) HasHealthyProvider(ctx context.Context) bool {
	_, err := e.router.SelectBest(ctx, "chat", router.SelectOpts{})
	return err == nil
}

// Execute runs one full agent turn for a session: build messages, select
// a provider, loop through tool calls, persist history, and return the
// final assistant text together with the provider that produced it.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	action := req.Action
	if action == "" {
		action = "chat"
	}

	e.emitAgent(protocol.AgentEventRunStarted, req, nil)

	result, err := e.run(ctx, action, req)
	if err != nil {
		e.emitAgent(protocol.AgentEventRunFailed, req, map[string]interface{}{"error": err.Error()})
		return nil, err
	}

	e.emitAgent(protocol.AgentEventRunCompleted, req, map[string]interface{}{
		"provider":   result.ProviderID,
		"model":      result.Model,
		"iterations": result.Iterations,
	})
	return result, nil
}

func (e *Engine) run(ctx context.Context, action string, req ExecuteRequest) (*ExecuteResult, error) {
	requireTools := len(e.tools.List()) > 0

	sel, err := e.router.SelectBest(ctx, action, router.SelectOpts{RequireTools: requireTools})
	if err != nil && requireTools {
		// No tool-capable provider; fall back to text-only chat.
		sel, err = e.router.SelectBest(ctx, action, router.SelectOpts{})
		requireTools = false
	}
	if err != nil {
		return nil, fmt.Errorf("select provider for %s: %w", action, err)
	}

	// Context-window guard: compact session history before the first
	// provider call when the estimated prompt crosses the threshold.
	e.guardContextWindow(ctx, req, sel)

	messages := e.buildMessages(req)
	toolDefs := e.toolDefsFor(sel, req, requireTools)

	var (
		pending    []providers.Message
		totalUsage providers.Usage
		final      string
		iterations int
	)
	// The user message (including any vision attachments) is the last
	// entry buildMessages produced; buffer the same value for the flush.
	pending = append(pending, messages[len(messages)-1])

	for iterations < e.maxToolIterations {
		iterations++

		chatReq := providers.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
			Model:    sel.Model,
			Options:  e.chatOptions(),
		}

		resp, callErr := e.chatOnce(ctx, sel, chatReq, iterations, req)
		if callErr != nil {
			// One failover per iteration: record, reselect, retry the call.
			reason := providers.Classify(callErr)
			e.router.RecordFailure(sel.ID, reason)
			e.logger.Warn("agent.provider_failed",
				"provider", sel.ID, "reason", string(reason), "iteration", iterations, "error", callErr)

			next, selErr := e.router.SelectBest(ctx, action, router.SelectOpts{RequireTools: requireTools})
			if selErr != nil {
				return nil, fmt.Errorf("provider %s failed (%s) and no alternative remains: %w", sel.ID, reason, callErr)
			}
			sel = next
			toolDefs = e.toolDefsFor(sel, req, requireTools)
			chatReq.Tools = toolDefs
			chatReq.Model = sel.Model

			resp, callErr = e.chatOnce(ctx, sel, chatReq, iterations, req)
			if callErr != nil {
				e.router.RecordFailure(sel.ID, providers.Classify(callErr))
				return nil, fmt.Errorf("failover provider %s failed (iteration %d): %w", sel.ID, iterations, callErr)
			}
		}

		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
		}

		if len(resp.ToolCalls) == 0 {
			final = resp.Content
			break
		}

		assistantMsg := providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		messages = append(messages, assistantMsg)
		pending = append(pending, assistantMsg)

		for _, tc := range resp.ToolCalls {
			toolMsg := e.runToolCall(ctx, sel, tc, req)
			messages = append(messages, toolMsg)
			pending = append(pending, toolMsg)
		}
	}

	e.router.RecordSuccess(sel.ID)

	final = SanitizeAssistantContent(final)
	silent := IsSilentReply(final)
	if final == "" {
		final = "..."
	}

	pending = append(pending, providers.Message{Role: "assistant", Content: final})

	// Flush the buffered exchange so concurrent turns never observe a
	// half-written run.
	for _, msg := range pending {
		e.sessions.AddMessage(req.SessionKey, msg)
	}
	e.sessions.UpdateMetadata(req.SessionKey, sel.Model, sel.ID, req.Channel)
	e.sessions.AccumulateTokens(req.SessionKey, int64(totalUsage.PromptTokens), int64(totalUsage.CompletionTokens))
	if totalUsage.PromptTokens > 0 {
		e.sessions.SetLastPromptTokens(req.SessionKey, totalUsage.PromptTokens, len(messages))
	}
	e.sessions.SetContextWindow(req.SessionKey, e.contextWindowFor(sel))
	if err := e.sessions.Save(req.SessionKey); err != nil {
		e.logger.Warn("agent.session_save_failed", "session", req.SessionKey, "error", err)
	}

	if silent {
		final = ""
	}

	return &ExecuteResult{
		Response:   final,
		ProviderID: sel.ID,
		Model:      sel.Model,
		Iterations: iterations,
		Usage:      totalUsage,
	}, nil
}

// chatOnce performs one provider call under the per-iteration budget and
// records its trace span.
func (e *Engine) chatOnce(ctx context.Context, sel *router.Selection, chatReq providers.ChatRequest, iteration int, req ExecuteRequest) (*providers.ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.perIteration)
	defer cancel()

	start := e.now()
	resp, err := sel.Provider.Chat(callCtx, chatReq)
	e.recordLLMSpan(sel, chatReq, resp, err, start, iteration, req)
	return resp, err
}

// runToolCall enforces policy, executes the tool under the per-tool
// budget, and returns the role=tool message for the transcript.
func (e *Engine) runToolCall(ctx context.Context, sel *router.Selection, tc providers.ToolCall, req ExecuteRequest) providers.Message {
	e.emitAgent(protocol.AgentEventToolCall, req, map[string]interface{}{"name": tc.Name, "id": tc.ID})

	var result *tools.Result
	if e.policy != nil && !e.policy.Allowed(tc.Name, sel.ID, req.Channel, req.SenderIsOwner) {
		result = tools.ErrorResult(fmt.Sprintf("tool %s is not allowed in this context", tc.Name))
		e.logger.Warn("agent.tool_denied", "tool", tc.Name, "provider", sel.ID, "channel", req.Channel)
	} else {
		toolCtx, cancel := context.WithTimeout(ctx, e.perTool)
		if e.workspace != "" {
			toolCtx = tools.WithToolWorkspace(toolCtx, e.workspace)
		}
		toolCtx = tools.WithToolSenderIsOwner(toolCtx, req.SenderIsOwner)
		argsJSON, _ := json.Marshal(tc.Arguments)
		e.logger.Info("agent.tool_call", "tool", tc.Name, "args_len", len(argsJSON))

		start := e.now()
		result = e.tools.ExecuteWithContext(toolCtx, tc.Name, tc.Arguments, req.Channel, req.ChatID, req.PeerKind, req.SessionKey, nil)
		cancel()
		e.recordToolSpan(tc, string(argsJSON), result, start, req)
	}

	if result.IsError {
		excerpt := result.ForLLM
		if len(excerpt) > 200 {
			excerpt = excerpt[:200] + "..."
		}
		e.logger.Warn("agent.tool_error", "tool", tc.Name, "error", excerpt)
	}

	e.emitAgent(protocol.AgentEventToolResult, req, map[string]interface{}{
		"name":     tc.Name,
		"id":       tc.ID,
		"is_error": result.IsError,
	})

	return providers.Message{
		Role:       "tool",
		Content:    result.ForLLM,
		ToolCallID: tc.ID,
	}
}

// toolDefsFor returns the policy-filtered tool definitions for a selected
// provider, or nil when the provider cannot run a tool loop.
func (e *Engine) toolDefsFor(sel *router.Selection, req ExecuteRequest, requireTools bool) []providers.ToolDefinition {
	if !requireTools || !providers.SupportsTools(sel.Provider.Kind()) {
		return nil
	}
	if e.policy == nil {
		return e.tools.ProviderDefs()
	}
	return e.policy.FilterTools(e.tools, sel.ID, req.Channel, req.SenderIsOwner)
}

func (e *Engine) chatOptions() map[string]interface{} {
	opts := map[string]interface{}{
		providers.OptMaxTokens:   e.maxTokens,
		providers.OptTemperature: e.temperature,
		providers.OptTimeoutMs:   int(e.perIteration.Milliseconds()),
	}
	if e.thinking != "" && e.thinking != "off" {
		opts[providers.OptThinking] = e.thinking
	}
	return opts
}

// contextWindowFor resolves the effective context window of a selection:
// the provider spec wins, then the engine default.
func (e *Engine) contextWindowFor(sel *router.Selection) int {
	if spec, ok := e.router.Spec(sel.ID); ok && spec.ContextWindow > 0 {
		return spec.ContextWindow
	}
	return e.contextWindow
}

func (e *Engine) emitAgent(subtype string, req ExecuteRequest, extra map[string]interface{}) {
	if e.events == nil {
		return
	}
	payload := map[string]interface{}{
		"type":       subtype,
		"runId":      req.RunID,
		"sessionKey": req.SessionKey,
	}
	for k, v := range extra {
		payload[k] = v
	}
	e.events.Broadcast(bus.Event{Name: protocol.EventAgent, Payload: payload})
}
