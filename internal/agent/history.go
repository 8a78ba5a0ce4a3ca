package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/goant/internal/providers"
	"github.com/nextlevelbuilder/goant/internal/router"
	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

const (
	defaultCompactionThresholdPercent = 80
	defaultMinRecentMessages          = 6
	compactionTimeout                 = 120 * time.Second
)

// buildMessages assembles the full transcript for a provider call:
// system prompt, summary hand-off, repaired history, current query.
func (e *Engine) buildMessages(req ExecuteRequest) []providers.Message {
	var messages []providers.Message

	system := e.prompt(PromptInput{
		SessionKey: req.SessionKey,
		Channel:    req.Channel,
		Workspace:  e.workspace,
		ToolNames:  e.tools.List(),
		Extra:      req.ExtraSystemPrompt,
	})
	if system != "" {
		messages = append(messages, providers.Message{Role: "system", Content: system})
	}

	if summary := e.sessions.GetSummary(req.SessionKey); summary != "" {
		messages = append(messages,
			providers.Message{Role: "user", Content: "[Previous conversation summary]\n" + summary},
			providers.Message{Role: "assistant", Content: "Understood, continuing from that context."},
		)
	}

	history := e.sessions.GetHistory(req.SessionKey)
	messages = append(messages, repairHistory(history, e.logger)...)

	userMsg := providers.Message{Role: "user", Content: req.Query}
	if imgs := loadImages(req.ImagePaths); len(imgs) > 0 {
		userMsg.Images = imgs
	}
	messages = append(messages, userMsg)

	return messages
}

// repairHistory fixes tool_use/tool_result pairing damaged by truncation
// or compaction: leading orphan tool messages are dropped, mismatched
// results are dropped, missing results are synthesized so strict
// providers accept the transcript.
func repairHistory(msgs []providers.Message, logger *slog.Logger) []providers.Message {
	if len(msgs) == 0 {
		return nil
	}

	start := 0
	for start < len(msgs) && msgs[start].Role == "tool" {
		logger.Warn("agent.history_orphan_tool_dropped", "tool_call_id", msgs[start].ToolCallID)
		start++
	}
	if start >= len(msgs) {
		return nil
	}

	var out []providers.Message
	for i := start; i < len(msgs); i++ {
		msg := msgs[i]

		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			expected := make(map[string]bool, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				expected[tc.ID] = true
			}
			out = append(out, msg)

			for i+1 < len(msgs) && msgs[i+1].Role == "tool" {
				i++
				toolMsg := msgs[i]
				if expected[toolMsg.ToolCallID] {
					out = append(out, toolMsg)
					delete(expected, toolMsg.ToolCallID)
				} else {
					logger.Warn("agent.history_mismatched_result_dropped", "tool_call_id", toolMsg.ToolCallID)
				}
			}

			for id := range expected {
				out = append(out, providers.Message{
					Role:       "tool",
					Content:    "[tool result lost during history compaction]",
					ToolCallID: id,
				})
			}
			continue
		}

		if msg.Role == "tool" {
			logger.Warn("agent.history_orphan_tool_dropped", "tool_call_id", msg.ToolCallID)
			continue
		}
		out = append(out, msg)
	}
	return out
}

// estimateTokens approximates prompt size. When the session carries a
// calibration point (observed prompt_tokens for a known message count)
// the per-message average is preferred over the raw character heuristic.
func estimateTokens(msgs []providers.Message, calibTokens, calibCount int) int {
	chars := 0
	for _, m := range msgs {
		chars += utf8.RuneCountInString(m.Content)
		// Vision content weighs far more than its path length.
		chars += len(m.Images) * 4000
	}
	naive := chars / 3

	if calibTokens > 0 && calibCount > 0 {
		calibrated := calibTokens / calibCount * len(msgs)
		if calibrated > naive {
			return calibrated
		}
	}
	return naive
}

// guardContextWindow compacts session history before the first provider
// call of a turn when the estimated prompt crosses the configured share
// of the provider's context window. Holding the per-session lock keeps
// concurrent turns from double-compacting.
func (e *Engine) guardContextWindow(ctx context.Context, req ExecuteRequest, sel *router.Selection) {
	history := e.sessions.GetHistory(req.SessionKey)
	minRecent := e.compaction.MinRecentMessages
	if minRecent <= 0 {
		minRecent = defaultMinRecentMessages
	}
	if len(history) <= minRecent {
		return
	}

	threshold := e.compaction.ThresholdPercent
	if threshold <= 0 {
		threshold = defaultCompactionThresholdPercent
	}
	window := e.contextWindowFor(sel)
	limit := window * threshold / 100

	calibTokens, calibCount := e.sessions.GetLastPromptTokens(req.SessionKey)
	estimate := estimateTokens(history, calibTokens, calibCount)
	if estimate < limit {
		return
	}

	muI, _ := e.compactMu.LoadOrStore(req.SessionKey, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	if !mu.TryLock() {
		e.logger.Debug("agent.compaction_in_progress", "session", req.SessionKey)
		return
	}
	defer mu.Unlock()

	// Re-read under the lock; a concurrent turn may have compacted already.
	history = e.sessions.GetHistory(req.SessionKey)
	if len(history) <= minRecent {
		return
	}

	e.compact(ctx, req, history, minRecent, estimate, window)
}

// compact summarizes everything but the most recent messages through the
// summary route and replaces the history tail with a synthetic note.
func (e *Engine) compact(ctx context.Context, req ExecuteRequest, history []providers.Message, minRecent, estimate, window int) {
	start := e.now()

	sel, err := e.summarySelection(ctx)
	if err != nil {
		e.logger.Warn("agent.compaction_no_provider", "session", req.SessionKey, "error", err)
		return
	}

	older := history[:len(history)-minRecent]
	var sb strings.Builder
	for _, m := range older {
		switch m.Role {
		case "user":
			fmt.Fprintf(&sb, "user: %s\n", m.Content)
		case "assistant":
			if m.Content != "" {
				fmt.Fprintf(&sb, "assistant: %s\n", SanitizeAssistantContent(m.Content))
			}
		}
	}

	prompt := "Summarize this conversation concisely, preserving facts, decisions and open items:\n"
	if prev := e.sessions.GetSummary(req.SessionKey); prev != "" {
		prompt += "Existing context: " + prev + "\n"
	}
	prompt += "\n" + sb.String()

	sctx, cancel := context.WithTimeout(ctx, compactionTimeout)
	defer cancel()

	resp, err := sel.Provider.Chat(sctx, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: prompt}},
		Model:    sel.Model,
		Options: map[string]interface{}{
			providers.OptMaxTokens:   1024,
			providers.OptTemperature: 0.3,
		},
	})
	if err != nil {
		e.router.RecordFailure(sel.ID, providers.Classify(err))
		e.logger.Warn("agent.compaction_failed", "session", req.SessionKey, "error", err)
		e.recordCompactionSpan(req, sel, start, len(older), err)
		return
	}
	e.router.RecordSuccess(sel.ID)

	e.sessions.SetSummary(req.SessionKey, SanitizeAssistantContent(resp.Content))
	e.sessions.TruncateHistory(req.SessionKey, minRecent)
	e.sessions.AddMessage(req.SessionKey, providers.Message{
		Role:    "system",
		Content: fmt.Sprintf("[Conversation history was compacted: %d earlier messages summarized.]", len(older)),
	})
	e.sessions.IncrementCompaction(req.SessionKey)
	if err := e.sessions.Save(req.SessionKey); err != nil {
		e.logger.Warn("agent.session_save_failed", "session", req.SessionKey, "error", err)
	}

	e.logger.Info("agent.history_compacted",
		"session", req.SessionKey,
		"summarized", len(older),
		"kept", minRecent,
		"estimate", estimate,
		"window", window,
	)
	e.emitAgent(protocol.AgentEventCompaction, req, map[string]interface{}{
		"summarized": len(older),
		"kept":       minRecent,
	})
	e.recordCompactionSpan(req, sel, start, len(older), nil)
}

// summarySelection resolves the provider for compaction: the configured
// summary provider when set and registered, else the summary route.
func (e *Engine) summarySelection(ctx context.Context) (*router.Selection, error) {
	if id := e.compaction.SummaryProvider; id != "" {
		if p, ok := e.router.Get(id); ok {
			model := p.DefaultModel()
			if spec, found := e.router.Spec(id); found {
				if m := spec.ModelFor("summary"); m != "" {
					model = m
				}
			}
			return &router.Selection{ID: id, Provider: p, Model: model}, nil
		}
		e.logger.Warn("agent.summary_provider_missing", "provider", id)
	}
	return e.router.SelectBest(ctx, "summary", router.SelectOpts{})
}
