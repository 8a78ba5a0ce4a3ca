package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/goant/internal/providers"
	"github.com/nextlevelbuilder/goant/internal/router"
	"github.com/nextlevelbuilder/goant/internal/tools"
	"github.com/nextlevelbuilder/goant/internal/tracing"
)

const (
	previewLimit        = 500
	previewLimitVerbose = 100000
)

func (e *Engine) previewLimit() int {
	if e.collector != nil && e.collector.Verbose() {
		return previewLimitVerbose
	}
	return previewLimit
}

// recordLLMSpan captures one provider call. In verbose mode the full
// message transcript is kept, with base64 image payloads replaced by a
// size marker so traces stay readable.
func (e *Engine) recordLLMSpan(sel *router.Selection, chatReq providers.ChatRequest, resp *providers.ChatResponse, callErr error, start time.Time, iteration int, req ExecuteRequest) {
	if e.collector == nil {
		return
	}

	span := tracing.Span{
		RunID:      req.RunID,
		SessionKey: req.SessionKey,
		Kind:       tracing.SpanLLMCall,
		Name:       fmt.Sprintf("%s/%s #%d", sel.ID, sel.Model, iteration),
		StartedAt:  start,
		EndedAt:    e.now(),
		Provider:   sel.ID,
		Model:      sel.Model,
	}

	if e.collector.Verbose() {
		stripped := make([]providers.Message, len(chatReq.Messages))
		copy(stripped, chatReq.Messages)
		for i := range stripped {
			if len(stripped[i].Images) == 0 {
				continue
			}
			marked := make([]providers.ImageContent, len(stripped[i].Images))
			for j, img := range stripped[i].Images {
				marked[j] = providers.ImageContent{
					MimeType: img.MimeType,
					Data:     fmt.Sprintf("[base64 %s, %d bytes]", img.MimeType, len(img.Data)),
				}
			}
			stripped[i].Images = marked
		}
		if b, err := json.Marshal(stripped); err == nil {
			span.InputPreview = tracing.Truncate(string(b), previewLimitVerbose)
		}
	}

	if callErr != nil {
		span.Status = tracing.StatusError
		span.Error = callErr.Error()
	} else if resp != nil {
		if resp.Usage != nil {
			span.InputTokens = resp.Usage.PromptTokens
			span.OutputTokens = resp.Usage.CompletionTokens
		}
		span.OutputPreview = tracing.Truncate(resp.Content, e.previewLimit())
	}

	e.collector.Record(span)
}

// recordToolSpan captures one tool execution, including token usage from
// tools that make inner LLM calls.
func (e *Engine) recordToolSpan(tc providers.ToolCall, argsJSON string, result *tools.Result, start time.Time, req ExecuteRequest) {
	if e.collector == nil {
		return
	}

	limit := e.previewLimit()
	span := tracing.Span{
		RunID:         req.RunID,
		SessionKey:    req.SessionKey,
		Kind:          tracing.SpanToolExec,
		Name:          tc.Name,
		StartedAt:     start,
		EndedAt:       e.now(),
		InputPreview:  tracing.Truncate(argsJSON, limit),
		OutputPreview: tracing.Truncate(result.ForLLM, limit),
	}
	if result.IsError {
		span.Status = tracing.StatusError
		span.Error = tracing.Truncate(result.ForLLM, previewLimit)
	}
	if result.Usage != nil {
		span.InputTokens = result.Usage.PromptTokens
		span.OutputTokens = result.Usage.CompletionTokens
		span.Provider = result.Provider
		span.Model = result.Model
	}

	e.collector.Record(span)
}

// recordCompactionSpan captures one history compaction pass.
func (e *Engine) recordCompactionSpan(req ExecuteRequest, sel *router.Selection, start time.Time, summarized int, err error) {
	if e.collector == nil {
		return
	}

	span := tracing.Span{
		RunID:      req.RunID,
		SessionKey: req.SessionKey,
		Kind:       tracing.SpanCompaction,
		Name:       fmt.Sprintf("compact %d messages", summarized),
		StartedAt:  start,
		EndedAt:    e.now(),
		Provider:   sel.ID,
		Model:      sel.Model,
	}
	if err != nil {
		span.Status = tracing.StatusError
		span.Error = err.Error()
	}

	e.collector.Record(span)
}
