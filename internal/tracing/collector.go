// Package tracing records agent-loop spans: one span per LLM call, tool
// execution, and history compaction. Spans are grouped by run id and
// persisted asynchronously through a pluggable Store so a slow disk never
// stalls an agent run.
package tracing

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goant/internal/config"
)

// Span kinds.
const (
	SpanLLMCall    = "llm_call"
	SpanToolExec   = "tool_exec"
	SpanCompaction = "compaction"
)

// Span statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Span is one timed unit of agent work.
type Span struct {
	ID         string    `json:"id"`
	RunID      string    `json:"runId"`
	SessionKey string    `json:"sessionKey,omitempty"`
	Kind       string    `json:"kind"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt"`
	DurationMs int64     `json:"durationMs"`

	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"inputTokens,omitempty"`
	OutputTokens int    `json:"outputTokens,omitempty"`

	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	InputPreview  string `json:"inputPreview,omitempty"`
	OutputPreview string `json:"outputPreview,omitempty"`
}

// Store persists batches of finished spans.
type Store interface {
	SaveSpans(ctx context.Context, spans []Span) error
	Close() error
}

const (
	queueCapacity = 1024
	flushBatch    = 64
	flushInterval = 2 * time.Second
	saveTimeout   = 10 * time.Second
)

// Collector buffers spans and writes them to the store in batches from a
// background goroutine. Record never blocks; spans are dropped (and
// counted) when the buffer is full.
type Collector struct {
	store   Store
	logger  *slog.Logger
	verbose bool

	ch       chan Span
	done     chan struct{}
	wg       sync.WaitGroup
	dropped  atomic.Int64
	closed   atomic.Bool
	exporter atomic.Value // func(Span)
}

// NewCollector starts the background writer. A nil store yields a collector
// that counts but discards spans, which keeps call sites unconditional.
func NewCollector(store Store, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		store:   store,
		logger:  logger,
		verbose: config.EnvTruthy(os.Getenv("ANT_TRACE_VERBOSE")),
		ch:      make(chan Span, queueCapacity),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Verbose reports whether full message payloads should be kept as previews.
func (c *Collector) Verbose() bool { return c.verbose }

// Dropped returns how many spans were discarded due to backpressure.
func (c *Collector) Dropped() int64 { return c.dropped.Load() }

// Record enqueues a finished span. Missing identity and timing fields are
// filled in.
func (c *Collector) Record(span Span) {
	if c == nil || c.closed.Load() {
		return
	}
	if span.ID == "" {
		span.ID = uuid.NewString()
	}
	if span.Status == "" {
		span.Status = StatusOK
	}
	if span.DurationMs == 0 && !span.EndedAt.IsZero() && !span.StartedAt.IsZero() {
		span.DurationMs = span.EndedAt.Sub(span.StartedAt).Milliseconds()
	}
	select {
	case c.ch <- span:
	default:
		c.dropped.Add(1)
	}
}

// SetExporter mirrors every collected span to fn in addition to the store.
// Must be set before traffic starts; fn runs on the writer goroutine and
// should not block.
func (c *Collector) SetExporter(fn func(Span)) {
	if c == nil || fn == nil {
		return
	}
	c.exporter.Store(fn)
}

func (c *Collector) export(span Span) {
	if fn, ok := c.exporter.Load().(func(Span)); ok {
		fn(span)
	}
}

// Close flushes buffered spans and stops the writer. Safe to call once.
func (c *Collector) Close() error {
	if c == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	c.wg.Wait()
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

func (c *Collector) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Span, 0, flushBatch)
	flush := func() {
		if len(batch) == 0 || c.store == nil {
			batch = batch[:0]
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		if err := c.store.SaveSpans(ctx, batch); err != nil {
			c.logger.Warn("tracing.save_failed", "spans", len(batch), "error", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case span := <-c.ch:
			c.export(span)
			batch = append(batch, span)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-c.done:
			for {
				select {
				case span := <-c.ch:
					c.export(span)
					batch = append(batch, span)
					if len(batch) >= flushBatch {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// Truncate bounds a preview string without splitting a UTF-8 rune.
func Truncate(s string, maxLen int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && s[maxLen]&0xC0 == 0x80 {
		maxLen--
	}
	return s[:maxLen] + "..."
}
