package msgrouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goant/internal/bus"
	"github.com/nextlevelbuilder/goant/internal/sessions"
	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

// ErrSessionNotFound is returned by SendToSession when the key cannot be
// resolved to a deliverable channel.
var ErrSessionNotFound = errors.New("session_not_found")

const (
	defaultMaxConcurrentSessions = 3
	defaultMaxQueueSize          = 10
	defaultSessionQueueTimeout   = 60 * time.Second
	defaultSessionTimeout        = time.Hour
	defaultMaxSessions           = 1000

	pruneInterval = 10 * time.Second
	noticeTimeout = 10 * time.Second
	errExcerptLen = 200

	noticeQueueFull = "Message queue is full, please retry in a moment."
	noticeNoHandler = "No message handler is configured for this channel. Please contact the operator."
)

// Options tunes the router. Zero values take the defaults above.
type Options struct {
	MaxConcurrentSessions int
	MaxQueueSize          int
	// SessionQueueTimeout bounds both queue residency and handler
	// runtime for one message.
	SessionQueueTimeout time.Duration
	// ChannelOrdering switches queueing from per-session to per-channel.
	ChannelOrdering bool
	SessionTimeout  time.Duration
	MaxSessions     int
	// DedupeTTL enables inbound duplicate suppression when positive.
	DedupeTTL time.Duration
	// RateLimitRPM caps inbound messages per sender per minute.
	// Zero disables the limiter.
	RateLimitRPM int
	Logger       *slog.Logger
}

// Router owns inbound queues, the session registry, and the adapter
// table. One router serves every channel of the process.
type Router struct {
	logger *slog.Logger
	events bus.EventPublisher

	maxConcurrent   int
	maxQueueSize    int
	queueTimeout    time.Duration
	channelOrdering bool
	sessionTimeout  time.Duration
	maxSessions     int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time

	mu             sync.Mutex
	adapters       map[string]Adapter
	routes         []Route
	middleware     []Middleware
	defaultHandler Handler
	sessions       map[string]*SessionEntry
	queues         map[string]*messageQueue
	inflight       map[string]bool
	inflightTotal  int

	typing  *typingRegistry
	dedupe  *bus.DedupeCache
	limiter *InboundRateLimiter
}

// New builds a router. Call Start to run the pruning loop and Close to
// abandon in-flight work.
func New(events bus.EventPublisher, opts Options) *Router {
	if opts.MaxConcurrentSessions <= 0 {
		opts.MaxConcurrentSessions = defaultMaxConcurrentSessions
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = defaultMaxQueueSize
	}
	if opts.SessionQueueTimeout <= 0 {
		opts.SessionQueueTimeout = defaultSessionQueueTimeout
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = defaultSessionTimeout
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = defaultMaxSessions
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		logger:          opts.Logger,
		events:          events,
		maxConcurrent:   opts.MaxConcurrentSessions,
		maxQueueSize:    opts.MaxQueueSize,
		queueTimeout:    opts.SessionQueueTimeout,
		channelOrdering: opts.ChannelOrdering,
		sessionTimeout:  opts.SessionTimeout,
		maxSessions:     opts.MaxSessions,
		ctx:             ctx,
		cancel:          cancel,
		now:             time.Now,
		adapters:        make(map[string]Adapter),
		sessions:        make(map[string]*SessionEntry),
		queues:          make(map[string]*messageQueue),
		inflight:        make(map[string]bool),
	}
	r.typing = newTypingRegistry(r.sendTyping, opts.Logger)
	if opts.DedupeTTL > 0 {
		r.dedupe = bus.NewDedupeCache(opts.DedupeTTL, 4096)
	}
	if opts.RateLimitRPM > 0 {
		r.limiter = NewInboundRateLimiter(opts.RateLimitRPM, time.Minute)
	}
	return r
}

// Start runs the session pruning loop until ctx is cancelled.
func (r *Router) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.pruneSessions()
			}
		}
	}()
}

// Close abandons in-flight dispatches and stops background loops.
func (r *Router) Close() {
	r.cancel()
	r.typing.closeAll()
}

// Shutdown waits for in-flight dispatches after Close, up to ctx.
func (r *Router) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterAdapter makes a channel deliverable. Re-registering a name
// replaces the previous adapter.
func (r *Router) RegisterAdapter(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Name()]; exists {
		r.logger.Warn("msgrouter.adapter_replaced", "channel", a.Name())
	}
	r.adapters[a.Name()] = a
}

// Adapter returns the registered adapter for a channel.
func (r *Router) Adapter(channel string) (Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.adapters[channel]
	return a, ok
}

// AddRoute registers a route. Routes are consulted in descending
// priority; insertion order breaks ties.
func (r *Router) AddRoute(rt Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, rt)
	sort.SliceStable(r.routes, func(i, j int) bool {
		return r.routes[i].Priority > r.routes[j].Priority
	})
}

// Use appends a middleware to the chain.
func (r *Router) Use(mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
}

// SetDefaultHandler sets the fallback for messages no route matches.
func (r *Router) SetDefaultHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultHandler = h
}

// HandleInbound ingests one normalized message: dedupe and rate limit,
// middleware, session bookkeeping, priority enqueue, then dispatch.
func (r *Router) HandleInbound(msg bus.InboundMessage) {
	r.emit(protocol.EventMessageReceived, map[string]interface{}{
		"channel":    msg.Channel,
		"senderId":   msg.SenderID,
		"messageId":  msg.ID,
		"sessionKey": msg.SessionKey,
	})

	if r.dedupe != nil && msg.ID != "" {
		if r.dedupe.IsDuplicate(msg.Channel + "|" + msg.SenderID + "|" + msg.ID) {
			r.logger.Debug("msgrouter.duplicate_dropped", "channel", msg.Channel, "message_id", msg.ID)
			r.emitDropped(msg, "duplicate")
			return
		}
	}
	if r.limiter != nil && !r.limiter.Allow(msg.Channel+":"+msg.SenderID) {
		r.logger.Warn("msgrouter.rate_limited", "channel", msg.Channel, "sender", msg.SenderID)
		r.emitDropped(msg, "rate_limited")
		return
	}

	if msg.SessionKey == "" {
		msg.SessionKey = r.deriveSessionKey(msg)
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = r.now().UnixMilli()
	}

	out := r.runMiddleware(&msg)
	if out == nil {
		r.logger.Debug("msgrouter.middleware_dropped", "session", msg.SessionKey)
		r.emitDropped(msg, "middleware")
		return
	}
	msg = *out

	r.touchSession(msg)
	if r.enqueue(msg) {
		r.drive()
	}
}

// deriveSessionKey builds the canonical key for transports that did not
// set one.
func (r *Router) deriveSessionKey(msg bus.InboundMessage) string {
	isGroup := msg.Metadata["chat_type"] == "group"
	kind := sessions.KindFromGroup(isGroup)
	if isGroup && msg.ThreadID != "" {
		if topic, err := strconv.Atoi(msg.ThreadID); err == nil {
			return sessions.BuildTopicKey(msg.Channel, msg.ChatID, topic)
		}
	}
	return sessions.BuildKey(msg.Channel, kind, msg.ChatID)
}

func (r *Router) runMiddleware(msg *bus.InboundMessage) *bus.InboundMessage {
	r.mu.Lock()
	chain := make([]Middleware, len(r.middleware))
	copy(chain, r.middleware)
	r.mu.Unlock()

	var run func(i int, m *bus.InboundMessage) *bus.InboundMessage
	run = func(i int, m *bus.InboundMessage) *bus.InboundMessage {
		if m == nil {
			return nil
		}
		if i >= len(chain) {
			return m
		}
		return chain[i](m, func(next *bus.InboundMessage) *bus.InboundMessage {
			return run(i+1, next)
		})
	}
	return run(0, msg)
}

func (r *Router) touchSession(msg bus.InboundMessage) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[msg.SessionKey]; ok {
		s.LastActivity = now
		s.MessageCount++
		return
	}
	r.sessions[msg.SessionKey] = &SessionEntry{
		SessionKey:   msg.SessionKey,
		Channel:      msg.Channel,
		ChatID:       msg.ChatID,
		ThreadID:     msg.ThreadID,
		User:         msg.SenderID,
		CreatedAt:    now,
		LastActivity: now,
		MessageCount: 1,
	}
}

func (r *Router) queueKey(msg bus.InboundMessage) string {
	if r.channelOrdering {
		return msg.Channel
	}
	return msg.SessionKey
}

// enqueue inserts by priority. On overflow the lowest-priority tail item
// yields to a higher-priority arrival; otherwise the arrival is dropped.
// Either loser gets a queue-full notice. Returns true when something was
// queued.
func (r *Router) enqueue(msg bus.InboundMessage) bool {
	key := r.queueKey(msg)
	item := queuedMessage{msg: msg, enqueuedAt: r.now()}

	r.mu.Lock()
	q := r.queues[key]
	if q == nil {
		q = &messageQueue{}
		r.queues[key] = q
	}
	var victim *queuedMessage
	if q.len() >= r.maxQueueSize {
		evicted, ok := q.evictTailBelow(msg.Priority.Rank())
		if !ok {
			r.mu.Unlock()
			r.logger.Warn("msgrouter.queue_full", "key", key, "message_id", msg.ID)
			r.notify(msg, noticeQueueFull)
			r.emitDropped(msg, "queue_full")
			return false
		}
		victim = &evicted
	}
	q.insert(item)
	depth := q.len()
	r.mu.Unlock()

	if victim != nil {
		r.logger.Warn("msgrouter.queue_full", "key", key, "message_id", victim.msg.ID)
		r.notify(victim.msg, noticeQueueFull)
		r.emitDropped(victim.msg, "queue_full")
	}
	r.emit(protocol.EventMessageQueued, map[string]interface{}{
		"sessionKey": msg.SessionKey,
		"priority":   string(msg.Priority),
		"depth":      depth,
	})
	return true
}

// drive starts dispatches until the concurrency budget is spent. Each
// queue key runs at most one message at a time.
func (r *Router) drive() {
	if r.ctx.Err() != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.inflightTotal < r.maxConcurrent {
		key, item, ok := r.nextLocked()
		if !ok {
			return
		}
		r.inflight[key] = true
		r.inflightTotal++
		r.wg.Add(1)
		go r.process(key, item)
	}
}

// nextLocked pops the next dispatchable item, discarding entries that
// sat queued past the residency budget.
func (r *Router) nextLocked() (string, queuedMessage, bool) {
	now := r.now()
	for key, q := range r.queues {
		if r.inflight[key] {
			continue
		}
		for {
			item, ok := q.pop()
			if !ok {
				delete(r.queues, key)
				break
			}
			if now.Sub(item.enqueuedAt) > r.queueTimeout {
				r.logger.Warn("msgrouter.stale_discarded",
					"key", key, "message_id", item.msg.ID,
					"waited_ms", now.Sub(item.enqueuedAt).Milliseconds())
				go r.emitDropped(item.msg, "stale")
				continue
			}
			return key, item, true
		}
	}
	return "", queuedMessage{}, false
}

// process runs one dispatched message to completion, racing the handler
// against the queue timeout. The losing branch is abandoned.
func (r *Router) process(key string, item queuedMessage) {
	defer func() {
		r.mu.Lock()
		delete(r.inflight, key)
		r.inflightTotal--
		r.mu.Unlock()
		r.wg.Done()
		r.drive()
	}()

	msg := item.msg
	r.emit(protocol.EventMessageProcessing, map[string]interface{}{
		"sessionKey": msg.SessionKey,
		"messageId":  msg.ID,
	})

	if msg.ChatID != "" {
		r.typing.start(msg.Channel, msg.ChatID)
		defer r.typing.stop(msg.Channel, msg.ChatID)
	}

	start := r.now()
	err := r.dispatch(msg)
	elapsed := r.now().Sub(start)

	r.emit(protocol.EventMessageProcessed, map[string]interface{}{
		"sessionKey": msg.SessionKey,
		"durationMs": elapsed.Milliseconds(),
		"success":    err == nil,
	})
	if err != nil {
		r.logger.Error("msgrouter.handler_failed",
			"session", msg.SessionKey, "duration_ms", elapsed.Milliseconds(), "error", err)
		r.notify(msg, "Message processing failed: "+excerpt(err.Error(), errExcerptLen))
	}
}

// dispatch resolves the handler and runs it under the processing budget.
func (r *Router) dispatch(msg bus.InboundMessage) error {
	handler := r.matchHandler(msg)
	if handler == nil {
		r.logger.Error("msgrouter.no_handler", "channel", msg.Channel, "session", msg.SessionKey)
		r.notify(msg, noticeNoHandler)
		r.emitDropped(msg, "no_handler")
		return nil
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.queueTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- handler(ctx, msg)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("Timeout: Message processing took longer than %ds", int(r.queueTimeout.Seconds()))
	}
}

func (r *Router) matchHandler(msg bus.InboundMessage) Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rt := range r.routes {
		if rt.matches(msg) {
			return rt.Handler
		}
	}
	return r.defaultHandler
}

// SendMessage delivers an outbound message through the channel adapter.
func (r *Router) SendMessage(ctx context.Context, msg bus.OutboundMessage) error {
	adapter, ok := r.Adapter(msg.Channel)
	if !ok {
		return fmt.Errorf("no adapter for channel %q", msg.Channel)
	}
	return adapter.SendMessage(ctx, msg)
}

// SendToSession delivers content addressed by session key. Unknown keys
// are recovered by parsing channel:kind:rest; a minimal session entry is
// synthesized so later sends hit the registry. Returns ok=false when the
// key does not resolve to a registered adapter.
func (r *Router) SendToSession(ctx context.Context, sessionKey, content string, media []bus.MediaAttachment) (bool, error) {
	r.mu.Lock()
	entry := r.sessions[sessionKey]
	r.mu.Unlock()

	channel, chatID := "", ""
	if entry != nil {
		channel, chatID = entry.Channel, entry.ChatID
	} else {
		k, ok := sessions.Parse(sessionKey)
		if !ok {
			return false, r.sessionNotFound(sessionKey, "unparseable session key")
		}
		channel, chatID = k.Channel, k.ChatID()
	}

	adapter, ok := r.Adapter(channel)
	if !ok {
		return false, r.sessionNotFound(sessionKey, "no adapter for channel "+channel)
	}

	if entry == nil {
		now := r.now()
		r.mu.Lock()
		r.sessions[sessionKey] = &SessionEntry{
			SessionKey:   sessionKey,
			Channel:      channel,
			ChatID:       chatID,
			CreatedAt:    now,
			LastActivity: now,
		}
		r.mu.Unlock()
		r.logger.Info("msgrouter.session_recovered", "session", sessionKey, "channel", channel)
	}

	err := adapter.SendMessage(ctx, bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: content,
		Media:   media,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Router) sessionNotFound(sessionKey, detail string) error {
	r.logger.Error("msgrouter.session_not_found", "session", sessionKey, "detail", detail)
	r.emit(protocol.EventErrorOccurred, map[string]interface{}{
		"errorType": "session_not_found",
		"severity":  "error",
		"message":   detail,
		"context":   map[string]interface{}{"sessionKey": sessionKey},
	})
	return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionKey)
}

// Sessions returns a snapshot of the registry, most recent first.
func (r *Router) Sessions() []SessionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionEntry, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].SessionKey < out[j].SessionKey
	})
	return out
}

// SessionCount reports live registry size.
func (r *Router) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// pruneSessions drops idle sessions past the inactivity window, then
// evicts least-recently-active entries down to the cap. Sessions with a
// dispatch in flight survive both passes.
func (r *Router) pruneSessions() {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, s := range r.sessions {
		if r.inflight[key] {
			continue
		}
		if now.Sub(s.LastActivity) > r.sessionTimeout {
			delete(r.sessions, key)
			if q, ok := r.queues[key]; ok && q.len() == 0 {
				delete(r.queues, key)
			}
		}
	}

	if len(r.sessions) <= r.maxSessions {
		return
	}
	keys := make([]string, 0, len(r.sessions))
	for key := range r.sessions {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := r.sessions[keys[i]], r.sessions[keys[j]]
		if !a.LastActivity.Equal(b.LastActivity) {
			return a.LastActivity.After(b.LastActivity)
		}
		return keys[i] < keys[j]
	})
	for _, key := range keys[r.maxSessions:] {
		if r.inflight[key] {
			continue
		}
		delete(r.sessions, key)
	}
}

// notify sends a short status text back to the message's chat.
// Delivery failures are logged, never surfaced.
func (r *Router) notify(msg bus.InboundMessage, text string) {
	if msg.ChatID == "" {
		return
	}
	adapter, ok := r.Adapter(msg.Channel)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), noticeTimeout)
	defer cancel()
	if err := adapter.SendMessage(ctx, bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: text,
	}); err != nil {
		r.logger.Warn("msgrouter.notice_failed", "channel", msg.Channel, "error", err)
	}
}

func (r *Router) sendTyping(channel, chatID, state string) {
	adapter, ok := r.Adapter(channel)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), noticeTimeout)
	defer cancel()
	if err := adapter.SendTyping(ctx, chatID, state); err != nil {
		r.logger.Debug("msgrouter.typing_failed", "channel", channel, "error", err)
	}
}

func (r *Router) emit(name string, payload map[string]interface{}) {
	if r.events == nil {
		return
	}
	r.events.Broadcast(bus.Event{Name: name, Payload: payload})
}

func (r *Router) emitDropped(msg bus.InboundMessage, reason string) {
	r.emit(protocol.EventMessageDropped, map[string]interface{}{
		"sessionKey": msg.SessionKey,
		"messageId":  msg.ID,
		"reason":     reason,
	})
}

// excerpt bounds s to max runes for user-facing error notices.
func excerpt(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
