package msgrouter

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goant/internal/bus"
	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *eventRecorder) Subscribe(string, bus.EventHandler) {}
func (r *eventRecorder) Unsubscribe(string)                 {}

func (r *eventRecorder) Broadcast(e bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) payloads(name string) []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]interface{}
	for _, e := range r.events {
		if e.Name != name {
			continue
		}
		if p, ok := e.Payload.(map[string]interface{}); ok {
			out = append(out, p)
		}
	}
	return out
}

func (r *eventRecorder) count(name string) int {
	return len(r.payloads(name))
}

type fakeAdapter struct {
	name    string
	sendErr error

	mu     sync.Mutex
	sent   []bus.OutboundMessage
	typing []string
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) SendMessage(_ context.Context, msg bus.OutboundMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return a.sendErr
	}
	a.sent = append(a.sent, msg)
	return nil
}

func (a *fakeAdapter) SendTyping(_ context.Context, chatID, state string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.typing = append(a.typing, chatID+"|"+state)
	return nil
}

func (a *fakeAdapter) contents() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.sent))
	for i, m := range a.sent {
		out[i] = m.Content
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func newTestRouter(t *testing.T, rec *eventRecorder, opts Options) *Router {
	t.Helper()
	opts.Logger = discardLogger()
	r := New(rec, opts)
	t.Cleanup(r.Close)
	return r
}

func inbound(id, sessionKey string, p bus.Priority) bus.InboundMessage {
	return bus.InboundMessage{
		ID:         id,
		Channel:    "telegram",
		SenderID:   "7",
		ChatID:     "100",
		Content:    id,
		SessionKey: sessionKey,
		Priority:   p,
	}
}

func TestRouterDefaults(t *testing.T) {
	r := newTestRouter(t, &eventRecorder{}, Options{})
	if r.maxConcurrent != 3 {
		t.Fatalf("maxConcurrent = %d, want 3", r.maxConcurrent)
	}
	if r.maxQueueSize != 10 {
		t.Fatalf("maxQueueSize = %d, want 10", r.maxQueueSize)
	}
	if r.queueTimeout != 60*time.Second {
		t.Fatalf("queueTimeout = %v, want 60s", r.queueTimeout)
	}
	if r.sessionTimeout != time.Hour {
		t.Fatalf("sessionTimeout = %v, want 1h", r.sessionTimeout)
	}
	if r.maxSessions != 1000 {
		t.Fatalf("maxSessions = %d, want 1000", r.maxSessions)
	}
	if typingRefreshInterval != 3*time.Second {
		t.Fatalf("typingRefreshInterval = %v, want 3s", typingRefreshInterval)
	}
}

// A full queue yields its lowest-priority tail to a higher-priority
// arrival; the evicted sender gets a queue-full notice. Arrivals that
// cannot displace anything are dropped themselves.
func TestRouterQueueFullEvictsLowest(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestRouter(t, rec, Options{MaxConcurrentSessions: 1, MaxQueueSize: 2})
	adapter := &fakeAdapter{name: "telegram"}
	r.RegisterAdapter(adapter)

	started := make(chan struct{})
	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string
	r.SetDefaultHandler(func(ctx context.Context, msg bus.InboundMessage) error {
		mu.Lock()
		order = append(order, msg.ID)
		mu.Unlock()
		if msg.ID == "blocker" {
			close(started)
			<-gate
		}
		return nil
	})

	const session = "telegram:dm:100"
	r.HandleInbound(inbound("blocker", session, bus.PriorityNormal))
	<-started

	r.HandleInbound(inbound("m-normal", session, bus.PriorityNormal))
	r.HandleInbound(inbound("m-low", session, bus.PriorityLow))
	r.HandleInbound(inbound("m-high", session, bus.PriorityHigh))

	dropped := rec.payloads(protocol.EventMessageDropped)
	if len(dropped) != 1 {
		t.Fatalf("dropped events = %d, want 1", len(dropped))
	}
	if dropped[0]["messageId"] != "m-low" || dropped[0]["reason"] != "queue_full" {
		t.Fatalf("dropped payload = %v", dropped[0])
	}

	close(gate)
	waitFor(t, 2*time.Second, func() bool {
		return rec.count(protocol.EventMessageProcessed) == 3
	})

	mu.Lock()
	got := strings.Join(order, ",")
	mu.Unlock()
	if got != "blocker,m-high,m-normal" {
		t.Fatalf("processing order = %s, want blocker,m-high,m-normal", got)
	}

	notices := adapter.contents()
	foundNotice := false
	for _, c := range notices {
		if c == noticeQueueFull {
			foundNotice = true
		}
	}
	if !foundNotice {
		t.Fatalf("queue-full notice not sent, adapter saw %v", notices)
	}
}

func TestRouterQueueFullDropsLowArrival(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestRouter(t, rec, Options{MaxConcurrentSessions: 1, MaxQueueSize: 1})
	r.RegisterAdapter(&fakeAdapter{name: "telegram"})

	started := make(chan struct{})
	gate := make(chan struct{})
	defer close(gate)
	r.SetDefaultHandler(func(ctx context.Context, msg bus.InboundMessage) error {
		if msg.ID == "blocker" {
			close(started)
			<-gate
		}
		return nil
	})

	const session = "telegram:dm:100"
	r.HandleInbound(inbound("blocker", session, bus.PriorityNormal))
	<-started
	r.HandleInbound(inbound("queued-high", session, bus.PriorityHigh))
	r.HandleInbound(inbound("arriving-low", session, bus.PriorityLow))

	dropped := rec.payloads(protocol.EventMessageDropped)
	if len(dropped) != 1 || dropped[0]["messageId"] != "arriving-low" {
		t.Fatalf("dropped = %v, want arriving-low", dropped)
	}
}

// One session never has two handlers running at once, and messages of
// equal priority dispatch in arrival order.
func TestRouterSessionSerialOrdering(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestRouter(t, rec, Options{MaxConcurrentSessions: 3})

	var inflight, violations int32
	var mu sync.Mutex
	var order []string
	r.SetDefaultHandler(func(ctx context.Context, msg bus.InboundMessage) error {
		if atomic.AddInt32(&inflight, 1) > 1 {
			atomic.AddInt32(&violations, 1)
		}
		mu.Lock()
		order = append(order, msg.ID)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		return nil
	})

	const session = "telegram:dm:100"
	for _, id := range []string{"a", "b", "c", "d"} {
		r.HandleInbound(inbound(id, session, bus.PriorityNormal))
	}

	waitFor(t, 2*time.Second, func() bool {
		return rec.count(protocol.EventMessageProcessed) == 4
	})
	if v := atomic.LoadInt32(&violations); v != 0 {
		t.Fatalf("session had %d concurrent dispatches", v)
	}
	mu.Lock()
	got := strings.Join(order, ",")
	mu.Unlock()
	if got != "a,b,c,d" {
		t.Fatalf("order = %s, want a,b,c,d", got)
	}
}

func TestRouterParallelAcrossSessions(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestRouter(t, rec, Options{MaxConcurrentSessions: 2})

	var running int32
	release := make(chan struct{})
	r.SetDefaultHandler(func(ctx context.Context, msg bus.InboundMessage) error {
		atomic.AddInt32(&running, 1)
		<-release
		return nil
	})

	r.HandleInbound(inbound("m1", "telegram:dm:1", bus.PriorityNormal))
	r.HandleInbound(inbound("m2", "telegram:dm:2", bus.PriorityNormal))

	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt32(&running) == 2
	})
	close(release)
	waitFor(t, 2*time.Second, func() bool {
		return rec.count(protocol.EventMessageProcessed) == 2
	})
}

// Channel ordering serializes sessions sharing a channel.
func TestRouterChannelOrdering(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestRouter(t, rec, Options{MaxConcurrentSessions: 3, ChannelOrdering: true})

	var started int32
	release := make(chan struct{})
	r.SetDefaultHandler(func(ctx context.Context, msg bus.InboundMessage) error {
		atomic.AddInt32(&started, 1)
		<-release
		return nil
	})

	r.HandleInbound(inbound("m1", "telegram:dm:1", bus.PriorityNormal))
	r.HandleInbound(inbound("m2", "telegram:dm:2", bus.PriorityNormal))

	waitFor(t, time.Second, func() bool {
		return atomic.LoadInt32(&started) == 1
	})
	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&started); n != 1 {
		t.Fatalf("started = %d, want 1 while channel busy", n)
	}
	close(release)
	waitFor(t, 2*time.Second, func() bool {
		return rec.count(protocol.EventMessageProcessed) == 2
	})
}

// Items queued past the residency budget are discarded, not processed.
func TestRouterStaleDiscard(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestRouter(t, rec, Options{MaxConcurrentSessions: 1, SessionQueueTimeout: 30 * time.Second})
	clock := newFakeClock()
	r.now = clock.Now

	started := make(chan struct{})
	gate := make(chan struct{})
	var mu sync.Mutex
	var handled []string
	r.SetDefaultHandler(func(ctx context.Context, msg bus.InboundMessage) error {
		mu.Lock()
		handled = append(handled, msg.ID)
		mu.Unlock()
		if msg.ID == "blocker" {
			close(started)
			<-gate
		}
		return nil
	})

	const session = "telegram:dm:100"
	r.HandleInbound(inbound("blocker", session, bus.PriorityNormal))
	<-started
	r.HandleInbound(inbound("stale", session, bus.PriorityNormal))

	clock.Advance(31 * time.Second)
	close(gate)

	waitFor(t, 2*time.Second, func() bool {
		for _, p := range rec.payloads(protocol.EventMessageDropped) {
			if p["messageId"] == "stale" && p["reason"] == "stale" {
				return true
			}
		}
		return false
	})
	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 1 || handled[0] != "blocker" {
		t.Fatalf("handled = %v, want only blocker", handled)
	}
}

func TestRouterRouteMatching(t *testing.T) {
	var mu sync.Mutex
	hits := map[string]string{}
	record := func(label string) Handler {
		return func(ctx context.Context, msg bus.InboundMessage) error {
			mu.Lock()
			hits[msg.ID] = label
			mu.Unlock()
			return nil
		}
	}

	rec := &eventRecorder{}
	r := newTestRouter(t, rec, Options{})
	r.AddRoute(Route{Name: "system", SessionKeyPattern: "system:*", Priority: 5, Handler: record("system")})
	r.AddRoute(Route{Name: "telegram-dm", Channel: "telegram", SessionKeyPattern: "telegram:dm:*", Priority: 10, Handler: record("telegram-dm")})
	r.AddRoute(Route{Name: "urgent", MessagePriority: bus.PriorityHigh, Priority: 20, Handler: record("urgent")})
	r.SetDefaultHandler(record("default"))

	tests := []struct {
		name string
		msg  bus.InboundMessage
		want string
	}{
		{"high priority wins ordering", inbound("m1", "telegram:dm:100", bus.PriorityHigh), "urgent"},
		{"channel and pattern", inbound("m2", "telegram:dm:100", bus.PriorityNormal), "telegram-dm"},
		{"pattern only", bus.InboundMessage{ID: "m3", Channel: "system", SessionKey: "system:subagent:x", Priority: bus.PriorityNormal}, "system"},
		{"fallback", bus.InboundMessage{ID: "m4", Channel: "whatsapp", ChatID: "5", SessionKey: "whatsapp:dm:5", Priority: bus.PriorityNormal}, "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r.HandleInbound(tt.msg)
			waitFor(t, 2*time.Second, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return hits[tt.msg.ID] != ""
			})
			mu.Lock()
			got := hits[tt.msg.ID]
			mu.Unlock()
			if got != tt.want {
				t.Fatalf("routed to %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRouterNoHandlerNotice(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestRouter(t, rec, Options{})
	adapter := &fakeAdapter{name: "telegram"}
	r.RegisterAdapter(adapter)

	r.HandleInbound(inbound("m1", "telegram:dm:100", bus.PriorityNormal))

	waitFor(t, 2*time.Second, func() bool {
		for _, p := range rec.payloads(protocol.EventMessageDropped) {
			if p["reason"] == "no_handler" {
				return true
			}
		}
		return false
	})
	waitFor(t, 2*time.Second, func() bool {
		for _, c := range adapter.contents() {
			if c == noticeNoHandler {
				return true
			}
		}
		return false
	})
}

func TestRouterMiddleware(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestRouter(t, rec, Options{})

	r.Use(func(msg *bus.InboundMessage, next NextFunc) *bus.InboundMessage {
		if msg.Content == "drop me" {
			return nil
		}
		return next(msg)
	})
	r.Use(func(msg *bus.InboundMessage, next NextFunc) *bus.InboundMessage {
		msg.Content = msg.Content + " [tagged]"
		return next(msg)
	})

	var mu sync.Mutex
	var seen []string
	r.SetDefaultHandler(func(ctx context.Context, msg bus.InboundMessage) error {
		mu.Lock()
		seen = append(seen, msg.Content)
		mu.Unlock()
		return nil
	})

	dropped := inbound("m1", "telegram:dm:100", bus.PriorityNormal)
	dropped.Content = "drop me"
	r.HandleInbound(dropped)
	r.HandleInbound(inbound("m2", "telegram:dm:100", bus.PriorityNormal))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})
	mu.Lock()
	got := seen[0]
	mu.Unlock()
	if got != "m2 [tagged]" {
		t.Fatalf("handler saw %q, want %q", got, "m2 [tagged]")
	}

	found := false
	for _, p := range rec.payloads(protocol.EventMessageDropped) {
		if p["messageId"] == "m1" && p["reason"] == "middleware" {
			found = true
		}
	}
	if !found {
		t.Fatal("middleware drop event missing")
	}
}

func TestRouterHandlerTimeout(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestRouter(t, rec, Options{SessionQueueTimeout: 50 * time.Millisecond})
	adapter := &fakeAdapter{name: "telegram"}
	r.RegisterAdapter(adapter)

	r.SetDefaultHandler(func(ctx context.Context, msg bus.InboundMessage) error {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		return ctx.Err()
	})

	r.HandleInbound(inbound("slow", "telegram:dm:100", bus.PriorityNormal))

	waitFor(t, 2*time.Second, func() bool {
		return rec.count(protocol.EventMessageProcessed) == 1
	})
	processed := rec.payloads(protocol.EventMessageProcessed)
	if processed[0]["success"] != false {
		t.Fatalf("processed payload = %v, want success=false", processed[0])
	}
	waitFor(t, 2*time.Second, func() bool {
		for _, c := range adapter.contents() {
			if strings.Contains(c, "Timeout: Message processing took longer than") {
				return true
			}
		}
		return false
	})
}

func TestRouterHandlerErrorNotice(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestRouter(t, rec, Options{})
	adapter := &fakeAdapter{name: "telegram"}
	r.RegisterAdapter(adapter)

	long := strings.Repeat("x", 500)
	r.SetDefaultHandler(func(ctx context.Context, msg bus.InboundMessage) error {
		return errors.New(long)
	})

	r.HandleInbound(inbound("m1", "telegram:dm:100", bus.PriorityNormal))

	waitFor(t, 2*time.Second, func() bool {
		return len(adapter.contents()) == 1
	})
	notice := adapter.contents()[0]
	if !strings.HasPrefix(notice, "Message processing failed: ") {
		t.Fatalf("notice = %q", notice)
	}
	body := strings.TrimPrefix(notice, "Message processing failed: ")
	if got := len([]rune(body)); got != errExcerptLen+1 {
		t.Fatalf("excerpt length = %d runes, want %d plus ellipsis", got, errExcerptLen)
	}
}

// Unknown session keys recover through channel:kind:rest parsing; keys
// that cannot resolve to an adapter surface session_not_found.
func TestRouterSendToSession(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestRouter(t, rec, Options{})
	adapter := &fakeAdapter{name: "telegram"}
	r.RegisterAdapter(adapter)

	ok, err := r.SendToSession(context.Background(), "telegram:dm:12345", "hello", nil)
	if err != nil || !ok {
		t.Fatalf("SendToSession: ok=%v err=%v", ok, err)
	}
	adapter.mu.Lock()
	sent := adapter.sent[0]
	adapter.mu.Unlock()
	if sent.ChatID != "12345" || sent.Content != "hello" {
		t.Fatalf("sent = %+v", sent)
	}
	if r.SessionCount() != 1 {
		t.Fatalf("session not synthesized, count = %d", r.SessionCount())
	}

	ok, err = r.SendToSession(context.Background(), "telegram:dm:12345", "again", nil)
	if err != nil || !ok {
		t.Fatalf("second send: ok=%v err=%v", ok, err)
	}

	tests := []struct {
		name string
		key  string
	}{
		{"unparseable", "garbage"},
		{"no adapter", "whatsapp:dm:1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := rec.count(protocol.EventErrorOccurred)
			ok, err := r.SendToSession(context.Background(), tt.key, "x", nil)
			if ok || !errors.Is(err, ErrSessionNotFound) {
				t.Fatalf("ok=%v err=%v, want session_not_found", ok, err)
			}
			payloads := rec.payloads(protocol.EventErrorOccurred)
			if len(payloads) != before+1 {
				t.Fatalf("error_occurred events = %d, want %d", len(payloads), before+1)
			}
			if payloads[len(payloads)-1]["errorType"] != "session_not_found" {
				t.Fatalf("payload = %v", payloads[len(payloads)-1])
			}
		})
	}
}

func TestRouterPruneSessions(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestRouter(t, rec, Options{SessionTimeout: time.Hour, MaxSessions: 3})
	clock := newFakeClock()
	r.now = clock.Now

	keys := []string{"telegram:dm:1", "telegram:dm:2", "telegram:dm:3", "telegram:dm:4", "telegram:dm:5"}
	for _, key := range keys {
		r.touchSession(bus.InboundMessage{Channel: "telegram", ChatID: "1", SessionKey: key})
		clock.Advance(time.Minute)
	}
	if r.SessionCount() != 5 {
		t.Fatalf("sessions = %d, want 5", r.SessionCount())
	}

	r.pruneSessions()
	got := r.Sessions()
	if len(got) != 3 {
		t.Fatalf("after cap prune: %d sessions, want 3", len(got))
	}
	for i, want := range []string{"telegram:dm:5", "telegram:dm:4", "telegram:dm:3"} {
		if got[i].SessionKey != want {
			t.Fatalf("kept[%d] = %s, want %s", i, got[i].SessionKey, want)
		}
	}

	clock.Advance(2 * time.Hour)
	r.pruneSessions()
	if r.SessionCount() != 0 {
		t.Fatalf("idle sessions survived prune: %d", r.SessionCount())
	}
}

func TestRouterDedupeDropsRepeat(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestRouter(t, rec, Options{DedupeTTL: time.Minute})

	var handled int32
	r.SetDefaultHandler(func(ctx context.Context, msg bus.InboundMessage) error {
		atomic.AddInt32(&handled, 1)
		return nil
	})

	msg := inbound("same-id", "telegram:dm:100", bus.PriorityNormal)
	r.HandleInbound(msg)
	r.HandleInbound(msg)

	waitFor(t, 2*time.Second, func() bool {
		return rec.count(protocol.EventMessageProcessed) == 1
	})
	time.Sleep(30 * time.Millisecond)
	if n := atomic.LoadInt32(&handled); n != 1 {
		t.Fatalf("handled = %d, want 1", n)
	}
	found := false
	for _, p := range rec.payloads(protocol.EventMessageDropped) {
		if p["reason"] == "duplicate" {
			found = true
		}
	}
	if !found {
		t.Fatal("duplicate drop event missing")
	}
}

func TestRouterDeriveSessionKey(t *testing.T) {
	r := newTestRouter(t, &eventRecorder{}, Options{})

	tests := []struct {
		name string
		msg  bus.InboundMessage
		want string
	}{
		{
			"direct message",
			bus.InboundMessage{Channel: "telegram", ChatID: "42"},
			"telegram:dm:42",
		},
		{
			"group chat",
			bus.InboundMessage{Channel: "telegram", ChatID: "-10", Metadata: map[string]string{"chat_type": "group"}},
			"telegram:group:-10",
		},
		{
			"group topic thread",
			bus.InboundMessage{Channel: "telegram", ChatID: "-10", ThreadID: "7", Metadata: map[string]string{"chat_type": "group"}},
			"telegram:group:-10:topic:7",
		},
		{
			"thread ignored outside groups",
			bus.InboundMessage{Channel: "whatsapp", ChatID: "9", ThreadID: "7"},
			"whatsapp:dm:9",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.deriveSessionKey(tt.msg); got != tt.want {
				t.Fatalf("deriveSessionKey = %s, want %s", got, tt.want)
			}
		})
	}
}
