package msgrouter

import (
	"log/slog"
	"sync"
	"time"
)

// typingRefreshInterval keeps the indicator alive on channels that let
// it decay after a few seconds.
const typingRefreshInterval = 3 * time.Second

// typingSession is one live indicator. refs counts concurrent
// dispatches sharing the same chat so overlapping starts coalesce.
type typingSession struct {
	refs int
	stop chan struct{}
}

// typingRegistry keys indicators by channel|chatId. An initial "typing"
// goes out on start, refreshes follow every interval, and a final
// "paused" goes out when the last holder stops.
type typingRegistry struct {
	mu      sync.Mutex
	active  map[string]*typingSession
	send    func(channel, chatID, state string)
	logger  *slog.Logger
	refresh time.Duration
}

func newTypingRegistry(send func(channel, chatID, state string), logger *slog.Logger) *typingRegistry {
	return &typingRegistry{
		active:  make(map[string]*typingSession),
		send:    send,
		logger:  logger,
		refresh: typingRefreshInterval,
	}
}

func typingKey(channel, chatID string) string {
	return channel + "|" + chatID
}

// start begins or joins the indicator for a chat. No new timer is
// created while one is already running.
func (t *typingRegistry) start(channel, chatID string) {
	key := typingKey(channel, chatID)

	t.mu.Lock()
	if s, ok := t.active[key]; ok {
		s.refs++
		t.mu.Unlock()
		return
	}
	s := &typingSession{refs: 1, stop: make(chan struct{})}
	t.active[key] = s
	t.mu.Unlock()

	t.send(channel, chatID, "typing")
	go t.loop(channel, chatID, s.stop)
}

func (t *typingRegistry) loop(channel, chatID string, stop chan struct{}) {
	ticker := time.NewTicker(t.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			t.send(channel, chatID, "paused")
			return
		case <-ticker.C:
			t.send(channel, chatID, "typing")
		}
	}
}

// stop releases one holder; the indicator ends when the last holder
// releases.
func (t *typingRegistry) stop(channel, chatID string) {
	key := typingKey(channel, chatID)

	t.mu.Lock()
	s, ok := t.active[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	s.refs--
	if s.refs > 0 {
		t.mu.Unlock()
		return
	}
	delete(t.active, key)
	t.mu.Unlock()

	close(s.stop)
}

// activeCount reports live indicators.
func (t *typingRegistry) activeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// closeAll tears down every indicator.
func (t *typingRegistry) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, s := range t.active {
		close(s.stop)
		delete(t.active, key)
	}
}
