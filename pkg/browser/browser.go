// Package browser wraps a shared headless Chrome for page rendering.
// The browser process launches lazily on first use; rod's launcher finds
// the system Chrome/Chromium and downloads one when none is installed.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const renderTimeout = 20 * time.Second

// Manager owns the shared browser. Render opens one page per call; the
// process is reused across calls and torn down by Close.
type Manager struct {
	mu       sync.Mutex
	headless bool
	launcher *launcher.Launcher
	browser  *rod.Browser
	closed   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithHeadless toggles headless mode. Defaults to true.
func WithHeadless(h bool) Option {
	return func(m *Manager) { m.headless = h }
}

// New creates a Manager. No process is launched until the first Render.
func New(opts ...Option) *Manager {
	m := &Manager{headless: true}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ensureBrowser launches Chrome on first call and reuses it after.
func (m *Manager) ensureBrowser() (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("browser manager closed")
	}
	if m.browser != nil {
		return m.browser, nil
	}

	l := launcher.New().Headless(m.headless)
	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	m.launcher = l
	m.browser = b
	return b, nil
}

// Render navigates to url, waits for the page to settle, and returns the
// DOM as HTML. Used as the web_fetch fallback for script-heavy pages.
func (m *Manager) Render(ctx context.Context, url string) (string, error) {
	b, err := m.ensureBrowser()
	if err != nil {
		return "", err
	}

	page, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		return "", fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	ctx, cancel := context.WithTimeout(ctx, renderTimeout)
	defer cancel()

	nav := page.Context(ctx)
	if err := nav.Navigate(url); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}
	if err := nav.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load: %w", err)
	}
	// Give SPA hydration a beat; a timeout here is not an error, the DOM
	// is still usable.
	_ = nav.WaitIdle(2 * time.Second)

	html, err := nav.HTML()
	if err != nil {
		return "", fmt.Errorf("read dom: %w", err)
	}
	return html, nil
}

// Close tears the shared browser down. Safe to call more than once and
// before first use.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.launcher != nil {
		m.launcher.Kill()
		m.launcher.Cleanup()
		m.launcher = nil
	}
}
