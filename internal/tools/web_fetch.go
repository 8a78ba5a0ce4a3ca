package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultFetchMaxChars    = 50000
	defaultFetchMaxRedirect = 3
	defaultErrorMaxChars    = 4000
	fetchTimeoutSeconds     = 30
	fetchUserAgent          = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	// Pages whose static HTML yields less text than this while the raw
	// body is large are assumed to be JS shells and go through the
	// renderer when one is attached.
	renderMinStaticChars = 200
	renderMinBodyBytes   = 5000
)

// Renderer loads a page in a real browser and returns the settled DOM.
// Wired to the rod-based implementation in pkg/browser; nil disables the
// fallback.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// WebFetchTool fetches a URL and extracts readable content. HTML is
// converted to markdown or plain text; JSON is pretty-printed. Private and
// link-local targets are refused, on redirects too.
type WebFetchTool struct {
	maxChars int
	cache    *webCache
	renderer Renderer
}

// WebFetchConfig holds configuration for the web fetch tool.
type WebFetchConfig struct {
	MaxChars int
	CacheTTL time.Duration
	Renderer Renderer
}

func NewWebFetchTool(cfg WebFetchConfig) *WebFetchTool {
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = defaultFetchMaxChars
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &WebFetchTool{
		maxChars: maxChars,
		cache:    newWebCache(defaultCacheMaxEntries, ttl),
		renderer: cfg.Renderer,
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and extract its content. Supports HTML (converted to markdown/text), JSON, and plain text."
}

func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch.",
			},
			"extractMode": map[string]interface{}{
				"type":        "string",
				"description": `Extraction mode ("markdown" or "text"). Default: "markdown".`,
				"enum":        []string{"markdown", "text"},
			},
			"maxChars": map[string]interface{}{
				"type":        "number",
				"description": "Maximum characters to return (truncates when exceeded).",
				"minimum":     100.0,
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid URL: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrorResult("only http and https URLs are supported")
	}
	if parsed.Host == "" {
		return ErrorResult("missing hostname in URL")
	}

	if err := checkSSRF(rawURL); err != nil {
		return ErrorResult(fmt.Sprintf("SSRF protection: %v", err))
	}

	extractMode := "markdown"
	if em, ok := args["extractMode"].(string); ok && (em == "markdown" || em == "text") {
		extractMode = em
	}

	maxChars := t.maxChars
	if mc, ok := args["maxChars"].(float64); ok && int(mc) >= 100 {
		maxChars = int(mc)
	}

	cacheKey := fmt.Sprintf("fetch:%s:%s:%d", rawURL, extractMode, maxChars)
	if cached, ok := t.cache.get(cacheKey); ok {
		slog.Debug("web_fetch.cache_hit", "url", rawURL)
		return NewResult(cached)
	}

	result, err := t.doFetch(ctx, rawURL, extractMode, maxChars)
	if err != nil {
		errMsg := truncateStr(err.Error(), defaultErrorMaxChars)
		return ErrorResult(fmt.Sprintf("fetch failed: %s", errMsg))
	}

	wrapped := wrapExternalContent(result, "Web Fetch", true)
	t.cache.set(cacheKey, wrapped)
	return NewResult(wrapped)
}

func (t *WebFetchTool) doFetch(ctx context.Context, rawURL, extractMode string, maxChars int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	redirectCount := 0
	client := &http.Client{
		Timeout: fetchTimeoutSeconds * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 15 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			redirectCount++
			if redirectCount > defaultFetchMaxRedirect {
				return fmt.Errorf("stopped after %d redirects", defaultFetchMaxRedirect)
			}
			if err := checkSSRF(req.URL.String()); err != nil {
				return fmt.Errorf("redirect SSRF protection: %w", err)
			}
			return nil
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	// Read extra so HTML overhead doesn't eat the char budget.
	limitReader := io.LimitReader(resp.Body, int64(maxChars*4))
	body, err := io.ReadAll(limitReader)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	finalURL := resp.Request.URL.String()

	var text string
	var extractor string

	switch {
	case strings.Contains(contentType, "application/json"):
		text, extractor = extractJSON(body)

	case strings.Contains(contentType, "text/markdown"):
		text = string(body)
		extractor = "markdown"
		if extractMode == "text" {
			text = markdownToText(text)
		}

	case strings.Contains(contentType, "text/html"),
		strings.Contains(contentType, "application/xhtml"):
		text, extractor = t.extractHTML(ctx, string(body), finalURL, extractMode)

	default:
		text = string(body)
		extractor = "raw"
	}

	truncated := false
	if len(text) > maxChars {
		text = text[:maxChars]
		truncated = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\n", finalURL)
	fmt.Fprintf(&sb, "Status: %d\n", resp.StatusCode)
	fmt.Fprintf(&sb, "Extractor: %s\n", extractor)
	if truncated {
		fmt.Fprintf(&sb, "Truncated: true (limit: %d chars)\n", maxChars)
	}
	fmt.Fprintf(&sb, "Length: %d\n", len(text))
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "<web_content source=\"external\" url=%q>\n", finalURL)
	sb.WriteString(text)
	sb.WriteString("\n</web_content>\n")
	sb.WriteString(externalContentNote)

	return sb.String(), nil
}

// extractHTML converts static HTML to the requested format. When the page
// is a JS shell and a renderer is attached, the rendered DOM is converted
// instead.
func (t *WebFetchTool) extractHTML(ctx context.Context, html, pageURL, extractMode string) (string, string) {
	convert := htmlToMarkdown
	extractor := "html-to-markdown"
	if extractMode == "text" {
		convert = htmlToText
		extractor = "html-to-text"
	}

	text := convert(html)
	if t.renderer == nil || !looksLikeJSShell(text, len(html)) {
		return text, extractor
	}

	rendered, err := t.renderer.Render(ctx, pageURL)
	if err != nil {
		slog.Warn("web_fetch.render_failed", "url", pageURL, "error", err)
		return text, extractor
	}
	renderedText := convert(rendered)
	if len(renderedText) <= len(text) {
		return text, extractor
	}
	return renderedText, "browser-render"
}

// looksLikeJSShell flags pages whose markup is large but whose extracted
// text is nearly empty.
func looksLikeJSShell(extracted string, bodyLen int) bool {
	if bodyLen < renderMinBodyBytes {
		return false
	}
	if len(strings.TrimSpace(extracted)) >= renderMinStaticChars {
		return false
	}
	return true
}
