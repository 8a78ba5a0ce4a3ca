package tools

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWebCache(t *testing.T) {
	c := newWebCache(10, 50*time.Millisecond)

	if _, ok := c.get("missing"); ok {
		t.Error("empty cache returned a hit")
	}
	c.set("k", "v")
	if v, ok := c.get("k"); !ok || v != "v" {
		t.Errorf("get = %q, %v", v, ok)
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := c.get("k"); ok {
		t.Error("expired entry still served")
	}
}

func TestWebCacheEvictsOldest(t *testing.T) {
	c := newWebCache(2, time.Minute)
	c.set("a", "1")
	time.Sleep(time.Millisecond)
	c.set("b", "2")
	time.Sleep(time.Millisecond)
	c.set("c", "3")

	if _, ok := c.get("a"); ok {
		t.Error("oldest entry survived eviction")
	}
	if _, ok := c.get("b"); !ok {
		t.Error("entry b evicted")
	}
	if _, ok := c.get("c"); !ok {
		t.Error("entry c evicted")
	}
}

func TestWrapExternalContent(t *testing.T) {
	wrapped := wrapExternalContent("payload", "Web Search", false)
	if !strings.Contains(wrapped, `<external_content source="Web Search">`) {
		t.Errorf("missing boundary: %q", wrapped)
	}
	if !strings.Contains(wrapped, externalContentNote) {
		t.Error("missing note")
	}

	if got := wrapExternalContent("already", "x", true); got != "already" {
		t.Errorf("alreadyMarked output = %q", got)
	}
}

func TestCheckSSRF(t *testing.T) {
	blocked := []string{
		"http://localhost/admin",
		"http://api.localhost/",
		"http://127.0.0.1:8080/",
		"http://10.0.0.5/",
		"http://192.168.1.1/router",
		"http://172.16.3.4/",
		"http://169.254.169.254/latest/meta-data/",
		"http://[::1]/",
		"http://0.0.0.0/",
		"http://224.0.0.1/",
	}
	for _, u := range blocked {
		if err := checkSSRF(u); err == nil {
			t.Errorf("checkSSRF(%q) = nil, want error", u)
		}
	}

	// Public IP literal needs no DNS and must pass.
	if err := checkSSRF("http://93.184.216.34/"); err != nil {
		t.Errorf("public IP rejected: %v", err)
	}
	if err := checkSSRF("http:///nopath"); err == nil {
		t.Error("URL without a host accepted")
	}
}

func TestNormalizeFreshness(t *testing.T) {
	tests := []struct{ in, want string }{
		{"pd", "pd"},
		{" PW ", "pw"},
		{"py", "py"},
		{"", ""},
		{"yesterday", ""},
		{"2024-01-01to2024-02-01", "2024-01-01to2024-02-01"},
		{"2024-02-01to2024-01-01", ""},
		{"2024-13-01to2024-14-01", ""},
	}
	for _, tt := range tests {
		if got := normalizeFreshness(tt.in); got != tt.want {
			t.Errorf("normalizeFreshness(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHTMLToMarkdown(t *testing.T) {
	html := `<html><head><script>var x=1;</script><style>.a{color:red}</style></head>
<body><nav>menu items</nav>
<h1>Title</h1>
<p>Para with <strong>bold</strong> and <a href="https://go.dev/doc">link</a>.</p>
<h2>Sub</h2>
<ul><li>one</li><li>two</li></ul>
<pre>func main() {}</pre>
<blockquote>quoted line</blockquote>
<footer>copyright</footer></body></html>`

	md := htmlToMarkdown(html)

	for _, want := range []string{
		"# Title",
		"## Sub",
		"**bold**",
		"[link](https://go.dev/doc)",
		"- one",
		"- two",
		"func main() {}",
		"> quoted line",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
	for _, gone := range []string{"var x=1", "color:red", "menu items", "copyright", "<p>"} {
		if strings.Contains(md, gone) {
			t.Errorf("markdown still contains %q", gone)
		}
	}
}

func TestHTMLToText(t *testing.T) {
	html := `<body><header>site head</header><h1>Title</h1><p>Text with <b>bold</b> &amp; entities.</p></body>`
	text := htmlToText(html)

	if !strings.Contains(text, "Title") || !strings.Contains(text, "bold") {
		t.Errorf("text = %q", text)
	}
	if !strings.Contains(text, "Text with bold & entities.") {
		t.Errorf("entities not decoded: %q", text)
	}
	if strings.Contains(text, "site head") || strings.Contains(text, "**") {
		t.Errorf("text mode leaked markup: %q", text)
	}
}

func TestMarkdownToText(t *testing.T) {
	md := "# Head\n\nSome **bold** `code` here.\n\n![diagram](img.png) and [docs](https://x.dev)."
	text := markdownToText(md)

	want := "Head\n\nSome bold code here.\n\ndiagram and docs."
	if text != want {
		t.Errorf("markdownToText = %q, want %q", text, want)
	}
}

func TestExtractJSON(t *testing.T) {
	out, extractor := extractJSON([]byte(`{"b":1,"a":[2,3]}`))
	if extractor != "json" {
		t.Errorf("extractor = %q", extractor)
	}
	if !strings.Contains(out, "\n  \"a\"") {
		t.Errorf("not pretty-printed: %q", out)
	}

	out, extractor = extractJSON([]byte(`{broken`))
	if extractor != "raw" || out != "{broken" {
		t.Errorf("fallback = %q, %q", out, extractor)
	}
}

func TestLooksLikeJSShell(t *testing.T) {
	long := strings.Repeat("real text ", 50)
	if looksLikeJSShell(long, 10000) {
		t.Error("page with plenty of text flagged as shell")
	}
	if looksLikeJSShell("", 1000) {
		t.Error("small page flagged as shell")
	}
	if !looksLikeJSShell("  \n ", 10000) {
		t.Error("big empty page not flagged")
	}
}

// --- web_search ---

type fakeSearchBackend struct {
	name    string
	results []searchResult
	err     error
	calls   int
}

func (f *fakeSearchBackend) Name() string { return f.name }
func (f *fakeSearchBackend) Search(ctx context.Context, params searchParams) ([]searchResult, error) {
	f.calls++
	return f.results, f.err
}

func searchToolWith(backends ...SearchProvider) *WebSearchTool {
	return &WebSearchTool{providers: backends, cache: newWebCache(10, time.Minute)}
}

func TestNewWebSearchToolNeedsBackend(t *testing.T) {
	if tool := NewWebSearchTool(WebSearchConfig{}); tool != nil {
		t.Error("tool built without any backend")
	}
	if tool := NewWebSearchTool(WebSearchConfig{BraveEnabled: true}); tool != nil {
		t.Error("brave without API key should not count as a backend")
	}
	if tool := NewWebSearchTool(WebSearchConfig{DDGEnabled: true}); tool == nil {
		t.Error("ddg backend should be enough")
	}
}

func TestWebSearchExecute(t *testing.T) {
	backend := &fakeSearchBackend{
		name: "fake",
		results: []searchResult{
			{Title: "Go", URL: "https://go.dev", Description: "The Go language"},
		},
	}
	tool := searchToolWith(backend)

	res := tool.Execute(context.Background(), map[string]interface{}{"query": "golang"})
	if res.IsError {
		t.Fatalf("search failed: %s", res.ForLLM)
	}
	for _, want := range []string{"Search results for: golang", "1. Go", "https://go.dev", "(via fake)", externalContentNote} {
		if !strings.Contains(res.ForLLM, want) {
			t.Errorf("output missing %q:\n%s", want, res.ForLLM)
		}
	}

	// Identical query is served from cache.
	tool.Execute(context.Background(), map[string]interface{}{"query": "golang"})
	if backend.calls != 1 {
		t.Errorf("backend called %d times, want 1", backend.calls)
	}
}

func TestWebSearchFallback(t *testing.T) {
	broken := &fakeSearchBackend{name: "down", err: errors.New("quota")}
	healthy := &fakeSearchBackend{name: "up", results: []searchResult{{Title: "T", URL: "u"}}}
	tool := searchToolWith(broken, healthy)

	res := tool.Execute(context.Background(), map[string]interface{}{"query": "q"})
	if res.IsError {
		t.Fatalf("fallback did not rescue: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "(via up)") {
		t.Errorf("output = %q", res.ForLLM)
	}

	allDown := searchToolWith(&fakeSearchBackend{name: "a", err: errors.New("x")})
	res = allDown.Execute(context.Background(), map[string]interface{}{"query": "q"})
	if !res.IsError || !strings.Contains(res.ForLLM, "all search backends failed") {
		t.Errorf("result = %+v", res)
	}
}

func TestWebSearchRequiresQuery(t *testing.T) {
	tool := searchToolWith(&fakeSearchBackend{name: "f"})
	if res := tool.Execute(context.Background(), map[string]interface{}{}); !res.IsError {
		t.Error("empty query accepted")
	}
}

// --- web_fetch ---

func TestWebFetchExecuteValidation(t *testing.T) {
	tool := NewWebFetchTool(WebFetchConfig{})
	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"missing url", map[string]interface{}{}},
		{"bad scheme", map[string]interface{}{"url": "ftp://host/file"}},
		{"no host", map[string]interface{}{"url": "http:///path"}},
		{"localhost", map[string]interface{}{"url": "http://localhost:9/x"}},
		{"private ip", map[string]interface{}{"url": "http://10.1.2.3/"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if res := tool.Execute(context.Background(), tt.args); !res.IsError {
				t.Errorf("args %v accepted", tt.args)
			}
		})
	}
}

func TestWebFetchDoFetchHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><h1>Docs</h1><p>Welcome to the <strong>site</strong>.</p></body></html>`))
	}))
	defer srv.Close()

	tool := NewWebFetchTool(WebFetchConfig{})
	out, err := tool.doFetch(context.Background(), srv.URL, "markdown", 5000)
	if err != nil {
		t.Fatalf("doFetch: %v", err)
	}
	for _, want := range []string{"Status: 200", "Extractor: html-to-markdown", "# Docs", "**site**", externalContentNote} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWebFetchDoFetchJSONAndTruncation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":["` + strings.Repeat("x", 400) + `"]}`))
	}))
	defer srv.Close()

	tool := NewWebFetchTool(WebFetchConfig{})
	out, err := tool.doFetch(context.Background(), srv.URL, "markdown", 100)
	if err != nil {
		t.Fatalf("doFetch: %v", err)
	}
	if !strings.Contains(out, "Extractor: json") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "Truncated: true (limit: 100 chars)") {
		t.Errorf("truncation header missing:\n%s", out)
	}
}

func TestWebFetchRedirectRechecksSSRF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://127.0.0.1:1/", http.StatusFound)
	}))
	defer srv.Close()

	tool := NewWebFetchTool(WebFetchConfig{})
	_, err := tool.doFetch(context.Background(), srv.URL, "markdown", 1000)
	if err == nil || !strings.Contains(err.Error(), "SSRF") {
		t.Errorf("redirect to loopback: err = %v, want SSRF rejection", err)
	}
}

type fakeRenderer struct {
	html string
	err  error
}

func (f *fakeRenderer) Render(ctx context.Context, url string) (string, error) {
	return f.html, f.err
}

func TestExtractHTMLRendererFallback(t *testing.T) {
	shell := "<html><body>" + strings.Repeat("<script>app()</script>", 400) + `<div id="root"></div></body></html>`
	richHTML := "<p>" + strings.Repeat("rendered content ", 60) + "</p>"

	t.Run("renders JS shells", func(t *testing.T) {
		tool := NewWebFetchTool(WebFetchConfig{Renderer: &fakeRenderer{html: richHTML}})
		text, extractor := tool.extractHTML(context.Background(), shell, "https://spa.example", "markdown")
		if extractor != "browser-render" {
			t.Errorf("extractor = %q", extractor)
		}
		if !strings.Contains(text, "rendered content") {
			t.Errorf("text = %q", text)
		}
	})

	t.Run("keeps static on render error", func(t *testing.T) {
		tool := NewWebFetchTool(WebFetchConfig{Renderer: &fakeRenderer{err: errors.New("browser gone")}})
		_, extractor := tool.extractHTML(context.Background(), shell, "https://spa.example", "markdown")
		if extractor != "html-to-markdown" {
			t.Errorf("extractor = %q", extractor)
		}
	})

	t.Run("keeps static when render is no better", func(t *testing.T) {
		tool := NewWebFetchTool(WebFetchConfig{Renderer: &fakeRenderer{html: "<p>tiny</p>"}})
		_, extractor := tool.extractHTML(context.Background(), shell, "https://spa.example", "markdown")
		if extractor != "html-to-markdown" {
			t.Errorf("extractor = %q", extractor)
		}
	})

	t.Run("static page never rendered", func(t *testing.T) {
		tool := NewWebFetchTool(WebFetchConfig{Renderer: &fakeRenderer{html: richHTML}})
		staticPage := "<html><body><p>" + strings.Repeat("static words ", 60) + "</p></body></html>"
		_, extractor := tool.extractHTML(context.Background(), staticPage, "https://plain.example", "markdown")
		if extractor != "html-to-markdown" {
			t.Errorf("extractor = %q", extractor)
		}
	})
}
