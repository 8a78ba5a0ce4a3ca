package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// duckDuckGoSearchProvider scrapes the DuckDuckGo HTML endpoint. Keyless
// fallback when Brave isn't configured; result quality depends on their
// markup staying stable.
type duckDuckGoSearchProvider struct {
	maxResults int
	client     *http.Client
}

func newDuckDuckGoSearchProvider(maxResults int) *duckDuckGoSearchProvider {
	if maxResults <= 0 || maxResults > maxSearchCount {
		maxResults = maxSearchCount
	}
	return &duckDuckGoSearchProvider{
		maxResults: maxResults,
		client:     &http.Client{Timeout: searchTimeoutSeconds * time.Second},
	}
}

func (p *duckDuckGoSearchProvider) Name() string { return "duckduckgo" }

func (p *duckDuckGoSearchProvider) Search(ctx context.Context, params searchParams) ([]searchResult, error) {
	searchURL := fmt.Sprintf("https://html.duckduckgo.com/html/?q=%s", url.QueryEscape(params.Query))

	req, err := http.NewRequestWithContext(ctx, "GET", searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", webSearchUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	count := params.Count
	if count > p.maxResults {
		count = p.maxResults
	}
	return extractDDGResults(string(body), count)
}

var (
	ddgLinkRe    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
)

func stripTags(s string) string {
	return strings.TrimSpace(htmlTagRe.ReplaceAllString(s, ""))
}

// unwrapDDGRedirect recovers the destination from a DDG redirect href.
// Result hrefs look like /l/?uddg=<escaped-url>&rut=...
func unwrapDDGRedirect(href string) string {
	if !strings.Contains(href, "uddg=") {
		return href
	}
	u, err := url.QueryUnescape(href)
	if err != nil {
		return href
	}
	idx := strings.Index(u, "uddg=")
	if idx == -1 {
		return href
	}
	dest := u[idx+len("uddg="):]
	if amp := strings.Index(dest, "&"); amp != -1 {
		dest = dest[:amp]
	}
	return dest
}

func extractDDGResults(html string, count int) ([]searchResult, error) {
	links := ddgLinkRe.FindAllStringSubmatch(html, count+5)
	if len(links) == 0 {
		return nil, nil
	}
	snippets := ddgSnippetRe.FindAllStringSubmatch(html, count+5)

	var results []searchResult
	for i, link := range links {
		if i >= count {
			break
		}
		r := searchResult{
			Title: stripTags(link[2]),
			URL:   unwrapDDGRedirect(link[1]),
		}
		if i < len(snippets) {
			r.Description = stripTags(snippets[i][1])
		}
		results = append(results, r)
	}
	return results, nil
}
