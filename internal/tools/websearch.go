// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// =============================================================================
// DUCKDUCKGO HTML SEARCH
// =============================================================================

// Parsing patterns, compiled once.
var (
	ddgTitleRegex   = regexp.MustCompile(`(?s)<a[^>]+class="result__a"[^>]+href="([^"]+)"[^>]*>(.+?)</a>`)
	ddgSnippetRegex = regexp.MustCompile(`(?s)<a[^>]+class="result__snippet"[^>]*>(.+?)</a>`)

	htmlTagRegex    = regexp.MustCompile(`<[^>]*>`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
)

const (
	defaultSearchURL     = "https://html.duckduckgo.com/html/"
	defaultSearchTimeout = 15 * time.Second
	defaultSearchAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	maxSearchResults     = 10
	maxSearchBody        = 2 * 1024 * 1024
)

// SearchHit is one parsed search result.
type SearchHit struct {
	Title   string
	URL     string
	Snippet string
}

// WebSearch queries DuckDuckGo's HTML endpoint, which needs no API
// key.
type WebSearch struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	client    *http.Client
}

// NewWebSearch creates a search executor with the default endpoint.
func NewWebSearch() *WebSearch {
	return &WebSearch{
		BaseURL:   defaultSearchURL,
		Timeout:   defaultSearchTimeout,
		UserAgent: defaultSearchAgent,
		client:    &http.Client{},
	}
}

// Handle is the web_search tool handler.
func (s *WebSearch) Handle(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", fmt.Errorf("query is required")
	}

	limit := args.MaxResults
	if limit < 1 {
		limit = 5
	}
	if limit > maxSearchResults {
		limit = maxSearchResults
	}

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	hits, err := s.search(ctx, args.Query)
	if err != nil {
		return "", fmt.Errorf("search failed: %w", err)
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return formatHits(args.Query, hits), nil
}

// search fetches and parses one results page.
func (s *WebSearch) search(ctx context.Context, query string) ([]SearchHit, error) {
	form := url.Values{"q": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", s.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchBody))
	if err != nil {
		return nil, err
	}
	return parseResultsPage(string(body)), nil
}

// parseResultsPage extracts hits from the DuckDuckGo HTML page.
func parseResultsPage(page string) []SearchHit {
	titles := ddgTitleRegex.FindAllStringSubmatch(page, -1)
	snippets := ddgSnippetRegex.FindAllStringSubmatch(page, -1)

	hits := make([]SearchHit, 0, len(titles))
	for i, m := range titles {
		hit := SearchHit{
			URL:   resultURL(m[1]),
			Title: cleanFragment(m[2]),
		}
		if i < len(snippets) {
			hit.Snippet = cleanFragment(snippets[i][1])
		}
		if hit.Title != "" && hit.URL != "" {
			hits = append(hits, hit)
		}
	}
	return hits
}

// resultURL unwraps DuckDuckGo's redirect links (//duckduckgo.com/l/?uddg=...).
func resultURL(raw string) string {
	decoded := html.UnescapeString(raw)
	if idx := strings.Index(decoded, "uddg="); idx != -1 {
		target := decoded[idx+len("uddg="):]
		if amp := strings.Index(target, "&"); amp != -1 {
			target = target[:amp]
		}
		if unescaped, err := url.QueryUnescape(target); err == nil {
			return unescaped
		}
	}
	if strings.HasPrefix(decoded, "//") {
		return "https:" + decoded
	}
	return decoded
}

// cleanFragment strips tags and collapses whitespace.
func cleanFragment(fragment string) string {
	text := htmlTagRegex.ReplaceAllString(fragment, "")
	text = html.UnescapeString(text)
	text = whitespaceRegex.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// formatHits renders the hits for the model.
func formatHits(query string, hits []SearchHit) string {
	if len(hits) == 0 {
		return fmt.Sprintf("No results for %q.", query)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Results for %q:\n", query)
	for i, h := range hits {
		fmt.Fprintf(&sb, "\n%d. %s\n   %s\n", i+1, h.Title, h.URL)
		if h.Snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", h.Snippet)
		}
	}
	return sb.String()
}
