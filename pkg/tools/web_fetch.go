package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	maxFetchBodyBytes  = 100 * 1024
	maxFetchOutputLen  = 50000
	fetchTimeout       = 30 * time.Second
	maxFetchRedirects  = 5
	fetchUserAgent     = "Mozilla/5.0 (compatible; Conductor/1.0)"
	fetchAcceptHeader  = "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8"
	fetchAcceptLangHdr = "en-US,en;q=0.5"
)

// WebFetchTool fetches a web page and returns its text content with HTML
// stripped. Suited to documentation pages, release notes and API references.
type WebFetchTool struct {
	httpClient *http.Client
}

// NewWebFetchTool creates the web_fetch tool.
func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{
		httpClient: &http.Client{
			Timeout: fetchTimeout,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= maxFetchRedirects {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
	}
}

func (t *WebFetchTool) Name() string {
	return ToolWebFetch
}

func (t *WebFetchTool) Meta() Meta {
	return Meta{
		Name: ToolWebFetch,
		Description: "Fetch a web page and return its text content with HTML stripped. " +
			"Best for documentation, release notes and API references. Pages are " +
			"capped at 100KB.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"url": {
					Type:        "string",
					Description: "Full URL to fetch, e.g. 'https://go.dev/doc/go1.22'",
				},
			},
			Required: []string{"url"},
		},
	}
}

func (t *WebFetchTool) Exec(ctx context.Context, args map[string]any) Result {
	urlStr, err := stringArg(args, "url")
	if err != nil {
		return errorResult("%v", err)
	}
	if !strings.HasPrefix(urlStr, "http://") && !strings.HasPrefix(urlStr, "https://") {
		return errorResult("URL must start with http:// or https://")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, http.NoBody)
	if err != nil {
		return errorResult("build request: %v", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", fetchAcceptHeader)
	req.Header.Set("Accept-Language", fetchAcceptLangHdr)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return errorResult("fetch failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errorResult("HTTP error: %d %s", resp.StatusCode, resp.Status)
	}
	contentType := resp.Header.Get("Content-Type")
	if !isTextContent(contentType) {
		return errorResult("unsupported content type %q (only HTML and plain text)", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBodyBytes))
	if err != nil {
		return errorResult("read response: %v", err)
	}

	html := string(body)
	text := extractText(html)
	truncated := false
	if len(text) > maxFetchOutputLen {
		text = text[:maxFetchOutputLen]
		truncated = true
	}

	return jsonResult(map[string]any{
		"url":       urlStr,
		"title":     extractTitle(html),
		"content":   text,
		"truncated": truncated,
	})
}

func isTextContent(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") ||
		strings.Contains(ct, "text/plain") ||
		strings.Contains(ct, "application/xhtml") ||
		strings.Contains(ct, "application/xml") ||
		strings.Contains(ct, "text/xml")
}

//nolint:gochecknoglobals // Compiled once
var (
	titleRe   = regexp.MustCompile(`(?i)<title[^>]*>([^<]+)</title>`)
	scriptRe  = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe   = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	commentRe = regexp.MustCompile(`(?s)<!--.*?-->`)
	tagRe     = regexp.MustCompile(`<[^>]+>`)
	spaceRe   = regexp.MustCompile(`[ \t]+`)
	blankRe   = regexp.MustCompile(`\n{3,}`)
)

func extractTitle(html string) string {
	if m := titleRe.FindStringSubmatch(html); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// extractText strips scripts, styles, comments and tags, then collapses
// whitespace.
func extractText(html string) string {
	text := scriptRe.ReplaceAllString(html, "")
	text = styleRe.ReplaceAllString(text, "")
	text = commentRe.ReplaceAllString(text, "")
	text = tagRe.ReplaceAllString(text, "\n")
	text = strings.NewReplacer(
		"&amp;", "&", "&lt;", "<", "&gt;", ">",
		"&quot;", `"`, "&#39;", "'", "&nbsp;", " ",
	).Replace(text)
	text = spaceRe.ReplaceAllString(text, " ")
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		lines = append(lines, strings.TrimSpace(line))
	}
	text = strings.Join(lines, "\n")
	text = blankRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
