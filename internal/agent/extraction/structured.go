package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mohammad-safakhou/ecoagent/config"
	"github.com/mohammad-safakhou/ecoagent/internal/helpers"
)

// HTTPFetcher is the structured strategy: a plain request whose body is
// either passed through (JSON/XML APIs) or reduced to tables and text.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
	maxChars int
}

// NewHTTPFetcher relies on the caller's context for deadlines.
func NewHTTPFetcher(cfg config.ExtractionConfig) *HTTPFetcher {
	cfg = cfg.Normalize()
	return &HTTPFetcher{client: &http.Client{}, maxBytes: cfg.MaxBodyBytes, maxChars: cfg.MaxChars}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, identity config.IdentityProfile) (Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Page{}, fmt.Errorf("build request: %w", err)
	}
	applyIdentity(req.Header, identity)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("request document: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return Page{}, fmt.Errorf("read body: %w", err)
	}
	page := Page{StatusCode: resp.StatusCode, ContentType: mediaType(resp.Header.Get("Content-Type"))}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return page, nil
	}

	switch {
	case isJSON(page.ContentType, body):
		page.Content = compactJSON(body)
	case strings.Contains(page.ContentType, "xml") && !strings.Contains(page.ContentType, "html"):
		page.Content = string(body)
	default:
		title, text, err := htmlText(body)
		if err != nil {
			return Page{}, fmt.Errorf("parse document: %w", err)
		}
		page.Title, page.Content = title, text
	}
	page.Content = helpers.Truncate(page.Content, f.maxChars)
	return page, nil
}

func applyIdentity(h http.Header, identity config.IdentityProfile) {
	if identity.UserAgent != "" {
		h.Set("User-Agent", identity.UserAgent)
	}
	if identity.AcceptLanguage != "" {
		h.Set("Accept-Language", identity.AcceptLanguage)
	}
	for k, v := range identity.Headers {
		h.Set(k, v)
	}
}

func mediaType(header string) string {
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(header))
	}
	return mt
}

func isJSON(contentType string, body []byte) bool {
	if strings.Contains(contentType, "json") {
		return true
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed)
}

func compactJSON(body []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, bytes.TrimSpace(body)); err != nil {
		return string(body)
	}
	return buf.String()
}

// htmlText keeps table rows as pipe-separated lines ahead of the page text,
// since indicator values mostly live in tables.
func htmlText(body []byte) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	doc.Find("script, style, noscript, svg, nav, footer").Remove()
	title := helpers.CollapseWhitespace(doc.Find("title").First().Text())

	var b strings.Builder
	doc.Find("table tr").Each(func(_ int, tr *goquery.Selection) {
		var cells []string
		tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
			if text := helpers.CollapseWhitespace(cell.Text()); text != "" {
				cells = append(cells, text)
			}
		})
		if len(cells) > 0 {
			b.WriteString(strings.Join(cells, " | "))
			b.WriteByte('\n')
		}
	})
	doc.Find("table").Remove()
	if text := helpers.CollapseWhitespace(doc.Find("body").Text()); text != "" {
		b.WriteString(text)
	}
	return title, strings.TrimSpace(b.String()), nil
}
