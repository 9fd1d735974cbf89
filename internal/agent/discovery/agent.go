package discovery

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mohammad-safakhou/ecoagent/config"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
	"github.com/mohammad-safakhou/ecoagent/internal/helpers"
)

var skippedExtensions = map[string]struct{}{
	".pdf": {}, ".zip": {}, ".rar": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {},
	".ppt": {}, ".pptx": {}, ".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".svg": {},
	".mp4": {}, ".mp3": {}, ".css": {}, ".js": {}, ".ico": {},
}

// Agent expands a source into a ranked list of content URLs by crawling
// same-site links breadth first.
type Agent struct {
	catalog  *config.SourceCatalog
	policy   config.CrawlPolicyConfig
	cfg      config.DiscoveryConfig
	identity config.IdentityProfile
	client   *http.Client
	logger   *log.Logger
}

// NewAgent builds a discovery agent over the given catalog.
func NewAgent(cfg *config.Config, catalog *config.SourceCatalog) *Agent {
	return &Agent{
		catalog:  catalog,
		policy:   cfg.CrawlPolicy.Normalize(),
		cfg:      cfg.Discovery.Normalize(),
		identity: cfg.Identity.Normalize().Profiles[0],
		client:   &http.Client{},
		logger:   log.New(log.Writer(), "[DISCOVERY] ", log.LstdFlags),
	}
}

type candidate struct {
	url   string
	score int
	order int
}

type crawlItem struct {
	url   string
	depth int
}

// Discover implements core.Discoverer. An unknown source or a source whose
// seeds all fail is a DiscoveryFailure; a crawl that finds nothing usable is
// NoUrlsResolved.
func (a *Agent) Discover(ctx context.Context, source string, maxURLs int) ([]string, error) {
	desc, err := a.resolve(source)
	if err != nil {
		return nil, err
	}
	limit := a.cfg.MaxURLs
	if maxURLs > 0 && maxURLs < limit {
		limit = maxURLs
	}
	keywords := append(append([]string(nil), desc.PriorityKeywords...), a.cfg.PriorityKeywords...)
	excludes := append(append([]string(nil), desc.ExcludePatterns...), a.cfg.ExcludePatterns...)

	if !desc.Follow {
		var urls []string
		seen := make(map[string]struct{}, len(desc.SeedURLs))
		for _, seed := range desc.SeedURLs {
			key, err := helpers.CanonicalURL(seed)
			if err != nil || !a.policy.Permits(seed) {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			urls = append(urls, seed)
		}
		if len(urls) == 0 {
			return nil, core.Errorf(core.KindNoURLsResolved, "all seeds of %q are disallowed", desc.ID)
		}
		if len(urls) > limit {
			urls = urls[:limit]
		}
		return urls, nil
	}

	start := time.Now()
	seen := make(map[string]struct{})
	var (
		candidates []candidate
		queue      []crawlItem
		fetched    int
		seedOK     int
	)
	add := func(raw, anchor string, depth int) {
		key, err := helpers.CanonicalURL(raw)
		if err != nil {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		if !a.policy.Permits(raw) || excluded(raw, excludes) {
			return
		}
		candidates = append(candidates, candidate{url: raw, score: score(raw, anchor, keywords), order: len(candidates)})
		if depth < a.cfg.MaxDepth {
			queue = append(queue, crawlItem{url: raw, depth: depth + 1})
		}
	}

	for _, seed := range desc.SeedURLs {
		if !a.policy.Permits(seed) {
			continue
		}
		key, err := helpers.CanonicalURL(seed)
		if err != nil {
			continue
		}
		seen[key] = struct{}{}
		queue = append(queue, crawlItem{url: seed, depth: 0})
	}
	if len(queue) == 0 {
		return nil, core.Errorf(core.KindNoURLsResolved, "all seeds of %q are disallowed", desc.ID)
	}

	for len(queue) > 0 && fetched < a.cfg.MaxPages && ctx.Err() == nil {
		item := queue[0]
		queue = queue[1:]
		links, err := a.links(ctx, item.url)
		fetched++
		if err != nil {
			a.logger.Printf("source %s: %s: %v", desc.ID, item.url, err)
			continue
		}
		if item.depth == 0 {
			seedOK++
			candidates = append(candidates, candidate{url: item.url, score: score(item.url, "", keywords), order: len(candidates)})
		}
		for _, l := range links {
			if helpers.SameSite(l.href, item.url) {
				add(l.href, l.text, item.depth)
			}
		}
	}

	if seedOK == 0 {
		if ctx.Err() != nil {
			return nil, core.Errorf(core.KindDiscoveryFailure, "source %q: seeds not reachable before deadline", desc.ID)
		}
		return nil, core.Errorf(core.KindDiscoveryFailure, "source %q: no seed could be fetched", desc.ID)
	}
	if len(candidates) == 0 {
		return nil, core.Errorf(core.KindNoURLsResolved, "source %q produced no candidate urls", desc.ID)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].order < candidates[j].order
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.url
	}
	a.logger.Printf("source %s: %d urls from %d pages in %v", desc.ID, len(out), fetched, time.Since(start))
	return out, nil
}

// resolve accepts a catalog id or a bare http(s) URL, which is crawled as its own seed.
func (a *Agent) resolve(source string) (config.SourceDescriptor, error) {
	source = strings.TrimSpace(source)
	if desc, ok := a.catalog.Lookup(source); ok {
		return desc, nil
	}
	if helpers.IsHTTPURL(source) {
		return config.SourceDescriptor{ID: helpers.Domain(source), SeedURLs: []string{source}, Follow: true}, nil
	}
	return config.SourceDescriptor{}, core.Errorf(core.KindDiscoveryFailure, "unknown source %q", source)
}

type link struct {
	href string
	text string
}

func (a *Agent) links(ctx context.Context, pageURL string) ([]link, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", a.identity.UserAgent)
	if a.identity.AcceptLanguage != "" {
		req.Header.Set("Accept-Language", a.identity.AcceptLanguage)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("page returned %s", resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	base := resp.Request.URL
	if href, ok := doc.Find("base[href]").Attr("href"); ok {
		if u, err := base.Parse(href); err == nil {
			base = u
		}
	}
	var out []link
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		abs := helpers.ResolveLink(base, href)
		if abs == "" || binary(abs) {
			return
		}
		out = append(out, link{href: abs, text: helpers.CollapseWhitespace(s.Text())})
	})
	return out, nil
}

func binary(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return true
	}
	_, skip := skippedExtensions[strings.ToLower(path.Ext(u.Path))]
	return skip
}

func excluded(raw string, patterns []string) bool {
	lower := strings.ToLower(raw)
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func score(raw, anchor string, keywords []string) int {
	hay := strings.ToLower(raw + " " + anchor)
	n := 0
	for _, k := range keywords {
		if k != "" && strings.Contains(hay, k) {
			n++
		}
	}
	return n
}
