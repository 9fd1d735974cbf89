package extraction

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/ecoagent/config"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
	"github.com/mohammad-safakhou/ecoagent/internal/helpers"
)

// Page is what a fetcher hands back before classification.
type Page struct {
	StatusCode  int
	ContentType string
	Title       string
	Content     string
}

// Fetcher retrieves one URL using a single technique.
type Fetcher interface {
	Fetch(ctx context.Context, url string, identity config.IdentityProfile) (Page, error)
}

// Agent runs one extraction attempt and classifies its outcome. It never
// retries: that belongs to the orchestrator.
type Agent struct {
	fetchers  map[core.StrategyKind]Fetcher
	limiter   *DomainLimiter
	minLength int
	logger    *log.Logger
	now       func() time.Time
}

// NewAgent wires the structured and rendering fetchers from config.
func NewAgent(cfg config.ExtractionConfig) *Agent {
	cfg = cfg.Normalize()
	return NewAgentWithFetchers(cfg, map[core.StrategyKind]Fetcher{
		core.StrategyStructured: NewHTTPFetcher(cfg),
		core.StrategyRendering:  NewBrowserFetcher(cfg),
	})
}

// NewAgentWithFetchers lets callers substitute fetchers per strategy.
func NewAgentWithFetchers(cfg config.ExtractionConfig, fetchers map[core.StrategyKind]Fetcher) *Agent {
	cfg = cfg.Normalize()
	return &Agent{
		fetchers:  fetchers,
		limiter:   NewDomainLimiter(cfg.DomainRPS, cfg.DomainBurst),
		minLength: cfg.MinContentLength,
		logger:    log.New(log.Writer(), "[EXTRACT] ", log.LstdFlags),
		now:       time.Now,
	}
}

// Extract implements core.Extractor.
func (a *Agent) Extract(ctx context.Context, url string, decision core.StrategyDecision, timeout time.Duration) (core.ExtractionResult, error) {
	fetcher, ok := a.fetchers[decision.Strategy]
	if !ok {
		return core.ExtractionResult{}, core.Errorf(core.KindUnreachable, "no fetcher for strategy %q", decision.Strategy)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := a.now()
	if err := a.limiter.Wait(ctx, helpers.Domain(url)); err != nil {
		return core.ExtractionResult{}, classifyErr(ctx, err)
	}
	page, err := fetcher.Fetch(ctx, url, decision.Identity)
	latency := a.now().Sub(start)
	if err != nil {
		a.logger.Printf("%s %s failed after %v: %v", decision.Strategy, url, latency, err)
		return core.ExtractionResult{}, classifyErr(ctx, err)
	}
	// a fetcher that ignores ctx must not turn a late page into a success
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (timeout > 0 && latency > timeout) {
		a.logger.Printf("%s %s returned after %v, over its %v timeout", decision.Strategy, url, latency, timeout)
		return core.ExtractionResult{}, &core.AgentError{Kind: core.KindTimeout, Message: fmt.Sprintf("attempt took %v, over its %v timeout", latency.Round(time.Millisecond), timeout)}
	}
	if err := a.classifyPage(page); err != nil {
		a.logger.Printf("%s %s rejected: %v", decision.Strategy, url, err)
		return core.ExtractionResult{}, err
	}

	content := strings.TrimSpace(page.Content)
	return core.ExtractionResult{
		URL:           url,
		Content:       content,
		ContentLength: len(content),
		ContentType:   page.ContentType,
		Title:         page.Title,
		Latency:       latency,
		StatusCode:    page.StatusCode,
		Strategy:      decision.Strategy,
		Identity:      decision.Identity.Name,
		FetchedAt:     start,
	}, nil
}

var blockMarkers = []string{
	"captcha",
	"cf-challenge",
	"access denied",
	"request unsuccessful. incapsula",
	"are you a robot",
}

func (a *Agent) classifyPage(page Page) error {
	if page.StatusCode != 0 && (page.StatusCode < 200 || page.StatusCode >= 300) {
		return &core.AgentError{Kind: core.KindBlocked, Message: http.StatusText(page.StatusCode), StatusCode: page.StatusCode}
	}
	content := strings.TrimSpace(page.Content)
	if len(content) < 2000 {
		lower := strings.ToLower(content)
		for _, marker := range blockMarkers {
			if strings.Contains(lower, marker) {
				return core.Errorf(core.KindBlocked, "anti-bot page detected (%q)", marker)
			}
		}
	}
	if len(content) < a.minLength {
		return core.Errorf(core.KindEmpty, "content length %d below minimum %d", len(content), a.minLength)
	}
	return nil
}

// classifyErr maps transport failures to extraction kinds. Cancellation of
// the parent context is returned untouched so the caller can see it.
func classifyErr(ctx context.Context, err error) error {
	var ae *core.AgentError
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &core.AgentError{Kind: core.KindTimeout, Message: "attempt exceeded its timeout", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &core.AgentError{Kind: core.KindUnreachable, Message: fmt.Sprintf("fetch failed: %v", err), Err: err}
}
