package strategy

import (
	"net/url"
	"strings"
	"time"

	"github.com/mohammad-safakhou/ecoagent/config"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
	"github.com/mohammad-safakhou/ecoagent/internal/helpers"
)

// DefaultTimeout applies to domains without a specific entry.
const DefaultTimeout = 120 * time.Second

// DefaultDomainTimeouts are ceilings for slow institutional sites. Suffix match, most specific first.
var DefaultDomainTimeouts = []DomainTimeout{
	{Suffix: "bct.gov.tn", Timeout: 300 * time.Second},
	{Suffix: "ins.tn", Timeout: 240 * time.Second},
	{Suffix: "gov.tn", Timeout: 200 * time.Second},
	{Suffix: "worldbank.org", Timeout: 60 * time.Second},
}

// DomainTimeout caps attempts against hosts ending in Suffix.
type DomainTimeout struct {
	Suffix  string
	Timeout time.Duration
}

// Selector chooses strategy, identity and timeout for each attempt. It
// holds no per-URL state: everything it needs arrives in the history.
type Selector struct {
	pool           *IdentityPool
	renderingHints []string
	domainTimeouts []DomainTimeout
	defaultTimeout time.Duration
	floor          time.Duration
}

// NewSelector builds a selector from the extraction and identity settings.
func NewSelector(cfg *config.Config) *Selector {
	return &Selector{
		pool:           NewIdentityPool(cfg.Identity.Normalize().Profiles),
		renderingHints: lower(cfg.Extraction.RenderingHints),
		domainTimeouts: DefaultDomainTimeouts,
		defaultTimeout: DefaultTimeout,
		floor:          cfg.Budget.MinURLTimeout,
	}
}

// Select implements core.Selector.
func (s *Selector) Select(rawURL string, h core.History) core.StrategyDecision {
	strategy := s.initial(rawURL)
	if h.Failed() {
		strategy = escalate(strategy)
	}
	if h.LastStrategy.Cost() > strategy.Cost() {
		strategy = h.LastStrategy
	}

	idx := h.IdentitySeed + h.Attempts
	identity := s.pool.At(idx)
	if h.LastIdentity != "" && identity.Name == h.LastIdentity {
		identity = s.pool.At(idx + 1)
	}

	return core.StrategyDecision{
		Strategy: strategy,
		Identity: identity,
		Timeout:  s.timeout(rawURL, h.Slice),
		Attempt:  h.Attempts + 1,
	}
}

// initial is the cheapest applicable strategy for a URL with no failures.
// API endpoints start structured but escalate like any other URL.
func (s *Selector) initial(rawURL string) core.StrategyKind {
	if IsAPIURL(rawURL) {
		return core.StrategyStructured
	}
	lowerURL := strings.ToLower(rawURL)
	for _, hint := range s.renderingHints {
		if hint != "" && strings.Contains(lowerURL, hint) {
			return core.StrategyRendering
		}
	}
	return core.StrategyStructured
}

// escalate moves to the next more capable technique; rendering is the ceiling.
func escalate(k core.StrategyKind) core.StrategyKind {
	if k == core.StrategyRendering {
		return k
	}
	return core.StrategyRendering
}

func (s *Selector) timeout(rawURL string, slice time.Duration) time.Duration {
	limit := s.defaultTimeout
	domain := helpers.Domain(rawURL)
	for _, dt := range s.domainTimeouts {
		if domain == dt.Suffix || strings.HasSuffix(domain, "."+dt.Suffix) {
			limit = dt.Timeout
			break
		}
	}
	if slice > 0 && slice < limit {
		limit = slice
	}
	if limit < s.floor {
		limit = s.floor
	}
	return limit
}

// IsAPIURL reports whether the URL points at a machine-readable endpoint.
func IsAPIURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if strings.HasPrefix(host, "api.") || strings.Contains(strings.ToLower(u.Path), "/api/") {
		return true
	}
	switch strings.ToLower(u.Query().Get("format")) {
	case "json", "xml":
		return true
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".json")
}

func lower(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}
