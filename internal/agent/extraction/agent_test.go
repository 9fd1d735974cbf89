package extraction

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/ecoagent/config"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
)

const tablePage = `<html><head><title>Indicateurs monetaires</title><script>var x = 1;</script></head>
<body><nav>menu</nav><h1>Statistiques</h1>
<table><tr><th>Indicateur</th><th>2023</th><th>2024</th></tr>
<tr><td>Taux directeur</td><td>8,00 %</td><td>8,00 %</td></tr>
<tr><td>Inflation</td><td>9,3 %</td><td>7,0 %</td></tr></table>
<p>Source: Banque Centrale de Tunisie, publication annuelle des indicateurs.</p></body></html>`

func testAgent() *Agent {
	cfg := config.ExtractionConfig{DomainRPS: 1000, DomainBurst: 100}
	return NewAgentWithFetchers(cfg, map[core.StrategyKind]Fetcher{
		core.StrategyStructured: NewHTTPFetcher(cfg),
	})
}

func decision() core.StrategyDecision {
	return core.StrategyDecision{
		Strategy: core.StrategyStructured,
		Identity: config.IdentityProfile{Name: "test", UserAgent: "EcoAgentTest/1.0", AcceptLanguage: "fr-FR"},
		Timeout:  2 * time.Second,
	}
}

func kindOf(t *testing.T, err error) core.ErrorKind {
	t.Helper()
	kind, ok := core.KindOf(err)
	if !ok {
		t.Fatalf("expected typed agent error, got %v", err)
	}
	return kind
}

func TestExtractHTMLTables(t *testing.T) {
	var gotUA, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA, gotLang = r.Header.Get("User-Agent"), r.Header.Get("Accept-Language")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(tablePage))
	}))
	defer srv.Close()

	res, err := testAgent().Extract(context.Background(), srv.URL, decision(), 2*time.Second)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if gotUA != "EcoAgentTest/1.0" || gotLang != "fr-FR" {
		t.Fatalf("identity headers not applied: ua=%q lang=%q", gotUA, gotLang)
	}
	if res.Title != "Indicateurs monetaires" {
		t.Fatalf("unexpected title %q", res.Title)
	}
	if !strings.Contains(res.Content, "Taux directeur | 8,00 % | 8,00 %") {
		t.Fatalf("table rows missing from content:\n%s", res.Content)
	}
	if strings.Contains(res.Content, "var x") || strings.Contains(res.Content, "menu") {
		t.Fatalf("scripts and navigation must be stripped:\n%s", res.Content)
	}
	if res.Strategy != core.StrategyStructured || res.Identity != "test" || res.StatusCode != 200 || res.ContentLength != len(res.Content) {
		t.Fatalf("unexpected metadata %+v", res)
	}
}

func TestExtractJSONPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[ {"page": 1}, [ {"indicator": {"id": "FP.CPI.TOTL.ZG"}, "date": "2023", "value": 9.3} ] ]`))
	}))
	defer srv.Close()

	res, err := testAgent().Extract(context.Background(), srv.URL+"/v2/indicators?format=json", decision(), 2*time.Second)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.HasPrefix(res.Content, `[{"page":1}`) || res.ContentType != "application/json" {
		t.Fatalf("expected compact json, got %q (%s)", res.Content, res.ContentType)
	}
}

func TestExtractClassifiesFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/forbidden", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})
	mux.HandleFunc("/short", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	})
	mux.HandleFunc("/captcha", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><body>Please complete the CAPTCHA to prove you are human before continuing to the site.</body></html>"))
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	agent := testAgent()
	cases := []struct {
		path    string
		timeout time.Duration
		want    core.ErrorKind
	}{
		{"/forbidden", time.Second, core.KindBlocked},
		{"/short", time.Second, core.KindEmpty},
		{"/captcha", time.Second, core.KindBlocked},
		{"/slow", 50 * time.Millisecond, core.KindTimeout},
	}
	for _, tc := range cases {
		_, err := agent.Extract(context.Background(), srv.URL+tc.path, decision(), tc.timeout)
		if got := kindOf(t, err); got != tc.want {
			t.Fatalf("%s: expected %s, got %s (%v)", tc.path, tc.want, got, err)
		}
	}

	var ae *core.AgentError
	_, err := agent.Extract(context.Background(), srv.URL+"/forbidden", decision(), time.Second)
	if !errors.As(err, &ae) || ae.StatusCode != http.StatusForbidden {
		t.Fatalf("expected status code on blocked error, got %v", err)
	}
}

func TestExtractUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := testAgent().Extract(context.Background(), addr, decision(), time.Second)
	if got := kindOf(t, err); got != core.KindUnreachable {
		t.Fatalf("expected unreachable, got %s", got)
	}
}

func TestExtractUnknownStrategy(t *testing.T) {
	d := decision()
	d.Strategy = core.StrategyRendering
	_, err := testAgent().Extract(context.Background(), "https://example.org", d, time.Second)
	if got := kindOf(t, err); got != core.KindUnreachable {
		t.Fatalf("expected unreachable for missing fetcher, got %s", got)
	}
}

type stubFetcher struct{ page Page }

func (s stubFetcher) Fetch(ctx context.Context, url string, identity config.IdentityProfile) (Page, error) {
	return s.page, nil
}

func TestExtractUsesStrategyFetcher(t *testing.T) {
	agent := NewAgentWithFetchers(config.ExtractionConfig{}, map[core.StrategyKind]Fetcher{
		core.StrategyRendering: stubFetcher{page: Page{StatusCode: 200, Content: strings.Repeat("Produit interieur brut 2024 ", 5)}},
	})
	d := decision()
	d.Strategy = core.StrategyRendering
	res, err := agent.Extract(context.Background(), "https://www.ins.tn/fr", d, time.Second)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Strategy != core.StrategyRendering {
		t.Fatalf("expected rendering result, got %s", res.Strategy)
	}
}

func TestDomainLimiterHonoursContext(t *testing.T) {
	l := NewDomainLimiter(0.001, 1)
	if err := l.Wait(context.Background(), "bct.gov.tn"); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "bct.gov.tn"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second request must be refused as past the deadline, got %v", err)
	}
	if err := l.Wait(context.Background(), "ins.tn"); err != nil {
		t.Fatalf("other domains are independent: %v", err)
	}
}

// lateFetcher ignores ctx and answers after delay.
type lateFetcher struct{ delay time.Duration }

func (f lateFetcher) Fetch(ctx context.Context, url string, identity config.IdentityProfile) (Page, error) {
	time.Sleep(f.delay)
	return Page{StatusCode: 200, Content: strings.Repeat("Taux de chomage 16,4 % en 2024 ", 5)}, nil
}

func TestExtractLatePageIsTimeout(t *testing.T) {
	agent := NewAgentWithFetchers(config.ExtractionConfig{}, map[core.StrategyKind]Fetcher{
		core.StrategyStructured: lateFetcher{delay: 200 * time.Millisecond},
	})
	res, err := agent.Extract(context.Background(), "https://www.ins.tn/fr/statistiques", decision(), 50*time.Millisecond)
	if got := kindOf(t, err); got != core.KindTimeout {
		t.Fatalf("expected timeout, got %s", got)
	}
	if res.Content != "" {
		t.Fatalf("late page must not be returned, got %q", res.Content)
	}
}

func TestExtractRateLimitPastDeadlineIsTimeout(t *testing.T) {
	agent := NewAgentWithFetchers(config.ExtractionConfig{DomainRPS: 0.001, DomainBurst: 1}, map[core.StrategyKind]Fetcher{
		core.StrategyStructured: stubFetcher{page: Page{StatusCode: 200, Content: strings.Repeat("Produit interieur brut 2024 ", 5)}},
	})
	u := "https://www.bct.gov.tn/stat"
	if _, err := agent.Extract(context.Background(), u, decision(), time.Second); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	_, err := agent.Extract(context.Background(), u, decision(), 50*time.Millisecond)
	if got := kindOf(t, err); got != core.KindTimeout {
		t.Fatalf("expected timeout when the limiter wait exceeds the deadline, got %s (%v)", got, err)
	}
}
