package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mohammad-safakhou/ecoagent/config"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
)

func site(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>
<a href="/statistiques">Statistiques monetaires</a>
<a href="/contact">Contact</a>
<a href="/rapport.pdf">Rapport annuel</a>
<a href="#top">Haut</a>
<a href="mailto:info@example.org">Mail</a>
<a href="https://external.example/taux">Ailleurs</a>
<a href="/statistiques?utm_source=menu">Doublon</a>
<a href="taux">Taux de change</a>
</body></html>`)
	})
	mux.HandleFunc("/statistiques", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><a href="/statistiques/inflation">Inflation</a><a href="/">Accueil</a></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestAgent(t *testing.T, sources ...config.SourceDescriptor) *Agent {
	t.Helper()
	catalog, err := config.NewSourceCatalog(sources...)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return NewAgent(&config.Config{}, catalog)
}

func wantKind(t *testing.T, err error, want core.ErrorKind) {
	t.Helper()
	kind, ok := core.KindOf(err)
	if !ok || kind != want {
		t.Fatalf("expected %s, got %v", want, err)
	}
}

func TestDiscoverRanksSameSiteLinks(t *testing.T) {
	srv := site(t)
	agent := newTestAgent(t, config.SourceDescriptor{
		ID:               "test",
		SeedURLs:         []string{srv.URL + "/"},
		Follow:           true,
		PriorityKeywords: []string{"taux", "statistiques"},
	})
	got, err := agent.Discover(context.Background(), "test", 3)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	want := []string{srv.URL + "/statistiques", srv.URL + "/taux", srv.URL + "/statistiques/inflation"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected urls (-want +got):\n%s", diff)
	}
}

func TestDiscoverIncludesSeedAndSkipsBinaries(t *testing.T) {
	srv := site(t)
	agent := newTestAgent(t, config.SourceDescriptor{ID: "test", SeedURLs: []string{srv.URL + "/"}, Follow: true})
	got, err := agent.Discover(context.Background(), "test", 10)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	seen := map[string]bool{}
	for _, u := range got {
		if seen[u] {
			t.Fatalf("duplicate url %s", u)
		}
		seen[u] = true
	}
	if !seen[srv.URL+"/"] || !seen[srv.URL+"/contact"] {
		t.Fatalf("expected seed and plain links, got %v", got)
	}
	if seen[srv.URL+"/rapport.pdf"] || seen["https://external.example/taux"] {
		t.Fatalf("binary or off-site links leaked: %v", got)
	}
}

func TestDiscoverWithoutFollowReturnsSeeds(t *testing.T) {
	agent := newTestAgent(t, config.SourceDescriptor{
		ID:       "api",
		SeedURLs: []string{"https://api.example.org/a", "https://api.example.org/b", "https://api.example.org/c"},
	})
	got, err := agent.Discover(context.Background(), "api", 2)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(got) != 2 || got[0] != "https://api.example.org/a" {
		t.Fatalf("expected first two seeds, got %v", got)
	}
}

func TestDiscoverWithoutFollowDedupesSeeds(t *testing.T) {
	agent := newTestAgent(t, config.SourceDescriptor{
		ID: "wb",
		SeedURLs: []string{
			"https://api.example.org/v2/country/TN?format=json&utm_source=x",
			"https://API.example.org/v2/country/TN?format=json",
			"https://api.example.org/v2/country/MA?format=json",
		},
	})
	got, err := agent.Discover(context.Background(), "wb", 10)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	want := []string{
		"https://api.example.org/v2/country/TN?format=json&utm_source=x",
		"https://api.example.org/v2/country/MA?format=json",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("seeds not deduped (-want +got):\n%s", diff)
	}
}

func TestDiscoverFailures(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	agent := newTestAgent(t,
		config.SourceDescriptor{ID: "dead", SeedURLs: []string{deadURL + "/"}, Follow: true},
		config.SourceDescriptor{ID: "blocked", SeedURLs: []string{"https://blocked.example/"}},
	)
	agent.policy = config.CrawlPolicyConfig{Disallow: []string{"blocked.example"}}.Normalize()

	_, err := agent.Discover(context.Background(), "X", 5)
	wantKind(t, err, core.KindDiscoveryFailure)

	_, err = agent.Discover(context.Background(), "dead", 5)
	wantKind(t, err, core.KindDiscoveryFailure)

	_, err = agent.Discover(context.Background(), "blocked", 5)
	wantKind(t, err, core.KindNoURLsResolved)
}

func TestDiscoverAcceptsRawURLSource(t *testing.T) {
	srv := site(t)
	agent := newTestAgent(t)
	got, err := agent.Discover(context.Background(), srv.URL+"/statistiques", 5)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(got) == 0 || got[0] != srv.URL+"/statistiques" {
		t.Fatalf("expected raw seed first, got %v", got)
	}
}
