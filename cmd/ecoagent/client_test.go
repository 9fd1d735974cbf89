package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
	"github.com/mohammad-safakhou/ecoagent/internal/queue/streams"
	"github.com/mohammad-safakhou/ecoagent/internal/runtime"
	"github.com/mohammad-safakhou/ecoagent/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("cli-secret")

type fakeJobs struct {
	mu        sync.Mutex
	submitted []core.JobRequest
	polls     int
	result    core.JobResult
	snapshot  core.JobSnapshot
	canceled  []string
}

func (f *fakeJobs) Submit(ctx context.Context, req core.JobRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	return "job-1", nil
}

func (f *fakeJobs) Status(ctx context.Context, id string) (core.JobSnapshot, error) {
	if id != f.snapshot.JobID {
		return core.JobSnapshot{}, fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
	}
	return f.snapshot, nil
}

// Result reports not ready on the first poll.
func (f *fakeJobs) Result(ctx context.Context, id string) (core.JobResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls == 1 {
		return core.JobResult{}, core.ErrNotReady
	}
	return f.result, nil
}

func (f *fakeJobs) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeJobs) List(ctx context.Context, filter core.JobFilter) ([]core.JobSnapshot, error) {
	return []core.JobSnapshot{f.snapshot}, nil
}

func (f *fakeJobs) GetPerformanceMetrics() map[string]interface{} { return nil }

func (f *fakeJobs) seen() ([]core.JobRequest, []string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.JobRequest(nil), f.submitted...), append([]string(nil), f.canceled...), f.polls
}

func newAPI(t *testing.T, jobs *fakeJobs) *httptest.Server {
	t.Helper()
	registry, err := streams.NewBaseRegistry()
	require.NoError(t, err)
	e, err := server.New(server.Deps{
		Jobs:     jobs,
		Registry: registry,
		Secret:   testSecret,
		Logger:   log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeToken(t *testing.T, scopes ...string) string {
	t.Helper()
	tok, err := runtime.SignJWT("cli-test", testSecret, time.Minute, scopes...)
	require.NoError(t, err)
	return tok
}

func TestJobsSubmitWaitPrintsIndicators(t *testing.T) {
	jobs := &fakeJobs{result: core.JobResult{
		JobID:  "job-1",
		Status: core.JobCompleted,
		Indicators: []core.IndicatorRecord{{
			Indicator:  core.Indicator{Name: "inflation_rate", Value: 6.7, Unit: "%", Period: "2024-05", Category: "prices"},
			SourceURL:  "https://www.ins.tn/statistiques/90",
			Confidence: 0.9,
		}},
		Stats: core.AggregateStats{Input: 3, Kept: 1},
	}}
	srv := newAPI(t, jobs)
	token := writeToken(t, runtime.ScopeJobsRead, runtime.ScopeJobsWrite)

	out, err := run(t, "jobs", "submit", "--api", srv.URL, "--token", token,
		"--mode", "none", "--wait", "--poll", "10ms", "https://www.ins.tn/statistiques/90")
	require.NoError(t, err)

	submitted, _, polls := jobs.seen()
	require.Len(t, submitted, 1)
	assert.Equal(t, []string{"https://www.ins.tn/statistiques/90"}, submitted[0].URLs)
	assert.Equal(t, core.AnalysisNone, submitted[0].AnalysisMode)
	assert.Equal(t, "api", submitted[0].Trigger)
	assert.GreaterOrEqual(t, polls, 2)

	assert.Contains(t, out, "Job job-1: completed, 1 indicator(s) kept of 3")
	assert.Contains(t, out, "inflation_rate")
	assert.Contains(t, out, "6.7 %")
}

func TestJobsSubmitRequiresInput(t *testing.T) {
	_, err := run(t, "jobs", "submit", "--api", "http://127.0.0.1:0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--source")
}

func TestJobsStatusAndCancel(t *testing.T) {
	jobs := &fakeJobs{snapshot: core.JobSnapshot{
		JobID:  "job-7",
		Status: core.JobRunning,
		Phase:  core.PhaseCollecting,
		PerURL: []core.UrlStatus{{URL: "https://www.bct.gov.tn/stat", State: core.UrlFailed, Attempts: 3,
			Error: &core.TaskError{Kind: core.KindBlocked, Message: "403"}}},
	}}
	srv := newAPI(t, jobs)
	token := writeToken(t, runtime.ScopeJobsRead, runtime.ScopeJobsWrite)

	out, err := run(t, "jobs", "status", "job-7", "--api", srv.URL, "--token", token)
	require.NoError(t, err)
	assert.Contains(t, out, "Job job-7: running (collecting)")
	assert.Contains(t, out, "ExtractionBlocked: 403")

	out, err = run(t, "jobs", "status", "job-7", "--api", srv.URL, "--token", token, "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"phase": "collecting"`)

	_, err = run(t, "jobs", "status", "nope", "--api", srv.URL, "--token", token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	out, err = run(t, "jobs", "cancel", "job-7", "--api", srv.URL, "--token", token)
	require.NoError(t, err)
	assert.Contains(t, out, "canceling")
	_, canceled, _ := jobs.seen()
	assert.Equal(t, []string{"job-7"}, canceled)
}

func TestTokenCommandScopesAreEnforced(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`{"server": {"jwt_secret": %q}}`, testSecret)), 0o600))

	out, err := run(t, "token", "--config", cfgPath, "--subject", "dashboard", "--scope", runtime.ScopeJobsRead)
	require.NoError(t, err)
	token := strings.TrimSpace(out)
	require.NotEmpty(t, token)

	jobs := &fakeJobs{snapshot: core.JobSnapshot{JobID: "job-1", Status: core.JobCompleted, Phase: core.PhaseCompleted}}
	srv := newAPI(t, jobs)

	out, err = run(t, "jobs", "list", "--api", srv.URL, "--token", token)
	require.NoError(t, err)
	assert.Contains(t, out, "job-1")

	_, err = run(t, "jobs", "submit", "--api", srv.URL, "--token", token, "--source", "bct")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	submitted, _, _ := jobs.seen()
	assert.Empty(t, submitted)
}
