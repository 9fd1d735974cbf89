package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
	"github.com/mohammad-safakhou/ecoagent/internal/index"
	"github.com/mohammad-safakhou/ecoagent/internal/queue/streams"
	"github.com/mohammad-safakhou/ecoagent/internal/runtime"
)

type stubJobs struct {
	submitted []core.JobRequest
	submitErr error
	results   map[string]core.JobResult
	snapshots map[string]core.JobSnapshot
	canceled  []string
	filter    core.JobFilter
}

func (s *stubJobs) Submit(ctx context.Context, req core.JobRequest) (string, error) {
	if s.submitErr != nil {
		return "", s.submitErr
	}
	s.submitted = append(s.submitted, req)
	return fmt.Sprintf("job-%d", len(s.submitted)), nil
}

func (s *stubJobs) Status(ctx context.Context, id string) (core.JobSnapshot, error) {
	snap, ok := s.snapshots[id]
	if !ok {
		return core.JobSnapshot{}, fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
	}
	return snap, nil
}

func (s *stubJobs) Result(ctx context.Context, id string) (core.JobResult, error) {
	if id == "running" {
		return core.JobResult{}, core.ErrNotReady
	}
	res, ok := s.results[id]
	if !ok {
		return core.JobResult{}, fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
	}
	return res, nil
}

func (s *stubJobs) Cancel(id string) error {
	switch id {
	case "done":
		return core.ErrJobFinished
	case "missing":
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
	}
	s.canceled = append(s.canceled, id)
	return nil
}

func (s *stubJobs) List(ctx context.Context, filter core.JobFilter) ([]core.JobSnapshot, error) {
	s.filter = filter
	return nil, nil
}

func (s *stubJobs) GetPerformanceMetrics() map[string]interface{} {
	return map[string]interface{}{"active_jobs": 1, "report": "PERFORMANCE REPORT <b>"}
}

func newTestServer(t *testing.T, jobs *stubJobs, mutate func(*Deps)) *echo.Echo {
	t.Helper()
	reg, err := streams.NewBaseRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	deps := Deps{Jobs: jobs, Registry: reg, Logger: log.New(io.Discard, "", 0)}
	if mutate != nil {
		mutate(&deps)
	}
	e, err := New(deps)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return e
}

func do(e *echo.Echo, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body HTTPError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not json: %q", rec.Body.String())
	}
	return body.Error
}

func TestSubmitJob(t *testing.T) {
	jobs := &stubJobs{}
	e := newTestServer(t, jobs, nil)

	rec := do(e, http.MethodPost, "/api/jobs", `{"urls":["https://www.bct.gov.tn/"],"analysis_mode":"enriched"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp SubmitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.JobID != "job-1" {
		t.Fatalf("unexpected body %q (%v)", rec.Body.String(), err)
	}
	if rec.Header().Get(echo.HeaderLocation) != "/api/jobs/job-1" {
		t.Fatalf("missing location header")
	}
	got := jobs.submitted[0]
	if got.Trigger != "api" || got.AnalysisMode != core.AnalysisEnriched || len(got.URLs) != 1 {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestSubmitJobRejectsInvalidBodies(t *testing.T) {
	for name, body := range map[string]string{
		"both":         `{"urls":["https://a.example"],"source":"BCT"}`,
		"neither":      `{"analysis_mode":"standard"}`,
		"unknown mode": `{"source":"BCT","analysis_mode":"turbo"}`,
		"not json":     `urls=1`,
	} {
		jobs := &stubJobs{}
		rec := do(newTestServer(t, jobs, nil), http.MethodPost, "/api/jobs", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rec.Code)
		}
		if errorMessage(t, rec) == "" || len(jobs.submitted) != 0 {
			t.Fatalf("%s: expected error body and no submission", name)
		}
	}

	jobs := &stubJobs{submitErr: fmt.Errorf("%w: too many urls: 11 > 10", core.ErrInvalidRequest)}
	rec := do(newTestServer(t, jobs, nil), http.MethodPost, "/api/jobs", `{"source":"BCT"}`)
	if rec.Code != http.StatusBadRequest || !strings.Contains(errorMessage(t, rec), "too many urls") {
		t.Fatalf("expected orchestrator validation error as 400, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestJobResultStatusCodes(t *testing.T) {
	jobs := &stubJobs{results: map[string]core.JobResult{
		"ok":     {JobID: "ok", Status: core.JobPartial, Indicators: []core.IndicatorRecord{}},
		"failed": {JobID: "failed", Status: core.JobFailed, Error: &core.TaskError{Kind: core.KindNoURLsResolved, Message: "no urls"}},
	}}
	e := newTestServer(t, jobs, nil)

	cases := []struct {
		path   string
		status int
		want   string
	}{
		{"/api/jobs/running/result", http.StatusAccepted, `"not_ready"`},
		{"/api/jobs/ok/result", http.StatusOK, `"partial"`},
		{"/api/jobs/failed/result", http.StatusUnprocessableEntity, `"NoUrlsResolved"`},
		{"/api/jobs/nope/result", http.StatusNotFound, `"error"`},
	}
	for _, tc := range cases {
		rec := do(e, http.MethodGet, tc.path, "")
		if rec.Code != tc.status || !strings.Contains(rec.Body.String(), tc.want) {
			t.Fatalf("%s: expected %d containing %s, got %d %s", tc.path, tc.status, tc.want, rec.Code, rec.Body.String())
		}
	}
}

func TestJobStatusAndCancel(t *testing.T) {
	jobs := &stubJobs{snapshots: map[string]core.JobSnapshot{
		"j1": {JobID: "j1", Status: core.JobRunning, Phase: core.PhaseCollecting, PerURL: []core.UrlStatus{{URL: "https://www.ins.tn/", State: core.UrlRunning, Attempts: 1}}},
	}}
	e := newTestServer(t, jobs, nil)

	rec := do(e, http.MethodGet, "/api/jobs/j1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	var snap core.JobSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil || len(snap.PerURL) != 1 || snap.Status != core.JobRunning {
		t.Fatalf("unexpected snapshot %s (%v)", rec.Body.String(), err)
	}
	if rec := do(e, http.MethodGet, "/api/jobs/zzz", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job: expected 404, got %d", rec.Code)
	}

	if rec := do(e, http.MethodDelete, "/api/jobs/j1", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("cancel: expected 202, got %d", rec.Code)
	}
	if rec := do(e, http.MethodDelete, "/api/jobs/done", ""); rec.Code != http.StatusConflict {
		t.Fatalf("cancel finished: expected 409, got %d", rec.Code)
	}
	if rec := do(e, http.MethodDelete, "/api/jobs/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("cancel missing: expected 404, got %d", rec.Code)
	}
	if len(jobs.canceled) != 1 || jobs.canceled[0] != "j1" {
		t.Fatalf("unexpected cancellations %v", jobs.canceled)
	}
}

func TestListJobsParsesFilter(t *testing.T) {
	jobs := &stubJobs{}
	e := newTestServer(t, jobs, nil)

	rec := do(e, http.MethodGet, "/api/jobs?status=partial&limit=500", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %d %s", rec.Code, rec.Body.String())
	}
	if jobs.filter.Status != core.JobPartial || jobs.filter.Limit != maxListLimit {
		t.Fatalf("unexpected filter %+v", jobs.filter)
	}
	if rec := do(e, http.MethodGet, "/api/jobs?status=done", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status: expected 400, got %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/api/jobs?limit=-1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: expected 400, got %d", rec.Code)
	}
}

func TestReadiness(t *testing.T) {
	e := newTestServer(t, &stubJobs{}, func(d *Deps) {
		d.Checks = map[string]Check{
			"queue":    func(ctx context.Context) error { return nil },
			"analysis": func(ctx context.Context) error { return errors.New("connection refused") },
		}
	})
	if rec := do(e, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	rec := do(e, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body ReadinessResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Checks["queue"] != "ok" || !strings.HasPrefix(body.Checks["analysis"], "error") {
		t.Fatalf("unexpected checks %+v", body.Checks)
	}
}

func TestIndicatorSearch(t *testing.T) {
	if rec := do(newTestServer(t, &stubJobs{}, nil), http.MethodGet, "/api/indicators/search?q=inflation", ""); rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 without index, got %d", rec.Code)
	}

	idx, err := index.New(0)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	defer idx.Close()
	_ = idx.Consume(context.Background(), core.JobRecord{ID: "j1", Result: core.JobResult{Indicators: []core.IndicatorRecord{
		{Indicator: core.Indicator{Name: "inflation", Value: 9.3, Unit: "%", Period: "2023"}, SourceURL: "https://www.bct.gov.tn/"},
	}}})
	e := newTestServer(t, &stubJobs{}, func(d *Deps) { d.Index = idx })

	rec := do(e, http.MethodGet, "/api/indicators/search?q=inflation", "")
	var resp SearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("search failed: %d %s", rec.Code, rec.Body.String())
	}
	if len(resp.Hits) != 1 || resp.Hits[0].Value != 9.3 {
		t.Fatalf("unexpected hits %+v", resp.Hits)
	}
	if rec := do(e, http.MethodGet, "/api/indicators/search", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing q: expected 400, got %d", rec.Code)
	}
}

func TestOpsEndpoints(t *testing.T) {
	e := newTestServer(t, &stubJobs{}, func(d *Deps) {
		d.QueueBacklog = func(ctx context.Context) (streams.Backlog, error) {
			return streams.Backlog{Queued: 5, InFlight: 2, Workers: 1, OldestInFlight: 90 * time.Second}, nil
		}
	})
	rec := do(e, http.MethodGet, "/api/ops/performance", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"in_flight":2`) || !strings.Contains(rec.Body.String(), `"oldest_in_flight":"1m30s"`) {
		t.Fatalf("unexpected performance body %d %s", rec.Code, rec.Body.String())
	}
	rec = do(e, http.MethodGet, "/api/ops/dashboard", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "PERFORMANCE REPORT &lt;b&gt;") {
		t.Fatalf("dashboard must escape the report: %s", rec.Body.String())
	}
}

func TestAPIRequiresTokenWhenSecretSet(t *testing.T) {
	secret := []byte("s3cret")
	jobs := &stubJobs{}
	e := newTestServer(t, jobs, func(d *Deps) { d.Secret = secret })

	if rec := do(e, http.MethodGet, "/api/jobs", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	reader, _ := runtime.SignJWT("dash", secret, time.Hour, runtime.ScopeJobsRead)
	if rec := do(e, http.MethodGet, "/api/jobs", "", echo.HeaderAuthorization, "Bearer "+reader); rec.Code != http.StatusOK {
		t.Fatalf("reader list: expected 200, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/jobs", `{"source":"BCT"}`, echo.HeaderAuthorization, "Bearer "+reader); rec.Code != http.StatusForbidden {
		t.Fatalf("reader submit: expected 403, got %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay public, got %d", rec.Code)
	}
}
