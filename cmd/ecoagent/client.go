package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
	"github.com/mohammad-safakhou/ecoagent/internal/queue/streams"
	"github.com/mohammad-safakhou/ecoagent/internal/server"
)

// apiClient talks to a running `ecoagent serve`.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends body as JSON and decodes the response into out when the status is
// one of accept. Any other status is turned into an error carrying the server message.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any, accept ...int) (int, error) {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}

	for _, code := range accept {
		if resp.StatusCode != code {
			continue
		}
		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return resp.StatusCode, fmt.Errorf("decode response: %w", err)
			}
		}
		return resp.StatusCode, nil
	}
	var herr server.HTTPError
	if json.Unmarshal(raw, &herr) == nil && herr.Error != "" {
		return resp.StatusCode, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, herr.Error)
	}
	return resp.StatusCode, fmt.Errorf("%s %s: %d", method, path, resp.StatusCode)
}

func (c *apiClient) Submit(ctx context.Context, req streams.JobRequested) (string, error) {
	var out server.SubmitResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/jobs", req, &out, http.StatusAccepted); err != nil {
		return "", err
	}
	return out.JobID, nil
}

func (c *apiClient) Status(ctx context.Context, id string) (core.JobSnapshot, error) {
	var out core.JobSnapshot
	_, err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &out, http.StatusOK)
	return out, err
}

func (c *apiClient) List(ctx context.Context, status string, limit int) ([]core.JobSnapshot, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []core.JobSnapshot
	_, err := c.do(ctx, http.MethodGet, path, nil, &out, http.StatusOK)
	return out, err
}

// Result reports ready=false while the job is still running. Failed jobs come
// back with their result and no error.
func (c *apiClient) Result(ctx context.Context, id string) (core.JobResult, bool, error) {
	var out core.JobResult
	code, err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id)+"/result", nil, &out,
		http.StatusOK, http.StatusAccepted, http.StatusUnprocessableEntity)
	if err != nil {
		return core.JobResult{}, false, err
	}
	if code == http.StatusAccepted {
		return core.JobResult{}, false, nil
	}
	return out, true, nil
}

func (c *apiClient) Cancel(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/jobs/"+url.PathEscape(id), nil, nil, http.StatusAccepted)
	return err
}

func (c *apiClient) Search(ctx context.Context, query string, limit int) (server.SearchResponse, error) {
	q := url.Values{"q": {query}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out server.SearchResponse
	_, err := c.do(ctx, http.MethodGet, "/api/indicators/search?"+q.Encode(), nil, &out, http.StatusOK)
	return out, err
}

// WaitResult polls until the job is terminal or ctx ends.
func (c *apiClient) WaitResult(ctx context.Context, id string, every time.Duration) (core.JobResult, error) {
	for {
		res, ready, err := c.Result(ctx, id)
		if err != nil || ready {
			return res, err
		}
		select {
		case <-ctx.Done():
			return core.JobResult{}, ctx.Err()
		case <-time.After(every):
		}
	}
}
