package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
	"github.com/mohammad-safakhou/ecoagent/internal/queue/streams"
)

const (
	defaultListLimit   = 50
	maxListLimit       = 200
	defaultSearchLimit = 20
)

// JobsHandler serves job submission, status, results and indicator search.
type JobsHandler struct {
	Jobs     JobService
	Registry *streams.SchemaRegistry
	Index    Searcher
}

func (h *JobsHandler) Register(api *echo.Group, read, write []echo.MiddlewareFunc) {
	api.POST("/jobs", h.submit, write...)
	api.GET("/jobs", h.list, read...)
	api.GET("/jobs/:id", h.status, read...)
	api.GET("/jobs/:id/result", h.result, read...)
	api.DELETE("/jobs/:id", h.cancel, write...)
	api.GET("/indicators/search", h.search, read...)
}

// submit
//
//	@Summary	Submit an extraction job
//	@Tags		jobs
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		streams.JobRequested	true	"urls or source, analysis_mode"
//	@Success	202		{object}	SubmitResponse
//	@Failure	400		{object}	HTTPError
//	@Router		/api/jobs [post]
func (h *JobsHandler) submit(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	if err := h.Registry.Validate(streams.EventJobRequested, streams.PayloadV1, body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var payload streams.JobRequested
	if err := json.Unmarshal(body, &payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json body")
	}
	req := payload.JobRequest()
	if payload.Trigger == "" {
		req.Trigger = "api"
	}
	id, err := h.Jobs.Submit(c.Request().Context(), req)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, "/api/jobs/"+id)
	return c.JSON(http.StatusAccepted, SubmitResponse{JobID: id})
}

// list
//
//	@Summary	Recent jobs, newest first
//	@Tags		jobs
//	@Produce	json
//	@Param		status	query	string	false	"pending|running|completed|partial|failed"
//	@Param		limit	query	int		false	"max results (default 50, max 200)"
//	@Success	200		{array}	core.JobSnapshot
//	@Router		/api/jobs [get]
func (h *JobsHandler) list(c echo.Context) error {
	filter := core.JobFilter{Limit: defaultListLimit}
	if s := c.QueryParam("status"); s != "" {
		status := core.JobStatus(s)
		switch status {
		case core.JobPending, core.JobRunning, core.JobCompleted, core.JobPartial, core.JobFailed:
			filter.Status = status
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+strconv.Quote(s))
		}
	}
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		filter.Limit = min(n, maxListLimit)
	}
	jobs, err := h.Jobs.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if jobs == nil {
		jobs = []core.JobSnapshot{}
	}
	return c.JSON(http.StatusOK, jobs)
}

func (h *JobsHandler) status(c echo.Context) error {
	snap, err := h.Jobs.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snap)
}

// result
//
//	@Summary	Aggregated job result
//	@Tags		jobs
//	@Produce	json
//	@Success	200	{object}	core.JobResult
//	@Success	202	{object}	NotReadyResponse
//	@Failure	404	{object}	HTTPError
//	@Failure	422	{object}	core.JobResult
//	@Router		/api/jobs/{id}/result [get]
func (h *JobsHandler) result(c echo.Context) error {
	id := c.Param("id")
	res, err := h.Jobs.Result(c.Request().Context(), id)
	if errors.Is(err, core.ErrNotReady) {
		return c.JSON(http.StatusAccepted, NotReadyResponse{JobID: id, Status: "not_ready"})
	}
	if err != nil {
		return err
	}
	if res.Status == core.JobFailed {
		return c.JSON(http.StatusUnprocessableEntity, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *JobsHandler) cancel(c echo.Context) error {
	id := c.Param("id")
	if err := h.Jobs.Cancel(id); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, CancelResponse{JobID: id, Status: "canceling"})
}

func (h *JobsHandler) search(c echo.Context) error {
	if h.Index == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "indicator index disabled")
	}
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	limit := defaultSearchLimit
	if s := c.QueryParam("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = min(n, maxListLimit)
		}
	}
	hits, err := h.Index.Search(q, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, SearchResponse{Query: q, Hits: hits})
}
