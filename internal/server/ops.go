package server

import (
	"context"
	"encoding/json"
	"html/template"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/ecoagent/internal/queue/streams"
)

// PerformanceSource reports orchestrator metrics.
type PerformanceSource interface {
	GetPerformanceMetrics() map[string]interface{}
}

// OpsHandler exposes operational endpoints (performance summaries, request backlog).
type OpsHandler struct {
	perf    PerformanceSource
	backlog func(ctx context.Context) (streams.Backlog, error)
}

func NewOpsHandler(perf PerformanceSource, backlog func(ctx context.Context) (streams.Backlog, error)) *OpsHandler {
	return &OpsHandler{perf: perf, backlog: backlog}
}

// Register mounts ops endpoints under g. Authentication is applied by the caller.
func (h *OpsHandler) Register(g *echo.Group) {
	g.GET("/performance", h.performance)
	g.GET("/dashboard", h.dashboard)
}

func (h *OpsHandler) collect(ctx context.Context) map[string]interface{} {
	data := h.perf.GetPerformanceMetrics()
	if h.backlog != nil {
		if b, err := h.backlog(ctx); err != nil {
			data["queue"] = map[string]string{"error": err.Error()}
		} else {
			data["queue"] = map[string]interface{}{
				"queued":           b.Queued,
				"in_flight":        b.InFlight,
				"workers":          b.Workers,
				"oldest_in_flight": b.OldestInFlight.String(),
			}
		}
	}
	return data
}

// performance
//
//	@Summary	Orchestrator performance metrics and report
//	@Tags		ops
//	@Produce	json
//	@Success	200	{object}	map[string]interface{}
//	@Router		/api/ops/performance [get]
func (h *OpsHandler) performance(c echo.Context) error {
	return c.JSON(http.StatusOK, h.collect(c.Request().Context()))
}

// dashboard renders the same data as plain HTML without scripts.
func (h *OpsHandler) dashboard(c echo.Context) error {
	data := h.collect(c.Request().Context())
	report, _ := data["report"].(string)
	delete(data, "report")

	var b strings.Builder
	b.WriteString(`<!doctype html><html><head><meta charset="utf-8"><title>ecoagent ops</title></head>`)
	b.WriteString(`<body style="font-family:system-ui,sans-serif;max-width:960px;margin:24px auto;padding:0 16px">`)
	b.WriteString(`<h1 style="font-size:18px">Operations</h1><pre><code>`)
	if raw, err := json.MarshalIndent(data, "", "  "); err == nil {
		b.WriteString(template.HTMLEscapeString(string(raw)))
	}
	b.WriteString("</code></pre>")
	if report != "" {
		b.WriteString(`<h2 style="font-size:14px">Report</h2><pre>`)
		b.WriteString(template.HTMLEscapeString(report))
		b.WriteString("</pre>")
	}
	b.WriteString("</body></html>")
	return c.HTML(http.StatusOK, b.String())
}
