package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/mohammad-safakhou/ecoagent/config"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
	"github.com/mohammad-safakhou/ecoagent/internal/helpers"
)

// Generator is the language-model call used by enriched analysis.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Model() string
}

// Agent extracts indicators from page text. Standard mode uses the local
// rules; enriched mode asks the model and never falls back silently.
type Agent struct {
	llm       Generator
	maxPrompt int
	logger    *log.Logger
}

func NewAgent(cfg config.AnalysisConfig, llm Generator) *Agent {
	cfg = cfg.Normalize()
	return &Agent{
		llm:       llm,
		maxPrompt: cfg.MaxPrompt,
		logger:    log.New(log.Writer(), "[ANALYSIS] ", log.LstdFlags),
	}
}

// Analyze implements core.Analyzer.
func (a *Agent) Analyze(ctx context.Context, result core.ExtractionResult, mode core.AnalysisMode, timeout time.Duration) (*core.AnalysisResult, error) {
	start := time.Now()
	switch mode {
	case core.AnalysisNone:
		return nil, nil
	case core.AnalysisStandard:
		res := Standard(result.Content)
		res.Latency = time.Since(start)
		return res, nil
	case core.AnalysisEnriched:
	default:
		return nil, core.Errorf(core.KindAnalysisServiceError, "unsupported analysis mode %q", mode)
	}

	if a.llm == nil {
		return nil, core.Errorf(core.KindAnalysisServiceError, "no analysis service configured")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	category := DetectCategory(result.Content)
	reply, err := a.llm.Generate(ctx, a.prompt(category, result))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, core.Wrap(core.KindAnalysisTimeout, fmt.Errorf("model call exceeded %v: %w", timeout, err))
		}
		return nil, core.Wrap(core.KindAnalysisServiceError, err)
	}
	res, err := parseReply(reply, category)
	if err != nil {
		a.logger.Printf("unparseable reply for %s: %v", result.URL, err)
		return nil, core.Wrap(core.KindAnalysisServiceError, err)
	}
	res.Model = a.llm.Model()
	res.Latency = time.Since(start)
	return res, nil
}

// Standard runs rule-based extraction only.
func Standard(content string) *core.AnalysisResult {
	indicators := ExtractIndicators(content)
	return &core.AnalysisResult{
		Indicators: indicators,
		Confidence: patternConfidence(DataDensity(content), len(indicators)),
		Enriched:   false,
		Category:   DetectCategory(content),
		Model:      "patterns",
	}
}

func (a *Agent) prompt(category string, result core.ExtractionResult) string {
	content := helpers.Truncate(result.Content, a.maxPrompt)
	var b strings.Builder
	fmt.Fprintf(&b, "Vous analysez une page de données économiques tunisiennes (catégorie: %s).\n", category)
	fmt.Fprintf(&b, "Source: %s\n", result.URL)
	if result.Title != "" {
		fmt.Fprintf(&b, "Titre: %s\n", result.Title)
	}
	b.WriteString("\nContenu:\n")
	b.WriteString(content)
	b.WriteString(`

Extrayez uniquement les indicateurs chiffrés présents dans le contenu.
Répondez en JSON, sans texte autour:
{"category": "` + category + `", "confidence": 0.0, "indicators": [{"name": "inflation", "value": 5.4, "unit": "%", "period": "2024"}]}`)
	return b.String()
}

type llmReply struct {
	Category   string          `json:"category"`
	Confidence json.RawMessage `json:"confidence"`
	Indicators []struct {
		Name   string          `json:"name"`
		Value  json.RawMessage `json:"value"`
		Unit   string          `json:"unit"`
		Period json.RawMessage `json:"period"`
	} `json:"indicators"`
}

func parseReply(reply, category string) (*core.AnalysisResult, error) {
	raw, err := helpers.ExtractJSON(reply)
	if err != nil {
		return nil, err
	}
	var parsed llmReply
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("decode model json: %w", err)
	}
	if c := strings.TrimSpace(parsed.Category); c != "" {
		category = c
	}
	res := &core.AnalysisResult{Enriched: true, Category: category}
	if v, ok := rawNumber(parsed.Confidence); ok {
		res.Confidence = math.Max(0, math.Min(1, v))
	}
	for _, ind := range parsed.Indicators {
		name := strings.TrimSpace(ind.Name)
		v, ok := rawNumber(ind.Value)
		if name == "" || !ok {
			continue
		}
		res.Indicators = append(res.Indicators, core.Indicator{
			Name:     strings.ToLower(name),
			Value:    v,
			Unit:     strings.TrimSpace(ind.Unit),
			Period:   rawString(ind.Period),
			Category: category,
		})
	}
	return res, nil
}

// rawNumber accepts a JSON number or a numeric string such as "5,4 %".
func rawNumber(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	return parseNumber(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%")))
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

var _ core.Analyzer = (*Agent)(nil)
