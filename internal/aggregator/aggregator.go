// Package aggregator merges per-URL analysis output into the job result.
package aggregator

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/ecoagent/config"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
)

const (
	DefaultStartYear = 2018
	DefaultEndYear   = 2025
)

var periodYearRe = regexp.MustCompile(`(?:^|\D)((?:19|20)\d{2})(?:$|\D)`)

// Aggregator applies the temporal window, value checks, unit normalisation,
// the confidence floor and dedupe by (indicator, period).
type Aggregator struct {
	startYear     int
	endYear       int
	minConfidence float64
}

func New(cfg config.AggregationConfig) *Aggregator {
	a := &Aggregator{startYear: cfg.StartYear, endYear: cfg.EndYear, minConfidence: cfg.MinConfidence}
	if a.startYear <= 0 {
		a.startYear = DefaultStartYear
	}
	if a.endYear <= 0 {
		a.endYear = DefaultEndYear
	}
	return a
}

// Aggregate implements core.Aggregator. Task order is preserved in the
// provenance list and decides ties between equally confident duplicates.
func (a *Aggregator) Aggregate(tasks []core.UrlTask) core.Aggregation {
	var (
		out   core.Aggregation
		index = make(map[string]int)
	)
	out.Provenance = make([]core.Provenance, 0, len(tasks))
	out.Indicators = []core.IndicatorRecord{}

	for _, t := range tasks {
		p := core.Provenance{
			URL:      t.URL,
			State:    t.State,
			Strategy: t.Strategy,
			Attempts: t.Attempts,
			Enriched: t.Enriched,
			Error:    t.Error,
		}
		switch t.State {
		case core.UrlSucceeded:
			out.Stats.SucceededURLs++
			if t.Enriched {
				out.Stats.EnrichedURLs++
			} else {
				out.Stats.UnenrichedURLs++
			}
		case core.UrlFailed:
			out.Stats.FailedURLs++
		case core.UrlSkipped:
			out.Stats.SkippedURLs++
		}
		if t.Analysis == nil {
			out.Provenance = append(out.Provenance, p)
			continue
		}
		conf := t.Analysis.Confidence
		p.Confidence = &conf
		out.Provenance = append(out.Provenance, p)
		if t.State != core.UrlSucceeded {
			continue
		}

		for _, ind := range t.Analysis.Indicators {
			out.Stats.Input++
			if !a.inWindow(ind.Period) {
				out.Stats.OutsidePeriod++
				continue
			}
			ind.Name = strings.TrimSpace(ind.Name)
			ind.Value, ind.Unit = NormalizeUnit(ind.Value, ind.Unit)
			if !ValidValue(ind) {
				out.Stats.InvalidValue++
				continue
			}
			if conf < a.minConfidence {
				out.Stats.LowConfidence++
				continue
			}
			rec := core.IndicatorRecord{Indicator: ind, SourceURL: t.URL, Confidence: conf, Enriched: t.Analysis.Enriched}
			key := strings.ToLower(ind.Name) + "|" + periodKey(ind.Period)
			if i, dup := index[key]; dup {
				out.Stats.Duplicates++
				if rec.Confidence > out.Indicators[i].Confidence {
					out.Indicators[i] = rec
				}
				continue
			}
			index[key] = len(out.Indicators)
			out.Indicators = append(out.Indicators, rec)
		}
	}
	out.Stats.Kept = len(out.Indicators)
	return out
}

// inWindow keeps undated indicators; dated ones must fall inside the year window.
func (a *Aggregator) inWindow(period string) bool {
	year, ok := PeriodYear(period)
	if !ok {
		return true
	}
	return year >= a.startYear && year <= a.endYear
}

// PeriodYear extracts the first four-digit year of a period such as "2023",
// "T2 2024" or "2022-12".
func PeriodYear(period string) (int, bool) {
	m := periodYearRe.FindStringSubmatch(period)
	if m == nil {
		return 0, false
	}
	y, err := strconv.Atoi(m[1])
	return y, err == nil
}

func periodKey(period string) string {
	if y, ok := PeriodYear(period); ok && strings.TrimSpace(period) == strconv.Itoa(y) {
		return strconv.Itoa(y)
	}
	return strings.ToLower(strings.TrimSpace(period))
}

// NormalizeUnit maps free-form units onto %, MD (millions of dinars),
// M USD, millions, TND, USD, EUR, jours and habitants. Billions are scaled
// to millions.
func NormalizeUnit(value float64, unit string) (float64, string) {
	lower := strings.ToLower(strings.TrimSpace(unit))
	lower = strings.ReplaceAll(lower, "$", " usd ")
	if lower == "" {
		return value, ""
	}
	tokens := strings.FieldsFunc(lower, func(r rune) bool { return r == ' ' || r == '.' || r == '\'' })
	var (
		scaled   bool
		factor   = 1.0
		currency string
		other    []string
	)
	for _, tok := range tokens {
		switch tok {
		case "%", "pourcent", "pct", "pourcentage":
			return value, "%"
		case "jours", "jour":
			return value, "jours"
		case "habitants", "habitant":
			return value, "habitants"
		case "milliard", "milliards", "mrd", "bn":
			scaled, factor = true, 1000
		case "mds":
			scaled, factor, currency = true, 1000, "TND"
		case "million", "millions", "m":
			scaled = true
		case "md", "mdt", "mtnd":
			scaled, currency = true, "TND"
		case "dinar", "dinars", "dt", "tnd":
			currency = "TND"
		case "usd", "dollar", "dollars":
			currency = "USD"
		case "eur", "euro", "euros":
			currency = "EUR"
		case "de", "d", "of":
		default:
			other = append(other, tok)
		}
	}
	value *= factor
	switch {
	case scaled && currency == "TND":
		return value, "MD"
	case scaled && currency != "":
		return value, "M " + currency
	case scaled:
		return value, "millions"
	case currency != "":
		return value, currency
	}
	return value, strings.Join(other, " ")
}

// ValidValue rejects non-finite numbers, bare years captured as values and
// values outside plausible ranges for the indicator family.
func ValidValue(ind core.Indicator) bool {
	v := ind.Value
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	if (ind.Unit == "" || ind.Unit == "%") && v == math.Trunc(v) && v >= 1950 && v <= 2035 {
		return false
	}
	name := strings.ToLower(ind.Name)
	switch {
	case strings.Contains(name, "inflation"):
		return v >= -20 && v <= 50
	case strings.Contains(name, "chomage") || strings.Contains(name, "chômage") || strings.Contains(name, "unemployment"):
		return v >= 0 && v <= 50
	case strings.Contains(name, "taux") || strings.Contains(name, "croissance") || strings.Contains(name, "rate") || ind.Unit == "%":
		return v >= -50 && v <= 100
	case strings.Contains(name, "pib") || strings.Contains(name, "gdp"):
		return v > 0 && v <= 1e7
	case strings.Contains(name, "population"):
		return v > 0
	}
	return math.Abs(v) < 1e12
}

var _ core.Aggregator = (*Aggregator)(nil)
