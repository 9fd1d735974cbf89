package analysis

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
)

// Economic categories detected from page vocabulary.
const (
	CategoryMonetary   = "monetary_financial"
	CategoryStatistics = "statistical_demographic"
	CategoryIndustry   = "industrial_production"
	CategoryTrade      = "trade_commerce"
	CategoryEmployment = "employment_social"
	CategoryGeneral    = "general"
)

type categoryKeywords struct {
	name     string
	keywords []*regexp.Regexp
}

// categories is ordered; ties go to the earlier entry.
var categories = []categoryKeywords{
	{CategoryMonetary, words("bct", "banque centrale", "taux directeur", "inflation", "monétaire", "monetaire", "crédit", "credit", "change")},
	{CategoryStatistics, words("ins", "statistique", "statistiques", "population", "démographie", "recensement", "enquête", "pib")},
	{CategoryIndustry, words("industrie", "industrielle", "production", "manufacturier", "secteur", "usine")},
	{CategoryTrade, words("commerce", "commerciale", "export", "exportations", "import", "importations", "échange", "échanges", "balance")},
	{CategoryEmployment, words("emploi", "chômage", "chomage", "travail", "social", "salaire", "salaires")},
}

// words builds whole-word matchers that also work next to accented letters.
func words(list ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(list))
	for i, w := range list {
		out[i] = regexp.MustCompile(`(?:^|[^\pL\pN])` + regexp.QuoteMeta(w) + `(?:$|[^\pL\pN])`)
	}
	return out
}

// DetectCategory scores content against each category vocabulary.
func DetectCategory(content string) string {
	lower := strings.ToLower(content)
	best, bestScore := CategoryGeneral, 0
	for _, c := range categories {
		score := 0
		for _, re := range c.keywords {
			score += len(re.FindAllStringIndex(lower, -1))
		}
		if score > bestScore {
			best, bestScore = c.name, score
		}
	}
	return best
}

const (
	numberExpr   = `[^\d.,](-?\d+(?:[.,]\d+)?)`
	gapExpr      = `[^%\n|]{0,60}?`
	currencyExpr = `(milliards?\s+(?:de\s+)?(?:dinars|dt|usd|dollars|\$)|millions?\s+(?:de\s+)?(?:dinars|dt|usd|dollars|\$)|milliards?|millions?|mdt|mds|md|usd|\$)`
)

type indicatorRule struct {
	name     string
	category string
	unit     string // unit used when the match carries none
	head     *regexp.Regexp
	sentence *regexp.Regexp
}

func rule(name, category, unit, head, suffix string) indicatorRule {
	return indicatorRule{
		name:     name,
		category: category,
		unit:     unit,
		head:     regexp.MustCompile(head),
		sentence: regexp.MustCompile(`(?:` + head + `)` + gapExpr + numberExpr + suffix),
	}
}

var rules = []indicatorRule{
	rule("taux_directeur", CategoryMonetary, "%", `taux\s+(?:d'intérêt\s+)?directeur`, `\s*(%)`),
	rule("inflation", CategoryMonetary, "%", `inflation|glissement\s+annuel\s+des\s+prix`, `\s*(%)`),
	rule("masse_monetaire", CategoryMonetary, "%", `masse\s+mon[ée]taire`, `\s*(%|`+currencyExpr[1:]),
	rule("reserves_change", CategoryMonetary, "jours", `r[ée]serves?\s+(?:de\s+|en\s+)?(?:change|devises)|avoirs\s+nets\s+en\s+devises`, `\s*(jours|`+currencyExpr[1:]),
	rule("croissance_pib", CategoryStatistics, "%", `croissance(?:\s+(?:[ée]conomique|du\s+pib))?`, `\s*(%)`),
	rule("pib", CategoryStatistics, "MD", `\bpib\b|\bgdp\b|produit\s+int[ée]rieur\s+brut`, `\s*`+currencyExpr),
	rule("population", CategoryStatistics, "millions", `population`, `\s*(millions?|habitants)`),
	rule("production_industrielle", CategoryIndustry, "%", `production\s+industrielle|indice\s+de\s+la\s+production`, `\s*(%)`),
	rule("exportations", CategoryTrade, "MD", `exportations?`, `\s*`+currencyExpr),
	rule("importations", CategoryTrade, "MD", `importations?`, `\s*`+currencyExpr),
	rule("deficit_commercial", CategoryTrade, "MD", `d[ée]ficit\s+commercial|balance\s+commerciale`, `\s*`+currencyExpr),
	rule("taux_chomage", CategoryEmployment, "%", `ch[oô]mage`, `\s*(%)`),
	rule("salaire_minimum", CategoryEmployment, "dinars", `smig|salaire\s+minimum`, `\s*(dinars|dt)`),
}

var (
	yearRe     = regexp.MustCompile(`(?:^|\D)((?:19[89]|20[0-3])\d)(?:$|\D)`)
	sentenceRe = regexp.MustCompile(`[.;!?]\s+|\n`)
	digitsRe   = regexp.MustCompile(`\d+`)
)

// ExtractIndicators applies the sentence and table rules to plain text.
func ExtractIndicators(content string) []core.Indicator {
	lower := strings.ToLower(content)
	var out []core.Indicator
	seen := make(map[string]struct{})
	add := func(ind core.Indicator) {
		key := ind.Name + "|" + ind.Period + "|" + strconv.FormatFloat(ind.Value, 'f', -1, 64)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, ind)
	}

	lines := strings.Split(lower, "\n")
	for _, ind := range tableIndicators(lines) {
		add(ind)
	}
	for _, s := range sentenceRe.Split(lower, -1) {
		if strings.Contains(s, "|") {
			continue
		}
		period := firstYear(s)
		for _, r := range rules {
			for _, m := range r.sentence.FindAllStringSubmatch(" "+s, -1) {
				v, ok := parseNumber(m[1])
				if !ok {
					continue
				}
				unit := strings.TrimSpace(m[2])
				if unit == "" {
					unit = r.unit
				}
				add(core.Indicator{Name: r.name, Value: v, Unit: unit, Period: period, Category: r.category})
			}
		}
	}
	return out
}

// tableIndicators reads "label | v1 | v2" rows produced by extraction. A row
// whose cells after the first are all years sets the periods of the rows below.
func tableIndicators(lines []string) []core.Indicator {
	var (
		out    []core.Indicator
		header []string
	)
	for _, line := range lines {
		if !strings.Contains(line, "|") {
			header = nil
			continue
		}
		cells := strings.Split(line, "|")
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
		}
		if len(cells) < 2 {
			continue
		}
		if years := yearRow(cells[1:]); years != nil {
			header = years
			continue
		}
		r := matchHead(cells[0])
		if r == nil {
			continue
		}
		rowYear := ""
		for _, c := range cells[1:] {
			if isYear(c) {
				rowYear = c
				break
			}
		}
		for i, c := range cells[1:] {
			if isYear(c) {
				continue
			}
			unit := r.unit
			if strings.HasSuffix(c, "%") {
				unit = "%"
				c = strings.TrimSpace(strings.TrimSuffix(c, "%"))
			}
			v, ok := parseNumber(c)
			if !ok {
				continue
			}
			period := rowYear
			if header != nil && i < len(header) {
				period = header[i]
			}
			out = append(out, core.Indicator{Name: r.name, Value: v, Unit: unit, Period: period, Category: r.category})
		}
	}
	return out
}

func matchHead(label string) *indicatorRule {
	for i := range rules {
		if rules[i].head.MatchString(label) {
			return &rules[i]
		}
	}
	return nil
}

func yearRow(cells []string) []string {
	var years []string
	for _, c := range cells {
		if c == "" {
			continue
		}
		if !isYear(c) {
			return nil
		}
		years = append(years, c)
	}
	if len(years) == 0 {
		return nil
	}
	// keep column positions aligned with the value rows
	aligned := make([]string, len(cells))
	copy(aligned, cells)
	return aligned
}

func isYear(s string) bool {
	if len(s) != 4 {
		return false
	}
	n, err := strconv.Atoi(s)
	return err == nil && n >= 1980 && n <= 2039
}

func firstYear(s string) string {
	if m := yearRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return ""
}

// parseNumber accepts French decimal commas and thin/regular space grouping.
func parseNumber(s string) (float64, bool) {
	s = strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "").Replace(strings.TrimSpace(s))
	s = strings.Replace(s, ",", ".", 1)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// DataDensity is the share of numeric tokens among words, with table rows
// weighted up, capped at 1.
func DataDensity(content string) float64 {
	wordCount := len(strings.Fields(content))
	if wordCount == 0 {
		return 0
	}
	numbers := len(digitsRe.FindAllStringIndex(content, -1))
	rows := strings.Count(content, " | ")
	lower := strings.ToLower(content)
	tables := strings.Count(lower, "tableau") + strings.Count(lower, "table")
	d := float64(numbers+rows+tables*5) / float64(wordCount)
	return math.Min(d, 1)
}

// patternConfidence grows with data density and the number of indicators found.
func patternConfidence(density float64, found int) float64 {
	if found == 0 {
		return math.Round(0.3*density*100) / 100
	}
	c := 0.4 + 0.4*density + 0.05*math.Min(float64(found), 4)
	return math.Round(math.Min(c, 0.9)*100) / 100
}
