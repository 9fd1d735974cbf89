package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SourceDescriptor names a seed source that discovery can expand into content URLs.
type SourceDescriptor struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	SeedURLs         []string `yaml:"seed_urls"`
	Follow           bool     `yaml:"follow"`
	PriorityKeywords []string `yaml:"priority_keywords"`
	ExcludePatterns  []string `yaml:"exclude_patterns"`
}

// SourceCatalog is the read-only set of known sources keyed by id.
type SourceCatalog struct {
	sources map[string]SourceDescriptor
}

type catalogFile struct {
	Sources []SourceDescriptor `yaml:"sources"`
}

// DefaultSources are the institutional and international sources known to serve indicator data.
func DefaultSources() []SourceDescriptor {
	return []SourceDescriptor{
		{
			ID:       "bct",
			Name:     "Banque Centrale de Tunisie",
			SeedURLs: []string{"https://www.bct.gov.tn/bct/siteprod/francais/index.jsp", "https://www.bct.gov.tn/bct/siteprod/francais/actualites.jsp"},
			Follow:   true,
			PriorityKeywords: []string{
				"taux", "change", "monetaire", "inflation", "reserves", "indicateurs",
			},
		},
		{
			ID:               "ins",
			Name:             "Institut National de la Statistique",
			SeedURLs:         []string{"https://www.ins.tn/fr"},
			Follow:           true,
			PriorityKeywords: []string{"statistiques", "indicateurs", "conjoncture", "emploi", "prix", "population"},
		},
		{
			ID:               "finances",
			Name:             "Ministere des Finances",
			SeedURLs:         []string{"https://www.finances.gov.tn/fr"},
			Follow:           true,
			PriorityKeywords: []string{"budget", "dette", "finances", "statistiques"},
		},
		{
			ID:   "worldbank",
			Name: "World Bank indicators (Tunisia)",
			SeedURLs: []string{
				"https://api.worldbank.org/v2/countries/TN/indicators/NY.GDP.MKTP.CD?format=json&date=2018:2025",
				"https://api.worldbank.org/v2/countries/TN/indicators/FP.CPI.TOTL.ZG?format=json&date=2018:2025",
				"https://api.worldbank.org/v2/countries/TN/indicators/SL.UEM.TOTL.ZS?format=json&date=2018:2025",
			},
		},
		{
			ID:       "restcountries",
			Name:     "REST Countries",
			SeedURLs: []string{"https://restcountries.com/v3.1/name/tunisia"},
		},
	}
}

// NewSourceCatalog indexes descriptors by id. Later entries replace earlier ones with the same id.
func NewSourceCatalog(descriptors ...SourceDescriptor) (*SourceCatalog, error) {
	c := &SourceCatalog{sources: make(map[string]SourceDescriptor, len(descriptors))}
	for _, d := range descriptors {
		d.ID = strings.ToLower(strings.TrimSpace(d.ID))
		if d.ID == "" {
			return nil, fmt.Errorf("source descriptor without id")
		}
		if len(d.SeedURLs) == 0 {
			return nil, fmt.Errorf("source %q has no seed_urls", d.ID)
		}
		d.PriorityKeywords = lowerTrimmed(d.PriorityKeywords)
		d.ExcludePatterns = lowerTrimmed(d.ExcludePatterns)
		c.sources[d.ID] = d
	}
	return c, nil
}

// LoadSourceCatalog returns the default sources overlaid with the YAML catalog at path (if any).
func LoadSourceCatalog(path string) (*SourceCatalog, error) {
	descriptors := DefaultSources()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read source catalog: %w", err)
		}
		var file catalogFile
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("parse source catalog: %w", err)
		}
		descriptors = append(descriptors, file.Sources...)
	}
	return NewSourceCatalog(descriptors...)
}

// Lookup returns the descriptor registered for id.
func (c *SourceCatalog) Lookup(id string) (SourceDescriptor, bool) {
	if c == nil {
		return SourceDescriptor{}, false
	}
	d, ok := c.sources[strings.ToLower(strings.TrimSpace(id))]
	return d, ok
}

// IDs lists the registered source ids in sorted order.
func (c *SourceCatalog) IDs() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.sources))
	for id := range c.sources {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
