// Package index keeps a full-text index over aggregated indicators so recent
// results can be searched without going back to Postgres.
package index

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
	"github.com/mohammad-safakhou/ecoagent/internal/helpers"
)

const DefaultMaxDocs = 10000

// Doc is one indexed indicator.
type Doc struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	Name       string    `json:"name"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	Period     string    `json:"period,omitempty"`
	Category   string    `json:"category,omitempty"`
	SourceURL  string    `json:"source_url"`
	Domain     string    `json:"domain"`
	Confidence float64   `json:"confidence"`
	Enriched   bool      `json:"enriched"`
	IndexedAt  time.Time `json:"indexed_at"`
	Text       string    `json:"text"`
}

// Hit is a ranked search result.
type Hit struct {
	Doc
	Score float64 `json:"score"`
	Rank  int     `json:"rank"`
}

// IndicatorIndex is an in-memory bleve index. Oldest documents are evicted past maxDocs.
type IndicatorIndex struct {
	bleve   bleve.Index
	docs    map[string]Doc
	order   []string
	maxDocs int
	mu      sync.RWMutex
}

func New(maxDocs int) (*IndicatorIndex, error) {
	if maxDocs <= 0 {
		maxDocs = DefaultMaxDocs
	}
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create indicator index: %w", err)
	}
	return &IndicatorIndex{bleve: idx, docs: make(map[string]Doc), maxDocs: maxDocs}, nil
}

func (x *IndicatorIndex) Name() string { return "bleve" }

// Consume indexes the kept indicators of a terminal job. Re-consuming a job replaces its documents.
func (x *IndicatorIndex) Consume(ctx context.Context, record core.JobRecord) error {
	now := time.Now().UTC()
	x.mu.Lock()
	defer x.mu.Unlock()
	for i, ind := range record.Result.Indicators {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc := Doc{
			ID:         fmt.Sprintf("%s:%d", record.ID, i),
			JobID:      record.ID,
			Name:       ind.Name,
			Value:      ind.Value,
			Unit:       ind.Unit,
			Period:     ind.Period,
			Category:   ind.Category,
			SourceURL:  ind.SourceURL,
			Domain:     helpers.Domain(ind.SourceURL),
			Confidence: ind.Confidence,
			Enriched:   ind.Enriched,
			IndexedAt:  now,
		}
		doc.Text = strings.Join([]string{
			strings.ReplaceAll(ind.Name, "_", " "),
			strings.ReplaceAll(ind.Category, "_", " "),
			ind.Period, ind.Unit, doc.Domain,
		}, " ")
		if _, exists := x.docs[doc.ID]; !exists {
			x.order = append(x.order, doc.ID)
		}
		x.docs[doc.ID] = doc
		if err := x.bleve.Index(doc.ID, doc); err != nil {
			return fmt.Errorf("index %s: %w", doc.ID, err)
		}
	}
	return x.evictLocked()
}

func (x *IndicatorIndex) evictLocked() error {
	for len(x.order) > x.maxDocs {
		id := x.order[0]
		x.order = x.order[1:]
		delete(x.docs, id)
		if err := x.bleve.Delete(id); err != nil {
			return fmt.Errorf("evict %s: %w", id, err)
		}
	}
	return nil
}

// Search runs a bleve query-string query and returns at most k hits.
func (x *IndicatorIndex) Search(q string, k int) ([]Hit, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, fmt.Errorf("query is required")
	}
	if k <= 0 {
		k = 20
	}
	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(q), k, 0, false)
	x.mu.RLock()
	defer x.mu.RUnlock()
	res, err := x.bleve.Search(req)
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(res.Hits))
	for i, hit := range res.Hits {
		doc, ok := x.docs[hit.ID]
		if !ok {
			continue
		}
		out = append(out, Hit{Doc: doc, Score: hit.Score, Rank: i + 1})
	}
	return out, nil
}

// Len reports how many documents are indexed.
func (x *IndicatorIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

func (x *IndicatorIndex) Close() error {
	return x.bleve.Close()
}

var _ core.ResultSink = (*IndicatorIndex)(nil)
