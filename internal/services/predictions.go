package services

import (
	"math"
	"sort"
	"strings"

	"github.com/mosqlimate/arbodash/internal/chart"
	"github.com/mosqlimate/arbodash/internal/errors"
	"github.com/mosqlimate/arbodash/internal/models"
)

// Prediction table defaults
const (
	DefaultPageSize = 25
	MaxPageSize     = 200
	BatchSize       = 10
)

// SortOrder is the direction of the score column
type SortOrder string

const (
	OrderAsc  SortOrder = "asc"
	OrderDesc SortOrder = "desc"
)

// TableQuery selects a page of the prediction table
type TableQuery struct {
	Metric     models.ScoreMetric `json:"metric"`
	Order      SortOrder          `json:"order"`
	Page       int                `json:"page"`
	PageSize   int                `json:"page_size"`
	Query      string             `json:"q,omitempty"`
	SprintYear *int               `json:"sprint_year,omitempty"`
}

// Normalize fills defaults and rejects unknown metric or order values
func (q TableQuery) Normalize(fallback models.ScoreMetric) (TableQuery, error) {
	if q.Metric == "" {
		q.Metric = fallback
	}
	if !q.Metric.Valid() {
		return q, errors.InvalidInputf("unknown score metric %q", q.Metric)
	}
	switch q.Order {
	case "":
		q.Order = OrderAsc
	case OrderAsc, OrderDesc:
	default:
		return q, errors.InvalidInputf("unknown sort order %q", q.Order)
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	q.Query = strings.TrimSpace(q.Query)
	return q, nil
}

// TableRow is a prediction as shown in the table
type TableRow struct {
	models.PredictionSummary
	Selected bool     `json:"selected"`
	Score    *float64 `json:"score"`
}

// TablePage is one sorted, filtered page of predictions
type TablePage struct {
	Rows     []TableRow         `json:"rows"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
	Total    int                `json:"total"`
	Pages    int                `json:"pages"`
	Metric   models.ScoreMetric `json:"metric"`
	Order    SortOrder          `json:"order"`
}

// scoreOrInf treats a missing score as the worst possible value
func scoreOrInf(p models.PredictionSummary, metric models.ScoreMetric) float64 {
	if v, ok := p.Score(metric); ok {
		return v
	}
	return math.Inf(1)
}

// SortPredictions orders candidates with selected rows first, in selection
// order, then by metric. A missing score sorts last ascending and first
// descending. Ties break by id.
func SortPredictions(list []models.PredictionSummary, selected []int, metric models.ScoreMetric, order SortOrder) []models.PredictionSummary {
	rank := make(map[int]int, len(selected))
	for i, id := range selected {
		rank[id] = i
	}
	out := append([]models.PredictionSummary(nil), list...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, si := rank[out[i].ID]
		rj, sj := rank[out[j].ID]
		if si != sj {
			return si
		}
		if si {
			return ri < rj
		}
		a, b := scoreOrInf(out[i], metric), scoreOrInf(out[j], metric)
		if a != b {
			if order == OrderDesc {
				return a > b
			}
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func matchesQuery(p models.PredictionSummary, q TableQuery) bool {
	if q.SprintYear != nil && (p.Sprint == nil || *p.Sprint != *q.SprintYear) {
		return false
	}
	if q.Query == "" {
		return true
	}
	needle := strings.ToLower(q.Query)
	return strings.Contains(strings.ToLower(p.Owner), needle) ||
		strings.Contains(strings.ToLower(p.ModelName), needle)
}

// BuildTable filters, sorts and paginates candidates. Selected predictions
// are never filtered out by the text search.
func BuildTable(candidates []models.PredictionSummary, selected []int, q TableQuery) TablePage {
	var filtered []models.PredictionSummary
	for _, p := range candidates {
		if models.ContainsID(selected, p.ID) || matchesQuery(p, q) {
			filtered = append(filtered, p)
		}
	}
	sorted := SortPredictions(filtered, selected, q.Metric, q.Order)

	page := TablePage{
		Page:     q.Page,
		PageSize: q.PageSize,
		Total:    len(sorted),
		Metric:   q.Metric,
		Order:    q.Order,
		Rows:     []TableRow{},
	}
	page.Pages = (page.Total + q.PageSize - 1) / q.PageSize
	if page.Pages == 0 {
		page.Pages = 1
	}
	start := (q.Page - 1) * q.PageSize
	if start >= len(sorted) {
		return page
	}
	end := start + q.PageSize
	if end > len(sorted) {
		end = len(sorted)
	}
	for _, p := range sorted[start:end] {
		row := TableRow{PredictionSummary: p, Selected: models.ContainsID(selected, p.ID)}
		if row.Color == "" {
			row.Color = chart.ColorFor(p.ID)
		}
		if v, ok := p.Score(q.Metric); ok {
			row.Score = &v
		}
		page.Rows = append(page.Rows, row)
	}
	return page
}

// NextBatch returns up to n unselected prediction ids of the page, in
// display order
func NextBatch(page TablePage, n int) []int {
	var ids []int
	for _, row := range page.Rows {
		if len(ids) == n {
			break
		}
		if !row.Selected {
			ids = append(ids, row.ID)
		}
	}
	return ids
}

// PruneSelection splits selected ids into those still present among the
// candidates and those that are not
func PruneSelection(selected []int, candidates []models.PredictionSummary) (kept, dropped []int) {
	known := make(map[int]bool, len(candidates))
	for _, p := range candidates {
		known[p.ID] = true
	}
	kept = []int{}
	for _, id := range selected {
		if known[id] {
			kept = append(kept, id)
		} else {
			dropped = append(dropped, id)
		}
	}
	return kept, dropped
}

func findPrediction(list []models.PredictionSummary, id int) (models.PredictionSummary, bool) {
	for _, p := range list {
		if p.ID == id {
			return p, true
		}
	}
	return models.PredictionSummary{}, false
}
