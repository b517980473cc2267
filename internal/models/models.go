package models

import (
	"sort"
	"strconv"
	"time"
)

// DateLayout is the ISO date format used for window bounds and series labels
const DateLayout = "2006-01-02"

// AdmLevel is the administrative granularity of a region
type AdmLevel int

const (
	AdmCountry      AdmLevel = 0
	AdmState        AdmLevel = 1
	AdmMunicipality AdmLevel = 2
	AdmSubMunicipal AdmLevel = 3
)

// Valid reports whether l is one of the four known levels
func (l AdmLevel) Valid() bool {
	return l >= AdmCountry && l <= AdmSubMunicipal
}

// Level returns a pointer to l, for populating nullable fields
func Level(l AdmLevel) *AdmLevel {
	return &l
}

// ScoreMetric names a pre-computed score used to rank predictions
type ScoreMetric string

const (
	MetricMAE           ScoreMetric = "mae"
	MetricMSE           ScoreMetric = "mse"
	MetricCRPS          ScoreMetric = "crps"
	MetricLogScore      ScoreMetric = "log_score"
	MetricIntervalScore ScoreMetric = "interval_score"
	MetricWIS           ScoreMetric = "wis"
)

// ScoreMetrics lists every supported metric in display order
var ScoreMetrics = []ScoreMetric{MetricMAE, MetricMSE, MetricCRPS, MetricLogScore, MetricIntervalScore, MetricWIS}

// Valid reports whether m is a supported metric
func (m ScoreMetric) Valid() bool {
	for _, known := range ScoreMetrics {
		if m == known {
			return true
		}
	}
	return false
}

// CaseDefinition selects the case counting methodology
type CaseDefinition string

const (
	CasesReported CaseDefinition = "reported"
	CasesProbable CaseDefinition = "probable"
)

// Valid reports whether d is a known case definition
func (d CaseDefinition) Valid() bool {
	return d == CasesReported || d == CasesProbable
}

// DashboardState is the persisted selection of one dashboard namespace.
// Empty strings stand for null region and disease fields.
type DashboardState struct {
	Disease               string         `json:"disease"`
	AdmLevel              *AdmLevel      `json:"adm_level"`
	Adm0                  string         `json:"adm_0"`
	Adm1                  string         `json:"adm_1"`
	Adm2                  string         `json:"adm_2"`
	StartWindowDate       string         `json:"start_window_date"`
	EndWindowDate         string         `json:"end_window_date"`
	SelectedModelIDs      []int          `json:"selected_model_ids"`
	SelectedTagIDs        []int          `json:"selected_tag_ids"`
	SelectedPredictionIDs []int          `json:"selected_prediction_ids"`
	ScoreMetric           ScoreMetric    `json:"score_metric"`
	Sprint                bool           `json:"sprint"`
	CaseDefinition        CaseDefinition `json:"case_definition"`
}

// Clone returns a deep copy of s
func (s DashboardState) Clone() DashboardState {
	out := s
	if s.AdmLevel != nil {
		out.AdmLevel = Level(*s.AdmLevel)
	}
	out.SelectedModelIDs = cloneInts(s.SelectedModelIDs)
	out.SelectedTagIDs = cloneInts(s.SelectedTagIDs)
	out.SelectedPredictionIDs = cloneInts(s.SelectedPredictionIDs)
	return out
}

// Level returns the admin level and whether it is set
func (s DashboardState) Level() (AdmLevel, bool) {
	if s.AdmLevel == nil {
		return 0, false
	}
	return *s.AdmLevel, true
}

// Region returns the geocode that identifies the selected region at the
// current level. There is no adm_3 selector: level 3 predictions are scoped
// by their parent municipality, so Adm2 identifies them.
func (s DashboardState) Region() string {
	level, ok := s.Level()
	if !ok {
		return ""
	}
	switch level {
	case AdmCountry:
		return s.Adm0
	case AdmState:
		return s.Adm1
	default:
		return s.Adm2
	}
}

// FiltersComplete reports whether disease, level and the level's region are
// all set, i.e. whether a case series can be requested.
func (s DashboardState) FiltersComplete() bool {
	if s.Disease == "" {
		return false
	}
	level, ok := s.Level()
	if !ok || !level.Valid() {
		return false
	}
	return s.Region() != ""
}

// Window parses the window bounds
func (s DashboardState) Window() (time.Time, time.Time, error) {
	start, err := time.Parse(DateLayout, s.StartWindowDate)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := time.Parse(DateLayout, s.EndWindowDate)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

// Equal compares two states field by field. Model and tag ids compare as
// sets, prediction ids as unordered multisets of their string form.
func (s DashboardState) Equal(o DashboardState) bool {
	if s.Disease != o.Disease || s.Adm0 != o.Adm0 || s.Adm1 != o.Adm1 || s.Adm2 != o.Adm2 {
		return false
	}
	if !levelEqual(s.AdmLevel, o.AdmLevel) {
		return false
	}
	if s.StartWindowDate != o.StartWindowDate || s.EndWindowDate != o.EndWindowDate {
		return false
	}
	if s.ScoreMetric != o.ScoreMetric || s.Sprint != o.Sprint || s.CaseDefinition != o.CaseDefinition {
		return false
	}
	return SameIDs(s.SelectedModelIDs, o.SelectedModelIDs) &&
		SameIDs(s.SelectedTagIDs, o.SelectedTagIDs) &&
		SameIDs(s.SelectedPredictionIDs, o.SelectedPredictionIDs)
}

func levelEqual(a, b *AdmLevel) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// SameIDs compares two id collections as unordered multisets keyed by
// their decimal string form
func SameIDs(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, id := range a {
		counts[strconv.Itoa(id)]++
	}
	for _, id := range b {
		key := strconv.Itoa(id)
		if counts[key] == 0 {
			return false
		}
		counts[key]--
	}
	return true
}

func cloneInts(in []int) []int {
	if in == nil {
		return nil
	}
	out := make([]int, len(in))
	copy(out, in)
	return out
}

// ContainsID reports whether id is in ids
func ContainsID(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// AddID appends id if absent, preserving order
func AddID(ids []int, id int) []int {
	if ContainsID(ids, id) {
		return ids
	}
	return append(ids, id)
}

// RemoveID returns ids without id, preserving order
func RemoveID(ids []int, id int) []int {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// SortedIDs returns a sorted copy of ids
func SortedIDs(ids []int) []int {
	out := cloneInts(ids)
	sort.Ints(out)
	return out
}

// Disease is an entry of the disease selector
type Disease struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Tag is a model classification label
type Tag struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Group string `json:"group"`
}

// ModelSummary describes a forecasting model
type ModelSummary struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	Owner          string `json:"owner"`
	Disease        string `json:"disease"`
	AdmLevel       int    `json:"adm_level"`
	TimeResolution string `json:"time_resolution"`
	Sprint         bool   `json:"sprint"`
	Tags           []int  `json:"tags"`
}

// HasTag reports whether the model carries tag id
func (m ModelSummary) HasTag(id int) bool {
	return ContainsID(m.Tags, id)
}

// Score is one pre-computed score. A nil Value means not available.
type Score struct {
	Name  ScoreMetric `json:"name"`
	Value *float64    `json:"score"`
}

// PredictionSummary is a row of the prediction table
type PredictionSummary struct {
	ID        int      `json:"id"`
	ModelID   int      `json:"model_id"`
	ModelName string   `json:"model_name"`
	Owner     string   `json:"owner"`
	Disease   string   `json:"disease"`
	AdmLevel  AdmLevel `json:"adm_level"`
	Adm0      string   `json:"adm_0"`
	Adm1      string   `json:"adm_1"`
	Adm2      string   `json:"adm_2"`
	Adm3      string   `json:"adm_3"`
	Scores    []Score  `json:"scores"`
	Start     string   `json:"start"`
	End       string   `json:"end"`
	Sprint    *int     `json:"sprint"`
	Tags      []int    `json:"tags"`
	Color     string   `json:"color"`
}

// Score returns the value for metric, if present
func (p PredictionSummary) Score(metric ScoreMetric) (float64, bool) {
	for _, s := range p.Scores {
		if s.Name == metric && s.Value != nil {
			return *s.Value, true
		}
	}
	return 0, false
}

// RegionAt returns the prediction's geocode at level l
func (p PredictionSummary) RegionAt(l AdmLevel) string {
	switch l {
	case AdmCountry:
		return p.Adm0
	case AdmState:
		return p.Adm1
	case AdmMunicipality:
		return p.Adm2
	default:
		return p.Adm3
	}
}

// CaseSeries is the observed case count time series
type CaseSeries struct {
	Labels []string  `json:"labels"`
	Values []float64 `json:"values"`
}

// Interval is a prediction band at a confidence level (50, 80, 90, 95)
type Interval struct {
	Level int       `json:"level"`
	Lower []float64 `json:"lower"`
	Upper []float64 `json:"upper"`
}

// PredictionSeries is a prediction overlay on the case chart
type PredictionSeries struct {
	ID        int        `json:"id"`
	Color     string     `json:"color"`
	Dates     []string   `json:"dates"`
	Pred      []float64  `json:"pred"`
	Intervals []Interval `json:"intervals,omitempty"`
	Start     string     `json:"start,omitempty"`
	End       string     `json:"end,omitempty"`
}

// Band returns the interval at level, if present
func (s PredictionSeries) Band(level int) (Interval, bool) {
	for _, iv := range s.Intervals {
		if iv.Level == level {
			return iv, true
		}
	}
	return Interval{}, false
}

// PersistedMeta carries the write timestamp used for expiration
type PersistedMeta struct {
	Timestamp int64 `json:"timestamp"`
}

// Persisted is everything stored for one browser client: one state per
// dashboard namespace plus metadata.
type Persisted struct {
	Namespaces map[string]DashboardState `json:"namespaces"`
	Meta       PersistedMeta             `json:"meta"`
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ClientRecord summarizes what a backend holds for one browser client
type ClientRecord struct {
	ClientID   string   `json:"client_id"`
	Namespaces []string `json:"namespaces"`
	Timestamp  int64    `json:"timestamp"`
}
