package mosqlimate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mosqlimate/arbodash/internal/models"
)

// Call records one request made against the mock
type Call struct {
	Endpoint string
	Request  interface{}
}

// MockClient is an in-memory API used by tests and the -mock server flag.
// It filters its fixtures the way the real API does and records every call.
type MockClient struct {
	mu          sync.Mutex
	baseURL     string
	diseases    []models.Disease
	tags        []models.Tag
	models      []models.ModelSummary
	predictions []models.PredictionSummary
	regionNames map[string]string
	sprints     []int
	errs        map[string]error
	hook        func(endpoint string, req interface{})
	calls       []Call
}

// MockOption configures the mock client
type MockOption func(*MockClient)

// WithDiseases sets the diseases to return
func WithDiseases(diseases []models.Disease) MockOption {
	return func(m *MockClient) {
		m.diseases = diseases
	}
}

// WithTags sets the tag catalog
func WithTags(tags []models.Tag) MockOption {
	return func(m *MockClient) {
		m.tags = tags
	}
}

// WithModels sets the model catalog
func WithModels(list []models.ModelSummary) MockOption {
	return func(m *MockClient) {
		m.models = list
	}
}

// WithPredictions sets the prediction fixtures
func WithPredictions(list []models.PredictionSummary) MockOption {
	return func(m *MockClient) {
		m.predictions = list
	}
}

// WithRegionNames sets the geocode -> name map
func WithRegionNames(names map[string]string) MockOption {
	return func(m *MockClient) {
		m.regionNames = names
	}
}

// WithSprints sets the sprint years to return
func WithSprints(years []int) MockOption {
	return func(m *MockClient) {
		m.sprints = years
	}
}

// WithError makes every call to endpoint fail with err
func WithError(endpoint string, err error) MockOption {
	return func(m *MockClient) {
		m.errs[endpoint] = err
	}
}

// WithHook runs fn before each response is returned, outside the mock's lock.
// Tests use it to block or reorder concurrent responses.
func WithHook(fn func(endpoint string, req interface{})) MockOption {
	return func(m *MockClient) {
		m.hook = fn
	}
}

// WithBaseURL sets the base URL
func WithBaseURL(url string) MockOption {
	return func(m *MockClient) {
		m.baseURL = url
	}
}

// NewMockClient creates a mock seeded with the default fixtures
func NewMockClient(opts ...MockOption) *MockClient {
	m := &MockClient{
		baseURL:     "http://mock-mosqlimate.local",
		diseases:    DefaultMockDiseases(),
		tags:        DefaultMockTags(),
		models:      DefaultMockModels(),
		predictions: DefaultMockPredictions(),
		regionNames: DefaultMockRegionNames(),
		sprints:     []int{2024, 2025},
		errs:        make(map[string]error),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BaseURL returns the configured base URL
func (m *MockClient) BaseURL() string {
	return m.baseURL
}

// SetError changes the error returned by endpoint; nil clears it
func (m *MockClient) SetError(endpoint string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, endpoint)
		return
	}
	m.errs[endpoint] = err
}

// SetPredictions replaces the prediction fixtures
func (m *MockClient) SetPredictions(list []models.PredictionSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions = list
}

// Calls returns a copy of every recorded call in order
func (m *MockClient) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times endpoint was called
func (m *MockClient) CallCount(endpoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Endpoint == endpoint {
			n++
		}
	}
	return n
}

// TotalCalls returns the number of recorded calls across endpoints
func (m *MockClient) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// CaseRequests returns every recorded case series request
func (m *MockClient) CaseRequests() []CaseSeriesRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CaseSeriesRequest
	for _, c := range m.calls {
		if req, ok := c.Request.(CaseSeriesRequest); ok {
			out = append(out, req)
		}
	}
	return out
}

// SeriesRequests returns every recorded prediction series request
func (m *MockClient) SeriesRequests() []PredictionSeriesRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PredictionSeriesRequest
	for _, c := range m.calls {
		if req, ok := c.Request.(PredictionSeriesRequest); ok {
			out = append(out, req)
		}
	}
	return out
}

// ResetCalls forgets recorded calls
func (m *MockClient) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// record stores the call and returns the configured error for endpoint
func (m *MockClient) record(ctx context.Context, endpoint string, req interface{}) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Endpoint: endpoint, Request: req})
	err := m.errs[endpoint]
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		hook(endpoint, req)
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

// FetchDiseases returns the configured diseases
func (m *MockClient) FetchDiseases(ctx context.Context, req DiseaseListRequest) ([]models.Disease, error) {
	if err := m.record(ctx, EndpointDiseases, req); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Disease, len(m.diseases))
	copy(out, m.diseases)
	return out, nil
}

// FetchRegionNames resolves known geocodes and echoes unknown ones
func (m *MockClient) FetchRegionNames(ctx context.Context, req RegionNamesRequest) (map[string]string, error) {
	if err := m.record(ctx, EndpointRegionNames, req); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(req.Geocodes))
	for _, code := range req.Geocodes {
		if name, ok := m.regionNames[code]; ok {
			out[code] = name
		} else {
			out[code] = code
		}
	}
	return out, nil
}

// FetchTags returns the tag catalog
func (m *MockClient) FetchTags(ctx context.Context, req TagListRequest) ([]models.Tag, error) {
	if err := m.record(ctx, EndpointTags, req); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Tag, len(m.tags))
	copy(out, m.tags)
	return out, nil
}

// FetchModels filters the model catalog by disease, level, tags and sprint
func (m *MockClient) FetchModels(ctx context.Context, req ModelListRequest) ([]models.ModelSummary, error) {
	if err := m.record(ctx, EndpointModels, req); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ModelSummary
	for _, model := range m.models {
		if req.Disease != "" && model.Disease != req.Disease {
			continue
		}
		if req.AdmLevel != nil && model.AdmLevel != int(*req.AdmLevel) {
			continue
		}
		if req.Sprint && !model.Sprint {
			continue
		}
		if !hasAll(model.Tags, req.TagIDs) {
			continue
		}
		out = append(out, model)
	}
	return out, nil
}

// FetchPredictions filters the prediction fixtures like the real endpoint
func (m *MockClient) FetchPredictions(ctx context.Context, req PredictionListRequest) ([]models.PredictionSummary, error) {
	if err := m.record(ctx, EndpointPredictions, req); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PredictionSummary
	for _, p := range m.predictions {
		if req.Disease != "" && p.Disease != req.Disease {
			continue
		}
		if req.AdmLevel != nil {
			if p.AdmLevel != *req.AdmLevel {
				continue
			}
			if req.Region != "" && p.RegionAt(*req.AdmLevel) != req.Region {
				continue
			}
		}
		if req.Sprint != (p.Sprint != nil) {
			continue
		}
		if len(req.ModelIDs) > 0 && !models.ContainsID(req.ModelIDs, p.ModelID) {
			continue
		}
		if !hasAll(p.Tags, req.TagIDs) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// FetchCases generates a weekly series across the requested window
func (m *MockClient) FetchCases(ctx context.Context, req CaseSeriesRequest) (models.CaseSeries, error) {
	if err := m.record(ctx, EndpointCases, req); err != nil {
		return models.CaseSeries{}, err
	}
	labels := weeklyDates(req.Start, req.End)
	values := make([]float64, len(labels))
	for i := range values {
		values[i] = float64(100 + 7*i)
	}
	return models.CaseSeries{Labels: labels, Values: values}, nil
}

// FetchPredictionSeries generates a series for a known prediction
func (m *MockClient) FetchPredictionSeries(ctx context.Context, req PredictionSeriesRequest) (models.PredictionSeries, error) {
	if err := m.record(ctx, EndpointPredictionSeries, req); err != nil {
		return models.PredictionSeries{}, err
	}
	m.mu.Lock()
	var found *models.PredictionSummary
	for i := range m.predictions {
		if m.predictions[i].ID == req.ID {
			p := m.predictions[i]
			found = &p
			break
		}
	}
	m.mu.Unlock()
	if found == nil {
		return models.PredictionSeries{}, fmt.Errorf("API returned status 404 for %s", EndpointPredictionSeries)
	}
	return GenerateMockSeries(*found), nil
}

// FetchSprints returns the configured sprint years
func (m *MockClient) FetchSprints(ctx context.Context, req SprintListRequest) ([]int, error) {
	if err := m.record(ctx, EndpointSprints, req); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.sprints))
	copy(out, m.sprints)
	return out, nil
}

func hasAll(have, want []int) bool {
	for _, id := range want {
		if !models.ContainsID(have, id) {
			return false
		}
	}
	return true
}

func weeklyDates(start, end string) []string {
	s, err := time.Parse(models.DateLayout, start)
	if err != nil {
		return nil
	}
	e, err := time.Parse(models.DateLayout, end)
	if err != nil || e.Before(s) {
		return nil
	}
	var out []string
	for d := s; !d.After(e); d = d.AddDate(0, 0, 7) {
		out = append(out, d.Format(models.DateLayout))
	}
	return out
}

// GenerateMockSeries builds a deterministic series with 50% and 95% bands
func GenerateMockSeries(p models.PredictionSummary) models.PredictionSeries {
	dates := weeklyDates(p.Start, p.End)
	series := models.PredictionSeries{
		ID:    p.ID,
		Dates: dates,
		Pred:  make([]float64, len(dates)),
		Start: p.Start,
		End:   p.End,
	}
	band50 := models.Interval{Level: 50, Lower: make([]float64, len(dates)), Upper: make([]float64, len(dates))}
	band95 := models.Interval{Level: 95, Lower: make([]float64, len(dates)), Upper: make([]float64, len(dates))}
	for i := range dates {
		v := float64(90 + (p.ID%13)*2 + 6*i)
		series.Pred[i] = v
		band50.Lower[i], band50.Upper[i] = v*0.9, v*1.1
		band95.Lower[i], band95.Upper[i] = v*0.7, v*1.3
	}
	series.Intervals = []models.Interval{band50, band95}
	return series
}

// Tag ids of the default fixtures
const (
	TagDengue       = 1
	TagZika         = 2
	TagChikungunya  = 3
	TagAdm1         = 4
	TagAdm2         = 5
	TagWeekly       = 6
	TagMonthly      = 7
	TagLSTM         = 8
	TagARIMA        = 9
	TagBayesian     = 10
	TagClimateCovar = 12
)

// DefaultMockDiseases returns the three arboviruses
func DefaultMockDiseases() []models.Disease {
	return []models.Disease{
		{Code: "dengue", Name: "Dengue"},
		{Code: "zika", Name: "Zika"},
		{Code: "chikungunya", Name: "Chikungunya"},
	}
}

// DefaultMockTags returns tags across unique and multi groups
func DefaultMockTags() []models.Tag {
	return []models.Tag{
		{ID: TagDengue, Name: "dengue", Group: "disease"},
		{ID: TagZika, Name: "zika", Group: "disease"},
		{ID: TagChikungunya, Name: "chikungunya", Group: "disease"},
		{ID: TagAdm1, Name: "adm 1", Group: "adm_level"},
		{ID: TagAdm2, Name: "adm 2", Group: "adm_level"},
		{ID: TagWeekly, Name: "weekly", Group: "time_resolution"},
		{ID: TagMonthly, Name: "monthly", Group: "time_resolution"},
		{ID: TagLSTM, Name: "LSTM", Group: "method"},
		{ID: TagARIMA, Name: "ARIMA", Group: "method"},
		{ID: TagBayesian, Name: "Bayesian", Group: "method"},
		{ID: TagClimateCovar, Name: "climate covariates", Group: "covariates"},
	}
}

// DefaultMockModels returns a small catalog across diseases and levels
func DefaultMockModels() []models.ModelSummary {
	return []models.ModelSummary{
		{ID: 1, Name: "LSTM-RJ", Owner: "alice", Disease: "dengue", AdmLevel: 2, TimeResolution: "week",
			Tags: []int{TagDengue, TagAdm2, TagWeekly, TagLSTM, TagClimateCovar}},
		{ID: 2, Name: "ARIMA-BR", Owner: "bruno", Disease: "dengue", AdmLevel: 1, TimeResolution: "week", Sprint: true,
			Tags: []int{TagDengue, TagAdm1, TagWeekly, TagARIMA}},
		{ID: 3, Name: "BayesCasting", Owner: "carla", Disease: "dengue", AdmLevel: 2, TimeResolution: "week",
			Tags: []int{TagDengue, TagAdm2, TagWeekly, TagBayesian, TagClimateCovar}},
		{ID: 4, Name: "ZikaNet", Owner: "diego", Disease: "zika", AdmLevel: 1, TimeResolution: "month",
			Tags: []int{TagZika, TagAdm1, TagMonthly, TagLSTM}},
		{ID: 5, Name: "Chik-ARIMA", Owner: "elisa", Disease: "chikungunya", AdmLevel: 2, TimeResolution: "week",
			Tags: []int{TagChikungunya, TagAdm2, TagWeekly, TagARIMA}},
	}
}

func score(v float64) *float64 {
	return &v
}

func scores(mae, crps float64) []models.Score {
	return []models.Score{
		{Name: models.MetricMAE, Value: score(mae)},
		{Name: models.MetricMSE, Value: score(mae * mae)},
		{Name: models.MetricCRPS, Value: score(crps)},
		{Name: models.MetricLogScore, Value: nil},
		{Name: models.MetricIntervalScore, Value: score(crps * 3)},
		{Name: models.MetricWIS, Value: score(crps * 1.5)},
	}
}

// DefaultMockPredictions returns predictions for Rio de Janeiro (state 33,
// city 3304557) and São Paulo (state 35, city 3550308)
func DefaultMockPredictions() []models.PredictionSummary {
	sprint := 2024
	modelTags := map[int][]int{}
	for _, m := range DefaultMockModels() {
		modelTags[m.ID] = m.Tags
	}
	list := []models.PredictionSummary{
		{ID: 1796, ModelID: 1, ModelName: "LSTM-RJ", Owner: "alice", Disease: "dengue", AdmLevel: models.AdmMunicipality,
			Adm0: "BRA", Adm1: "33", Adm2: "3304557", Scores: scores(12.5, 4.1), Start: "2023-01-01", End: "2023-03-03"},
		{ID: 1797, ModelID: 3, ModelName: "BayesCasting", Owner: "carla", Disease: "dengue", AdmLevel: models.AdmMunicipality,
			Adm0: "BRA", Adm1: "33", Adm2: "3304557", Scores: scores(9.75, 5.2), Start: "2023-01-01", End: "2023-03-03"},
		{ID: 1800, ModelID: 3, ModelName: "BayesCasting", Owner: "carla", Disease: "dengue", AdmLevel: models.AdmMunicipality,
			Adm0: "BRA", Adm1: "33", Adm2: "3304557", Start: "2023-01-08", End: "2023-02-26"},
		{ID: 1801, ModelID: 1, ModelName: "LSTM-RJ", Owner: "alice", Disease: "dengue", AdmLevel: models.AdmMunicipality,
			Adm0: "BRA", Adm1: "35", Adm2: "3550308", Scores: scores(20.0, 7.7), Start: "2023-01-01", End: "2023-03-03"},
		{ID: 2001, ModelID: 2, ModelName: "ARIMA-BR", Owner: "bruno", Disease: "dengue", AdmLevel: models.AdmState,
			Adm0: "BRA", Adm1: "33", Scores: scores(30.1, 9.9), Start: "2023-01-01", End: "2023-03-03"},
		{ID: 2002, ModelID: 2, ModelName: "ARIMA-BR", Owner: "bruno", Disease: "dengue", AdmLevel: models.AdmState,
			Adm0: "BRA", Adm1: "33", Scores: scores(28.4, 8.8), Start: "2023-02-05", End: "2023-04-30"},
		{ID: 2003, ModelID: 2, ModelName: "ARIMA-BR", Owner: "bruno", Disease: "dengue", AdmLevel: models.AdmState,
			Adm0: "BRA", Adm1: "35", Scores: scores(41.0, 12.0), Start: "2023-01-01", End: "2023-03-03"},
		{ID: 3001, ModelID: 4, ModelName: "ZikaNet", Owner: "diego", Disease: "zika", AdmLevel: models.AdmState,
			Adm0: "BRA", Adm1: "33", Scores: scores(3.2, 1.1), Start: "2023-01-01", End: "2023-06-30"},
		{ID: 4001, ModelID: 5, ModelName: "Chik-ARIMA", Owner: "elisa", Disease: "chikungunya", AdmLevel: models.AdmMunicipality,
			Adm0: "BRA", Adm1: "33", Adm2: "3304557", Scores: scores(5.5, 2.0), Start: "2023-01-01", End: "2023-03-03"},
		{ID: 5001, ModelID: 2, ModelName: "ARIMA-BR", Owner: "bruno", Disease: "dengue", AdmLevel: models.AdmState,
			Adm0: "BRA", Adm1: "33", Scores: scores(25.0, 7.0), Start: "2024-10-06", End: "2025-10-05", Sprint: &sprint},
	}
	for i := range list {
		list[i].Tags = modelTags[list[i].ModelID]
	}
	return list
}

// GenerateMockPredictions creates n dengue predictions for Rio de Janeiro at
// municipality level with ids starting at firstID and increasing MAE.
func GenerateMockPredictions(n, firstID int) []models.PredictionSummary {
	tags := DefaultMockModels()[0].Tags
	out := make([]models.PredictionSummary, n)
	for i := 0; i < n; i++ {
		out[i] = models.PredictionSummary{
			ID: firstID + i, ModelID: 1, ModelName: "LSTM-RJ", Owner: "alice",
			Disease: "dengue", AdmLevel: models.AdmMunicipality,
			Adm0: "BRA", Adm1: "33", Adm2: "3304557",
			Scores: scores(float64(10+i), float64(2+i)),
			Start:  "2023-01-01", End: "2023-03-03",
			Tags:   tags,
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DefaultMockRegionNames maps fixture geocodes to names
func DefaultMockRegionNames() map[string]string {
	return map[string]string{
		"BRA":     "Brasil",
		"33":      "Rio de Janeiro",
		"35":      "São Paulo",
		"3304557": "Rio de Janeiro",
		"3550308": "São Paulo",
	}
}

// Ensure MockClient implements Client
var _ Client = (*MockClient)(nil)
