// Package mosqlimate provides a client for the forecast visualization API:
// diseases, region names, models, predictions, case series and
// per-prediction time series.
package mosqlimate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mosqlimate/arbodash/internal/logger"
	"github.com/mosqlimate/arbodash/internal/models"
)

// Endpoint names, used for logging, error context and mock call accounting
const (
	EndpointDiseases         = "diseases"
	EndpointRegionNames      = "region_names"
	EndpointTags             = "tags"
	EndpointModels           = "models"
	EndpointPredictions      = "predictions"
	EndpointCases            = "cases"
	EndpointPredictionSeries = "prediction_series"
	EndpointSprints          = "sprints"
)

// FlexString is a string type that can be unmarshaled from either a string or a number.
// Geocodes come back as integers from some endpoints and strings from others.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler for FlexString
func (f *FlexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexString(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexString(n.String())
		return nil
	}

	return fmt.Errorf("FlexString: cannot unmarshal %s", string(data))
}

// String returns the string value
func (f FlexString) String() string {
	return string(f)
}

// DiseaseListRequest filters the disease selector.
// Category is optional ("" = all); AdmLevel nil = any level.
type DiseaseListRequest struct {
	Category string
	AdmLevel *models.AdmLevel
	Sprint   bool
}

func (r DiseaseListRequest) values() url.Values {
	v := url.Values{}
	setIf(v, "category", r.Category)
	setLevel(v, r.AdmLevel)
	v.Set("sprint", strconv.FormatBool(r.Sprint))
	return v
}

// RegionNamesRequest resolves geocodes to display names. Geocodes must be non-empty.
type RegionNamesRequest struct {
	AdmLevel models.AdmLevel
	Geocodes []string
}

func (r RegionNamesRequest) values() url.Values {
	v := url.Values{}
	v.Set("adm_level", strconv.Itoa(int(r.AdmLevel)))
	v.Set("geocodes", strings.Join(r.Geocodes, ","))
	return v
}

// TagListRequest has no filters today; it exists so the tag endpoint
// has the same shape as the others.
type TagListRequest struct{}

// ModelListRequest filters the model catalog. Empty fields are not sent.
type ModelListRequest struct {
	Disease  string
	AdmLevel *models.AdmLevel
	Region   string
	TagIDs   []int
	Sprint   bool
}

func (r ModelListRequest) values() url.Values {
	v := url.Values{}
	setIf(v, "disease", r.Disease)
	setLevel(v, r.AdmLevel)
	setIf(v, "region", r.Region)
	setIDs(v, "tags", r.TagIDs)
	v.Set("sprint", strconv.FormatBool(r.Sprint))
	return v
}

// PredictionListRequest filters candidate predictions.
// AdmLevel nil lists predictions of every level (used to derive region options).
// CaseDefinition defaults to reported.
type PredictionListRequest struct {
	Disease        string
	AdmLevel       *models.AdmLevel
	Region         string
	TagIDs         []int
	ModelIDs       []int
	CaseDefinition models.CaseDefinition
	Sprint         bool
}

func (r PredictionListRequest) values() url.Values {
	v := url.Values{}
	setIf(v, "disease", r.Disease)
	setLevel(v, r.AdmLevel)
	setIf(v, "region", r.Region)
	setIDs(v, "tags", r.TagIDs)
	setIDs(v, "models", r.ModelIDs)
	v.Set("case_definition", string(caseDefinition(r.CaseDefinition)))
	v.Set("sprint", strconv.FormatBool(r.Sprint))
	return v
}

// CaseSeriesRequest asks for observed cases. Every field is required except
// CaseDefinition, which defaults to reported.
type CaseSeriesRequest struct {
	Disease        string
	AdmLevel       models.AdmLevel
	Region         string
	Start          string
	End            string
	CaseDefinition models.CaseDefinition
}

func (r CaseSeriesRequest) values() url.Values {
	v := url.Values{}
	v.Set("disease", r.Disease)
	v.Set("adm_level", strconv.Itoa(int(r.AdmLevel)))
	v.Set("region", r.Region)
	v.Set("start", r.Start)
	v.Set("end", r.End)
	v.Set("case_definition", string(caseDefinition(r.CaseDefinition)))
	return v
}

// PredictionSeriesRequest asks for one prediction's time series
type PredictionSeriesRequest struct {
	ID       int
	Disease  string
	AdmLevel models.AdmLevel
	Region   string
}

func (r PredictionSeriesRequest) values() url.Values {
	v := url.Values{}
	setIf(v, "disease", r.Disease)
	v.Set("adm_level", strconv.Itoa(int(r.AdmLevel)))
	setIf(v, "region", r.Region)
	return v
}

// SprintListRequest lists sprint years that have predictions
type SprintListRequest struct {
	Disease  string
	AdmLevel *models.AdmLevel
	Region   string
}

func (r SprintListRequest) values() url.Values {
	v := url.Values{}
	setIf(v, "disease", r.Disease)
	setLevel(v, r.AdmLevel)
	setIf(v, "region", r.Region)
	return v
}

func setIf(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}

func setLevel(v url.Values, level *models.AdmLevel) {
	if level != nil {
		v.Set("adm_level", strconv.Itoa(int(*level)))
	}
}

func setIDs(v url.Values, key string, ids []int) {
	if len(ids) == 0 {
		return
	}
	parts := make([]string, len(ids))
	for i, id := range models.SortedIDs(ids) {
		parts[i] = strconv.Itoa(id)
	}
	v.Set(key, strings.Join(parts, ","))
}

func caseDefinition(d models.CaseDefinition) models.CaseDefinition {
	if d == "" {
		return models.CasesReported
	}
	return d
}

// predictionWire is the API shape of a prediction row; geocodes may be numbers
type predictionWire struct {
	ID        int            `json:"id"`
	ModelID   int            `json:"model_id"`
	ModelName string         `json:"model_name"`
	Owner     string         `json:"owner"`
	Disease   string         `json:"disease"`
	AdmLevel  int            `json:"adm_level"`
	Adm0      FlexString     `json:"adm_0"`
	Adm1      FlexString     `json:"adm_1"`
	Adm2      FlexString     `json:"adm_2"`
	Adm3      FlexString     `json:"adm_3"`
	Scores    []models.Score `json:"scores"`
	Start     string         `json:"start"`
	End       string         `json:"end"`
	Sprint    *int           `json:"sprint"`
	Tags      []int          `json:"tags"`
}

func (w predictionWire) summary() models.PredictionSummary {
	return models.PredictionSummary{
		ID:        w.ID,
		ModelID:   w.ModelID,
		ModelName: w.ModelName,
		Owner:     w.Owner,
		Disease:   w.Disease,
		AdmLevel:  models.AdmLevel(w.AdmLevel),
		Adm0:      w.Adm0.String(),
		Adm1:      w.Adm1.String(),
		Adm2:      w.Adm2.String(),
		Adm3:      w.Adm3.String(),
		Scores:    w.Scores,
		Start:     w.Start,
		End:       w.End,
		Sprint:    w.Sprint,
		Tags:      w.Tags,
	}
}

// Client defines the forecast API operations the dashboard depends on
type Client interface {
	FetchDiseases(ctx context.Context, req DiseaseListRequest) ([]models.Disease, error)
	FetchRegionNames(ctx context.Context, req RegionNamesRequest) (map[string]string, error)
	FetchTags(ctx context.Context, req TagListRequest) ([]models.Tag, error)
	FetchModels(ctx context.Context, req ModelListRequest) ([]models.ModelSummary, error)
	FetchPredictions(ctx context.Context, req PredictionListRequest) ([]models.PredictionSummary, error)
	FetchCases(ctx context.Context, req CaseSeriesRequest) (models.CaseSeries, error)
	FetchPredictionSeries(ctx context.Context, req PredictionSeriesRequest) (models.PredictionSeries, error)
	FetchSprints(ctx context.Context, req SprintListRequest) ([]int, error)
	// BaseURL returns the configured API base URL
	BaseURL() string
}

// HTTPClient talks to the real API over HTTP
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        logger.Logger
}

// NewHTTPClient creates a new API client with a 30 second timeout
func NewHTTPClient(baseURL string, log logger.Logger) *HTTPClient {
	return NewHTTPClientWithHTTPClient(baseURL, &http.Client{Timeout: 30 * time.Second}, log)
}

// NewHTTPClientWithHTTPClient creates a new API client with a custom http.Client
func NewHTTPClientWithHTTPClient(baseURL string, httpClient *http.Client, log logger.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		log:        log,
	}
}

// SetToken configures the X-UID-Key header sent with every request
func (c *HTTPClient) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// doGet issues a GET against path with params, checks the status and decodes
// the JSON body into out.
func (c *HTTPClient) doGet(ctx context.Context, endpoint, path string, params url.Values, out interface{}) error {
	reqURL := c.baseURL + path
	if encoded := params.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}

	c.log.Debug("API request", "endpoint", endpoint, "url", reqURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("X-UID-Key", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Debug("API response", "endpoint", endpoint, "status", resp.StatusCode, "bytes", len(body))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("API returned status %d for %s", resp.StatusCode, endpoint)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", endpoint, err)
	}
	return nil
}

// FetchDiseases lists diseases available for the given category/level
func (c *HTTPClient) FetchDiseases(ctx context.Context, req DiseaseListRequest) ([]models.Disease, error) {
	var out []models.Disease
	if err := c.doGet(ctx, EndpointDiseases, "/api/vis/diseases/", req.values(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchRegionNames maps geocodes to display names
func (c *HTTPClient) FetchRegionNames(ctx context.Context, req RegionNamesRequest) (map[string]string, error) {
	if len(req.Geocodes) == 0 {
		return map[string]string{}, nil
	}
	var raw map[string]string
	if err := c.doGet(ctx, EndpointRegionNames, "/api/vis/regions/names/", req.values(), &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// FetchTags lists every model tag with its group
func (c *HTTPClient) FetchTags(ctx context.Context, req TagListRequest) ([]models.Tag, error) {
	var out []models.Tag
	if err := c.doGet(ctx, EndpointTags, "/api/vis/tags/", url.Values{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchModels lists model summaries with their tag ids
func (c *HTTPClient) FetchModels(ctx context.Context, req ModelListRequest) ([]models.ModelSummary, error) {
	var out []models.ModelSummary
	if err := c.doGet(ctx, EndpointModels, "/api/vis/models/", req.values(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchPredictions lists prediction summaries with scores
func (c *HTTPClient) FetchPredictions(ctx context.Context, req PredictionListRequest) ([]models.PredictionSummary, error) {
	var wire []predictionWire
	if err := c.doGet(ctx, EndpointPredictions, "/api/vis/predictions/", req.values(), &wire); err != nil {
		return nil, err
	}
	out := make([]models.PredictionSummary, len(wire))
	for i, w := range wire {
		out[i] = w.summary()
	}
	return out, nil
}

// FetchCases returns the observed case series for a region and window
func (c *HTTPClient) FetchCases(ctx context.Context, req CaseSeriesRequest) (models.CaseSeries, error) {
	var out models.CaseSeries
	if err := c.doGet(ctx, EndpointCases, "/api/vis/cases/", req.values(), &out); err != nil {
		return models.CaseSeries{}, err
	}
	if len(out.Labels) != len(out.Values) {
		return models.CaseSeries{}, fmt.Errorf("cases response has %d labels and %d values", len(out.Labels), len(out.Values))
	}
	return out, nil
}

// FetchPredictionSeries returns the time series of a single prediction
func (c *HTTPClient) FetchPredictionSeries(ctx context.Context, req PredictionSeriesRequest) (models.PredictionSeries, error) {
	var out models.PredictionSeries
	path := fmt.Sprintf("/api/vis/predictions/%d/series/", req.ID)
	if err := c.doGet(ctx, EndpointPredictionSeries, path, req.values(), &out); err != nil {
		return models.PredictionSeries{}, err
	}
	if out.ID == 0 {
		out.ID = req.ID
	}
	return out, nil
}

// FetchSprints lists sprint years
func (c *HTTPClient) FetchSprints(ctx context.Context, req SprintListRequest) ([]int, error) {
	var out []int
	if err := c.doGet(ctx, EndpointSprints, "/api/vis/sprints/", req.values(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ensure HTTPClient implements Client
var _ Client = (*HTTPClient)(nil)
