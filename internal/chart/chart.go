// Package chart holds the case chart of one dashboard: the observed case
// series plus at most one overlay per selected prediction.
package chart

import (
	"sync"

	"github.com/mosqlimate/arbodash/internal/errors"
	"github.com/mosqlimate/arbodash/internal/models"
)

// Palette is the overlay color cycle
var Palette = []string{
	"#1f77b4", "#ff7f0e", "#2ca02c", "#d62728", "#9467bd",
	"#8c564b", "#e377c2", "#7f7f7f", "#bcbd22", "#17becf",
}

// ColorFor returns the overlay color of a prediction id. It depends only on
// the id so colors survive reordering.
func ColorFor(id int) string {
	if id < 0 {
		id = -id
	}
	return Palette[id%len(Palette)]
}

// EventType names a chart mutation
type EventType string

const (
	EventCases              EventType = "chart_cases"
	EventPredictionAdded    EventType = "chart_prediction_added"
	EventPredictionRemoved  EventType = "chart_prediction_removed"
	EventCleared            EventType = "chart_cleared"
	EventPredictionsCleared EventType = "chart_predictions_cleared"
)

// Event describes one chart mutation
type Event struct {
	Type         EventType                `json:"type"`
	Cases        *models.CaseSeries       `json:"cases,omitempty"`
	Prediction   *models.PredictionSeries `json:"prediction,omitempty"`
	PredictionID int                      `json:"prediction_id,omitempty"`
}

// Sink receives chart events
type Sink interface {
	ChartEvent(Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(Event)

// ChartEvent calls f(e)
func (f SinkFunc) ChartEvent(e Event) {
	f(e)
}

// View is a snapshot of the chart
type View struct {
	Labels      []string                  `json:"labels"`
	Values      []float64                 `json:"values"`
	Predictions []models.PredictionSeries `json:"predictions"`
}

// Chart is safe for concurrent use. Events are emitted after the lock is
// released, in mutation order per goroutine.
type Chart struct {
	mu          sync.Mutex
	cases       models.CaseSeries
	predictions []models.PredictionSeries
	sink        Sink
}

// New creates an empty chart. sink may be nil.
func New(sink Sink) *Chart {
	return &Chart{sink: sink}
}

func (c *Chart) emit(e Event) {
	if c.sink != nil {
		c.sink.ChartEvent(e)
	}
}

// UpdateCases replaces the case series and keeps every overlay
func (c *Chart) UpdateCases(labels []string, values []float64) error {
	if len(labels) != len(values) {
		return errors.Validationf("case series has %d labels and %d values", len(labels), len(values))
	}
	series := models.CaseSeries{
		Labels: append([]string(nil), labels...),
		Values: append([]float64(nil), values...),
	}

	c.mu.Lock()
	c.cases = series
	c.mu.Unlock()

	c.emit(Event{Type: EventCases, Cases: &series})
	return nil
}

// AddPrediction adds an overlay, or replaces the one with the same id in
// place. A replaced overlay keeps its color.
func (c *Chart) AddPrediction(series models.PredictionSeries) {
	if series.Color == "" {
		series.Color = ColorFor(series.ID)
	}

	c.mu.Lock()
	replaced := false
	for i := range c.predictions {
		if c.predictions[i].ID == series.ID {
			series.Color = c.predictions[i].Color
			c.predictions[i] = series
			replaced = true
			break
		}
	}
	if !replaced {
		c.predictions = append(c.predictions, series)
	}
	c.mu.Unlock()

	c.emit(Event{Type: EventPredictionAdded, Prediction: &series})
}

// RemovePrediction drops an overlay and reports whether it existed
func (c *Chart) RemovePrediction(id int) bool {
	c.mu.Lock()
	found := false
	for i := range c.predictions {
		if c.predictions[i].ID == id {
			c.predictions = append(c.predictions[:i], c.predictions[i+1:]...)
			found = true
			break
		}
	}
	c.mu.Unlock()

	if found {
		c.emit(Event{Type: EventPredictionRemoved, PredictionID: id})
	}
	return found
}

// Clear empties cases and overlays
func (c *Chart) Clear() {
	c.mu.Lock()
	c.cases = models.CaseSeries{}
	c.predictions = nil
	c.mu.Unlock()

	c.emit(Event{Type: EventCleared})
}

// ClearPredictions drops every overlay and keeps the cases
func (c *Chart) ClearPredictions() {
	c.mu.Lock()
	had := len(c.predictions) > 0
	c.predictions = nil
	c.mu.Unlock()

	if had {
		c.emit(Event{Type: EventPredictionsCleared})
	}
}

// Has reports whether an overlay exists for id
func (c *Chart) Has(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.predictions {
		if p.ID == id {
			return true
		}
	}
	return false
}

// PredictionIDs returns overlay ids in insertion order
func (c *Chart) PredictionIDs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int, len(c.predictions))
	for i, p := range c.predictions {
		ids[i] = p.ID
	}
	return ids
}

// View returns a copy of the chart. Overlay series share their backing arrays.
func (c *Chart) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := View{
		Labels:      append([]string{}, c.cases.Labels...),
		Values:      append([]float64{}, c.cases.Values...),
		Predictions: make([]models.PredictionSeries, len(c.predictions)),
	}
	copy(v.Predictions, c.predictions)
	return v
}

// Empty reports whether there is nothing to draw
func (c *Chart) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cases.Labels) == 0 && len(c.predictions) == 0
}
