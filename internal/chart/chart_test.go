package chart

import (
	"bytes"
	"image/png"
	"sync"
	"testing"

	"github.com/mosqlimate/arbodash/internal/errors"
	"github.com/mosqlimate/arbodash/internal/models"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) ChartEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func series(id int) models.PredictionSeries {
	return models.PredictionSeries{
		ID:    id,
		Dates: []string{"2023-01-01", "2023-01-08", "2023-01-15"},
		Pred:  []float64{10, 12, 14},
		Intervals: []models.Interval{
			{Level: 95, Lower: []float64{8, 9, 10}, Upper: []float64{12, 15, 18}},
		},
	}
}

func TestColorFor_DependsOnlyOnID(t *testing.T) {
	if ColorFor(1796) != Palette[1796%len(Palette)] {
		t.Errorf("unexpected color for 1796: %s", ColorFor(1796))
	}
	if ColorFor(3) != ColorFor(3+len(Palette)) {
		t.Error("expected colors to cycle through the palette")
	}
	if ColorFor(-4) != ColorFor(4) {
		t.Error("expected negative ids to map like positive ones")
	}
}

func TestUpdateCases_KeepsOverlays(t *testing.T) {
	rec := &recorder{}
	c := New(rec)

	c.AddPrediction(series(1796))
	if err := c.UpdateCases([]string{"2023-01-01"}, []float64{120}); err != nil {
		t.Fatalf("UpdateCases failed: %v", err)
	}

	v := c.View()
	if len(v.Labels) != 1 || v.Values[0] != 120 {
		t.Errorf("unexpected cases %+v", v)
	}
	if len(v.Predictions) != 1 {
		t.Errorf("expected overlay kept, got %d", len(v.Predictions))
	}
	got := rec.types()
	if len(got) != 2 || got[1] != EventCases {
		t.Errorf("unexpected events %v", got)
	}
}

func TestUpdateCases_MismatchedLengths(t *testing.T) {
	c := New(nil)
	err := c.UpdateCases([]string{"2023-01-01", "2023-01-08"}, []float64{1})
	if !errors.Is(err, errors.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestAddPrediction_AssignsColorAndReplacesInPlace(t *testing.T) {
	c := New(nil)
	c.AddPrediction(series(1796))
	c.AddPrediction(series(1797))

	updated := series(1796)
	updated.Pred = []float64{1, 2, 3}
	updated.Color = "#000000"
	c.AddPrediction(updated)

	v := c.View()
	if len(v.Predictions) != 2 {
		t.Fatalf("expected one overlay per id, got %d", len(v.Predictions))
	}
	if v.Predictions[0].ID != 1796 || v.Predictions[0].Pred[0] != 1 {
		t.Errorf("expected 1796 replaced in place, got %+v", v.Predictions[0])
	}
	if v.Predictions[0].Color != ColorFor(1796) {
		t.Errorf("expected replaced overlay to keep its color, got %s", v.Predictions[0].Color)
	}
}

func TestRemovePrediction(t *testing.T) {
	rec := &recorder{}
	c := New(rec)
	c.AddPrediction(series(1))
	c.AddPrediction(series(2))

	if !c.RemovePrediction(1) {
		t.Error("expected removal to report true")
	}
	if c.RemovePrediction(1) {
		t.Error("expected second removal to report false")
	}
	if c.Has(1) || !c.Has(2) {
		t.Errorf("unexpected overlays %v", c.PredictionIDs())
	}
	removed := 0
	for _, typ := range rec.types() {
		if typ == EventPredictionRemoved {
			removed++
		}
	}
	if removed != 1 {
		t.Errorf("expected one removal event, got %d", removed)
	}
}

func TestClearAndClearPredictions(t *testing.T) {
	rec := &recorder{}
	c := New(rec)
	c.UpdateCases([]string{"2023-01-01"}, []float64{5})
	c.AddPrediction(series(7))

	c.ClearPredictions()
	if len(c.View().Predictions) != 0 || len(c.View().Labels) != 1 {
		t.Error("expected overlays cleared and cases kept")
	}
	c.ClearPredictions() // no overlays left, no event

	c.Clear()
	if !c.Empty() {
		t.Error("expected empty chart")
	}

	got := rec.types()
	want := []EventType{EventCases, EventPredictionAdded, EventPredictionsCleared, EventCleared}
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestSinkFunc(t *testing.T) {
	var seen EventType
	c := New(SinkFunc(func(e Event) { seen = e.Type }))
	c.Clear()
	if seen != EventCleared {
		t.Errorf("expected SinkFunc to receive event, got %q", seen)
	}
}

func TestView_IsACopy(t *testing.T) {
	c := New(nil)
	c.UpdateCases([]string{"2023-01-01"}, []float64{5})
	v := c.View()
	v.Values[0] = 99
	if c.View().Values[0] != 5 {
		t.Error("expected View to return a copy of the case values")
	}
}

func TestRenderPNG(t *testing.T) {
	c := New(nil)
	c.UpdateCases([]string{"2023-01-01", "2023-01-08", "2023-01-15"}, []float64{100, 110, 130})
	c.AddPrediction(series(1796))

	var buf bytes.Buffer
	if err := c.RenderPNG(&buf, 640, 320); err != nil {
		t.Fatalf("RenderPNG failed: %v", err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("output is not a PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 640 || b.Dy() != 320 {
		t.Errorf("expected 640x320, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestRenderPNG_SinglePoint(t *testing.T) {
	c := New(nil)
	c.UpdateCases([]string{"2023-01-01"}, []float64{42})

	var buf bytes.Buffer
	if err := c.RenderPNG(&buf, 0, 0); err != nil {
		t.Fatalf("RenderPNG failed for a single point: %v", err)
	}
}

func TestRenderPNG_Empty(t *testing.T) {
	var buf bytes.Buffer
	err := New(nil).RenderPNG(&buf, 0, 0)
	if !errors.Is(err, errors.ErrIncomplete) {
		t.Errorf("expected incomplete error for empty chart, got %v", err)
	}
}

func TestRenderPNG_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := New(nil).RenderPNG(&buf, 10000, 100)
	if !errors.Is(err, errors.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestConcurrentMutations(t *testing.T) {
	c := New(&recorder{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.AddPrediction(series(id))
			c.View()
		}(i)
	}
	wg.Wait()
	if len(c.PredictionIDs()) != 20 {
		t.Errorf("expected 20 overlays, got %d", len(c.PredictionIDs()))
	}
}
