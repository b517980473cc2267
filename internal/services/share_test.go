package services

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/mosqlimate/arbodash/internal/errors"
	"github.com/mosqlimate/arbodash/internal/models"
	"github.com/mosqlimate/arbodash/pkg/mosqlimate"
)

func TestShareURL_RoundTrip(t *testing.T) {
	st := rioState()
	st.SelectedPredictionIDs = []int{1797, 1796}
	st.ScoreMetric = models.MetricCRPS

	link, err := ShareURL("http://10.0.0.5:8080/", "predictions", st)
	if err != nil {
		t.Fatalf("ShareURL failed: %v", err)
	}
	if !strings.HasPrefix(link, "http://10.0.0.5:8080/?") {
		t.Errorf("unexpected link %q", link)
	}

	u, _ := url.Parse(link)
	if !HasShareParams(u.Query()) {
		t.Fatal("expected share params in link")
	}
	view, err := ParseShareQuery(u.Query())
	if err != nil {
		t.Fatalf("ParseShareQuery failed: %v", err)
	}
	if view.Namespace != "predictions" || view.Disease != "dengue" || view.Adm2 != "3304557" {
		t.Errorf("unexpected view %+v", view)
	}
	if view.AdmLevel == nil || *view.AdmLevel != models.AdmMunicipality {
		t.Errorf("unexpected level %v", view.AdmLevel)
	}
	if view.Start != "2023-01-01" || view.End != "2023-03-03" || view.Metric != models.MetricCRPS {
		t.Errorf("unexpected window or metric %+v", view)
	}
	if len(view.Predictions) != 2 || view.Predictions[0] != 1797 {
		t.Errorf("expected selection order kept, got %v", view.Predictions)
	}
}

func TestShareURL_NotConfigured(t *testing.T) {
	if _, err := ShareURL("", "predictions", rioState()); err != ErrShareNotConfigured {
		t.Errorf("expected ErrShareNotConfigured, got %v", err)
	}
}

func TestParseShareQuery_Invalid(t *testing.T) {
	tests := []url.Values{
		{"adm_level": {"7"}},
		{"adm_level": {"two"}},
		{"metric": {"accuracy"}},
		{"predictions": {"1796,abc"}},
	}
	for _, v := range tests {
		if _, err := ParseShareQuery(v); !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("%v: expected invalid input, got %v", v, err)
		}
	}
	if HasShareParams(url.Values{"ns": {"predictions"}}) {
		t.Error("namespace alone is not a share link")
	}
}

func TestShareQR(t *testing.T) {
	png, err := ShareQR("http://10.0.0.5:8080/?ns=predictions", 0)
	if err != nil {
		t.Fatalf("ShareQR failed: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Error("expected PNG output")
	}
}

func TestDashboard_ApplyShared(t *testing.T) {
	api := mosqlimate.NewMockClient()
	m, _ := newTestManager(t, api)
	d := mount(t, m, "client-b", "predictions")

	view := SharedView{
		Namespace:   "predictions",
		Disease:     "dengue",
		AdmLevel:    models.Level(models.AdmState),
		Adm1:        "33",
		Start:       "2023-01-01",
		End:         "2023-04-30",
		Predictions: []int{2002, 1796},
		Metric:      models.MetricWIS,
	}
	result, err := d.ApplyShared(context.Background(), view)
	if err != nil {
		t.Fatalf("ApplyShared failed: %v", err)
	}
	// 1796 is a municipality prediction and is not a candidate at state level
	if len(result.Selected) != 1 || result.Selected[0] != 2002 {
		t.Errorf("unexpected result %+v", result)
	}

	st := d.State()
	if lvl, _ := st.Level(); lvl != models.AdmState || st.Adm1 != "33" || st.Adm2 != "" {
		t.Errorf("unexpected region %+v", st)
	}
	if st.ScoreMetric != models.MetricWIS || st.EndWindowDate != "2023-04-30" {
		t.Errorf("unexpected metric or window %+v", st)
	}
	if !d.Chart().Has(2002) {
		t.Error("expected shared overlay on the chart")
	}
}
