package services

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/skip2/go-qrcode"

	"github.com/mosqlimate/arbodash/internal/errors"
	"github.com/mosqlimate/arbodash/internal/models"
)

// Share link query parameters
const (
	shareNamespace   = "ns"
	shareDisease     = "disease"
	shareLevel       = "adm_level"
	shareAdm1        = "adm_1"
	shareAdm2        = "adm_2"
	shareStart       = "start"
	shareEnd         = "end"
	sharePredictions = "predictions"
	shareMetric      = "metric"
)

// SharedView is a dashboard selection decoded from a share link
type SharedView struct {
	Namespace   string             `json:"namespace"`
	Disease     string             `json:"disease"`
	AdmLevel    *models.AdmLevel   `json:"adm_level"`
	Adm1        string             `json:"adm_1"`
	Adm2        string             `json:"adm_2"`
	Start       string             `json:"start"`
	End         string             `json:"end"`
	Predictions []int              `json:"predictions"`
	Metric      models.ScoreMetric `json:"metric"`
}

// ShareURL builds a link that reproduces the state's selection
func ShareURL(baseURL, namespace string, st models.DashboardState) (string, error) {
	if baseURL == "" {
		return "", ErrShareNotConfigured
	}
	v := url.Values{}
	v.Set(shareNamespace, namespace)
	if st.Disease != "" {
		v.Set(shareDisease, st.Disease)
	}
	if level, ok := st.Level(); ok {
		v.Set(shareLevel, strconv.Itoa(int(level)))
	}
	if st.Adm1 != "" {
		v.Set(shareAdm1, st.Adm1)
	}
	if st.Adm2 != "" {
		v.Set(shareAdm2, st.Adm2)
	}
	if st.StartWindowDate != "" {
		v.Set(shareStart, st.StartWindowDate)
	}
	if st.EndWindowDate != "" {
		v.Set(shareEnd, st.EndWindowDate)
	}
	if len(st.SelectedPredictionIDs) > 0 {
		ids := make([]string, len(st.SelectedPredictionIDs))
		for i, id := range st.SelectedPredictionIDs {
			ids[i] = strconv.Itoa(id)
		}
		v.Set(sharePredictions, strings.Join(ids, ","))
	}
	if st.ScoreMetric != "" {
		v.Set(shareMetric, string(st.ScoreMetric))
	}
	return fmt.Sprintf("%s/?%s", strings.TrimSuffix(baseURL, "/"), v.Encode()), nil
}

// ShareQR encodes a share link as a PNG QR code
func ShareQR(link string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultQRSize
	}
	return qrcode.Encode(link, qrcode.Medium, size)
}

// HasShareParams reports whether a query carries any share parameter
func HasShareParams(v url.Values) bool {
	for _, key := range []string{shareDisease, shareLevel, shareAdm1, shareAdm2, shareStart, shareEnd, sharePredictions, shareMetric} {
		if v.Get(key) != "" {
			return true
		}
	}
	return false
}

// ParseShareQuery decodes share link parameters
func ParseShareQuery(v url.Values) (SharedView, error) {
	view := SharedView{
		Namespace: v.Get(shareNamespace),
		Disease:   v.Get(shareDisease),
		Adm1:      v.Get(shareAdm1),
		Adm2:      v.Get(shareAdm2),
		Start:     v.Get(shareStart),
		End:       v.Get(shareEnd),
		Metric:    models.ScoreMetric(v.Get(shareMetric)),
	}
	if raw := v.Get(shareLevel); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || !models.AdmLevel(n).Valid() {
			return view, errors.InvalidInputf("invalid adm_level %q", raw)
		}
		view.AdmLevel = models.Level(models.AdmLevel(n))
	}
	if view.Metric != "" && !view.Metric.Valid() {
		return view, errors.InvalidInputf("unknown score metric %q", view.Metric)
	}
	if raw := v.Get(sharePredictions); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return view, errors.InvalidInputf("invalid prediction id %q", part)
			}
			view.Predictions = models.AddID(view.Predictions, id)
		}
	}
	return view, nil
}

// FilterChange converts the shared filters into a partial update
func (v SharedView) FilterChange() FilterChange {
	var ch FilterChange
	if v.Disease != "" {
		ch.Disease = &v.Disease
	}
	if v.AdmLevel != nil {
		level := *v.AdmLevel
		ch.AdmLevel = &level
	}
	if v.Adm2 != "" {
		ch.Adm2 = &v.Adm2
	} else if v.Adm1 != "" {
		ch.Adm1 = &v.Adm1
	}
	if v.Start != "" {
		ch.StartWindowDate = &v.Start
	}
	if v.End != "" {
		ch.EndWindowDate = &v.End
	}
	return ch
}

// ApplyShared loads a shared selection: filters first, then the metric, then
// every shared prediction that is a candidate under those filters. Shared
// predictions that are not candidates are ignored.
func (d *Dashboard) ApplyShared(ctx context.Context, view SharedView) (BatchResult, error) {
	result := BatchResult{Selected: []int{}, Failed: []int{}}
	if _, err := d.ChangeFilters(ctx, view.FilterChange()); err != nil {
		return result, err
	}
	if view.Metric != "" {
		if err := d.SetScoreMetric(ctx, view.Metric); err != nil {
			return result, err
		}
	}

	d.mu.Lock()
	var ids []int
	for _, id := range view.Predictions {
		if _, ok := findPrediction(d.candidates, id); ok {
			ids = append(ids, id)
		}
	}
	d.mu.Unlock()
	if len(ids) == 0 {
		return result, nil
	}

	prev, next, _, err := d.mutate(ctx, func(s *models.DashboardState) error {
		for _, id := range ids {
			s.SelectedPredictionIDs = models.AddID(s.SelectedPredictionIDs, id)
		}
		return nil
	})
	if err != nil {
		return result, err
	}
	failed, err := d.afterMutation(ctx, prev, next)
	for _, id := range ids {
		if models.ContainsID(failed, id) {
			result.Failed = append(result.Failed, id)
		} else {
			result.Selected = append(result.Selected, id)
		}
	}
	d.log.Info("Shared view applied", "region", next.Region(), "predictions", result.Selected)
	if len(result.Selected) > 0 {
		err = nil
	}
	return result, err
}
