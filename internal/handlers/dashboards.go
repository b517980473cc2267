package handlers

import (
	"bytes"
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mosqlimate/arbodash/internal/auth"
	"github.com/mosqlimate/arbodash/internal/models"
	"github.com/mosqlimate/arbodash/internal/services"
)

// mount returns the caller's dashboard for the ns URL parameter, mounting it
// on first use. On failure the error response is already written.
func (h *Handlers) mount(w http.ResponseWriter, r *http.Request) (*services.Dashboard, bool) {
	d, err := h.Dashboards.Mount(r.Context(), auth.ClientID(w, r), chi.URLParam(r, "ns"))
	if err != nil {
		respondError(w, err)
		return nil, false
	}
	return d, true
}

func (h *Handlers) handleListNamespaces(w http.ResponseWriter, r *http.Request) {
	respondOK(w, map[string]interface{}{
		"namespaces": h.Dashboards.Namespaces(),
	})
}

// ==================== Dashboard ====================

// handleGetDashboard mounts the dashboard and returns every widget. Share
// link parameters in the query are applied first.
func (h *Handlers) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	d, ok := h.mount(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	if !services.HasShareParams(query) {
		respondOK(w, d.View())
		return
	}
	view, err := services.ParseShareQuery(query)
	if err != nil {
		respondError(w, err)
		return
	}
	result, err := d.ApplyShared(r.Context(), view)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, SharedDashboardResponse{DashboardView: d.View(), Shared: &result})
}

func (h *Handlers) handleUnmountDashboard(w http.ResponseWriter, r *http.Request) {
	if !h.Dashboards.Unmount(auth.ClientID(w, r), chi.URLParam(r, "ns")) {
		respondError(w, NotFound("Dashboard is not mounted"))
		return
	}
	respondDeleted(w)
}

func (h *Handlers) handleChangeFilters(w http.ResponseWriter, r *http.Request) {
	var req services.FilterChange
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Empty() {
		respondError(w, BadRequest("No filter fields given"))
		return
	}

	d, ok := h.mount(w, r)
	if !ok {
		return
	}
	if _, err := d.ChangeFilters(r.Context(), req); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, d.View())
}

func (h *Handlers) handleResetDashboard(w http.ResponseWriter, r *http.Request) {
	d, ok := h.mount(w, r)
	if !ok {
		return
	}
	if err := d.Reset(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, d.View())
}

// ==================== Tags, Models & Predictions ====================

// selection runs op with the id URL parameter and responds with the view
func (h *Handlers) selection(w http.ResponseWriter, r *http.Request, op func(d *services.Dashboard) func(context.Context, int) error) {
	id, err := parseIntParam(r, "id")
	if err != nil {
		respondError(w, err)
		return
	}
	d, ok := h.mount(w, r)
	if !ok {
		return
	}
	if err := op(d)(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, d.View())
}

func (h *Handlers) handleSelectTag(w http.ResponseWriter, r *http.Request) {
	h.selection(w, r, func(d *services.Dashboard) func(context.Context, int) error { return d.SelectTag })
}

func (h *Handlers) handleDeselectTag(w http.ResponseWriter, r *http.Request) {
	h.selection(w, r, func(d *services.Dashboard) func(context.Context, int) error { return d.DeselectTag })
}

func (h *Handlers) handleSelectModel(w http.ResponseWriter, r *http.Request) {
	h.selection(w, r, func(d *services.Dashboard) func(context.Context, int) error { return d.SelectModel })
}

func (h *Handlers) handleDeselectModel(w http.ResponseWriter, r *http.Request) {
	h.selection(w, r, func(d *services.Dashboard) func(context.Context, int) error { return d.DeselectModel })
}

func (h *Handlers) handleSelectPrediction(w http.ResponseWriter, r *http.Request) {
	h.selection(w, r, func(d *services.Dashboard) func(context.Context, int) error { return d.SelectPrediction })
}

func (h *Handlers) handleDeselectPrediction(w http.ResponseWriter, r *http.Request) {
	h.selection(w, r, func(d *services.Dashboard) func(context.Context, int) error { return d.DeselectPrediction })
}

func (h *Handlers) handleSelectBatch(w http.ResponseWriter, r *http.Request) {
	d, ok := h.mount(w, r)
	if !ok {
		return
	}
	result, err := d.SelectBatch(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, SelectBatchResponse{Selected: result.Selected, Failed: result.Failed, View: d.View()})
}

// handleListPredictions returns one page of the prediction table. The page
// becomes the one select-batch draws from.
func (h *Handlers) handleListPredictions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := services.TableQuery{
		Metric: models.ScoreMetric(query.Get("sort")),
		Order:  services.SortOrder(query.Get("order")),
		Query:  query.Get("q"),
	}
	var err error
	if q.Page, err = queryInt(r, "page"); err != nil {
		respondError(w, err)
		return
	}
	if q.PageSize, err = queryInt(r, "page_size"); err != nil {
		respondError(w, err)
		return
	}
	if query.Get("sprint_year") != "" {
		year, err := queryInt(r, "sprint_year")
		if err != nil {
			respondError(w, err)
			return
		}
		q.SprintYear = &year
	}

	d, ok := h.mount(w, r)
	if !ok {
		return
	}
	page, err := d.Predictions(q)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, page)
}

func (h *Handlers) handleSetScoreMetric(w http.ResponseWriter, r *http.Request) {
	var req ScoreMetricRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	d, ok := h.mount(w, r)
	if !ok {
		return
	}
	if err := d.SetScoreMetric(r.Context(), req.Metric); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, d.View())
}

// ==================== Deferred Apply ====================

func (h *Handlers) handleGetPending(w http.ResponseWriter, r *http.Request) {
	d, ok := h.mount(w, r)
	if !ok {
		return
	}
	respondOK(w, PendingResponse{Pending: d.Pending(), Phase: d.Phase()})
}

func (h *Handlers) handleApply(w http.ResponseWriter, r *http.Request) {
	d, ok := h.mount(w, r)
	if !ok {
		return
	}
	if err := d.Apply(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, d.View())
}

// ==================== Chart & Sharing ====================

func (h *Handlers) handleChartPNG(w http.ResponseWriter, r *http.Request) {
	width, err := queryInt(r, "width")
	if err != nil {
		respondError(w, err)
		return
	}
	height, err := queryInt(r, "height")
	if err != nil {
		respondError(w, err)
		return
	}
	d, ok := h.mount(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := d.RenderChart(&buf, width, height); err != nil {
		respondError(w, err)
		return
	}
	respondPNG(w, buf.Bytes())
}

func (h *Handlers) shareLink(w http.ResponseWriter, r *http.Request) (string, bool) {
	d, ok := h.mount(w, r)
	if !ok {
		return "", false
	}
	base, err := h.Settings.GetShareBaseURL(r.Context())
	if err != nil {
		respondError(w, err)
		return "", false
	}
	link, err := services.ShareURL(base, d.Namespace().Name, d.State())
	if err != nil {
		respondError(w, err)
		return "", false
	}
	return link, true
}

func (h *Handlers) handleGetShareLink(w http.ResponseWriter, r *http.Request) {
	link, ok := h.shareLink(w, r)
	if !ok {
		return
	}
	respondOK(w, ShareResponse{URL: link})
}

func (h *Handlers) handleGetShareQR(w http.ResponseWriter, r *http.Request) {
	size, err := queryInt(r, "size")
	if err != nil {
		respondError(w, err)
		return
	}
	link, ok := h.shareLink(w, r)
	if !ok {
		return
	}
	if size == 0 {
		size, _ = h.Settings.GetQRSize(r.Context())
	} else if size < services.MinQRSize || size > services.MaxQRSize {
		respondError(w, services.ErrInvalidQRSize)
		return
	}

	png, err := services.ShareQR(link, size)
	if err != nil {
		respondError(w, err)
		return
	}
	respondPNG(w, png)
}
