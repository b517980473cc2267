package services

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mosqlimate/arbodash/internal/chart"
	"github.com/mosqlimate/arbodash/internal/errors"
	"github.com/mosqlimate/arbodash/internal/logger"
	"github.com/mosqlimate/arbodash/internal/models"
	"github.com/mosqlimate/arbodash/internal/repository"
	"github.com/mosqlimate/arbodash/internal/testutil"
	"github.com/mosqlimate/arbodash/pkg/mosqlimate"
)

var testNow = time.Date(2023, 3, 10, 12, 0, 0, 0, time.UTC)

type published struct {
	topic   string
	msgType string
	payload interface{}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []published
}

func (n *recordingNotifier) Publish(topic, msgType string, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, published{topic, msgType, payload})
}

func (n *recordingNotifier) last(msgType string) (published, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.events) - 1; i >= 0; i-- {
		if n.events[i].msgType == msgType {
			return n.events[i], true
		}
	}
	return published{}, false
}

func newTestManager(t *testing.T, api mosqlimate.Client) (*Manager, *repository.Repository) {
	t.Helper()
	repo := testutil.NewTestRepository(t)
	m := NewManager(logger.Discard(), api, repo, ManagerConfig{Now: func() time.Time { return testNow }})
	return m, repo
}

func persistState(t *testing.T, repo *repository.Repository, clientID, ns string, st models.DashboardState) {
	t.Helper()
	meta := models.PersistedMeta{Timestamp: testNow.UnixMilli()}
	if err := repo.Save(context.Background(), clientID, ns, st, meta); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
}

func mount(t *testing.T, m *Manager, clientID, ns string) *Dashboard {
	t.Helper()
	d, err := m.Mount(context.Background(), clientID, ns)
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	return d
}

func TestDashboard_InitDefaults(t *testing.T) {
	m, _ := newTestManager(t, mosqlimate.NewMockClient())
	d := mount(t, m, "client-a", "predictions")

	st := d.State()
	if st.Disease != "dengue" {
		t.Errorf("expected first disease, got %q", st.Disease)
	}
	if lvl, ok := st.Level(); !ok || lvl != models.AdmMunicipality {
		t.Errorf("expected municipality level, got %v", st.AdmLevel)
	}
	if st.Adm1 != "33" || st.Adm2 != "3304557" {
		t.Errorf("expected first state and city, got %q/%q", st.Adm1, st.Adm2)
	}
	if st.StartWindowDate != DefaultMinDate || st.EndWindowDate != "2023-03-10" {
		t.Errorf("unexpected window %s..%s", st.StartWindowDate, st.EndWindowDate)
	}
	if d.Phase() != PhaseIdle || d.Pending() {
		t.Errorf("expected idle and applied, got %s pending=%v", d.Phase(), d.Pending())
	}

	view := d.View()
	if view.Predictions.Total != 3 {
		t.Errorf("expected 3 Rio candidates, got %d", view.Predictions.Total)
	}
	if len(view.Models) != 2 {
		t.Errorf("expected the two municipality dengue models, got %d", len(view.Models))
	}
	if view.Filters.Cities[0].Name != "Rio de Janeiro" {
		t.Errorf("expected resolved city name, got %+v", view.Filters.Cities)
	}
	if len(view.Chart.Labels) == 0 {
		t.Error("expected case series on the chart")
	}
}

func TestDashboard_RestoredStateFetchesCasesOnce(t *testing.T) {
	api := mosqlimate.NewMockClient()
	m, repo := newTestManager(t, api)
	persistState(t, repo, "client-a", "predictions", rioState())

	d := mount(t, m, "client-a", "predictions")

	cases := api.CaseRequests()
	if len(cases) != 1 {
		t.Fatalf("expected exactly one case fetch, got %d", len(cases))
	}
	req := cases[0]
	if req.Disease != "dengue" || req.AdmLevel != models.AdmMunicipality || req.Region != "3304557" ||
		req.Start != "2023-01-01" || req.End != "2023-03-03" {
		t.Errorf("unexpected case request %+v", req)
	}

	api.ResetCalls()
	if err := d.SelectPrediction(context.Background(), 1796); err != nil {
		t.Fatalf("SelectPrediction failed: %v", err)
	}
	if n := api.TotalCalls(); n != 1 {
		t.Errorf("expected one more fetch, got %d: %+v", n, api.Calls())
	}
	if n := len(api.SeriesRequests()); n != 1 {
		t.Errorf("expected one series fetch, got %d", n)
	}

	view := d.Chart().View()
	if len(view.Predictions) != 1 {
		t.Fatalf("expected one overlay, got %d", len(view.Predictions))
	}
	if view.Predictions[0].ID != 1796 || view.Predictions[0].Color != chart.Palette[1796%len(chart.Palette)] {
		t.Errorf("unexpected overlay %d color %s", view.Predictions[0].ID, view.Predictions[0].Color)
	}
}

func TestDashboard_LevelChangeClearsCityWithoutCityFetch(t *testing.T) {
	api := mosqlimate.NewMockClient()
	m, repo := newTestManager(t, api)
	persistState(t, repo, "client-a", "predictions", rioState())
	d := mount(t, m, "client-a", "predictions")
	api.ResetCalls()

	st, err := d.ChangeFilters(context.Background(), FilterChange{AdmLevel: models.Level(models.AdmState)})
	if err != nil {
		t.Fatalf("ChangeFilters failed: %v", err)
	}
	if st.Adm2 != "" || st.Adm1 != "33" {
		t.Errorf("expected adm_2 cleared and adm_1 kept, got %q/%q", st.Adm1, st.Adm2)
	}
	for _, req := range api.CaseRequests() {
		if req.Region == "3304557" {
			t.Errorf("unexpected city-level case fetch %+v", req)
		}
	}
	if cases := api.CaseRequests(); len(cases) != 1 || cases[0].Region != "33" || cases[0].AdmLevel != models.AdmState {
		t.Errorf("expected one state-level case fetch, got %+v", cases)
	}
}

func TestDashboard_SelectBatch(t *testing.T) {
	api := mosqlimate.NewMockClient(mosqlimate.WithPredictions(mosqlimate.GenerateMockPredictions(15, 100)))
	m, _ := newTestManager(t, api)
	d := mount(t, m, "client-a", "predictions")
	api.ResetCalls()

	result, err := d.SelectBatch(context.Background())
	if err != nil {
		t.Fatalf("SelectBatch failed: %v", err)
	}
	if len(result.Selected) != BatchSize || len(result.Failed) != 0 {
		t.Errorf("expected %d selected, got %+v", BatchSize, result)
	}
	if n := len(api.SeriesRequests()); n != BatchSize {
		t.Errorf("expected %d series fetches, got %d", BatchSize, n)
	}
	st := d.State()
	if len(st.SelectedPredictionIDs) != BatchSize {
		t.Errorf("expected %d selected ids, got %v", BatchSize, st.SelectedPredictionIDs)
	}
	// best MAE first: ids 100..109
	for _, id := range st.SelectedPredictionIDs {
		if id < 100 || id > 109 {
			t.Errorf("unexpected selection %d", id)
		}
	}

	page, _ := d.Predictions(TableQuery{})
	unselected := 0
	for _, row := range page.Rows {
		if !row.Selected {
			unselected++
		}
	}
	if unselected != 5 {
		t.Errorf("expected 5 unselected rows, got %d", unselected)
	}
	if n := len(d.Chart().PredictionIDs()); n != BatchSize {
		t.Errorf("expected %d overlays, got %d", BatchSize, n)
	}
}

func TestDashboard_StaleCaseResponseDiscarded(t *testing.T) {
	var armed atomic.Bool
	started := make(chan struct{})
	release := make(chan struct{})
	api := mosqlimate.NewMockClient(mosqlimate.WithHook(func(endpoint string, req interface{}) {
		if endpoint == mosqlimate.EndpointCases && armed.CompareAndSwap(true, false) {
			close(started)
			<-release
		}
	}))
	m, repo := newTestManager(t, api)
	persistState(t, repo, "client-a", "predictions", rioState())
	d := mount(t, m, "client-a", "predictions")

	armed.Store(true)
	done := make(chan error, 1)
	go func() {
		_, err := d.ChangeFilters(context.Background(), FilterChange{Adm2: strPtr("3550308")})
		done <- err
	}()
	<-started

	ch := FilterChange{StartWindowDate: strPtr("2023-02-05"), EndWindowDate: strPtr("2023-03-03")}
	if _, err := d.ChangeFilters(context.Background(), ch); err != nil {
		t.Fatalf("ChangeFilters failed: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first ChangeFilters failed: %v", err)
	}

	labels := d.Chart().View().Labels
	if len(labels) != 4 || labels[0] != "2023-02-05" {
		t.Errorf("expected the newer window to win, got %v", labels)
	}
	if st := d.State(); st.Adm2 != "3550308" || st.Adm1 != "35" {
		t.Errorf("expected São Paulo selected, got %q/%q", st.Adm1, st.Adm2)
	}
}

func TestDashboard_RejectedDiseaseChangeKeepsRegionOptions(t *testing.T) {
	m, repo := newTestManager(t, mosqlimate.NewMockClient())
	persistState(t, repo, "client-a", "predictions", rioState())
	d := mount(t, m, "client-a", "predictions")

	before := d.View().Filters
	if len(before.States) == 0 || len(before.Cities) == 0 {
		t.Fatalf("expected region options for dengue, got %+v", before)
	}

	// zika has no predictions, so accepting it would empty the options
	ch := FilterChange{Disease: strPtr("zika"), StartWindowDate: strPtr("not-a-date")}
	if _, err := d.ChangeFilters(context.Background(), ch); !errors.Is(err, errors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if st := d.State(); st.Disease != "dengue" || st.Adm2 != "3304557" {
		t.Errorf("expected Rio dengue state kept, got %+v", st)
	}
	view := d.View()
	if len(view.Filters.States) != len(before.States) || len(view.Filters.Cities) != len(before.Cities) {
		t.Errorf("expected region options kept, got %d states and %d cities", len(view.Filters.States), len(view.Filters.Cities))
	}
	if view.Loading[ContainerFilters] {
		t.Error("expected filters not loading")
	}

	if _, err := d.ChangeFilters(context.Background(), FilterChange{Adm1: strPtr("35"), Adm2: strPtr("3550308")}); err != nil {
		t.Fatalf("ChangeFilters after rejection failed: %v", err)
	}
	if st := d.State(); st.Adm2 != "3550308" {
		t.Errorf("expected São Paulo selected, got %q", st.Adm2)
	}
}

func TestDashboard_ChangeFiltersDuringResetDoesNotStallInit(t *testing.T) {
	var armed atomic.Bool
	started := make(chan struct{})
	release := make(chan struct{})
	api := mosqlimate.NewMockClient(mosqlimate.WithHook(func(endpoint string, req interface{}) {
		if endpoint != mosqlimate.EndpointPredictions {
			return
		}
		// region options are fetched without an adm_level
		if r, ok := req.(mosqlimate.PredictionListRequest); ok && r.AdmLevel == nil && armed.CompareAndSwap(true, false) {
			close(started)
			<-release
		}
	}))
	m, repo := newTestManager(t, api)
	persistState(t, repo, "client-a", "predictions", rioState())
	d := mount(t, m, "client-a", "predictions")

	armed.Store(true)
	done := make(chan error, 1)
	go func() {
		done <- d.Reset(context.Background())
	}()
	<-started

	_, err := d.ChangeFilters(context.Background(), FilterChange{Disease: strPtr("zika")})
	if !errors.Is(err, errors.ErrConflict) {
		t.Errorf("expected conflict while initializing, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	if p := d.Phase(); p != PhaseIdle {
		t.Errorf("expected idle after reset, got %s", p)
	}
	if st := d.State(); st.Disease != "dengue" {
		t.Errorf("expected dengue after reset, got %q", st.Disease)
	}
	if err := d.SelectPrediction(context.Background(), 1796); err != nil {
		t.Errorf("SelectPrediction after reset failed: %v", err)
	}
}

func TestDashboard_SeriesFailureRollsBack(t *testing.T) {
	api := mosqlimate.NewMockClient()
	m, _ := newTestManager(t, api)
	d := mount(t, m, "client-a", "predictions")

	api.SetError(mosqlimate.EndpointPredictionSeries, stderrors.New("API returned status 500"))
	err := d.SelectPrediction(context.Background(), 1796)
	if !errors.Is(err, errors.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if ids := d.State().SelectedPredictionIDs; len(ids) != 0 {
		t.Errorf("expected selection rolled back, got %v", ids)
	}
	if d.Chart().Has(1796) {
		t.Error("expected no overlay")
	}
	if msg := d.View().Errors[ContainerChart]; msg == "" {
		t.Error("expected chart error recorded")
	}
}

func TestDashboard_SelectUnknownPrediction(t *testing.T) {
	m, _ := newTestManager(t, mosqlimate.NewMockClient())
	d := mount(t, m, "client-a", "predictions")

	// 1801 is São Paulo, not a candidate for Rio
	if err := d.SelectPrediction(context.Background(), 1801); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestDashboard_IncompleteFiltersClearChartWithoutRequest(t *testing.T) {
	api := mosqlimate.NewMockClient(mosqlimate.WithPredictions(nil))
	m, _ := newTestManager(t, api)
	d := mount(t, m, "client-a", "predictions")

	if n := len(api.CaseRequests()); n != 0 {
		t.Errorf("expected no case fetch, got %d", n)
	}
	if d.State().FiltersComplete() {
		t.Error("expected incomplete filters")
	}
	if !d.Chart().Empty() {
		t.Error("expected empty chart")
	}
}

func TestDashboard_PrunesStaleSelections(t *testing.T) {
	api := mosqlimate.NewMockClient()
	m, repo := newTestManager(t, api)
	st := rioState()
	st.SelectedPredictionIDs = []int{1796, 9999}
	persistState(t, repo, "client-a", "predictions", st)

	d := mount(t, m, "client-a", "predictions")

	if ids := d.State().SelectedPredictionIDs; len(ids) != 1 || ids[0] != 1796 {
		t.Errorf("expected stale id pruned, got %v", ids)
	}
	if !d.Chart().Has(1796) {
		t.Error("expected restored overlay")
	}
	if n := len(api.SeriesRequests()); n != 1 {
		t.Errorf("expected one series fetch, got %d", n)
	}

	persisted, _, _ := repo.Load(context.Background(), "client-a")
	if ids := persisted.Namespaces["predictions"].SelectedPredictionIDs; len(ids) != 1 {
		t.Errorf("expected pruned selection persisted, got %v", ids)
	}
}

func TestDashboard_DeselectPredictionRemovesOverlay(t *testing.T) {
	api := mosqlimate.NewMockClient()
	m, _ := newTestManager(t, api)
	d := mount(t, m, "client-a", "predictions")
	ctx := context.Background()

	d.SelectPrediction(ctx, 1796)
	d.SelectPrediction(ctx, 1797)
	api.ResetCalls()

	if err := d.DeselectPrediction(ctx, 1796); err != nil {
		t.Fatalf("DeselectPrediction failed: %v", err)
	}
	if d.Chart().Has(1796) || !d.Chart().Has(1797) {
		t.Errorf("unexpected overlays %v", d.Chart().PredictionIDs())
	}
	if n := api.TotalCalls(); n != 0 {
		t.Errorf("expected no fetch for a deselect, got %d", n)
	}
}

func TestDashboard_ScoreMetricOnlyResorts(t *testing.T) {
	api := mosqlimate.NewMockClient()
	m, _ := newTestManager(t, api)
	d := mount(t, m, "client-a", "predictions")
	ctx := context.Background()
	api.ResetCalls()

	if err := d.SetScoreMetric(ctx, "accuracy"); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("expected invalid input, got %v", err)
	}
	if err := d.SetScoreMetric(ctx, models.MetricCRPS); err != nil {
		t.Fatalf("SetScoreMetric failed: %v", err)
	}
	if n := api.TotalCalls(); n != 0 {
		t.Errorf("expected no fetch, got %d", n)
	}
	page, _ := d.Predictions(TableQuery{})
	if page.Metric != models.MetricCRPS || page.Rows[0].ID != 1796 {
		t.Errorf("expected crps ranking led by 1796, got %s %d", page.Metric, page.Rows[0].ID)
	}
}

func TestDashboard_ModelSelectionNarrowsCandidates(t *testing.T) {
	api := mosqlimate.NewMockClient()
	m, _ := newTestManager(t, api)
	d := mount(t, m, "client-a", "predictions")
	ctx := context.Background()

	if err := d.SelectModel(ctx, 3); err != nil {
		t.Fatalf("SelectModel failed: %v", err)
	}
	st := d.State()
	if !models.SameIDs(st.SelectedModelIDs, []int{3}) {
		t.Errorf("expected model 3 selected, got %v", st.SelectedModelIDs)
	}
	if !models.ContainsID(st.SelectedTagIDs, mosqlimate.TagBayesian) {
		t.Errorf("expected model tags selected, got %v", st.SelectedTagIDs)
	}
	page, _ := d.Predictions(TableQuery{})
	if page.Total != 2 {
		t.Errorf("expected the two BayesCasting predictions, got %d", page.Total)
	}

	if err := d.DeselectModel(ctx, 3); err != nil {
		t.Fatalf("DeselectModel failed: %v", err)
	}
	if st := d.State(); len(st.SelectedModelIDs) != 0 || len(st.SelectedTagIDs) != 0 {
		t.Errorf("expected empty selection, got %v %v", st.SelectedModelIDs, st.SelectedTagIDs)
	}
}

func TestDashboard_DeferredNamespaceWaitsForApply(t *testing.T) {
	api := mosqlimate.NewMockClient()
	m, _ := newTestManager(t, api)
	d := mount(t, m, "client-a", "dashboard")
	ctx := context.Background()
	api.ResetCalls()

	if err := d.SelectPrediction(ctx, 1796); err != nil {
		t.Fatalf("SelectPrediction failed: %v", err)
	}
	if n := api.TotalCalls(); n != 0 {
		t.Errorf("expected no fetch before apply, got %d", n)
	}
	if !d.Pending() || d.Phase() != PhaseDirty {
		t.Errorf("expected pending dirty dashboard, got pending=%v phase=%s", d.Pending(), d.Phase())
	}

	if err := d.Apply(ctx); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if n := len(api.SeriesRequests()); n != 1 {
		t.Errorf("expected one series fetch on apply, got %d", n)
	}
	if d.Pending() || d.Phase() != PhaseIdle {
		t.Errorf("expected applied idle dashboard, got pending=%v phase=%s", d.Pending(), d.Phase())
	}
}

func TestDashboard_PublishesState(t *testing.T) {
	notifier := &recordingNotifier{}
	m, _ := newTestManager(t, mosqlimate.NewMockClient())
	m.SetNotifier(notifier)
	d := mount(t, m, "client-a", "predictions")

	d.SelectPrediction(context.Background(), 1797)

	ev, ok := notifier.last(MessageState)
	if !ok {
		t.Fatal("expected a state message")
	}
	if ev.topic != "client-a/predictions" {
		t.Errorf("unexpected topic %q", ev.topic)
	}
	state := ev.payload.(StateEvent)
	if state.Phase != PhaseIdle || state.Pending || !models.ContainsID(state.State.SelectedPredictionIDs, 1797) {
		t.Errorf("unexpected state event %+v", state)
	}
	if _, ok := notifier.last(MessageChart); !ok {
		t.Error("expected chart messages")
	}
}

func TestDashboard_Reset(t *testing.T) {
	m, repo := newTestManager(t, mosqlimate.NewMockClient())
	st := rioState()
	st.SelectedPredictionIDs = []int{1796}
	persistState(t, repo, "client-a", "predictions", st)
	d := mount(t, m, "client-a", "predictions")

	if err := d.Reset(context.Background()); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if got := d.State(); len(got.SelectedPredictionIDs) != 0 || got.StartWindowDate != DefaultMinDate {
		t.Errorf("expected defaults, got %+v", got)
	}
	if d.Chart().Has(1796) {
		t.Error("expected overlays cleared")
	}
}

func TestDashboard_ChangeFiltersRejectsUnknownDisease(t *testing.T) {
	m, _ := newTestManager(t, mosqlimate.NewMockClient())
	d := mount(t, m, "client-a", "predictions")

	_, err := d.ChangeFilters(context.Background(), FilterChange{Disease: strPtr("malaria")})
	if !errors.Is(err, errors.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestPlanSync(t *testing.T) {
	base := rioState()

	window := base.Clone()
	window.EndWindowDate = "2023-04-01"
	if p := planSync(base, window); !p.cases || p.lists || p.catalog || p.overlays {
		t.Errorf("window change: unexpected plan %+v", p)
	}

	metric := base.Clone()
	metric.ScoreMetric = models.MetricCRPS
	if p := planSync(base, metric); !p.empty() {
		t.Errorf("metric change: expected empty plan, got %+v", p)
	}

	reordered := base.Clone()
	base.SelectedPredictionIDs = []int{1796, 1797}
	reordered.SelectedPredictionIDs = []int{1797, 1796}
	if p := planSync(base, reordered); !p.empty() {
		t.Errorf("reordered ids: expected empty plan, got %+v", p)
	}
}
