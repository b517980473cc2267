package services

import (
	"context"
	"io"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mosqlimate/arbodash/internal/chart"
	"github.com/mosqlimate/arbodash/internal/errors"
	"github.com/mosqlimate/arbodash/internal/logger"
	"github.com/mosqlimate/arbodash/internal/models"
	"github.com/mosqlimate/arbodash/internal/store"
	"github.com/mosqlimate/arbodash/pkg/mosqlimate"
)

// Phase is the orchestrator state of a dashboard
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseIdle         Phase = "idle"
	PhaseDirty        Phase = "dirty"
)

// Widget containers that carry a loading flag
const (
	ContainerChart       = "chart"
	ContainerPredictions = "predictions"
	ContainerModels      = "models"
	ContainerFilters     = "filters"
)

// Message types published on a dashboard topic
const (
	MessageLoading = "loading"
	MessageChart   = "chart"
	MessageState   = "state"
	MessageError   = "error"
)

// Fetch keys with their own generation counter
const (
	fetchKnown   = "known"
	fetchCatalog = "catalog"
	fetchLists   = "lists"
	fetchCases   = "cases"
)

// Namespace describes one dashboard flavor a client can mount
type Namespace struct {
	Name     string `json:"name"`
	Sprint   bool   `json:"sprint"`
	Deferred bool   `json:"deferred"`
}

// Topic is the websocket topic of a client's dashboard
func Topic(clientID, namespace string) string {
	return clientID + "/" + namespace
}

// LoadingEvent is the payload of a loading message
type LoadingEvent struct {
	Container string `json:"container"`
	Loading   bool   `json:"loading"`
}

// ErrorEvent is the payload of an error message
type ErrorEvent struct {
	Container string `json:"container"`
	Message   string `json:"message"`
}

// StateEvent is the payload of a state message
type StateEvent struct {
	Phase   Phase                 `json:"phase"`
	State   models.DashboardState `json:"state"`
	Pending bool                  `json:"pending"`
}

// DashboardView is everything a presentation layer needs to render
type DashboardView struct {
	Namespace   string                `json:"namespace"`
	Phase       Phase                 `json:"phase"`
	State       models.DashboardState `json:"state"`
	Pending     bool                  `json:"pending"`
	Filters     FilterOptions         `json:"filters"`
	Tags        []TagButton           `json:"tags"`
	Models      []ModelRow            `json:"models"`
	Predictions TablePage             `json:"predictions"`
	Chart       chart.View            `json:"chart"`
	Loading     map[string]bool       `json:"loading"`
	Errors      map[string]string     `json:"errors"`
}

// BatchResult reports which predictions a select-batch added
type BatchResult struct {
	Selected []int `json:"selected"`
	Failed   []int `json:"failed"`
}

type syncPlan struct {
	catalog  bool
	lists    bool
	cases    bool
	overlays bool
	rollback bool
}

func (p syncPlan) empty() bool {
	return !p.catalog && !p.lists && !p.cases && !p.overlays
}

func planSync(prev, next models.DashboardState) syncPlan {
	pl, pok := prev.Level()
	nl, nok := next.Level()
	disease := prev.Disease != next.Disease
	level := pok != nok || pl != nl
	region := prev.Region() != next.Region()
	window := prev.StartWindowDate != next.StartWindowDate || prev.EndWindowDate != next.EndWindowDate
	sprint := prev.Sprint != next.Sprint
	caseDef := prev.CaseDefinition != next.CaseDefinition
	selection := !models.SameIDs(prev.SelectedModelIDs, next.SelectedModelIDs) ||
		!models.SameIDs(prev.SelectedTagIDs, next.SelectedTagIDs)
	predictions := !models.SameIDs(prev.SelectedPredictionIDs, next.SelectedPredictionIDs)

	return syncPlan{
		catalog:  disease || level || sprint,
		lists:    disease || level || region || sprint || caseDef || selection,
		cases:    disease || level || region || window || caseDef,
		overlays: predictions,
		rollback: predictions,
	}
}

// Dashboard is one mounted dashboard: a persisted selection, the lists
// derived from it and a chart kept in sync with both.
type Dashboard struct {
	mu       sync.Mutex
	log      logger.Logger
	api      mosqlimate.Client
	store    *store.Store
	chart    *chart.Chart
	notifier Notifier
	ns       Namespace
	topic    string

	initialized bool
	inflight    int
	diseases    []models.Disease
	known       []models.PredictionSummary
	names       map[string]string
	catalog     *Catalog
	filter      *ModelFilter
	candidates  []models.PredictionSummary
	sprints     []int
	query       TableQuery
	applied     models.DashboardState
	gens        map[string]uint64
	loading     map[string]bool
	errs        map[string]string
}

// NewDashboard creates a dashboard over an opened store. Call Init before use.
func NewDashboard(log logger.Logger, api mosqlimate.Client, st *store.Store, ns Namespace, notifier Notifier) *Dashboard {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	d := &Dashboard{
		log:      log.With("client", st.ClientID(), "namespace", ns.Name),
		api:      api,
		store:    st,
		notifier: notifier,
		ns:       ns,
		topic:    Topic(st.ClientID(), ns.Name),
		names:    make(map[string]string),
		catalog:  NewCatalog(nil, nil),
		gens:     make(map[string]uint64),
		loading:  make(map[string]bool),
		errs:     make(map[string]string),
	}
	d.filter = NewModelFilter(d.catalog, nil, nil)
	d.chart = chart.New(chart.SinkFunc(func(e chart.Event) {
		d.notifier.Publish(d.topic, MessageChart, e)
	}))
	return d
}

// Namespace returns the dashboard namespace
func (d *Dashboard) Namespace() Namespace {
	return d.ns
}

// Topic returns the websocket topic of the dashboard
func (d *Dashboard) Topic() string {
	return d.topic
}

// Chart returns the dashboard chart
func (d *Dashboard) Chart() *chart.Chart {
	return d.chart
}

// Init resolves defaults in dependency order and performs the first fetch
// of every widget. Intermediate default writes do not trigger fetches.
func (d *Dashboard) Init(ctx context.Context) error {
	d.mu.Lock()
	d.initialized = false
	d.mu.Unlock()

	diseases, err := d.api.FetchDiseases(ctx, mosqlimate.DiseaseListRequest{Sprint: d.ns.Sprint})
	if err != nil {
		d.log.Warn("Failed to fetch diseases", "error", err)
	}

	d.mu.Lock()
	d.diseases = diseases
	_, err = d.store.Update(ctx, func(s *models.DashboardState) error {
		if len(diseases) > 0 && !hasDisease(diseases, s.Disease) {
			s.Disease = diseases[0].Code
		}
		if s.AdmLevel == nil {
			s.AdmLevel = models.Level(DefaultLevel)
		}
		return nil
	})
	d.mu.Unlock()
	if err != nil {
		return err
	}

	// A superseded fetch is retried. After the last attempt Init proceeds with
	// the cached options.
	for attempt := 1; ; attempt++ {
		k := d.fetchKnown(ctx, d.store.State())
		d.mu.Lock()
		ok := d.commitKnownLocked(k)
		d.mu.Unlock()
		if ok || attempt == maxKnownAttempts {
			break
		}
	}

	d.mu.Lock()
	level, _ := d.store.State().Level()
	_, err = d.store.Update(ctx, func(s *models.DashboardState) error {
		return ApplyLevel(s, d.known, level)
	})
	d.mu.Unlock()
	if err != nil {
		return err
	}

	d.refreshCatalog(ctx)
	missing := d.refreshLists(ctx)
	d.refreshCases(ctx)
	d.fetchOverlays(ctx, missing, false)

	d.mu.Lock()
	d.initialized = true
	d.applied = d.store.State()
	applied := d.applied
	d.publishStateLocked()
	d.mu.Unlock()
	d.log.Info("Dashboard initialized", "disease", applied.Disease, "region", applied.Region())
	return nil
}

func hasDisease(list []models.Disease, code string) bool {
	for _, dis := range list {
		if dis.Code == code {
			return true
		}
	}
	return false
}

// knownOptions is a fetched but not yet committed region option set
type knownOptions struct {
	gen     uint64
	disease string
	known   []models.PredictionSummary
	names   map[string]string
	err     error
}

// maxKnownAttempts bounds how often Init refetches superseded region options
const maxKnownAttempts = 3

// fetchKnown fetches every prediction of the state's disease at any level
// and the names of their regions. Nothing is stored until commitKnownLocked.
func (d *Dashboard) fetchKnown(ctx context.Context, st models.DashboardState) knownOptions {
	d.mu.Lock()
	k := knownOptions{gen: d.begin(fetchKnown), disease: st.Disease, names: make(map[string]string)}
	cached := make(map[string]bool, len(d.names))
	for code := range d.names {
		cached[code] = true
	}
	d.setLoadingLocked(ContainerFilters, true)
	d.mu.Unlock()

	known, err := d.api.FetchPredictions(ctx, mosqlimate.PredictionListRequest{
		Disease:        st.Disease,
		CaseDefinition: st.CaseDefinition,
		Sprint:         st.Sprint,
	})
	if err != nil {
		d.log.Warn("Failed to fetch region options", "disease", st.Disease, "error", err)
		k.err = err
		return k
	}
	k.known = known

	byLevel := geocodesByLevel(known)
	for _, level := range []models.AdmLevel{models.AdmCountry, models.AdmState, models.AdmMunicipality} {
		var missing []string
		for _, code := range byLevel[level] {
			if !cached[code] {
				missing = append(missing, code)
			}
		}
		if len(missing) == 0 {
			continue
		}
		resolved, err := d.api.FetchRegionNames(ctx, mosqlimate.RegionNamesRequest{AdmLevel: level, Geocodes: missing})
		if err != nil {
			d.log.Warn("Failed to resolve region names", "adm_level", level, "error", err)
			continue
		}
		for code, name := range resolved {
			k.names[code] = name
		}
	}
	return k
}

// commitKnownLocked stores k as the region option cache. It returns false
// and stores nothing when a newer fetch started. Caller holds d.mu.
func (d *Dashboard) commitKnownLocked(k knownOptions) bool {
	if !d.current(fetchKnown, k.gen) {
		d.log.Debug("Discarding stale region options", "disease", k.disease)
		return false
	}
	d.setLoadingLocked(ContainerFilters, false)
	if k.err != nil {
		d.failLocked(ContainerFilters, k.err)
	} else {
		d.clearErrLocked(ContainerFilters)
	}
	d.known = k.known
	for code, name := range k.names {
		d.names[code] = name
	}
	return true
}

// dropKnownLocked ends the loading state of a fetch whose result is not
// used. Caller holds d.mu.
func (d *Dashboard) dropKnownLocked(k knownOptions) {
	if d.current(fetchKnown, k.gen) {
		d.setLoadingLocked(ContainerFilters, false)
	}
}

// begin starts a fetch for key and returns its generation. Caller holds d.mu.
func (d *Dashboard) begin(key string) uint64 {
	d.gens[key]++
	return d.gens[key]
}

// current reports whether gen is still the latest fetch for key. Caller holds d.mu.
func (d *Dashboard) current(key string, gen uint64) bool {
	return d.gens[key] == gen
}

func (d *Dashboard) setLoadingLocked(container string, loading bool) {
	if d.loading[container] == loading {
		return
	}
	d.loading[container] = loading
	d.notifier.Publish(d.topic, MessageLoading, LoadingEvent{Container: container, Loading: loading})
}

func (d *Dashboard) failLocked(container string, err error) {
	d.errs[container] = err.Error()
	d.notifier.Publish(d.topic, MessageError, ErrorEvent{Container: container, Message: err.Error()})
}

func (d *Dashboard) clearErrLocked(container string) {
	delete(d.errs, container)
}

func (d *Dashboard) phaseLocked() Phase {
	switch {
	case !d.initialized:
		return PhaseInitializing
	case d.inflight > 0:
		return PhaseDirty
	case d.ns.Deferred && !d.store.State().Equal(d.applied):
		return PhaseDirty
	}
	return PhaseIdle
}

func (d *Dashboard) publishStateLocked() {
	st := d.store.State()
	d.notifier.Publish(d.topic, MessageState, StateEvent{
		Phase:   d.phaseLocked(),
		State:   st,
		Pending: !st.Equal(d.applied),
	})
}

// refreshCatalog refetches tags and models and restores the model/tag
// selection against them
func (d *Dashboard) refreshCatalog(ctx context.Context) {
	d.mu.Lock()
	st := d.store.State()
	gen := d.begin(fetchCatalog)
	d.setLoadingLocked(ContainerModels, true)
	d.mu.Unlock()

	var (
		tags     []models.Tag
		list     []models.ModelSummary
		tagErr   error
		modelErr error
	)
	var g errgroup.Group
	g.Go(func() error {
		tags, tagErr = d.api.FetchTags(ctx, mosqlimate.TagListRequest{})
		return tagErr
	})
	g.Go(func() error {
		list, modelErr = d.api.FetchModels(ctx, mosqlimate.ModelListRequest{
			Disease:  st.Disease,
			AdmLevel: st.AdmLevel,
			Sprint:   st.Sprint,
		})
		return modelErr
	})
	err := g.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.current(fetchCatalog, gen) {
		d.log.Debug("Discarding stale model catalog")
		return
	}
	d.setLoadingLocked(ContainerModels, false)
	if err != nil {
		d.log.Warn("Failed to fetch model catalog", "error", err)
		d.failLocked(ContainerModels, err)
		d.catalog = NewCatalog(nil, nil)
		d.filter = NewModelFilter(d.catalog, nil, nil)
		return
	}
	d.clearErrLocked(ContainerModels)

	d.catalog = NewCatalog(list, tags)
	cur := d.store.State()
	d.filter = NewModelFilter(d.catalog, cur.SelectedModelIDs, cur.SelectedTagIDs)
	if err := d.filter.Check(); err != nil {
		d.log.Warn("Model selection inconsistent after restore", "error", err)
	}
	if _, err := d.store.Update(ctx, func(s *models.DashboardState) error {
		s.SelectedModelIDs = d.filter.Models()
		s.SelectedTagIDs = d.filter.Tags()
		return nil
	}); err != nil {
		d.log.Error("Failed to store restored model selection", "error", err)
	}
}

// refreshLists refetches candidate predictions and sprint years in
// parallel, prunes stale prediction selections and returns the selected ids
// that still need an overlay
func (d *Dashboard) refreshLists(ctx context.Context) []int {
	d.mu.Lock()
	st := d.store.State()
	gen := d.begin(fetchLists)
	d.setLoadingLocked(ContainerPredictions, true)
	d.mu.Unlock()

	req := mosqlimate.PredictionListRequest{
		Disease:        st.Disease,
		AdmLevel:       st.AdmLevel,
		Region:         st.Region(),
		CaseDefinition: st.CaseDefinition,
		Sprint:         st.Sprint,
	}
	if len(st.SelectedModelIDs) > 0 {
		req.ModelIDs = st.SelectedModelIDs
	} else {
		req.TagIDs = st.SelectedTagIDs
	}

	var (
		candidates []models.PredictionSummary
		sprints    []int
		candErr    error
		sprintErr  error
	)
	var g errgroup.Group
	g.Go(func() error {
		candidates, candErr = d.api.FetchPredictions(ctx, req)
		return candErr
	})
	g.Go(func() error {
		sprints, sprintErr = d.api.FetchSprints(ctx, mosqlimate.SprintListRequest{
			Disease:  st.Disease,
			AdmLevel: st.AdmLevel,
			Region:   st.Region(),
		})
		return sprintErr
	})
	if err := g.Wait(); err != nil {
		d.log.Warn("List refresh failed", "error", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.current(fetchLists, gen) {
		d.log.Debug("Discarding stale prediction list")
		return nil
	}
	d.setLoadingLocked(ContainerPredictions, false)

	if sprintErr != nil {
		sprints = nil
	}
	d.sprints = sprints
	if candErr != nil {
		d.failLocked(ContainerPredictions, candErr)
		d.candidates = nil
		return nil
	}
	d.clearErrLocked(ContainerPredictions)
	d.candidates = candidates

	cur := d.store.State()
	kept, dropped := PruneSelection(cur.SelectedPredictionIDs, candidates)
	if len(dropped) > 0 {
		d.log.Info("Pruning stale prediction selections", "ids", dropped)
		if _, err := d.store.Update(ctx, func(s *models.DashboardState) error {
			s.SelectedPredictionIDs = kept
			return nil
		}); err != nil {
			d.log.Error("Failed to store pruned selection", "error", err)
		}
	}
	return d.overlayDiffLocked()
}

// overlayDiffLocked drops overlays of unselected predictions and returns the
// selected ids that have no overlay yet
func (d *Dashboard) overlayDiffLocked() []int {
	selected := d.store.State().SelectedPredictionIDs
	for _, id := range d.chart.PredictionIDs() {
		if !models.ContainsID(selected, id) {
			d.chart.RemovePrediction(id)
		}
	}
	var missing []int
	for _, id := range selected {
		if !d.chart.Has(id) {
			missing = append(missing, id)
		}
	}
	return missing
}

// refreshCases refetches the case series, or clears the chart without a
// request when filters are incomplete
func (d *Dashboard) refreshCases(ctx context.Context) {
	d.mu.Lock()
	st := d.store.State()
	gen := d.begin(fetchCases)
	if !st.FiltersComplete() {
		d.setLoadingLocked(ContainerChart, false)
		d.chart.Clear()
		d.mu.Unlock()
		return
	}
	level, _ := st.Level()
	req := mosqlimate.CaseSeriesRequest{
		Disease:        st.Disease,
		AdmLevel:       level,
		Region:         st.Region(),
		Start:          st.StartWindowDate,
		End:            st.EndWindowDate,
		CaseDefinition: st.CaseDefinition,
	}
	d.setLoadingLocked(ContainerChart, true)
	d.mu.Unlock()

	series, err := d.api.FetchCases(ctx, req)

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.current(fetchCases, gen) {
		d.log.Debug("Discarding stale case series", "region", req.Region, "adm_level", req.AdmLevel)
		return
	}
	d.setLoadingLocked(ContainerChart, false)
	if err != nil {
		d.log.Warn("Failed to fetch cases", "region", req.Region, "error", err)
		d.failLocked(ContainerChart, err)
		d.chart.Clear()
		return
	}
	if err := d.chart.UpdateCases(series.Labels, series.Values); err != nil {
		d.log.Warn("Rejected case series", "error", err)
		d.failLocked(ContainerChart, err)
		d.chart.Clear()
		return
	}
	d.clearErrLocked(ContainerChart)
}

// fetchOverlays fetches the series of ids concurrently and adds them to the
// chart. With rollback, ids whose fetch failed are unselected again.
func (d *Dashboard) fetchOverlays(ctx context.Context, ids []int, rollback bool) ([]int, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	d.mu.Lock()
	st := d.store.State()
	level, _ := st.Level()
	reqs := make([]mosqlimate.PredictionSeriesRequest, len(ids))
	for i, id := range ids {
		req := mosqlimate.PredictionSeriesRequest{ID: id, Disease: st.Disease, AdmLevel: level, Region: st.Region()}
		if p, ok := findPrediction(d.candidates, id); ok {
			req.Disease = p.Disease
			req.AdmLevel = p.AdmLevel
			req.Region = p.RegionAt(p.AdmLevel)
		}
		reqs[i] = req
	}
	d.setLoadingLocked(ContainerChart, true)
	d.mu.Unlock()

	results := make([]models.PredictionSeries, len(ids))
	errs := make([]error, len(ids))
	var g errgroup.Group
	g.SetLimit(BatchSize)
	for i := range ids {
		g.Go(func() error {
			results[i], errs[i] = d.api.FetchPredictionSeries(ctx, reqs[i])
			return nil
		})
	}
	g.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.setLoadingLocked(ContainerChart, false)

	selected := d.store.State().SelectedPredictionIDs
	var failed []int
	var firstErr error
	for i, id := range ids {
		if errs[i] != nil {
			d.log.Warn("Failed to fetch prediction series", "prediction", id, "error", errs[i])
			failed = append(failed, id)
			if firstErr == nil {
				firstErr = errs[i]
			}
			continue
		}
		if !models.ContainsID(selected, id) {
			continue
		}
		s := results[i]
		s.ID = id
		s.Color = chart.ColorFor(id)
		d.chart.AddPrediction(s)
	}
	if len(failed) == 0 {
		return nil, nil
	}
	d.failLocked(ContainerChart, firstErr)
	if rollback {
		if _, err := d.store.Update(ctx, func(s *models.DashboardState) error {
			for _, id := range failed {
				s.SelectedPredictionIDs = models.RemoveID(s.SelectedPredictionIDs, id)
			}
			return nil
		}); err != nil {
			d.log.Error("Failed to roll back prediction selection", "error", err)
		}
	}
	return failed, errors.Upstream("prediction series", firstErr)
}

// sync brings every widget in line with the move from prev to next
func (d *Dashboard) sync(ctx context.Context, prev, next models.DashboardState) ([]int, error) {
	plan := planSync(prev, next)
	if plan.empty() {
		return nil, nil
	}

	d.mu.Lock()
	d.inflight++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.inflight--
		d.mu.Unlock()
	}()

	if plan.catalog {
		before := d.store.State()
		d.refreshCatalog(ctx)
		after := d.store.State()
		if !models.SameIDs(before.SelectedModelIDs, after.SelectedModelIDs) ||
			!models.SameIDs(before.SelectedTagIDs, after.SelectedTagIDs) {
			plan.lists = true
		}
	}

	var missing []int
	if plan.lists {
		missing = d.refreshLists(ctx)
	} else if plan.overlays {
		d.mu.Lock()
		missing = d.overlayDiffLocked()
		d.mu.Unlock()
	}
	if plan.cases {
		d.refreshCases(ctx)
	}
	return d.fetchOverlays(ctx, missing, plan.rollback)
}

// afterMutation syncs right away unless the namespace is deferred
func (d *Dashboard) afterMutation(ctx context.Context, prev, next models.DashboardState) ([]int, error) {
	if d.ns.Deferred {
		d.mu.Lock()
		d.publishStateLocked()
		d.mu.Unlock()
		return nil, nil
	}
	failed, err := d.sync(context.WithoutCancel(ctx), prev, next)

	d.mu.Lock()
	d.applied = d.store.State()
	d.publishStateLocked()
	d.mu.Unlock()
	return failed, err
}

// mutate applies fn to the persisted state under the dashboard lock
func (d *Dashboard) mutate(ctx context.Context, fn func(*models.DashboardState) error) (prev, next models.DashboardState, changed bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return prev, next, false, errors.Conflictf("dashboard %s is still initializing", d.ns.Name)
	}
	prev = d.store.State()
	changed, err = d.store.Update(ctx, fn)
	next = d.store.State()
	return prev, next, changed, err
}

// ChangeFilters applies a partial filter update. A change of disease, sprint
// flag or case definition reloads the region options first.
func (d *Dashboard) ChangeFilters(ctx context.Context, ch FilterChange) (models.DashboardState, error) {
	if ch.Empty() {
		return d.State(), nil
	}

	d.mu.Lock()
	initialized := d.initialized
	d.mu.Unlock()
	if !initialized {
		return d.State(), errors.Conflictf("dashboard %s is still initializing", d.ns.Name)
	}

	cur := d.store.State()
	tentative := cur.Clone()
	if ch.Disease != nil {
		tentative.Disease = *ch.Disease
	}
	if ch.Sprint != nil {
		tentative.Sprint = *ch.Sprint
	}
	if ch.CaseDefinition != nil {
		tentative.CaseDefinition = *ch.CaseDefinition
	}
	if ch.Disease != nil {
		d.mu.Lock()
		known := len(d.diseases) == 0 || hasDisease(d.diseases, *ch.Disease)
		d.mu.Unlock()
		if !known {
			return cur, errors.Validationf("unknown disease %q", *ch.Disease)
		}
	}
	var pending *knownOptions
	if tentative.Disease != cur.Disease || tentative.Sprint != cur.Sprint || tentative.CaseDefinition != cur.CaseDefinition {
		if ch.CaseDefinition != nil && !ch.CaseDefinition.Valid() {
			return cur, errors.Validationf("unknown case_definition %q", *ch.CaseDefinition)
		}
		k := d.fetchKnown(ctx, tentative)
		pending = &k
	}

	// The option cache only changes together with the state it belongs to
	prev, next, changed, err := d.mutate(ctx, func(s *models.DashboardState) error {
		if pending == nil {
			return ApplyFilterChange(s, ch, d.known)
		}
		if !d.current(fetchKnown, pending.gen) {
			return errors.Conflictf("region options for %s were superseded", pending.disease)
		}
		return ApplyFilterChange(s, ch, pending.known)
	})
	if pending != nil {
		d.mu.Lock()
		if err != nil {
			d.dropKnownLocked(*pending)
		} else {
			d.commitKnownLocked(*pending)
		}
		d.mu.Unlock()
	}
	if err != nil {
		return d.State(), err
	}
	if !changed {
		return next, nil
	}
	d.log.Debug("Filters changed", "disease", next.Disease, "region", next.Region())
	_, err = d.afterMutation(ctx, prev, next)
	return d.State(), err
}

// reconcile runs a model/tag operation and stores the resulting selection
func (d *Dashboard) reconcile(ctx context.Context, op func(*ModelFilter) error) error {
	d.mu.Lock()
	if !d.initialized {
		d.mu.Unlock()
		return errors.Conflictf("dashboard %s is still initializing", d.ns.Name)
	}
	prev := d.store.State()
	if err := op(d.filter); err != nil {
		d.mu.Unlock()
		return err
	}
	_, err := d.store.Update(ctx, func(s *models.DashboardState) error {
		s.SelectedModelIDs = d.filter.Models()
		s.SelectedTagIDs = d.filter.Tags()
		return nil
	})
	if err != nil {
		d.filter = NewModelFilter(d.catalog, prev.SelectedModelIDs, prev.SelectedTagIDs)
		d.mu.Unlock()
		return err
	}
	next := d.store.State()
	d.mu.Unlock()

	_, err = d.afterMutation(ctx, prev, next)
	return err
}

// SelectTag selects a tag
func (d *Dashboard) SelectTag(ctx context.Context, id int) error {
	return d.reconcile(ctx, func(f *ModelFilter) error { return f.SelectTag(id) })
}

// DeselectTag deselects a tag
func (d *Dashboard) DeselectTag(ctx context.Context, id int) error {
	return d.reconcile(ctx, func(f *ModelFilter) error { return f.DeselectTag(id) })
}

// SelectModel selects a model
func (d *Dashboard) SelectModel(ctx context.Context, id int) error {
	return d.reconcile(ctx, func(f *ModelFilter) error { return f.SelectModel(id) })
}

// DeselectModel deselects a model
func (d *Dashboard) DeselectModel(ctx context.Context, id int) error {
	return d.reconcile(ctx, func(f *ModelFilter) error { return f.DeselectModel(id) })
}

// SelectPrediction adds a prediction overlay. If its series cannot be
// fetched the selection is rolled back and an upstream error returned.
func (d *Dashboard) SelectPrediction(ctx context.Context, id int) error {
	d.mu.Lock()
	_, known := findPrediction(d.candidates, id)
	d.mu.Unlock()
	if !known {
		return errors.NotFoundf("prediction %d is not a candidate", id)
	}

	prev, next, changed, err := d.mutate(ctx, func(s *models.DashboardState) error {
		s.SelectedPredictionIDs = models.AddID(s.SelectedPredictionIDs, id)
		return nil
	})
	if err != nil || !changed {
		return err
	}
	_, err = d.afterMutation(ctx, prev, next)
	return err
}

// DeselectPrediction removes a prediction overlay
func (d *Dashboard) DeselectPrediction(ctx context.Context, id int) error {
	prev, next, changed, err := d.mutate(ctx, func(s *models.DashboardState) error {
		s.SelectedPredictionIDs = models.RemoveID(s.SelectedPredictionIDs, id)
		return nil
	})
	if err != nil || !changed {
		return err
	}
	_, err = d.afterMutation(ctx, prev, next)
	return err
}

// SelectBatch selects the first BatchSize unselected predictions of the
// current table page and fetches their series concurrently
func (d *Dashboard) SelectBatch(ctx context.Context) (BatchResult, error) {
	d.mu.Lock()
	st := d.store.State()
	q, _ := d.query.Normalize(st.ScoreMetric)
	batch := NextBatch(BuildTable(d.candidates, st.SelectedPredictionIDs, q), BatchSize)
	d.mu.Unlock()

	result := BatchResult{Selected: []int{}, Failed: []int{}}
	if len(batch) == 0 {
		return result, nil
	}
	prev, next, _, err := d.mutate(ctx, func(s *models.DashboardState) error {
		for _, id := range batch {
			s.SelectedPredictionIDs = models.AddID(s.SelectedPredictionIDs, id)
		}
		return nil
	})
	if err != nil {
		return result, err
	}
	failed, err := d.afterMutation(ctx, prev, next)
	for _, id := range batch {
		if models.ContainsID(failed, id) {
			result.Failed = append(result.Failed, id)
		} else {
			result.Selected = append(result.Selected, id)
		}
	}
	if len(result.Selected) > 0 {
		// a partial batch is still a success
		err = nil
	}
	return result, err
}

// SetScoreMetric switches the ranking metric. It only re-sorts.
func (d *Dashboard) SetScoreMetric(ctx context.Context, metric models.ScoreMetric) error {
	if !metric.Valid() {
		return errors.InvalidInputf("unknown score metric %q", metric)
	}
	prev, next, changed, err := d.mutate(ctx, func(s *models.DashboardState) error {
		s.ScoreMetric = metric
		return nil
	})
	if err != nil || !changed {
		return err
	}
	d.mu.Lock()
	d.query.Metric = ""
	d.mu.Unlock()
	_, err = d.afterMutation(ctx, prev, next)
	return err
}

// Predictions returns a page of the prediction table and remembers the query
// as the current view for SelectBatch. An empty metric follows the state.
func (d *Dashboard) Predictions(q TableQuery) (TablePage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.store.State()
	normalized, err := q.Normalize(st.ScoreMetric)
	if err != nil {
		return TablePage{}, err
	}
	d.query = q
	return BuildTable(d.candidates, st.SelectedPredictionIDs, normalized), nil
}

// Pending reports whether the live state diverged from the last applied one
func (d *Dashboard) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.store.State().Equal(d.applied)
}

// Apply syncs every change made since the last apply
func (d *Dashboard) Apply(ctx context.Context) error {
	d.mu.Lock()
	if !d.initialized {
		d.mu.Unlock()
		return errors.Conflictf("dashboard %s is still initializing", d.ns.Name)
	}
	prev := d.applied
	next := d.store.State()
	d.mu.Unlock()

	_, err := d.sync(context.WithoutCancel(ctx), prev, next)

	d.mu.Lock()
	d.applied = d.store.State()
	d.publishStateLocked()
	d.mu.Unlock()
	return err
}

// Reset restores the defaults and reinitializes every widget
func (d *Dashboard) Reset(ctx context.Context) error {
	d.mu.Lock()
	err := d.store.Reset(ctx)
	if err == nil {
		d.chart.Clear()
	}
	d.mu.Unlock()
	if err != nil {
		return err
	}
	return d.Init(ctx)
}

// State returns the live state
func (d *Dashboard) State() models.DashboardState {
	return d.store.State()
}

// Phase returns the orchestrator phase
func (d *Dashboard) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phaseLocked()
}

// RenderChart writes the chart as PNG
func (d *Dashboard) RenderChart(w io.Writer, width, height int) error {
	return d.chart.RenderPNG(w, width, height)
}

// View returns a snapshot of every widget
func (d *Dashboard) View() DashboardView {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.store.State()
	opts := BuildOptions(st, d.known, d.names)
	opts.Diseases = append([]models.Disease{}, d.diseases...)
	opts.Sprints = append([]int{}, d.sprints...)
	sort.Ints(opts.Sprints)

	q, _ := d.query.Normalize(st.ScoreMetric)
	loading := make(map[string]bool, len(d.loading))
	for k, v := range d.loading {
		loading[k] = v
	}
	errs := make(map[string]string, len(d.errs))
	for k, v := range d.errs {
		errs[k] = v
	}
	return DashboardView{
		Namespace:   d.ns.Name,
		Phase:       d.phaseLocked(),
		State:       st,
		Pending:     !st.Equal(d.applied),
		Filters:     opts,
		Tags:        d.filter.Buttons(),
		Models:      d.filter.VisibleModels(),
		Predictions: BuildTable(d.candidates, st.SelectedPredictionIDs, q),
		Chart:       d.chart.View(),
		Loading:     loading,
		Errors:      errs,
	}
}

type nopNotifier struct{}

func (nopNotifier) Publish(string, string, interface{}) {}
