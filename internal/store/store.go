// Package store keeps the persisted selection of one dashboard namespace for
// one browser client. Writes go straight through to a Backend.
package store

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/mosqlimate/arbodash/internal/errors"
	"github.com/mosqlimate/arbodash/internal/logger"
	"github.com/mosqlimate/arbodash/internal/models"
)

// DefaultExpiration is how long a client's persisted state stays valid
const DefaultExpiration = 12 * time.Hour

// Backend persists per-client state. Save writes a single namespace and the
// client's timestamp; Clear drops every namespace of the client.
type Backend interface {
	Load(ctx context.Context, clientID string) (models.Persisted, bool, error)
	Save(ctx context.Context, clientID, namespace string, state models.DashboardState, meta models.PersistedMeta) error
	Clear(ctx context.Context, clientID string) error
	Clients(ctx context.Context) ([]models.ClientRecord, error)
}

// Store is the live state of one (client, namespace) pair
type Store struct {
	mu         sync.Mutex
	log        logger.Logger
	backend    Backend
	clientID   string
	namespace  string
	defaults   models.DashboardState
	state      models.DashboardState
	expiration time.Duration
	now        func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now, for expiry tests
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithExpiration overrides DefaultExpiration
func WithExpiration(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.expiration = d
		}
	}
}

// Defaults returns the base state of a namespace before any remote data is
// known. Disease and window are filled in once the catalog is loaded.
func Defaults(sprint bool) models.DashboardState {
	return models.DashboardState{
		Adm0:           "BRA",
		ScoreMetric:    models.MetricMAE,
		Sprint:         sprint,
		CaseDefinition: models.CasesReported,
	}
}

// Open loads the client's persisted object. An expired object is cleared for
// every namespace before defaults are applied.
func Open(ctx context.Context, log logger.Logger, backend Backend, clientID, namespace string, defaults models.DashboardState, opts ...Option) (*Store, error) {
	s := &Store{
		log:        log.With("client", clientID, "namespace", namespace),
		backend:    backend,
		clientID:   clientID,
		namespace:  namespace,
		defaults:   defaults.Clone(),
		expiration: DefaultExpiration,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	persisted, found, err := backend.Load(ctx, clientID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "load dashboard state")
	}

	s.state = s.defaults.Clone()
	if !found {
		return s, nil
	}

	if s.expired(persisted.Meta) {
		s.log.Info("Persisted state expired", "age", s.now().Sub(time.UnixMilli(persisted.Meta.Timestamp)).String())
		if err := backend.Clear(ctx, clientID); err != nil {
			return nil, errors.Wrap(err, errors.ErrInternal, "clear expired state")
		}
		return s, nil
	}

	if saved, ok := persisted.Namespaces[namespace]; ok {
		s.state = withDefaults(saved, s.defaults)
	}
	return s, nil
}

func (s *Store) expired(meta models.PersistedMeta) bool {
	if meta.Timestamp == 0 {
		return true
	}
	return s.now().Sub(time.UnixMilli(meta.Timestamp)) > s.expiration
}

// withDefaults fills fields that were missing from the persisted object.
// A sprint namespace forces the sprint flag on.
func withDefaults(saved, defaults models.DashboardState) models.DashboardState {
	out := saved.Clone()
	if out.Disease == "" {
		out.Disease = defaults.Disease
	}
	if out.AdmLevel == nil && defaults.AdmLevel != nil {
		out.AdmLevel = models.Level(*defaults.AdmLevel)
	}
	if out.Adm0 == "" {
		out.Adm0 = defaults.Adm0
	}
	if out.StartWindowDate == "" {
		out.StartWindowDate = defaults.StartWindowDate
	}
	if out.EndWindowDate == "" {
		out.EndWindowDate = defaults.EndWindowDate
	}
	if !out.ScoreMetric.Valid() {
		out.ScoreMetric = defaults.ScoreMetric
	}
	if !out.CaseDefinition.Valid() {
		out.CaseDefinition = defaults.CaseDefinition
	}
	if defaults.Sprint {
		out.Sprint = true
	}
	return out
}

// ClientID returns the owning client
func (s *Store) ClientID() string {
	return s.clientID
}

// Namespace returns the dashboard namespace
func (s *Store) Namespace() string {
	return s.namespace
}

// State returns a copy of the current state
func (s *Store) State() models.DashboardState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Get returns the value stored under a JSON field name
func (s *Store) Get(key string) (interface{}, bool) {
	st := s.State()
	switch key {
	case "disease":
		return st.Disease, true
	case "adm_level":
		return st.AdmLevel, true
	case "adm_0":
		return st.Adm0, true
	case "adm_1":
		return st.Adm1, true
	case "adm_2":
		return st.Adm2, true
	case "start_window_date":
		return st.StartWindowDate, true
	case "end_window_date":
		return st.EndWindowDate, true
	case "selected_model_ids":
		return st.SelectedModelIDs, true
	case "selected_tag_ids":
		return st.SelectedTagIDs, true
	case "selected_prediction_ids":
		return st.SelectedPredictionIDs, true
	case "score_metric":
		return st.ScoreMetric, true
	case "sprint":
		return st.Sprint, true
	case "case_definition":
		return st.CaseDefinition, true
	}
	return nil, false
}

// Set assigns value to the JSON field key. Setting a value equal to the
// current one does nothing and reports changed=false.
func (s *Store) Set(ctx context.Context, key string, value interface{}) (bool, error) {
	return s.Update(ctx, func(st *models.DashboardState) error {
		return assign(st, key, value)
	})
}

// Update applies fn to a copy of the state and persists the result if it
// differs from the current state
func (s *Store) Update(ctx context.Context, fn func(*models.DashboardState) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.Clone()
	if err := fn(&next); err != nil {
		return false, err
	}
	if same(s.state, next) {
		return false, nil
	}
	if err := s.persist(ctx, next); err != nil {
		return false, err
	}
	s.state = next
	return true, nil
}

// Reset restores the defaults and persists them
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.defaults.Clone()
	if err := s.persist(ctx, next); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *Store) persist(ctx context.Context, st models.DashboardState) error {
	meta := models.PersistedMeta{Timestamp: s.now().UnixMilli()}
	if err := s.backend.Save(ctx, s.clientID, s.namespace, st, meta); err != nil {
		s.log.Error("Failed to persist dashboard state", "error", err)
		return errors.Wrap(err, errors.ErrInternal, "save dashboard state")
	}
	return nil
}

// assign sets one JSON field through an encode/decode round trip so loosely
// typed values (decoded request bodies) land in the typed struct.
func assign(st *models.DashboardState, key string, value interface{}) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return errors.Internal(err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return errors.Internal(err)
	}
	if _, ok := fields[key]; !ok {
		return errors.Validationf("unknown state key %q", key)
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return errors.Validationf("invalid value for %s: %v", key, err)
	}
	fields[key] = encoded

	raw, err = json.Marshal(fields)
	if err != nil {
		return errors.Internal(err)
	}
	var next models.DashboardState
	if err := json.Unmarshal(raw, &next); err != nil {
		return errors.Validationf("invalid value for %s: %v", key, err)
	}
	*st = next
	return nil
}

// same compares states strictly: selection order matters here, unlike
// DashboardState.Equal. Nil and empty id lists are the same.
func same(a, b models.DashboardState) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(s models.DashboardState) models.DashboardState {
	if s.SelectedModelIDs == nil {
		s.SelectedModelIDs = []int{}
	}
	if s.SelectedTagIDs == nil {
		s.SelectedTagIDs = []int{}
	}
	if s.SelectedPredictionIDs == nil {
		s.SelectedPredictionIDs = []int{}
	}
	return s
}
