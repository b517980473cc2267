package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mosqlimate/arbodash/internal/errors"
	"github.com/mosqlimate/arbodash/internal/logger"
	"github.com/mosqlimate/arbodash/internal/models"
	"github.com/mosqlimate/arbodash/internal/store"
	"github.com/mosqlimate/arbodash/pkg/mosqlimate"
)

// Built-in namespaces
var (
	NamespacePredictions = Namespace{Name: "predictions"}
	NamespaceSprint      = Namespace{Name: "sprint", Sprint: true}
	NamespaceDashboard   = Namespace{Name: "dashboard", Deferred: true}
)

// DefaultNamespaces lists the namespaces served by default
func DefaultNamespaces() []Namespace {
	return []Namespace{NamespacePredictions, NamespaceSprint, NamespaceDashboard}
}

// DefaultMinDate is the earliest window start offered to a fresh dashboard
const DefaultMinDate = "2010-01-03"

// ManagerConfig configures a Manager. Zero values get defaults.
type ManagerConfig struct {
	Namespaces []Namespace
	Expiration time.Duration
	MinDate    string
	Now        func() time.Time
}

// DashboardInfo summarizes a mounted dashboard
type DashboardInfo struct {
	ClientID  string `json:"client_id"`
	Namespace string `json:"namespace"`
	Phase     Phase  `json:"phase"`
	Pending   bool   `json:"pending"`
	Disease   string `json:"disease"`
	Region    string `json:"region"`
}

type mountEntry struct {
	clientID  string
	namespace string
	ready     chan struct{}
	dashboard *Dashboard
	err       error
}

// Manager owns the mounted dashboards, one per client and namespace
type Manager struct {
	mu         sync.Mutex
	log        logger.Logger
	api        mosqlimate.Client
	backend    store.Backend
	notifier   Notifier
	namespaces map[string]Namespace
	order      []string
	expiration time.Duration
	minDate    string
	now        func() time.Time
	mounted    map[string]*mountEntry
}

// NewManager creates a new Manager
func NewManager(log logger.Logger, api mosqlimate.Client, backend store.Backend, cfg ManagerConfig) *Manager {
	if len(cfg.Namespaces) == 0 {
		cfg.Namespaces = DefaultNamespaces()
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = store.DefaultExpiration
	}
	if cfg.MinDate == "" {
		cfg.MinDate = DefaultMinDate
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Manager{
		log:        log,
		api:        api,
		backend:    backend,
		notifier:   nopNotifier{},
		namespaces: make(map[string]Namespace, len(cfg.Namespaces)),
		expiration: cfg.Expiration,
		minDate:    cfg.MinDate,
		now:        cfg.Now,
		mounted:    make(map[string]*mountEntry),
	}
	for _, ns := range cfg.Namespaces {
		m.namespaces[ns.Name] = ns
		m.order = append(m.order, ns.Name)
	}
	return m
}

// SetNotifier sets where dashboards mounted from now on publish their events
func (m *Manager) SetNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n == nil {
		n = nopNotifier{}
	}
	m.notifier = n
}

// Namespaces lists the configured namespaces in configuration order
func (m *Manager) Namespaces() []Namespace {
	out := make([]Namespace, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.namespaces[name])
	}
	return out
}

// Namespace looks up a namespace by name
func (m *Manager) Namespace(name string) (Namespace, bool) {
	ns, ok := m.namespaces[name]
	return ns, ok
}

// Defaults returns the initial state of a namespace
func (m *Manager) Defaults(ns Namespace) models.DashboardState {
	d := store.Defaults(ns.Sprint)
	d.StartWindowDate = m.minDate
	d.EndWindowDate = m.now().Format(models.DateLayout)
	return d
}

// Mount returns the client's dashboard for namespace, opening and
// initializing it on first use. Concurrent mounts of the same dashboard
// share one initialization.
func (m *Manager) Mount(ctx context.Context, clientID, namespace string) (*Dashboard, error) {
	if clientID == "" {
		return nil, errors.InvalidInputf("client id is required")
	}
	ns, ok := m.Namespace(namespace)
	if !ok {
		return nil, errors.NotFoundf("namespace %q not found", namespace)
	}
	key := Topic(clientID, namespace)

	m.mu.Lock()
	if e, ok := m.mounted[key]; ok {
		m.mu.Unlock()
		select {
		case <-e.ready:
			return e.dashboard, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e := &mountEntry{clientID: clientID, namespace: namespace, ready: make(chan struct{})}
	m.mounted[key] = e
	notifier := m.notifier
	m.mu.Unlock()

	e.dashboard, e.err = m.open(context.WithoutCancel(ctx), clientID, ns, notifier)
	if e.err != nil {
		e.dashboard = nil
		m.mu.Lock()
		delete(m.mounted, key)
		m.mu.Unlock()
	}
	close(e.ready)
	return e.dashboard, e.err
}

func (m *Manager) open(ctx context.Context, clientID string, ns Namespace, notifier Notifier) (*Dashboard, error) {
	st, err := store.Open(ctx, m.log, m.backend, clientID, ns.Name, m.Defaults(ns),
		store.WithClock(m.now), store.WithExpiration(m.expiration))
	if err != nil {
		return nil, err
	}
	d := NewDashboard(m.log, m.api, st, ns, notifier)
	if err := d.Init(ctx); err != nil {
		m.log.Error("Failed to initialize dashboard", "client", clientID, "namespace", ns.Name, "error", err)
		return nil, err
	}
	m.log.Info("Dashboard mounted", "client", clientID, "namespace", ns.Name)
	return d, nil
}

// Get returns a mounted, initialized dashboard
func (m *Manager) Get(clientID, namespace string) (*Dashboard, bool) {
	m.mu.Lock()
	e, ok := m.mounted[Topic(clientID, namespace)]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.dashboard, e.dashboard != nil
	default:
		return nil, false
	}
}

// Unmount forgets a dashboard. Its persisted state is kept.
func (m *Manager) Unmount(clientID, namespace string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := Topic(clientID, namespace)
	if _, ok := m.mounted[key]; !ok {
		return false
	}
	delete(m.mounted, key)
	m.log.Info("Dashboard unmounted", "client", clientID, "namespace", namespace)
	return true
}

// List summarizes every initialized dashboard, ordered by client then namespace
func (m *Manager) List() []DashboardInfo {
	m.mu.Lock()
	entries := make([]*mountEntry, 0, len(m.mounted))
	for _, e := range m.mounted {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := []DashboardInfo{}
	for _, e := range entries {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.dashboard == nil {
			continue
		}
		st := e.dashboard.State()
		out = append(out, DashboardInfo{
			ClientID:  e.clientID,
			Namespace: e.namespace,
			Phase:     e.dashboard.Phase(),
			Pending:   e.dashboard.Pending(),
			Disease:   st.Disease,
			Region:    st.Region(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].Namespace < out[j].Namespace
	})
	return out
}

// ClearClient unmounts every dashboard of a client and deletes its
// persisted state
func (m *Manager) ClearClient(ctx context.Context, clientID string) error {
	m.mu.Lock()
	for key, e := range m.mounted {
		if e.clientID == clientID {
			delete(m.mounted, key)
		}
	}
	m.mu.Unlock()

	if err := m.backend.Clear(ctx, clientID); err != nil {
		return errors.Wrap(err, errors.ErrInternal, "clear client state")
	}
	m.log.Info("Client state cleared", "client", clientID)
	return nil
}

// Clients lists every client with persisted state
func (m *Manager) Clients(ctx context.Context) ([]models.ClientRecord, error) {
	clients, err := m.backend.Clients(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "list clients")
	}
	return clients, nil
}

// Snapshot returns the state message of a mounted dashboard, used to greet
// a websocket subscriber
func (m *Manager) Snapshot(clientID, namespace string) (StateEvent, bool) {
	d, ok := m.Get(clientID, namespace)
	if !ok {
		return StateEvent{}, false
	}
	st := d.State()
	return StateEvent{Phase: d.Phase(), State: st, Pending: d.Pending()}, true
}
