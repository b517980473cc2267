package handlers_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mosqlimate/arbodash/internal/auth"
	"github.com/mosqlimate/arbodash/internal/handlers"
	"github.com/mosqlimate/arbodash/internal/logger"
	"github.com/mosqlimate/arbodash/internal/repository"
	"github.com/mosqlimate/arbodash/internal/services"
	"github.com/mosqlimate/arbodash/internal/testutil"
	"github.com/mosqlimate/arbodash/pkg/mosqlimate"
)

const testClientID = "6f1c2b8e-3d4a-4c5b-9e7f-0a1b2c3d4e5f"

var testNow = time.Date(2023, 3, 10, 12, 0, 0, 0, time.UTC)

// testSetup creates all the dependencies needed for testing handlers
type testSetup struct {
	repo         *repository.Repository
	api          *mosqlimate.MockClient
	manager      *services.Manager
	settings     *services.SettingsService
	handlers     *handlers.Handlers
	router       chi.Router
	authCookie   *http.Cookie
	clientCookie *http.Cookie
	log          *logger.SlogLogger
}

// newTestSetup creates a new test setup with in-memory repository
func newTestSetup(t *testing.T, opts ...mosqlimate.MockOption) *testSetup {
	t.Helper()

	repo := testutil.NewTestRepository(t)
	log := logger.Discard()
	api := mosqlimate.NewMockClient(opts...)

	manager := services.NewManager(log, api, repo, services.ManagerConfig{
		Now: func() time.Time { return testNow },
	})
	settingsService := services.NewSettingsService(log, repo)

	h := handlers.NewForTesting(manager, settingsService)
	h.Log = log
	h.Logger = log

	// Login to get a session cookie for authenticated requests
	token, _ := h.Auth.Login("test-password")

	return &testSetup{
		repo:         repo,
		api:          api,
		manager:      manager,
		settings:     settingsService,
		handlers:     h,
		router:       h.Router(),
		authCookie:   &http.Cookie{Name: auth.CookieName, Value: token},
		clientCookie: &http.Cookie{Name: auth.ClientCookieName, Value: testClientID},
		log:          log,
	}
}

// do sends a request as the test client and returns the recorder
func (s *testSetup) do(method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.AddCookie(s.clientCookie)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// admin sends an authenticated admin request
func (s *testSetup) admin(method, path, body string) *httptest.ResponseRecorder {
	return s.do(method, path, body, s.authCookie)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func expectErrorCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	expectStatus(t, rec, status)
	var apiErr handlers.APIError
	decodeBody(t, rec, &apiErr)
	if apiErr.Code != code {
		t.Errorf("expected error code %s, got %s (%s)", code, apiErr.Code, apiErr.Message)
	}
}
