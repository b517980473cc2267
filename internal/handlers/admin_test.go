package handlers_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/mosqlimate/arbodash/internal/auth"
	"github.com/mosqlimate/arbodash/internal/handlers"
	"github.com/mosqlimate/arbodash/internal/services"
)

// ==================== Auth ====================

func TestLogin(t *testing.T) {
	setup := newTestSetup(t)

	rec := setup.do(http.MethodPost, "/api/admin/login", `{"password":"wrong"}`)
	expectErrorCode(t, rec, http.StatusUnauthorized, handlers.ErrCodeUnauthorized)

	rec = setup.do(http.MethodPost, "/api/admin/login", `{"password":"test-password"}`)
	expectStatus(t, rec, http.StatusOK)
	var session *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.CookieName {
			session = c
		}
	}
	if session == nil || !setup.handlers.Auth.ValidateSession(session.Value) {
		t.Fatal("expected a valid session cookie")
	}

	rec = setup.do(http.MethodPost, "/api/admin/logout", "", session)
	expectStatus(t, rec, http.StatusOK)
	if setup.handlers.Auth.ValidateSession(session.Value) {
		t.Error("expected session invalidated after logout")
	}
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	setup := newTestSetup(t)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/admin/dashboards"},
		{http.MethodDelete, "/api/admin/clients/" + testClientID + "/state"},
		{http.MethodPut, "/api/admin/log-level"},
		{http.MethodGet, "/api/admin/settings"},
		{http.MethodPost, "/api/admin/reset-database"},
	}
	for _, rt := range routes {
		rec := setup.do(rt.method, rt.path, "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", rt.method, rt.path, rec.Code)
		}
	}
}

// ==================== Dashboards ====================

func TestAdminDashboards(t *testing.T) {
	setup := newTestSetup(t)
	getView(t, setup.do(http.MethodPost, "/api/dashboards/predictions/predictions/1796", ""))

	rec := setup.admin(http.MethodGet, "/api/admin/dashboards", "")
	expectStatus(t, rec, http.StatusOK)

	var resp handlers.AdminDashboardsResponse
	decodeBody(t, rec, &resp)
	if len(resp.Dashboards) != 1 || resp.Dashboards[0].ClientID != testClientID || resp.Dashboards[0].Region != "3304557" {
		t.Errorf("unexpected dashboards %+v", resp.Dashboards)
	}
	if len(resp.Clients) != 1 || resp.Clients[0].ClientID != testClientID {
		t.Errorf("expected persisted client, got %+v", resp.Clients)
	}
}

func TestClearClientState(t *testing.T) {
	setup := newTestSetup(t)
	getView(t, setup.do(http.MethodPost, "/api/dashboards/predictions/predictions/1796", ""))

	rec := setup.admin(http.MethodDelete, "/api/admin/clients/"+testClientID+"/state", "")
	expectStatus(t, rec, http.StatusNoContent)

	if _, ok := setup.manager.Get(testClientID, "predictions"); ok {
		t.Error("expected dashboard unmounted")
	}
	clients, err := setup.manager.Clients(context.Background())
	if err != nil {
		t.Fatalf("Clients failed: %v", err)
	}
	if len(clients) != 0 {
		t.Errorf("expected persisted state removed, got %+v", clients)
	}

	// remounting starts from defaults
	view := getView(t, setup.do(http.MethodGet, "/api/dashboards/predictions", ""))
	if len(view.State.SelectedPredictionIDs) != 0 {
		t.Errorf("expected empty selection, got %v", view.State.SelectedPredictionIDs)
	}
}

// ==================== Logging ====================

func TestSetLogLevel(t *testing.T) {
	setup := newTestSetup(t)

	rec := setup.admin(http.MethodPut, "/api/admin/log-level", `{"level":"debug"}`)
	expectStatus(t, rec, http.StatusOK)
	var resp handlers.LogLevelResponse
	decodeBody(t, rec, &resp)
	if resp.Level != "debug" {
		t.Errorf("expected debug, got %s", resp.Level)
	}

	rec = setup.admin(http.MethodPut, "/api/admin/log-level", `{"level":"verbose"}`)
	expectErrorCode(t, rec, http.StatusBadRequest, handlers.ErrCodeValidation)
}

func TestSetLogLevel_NotSupported(t *testing.T) {
	setup := newTestSetup(t)
	setup.handlers.Log = handlers.NoopHTTPLogger{}
	setup.router = setup.handlers.Router()

	rec := setup.admin(http.MethodPut, "/api/admin/log-level", `{"level":"warn"}`)
	expectErrorCode(t, rec, http.StatusConflict, handlers.ErrCodeConflict)
}

func TestSetHTTPLogging(t *testing.T) {
	setup := newTestSetup(t)

	rec := setup.admin(http.MethodPut, "/api/admin/http-logging", `{"enabled":true}`)
	expectStatus(t, rec, http.StatusOK)
	if !setup.log.IsHTTPLoggingEnabled() {
		t.Error("expected HTTP logging enabled")
	}

	rec = setup.admin(http.MethodPut, "/api/admin/http-logging", `{"enabled":false}`)
	expectStatus(t, rec, http.StatusOK)
	if setup.log.IsHTTPLoggingEnabled() {
		t.Error("expected HTTP logging disabled")
	}
}

// ==================== Settings ====================

func TestGetSettings_Defaults(t *testing.T) {
	setup := newTestSetup(t)

	rec := setup.admin(http.MethodGet, "/api/admin/settings", "")
	expectStatus(t, rec, http.StatusOK)
	var resp handlers.SettingsResponse
	decodeBody(t, rec, &resp)
	if resp.ShareBaseURL != "" || resp.QRSize != services.DefaultQRSize {
		t.Errorf("unexpected defaults %+v", resp)
	}
}

func TestUpdateSettings(t *testing.T) {
	setup := newTestSetup(t)

	rec := setup.admin(http.MethodPut, "/api/admin/settings", `{"share_base_url":"http://192.168.1.20:8080/","qr_size":512}`)
	expectStatus(t, rec, http.StatusOK)

	ctx := context.Background()
	if base, _ := setup.settings.GetShareBaseURL(ctx); base != "http://192.168.1.20:8080" {
		t.Errorf("expected trimmed base URL, got %q", base)
	}
	if size, _ := setup.settings.GetQRSize(ctx); size != 512 {
		t.Errorf("expected qr size 512, got %d", size)
	}
}

func TestUpdateSettings_Invalid(t *testing.T) {
	setup := newTestSetup(t)

	rec := setup.admin(http.MethodPut, "/api/admin/settings", `{"share_base_url":"ftp://files"}`)
	expectErrorCode(t, rec, http.StatusBadRequest, handlers.ErrCodeValidation)

	rec = setup.admin(http.MethodPut, "/api/admin/settings", `{"qr_size":10}`)
	expectErrorCode(t, rec, http.StatusBadRequest, handlers.ErrCodeBadRequest)
}

// ==================== Database Management ====================

func TestResetDatabase(t *testing.T) {
	setup := newTestSetup(t)
	getView(t, setup.do(http.MethodPost, "/api/dashboards/predictions/predictions/1796", ""))
	getView(t, setup.do(http.MethodGet, "/api/dashboards/sprint", ""))

	rec := setup.admin(http.MethodPost, "/api/admin/reset-database", `{"tables":["dashboard_states"]}`)
	expectStatus(t, rec, http.StatusOK)
	var resp handlers.ResetDatabaseResponse
	decodeBody(t, rec, &resp)
	if resp.Unmounted != 2 || len(resp.Tables) != 1 {
		t.Errorf("unexpected reset response %+v", resp)
	}
	if len(setup.manager.List()) != 0 {
		t.Error("expected every dashboard unmounted")
	}

	view := getView(t, setup.do(http.MethodGet, "/api/dashboards/predictions", ""))
	if len(view.State.SelectedPredictionIDs) != 0 {
		t.Errorf("expected defaults after reset, got %v", view.State.SelectedPredictionIDs)
	}
}

func TestResetDatabase_Errors(t *testing.T) {
	setup := newTestSetup(t)

	rec := setup.admin(http.MethodPost, "/api/admin/reset-database", `{"tables":[]}`)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = setup.admin(http.MethodPost, "/api/admin/reset-database", `{"tables":["settings"]}`)
	expectErrorCode(t, rec, http.StatusBadRequest, handlers.ErrCodeValidation)
}
