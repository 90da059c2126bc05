package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/farpath/farpath-agent/internal/cloud"
	"github.com/farpath/farpath-agent/internal/config"
	"github.com/farpath/farpath-agent/internal/metrics"
	"github.com/farpath/farpath-agent/internal/netprobe"
	"github.com/farpath/farpath-agent/internal/session"
	"github.com/farpath/farpath-agent/internal/settings"
	"github.com/farpath/farpath-agent/internal/social"
	"github.com/farpath/farpath-agent/internal/storage"
)

type fakeSessions struct {
	loginRes      session.LoginResult
	loginErr      error
	logoutErr     error
	removeErr     error
	infos         []session.Info
	lastLoginType social.LoginType
	lastUserName  string
	consents      []social.ConsentAction
	removed       []string
}

func (f *fakeSessions) Login(_ context.Context, network string, loginType social.LoginType, userName string) (session.LoginResult, error) {
	f.lastLoginType = loginType
	f.lastUserName = userName
	if f.loginErr != nil {
		return session.LoginResult{}, f.loginErr
	}
	return f.loginRes, nil
}

func (f *fakeSessions) Logout(context.Context, string, string) error { return f.logoutErr }

func (f *fakeSessions) ModifyConsent(_ context.Context, _ session.UserPath, action social.ConsentAction) {
	f.consents = append(f.consents, action)
}

func (f *fakeSessions) RemoveContact(_ context.Context, network, userID string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, network+"/"+userID)
	return nil
}

func (f *fakeSessions) ActiveSessions() []session.Info { return f.infos }

type fakeSettings struct {
	snapshot  settings.Global
	updated   []settings.Global
	updateErr error

	policyEnforce bool
	policyServers []string
}

func (f *fakeSettings) Snapshot() settings.Global { return f.snapshot }

func (f *fakeSettings) Update(_ context.Context, next settings.Global) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updated = append(f.updated, next)
	return nil
}

func (f *fakeSettings) UpdateOrgPolicy(_ context.Context, enforce bool, servers []string) error {
	f.policyEnforce = enforce
	f.policyServers = servers
	return nil
}

type fakeProber struct {
	report    netprobe.Report
	support   netprobe.Support
	refreshes int
}

func (f *fakeProber) NetworkInfo(context.Context) netprobe.Report { return f.report }

func (f *fakeProber) RefreshPortControl(context.Context) netprobe.Support {
	f.refreshes++
	return f.support
}

type fakeReproxy struct {
	reachable bool
	port      int
}

func (f *fakeReproxy) Check(_ context.Context, port int) bool {
	f.port = port
	return f.reachable
}

type fakeCloud struct {
	job      cloud.Job
	err      error
	provider string
	op       cloud.Op
	region   string
}

func (f *fakeCloud) Run(_ context.Context, providerName string, op cloud.Op, region string) (cloud.Job, error) {
	f.provider = providerName
	f.op = op
	f.region = region
	if f.err != nil {
		return cloud.Job{Stage: cloud.StageFailed}, f.err
	}
	return f.job, nil
}

type fakeDiag struct {
	logs string
	full string
}

func (f *fakeDiag) Logs() string                              { return f.logs }
func (f *fakeDiag) LogsAndNetworkInfo(context.Context) string { return f.full }

type memStore struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemStore() *memStore { return &memStore{m: map[string][]byte{}} }

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.m[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return b, nil
}

func (s *memStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func (s *memStore) Close() error { return nil }

type failStore struct{ memStore }

func (s *failStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("store down")
}

type testDeps struct {
	sessions *fakeSessions
	settings *fakeSettings
	prober   *fakeProber
	reproxy  *fakeReproxy
	cloud    *fakeCloud
	diag     *fakeDiag
}

func newTestServer() (*Server, *testDeps) {
	d := &testDeps{
		sessions: &fakeSessions{loginRes: session.LoginResult{UserID: "user-1", InstanceID: "inst-1"}},
		settings: &fakeSettings{snapshot: settings.Default()},
		prober:   &fakeProber{report: netprobe.Report{NATType: "Full Cone NAT", PCP: true}, support: netprobe.SupportTrue},
		reproxy:  &fakeReproxy{reachable: true},
		cloud:    &fakeCloud{job: cloud.Job{ID: "job-1", Stage: cloud.StageDone, Progress: 100}},
		diag:     &fakeDiag{logs: "redacted logs", full: "network report\n\nredacted logs"},
	}
	deps := Deps{
		Sessions:    d.sessions,
		Settings:    d.settings,
		Prober:      d.prober,
		Reproxy:     d.reproxy,
		Cloud:       d.cloud,
		Diagnostics: d.diag,
		Updates:     http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }),
		Store:       newMemStore(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Server{cfg: config.Default(), deps: deps, metrics: metrics.New(), logger: logger, startedAt: time.Now().UTC()}, d
}

func doJSON(t *testing.T, routes http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}
	rr := httptest.NewRecorder()
	routes.ServeHTTP(rr, httptest.NewRequest(method, path, reader))
	return rr
}

func errCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var env ErrorEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	return env.Error.Code
}

func TestLoginDefaultsToInitial(t *testing.T) {
	s, d := newTestServer()
	routes := s.Routes()

	rr := doJSON(t, routes, http.MethodPost, "/v1/sessions/login", `{"network":"testnet","user_name":"alice"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp LoginResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.OK || resp.UserID != "user-1" || resp.InstanceID != "inst-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if d.sessions.lastLoginType != social.LoginInitial {
		t.Fatalf("expected INITIAL login, got %s", d.sessions.lastLoginType)
	}
	if d.sessions.lastUserName != "alice" {
		t.Fatalf("user name not forwarded: %q", d.sessions.lastUserName)
	}
}

func TestLoginValidation(t *testing.T) {
	s, _ := newTestServer()
	routes := s.Routes()

	rr := doJSON(t, routes, http.MethodPost, "/v1/sessions/login", `{"user_name":"alice"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without network, got %d", rr.Code)
	}

	rr = doJSON(t, routes, http.MethodPost, "/v1/sessions/login", `{"network":"testnet","login_type":"SIDEWAYS"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad login_type, got %d", rr.Code)
	}

	rr = doJSON(t, routes, http.MethodPost, "/v1/sessions/login", `not json`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", rr.Code)
	}
}

func TestLoginUnknownNetworkMapsTo404(t *testing.T) {
	s, d := newTestServer()
	d.sessions.loginErr = fmt.Errorf("%w: ghostnet", session.ErrUnknownNetwork)
	routes := s.Routes()

	rr := doJSON(t, routes, http.MethodPost, "/v1/sessions/login", `{"network":"ghostnet"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if code := errCode(t, rr); code != "unknown_network" {
		t.Fatalf("expected unknown_network, got %s", code)
	}
}

func TestLogoutProtectedNetworkMapsTo403(t *testing.T) {
	s, d := newTestServer()
	d.sessions.logoutErr = fmt.Errorf("%w: cloud", session.ErrProtectedNetwork)
	routes := s.Routes()

	rr := doJSON(t, routes, http.MethodPost, "/v1/sessions/logout", `{"network":"cloud"}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if code := errCode(t, rr); code != "protected_network" {
		t.Fatalf("expected protected_network, got %s", code)
	}
}

func TestConsentRejectsUnknownAction(t *testing.T) {
	s, d := newTestServer()
	routes := s.Routes()

	rr := doJSON(t, routes, http.MethodPost, "/v1/sessions/consent", `{"network":"testnet","user_id":"u1","action":"WAVE"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if len(d.sessions.consents) != 0 {
		t.Fatalf("consent forwarded despite invalid action")
	}

	rr = doJSON(t, routes, http.MethodPost, "/v1/sessions/consent", `{"network":"testnet","user_id":"u1","action":"accept_offer"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(d.sessions.consents) != 1 || d.sessions.consents[0] != social.ConsentAcceptOffer {
		t.Fatalf("unexpected consents: %v", d.sessions.consents)
	}
}

func TestRemoveContactUnknownSessionMapsTo404(t *testing.T) {
	s, d := newTestServer()
	d.sessions.removeErr = fmt.Errorf("%w: testnet", session.ErrUnknownSession)
	routes := s.Routes()

	rr := doJSON(t, routes, http.MethodPost, "/v1/sessions/contacts/remove", `{"network":"testnet","user_id":"u1"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if code := errCode(t, rr); code != "unknown_session" {
		t.Fatalf("expected unknown_session, got %s", code)
	}
}

func TestSessionList(t *testing.T) {
	s, d := newTestServer()
	d.sessions.infos = []session.Info{
		{Network: "alphanet", UserID: "u1", InstanceID: "i1", Contacts: 2},
		{Network: "cloud", UserID: "admin", CloudAdmin: true},
	}
	routes := s.Routes()

	rr := doJSON(t, routes, http.MethodGet, "/v1/sessions", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp SessionListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Sessions) != 2 || resp.Sessions[1].CloudAdmin != true {
		t.Fatalf("unexpected sessions: %+v", resp.Sessions)
	}
}

func TestSettingsUpdateAndGet(t *testing.T) {
	s, d := newTestServer()
	routes := s.Routes()

	rr := doJSON(t, routes, http.MethodPut, "/v1/settings", `{"description":"laptop","stun_servers":["stun:s1:3478"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(d.settings.updated) != 1 || d.settings.updated[0].Description != "laptop" {
		t.Fatalf("update not forwarded: %+v", d.settings.updated)
	}

	rr = doJSON(t, routes, http.MethodGet, "/v1/settings", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp SettingsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Settings.StunServers) == 0 {
		t.Fatalf("snapshot missing stun servers: %+v", resp.Settings)
	}
}

func TestPolicyUpdate(t *testing.T) {
	s, d := newTestServer()
	routes := s.Routes()

	rr := doJSON(t, routes, http.MethodPut, "/v1/settings/policy", `{"enforce_proxy_server_validity":true,"valid_proxy_servers":["proxy.corp:443"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !d.settings.policyEnforce || len(d.settings.policyServers) != 1 || d.settings.policyServers[0] != "proxy.corp:443" {
		t.Fatalf("policy not forwarded: enforce=%v servers=%v", d.settings.policyEnforce, d.settings.policyServers)
	}
}

func TestNetworkInfo(t *testing.T) {
	s, _ := newTestServer()
	routes := s.Routes()

	rr := doJSON(t, routes, http.MethodGet, "/v1/network/info", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp NetworkInfoResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Info.NATType != "Full Cone NAT" || !resp.Info.PCP {
		t.Fatalf("unexpected report: %+v", resp.Info)
	}
}

func TestRefreshPortControl(t *testing.T) {
	s, d := newTestServer()
	routes := s.Routes()

	rr := doJSON(t, routes, http.MethodPost, "/v1/network/refresh-port-control", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp PortControlResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Support != netprobe.SupportTrue || d.prober.refreshes != 1 {
		t.Fatalf("unexpected support %s (refreshes=%d)", resp.Support, d.prober.refreshes)
	}
}

func TestReproxyCheckValidatesPort(t *testing.T) {
	s, d := newTestServer()
	routes := s.Routes()

	rr := doJSON(t, routes, http.MethodPost, "/v1/reproxy/check", `{"port":0}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for port 0, got %d", rr.Code)
	}

	rr = doJSON(t, routes, http.MethodPost, "/v1/reproxy/check", `{"port":1080}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp ReproxyCheckResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Reachable || resp.Port != 1080 || d.reproxy.port != 1080 {
		t.Fatalf("unexpected response: %+v (checked port %d)", resp, d.reproxy.port)
	}
}

func TestCloudDispatchUppercasesOperation(t *testing.T) {
	s, d := newTestServer()
	routes := s.Routes()

	rr := doJSON(t, routes, http.MethodPost, "/v1/cloud", `{"provider":"digitalocean","operation":"install","region":"fra1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if d.cloud.provider != "digitalocean" || d.cloud.op != cloud.OpInstall || d.cloud.region != "fra1" {
		t.Fatalf("dispatch mismatch: provider=%s op=%s region=%s", d.cloud.provider, d.cloud.op, d.cloud.region)
	}
	var resp CloudResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Job.ID != "job-1" || resp.Job.Progress != 100 {
		t.Fatalf("unexpected job: %+v", resp.Job)
	}
}

func TestCloudErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"unsupported", fmt.Errorf("%w: install requires a region", cloud.ErrUnsupportedOperation), http.StatusBadRequest, "unsupported_operation"},
		{"already exists", fmt.Errorf("%w: farpath-proxy-node", cloud.ErrServerAlreadyExists), http.StatusConflict, "server_already_exists"},
		{"timeout", fmt.Errorf("%w: node never became reachable", cloud.ErrTimeout), http.StatusGatewayTimeout, "timeout"},
		{"provider", &cloud.ProviderError{Code: "rate_limited", Message: "slow down"}, http.StatusBadGateway, "provider_error"},
		{"internal", errors.New("disk exploded"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, d := newTestServer()
			d.cloud.err = tc.err
			routes := s.Routes()

			rr := doJSON(t, routes, http.MethodPost, "/v1/cloud", `{"provider":"digitalocean","operation":"INSTALL","region":"fra1"}`)
			if rr.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d: %s", tc.wantCode, rr.Code, rr.Body.String())
			}
			if code := errCode(t, rr); code != tc.wantErr {
				t.Fatalf("expected %s, got %s", tc.wantErr, code)
			}
		})
	}
}

func TestDiagnosticsRoutes(t *testing.T) {
	s, _ := newTestServer()
	routes := s.Routes()

	rr := doJSON(t, routes, http.MethodGet, "/v1/diagnostics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("unexpected content type: %s", rr.Header().Get("Content-Type"))
	}
	if rr.Body.String() != "redacted logs" {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}

	rr = doJSON(t, routes, http.MethodGet, "/v1/diagnostics/full", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.HasPrefix(rr.Body.String(), "network report\n\n") {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer()
	routes := s.Routes()

	rr := doJSON(t, routes, http.MethodDelete, "/v1/sessions/login", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if code := errCode(t, rr); code != "method_not_allowed" {
		t.Fatalf("expected method_not_allowed, got %s", code)
	}
}

func TestHealthzReportsSessionCount(t *testing.T) {
	s, d := newTestServer()
	d.sessions.infos = []session.Info{{Network: "alphanet", UserID: "u1"}}
	routes := s.Routes()

	rr := doJSON(t, routes, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" || resp.Sessions != 1 {
		t.Fatalf("unexpected health: %+v", resp)
	}
}

func TestReadyzChecksStore(t *testing.T) {
	s, _ := newTestServer()
	routes := s.Routes()

	rr := doJSON(t, routes, http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	s.deps.Store = &failStore{}
	rr = doJSON(t, routes, http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the store is down, got %d", rr.Code)
	}
}
