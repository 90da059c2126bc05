package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
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

type Sessions interface {
	Login(ctx context.Context, network string, loginType social.LoginType, userName string) (session.LoginResult, error)
	Logout(ctx context.Context, network, userID string) error
	ModifyConsent(ctx context.Context, path session.UserPath, action social.ConsentAction)
	RemoveContact(ctx context.Context, network, userID string) error
	ActiveSessions() []session.Info
}

type Settings interface {
	Snapshot() settings.Global
	Update(ctx context.Context, next settings.Global) error
	UpdateOrgPolicy(ctx context.Context, enforce bool, validProxyServers []string) error
}

type NetworkProber interface {
	NetworkInfo(ctx context.Context) netprobe.Report
	RefreshPortControl(ctx context.Context) netprobe.Support
}

type ReproxyChecker interface {
	Check(ctx context.Context, port int) bool
}

type CloudRunner interface {
	Run(ctx context.Context, providerName string, op cloud.Op, region string) (cloud.Job, error)
}

type Diagnostics interface {
	Logs() string
	LogsAndNetworkInfo(ctx context.Context) string
}

// Deps are the components the facade fronts. Updates serves the
// websocket push stream.
type Deps struct {
	Sessions    Sessions
	Settings    Settings
	Prober      NetworkProber
	Reproxy     ReproxyChecker
	Cloud       CloudRunner
	Diagnostics Diagnostics
	Updates     http.Handler
	Store       storage.Store
}

type Server struct {
	cfg       config.Config
	deps      Deps
	metrics   *metrics.Registry
	logger    *slog.Logger
	startedAt time.Time
}

func New(cfg config.Config, deps Deps, reg *metrics.Registry, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, deps: deps, metrics: reg, logger: logger, startedAt: time.Now().UTC()}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc(s.cfg.Observability.MetricsPath, s.handleMetrics)

	mux.HandleFunc("/v1/sessions", s.handleSessions)
	mux.HandleFunc("/v1/sessions/login", s.handleLogin)
	mux.HandleFunc("/v1/sessions/logout", s.handleLogout)
	mux.HandleFunc("/v1/sessions/consent", s.handleConsent)
	mux.HandleFunc("/v1/sessions/contacts/remove", s.handleRemoveContact)
	mux.HandleFunc("/v1/settings", s.handleSettings)
	mux.HandleFunc("/v1/settings/policy", s.handlePolicy)
	mux.HandleFunc("/v1/network/info", s.handleNetworkInfo)
	mux.HandleFunc("/v1/network/refresh-port-control", s.handleRefreshPortControl)
	mux.HandleFunc("/v1/reproxy/check", s.handleReproxyCheck)
	mux.HandleFunc("/v1/cloud", s.handleCloud)
	mux.HandleFunc("/v1/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/v1/diagnostics/full", s.handleDiagnosticsFull)
	mux.HandleFunc("/v1/updates", s.handleUpdates)
	return mux
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	writeJSON(w, http.StatusOK, SessionListResponse{OK: true, Sessions: s.deps.Sessions.ActiveSessions()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
		return
	}
	if req.Network == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "Missing required fields.", map[string]any{"required": []string{"network"}})
		return
	}
	loginType := social.LoginType(strings.ToUpper(req.LoginType))
	if loginType == "" {
		loginType = social.LoginInitial
	}
	if loginType != social.LoginInitial && loginType != social.LoginReconnect {
		writeError(w, http.StatusBadRequest, "bad_request", "login_type must be INITIAL or RECONNECT.", nil)
		return
	}
	res, err := s.deps.Sessions.Login(r.Context(), req.Network, loginType, req.UserName)
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{OK: true, Network: req.Network, UserID: res.UserID, InstanceID: res.InstanceID})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	var req LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
		return
	}
	if req.Network == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "Missing required fields.", map[string]any{"required": []string{"network"}})
		return
	}
	if err := s.deps.Sessions.Logout(r.Context(), req.Network, req.UserID); err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LogoutResponse{OK: true, Network: req.Network})
}

var consentActions = map[social.ConsentAction]bool{
	social.ConsentOffer:         true,
	social.ConsentRequestAccess: true,
	social.ConsentAcceptOffer:   true,
	social.ConsentIgnoreOffer:   true,
	social.ConsentRevokeOffer:   true,
	social.ConsentCancelRequest: true,
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	var req ConsentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
		return
	}
	if req.Network == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "Missing required fields.", map[string]any{"required": []string{"network", "user_id"}})
		return
	}
	action := social.ConsentAction(strings.ToUpper(req.Action))
	if !consentActions[action] {
		writeError(w, http.StatusBadRequest, "bad_request", "Unrecognized consent action.", map[string]any{"action": req.Action})
		return
	}
	s.deps.Sessions.ModifyConsent(r.Context(), session.UserPath{Network: req.Network, UserID: req.UserID}, action)
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) handleRemoveContact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	var req RemoveContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
		return
	}
	if req.Network == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "Missing required fields.", map[string]any{"required": []string{"network", "user_id"}})
		return
	}
	if err := s.deps.Sessions.RemoveContact(r.Context(), req.Network, req.UserID); err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, SettingsResponse{OK: true, Settings: s.deps.Settings.Snapshot()})
	case http.MethodPut:
		var next settings.Global
		if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
			return
		}
		if err := s.deps.Settings.Update(r.Context(), next); err != nil {
			s.writeDomainErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, OKResponse{OK: true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
	}
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	var req PolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
		return
	}
	if err := s.deps.Settings.UpdateOrgPolicy(r.Context(), req.EnforceProxyServerValidity, req.ValidProxyServers); err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) handleNetworkInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	writeJSON(w, http.StatusOK, NetworkInfoResponse{OK: true, Info: s.deps.Prober.NetworkInfo(r.Context())})
}

func (s *Server) handleRefreshPortControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	support := s.deps.Prober.RefreshPortControl(r.Context())
	writeJSON(w, http.StatusOK, PortControlResponse{OK: true, Support: support})
}

func (s *Server) handleReproxyCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	var req ReproxyCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
		return
	}
	if req.Port <= 0 || req.Port > 65535 {
		writeError(w, http.StatusBadRequest, "bad_request", "port must be between 1 and 65535.", nil)
		return
	}
	reachable := s.deps.Reproxy.Check(r.Context(), req.Port)
	writeJSON(w, http.StatusOK, ReproxyCheckResponse{OK: true, Port: req.Port, Reachable: reachable})
}

func (s *Server) handleCloud(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	var req CloudRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
		return
	}
	if req.Provider == "" || req.Operation == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "Missing required fields.", map[string]any{"required": []string{"provider", "operation"}})
		return
	}
	op := cloud.Op(strings.ToUpper(req.Operation))
	job, err := s.deps.Cloud.Run(r.Context(), req.Provider, op, req.Region)
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CloudResponse{OK: true, Job: job})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.deps.Diagnostics.Logs()))
}

func (s *Server) handleDiagnosticsFull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.deps.Diagnostics.LogsAndNetworkInfo(r.Context())))
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	s.deps.Updates.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	active := len(s.deps.Sessions.ActiveSessions())
	s.metrics.SetActiveSessions(active)
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Version:  s.cfg.Server.Version,
		Uptime:   int64(time.Since(s.startedAt).Seconds()),
		Sessions: active,
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	if _, err := s.deps.Store.Get(r.Context(), "readyz/probe"); err != nil && !errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Ready: false})
		return
	}
	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Ready: true})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.metrics.RenderPrometheus()))
}

func (s *Server) writeDomainErr(w http.ResponseWriter, err error) {
	var pe *cloud.ProviderError
	switch {
	case errors.Is(err, session.ErrUnknownNetwork):
		writeError(w, http.StatusNotFound, "unknown_network", "Network is not recognized.", nil)
	case errors.Is(err, session.ErrUnknownSession):
		writeError(w, http.StatusNotFound, "unknown_session", "No session matches the request.", nil)
	case errors.Is(err, session.ErrProtectedNetwork):
		writeError(w, http.StatusForbidden, "protected_network", "The cloud-admin network cannot be logged out.", nil)
	case errors.Is(err, cloud.ErrUnsupportedOperation):
		writeError(w, http.StatusBadRequest, "unsupported_operation", "Unrecognized provider, operation, or missing parameter.", nil)
	case errors.Is(err, cloud.ErrServerAlreadyExists):
		writeError(w, http.StatusConflict, "server_already_exists", "A server with that name already exists.", nil)
	case errors.Is(err, cloud.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "timeout", "The operation timed out.", nil)
	case errors.As(err, &pe):
		writeError(w, http.StatusBadGateway, "provider_error", "Cloud provider rejected the operation.", map[string]any{"code": pe.Code, "error": pe.Message})
	default:
		s.logger.Error("api_error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "Operation failed.", map[string]any{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, message string, details any) {
	writeJSON(w, code, ErrorEnvelope{Error: ErrorBody{Code: errCode, Message: message, Details: details}})
}
