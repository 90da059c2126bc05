package api

import (
	"github.com/farpath/farpath-agent/internal/cloud"
	"github.com/farpath/farpath-agent/internal/netprobe"
	"github.com/farpath/farpath-agent/internal/session"
	"github.com/farpath/farpath-agent/internal/settings"
)

type LoginRequest struct {
	Network   string `json:"network"`
	LoginType string `json:"login_type"`
	UserName  string `json:"user_name"`
}

type LoginResponse struct {
	OK         bool   `json:"ok"`
	Network    string `json:"network"`
	UserID     string `json:"user_id"`
	InstanceID string `json:"instance_id"`
}

type LogoutRequest struct {
	Network string `json:"network"`
	UserID  string `json:"user_id"`
}

type LogoutResponse struct {
	OK      bool   `json:"ok"`
	Network string `json:"network"`
}

type ConsentRequest struct {
	Network string `json:"network"`
	UserID  string `json:"user_id"`
	Action  string `json:"action"`
}

type RemoveContactRequest struct {
	Network string `json:"network"`
	UserID  string `json:"user_id"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type SessionListResponse struct {
	OK       bool           `json:"ok"`
	Sessions []session.Info `json:"sessions"`
}

type SettingsResponse struct {
	OK       bool            `json:"ok"`
	Settings settings.Global `json:"settings"`
}

type PolicyRequest struct {
	EnforceProxyServerValidity bool     `json:"enforce_proxy_server_validity"`
	ValidProxyServers          []string `json:"valid_proxy_servers"`
}

type NetworkInfoResponse struct {
	OK   bool            `json:"ok"`
	Info netprobe.Report `json:"info"`
}

type PortControlResponse struct {
	OK      bool             `json:"ok"`
	Support netprobe.Support `json:"support"`
}

type ReproxyCheckRequest struct {
	Port int `json:"port"`
}

type ReproxyCheckResponse struct {
	OK        bool `json:"ok"`
	Port      int  `json:"port"`
	Reachable bool `json:"reachable"`
}

type CloudRequest struct {
	Provider  string `json:"provider"`
	Operation string `json:"operation"`
	Region    string `json:"region"`
}

type CloudResponse struct {
	OK  bool      `json:"ok"`
	Job cloud.Job `json:"job"`
}

type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Uptime   int64  `json:"uptime_seconds"`
	Sessions int    `json:"sessions_active"`
}

type ReadyResponse struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
}
