package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig    `yaml:"server"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Storage       StorageConfig   `yaml:"storage"`
	Probe         ProbeConfig     `yaml:"probe"`
	Cloud         CloudConfig     `yaml:"cloud"`
	Observability ObsConfig       `yaml:"observability"`
}

type ServerConfig struct {
	ListenAddr          string `yaml:"listen_addr"`
	Version             string `yaml:"version"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds  int    `yaml:"idle_timeout_seconds"`
	HealthPublic        bool   `yaml:"health_public"`
	TLSCertFile         string `yaml:"tls_cert_file"`
	TLSKeyFile          string `yaml:"tls_key_file"`
}

type AuthConfig struct {
	Mode            string `yaml:"mode"`
	BearerToken     string `yaml:"bearer_token"`
	HMACSecret      string `yaml:"hmac_secret"`
	HMACSkewSeconds int    `yaml:"hmac_skew_seconds"`
	NonceTTLSeconds int    `yaml:"nonce_ttl_seconds"`
}

type RateLimitConfig struct {
	Enabled     bool    `yaml:"enabled"`
	GlobalRPS   float64 `yaml:"global_rps"`
	GlobalBurst int     `yaml:"global_burst"`
	PerIPRPS    float64 `yaml:"per_ip_rps"`
	PerIPBurst  int     `yaml:"per_ip_burst"`
}

type StorageConfig struct {
	Backend   string      `yaml:"backend"`
	StateFile string      `yaml:"state_file"`
	Redis     RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type ProbeConfig struct {
	GatewayOverride           string `yaml:"gateway_override"`
	PortControlTimeoutSeconds int    `yaml:"port_control_timeout_seconds"`
}

type CloudConfig struct {
	Provider       string `yaml:"provider"`
	DOToken        string `yaml:"do_token"`
	DOAPIBase      string `yaml:"do_api_base"`
	DOSize         string `yaml:"do_size"`
	DOImage        string `yaml:"do_image"`
	DockerImage    string `yaml:"docker_image"`
	SSHUser        string `yaml:"ssh_user"`
	SSHPort        int    `yaml:"ssh_port"`
	SSHKeyFile     string `yaml:"ssh_key_file"`
	InstallCommand string `yaml:"install_command"`
}

type ObsConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsPath    string `yaml:"metrics_path"`
	LogBufferLines int    `yaml:"log_buffer_lines"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:          "127.0.0.1:7860",
			Version:             "dev",
			ReadTimeoutSeconds:  10,
			WriteTimeoutSeconds: 30,
			IdleTimeoutSeconds:  120,
			HealthPublic:        true,
		},
		Auth: AuthConfig{
			Mode:            "none",
			HMACSkewSeconds: 300,
			NonceTTLSeconds: 360,
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			GlobalRPS:   50,
			GlobalBurst: 100,
			PerIPRPS:    20,
			PerIPBurst:  40,
		},
		Storage: StorageConfig{
			Backend:   "file",
			StateFile: "/var/lib/farpath/state.json",
			Redis: RedisConfig{
				Addr:      "127.0.0.1:6379",
				KeyPrefix: "farpath:",
			},
		},
		Probe: ProbeConfig{
			PortControlTimeoutSeconds: 2,
		},
		Cloud: CloudConfig{
			Provider:       "digitalocean",
			DOAPIBase:      "https://api.digitalocean.com",
			DOSize:         "s-1vcpu-1gb",
			DOImage:        "ubuntu-24-04-x64",
			DockerImage:    "ghcr.io/farpath/proxy-node:latest",
			SSHUser:        "farpath",
			SSHPort:        22,
			InstallCommand: "sudo /opt/farpath/install.sh",
		},
		Observability: ObsConfig{
			LogLevel:       "info",
			MetricsPath:    "/metrics",
			LogBufferLines: 2000,
		},
	}
}

func Load() (Config, error) {
	cfg := Default()

	configFile := os.Getenv("FARPATH_AGENT_CONFIG_FILE")
	if configFile != "" {
		if err := loadYAML(&cfg, configFile); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(cfg *Config, file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "FARPATH_AGENT_LISTEN_ADDR")
	setString(&cfg.Server.Version, "FARPATH_AGENT_VERSION")
	setInt(&cfg.Server.ReadTimeoutSeconds, "FARPATH_AGENT_READ_TIMEOUT_SECONDS")
	setInt(&cfg.Server.WriteTimeoutSeconds, "FARPATH_AGENT_WRITE_TIMEOUT_SECONDS")
	setInt(&cfg.Server.IdleTimeoutSeconds, "FARPATH_AGENT_IDLE_TIMEOUT_SECONDS")
	setBool(&cfg.Server.HealthPublic, "FARPATH_AGENT_HEALTH_PUBLIC")
	setString(&cfg.Server.TLSCertFile, "FARPATH_AGENT_TLS_CERT_FILE")
	setString(&cfg.Server.TLSKeyFile, "FARPATH_AGENT_TLS_KEY_FILE")

	setString(&cfg.Auth.Mode, "FARPATH_AGENT_AUTH_MODE")
	setString(&cfg.Auth.BearerToken, "FARPATH_AGENT_TOKEN")
	setString(&cfg.Auth.HMACSecret, "FARPATH_AGENT_HMAC_SECRET")
	setInt(&cfg.Auth.HMACSkewSeconds, "FARPATH_AGENT_HMAC_SKEW_SECONDS")
	setInt(&cfg.Auth.NonceTTLSeconds, "FARPATH_AGENT_NONCE_TTL_SECONDS")

	setBool(&cfg.RateLimit.Enabled, "FARPATH_AGENT_RATE_LIMIT_ENABLED")
	setFloat64(&cfg.RateLimit.GlobalRPS, "FARPATH_AGENT_RATE_LIMIT_GLOBAL_RPS")
	setInt(&cfg.RateLimit.GlobalBurst, "FARPATH_AGENT_RATE_LIMIT_GLOBAL_BURST")
	setFloat64(&cfg.RateLimit.PerIPRPS, "FARPATH_AGENT_RATE_LIMIT_PER_IP_RPS")
	setInt(&cfg.RateLimit.PerIPBurst, "FARPATH_AGENT_RATE_LIMIT_PER_IP_BURST")

	setString(&cfg.Storage.Backend, "FARPATH_AGENT_STORAGE_BACKEND")
	setString(&cfg.Storage.StateFile, "FARPATH_AGENT_STATE_FILE")
	setString(&cfg.Storage.Redis.Addr, "FARPATH_AGENT_REDIS_ADDR")
	setString(&cfg.Storage.Redis.Password, "FARPATH_AGENT_REDIS_PASSWORD")
	setInt(&cfg.Storage.Redis.DB, "FARPATH_AGENT_REDIS_DB")
	setString(&cfg.Storage.Redis.KeyPrefix, "FARPATH_AGENT_REDIS_KEY_PREFIX")

	setString(&cfg.Probe.GatewayOverride, "FARPATH_AGENT_GATEWAY_OVERRIDE")
	setInt(&cfg.Probe.PortControlTimeoutSeconds, "FARPATH_AGENT_PORT_CONTROL_TIMEOUT_SECONDS")

	setString(&cfg.Cloud.Provider, "FARPATH_AGENT_CLOUD_PROVIDER")
	setString(&cfg.Cloud.DOToken, "FARPATH_AGENT_DO_TOKEN")
	setString(&cfg.Cloud.DOAPIBase, "FARPATH_AGENT_DO_API_BASE")
	setString(&cfg.Cloud.DOSize, "FARPATH_AGENT_DO_SIZE")
	setString(&cfg.Cloud.DOImage, "FARPATH_AGENT_DO_IMAGE")
	setString(&cfg.Cloud.DockerImage, "FARPATH_AGENT_DOCKER_IMAGE")
	setString(&cfg.Cloud.SSHUser, "FARPATH_AGENT_SSH_USER")
	setInt(&cfg.Cloud.SSHPort, "FARPATH_AGENT_SSH_PORT")
	setString(&cfg.Cloud.SSHKeyFile, "FARPATH_AGENT_SSH_KEY_FILE")
	setString(&cfg.Cloud.InstallCommand, "FARPATH_AGENT_INSTALL_COMMAND")

	setString(&cfg.Observability.LogLevel, "FARPATH_AGENT_LOG_LEVEL")
	setString(&cfg.Observability.MetricsPath, "FARPATH_AGENT_METRICS_PATH")
	setInt(&cfg.Observability.LogBufferLines, "FARPATH_AGENT_LOG_BUFFER_LINES")
}

func validate(cfg Config) error {
	if cfg.Server.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	mode := strings.ToLower(cfg.Auth.Mode)
	switch mode {
	case "none", "bearer", "hmac", "either":
	default:
		return fmt.Errorf("invalid auth mode: %s", cfg.Auth.Mode)
	}
	if mode == "none" && !isLoopback(cfg.Server.ListenAddr) {
		return errors.New("auth mode none is only allowed on a loopback listen addr")
	}
	if mode == "bearer" && cfg.Auth.BearerToken == "" {
		return errors.New("FARPATH_AGENT_TOKEN is required in bearer mode")
	}
	if mode == "hmac" && cfg.Auth.HMACSecret == "" {
		return errors.New("FARPATH_AGENT_HMAC_SECRET is required in hmac mode")
	}
	if mode == "either" && cfg.Auth.BearerToken == "" && cfg.Auth.HMACSecret == "" {
		return errors.New("either mode requires at least one auth secret (token or hmac)")
	}
	if cfg.Auth.HMACSkewSeconds <= 0 {
		return errors.New("hmac skew must be > 0")
	}
	if cfg.Auth.NonceTTLSeconds <= 0 {
		return errors.New("nonce ttl must be > 0")
	}
	switch strings.ToLower(cfg.Storage.Backend) {
	case "file":
		if cfg.Storage.StateFile == "" {
			return errors.New("state file is required for the file storage backend")
		}
	case "redis":
		if cfg.Storage.Redis.Addr == "" {
			return errors.New("redis addr is required for the redis storage backend")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s", cfg.Storage.Backend)
	}
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.GlobalRPS <= 0 || cfg.RateLimit.GlobalBurst <= 0 {
			return errors.New("global rate limit values must be > 0")
		}
		if cfg.RateLimit.PerIPRPS <= 0 || cfg.RateLimit.PerIPBurst <= 0 {
			return errors.New("per-ip rate limit values must be > 0")
		}
	}
	if cfg.Probe.PortControlTimeoutSeconds <= 0 {
		return errors.New("port control timeout must be > 0")
	}
	if cfg.Observability.LogBufferLines <= 0 {
		return errors.New("log buffer lines must be > 0")
	}
	return nil
}

func isLoopback(addr string) bool {
	host := addr
	if h, _, err := splitHostPort(addr); err == nil {
		host = h
	}
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func splitHostPort(addr string) (string, string, error) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", "", errors.New("missing port")
	}
	return strings.Trim(addr[:i], "[]"), addr[i+1:], nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseBool(v); err == nil {
			*dst = p
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			*dst = p
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = p
		}
	}
}
