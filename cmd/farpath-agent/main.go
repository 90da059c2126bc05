package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/farpath/farpath-agent/internal/api"
	"github.com/farpath/farpath-agent/internal/auth"
	"github.com/farpath/farpath-agent/internal/cloud"
	"github.com/farpath/farpath-agent/internal/config"
	"github.com/farpath/farpath-agent/internal/diag"
	"github.com/farpath/farpath-agent/internal/metrics"
	"github.com/farpath/farpath-agent/internal/netprobe"
	"github.com/farpath/farpath-agent/internal/notify"
	"github.com/farpath/farpath-agent/internal/observability"
	"github.com/farpath/farpath-agent/internal/reproxy"
	"github.com/farpath/farpath-agent/internal/session"
	"github.com/farpath/farpath-agent/internal/settings"
	"github.com/farpath/farpath-agent/internal/social"
	"github.com/farpath/farpath-agent/internal/storage"
)

// cloudNetworkName is the locally backed admin network that owns
// provisioned proxy nodes.
const cloudNetworkName = "farpath-cloud"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("config error: %v", err))
	}
	logBuf := diag.NewLogBuffer(cfg.Observability.LogBufferLines)
	logger := observability.NewLogger(cfg.Observability.LogLevel, logBuf)

	store, err := openStore(cfg)
	if err != nil {
		logger.Error("storage_init_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	bus := notify.NewBus()
	reg := metrics.New()
	hub := notify.NewHub(bus, reg, logger)

	settingsStore := settings.NewStore(store, bus, logger)
	if err := settingsStore.Load(ctx); err != nil {
		logger.Warn("settings_load_failed", slog.String("error", err.Error()))
	}

	registry := social.NewRegistry()
	registry.Register(social.NetworkInfo{Name: cloudNetworkName, CloudAdmin: true}, social.NewCloudProvider(store, logger))

	gateway := netprobe.NewGatewayFinder(cfg.Probe.GatewayOverride)
	ports := netprobe.NewUDPPortProber(gateway, time.Duration(cfg.Probe.PortControlTimeoutSeconds)*time.Second, logger)
	classifier := netprobe.NewSTUNClassifier(func() []string { return settingsStore.Snapshot().StunServers }, logger)
	prober := netprobe.NewProber(classifier, ports, bus, reg, logger)

	checker := reproxy.NewChecker(logger, reg)

	manager := session.NewManager(registry, store, bus, reg, logger)
	settingsStore.OnDescriptionChange(manager.BroadcastDescription)

	modules := cloud.NewModules()
	modules.Register("digitalocean", func() (cloud.VMProvider, error) {
		if cfg.Cloud.DOToken == "" {
			return nil, errors.New("digitalocean provider requires FARPATH_AGENT_DO_TOKEN")
		}
		return cloud.NewDOProvider(cfg.Cloud, logger), nil
	})
	modules.Register("docker", func() (cloud.VMProvider, error) {
		return cloud.NewDockerProvider(context.Background(), cfg.Cloud.DockerImage, logger)
	})
	installer := cloud.NewSSHInstaller(cfg.Cloud.InstallCommand, logger)
	provisioner := cloud.NewProvisioner(cfg.Cloud, modules, installer, manager, bus, reg, logger)

	exporter := diag.NewExporter(logBuf, cfg.Server.Version, prober)

	apiServer := api.New(cfg, api.Deps{
		Sessions:    manager,
		Settings:    settingsStore,
		Prober:      prober,
		Reproxy:     checker,
		Cloud:       provisioner,
		Diagnostics: exporter,
		Updates:     hub,
		Store:       store,
	}, reg, logger)

	routes := apiServer.Routes()
	authState := auth.NewMiddlewareState(cfg.Auth.NonceTTLSeconds)
	protected := authState.Middleware(cfg.Auth, routes)
	rateLimited := auth.NewRateLimiter(cfg.RateLimit, reg).Middleware(protected)
	var root http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.Server.HealthPublic && (r.URL.Path == "/healthz" || r.URL.Path == "/readyz") {
			routes.ServeHTTP(w, r)
			return
		}
		rateLimited.ServeHTTP(w, r)
	})
	root = observability.Middleware(logger, reg, root)

	httpSrv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      root,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}

	// Reconnection must not gate startup; remembered networks come back
	// while the API is already serving.
	reconnectCtx, cancelReconnect := context.WithCancel(context.Background())
	defer cancelReconnect()
	go manager.ReconnectAll(reconnectCtx)

	go func() {
		logger.Info("farpath_agent_start",
			slog.String("listen_addr", cfg.Server.ListenAddr),
			slog.String("auth_mode", cfg.Auth.Mode),
			slog.String("storage_backend", cfg.Storage.Backend))
		var err error
		if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
			err = httpSrv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server_failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cancelReconnect()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_failed", slog.String("error", err.Error()))
	}
	logger.Info("farpath_agent_stopped")
}

func openStore(cfg config.Config) (storage.Store, error) {
	switch strings.ToLower(cfg.Storage.Backend) {
	case "redis":
		rs := storage.NewRedisStore(cfg.Storage.Redis.Addr, cfg.Storage.Redis.Password, cfg.Storage.Redis.DB, cfg.Storage.Redis.KeyPrefix)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rs.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return rs, nil
	default:
		return storage.NewFileStore(cfg.Storage.StateFile)
	}
}
