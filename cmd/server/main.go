package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/sysmanage/sysmanage-server/internal/agenthub"
	"github.com/sysmanage/sysmanage-server/internal/audit"
	"github.com/sysmanage/sysmanage-server/internal/certs"
	"github.com/sysmanage/sysmanage-server/internal/config"
	"github.com/sysmanage/sysmanage-server/internal/control"
	"github.com/sysmanage/sysmanage-server/internal/cve"
	"github.com/sysmanage/sysmanage-server/internal/dbstore"
	"github.com/sysmanage/sysmanage-server/internal/handlers"
	"github.com/sysmanage/sysmanage-server/internal/logging"
	"github.com/sysmanage/sysmanage-server/internal/loginsec"
	"github.com/sysmanage/sysmanage-server/internal/notify"
	"github.com/sysmanage/sysmanage-server/internal/queue"
	"github.com/sysmanage/sysmanage-server/internal/service"
	"github.com/sysmanage/sysmanage-server/internal/vaultclient"
	"github.com/sysmanage/sysmanage-server/internal/wssecurity"
)

func main() {
	// Local-dev convenience only; a missing .env is not an error.
	_ = godotenv.Load()

	cfg := config.Get()
	logging.Setup(cfg.Logging.Level, cfg.Logging.File)

	slog.Info("sysmanage-server starting", "env", cfg.API.Env)

	store, err := dbstore.Open(&cfg.Database)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	auditSvc := audit.New(store)
	queueSvc := queue.New(store)
	vault := vaultclient.New(&cfg.Vault)

	var topic agenthub.WakeTopic = notify.NewTopic()
	if cfg.Redis.Address != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		topic = notify.NewRedisTopic(rdb, "")
		slog.Info("cross-instance queue notifications enabled", "redis", cfg.Redis.Address)
	}

	certMgr, err := certs.NewSelfSignedCA("sysmanage-server-ca", 10*365*24*time.Hour)
	if err != nil {
		slog.Error("certificate authority init failed", "error", err)
		os.Exit(1)
	}

	tokens := wssecurity.NewTokenIssuer(cfg.Security.JWTSecret, time.Duration(cfg.Security.ConnectionTokenTTLSec)*time.Second)
	limiter := wssecurity.NewConnectionLimiter()
	active := wssecurity.NewActiveConnections()

	hub := agenthub.New(store, certMgr, tokens, limiter, active, queueSvc, auditSvc, topic)
	handlers.Register(hub, &handlers.Deps{Store: handlers.WrapStore(store)})

	loginSvc := loginsec.New(store, auditSvc,
		cfg.Security.PasswordSalt, cfg.Security.JWTSecret,
		cfg.Security.MaxFailedLogins, cfg.GetAccountLockoutDuration())

	svc := service.New(service.WrapStore(store), certMgr, vault, topic, 2*365*24*time.Hour)

	var cveSched *cve.Scheduler
	if cfg.CVE.Enabled {
		cveSched = cve.NewScheduler(store, []cve.Source{cve.NewNVDSource(cfg.CVE.NVDAPIKey)})
	}

	var beacon *control.DiscoveryBeacon
	if cfg.Discovery.Enabled {
		beacon = control.NewDiscoveryBeacon(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := control.NewManager(store, queueSvc, limiter, cveSched,
		time.Duration(cfg.Monitoring.HeartbeatTimeoutMinutes)*time.Minute,
		time.Duration(cfg.MessageQueue.ExpirationTimeoutMinutes)*time.Minute,
		time.Duration(cfg.MessageQueue.CleanupIntervalMinutes)*time.Minute,
		time.Duration(cfg.CVE.RefreshIntervalHours)*time.Hour,
		cfg.CVE.EnabledSources,
		beacon,
	)
	mgr.Start(ctx)
	defer mgr.Stop()

	control.RegisterConnectionGauge(active.Count)

	router := mux.NewRouter()
	router.HandleFunc("/api/agent/connect", hub.HandleUpgrade)
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	registerFacadeRoutes(router, svc, loginSvc, tokens)

	srv := &http.Server{
		Addr:         cfg.API.Interface + ":" + cfg.API.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.API.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.API.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.API.IdleTimeoutSec) * time.Second,
	}

	go func() {
		slog.Info("agent endpoint listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		slog.Info("shutdown signal received", "signal", s.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.API.ShutdownTimeout)*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown", "error", err)
	}
	slog.Info("sysmanage-server stopped")
}
