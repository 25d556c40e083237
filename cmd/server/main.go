package main

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"clientportal/internal/api"
	"clientportal/internal/auth"
	"clientportal/internal/config"
	"clientportal/internal/db"
	"clientportal/internal/federation"
	"clientportal/internal/models"
	"clientportal/internal/notify"
	"clientportal/internal/obs"
	"clientportal/internal/rate"
	"clientportal/internal/service"
	"clientportal/internal/store"
	"clientportal/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	dialect, err := db.DialectFor(cfg.DBDriver)
	if err != nil {
		log.Fatalf("db driver: %v", err)
	}
	sqdb, err := openDB(cfg)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer sqdb.Close()
	if err := db.ApplyMigrations(sqdb, cfg.MigrationsDir, dialect); err != nil {
		log.Fatalf("migration: %v", err)
	}
	st := store.New(sqdb, dialect)

	hasher, err := auth.NewHasher(auth.DefaultHashParams)
	if err != nil {
		log.Fatalf("hasher: %v", err)
	}
	signer, err := auth.NewSigner(auth.SignerConfig{
		Secret:        cfg.JWTSecret,
		PrivateKeyPEM: cfg.JWTPrivateKeyPEM,
		PublicKeyPEM:  cfg.JWTPublicKeyPEM,
		KeyID:         cfg.JWTKeyID,
		Issuer:        cfg.JWTIssuer,
		Audience:      cfg.JWTAudience,
		AccessTTL:     cfg.AccessTokenTTL,
		LinkTTL:       cfg.LinkTokenTTL,
	})
	if err != nil {
		log.Fatalf("signer: %v", err)
	}

	metrics := obs.New()
	info := version.Current()
	metrics.SetBuildInfo(info.Version, info.Commit)

	transport, err := notify.NewSender(cfg)
	if err != nil {
		log.Fatalf("mail sender: %v", err)
	}
	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		QueueSize:   cfg.MailQueueSize,
		Workers:     cfg.MailWorkers,
		SendTimeout: cfg.MailSendTimeout,
	}, transport, metrics)

	svc := service.New(cfg, st, hasher, signer, dispatcher, service.WithMetrics(metrics))

	var (
		states    federation.StateStore = federation.NewMemoryStateStore()
		limiter   rate.Limiter          = rate.NewMemoryLimiter()
		readiness []api.ReadinessCheck
		rdb       *redis.Client
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis url: %v", err)
		}
		rdb = redis.NewClient(opts)
		redisStates := federation.NewRedisStateStore(rdb)
		states = redisStates
		limiter = rate.NewRedisLimiter(rdb)
		readiness = append(readiness, api.ReadinessCheck{Name: "redis", Check: redisStates.Ping})
	}

	registry := service.NewRegistry(
		googleBroker(cfg, svc, states),
		datevBroker(cfg, svc, states),
	)
	for _, kind := range []models.ProviderKind{models.ProviderGoogle, models.ProviderDatev} {
		if _, ok := registry.Lookup(kind); !ok {
			log.Printf("federation provider disabled provider=%s simulation=%t", kind, cfg.FederationDevSimulation)
		}
	}

	r := api.NewRouter(cfg, svc, api.Deps{
		Federation: registry,
		Limiter:    limiter,
		Metrics:    metrics,
		Readiness:  readiness,
	})

	hsrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadTimeout:       time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s version=%s signing=%s db=%s", cfg.ListenAddr, info.Version, signer.Mode(), dialect)
		if err := hsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Printf("shutting down signal=%s", s)
	case err := <-errCh:
		log.Printf("server: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := hsrv.Shutdown(ctx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	dispatcher.Close()
	if c, ok := transport.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Printf("mail transport close: %v", err)
		}
	}
	if rdb != nil {
		_ = rdb.Close()
	}
}

func openDB(cfg config.Config) (*sql.DB, error) {
	if cfg.DBDriver == "sqlite" {
		return db.OpenSQLite(cfg.DBPath, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
	}
	return db.Open(cfg.DBDriver, cfg.DBDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
}

// A provider without credentials gets no broker.
func googleBroker(cfg config.Config, svc *service.Service, states federation.StateStore) *service.FederationBroker {
	if !cfg.GoogleEnabled() {
		return nil
	}
	p := federation.NewGoogle(federation.OAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.OAuthCallbackURL(string(models.ProviderGoogle)),
	})
	return svc.NewFederationBroker(p, states)
}

func datevBroker(cfg config.Config, svc *service.Service, states federation.StateStore) *service.FederationBroker {
	if !cfg.DatevEnabled() {
		return nil
	}
	p := federation.NewDatev(federation.OAuthConfig{
		ClientID:     cfg.DatevClientID,
		ClientSecret: cfg.DatevClientSecret,
		RedirectURL:  cfg.OAuthCallbackURL(string(models.ProviderDatev)),
		AuthURL:      cfg.DatevAuthURL,
		TokenURL:     cfg.DatevTokenURL,
		UserInfoURL:  cfg.DatevUserInfoURL,
		Scopes:       cfg.DatevScopes,
	})
	return svc.NewFederationBroker(p, states)
}
