// Command sessiond runs the session broker: an HTTP service that opens
// SSH and database connections on behalf of platform callers, hands back
// capability tokens, and keeps the live handles alive between requests.
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

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"

	"github.com/stratal/sessiond/broker"
	"github.com/stratal/sessiond/dbres"
	"github.com/stratal/sessiond/httpapi"
	"github.com/stratal/sessiond/internal/logctx"
	"github.com/stratal/sessiond/internal/platformauth"
	"github.com/stratal/sessiond/metastore"
	"github.com/stratal/sessiond/metastore/memstore"
	"github.com/stratal/sessiond/metastore/redistore"
	"github.com/stratal/sessiond/sessions"
	"github.com/stratal/sessiond/sshres"
	"github.com/stratal/sessiond/tokens"
)

type config struct {
	ListenAddr        string        `env:"SESSIOND_LISTEN_ADDR,default=127.0.0.1:8080"`
	InstanceID        string        `env:"SESSIOND_INSTANCE_ID"`
	SigningSecret     string        `env:"SESSIOND_SIGNING_SECRET"`
	SigningSecretFile string        `env:"SESSIOND_SIGNING_SECRET_FILE"`
	TokenIssuer       string        `env:"SESSIOND_TOKEN_ISSUER,default=sessiond"`
	SessionTTL        time.Duration `env:"SESSIOND_SESSION_TTL,default=30m"`
	SweepInterval     time.Duration `env:"SESSIOND_SWEEP_INTERVAL,default=60s"`
	MaxInFlight       int           `env:"SESSIOND_MAX_INFLIGHT,default=0"`

	// RedisAddr, when set, switches session metadata mirroring from the
	// in-process store to Redis so peers can classify foreign tokens.
	RedisAddr      string `env:"SESSIOND_REDIS_ADDR"`
	RedisKeyPrefix string `env:"SESSIOND_REDIS_KEY_PREFIX,default=sessiond:meta:"`

	PlatformJWKSURL  string `env:"SESSIOND_PLATFORM_JWKS_URL,required"`
	PlatformIssuer   string `env:"SESSIOND_PLATFORM_ISSUER,required"`
	PlatformAudience string `env:"SESSIOND_PLATFORM_AUDIENCE"`

	LogLevel string `env:"SESSIOND_LOG_LEVEL,default=info"`
}

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg config
	if err := envdecode.Decode(&cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	keys, cleanupKeys, err := keySource(cfg, log)
	if err != nil {
		return err
	}
	defer cleanupKeys()

	codec, err := tokens.NewCodec(keys, cfg.TokenIssuer)
	if err != nil {
		return fmt.Errorf("token codec: %w", err)
	}

	store, err := newMetaStore(cfg)
	if err != nil {
		return fmt.Errorf("metadata store: %w", err)
	}
	defer store.Close()

	verifier, err := platformauth.New(ctx, platformauth.Config{
		JWKSURL:  cfg.PlatformJWKSURL,
		Issuer:   cfg.PlatformIssuer,
		Audience: cfg.PlatformAudience,
	})
	if err != nil {
		return fmt.Errorf("platform auth: %w", err)
	}

	hostKeys := sshres.NewKnownHosts()
	sshConn, err := sshres.NewConnector(hostKeys.Callback(), sshres.DefaultConnectTimeout)
	if err != nil {
		return fmt.Errorf("ssh connector: %w", err)
	}
	dbConn := dbres.NewConnector(0)

	brokerCfg := broker.Config{
		InstanceID: cfg.InstanceID,
		SessionTTL: cfg.SessionTTL,
		Logger:     log,
	}
	sshBroker, err := broker.New(sessions.KindSSH, sshConn.Connect, codec, store, brokerCfg)
	if err != nil {
		return fmt.Errorf("ssh broker: %w", err)
	}
	dbBroker, err := broker.New(sessions.KindDB, dbConn.Connect, codec, store, brokerCfg)
	if err != nil {
		return fmt.Errorf("db broker: %w", err)
	}

	sshLifecycle := broker.WithMaxInFlight(broker.WithLogging[sshres.Credentials](sshBroker, log), cfg.MaxInFlight)
	dbLifecycle := broker.WithMaxInFlight(broker.WithLogging[dbres.Credentials](dbBroker, log), cfg.MaxInFlight)

	sweeper := broker.NewSweeper(cfg.SweepInterval, log)
	sweeper.Register(sshBroker)
	sweeper.Register(dbBroker)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("sweeper: %w", err)
	}
	defer sweeper.Stop()

	srv := httpapi.New(httpapi.Config{
		SSHLifecycle: sshLifecycle,
		DBLifecycle:  dbLifecycle,
		SSHExecutor:  sshres.NewExecutor(sshBroker, log),
		DBExecutor:   dbres.NewExecutor(dbBroker, log),
		HostKeys:     hostKeys,
		Verifier:     verifier,
		Health: func() map[string]any {
			return map[string]any{
				"instance_id":  cfg.InstanceID,
				"ssh_sessions": sshBroker.ActiveSessions(),
				"db_sessions":  dbBroker.ActiveSessions(),
			}
		},
		Logger: log,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr, "instance_id", cfg.InstanceID)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logctx.Handler{Handler: h})
}

// keySource picks file-backed signing material when a path is configured,
// so secrets can rotate without a restart.
func keySource(cfg config, log *slog.Logger) (tokens.KeySource, func(), error) {
	if cfg.SigningSecretFile != "" {
		src, err := tokens.NewFileKeySource(cfg.SigningSecretFile, log)
		if err != nil {
			return nil, nil, fmt.Errorf("signing secret file: %w", err)
		}
		return src, func() { _ = src.Close() }, nil
	}
	if cfg.SigningSecret == "" {
		return nil, nil, errors.New("config: SESSIOND_SIGNING_SECRET or SESSIOND_SIGNING_SECRET_FILE must be set")
	}
	return tokens.StaticKey(cfg.SigningSecret), func() {}, nil
}

func newMetaStore(cfg config) (metastore.Store, error) {
	if cfg.RedisAddr == "" {
		return memstore.New(), nil
	}
	return redistore.New(redistore.Config{
		RedisAddr: cfg.RedisAddr,
		KeyPrefix: cfg.RedisKeyPrefix,
	})
}
