package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"fieldops.org/internal/auth"
	"fieldops.org/internal/config"
	"fieldops.org/internal/httpapi"
	"fieldops.org/internal/notify"
	"fieldops.org/internal/obs"
	"fieldops.org/internal/store/pg"
	"fieldops.org/internal/store/redisstore"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// stores groups the backends chosen by configuration.
type stores struct {
	creds  auth.CredentialStore
	ledger auth.RevocationLedger
	codes  auth.CodeStore
	db     *sql.DB
	redis  *redisstore.Store
	close  func()
}

func main() {
	configPath := flag.String("config", os.Getenv("FIELDOPS_CONFIG"), "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Log.Env, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer obs.SetLogger(logger)()
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("api stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	ledger, err := auth.NewCachedLedger(st.ledger, cfg.Auth.RevokedCache)
	if err != nil {
		return err
	}

	tokenOpts := []auth.TokenOption{auth.WithIssuer(cfg.Auth.Issuer), auth.WithTTL(cfg.Auth.TokenTTL)}
	if cfg.Auth.LivenessCheck {
		tokenOpts = append(tokenOpts, auth.WithLivenessCheck(st.creds))
	}
	tokens, err := auth.NewTokens(cfg.Auth.Secret, ledger, tokenOpts...)
	if err != nil {
		return err
	}

	mailer, err := newMailer(cfg, logger)
	if err != nil {
		return err
	}
	outbox := notify.NewQueue(mailer, cfg.Mail.Queue, logger.Named("mail"))
	flowOpts := []auth.FlowOption{
		auth.WithLogger(logger.Named("flows")),
		auth.WithMailer(outbox),
		auth.WithVerifyURL(cfg.Auth.VerifyURL),
	}
	if cfg.Mail.MXCheck {
		flowOpts = append(flowOpts, auth.WithDomainChecker(notify.NewMXChecker(0, cfg.Mail.MXCacheTTL)))
	}
	flows, err := auth.NewFlows(auth.Deps{
		Credentials: st.creds,
		Ledger:      ledger,
		Codes:       auth.NewCodes(st.codes, cfg.Auth.OTPTTL, nil),
		Tokens:      tokens,
		Hasher:      auth.NewHasher(cfg.Auth.BcryptCost),
	}, flowOpts...)
	if err != nil {
		return err
	}

	sweeper, err := auth.NewSweeper(ledger,
		auth.WithSweepSchedule(cfg.Auth.SweepSchedule),
		auth.WithSweepHook(obs.ObserveSweep),
		auth.WithSweepLogger(logger.Named("sweeper")),
	)
	if err != nil {
		return err
	}
	sweeper.Start()

	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}

	probe := httpapi.ReadyProbe{DB: st.db}
	if st.redis != nil {
		probe.Redis = st.redis
	}
	api := httpapi.New(flows, probe, version,
		httpapi.WithFrontendURL(cfg.Auth.FrontendURL),
		httpapi.WithRateLimit(cfg.Rate.Burst, cfg.Rate.PerSecond),
		httpapi.WithTrustedProxies(proxies...),
		httpapi.WithLogger(logger.Named("http")),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewHealthServer(probe, logger.Named("health"))
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	grpcLn, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	go health.Run(ctx, 15*time.Second)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		logger.Info("grpc listening", zap.String("addr", grpcLn.Addr().String()))
		if err := grpcSrv.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	sweeper.Stop(shutdownCtx)
	if err := outbox.Close(shutdownCtx); err != nil {
		logger.Warn("mail queue not drained", zap.Error(err))
	}
	logger.Info("stopped")
	return runErr
}

func openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (*stores, error) {
	st := &stores{close: func() {}}
	var verification auth.VerificationStore
	var otps auth.OTPStore

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		pgStore, err := pg.Open(cfg.Store.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		st.creds, st.ledger, st.db = pgStore, pgStore, pgStore.DB()
		verification, otps = pgStore, pgStore
		st.close = func() { _ = pgStore.Close() }
	default:
		mem := auth.NewMemoryStore()
		st.creds, st.ledger = mem, mem
		verification, otps = mem, mem
		logger.Warn("using in-memory store; data is lost on restart")
	}

	if cfg.Store.RedisURL != "" {
		rs, err := redisstore.Open(ctx, cfg.Store.RedisURL, cfg.Store.RedisPrefix)
		if err != nil {
			st.close()
			return nil, err
		}
		st.redis = rs
		st.ledger, otps = rs, rs
		prev := st.close
		st.close = func() {
			_ = rs.Close()
			prev()
		}
	}
	st.codes = auth.CombineCodeStores(verification, otps)
	return st, nil
}

func newMailer(cfg config.Config, logger *zap.Logger) (notify.Sender, error) {
	if cfg.Mail.SMTP.Host == "" {
		logger.Warn("no smtp host configured; outbound mail is only logged")
		return notify.NewLogMailer(logger.Named("mail")), nil
	}
	return notify.NewSMTPMailer(cfg.Mail.SMTP, logger.Named("mail"))
}
