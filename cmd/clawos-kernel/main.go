// Command clawos-kernel runs the ClawOS control-plane kernel.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/clawos/kernel/pkg/api"
	"github.com/clawos/kernel/pkg/approval"
	"github.com/clawos/kernel/pkg/artifacts"
	"github.com/clawos/kernel/pkg/audit"
	"github.com/clawos/kernel/pkg/config"
	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/crypto"
	"github.com/clawos/kernel/pkg/dispatch"
	"github.com/clawos/kernel/pkg/identity"
	"github.com/clawos/kernel/pkg/kernel"
	"github.com/clawos/kernel/pkg/llm"
	"github.com/clawos/kernel/pkg/observability"
	"github.com/clawos/kernel/pkg/policy"
	"github.com/clawos/kernel/pkg/session"
	"github.com/clawos/kernel/pkg/store"
	"github.com/clawos/kernel/pkg/task"
	"github.com/clawos/kernel/pkg/token"
	"github.com/clawos/kernel/pkg/worker"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	clock := contracts.WallClock{}
	ctx := context.Background()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	if err := kernel.Housekeep(ctx, st, cfg, clock, logger); err != nil {
		return err
	}

	masterKey, err := crypto.EnsureMasterKey(ctx, st)
	if err != nil {
		return fmt.Errorf("master key: %w", err)
	}
	vault, err := crypto.NewVault(masterKey)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	signingKey := ""
	if hash, ok, err := st.GetState(ctx, crypto.StateRecoveryHash); err == nil && ok {
		signingKey = hash
	}
	signer := crypto.NewSigner(signingKey)

	obs, err := observability.New(ctx, cfg.OTLPEndpoint, version, cfg.Env, logger)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	var blobs artifacts.BlobStore
	if cfg.ArtifactS3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("aws config: %w", err)
		}
		blobs = &artifacts.S3Store{Client: s3.NewFromConfig(awsCfg), Bucket: cfg.ArtifactS3Bucket}
	} else {
		blobs = &artifacts.DirStore{Root: cfg.ArtifactDir}
	}
	offloader := artifacts.NewOffloader(blobs)

	model := llm.New(cfg.LLMServiceURL, cfg.LLMAPIKey)
	rec := audit.New(logger)
	ids := identity.NewService(st, clock)
	eng := policy.NewEngine(st, clock)
	apr := approval.NewService(st, clock)
	tok := token.NewService(st, signer, clock)

	reg := dispatch.NewRegistry()
	deps := dispatch.HandlerDeps{Store: st, Vault: vault, FilesDir: cfg.FilesDir}
	if model != nil {
		deps.LLM = model
	}
	dispatch.RegisterBuiltins(reg, deps)
	disp := dispatch.New(st, eng, apr, tok, reg, rec, clock)

	runner := worker.New(st, ids, disp, offloader, rec, clock)
	tasks := task.NewService(st, ids, offloader, clock)

	sessOpts := []session.Option{
		session.WithTimeout(cfg.SessionTimeout),
		session.WithDriftClassifier(cfg.DriftClassifier),
	}
	if model != nil {
		sessOpts = append(sessOpts, session.WithLLM(model))
	}
	sessions := session.NewResolver(st, clock, sessOpts...)

	var limiter kernel.LimiterStore
	if cfg.RedisAddr != "" {
		limiter = kernel.NewRedisLimiter(cfg.RedisAddr, 50, 100)
	} else {
		limiter = kernel.NewLocalLimiter(50, 100)
	}

	srv := api.NewServer(api.Deps{
		Store:      st,
		Gate:       kernel.NewGate(st, clock),
		Identity:   ids,
		Policy:     eng,
		Tokens:     tok,
		Approvals:  apr,
		Dispatcher: disp,
		Worker:     runner,
		Tasks:      tasks,
		Sessions:   sessions,
		Vault:      vault,
		Audit:      rec,
		Clock:      clock,
		Logger:     logger,
		Obs:        obs,
		Limiter:    limiter,
		Version:    version,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("kernel listening", "port", cfg.Port, "db", cfg.DBPath, "env", cfg.Env)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
