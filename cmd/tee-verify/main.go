package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"tee-verify/attestation"
	"tee-verify/measurement"
	"tee-verify/pipeline"
	"tee-verify/scoring"
	"tee-verify/seal"
	"tee-verify/server"
	"tee-verify/shared"
)

const shutdownGrace = 10 * time.Second

func main() {
	// Missing .env is fine; real deployments inject the environment.
	_ = godotenv.Load()

	logger, err := shared.NewLoggerFromEnv("tee-verify")
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Critical("service failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *shared.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity, err := attestation.LoadOrCreateIdentity(
		shared.GetEnvOrDefault("ENCLAVE_ID", "tee-verify-default"),
		shared.GetEnvOrDefault("SIGNING_KEY_PATH", ""),
		logger,
	)
	if err != nil {
		return err
	}

	set := measurement.Compute(logger)
	logger.Info("measurements computed",
		zap.Strings("registers", set.Names()),
		zap.String("enclave_id", identity.EnclaveID),
		zap.Bool("can_sign", identity.CanSign()))

	engine := scoring.NewEngine(logger)
	engine.AllowUnsafeModel = shared.GetEnvBoolOrDefault("ALLOW_UNSAFE_MODEL", false)

	var decryptor *seal.Decryptor
	if sealCfg := seal.LoadConfigFromEnv(); len(sealCfg.KeyServers) > 0 {
		decryptor = seal.NewDecryptor(sealCfg, logger)
		logger.Info("quorum decryption enabled",
			zap.Int("key_servers", len(sealCfg.KeyServers)),
			zap.Int("threshold", sealCfg.Threshold))
	} else {
		logger.Warn("no key servers configured, sealed inputs will be rejected as unloadable")
	}

	p := pipeline.New(set, identity, engine, decryptor, logger)

	cfg := server.ConfigFromEnv()
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.NewRouter(p, cfg, logger),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
