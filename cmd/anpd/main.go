package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/seanzhang9999/anp-open-sdk-go/internal/descriptor"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/identity"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/loader"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/registry"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/router"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/server"
	"github.com/seanzhang9999/anp-open-sdk-go/pkg/did"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("anpd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────
	viper.SetConfigName("anpd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("anp")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.listen", ":9527")
	viper.SetDefault("server.domains", []string{"localhost:9527"})
	viper.SetDefault("server.data_root", "data")
	viper.SetDefault("server.cors_origins", []string{})
	viper.SetDefault("server.rate_limit_rps", 0)
	viper.SetDefault("server.body_limit_bytes", 1<<20)
	viper.SetDefault("agents.dir", "agents")
	viper.SetDefault("identity.token_secret", "")
	viper.SetDefault("identity.token_ttl_seconds", 3600)
	viper.SetDefault("hosted.process_interval", "5s")
	viper.SetDefault("hosted.result_retention", "168h")
	viper.SetDefault("hosted.cleanup_every", "24h")
	viper.SetDefault("hosted.estimated_seconds", 300)
	viper.SetDefault("forward.use_framework_server", false)
	viper.SetDefault("forward.framework_url", "")
	viper.SetDefault("forward.fallback_to_local", true)
	viper.SetDefault("forward.timeout", "30s")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── Core state ───────────────────────────────────────────────────────
	reg := registry.New(logger)
	rt := router.New(reg, logger)

	var tokens *identity.TokenIssuer
	if secret := viper.GetString("identity.token_secret"); secret != "" {
		ttl := time.Duration(viper.GetInt("identity.token_ttl_seconds")) * time.Second
		tokens = identity.NewTokenIssuer([]byte(secret), "anp-open-sdk", ttl)
		logger.Info("bearer-token identification enabled")
	}

	// ── Agents ───────────────────────────────────────────────────────────
	ld := loader.New(reg, logger)
	loaded, err := ld.LoadAll(viper.GetString("agents.dir"))
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	for _, l := range loaded {
		d, err := did.Parse(l.Agent.DID)
		if err != nil {
			logger.Warn("agent DID does not parse, attaching to default domain",
				zap.String("agent", l.Agent.Name), zap.Error(err))
			rt.AttachAgent("localhost", 9527, l.Agent)
			continue
		}
		rt.AttachAgent(d.Host, d.Port, l.Agent)
	}
	logger.Info("agents loaded", zap.Int("count", len(loaded)))

	// ── HTTP server + workers ────────────────────────────────────────────
	srv, err := server.New(server.Config{
		DataRoot:           viper.GetString("server.data_root"),
		Domains:            viper.GetStringSlice("server.domains"),
		CORSOrigins:        viper.GetStringSlice("server.cors_origins"),
		RateLimitRPS:       viper.GetInt("server.rate_limit_rps"),
		BodyLimitBytes:     viper.GetInt64("server.body_limit_bytes"),
		ProcessInterval:    viper.GetDuration("hosted.process_interval"),
		ResultRetention:    viper.GetDuration("hosted.result_retention"),
		CleanupEvery:       viper.GetDuration("hosted.cleanup_every"),
		EstimatedSeconds:   viper.GetInt("hosted.estimated_seconds"),
		UseFrameworkServer: viper.GetBool("forward.use_framework_server"),
		FrameworkURL:       viper.GetString("forward.framework_url"),
		FallbackToLocal:    viper.GetBool("forward.fallback_to_local"),
		ForwardTimeout:     viper.GetDuration("forward.timeout"),
	}, reg, rt, tokens, nil, logger)
	if err != nil {
		return fmt.Errorf("assemble server: %w", err)
	}

	// ── Descriptors ──────────────────────────────────────────────────────
	gen := descriptor.NewGenerator(reg, srv.Users(), logger)
	seen := make(map[string]bool)
	for _, l := range loaded {
		if seen[l.Agent.DID] {
			continue
		}
		seen[l.Agent.DID] = true
		d, err := did.Parse(l.Agent.DID)
		if err != nil {
			continue
		}
		root := srv.Domains().UserDIDPath(d.Host, d.Port)
		if err := gen.GenerateFor(l.Agent.DID, d.Host, d.Port, root); err != nil {
			logger.Warn("descriptor generation failed",
				zap.String("did", l.Agent.DID), zap.Error(err))
		}
	}

	// ── Init hooks ───────────────────────────────────────────────────────
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	for _, l := range loaded {
		if l.Init == nil {
			continue
		}
		if err := l.Init(startCtx); err != nil {
			logger.Error("agent init failed", zap.String("agent", l.Agent.Name), zap.Error(err))
		}
	}
	cancelStart()

	// ── Run until signalled ──────────────────────────────────────────────
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(viper.GetString("server.listen"))
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}

	cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCleanup()
	for _, l := range loaded {
		if l.Cleanup == nil {
			continue
		}
		if err := l.Cleanup(cleanupCtx); err != nil {
			logger.Warn("agent cleanup failed", zap.String("agent", l.Agent.Name), zap.Error(err))
		}
	}
	return nil
}
