// Command oauth-gatewayd runs the gateway's two listeners: the main proxy
// and, when enabled, the administrative enrollment/health API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basher83/oauth-gateway/internal/admin"
	"github.com/basher83/oauth-gateway/internal/adminapi"
	"github.com/basher83/oauth-gateway/internal/config"
	"github.com/basher83/oauth-gateway/internal/dispatch"
	"github.com/basher83/oauth-gateway/internal/httpapi"
	"github.com/basher83/oauth-gateway/internal/obslog"
	"github.com/basher83/oauth-gateway/internal/obstrace"
	"github.com/basher83/oauth-gateway/internal/oauthflow"
	"github.com/basher83/oauth-gateway/internal/pool"
	"github.com/basher83/oauth-gateway/internal/provider"
	"github.com/basher83/oauth-gateway/internal/refresher"
	"github.com/basher83/oauth-gateway/internal/store"
)

const defaultGracefulTimeout = 15 * time.Second

// tracingEndpointEnvVar and redisAddrEnvVar are ambient observability
// settings left out of config.Config's flag/env/file precedence chain:
// both are optional, off by default, and never need a config file entry.
const (
	tracingEndpointEnvVar = "OAUTH_GATEWAY_TRACING_ENDPOINT"
	redisAddrEnvVar       = "OAUTH_GATEWAY_REDIS_ADDR"
)

func main() {
	root := &cobra.Command{
		Use:   "oauth-gatewayd",
		Short: "Authenticating reverse proxy for a pool of OAuth subscription credentials",
		RunE:  run,
	}
	root.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.Flags().String("log-format", "console", "log format (console, json)")

	if err := config.BindFlags(root); err != nil {
		obslog.Init(obslog.Options{})
		obslog.Log.Fatal().Err(err).Msg("binding flags")
	}

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logFormat, _ := cmd.Flags().GetString("log-format")
	obslog.Init(obslog.Options{Level: logLevel, Format: logFormat})
	log := obslog.Log

	cfg, err := config.Load(cmd)
	if err != nil {
		log.Error().Err(err).Msg("loading configuration")
		return err
	}

	st, err := store.Load(cfg.OAuth.CredentialsFile)
	if err != nil {
		log.Error().Err(err).Msg("loading credential store")
		return err
	}

	ids := cfg.OAuth.AccountIDs
	if len(ids) == 0 {
		ids = st.ListIDs()
	}

	tokenClient := oauthflow.NewClient(30 * time.Second)
	accountPool := pool.New(st, tokenClient, cfg.OAuth.Cooldown, ids)

	refr := refresher.New(st, tokenClient, accountPool, refresher.Config{
		Interval:  cfg.OAuth.RefreshInterval,
		Threshold: cfg.OAuth.RefreshThreshold,
	})
	refr.Start()
	defer refr.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingEndpoint := os.Getenv(tracingEndpointEnvVar)
	tracingName := ""
	if tracingEndpoint != "" {
		tp, err := obstrace.Init(ctx, obstrace.Config{
			ServiceName:    "oauth-gatewayd",
			ServiceVersion: "dev",
			Endpoint:       tracingEndpoint,
		})
		if err != nil {
			log.Error().Err(err).Msg("initializing tracing")
			return err
		}
		tracingName = "oauth-gatewayd"
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	pipe := provider.NewOAuthPipeline(accountPool)
	loop := dispatch.New(pipe, cfg.UpstreamURL, dispatch.DefaultConfig(cfg.RequestTimeout))

	mainRouter := httpapi.NewRouter(httpapi.Options{
		Config:       cfg,
		Loop:         loop,
		PoolHealthFn: accountPool.Health,
		TracingName:  tracingName,
		RedisAddr:    os.Getenv(redisAddrEnvVar),
	})
	mainServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mainRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	servers := []*http.Server{mainServer}

	var adminServer *http.Server
	if cfg.Admin.Enabled {
		adminSurface := admin.New(st, tokenClient, accountPool)
		adminServer = &http.Server{
			Addr:              cfg.Admin.ListenAddress,
			Handler:           adminapi.NewRouter(adminSurface),
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, adminServer)
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("listener_starting")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
				return
			}
			errCh <- nil
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("listener_failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("addr", srv.Addr).Msg("listener_shutdown_failed")
		}
	}

	log.Info().Msg("shutdown_complete")
	return nil
}
