package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dativo-io/warden/internal/coordinator"
	"github.com/dativo-io/warden/internal/server"
)

var (
	serveAddr       string
	serveCallerRate float64
	serveCORS       []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API with scheduled maintenance and memory checks",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default: listen_addr from config)")
	serveCmd.Flags().Float64Var(&serveCallerRate, "caller-rate", 0, "per-caller request limit in requests/second (0 disables)")
	serveCmd.Flags().StringSliceVar(&serveCORS, "cors-origin", nil, "allowed CORS origin (repeatable)")
	rootCmd.AddCommand(serveCmd)
}

// parseAPIKeys maps each key to a caller name. Entries are "key" or "key:caller".
func parseAPIKeys(entries []string) map[string]string {
	m := make(map[string]string, len(entries))
	for _, part := range entries {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		caller := "default"
		if idx := strings.Index(part, ":"); idx > 0 {
			caller = strings.TrimSpace(part[idx+1:])
			part = strings.TrimSpace(part[:idx])
		}
		m[part] = caller
	}
	return m
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, cfg, err := openCoordinator(ctx, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Error().Err(err).Msg("coordinator_close_failed")
		}
	}()

	sched := coordinator.NewScheduler(c)
	if err := sched.RegisterJobs(cfg.MaintenanceInterval); err != nil {
		return fmt.Errorf("registering jobs: %w", err)
	}

	apiKeys := parseAPIKeys(cfg.APIKeys)
	if len(apiKeys) == 0 {
		log.Warn().Msg("WARDEN_API_KEYS not set; every /v1 endpoint will return 401")
	}
	opts := []server.Option{server.WithCallerRate(serveCallerRate, 0)}
	if len(serveCORS) > 0 {
		opts = append(opts, server.WithCORSOrigins(serveCORS))
	}
	addr := serveAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.NewServer(c, apiKeys, opts...).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sched.Start()
	defer sched.Stop()

	log.Info().
		Str("addr", addr).
		Int("cron_entries", sched.Entries()).
		Str("policy_version", c.Policy().VersionTag).
		Bool("watchdog", c.Watchdog() != nil).
		Msg("warden_serve_started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown_signal_received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("server_stopped")
	return nil
}
