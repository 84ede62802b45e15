package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"time"

	"github.com/danmuck/beepmux/internal/config"
	"github.com/danmuck/beepmux/internal/observability"
	"github.com/danmuck/beepmux/internal/protocol/session"
	"github.com/danmuck/beepmux/internal/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func runListen(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	path := fs.String("config", "", "config file (built-in defaults when empty)")
	addr := fs.String("addr", "", "listen address, overrides the config")
	metrics := fs.String("metrics", "", "metrics address, overrides the config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*path)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Listen = *addr
	}
	if *metrics != "" {
		cfg.MetricsAddr = *metrics
	}
	cfg.Connect = ""
	if err := cfg.Validate(); err != nil {
		return err
	}
	reg, err := registry(cfg.Profiles)
	if err != nil {
		return err
	}
	ln, err := transport.Listen(cfg.Listen, cfg.Transport)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Strs("profiles", reg.URIs()).Msg("listening")
	return serve(ctx, ln, cfg, reg)
}

// serve runs the accept loop and, when configured, the metrics endpoint
// until ctx ends.
func serve(ctx context.Context, ln *transport.Listener, cfg config.Config, reg *session.ProfileRegistry) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ln.Serve(gctx, func(c *transport.Conn) { handleConn(gctx, c, cfg, reg) })
	})
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func metricsHandler() http.Handler {
	observability.RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func handleConn(ctx context.Context, c *transport.Conn, cfg config.Config, reg *session.ProfileRegistry) {
	logger := log.With().Str("remote", c.RemoteAddr().String()).Logger()
	s, err := session.New(c, session.RoleListener, cfg.Session, session.WithRegistry(reg))
	if err != nil {
		logger.Error().Err(err).Msg("session setup failed")
		_ = c.Close()
		return
	}
	if err := s.Init(ctx); err != nil {
		logger.Warn().Err(err).Msg("greeting failed")
		return
	}
	logger.Info().Str("session", s.ID()).Str("peer", c.PeerIdentity()).Strs("peer_profiles", s.PeerProfiles()).Msg("session established")
	select {
	case <-s.Done():
	case <-ctx.Done():
		_ = s.Terminate("listener shutting down")
	}
	logger.Info().Str("session", s.ID()).Stringer("state", s.State()).AnErr("cause", s.Err()).Msg("session ended")
}
