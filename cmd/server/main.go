package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/MediaSwitch/internal/adapters/http"
	"github.com/dkeye/MediaSwitch/internal/adapters/rtc"
	wssignal "github.com/dkeye/MediaSwitch/internal/adapters/signal"
	"github.com/dkeye/MediaSwitch/internal/adapters/source"
	"github.com/dkeye/MediaSwitch/internal/app"
	"github.com/dkeye/MediaSwitch/internal/app/orch"
	"github.com/dkeye/MediaSwitch/internal/app/sfu"
	"github.com/dkeye/MediaSwitch/internal/app/switcher"
	"github.com/dkeye/MediaSwitch/internal/config"
	"github.com/dkeye/MediaSwitch/internal/core"
	"github.com/dkeye/MediaSwitch/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("MediaSwitch stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	catalog, err := buildCatalog(cfg)
	if err != nil {
		return err
	}

	pion := rtc.NewLoggerFactory(log.Logger)
	pipeAPI, err := rtc.NewAPI(rtc.APIOptions{
		IncludeLoopback:         cfg.ICE.IncludeLoopback,
		NetworkTypes:            cfg.ICE.NetworkTypes,
		DisconnectedTimeout:     cfg.ICE.DisconnectedTimeout,
		FailedTimeout:           cfg.ICE.FailedTimeout,
		KeepAliveInterval:       cfg.ICE.KeepAliveInterval,
		DisableReplayProtection: true,
		LoggerFactory:           pion,
	})
	if err != nil {
		return fmt.Errorf("pipe api: %w", err)
	}
	viewerAPI, err := rtc.NewAPI(rtc.APIOptions{
		NetworkTypes:        cfg.ICE.NetworkTypes,
		DisconnectedTimeout: cfg.ICE.DisconnectedTimeout,
		FailedTimeout:       cfg.ICE.FailedTimeout,
		KeepAliveInterval:   cfg.ICE.KeepAliveInterval,
		LoggerFactory:       pion,
	})
	if err != nil {
		return fmt.Errorf("viewer api: %w", err)
	}

	sw := switcher.New(func(role core.Role) (core.MediaConnection, error) {
		return rtc.NewWebRTCConnection(pipeAPI, rtc.LoopbackConfig(), role)
	}, cfg.NegotiationTimeout)

	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Catalog:  catalog,
		Pipe:     sw,
		Relays:   sfu.NewRelayManager(),
		Policy:   app.SimplePolicy{Limit: cfg.SlowViewerLimit},
		NewViewer: func() (orch.ViewerSession, error) {
			return rtc.NewWebRTCConnection(viewerAPI, rtc.DefaultWebRTCConfig(cfg.STUNURLs), core.RoleViewer)
		},
	}
	ctrl := wssignal.NewSignalWSController(
		o,
		wssignal.NewRateLimiter(cfg.SelectLimit, cfg.SelectInterval),
		cfg.ReadLimit,
		cfg.PingPeriod,
	)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return catalog.Run(gctx)
	})

	// The output side only reports tracks once media flows, so sources
	// are already running when the pipe negotiates.
	if _, err := o.Start(gctx); err != nil {
		o.Stop()
		stop()
		return errors.Join(fmt.Errorf("start pipe: %w", err), g.Wait())
	}

	r := router.SetupRouter(gctx, cfg, o, ctrl)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("MediaSwitch server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		o.Stop()
		return nil
	})

	return g.Wait()
}

func buildCatalog(cfg *config.Config) (*app.Catalog, error) {
	sources := make([]core.Source, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		info, err := sc.Info()
		if err != nil {
			return nil, err
		}
		src, err := source.New(info)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	catalog, err := app.NewCatalog(sources...)
	if err != nil {
		return nil, err
	}
	for _, id := range []string{cfg.DefaultAudio, cfg.DefaultVideo} {
		if id == "" {
			continue
		}
		if err := catalog.SetActive(domain.SourceID(id)); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}
