package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/hackforge/go/clients/hack_api_client"
	"github.com/mcdev12/hackforge/go/internal/appconfig"
	"github.com/mcdev12/hackforge/go/internal/dashboard"
	"github.com/mcdev12/hackforge/go/internal/gate"
	"github.com/mcdev12/hackforge/go/internal/livestate"
	"github.com/mcdev12/hackforge/go/internal/realtime"
	"github.com/mcdev12/hackforge/go/internal/session"
)

func main() {
	configPath := flag.String("config", appconfig.DefaultPath, "path to the YAML config file")
	flag.Parse()

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := appconfig.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := connectRealtime(ctx, cfg.Realtime)
	if err != nil {
		log.Fatal().Err(err).Str("transport", cfg.Realtime.Transport).Msg("failed to connect to event server")
	}

	api := hack_api_client.NewHackApiClient(cfg.HackAPI.BaseURL)
	api.SetTimeout(cfg.HackAPI.Timeout)

	clock := clockwork.NewRealClock()
	store := session.NewFileStore(cfg.Session.CredentialPath)
	guard := session.NewGuard(conn, api, store, clock, cfg.Session.Timing)

	live := livestate.NewSynchronizer(conn, guard, api, clock, cfg.PollInterval, func(f gate.Feature, s gate.State) {
		log.Info().
			Str("feature", string(f)).
			Str("status", string(s.Status)).
			Time("unlock_at", s.UnlockAt).
			Msg("gate changed")
	})
	shell := dashboard.NewShell(conn, api, guard, live, clock, cfg.Attendance)

	if team, err := shell.Resume(ctx); err != nil {
		if errors.Is(err, session.ErrNoCredential) {
			log.Debug().Msg("no stored credential, waiting for login")
		} else {
			log.Warn().Err(err).Msg("could not resume stored session")
		}
	} else {
		log.Info().Str("team_id", team.ID).Str("team", team.TeamName).Msg("resumed session")
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      dashboard.NewServer(shell, cfg.HTTP.AllowedOrigins).Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("addr", server.Addr).
			Str("hack_api", cfg.HackAPI.BaseURL).
			Str("transport", cfg.Realtime.Transport).
			Msg("dashboard server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if ws, ok := conn.(*realtime.WebSocketConn); ok {
		g.Go(func() error {
			select {
			case <-ws.Done():
				return errors.New("event server connection lost")
			case <-gctx.Done():
				return nil
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down dashboard")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http server shutdown failed")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("dashboard stopped with error")
	}

	// The stored credential survives a restart; only the live state is torn down.
	shell.Close()
	guard.Close()
	if err := conn.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close event server connection")
	}
	log.Info().Msg("dashboard shutdown complete")
}

func connectRealtime(ctx context.Context, cfg appconfig.RealtimeConfig) (realtime.Conn, error) {
	switch cfg.Transport {
	case appconfig.TransportNATS:
		natsCfg := realtime.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Prefix = cfg.NATSPrefix
		return realtime.ConnectNATS(natsCfg)
	default:
		wsCfg := realtime.DefaultWebSocketConfig()
		wsCfg.URL = cfg.WebSocketURL
		wsCfg.PingInterval = cfg.PingInterval
		return realtime.DialWebSocket(ctx, wsCfg)
	}
}
