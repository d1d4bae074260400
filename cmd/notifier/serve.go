package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"driftwatch/notifier/internal/bus"
	"driftwatch/notifier/internal/cache"
	"driftwatch/notifier/internal/config"
	"driftwatch/notifier/internal/coordinator"
	"driftwatch/notifier/internal/discord"
	"driftwatch/notifier/internal/killfeed"
	"driftwatch/notifier/internal/mapapi"
	"driftwatch/notifier/internal/priority"
	"driftwatch/notifier/internal/processor"
	"driftwatch/notifier/internal/registry"
	"driftwatch/notifier/internal/sse"
	"driftwatch/notifier/internal/state"
	"driftwatch/notifier/internal/stats"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the notifier service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.MapURL == "" {
		return fmt.Errorf("MAP_URL is required")
	}

	logger.Info("starting notifier",
		"version", version,
		"commit", commit,
		"map_url", cfg.MapURL,
		"refresh_interval", cfg.RefreshInterval,
		"listen_addr", cfg.ListenAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// Persistent values: priority fingerprints + per-map backfill cursors.
	stateMgr, err := state.NewManager(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("load state from %s: %w", cfg.StatePath, err)
	}
	logger.Info("state loaded", "path", cfg.StatePath)

	pset := priority.NewSet(stateMgr)
	if n := pset.Len(); n > 0 {
		logger.Info("priority systems loaded", "count", n)
	}

	caches := cache.New()
	caches.StartJanitor(ctx, time.Minute)

	tracker := stats.New(prometheus.DefaultRegisterer)
	defer tracker.Close()

	api, err := mapapi.New(mapapi.Config{BaseURL: cfg.MapURL, APIKey: cfg.MapAPIKey})
	if err != nil {
		return fmt.Errorf("create map client: %w", err)
	}

	eventBus := bus.New()

	// Legacy fallback: a single env-configured map when the control plane
	// has no notifier config endpoint.
	var legacy *registry.MapConfig
	if cfg.MapName != "" {
		legacy = &registry.MapConfig{
			Slug:     cfg.MapName,
			MapID:    cfg.MapName,
			APIToken: cfg.MapAPIKey,
		}
	}

	// The feed is created further down (it needs the processor); the hook
	// fires only from goroutines started after the assignment.
	var feed *killfeed.Feed
	reg := registry.New(registry.Config{
		Client:   api,
		Bus:      eventBus,
		Caches:   caches,
		Legacy:   legacy,
		Interval: cfg.RefreshInterval,
		Logger:   logger,
		OnIndexChange: func() {
			if feed != nil {
				feed.NotifyChange()
			}
		},
	})

	// Discord transport (optional — events still tracked without it, and
	// notifications go to the log instead).
	var transport coordinator.Transport
	var voice coordinator.VoiceLookup
	if cfg.DiscordBotToken != "" {
		dg, err := discord.New(discord.Config{
			BotToken: cfg.DiscordBotToken,
			GuildID:  cfg.DiscordGuildID,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("create Discord client: %w", err)
		}
		if err := dg.Open(); err != nil {
			return fmt.Errorf("connect to Discord: %w", err)
		}
		defer dg.Close()
		transport = dg
		voice = dg
	} else {
		logger.Warn("DISCORD_BOT_TOKEN not set — notifications will only be logged")
		transport = logTransport{logger: logger}
	}

	coord := coordinator.New(coordinator.Config{
		ChannelID:              cfg.DiscordChannelID,
		SystemChannelID:        cfg.DiscordSystemChannelID,
		SystemNotifications:    cfg.SystemNotifications,
		CharacterNotifications: cfg.CharacterNotifications,
		KillNotifications:      cfg.KillNotifications,
		PriorityOnly:           cfg.PrioritySystemsOnly,
		VoiceMentions:          cfg.VoiceParticipantNotifications,
		FallbackToHere:         cfg.FallbackToHere,
		DedupTTL:               cfg.DedupTTL,
	}, transport, voice, pset, caches, tracker, logger)

	proc := processor.New(processor.Config{
		Registry: reg,
		Caches:   caches,
		API:      api,
		Notifier: coord,
		Tracker:  tracker,
		Logger:   logger,
	})

	supervisor := sse.NewSupervisor(sse.SupervisorConfig{
		Registry: reg,
		Bus:      eventBus,
		Loader:   proc,
		Cursors:  stateMgr,
		Logger:   logger,
		NewClient: func(mc registry.MapConfig) *sse.Client {
			return sse.NewClient(sse.ClientConfig{
				BaseURL: api.BaseURL(),
				Slug:    mc.Slug,
				Token:   mc.APIToken,
				Events:  mc.EventFilter,
				Sink:    proc.SinkFor(mc.Slug),
				Logger:  logger,
			})
		},
	})

	// Killmail feed: subscribes to the union of tracked systems. The
	// registry's index-change hook refreshes the subscription whenever a
	// system is indexed or deindexed (SSE add/delete events, bulk loads,
	// map removals), debounced inside the feed.
	if cfg.WandererKillsURL != "" {
		feed = killfeed.New(killfeed.Config{
			URL:     cfg.WandererKillsURL,
			Systems: reg.TrackedSystemIDs,
			Handler: proc.HandleKillmail,
			Logger:  logger,
		})
	} else {
		logger.Warn("WANDERER_KILLS_URL not set — killmail notifications disabled")
	}

	// Supervisor first so its bus subscription exists before the registry's
	// initial refresh broadcasts the map set.
	go func() {
		if err := supervisor.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("SSE supervisor stopped", "error", err)
		}
	}()
	go func() {
		if err := reg.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("registry refresh loop stopped", "error", err)
		}
	}()
	if feed != nil {
		go func() {
			if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("killmail feed stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           buildMux(reg, supervisor, tracker),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
		}
	}()

	logger.Info("notifier ready",
		"discord", cfg.DiscordBotToken != "",
		"killfeed", cfg.WandererKillsURL != "")

	<-ctx.Done()
	logger.Info("shutting down notifier")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	return nil
}

// buildMux serves the health, stats, and metrics endpoints.
func buildMux(reg *registry.Registry, supervisor *sse.Supervisor, tracker *stats.Tracker) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if reg.Mode() == registry.ModeUnset {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"not_ready","reason":"no_map_config"}`)
			return
		}
		streams := map[string]string{}
		for slug, st := range supervisor.Health() {
			streams[slug] = string(st.Status)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"mode":    string(reg.Mode()),
			"streams": streams,
		})
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		snap := tracker.GetStats()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"uptime_seconds":     int64(snap.Uptime.Seconds()),
			"counters":           snap.Counters,
			"notifications_sent": snap.NotificationsSent,
			"tracked_systems":    snap.TrackedSystems,
			"tracked_characters": snap.TrackedCharacters,
		})
	})

	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// logTransport stands in for Discord when no bot token is configured.
type logTransport struct {
	logger *slog.Logger
}

func (t logTransport) SendMessage(_ context.Context, msg coordinator.Message) error {
	t.logger.Info("notification (log only)", "channel", msg.ChannelID, "content", msg.Content)
	return nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}
