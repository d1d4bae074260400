// Package config provides notifier configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds notifier configuration. Values come from env vars or defaults.
type Config struct {
	// --- Map service ---

	// MapURL is the map service base URL (env: MAP_URL). Required for
	// legacy mode; also hosts the control-plane and SSE endpoints.
	MapURL string

	// MapName is the legacy-mode default map slug (env: MAP_NAME).
	MapName string

	// MapAPIKey is the bearer token for control-plane and SSE requests
	// (env: MAP_API_KEY).
	MapAPIKey string

	// RefreshInterval is the control-plane poll interval (env: MAP_REFRESH_INTERVAL).
	// Default: 5m.
	RefreshInterval time.Duration

	// --- Killmail feed ---

	// WandererKillsURL is the killmail feed websocket URL (env: WANDERER_KILLS_URL).
	// Empty disables the kill ingest path.
	WandererKillsURL string

	// --- Discord ---

	// DiscordBotToken is the bot token (env: DISCORD_BOT_TOKEN).
	DiscordBotToken string

	// DiscordGuildID scopes voice-participant lookups (env: DISCORD_GUILD_ID).
	DiscordGuildID string

	// DiscordChannelID is the default notification channel (env: DISCORD_CHANNEL_ID).
	DiscordChannelID string

	// DiscordSystemChannelID overrides the channel for system notifications
	// (env: DISCORD_SYSTEM_CHANNEL_ID).
	DiscordSystemChannelID string

	// --- Notification policy ---

	// SystemNotifications enables system notifications (env: SYSTEM_NOTIFICATIONS_ENABLED).
	SystemNotifications bool

	// CharacterNotifications enables character notifications (env: CHARACTER_NOTIFICATIONS_ENABLED).
	CharacterNotifications bool

	// KillNotifications enables kill notifications (env: KILL_NOTIFICATIONS_ENABLED).
	KillNotifications bool

	// PrioritySystemsOnly skips non-priority systems even when enabled
	// (env: PRIORITY_SYSTEMS_ONLY).
	PrioritySystemsOnly bool

	// VoiceParticipantNotifications substitutes voice mentions for @here
	// (env: VOICE_PARTICIPANT_NOTIFICATIONS).
	VoiceParticipantNotifications bool

	// FallbackToHere uses @here when no voice participants are present
	// (env: FALLBACK_TO_HERE).
	FallbackToHere bool

	// DedupTTL is the notification dedup window (env: DEDUP_TTL). Default: 24h.
	DedupTTL time.Duration

	// --- Runtime ---

	// StatePath is the persistent-values file (env: STATE_PATH).
	StatePath string

	// ListenAddr serves /healthz, /readyz and /metrics (env: LISTEN_ADDR).
	ListenAddr string

	// LogLevel controls log verbosity: debug, info, warn, error (env: LOG_LEVEL).
	LogLevel string
}

// Load reads an optional .env file, then parses configuration from the
// environment.
func Load() *Config {
	_ = godotenv.Load() // a missing .env file is fine
	return Parse()
}

// Parse reads configuration from environment variables.
func Parse() *Config {
	return &Config{
		// Map service
		MapURL:          os.Getenv("MAP_URL"),
		MapName:         os.Getenv("MAP_NAME"),
		MapAPIKey:       os.Getenv("MAP_API_KEY"),
		RefreshInterval: envDurationOr("MAP_REFRESH_INTERVAL", 5*time.Minute),

		// Killmail feed
		WandererKillsURL: os.Getenv("WANDERER_KILLS_URL"),

		// Discord
		DiscordBotToken:        os.Getenv("DISCORD_BOT_TOKEN"),
		DiscordGuildID:         os.Getenv("DISCORD_GUILD_ID"),
		DiscordChannelID:       os.Getenv("DISCORD_CHANNEL_ID"),
		DiscordSystemChannelID: os.Getenv("DISCORD_SYSTEM_CHANNEL_ID"),

		// Notification policy
		SystemNotifications:           envBoolOr("SYSTEM_NOTIFICATIONS_ENABLED", true),
		CharacterNotifications:        envBoolOr("CHARACTER_NOTIFICATIONS_ENABLED", true),
		KillNotifications:             envBoolOr("KILL_NOTIFICATIONS_ENABLED", true),
		PrioritySystemsOnly:           envBoolOr("PRIORITY_SYSTEMS_ONLY", false),
		VoiceParticipantNotifications: envBoolOr("VOICE_PARTICIPANT_NOTIFICATIONS", false),
		FallbackToHere:                envBoolOr("FALLBACK_TO_HERE", true),
		DedupTTL:                      envDurationOr("DEDUP_TTL", 24*time.Hour),

		// Runtime
		StatePath:  envOr("STATE_PATH", "notifier-state.json"),
		ListenAddr: envOr("LISTEN_ADDR", ":8080"),
		LogLevel:   envOr("LOG_LEVEL", "info"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
