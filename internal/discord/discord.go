// Package discord is the chat-transport collaborator: it delivers composed
// messages through the Discord bot API and reports voice-channel
// participants for mention composition.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"driftwatch/notifier/internal/coordinator"
)

// Config for the Discord client.
type Config struct {
	// BotToken is the Discord bot token.
	BotToken string

	// GuildID scopes voice-participant lookups. Empty disables them.
	GuildID string

	Logger *slog.Logger
}

// Client implements coordinator.Transport and coordinator.VoiceLookup.
type Client struct {
	session *discordgo.Session
	guildID string
	logger  *slog.Logger
}

// New creates a Discord client. Open must be called before use.
func New(cfg Config) (*Client, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("BotToken is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	session, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create Discord session: %w", err)
	}
	// Voice states arrive over the gateway; REST alone cannot see them.
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	return &Client{
		session: session,
		guildID: cfg.GuildID,
		logger:  cfg.Logger,
	}, nil
}

// Open connects the gateway session.
func (c *Client) Open() error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open Discord gateway: %w", err)
	}
	c.logger.Info("Discord gateway connected")
	return nil
}

// Close shuts the gateway session down.
func (c *Client) Close() error {
	return c.session.Close()
}

// SendMessage posts a message to the channel named in the payload.
func (c *Client) SendMessage(ctx context.Context, msg coordinator.Message) error {
	if msg.ChannelID == "" {
		return fmt.Errorf("message has no channel")
	}

	send := &discordgo.MessageSend{Content: msg.Content}
	if msg.Embed != nil {
		send.Embeds = []*discordgo.MessageEmbed{buildEmbed(msg.Embed)}
	}

	if _, err := c.session.ChannelMessageSendComplex(msg.ChannelID, send, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("post to channel %s: %w", msg.ChannelID, err)
	}
	return nil
}

// Participants returns mention strings for members currently in any voice
// channel of the configured guild.
func (c *Client) Participants(ctx context.Context) []string {
	if c.guildID == "" {
		return nil
	}
	guild, err := c.session.State.Guild(c.guildID)
	if err != nil {
		c.logger.Debug("guild not in state cache", "guild", c.guildID, "error", err)
		return nil
	}

	var mentions []string
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID == "" || vs.UserID == "" {
			continue
		}
		mentions = append(mentions, "<@"+vs.UserID+">")
	}
	return mentions
}

func buildEmbed(e *coordinator.Embed) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       e.Title,
		Description: e.Description,
		Color:       e.Color,
	}
	for _, f := range e.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Inline,
		})
	}
	if e.Footer != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: e.Footer}
	}
	if !e.Timestamp.IsZero() {
		embed.Timestamp = e.Timestamp.Format("2006-01-02T15:04:05Z07:00")
	}
	return embed
}
