package coordinator

import (
	"fmt"
	"strings"
	"time"

	"driftwatch/notifier/internal/evemap"
)

// Message is the chat-transport payload: a text body plus an optional
// structured embed. Mention composition happens here, not in the transport.
type Message struct {
	ChannelID string
	Content   string
	Embed     *Embed
}

// Embed is a platform-neutral structured attachment.
type Embed struct {
	Title       string
	Description string
	Color       int
	Fields      []EmbedField
	Footer      string
	Timestamp   time.Time
}

// EmbedField is one name/value row in an embed.
type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

// Embed accent colors.
const (
	colorSystem    = 0x3498db // blue
	colorKill      = 0xe74c3c // red
	colorCharacter = 0x2ecc71 // green
	colorRally     = 0xf1c40f // yellow
)

const onboardingBanner = "\n\n_First notification of this kind since startup. " +
	"Adjust notification toggles via environment configuration._"

// systemMessage renders a tracked-system notification.
func systemMessage(channelID, mention string, sys *evemap.System, isPriority, firstOfKind bool) Message {
	name := sys.DisplayName()
	content := fmt.Sprintf("%s🗺️ System event detected: **%s**", mention, name)
	if isPriority {
		content += " (Priority System)"
	}
	if firstOfKind {
		content += onboardingBanner
	}

	embed := &Embed{
		Title: name,
		Color: colorSystem,
	}
	if sys.ClassTitle != "" {
		embed.Fields = append(embed.Fields, EmbedField{Name: "Class", Value: sys.ClassTitle, Inline: true})
	}
	if sys.EffectName != "" {
		embed.Fields = append(embed.Fields, EmbedField{Name: "Effect", Value: sys.EffectName, Inline: true})
	}
	if sys.RegionName != "" {
		embed.Fields = append(embed.Fields, EmbedField{Name: "Region", Value: sys.RegionName, Inline: true})
	}
	if len(sys.StaticDetails) > 0 {
		var statics []string
		for _, sd := range sys.StaticDetails {
			if sd.Destination.ShortName != "" {
				statics = append(statics, fmt.Sprintf("%s → %s", sd.Name, sd.Destination.ShortName))
			} else {
				statics = append(statics, sd.Name)
			}
		}
		embed.Fields = append(embed.Fields, EmbedField{Name: "Statics", Value: strings.Join(statics, ", ")})
	}
	if sys.IsShattered {
		embed.Footer = "Shattered"
	}

	return Message{ChannelID: channelID, Content: content, Embed: embed}
}

// rallyMessage renders a rally point notification.
func rallyMessage(channelID, mention, systemName string, firstOfKind bool) Message {
	content := fmt.Sprintf("%s📣 Rally point set in **%s**", mention, systemName)
	if firstOfKind {
		content += onboardingBanner
	}
	return Message{
		ChannelID: channelID,
		Content:   content,
		Embed:     &Embed{Title: systemName, Color: colorRally},
	}
}

// characterMessage renders a tracked-character notification.
func characterMessage(channelID string, ch *evemap.Character, firstOfKind bool) Message {
	content := fmt.Sprintf("👤 Character tracked: **%s**", ch.Name)
	if firstOfKind {
		content += onboardingBanner
	}

	embed := &Embed{Title: ch.Name, Color: colorCharacter}
	if ch.CorporationTicker != "" {
		embed.Fields = append(embed.Fields, EmbedField{Name: "Corporation", Value: ch.CorporationTicker, Inline: true})
	}
	if ch.AllianceTicker != "" {
		embed.Fields = append(embed.Fields, EmbedField{Name: "Alliance", Value: ch.AllianceTicker, Inline: true})
	}
	return Message{ChannelID: channelID, Content: content, Embed: embed}
}

// killMessage renders a killmail notification.
func killMessage(channelID, mention, systemName string, km *evemap.Killmail, isPriority, firstOfKind bool) Message {
	content := fmt.Sprintf("%s☠️ Kill detected in **%s**", mention, systemName)
	if isPriority {
		content += " (Priority System)"
	}
	if firstOfKind {
		content += onboardingBanner
	}

	embed := &Embed{
		Title:     fmt.Sprintf("Kill in %s", systemName),
		Color:     colorKill,
		Timestamp: km.OccurredAt,
	}
	if km.VictimName != "" {
		victim := km.VictimName
		if km.VictimCorp != "" {
			victim += " (" + km.VictimCorp + ")"
		}
		embed.Fields = append(embed.Fields, EmbedField{Name: "Victim", Value: victim, Inline: true})
	}
	if km.VictimShip != "" {
		embed.Fields = append(embed.Fields, EmbedField{Name: "Ship", Value: km.VictimShip, Inline: true})
	}
	if km.TotalValue > 0 {
		embed.Fields = append(embed.Fields, EmbedField{Name: "Value", Value: formatISK(km.TotalValue), Inline: true})
	}
	if km.AttackerCount > 0 {
		embed.Footer = fmt.Sprintf("%d attackers", km.AttackerCount)
	}
	return Message{ChannelID: channelID, Content: content, Embed: embed}
}

// formatISK renders an ISK value in the usual shorthand (1.2b, 350.0m, 900k).
func formatISK(v float64) string {
	switch {
	case v >= 1e9:
		return fmt.Sprintf("%.1fb ISK", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("%.1fm ISK", v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("%.0fk ISK", v/1e3)
	default:
		return fmt.Sprintf("%.0f ISK", v)
	}
}
