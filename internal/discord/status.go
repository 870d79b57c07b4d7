package discord

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// StatusData is the state shown by the voice status embed.
type StatusData struct {
	// Connected is true while the voice connection status is Connected.
	Connected bool

	// State is the voice connection status name, or "idle" when there is
	// no connection.
	State string

	ChannelID    string
	ConnectionID string

	// Since is when the current connection was established. Zero when
	// disconnected.
	Since time.Time

	Participants int
	SpeakingMode string

	// Breaker is the state of the join circuit breaker.
	Breaker string

	// Playback names the file being played, empty when idle.
	Playback string
}

// embedColorGreen is the embed sidebar color for a connected bot.
const embedColorGreen = 0x2ECC71

// embedColorRed is the embed sidebar color when the bot is not connected.
const embedColorRed = 0xE74C3C

// RejoinButtonID is the custom_id of the rejoin button under the status embed.
const RejoinButtonID = "voice_rejoin"

// BuildStatusEmbed renders the voice status embed from data and link stats.
func BuildStatusEmbed(data StatusData, snap Snapshot) *discordgo.MessageEmbed {
	color := embedColorRed
	footer := "Not connected"
	if data.Connected {
		color = embedColorGreen
		footer = "Live"
	}

	uptime := "-"
	if !data.Since.IsZero() {
		uptime = formatDuration(time.Since(data.Since))
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "State", Value: data.State, Inline: true},
		{Name: "Channel", Value: channelMention(data.ChannelID), Inline: true},
		{Name: "Uptime", Value: uptime, Inline: true},
		{Name: "Participants", Value: fmt.Sprintf("%d", data.Participants), Inline: true},
		{Name: "Speaking Mode", Value: data.SpeakingMode, Inline: true},
		{Name: "Join Breaker", Value: data.Breaker, Inline: true},
		{Name: "Rejoins", Value: fmt.Sprintf("%d", snap.Rejoins), Inline: true},
		{Name: "Joins / Leaves", Value: fmt.Sprintf("%d / %d", snap.Joins, snap.Leaves), Inline: true},
	}

	if ping := formatPingField(snap); ping != "" {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Heartbeat RTT",
			Value:  ping,
			Inline: false,
		})
	}
	if data.Playback != "" {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Playing",
			Value: fmt.Sprintf("`%s`", data.Playback),
		})
	}

	embed := &discordgo.MessageEmbed{
		Title:  "Voice Status",
		Color:  color,
		Fields: fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: footer,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if data.ConnectionID != "" {
		embed.Description = fmt.Sprintf("Connection `%s`", data.ConnectionID)
	}
	return embed
}

// RejoinButton returns the action row holding the rejoin button.
func RejoinButton() discordgo.MessageComponent {
	return discordgo.ActionsRow{
		Components: []discordgo.MessageComponent{
			discordgo.Button{
				Label:    "Rejoin",
				Style:    discordgo.SecondaryButton,
				CustomID: RejoinButtonID,
			},
		},
	}
}

func channelMention(id string) string {
	if id == "" {
		return "-"
	}
	return "<#" + id + ">"
}

// formatPingField builds a compact code block with heartbeat round trips.
// Returns empty string if no samples were recorded.
func formatPingField(snap Snapshot) string {
	if snap.Ping.P50 == 0 && snap.Ping.P95 == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("```\n")
	fmt.Fprintf(&b, "last=%s p50=%s p95=%s\n", formatMs(snap.LastPing), formatMs(snap.Ping.P50), formatMs(snap.Ping.P95))
	b.WriteString("```")
	return b.String()
}

// formatMs formats a duration as milliseconds with one decimal place.
func formatMs(d time.Duration) string {
	ms := float64(d) / float64(time.Millisecond)
	return fmt.Sprintf("%.1fms", ms)
}

// formatDuration formats a duration as "Xh Ym Zs".
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
