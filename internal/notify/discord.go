package notify

import (
	"context"
	"net/http"
	"strings"
)

// Embed colours keyed by the last word of an escrow alert title.
var discordColors = map[string]int{
	"settled":   0x2ecc71,
	"withdrawn": 0x95a5a6,
	"created":   0x3498db,
	"joined":    0x3498db,
	"matched":   0xf1c40f,
}

const discordDefaultColor = 0x7f8c8d

// DiscordSender delivers escrow alerts as webhook embeds.
type DiscordSender struct {
	webhookURL string
	username   string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender posting to webhookURL as
// "escrow".
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		username:   "escrow",
		client:     newHTTPClient(),
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

type discordMessage struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

// Send posts one embed. Discord answers 204 on success.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	return postJSON(ctx, d.client, "discord", d.webhookURL, discordMessage{
		Username: d.username,
		Embeds: []discordEmbed{{
			Title:       title,
			Description: message,
			Color:       embedColor(title),
		}},
	})
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}

func embedColor(title string) int {
	words := strings.Fields(title)
	if len(words) == 0 {
		return discordDefaultColor
	}
	if c, ok := discordColors[strings.ToLower(words[len(words)-1])]; ok {
		return c
	}
	return discordDefaultColor
}
