package discord

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const apiBase = "https://discord.com/api/v10"

// ErrRateLimited reports a 429 from the platform. Identity updates treat it
// as best-effort.
var ErrRateLimited = errors.New("discord rate limited")

// Channel type 0 is a guild text channel.
const channelTypeText = 0

type restClient struct {
	http *resty.Client
	log  *zap.Logger
}

func newRestClient(token string, log *zap.Logger) *restClient {
	client := resty.New()
	client.SetBaseURL(apiBase)
	client.SetHeader("Authorization", "Bot "+token)
	client.SetHeader("User-Agent", "DiscordBot (github.com/zhouzirui/tavern-relay, 1.0)")

	return &restClient{http: client, log: log}
}

type gatewayInfo struct {
	URL string `json:"url"`
}

func (c *restClient) gatewayURL(ctx context.Context) (string, error) {
	var info gatewayInfo
	resp, err := c.http.R().SetContext(ctx).SetResult(&info).Get("/gateway/bot")
	if err != nil {
		return "", fmt.Errorf("get gateway url: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("get gateway url: status %d", resp.StatusCode())
	}
	return info.URL, nil
}

type messageReference struct {
	MessageID string `json:"message_id"`
}

type createMessagePayload struct {
	Content   string            `json:"content"`
	Reference *messageReference `json:"message_reference,omitempty"`
}

func (c *restClient) createMessage(ctx context.Context, channelID, content, replyTo string) error {
	payload := createMessagePayload{Content: content}
	if replyTo != "" {
		payload.Reference = &messageReference{MessageID: replyTo}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post(fmt.Sprintf("/channels/%s/messages", channelID))
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("create message: status %d", resp.StatusCode())
	}
	return nil
}

func (c *restClient) triggerTyping(ctx context.Context, channelID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post(fmt.Sprintf("/channels/%s/typing", channelID))
	if err != nil {
		return fmt.Errorf("trigger typing: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("trigger typing: status %d", resp.StatusCode())
	}
	return nil
}

func (c *restClient) modifyCurrentUser(ctx context.Context, username string, avatar []byte) error {
	body := map[string]any{"username": username}
	if avatar != nil {
		body["avatar"] = "data:image/png;base64," + base64.StdEncoding.EncodeToString(avatar)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Patch("/users/@me")
	if err != nil {
		return fmt.Errorf("modify current user: %w", err)
	}
	if resp.StatusCode() == 429 {
		return ErrRateLimited
	}
	if resp.IsError() {
		return fmt.Errorf("modify current user: status %d", resp.StatusCode())
	}
	return nil
}

type guildPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type channelPayload struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    int    `json:"type"`
	GuildID string `json:"guild_id"`
}

func (c *restClient) currentUserGuilds(ctx context.Context) ([]guildPayload, error) {
	var guilds []guildPayload
	resp, err := c.http.R().SetContext(ctx).SetResult(&guilds).Get("/users/@me/guilds")
	if err != nil {
		return nil, fmt.Errorf("list guilds: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list guilds: status %d", resp.StatusCode())
	}
	return guilds, nil
}

func (c *restClient) guildChannels(ctx context.Context, guildID string) ([]channelPayload, error) {
	var channels []channelPayload
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&channels).
		Get(fmt.Sprintf("/guilds/%s/channels", guildID))
	if err != nil {
		return nil, fmt.Errorf("list guild channels: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list guild channels: status %d", resp.StatusCode())
	}

	out := channels[:0]
	for _, ch := range channels {
		if ch.Type == channelTypeText {
			ch.GuildID = guildID
			out = append(out, ch)
		}
	}
	return out, nil
}

type commandOption struct {
	Type        int    `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required,omitempty"`
}

type commandDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Options     []commandOption `json:"options,omitempty"`
}

// relayCommands are the platform commands the relay exposes.
var relayCommands = []commandDefinition{
	{
		Name:        "repeat",
		Description: "Repeat a string",
		Options: []commandOption{
			// Type 3 is a string option.
			{Type: 3, Name: "message", Description: "Message to repeat", Required: true},
		},
	},
	{
		Name:        "reset",
		Description: "Make me forget everything",
	},
}

func (c *restClient) registerCommands(ctx context.Context, applicationID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(relayCommands).
		Put(fmt.Sprintf("/applications/%s/commands", applicationID))
	if err != nil {
		return fmt.Errorf("register commands: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("register commands: status %d", resp.StatusCode())
	}
	return nil
}

func (c *restClient) respondInteraction(ctx context.Context, interactionID, token, content string) error {
	// Callback type 4: channel message with source.
	body := map[string]any{
		"type": 4,
		"data": map[string]any{"content": content},
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(fmt.Sprintf("/interactions/%s/%s/callback", interactionID, token))
	if err != nil {
		return fmt.Errorf("respond interaction: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("respond interaction: status %d", resp.StatusCode())
	}
	return nil
}
