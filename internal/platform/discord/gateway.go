// Package discord adapts the Discord gateway and REST API to the
// platform.Gateway interface the relay consumes.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/tavern-relay/internal/platform"
)

// Gateway intents: guilds, guild messages, message content.
const gatewayIntents = 1<<0 | 1<<9 | 1<<15

const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// Gateway is the live Discord connection.
type Gateway struct {
	token string
	log   *zap.Logger
	rest  *restClient

	dialer *websocket.Dialer
	conn   *websocket.Conn
	events chan platform.Event

	writeMu   sync.Mutex
	closeOnce sync.Once

	stateMu  sync.RWMutex
	identity platform.Identity
	appID    string
	names    map[string]string // channel ID → name
	seq      int64
}

// New builds a disconnected gateway for the given bot token.
func New(token string, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		token:  token,
		log:    log,
		rest:   newRestClient(token, log),
		dialer: &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		names:  make(map[string]string),
	}
}

type gatewayPayload struct {
	Op   int             `json:"op"`
	Type string          `json:"t,omitempty"`
	Seq  int64           `json:"s,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

// Connect dials the gateway, performs the hello/identify handshake and
// starts the heartbeat and read loops.
func (g *Gateway) Connect(ctx context.Context) error {
	url, err := g.rest.gatewayURL(ctx)
	if err != nil {
		return err
	}

	conn, _, err := g.dialer.DialContext(ctx, url+"/?v=10&encoding=json", nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	var hello gatewayPayload
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		conn.Close()
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var helloData struct {
		HeartbeatInterval int `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.Data, &helloData); err != nil {
		conn.Close()
		return fmt.Errorf("parse hello: %w", err)
	}

	g.conn = conn
	g.events = make(chan platform.Event, 64)

	if err := g.writeJSON(map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   g.token,
			"intents": gatewayIntents,
			"properties": map[string]string{
				"os":      "linux",
				"browser": "tavern-relay",
				"device":  "tavern-relay",
			},
		},
	}); err != nil {
		conn.Close()
		return fmt.Errorf("identify: %w", err)
	}

	go g.heartbeatLoop(time.Duration(helloData.HeartbeatInterval) * time.Millisecond)
	go g.readLoop()
	return nil
}

// Events returns the inbound event stream. Closed when the connection ends.
func (g *Gateway) Events() <-chan platform.Event { return g.events }

// Identity returns the bot's account as of the latest READY.
func (g *Gateway) Identity() platform.Identity {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	return g.identity
}

func (g *Gateway) SendMessage(ctx context.Context, channelID, content string) error {
	return g.rest.createMessage(ctx, channelID, content, "")
}

func (g *Gateway) Reply(ctx context.Context, channelID, messageID, content string) error {
	return g.rest.createMessage(ctx, channelID, content, messageID)
}

func (g *Gateway) RespondCommand(ctx context.Context, cmd platform.Command, content string) error {
	return g.rest.respondInteraction(ctx, cmd.ID, cmd.Token, content)
}

func (g *Gateway) Typing(ctx context.Context, channelID string) error {
	return g.rest.triggerTyping(ctx, channelID)
}

func (g *Gateway) UpdateIdentity(ctx context.Context, username string, avatar []byte) error {
	if err := g.rest.modifyCurrentUser(ctx, username, avatar); err != nil {
		return err
	}
	g.stateMu.Lock()
	g.identity.Username = username
	g.stateMu.Unlock()
	return nil
}

// ListChannels walks every joined guild and returns its text channels,
// refreshing the ID→name cache along the way.
func (g *Gateway) ListChannels(ctx context.Context) ([]platform.Channel, error) {
	guilds, err := g.rest.currentUserGuilds(ctx)
	if err != nil {
		return nil, err
	}

	var out []platform.Channel
	for _, guild := range guilds {
		channels, err := g.rest.guildChannels(ctx, guild.ID)
		if err != nil {
			return nil, err
		}
		for _, ch := range channels {
			out = append(out, platform.Channel{ID: ch.ID, Name: ch.Name, GuildID: ch.GuildID})
			g.rememberChannel(ch.ID, ch.Name)
		}
	}
	return out, nil
}

// Close tears down the websocket; the read loop then closes the event
// stream.
func (g *Gateway) Close(ctx context.Context) error {
	var err error
	g.closeOnce.Do(func() {
		if g.conn != nil {
			g.writeMu.Lock()
			_ = g.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			g.writeMu.Unlock()
			err = g.conn.Close()
		}
	})
	return err
}

func (g *Gateway) writeJSON(v any) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return g.conn.WriteJSON(v)
}

func (g *Gateway) heartbeatLoop(interval time.Duration) {
	if interval <= 0 {
		interval = 41250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		g.stateMu.RLock()
		seq := g.seq
		g.stateMu.RUnlock()
		if err := g.writeJSON(map[string]any{"op": opHeartbeat, "d": seq}); err != nil {
			g.log.Debug("heartbeat write failed", zap.Error(err))
			return
		}
	}
}

func (g *Gateway) readLoop() {
	defer close(g.events)

	for {
		var payload gatewayPayload
		if err := g.conn.ReadJSON(&payload); err != nil {
			g.log.Info("gateway read loop ended", zap.Error(err))
			return
		}
		if payload.Seq != 0 {
			g.stateMu.Lock()
			g.seq = payload.Seq
			g.stateMu.Unlock()
		}

		switch payload.Op {
		case opDispatch:
			if ev := g.handleDispatch(payload.Type, payload.Data); ev != nil {
				g.events <- ev
			}
		case opHeartbeat:
			_ = g.writeJSON(map[string]any{"op": opHeartbeat, "d": payload.Seq})
		case opReconnect, opInvalidSession:
			g.log.Warn("gateway asked for reconnect, closing", zap.Int("op", payload.Op))
			_ = g.conn.Close()
			return
		case opHeartbeatAck:
			// Nothing to do.
		}
	}
}

func (g *Gateway) handleDispatch(event string, data json.RawMessage) platform.Event {
	switch event {
	case "READY":
		return g.handleReady(data)
	case "GUILD_CREATE":
		g.handleGuildCreate(data)
		return nil
	case "GUILD_MEMBER_UPDATE":
		g.handleMemberUpdate(data)
		return nil
	case "MESSAGE_CREATE":
		return g.handleMessageCreate(data)
	case "INTERACTION_CREATE":
		return g.handleInteractionCreate(data)
	default:
		return nil
	}
}

type userPayload struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
}

func (g *Gateway) handleReady(data json.RawMessage) platform.Event {
	var ready struct {
		User        userPayload `json:"user"`
		Application struct {
			ID string `json:"id"`
		} `json:"application"`
	}
	if err := json.Unmarshal(data, &ready); err != nil {
		g.log.Warn("malformed READY", zap.Error(err))
		return nil
	}

	g.stateMu.Lock()
	g.identity = platform.Identity{ID: ready.User.ID, Username: ready.User.Username}
	g.appID = ready.Application.ID
	identity := g.identity
	g.stateMu.Unlock()

	// Command registration is best-effort; the bot still relays without it.
	if ready.Application.ID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := g.rest.registerCommands(ctx, ready.Application.ID); err != nil {
			g.log.Warn("command registration failed", zap.Error(err))
		}
	}

	return platform.ReadyEvent{Identity: identity}
}

func (g *Gateway) handleGuildCreate(data json.RawMessage) {
	var guild struct {
		Channels []channelPayload `json:"channels"`
	}
	if err := json.Unmarshal(data, &guild); err != nil {
		g.log.Warn("malformed GUILD_CREATE", zap.Error(err))
		return
	}
	for _, ch := range guild.Channels {
		if ch.Type == channelTypeText {
			g.rememberChannel(ch.ID, ch.Name)
		}
	}
}

// handleMemberUpdate records the bot's per-guild nickname as an alias, so a
// renamed bot still notices when it is addressed.
func (g *Gateway) handleMemberUpdate(data json.RawMessage) {
	var member struct {
		User userPayload `json:"user"`
		Nick string      `json:"nick"`
	}
	if err := json.Unmarshal(data, &member); err != nil {
		return
	}

	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	if member.User.ID != g.identity.ID || member.Nick == "" {
		return
	}
	for _, alias := range g.identity.Aliases {
		if alias == member.Nick {
			return
		}
	}
	g.identity.Aliases = append(g.identity.Aliases, member.Nick)
}

func (g *Gateway) handleMessageCreate(data json.RawMessage) platform.Event {
	var msg struct {
		ID        string      `json:"id"`
		ChannelID string      `json:"channel_id"`
		Content   string      `json:"content"`
		Author    userPayload `json:"author"`
		Member    struct {
			Nick string `json:"nick"`
		} `json:"member"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		g.log.Warn("malformed MESSAGE_CREATE", zap.Error(err))
		return nil
	}

	name := msg.Author.GlobalName
	if msg.Member.Nick != "" {
		name = msg.Member.Nick
	}
	if name == "" {
		name = msg.Author.Username
	}

	return platform.MessageEvent{Message: platform.Message{
		ID:          msg.ID,
		ChannelID:   msg.ChannelID,
		ChannelName: g.channelName(msg.ChannelID),
		AuthorID:    msg.Author.ID,
		AuthorName:  name,
		Body:        msg.Content,
	}}
}

func (g *Gateway) handleInteractionCreate(data json.RawMessage) platform.Event {
	var interaction struct {
		ID    string `json:"id"`
		Token string `json:"token"`
		Type  int    `json:"type"`
		Data  struct {
			Name    string `json:"name"`
			Options []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"options"`
		} `json:"data"`
		ChannelID string `json:"channel_id"`
	}
	if err := json.Unmarshal(data, &interaction); err != nil {
		g.log.Warn("malformed INTERACTION_CREATE", zap.Error(err))
		return nil
	}
	// Type 2 is an application command invocation.
	if interaction.Type != 2 {
		return nil
	}

	cmd := platform.Command{
		Name:        interaction.Data.Name,
		ChannelID:   interaction.ChannelID,
		ChannelName: g.channelName(interaction.ChannelID),
		ID:          interaction.ID,
		Token:       interaction.Token,
	}
	if len(interaction.Data.Options) > 0 {
		cmd.Arg = interaction.Data.Options[0].Value
	}
	return platform.CommandEvent{Command: cmd}
}

func (g *Gateway) rememberChannel(id, name string) {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	g.names[id] = name
}

func (g *Gateway) channelName(id string) string {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	return g.names[id]
}
