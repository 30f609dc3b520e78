// Package platform abstracts the chat platform gateway. The relay depends
// only on these types; the Discord adapter lives in platform/discord and
// tests use an in-memory fake.
package platform

import "context"

// Identity is the bot's own account as seen by the platform.
type Identity struct {
	ID       string
	Username string
	// Aliases are per-channel nicknames recorded for the bot.
	Aliases []string
}

// Channel is a text channel in one of the joined groups.
type Channel struct {
	ID      string
	Name    string
	GuildID string
}

// Message is an inbound chat message.
type Message struct {
	ID          string
	ChannelID   string
	ChannelName string
	AuthorID    string
	AuthorName  string
	Body        string
}

// Command is a platform command invocation (repeat, reset).
type Command struct {
	Name        string
	Arg         string
	ChannelID   string
	ChannelName string
	// Token identifies the interaction to respond to.
	Token string
	ID    string
}

// Event is delivered one at a time on the gateway's event stream.
type Event interface{ isEvent() }

// ReadyEvent signals a successful connect.
type ReadyEvent struct {
	Identity Identity
}

// MessageEvent wraps an inbound message.
type MessageEvent struct {
	Message Message
}

// CommandEvent wraps a command invocation.
type CommandEvent struct {
	Command Command
}

func (ReadyEvent) isEvent()   {}
func (MessageEvent) isEvent() {}
func (CommandEvent) isEvent() {}

// Gateway is the platform connection. Connect must be called before Events;
// the stream closes when the connection does.
type Gateway interface {
	Connect(ctx context.Context) error
	Events() <-chan Event
	Identity() Identity

	SendMessage(ctx context.Context, channelID, content string) error
	Reply(ctx context.Context, channelID, messageID, content string) error
	RespondCommand(ctx context.Context, cmd Command, content string) error
	Typing(ctx context.Context, channelID string) error
	// UpdateIdentity renames the bot and optionally swaps its avatar.
	// Implementations surface rate limiting as an error; callers treat it
	// as best-effort.
	UpdateIdentity(ctx context.Context, username string, avatar []byte) error
	ListChannels(ctx context.Context) ([]Channel, error)

	Close(ctx context.Context) error
}
