// Package relay composes the gate, session table, request builder and
// backend client into the per-message pipeline, and owns the gateway
// connection lifecycle.
package relay

import (
	"context"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/zhouzirui/tavern-relay/internal/archive"
	"github.com/zhouzirui/tavern-relay/internal/config"
	"github.com/zhouzirui/tavern-relay/internal/gate"
	"github.com/zhouzirui/tavern-relay/internal/metrics"
	"github.com/zhouzirui/tavern-relay/internal/model/chat"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
	"github.com/zhouzirui/tavern-relay/internal/platform"
	"github.com/zhouzirui/tavern-relay/internal/service/backend"
	"github.com/zhouzirui/tavern-relay/internal/service/session"
)

// IgnorePrefix silences a message even in an active channel.
const IgnorePrefix = "//"

const (
	greetingLine    = "Say hi~"
	greetingSpeaker = "Chat"
	farewellLine    = "Signing off..."
)

// ErrGreetingChannelNotFound reports that the configured starting channel
// is not among the joined groups. Logged, never fatal.
var ErrGreetingChannelNotFound = errors.New("greeting channel not found")

// Backend is the generation exchange the orchestrator depends on.
type Backend interface {
	Send(ctx context.Context, payload map[string]any) (chat.History, string, error)
}

// Orchestrator processes gateway events one at a time. Two messages in the
// same channel are strictly ordered because the event stream delivers them
// to a single consumer; no locking is needed around a turn.
type Orchestrator struct {
	log      *zap.Logger
	settings *config.Manager
	personas *persona.Store
	table    *session.Table
	builder  *backend.Builder
	client   Backend
	gw       platform.Gateway
	arch     *archive.Archive

	identity platform.Identity
	greeted  bool
}

// NewOrchestrator wires the pipeline. arch may be nil.
func NewOrchestrator(
	settings *config.Manager,
	personas *persona.Store,
	table *session.Table,
	builder *backend.Builder,
	client Backend,
	gw platform.Gateway,
	arch *archive.Archive,
	log *zap.Logger,
) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		log:      log,
		settings: settings,
		personas: personas,
		table:    table,
		builder:  builder,
		client:   client,
		gw:       gw,
		arch:     arch,
	}
}

// Table exposes the session table for the admin surface.
func (o *Orchestrator) Table() *session.Table { return o.table }

// HandleEvent dispatches one gateway event. No error escapes a single
// message's handling; every failure is contained to its channel.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev platform.Event) {
	switch e := ev.(type) {
	case platform.ReadyEvent:
		o.handleReady(ctx, e)
	case platform.MessageEvent:
		o.handleMessage(ctx, e.Message)
	case platform.CommandEvent:
		o.handleCommand(ctx, e.Command)
	}
}

func (o *Orchestrator) handleReady(ctx context.Context, ev platform.ReadyEvent) {
	o.identity = ev.Identity
	o.log.Info("connected to platform", zap.String("username", ev.Identity.Username))

	if !o.greeted {
		if err := o.greet(ctx); err != nil {
			o.log.Warn("greeting skipped", zap.Error(err))
		}
		o.greeted = true
	}
}

// greet locates the configured starting channel by name across all joined
// groups (first match wins), activates it and posts the backend's greeting.
func (o *Orchestrator) greet(ctx context.Context) error {
	s := o.settings.Snapshot()
	if s.StartingChannel == "" {
		return nil
	}

	channels, err := o.gw.ListChannels(ctx)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		if ch.Name != s.StartingChannel {
			continue
		}
		o.table.Reset(ch.Name, ch.ID)
		reply, ok := o.exchange(ctx, ch.Name, greetingLine, greetingSpeaker)
		if !ok || reply == "" {
			return nil
		}
		if err := o.gw.SendMessage(ctx, ch.ID, reply); err != nil {
			o.log.Warn("could not post greeting", zap.Error(err))
		}
		return nil
	}
	return ErrGreetingChannelNotFound
}

func (o *Orchestrator) handleMessage(ctx context.Context, msg platform.Message) {
	metrics.MessagesHandled.Inc()

	// Never reply to ourselves, and honor the manual silencing prefix even
	// in an active channel.
	if msg.AuthorID == o.identity.ID {
		return
	}
	if strings.HasPrefix(msg.Body, IgnorePrefix) {
		return
	}

	s := o.settings.Snapshot()

	if !o.table.Active(msg.ChannelName) {
		policy := gate.Policy{Whitelist: s.ChannelWhitelist, Blacklist: s.ChannelBlacklist}
		if !gate.ActivationTrigger(msg.Body, s.Character, o.identity.Username, o.identity.Aliases) ||
			!policy.Allowed(msg.ChannelName) {
			return
		}
		o.table.Activate(msg.ChannelName, msg.ChannelID)
		metrics.Activations.Inc()
		o.log.Info("pinged in channel, can now talk there",
			zap.String("channel", msg.ChannelName))
	}

	// Best-effort identity sync: rate limiting must not abort the turn.
	if s.Character != "" && s.Character != o.identity.Username {
		o.syncIdentity(ctx, s.Character)
	}

	if err := o.gw.Typing(ctx, msg.ChannelID); err != nil {
		o.log.Debug("typing indicator failed", zap.Error(err))
	}

	reply, ok := o.exchange(ctx, msg.ChannelName, msg.Body, msg.AuthorName)
	if !ok || reply == "" {
		// Dropped turn: the user's message stays visible, we just say nothing.
		return
	}
	if err := o.gw.Reply(ctx, msg.ChannelID, msg.ID, reply); err != nil {
		o.log.Error("could not deliver reply",
			zap.String("channel", msg.ChannelName), zap.Error(err))
	}
}

func (o *Orchestrator) handleCommand(ctx context.Context, cmd platform.Command) {
	switch cmd.Name {
	case "repeat":
		if err := o.gw.RespondCommand(ctx, cmd, cmd.Arg); err != nil {
			o.log.Warn("repeat response failed", zap.Error(err))
		}
	case "reset":
		o.table.Reset(cmd.ChannelName, cmd.ChannelID)
		reply, ok := o.exchange(ctx, cmd.ChannelName, greetingLine, greetingSpeaker)
		if !ok || reply == "" {
			o.log.Warn("reset greeting produced no reply",
				zap.String("channel", cmd.ChannelName))
			return
		}
		if err := o.gw.RespondCommand(ctx, cmd, reply); err != nil {
			o.log.Warn("reset response failed", zap.Error(err))
		}
	default:
		o.log.Warn("unknown command", zap.String("name", cmd.Name))
	}
}

// exchange runs one request/response round trip for an active channel and
// commits the returned history. A backend failure leaves the session's
// history untouched and reports no reply.
func (o *Orchestrator) exchange(ctx context.Context, channel, text, speaker string) (string, bool) {
	sess, ok := o.table.Lookup(channel)
	if !ok {
		return "", false
	}
	s := o.settings.Snapshot()

	payload := o.builder.Build(backend.BuildInput{
		Mode:      s.Mode,
		Character: s.Character,
		Template:  s.InstructionTemplate,
		Speaker:   speaker,
		Text:      text,
		History:   sess.History,
		Params:    s.Params,
	})

	timer := prometheus.NewTimer(metrics.BackendLatency)
	history, reply, err := o.client.Send(ctx, payload)
	timer.ObserveDuration()
	if err != nil {
		metrics.BackendFailures.Inc()
		o.log.Warn("exchange dropped", zap.String("channel", channel), zap.Error(err))
		return "", false
	}

	if err := o.table.Update(channel, history); err != nil {
		o.log.Warn("history update failed", zap.String("channel", channel), zap.Error(err))
		return "", false
	}

	if o.arch != nil {
		if err := o.arch.AppendTurn(channel, speaker, text); err != nil {
			o.log.Warn("archive append failed", zap.Error(err))
		} else if reply != "" {
			if err := o.arch.AppendTurn(channel, s.Character, reply); err != nil {
				o.log.Warn("archive append failed", zap.Error(err))
			}
		}
	}

	return reply, true
}

// syncIdentity renames the bot (and swaps its avatar when a matching image
// exists) to the configured persona. Platform rate limiting is logged and
// tolerated.
func (o *Orchestrator) syncIdentity(ctx context.Context, character string) {
	p, err := o.personas.LoadCharacter(character)
	if err != nil {
		o.log.Warn("cannot read character for identity sync",
			zap.String("character", character), zap.Error(err))
		return
	}
	name := p.Name
	if name == "" {
		name = character
	}

	avatar := o.personas.FindPicture(character)
	if err := o.gw.UpdateIdentity(ctx, name, avatar); err != nil {
		o.log.Warn("could not update identity, likely rate limited", zap.Error(err))
		return
	}
	o.identity.Username = name
	o.log.Info("identity synchronized", zap.String("username", name))
}

// Farewell notifies every active channel before teardown.
func (o *Orchestrator) Farewell(ctx context.Context) {
	for _, sess := range o.table.Sessions() {
		if err := o.gw.SendMessage(ctx, sess.ChannelID, farewellLine); err != nil {
			o.log.Warn("farewell failed", zap.String("channel", sess.Channel), zap.Error(err))
		}
	}
}
