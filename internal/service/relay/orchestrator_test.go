package relay_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/zhouzirui/tavern-relay/internal/config"
	"github.com/zhouzirui/tavern-relay/internal/model/chat"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
	"github.com/zhouzirui/tavern-relay/internal/platform"
	"github.com/zhouzirui/tavern-relay/internal/service/backend"
	"github.com/zhouzirui/tavern-relay/internal/service/relay"
	"github.com/zhouzirui/tavern-relay/internal/service/session"
)

type sentMessage struct {
	ChannelID string
	Content   string
}

type fakeGateway struct {
	identity  platform.Identity
	channels  []platform.Channel
	sent      []sentMessage
	replies   []sentMessage
	responses []string
	renames   []string
	closed    bool
}

func (g *fakeGateway) Connect(context.Context) error      { return nil }
func (g *fakeGateway) Events() <-chan platform.Event      { return nil }
func (g *fakeGateway) Identity() platform.Identity        { return g.identity }
func (g *fakeGateway) Close(context.Context) error        { g.closed = true; return nil }
func (g *fakeGateway) Typing(context.Context, string) error { return nil }

func (g *fakeGateway) SendMessage(_ context.Context, channelID, content string) error {
	g.sent = append(g.sent, sentMessage{channelID, content})
	return nil
}

func (g *fakeGateway) Reply(_ context.Context, channelID, _ string, content string) error {
	g.replies = append(g.replies, sentMessage{channelID, content})
	return nil
}

func (g *fakeGateway) RespondCommand(_ context.Context, _ platform.Command, content string) error {
	g.responses = append(g.responses, content)
	return nil
}

func (g *fakeGateway) UpdateIdentity(_ context.Context, username string, _ []byte) error {
	g.renames = append(g.renames, username)
	return nil
}

func (g *fakeGateway) ListChannels(context.Context) ([]platform.Channel, error) {
	return g.channels, nil
}

type fakeBackend struct {
	payloads []map[string]any
	history  chat.History
	reply    string
	err      error
}

func (b *fakeBackend) Send(_ context.Context, payload map[string]any) (chat.History, string, error) {
	b.payloads = append(b.payloads, payload)
	if b.err != nil {
		return chat.History{}, "", b.err
	}
	return b.history, b.reply, nil
}

type fixture struct {
	orch  *relay.Orchestrator
	gw    *fakeGateway
	be    *fakeBackend
	table *session.Table
	mgr   *config.Manager
}

func newFixture(t *testing.T, adjust func(*config.Settings)) *fixture {
	t.Helper()

	chars := t.TempDir()
	tmpls := t.TempDir()
	content := "name: Nat\ncontext: \"Hello {{user}}, I'm {{char}}.\"\n"
	if err := os.WriteFile(filepath.Join(chars, "Nat.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write character: %v", err)
	}

	mgr := config.NewManager(filepath.Join(t.TempDir(), "relay.yaml"), nil)
	mgr.Update(func(s *config.Settings) {
		s.Character = "Nat"
		s.ChannelWhitelist = []string{"general"}
		if adjust != nil {
			adjust(s)
		}
	})

	store := persona.NewStore(chars, tmpls, nil)
	table := session.NewTable()
	builder := backend.NewBuilder(store, nil)
	gw := &fakeGateway{}
	be := &fakeBackend{
		history: chat.History{
			Internal: [][]string{{"alice: hi Nat", "hello alice"}},
			Visible:  [][]string{{"alice: hi Nat", "hello alice"}},
		},
		reply: "hello alice",
	}

	orch := relay.NewOrchestrator(mgr, store, table, builder, be, gw, nil, nil)
	orch.HandleEvent(context.Background(), platform.ReadyEvent{
		Identity: platform.Identity{ID: "bot-1", Username: "tavernbot"},
	})

	return &fixture{orch: orch, gw: gw, be: be, table: table, mgr: mgr}
}

func message(channel, body string) platform.MessageEvent {
	return platform.MessageEvent{Message: platform.Message{
		ID:          "m1",
		ChannelID:   "c-" + channel,
		ChannelName: channel,
		AuthorID:    "user-1",
		AuthorName:  "alice",
		Body:        body,
	}}
}

func TestDormantChannelOutsideWhitelist(t *testing.T) {
	f := newFixture(t, nil)

	f.orch.HandleEvent(context.Background(), message("random", "hi Nat"))

	if f.table.Active("random") {
		t.Fatal("non-whitelisted channel must stay dormant")
	}
	if len(f.be.payloads) != 0 {
		t.Fatalf("no backend call expected, got %d", len(f.be.payloads))
	}
}

func TestBlacklistDominatesWhitelist(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) {
		s.ChannelBlacklist = []string{"general"}
	})

	f.orch.HandleEvent(context.Background(), message("general", "hi Nat"))

	if f.table.Active("general") {
		t.Fatal("blacklisted channel must stay dormant even when whitelisted")
	}
}

func TestActivationEndToEnd(t *testing.T) {
	f := newFixture(t, nil)

	f.orch.HandleEvent(context.Background(), message("general", "hi Nat"))

	if !f.table.Active("general") {
		t.Fatal("expected channel activation")
	}
	if len(f.be.payloads) != 1 {
		t.Fatalf("expected one backend call, got %d", len(f.be.payloads))
	}

	payload := f.be.payloads[0]
	if payload["context"] != "Hello you, I'm Nat." {
		t.Fatalf("unexpected context: %v", payload["context"])
	}
	if payload["name2"] != "Nat" {
		t.Fatalf("unexpected name2: %v", payload["name2"])
	}
	if payload["user_input"] != "alice: hi Nat" {
		t.Fatalf("unexpected user_input: %v", payload["user_input"])
	}

	if len(f.gw.replies) != 1 || f.gw.replies[0].Content != "hello alice" {
		t.Fatalf("unexpected replies: %+v", f.gw.replies)
	}

	sess, _ := f.table.Lookup("general")
	if sess.History.LastReply() != "hello alice" {
		t.Fatalf("history not committed: %+v", sess.History)
	}
}

func TestActiveChannelSkipsTriggerCheck(t *testing.T) {
	f := newFixture(t, nil)

	f.orch.HandleEvent(context.Background(), message("general", "hi Nat"))
	f.orch.HandleEvent(context.Background(), message("general", "no mention here"))

	if len(f.be.payloads) != 2 {
		t.Fatalf("active channel must process every message, got %d calls", len(f.be.payloads))
	}
}

func TestSelfMessageAlwaysIgnored(t *testing.T) {
	f := newFixture(t, nil)

	ev := message("general", "hi Nat")
	ev.Message.AuthorID = "bot-1"
	f.orch.HandleEvent(context.Background(), ev)

	if f.table.Active("general") {
		t.Fatal("own messages must never activate a channel")
	}
	if len(f.be.payloads) != 0 {
		t.Fatal("own messages must never reach the backend")
	}
}

func TestIgnorePrefixSilences(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.HandleEvent(context.Background(), message("general", "hi Nat"))

	before, _ := f.table.Lookup("general")
	snapshot := before.History.Clone()
	calls := len(f.be.payloads)

	f.orch.HandleEvent(context.Background(), message("general", "//quiet please Nat"))

	if len(f.be.payloads) != calls {
		t.Fatal("ignore prefix must suppress the backend call")
	}
	after, _ := f.table.Lookup("general")
	if !reflect.DeepEqual(after.History, snapshot) {
		t.Fatalf("history mutated: %+v", after.History)
	}
}

func TestBackendFailureLeavesHistoryIntact(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.HandleEvent(context.Background(), message("general", "hi Nat"))

	before, _ := f.table.Lookup("general")
	snapshot := before.History.Clone()

	f.be.err = errors.New("status 500")
	f.orch.HandleEvent(context.Background(), message("general", "are you there?"))

	after, _ := f.table.Lookup("general")
	if !reflect.DeepEqual(after.History, snapshot) {
		t.Fatalf("failed exchange corrupted history: %+v", after.History)
	}
	if len(f.gw.replies) != 1 {
		t.Fatalf("failed exchange must produce no reply, got %+v", f.gw.replies)
	}
}

func TestIdentitySyncBestEffort(t *testing.T) {
	f := newFixture(t, nil)

	f.orch.HandleEvent(context.Background(), message("general", "hi Nat"))

	if len(f.gw.renames) != 1 || f.gw.renames[0] != "Nat" {
		t.Fatalf("expected identity sync to Nat, got %v", f.gw.renames)
	}
}

func TestResetCommandStartsEmptyAndGreets(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.HandleEvent(context.Background(), message("general", "hi Nat"))

	old, _ := f.table.Lookup("general")

	f.orch.HandleEvent(context.Background(), platform.CommandEvent{Command: platform.Command{
		Name:        "reset",
		ChannelID:   "c-general",
		ChannelName: "general",
	}})

	// The greeting request must have been built from an empty history.
	greeting := f.be.payloads[len(f.be.payloads)-1]
	hist, ok := greeting["history"].(chat.History)
	if !ok {
		t.Fatalf("history has unexpected type %T", greeting["history"])
	}
	if len(hist.Internal) != 0 || len(hist.Visible) != 0 {
		t.Fatalf("reset greeting must start from empty history: %+v", hist)
	}
	if greeting["user_input"] != "Chat: Say hi~" {
		t.Fatalf("unexpected greeting input: %v", greeting["user_input"])
	}

	fresh, _ := f.table.Lookup("general")
	if fresh.ID == old.ID {
		t.Fatal("reset must replace the session object")
	}
	if len(f.gw.responses) != 1 || f.gw.responses[0] != "hello alice" {
		t.Fatalf("unexpected command responses: %v", f.gw.responses)
	}
}

func TestRepeatCommandEchoes(t *testing.T) {
	f := newFixture(t, nil)

	f.orch.HandleEvent(context.Background(), platform.CommandEvent{Command: platform.Command{
		Name: "repeat",
		Arg:  "say this back",
	}})

	if len(f.gw.responses) != 1 || f.gw.responses[0] != "say this back" {
		t.Fatalf("unexpected responses: %v", f.gw.responses)
	}
}

func TestGreetingOnReady(t *testing.T) {
	chars := t.TempDir()
	if err := os.WriteFile(filepath.Join(chars, "Nat.yaml"),
		[]byte("name: Nat\ncontext: ctx\n"), 0o644); err != nil {
		t.Fatalf("write character: %v", err)
	}

	mgr := config.NewManager(filepath.Join(t.TempDir(), "relay.yaml"), nil)
	mgr.Update(func(s *config.Settings) {
		s.Character = "Nat"
		s.StartingChannel = "general"
		s.ChannelWhitelist = []string{"general"}
	})

	store := persona.NewStore(chars, t.TempDir(), nil)
	table := session.NewTable()
	gw := &fakeGateway{channels: []platform.Channel{
		{ID: "c-other", Name: "other"},
		{ID: "c-general", Name: "general"},
	}}
	be := &fakeBackend{
		history: chat.History{Internal: [][]string{{"Chat: Say hi~", "hi all"}}, Visible: [][]string{{"Chat: Say hi~", "hi all"}}},
		reply:   "hi all",
	}
	orch := relay.NewOrchestrator(mgr, store, table, backend.NewBuilder(store, nil), be, gw, nil, nil)

	orch.HandleEvent(context.Background(), platform.ReadyEvent{
		Identity: platform.Identity{ID: "bot-1", Username: "Nat"},
	})

	if !table.Active("general") {
		t.Fatal("greeting must activate the starting channel")
	}
	if len(be.payloads) != 1 || be.payloads[0]["user_input"] != "Chat: Say hi~" {
		t.Fatalf("unexpected greeting payloads: %+v", be.payloads)
	}
	if len(gw.sent) != 1 || gw.sent[0] != (sentMessage{"c-general", "hi all"}) {
		t.Fatalf("unexpected sent messages: %+v", gw.sent)
	}

	// Ready again within one process lifetime must not re-greet.
	orch.HandleEvent(context.Background(), platform.ReadyEvent{
		Identity: platform.Identity{ID: "bot-1", Username: "Nat"},
	})
	if len(be.payloads) != 1 {
		t.Fatalf("greeting must run once per process, got %d calls", len(be.payloads))
	}
}

func TestGreetingChannelMissingIsNotFatal(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) {
		s.StartingChannel = "missing"
	})

	// A normal message afterwards still works.
	f.orch.HandleEvent(context.Background(), message("general", "hi Nat"))
	if !f.table.Active("general") {
		t.Fatal("normal handling must survive a missing greeting channel")
	}
}

func TestFarewellReachesActiveChannels(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) {
		s.ChannelWhitelist = []string{"general", "bots"}
	})

	f.orch.HandleEvent(context.Background(), message("general", "hi Nat"))
	f.orch.HandleEvent(context.Background(), message("bots", "Nat ping"))

	f.orch.Farewell(context.Background())

	if len(f.gw.sent) != 2 {
		t.Fatalf("expected farewell in both channels, got %+v", f.gw.sent)
	}
	for _, m := range f.gw.sent {
		if m.Content != "Signing off..." {
			t.Fatalf("unexpected farewell: %q", m.Content)
		}
	}
}
