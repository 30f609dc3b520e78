package backend_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/zhouzirui/tavern-relay/internal/model/chat"
	"github.com/zhouzirui/tavern-relay/internal/model/params"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
	"github.com/zhouzirui/tavern-relay/internal/service/backend"
)

func newStore(t *testing.T) (*persona.Store, string, string) {
	t.Helper()
	chars := t.TempDir()
	tmpls := t.TempDir()
	return persona.NewStore(chars, tmpls, nil), chars, tmpls
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestBuildChatRequest(t *testing.T) {
	store, chars, _ := newStore(t)
	writeFile(t, chars, "Nat.yaml", "name: Nat\ncontext: \"Hello {{user}}, I'm {{char}}.\"\n")

	builder := backend.NewBuilder(store, nil)
	request := builder.Build(backend.BuildInput{
		Mode:      backend.ModeChat,
		Character: "Nat",
		Speaker:   "alice",
		Text:      "hi Nat",
		History:   chat.NewHistory(),
	})

	if request["mode"] != "chat" {
		t.Fatalf("unexpected mode: %v", request["mode"])
	}
	if request["user_input"] != "alice: hi Nat" {
		t.Fatalf("unexpected user_input: %v", request["user_input"])
	}
	if request["name2"] != "Nat" {
		t.Fatalf("unexpected name2: %v", request["name2"])
	}
	if request["your_name"] != "" {
		t.Fatalf("unexpected your_name: %v", request["your_name"])
	}
	if request["context"] != "Hello you, I'm Nat." {
		t.Fatalf("unexpected context: %v", request["context"])
	}
}

func TestBuildFillsUnsetParams(t *testing.T) {
	store, _, _ := newStore(t)
	builder := backend.NewBuilder(store, nil)

	request := builder.Build(backend.BuildInput{
		Mode:      backend.ModeChat,
		Character: "Nat",
		Speaker:   "alice",
		Text:      "hello",
		Params:    params.Params{}, // every field unset
	})

	if request["temperature"] != params.DefaultTemperature {
		t.Fatalf("unexpected temperature: %v", request["temperature"])
	}
	if request["repetition_penalty"] != params.DefaultRepetitionPenalty {
		t.Fatalf("unexpected repetition_penalty: %v", request["repetition_penalty"])
	}
	if request["top_k"] != params.DefaultTopK {
		t.Fatalf("unexpected top_k: %v", request["top_k"])
	}
	if request["top_p"] != params.DefaultTopP {
		t.Fatalf("unexpected top_p: %v", request["top_p"])
	}
}

func TestBuildChatMissingCharacterOmitsContext(t *testing.T) {
	store, _, _ := newStore(t)
	builder := backend.NewBuilder(store, nil)

	request := builder.Build(backend.BuildInput{
		Mode:      backend.ModeChat,
		Character: "ghost",
		Speaker:   "alice",
		Text:      "hello",
	})

	if _, ok := request["context"]; ok {
		t.Fatal("context must be omitted when the character file is missing")
	}
	if request["name2"] != "ghost" {
		t.Fatalf("unexpected name2 fallback: %v", request["name2"])
	}
}

func TestBuildInstructRequest(t *testing.T) {
	store, chars, tmpls := newStore(t)
	writeFile(t, chars, "Nat.yaml", "name: Nat\ncontext: \"Hello {{user}}, I'm {{char}}.\"\n")
	writeFile(t, tmpls, "alpaca.yaml",
		"user: \"### Instruction:\"\nbot: \"### Response:\"\nturn_template: \"<|bot-message|>\"\n")

	builder := backend.NewBuilder(store, nil)
	request := builder.Build(backend.BuildInput{
		Mode:      backend.ModeInstruct,
		Character: "Nat",
		Template:  "alpaca",
		Speaker:   "alice",
		Text:      "hi Nat",
	})

	if request["mode"] != "instruct" {
		t.Fatalf("unexpected mode: %v", request["mode"])
	}
	if request["name1_instruct"] != "### Instruction:" {
		t.Fatalf("unexpected name1_instruct: %v", request["name1_instruct"])
	}
	if request["name2_instruct"] != "### Response:" {
		t.Fatalf("unexpected name2_instruct: %v", request["name2_instruct"])
	}
	if request["turn_template"] != "Nat: <|bot-message|>" {
		t.Fatalf("unexpected turn_template: %v", request["turn_template"])
	}
	if request["context_instruct"] != "Hello you, I'm Nat." {
		t.Fatalf("unexpected context_instruct: %v", request["context_instruct"])
	}
}

func TestBuildAttachesHistoryVerbatim(t *testing.T) {
	store, _, _ := newStore(t)
	builder := backend.NewBuilder(store, nil)

	history := chat.History{
		Internal: [][]string{{"alice: hi", "hello there"}},
		Visible:  [][]string{{"alice: hi", "hello there"}},
	}
	request := builder.Build(backend.BuildInput{
		Mode:      backend.ModeChat,
		Character: "Nat",
		Speaker:   "alice",
		Text:      "again",
		History:   history,
	})

	got, ok := request["history"].(chat.History)
	if !ok {
		t.Fatalf("history has unexpected type %T", request["history"])
	}
	if len(got.Internal) != 1 || got.Internal[0][1] != "hello there" {
		t.Fatalf("unexpected history: %+v", got)
	}
}

func TestBuildFixedControlFields(t *testing.T) {
	store, _, _ := newStore(t)
	builder := backend.NewBuilder(store, nil)

	request := builder.Build(backend.BuildInput{
		Mode:      backend.ModeChat,
		Character: "Nat",
		Speaker:   "alice",
		Text:      "hello",
	})

	if request["do_sample"] != true {
		t.Fatalf("sampling must stay enabled: %v", request["do_sample"])
	}
	if request["regenerate"] != false || request["_continue"] != false {
		t.Fatal("no continuation or regeneration may be requested")
	}
	if request["truncation_length"] != 2048 {
		t.Fatalf("unexpected truncation_length: %v", request["truncation_length"])
	}
	if request["ban_eos_token"] != false {
		t.Fatalf("unexpected ban_eos_token: %v", request["ban_eos_token"])
	}
}
