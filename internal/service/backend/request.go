package backend

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zhouzirui/tavern-relay/internal/model/chat"
	"github.com/zhouzirui/tavern-relay/internal/model/params"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
)

// Generation modes understood by the backend.
const (
	ModeChat     = "chat"
	ModeInstruct = "instruct"
)

// Fixed generation-control values. Sampling stays on, no continuation or
// regeneration is ever requested from the relay side, and the prompt is
// truncated at a bounded length.
const truncationLength = 2048

// BuildInput carries everything a single request needs. The builder itself
// reads files only for persona and template lookup.
type BuildInput struct {
	Mode      string
	Character string
	Template  string
	Speaker   string
	Text      string
	History   chat.History
	Params    params.Params
}

// Builder assembles backend request payloads.
type Builder struct {
	personas *persona.Store
	log      *zap.Logger
}

// NewBuilder wires the builder to a persona store.
func NewBuilder(personas *persona.Store, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{personas: personas, log: log}
}

// Build produces the flat request payload. Unset sampling parameters are
// replaced by their defaults, so a request never carries a null numeric
// field. A missing persona file downgrades the request (context omitted,
// warning logged) but never fails the turn.
func (b *Builder) Build(in BuildInput) map[string]any {
	request := in.Params.Map()
	request["user_input"] = fmt.Sprintf("%s: %s", in.Speaker, in.Text)
	request["history"] = in.History

	request["do_sample"] = true
	request["regenerate"] = false
	request["_continue"] = false
	request["truncation_length"] = truncationLength
	request["ban_eos_token"] = false

	if in.Mode == ModeInstruct {
		b.applyInstruct(request, in)
	} else {
		b.applyChat(request, in)
	}
	return request
}

func (b *Builder) applyChat(request map[string]any, in BuildInput) {
	request["mode"] = ModeChat
	request["your_name"] = ""
	request["name2"] = in.Character

	p, err := b.personas.LoadCharacter(in.Character)
	if err != nil {
		b.log.Warn("cannot read character, going with defaults",
			zap.String("character", in.Character), zap.Error(err))
		return
	}
	if p.Name != "" {
		request["name2"] = p.Name
	}
	request["context"] = persona.SanitizeContext(p.Name, p.Context)
}

func (b *Builder) applyInstruct(request map[string]any, in BuildInput) {
	p, err := b.personas.LoadInstruct(in.Character, in.Template)
	if err != nil {
		b.log.Warn("cannot read instruction template, going with defaults",
			zap.String("template", in.Template), zap.Error(err))
		p = persona.Persona{Name: in.Character}
	}
	if p.Name == "" {
		p.Name = in.Character
	}

	request["mode"] = ModeInstruct
	request["name1_instruct"] = p.UserString
	request["name2_instruct"] = p.BotString
	request["context_instruct"] = persona.SanitizeContext(p.Name, p.Context)
	request["turn_template"] = persona.SpliceTurnTemplate(p.Name, p.TurnTemplate)
}
