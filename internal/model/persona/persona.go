package persona

import "strings"

// Persona captures a character profile as read from disk. UserString,
// BotString and TurnTemplate are only populated in instruct mode.
type Persona struct {
	Name         string `yaml:"name"`
	Context      string `yaml:"context"`
	UserString   string `yaml:"user"`
	BotString    string `yaml:"bot"`
	TurnTemplate string `yaml:"turn_template"`
}

// BotMessagePlaceholder marks where the next bot utterance goes inside a
// turn template.
const BotMessagePlaceholder = "<|bot-message|>"

// SanitizeContext normalizes a persona context string before it enters a
// prompt. The backend prompt format is whitespace- and encoding-sensitive,
// so non-ASCII runes are dropped, the {{user}}/{{char}} placeholders are
// substituted, and literal escaped newlines collapse to single spaces.
func SanitizeContext(name, context string) string {
	var b strings.Builder
	b.Grow(len(context))
	for _, r := range context {
		if r < 128 {
			b.WriteRune(r)
		}
	}
	out := b.String()
	out = strings.ReplaceAll(out, "{{user}}'s", "your")
	out = strings.ReplaceAll(out, "{{user}}", "you")
	out = strings.ReplaceAll(out, "{{char}}", name)
	out = strings.ReplaceAll(out, `\n`, " ")
	return out
}

// SpliceTurnTemplate prefixes the bot-message placeholder with the persona's
// display name, so the template reads "{name}: <|bot-message|>".
func SpliceTurnTemplate(name, turnTemplate string) string {
	return strings.ReplaceAll(turnTemplate, BotMessagePlaceholder,
		name+": "+BotMessagePlaceholder)
}
