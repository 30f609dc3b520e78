// Package gate decides which channels the bot may ever speak in and which
// messages wake a dormant channel. Pure predicates, no session state.
package gate

import "strings"

// Policy holds the administrative channel lists. The blacklist wins over the
// whitelist, and an empty whitelist means no channel is eligible: channels
// opt in explicitly.
type Policy struct {
	Whitelist []string
	Blacklist []string
}

// Allowed reports whether a channel is administratively eligible to become
// active.
func (p Policy) Allowed(channel string) bool {
	if contains(p.Blacklist, channel) {
		return false
	}
	return contains(p.Whitelist, channel)
}

// ActivationTrigger reports whether a message should wake a dormant channel:
// the lower-cased body contains the persona's display name, the bot's own
// platform name, or any recorded nickname alias. Substring containment is
// the deliberate policy, not whole-word matching.
func ActivationTrigger(body, personaName, botName string, aliases []string) bool {
	lowered := strings.ToLower(body)

	names := make([]string, 0, len(aliases)+2)
	if personaName != "" {
		names = append(names, personaName)
	}
	if botName != "" {
		names = append(names, botName)
	}
	names = append(names, aliases...)

	for _, name := range names {
		if name == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(name)) {
			return true
		}
	}
	return false
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
