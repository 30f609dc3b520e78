package chat

import "time"

// Session is the accumulated conversation state for one active channel.
// A channel with no Session is dormant; existence in the table is the
// liveness flag.
type Session struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	ChannelID string    `json:"channelId"`
	History   History   `json:"history"`
	CreatedAt time.Time `json:"createdAt"`
}

// Clone copies the session with its own history, safe to hand across
// goroutines.
func (s Session) Clone() Session {
	out := s
	out.History = s.History.Clone()
	return out
}
