// Package session owns the channel→Session table, the authoritative mutable
// state of the relay pipeline. The table is held by a single orchestrator
// instance, never as ambient global state.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/tavern-relay/internal/model/chat"
)

// ErrSessionNotFound reports an update against a dormant channel.
var ErrSessionNotFound = errors.New("session not found")

// Table maps channel names to live sessions. A channel absent from the
// table is dormant. The inbound event consumer is the only writer during
// message handling; the lock exists for the admin surface reading
// concurrently.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*chat.Session
}

// NewTable bootstraps an empty table.
func NewTable() *Table {
	return &Table{sessions: make(map[string]*chat.Session)}
}

// Lookup returns a copy of the channel's session, if the channel is active.
// The table never hands out its own pointers; the copy stays valid while a
// concurrent Update replaces the stored history.
func (t *Table) Lookup(channel string) (chat.Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[channel]
	if !ok {
		return chat.Session{}, false
	}
	return s.Clone(), true
}

// Active reports whether a channel currently owns a session.
func (t *Table) Active(channel string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.sessions[channel]
	return ok
}

// Activate creates a fresh session for the channel and returns a copy of
// it. An existing session stays untouched, keeping the
// one-session-per-channel invariant.
func (t *Table) Activate(channel, channelID string) chat.Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[channel]; ok {
		return s.Clone()
	}
	s := newSession(channel, channelID)
	t.sessions[channel] = s
	return s.Clone()
}

// Reset replaces the channel's session with a fresh empty one. The old
// session object is never mutated, so no stale turn can leak into the reset
// conversation.
func (t *Table) Reset(channel, channelID string) chat.Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := newSession(channel, channelID)
	t.sessions[channel] = s
	return s.Clone()
}

// Update replaces both history logs from a single backend response.
func (t *Table) Update(channel string, history chat.History) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[channel]
	if !ok {
		return ErrSessionNotFound
	}
	s.History = history.Clone()
	return nil
}

// Remove deactivates a channel.
func (t *Table) Remove(channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, channel)
}

// Channels returns a snapshot of the active channel names.
func (t *Table) Channels() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.sessions))
	for channel := range t.sessions {
		out = append(out, channel)
	}
	return out
}

// Sessions returns a snapshot of the active sessions as copies, taken
// under the read lock so the admin surface never observes a history swap
// mid-read.
func (t *Table) Sessions() []chat.Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]chat.Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.Clone())
	}
	return out
}

func newSession(channel, channelID string) *chat.Session {
	return &chat.Session{
		ID:        uuid.NewString(),
		Channel:   channel,
		ChannelID: channelID,
		History:   chat.NewHistory(),
		CreatedAt: time.Now().UTC(),
	}
}
