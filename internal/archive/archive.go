// Package archive persists an append-only audit log of exchanged turns.
// Optional: the relay runs fine without it.
package archive

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// Turn is one archived utterance.
type Turn struct {
	Channel string    `json:"channel"`
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// Archive wraps a pebble database keyed so that per-channel turns iterate
// in insertion order.
type Archive struct {
	db  *pebble.DB
	log *zap.Logger

	// seq breaks collisions when turns share a nanosecond timestamp.
	seq uint64
}

// Open opens (or creates) the archive at path.
func Open(path string, log *zap.Logger) (*Archive, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	log.Info("archive opened", zap.String("path", path))
	return &Archive{db: db, log: log}, nil
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// AppendTurn writes one utterance.
// Key format: channel:<name>:turn:<unix_nano_padded>-<seq>
func (a *Archive) AppendTurn(channel, speaker, text string) error {
	ts := time.Now().UTC()
	s := atomic.AddUint64(&a.seq, 1)
	key := fmt.Sprintf("channel:%s:turn:%020d-%06d", channel, ts.UnixNano(), s)

	data, err := json.Marshal(Turn{Channel: channel, Speaker: speaker, Text: text, At: ts})
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	if err := a.db.Set([]byte(key), data, pebble.Sync); err != nil {
		return fmt.Errorf("archive turn: %w", err)
	}
	return nil
}

// Turns returns up to limit archived turns for a channel in insertion
// order. limit <= 0 means all.
func (a *Archive) Turns(channel string, limit int) ([]Turn, error) {
	prefix := []byte(fmt.Sprintf("channel:%s:turn:", channel))
	upper := append(append([]byte(nil), prefix...), 0xff)

	iter, err := a.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("archive iterator: %w", err)
	}
	defer iter.Close()

	var out []Turn
	for iter.First(); iter.Valid(); iter.Next() {
		var turn Turn
		if err := json.Unmarshal(iter.Value(), &turn); err != nil {
			a.log.Warn("skipping malformed archived turn", zap.Error(err))
			continue
		}
		out = append(out, turn)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}
