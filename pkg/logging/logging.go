// Package logging sets up the process logger. Besides the console, log
// lines land in a bounded in-memory buffer the admin API serves, so the
// operator can read recent activity without shell access.
package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultBufferSize = 500

// Buffer keeps the newest log lines. Safe for concurrent use; implements
// zapcore.WriteSyncer.
type Buffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

// NewBuffer creates a buffer holding up to max lines.
func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = defaultBufferSize
	}
	return &Buffer{max: max}
}

// Write appends one encoded log entry.
func (b *Buffer) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
	return len(p), nil
}

// Sync implements zapcore.WriteSyncer.
func (b *Buffer) Sync() error { return nil }

// Lines returns a snapshot, oldest first.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

// New builds the process logger teeing console output with the returned
// buffer. level accepts zap level names; unknown values mean info.
func New(level string) (*zap.Logger, *Buffer) {
	var lvl zapcore.Level
	if err := lvl.Set(strings.ToLower(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	buffer := NewBuffer(defaultBufferSize)

	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encoderCfg)

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stdout)), lvl),
		zapcore.NewCore(encoder, buffer, lvl),
	)

	return zap.New(core), buffer
}
