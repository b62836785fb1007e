// Package audit implements a rotated JSON-lines lifecycle audit trail for
// reload/rollback/canary transitions (alias, unalias and remove are not
// recorded), grounded on the
// teacher's admin-api AuditLogger but backed by lumberjack instead of a
// hand-rolled rotate/cleanup pair.
package audit

import (
	"encoding/json"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/relaypath/pipeflow/internal/config"
)

// Entry is one audit line.
type Entry struct {
	Timestamp time.Time         `json:"timestamp"`
	Kind      string            `json:"kind"`
	Name      string            `json:"name"`
	Details   map[string]string `json:"details,omitempty"`
}

// Trail appends JSON-lines Entry records to a rotated file. A nil *Trail
// is valid and every method becomes a no-op, so callers can wire it in
// unconditionally and let config.Audit.Enabled gate it.
type Trail struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
}

// New constructs a Trail, or returns nil if auditing is disabled.
func New(cfg config.Audit) (*Trail, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return &Trail{
		writer: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		},
	}, nil
}

// Record writes one audit entry. Marshal/write failures are swallowed —
// auditing is a best-effort side channel, never load-bearing for the
// operation it's recording.
func (t *Trail) Record(kind, name string, details map[string]string) {
	if t == nil {
		return
	}

	entry := Entry{Timestamp: time.Now(), Kind: kind, Name: name, Details: details}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	line = append(line, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.writer.Write(line)
}

// Close flushes and closes the underlying rotated file.
func (t *Trail) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writer.Close()
}
