// Package audit keeps a tamper-evident trail of state-changing actions.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Event is one auditable action.
type Event struct {
	Actor      string         `json:"actor"`
	Role       string         `json:"role"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resource_id"`
	ChildID    string         `json:"child_id,omitempty"`
	FromState  string         `json:"from_state,omitempty"`
	ToState    string         `json:"to_state,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// LogEntry represents a single audit log entry
type LogEntry struct {
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// Recorder is implemented by audit sinks.
type Recorder interface {
	Record(ctx context.Context, ev Event) *LogEntry
}

// ChainLogger provides a tamper-proof logging mechanism using hash chaining.
// Entries are kept in memory and mirrored to an optional slog logger.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	entries      []*LogEntry
	sink         *slog.Logger
	now          func() time.Time
}

// NewChainLogger creates a new ChainLogger initialized with a zero hash.
func NewChainLogger(sink *slog.Logger) *ChainLogger {
	return &ChainLogger{
		previousHash: strings.Repeat("0", 64),
		sink:         sink,
		now:          time.Now,
	}
}

func entryHash(prev, ts, payload string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", prev, ts, payload)))
	return hex.EncodeToString(sum[:])
}

// Append adds a raw payload to the chain.
func (c *ChainLogger) Append(payload string) *LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &LogEntry{
		Timestamp:    c.now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	entry.Hash = entryHash(entry.PreviousHash, entry.Timestamp, entry.Payload)
	c.previousHash = entry.Hash
	c.entries = append(c.entries, entry)
	return entry
}

// Record appends ev as a JSON payload.
func (c *ChainLogger) Record(ctx context.Context, ev Event) *LogEntry {
	b, err := json.Marshal(ev)
	if err != nil {
		b = []byte(fmt.Sprintf(`{"action":%q,"marshal_error":%q}`, ev.Action, err.Error()))
	}
	entry := c.Append(string(b))
	if c.sink != nil {
		c.sink.LogAttrs(ctx, slog.LevelInfo, "audit",
			slog.String("action", ev.Action),
			slog.String("actor", ev.Actor),
			slog.String("resource", ev.Resource),
			slog.String("resource_id", ev.ResourceID),
			slog.String("hash", entry.Hash),
		)
	}
	return entry
}

// Entries returns a copy of the chain.
func (c *ChainLogger) Entries() []*LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*LogEntry, len(c.entries))
	for i, e := range c.entries {
		cp := *e
		out[i] = &cp
	}
	return out
}

// VerifyChain checks if a slice of entries forms a valid hash chain.
func VerifyChain(entries []*LogEntry) bool {
	for i, entry := range entries {
		prevHash := entry.PreviousHash
		if i > 0 {
			prevHash = entries[i-1].Hash
			if entry.PreviousHash != prevHash {
				return false
			}
		}
		if entryHash(prevHash, entry.Timestamp, entry.Payload) != entry.Hash {
			return false
		}
	}
	return true
}

// Decode parses the event stored in an entry.
func Decode(entry *LogEntry) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(entry.Payload), &ev); err != nil {
		return Event{}, fmt.Errorf("decode audit payload: %w", err)
	}
	return ev, nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) *LogEntry { return nil }
