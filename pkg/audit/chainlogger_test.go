package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainLogger(t *testing.T) {
	logger := NewChainLogger(nil)
	ctx := context.Background()

	e1 := logger.Record(ctx, Event{Actor: "parent-1", Action: "loan.approve", Resource: "loan", ResourceID: "l-1", FromState: "requested", ToState: "approved"})
	e2 := logger.Record(ctx, Event{Actor: "parent-1", Action: "loan.activate", Resource: "loan", ResourceID: "l-1"})
	e3 := logger.Record(ctx, Event{Actor: "child-1", Action: "cd.accept", Resource: "cd", ResourceID: "cd-1"})

	chain := []*LogEntry{e1, e2, e3}
	assert.True(t, VerifyChain(chain))
	assert.Len(t, logger.Entries(), 3)

	ev, err := Decode(e1)
	require.NoError(t, err)
	assert.Equal(t, "loan.approve", ev.Action)
	assert.Equal(t, "approved", ev.ToState)

	// tampered payload
	original := e2.Payload
	e2.Payload = `{"action":"loan.close"}`
	assert.False(t, VerifyChain(chain))
	e2.Payload = original

	// tampered hash
	originalHash := e2.Hash
	e2.Hash = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	assert.False(t, VerifyChain(chain))
	e2.Hash = originalHash

	// broken link
	e3.PreviousHash = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	assert.False(t, VerifyChain(chain))
}

func TestEntriesAreCopies(t *testing.T) {
	logger := NewChainLogger(nil)
	logger.Append("a")
	entries := logger.Entries()
	entries[0].Payload = "b"
	assert.Equal(t, "a", logger.Entries()[0].Payload)
}
