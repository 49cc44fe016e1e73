package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	coreerrors "github.com/newsmesh/gpu-orchestrator/internal/errors"
)

type storedEntry struct {
	msg      Message
	consumer string
	claimed  bool
	lastSeen time.Time
}

type memoryStream struct {
	mu      sync.Mutex
	entries []*storedEntry
	byID    map[string]*storedEntry
	groups  map[string]*memoryGroup
	seq     int64
}

type memoryGroup struct {
	cursor int
	acked  map[string]bool
}

// MemoryBus is an in-process stand-in for the EB, used in tests and in
// standalone runs where require_bus is false. It mirrors Redis Streams'
// delivery and acknowledgement semantics closely enough for the
// reconciler's reclaim/DLQ logic to exercise identically against either
// backend.
type MemoryBus struct {
	mu      sync.Mutex
	streams map[Stream]*memoryStream
}

// NewMemoryBus constructs an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{streams: make(map[Stream]*memoryStream)}
}

func (b *MemoryBus) stream(s Stream) *memoryStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[s]
	if !ok {
		st = &memoryStream{byID: make(map[string]*storedEntry), groups: make(map[string]*memoryGroup)}
		b.streams[s] = st
	}
	return st
}

func (b *MemoryBus) Append(ctx context.Context, stream Stream, msg Message) (string, error) {
	st := b.stream(stream)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.seq++
	id := fmt.Sprintf("%d-0", st.seq)
	msg.ID = id
	msg.Stream = stream
	entry := &storedEntry{msg: msg}
	st.entries = append(st.entries, entry)
	st.byID[id] = entry
	return id, nil
}

func (b *MemoryBus) EnsureGroup(ctx context.Context, stream Stream, group string, fromStart bool) error {
	st := b.stream(stream)
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.groups[group]; ok {
		return nil
	}
	cursor := len(st.entries)
	if fromStart {
		cursor = 0
	}
	st.groups[group] = &memoryGroup{cursor: cursor, acked: make(map[string]bool)}
	return nil
}

func (b *MemoryBus) ReadGroup(ctx context.Context, stream Stream, group, consumer string, count int, block time.Duration) ([]Message, error) {
	st := b.stream(stream)
	st.mu.Lock()
	defer st.mu.Unlock()

	g, ok := st.groups[group]
	if !ok {
		return nil, coreerrors.BusUnavailable(fmt.Errorf("eventbus: unknown consumer group %q", group))
	}

	var out []Message
	for g.cursor < len(st.entries) && len(out) < count {
		entry := st.entries[g.cursor]
		g.cursor++
		entry.consumer = consumer
		entry.claimed = true
		entry.lastSeen = time.Now()
		out = append(out, entry.msg)
	}
	return out, nil
}

func (b *MemoryBus) Ack(ctx context.Context, stream Stream, group, msgID string) error {
	st := b.stream(stream)
	st.mu.Lock()
	defer st.mu.Unlock()

	g, ok := st.groups[group]
	if !ok {
		return coreerrors.BusUnavailable(fmt.Errorf("eventbus: unknown consumer group %q", group))
	}
	g.acked[msgID] = true
	return nil
}

func (b *MemoryBus) Pending(ctx context.Context, stream Stream, group string, idle time.Duration) ([]PendingEntry, error) {
	st := b.stream(stream)
	st.mu.Lock()
	defer st.mu.Unlock()

	g, ok := st.groups[group]
	if !ok {
		return nil, coreerrors.BusUnavailable(fmt.Errorf("eventbus: unknown consumer group %q", group))
	}

	now := time.Now()
	var out []PendingEntry
	for _, entry := range st.entries[:min(g.cursor, len(st.entries))] {
		if !entry.claimed || g.acked[entry.msg.ID] {
			continue
		}
		elapsed := now.Sub(entry.lastSeen)
		if elapsed >= idle {
			out = append(out, PendingEntry{ID: entry.msg.ID, Consumer: entry.consumer, Idle: elapsed})
		}
	}
	return out, nil
}

func (b *MemoryBus) Reclaim(ctx context.Context, stream Stream, group, consumer string, msgIDs []string, idle time.Duration) ([]Message, error) {
	st := b.stream(stream)
	st.mu.Lock()
	defer st.mu.Unlock()

	g, ok := st.groups[group]
	if !ok {
		return nil, coreerrors.BusUnavailable(fmt.Errorf("eventbus: unknown consumer group %q", group))
	}

	now := time.Now()
	var out []Message
	for _, id := range msgIDs {
		entry, ok := st.byID[id]
		if !ok || g.acked[id] {
			continue
		}
		if now.Sub(entry.lastSeen) < idle {
			continue
		}
		entry.consumer = consumer
		entry.lastSeen = now
		out = append(out, entry.msg)
	}
	return out, nil
}

func (b *MemoryBus) Ping(ctx context.Context) error {
	return nil
}

func (b *MemoryBus) Close() error {
	return nil
}
