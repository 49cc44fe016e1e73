// Package eventbus is the Event Bus (EB): a durable, append-only,
// partitioned log with consumer groups, per-message acknowledgement,
// idle-pending inspection, and reclaim-by-id.
package eventbus

import (
	"context"
	"time"
)

// Stream names the EB's fixed partitions.
type Stream string

const (
	StreamPreloads      Stream = "preloads"
	StreamInferenceJobs Stream = "inference_jobs"
	StreamIngestEvents  Stream = "ingest_events"
	StreamControl       Stream = "control"
	StreamDLQ           Stream = "dlq"
)

// Message is one delivered entry: its id, the stream it came from, and
// its field map. JobID, Attempts, and OriginMsgID mirror the fixed
// fields the reconciler's reclaim/DLQ logic relies on.
type Message struct {
	ID          string
	Stream      Stream
	JobID       string
	Type        string
	Payload     []byte
	Attempts    int
	OriginMsgID string
}

// PendingEntry describes one delivered-but-unacknowledged message
// observed by the `pending` inspection call.
type PendingEntry struct {
	ID       string
	Consumer string
	Idle     time.Duration
}

// Bus is the full Event Bus contract.
type Bus interface {
	Append(ctx context.Context, stream Stream, msg Message) (string, error)
	ReadGroup(ctx context.Context, stream Stream, group, consumer string, count int, block time.Duration) ([]Message, error)
	Ack(ctx context.Context, stream Stream, group, msgID string) error
	Pending(ctx context.Context, stream Stream, group string, idle time.Duration) ([]PendingEntry, error)
	Reclaim(ctx context.Context, stream Stream, group, consumer string, msgIDs []string, idle time.Duration) ([]Message, error)
	EnsureGroup(ctx context.Context, stream Stream, group string, fromStart bool) error
	Ping(ctx context.Context) error
	Close() error
}
