package eventbus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	coreerrors "github.com/newsmesh/gpu-orchestrator/internal/errors"
)

// RedisBus is the durable EB backed by Redis Streams: XAdd for append,
// XReadGroup for consumer-group delivery, XAck for acknowledgement,
// XPendingExt for idle inspection, and XClaim for reclaim-by-id.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus wraps an existing *redis.Client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Dial connects to addr/db and verifies reachability, used at startup
// when require_bus gates readiness on EB connectivity.
func Dial(ctx context.Context, addr string, db int) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, coreerrors.BusUnavailable(err)
	}
	return NewRedisBus(client), nil
}

func streamKey(s Stream) string {
	return fmt.Sprintf("stream:orchestrator:%s", s)
}

func (b *RedisBus) Append(ctx context.Context, stream Stream, msg Message) (string, error) {
	values := map[string]interface{}{
		"job_id":        msg.JobID,
		"type":          msg.Type,
		"payload":       msg.Payload,
		"attempts":      msg.Attempts,
		"origin_msg_id": msg.OriginMsgID,
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(stream),
		Values: values,
	}).Result()
	if err != nil {
		return "", coreerrors.BusUnavailable(err)
	}
	return id, nil
}

func (b *RedisBus) EnsureGroup(ctx context.Context, stream Stream, group string, fromStart bool) error {
	start := "$"
	if fromStart {
		start = "0"
	}
	err := b.client.XGroupCreateMkStream(ctx, streamKey(stream), group, start).Err()
	if err != nil && !isBusyGroupErr(err) {
		return coreerrors.BusUnavailable(err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

func (b *RedisBus) ReadGroup(ctx context.Context, stream Stream, group, consumer string, count int, block time.Duration) ([]Message, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamKey(stream), ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, coreerrors.BusUnavailable(err)
	}

	var out []Message
	for _, s := range res {
		for _, entry := range s.Messages {
			out = append(out, messageFromEntry(stream, entry))
		}
	}
	return out, nil
}

func messageFromEntry(stream Stream, entry redis.XMessage) Message {
	msg := Message{ID: entry.ID, Stream: stream}
	if v, ok := entry.Values["job_id"].(string); ok {
		msg.JobID = v
	}
	if v, ok := entry.Values["type"].(string); ok {
		msg.Type = v
	}
	if v, ok := entry.Values["payload"].(string); ok {
		msg.Payload = []byte(v)
	}
	if v, ok := entry.Values["attempts"].(string); ok {
		msg.Attempts, _ = strconv.Atoi(v)
	}
	if v, ok := entry.Values["origin_msg_id"].(string); ok {
		msg.OriginMsgID = v
	}
	return msg
}

func (b *RedisBus) Ack(ctx context.Context, stream Stream, group, msgID string) error {
	if err := b.client.XAck(ctx, streamKey(stream), group, msgID).Err(); err != nil {
		return coreerrors.BusUnavailable(err)
	}
	return nil
}

func (b *RedisBus) Pending(ctx context.Context, stream Stream, group string, idle time.Duration) ([]PendingEntry, error) {
	res, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamKey(stream),
		Group:  group,
		Idle:   idle,
		Start:  "-",
		End:    "+",
		Count:  1000,
	}).Result()
	if err != nil {
		return nil, coreerrors.BusUnavailable(err)
	}

	out := make([]PendingEntry, 0, len(res))
	for _, e := range res {
		out = append(out, PendingEntry{ID: e.ID, Consumer: e.Consumer, Idle: e.Idle})
	}
	return out, nil
}

func (b *RedisBus) Reclaim(ctx context.Context, stream Stream, group, consumer string, msgIDs []string, idle time.Duration) ([]Message, error) {
	entries, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   streamKey(stream),
		Group:    group,
		Consumer: consumer,
		MinIdle:  idle,
		Messages: msgIDs,
	}).Result()
	if err != nil {
		return nil, coreerrors.BusUnavailable(err)
	}

	out := make([]Message, 0, len(entries))
	for _, entry := range entries {
		out = append(out, messageFromEntry(stream, entry))
	}
	return out, nil
}

func (b *RedisBus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return coreerrors.BusUnavailable(err)
	}
	return nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
