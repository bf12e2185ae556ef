package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// StreamEntry is one stream record as delivered to a consumer
type StreamEntry struct {
	Stream string
	ID     string
	Fields map[string]interface{}
}

// Field returns the raw bytes of a field value
func (e StreamEntry) Field(name string) ([]byte, bool) {
	v, ok := e.Fields[name]
	if !ok {
		return nil, false
	}
	switch t := v.(type) {
	case string:
		return []byte(t), true
	case []byte:
		return t, true
	default:
		return []byte(fmt.Sprint(t)), true
	}
}

// XAdd appends an entry to stream and returns its id
func (c *Client) XAdd(ctx context.Context, stream string, fields map[string]interface{}) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: fields}).Result()
	if err != nil {
		return "", fmt.Errorf("redis xadd %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group on stream, creating the stream if
// needed. An existing group is not an error.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

// ReadGroup reads new entries for consumer from every stream, blocking up to
// block. A timeout yields no entries and no error.
func (c *Client) ReadGroup(ctx context.Context, group, consumer string, streams []string, block time.Duration, count int64) ([]StreamEntry, error) {
	if len(streams) == 0 {
		return nil, nil
	}
	args := make([]string, 0, 2*len(streams))
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Block:    block,
		Count:    count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis xreadgroup: %w", err)
	}

	var out []StreamEntry
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, StreamEntry{Stream: s.Stream, ID: m.ID, Fields: m.Values})
		}
	}
	return out, nil
}

// Ack acknowledges entries of stream for group
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := c.rdb.XAck(ctx, stream, group, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis xack %s: %w", stream, err)
	}
	return n, nil
}

// AutoClaim transfers to consumer the pending entries of stream that have
// been idle for at least minIdle, starting from start. It returns the
// claimed entries and the cursor for the next call.
//
// The command is sent raw: Redis 7 appends a list of deleted ids to the
// reply, which the typed go-redis v8 command rejects.
func (c *Client) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]StreamEntry, string, error) {
	if start == "" {
		start = "0-0"
	}
	args := []interface{}{"XAUTOCLAIM", stream, group, consumer, minIdle.Milliseconds(), start}
	if count > 0 {
		args = append(args, "COUNT", count)
	}
	reply, err := c.rdb.Do(ctx, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "0-0", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("redis xautoclaim %s: %w", stream, err)
	}
	entries, next, err := parseAutoClaim(stream, reply)
	if err != nil {
		return nil, "", fmt.Errorf("redis xautoclaim %s: %w", stream, err)
	}
	return entries, next, nil
}

// parseAutoClaim reads both the two element reply of Redis 6.2 and the
// three element reply of Redis 7
func parseAutoClaim(stream string, reply interface{}) ([]StreamEntry, string, error) {
	parts, ok := reply.([]interface{})
	if !ok || len(parts) < 2 {
		return nil, "", fmt.Errorf("unexpected reply %T", reply)
	}
	next, ok := parts[0].(string)
	if !ok {
		return nil, "", fmt.Errorf("unexpected cursor %T", parts[0])
	}
	msgs, ok := parts[1].([]interface{})
	if !ok {
		return nil, "", fmt.Errorf("unexpected entries %T", parts[1])
	}

	out := make([]StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		// entries deleted while pending come back as nil on Redis 6.2
		pair, ok := m.([]interface{})
		if !ok || len(pair) != 2 {
			continue
		}
		id, ok := pair[0].(string)
		if !ok {
			return nil, "", fmt.Errorf("unexpected entry id %T", pair[0])
		}
		raw, _ := pair[1].([]interface{})
		fields := make(map[string]interface{}, len(raw)/2)
		for i := 0; i+1 < len(raw); i += 2 {
			k, ok := raw[i].(string)
			if !ok {
				return nil, "", fmt.Errorf("unexpected field name %T", raw[i])
			}
			fields[k] = raw[i+1]
		}
		out = append(out, StreamEntry{Stream: stream, ID: id, Fields: fields})
	}
	return out, next, nil
}

// Pending returns the number of entries delivered to group but not acknowledged
func (c *Client) Pending(ctx context.Context, stream, group string) (int64, error) {
	p, err := c.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		return 0, fmt.Errorf("redis xpending %s: %w", stream, err)
	}
	return p.Count, nil
}
