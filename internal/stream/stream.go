// Package stream provides the durable event stream on Redis Streams.
// Producers XADD one entry per event; consumers join a consumer group and
// claim/ack entries, giving at-least-once delivery to exactly one live
// consumer per entry.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Jmemon/fuel/internal/models"
)

// Config holds stream connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	Group    string
	Consumer string
}

// Entry is one claimed stream entry: the decoded event plus the stream id
// needed to ack it.
type Entry struct {
	StreamID string
	Event    models.Event
}

// Client wraps a Redis connection for publishing and consuming events.
type Client struct {
	rdb *redis.Client
	cfg Config
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &Client{rdb: rdb, cfg: cfg}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Publish appends the event to the stream as a map of string fields.
func (c *Client) Publish(ctx context.Context, e *models.Event) error {
	values := map[string]any{
		"id":           e.ID,
		"type":         string(e.Type),
		"timestamp":    e.Timestamp.UTC().Format(time.RFC3339Nano),
		"device_id":    e.DeviceID,
		"workspace_id": e.WorkspaceID,
	}
	if e.SessionID != "" {
		values["session_id"] = e.SessionID
	}
	if len(e.Data) > 0 {
		values["data"] = string(e.Data)
	}
	if len(e.BlobRefs) > 0 {
		refs, err := json.Marshal(e.BlobRefs)
		if err != nil {
			return fmt.Errorf("marshal blob refs: %w", err)
		}
		values["blob_refs"] = string(refs)
	}

	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.Stream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", e.ID, err)
	}
	return nil
}

// EnsureGroup creates the consumer group if it does not exist yet, creating
// the stream as a side effect.
func (c *Client) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Fetch claims up to count unread entries for this consumer, blocking up to
// block. It returns an empty slice on timeout.
func (c *Client) Fetch(ctx context.Context, count int64, block time.Duration) ([]Entry, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return decodeStreams(streams), nil
}

// ClaimStale transfers entries that have been pending longer than minIdle
// from dead consumers to this one, so a crashed consumer's work is redelivered.
func (c *Client) ClaimStale(ctx context.Context, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  minIdle,
		Start:    "0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claim stale entries: %w", err)
	}
	var entries []Entry
	for _, msg := range msgs {
		entries = append(entries, decodeMessage(msg))
	}
	return entries, nil
}

// Ack acknowledges a processed entry. Unacked entries stay pending and are
// redelivered, so handlers must be idempotent.
func (c *Client) Ack(ctx context.Context, streamID string) error {
	if err := c.rdb.XAck(ctx, c.cfg.Stream, c.cfg.Group, streamID).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", streamID, err)
	}
	return nil
}

func decodeStreams(streams []redis.XStream) []Entry {
	var entries []Entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			entries = append(entries, decodeMessage(msg))
		}
	}
	return entries
}

func decodeMessage(msg redis.XMessage) Entry {
	e := Entry{StreamID: msg.ID}
	e.Event.ID = fieldString(msg.Values, "id")
	e.Event.Type = models.EventType(fieldString(msg.Values, "type"))
	e.Event.DeviceID = fieldString(msg.Values, "device_id")
	e.Event.WorkspaceID = fieldString(msg.Values, "workspace_id")
	e.Event.SessionID = fieldString(msg.Values, "session_id")
	if ts, err := time.Parse(time.RFC3339Nano, fieldString(msg.Values, "timestamp")); err == nil {
		e.Event.Timestamp = ts
	}
	if data := fieldString(msg.Values, "data"); data != "" {
		e.Event.Data = json.RawMessage(data)
	}
	if refs := fieldString(msg.Values, "blob_refs"); refs != "" {
		_ = json.Unmarshal([]byte(refs), &e.Event.BlobRefs)
	}
	return e
}

func fieldString(values map[string]any, key string) string {
	if v, ok := values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
