package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	envelopeField     = "envelope"
	payloadVersion    = "v1"
	defaultStreamMax  = 1000
	defaultReadBlock  = 5 * time.Second
	defaultReadCount  = 50
	streamKeyTemplate = "polyplexity:events:%s"
)

// Envelope wraps an event persisted to a Redis stream.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	PayloadVersion string          `json:"payload_version"`
	Data           json.RawMessage `json:"data"`
}

// ValidateBasic ensures mandatory envelope fields are present.
func (e *Envelope) ValidateBasic() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.PayloadVersion == "" {
		return fmt.Errorf("payload_version is required")
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("data payload is required")
	}
	return nil
}

// NewEnvelope wraps ev with a fresh event id.
func NewEnvelope(ev Event) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal event: %w", err)
	}
	env := Envelope{
		EventID:        uuid.NewString(),
		EventType:      ev.Kind,
		OccurredAt:     time.Now().UTC(),
		PayloadVersion: payloadVersion,
		Data:           data,
	}
	return env, env.ValidateBasic()
}

// DecodeEnvelope parses an envelope and returns the wrapped event.
func DecodeEnvelope(b []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Event{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.ValidateBasic(); err != nil {
		return Event{}, err
	}
	var ev Event
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	return ev, nil
}

// StreamKey is the Redis stream holding a thread's events.
func StreamKey(threadID string) string {
	return fmt.Sprintf(streamKeyTemplate, threadID)
}

// RedisSink appends events to per-thread Redis streams so any replica can
// serve the live feed.
type RedisSink struct {
	client *redis.Client
	maxLen int64
}

func NewRedisSink(client *redis.Client, maxLen int64) *RedisSink {
	if maxLen <= 0 {
		maxLen = defaultStreamMax
	}
	return &RedisSink{client: client, maxLen: maxLen}
}

func (s *RedisSink) Publish(ctx context.Context, ev Event) error {
	if ev.ThreadID == "" {
		return fmt.Errorf("thread id is required")
	}
	env, err := NewEnvelope(ev)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: StreamKey(ev.ThreadID),
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{envelopeField: raw},
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// RedisSubscriber tails a thread's Redis stream from the moment of subscription.
type RedisSubscriber struct {
	client *redis.Client
	block  time.Duration
	logger *log.Logger
}

func NewRedisSubscriber(client *redis.Client, logger *log.Logger) *RedisSubscriber {
	if logger == nil {
		logger = log.New(log.Writer(), "[STREAM] ", log.LstdFlags)
	}
	return &RedisSubscriber{client: client, block: defaultReadBlock, logger: logger}
}

func (s *RedisSubscriber) Subscribe(ctx context.Context, threadID string) (<-chan Event, error) {
	if threadID == "" {
		return nil, fmt.Errorf("thread id is required")
	}
	out := make(chan Event, defaultSubscriberBuffer)
	key := StreamKey(threadID)
	go func() {
		defer close(out)
		lastID := "$"
		for ctx.Err() == nil {
			res, err := s.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   defaultReadCount,
				Block:   s.block,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				s.logger.Printf("xread %s: %v", key, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			for _, st := range res {
				for _, msg := range st.Messages {
					lastID = msg.ID
					raw, ok := msg.Values[envelopeField].(string)
					if !ok {
						continue
					}
					ev, err := DecodeEnvelope([]byte(raw))
					if err != nil {
						s.logger.Printf("decode %s/%s: %v", key, msg.ID, err)
						continue
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}
