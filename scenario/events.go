package scenario

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/zeebo/xxh3"

	"github.com/goliatone/go-mockstate/logging"
	"github.com/goliatone/go-mockstate/store"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventStateChanged     EventType = "state_changed"
	EventTransitionFailed EventType = "transition_failed"
)

// Event is emitted after every committed or failed execution.
type Event struct {
	Type         EventType            `json:"type"`
	ResourceType string               `json:"resource_type"`
	ResourceID   string               `json:"resource_id"`
	OldState     string               `json:"old_state,omitempty"`
	NewState     string               `json:"new_state,omitempty"`
	TransitionID string               `json:"transition_id,omitempty"`
	Kind         store.TransitionKind `json:"kind,omitempty"`
	ExecutionID  string               `json:"execution_id,omitempty"`
	ErrorCode    string               `json:"error_code,omitempty"`
	Error        string               `json:"error,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
}

// Sink receives events. Emit must not block the caller for long.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event Event)

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) {}

// MultiSink fans an event out to every sink in order.
type MultiSink []Sink

// Emit implements Sink.
func (m MultiSink) Emit(ctx context.Context, event Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, event)
		}
	}
}

// AsyncSink delivers events to next on a bounded set of workers. Events of
// one resource always go to the same single-worker shard, so they arrive in
// emit order. Events that do not fit in their shard's queue are dropped and
// counted.
type AsyncSink struct {
	next    Sink
	shards  []pond.Pool
	dropped atomic.Int64
	onDrop  func(Event)
	logger  logging.Logger
}

// AsyncSinkOption configures an AsyncSink.
type AsyncSinkOption func(*AsyncSink)

// WithDropHandler is called for every dropped event.
func WithDropHandler(fn func(Event)) AsyncSinkOption {
	return func(s *AsyncSink) { s.onDrop = fn }
}

// WithSinkLogger sets the logger used to report drops.
func WithSinkLogger(logger logging.Logger) AsyncSinkOption {
	return func(s *AsyncSink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewAsyncSink starts workers shards delivering to next. queueSize pending
// events are split evenly across the shards.
func NewAsyncSink(next Sink, workers, queueSize int, opts ...AsyncSinkOption) *AsyncSink {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if next == nil {
		next = nopSink{}
	}
	perShard := (queueSize + workers - 1) / workers
	s := &AsyncSink{
		next:   next,
		shards: make([]pond.Pool, workers),
		logger: logging.Nop{},
	}
	for i := range s.shards {
		s.shards[i] = pond.NewPool(1, pond.WithQueueSize(perShard), pond.WithNonBlocking(true))
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *AsyncSink) shard(event Event) pond.Pool {
	if len(s.shards) == 1 {
		return s.shards[0]
	}
	h := xxh3.HashString(event.ResourceType + "\x00" + event.ResourceID)
	return s.shards[h%uint64(len(s.shards))]
}

// Emit queues event without waiting for delivery.
func (s *AsyncSink) Emit(ctx context.Context, event Event) {
	detached := context.WithoutCancel(ctx)
	if err := s.shard(event).Go(func() { s.next.Emit(detached, event) }); err != nil {
		s.dropped.Add(1)
		s.logger.Debug("dropped %s event for %s/%s: %v", event.Type, event.ResourceType, event.ResourceID, err)
		if s.onDrop != nil {
			s.onDrop(event)
		}
	}
}

// Dropped returns how many events were dropped so far.
func (s *AsyncSink) Dropped() int64 { return s.dropped.Load() }

// Close stops accepting events and waits for queued ones to be delivered.
func (s *AsyncSink) Close() {
	for _, p := range s.shards {
		p.StopAndWait()
	}
}

// ChannelSink writes events to a buffered channel and drops when it is full.
type ChannelSink struct {
	ch      chan Event
	dropped atomic.Int64
}

// NewChannelSink creates a channel sink with the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Events returns the receive side of the channel.
func (c *ChannelSink) Events() <-chan Event { return c.ch }

// Emit implements Sink.
func (c *ChannelSink) Emit(_ context.Context, event Event) {
	select {
	case c.ch <- event:
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns how many events did not fit the buffer.
func (c *ChannelSink) Dropped() int64 { return c.dropped.Load() }

// RedisPublisher is the part of a go-redis client RedisSink needs.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *goredis.IntCmd
}

// RedisSink publishes events as JSON on a Redis channel.
type RedisSink struct {
	client  RedisPublisher
	channel string
	logger  logging.Logger
}

// NewRedisSink publishes to channel, defaulting to "mockstate:events".
func NewRedisSink(client RedisPublisher, channel string, logger logging.Logger) *RedisSink {
	if channel == "" {
		channel = "mockstate:events"
	}
	return &RedisSink{client: client, channel: channel, logger: logging.Normalize(logger)}
}

// Emit implements Sink.
func (r *RedisSink) Emit(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("encode %s event: %v", event.Type, err)
		return
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("publish %s event to %s: %v", event.Type, r.channel, err)
	}
}
