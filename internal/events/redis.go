package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/bizportal/flowd/pkg/schema"
)

// DefaultRedisPrefix namespaces bus channels. The event type is appended.
const DefaultRedisPrefix = "flowd:events:"

// RedisBus fans events out across processes with Redis Pub/Sub. Delivery is
// at most once, like the in-process bus.
type RedisBus struct {
	client redis.UniversalClient
	prefix string
	buffer int
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*redis.PubSub]struct{}
}

// NewRedisBus creates a RedisBus. An empty prefix uses DefaultRedisPrefix.
func NewRedisBus(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisBus {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		buffer: defaultBuffer,
		logger: logger,
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

func (b *RedisBus) channel(eventType string) string {
	return b.prefix + eventType
}

// Publish sends e on the channel of its type.
func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "event payload is not JSON").WithCause(err)
	}
	if err := b.client.Publish(ctx, b.channel(e.Type), raw).Err(); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "publish %s: %v", e.Type, err).WithCause(err)
	}
	return nil
}

// Subscribe listens on the channels of filter.Types, or on every channel
// under the prefix when no type is given.
func (b *RedisBus) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error) {
	var ps *redis.PubSub
	if len(filter.Types) == 0 {
		ps = b.client.PSubscribe(ctx, b.prefix+"*")
	} else {
		channels := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			channels[i] = b.channel(t)
		}
		ps = b.client.Subscribe(ctx, channels...)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, schema.NewError(schema.ErrCodeExecution, "redis subscribe failed").WithCause(err)
	}

	b.mu.Lock()
	b.subs[ps] = struct{}{}
	b.mu.Unlock()

	out := make(chan Event, b.buffer)
	go b.forward(ps, filter, out)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ps)
			b.mu.Unlock()
			_ = ps.Close()
		})
	}
	return out, cancel, nil
}

func (b *RedisBus) forward(ps *redis.PubSub, filter Filter, out chan<- Event) {
	defer close(out)
	for msg := range ps.Channel() {
		var e Event
		if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
			b.logger.Warn("dropping malformed event",
				slog.String("channel", msg.Channel), slog.String("error", err.Error()))
			continue
		}
		if e.Type == "" {
			e.Type = strings.TrimPrefix(msg.Channel, b.prefix)
		}
		if !filter.Match(e) {
			continue
		}
		select {
		case out <- e:
		default:
			b.logger.Debug("subscriber full, event dropped", slog.String("type", e.Type))
		}
	}
}

// Close ends every open subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ps := range b.subs {
		_ = ps.Close()
		delete(b.subs, ps)
	}
	return nil
}

var _ Bus = (*RedisBus)(nil)
