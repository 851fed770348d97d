package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mwork/photofabric/internal/errs"
)

// Handler processes one delivered event. A non-nil error triggers the
// subscription's retry policy if SubscribeOptions.RetryOnError is set.
type Handler func(ctx context.Context, evt Event) error

// SubscribeOptions are the recognized per-subscription options from spec.md §4.C3.
type SubscribeOptions struct {
	RetryOnError bool
	MaxRetries   int
	TimeoutMS    int
}

// Subscription is the handle returned by Subscribe, passed to Unsubscribe.
type Subscription struct {
	id string
}

type subscriber struct {
	id      string
	pattern string
	handler Handler
	opts    SubscribeOptions
}

// matches reports whether topic satisfies pattern: exact match, or a
// pattern ending in ".*" matching every topic under that prefix, at
// any depth (spec.md §4.C3: "trailing `*` segment wildcard").
func (s *subscriber) matches(topic string) bool {
	if !strings.HasSuffix(s.pattern, ".*") {
		return s.pattern == topic
	}
	prefix := strings.TrimSuffix(s.pattern, "*")
	return strings.HasPrefix(topic, prefix)
}

const shardCount = 16

type shard struct {
	queue chan shardTask
}

type shardTask struct {
	sub *subscriber
	evt Event
}

// Channel is the Event Channel (C3): publish/subscribe over a
// Transport, with trailing-wildcard pattern matching and per-photo_id
// ordered delivery achieved by sharding delivery tasks on photo_id.
type Channel struct {
	transport Transport
	source    string

	mu   sync.RWMutex
	subs map[string]*subscriber

	shards [shardCount]*shard

	published int64
	delivered int64

	closeTransport func() error
	cancel         context.CancelFunc
}

// NewChannel builds a Channel bound to transport, tagging every
// published event's metadata.source with source (typically the
// service name).
func NewChannel(transport Transport, source string) *Channel {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Channel{
		transport: transport,
		source:    source,
		subs:      make(map[string]*subscriber),
		cancel:    cancel,
	}

	for i := range c.shards {
		sh := &shard{queue: make(chan shardTask, 256)}
		c.shards[i] = sh
		go c.runShard(ctx, sh)
	}

	msgs, closeFn, err := transport.Subscribe(ctx)
	if err != nil {
		log.Error().Err(err).Msg("event channel: initial subscribe failed")
	} else {
		c.closeTransport = closeFn
		go c.runDispatch(ctx, msgs)
	}

	return c
}

// Publish sends evt to every subscription whose pattern matches its type.
func (c *Channel) Publish(ctx context.Context, evt Event) error {
	if evt.Metadata.Source == "" {
		evt.Metadata.Source = c.source
	}
	if evt.Metadata.Timestamp.IsZero() {
		evt.Metadata.Timestamp = time.Now()
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "marshal event", err)
	}

	if err := c.transport.Publish(ctx, payload); err != nil {
		return err
	}
	atomic.AddInt64(&c.published, 1)
	return nil
}

// Subscribe registers handler for every topic matching pattern.
// pattern is either an exact topic or ends in ".*".
func (c *Channel) Subscribe(pattern string, handler Handler, opts SubscribeOptions) Subscription {
	sub := &subscriber{id: uuid.NewString(), pattern: pattern, handler: handler, opts: opts}

	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()

	return Subscription{id: sub.id}
}

// Unsubscribe removes a subscription; a no-op if already removed.
func (c *Channel) Unsubscribe(sub Subscription) {
	c.mu.Lock()
	delete(c.subs, sub.id)
	c.mu.Unlock()
}

// Stats reports the channel's running counters.
func (c *Channel) Stats(ctx context.Context) Stats {
	c.mu.RLock()
	active := len(c.subs)
	c.mu.RUnlock()

	return Stats{
		Published:           atomic.LoadInt64(&c.published),
		Delivered:           atomic.LoadInt64(&c.delivered),
		ActiveSubscriptions: active,
		LastTransportPing:   c.transport.Ping(ctx),
	}
}

// Close releases the channel's transport subscription and shard workers.
func (c *Channel) Close() {
	c.cancel()
	if c.closeTransport != nil {
		c.closeTransport()
	}
}

func (c *Channel) runDispatch(ctx context.Context, msgs <-chan TransportMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var evt Event
			if err := json.Unmarshal(msg.Payload, &evt); err != nil {
				log.Warn().Err(err).Msg("event channel: dropping malformed message")
				continue
			}
			c.fanOut(evt)
		}
	}
}

func (c *Channel) fanOut(evt Event) {
	c.mu.RLock()
	matched := make([]*subscriber, 0, len(c.subs))
	for _, sub := range c.subs {
		if sub.matches(evt.Type) {
			matched = append(matched, sub)
		}
	}
	c.mu.RUnlock()

	if len(matched) == 0 {
		return
	}

	key := evt.Metadata.PhotoID
	if key == "" {
		key = evt.EventID
	}
	idx := shardFor(key)

	for _, sub := range matched {
		c.shards[idx].queue <- shardTask{sub: sub, evt: evt}
	}
}

func (c *Channel) runShard(ctx context.Context, sh *shard) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-sh.queue:
			c.deliver(ctx, task.sub, task.evt)
		}
	}
}

func (c *Channel) deliver(ctx context.Context, sub *subscriber, evt Event) {
	attempts := 1
	if sub.opts.RetryOnError {
		attempts += sub.opts.MaxRetries
	}

	deliverCtx := ctx
	var cancel context.CancelFunc
	if sub.opts.TimeoutMS > 0 {
		deliverCtx, cancel = context.WithTimeout(ctx, time.Duration(sub.opts.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = sub.handler(deliverCtx, evt)
		if err == nil {
			atomic.AddInt64(&c.delivered, 1)
			return
		}
		if !sub.opts.RetryOnError || attempt == attempts {
			break
		}
		backoff := time.Duration(attempt*attempt) * 50 * time.Millisecond
		time.Sleep(backoff)
	}

	log.Error().Err(err).Str("event_type", evt.Type).Str("subscription", sub.id).
		Msg("event channel: handler failed, other subscribers unaffected")
}

func shardFor(key string) int {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return int(h % shardCount)
}
