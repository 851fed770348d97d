package events

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/mwork/photofabric/internal/errs"
)

// TransportMessage is one payload delivered off a Transport subscription.
type TransportMessage struct {
	Payload []byte
}

// Transport is the minimal publish/subscribe primitive the Channel
// needs; it does not know about topics or patterns, only bytes on a
// single logical stream. The Channel itself does topic filtering and
// per-key ordering on top.
type Transport interface {
	Publish(ctx context.Context, payload []byte) error
	// Subscribe returns a channel of incoming messages and a close
	// function the caller must invoke to release the subscription.
	Subscribe(ctx context.Context) (<-chan TransportMessage, func() error, error)
	Ping(ctx context.Context) error
}

// streamKey is the single Redis pub/sub channel every event fans out
// on; subscribers filter by topic pattern in-process, mirroring how
// the chat hub's Redis-backed room broadcast works one level up.
const streamKey = "photofabric:events"

// RedisTransport backs the Event Channel with a Redis pub/sub channel
// shared with any other instance of the service.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport wraps an existing Redis client for use as the C3 transport.
func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Publish(ctx context.Context, payload []byte) error {
	if err := t.client.Publish(ctx, streamKey, payload).Err(); err != nil {
		return errs.Transient(err, "publish event")
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context) (<-chan TransportMessage, func() error, error) {
	pubsub := t.client.Subscribe(ctx, streamKey)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, nil, errs.Transient(err, "subscribe to event stream")
	}

	out := make(chan TransportMessage, 256)
	redisCh := pubsub.Channel()
	go func() {
		defer close(out)
		for msg := range redisCh {
			out <- TransportMessage{Payload: []byte(msg.Payload)}
		}
	}()

	return out, pubsub.Close, nil
}

func (t *RedisTransport) Ping(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return errs.Wrap(errs.KindTransient, "event transport ping", err)
	}
	return nil
}
