package bus

import (
	"context"
	"net/url"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ErrUnsupportedScheme is returned by ParseBrokerURL when the scheme is not
// "redis", per §6's "Broker URL is validated at startup ... any other
// scheme is fatal."
var ErrUnsupportedScheme = errors.New("bus: broker url scheme must be \"redis\"")

// ParseBrokerURL validates raw as "<scheme>://<rest>" with scheme=="redis"
// and returns go-redis connection options built from it.
func ParseBrokerURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "bus: parsing broker url")
	}
	if u.Scheme != "redis" {
		return nil, errors.Wrapf(ErrUnsupportedScheme, "got scheme %q", u.Scheme)
	}
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return nil, errors.Wrap(err, "bus: building redis client options")
	}
	return opts, nil
}

// RedisBroker is the production Broker backed by a single redis client.
// The supervisor and each source and channel worker process build their
// own RedisBroker from the same broker URL.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker dials a redis client from a broker URL already validated
// by ParseBrokerURL.
func NewRedisBroker(raw string) (*RedisBroker, error) {
	opts, err := ParseBrokerURL(raw)
	if err != nil {
		return nil, err
	}
	return &RedisBroker{client: redis.NewClient(opts)}, nil
}

func (r *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *RedisBroker) Subscribe(ctx context.Context, channel string) (BrokerSubscription, error) {
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, errors.Wrapf(err, "bus: subscribing to %q", channel)
	}

	out := make(chan []byte, 64)
	redisCh := pubsub.Channel()
	go func() {
		defer close(out)
		for msg := range redisCh {
			out <- []byte(msg.Payload)
		}
	}()

	return &redisSubscription{pubsub: pubsub, messages: out}, nil
}

func (r *RedisBroker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// FlushDB clears the broker's logical database on exit, per §5 "Process
// hygiene": "so that stale queue state does not poison a subsequent run."
func (r *RedisBroker) FlushDB(ctx context.Context) error {
	return r.client.FlushDB(ctx).Err()
}

func (r *RedisBroker) Close() error { return r.client.Close() }

type redisSubscription struct {
	pubsub   *redis.PubSub
	messages chan []byte
}

func (s *redisSubscription) Messages() <-chan []byte { return s.messages }
func (s *redisSubscription) Close() error             { return s.pubsub.Close() }
