package bus

import "context"

// Broker abstracts the pub/sub transport backing the Exchange. The
// production implementation (RedisBroker) wraps github.com/redis/go-redis/v9;
// tests substitute an in-process fake satisfying the same interface, the
// way dispatch_test.go substitutes d.outbound.New with getChan rather than
// standing up a real worker pool.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (BrokerSubscription, error)
	Ping(ctx context.Context) error
	FlushDB(ctx context.Context) error
	Close() error
}

// BrokerSubscription is a single channel's raw subscription on the broker.
type BrokerSubscription interface {
	Messages() <-chan []byte
	Close() error
}
