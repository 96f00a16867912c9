// Package bus implements the shared topic exchange (§6): a single named
// exchange, backed by a Broker, over which source workers publish
// generation-advance messages keyed by a deterministic routing key and
// channel workers subscribe to the routing keys of the sources their
// configuration declares.
//
// Shaped on dispatch/dispatch_test.go's Dispatcher/Mux/Pipe: one shared
// fan-out point (here, Exchange) vends per-subscriber Pipes with a
// Release method, the same way dispatch.Mux vends Pipes backed by a
// worker pool. Here the worker pool is replaced by one broker subscription
// per routing key, fanned out locally to every Pipe registered against it.
package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
)

// ErrExchangeClosed is returned by Subscribe/Publish after Close.
var ErrExchangeClosed = errors.New("bus: exchange is closed")

// Message is what travels the exchange: the generation id of a freshly
// persisted data-block row and the set of product names produced, per
// §4.3 step 4. Values carries the actual product payload alongside the
// names; a production deployment with a networked data space would let
// subscribers Load() generation G by id instead, but since the data space
// is an external, out-of-scope collaborator with no shared backing store
// wired into this repository's own process tree (§1), the generation's
// values ride along on the message itself.
type Message struct {
	RoutingKey string         `json:"routing_key"`
	Generation int64          `json:"generation"`
	Products   []string       `json:"products"`
	Values     map[string]any `json:"values,omitempty"`
}

// Exchange is the shared topic exchange named in §6 (default
// "hepcloud_topic_exchange"). Ownership belongs to the supervisor, per §5.
type Exchange struct {
	name   string
	broker Broker

	mu     sync.Mutex
	routes map[string]*route
	closed bool
}

type route struct {
	sub   BrokerSubscription
	pipes map[uuid.UUID]chan Message
}

// NewExchange wraps broker with local fan-out, named for telemetry/logging.
func NewExchange(name string, broker Broker) *Exchange {
	return &Exchange{name: name, broker: broker, routes: make(map[string]*route)}
}

// Name returns the exchange's configured name.
func (e *Exchange) Name() string { return e.name }

// Ping asserts the broker is reachable, per §6's "A liveness ping to the
// broker is required before the supervisor accepts any RPC."
func (e *Exchange) Ping(ctx context.Context) error { return e.broker.Ping(ctx) }

// FlushDB clears the broker's keyspace, used on final shutdown.
func (e *Exchange) FlushDB(ctx context.Context) error { return e.broker.FlushDB(ctx) }

// Publish marshals msg and publishes it under its own routing key.
func (e *Exchange) Publish(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "bus: marshalling message")
	}
	return e.broker.Publish(ctx, msg.RoutingKey, b)
}

// Subscribe registers a new Pipe against routingKey. The first subscriber
// for a routing key opens the underlying broker subscription and a
// forwarding goroutine; subsequent subscribers share it.
func (e *Exchange) Subscribe(ctx context.Context, routingKey string) (*Pipe, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrExchangeClosed
	}
	r, ok := e.routes[routingKey]
	if !ok {
		sub, err := e.broker.Subscribe(ctx, routingKey)
		if err != nil {
			e.mu.Unlock()
			return nil, errors.Wrapf(err, "bus: subscribing to routing key %q", routingKey)
		}
		r = &route{sub: sub, pipes: make(map[uuid.UUID]chan Message)}
		e.routes[routingKey] = r
		go e.forward(routingKey, r)
	}

	id, err := uuid.NewV4()
	if err != nil {
		e.mu.Unlock()
		return nil, errors.Wrap(err, "bus: generating subscription id")
	}
	ch := make(chan Message, 16)
	r.pipes[id] = ch
	e.mu.Unlock()

	return &Pipe{C: ch, id: id, routingKey: routingKey, exchange: e}, nil
}

// forward reads raw broker payloads for routingKey and fans each decoded
// message out to every currently registered Pipe, dropping silently on a
// full subscriber buffer rather than blocking the whole route (best-effort
// delivery, per spec.md §1 Non-goals).
func (e *Exchange) forward(routingKey string, r *route) {
	for raw := range r.sub.Messages() {
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		e.mu.Lock()
		for _, ch := range r.pipes {
			select {
			case ch <- msg:
			default:
			}
		}
		e.mu.Unlock()
	}
}

// release drops a Pipe from its route, closing the broker subscription
// once the last local subscriber leaves.
func (e *Exchange) release(routingKey string, id uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.routes[routingKey]
	if !ok {
		return nil
	}
	if ch, ok := r.pipes[id]; ok {
		close(ch)
		delete(r.pipes, id)
	}
	if len(r.pipes) == 0 {
		delete(e.routes, routingKey)
		return r.sub.Close()
	}
	return nil
}

// Close closes every local Pipe's channel and tears down every route's
// broker subscription; Close is for supervisor shutdown.
func (e *Exchange) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var firstErr error
	for key, r := range e.routes {
		for _, ch := range r.pipes {
			close(ch)
		}
		if err := r.sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.routes, key)
	}
	return firstErr
}

// Pipe is one subscriber's view of a routing key's message stream.
type Pipe struct {
	C          chan Message
	id         uuid.UUID
	routingKey string
	exchange   *Exchange
}

// Release unsubscribes the Pipe from its exchange.
func (p *Pipe) Release() error { return p.exchange.release(p.routingKey, p.id) }
