package bus

import (
	"context"
	"sync"
)

// fakeBroker is an in-process stand-in for RedisBroker, the way
// dispatch_test.go swaps d.outbound.New for getChan instead of exercising
// real OS threads end-to-end.
type fakeBroker struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subs: make(map[string][]chan []byte)}
}

func (f *fakeBroker) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[channel] {
		ch <- payload
	}
	return nil
}

func (f *fakeBroker) Subscribe(_ context.Context, channel string) (BrokerSubscription, error) {
	ch := make(chan []byte, 16)
	f.mu.Lock()
	f.subs[channel] = append(f.subs[channel], ch)
	f.mu.Unlock()
	return &fakeSubscription{broker: f, channel: channel, ch: ch}, nil
}

func (f *fakeBroker) Ping(context.Context) error    { return nil }
func (f *fakeBroker) FlushDB(context.Context) error { return nil }
func (f *fakeBroker) Close() error                  { return nil }

type fakeSubscription struct {
	broker  *fakeBroker
	channel string
	ch      chan []byte
}

func (s *fakeSubscription) Messages() <-chan []byte { return s.ch }

func (s *fakeSubscription) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	subs := s.broker.subs[s.channel]
	for i, ch := range subs {
		if ch == s.ch {
			s.broker.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}
