package adminserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hepcloud/decisionengine/bus"
	"github.com/hepcloud/decisionengine/config"
	"github.com/hepcloud/decisionengine/dataspace"
	"github.com/hepcloud/decisionengine/engine"
	"github.com/hepcloud/decisionengine/module"
)

// fakeBroker is a minimal no-op bus.Broker, enough to exercise the admin
// HTTP handlers without a real redis instance.
type fakeBroker struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

func newFakeBroker() *fakeBroker { return &fakeBroker{subs: make(map[string][]chan []byte)} }

func (b *fakeBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		ch <- payload
	}
	return nil
}

func (b *fakeBroker) Subscribe(_ context.Context, channel string) (bus.BrokerSubscription, error) {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()
	return &fakeSubscription{ch: ch}, nil
}

func (b *fakeBroker) Ping(context.Context) error    { return nil }
func (b *fakeBroker) FlushDB(context.Context) error { return nil }
func (b *fakeBroker) Close() error                  { return nil }

type fakeSubscription struct{ ch chan []byte }

func (s *fakeSubscription) Messages() <-chan []byte { return s.ch }
func (s *fakeSubscription) Close() error             { close(s.ch); return nil }

func newTestSupervisor(t *testing.T) *engine.Supervisor {
	t.Helper()
	loader := module.NewLoader()
	ex := bus.NewExchange("test_exchange", newFakeBroker())
	ds := dataspace.NewInMemory()
	global := &config.Global{
		BrokerURL:       "redis://localhost:6379/0",
		ExchangeName:    "test_exchange",
		ShutdownTimeout: time.Second,
		Channels:        map[string]config.Channel{},
	}
	return engine.NewSupervisor(global, loader, ex, ds, engine.Settings{}, zerolog.Nop())
}

func TestHandlePing(t *testing.T) {
	t.Parallel()
	sup := newTestSupervisor(t)
	srv := New(":0", sup, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("received status: %d but expected: %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "pong" {
		t.Fatalf("received body: %q but expected: %q", rec.Body.String(), "pong")
	}
}

func TestHandleStatusRendersEmptyTable(t *testing.T) {
	t.Parallel()
	sup := newTestSupervisor(t)
	srv := New(":0", sup, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/status?format=json", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("received status: %d but expected: %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "[]" {
		t.Fatalf("received body: %q but expected an empty json array", rec.Body.String())
	}
}

func TestHandleStopChannelUnknownChannelReturnsErrorMessage(t *testing.T) {
	t.Parallel()
	sup := newTestSupervisor(t)
	srv := New(":0", sup, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/channels/ghost/stop", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("received status: %d but expected: %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "ERROR, channel ghost not found" {
		t.Fatalf("received: %q but expected a not-found error message", rec.Body.String())
	}
}

func TestHandleShowConfigByNameAndAll(t *testing.T) {
	t.Parallel()
	sup := newTestSupervisor(t)
	srv := New(":0", sup, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/config?name=ghost", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("received status: %d but expected: %d", rec.Code, http.StatusNotFound)
	}

	req = httptest.NewRequest(http.MethodGet, "/config?name=all", nil)
	rec = httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("received status: %d but expected: %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "{}\n" {
		t.Fatalf("received body: %q but expected an empty json object", rec.Body.String())
	}
}

func TestHandleShowDeConfigOmitsChannels(t *testing.T) {
	t.Parallel()
	sup := newTestSupervisor(t)
	srv := New(":0", sup, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/de_config", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("received status: %d but expected: %d", rec.Code, http.StatusOK)
	}
	var got config.Global
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unexpected error decoding body %q: %v", rec.Body.String(), err)
	}
	if got.Channels != nil {
		t.Fatalf("received channels: %+v but expected de_config to omit per-channel detail", got.Channels)
	}
	if got.ExchangeName != "test_exchange" {
		t.Fatalf("received: %q but expected: %q", got.ExchangeName, "test_exchange")
	}
}

func TestHandleProductDependenciesRendersEmptyTable(t *testing.T) {
	t.Parallel()
	sup := newTestSupervisor(t)
	srv := New(":0", sup, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/product_dependencies?format=json", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("received status: %d but expected: %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "[]" {
		t.Fatalf("received body: %q but expected an empty json array", rec.Body.String())
	}
}

func TestHandleLogLevelReflectsConfiguredLogger(t *testing.T) {
	t.Parallel()
	sup := newTestSupervisor(t)
	srv := New(":0", sup, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/log_level", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("received status: %d but expected: %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != zerolog.Disabled.String() {
		t.Fatalf("received: %q but expected: %q", rec.Body.String(), zerolog.Disabled.String())
	}
}

func TestHandleReaperLifecycle(t *testing.T) {
	t.Parallel()
	sup := newTestSupervisor(t)
	srv := New(":0", sup, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/reaper/start?delay=10ms", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Body.String() != "OK" {
		t.Fatalf("received: %q but expected: %q", rec.Body.String(), "OK")
	}

	req = httptest.NewRequest(http.MethodGet, "/reaper/status", nil)
	rec = httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Body.String() != "scheduled" {
		t.Fatalf("received: %q but expected: %q", rec.Body.String(), "scheduled")
	}

	req = httptest.NewRequest(http.MethodPost, "/reaper/stop", nil)
	rec = httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Body.String() != "OK" {
		t.Fatalf("received: %q but expected: %q", rec.Body.String(), "OK")
	}
}
