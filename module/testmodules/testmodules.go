// Package testmodules provides small reference Source/Transform/Logic/
// Publisher implementations used by the engine and workflow test suites,
// in the spirit of the teacher's fake_exchange_test.go: a minimal stand-in
// for the real, externally-owned module implementations.
package testmodules

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hepcloud/decisionengine/module"
)

// Source is a configurable in-memory source module: each invocation of its
// Step bumps a counter and writes it under every declared product name.
type Source struct {
	module.Base
	period  time.Duration
	counter atomic.Int64
}

// NewSource builds a Source with the given class id, declared products, and
// produce period.
func NewSource(classID string, period time.Duration, products ...string) *Source {
	return &Source{
		Base: module.Base{
			ID:        classID,
			K:         module.KindSource,
			Produces_: module.Set(products...),
			Consumes_: module.Set(),
		},
		period: period,
	}
}

func (s *Source) Period() time.Duration { return s.period }

func (s *Source) Step() module.Step {
	return func(_ context.Context, in *module.Block) (*module.Block, error) {
		n := s.counter.Add(1)
		out := &module.Block{Generation: in.Generation + 1, Products: make(map[string]any, len(s.Produces_))}
		for p := range s.Produces_ {
			out.Products[p] = n
		}
		return out, nil
	}
}

// OneShot is a source that completes (returns an error sentinel the
// caller should translate into a clean exit) after a single production.
type OneShot struct {
	module.Base
	done atomic.Bool
}

// ErrOneShotExhausted is returned by OneShot.Step on every call after the
// first.
var ErrOneShotExhausted = fmt.Errorf("testmodules: one-shot source already completed")

func NewOneShot(classID string, products ...string) *OneShot {
	return &OneShot{
		Base: module.Base{
			ID:        classID,
			K:         module.KindSource,
			Produces_: module.Set(products...),
			Consumes_: module.Set(),
		},
	}
}

func (o *OneShot) Period() time.Duration { return time.Millisecond }

func (o *OneShot) Step() module.Step {
	return func(_ context.Context, in *module.Block) (*module.Block, error) {
		if !o.done.CompareAndSwap(false, true) {
			return nil, ErrOneShotExhausted
		}
		out := &module.Block{Generation: in.Generation + 1, Products: make(map[string]any, len(o.Produces_))}
		for p := range o.Produces_ {
			out.Products[p] = 1
		}
		return out, nil
	}
}

// Transform consumes a fixed set of products and emits a derived one by
// summing whatever numeric-ish values it finds.
type Transform struct {
	module.Base
}

func NewTransform(classID string, consumes []string, produces ...string) *Transform {
	return &Transform{
		Base: module.Base{
			ID:        classID,
			K:         module.KindTransform,
			Produces_: module.Set(produces...),
			Consumes_: module.Set(consumes...),
		},
	}
}

func (t *Transform) Step() module.Step {
	return func(_ context.Context, in *module.Block) (*module.Block, error) {
		out := in.Clone()
		var sum int64
		for c := range t.Consumes_ {
			if v, ok := in.Products[c]; ok {
				if n, ok := v.(int64); ok {
					sum += n
				}
			}
		}
		for p := range t.Produces_ {
			out.Products[p] = sum
		}
		return out, nil
	}
}

// Logic evaluates a rule over its consumed products and records a decision
// under its declared product name. Logic modules may declare Produces in
// this repository's model (unlike publishers, which the validator forbids
// from declaring any); this matches the spec's workflow validator rule
// that only rejects a *publisher* declaring produces.
type Logic struct {
	module.Base
	Decide func(in map[string]any) any
}

func NewLogic(classID string, consumes []string, decide func(map[string]any) any, produces ...string) *Logic {
	return &Logic{
		Base: module.Base{
			ID:        classID,
			K:         module.KindLogic,
			Produces_: module.Set(produces...),
			Consumes_: module.Set(consumes...),
		},
		Decide: decide,
	}
}

func (l *Logic) Step() module.Step {
	return func(_ context.Context, in *module.Block) (*module.Block, error) {
		out := in.Clone()
		for p := range l.Produces_ {
			out.Products[p] = l.Decide(in.Products)
		}
		return out, nil
	}
}

// Publisher is a side-effecting sink recording every block it observes,
// grounded on the teacher's communications/base.IComm shape (GetName,
// IsEnabled) reduced to the single method this domain needs.
type Publisher struct {
	module.Base
	mu        sync.Mutex
	published []*module.Block
}

func NewPublisher(classID string, consumes ...string) *Publisher {
	return &Publisher{
		Base: module.Base{
			ID:        classID,
			K:         module.KindPublisher,
			Produces_: module.Set(),
			Consumes_: module.Set(consumes...),
		},
	}
}

func (p *Publisher) Step() module.Step {
	return func(_ context.Context, in *module.Block) (*module.Block, error) {
		p.mu.Lock()
		p.published = append(p.published, in)
		p.mu.Unlock()
		return in, nil
	}
}

// Published returns a snapshot of every block this publisher has observed.
func (p *Publisher) Published() []*module.Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*module.Block, len(p.published))
	copy(out, p.published)
	return out
}
