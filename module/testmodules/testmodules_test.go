package testmodules

import (
	"context"
	"errors"
	"testing"

	"github.com/hepcloud/decisionengine/module"
)

func TestSourceStepIncrementsGeneration(t *testing.T) {
	t.Parallel()
	s := NewSource("srcA", 0, "p1", "p2")
	in := &module.Block{Generation: 5, Products: map[string]any{}}

	out, err := s.Step()(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Generation != 6 {
		t.Fatalf("received: %d but expected: %d", out.Generation, 6)
	}
	if _, ok := out.Products["p1"]; !ok {
		t.Error("expected p1 in output")
	}
	if _, ok := out.Products["p2"]; !ok {
		t.Error("expected p2 in output")
	}
}

func TestOneShotCompletesOnce(t *testing.T) {
	t.Parallel()
	o := NewOneShot("srcOnce", "p")
	in := &module.Block{Generation: 0, Products: map[string]any{}}

	if _, err := o.Step()(context.Background(), in); err != nil {
		t.Fatalf("unexpected error on first call: %v", err)
	}
	if _, err := o.Step()(context.Background(), in); !errors.Is(err, ErrOneShotExhausted) {
		t.Fatalf("received: %v but expected: %v", err, ErrOneShotExhausted)
	}
}

func TestTransformSumsConsumedInts(t *testing.T) {
	t.Parallel()
	tr := NewTransform("sum", []string{"a", "b"}, "total")
	in := &module.Block{Generation: 1, Products: map[string]any{"a": int64(2), "b": int64(3)}}

	out, err := tr.Step()(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Products["total"] != int64(5) {
		t.Fatalf("received: %v but expected: %v", out.Products["total"], int64(5))
	}
}

func TestPublisherRecordsBlocks(t *testing.T) {
	t.Parallel()
	p := NewPublisher("sink", "total")
	in := &module.Block{Generation: 1, Products: map[string]any{"total": int64(5)}}

	if _, err := p.Step()(context.Background(), in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	published := p.Published()
	if len(published) != 1 {
		t.Fatalf("received: %d but expected: %d", len(published), 1)
	}
	if published[0].Generation != 1 {
		t.Fatalf("received: %d but expected: %d", published[0].Generation, 1)
	}
}

func TestPublisherDeclaresNoProduces(t *testing.T) {
	t.Parallel()
	p := NewPublisher("sink")
	if len(p.Produces()) != 0 {
		t.Fatal("publishers must not declare produces")
	}
}
