package module

import "testing"

func TestSetBuildsUniqueMembership(t *testing.T) {
	t.Parallel()
	s := Set("a", "b", "a")
	if len(s) != 2 {
		t.Fatalf("received: %d but expected: %d", len(s), 2)
	}
	if _, ok := s["a"]; !ok {
		t.Error("expected \"a\" in set")
	}
	if _, ok := s["c"]; ok {
		t.Error("did not expect \"c\" in set")
	}
}

func TestBlockClone(t *testing.T) {
	t.Parallel()
	b := &Block{Generation: 1, Products: map[string]any{"p": 1}}
	cp := b.Clone()
	cp.Products["p"] = 2
	cp.Products["q"] = 3

	if b.Products["p"] != 1 {
		t.Fatalf("mutating the clone mutated the original: %v", b.Products["p"])
	}
	if _, ok := b.Products["q"]; ok {
		t.Fatal("clone addition leaked back into the original")
	}
	if cp.Generation != b.Generation {
		t.Fatalf("received: %d but expected: %d", cp.Generation, b.Generation)
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()
	tests := map[Kind]string{
		KindSource:    "source",
		KindTransform: "transform",
		KindLogic:     "logic",
		KindPublisher: "publisher",
		Kind(99):      "unknown",
	}
	for k, want := range tests {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

func TestLoaderBuildUnknownClass(t *testing.T) {
	t.Parallel()
	l := NewLoader()
	if l.Known("nope") {
		t.Fatal("empty loader should not know any class")
	}
	if _, err := l.Build("nope", nil); err == nil {
		t.Fatal("expected an error building an unregistered class")
	}
}

func TestLoaderRegisterAndBuild(t *testing.T) {
	t.Parallel()
	l := NewLoader()
	l.Register("echo", func(cfg map[string]any) (Module, error) {
		return Base{ID: "echo", K: KindTransform, Produces_: Set("out"), Consumes_: Set("in")}, nil
	})

	if !l.Known("echo") {
		t.Fatal("expected \"echo\" to be known after Register")
	}

	m, err := l.Build("echo", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ClassID() != "echo" {
		t.Fatalf("received: %q but expected: %q", m.ClassID(), "echo")
	}
}

func TestLoaderDuplicateRegisterPanics(t *testing.T) {
	t.Parallel()
	l := NewLoader()
	l.Register("dup", func(map[string]any) (Module, error) { return nil, nil })

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic on duplicate registration")
		}
	}()
	l.Register("dup", func(map[string]any) (Module, error) { return nil, nil })
}
