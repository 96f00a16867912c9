package engine

import (
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hepcloud/decisionengine/bus"
	"github.com/hepcloud/decisionengine/module"
	"github.com/hepcloud/decisionengine/statecell"
)

// withFakeCommand swaps newSourceWorkerCommand for the duration of a test,
// the way exec_test.go's TestHelperProcess indirection avoids re-exec'ing
// the real test binary.
func withFakeCommand(t *testing.T, name string, args ...string) {
	t.Helper()
	orig := newSourceWorkerCommand
	newSourceWorkerCommand = func() *exec.Cmd { return exec.Command(name, args...) }
	t.Cleanup(func() { newSourceWorkerCommand = orig })
}

func newTestSourceWorker() *SourceWorker {
	loader := module.NewLoader()
	loader.Register("fake", func(cfg map[string]any) (module.Module, error) {
		return module.Base{ID: "fake", K: module.KindSource, Produces_: module.Set("p"), Consumes_: module.Set()}, nil
	})
	identity := bus.NewIdentity("fake", map[string]any{})
	return NewSourceWorker(identity, loader, map[string]any{}, "redis://localhost:6379/0", zerolog.Nop())
}

func TestSourceWorkerProduces(t *testing.T) {
	t.Parallel()
	w := newTestSourceWorker()
	products, err := w.Produces()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := products["p"]; !ok {
		t.Fatal("expected declared product \"p\"")
	}
}

func TestSourceWorkerRefcounting(t *testing.T) {
	t.Parallel()
	w := newTestSourceWorker()
	w.AttachChannel("alpha")
	w.AttachChannel("beta")
	if w.RefCount() != 2 {
		t.Fatalf("received: %d but expected: %d", w.RefCount(), 2)
	}
	if remaining := w.DetachChannel("alpha"); remaining != 1 {
		t.Fatalf("received: %d but expected: %d", remaining, 1)
	}
	if remaining := w.DetachChannel("beta"); remaining != 0 {
		t.Fatalf("received: %d but expected: %d", remaining, 0)
	}
	// idempotent
	if remaining := w.DetachChannel("beta"); remaining != 0 {
		t.Fatalf("received: %d but expected: %d", remaining, 0)
	}
}

func TestSourceWorkerStartExitsCleanly(t *testing.T) {
	withFakeCommand(t, "true")
	w := newTestSourceWorker()

	if err := w.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	grace := time.Second
	if !w.Join(&grace) {
		t.Fatal("expected process to exit within the grace window")
	}
	if w.IsAlive() {
		t.Fatal("expected worker not to be alive after exit")
	}
	code := w.ExitCode()
	if code == nil || *code != 0 {
		t.Fatalf("received exit code: %v but expected: 0", code)
	}
	if w.State() != statecell.Shutdown {
		t.Fatalf("received state: %v but expected: %v", w.State(), statecell.Shutdown)
	}
}

func TestSourceWorkerStartNonZeroExitIsError(t *testing.T) {
	withFakeCommand(t, "false")
	w := newTestSourceWorker()

	if err := w.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	grace := time.Second
	w.Join(&grace)
	if w.State() != statecell.Error {
		t.Fatalf("received state: %v but expected: %v", w.State(), statecell.Error)
	}
}

func TestSourceWorkerTerminate(t *testing.T) {
	withFakeCommand(t, "sleep", "30")
	w := newTestSourceWorker()

	if err := w.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.IsAlive() {
		t.Fatal("expected worker to be alive immediately after start")
	}
	if err := w.Terminate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	grace := time.Second
	if !w.Join(&grace) {
		t.Fatal("expected terminated process to exit within the grace window")
	}
	code := w.ExitCode()
	if code == nil || *code == 0 {
		t.Fatalf("expected a non-zero exit code after termination, got: %v", code)
	}
}

func TestSourceWorkerJoinTimesOutOnHang(t *testing.T) {
	withFakeCommand(t, "sleep", "30")
	w := newTestSourceWorker()

	if err := w.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Terminate()

	short := 10 * time.Millisecond
	if w.Join(&short) {
		t.Fatal("expected Join to time out against a long-running process")
	}
}
