package engine

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hepcloud/decisionengine/bus"
	"github.com/hepcloud/decisionengine/statecell"
)

const (
	EnvChannelName   = "DECISIONENGINE_CHANNEL_NAME"
	EnvChannelSpec   = "DECISIONENGINE_CHANNEL_SPEC"
	EnvChannelBroker = "DECISIONENGINE_BROKER_URL"
	EnvControlKey    = "DECISIONENGINE_CHANNEL_CONTROL_KEY"
	EnvLogLevel      = "DECISIONENGINE_CHANNEL_LOG_LEVEL"
)

// ChannelWorkerSubcommand is the hidden argv[1] a re-exec'd channel worker
// process is started with.
const ChannelWorkerSubcommand = "__channel_worker"

// ModuleSpec is the wire form of one transform/logic/publisher step handed
// to a channel worker's child process, which rebuilds the module instance
// from the same registered module.Loader constructors rather than trying
// to serialize a closure across the process boundary.
type ModuleSpec struct {
	ClassID string         `json:"class_id"`
	Config  map[string]any `json:"config"`
}

// QueueInfo names one source queue/routing key pair a channel subscribes
// to, per §4.7 step 5.
type QueueInfo struct {
	QueueName  string `json:"queue_name"`
	RoutingKey string `json:"routing_key"`
}

// TaskManagerSpec is everything a channel worker's child process needs to
// reconstruct and run the task manager: its module execution plan in
// topological order, the union of source-declared products, and the
// queues to subscribe to.
type TaskManagerSpec struct {
	ChannelName    string       `json:"channel_name"`
	ModulePlan     []ModuleSpec `json:"module_plan"`
	SourceProducts []string     `json:"source_products"`
	Queues         []QueueInfo  `json:"queues"`
}

// ControlMessage is published by the child process over its private
// control routing key to report state-cell transitions back to the
// parent, since the two processes cannot share a sync.Cond directly.
// This is the message-bus-mediated substitute Design Notes' "state cell
// shared with the process" line assumes in a single-address-space model;
// spec.md §1 itself frames channel lifecycles as "coordinated through a
// state machine over a message-bus subscription."
type ControlMessage struct {
	State statecell.State `json:"state"`
}

// ChannelWorker owns a separate OS process running the task manager state
// machine, per §4.5 and the ChannelWorker data-model entry in §3.
type ChannelWorker struct {
	Name        string
	RoutingKeys []string
	Produces    map[string]struct{}
	Consumes    map[string]struct{}

	cell *statecell.Cell

	mu       sync.Mutex
	cmd      *exec.Cmd
	exitCode *int
	waitDone chan struct{}
	logLevel zerolog.Level

	spec      TaskManagerSpec
	brokerURL string
	controlRK string
	exchange  *bus.Exchange
	log       zerolog.Logger
}

// NewChannelWorker constructs (but does not start) a ChannelWorker.
func NewChannelWorker(spec TaskManagerSpec, brokerURL string, ex *bus.Exchange, produces, consumes map[string]struct{}, log zerolog.Logger) *ChannelWorker {
	routingKeys := make([]string, 0, len(spec.Queues))
	for _, q := range spec.Queues {
		routingKeys = append(routingKeys, q.RoutingKey)
	}
	return &ChannelWorker{
		Name:        spec.ChannelName,
		RoutingKeys: routingKeys,
		Produces:    produces,
		Consumes:    consumes,
		cell:        statecell.New(),
		spec:        spec,
		brokerURL:   brokerURL,
		controlRK:   "ctl." + spec.ChannelName,
		exchange:    ex,
		logLevel:    zerolog.InfoLevel,
		log:         log,
	}
}

// State returns the worker's current state cell value, mirrored locally
// from the child process's own control-channel reports.
func (w *ChannelWorker) State() statecell.State { return w.cell.Get() }

// WaitWhile blocks while the worker's state equals s, per §4.1.
func (w *ChannelWorker) WaitWhile(s statecell.State, timeout *time.Duration) bool {
	return w.cell.WaitWhile(s, timeout)
}

// LogLevel returns the channel's current log level.
func (w *ChannelWorker) LogLevel() zerolog.Level {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.logLevel
}

// SetLogLevel records a new log level for the channel. The level reaches the
// child process only through its environment when Start launches it; a
// process that is already running is not told of the change.
func (w *ChannelWorker) SetLogLevel(level zerolog.Level) {
	w.mu.Lock()
	w.logLevel = level
	w.mu.Unlock()
}

// Start spawns the channel's OS process and begins mirroring its
// control-channel state reports into the local state cell.
func (w *ChannelWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cmd != nil {
		w.mu.Unlock()
		return nil
	}

	specJSON, err := json.Marshal(w.spec)
	if err != nil {
		w.mu.Unlock()
		return errors.Wrap(err, "engine: marshalling task manager spec")
	}

	cmd := newChannelWorkerCommand()
	cmd.Env = append(os.Environ(),
		EnvChannelName+"="+w.Name,
		EnvChannelSpec+"="+string(specJSON),
		EnvChannelBroker+"="+w.brokerURL,
		EnvControlKey+"="+w.controlRK,
		EnvLogLevel+"="+w.logLevel.String(),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		w.mu.Unlock()
		return errors.Wrapf(err, "engine: starting channel worker process for %q", w.Name)
	}
	w.cmd = cmd
	w.waitDone = make(chan struct{})
	w.mu.Unlock()

	pipe, err := w.exchange.Subscribe(ctx, w.controlRK)
	if err != nil {
		return errors.Wrap(err, "engine: subscribing to channel control key")
	}
	go w.mirrorControl(pipe)
	go w.watch(cmd)
	return nil
}

func (w *ChannelWorker) mirrorControl(pipe *bus.Pipe) {
	defer pipe.Release()
	for msg := range pipe.C {
		var ctl ControlMessage
		// The control channel reuses bus.Message.Products[0] as a JSON
		// envelope so it can travel the same Exchange as data messages
		// without a second transport.
		if len(msg.Products) == 0 {
			continue
		}
		if err := json.Unmarshal([]byte(msg.Products[0]), &ctl); err != nil {
			continue
		}
		w.cell.Set(ctl.State)
		if ctl.State.Terminal() {
			return
		}
	}
}

func (w *ChannelWorker) watch(cmd *exec.Cmd) {
	err := cmd.Wait()

	w.mu.Lock()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	w.exitCode = &code
	done := w.waitDone
	w.mu.Unlock()

	if code != 0 && !w.cell.Get().Terminal() {
		w.cell.Set(statecell.Error)
	} else if !w.cell.Get().Terminal() {
		w.cell.Set(statecell.Shutdown)
	}
	close(done)
}

func newChannelWorkerCommandDefault() *exec.Cmd {
	return exec.Command(selfExecutable(), ChannelWorkerSubcommand)
}

// newChannelWorkerCommand is a seam tests override, mirroring
// newSourceWorkerCommand.
var newChannelWorkerCommand = newChannelWorkerCommandDefault

// IsAlive reports whether the process has been started and has not yet
// exited.
func (w *ChannelWorker) IsAlive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cmd != nil && w.exitCode == nil
}

// ExitCode returns the process's exit code, or nil if it has not exited.
func (w *ChannelWorker) ExitCode() *int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitCode
}

// TakeOffline cooperatively requests shutdown by sending SIGTERM to the
// child process; the child's task manager finishes its current generation,
// transitions OFFLINE -> SHUTTINGDOWN -> SHUTDOWN over the control
// channel, and exits 0, per §4.5's take_offline contract.
func (w *ChannelWorker) TakeOffline() {
	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
}

// Terminate forcefully kills the process.
func (w *ChannelWorker) Terminate() error {
	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// Join blocks until the process exits or timeout elapses, returning
// whether it exited. A nil timeout waits indefinitely.
func (w *ChannelWorker) Join(timeout *time.Duration) bool {
	w.mu.Lock()
	done := w.waitDone
	w.mu.Unlock()
	if done == nil {
		return true
	}
	if timeout == nil {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(*timeout):
		return false
	}
}
