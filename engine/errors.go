package engine

import "github.com/pkg/errors"

// Error kinds named in §7, by propagation rule. ConfigInvalid and
// WorkflowInvalid reuse config.ErrConfigInvalid / workflow.Error directly
// at their call sites rather than being re-declared here.
var (
	// ErrChannelAlreadyRunning — start_channel on a name already in the
	// registry.
	ErrChannelAlreadyRunning = errors.New("engine: channel is already running")
	// ErrChannelNotFound — any per-channel admin RPC when the name is
	// unknown.
	ErrChannelNotFound = errors.New("engine: channel not found")
	// ErrSourceAlreadyCompleted — a shared one-shot source has already
	// exited 0 before the new channel could attach.
	ErrSourceAlreadyCompleted = errors.New("engine: source has already completed and cannot be reattached")
	// ErrBrokerUnreachable — fatal at startup; fails a single channel
	// during start_channel.
	ErrBrokerUnreachable = errors.New("engine: broker unreachable")
	// ErrStopTimeout — stop_worker could not join within the timeout;
	// upgraded to a forceful terminate.
	ErrStopTimeout = errors.New("engine: channel did not stop within the timeout")
	// ErrModuleFault — a task-manager-internal fault flips the channel's
	// state cell to ERROR.
	ErrModuleFault = errors.New("engine: module fault")
)
