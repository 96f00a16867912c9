// Package logging wraps zerolog setup for this repository, per SPEC_FULL.md
// §10: components take an explicit zerolog.Logger field set at
// construction rather than consulting a package-global inside a hot path,
// matching Design Notes' "Global mutable state" guidance.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds the root logger for the process. Callers derive per-component
// sub-loggers from it with For, rather than creating loggers ad hoc.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// For derives a sub-logger tagged with a component name, matching the
// structured "component"/"channel"/"source" field convention called out in
// SPEC_FULL.md §10.
func For(root zerolog.Logger, component string) zerolog.Logger {
	return root.With().Str("component", component).Logger()
}

// ForChannel derives a sub-logger tagged with both a component and a
// channel name, for use by channel workers and the supervisor.
func ForChannel(root zerolog.Logger, component, channel string) zerolog.Logger {
	return root.With().Str("component", component).Str("channel", channel).Logger()
}

// ForSource derives a sub-logger tagged with both a component and a source
// class id, for use by source workers and the source registry.
func ForSource(root zerolog.Logger, component, source string) zerolog.Logger {
	return root.With().Str("component", component).Str("source", source).Logger()
}

// ParseLevel is a thin wrapper over zerolog.ParseLevel for callers that
// accept a level name from config or an RPC argument (get_log_level/
// set_channel_log_level, per §6).
func ParseLevel(name string) (zerolog.Level, error) {
	return zerolog.ParseLevel(name)
}
