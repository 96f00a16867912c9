// Package config defines the global and per-channel configuration
// structures and the viper-backed loader that reads them, per SPEC_FULL.md
// §10: "the out-of-scope configuration file parser collaborator named in
// §1" is consumed here, not reimplemented, the same way the teacher's own
// config package is itself the thing other packages depend on without
// reimplementing file I/O.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	// DefaultExchangeName is the default topic exchange name, per §6.
	DefaultExchangeName = "hepcloud_topic_exchange"
	// DefaultShutdownTimeout is the default shutdown_timeout, per §5.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultPort is the default admin RPC port, per §6.
	DefaultPort = 8888
	// EnvConfigPath is the well-known environment variable naming an
	// alternate configuration file path, per §6.
	EnvConfigPath = "DECISIONENGINE_CONFIG"
	// DefaultConfigPath is the fallback configuration file path when
	// EnvConfigPath is unset, per §6 "falls back to the default
	// test-etc location."
	DefaultConfigPath = "test-etc/decisionengine.yaml"
)

// ErrConfigInvalid is the ConfigInvalid error kind from §7: fatal at
// startup, a channel-level message during start_channel.
var ErrConfigInvalid = errors.New("config: invalid configuration")

// Global is the process-wide configuration: broker connectivity, the
// exchange name, shutdown discipline, metrics settings, and reaper delay.
type Global struct {
	BrokerURL       string        `mapstructure:"broker_url"`
	ExchangeName    string        `mapstructure:"exchange_name"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsEnabled  bool          `mapstructure:"metrics_enabled"`
	MetricsDir      string        `mapstructure:"metrics_dir"`
	ReaperDelay     time.Duration `mapstructure:"reaper_delay"`
	LogLevel        string        `mapstructure:"log_level"`
	Channels        map[string]Channel `mapstructure:"channels"`
}

// SourceDecl is one source declaration inside a channel's configuration:
// a module-class-identifier paired with its own configuration map, which
// together form the SourceIdentity (bus.Identity) the source registry
// deduplicates on.
type SourceDecl struct {
	ClassID string         `mapstructure:"class_id"`
	Config  map[string]any `mapstructure:"config"`
}

// ModuleDecl is one transform/logic/publisher declaration inside a
// channel's configuration.
type ModuleDecl struct {
	ClassID string         `mapstructure:"class_id"`
	Config  map[string]any `mapstructure:"config"`
}

// Channel is one channel's declarative configuration, per §4.7 step 1-2:
// an optional name override plus the source list and module declarations.
type Channel struct {
	ChannelName string       `mapstructure:"channel_name"`
	Sources     []SourceDecl `mapstructure:"sources"`
	Transforms  []ModuleDecl `mapstructure:"transforms"`
	Logic       []ModuleDecl `mapstructure:"logic"`
	Publishers  []ModuleDecl `mapstructure:"publishers"`
}

// Clone deep-copies a Channel, per §4.7 step 1 "Deep-copy cfg."
func (c Channel) Clone() Channel {
	out := c
	out.Sources = append([]SourceDecl(nil), c.Sources...)
	for i, s := range out.Sources {
		out.Sources[i].Config = cloneMap(s.Config)
	}
	out.Transforms = cloneModuleDecls(c.Transforms)
	out.Logic = cloneModuleDecls(c.Logic)
	out.Publishers = cloneModuleDecls(c.Publishers)
	return out
}

func cloneModuleDecls(in []ModuleDecl) []ModuleDecl {
	out := make([]ModuleDecl, len(in))
	for i, m := range in {
		out[i] = ModuleDecl{ClassID: m.ClassID, Config: cloneMap(m.Config)}
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// EffectiveName returns the channel's name: the registry key it was
// declared under, unless ChannelName overrides it.
func (c Channel) EffectiveName(registryKey string) string {
	if c.ChannelName != "" {
		return c.ChannelName
	}
	return registryKey
}

// Loader reads Global configuration (and, transitively, per-channel
// configuration nested inside it) from a viper-backed source, following
// the teacher's config.Config/config.Exchange split: one global structure,
// looked up per-channel by name.
type Loader struct {
	v *viper.Viper
}

// NewLoader builds a Loader reading from path (yaml/json/toml, whatever
// viper's extension sniffing detects).
func NewLoader(path string) *Loader {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("exchange_name", DefaultExchangeName)
	v.SetDefault("shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("reaper_delay", time.Second)
	v.SetDefault("log_level", "info")
	return &Loader{v: v}
}

// ResolvePath applies §6's environment-variable-then-default precedence:
// an explicit flag value wins, then EnvConfigPath, then DefaultConfigPath.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(EnvConfigPath); v != "" {
		return v
	}
	return DefaultConfigPath
}

// Load reads and validates the global configuration.
func (l *Loader) Load() (*Global, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "config: reading config file")
	}

	var g Global
	if err := l.v.Unmarshal(&g); err != nil {
		return nil, errors.Wrap(err, "config: decoding config file")
	}
	if err := validateGlobal(&g); err != nil {
		return nil, err
	}
	return &g, nil
}

func validateGlobal(g *Global) error {
	if g.BrokerURL == "" {
		return errors.Wrap(ErrConfigInvalid, "config: broker_url is required")
	}
	if g.ExchangeName == "" {
		g.ExchangeName = DefaultExchangeName
	}
	if g.ShutdownTimeout <= 0 {
		g.ShutdownTimeout = DefaultShutdownTimeout
	}
	if g.MetricsEnabled && g.MetricsDir == "" {
		return errors.Wrap(ErrConfigInvalid, "config: metrics_dir is required when metrics_enabled is set")
	}
	return nil
}

// Channel looks up a single channel's configuration by its registry key,
// mirroring the teacher's GetExchangeConfig-by-name convention.
func (g *Global) Channel(name string) (Channel, error) {
	c, ok := g.Channels[name]
	if !ok {
		return Channel{}, errors.Wrapf(ErrConfigInvalid, "config: no channel named %q", name)
	}
	return c, nil
}

// ChannelNames returns every declared channel's registry key, sorted is
// left to the caller; used by start_channels and SIGHUP reload to compute
// the desired running set (L3).
func (g *Global) ChannelNames() []string {
	out := make([]string, 0, len(g.Channels))
	for name := range g.Channels {
		out = append(out, name)
	}
	return out
}
