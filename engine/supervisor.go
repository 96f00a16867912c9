package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hepcloud/decisionengine/bus"
	"github.com/hepcloud/decisionengine/config"
	"github.com/hepcloud/decisionengine/countdown"
	"github.com/hepcloud/decisionengine/dataspace"
	"github.com/hepcloud/decisionengine/module"
	"github.com/hepcloud/decisionengine/statecell"
	"github.com/hepcloud/decisionengine/workflow"
)

// Settings configures a Supervisor instance, mirroring the teacher's own
// engine.Settings knob-bag.
type Settings struct {
	// UnsafeParallelStart starts every configured channel concurrently
	// rather than sequentially, per Open Question (a): the default keeps
	// start_channels's per-channel failures independently loggable in
	// sorted channel-name order; this opts in to the faster but noisier mode.
	UnsafeParallelStart bool
	// ServiceActionInterval is how often RunServiceActions sweeps for
	// channels no longer probably-running.
	ServiceActionInterval time.Duration
}

// Supervisor is the top-level object composing the channel registry,
// source registry, bus exchange, and data space into the admin-facing
// operations of §4.7 and the RPC table of §6. Grounded on the teacher's
// engine.Engine: one struct wiring together independently-locked
// subsystems, with Start/Stop entry points reacting to OS signals in
// cmd/decisiond.
type Supervisor struct {
	global    *config.Global
	loader    *module.Loader
	channels  *ChannelRegistry
	sources   *SourceRegistry
	exchange  *bus.Exchange
	dataspace dataspace.Client
	settings  Settings
	log       zerolog.Logger

	reaperMu     sync.Mutex
	reaperCancel context.CancelFunc
}

// NewSupervisor constructs a Supervisor over an already-validated global
// configuration, module loader, exchange, and data space client.
func NewSupervisor(global *config.Global, loader *module.Loader, ex *bus.Exchange, ds dataspace.Client, settings Settings, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		global:    global,
		loader:    loader,
		channels:  NewChannelRegistry(),
		sources:   NewSourceRegistry(loader, global.BrokerURL, log),
		exchange:  ex,
		dataspace: ds,
		settings:  settings,
		log:       log,
	}
}

// Ping answers the §6 liveness RPC once the broker connection itself has
// already been asserted at startup.
func (s *Supervisor) Ping(ctx context.Context) string {
	if err := s.exchange.Ping(ctx); err != nil {
		return "ERROR, broker unreachable"
	}
	return "pong"
}

// BlockWhile waits on every currently-running channel worker's state cell,
// per §4.1/§6, and never raises for an empty channel set.
func (s *Supervisor) BlockWhile(state statecell.State, timeout *time.Duration) string {
	channels, release := s.channels.Access()
	type entry struct {
		name string
		w    *ChannelWorker
	}
	snapshot := make([]entry, 0, len(channels))
	for name, w := range channels {
		if w.IsAlive() {
			snapshot = append(snapshot, entry{name, w})
		}
	}
	release()

	if len(snapshot) == 0 {
		return fmt.Sprintf("No channels currently in state %s.", state)
	}

	cd := countdown.New(timeout)
	var transitioned, stillWaiting []string
	for _, e := range snapshot {
		scope := cd.Enter()
		left := cd.TimeLeft()
		changed := e.w.WaitWhile(state, left)
		scope.Leave()
		if changed {
			transitioned = append(transitioned, e.name)
		} else {
			stillWaiting = append(stillWaiting, e.name)
		}
	}
	sort.Strings(transitioned)
	sort.Strings(stillWaiting)

	var parts []string
	if len(transitioned) > 0 {
		parts = append(parts, fmt.Sprintf("Channel(s) %s no longer in state %s.", strings.Join(transitioned, ", "), state))
	}
	if len(stillWaiting) > 0 {
		parts = append(parts, fmt.Sprintf("Channel(s) %s still in state %s after timeout.", strings.Join(stillWaiting, ", "), state))
	}
	return strings.Join(parts, " ")
}

// StartChannel starts a single channel by its configured registry key,
// per §4.7. Returns "OK" on success, or an "ERROR, ..." message otherwise
// (the RPC table's convention per §6).
func (s *Supervisor) StartChannel(ctx context.Context, name string) string {
	if _, ok := s.channels.Get(name); ok {
		return fmt.Sprintf("ERROR, channel %s is running", name)
	}
	cfg, err := s.global.Channel(name)
	if err != nil {
		return "ERROR, " + err.Error()
	}
	return s.startChannelImpl(ctx, name, cfg)
}

// startChannelImpl runs the 8-step sequence of §4.7: deep-copy cfg,
// attach/construct sources, validate the workflow graph, construct and
// start the channel worker, wait for it to leave BOOT, start any
// not-yet-running sources (listener-first, §5), then wait for it to leave
// ACTIVE.
func (s *Supervisor) startChannelImpl(ctx context.Context, registryKey string, cfg config.Channel) string {
	cfg = cfg.Clone()
	name := cfg.EffectiveName(registryKey)

	workers, err := s.sources.Update(name, cfg.Sources)
	if err != nil {
		return "ERROR, " + err.Error()
	}
	routingKeys := make([]string, 0, len(workers))
	for _, w := range workers {
		routingKeys = append(routingKeys, w.RoutingKey)
	}

	sourceProducts := make(map[string]struct{})
	queues := make([]QueueInfo, 0, len(workers))
	for _, w := range workers {
		products, err := w.Produces()
		if err != nil {
			s.sources.DetachChannel(name, routingKeys)
			return "ERROR, " + err.Error()
		}
		for p := range products {
			sourceProducts[p] = struct{}{}
		}
		queues = append(queues, QueueInfo{QueueName: w.QueueName, RoutingKey: w.RoutingKey})
	}

	declared := make([]config.ModuleDecl, 0, len(cfg.Transforms)+len(cfg.Logic)+len(cfg.Publishers))
	declared = append(declared, cfg.Transforms...)
	declared = append(declared, cfg.Logic...)
	declared = append(declared, cfg.Publishers...)

	modules, err := buildModules(s.loader, declared)
	if err != nil {
		s.sources.DetachChannel(name, routingKeys)
		return "ERROR, " + err.Error()
	}

	plan, err := workflow.Validate(sourceProducts, modules)
	if err != nil {
		s.sources.DetachChannel(name, routingKeys)
		return "ERROR, " + err.Error()
	}

	byClassID := make(map[string]config.ModuleDecl, len(declared))
	for _, d := range declared {
		byClassID[d.ClassID] = d
	}
	modulePlan := make([]ModuleSpec, 0, len(plan.Nodes))
	produces := make(map[string]struct{})
	consumes := make(map[string]struct{})
	for _, n := range plan.Nodes {
		decl := byClassID[n.Module.ClassID()]
		modulePlan = append(modulePlan, ModuleSpec{ClassID: decl.ClassID, Config: decl.Config})
		for p := range n.Module.Produces() {
			produces[p] = struct{}{}
		}
		for c := range n.Module.Consumes() {
			consumes[c] = struct{}{}
		}
	}

	spec := TaskManagerSpec{
		ChannelName:    name,
		ModulePlan:     modulePlan,
		SourceProducts: keysOf(sourceProducts),
		Queues:         queues,
	}

	worker := NewChannelWorker(spec, s.global.BrokerURL, s.exchange, produces, consumes, s.log)
	s.channels.Insert(name, worker)

	if err := worker.Start(ctx); err != nil {
		s.channels.Remove(name)
		s.sources.DetachChannel(name, routingKeys)
		return "ERROR, " + err.Error()
	}
	worker.WaitWhile(statecell.Boot, nil)

	for _, w := range workers {
		if w.IsAlive() {
			continue
		}
		if code := w.ExitCode(); code != nil && *code == 0 {
			s.rmChannel(name, nil)
			return "ERROR, " + ErrSourceAlreadyCompleted.Error()
		}
		if err := w.Start(); err != nil {
			s.rmChannel(name, nil)
			return "ERROR, " + err.Error()
		}
	}

	worker.WaitWhile(statecell.Active, nil)
	return "OK"
}

func buildModules(loader *module.Loader, decls []config.ModuleDecl) ([]module.Module, error) {
	mods := make([]module.Module, 0, len(decls))
	for _, d := range decls {
		m, err := loader.Build(d.ClassID, d.Config)
		if err != nil {
			return nil, errors.Wrapf(err, "engine: building module %q", d.ClassID)
		}
		mods = append(mods, m)
	}
	return mods, nil
}

func keysOf(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// StartChannels starts every configured channel not already running, per
// §4.7's fan-out rule: by default sequential in sorted-name order so a
// single channel's failure is independently loggable; Settings.
// UnsafeParallelStart starts them all concurrently instead.
func (s *Supervisor) StartChannels(ctx context.Context) string {
	names := s.global.ChannelNames()
	sort.Strings(names)

	start := func(name string) {
		cfg, err := s.global.Channel(name)
		if err != nil {
			s.log.Error().Err(err).Str("channel", name).Msg("failed to load channel config")
			return
		}
		if _, ok := s.channels.Get(name); ok {
			return
		}
		if msg := s.startChannelImpl(ctx, name, cfg); msg != "OK" {
			s.log.Error().Str("channel", name).Str("result", msg).Msg("failed to start channel")
		}
	}

	if s.settings.UnsafeParallelStart {
		// Each channel's own startChannelImpl already reports its own
		// failure via log.Error rather than a returned error, so errgroup
		// here is purely a fan-out/fan-in primitive: g.Wait() just blocks
		// until every goroutine has finished, per Open Question (a)'s
		// opt-in parallel mode.
		var g errgroup.Group
		for _, name := range names {
			name := name
			g.Go(func() error {
				start(name)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for _, name := range names {
			start(name)
		}
	}
	return "OK"
}

type stopOutcome int

const (
	outcomeClean stopOutcome = iota
	outcomeTerminated
)

// stopWorker cooperatively takes a channel worker offline, joins it within
// timeout, and forcefully terminates it if it hasn't exited by then.
func (s *Supervisor) stopWorker(w *ChannelWorker, timeout *time.Duration) stopOutcome {
	if !w.IsAlive() {
		return outcomeClean
	}
	w.TakeOffline()
	if w.Join(timeout) {
		return outcomeClean
	}
	_ = w.Terminate()
	return outcomeTerminated
}

// StopChannel takes channel offline cooperatively, waiting as long as it
// takes (no timeout), per §4.7/§6's stop_channel.
func (s *Supervisor) StopChannel(name string) string {
	return s.rmChannel(name, nil)
}

// KillChannel takes channel offline, forcefully terminating it if it has
// not exited within timeout (the global shutdown timeout if timeout is
// nil), per §6's kill_channel.
func (s *Supervisor) KillChannel(name string, timeout *time.Duration) string {
	if timeout == nil {
		t := s.global.ShutdownTimeout
		timeout = &t
	}
	return s.rmChannel(name, timeout)
}

// rmChannel is the shared stop_channel/kill_channel/rm_channel path: stop
// the worker, evict it from the channel registry, and prune its sources.
func (s *Supervisor) rmChannel(name string, timeout *time.Duration) string {
	w, ok := s.channels.Get(name)
	if !ok {
		return fmt.Sprintf("ERROR, channel %s not found", name)
	}
	routingKeys := append([]string(nil), w.RoutingKeys...)

	outcome := s.stopWorker(w, timeout)
	s.channels.Remove(name)
	s.sources.Prune(name, routingKeys)

	switch outcome {
	case outcomeTerminated:
		secs := "?"
		if timeout != nil {
			secs = fmt.Sprintf("%d", int(timeout.Seconds()))
		}
		return fmt.Sprintf("Channel %s has been killed due to shutdown timeout (%s seconds).", name, secs)
	default:
		return fmt.Sprintf("Channel %s stopped cleanly.", name)
	}
}

// StopChannels stops every running channel under a single aggregate
// shutdown-timeout budget, then removes every remaining source, per §4.7's
// stop_channels.
func (s *Supervisor) StopChannels() string {
	channels, release := s.channels.Access()
	names := make([]string, 0, len(channels))
	workers := make([]*ChannelWorker, 0, len(channels))
	for name, w := range channels {
		names = append(names, name)
		workers = append(workers, w)
	}
	release()

	cd := countdown.New(&s.global.ShutdownTimeout)
	for _, w := range workers {
		scope := cd.Enter()
		left := cd.TimeLeft()
		s.stopWorker(w, left)
		scope.Leave()
	}

	channels2, release2 := s.channels.Access()
	for _, name := range names {
		delete(channels2, name)
	}
	release2()

	s.sources.RemoveAll(cd.TimeLeft())
	return "OK"
}

// Stop performs a full shutdown: stop the reaper, stop every channel and
// source, close the exchange (flushing the broker's keyspace) and the
// data space client, per §6's stop.
func (s *Supervisor) Stop(ctx context.Context) string {
	s.StopReaper()
	s.StopChannels()
	_ = s.exchange.FlushDB(ctx)
	_ = s.exchange.Close()
	_ = s.dataspace.Close()
	return "OK"
}

// StartReaper schedules the out-of-scope data-space reaper to run after
// delay, cancelling whatever was previously scheduled. The reaper's own
// sweep logic is external to this repository per §1; this only owns the
// admin-facing start/stop/status contract of §6.
func (s *Supervisor) StartReaper(delay time.Duration, fn func(context.Context)) string {
	s.reaperMu.Lock()
	defer s.reaperMu.Unlock()
	if s.reaperCancel != nil {
		s.reaperCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.reaperCancel = cancel
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			fn(ctx)
		case <-ctx.Done():
		}
	}()
	return "OK"
}

// StopReaper cancels any scheduled reaper run.
func (s *Supervisor) StopReaper() string {
	s.reaperMu.Lock()
	defer s.reaperMu.Unlock()
	if s.reaperCancel != nil {
		s.reaperCancel()
		s.reaperCancel = nil
	}
	return "OK"
}

// ReaperStatus reports whether a reaper run is currently scheduled.
func (s *Supervisor) ReaperStatus() string {
	s.reaperMu.Lock()
	defer s.reaperMu.Unlock()
	if s.reaperCancel != nil {
		return "scheduled"
	}
	return "idle"
}

// Reload implements the SIGHUP handler of §4.7/§6: stop the reaper, stop
// every running channel, swap in the freshly re-read configuration, start
// every channel it declares, and reschedule the reaper.
func (s *Supervisor) Reload(ctx context.Context, newGlobal *config.Global, reaperFn func(context.Context)) {
	s.StopReaper()
	s.StopChannels()
	s.global = newGlobal
	s.sources = NewSourceRegistry(s.loader, newGlobal.BrokerURL, s.log)
	s.StartChannels(ctx)
	s.StartReaper(newGlobal.ReaperDelay, reaperFn)
}

// GetChannelLogLevel and SetChannelLogLevel implement §12.3's per-channel
// log-level admin RPCs.
func (s *Supervisor) GetChannelLogLevel(name string) (zerolog.Level, error) {
	w, ok := s.channels.Get(name)
	if !ok {
		return 0, errors.Wrapf(ErrChannelNotFound, "channel %q", name)
	}
	return w.LogLevel(), nil
}

func (s *Supervisor) SetChannelLogLevel(name string, level zerolog.Level) error {
	w, ok := s.channels.Get(name)
	if !ok {
		return errors.Wrapf(ErrChannelNotFound, "channel %q", name)
	}
	w.SetLogLevel(level)
	return nil
}

// ShowConfig answers §6's show_config: name "" or "all" returns every
// declared channel's configuration, otherwise just the named one.
func (s *Supervisor) ShowConfig(name string) (map[string]config.Channel, error) {
	if name == "" || name == "all" {
		out := make(map[string]config.Channel, len(s.global.Channels))
		for k, c := range s.global.Channels {
			out[k] = c.Clone()
		}
		return out, nil
	}
	c, err := s.global.Channel(name)
	if err != nil {
		return nil, err
	}
	return map[string]config.Channel{name: c.Clone()}, nil
}

// ShowDeConfig answers §6's show_de_config: the global configuration dump.
// Per-channel detail is already covered by ShowConfig, so Channels is left
// nil here to avoid rendering the same data twice.
func (s *Supervisor) ShowDeConfig() config.Global {
	g := *s.global
	g.Channels = nil
	return g
}

// ProductDependency names one product and which channels produce versus
// consume it, per §6's product_dependencies.
type ProductDependency struct {
	Product   string
	Producers []string
	Consumers []string
}

// ProductDependencies answers §6's product_dependencies over every running
// channel's Produces/Consumes sets. Per Open Question (c), the logic
// engine's own internal dependency resolution (which modules within a
// single channel feed which) is not reconstructed here — only the
// channel-level producer/consumer relationship the registry already
// tracks.
func (s *Supervisor) ProductDependencies() []ProductDependency {
	channels, release := s.channels.Access()
	producers := make(map[string]map[string]struct{})
	consumers := make(map[string]map[string]struct{})
	for name, w := range channels {
		for p := range w.Produces {
			if producers[p] == nil {
				producers[p] = make(map[string]struct{})
			}
			producers[p][name] = struct{}{}
		}
		for c := range w.Consumes {
			if consumers[c] == nil {
				consumers[c] = make(map[string]struct{})
			}
			consumers[c][name] = struct{}{}
		}
	}
	release()

	products := make(map[string]struct{}, len(producers)+len(consumers))
	for p := range producers {
		products[p] = struct{}{}
	}
	for p := range consumers {
		products[p] = struct{}{}
	}

	out := make([]ProductDependency, 0, len(products))
	for p := range products {
		out = append(out, ProductDependency{
			Product:   p,
			Producers: keysOf(producers[p]),
			Consumers: keysOf(consumers[p]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Product < out[j].Product })
	return out
}

// LogLevel answers §6's global get_log_level, reporting the supervisor's
// own logger level rather than config.Global.LogLevel's raw string, so a
// runtime SetChannelLogLevel-style adjustment (were one added at the
// process level) would be reflected immediately.
func (s *Supervisor) LogLevel() zerolog.Level {
	return s.log.GetLevel()
}

// Status maps every registered channel's name to its current state,
// rendered by adminserver via internal/table.
func (s *Supervisor) Status() map[string]string {
	channels, release := s.channels.Access()
	defer release()
	out := make(map[string]string, len(channels))
	for name, w := range channels {
		out[name] = w.State().String()
	}
	return out
}

// QueueStatus reports each running source's queue name, routing key, and
// channel refcount, per §6's queue_status.
type QueueStatus struct {
	ClassID    string
	QueueName  string
	RoutingKey string
	RefCount   int
}

func (s *Supervisor) QueueStatusReport() []QueueStatus {
	workers, release := s.sources.Access()
	defer release()
	out := make([]QueueStatus, 0, len(workers))
	for identity, w := range workers {
		out = append(out, QueueStatus{
			ClassID:    identity.ClassID,
			QueueName:  w.QueueName,
			RoutingKey: w.RoutingKey,
			RefCount:   w.RefCount(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueName < out[j].QueueName })
	return out
}

// RunServiceActions is the periodic housekeeping loop §4.7 describes
// running inside the RPC accept loop: each tick, detach every source from
// any channel whose worker is no longer probably-running, so a crashed
// channel doesn't keep its sources pinned forever (L2).
func (s *Supervisor) RunServiceActions(ctx context.Context) {
	interval := s.settings.ServiceActionInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.serviceActionsTick()
		}
	}
}

func (s *Supervisor) serviceActionsTick() {
	channels, release := s.channels.Access()
	type stale struct {
		name string
		keys []string
	}
	var staleList []stale
	for name, w := range channels {
		if !w.State().ProbablyRunning() {
			staleList = append(staleList, stale{name, w.RoutingKeys})
		}
	}
	release()

	for _, st := range staleList {
		s.sources.DetachChannel(st.name, st.keys)
	}
}
