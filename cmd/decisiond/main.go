// Command decisiond is the decision engine daemon: it loads configuration,
// connects to the shared topic exchange, and supervises channel and source
// worker processes per spec.md §2-§5. Grounded on cmd/gctcli's urfave/cli
// flag-parsing conventions, generalized from an RPC client to the daemon
// itself since this repository's administrative client lives in
// cmd/decli instead.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/hepcloud/decisionengine/adminserver"
	"github.com/hepcloud/decisionengine/bus"
	"github.com/hepcloud/decisionengine/config"
	"github.com/hepcloud/decisionengine/dataspace"
	"github.com/hepcloud/decisionengine/engine"
	"github.com/hepcloud/decisionengine/internal/logging"
	"github.com/hepcloud/decisionengine/module"
	"github.com/hepcloud/decisionengine/module/testmodules"
)

func main() {
	// Hidden subcommands re-exec this same binary as a source or channel
	// worker child process (engine.SourceWorkerSubcommand/
	// ChannelWorkerSubcommand); they bypass normal CLI flag parsing
	// entirely since their configuration travels in environment variables,
	// not argv, per engine/source_worker.go and engine/channel_worker.go.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case engine.SourceWorkerSubcommand:
			if err := runSourceWorker(); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			return
		case engine.ChannelWorkerSubcommand:
			if err := runChannelWorker(); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			return
		}
	}

	app := &cli.App{
		Name:  "decisiond",
		Usage: "run the decision engine daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to the configuration file"},
			&cli.IntFlag{Name: "port", Value: config.DefaultPort, Usage: "admin HTTP port"},
			&cli.BoolFlag{Name: "no-webserver", Usage: "disable the admin HTTP transport"},
		},
		Action: runDaemon,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildLoader returns the module.Loader this binary ships with. Real
// module implementations are an external collaborator per spec.md §1 ("the
// individual module implementations"); the reference Source/Transform/
// Logic/Publisher set in module/testmodules doubles as the illustrative
// default registry, the same way dataspace.InMemory stands in for the
// externally-owned data space.
func buildLoader() *module.Loader {
	l := module.NewLoader()
	l.Register("reference_counter_source", func(cfg map[string]any) (module.Module, error) {
		period := time.Second
		if v, ok := cfg["period"].(string); ok {
			if d, err := time.ParseDuration(v); err == nil {
				period = d
			}
		}
		return testmodules.NewSource("reference_counter_source", period, "count"), nil
	})
	l.Register("reference_publisher", func(cfg map[string]any) (module.Module, error) {
		return testmodules.NewPublisher("reference_publisher", "count"), nil
	})
	return l
}

func runDaemon(c *cli.Context) error {
	if os.Geteuid() == 0 {
		return errors.New("decisiond: refusing to run as root")
	}

	path := config.ResolvePath(c.String("config"))
	loader := config.NewLoader(path)
	global, err := loader.Load()
	if err != nil {
		return errors.Wrap(err, "decisiond: loading configuration")
	}

	level, err := logging.ParseLevel(global.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	root := logging.New(os.Stderr, level)
	log := logging.For(root, "decisiond")

	broker, err := bus.NewRedisBroker(global.BrokerURL)
	if err != nil {
		return errors.Wrap(err, "decisiond: parsing broker_url")
	}
	ex := bus.NewExchange(global.ExchangeName, broker)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	pingErr := ex.Ping(ctx)
	cancel()
	if pingErr != nil {
		return errors.Wrap(pingErr, "decisiond: broker unreachable at startup")
	}

	// Process hygiene: flush the broker's logical keyspace on every exit
	// path, including a panic recovered here, so stale queue state from
	// this run never poisons the next one.
	defer func() {
		if r := recover(); r != nil {
			flushCtx, cancel := context.WithTimeout(context.Background(), global.ShutdownTimeout)
			_ = ex.FlushDB(flushCtx)
			cancel()
			panic(r)
		}
	}()

	sup := engine.NewSupervisor(global, buildLoader(), ex, dataspace.NewInMemory(), engine.Settings{}, log)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go sup.RunServiceActions(runCtx)

	sup.StartChannels(runCtx)
	sup.StartReaper(global.ReaperDelay, func(context.Context) {})

	var srv *adminserver.Server
	if !c.Bool("no-webserver") {
		srv = adminserver.New(fmt.Sprintf(":%d", c.Int("port")), sup, log)
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				log.Error().Err(err).Msg("admin server stopped")
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for sig := range sigs {
		switch sig {
		case syscall.SIGHUP:
			log.Info().Msg("reloading configuration")
			newGlobal, err := config.NewLoader(path).Load()
			if err != nil {
				log.Error().Err(err).Msg("reload failed, keeping running configuration")
				continue
			}
			sup.Reload(runCtx, newGlobal, func(context.Context) {})
		default:
			log.Info().Str("signal", sig.String()).Msg("shutting down")
			stop()
			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), global.ShutdownTimeout)
				_ = srv.Shutdown(shutdownCtx)
				cancel()
			}
			finalCtx, cancel := context.WithTimeout(context.Background(), global.ShutdownTimeout)
			sup.Stop(finalCtx)
			cancel()
			return nil
		}
	}
	return nil
}
