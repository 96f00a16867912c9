// Command decli is the administrative client for decisiond's illustrative
// HTTP admin transport: one urfave/cli subcommand per §6 RPC method that
// adminserver actually routes. rm_channel is internal-use-only per §6 (it
// has no subcommand here either, for the same reason it has no route);
// print_product, print_products, and query_tool are omitted for the same
// reason adminserver doesn't route them — see that package's doc comment.
// Grounded on cmd/gctcli's shape (a flat cli.App of small, independent
// Commands, each issuing one request and printing the raw response body)
// with the gRPC client swapped for a plain net/http client against
// adminserver's routes.
package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

var rpcTimeout = 30 * time.Second

func main() {
	app := &cli.App{
		Name:  "decli",
		Usage: "administrative client for decisiond",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "rpcaddr", Aliases: []string{"a"}, Value: "http://localhost:8888", Usage: "decisiond admin HTTP address"},
		},
		Commands: []*cli.Command{
			pingCommand,
			blockWhileCommand,
			startChannelCommand,
			startChannelsCommand,
			stopChannelCommand,
			killChannelCommand,
			stopChannelsCommand,
			getChannelLogLevelCommand,
			setChannelLogLevelCommand,
			statusCommand,
			queueStatusCommand,
			showConfigCommand,
			showDeConfigCommand,
			productDependenciesCommand,
			logLevelCommand,
			reaperStartCommand,
			reaperStopCommand,
			reaperStatusCommand,
			stopCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func baseURL(c *cli.Context) string { return strings.TrimRight(c.String("rpcaddr"), "/") }

func doRequest(c *cli.Context, method, path string, query url.Values) error {
	u := baseURL(c) + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return errors.Wrap(err, "decli: building request")
	}

	client := &http.Client{Timeout: rpcTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "decli: performing request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "decli: reading response")
	}
	fmt.Println(string(body))
	return nil
}

var pingCommand = &cli.Command{
	Name:  "ping",
	Usage: "check broker liveness",
	Action: func(c *cli.Context) error {
		return doRequest(c, http.MethodGet, "/ping", nil)
	},
}

var blockWhileCommand = &cli.Command{
	Name:  "block_while",
	Usage: "block until every running channel leaves the given state",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "state", Required: true, Usage: "state to wait out, e.g. BOOT, ACTIVE, STEADY"},
		&cli.DurationFlag{Name: "timeout", Usage: "maximum time to wait"},
	},
	Action: func(c *cli.Context) error {
		q := url.Values{"state": {c.String("state")}}
		if c.IsSet("timeout") {
			q.Set("timeout", c.Duration("timeout").String())
		}
		return doRequest(c, http.MethodGet, "/block_while", q)
	},
}

var startChannelCommand = &cli.Command{
	Name:      "start_channel",
	Usage:     "start a single configured channel",
	ArgsUsage: "<name>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return errors.New("decli: start_channel requires exactly one channel name")
		}
		return doRequest(c, http.MethodPost, "/channels/"+c.Args().First()+"/start", nil)
	},
}

var startChannelsCommand = &cli.Command{
	Name:  "start_channels",
	Usage: "start every configured channel not already running",
	Action: func(c *cli.Context) error {
		return doRequest(c, http.MethodPost, "/channels/start", nil)
	},
}

var stopChannelCommand = &cli.Command{
	Name:      "stop_channel",
	Usage:     "stop a running channel cooperatively",
	ArgsUsage: "<name>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return errors.New("decli: stop_channel requires exactly one channel name")
		}
		return doRequest(c, http.MethodPost, "/channels/"+c.Args().First()+"/stop", nil)
	},
}

var killChannelCommand = &cli.Command{
	Name:      "kill_channel",
	Usage:     "stop a running channel, forcefully terminating it on timeout",
	ArgsUsage: "<name>",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "timeout", Usage: "grace period before forceful termination"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return errors.New("decli: kill_channel requires exactly one channel name")
		}
		q := url.Values{}
		if c.IsSet("timeout") {
			q.Set("timeout", c.Duration("timeout").String())
		}
		return doRequest(c, http.MethodPost, "/channels/"+c.Args().First()+"/kill", q)
	},
}

var stopChannelsCommand = &cli.Command{
	Name:  "stop_channels",
	Usage: "stop every running channel under the global shutdown timeout",
	Action: func(c *cli.Context) error {
		return doRequest(c, http.MethodPost, "/channels/stop", nil)
	},
}

var getChannelLogLevelCommand = &cli.Command{
	Name:      "get_channel_log_level",
	Usage:     "report a channel's current log level",
	ArgsUsage: "<name>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return errors.New("decli: get_channel_log_level requires exactly one channel name")
		}
		return doRequest(c, http.MethodGet, "/channels/"+c.Args().First()+"/log_level", nil)
	},
}

var setChannelLogLevelCommand = &cli.Command{
	Name:      "set_channel_log_level",
	Usage:     "change a channel's log level without a restart",
	ArgsUsage: "<name>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "level", Required: true, Usage: "e.g. debug, info, warn, error"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return errors.New("decli: set_channel_log_level requires exactly one channel name")
		}
		q := url.Values{"level": {c.String("level")}}
		return doRequest(c, http.MethodPut, "/channels/"+c.Args().First()+"/log_level", q)
	},
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "list every running channel and its state",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "format", Value: "table", Usage: "table, json, or csv"},
	},
	Action: func(c *cli.Context) error {
		return doRequest(c, http.MethodGet, "/status", url.Values{"format": {c.String("format")}})
	},
}

var queueStatusCommand = &cli.Command{
	Name:  "queue_status",
	Usage: "list every running source queue and its channel refcount",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "format", Value: "table", Usage: "table, json, or csv"},
	},
	Action: func(c *cli.Context) error {
		return doRequest(c, http.MethodGet, "/queue_status", url.Values{"format": {c.String("format")}})
	},
}

var showConfigCommand = &cli.Command{
	Name:      "show_config",
	Usage:     "render a channel's configuration, or every channel's with \"all\"",
	ArgsUsage: "<name|all>",
	Action: func(c *cli.Context) error {
		name := "all"
		if c.NArg() == 1 {
			name = c.Args().First()
		}
		return doRequest(c, http.MethodGet, "/config", url.Values{"name": {name}})
	},
}

var showDeConfigCommand = &cli.Command{
	Name:  "show_de_config",
	Usage: "dump the global configuration",
	Action: func(c *cli.Context) error {
		return doRequest(c, http.MethodGet, "/de_config", nil)
	},
}

var productDependenciesCommand = &cli.Command{
	Name:  "product_dependencies",
	Usage: "list every known product and the channels that produce/consume it",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "format", Value: "table", Usage: "table, json, or csv"},
	},
	Action: func(c *cli.Context) error {
		return doRequest(c, http.MethodGet, "/product_dependencies", url.Values{"format": {c.String("format")}})
	},
}

var logLevelCommand = &cli.Command{
	Name:  "get_log_level",
	Usage: "report the daemon's current log level",
	Action: func(c *cli.Context) error {
		return doRequest(c, http.MethodGet, "/log_level", nil)
	},
}

var reaperStartCommand = &cli.Command{
	Name:  "reaper_start",
	Usage: "schedule the data-space reaper to run after a delay",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "delay", Required: true},
	},
	Action: func(c *cli.Context) error {
		q := url.Values{"delay": {c.Duration("delay").String()}}
		return doRequest(c, http.MethodPost, "/reaper/start", q)
	},
}

var reaperStopCommand = &cli.Command{
	Name:  "reaper_stop",
	Usage: "cancel any scheduled reaper run",
	Action: func(c *cli.Context) error {
		return doRequest(c, http.MethodPost, "/reaper/stop", nil)
	},
}

var reaperStatusCommand = &cli.Command{
	Name:  "reaper_status",
	Usage: "report whether a reaper run is currently scheduled",
	Action: func(c *cli.Context) error {
		return doRequest(c, http.MethodGet, "/reaper/status", nil)
	},
}

var stopCommand = &cli.Command{
	Name:  "stop",
	Usage: "shut down the daemon: every channel, every source, the broker connection",
	Action: func(c *cli.Context) error {
		return doRequest(c, http.MethodPost, "/stop", nil)
	},
}
