// rpcctl is an interactive duplex-rpc peer: it connects to rpcd, issues Calls
// and shows the queue and channel state.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/desertbit/grumble"
	"github.com/jedib0t/go-pretty/table"
	"github.com/rs/zerolog/log"

	"duplex-rpc/client"
	"duplex-rpc/config"
	"duplex-rpc/loadbalance"
	"duplex-rpc/logging"
	"duplex-rpc/registry"
	"duplex-rpc/transport"
)

const banner = `
  duplex-rpc control shell
  ------------------------

`

// Global state.
var (
	cfg     = config.Default()
	current *client.Client
	reg     registry.Registry
)

func main() {
	logging.ConfigureRuntime()

	app := setupCLI()
	AddCommands(app)

	if err := app.Run(); err != nil {
		log.Fatal().Msg(err.Error())
	}
	disconnect()
}

func setupCLI() *grumble.App {
	var histFile string
	home, err := os.UserHomeDir()
	if err != nil {
		histFile = ".rpcctl"
	} else {
		histFile = filepath.Join(home, ".rpcctl")
	}

	app := grumble.New(&grumble.Config{
		Name:        "rpcctl",
		HistoryFile: histFile,
		Flags: func(f *grumble.Flags) {
			f.String("c", "config", "", "path to TOML configuration file")
		},
	})
	app.SetPrintASCIILogo(func(a *grumble.App) {
		fmt.Print(banner)
	})
	app.OnInit(func(a *grumble.App, flags grumble.FlagMap) error {
		path := flags.String("config")
		if path == "" {
			return nil
		}
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}
		cfg = loaded
		logging.SetLevel(cfg.LogLevel)
		return nil
	})
	return app
}

// AddCommands registers the shell commands.
func AddCommands(app *grumble.App) {
	app.AddCommand(&grumble.Command{
		Name:    "connect",
		Aliases: []string{"open"},
		Help:    "connect to a server url, or discover one through etcd with --service",
		Flags: func(f *grumble.Flags) {
			f.String("s", "service", "", "discover this service in the configured etcd")
			f.String("b", "balancer", "", "balancer for discovery (round-robin, weighted-random, consistent-hash)")
		},
		Args: func(a *grumble.Args) {
			a.String("url", "server base url", grumble.Default(""))
		},
		Run: func(c *grumble.Context) error {
			endpoint, err := resolveEndpoint(c.Args.String("url"), c.Flags.String("service"), c.Flags.String("balancer"))
			if err != nil {
				log.Error().Err(err).Msg("Failed to resolve endpoint")
				return nil
			}
			disconnect()
			settings := cfg.ClientSettings(endpoint)
			settings.ConnectNow = true
			cli, err := client.New(settings)
			if err != nil {
				log.Error().Err(err).Msg("Failed to create client")
				return nil
			}
			cli.Handle("notice", func(ctx context.Context, args json.RawMessage) (any, error) {
				log.Info().RawJSON("notice", args).Msg("Server notice")
				return nil, nil
			})
			current = cli

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			id, err := cli.WaitSocketID(ctx)
			if err != nil {
				log.Warn().Str("state", cli.State().String()).Msg("Not connected yet, calls will be queued")
				return nil
			}
			log.Info().Str("socket", id).Msg("Connected")
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name: "call",
		Help: "invoke an operation; args is one JSON value",
		Flags: func(f *grumble.Flags) {
			f.Duration("t", "timeout", 10*time.Second, "how long to wait for the reply")
		},
		Args: func(a *grumble.Args) {
			a.String("fun", "operation name")
			a.StringList("args", "JSON arguments", grumble.Default([]string{}))
		},
		Run: func(c *grumble.Context) error {
			if current == nil {
				log.Error().Msg("Not connected, use connect first")
				return nil
			}
			var args any
			if raw := strings.Join(c.Args.StringList("args"), " "); raw != "" {
				if !json.Valid([]byte(raw)) {
					log.Error().Str("args", raw).Msg("Arguments are not valid JSON")
					return nil
				}
				args = json.RawMessage(raw)
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.Flags.Duration("timeout"))
			defer cancel()
			var reply json.RawMessage
			start := time.Now()
			if err := current.Call(ctx, c.Args.String("fun"), args, &reply); err != nil {
				log.Error().Err(err).Dur("took", time.Since(start)).Msg("Call failed")
				return nil
			}
			c.App.Println(string(reply))
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name:    "stats",
		Aliases: []string{"st"},
		Help:    "show channel and queue state",
		Run: func(c *grumble.Context) error {
			if current == nil {
				log.Error().Msg("Not connected, use connect first")
				return nil
			}
			c.App.Println(RenderStats(current))
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name:    "ops",
		Aliases: []string{"ls"},
		Help:    "list the operations the server maps",
		Run: func(c *grumble.Context) error {
			if current == nil {
				log.Error().Msg("Not connected, use connect first")
				return nil
			}
			var names []string
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := current.Call(ctx, "ops", nil, &names); err != nil {
				log.Error().Err(err).Msg("Failed to list operations")
				return nil
			}
			c.App.Println(RenderOps(names))
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name: "close",
		Help: "close the current connection",
		Run: func(c *grumble.Context) error {
			disconnect()
			return nil
		},
	})
}

func resolveEndpoint(url, service, balancer string) (transport.EndpointFunc, error) {
	if service == "" {
		if url == "" {
			url = cfg.ServerURL
		}
		if _, err := transport.EndpointFor(url); err != nil {
			return nil, err
		}
		return transport.StaticEndpoint(url), nil
	}
	if len(cfg.EtcdEndpoints) == 0 {
		return nil, fmt.Errorf("no etcd_endpoints configured")
	}
	if reg == nil {
		etcd, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints, 5*time.Second)
		if err != nil {
			return nil, err
		}
		reg = etcd
	}
	if balancer == "" {
		balancer = cfg.Balancer
	}
	bal, err := loadbalance.ByName(balancer, cfg.AffinityKey)
	if err != nil {
		return nil, err
	}
	return client.RegistryEndpoint(reg, bal, service), nil
}

func disconnect() {
	if current != nil {
		current.Close()
		current = nil
	}
}

// RenderStats formats the client's channel and queue counters.
func RenderStats(cli *client.Client) string {
	s := cli.Stats()
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Field", "Value"})
	rows := []table.Row{
		{"State", cli.State().String()},
		{"Socket ID", cli.SocketID()},
		{"Connect attempts", cli.Attempts()},
		{"Next call id", s.NextID},
		{"Pending", s.Pending},
		{"Pending (sent)", s.PendingSent},
		{"Buffered calls", s.BufferedCalls},
		{"Buffered replies", s.BufferedReplies},
		{"Flushes", s.Flushes},
		{"Failed flushes", s.FailedFlushes},
		{"Dropped replies", s.DroppedReplies},
		{"Handled calls", s.HandledCalls},
		{"Oldest pending", s.OldestPending.Round(time.Millisecond)},
	}
	for _, row := range rows {
		t.AppendRow(row)
	}
	return t.Render()
}

// RenderOps formats operation names as a one-column table.
func RenderOps(names []string) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"#", "Operation"})
	for i, name := range names {
		t.AppendRow(table.Row{i + 1, name})
	}
	return t.Render()
}
