package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/redismux/redismux"
	"github.com/redismux/redismux/logging"
)

type globalFlags struct {
	config   string
	addrs    []string
	password string
	protocol int
	verbose  bool
}

func newRootCmd() *cobra.Command {
	g := new(globalFlags)

	root := &cobra.Command{
		Use:   "muxcli",
		Short: "Send commands to Redis through a redismux multiplexer",
		Long: `muxcli connects to a Redis server or cluster with a redismux multiplexer
and runs one operation: execute a command, follow channels, compute hash
slots or print the discovered topology.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if g.verbose {
				logging.SetLogLevel(logging.LogLevelDebug)
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&g.config, "config", "c", "", "YAML config file")
	flags.StringSliceVarP(&g.addrs, "addr", "a", nil, "server address, repeatable (default 127.0.0.1:6379)")
	flags.StringVar(&g.password, "password", "", "password for AUTH")
	flags.IntVar(&g.protocol, "protocol", 0, "RESP protocol version, 2 or 3")
	flags.BoolVarP(&g.verbose, "verbose", "v", false, "log connection events and redirects")

	root.AddCommand(
		newExecCmd(g),
		newSubscribeCmd(g),
		newSlotCmd(g),
		newTopologyCmd(g),
	)
	return root
}

// options merges the config file with the flags; flags win.
func (g *globalFlags) options() (*redismux.Options, error) {
	cfg, err := loadConfig(g.config)
	if err != nil {
		return nil, err
	}
	opt := cfg.options()

	if len(g.addrs) > 0 {
		opt.Addrs = g.addrs
	}
	if len(opt.Addrs) == 0 {
		opt.Addrs = []string{"127.0.0.1:6379"}
	}
	if g.password != "" {
		opt.Password = g.password
	}
	if g.protocol != 0 {
		opt.Protocol = g.protocol
	}
	return opt, nil
}

func (g *globalFlags) connect(ctx context.Context) (*redismux.Multiplexer, error) {
	opt, err := g.options()
	if err != nil {
		return nil, err
	}
	return redismux.Connect(ctx, opt)
}
