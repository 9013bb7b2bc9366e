package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/redismux/redismux"
)

func newExecCmd(g *globalFlags) *cobra.Command {
	var (
		db      int
		replica bool
		repeat  int
	)

	cmd := &cobra.Command{
		Use:   "exec COMMAND [ARG...]",
		Short: "Execute one command and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mux, err := g.connect(ctx)
			if err != nil {
				return err
			}
			defer mux.Close()

			cmdArgs := make([]interface{}, 0, len(args)-1)
			for _, a := range args[1:] {
				cmdArgs = append(cmdArgs, a)
			}

			if repeat < 1 {
				repeat = 1
			}
			pending := make([]*redismux.Pending, 0, repeat)
			start := time.Now()
			for i := 0; i < repeat; i++ {
				msg, err := redismux.NewMessage(args[0], cmdArgs...)
				if err != nil {
					return err
				}
				msg.DB = db
				if replica {
					msg.Flags |= redismux.PreferReplica
				}
				pending = append(pending, mux.Send(ctx, msg))
			}

			out := cmd.OutOrStdout()
			for i, p := range pending {
				reply, err := p.Result(ctx)
				if i < len(pending)-1 {
					continue
				}
				switch {
				case errors.Is(err, redismux.Nil):
					fmt.Fprintln(out, "(nil)")
				case err != nil:
					return err
				default:
					fmt.Fprintln(out, reply)
				}
			}
			if repeat > 1 {
				fmt.Fprintf(out, "%d commands in %s\n", repeat, time.Since(start).Round(time.Microsecond))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&db, "db", "n", 0, "database number")
	cmd.Flags().BoolVar(&replica, "replica", false, "prefer a replica")
	cmd.Flags().IntVar(&repeat, "repeat", 1, "pipeline the command this many times")
	return cmd
}
