package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/redismux/redismux"
)

func newSubscribeCmd(g *globalFlags) *cobra.Command {
	var (
		pattern bool
		count   int
	)

	cmd := &cobra.Command{
		Use:   "subscribe CHANNEL...",
		Short: "Print messages published to channels until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			mux, err := g.connect(ctx)
			if err != nil {
				return err
			}
			defer mux.Close()

			out := cmd.OutOrStdout()
			var (
				mu       sync.Mutex
				received int
			)
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			handler := func(pub *redismux.Publication) {
				mu.Lock()
				defer mu.Unlock()
				fmt.Fprintln(out, pub)
				received++
				if count > 0 && received >= count {
					cancel()
				}
			}

			sub := mux.Subscriber()
			for _, name := range args {
				if pattern {
					_, err = sub.PSubscribe(ctx, name, handler)
				} else {
					_, err = sub.Subscribe(ctx, name, handler)
				}
				if err != nil {
					return err
				}
			}

			<-ctx.Done()
			return sub.UnsubscribeAll(context.Background())
		},
	}

	cmd.Flags().BoolVarP(&pattern, "pattern", "p", false, "treat channels as glob patterns")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many messages")
	return cmd
}
