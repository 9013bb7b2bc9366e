package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/redismux/redismux/internal/hashtag"
)

func newSlotCmd(g *globalFlags) *cobra.Command {
	var owner bool

	cmd := &cobra.Command{
		Use:   "slot KEY...",
		Short: "Print the hash slot of keys",
		Long: `Print the hash slot of every key. With --owner the cluster is asked
which primary serves each slot.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if !owner {
				for _, key := range args {
					fmt.Fprintf(out, "%s\t%d\n", key, hashtag.Slot(key))
				}
				return nil
			}

			mux, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer mux.Close()

			sm := mux.Topology()
			if sm == nil {
				return fmt.Errorf("muxcli: %s is not a cluster", mux)
			}
			for _, key := range args {
				node := sm.ByKey(key)
				addr := "-"
				if node != nil {
					addr = node.Addr
				}
				fmt.Fprintf(out, "%s\t%d\t%s\n", key, hashtag.Slot(key), addr)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&owner, "owner", false, "look up the primary serving each slot")
	return cmd
}
