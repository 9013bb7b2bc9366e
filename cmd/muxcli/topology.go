package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/redismux/redismux"
)

func newTopologyCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Print the endpoints the multiplexer discovered and their health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mux, err := g.connect(ctx)
			if err != nil {
				return err
			}
			defer mux.Close()

			if _, err := mux.Ping(ctx); err != nil {
				return err
			}

			slots := map[string]string{}
			if sm := mux.Topology(); sm != nil {
				for _, n := range sm.Nodes() {
					slots[n.Addr] = formatSlots(n.Slots)
				}
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ADDR\tROLE\tSTATE\tLATENCY\tSLOTS")
			for _, ep := range mux.Stats().Endpoints {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					ep.Addr, ep.Role, ep.Interactive, ep.Latency, slots[ep.Addr])
			}
			return tw.Flush()
		},
	}
}

func formatSlots(ranges []redismux.SlotRange) string {
	parts := make([]string, 0, len(ranges))
	for _, r := range ranges {
		if r.Start == r.End {
			parts = append(parts, fmt.Sprint(r.Start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", r.Start, r.End))
		}
	}
	return strings.Join(parts, ",")
}
