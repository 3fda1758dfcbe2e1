package main

import (
	"github.com/spf13/cobra"
)

func publishCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <address> [body]",
		Short: "Publish a message to every handler of an address",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, _, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			return conn.Publish(cmd.Context(), args[0], parseBody(args[1:]))
		},
	}
	return cmd
}
