package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/danmuck/edgebus/internal/eventbus"
	"github.com/spf13/cobra"
)

func sendCmd(g *globalFlags) *cobra.Command {
	var (
		wait         bool
		replyAddress string
	)

	cmd := &cobra.Command{
		Use:   "send <address> [body]",
		Short: "Send a point-to-point message",
		Long: `Send a message to one handler of an address.

The body is sent as JSON when it parses as JSON, otherwise as a string.
With --reply the command waits for the reply and prints it.

Examples:
  busctl send pcs.status '{"message":"add"}' --reply
  busctl send -t ws://localhost:8080/eventbus/websocket jobs.run nightly`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSend(ctx, cmd, g, args[0], parseBody(args[1:]), wait, replyAddress)
		},
	}

	cmd.Flags().BoolVarP(&wait, "reply", "r", false, "Wait for the reply and print it")
	cmd.Flags().StringVar(&replyAddress, "reply-address", "", "Reply address to put on the frame")

	return cmd
}

func runSend(ctx context.Context, cmd *cobra.Command, g *globalFlags, address string, body any, wait bool, replyAddress string) error {
	conn, _, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	var opts []eventbus.SendOption
	if replyAddress != "" {
		opts = append(opts, eventbus.WithReplyAddress(replyAddress))
	}
	if !wait {
		return conn.Send(ctx, address, body, opts...)
	}

	msg, err := conn.Request(ctx, address, body, opts...)
	var busErr *eventbus.BusError
	if errors.As(err, &busErr) && msg != nil {
		_ = printMessage(cmd, msg)
		return err
	}
	if err != nil {
		return err
	}
	return printMessage(cmd, msg)
}
