package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/edgebus/internal/eventbus"
	"github.com/danmuck/edgebus/internal/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func listenCmd(g *globalFlags) *cobra.Command {
	var (
		count       int
		buffer      int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "listen <address> [address...]",
		Short: "Print messages delivered to one or more addresses",
		Long: `Register on each address and print every message as one JSON line.

Stops on SIGINT/SIGTERM, or after --count messages.
With --metrics-addr the bridge metrics are served on /metrics.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runListen(ctx, cmd, g, args, count, buffer, metricsAddr)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many messages (0 = no limit)")
	cmd.Flags().IntVar(&buffer, "buffer", 64, "Per-address delivery buffer")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")

	return cmd
}

func runListen(ctx context.Context, cmd *cobra.Command, g *globalFlags, addresses []string, count, buffer int, metricsAddr string) error {
	if metricsAddr != "" {
		srv := serveMetrics(metricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	closed := make(chan error, 1)
	conn, _, err := g.connect(ctx, eventbus.OnClose(func(err error) {
		select {
		case closed <- err:
		default:
		}
	}))
	if err != nil {
		return err
	}
	defer conn.Close()

	merged := make(chan *eventbus.Message, buffer)
	for _, address := range addresses {
		sub, err := eventbus.Subscribe(conn, address, buffer)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
		go forward(ctx, sub, merged)
	}

	received := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-closed:
			if err == nil {
				return nil
			}
			return errors.Join(eventbus.ErrConnectionClosed, err)
		case msg := <-merged:
			if err := printMessage(cmd, msg); err != nil {
				return err
			}
			received++
			if count > 0 && received >= count {
				return nil
			}
		}
	}
}

func forward(ctx context.Context, sub *eventbus.Subscription, out chan<- *eventbus.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case msg := <-sub.C:
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func serveMetrics(addr string) *http.Server {
	observability.RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	return srv
}
