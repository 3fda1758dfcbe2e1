package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danmuck/edgebus/internal/eventbus"
	"github.com/danmuck/edgebus/internal/logging"
	"github.com/danmuck/edgebus/internal/observability"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	target     string
	headers    map[string]string
	timeout    time.Duration
	logLevel   string
}

func (g *globalFlags) bind(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "Path to a busctl toml config")
	pf.StringVarP(&g.target, "target", "t", "", "Bridge target (overrides the config)")
	pf.StringToStringVarP(&g.headers, "header", "H", nil, "Header key=value added to every frame")
	pf.DurationVar(&g.timeout, "timeout", 0, "Reply timeout (overrides the config)")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level: trace|debug|info|warn|error|disabled")
}

// resolve loads the config file and applies flag overrides.
func (g *globalFlags) resolve() (cliConfig, error) {
	cfg := defaultCLIConfig()
	if g.configPath != "" {
		loaded, err := loadCLIConfig(g.configPath)
		if err != nil {
			return cliConfig{}, err
		}
		cfg = loaded
	}
	if g.target != "" {
		cfg.Target = g.target
	}
	if g.timeout > 0 {
		cfg.Session.ReplyTimeout = g.timeout
	}
	if len(g.headers) > 0 {
		merged := make(map[string]string, len(cfg.Headers)+len(g.headers))
		for k, v := range cfg.Headers {
			merged[k] = v
		}
		for k, v := range g.headers {
			merged[k] = v
		}
		cfg.Headers = merged
	}
	return cfg, nil
}

func (g *globalFlags) setupLogging() {
	logging.Configure(logging.ProfileRuntime)
	if g.logLevel == "" {
		return
	}
	if level, ok := logging.ParseLevel(g.logLevel); ok {
		logging.SetLevel(level)
	}
}

func (g *globalFlags) connect(ctx context.Context, extra ...eventbus.Option) (eventbus.Connection, cliConfig, error) {
	g.setupLogging()
	cfg, err := g.resolve()
	if err != nil {
		return nil, cliConfig{}, err
	}
	logger := observability.InitLogger("busctl")
	opts := append(cfg.options(), eventbus.WithLogger(logger))
	opts = append(opts, extra...)

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Session.WithDefaults().ConnectTimeout)
	defer cancel()
	conn, err := eventbus.Dial(dialCtx, cfg.Target, opts...)
	if err != nil {
		return nil, cliConfig{}, err
	}
	return conn, cfg, nil
}

// parseBody keeps valid JSON as is and sends anything else as a string.
func parseBody(args []string) any {
	if len(args) == 0 {
		return nil
	}
	raw := args[0]
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	return raw
}

func printMessage(cmd *cobra.Command, msg *eventbus.Message) error {
	out, err := json.Marshal(msg.Envelope())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}
