// Package main is the entry point for the gpu-worker binary. It wires the
// settings, logging, agent client, concurrency, heartbeat, handler-or-proxy,
// and worker-loop packages together and starts the worker.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build the process-wide logger
//  3. Optionally start the Prometheus metrics server
//  4. In test mode, serve the handler locally and skip the agent entirely
//  5. Otherwise validate handler-or-proxy configuration and run the worker
//     loop until SIGINT/SIGTERM
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/easeworks/gpu-worker"
	"github.com/easeworks/gpu-worker/internal/handler"
	"github.com/easeworks/gpu-worker/internal/logging"
	"github.com/easeworks/gpu-worker/internal/obsmetrics"
	"github.com/easeworks/gpu-worker/internal/settings"
	"github.com/easeworks/gpu-worker/internal/testserver"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	agentURL  string
	baseURL   string
	proxyMode bool
	logLevel  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "gpu-worker",
		Short: "gpu-worker — serverless worker runtime for GPU-backed handlers",
		Long: `gpu-worker polls a local agent for tasks over HTTP, dispatches each
one to an in-process handler or forwards it to a local proxy target,
and reports lifecycle status and results back to the agent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.agentURL, "agent-url", envOrDefault(settings.EnvAgentURL, ""), "agent base URL (overrides EASE_AGENT_URL)")
	root.PersistentFlags().StringVar(&cfg.baseURL, "proxy-base-url", "", "local server base URL; when set, runs in proxy mode instead of handler mode")
	root.PersistentFlags().BoolVar(&cfg.proxyMode, "proxy", false, "run in proxy mode; --proxy-base-url is still required, and readiness is checked via EASE_PROXY_CONTAINER's sidecar")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault(settings.EnvLogLevel, ""), "log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gpu-worker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cli *cliConfig) error {
	if cli.agentURL != "" {
		os.Setenv(settings.EnvAgentURL, cli.agentURL)
	}
	if cli.logLevel != "" {
		os.Setenv(settings.EnvLogLevel, cli.logLevel)
	}
	if err := settings.Default.LoadFile(settings.WorkerConfigPath()); err != nil {
		return err
	}

	logging.SetLevel(logging.ParseLevel(settings.Default.LogLevel()))
	logging.Info(fmt.Sprintf("starting gpu-worker %s (commit %s, built %s)", version, commit, date))

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var metrics *obsmetrics.Metrics
	if port := settings.Default.MetricsPort(); port != 0 {
		metrics = obsmetrics.New()
		go func() {
			if err := obsmetrics.Serve(ctx, port, metrics); err != nil {
				logging.Error("metrics server stopped: " + err.Error())
			}
		}()
	}

	h, err := handler.Wrap(handler.Plain, echoHandler, nil, handler.Env{})
	if err != nil {
		return fmt.Errorf("failed to build handler: %w", err)
	}

	if settings.Default.TestMode() {
		srv := testserver.New(settings.Default.TestPort(), h)
		return srv.ListenAndServe(ctx)
	}

	wcfg := worker.Config{
		Mode:        worker.HandlerMode,
		HandlerKind: handler.Plain,
		Handler:     echoHandler,
		Env:         worker.Env{},
		Metrics:     metrics,
	}

	if cli.baseURL != "" || cli.proxyMode {
		wcfg.Mode = worker.ProxyMode
		wcfg.BaseURL = cli.baseURL
	}

	if err := worker.Run(ctx, wcfg); err != nil {
		return fmt.Errorf("worker loop stopped: %w", err)
	}
	logging.Info("gpu-worker stopped")
	return nil
}

// echoHandler is the default demo handler: it echoes the request input back
// under an "output" key, the same shape as the reference handler registered
// by spirit_gpu.start in the worker template this binary replaces.
func echoHandler(ctx context.Context, request any) (any, error) {
	req, ok := request.(handler.Request)
	if !ok {
		return nil, fmt.Errorf("gpu-worker: unexpected request type %T", request)
	}
	return map[string]any{"output": req.Input}, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
