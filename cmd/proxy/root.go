package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gemini_proxy/internal/config"
	"gemini_proxy/internal/obs"
)

var rootCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Single-upstream HTTPS proxy with empty-response retries and shared stats",
	Long: `proxy listens for plain HTTP and forwards every request to one HTTPS
upstream. The connection goes to --target-ip while SNI and the Host header carry
--target-domain. When the upstream answers 200 with an empty body the request is
replayed, up to --max-retries times, before a 502 is returned.

Settings come from flags, then environment variables, then the YAML file given
with --config, then built-in defaults.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runProxy,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().SortFlags = false
	config.RegisterFlags(rootCmd.Flags())
}

func runProxy(cmd *cobra.Command, _ []string) error {
	loadOpts := config.LoadOptions{Flags: cmd.Flags()}
	cfg, err := config.Load(loadOpts)
	if err != nil {
		return err
	}
	level, err := obs.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := obs.NewLogger(os.Stdout, cfg.LogFormat, level)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proxy, err := start(ctx, cfg, logger, loadOpts)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Event(obs.LevelMinimal, "shutdown").Msg("signal received, shutting down")
	case err := <-proxy.server.Errors():
		if err != nil {
			logger.Error("server_error", err).Msg("listener stopped unexpectedly")
		}
	}
	return proxy.Shutdown(context.Background())
}
