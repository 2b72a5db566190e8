// Command mcp-gateway-auth runs the authentication and authorization layer
// of an MCP gateway: a built-in OAuth 2.1 authorization server, external IdP
// federation and per-tool permission checks in front of an MCP endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	oauth "github.com/giantswarm/mcp-gateway-auth"
	"github.com/giantswarm/mcp-gateway-auth/instrumentation"
)

var version = "dev"

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

type rootOptions struct {
	configFile string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "mcp-gateway-auth",
		Short:        "Authentication and authorization for MCP gateways",
		Version:      version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "config.yaml", "path to the configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "json", "log format: json or text")

	cmd.AddCommand(newServeCmd(opts), newValidateConfigCmd(opts))
	return cmd
}

func newLogger(opts *rootOptions) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", opts.logLevel)
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(opts.logFormat) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", opts.logFormat)
	}
}

func newValidateConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Check the configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := oauth.LoadConfig(opts.configFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid: issuer %s, %d IdP(s), %d user(s)\n",
				cfg.OAuth.Issuer, len(cfg.IdPs), len(cfg.Users))
			return nil
		},
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(opts)
			if err != nil {
				return err
			}
			cfg, err := oauth.LoadConfig(opts.configFile)
			if err != nil {
				return err
			}
			if cfg.Instrumentation.ServiceVersion == "dev" {
				cfg.Instrumentation.ServiceVersion = version
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *oauth.Config, logger *slog.Logger) error {
	gw, err := oauth.NewGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer gw.Close()

	mcpServer := gw.NewMCPServer("mcp-gateway-auth", version)

	mux := http.NewServeMux()
	mux.Handle("/", gw.HTTPHandler(gw.NewStreamableHTTPServer(mcpServer)))
	if cfg.Instrumentation.Enabled && cfg.Instrumentation.MetricsExporter == instrumentation.MetricsExporterPrometheus {
		mux.Handle("GET /metrics", promhttp.Handler())
		logger.Info("Prometheus metrics endpoint enabled", "path", "/metrics")
	}

	// No write timeout: MCP responses may stream for a long time.
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Gateway listening",
			"addr", cfg.ListenAddress,
			"issuer", cfg.OAuth.Issuer,
			"mcp_path", cfg.MCPPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	logger.Info("Gateway stopped")
	return nil
}
