package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ridgewire/tunnel/internal/admin"
	"github.com/ridgewire/tunnel/internal/agentfrontend"
	"github.com/ridgewire/tunnel/internal/httpfrontend"
	"github.com/ridgewire/tunnel/internal/metrics"
	"github.com/ridgewire/tunnel/internal/router"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	adminAddr  string
	minVersion string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "tunnel-server [http-port] [agent-port]",
		Short: "tunnel-server — reverse-tunnel HTTP ingress server",
		Long: `tunnel-server accepts public HTTP traffic on one listener and agent
control connections on another, and forwards each request to whichever
agent has claimed the request's subdomain.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			httpPort, agentPort, err := parsePorts(args)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, httpPort, agentPort)
		},
	}

	root.AddCommand(newVersionCmd())

	root.Flags().StringVar(&cfg.adminAddr, "admin-addr", envOrDefault("TUNNEL_ADMIN_ADDR", ":7070"), "admin/observability surface listen address (empty or :0 disables it)")
	root.Flags().StringVar(&cfg.minVersion, "min-version", envOrDefault("TUNNEL_MIN_VERSION", "0.0.2"), "minimum accepted agent handshake version")
	root.Flags().StringVar(&cfg.logLevel, "log-level", envOrDefault("TUNNEL_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tunnel-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// parsePorts applies the distilled spec's <http-port> <agent-port> defaults
// of 8080/9090, failing fatally on a non-numeric positional argument.
func parsePorts(args []string) (httpPort, agentPort int, err error) {
	httpPort, agentPort = 8080, 9090

	if len(args) >= 1 {
		httpPort, err = strconv.Atoi(args[0])
		if err != nil {
			return 0, 0, fmt.Errorf("invalid http-port %q: %w", args[0], err)
		}
	}
	if len(args) >= 2 {
		agentPort, err = strconv.Atoi(args[1])
		if err != nil {
			return 0, 0, fmt.Errorf("invalid agent-port %q: %w", args[1], err)
		}
	}
	return httpPort, agentPort, nil
}

func run(ctx context.Context, cfg *config, httpPort, agentPort int) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	httpAddr := fmt.Sprintf("0.0.0.0:%d", httpPort)
	agentAddr := fmt.Sprintf("0.0.0.0:%d", agentPort)

	logger.Info("starting tunnel server",
		zap.String("version", version),
		zap.String("http_addr", httpAddr),
		zap.String("agent_addr", agentAddr),
		zap.String("admin_addr", cfg.adminAddr),
		zap.String("min_version", cfg.minVersion),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	rt := router.New(logger)
	metricsReg := metrics.New(rt, reg)

	agentFrontend, err := agentfrontend.New(rt, logger, metricsReg, cfg.minVersion)
	if err != nil {
		return fmt.Errorf("failed to create agent frontend: %w", err)
	}
	httpFrontend := httpfrontend.New(rt, logger, metricsReg)

	// The two tunnel listeners and the admin surface run as an errgroup so
	// any one of them exiting unexpectedly tears down the others via the
	// group's derived context, rather than leaving the process half-alive.
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := httpFrontend.ListenAndServe(httpAddr); err != nil {
			logger.Error("http frontend stopped", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		if err := agentFrontend.ListenAndServe(agentAddr); err != nil {
			logger.Error("agent frontend stopped", zap.Error(err))
			return err
		}
		return nil
	})

	var adminSrv *http.Server
	if cfg.adminAddr != "" && cfg.adminAddr != ":0" {
		handler := admin.NewRouter(rt, logger, promHandler(reg))
		adminSrv = &http.Server{
			Addr:         cfg.adminAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		group.Go(func() error {
			logger.Info("admin surface listening", zap.String("addr", cfg.adminAddr))
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin surface error", zap.Error(err))
				return err
			}
			return nil
		})
	}

	go func() {
		<-groupCtx.Done()
		cancel()
	}()

	<-ctx.Done()
	logger.Info("shutting down tunnel server")

	if adminSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin surface graceful shutdown error", zap.Error(err))
		}
	}

	logger.Info("tunnel server stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

// promHandler returns the /metrics handler for the registry this process
// constructed its collectors against, rather than the global default
// registry promhttp.Handler() would use.
func promHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
