package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/drzln/curupira/internal/common/cnst"
	"github.com/drzln/curupira/internal/common/config"
	"github.com/drzln/curupira/internal/mcp/session"
	"github.com/drzln/curupira/internal/pool"
	"github.com/drzln/curupira/internal/server"
	"github.com/drzln/curupira/pkg/helper"
	"github.com/drzln/curupira/pkg/logger"
	"github.com/drzln/curupira/pkg/mcp"
	"github.com/drzln/curupira/pkg/trace"
	"github.com/drzln/curupira/pkg/version"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath string
	pidPath    string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of curupira",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", cnst.CommandName, version.Get())
		},
	}

	testCmd = &cobra.Command{
		Use:   "test",
		Short: "Check the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration %s: %w", path, err)
			}
			fmt.Printf("configuration %s is valid (port %d, storage %s, session %s)\n",
				path, cfg.Port, cfg.Storage.Type, cfg.Session.Type)
			return nil
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve assistants over HTTP and websocket",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}

	stdioCmd = &cobra.Command{
		Use:   "stdio",
		Short: "Serve one assistant over stdin and stdout",
		Run: func(cmd *cobra.Command, args []string) {
			runStdio()
		},
	}

	stopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop a bridge started with --pid",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pidPath == "" {
				return fmt.Errorf("--pid is required")
			}
			if err := helper.NewPIDFile(pidPath).Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("failed to stop bridge: %w", err)
			}
			fmt.Println("stop signal sent")
			return nil
		},
	}

	rootCmd = &cobra.Command{
		Use:   cnst.CommandName,
		Short: "MCP to browser debugging bridge",
		Long:  `curupira lets an AI assistant inspect and drive a web application through the browser's remote-debugging protocol`,
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "conf", "c", "curupira.yaml", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&pidPath, "pid", "", "path to pid file, none when empty")
	rootCmd.AddCommand(versionCmd, testCmd, serveCmd, stdioCmd, stopCmd)
}

func setup(ctx context.Context, stdio bool) (*config.BridgeConfig, *zap.Logger, func()) {
	cfg, path, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration %s: %v", path, err)
	}
	if stdio && (cfg.Logger.Output == "" || cfg.Logger.Output == "stdout") {
		cfg.Logger.Output = "stderr"
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	lg.Info("Loaded configuration", zap.String("path", path), zap.String("version", version.Get()))

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = cnst.AppName
	}
	shutdownTracing, err := trace.InitTracing(ctx, &cfg.Tracing, lg)
	if err != nil {
		lg.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	return cfg, lg, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			lg.Warn("failed to flush traces", zap.Error(err))
		}
		_ = lg.Sync()
	}
}

func runServe() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, lg, cleanup := setup(ctx, false)
	defer cleanup()

	a, err := newApp(ctx, lg, cfg)
	if err != nil {
		lg.Fatal("Failed to initialize bridge", zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			lg.Warn("failed to close bridge", zap.Error(err))
		}
	}()

	sessions, err := session.NewStore(ctx, lg, &cfg.Session)
	if err != nil {
		lg.Fatal("Failed to initialize session store", zap.Error(err))
	}

	srv := server.NewServer(lg, server.Options{
		Port:        cfg.Port,
		Registry:    a.registry,
		Sessions:    sessions,
		Metrics:     a.metrics,
		MetricsPath: cfg.Metrics.Path,
		Browser:     a.browsers,
		Queue:       cfg.Queue,
		Pool:        cfg.Pool,
	})

	unwatch := a.browsers.OnStateChange(func(sc pool.StateChange) {
		if sc.To != pool.StateConnected && sc.From != pool.StateConnected {
			return
		}
		n := srv.Notify(ctx, mcp.NotificationResourceListChanged, map[string]any{"browser": sc.To})
		lg.Debug("notified assistants of browser state", zap.String("state", string(sc.To)), zap.Int("assistants", n))
	})
	defer unwatch()

	if pidPath != "" {
		pid := helper.NewPIDFile(pidPath)
		if err := pid.Write(); err != nil {
			lg.Fatal("Failed to write pid file", zap.String("path", pidPath), zap.Error(err))
		}
		defer func() { _ = pid.Remove() }()
	}

	srv.Start(ctx)
	<-ctx.Done()
	lg.Info("Received shutdown signal")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		lg.Error("failed to shutdown server", zap.Error(err))
	}
}

func runStdio() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, lg, cleanup := setup(ctx, true)
	defer cleanup()

	a, err := newApp(ctx, lg, cfg)
	if err != nil {
		lg.Fatal("Failed to initialize bridge", zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			lg.Warn("failed to close bridge", zap.Error(err))
		}
	}()

	srv := server.NewMCPServer(ctx, lg, a.registry)
	if err := server.ServeStdio(ctx, lg, srv, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		lg.Error("stdio server stopped", zap.Error(err))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
