// bakeryd is the bakery daemon, the local control plane for pies and
// slices. It serves the HTTP control API on a loopback port and routes
// slice traffic through a Host-based reverse proxy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vebrasmusic/bakery/internal/api"
	"github.com/vebrasmusic/bakery/internal/config"
	"github.com/vebrasmusic/bakery/internal/orchestrator"
	"github.com/vebrasmusic/bakery/internal/ports"
	"github.com/vebrasmusic/bakery/internal/proxy"
	"github.com/vebrasmusic/bakery/internal/store"
	"github.com/vebrasmusic/bakery/internal/version"
)

func main() {
	root := &cobra.Command{
		Use:          "bakeryd",
		Short:        "Local daemon for pies and slices",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the daemon (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Version())
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	logger.Info("bakeryd starting",
		zap.String("version", version.Version()),
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("db", cfg.DBPath))

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	alloc := ports.New(cfg.PortRangeStart, cfg.PortRangeEnd)
	p := proxy.New(st, logger)
	orch := orchestrator.New(st, alloc, cfg.HostSuffix, p.Port, logger)
	server := api.NewServer(cfg, st, orch, p, logger)

	if err := server.Start(); err != nil {
		return err
	}

	pidPath := filepath.Join(cfg.DataDir, "bakeryd.pid")
	os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0600)
	defer os.Remove(pidPath)

	logger.Info("bakeryd ready",
		zap.Int("pid", os.Getpid()),
		zap.Int("routerPort", p.Port()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
		return err
	}

	logger.Info("bakeryd stopped")
	return nil
}
