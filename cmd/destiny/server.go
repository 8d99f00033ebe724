package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/destinylab/destiny/pkg/api"
	"github.com/destinylab/destiny/pkg/config"
	"github.com/destinylab/destiny/pkg/log"
	"github.com/destinylab/destiny/pkg/metrics"
	"github.com/destinylab/destiny/pkg/service"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a Destiny node",
	Long: `Run a full Destiny node: the store, the task workers, the search
index, robot orchestration and the HTTP API, all in one process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		listenAddr, _ := cmd.Flags().GetString("listen")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}

		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
		metrics.SetVersion(Version)

		svc, err := service.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to build service: %w", err)
		}
		if err := svc.Start(); err != nil {
			svc.Stop()
			return fmt.Errorf("failed to start service: %w", err)
		}

		server := api.NewServer(svc)
		errCh := make(chan error, 1)
		go func() {
			if err := server.Start(cfg.ListenAddr); err != nil {
				errCh <- fmt.Errorf("API server error: %w", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("Shutting down")
		case err := <-errCh:
			log.Errorf("API server failed: %v", err)
		}

		server.Stop()
		svc.Stop()
		return nil
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to the YAML config file")
	serverCmd.Flags().String("data-dir", "", "Override the configured data directory")
	serverCmd.Flags().String("listen", "", "Override the configured listen address")
}
