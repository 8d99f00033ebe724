package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/destinylab/destiny/pkg/config"
	"github.com/destinylab/destiny/pkg/log"
	"github.com/destinylab/destiny/pkg/service"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run task workers without the HTTP API",
	Long: `Run the background side of a node only: task workers, the search
index, the automation dispatcher and the batch expiry sweep. Useful for
draining a queue against an existing data directory while no API is
serving.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}

		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

		svc, err := service.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to build service: %w", err)
		}
		if err := svc.Start(); err != nil {
			svc.Stop()
			return fmt.Errorf("failed to start service: %w", err)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Info("Shutting down")
		svc.Stop()
		return nil
	},
}

func init() {
	workerCmd.Flags().String("config", "", "Path to the YAML config file")
	workerCmd.Flags().String("data-dir", "", "Override the configured data directory")
}
