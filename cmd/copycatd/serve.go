package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ctrimble/copycat/examples/kvstore"
	"github.com/ctrimble/copycat/internal/raft"
	"github.com/ctrimble/copycat/internal/transport"
	"github.com/ctrimble/copycat/pkg/log"
)

var serveCmd = &cobra.Command{
	Use:   "serve --config FILE",
	Short: "Start this member and serve raft RPCs until terminated",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		fileCfg, err := loadServerConfig(configPath)
		if err != nil {
			return err
		}
		if metricsAddr == "" {
			metricsAddr = fileCfg.MetricsAddr
		}
		if metricsAddr == "" {
			metricsAddr = "127.0.0.1:9090"
		}

		raftCfg, err := fileCfg.toRaftConfig()
		if err != nil {
			return err
		}
		raftCfg.Transport = transport.NewHTTP(nil)
		raftCfg.StateMachine = kvstore.New()

		server, err := raft.New(raftCfg)
		if err != nil {
			return fmt.Errorf("create server: %w", err)
		}

		serveMetrics(metricsAddr)
		log.Logger.Info().
			Str("self", fileCfg.Self).
			Strs("members", fileCfg.Members).
			Str("metrics_addr", metricsAddr).
			Msg("starting copycatd")

		go func() {
			waitForSignal()
			log.Logger.Info().Msg("shutting down")
			server.Stop()
		}()

		if err := server.Start(context.Background()); err != nil {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to server config YAML (required)")
	serveCmd.Flags().String("metrics-addr", "", "Override the config file's metrics_addr")
	serveCmd.MarkFlagRequired("config")
}
