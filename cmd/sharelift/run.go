package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sharelift/pkg/config"
	"sharelift/pkg/node"
	"sharelift/pkg/partition"
)

func runCmd() *cobra.Command {
	var (
		username string
		password string
		join     []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the cluster and migrate the configured share",
		Long: `Start a node: join the other nodes, walk the source share and migrate the
paths this node owns. Interrupting the run lets in-flight writes finish; a
restarted node resumes from its checkpoint.`,
		Example: `  sharelift run -c /etc/sharelift.json -u migrator -p secret
  sharelift run -u migrator -p secret -j node1:7100,node2:7100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.ApplyJoin(join); err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger := setupLogger(verbose, cfg.LogLevel)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("Starting node",
				zap.String("address", cfg.ListenAddress),
				zap.Strings("nodes", cfg.Nodes),
				zap.String("source", cfg.Source.String()),
				zap.String("destination", cfg.Destination.String()),
				zap.Int("num_threads", cfg.NumThreads))

			n := node.New(cfg, node.Credentials{Username: username, Password: password}, logger)
			stats, err := n.Run(ctx)
			if len(stats) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), renderSummary(string(n.Self()), stats))
			}
			switch {
			case errors.Is(err, partition.ErrNoAvailableNodes):
				return fmt.Errorf("could not join the cluster: %w", err)
			case errors.Is(err, context.Canceled):
				logger.Info("Run interrupted, the next run resumes from the checkpoint")
				return nil
			case err != nil:
				return err
			}
			if failed := totalFailed(stats); failed > 0 {
				return fmt.Errorf("%d entries failed in the last pass", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "share username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "share password")
	cmd.Flags().StringSliceVarP(&join, "join", "j", nil, "this node and a peer to join, e.g. node1:7100,node2:7100")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")

	return cmd
}
