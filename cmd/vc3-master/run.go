package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vc3-project/vc3-master/pkg/log"
	"github.com/vc3-project/vc3-master/pkg/master"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the master daemon",
	Long: `Run every configured taskset until interrupted.

When started as root, --runas switches to the given user once the log
destination is open.`,
	RunE: runMaster,
}

func init() {
	runCmd.Flags().String("runas", "", "User to run as when started as root")
	runCmd.Flags().Bool("once", false, "Run every taskset once and exit")

	rootCmd.AddCommand(runCmd)
}

func runMaster(cmd *cobra.Command, args []string) error {
	runas, _ := cmd.Flags().GetString("runas")
	once, _ := cmd.Flags().GetBool("once")
	logger := log.WithComponent("main")

	if err := dropPrivileges(runas); err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := master.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create master: %w", err)
	}

	if once {
		m.RunOnce(ctx)
		return m.Stop()
	}

	if err := m.Start(ctx); err != nil {
		m.Stop()
		return fmt.Errorf("failed to start master: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	// running tasks finish their pass before the store is closed
	if err := m.Stop(); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}
