// Command ossim boots the simulator core against a JSON configuration file
// and, optionally, a set of program files to admit immediately.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ossim-core/ossim/internal/config"
	"github.com/ossim-core/ossim/internal/supervisor"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "ossim",
	Short:   "A teaching operating-system simulator core",
	Version: version,
}

var runCmd = &cobra.Command{
	Use:   "run <config.json> [program...]",
	Short: "Start the Mailbox, MMU, Scheduler, and CPU against a configuration file",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return run(args[0], args[1:])
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, programs []string) error {
	cfg, err := config.Load[config.SimConfig](configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	sup, err := supervisor.New(cfg)
	if err != nil {
		return fmt.Errorf("building simulator core: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup.Start(ctx)

	for _, path := range programs {
		pid, err := sup.Admit(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "admitting %s: %v\n", path, err)
			continue
		}
		fmt.Printf("admitted %s as pid %d\n", path, pid)
	}

	select {
	case <-ctx.Done():
	case fatal := <-sup.Fatal():
		fmt.Fprintf(os.Stderr, "fatal: %v\n", fatal)
	}

	sup.Stop()
	return nil
}
