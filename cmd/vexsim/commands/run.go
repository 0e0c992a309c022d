package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/arsenal/vex"
	"github.com/vkngwrapper/arsenal/vex/internal/config"
	"github.com/vkngwrapper/arsenal/vex/internal/sim"
	"github.com/vkngwrapper/arsenal/vex/native/soft"
	"golang.org/x/exp/slog"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the workload and print device statistics",
		RunE:  run,
	}

	cmd.Flags().Int("budget", 0, "residency budget in bytes")
	cmd.Flags().Int("frames", 0, "number of frames to submit")
	cmd.Flags().Int("in-flight", 0, "maximum number of frames the GPU may be behind")
	cmd.Flags().Int64("seed", 0, "seed for resource selection")
	cmd.Flags().Bool("detailed-stats", false, "list every live resource and descriptor bucket")

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	cfg, err := config.Load(cfgFile, flags)
	if err != nil {
		return err
	}

	logger := cfg.Logger()

	backend := soft.New(logger, soft.Options{MemoryBudget: cfg.Device.ResidencyBudget})
	defer backend.Close()

	device, err := vex.New(logger, backend, cfg.CreateOptions())
	if err != nil {
		return errors.Wrap(err, "creating device")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, runErr := sim.Run(ctx, logger, device, cfg.Workload)
	logger.Info("vexsim::run",
		slog.Int("Frames", report.Frames),
		slog.Int("Draws", report.Draws),
		slog.Int("OutOfMemoryRetries", report.OutOfMemoryRetries),
		slog.Int("RecordRetries", report.RecordRetries),
		slog.Int("SamplerCopies", report.SamplerCopies),
		slog.Int("Recreated", report.Recreated),
		slog.Uint64("LastSerial", uint64(report.LastSerial)),
	)

	fmt.Fprintln(cmd.OutOrStdout(), device.BuildStatsString(cfg.Logging.Detailed))

	if err := device.Destroy(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
