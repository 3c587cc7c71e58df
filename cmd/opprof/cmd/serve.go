package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/sarchlab/opprof/kineto"
	"github.com/sarchlab/opprof/monitoring"
	"github.com/sarchlab/opprof/profiler"
	"github.com/sarchlab/opprof/workload"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the profiling monitor.",
	Long: "`serve` starts a web server that starts and stops profiling " +
		"sessions. With --workload, the synthetic workload keeps running " +
		"so that sessions have operations to record.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		port, _ := cmd.Flags().GetInt("port")
		open, _ := cmd.Flags().GetBool("open")
		outputDir, _ := cmd.Flags().GetString("output-dir")
		runWorkload, _ := cmd.Flags().GetBool("workload")

		cfg, err := parseWorkloadFlags(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		lp := kineto.NewLocalProfiler().WithLogger(logger)
		kineto.API().RegisterProfiler(lp)
		defer kineto.API().UnregisterProfiler()

		controller := profiler.NewController(kineto.API()).WithLogger(logger)
		m := monitoring.NewMonitor(controller).
			WithLogger(logger).
			WithPortNumber(port).
			WithOutputDir(outputDir)

		actualPort := m.StartServer()
		url := fmt.Sprintf("http://localhost:%d", actualPort)

		if open {
			if err := browser.OpenURL(url); err != nil {
				logger.Warn().Err(err).Msg("cannot open browser")
			}
		}

		if runWorkload {
			engine := workload.NewEngine().
				WithLogger(logger).
				WithLauncher(lp, 0)

			return keepRunning(ctx, m, engine, cfg)
		}

		<-ctx.Done()

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addWorkloadFlags(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port of the monitor, 0 for a random one.")
	serveCmd.Flags().Bool("open", false, "Open the monitor in a browser.")
	serveCmd.Flags().String("output-dir", "",
		"Directory where the traces of stopped sessions are saved.")
	serveCmd.Flags().Bool("workload", false,
		"Keep running the synthetic workload.")
}

// keepRunning runs the workload in rounds until ctx is done. Each round
// runs on workers that inherit the current session of the monitor.
func keepRunning(
	ctx context.Context,
	m *monitoring.Monitor,
	engine *workload.Engine,
	cfg workload.RunConfig,
) error {
	bar := m.CreateProgressBar("workload rounds", 0)
	defer m.CompleteProgressBar(bar)

	for {
		bar.IncrementInProgress(1)

		err := workload.Run(ctx, m.SpawnWorker(), engine, cfg)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		if err != nil {
			return err
		}

		bar.MoveInProgressToFinished(1)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(10 * time.Millisecond):
		}
	}
}
