package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sarchlab/opprof/datarecording"
	"github.com/sarchlab/opprof/hooking"
	"github.com/sarchlab/opprof/kineto"
	"github.com/sarchlab/opprof/profiler"
	"github.com/sarchlab/opprof/workload"
)

type runOptions struct {
	workload workload.RunConfig
	config   profiler.Config
	cuda     bool
	device   int64
	top      int
	jsonPath string
	dbPath   string
	pprof    string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Profile the synthetic workload.",
	Long: "`run` profiles a multi-threaded MLP workload and exports the " +
		"trace as trace events JSON, SQLite tables or a pprof profile.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts, err := parseRunOptions(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		return runProfile(ctx, opts, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	addWorkloadFlags(runCmd)

	runCmd.Flags().Bool("shapes", false, "Record the input shapes.")
	runCmd.Flags().Bool("stack", false, "Record the call stacks.")
	runCmd.Flags().Bool("cuda", false,
		"Launch simulated kernels and record device activities.")
	runCmd.Flags().Int64("device", 0, "Device index of simulated kernels.")
	runCmd.Flags().Int("top", 10,
		"Number of operations printed in the summary, 0 for none.")
	runCmd.Flags().String("json", "", "Write the trace events JSON here.")
	runCmd.Flags().String("db", "",
		"Record the session into this SQLite database, without extension.")
	runCmd.Flags().String("pprof", "", "Write the pprof profile here.")
}

func addWorkloadFlags(cmd *cobra.Command) {
	def := workload.DefaultRunConfig()

	cmd.Flags().Int("threads", def.Threads, "Number of worker threads.")
	cmd.Flags().Int("iterations", def.Iterations,
		"Iterations per worker thread.")
	cmd.Flags().Int64("batch", def.Batch, "Batch size.")
	cmd.Flags().String("dims", "16x32x8",
		"Layer widths of the MLP, separated by x.")
	cmd.Flags().Bool("backward", def.Backward, "Run backward operations.")
}

func parseWorkloadFlags(cmd *cobra.Command) (workload.RunConfig, error) {
	cfg := workload.RunConfig{}
	cfg.Threads, _ = cmd.Flags().GetInt("threads")
	cfg.Iterations, _ = cmd.Flags().GetInt("iterations")
	cfg.Batch, _ = cmd.Flags().GetInt64("batch")
	cfg.Backward, _ = cmd.Flags().GetBool("backward")

	dims, _ := cmd.Flags().GetString("dims")

	var err error

	cfg.Dims, err = workload.ParseShape(dims)
	if err != nil {
		return cfg, err
	}

	if len(cfg.Dims) < 2 {
		return cfg, fmt.Errorf("dims %q needs at least two widths", dims)
	}

	if cfg.Batch <= 0 {
		return cfg, fmt.Errorf("invalid batch size %d", cfg.Batch)
	}

	return cfg, nil
}

func parseRunOptions(cmd *cobra.Command) (runOptions, error) {
	opts := runOptions{config: profiler.NewKinetoConfig()}

	var err error

	opts.workload, err = parseWorkloadFlags(cmd)
	if err != nil {
		return opts, err
	}

	opts.config.ReportInputShapes, _ = cmd.Flags().GetBool("shapes")
	opts.config.WithStack, _ = cmd.Flags().GetBool("stack")
	opts.cuda, _ = cmd.Flags().GetBool("cuda")
	opts.device, _ = cmd.Flags().GetInt64("device")
	opts.top, _ = cmd.Flags().GetInt("top")
	opts.jsonPath, _ = cmd.Flags().GetString("json")
	opts.dbPath, _ = cmd.Flags().GetString("db")
	opts.pprof, _ = cmd.Flags().GetString("pprof")

	return opts, nil
}

func (o runOptions) activities() []profiler.ActivityType {
	activities := []profiler.ActivityType{profiler.ActivityCPU}
	if o.cuda {
		activities = append(activities, profiler.ActivityCUDA)
	}

	return activities
}

// runProfile profiles one run of the workload through the process-wide
// backend.
func runProfile(ctx context.Context, opts runOptions, out io.Writer) error {
	lp := kineto.NewLocalProfiler().WithLogger(logger)
	kineto.API().RegisterProfiler(lp)
	defer kineto.API().UnregisterProfiler()

	profiler.DefaultController().WithLogger(logger)

	engine := workload.NewEngine().WithLogger(logger)
	if opts.cuda {
		engine.WithLauncher(lp, opts.device)
	}

	thread := hooking.NewThread()

	err := profiler.Prepare(opts.config, opts.activities()...)
	if err != nil {
		return err
	}

	err = profiler.Enable(thread, opts.config, opts.activities()...)
	if err != nil {
		return err
	}

	runErr := workload.Run(ctx, thread, engine, opts.workload)

	result, err := profiler.Disable(thread)
	if err != nil {
		return err
	}

	if runErr != nil {
		return runErr
	}

	logger.Info().
		Int("events", len(result.Events())).
		Int("device_events", len(result.DeviceEvents())).
		Uint64("duration_us", result.EndUs()-result.StartUs()).
		Msg("profiling finished")

	err = exportResult(result, opts)
	if err != nil {
		return err
	}

	return printSummary(out, result, opts.top)
}

func exportResult(result *profiler.Result, opts runOptions) error {
	if opts.jsonPath != "" {
		err := result.Save(opts.jsonPath)
		if err != nil {
			return err
		}

		logger.Info().Str("path", opts.jsonPath).Msg("trace written")
	}

	if opts.pprof != "" {
		err := result.SaveProfile(opts.pprof)
		if err != nil {
			return err
		}

		logger.Info().Str("path", opts.pprof).Msg("profile written")
	}

	if opts.dbPath != "" {
		err := recordResult(result, opts)
		if err != nil {
			return err
		}

		logger.Info().Str("path", opts.dbPath+".sqlite3").Msg("tables written")
	}

	return nil
}

func recordResult(result *profiler.Result, opts runOptions) error {
	recorder := datarecording.NewDataRecorder(opts.dbPath)

	exec := datarecording.NewExecRecorder(recorder)
	exec.Start()
	exec.Tag("Threads", strconv.Itoa(opts.workload.Threads))
	exec.Tag("Iterations", strconv.Itoa(opts.workload.Iterations))
	exec.Tag("Activities", fmt.Sprint(opts.activities()))

	result.Record(recorder, "opprof")

	exec.End()

	return recorder.Close()
}

type opSummary struct {
	name    string
	calls   int
	totalUs uint64
}

func printSummary(out io.Writer, result *profiler.Result, top int) error {
	if top <= 0 {
		return nil
	}

	byName := make(map[string]*opSummary)
	for _, e := range result.Events() {
		s, ok := byName[e.Name]
		if !ok {
			s = &opSummary{name: e.Name}
			byName[e.Name] = s
		}

		s.calls++
		s.totalUs += e.DurationUs
	}

	summaries := make([]*opSummary, 0, len(byName))
	for _, s := range byName {
		summaries = append(summaries, s)
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].totalUs != summaries[j].totalUs {
			return summaries[i].totalUs > summaries[j].totalUs
		}

		return summaries[i].name < summaries[j].name
	})

	if len(summaries) > top {
		summaries = summaries[:top]
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCALLS\tTOTAL (us)")

	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", s.name, s.calls, s.totalUs)
	}

	return tw.Flush()
}
