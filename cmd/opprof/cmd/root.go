// Package cmd provides the command-line interface of opprof.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/opprof/logging"
)

// envPrefix prefixes the environment variables that provide flag defaults.
// The flag --log-level is read from OPPROF_LOG_LEVEL.
const envPrefix = "OPPROF_"

var logger = zerolog.Nop()

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "opprof",
	Short: "opprof records the operators run by an engine.",
	Long: `opprof records the operators run by an engine, correlates them ` +
		`with device activities and exports the trace. Flags can also be ` +
		`set with OPPROF_* environment variables or a .env file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")

		err := loadEnvFile(envFile)
		if err != nil {
			return err
		}

		err = applyEnvDefaults(cmd.Flags())
		if err != nil {
			return err
		}

		level, _ := cmd.Flags().GetString("log-level")
		pretty, _ := cmd.Flags().GetBool("log-pretty")

		cfg := logging.DefaultConfig()
		cfg.Level = level
		cfg.Pretty = pretty
		logger = logging.New(cfg)

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("env-file", ".env",
		"File to load environment variables from, if it exists.")
	rootCmd.PersistentFlags().String("log-level", "info",
		"Log level: trace, debug, info, warn or error.")
	rootCmd.PersistentFlags().Bool("log-pretty", true,
		"Write human-readable logs instead of JSON.")
}

// loadEnvFile loads the variables of path into the environment. Variables
// that are already set win. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}

	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}

	return nil
}

func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvDefaults sets every flag that was not given on the command line
// from its environment variable, if the variable is set.
func applyEnvDefaults(flags *pflag.FlagSet) error {
	var err error

	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Changed {
			return
		}

		value, ok := os.LookupEnv(envName(f.Name))
		if !ok {
			return
		}

		if setErr := flags.Set(f.Name, value); setErr != nil {
			err = fmt.Errorf("%s: %w", envName(f.Name), setErr)
		}
	})

	return err
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
