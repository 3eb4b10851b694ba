package commands

import (
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dreylabs/drey/internal/printer"
	"github.com/dreylabs/drey/pkg/entrystore"
)

var (
	version string
	commit  string
	date    string
)

// Global connection flags shared by the Redis-backed commands
var (
	flagInstance string
	flagRedisURL string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "drey",
	Short: "Drey - collaborative analysis entry toolkit",
	Long: `Drey coordinates concurrent edits to shared analysis entries: optimistic
version-checked writes with conflict detection, live collaboration rooms,
and a realtime event stream per analysis.

The drey CLI inspects entries directly in Redis, lists live collaboration
sessions via a running dreyd, and tails the realtime event stream.`,
	Version: version,
	// Prevent silent success when unknown flags are passed to root command
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no subcommand is specified, show help
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Silence Cobra's default error and usage printing
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagInstance, "instance", "n", "", "Instance name (default: DREY_INSTANCE_NAME or \"default\")")
	rootCmd.PersistentFlags().StringVar(&flagRedisURL, "redis", "", "Redis URL (default: DREY_REDIS_URL or redis://localhost:6379)")
}

// resolveInstance applies the flag/env/default chain for the instance name.
func resolveInstance() string {
	if flagInstance != "" {
		return flagInstance
	}
	if v := os.Getenv("DREY_INSTANCE_NAME"); v != "" {
		return v
	}
	return "default"
}

// resolveRedisURL applies the flag/env/default chain for the Redis URL.
func resolveRedisURL() string {
	if flagRedisURL != "" {
		return flagRedisURL
	}
	if v := os.Getenv("DREY_REDIS_URL"); v != "" {
		return v
	}
	return "redis://localhost:6379"
}

// openStore opens an entry store client against the resolved instance.
func openStore() (*entrystore.Client, error) {
	redisURL := resolveRedisURL()

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, printer.Error(
			"invalid Redis URL",
			fmt.Sprintf("Could not parse %q: %v", redisURL, err),
			[]string{"Use a URL like redis://localhost:6379"},
		)
	}

	store, err := entrystore.NewClient(redisOpts, resolveInstance())
	if err != nil {
		return nil, fmt.Errorf("failed to create entry store client: %w", err)
	}

	return store, nil
}
