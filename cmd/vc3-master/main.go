package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/vc3-project/vc3-master/pkg/config"
	"github.com/vc3-project/vc3-master/pkg/log"
	"github.com/vc3-project/vc3-master/pkg/master"
	"github.com/vc3-project/vc3-master/pkg/metrics"
	"github.com/vc3-project/vc3-master/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// DefaultConfigPath is read when --conf is not given
const DefaultConfigPath = "/etc/vc3/vc3-master.yaml"

var logOutput io.WriteCloser

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vc3-master",
	Short: "VC3 master - virtual cluster control plane",
	Long: `vc3-master reconciles user declarations of virtual clusters into
running head nodes and worker configurations for the batch layer.

Run the daemon with "vc3-master run"; the other commands administer the
entity store the daemon reads.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logOutput != nil {
			logOutput.Close()
		}
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"vc3-master version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.String("conf", DefaultConfigPath, "Configuration file")
	flags.String("log", "stdout", "Log destination: stdout, stderr or a file path")
	flags.Bool("debug", false, "Log at debug level")
	flags.Bool("info", false, "Log at info level (default)")
	flags.Bool("quiet", false, "Only log warnings and errors")
	flags.Bool("json", false, "Log as JSON")

	rootCmd.AddCommand(versionCmd)
}

func setupLogging(cmd *cobra.Command, args []string) error {
	dest, _ := cmd.Flags().GetString("log")
	debug, _ := cmd.Flags().GetBool("debug")
	info, _ := cmd.Flags().GetBool("info")
	quiet, _ := cmd.Flags().GetBool("quiet")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	out, err := log.OpenOutput(dest)
	if err != nil {
		return err
	}
	logOutput = out

	log.Init(log.Config{
		Level:      log.LevelFromFlags(debug, info, quiet),
		JSONOutput: jsonOutput,
		Output:     out,
	})
	return nil
}

// loadConfig reads the --conf file
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(cmd.Flag("conf").Value.String())
}

// openStore opens the store named by the --conf file
func openStore(cmd *cobra.Command) (storage.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return master.OpenStore(cfg.Store)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "vc3-master %s (commit %s, built %s)\n", Version, Commit, BuildTime)
	},
}

func init() {
	metrics.SetVersion(Version)
}
