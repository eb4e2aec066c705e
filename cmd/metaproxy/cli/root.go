// Package cli implements the metaproxy command-line interface using Cobra.
// It provides the proxy server, a standalone mock metadata service and
// tools for inspecting the request audit log.
package cli

import (
	"github.com/majorcontext/metaproxy/internal/config"
	"github.com/majorcontext/metaproxy/internal/log"
	"github.com/spf13/cobra"
)

var (
	verbose    bool
	jsonOut    bool
	configPath string

	// cfg is loaded once per invocation before any subcommand runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "metaproxy",
	Short: "metaproxy - container-aware EC2 instance metadata proxy",
	Long: `metaproxy sits between containers and the EC2 instance metadata service.
Requests for IAM credentials are answered with credentials for the role
assigned to the calling container; everything else is relayed unchanged to
the real metadata service.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		required := path != ""
		if path == "" {
			path = config.DefaultPath
		}
		loaded, err := config.Load(path, required)
		if err != nil {
			return err
		}
		cfg = loaded
		if verbose {
			cfg.Log.Verbose = true
		}

		if err := log.Init(log.Options{
			Verbose:       cfg.Log.Verbose,
			Format:        log.Format(cfg.Log.Format),
			Dir:           cfg.Log.Dir,
			RetentionDays: cfg.Log.RetentionDays,
		}); err != nil {
			// Log init failure is non-fatal - fallback to default logger
			cmd.PrintErrf("Warning: failed to initialize file logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Close()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default "+config.DefaultPath+" if present)")
}
