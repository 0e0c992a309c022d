package commands

import (
	"github.com/spf13/cobra"
)

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "vexsim",
	Short: "Exercise the vex submission core against a software GPU",
	Long: `vexsim runs a synthetic rendering workload through a vex device backed by a
software GPU, then prints the device statistics as JSON.

Settings come from vexsim.yaml in the working directory (or --config), VEXSIM_*
environment variables, and command line flags.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./vexsim.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "one of debug, info, warn, or error")

	rootCmd.AddCommand(newRunCommand())
}
