package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	flagConfig  string
	flagVerbose bool
	flagLog     string
)

var rootCmd = &cobra.Command{
	Use:   "battery-saver",
	Short: "Pause background processes while the battery is low",
	Long: `battery-saver polls the battery and, once the charge drops below the
low threshold, stops CPU-heavy and background processes owned by the current
user with SIGSTOP. Everything it stopped is resumed with SIGCONT as soon as
the laptop is charging or the level recovers.

Run "battery-saver run" as a user service; the other commands talk to the
running daemon over the session bus.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default $XDG_CONFIG_HOME/battery-saver/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "enable all verbose logging (equivalent to --log=all)")
	rootCmd.PersistentFlags().StringVar(&flagLog, "log", "", "comma-separated log topics: "+strings.Join(logTopics, ",")+" (or 'all')")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
