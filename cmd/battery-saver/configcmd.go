package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/cptspacemanspiff/gnome-battery-saver/internal/classifier"
	"github.com/cptspacemanspiff/gnome-battery-saver/internal/config"
)

var flagForce bool

func init() {
	configInitCmd.Flags().BoolVar(&flagForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configCheckCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create or check the config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if path == "" {
			return errors.New("cannot determine config path, use --config")
		}
		if _, err := os.Stat(path); err == nil && !flagForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if err := config.Save(path, config.DefaultConfig()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file and print the effective settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := flagConfig
		if path == "" {
			path = config.DefaultPath()
			if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
				if legacy := config.LegacyPath(); legacy != "" {
					path = legacy
				}
			}
		}
		cfg, err := config.LoadFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: ok\n", path)
		for _, w := range cfg.Warnings() {
			fmt.Fprintf(out, "warning: %s\n", w)
		}
		fmt.Fprintf(out, "thresholds: low %d%%, critical %d%%, high %d%%\n",
			cfg.ThresholdLow, cfg.ThresholdCritical, cfg.ThresholdHigh)
		fmt.Fprintf(out, "cpu threshold: %.1f%%\n", cfg.Saving.CPUThresholdPct)
		fmt.Fprintf(out, "protected from high-cpu pass: %d names\n", classifier.Merge(cfg.IgnoreForKill).Len())
		fmt.Fprintf(out, "protected from daemon pass: %d names\n", classifier.Merge(cfg.IgnoreForSleep).Len())
		if cfg.Storage.DBPath == "" {
			fmt.Fprintln(out, "history: disabled")
		} else {
			fmt.Fprintf(out, "history: %s (%d days)\n", cfg.Storage.DBPath, cfg.Cleanup.RetentionDays)
		}
		return nil
	},
}

func configPath() string {
	if flagConfig != "" {
		return flagConfig
	}
	return config.DefaultPath()
}
