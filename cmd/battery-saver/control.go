package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cptspacemanspiff/gnome-battery-saver/internal/config"
	dbussvc "github.com/cptspacemanspiff/gnome-battery-saver/internal/dbus"
	"github.com/cptspacemanspiff/gnome-battery-saver/internal/saver"
	"github.com/cptspacemanspiff/gnome-battery-saver/internal/storage"
)

const callTimeout = 45 * time.Second

var (
	flagSince   time.Duration
	flagBattery bool
)

func init() {
	historyCmd.Flags().DurationVar(&flagSince, "since", 24*time.Hour, "how far back to look")
	historyCmd.Flags().BoolVar(&flagBattery, "battery", false, "list battery readings instead of transitions")
	rootCmd.AddCommand(statusCmd, enterCmd, exitCmd, historyCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's mode and stopped processes",
	Long: `Shows the running daemon's status. When the daemon is not running, the
last battery reading recorded in the history database is shown instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		err := withClient(cmd, func(ctx context.Context, c *dbussvc.Client) error {
			report, err := c.Status(ctx)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), report)
			return nil
		})
		if !errors.Is(err, dbussvc.ErrNotRunning) {
			return err
		}
		cfg := config.LoadOrDefault(flagConfig, newLogger(os.Stderr, flagVerbose, flagLog).With("topic", "config"))
		if ok, dbErr := printLastRecorded(cmd.OutOrStdout(), cfg.Storage.DBPath); dbErr != nil || !ok {
			return errors.Join(err, dbErr)
		}
		return nil
	},
}

var enterCmd = &cobra.Command{
	Use:   "enter",
	Short: "Enter saving mode now",
	Long: `Enters saving mode regardless of the battery level. The daemon stays in
saving mode until the laptop is charging or "battery-saver exit" is run.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *dbussvc.Client) error {
			err := c.EnterSavingMode(ctx)
			if errors.Is(err, saver.ErrAlreadySaving) {
				fmt.Fprintln(cmd.OutOrStdout(), "already in saving mode")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "saving mode on")
			return nil
		})
	},
}

var exitCmd = &cobra.Command{
	Use:   "exit",
	Short: "Leave saving mode and resume stopped processes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *dbussvc.Client) error {
			err := c.ExitSavingMode(ctx)
			if errors.Is(err, saver.ErrNotSaving) {
				fmt.Fprintln(cmd.OutOrStdout(), "not in saving mode")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "saving mode off")
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent saving mode transitions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *dbussvc.Client) error {
			to := time.Now()
			if flagBattery {
				h, err := c.History(ctx, to.Add(-flagSince), to)
				if err != nil {
					return err
				}
				printReadings(cmd.OutOrStdout(), h.Battery)
				return nil
			}
			events, err := c.SavingEvents(ctx, to.Add(-flagSince), to)
			if err != nil {
				return err
			}
			printEvents(cmd.OutOrStdout(), events)
			return nil
		})
	},
}

func withClient(cmd *cobra.Command, fn func(context.Context, *dbussvc.Client) error) error {
	c, err := dbussvc.NewClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()
	return fn(ctx, c)
}

func printStatus(w io.Writer, r *dbussvc.StatusReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	mode := r.Mode
	if r.Manual {
		mode += " (requested)"
	}
	if r.DryRun {
		mode += " [dry run]"
	}
	fmt.Fprintf(tw, "Mode:\t%s since %s\n", mode, time.Unix(r.Since, 0).Format(time.DateTime))

	level := "unknown"
	if r.Last.LevelKnown {
		level = fmt.Sprintf("%d%%", r.Last.Level)
	}
	fmt.Fprintf(tw, "Battery:\t%s, %s\n", level, r.Last.Status)
	if r.Last.PowerUW > 0 {
		fmt.Fprintf(tw, "Power:\t%.1f W\n", float64(r.Last.PowerUW)/1e6)
	}
	fmt.Fprintf(tw, "Thresholds:\tlow %d%%, critical %d%%, high %d%%\n",
		r.Thresholds.Low, r.Thresholds.Critical, r.Thresholds.High)
	if r.Battery != nil {
		fmt.Fprintf(tw, "Pack:\t%s %s, %d cycles", r.Battery.Manufacturer, r.Battery.Model, r.Battery.CycleCount)
		if r.HealthPct > 0 {
			fmt.Fprintf(tw, ", %d%% health", r.HealthPct)
		}
		fmt.Fprintln(tw)
	}

	fmt.Fprintf(tw, "Stopped:\t%d\n", len(r.Suspended))
	for _, e := range r.Suspended {
		fmt.Fprintf(tw, "\t%d\t%s\t%s\n", e.PID, e.Name, e.Kind)
	}
}

func printEvents(w io.Writer, events []storage.SavingEvent) {
	if len(events) == 0 {
		fmt.Fprintln(w, "no transitions")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "TIME\tCHANGE\tREASON\tLEVEL\tHIGH CPU\tDAEMONS\tFAILED")
	for _, e := range events {
		level := "-"
		if e.LevelKnown {
			level = fmt.Sprintf("%d%%", e.LevelPct)
		}
		change := e.From + " -> " + e.To
		if e.DryRun {
			change += " (dry run)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			time.Unix(e.Timestamp, 0).Format(time.DateTime), change, e.Reason, level, e.HighCPU, e.Daemons, e.Failed)
	}
}

// printLastRecorded prints the newest stored battery reading. It reports
// false when history is disabled, the database does not exist, or it holds
// no readings.
func printLastRecorded(w io.Writer, dbPath string) (bool, error) {
	if dbPath == "" {
		return false, nil
	}
	if _, err := os.Stat(dbPath); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	db, err := storage.Open(dbPath)
	if err != nil {
		return false, fmt.Errorf("open history: %w", err)
	}
	defer db.Close()

	row, err := db.LatestBatteryRow()
	if err != nil {
		return false, fmt.Errorf("read history: %w", err)
	}
	if row == nil {
		return false, nil
	}
	fmt.Fprintln(w, "daemon not running, last recorded reading:")
	printReadings(w, []storage.BatteryRow{*row})
	return true, nil
}

func printReadings(w io.Writer, rows []storage.BatteryRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "no readings")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "TIME\tLEVEL\tSTATUS\tPOWER\tMODE")
	for _, r := range rows {
		level := "-"
		if r.HasCapacity {
			level = fmt.Sprintf("%d%%", r.CapacityPct)
		}
		power := "-"
		if r.PowerUW > 0 {
			power = fmt.Sprintf("%.1f W", float64(r.PowerUW)/1e6)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			time.Unix(r.Timestamp, 0).Format(time.DateTime), level, r.Status, power, r.Mode)
	}
}
