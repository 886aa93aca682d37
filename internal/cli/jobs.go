package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/hordetrack/internal/jobs"
)

func newPurgeCmd(st *state) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete jobs older than the retention window",
		Long: `Delete jobs, and the generations saved for them, created before now minus --older-than.

Examples:
  hordectl purge
  hordectl purge --older-than 72h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			window := olderThan
			if window <= 0 {
				window = st.cfg.Retention.Window
			}
			b, err := st.connect(cmd.Context())
			if err != nil {
				return err
			}
			n, err := jobs.NewRetention(b.Store, window, 0, st.logger).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d job(s) older than %s\n", n, window)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff (default RETENTION_WINDOW)")
	return cmd
}

func newPollCmd(st *state) *cobra.Command {
	var (
		userID      string
		interval    time.Duration
		maxAttempts int
	)

	cmd := &cobra.Command{
		Use:   "poll <jobId>",
		Short: "Poll a job until it finishes",
		Long: `Poll a job on a fixed cadence until it reaches a terminal state, printing each poll.
Rate-limited polls back off until the limiter cooldown ends.

Examples:
  hordectl poll 3f1c0c2e-5b1a-4f0e-9d55-7d7c0b8e4a10
  hordectl poll 3f1c0c2e-5b1a-4f0e-9d55-7d7c0b8e4a10 --interval 5s --max-attempts 20`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := st.connect(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			res, err := b.Manager.Await(cmd.Context(), args[0], userID, jobs.AwaitOptions{
				Interval:    interval,
				MaxAttempts: maxAttempts,
				OnPoll: func(r *jobs.CheckResult) {
					switch {
					case r.RateLimited:
						fmt.Fprintf(out, "%s  rate limited, retry in %ds\n", r.Status, r.RetryAfterSeconds)
					case r.Transient:
						fmt.Fprintf(out, "%s  %s\n", r.Status, r.Message)
					default:
						fmt.Fprintf(out, "%s  queue=%d wait=%ds\n", r.Status, r.QueuePosition, r.WaitTime)
					}
				},
			})
			if err != nil {
				if errors.Is(err, jobs.ErrAwaitExhausted) {
					return fmt.Errorf("job %s still %s after %d attempts", args[0], lastStatus(res), maxAttempts)
				}
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owner of the job")
	cmd.Flags().DurationVar(&interval, "interval", jobs.DefaultAwaitInterval, "time between polls")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", jobs.DefaultAwaitMaxAttempts, "give up after this many polls")
	return cmd
}

func newStatusCmd(st *state) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "status <jobId>",
		Short: "Show the stored status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := st.connect(cmd.Context())
			if err != nil {
				return err
			}
			view, err := b.Manager.Status(cmd.Context(), args[0], userID)
			if err != nil {
				if errors.Is(err, jobs.ErrJobNotFound) {
					return fmt.Errorf("job not found: %s", args[0])
				}
				return err
			}
			return printJSON(cmd, view)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owner of the job")
	return cmd
}

func lastStatus(res *jobs.CheckResult) string {
	if res == nil {
		return "unknown"
	}
	return string(res.Status)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
