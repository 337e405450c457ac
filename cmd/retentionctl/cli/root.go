// Package cli implements retentionctl, the operator tool for the inactive
// account deactivation job.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/retention/internal/app"
	jobmetrics "github.com/odyssey-erp/retention/internal/jobs"
	"github.com/odyssey-erp/retention/internal/users"
	"github.com/odyssey-erp/retention/jobs"
)

type contextKey struct{}

type cliEnv struct {
	cfg    *app.Config
	logger *slog.Logger
}

func fromCommand(cmd *cobra.Command) *cliEnv {
	rt, _ := cmd.Context().Value(contextKey{}).(*cliEnv)
	return rt
}

// NewRootCommand builds the retentionctl command tree. Configuration comes
// from the same environment variables as the worker.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "retentionctl",
		Short:         "Operate the inactive account deactivation job",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			logger := app.NewLogger(cfg)
			if verbose, _ := cmd.Flags().GetBool("verbose"); !verbose {
				logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			}
			cmd.SetContext(context.WithValue(cmd.Context(), contextKey{}, &cliEnv{cfg: cfg, logger: logger}))
			return nil
		},
	}
	root.PersistentFlags().BoolP("verbose", "v", false, "Log with the configured LOG_FORMAT and LOG_LEVEL")

	root.AddCommand(triggerCmd(), inspectCmd(), scheduledCmd(), previewCmd(), runOnceCmd())
	return root
}

// Execute runs the command tree against os.Args.
func Execute(ctx context.Context) int {
	root := NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, jobs.ErrSkipped) {
			return 2
		}
		return 1
	}
	return 0
}

func triggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Enqueue a deactivation run on the maintenance queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := fromCommand(cmd)
			requestedBy, _ := cmd.Flags().GetString("requested-by")
			client, err := NewJobsCLI(rt.cfg.RedisAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			info, err := client.Trigger(cmd.Context(), requestedBy, rt.cfg.JobLockTTL)
			if errors.Is(err, asynq.ErrDuplicateTask) {
				fmt.Fprintln(cmd.OutOrStdout(), "a deactivation run is already queued")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
			return nil
		},
	}
	cmd.Flags().String("requested-by", currentUser(), "Who asked for the run, recorded in the worker logs")
	return cmd
}

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print maintenance queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := fromCommand(cmd)
			client, err := NewJobsCLI(rt.cfg.RedisAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			stats, err := client.InspectQueue(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return writeJSON(cmd.OutOrStdout(), stats)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED\tPROCESSED\tFAILED")
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n", stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived, stats.Processed, stats.Failed)
			return w.Flush()
		},
	}
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

func scheduledCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduled",
		Short: "List cron entries registered for the deactivation job",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := fromCommand(cmd)
			size, _ := cmd.Flags().GetInt("size")
			client, err := NewJobsCLI(rt.cfg.RedisAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			entries, err := client.ListScheduled(cmd.Context(), size)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no cron entries registered, is a worker running?")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSPEC\tNEXT\tPREV")
			for _, e := range entries {
				prev := "-"
				if !e.Prev.IsZero() {
					prev = e.Prev.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, e.Spec, e.Next.UTC().Format(time.RFC3339), prev)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("size", 10, "Maximum entries to list")
	return cmd
}

type previewOutput struct {
	Cutoff     string        `json:"cutoff"`
	Retention  string        `json:"retention"`
	Candidates []previewUser `json:"candidates"`
}

type previewUser struct {
	ID          int64      `json:"id"`
	Email       string     `json:"email"`
	LastLoginAt *time.Time `json:"last_login_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

func previewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "List the accounts the next run would deactivate, without changing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := fromCommand(cmd)
			job, closeFn, err := buildJob(cmd.Context(), rt)
			if err != nil {
				return err
			}
			defer closeFn()

			cutoff, candidates, err := job.Preview(cmd.Context())
			if err != nil {
				return err
			}
			out := previewOutput{
				Cutoff:     cutoff.Format(time.DateOnly),
				Retention:  rt.cfg.RetentionWindow.String(),
				Candidates: toPreview(candidates),
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cutoff %s (retention %s): %d account(s)\n", out.Cutoff, out.Retention, len(out.Candidates))
			if len(out.Candidates) == 0 {
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEMAIL\tLAST LOGIN\tCREATED")
			for _, u := range out.Candidates {
				last := "never"
				if u.LastLoginAt != nil {
					last = u.LastLoginAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", u.ID, u.Email, last, u.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

type runOutput struct {
	Cutoff      string  `json:"cutoff"`
	Candidates  int     `json:"candidates"`
	Deactivated []int64 `json:"deactivated"`
	DurationMS  int64   `json:"duration_ms"`
}

func runOnceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Run the deactivation job in this process under the configured lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := fromCommand(cmd)
			job, closeFn, err := buildJob(cmd.Context(), rt)
			if err != nil {
				return err
			}
			defer closeFn()

			requestedBy, _ := cmd.Flags().GetString("requested-by")
			result, err := job.Run(jobs.WithRequester(cmd.Context(), requestedBy))
			if err != nil {
				return err
			}
			out := runOutput{
				Cutoff:      result.Cutoff.Format(time.DateOnly),
				Candidates:  result.Candidates,
				Deactivated: result.Deactivated,
				DurationMS:  result.Duration.Milliseconds(),
			}
			if out.Deactivated == nil {
				out.Deactivated = []int64{}
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cutoff %s: deactivated %d account(s)\n", out.Cutoff, len(out.Deactivated))
			return nil
		},
	}
	cmd.Flags().String("requested-by", currentUser(), "Who asked for the run, recorded in the logs")
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

func buildJob(ctx context.Context, rt *cliEnv) (*jobs.DeactivateInactiveUsersJob, func(), error) {
	res, err := app.OpenResources(ctx, rt.cfg, rt.logger)
	if err != nil {
		return nil, nil, err
	}
	// A private registry keeps one-shot runs from touching the default one.
	job := app.NewDeactivateJob(rt.cfg, res, rt.logger, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	return job, res.Close, nil
}

func toPreview(list []users.User) []previewUser {
	out := make([]previewUser, 0, len(list))
	for _, u := range list {
		out = append(out, previewUser{ID: u.ID, Email: u.Email, LastLoginAt: u.LastLoginAt, CreatedAt: u.CreatedAt})
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func currentUser() string {
	if name := os.Getenv("USER"); name != "" {
		return "cli:" + name
	}
	return "cli"
}
