package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/leaddesk/internal/config"
	"github.com/zulandar/leaddesk/internal/followup"
)

func newFollowUpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "followup",
		Short: "Batch follow-up commands",
	}

	cmd.AddCommand(newFollowUpRunCmd())
	cmd.AddCommand(newFollowUpCandidatesCmd())
	cmd.AddCommand(newFollowUpNextCmd())
	return cmd
}

func newFollowUpRunCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the follow-up batch once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmdContext(cmd)
			a, err := loadApp(ctx, configPath, appOverrides{})
			if err != nil {
				return err
			}
			defer a.Close()
			return doFollowUpRun(ctx, cmd.OutOrStdout(), a, asJSON)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return cmd
}

func doFollowUpRun(ctx context.Context, out io.Writer, a *app, asJSON bool) error {
	sum, err := a.runner.Run(ctx)
	if asJSON {
		if perr := printJSON(out, sum); perr != nil {
			return perr
		}
	} else {
		fmt.Fprintf(out, "Candidates: %d\n", sum.Candidates)
		fmt.Fprintf(out, "  Sent:     %d\n", sum.Sent)
		fmt.Fprintf(out, "  No send:  %d\n", sum.NoSend)
		fmt.Fprintf(out, "  Skipped:  %d\n", sum.Skipped)
		fmt.Fprintf(out, "  Failed:   %d\n", sum.Failed)
	}
	return err
}

func newFollowUpCandidatesCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "candidates",
		Short: "List conversations the next follow-up run would contact",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmdContext(cmd)
			a, err := loadApp(ctx, configPath, appOverrides{})
			if err != nil {
				return err
			}
			defer a.Close()
			return doFollowUpCandidates(ctx, cmd.OutOrStdout(), a)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func doFollowUpCandidates(ctx context.Context, out io.Writer, a *app) error {
	convs, err := a.runner.Candidates(ctx)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Fprintln(out, "No follow-up candidates.")
		return nil
	}
	fmt.Fprintf(out, "%-10s %-16s %-16s %s\n", "ID", "PHONE", "STATE", "LAST ACTIVITY")
	for _, c := range convs {
		fmt.Fprintf(out, "%-10s %-16s %-16s %s\n", c.ShortID, c.Phone, c.State, c.LastActivity.Format(time.RFC3339))
	}
	return nil
}

func newFollowUpNextCmd() *cobra.Command {
	var (
		configPath string
		count      int
	)

	cmd := &cobra.Command{
		Use:   "next",
		Short: "Show the next scheduled follow-up runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return doFollowUpNext(cmd.OutOrStdout(), cfg, time.Now(), count)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&count, "count", "n", 3, "number of fire times to show")
	return cmd
}

func doFollowUpNext(out io.Writer, cfg *config.Config, now time.Time, count int) error {
	sched, err := followup.NewScheduler(nil, cfg.FollowUp.Schedule, cfg.FollowUp.Timezone, nil)
	if err != nil {
		return err
	}
	if !cfg.FollowUp.Enabled {
		fmt.Fprintln(out, "Scheduled follow-up is disabled (followup.enabled: false).")
	}
	t := now
	for i := 0; i < count; i++ {
		t = sched.Next(t)
		fmt.Fprintln(out, t.Format("Mon 2006-01-02 15:04 MST"))
	}
	return nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
