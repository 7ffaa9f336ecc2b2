package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/zulandar/leaddesk/internal/models"
	"github.com/zulandar/leaddesk/internal/transition"
	"gorm.io/gorm"
)

const defaultOperator = "operator:cli"

func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and change conversation state",
	}

	cmd.AddCommand(newStateSetCmd())
	cmd.AddCommand(newStateHistoryCmd())
	return cmd
}

func newStateSetCmd() *cobra.Command {
	var (
		configPath string
		by         string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "set <conversation> <state>",
		Short: "Change a conversation's state",
		Long: `Applies the change through the transition guard, so protected states
(SUBMITTED, FUNDED, HUMAN_REVIEW, DEAD, ARCHIVED) are left alone. With
--force the change is committed unconditionally, the same authority an
agent tool call has.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			defer closeDB(gormDB)
			return doStateSet(cmdContext(cmd), cmd.OutOrStdout(), gormDB, args[0], args[1], by, force)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&by, "by", defaultOperator, "actor recorded in the transition history")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "bypass state protection")
	return cmd
}

func doStateSet(ctx context.Context, out io.Writer, gormDB *gorm.DB, ref, stateArg, by string, force bool) error {
	target, err := models.ParseState(stateArg)
	if err != nil {
		return err
	}
	conv, err := resolveConversation(ctx, gormDB, ref)
	if err != nil {
		return err
	}

	if force {
		ch, err := transition.Commit(ctx, gormDB, conv.ID, target, by)
		if err != nil {
			return err
		}
		if !ch.Changed {
			fmt.Fprintf(out, "%s already %s\n", conv.ShortID, ch.To)
			return nil
		}
		fmt.Fprintf(out, "%s: %s → %s\n", conv.ShortID, ch.From, ch.To)
		return nil
	}

	d, err := transition.NewGuard(transition.GuardOpts{DB: gormDB}).Apply(ctx, conv.ID, target, by)
	if err != nil {
		return err
	}
	if !d.Applied {
		fmt.Fprintf(out, "%s kept at %s: %s\n", conv.ShortID, d.From, d.Reason)
		return nil
	}
	fmt.Fprintf(out, "%s: %s → %s\n", conv.ShortID, d.From, d.To)
	return nil
}

func newStateHistoryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "history <conversation>",
		Short: "Show a conversation's state transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			defer closeDB(gormDB)
			return doStateHistory(cmdContext(cmd), cmd.OutOrStdout(), gormDB, args[0])
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func doStateHistory(ctx context.Context, out io.Writer, gormDB *gorm.DB, ref string) error {
	conv, err := resolveConversation(ctx, gormDB, ref)
	if err != nil {
		return err
	}
	rows, err := transition.History(ctx, gormDB, conv.ID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s (%s) is %s\n", conv.ShortID, conv.Phone, conv.State)
	if len(rows) == 0 {
		fmt.Fprintln(out, "No transitions recorded.")
		return nil
	}
	for _, r := range rows {
		fmt.Fprintf(out, "  %s  %-14s → %-14s  %s\n",
			r.CreatedAt.Format("2006-01-02 15:04:05"), r.OldState, r.NewState, r.ChangedBy)
	}
	return nil
}
