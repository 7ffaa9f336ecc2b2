package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/leaddesk/internal/dispatch"
	"github.com/zulandar/leaddesk/internal/models"
)

type dispatchFlags struct {
	instruction string
	message     string
	suggest     string
	actor       string
	asJSON      bool
}

func newDispatchCmd() *cobra.Command {
	var (
		configPath string
		f          dispatchFlags
	)

	cmd := &cobra.Command{
		Use:   "dispatch <conversation>",
		Short: "Run one dispatch against a conversation",
		Long: `Acquires the conversation lease, asks the routed agent for a reply (or
sends --message verbatim), applies its tool calls, delivers the reply and
applies any suggested state change. The conversation may be given by id
or short id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(cmd, configPath, args[0], f)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&f.instruction, "instruction", "i", "", "instruction passed to the agent")
	cmd.Flags().StringVarP(&f.message, "message", "m", "", "send this text verbatim instead of asking the agent")
	cmd.Flags().StringVarP(&f.suggest, "suggest", "s", "", "suggested next state, applied through the transition guard")
	cmd.Flags().StringVar(&f.actor, "actor", "", "actor recorded in history (default: dispatcher)")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print the result as JSON")
	return cmd
}

func runDispatch(cmd *cobra.Command, configPath, ref string, f dispatchFlags) error {
	ctx := cmdContext(cmd)
	a, err := loadApp(ctx, configPath, appOverrides{})
	if err != nil {
		return err
	}
	defer a.Close()
	return doDispatch(ctx, cmd.OutOrStdout(), a, ref, f)
}

func doDispatch(ctx context.Context, out io.Writer, a *app, ref string, f dispatchFlags) error {
	req := dispatch.Request{
		Instruction:   f.instruction,
		DirectMessage: f.message,
		Actor:         f.actor,
	}
	if f.suggest != "" {
		st, err := models.ParseState(f.suggest)
		if err != nil {
			return err
		}
		req.SuggestedNextState = st
	}

	conv, err := resolveConversation(ctx, a.db, ref)
	if err != nil {
		return err
	}
	req.ConversationID = conv.ID

	res, err := a.orch.Dispatch(ctx, req)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", conv.ShortID, err)
	}
	if f.asJSON {
		return printJSON(out, res)
	}
	printDispatchResult(out, conv, res)
	return nil
}

func printDispatchResult(out io.Writer, conv *models.Conversation, res dispatch.Result) {
	fmt.Fprintf(out, "Conversation %s (%s)\n", conv.ShortID, conv.Phone)
	fmt.Fprintf(out, "  Outcome:  %s\n", res.Outcome)
	fmt.Fprintf(out, "  Lease:    %s\n", res.Lease)
	if res.Variant != "" {
		fmt.Fprintf(out, "  Agent:    %s\n", res.Variant)
	}
	if res.MessageID != 0 {
		fmt.Fprintf(out, "  Message:  #%d\n", res.MessageID)
	}
	if res.DeliveryError != "" {
		fmt.Fprintf(out, "  Error:    %s\n", res.DeliveryError)
	}
	if len(res.Tools.StatusChanges) > 0 {
		states := make([]string, len(res.Tools.StatusChanges))
		for i, s := range res.Tools.StatusChanges {
			states[i] = string(s)
		}
		fmt.Fprintf(out, "  Tools:    %s\n", strings.Join(states, " → "))
	}
	if res.Tools.Stopped {
		fmt.Fprintln(out, "  Outreach stopped")
	}
	if d := res.Transition; d != nil {
		if d.Applied {
			fmt.Fprintf(out, "  State:    %s → %s\n", d.From, d.To)
		} else {
			fmt.Fprintf(out, "  State:    %s kept (%s)\n", d.From, d.Reason)
		}
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
