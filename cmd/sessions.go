package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Jmemon/fuel/internal/models"
	"github.com/Jmemon/fuel/internal/output"
	"github.com/Jmemon/fuel/internal/store"
)

var (
	sessionsWorkspace string
	sessionsLifecycle string
	sessionsTagFilter string
	sessionsLimit     int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect captured sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun()
	},
}

var sessionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun()
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsShowRun(args[0])
	},
}

var sessionsReparseCmd = &cobra.Command{
	Use:   "reparse <session-id>",
	Short: "Reset a session's parsed data and queue it for reparse",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsReparseRun(args[0])
	},
}

var sessionsTagCmd = &cobra.Command{
	Use:   "tag <session-id> <tag>...",
	Short: "Replace a session's tags",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsTagRun(args[0], args[1:])
	},
}

var sessionsArchiveCmd = &cobra.Command{
	Use:   "archive <session-id>",
	Short: "Archive a summarized session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsArchiveRun(args[0])
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsReparseCmd)
	sessionsCmd.AddCommand(sessionsTagCmd)
	sessionsCmd.AddCommand(sessionsArchiveCmd)
	rootCmd.AddCommand(sessionsCmd)

	for _, c := range []*cobra.Command{sessionsCmd, sessionsListCmd} {
		c.Flags().StringVarP(&sessionsWorkspace, "workspace", "w", "", "Filter by workspace id")
		c.Flags().StringVarP(&sessionsLifecycle, "lifecycle", "l", "", "Filter by lifecycle stage")
		c.Flags().StringVarP(&sessionsTagFilter, "tag", "t", "", "Filter by tag")
		c.Flags().IntVar(&sessionsLimit, "limit", 50, "Maximum sessions to list")
	}
}

func sessionsListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	sessions, err := s.ListSessions(context.Background(), store.SessionListFilter{
		WorkspaceID: sessionsWorkspace,
		Lifecycle:   models.Lifecycle(sessionsLifecycle),
		Tag:         sessionsTagFilter,
		Limit:       sessionsLimit,
	})
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		ui.Info("No sessions. Run 'fuel serve' and start coding, or 'fuel backfill'.")
		return nil
	}

	table := ui.Table([]string{"Session", "Workspace", "Stage", "Started", "Msgs", "Cost"})
	for _, sess := range sessions {
		_ = table.Append([]string{
			output.Cyan(shortID(sess.ID)),
			sess.WorkspaceID,
			output.LifecycleColor(string(sess.Lifecycle)),
			sess.StartedAt.Format("2006-01-02 15:04"),
			fmt.Sprintf("%d", sess.TotalMessages),
			output.Cost(sess.CostEstimateUSD),
		})
	}
	_ = table.Render()
	return nil
}

func sessionsShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	sess, err := s.GetSession(context.Background(), id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "Session:   %s\n", output.Cyan(sess.ID))
	fmt.Fprintf(ui.Out, "Workspace: %s\n", sess.WorkspaceID)
	fmt.Fprintf(ui.Out, "Device:    %s\n", sess.DeviceID)
	fmt.Fprintf(ui.Out, "Stage:     %s (parse: %s)\n",
		output.LifecycleColor(string(sess.Lifecycle)), sess.ParseStatus)
	if sess.ParseError != "" {
		fmt.Fprintf(ui.Out, "Error:     %s\n", output.Red(sess.ParseError))
	}
	fmt.Fprintf(ui.Out, "Started:   %s\n", sess.StartedAt.Format("2006-01-02 15:04:05"))
	if sess.EndedAt != nil {
		fmt.Fprintf(ui.Out, "Ended:     %s\n", sess.EndedAt.Format("2006-01-02 15:04:05"))
	}
	if sess.GitBranch != "" {
		fmt.Fprintf(ui.Out, "Branch:    %s\n", sess.GitBranch)
	}
	fmt.Fprintf(ui.Out, "Messages:  %d (%d user, %d assistant, %d tool uses, %d subagents)\n",
		sess.TotalMessages, sess.UserMessages, sess.AssistantMsgs,
		sess.ToolUseCount, sess.SubagentCount)
	fmt.Fprintf(ui.Out, "Tokens:    %d in / %d out / %d cache read / %d cache write\n",
		sess.InputTokens, sess.OutputTokens, sess.CacheReadTokens, sess.CacheWriteTokens)
	fmt.Fprintf(ui.Out, "Cost:      %s\n", output.Cost(sess.CostEstimateUSD))
	if len(sess.Tags) > 0 {
		fmt.Fprintf(ui.Out, "Tags:      %s\n", strings.Join(sess.Tags, ", "))
	}
	if sess.Summary != "" {
		fmt.Fprintf(ui.Out, "\n%s\n", sess.Summary)
	}
	return nil
}

func sessionsReparseRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would reset session %s for reparse", id)
		return nil
	}

	result, err := s.ResetSessionForReparse(context.Background(), id)
	if err != nil {
		return err
	}
	switch result.Outcome {
	case store.TransitionNotFound:
		return fmt.Errorf("session not found: %s", id)
	case store.TransitionConflict:
		return fmt.Errorf("session in state %q cannot be reparsed", result.ActualLifecycle)
	}

	ui.Success("Session %s reset; the running server will reparse it shortly", shortID(id))
	return nil
}

func sessionsTagRun(id string, tags []string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	if err := s.SetTags(context.Background(), id, tags); err != nil {
		return err
	}
	ui.Success("Tagged %s: %s", shortID(id), strings.Join(tags, ", "))
	return nil
}

func sessionsArchiveRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	result, err := s.TransitionSession(context.Background(), id,
		[]models.Lifecycle{models.LifecycleSummarized}, models.LifecycleArchived)
	if err != nil {
		return err
	}
	switch result.Outcome {
	case store.TransitionNotFound:
		return fmt.Errorf("session not found: %s", id)
	case store.TransitionConflict:
		return fmt.Errorf("only summarized sessions can be archived (current: %s)", result.ActualLifecycle)
	}
	ui.Success("Archived %s", shortID(id))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
