package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Jmemon/fuel/internal/output"
)

var workspacesCmd = &cobra.Command{
	Use:   "workspaces",
	Short: "List known workspaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		return workspacesListRun()
	},
}

func init() {
	rootCmd.AddCommand(workspacesCmd)
}

func workspacesListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	workspaces, err := s.ListWorkspaces(context.Background())
	if err != nil {
		return err
	}
	if len(workspaces) == 0 {
		ui.Info("No workspaces yet.")
		return nil
	}

	table := ui.Table([]string{"Workspace", "Name", "Branch", "First Seen"})
	for _, w := range workspaces {
		_ = table.Append([]string{
			output.Cyan(w.CanonicalID),
			w.Name,
			w.DefaultBranch,
			w.CreatedAt.Format("2006-01-02"),
		})
	}
	_ = table.Render()
	return nil
}
