package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Jmemon/fuel/internal/backfill"
	"github.com/Jmemon/fuel/internal/output"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Replay historical transcripts from disk",
	Long: `Scan a directory of per-project transcript files and replay them
through the running fuel server. Already-ingested sessions are skipped,
so the command is safe to re-run and resumes after interruption.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return backfillRun(cmd)
	},
}

func init() {
	rootCmd.AddCommand(backfillCmd)

	backfillCmd.Flags().String("root", "", "transcript root directory (default ~/.claude/projects)")
	backfillCmd.Flags().String("server", "", "fuel server base URL (default http://localhost:8080)")
	_ = viper.BindPFlag("backfill.root", backfillCmd.Flags().Lookup("root"))
	_ = viper.BindPFlag("backfill.server", backfillCmd.Flags().Lookup("server"))
}

func backfillRun(cmd *cobra.Command) error {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals()...)
	defer stop()

	root := viper.GetString("backfill.root")
	ui.Info("Scanning %s", root)
	scan, err := backfill.NewScanner(logger).Scan(ctx, root)
	if err != nil {
		return fmt.Errorf("scan transcripts: %w", err)
	}
	ui.Info("Found %d sessions (%d active, %d subagent dirs, %d other files skipped)",
		len(scan.Sessions), scan.Active, scan.SkippedDirs, scan.SkippedName+scan.SkippedID)

	if len(scan.Sessions) == 0 {
		return nil
	}
	if dryRun {
		table := ui.Table([]string{"Session", "Workspace", "Started", "Size"})
		for _, s := range scan.Sessions {
			started := ""
			if s.FirstTimestamp != nil {
				started = s.FirstTimestamp.Format("2006-01-02 15:04")
			}
			_ = table.Append([]string{
				output.Cyan(s.SessionID), s.WorkspaceID, started,
				fmt.Sprintf("%.1f KB", float64(s.SizeBytes)/1024),
			})
		}
		_ = table.Render()
		return nil
	}

	client := backfill.NewClient(viper.GetString("backfill.server"))
	ingestor := backfill.NewIngestor(client, viper.GetString("backfill.state_file"), logger)
	result, err := ingestor.Run(ctx, scan.Sessions)
	if result != nil {
		ui.Success("Ingested %d sessions (%d resumed, %d already present, %d failed)",
			result.Ingested, result.SkippedResumed, result.SkippedExists, len(result.Errors))
		for _, se := range result.Errors {
			ui.Error("%s: %s", se.SessionID, se.Error)
		}
	}
	return err
}
