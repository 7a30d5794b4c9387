package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Jmemon/fuel/internal/api"
	"github.com/Jmemon/fuel/internal/blob"
	"github.com/Jmemon/fuel/internal/daemon"
	"github.com/Jmemon/fuel/internal/dispatch"
	"github.com/Jmemon/fuel/internal/llm"
	"github.com/Jmemon/fuel/internal/pipeline"
	"github.com/Jmemon/fuel/internal/stream"
)

var serveDetach bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion server",
	Long: `Start the fuel server: the HTTP ingestion API, the event stream
consumer, the session processing pipeline, and the recovery sweep.
By default it listens on port 8080. Use --port to change it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveDetach {
			return serveDetachRun()
		}
		return serveRun(cmd.Context())
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a detached server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a detached server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serveCmd.Flags().BoolVarP(&serveDetach, "detach", "d", false, "run in the background")
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

func pidFilePath() string {
	return filepath.Join(viper.GetString("state_dir"), "fuel-serve.pid")
}

func serveRun(ctx context.Context) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	s, err := getStore()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	hostname, _ := os.Hostname()
	sc, err := stream.New(ctx, stream.Config{
		Addr:     viper.GetString("redis.addr"),
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
		Stream:   viper.GetString("redis.stream"),
		Group:    viper.GetString("redis.group"),
		Consumer: fmt.Sprintf("%s-%d", hostname, os.Getpid()),
	})
	if err != nil {
		return err
	}
	defer func() { _ = sc.Close() }()

	blobs, err := openBlobStore(ctx)
	if err != nil {
		return err
	}

	var summarizer pipeline.Summarizer
	if key := viper.GetString("anthropic.api_key"); key != "" {
		summarizer = llm.NewClient(key, viper.GetString("anthropic.model"))
	} else {
		logger.Info("no anthropic api key configured, summarization disabled")
	}

	orch := pipeline.NewOrchestrator(s, blobs, summarizer, logger)
	queue := pipeline.NewQueue(viper.GetInt("pipeline.workers"), 256, logger, orch.Process)
	queue.Start(ctx)
	defer queue.Stop()

	sweeper := pipeline.NewSweeper(s, queue, orch, logger)
	go sweeper.Run(ctx)

	dispatcher := dispatch.NewDispatcher(sc, logger)
	dispatch.NewHandlers(s, queue, logger).RegisterAll(dispatcher)
	go func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("dispatcher exited", "error", err)
			stop()
		}
	}()

	pf := daemon.NewPIDFile(pidFilePath())
	if err := pf.Write(); err != nil {
		logger.Warn("cannot write pid file", "path", pf.Path, "error", err)
	} else {
		defer func() { _ = pf.Remove() }()
	}

	addr := fmt.Sprintf(":%d", viper.GetInt("port"))
	server := &http.Server{
		Addr:    addr,
		Handler: api.NewServer(s, sc, blobs, queue, logger).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fuel server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// openBlobStore picks the filesystem store when blob.local_dir is set,
// otherwise connects to the configured S3-compatible endpoint.
func openBlobStore(ctx context.Context) (blob.Store, error) {
	if dir := viper.GetString("blob.local_dir"); dir != "" {
		return blob.NewFSStore(dir)
	}
	return blob.NewMinioStore(ctx, blob.MinioConfig{
		Endpoint:  viper.GetString("blob.endpoint"),
		AccessKey: viper.GetString("blob.access_key"),
		SecretKey: viper.GetString("blob.secret_key"),
		Bucket:    viper.GetString("blob.bucket"),
		UseSSL:    viper.GetBool("blob.use_ssl"),
	})
}

// serveDetachRun re-executes the current binary as a detached server process.
func serveDetachRun() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"serve"}
	if verbose {
		args = append(args, "--verbose")
	}
	child := exec.Command(exe, args...)
	child.Stdout = nil
	child.Stderr = nil
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start detached server: %w", err)
	}

	ui.Success("Server started in background (pid %d)", child.Process.Pid)
	return nil
}

func serveStopRun() error {
	pf := daemon.NewPIDFile(pidFilePath())
	if stale := pf.ClearStale(); stale != 0 {
		return fmt.Errorf("no running server found (cleared stale pid file for pid %d)", stale)
	}
	pid, running := pf.IsRunning()
	if !running {
		return fmt.Errorf("no running server found")
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	ui.Success("Sent shutdown signal to pid %d", pid)
	return nil
}

func serveStatusRun() error {
	pf := daemon.NewPIDFile(pidFilePath())
	if stale := pf.ClearStale(); stale != 0 {
		ui.Warning("Cleared stale pid file for pid %d (process not running)", stale)
		return nil
	}
	if pid, running := pf.IsRunning(); running {
		ui.Success("Server is running (pid %d)", pid)
	} else {
		ui.Info("Server is not running")
	}
	return nil
}
