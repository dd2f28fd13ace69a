package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/medflow/clinicsync/internal/output"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync engine in the foreground",
	Long: `Runs the background sync loop: probes connectivity and pushes queued
changes and pulls remote ones on an interval until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logFile, _ := cmd.Flags().GetString("log-file")
		verbose, _ := cmd.Flags().GetBool("verbose")

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		opts := &slog.HandlerOptions{Level: level}
		if logFile != "" {
			rotator := &lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    20, // megabytes
				MaxBackups: 5,
				MaxAge:     30, // days
				Compress:   true,
			}
			defer rotator.Close()
			slog.SetDefault(slog.New(slog.NewJSONHandler(rotator, opts)))
		} else {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng, err := openEngine(ctx)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer eng.close(context.Background())

		eng.orchestrator.Start(ctx)
		slog.Info("sync daemon started", "clinic", eng.clinicID, "state", eng.orchestrator.State().String())

		<-ctx.Done()
		slog.Info("shutting down")
		return nil
	},
}

func init() {
	daemonCmd.Flags().String("log-file", "", "write rotated JSON logs to this file instead of stderr")
	daemonCmd.Flags().BoolP("verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(daemonCmd)
}
