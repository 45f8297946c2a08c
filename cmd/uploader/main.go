// Package main is the authoring CLI that uploads lesson videos in batches.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/orthodoxlms/backend/internal/batch"
	"github.com/orthodoxlms/backend/internal/uploadclient"
)

// CLI flags
var (
	apiBaseFlag     string
	tokenFlag       string
	manifestFlag    string
	attemptsFlag    int
	backoffFlag     time.Duration
	pollFlag        time.Duration
	maxBytesFlag    int64
	overrideFlag    bool
	debugFlag       bool
	sinceVersionFlg int64
)

var rootCmd = &cobra.Command{
	Use:   "uploader",
	Short: "Upload lesson videos to the video pipeline",
	Long: `Uploader drives lesson videos through the upload contract: it requests an
upload session, subscribes to lesson progress, PUTs the bytes and waits for
the video to become ready or fail.

Examples:
  uploader run --manifest batch.yaml
  uploader status 6f1c2a3e-0000-4000-8000-000000000001
  uploader watch 6f1c2a3e-0000-4000-8000-000000000001`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Upload every item of a manifest, one at a time",
	RunE:  runBatch,
}

var statusCmd = &cobra.Command{
	Use:   "status <lessonId>",
	Short: "Print the video status of a lesson",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var watchCmd = &cobra.Command{
	Use:   "watch <lessonId>",
	Short: "Stream progress events of a lesson until it is ready or failed",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	_ = godotenv.Load()

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&apiBaseFlag, "api", os.Getenv("VIDEO_API_BASE"), "Base URL of the video API (env VIDEO_API_BASE)")
	pf.StringVar(&tokenFlag, "token", os.Getenv("VIDEO_API_TOKEN"), "Bearer token of the author (env VIDEO_API_TOKEN)")
	pf.DurationVar(&pollFlag, "poll", uploadclient.DefaultPollInterval, "Status poll interval when the progress socket is down")
	pf.BoolVar(&debugFlag, "debug", false, "Enable debug logging")

	runCmd.Flags().StringVarP(&manifestFlag, "manifest", "m", "", "YAML manifest listing the files to upload")
	runCmd.Flags().IntVar(&attemptsFlag, "attempts", batch.DefaultMaxAttempts, "Attempts per item for transient failures")
	runCmd.Flags().DurationVar(&backoffFlag, "backoff", batch.DefaultBackoff, "Wait between attempts of one item")
	runCmd.Flags().Int64Var(&maxBytesFlag, "max-bytes", uploadclient.DefaultMaxBytes, "Largest file accepted")
	runCmd.Flags().BoolVar(&overrideFlag, "override", false, "Replace lesson videos that are already ready")
	_ = runCmd.MarkFlagRequired("manifest")

	watchCmd.Flags().Int64Var(&sinceVersionFlg, "since", 0, "Only report events after this version")

	rootCmd.AddCommand(runCmd, statusCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if !debugFlag {
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, _ := config.Build()
	return logger
}

func newClient(logger *zap.Logger) (*uploadclient.Client, error) {
	if tokenFlag == "" {
		return nil, fmt.Errorf("a token is required (--token or VIDEO_API_TOKEN)")
	}
	return uploadclient.New(uploadclient.Config{
		BaseURL:      apiBaseFlag,
		Token:        tokenFlag,
		MaxBytes:     maxBytesFlag,
		PollInterval: pollFlag,
	}, logger)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runBatch(cmd *cobra.Command, _ []string) error {
	logger := newLogger()
	defer logger.Sync()

	manifest, err := batch.LoadManifest(manifestFlag)
	if err != nil {
		return err
	}
	if overrideFlag {
		for i := range manifest.Items {
			manifest.Items[i].Override = true
		}
	}
	client, err := newClient(logger)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	out := cmd.OutOrStdout()
	coord := batch.NewCoordinator(client, batch.Config{
		MaxAttempts: attemptsFlag,
		Backoff:     backoffFlag,
		Observe:     progressPrinter(out),
	}, logger)

	logger.Info("starting batch", zap.String("manifest", manifestFlag), zap.Int("items", len(manifest.Items)))
	rep := coord.Run(ctx, manifest.Items)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "============================================")
	fmt.Fprintf(out, "Completed: %d  Failed: %d\n", rep.Completed, rep.Failed)
	if rep.Halted {
		fmt.Fprintln(out, "Batch halted: provider quota exceeded")
	}
	fmt.Fprintln(out, "--------------------------------------------")
	for _, ir := range rep.Items {
		switch ir.State {
		case batch.StateCompleted:
			fmt.Fprintf(out, "[%d] %s  ready  playback=%s\n", ir.Index, ir.Item.File, ir.PlaybackID)
		default:
			fmt.Fprintf(out, "[%d] %s  %s  %s: %s\n", ir.Index, ir.Item.File, ir.State, ir.ErrorKind, ir.ErrorMessage)
		}
	}
	if rep.Failed > 0 {
		return fmt.Errorf("%d of %d items failed", rep.Failed, len(rep.Items))
	}
	return nil
}

func progressPrinter(out io.Writer) func(batch.ItemReport) {
	lastState := map[int]batch.State{}
	lastPercent := map[int]int64{}
	return func(ir batch.ItemReport) {
		if ir.State == batch.StateUploading && ir.BytesTotal > 0 {
			pct := ir.BytesSent * 100 / ir.BytesTotal
			if pct/10 == lastPercent[ir.Index]/10 && lastState[ir.Index] == ir.State {
				return
			}
			lastPercent[ir.Index] = pct
		} else if lastState[ir.Index] == ir.State {
			return
		}
		lastState[ir.Index] = ir.State
		switch ir.State {
		case batch.StateUploading:
			fmt.Fprintf(out, "[%d] %s uploading %d%%\n", ir.Index, ir.Item.File, lastPercent[ir.Index])
		case batch.StateError:
			fmt.Fprintf(out, "[%d] %s error %s\n", ir.Index, ir.Item.File, ir.ErrorKind)
		default:
			fmt.Fprintf(out, "[%d] %s %s\n", ir.Index, ir.Item.File, ir.State)
		}
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	lessonID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid lesson id: %w", err)
	}
	logger := newLogger()
	defer logger.Sync()
	client, err := newClient(logger)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	st, err := client.Status(ctx, lessonID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func runWatch(cmd *cobra.Command, args []string) error {
	lessonID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid lesson id: %w", err)
	}
	logger := newLogger()
	defer logger.Sync()
	client, err := newClient(logger)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	enc := json.NewEncoder(cmd.OutOrStdout())
	for ev := range client.Watch(ctx, lessonID, sinceVersionFlg) {
		if err := enc.Encode(ev); err != nil {
			return err
		}
		if ev.Type == uploadclient.EventFailed {
			return fmt.Errorf("video failed: %s", ev.ErrorKind)
		}
	}
	return ctx.Err()
}
