package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/observability"
	"github.com/jmylchreest/marketpipe/internal/pipeline"
	"github.com/jmylchreest/marketpipe/internal/pipeline/stages/buildexpertise"
	"github.com/jmylchreest/marketpipe/internal/pipeline/stages/collectcorpus"
	"github.com/jmylchreest/marketpipe/internal/pipeline/stages/compilereport"
	"github.com/jmylchreest/marketpipe/internal/storage"
)

// runCmd represents the run command.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a pipeline from the terminal",
	Long: `Run a market analysis pipeline directly, without the API server.

By default all three stages execute for a new session built from the
brief flags. --stage runs a single stage instead; stages 2 and 3 resume
an existing session and require --session. Progress renders to stderr
while the run executes, and the summary goes to stdout.`,
	Example: `  marketpipe run --segment "specialty coffee" --product "subscription roaster"
  marketpipe run --stage 1 --segment "e-bikes" --product "fleet leasing"
  marketpipe run --stage 2 --session 20260825-143502-a1b2c3 --study-minutes 45`,
	RunE: runPipeline,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("segment", "", "market segment under analysis")
	runCmd.Flags().String("product", "", "product or offer being positioned")
	runCmd.Flags().String("audience", "", "target audience description")
	runCmd.Flags().String("objective", "", "optional analysis objective")
	runCmd.Flags().Int("study-minutes", 0, "stage 2 time budget in minutes (0 uses the configured default)")
	runCmd.Flags().Int("stage", 0, "run a single stage (1, 2 or 3) instead of the full pipeline")
	runCmd.Flags().String("session", "", "existing session to resume")
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	stage, _ := cmd.Flags().GetInt("stage")
	sessionID, _ := cmd.Flags().GetString("session")
	studyMinutes, _ := cmd.Flags().GetInt("study-minutes")
	brief := models.Brief{
		StudyMinutes: studyMinutes,
	}
	brief.Segment, _ = cmd.Flags().GetString("segment")
	brief.Product, _ = cmd.Flags().GetString("product")
	brief.Audience, _ = cmd.Flags().GetString("audience")
	brief.Objective, _ = cmd.Flags().GetString("objective")

	if stage < 0 || stage > 3 {
		return fmt.Errorf("--stage must be 1, 2 or 3")
	}
	if stage >= 2 && sessionID == "" {
		return fmt.Errorf("stage %d resumes an existing session; --session is required", stage)
	}
	if stage <= 1 && sessionID == "" {
		if err := brief.Validate(); err != nil {
			return err
		}
	}

	// One-shot runs keep their metrics private; there is no endpoint to
	// scrape them from.
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	stack, err := buildStack(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer stack.Close()

	// An empty session filter receives every update; only this run
	// publishes in a one-shot process.
	sub := stack.fabric.Subscribe(ctx, sessionID)
	defer stack.fabric.Unsubscribe(sub.ID)
	go renderProgress(sub.Events, sub.Done)

	var result *pipeline.Result
	switch stage {
	case 1:
		result, err = stack.pipeline.RunStage(ctx, 1, brief, sessionID, 0)
	case 2:
		result, err = stack.pipeline.RunStage(ctx, 2, models.Brief{}, sessionID, studyMinutes)
	case 3:
		result, err = stack.pipeline.RunStage(ctx, 3, models.Brief{}, sessionID, 0)
	default:
		result, err = stack.pipeline.RunFull(ctx, brief, sessionID)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("run cancelled")
		}
		return fmt.Errorf("pipeline run: %w", err)
	}

	printRunSummary(stack.sandbox, result)
	return nil
}

// renderProgress writes progress updates to stderr until the subscriber
// is closed.
func renderProgress(events <-chan models.ProgressUpdate, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case update := <-events:
			line := fmt.Sprintf("[%3d/%d] %s", update.Step, update.TotalSteps, update.Message)
			if update.Detail != "" {
				line += ": " + update.Detail
			}
			fmt.Fprintln(os.Stderr, line)
		}
	}
}

func printRunSummary(sandbox *storage.Sandbox, result *pipeline.Result) {
	fmt.Printf("Session:  %s\n", result.SessionID)
	fmt.Printf("Duration: %s\n", result.Duration.Round(time.Millisecond))

	for _, id := range []string{collectcorpus.StageID, buildexpertise.StageID, compilereport.StageID} {
		sr, ok := result.StageResults[id]
		if !ok {
			continue
		}
		fmt.Printf("  %-16s %v (%d items)\n", id, sr.Duration.Round(time.Millisecond), sr.ItemsProcessed)
	}

	if result.ReportPath != "" {
		path := result.ReportPath
		if abs, err := sandbox.ResolvePath(path); err == nil {
			path = abs
		}
		fmt.Printf("Report:   %s\n", path)
	}
}
