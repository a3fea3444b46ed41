package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/marketpipe/internal/observability"
)

// healthCheckTimeout bounds the provider and journal probes.
const healthCheckTimeout = 15 * time.Second

var healthJSON bool

// healthCmd represents the health command.
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check provider, AI, storage and journal health",
	Long: `Run the component health checks the API exposes at /api/v1/health and
print the report. The exit code is non-zero unless every component is
healthy.`,
	RunE: runHealth,
}

func init() {
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "output the report as JSON")
	rootCmd.AddCommand(healthCmd)
}

func runHealth(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	stack, err := buildStack(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer stack.Close()

	report := stack.health.Check(ctx)

	if healthJSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}
		fmt.Println(string(data))
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "COMPONENT\tSTATUS\tDETAIL")
		for _, c := range report.Components {
			fmt.Fprintf(w, "%s\t%s\t%s\n", c.Name, c.Status, c.Detail)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\noverall: %s\n", report.Status)
	}

	if !report.Healthy() {
		return fmt.Errorf("overall status: %s", report.Status)
	}
	return nil
}
