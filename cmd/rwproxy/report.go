package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/rwproxy/rwproxy/internal/config"
	"github.com/rwproxy/rwproxy/internal/report"
	"github.com/spf13/cobra"
)

func newReportCmd() *cobra.Command {
	var inputPath string
	var configPath string
	var since time.Duration
	var format string
	var outPath string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize decision logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && configPath != "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				if cfg.Logging.DecisionLog == "" {
					return fmt.Errorf("%s: logging.decisionLog is not set", configPath)
				}
				inputPath = cfg.ResolvePath(cfg.Logging.DecisionLog)
			}
			if inputPath == "" {
				return errors.New("input path is required")
			}

			reader := report.Reader{}
			if since > 0 {
				reader.Since = time.Now().Add(-since)
			}
			decisions, err := reader.Read(inputPath)
			if err != nil {
				return err
			}

			content, err := renderSummary(report.Summarize(decisions), format)
			if err != nil {
				return err
			}
			return report.WriteOutput(cmd.OutOrStdout(), outPath, content)
		},
	}

	cmd.Flags().StringVar(&inputPath, "in", "", "Path to decision log JSONL")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Read the decision log path from this config")
	cmd.Flags().DurationVar(&since, "since", 0, "Only include entries newer than this duration (e.g. 10m)")
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text|md|json")
	cmd.Flags().StringVar(&outPath, "out", "", "Output file path (default stdout)")

	return cmd
}

func renderSummary(summary report.Summary, format string) ([]byte, error) {
	switch format {
	case "", "text":
		return []byte(report.RenderText(summary)), nil
	case "md":
		return []byte(report.RenderMarkdown(summary)), nil
	case "json":
		return report.RenderJSON(summary)
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}
