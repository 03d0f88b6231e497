package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rwproxy/rwproxy/internal/rules"
	"github.com/spf13/cobra"
)

type resolveResult struct {
	Initial     string   `json:"initial"`
	Outcome     string   `json:"outcome"`
	Destination string   `json:"destination,omitempty"`
	Code        int      `json:"code,omitempty"`
	Message     string   `json:"message,omitempty"`
	Steps       int      `json:"steps"`
	Reason      string   `json:"reason,omitempty"`
	Trace       []string `json:"trace,omitempty"`
}

// newResolveCmd runs URLs through the rule engine offline. Cycles are not
// checked here so that looping tables can be inspected.
func newResolveCmd() *cobra.Command {
	var rulesPath string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "resolve URL...",
		Short: "Show how rules resolve the given URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rulesPath == "" {
				return errors.New("rules path is required")
			}
			table, err := loadRules(rulesPath, true)
			if err != nil {
				return err
			}
			engine := rules.NewEngine(table)

			results := make([]resolveResult, 0, len(args))
			for _, arg := range args {
				u, err := rules.ParseURL(arg)
				if err != nil {
					return err
				}
				if u.Scheme == "" {
					u.Scheme = "http"
				}
				results = append(results, describe(u, engine.Resolve(u)))
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			return writeResolutions(cmd.OutOrStdout(), results)
		},
	}

	cmd.Flags().StringVarP(&rulesPath, "rules", "r", "", "Path to rule file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")

	return cmd
}

func describe(initial rules.URL, out rules.Outcome) resolveResult {
	res := resolveResult{
		Initial: initial.String(),
		Outcome: out.State.String(),
		Steps:   out.Steps,
		Reason:  out.Reason,
	}
	for _, step := range out.Trace {
		res.Trace = append(res.Trace, step.String())
	}
	switch out.State {
	case rules.StateForwarding:
		res.Destination = out.Destination.Address()
	case rules.StateResponding:
		res.Code = out.Code
		res.Message = out.Message
	}
	return res
}

func writeResolutions(w io.Writer, results []resolveResult) error {
	var b strings.Builder
	for _, res := range results {
		b.WriteString(res.Initial)
		b.WriteByte('\n')
		for _, line := range res.Trace {
			fmt.Fprintf(&b, "  %s\n", line)
		}
		switch {
		case res.Destination != "":
			fmt.Fprintf(&b, "  => %s %s (%d steps)\n", res.Outcome, res.Destination, res.Steps)
		case res.Code != 0:
			fmt.Fprintf(&b, "  => %s %d %s (%d steps)\n", res.Outcome, res.Code, res.Message, res.Steps)
		default:
			fmt.Fprintf(&b, "  => %s (%d steps)\n", res.Outcome, res.Steps)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
