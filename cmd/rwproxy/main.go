package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rwproxy/rwproxy/internal/config"
	"github.com/rwproxy/rwproxy/internal/rules"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// Process exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitCompile = 2
	exitCycle   = 3
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rwproxy",
		Short:         "Rule-driven rewriting proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newResolveCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newGencertCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func exitCode(err error) int {
	var compileErr *rules.CompileError
	var cycleErr *rules.CycleError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &compileErr):
		return exitCompile
	case errors.As(err, &cycleErr):
		return exitCycle
	default:
		return exitFailure
	}
}

func printError(w io.Writer, err error) {
	var verr *config.ValidationError
	var cycleErr *rules.CycleError
	switch {
	case errors.As(err, &verr):
		for _, msg := range verr.Problems {
			fmt.Fprintln(w, msg)
		}
	case errors.As(err, &cycleErr):
		fmt.Fprintln(w, err)
		for _, msg := range cycleErr.Problems() {
			fmt.Fprintln(w, "  "+msg)
		}
	default:
		fmt.Fprintln(w, err)
	}
}

// loadRules compiles the rule file at path and, unless allowCycles is set,
// refuses tables whose rewrite rules can loop.
func loadRules(path string, allowCycles bool) (*rules.Table, error) {
	if path == "" {
		return nil, errors.New("rules path is required")
	}
	table, err := rules.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if allowCycles {
		return table, nil
	}
	if err := rules.CheckCycles(table); err != nil {
		var cycleErr *rules.CycleError
		if errors.As(err, &cycleErr) && cycleErr.File == "" {
			cycleErr.File = path
		}
		return nil, err
	}
	return table, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "version=%s commit=%s buildDate=%s\n", version, commit, buildDate)
		},
	}
}
