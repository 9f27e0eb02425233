package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/manamana32321/factorio-bridge/internal/pattern"
)

func newPatternsCmd() *cobra.Command {
	patterns := &cobra.Command{
		Use:   "patterns",
		Short: "Pattern directory tooling",
	}

	var allowEmpty bool
	check := &cobra.Command{
		Use:   "check <dir>",
		Short: "Load a pattern directory and print its diagnostics",
		Long: `Load every pattern file of a directory the way the bridge does at
startup and print the resulting patterns in match order, followed by the
rules that were skipped. Exits non-zero when the directory cannot be loaded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkPatterns(cmd.OutOrStdout(), args[0], allowEmpty)
		},
	}
	check.Flags().BoolVar(&allowEmpty, "allow-empty", false, "Accept a directory without any valid pattern")

	patterns.AddCommand(check)
	return patterns
}

func checkPatterns(w io.Writer, dir string, allowEmpty bool) error {
	res, err := pattern.LoadDir(dir, pattern.WithAllowEmpty(allowEmpty))
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%d patterns from %d files\n", res.Set.Len(), len(res.Files))
	for i, p := range res.Set.Patterns() {
		fmt.Fprintf(w, "%3d  %-24s %-10s %s\n", i+1, p.Name, string(p.Type), p.Expr.String())
	}
	if len(res.Warnings) > 0 {
		fmt.Fprintf(w, "\n%d skipped:\n", len(res.Warnings))
		for _, warn := range res.Warnings {
			fmt.Fprintf(w, "  %v\n", warn)
		}
	}
	return nil
}
