package main

import (
	"fmt"
	"io"
	"sort"

	"storyforge/internal/usage"

	"github.com/spf13/cobra"
)

var costCmd = &cobra.Command{
	Use:   "cost",
	Short: "Show or reset accumulated generation cost",
}

var costShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show project cost totals by model",
	RunE:  runCostShow,
}

var costResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the project cost totals",
	Long: `Clears the project's usage ledger. Totals are otherwise never reset.
Asks for confirmation unless --yes is given.`,
	RunE: runCostReset,
}

var costResetYes bool

func init() {
	costResetCmd.Flags().BoolVarP(&costResetYes, "yes", "y", false, "Skip the confirmation prompt")
	costCmd.AddCommand(costShowCmd)
	costCmd.AddCommand(costResetCmd)
}

func runCostShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(nil)
	defer cancel()

	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	printTotals(cmd.OutOrStdout(), "Project", p.Accountant().ProjectTotals())
	return nil
}

func runCostReset(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(nil)
	defer cancel()

	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	out := cmd.OutOrStdout()
	if !confirm(cmd, costResetYes) {
		fmt.Fprintln(out, "Kept project totals.")
		return nil
	}
	if err := p.Accountant().ResetProject(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "Project totals reset.")
	return nil
}

func printTotals(w io.Writer, title string, t usage.Totals) {
	fmt.Fprintf(w, "%s: %d executions, %d in / %d out tokens, %s\n",
		title, t.Executions, t.Tokens.Input, t.Tokens.Output, usage.FormatCost(t.Tokens.Cost, true))
	if t.Unpriced > 0 {
		fmt.Fprintf(w, "  (%d executions used models with no pricing)\n", t.Unpriced)
	}
	models := make([]string, 0, len(t.ByModel))
	for m := range t.ByModel {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		c := t.ByModel[m]
		fmt.Fprintf(w, "  %-24s %10d in %10d out  %s\n", m, c.Input, c.Output, usage.FormatCost(c.Cost, true))
	}
}
