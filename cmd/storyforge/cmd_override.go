package main

import (
	"fmt"

	"storyforge/internal/types"

	"github.com/spf13/cobra"
)

var overrideCmd = &cobra.Command{
	Use:   "override",
	Short: "Force or exclude documents from generation context",
	Long: `Inclusion overrides apply to every plan in this project:
  force    always included, even over the token budget
  exclude  never included
  auto     selected by scope and budget (the default)`,
}

var overrideSetCmd = &cobra.Command{
	Use:   "set [path] [auto|exclude|force]",
	Short: "Set the inclusion override for a document",
	Args:  cobra.ExactArgs(2),
	RunE:  runOverrideSet,
}

var overrideClearCmd = &cobra.Command{
	Use:   "clear [path]",
	Short: "Return a document to automatic selection",
	Args:  cobra.ExactArgs(1),
	RunE:  runOverrideClear,
}

var overrideListCmd = &cobra.Command{
	Use:   "list",
	Short: "List inclusion overrides",
	RunE:  runOverrideList,
}

func init() {
	overrideCmd.AddCommand(overrideSetCmd)
	overrideCmd.AddCommand(overrideClearCmd)
	overrideCmd.AddCommand(overrideListCmd)
}

func runOverrideSet(cmd *cobra.Command, args []string) error {
	value, ok := types.ParseOverride(args[1])
	if !ok {
		return fmt.Errorf("invalid override %q (valid: auto, exclude, force)", args[1])
	}

	ctx, cancel := commandContext(nil)
	defer cancel()
	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.Store().SetOverride(ctx, p.Root(), args[0], value); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", relTo(p.Root(), types.NormalizePath(p.Root(), args[0])), value)
	return nil
}

func runOverrideClear(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(nil)
	defer cancel()
	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.Store().ClearOverride(ctx, p.Root(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: auto\n", relTo(p.Root(), types.NormalizePath(p.Root(), args[0])))
	return nil
}

func runOverrideList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(nil)
	defer cancel()
	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	list, err := p.Store().ListOverrides(ctx, p.Root())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No overrides; every document is selected automatically.")
		return nil
	}
	for _, o := range list {
		fmt.Fprintf(out, "%-8s %s\n", o.Value, relTo(p.Root(), o.Path))
	}
	return nil
}
