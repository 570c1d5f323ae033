package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"storyforge/internal/quick"

	"github.com/spf13/cobra"
)

var (
	quickPrompt        string
	quickSelectionFile string
)

var quickCmd = &cobra.Command{
	Use:   "quick [action] [selection]",
	Short: "Run a single-shot edit on a passage",
	Long: `Runs a quick action on a selection with no plan and no confirmation. Nothing is
written to disk; the cost is still recorded.

Actions: ` + strings.Join(quick.ActionIDs(), ", ") + `

Examples:
  storyforge quick shorten "The long, winding, endless road went on."
  storyforge quick custom --prompt "Make it rhyme" --file scene.md
  cat scene.md | storyforge quick expand -`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runQuick,
}

func init() {
	quickCmd.Flags().StringVarP(&quickPrompt, "prompt", "p", "", "Extra direction (required for custom)")
	quickCmd.Flags().StringVarP(&quickSelectionFile, "file", "f", "", "Read the selection from a file")
}

func runQuick(cmd *cobra.Command, args []string) error {
	selection, err := readSelection(cmd, args[1:])
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(nil)
	defer cancel()

	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	res, err := p.Quick(ctx, quick.Request{
		Scope:         currentScope(),
		SelectionText: selection,
		ActionID:      args[0],
		PromptMessage: quickPrompt,
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, res.Text)
	fmt.Fprintf(out, "\n[%s] %d in / %d out tokens, %s\n", res.Model, res.InputTokens, res.OutputTokens, res.Cost.Display())
	return nil
}

func readSelection(cmd *cobra.Command, args []string) (string, error) {
	switch {
	case quickSelectionFile != "":
		data, err := os.ReadFile(quickSelectionFile)
		if err != nil {
			return "", fmt.Errorf("read selection: %w", err)
		}
		return string(data), nil
	case len(args) == 1 && args[0] == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read selection: %w", err)
		}
		return string(data), nil
	case len(args) == 1:
		return args[0], nil
	}
	return "", fmt.Errorf("no selection: pass it as an argument, with --file, or as - for stdin")
}
