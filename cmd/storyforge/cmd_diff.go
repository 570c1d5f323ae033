package main

import (
	"fmt"
	"os"
	"path/filepath"

	"storyforge/internal/artifact"
	"storyforge/internal/diff"

	"github.com/spf13/cobra"
)

var diffStatOnly bool

var diffCmd = &cobra.Command{
	Use:   "diff [file] [other]",
	Short: "Compare an artifact with its newest version",
	Long: `Shows how a generated version differs from the canonical file. With one
argument the canonical file is compared with its highest -vN version; with two
the files are compared directly. Front matter is ignored.

Example:
  storyforge diff books/book-1/chapters/entity-03.md`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runDiff,
}

func init() {
	diffCmd.Flags().BoolVar(&diffStatOnly, "stat", false, "Print only the added/removed line counts")
	rootCmd.AddCommand(diffCmd)
}

func runDiff(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	resolve := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(root, p)
	}

	oldPath := resolve(args[0])
	var newPath string
	if len(args) == 2 {
		newPath = resolve(args[1])
	} else {
		if newPath, err = latestVersion(oldPath); err != nil {
			return err
		}
	}

	oldBody, err := readBody(oldPath)
	if err != nil {
		return err
	}
	newBody, err := readBody(newPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	r := diff.Compare(relTo(root, oldPath), relTo(root, newPath), oldBody, newBody)
	if diffStatOnly || r.Identical() {
		fmt.Fprintf(out, "%s -> %s: %s\n", r.OldName, r.NewName, r.Stats())
		return nil
	}
	return r.WriteUnified(out)
}

// latestVersion finds the highest -vN sibling of canonical.
func latestVersion(canonical string) (string, error) {
	names, err := artifact.OSFileSystem{}.List(filepath.Dir(canonical))
	if err != nil {
		return "", err
	}
	base := filepath.Base(canonical)
	versions := artifact.Versions(base, names)
	if len(versions) == 0 || versions[len(versions)-1] < 2 {
		return "", fmt.Errorf("%s has no other versions", canonical)
	}
	return filepath.Join(filepath.Dir(canonical), artifact.VersionName(base, versions[len(versions)-1])), nil
}

func readBody(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return artifact.BodyOf(data), nil
}
