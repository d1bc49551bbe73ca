package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/phobologic/psbuild/internal/discover"
)

const (
	sentinelStart = "# psbuild:layout:start"
	sentinelEnd   = "# psbuild:layout:end"
)

// newInitCmd implements `psbuild init`, which writes a starter psbuild.yaml
// or refreshes the directory layout section of an existing one.
func newInitCmd(opts *rootOptions) *cobra.Command {
	var (
		dryRun bool
		name   string
	)
	cmd := &cobra.Command{
		Use:   "init [project]",
		Short: "Write or refresh psbuild.yaml for a project",
		Long: `Write a psbuild.yaml for the project directory (default: current directory).

The directory layout is detected from the conventional module folders and
written between sentinel comments, so running init again refreshes the layout
without touching the rest of the file. Creates the file if it does not exist.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dir, err := filepath.Abs(projectArg(args))
			if err != nil {
				return fmt.Errorf("resolving project: %w", err)
			}
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				return fmt.Errorf("%w: %s", discover.ErrRootNotFound, dir)
			}
			if name == "" {
				name = filepath.Base(dir)
			}

			path := filepath.Join(dir, "psbuild.yaml")
			existing, err := os.ReadFile(path)
			if err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			content := string(existing)
			if len(existing) == 0 {
				content = starterConfig(name)
			}
			updated := applySection(content, generateSection(dir))

			if dryRun {
				_, _ = fmt.Fprint(opts.stdout, updated)
				return nil
			}
			if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", path, err)
			}
			_, _ = fmt.Fprintf(opts.stderr, "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print what would be written without modifying the file")
	cmd.Flags().StringVar(&name, "name", "", "module name (default: project directory name)")
	return cmd
}

func starterConfig(name string) string {
	return fmt.Sprintf(`name: %s
version: 0.1.X
description: ""
author: ""

# Modules the code may call. Commands from other modules fail the build.
required_modules: []
approved_modules: []
`, name)
}

// generateSection returns the sentinel-wrapped dirs section for the
// conventional folders that exist under dir.
func generateSection(dir string) string {
	d := discover.DefaultOptions()
	groups := []struct {
		key  string
		dirs []string
	}{
		{"scripts", d.ScriptDirs},
		{"public", []string{"Public"}},
		{"classes", d.ClassDirs},
		{"assets", d.AssetDirs},
		{"sources", []string{"Sources"}},
	}

	var lines []string
	for _, g := range groups {
		var found []string
		for _, name := range g.dirs {
			if info, err := os.Stat(filepath.Join(dir, name)); err == nil && info.IsDir() {
				found = append(found, name)
			}
		}
		if len(found) > 0 {
			lines = append(lines, fmt.Sprintf("  %s: [%s]", g.key, strings.Join(found, ", ")))
		}
	}

	var b strings.Builder
	b.WriteString(sentinelStart + "\n")
	if len(lines) == 0 {
		b.WriteString("# no conventional module directories found; defaults apply\n")
	} else {
		b.WriteString("dirs:\n")
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n")
	}
	b.WriteString(sentinelEnd)
	return b.String()
}

// applySection inserts section into content, replacing an existing sentinel
// block if present or appending if not. It is a pure function for easy testing.
func applySection(content, section string) string {
	start := strings.Index(content, sentinelStart)
	end := strings.Index(content, sentinelEnd)

	if start >= 0 && end > start {
		return content[:start] + section + content[end+len(sentinelEnd):]
	}

	// Append, ensuring a blank line separator.
	if len(content) > 0 && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + "\n" + section + "\n"
}
