// Package report renders the outcome of a build: the dependency verdicts,
// the exported surface and the diagnostics collected along the way.
package report

import (
	"sort"

	"github.com/phobologic/psbuild/internal/model"
)

// Build is everything a report shows about one run.
type Build struct {
	Module       string
	Version      string
	Exports      model.ExportSet
	Dependencies *model.DependencyReport
	Diagnostics  []model.Diagnostic
	// Outputs lists the files and directories the run produced.
	Outputs []string
	DryRun  bool
}

// Format selects a report renderer.
type Format string

const (
	FormatText Format = "text"
	FormatToon Format = "toon"
)

// Valid reports whether f names a known renderer.
func (f Format) Valid() bool {
	return f == "" || f == FormatText || f == FormatToon
}

// Render renders b in the given format. An empty format means text.
func Render(b *Build, format Format) (string, bool) {
	switch format {
	case FormatText, "":
		return Text(b), true
	case FormatToon:
		return Encode(b), true
	}
	return "", false
}

// diagnostics merges the run and resolver diagnostics, errors first.
func diagnostics(b *Build) []model.Diagnostic {
	var out []model.Diagnostic
	out = append(out, b.Diagnostics...)
	if b.Dependencies != nil {
		out = append(out, b.Dependencies.Diagnostics...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return severityRank(out[i].Severity) < severityRank(out[j].Severity)
	})
	return out
}

func severityRank(s model.Severity) int {
	switch s {
	case model.Error:
		return 0
	case model.Warning:
		return 1
	}
	return 2
}
