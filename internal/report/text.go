package report

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/phobologic/psbuild/internal/model"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242")).
			Italic(true)

	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

var statusText = map[model.VerdictStatus]string{
	model.SatisfiedRequired:           "required",
	model.SatisfiedTransitiveRequired: "required (transitive)",
	model.ApprovedMissing:             "approved, not required",
	model.UnresolvedMissing:           "missing",
}

// Text renders b for a terminal.
func Text(b *Build) string {
	var sb strings.Builder

	title := fmt.Sprintf("%s %s", b.Module, b.Version)
	if b.DryRun {
		title += " (dry run)"
	}
	sb.WriteString(titleStyle.Render(title))
	sb.WriteString("\n\n")

	sb.WriteString(labelStyle.Render("Exports:"))
	sb.WriteString("\n")
	exportLine(&sb, "functions", b.Exports.Functions)
	exportLine(&sb, "cmdlets", b.Exports.Cmdlets)
	exportLine(&sb, "aliases", b.Exports.Aliases)

	if deps := b.Dependencies; deps != nil && len(deps.Verdicts) > 0 {
		sb.WriteString("\n")
		sb.WriteString(labelStyle.Render("Dependencies:"))
		sb.WriteString("\n")
		for _, v := range deps.Verdicts {
			sb.WriteString("  ")
			sb.WriteString(verdictStyle(v.Status).Render(fmt.Sprintf("%-12s", symbol(v.Status))))
			sb.WriteString(fmt.Sprintf("%s %s\n", v.Module, valueStyle.Render("["+statusText[v.Status]+"]")))
			if len(v.Commands) > 0 {
				sb.WriteString(valueStyle.Render("      " + strings.Join(v.Commands, ", ")))
				sb.WriteString("\n")
			}
		}
	}
	if deps := b.Dependencies; deps != nil && len(deps.Unresolved) > 0 {
		sb.WriteString("\n")
		sb.WriteString(labelStyle.Render("Unresolved commands:"))
		sb.WriteString("\n")
		for _, u := range deps.Unresolved {
			sb.WriteString(valueStyle.Render("  • " + u))
			sb.WriteString("\n")
		}
	}

	if diags := diagnostics(b); len(diags) > 0 {
		sb.WriteString("\n")
		sb.WriteString(labelStyle.Render("Diagnostics:"))
		sb.WriteString("\n")
		for _, d := range diags {
			sb.WriteString("  ")
			sb.WriteString(severityStyle(d.Severity).Render(fmt.Sprintf("%-8s", d.Severity)))
			subject := d.Stage
			if d.Subject != "" {
				subject += " " + d.Subject
			}
			sb.WriteString(fmt.Sprintf("%s: %s\n", subject, d.Message))
		}
	}

	if len(b.Outputs) > 0 {
		sb.WriteString("\n")
		sb.WriteString(labelStyle.Render("Outputs:"))
		sb.WriteString("\n")
		for _, o := range b.Outputs {
			sb.WriteString(valueStyle.Render("  " + o))
			sb.WriteString("\n")
		}
	} else if b.DryRun {
		sb.WriteString("\n")
		sb.WriteString(hintStyle.Render("Nothing was written."))
		sb.WriteString("\n")
	}

	return sb.String()
}

func exportLine(sb *strings.Builder, kind string, names []string) {
	if len(names) == 0 {
		return
	}
	sb.WriteString(fmt.Sprintf("  %-10s %s\n", kind, valueStyle.Render(strings.Join(names, ", "))))
}

func symbol(s model.VerdictStatus) string {
	switch s {
	case model.SatisfiedRequired, model.SatisfiedTransitiveRequired:
		return "✓ ok"
	case model.ApprovedMissing:
		return "! approved"
	}
	return "✗ missing"
}

func verdictStyle(s model.VerdictStatus) lipgloss.Style {
	switch s {
	case model.SatisfiedRequired, model.SatisfiedTransitiveRequired:
		return okStyle
	case model.ApprovedMissing:
		return warnStyle
	}
	return errorStyle
}

func severityStyle(s model.Severity) lipgloss.Style {
	switch s {
	case model.Error:
		return errorStyle
	case model.Warning:
		return warnStyle
	}
	return hintStyle
}
