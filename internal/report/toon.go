package report

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	needsQuoting = regexp.MustCompile(`[,:"\\{}\[\]]`)
	looksNumeric = regexp.MustCompile(`^-?(?:0|[1-9]\d*)(?:\.\d+)?$`)
	keywords     = map[string]struct{}{
		"true":  {},
		"false": {},
		"null":  {},
	}
)

// Encode converts a build report into TOON format.
func Encode(b *Build) string {
	var parts []string

	parts = append(parts, fmt.Sprintf("module: %s", encodeValue(b.Module)))
	parts = append(parts, fmt.Sprintf("version: %s", encodeValue(b.Version)))
	if b.DryRun {
		parts = append(parts, "dryrun: true")
	}

	var exportRows [][]string
	for _, f := range b.Exports.Functions {
		exportRows = append(exportRows, []string{"function", f})
	}
	for _, c := range b.Exports.Cmdlets {
		exportRows = append(exportRows, []string{"cmdlet", c})
	}
	for _, a := range b.Exports.Aliases {
		exportRows = append(exportRows, []string{"alias", a})
	}
	parts = append(parts, formatTabular("exports", []string{"kind", "name"}, exportRows))

	if deps := b.Dependencies; deps != nil {
		var verdictRows [][]string
		for _, v := range deps.Verdicts {
			verdictRows = append(verdictRows, []string{v.Module, string(v.Status), strings.Join(v.Commands, " ")})
		}
		parts = append(parts, formatTabular("verdicts", []string{"module", "status", "commands"}, verdictRows))

		var refRows [][]string
		for _, r := range deps.References {
			alias := "no"
			if r.IsAlias {
				alias = "yes"
			}
			refRows = append(refRows, []string{r.Name, r.Module, string(r.Kind), alias})
		}
		parts = append(parts, formatTabular("references", []string{"name", "module", "kind", "alias"}, refRows))

		if len(deps.Unresolved) > 0 {
			var rows [][]string
			for _, u := range deps.Unresolved {
				rows = append(rows, []string{u})
			}
			parts = append(parts, formatTabular("unresolved", []string{"name"}, rows))
		}
	}

	var diagRows [][]string
	for _, d := range diagnostics(b) {
		diagRows = append(diagRows, []string{string(d.Severity), d.Stage, d.Subject, d.Message})
	}
	parts = append(parts, formatTabular("diagnostics", []string{"severity", "stage", "subject", "message"}, diagRows))

	if len(b.Outputs) > 0 {
		var rows [][]string
		for _, o := range b.Outputs {
			rows = append(rows, []string{o})
		}
		parts = append(parts, formatTabular("outputs", []string{"path"}, rows))
	}

	return strings.Join(parts, "\n")
}

func formatTabular(name string, columns []string, rows [][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%d]{%s}:", name, len(rows), strings.Join(columns, ","))
	for _, row := range rows {
		encoded := make([]string, len(row))
		for i, cell := range row {
			encoded[i] = encodeValue(cell)
		}
		fmt.Fprintf(&b, "\n  %s", strings.Join(encoded, ","))
	}
	return b.String()
}

func encodeValue(value string) string {
	switch {
	case value == "":
		return `""`
	case value != strings.TrimSpace(value),
		strings.ContainsAny(value, "\n\r\t"):
		return quote(value)
	}
	if _, ok := keywords[strings.ToLower(value)]; ok {
		return quote(value)
	}
	if looksNumeric.MatchString(value) {
		return value
	}
	if needsQuoting.MatchString(value) || strings.HasPrefix(value, "-") {
		return quote(value)
	}
	return value
}

func quote(value string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`, "\t", `\t`)
	return `"` + r.Replace(value) + `"`
}
