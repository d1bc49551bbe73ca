// Package symbols discovers the functions a module declares and the aliases
// each of them registers.
package symbols

import (
	"errors"
	"fmt"
	"strings"

	"github.com/phobologic/psbuild/internal/model"
	"github.com/phobologic/psbuild/internal/psast"
)

// ErrDuplicateExport is returned when two exports would share a name.
var ErrDuplicateExport = errors.New("duplicate export")

// DuplicateError names the conflicting export.
type DuplicateError struct {
	Name   string // the alias or function name in conflict
	First  string // function (or file) that declared it first
	Second string
	Reason string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s %q: %s and %s", e.Reason, e.Name, e.First, e.Second)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicateExport }

// Function is one top-level function definition.
type Function struct {
	Name    string
	Aliases []string
	File    string
	Line    int
	Source  string   // full definition text
	Calls   []string // distinct commands invoked by the definition
}

// Options controls Extract.
type Options struct {
	// StrictDuplicates fails extraction when two definitions share a name
	// instead of keeping the last one.
	StrictDuplicates bool
}

// Result is the output of Extract.
type Result struct {
	Table       *model.SymbolTable
	Functions   []Function
	Diagnostics []model.Diagnostic
}

// aliasCommands register aliases imperatively.
var aliasCommands = map[string]struct{}{
	"set-alias": {},
	"new-alias": {},
	"sal":       {},
	"nal":       {},
}

// valueParams take an argument that is never the alias name.
var valueParams = map[string]struct{}{
	"value":       {},
	"scope":       {},
	"option":      {},
	"description": {},
}

// Extract builds the symbol table from the given script files in order. A
// file that fails to parse is recorded as a diagnostic and contributes
// nothing.
func Extract(files []model.ClassifiedFile, opts Options) (*Result, error) {
	res := &Result{Table: model.NewSymbolTable()}
	for _, f := range files {
		if f.Role != model.Script {
			continue
		}
		fns, err := ParseFile(f.Path, f.Content)
		if err != nil {
			res.Diagnostics = append(res.Diagnostics, model.Diagnostic{
				Severity: model.Warning,
				Stage:    "extract",
				Subject:  f.Path,
				Message:  err.Error(),
			})
			continue
		}
		for _, fn := range fns {
			prev, had := res.Table.Lookup(fn.Name)
			if had && opts.StrictDuplicates {
				return nil, &DuplicateError{
					Name:   fn.Name,
					First:  prev.File,
					Second: fn.File,
					Reason: "function defined twice",
				}
			}
			res.Table.Add(model.Symbol{Name: fn.Name, Aliases: fn.Aliases, File: fn.File})
			if had {
				res.Diagnostics = append(res.Diagnostics, model.Diagnostic{
					Severity: model.Warning,
					Stage:    "extract",
					Subject:  fn.Name,
					Message:  fmt.Sprintf("redefined in %s (previous definition in %s ignored)", fn.File, prev.File),
				})
			}
			res.Functions = append(res.Functions, fn)
		}
	}
	return res, nil
}

// ParseFile returns the top-level functions declared in one script.
func ParseFile(path string, content []byte) ([]Function, error) {
	script, err := psast.Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	var fns []Function
	for _, def := range script.Functions() {
		if def.Body == nil {
			continue
		}
		fn := Function{
			Name:    def.Name,
			File:    path,
			Line:    def.Line,
			Source:  script.Source[def.Pos:def.End],
			Aliases: aliases(def),
		}
		seen := map[string]bool{}
		for _, c := range def.Commands() {
			k := strings.ToLower(c.Name)
			if !seen[k] {
				seen[k] = true
				fn.Calls = append(fn.Calls, c.Name)
			}
		}
		fns = append(fns, fn)
	}
	return fns, nil
}

// aliases returns the union of attribute and alias-registration aliases,
// de-duplicated case-insensitively in declaration order.
func aliases(def *psast.FunctionDef) []string {
	var out []string
	seen := map[string]bool{strings.ToLower(def.Name): true}
	add := func(a string) {
		k := strings.ToLower(a)
		if a == "" || seen[k] {
			return
		}
		seen[k] = true
		out = append(out, a)
	}

	for _, attr := range def.Attributes() {
		if strings.EqualFold(attr.Name, "Alias") || strings.EqualFold(attr.Name, "System.Management.Automation.Alias") {
			for _, a := range attr.Args {
				add(a)
			}
		}
	}

	for _, c := range def.Commands() {
		if _, ok := aliasCommands[strings.ToLower(c.Name)]; !ok {
			continue
		}
		if name, ok := registeredAlias(c); ok {
			add(name)
		}
	}
	return out
}

// registeredAlias returns the alias name of a Set-Alias or New-Alias call:
// the -Name argument, or the first positional argument.
func registeredAlias(c *psast.Command) (string, bool) {
	var positional []string
	args := c.Args
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a.IsParameter() {
			p := strings.ToLower(a.ParameterName())
			if p == "name" && i+1 < len(args) {
				return args[i+1].Literal()
			}
			if _, ok := valueParams[p]; ok {
				i++
			}
			continue
		}
		v, _ := a.Literal()
		positional = append(positional, v)
	}
	if len(positional) == 0 || positional[0] == "" {
		return "", false
	}
	if strings.EqualFold(positional[0], c.Name) {
		return "", false
	}
	return positional[0], true
}

// ValidateExports checks that no alias shadows a function and that no alias
// is declared by two functions.
func ValidateExports(t *model.SymbolTable) error {
	owner := map[string]string{}
	for _, sym := range t.Symbols() {
		for _, a := range sym.Aliases {
			if fn, ok := t.Lookup(a); ok {
				return &DuplicateError{Name: a, First: fn.Name, Second: sym.Name, Reason: "alias is also a function name"}
			}
			k := strings.ToLower(a)
			if prev, ok := owner[k]; ok && !strings.EqualFold(prev, sym.Name) {
				return &DuplicateError{Name: a, First: prev, Second: sym.Name, Reason: "alias declared by two functions"}
			}
			owner[k] = sym.Name
		}
	}
	return nil
}
