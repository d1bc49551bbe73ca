// Package resolve classifies the external commands a module invokes by the
// module that provides them.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/phobologic/psbuild/internal/model"
	"github.com/phobologic/psbuild/internal/psast"
)

// ErrMissingDependencies is returned by Policy.Check when a referenced
// module is neither required nor approved.
var ErrMissingDependencies = errors.New("missing dependencies")

// DefaultCoreModules ship with the host and are never reported.
var DefaultCoreModules = []string{
	"Microsoft.PowerShell.Core",
	"Microsoft.PowerShell.Management",
	"Microsoft.PowerShell.Utility",
	"Microsoft.PowerShell.Security",
	"Microsoft.PowerShell.Host",
	"Microsoft.PowerShell.Diagnostics",
	"Microsoft.WSMan.Management",
	"PSReadLine",
}

// CommandInfo describes a command known to a Lookup.
type CommandInfo struct {
	Name   string
	Module string
	Kind   model.CommandKind
	Target string // resolved command of an alias
}

// Lookup answers which module provides a command and which modules a module
// requires.
type Lookup interface {
	Command(name string) (CommandInfo, bool, error)
	RequiredModules(module string) ([]string, error)
}

// Input is everything Resolve needs besides the lookup.
type Input struct {
	ModuleName string
	Script     string // assembled script text without the export trailer
	Symbols    *model.SymbolTable
	// Local lists further names provided by the module itself, such as
	// compiled cmdlets and their aliases.
	Local       []string
	Required    []string
	Approved    []string
	CoreModules []string // nil means DefaultCoreModules
}

// Resolve finds every command invoked by the script that the module does not
// declare itself and classifies the providing modules. Lookup failures are
// recorded as diagnostics; Resolve only fails when ctx is cancelled.
func Resolve(ctx context.Context, in Input, lookup Lookup) (*model.DependencyReport, error) {
	report := &model.DependencyReport{ModuleName: in.ModuleName}

	script, err := psast.Parse(in.Script)
	if err != nil {
		report.Diagnostics = append(report.Diagnostics, model.Diagnostic{
			Severity: model.Error,
			Stage:    "resolve",
			Subject:  in.ModuleName,
			Message:  fmt.Sprintf("assembled script does not parse: %v", err),
		})
		return report, nil
	}

	local := localNames(in)
	core := lowerSet(in.CoreModules)
	if in.CoreModules == nil {
		core = lowerSet(DefaultCoreModules)
	}

	seen := map[string]struct{}{}
	for _, cmd := range script.Commands() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := strings.ToLower(cmd.Name)
		if _, ok := local[key]; ok {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		ref := reference(cmd.Name, lookup, report)
		if _, ok := core[strings.ToLower(ref.Module)]; ok && ref.Module != "" {
			continue
		}
		report.References = append(report.References, ref)
		if ref.Kind == model.KindUnknown {
			report.Unresolved = append(report.Unresolved, ref.Name)
		}
	}

	closure := requiredClosure(in.Required, lookup, report)
	report.Verdicts = classify(report.References, lowerSet(in.Required), closure, lowerSet(in.Approved))
	return report, nil
}

func localNames(in Input) map[string]struct{} {
	local := make(map[string]struct{})
	for _, sym := range in.Symbols.Symbols() {
		local[strings.ToLower(sym.Name)] = struct{}{}
		for _, a := range sym.Aliases {
			local[strings.ToLower(a)] = struct{}{}
		}
	}
	for _, n := range in.Local {
		local[strings.ToLower(n)] = struct{}{}
	}
	return local
}

// reference resolves one name, following an alias one level.
func reference(name string, lookup Lookup, report *model.DependencyReport) model.CommandReference {
	ref := model.CommandReference{Name: name, Kind: model.KindUnknown}
	info, ok, err := lookup.Command(name)
	if err != nil {
		report.Diagnostics = append(report.Diagnostics, model.Diagnostic{
			Severity: model.Warning,
			Stage:    "resolve",
			Subject:  name,
			Message:  fmt.Sprintf("command lookup failed: %v", err),
		})
		return ref
	}
	if !ok {
		return ref
	}
	ref.Module, ref.Kind = info.Module, info.Kind
	if info.Kind != model.KindAlias {
		return ref
	}
	ref.IsAlias = true
	if info.Target == "" {
		return ref
	}
	target, ok, err := lookup.Command(info.Target)
	if err != nil || !ok {
		return ref
	}
	ref.Module, ref.Kind = target.Module, target.Kind
	return ref
}

// requiredClosure returns the lowercased names of the required modules and
// everything they require, recursively.
func requiredClosure(required []string, lookup Lookup, report *model.DependencyReport) map[string]struct{} {
	closure := make(map[string]struct{})
	queue := append([]string(nil), required...)
	for len(queue) > 0 {
		m := queue[0]
		queue = queue[1:]
		key := strings.ToLower(m)
		if _, ok := closure[key]; ok {
			continue
		}
		closure[key] = struct{}{}
		deps, err := lookup.RequiredModules(m)
		if err != nil {
			report.Diagnostics = append(report.Diagnostics, model.Diagnostic{
				Severity: model.Warning,
				Stage:    "resolve",
				Subject:  m,
				Message:  fmt.Sprintf("required modules unknown: %v", err),
			})
			continue
		}
		queue = append(queue, deps...)
	}
	return closure
}

func classify(refs []model.CommandReference, required, closure, approved map[string]struct{}) []model.DependencyVerdict {
	byModule := map[string]*model.DependencyVerdict{}
	var order []string
	for _, ref := range refs {
		if ref.Module == "" {
			continue
		}
		key := strings.ToLower(ref.Module)
		v, ok := byModule[key]
		if !ok {
			v = &model.DependencyVerdict{Module: ref.Module}
			byModule[key] = v
			order = append(order, key)
		}
		v.Commands = append(v.Commands, ref.Name)
	}

	sort.Strings(order)
	verdicts := make([]model.DependencyVerdict, 0, len(order))
	for _, key := range order {
		v := byModule[key]
		_, isRequired := required[key]
		_, inClosure := closure[key]
		_, isApproved := approved[key]
		switch {
		case isRequired:
			v.Status = model.SatisfiedRequired
		case inClosure:
			v.Status = model.SatisfiedTransitiveRequired
		case isApproved:
			v.Status = model.ApprovedMissing
		default:
			v.Status = model.UnresolvedMissing
		}
		verdicts = append(verdicts, *v)
	}
	return verdicts
}

func lowerSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[strings.ToLower(n)] = struct{}{}
	}
	return set
}
