// Package model defines core data structures for psbuild.
package model

import "strings"

// Role classifies a project file by what the build does with it.
type Role string

const (
	RootMetadata Role = "root"
	Script       Role = "script"
	ClassScript  Role = "class"
	ArrayInclude Role = "array"
	Asset        Role = "asset"
)

// ClassifiedFile is a single project file with its build role.
type ClassifiedFile struct {
	Path    string // Relative to project root, forward slashes
	Role    Role
	Content []byte
}

// Symbol is a declared function and the aliases it registers.
type Symbol struct {
	Name    string
	Aliases []string
	File    string
}

// SymbolTable maps function names to their declarations. Insertion order is
// kept so that every consumer iterates deterministically.
type SymbolTable struct {
	order []string
	byKey map[string]*Symbol
}

// NewSymbolTable returns an empty table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{byKey: make(map[string]*Symbol)}
}

// Add inserts or replaces sym. The returned bool reports whether an earlier
// declaration with the same (case-insensitive) name was replaced.
func (t *SymbolTable) Add(sym Symbol) (replaced bool) {
	key := strings.ToLower(sym.Name)
	if _, ok := t.byKey[key]; ok {
		replaced = true
	} else {
		t.order = append(t.order, key)
	}
	s := sym
	t.byKey[key] = &s
	return replaced
}

// Lookup returns the symbol declared under name.
func (t *SymbolTable) Lookup(name string) (Symbol, bool) {
	if t == nil {
		return Symbol{}, false
	}
	s, ok := t.byKey[strings.ToLower(name)]
	if !ok {
		return Symbol{}, false
	}
	return *s, true
}

// Has reports whether name is a declared function.
func (t *SymbolTable) Has(name string) bool {
	_, ok := t.Lookup(name)
	return ok
}

// Symbols returns all symbols in insertion order.
func (t *SymbolTable) Symbols() []Symbol {
	if t == nil {
		return nil
	}
	out := make([]Symbol, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, *t.byKey[k])
	}
	return out
}

// Len returns the number of declared functions.
func (t *SymbolTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.order)
}

// Cmdlet is a compiled cmdlet declared in a binary module's sources.
type Cmdlet struct {
	Name    string // Verb-Noun
	Class   string
	Aliases []string
	File    string
	Line    int
}

// CommandKind is the kind of command a name resolves to.
type CommandKind string

const (
	KindCmdlet      CommandKind = "cmdlet"
	KindFunction    CommandKind = "function"
	KindApplication CommandKind = "application"
	KindAlias       CommandKind = "alias"
	KindUnknown     CommandKind = "unknown"
)

// CommandReference is one distinct invoked name that is not declared locally.
type CommandReference struct {
	Name    string
	Module  string // "" when unresolvable
	Kind    CommandKind
	IsAlias bool
}

// VerdictStatus classifies a referenced module against the configured lists.
type VerdictStatus string

const (
	SatisfiedRequired           VerdictStatus = "required"
	SatisfiedTransitiveRequired VerdictStatus = "transitive"
	ApprovedMissing             VerdictStatus = "approved"
	UnresolvedMissing           VerdictStatus = "missing"
)

// DependencyVerdict is the classification of one referenced module.
type DependencyVerdict struct {
	Module   string
	Status   VerdictStatus
	Commands []string
}

// ExportSet is the public surface of a build. The same value feeds the export
// trailer and the manifest so the two can never diverge.
type ExportSet struct {
	Functions []string
	Aliases   []string
	Cmdlets   []string
}

// RequiredModule is a manifest RequiredModules entry.
type RequiredModule struct {
	Name            string
	Version         string // ModuleVersion (minimum)
	RequiredVersion string
	MaximumVersion  string
	Guid            string
}

// PrivateData holds the PSData fields of a manifest.
type PrivateData struct {
	Tags                       []string
	LicenseURI                 string
	ProjectURI                 string
	IconURI                    string
	ReleaseNotes               string
	Prerelease                 string
	RequireLicenseAcceptance   bool
	ExternalModuleDependencies []string
}

// ManifestRecord is the structured module manifest.
type ManifestRecord struct {
	Name                 string
	Version              string
	Guid                 string
	Author               string
	CompanyName          string
	Copyright            string
	Description          string
	PowerShellVersion    string
	CompatiblePSEditions []string
	RootModule           string
	Exports              ExportSet
	RequiredModules      []RequiredModule
	RequiredAssemblies   []string
	ScriptsToProcess     []string
	FormatsToProcess     []string
	TypesToProcess       []string
	PrivateData          PrivateData
	// Extra holds additional top-level fields supplied by configuration.
	Extra map[string]any
}

// Severity grades a Diagnostic.
type Severity string

const (
	Info    Severity = "info"
	Warning Severity = "warning"
	Error   Severity = "error"
)

// Diagnostic is a non-fatal finding surfaced in the build report.
type Diagnostic struct {
	Severity Severity
	Stage    string
	Subject  string
	Message  string
}

// DependencyReport is the build-time diagnostic report of the resolver.
type DependencyReport struct {
	ModuleName  string
	Verdicts    []DependencyVerdict
	References  []CommandReference
	Unresolved  []string
	Diagnostics []Diagnostic
}
