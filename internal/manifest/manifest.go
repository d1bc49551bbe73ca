// Package manifest synthesizes, serializes and verifies PowerShell module
// manifests (.psd1 data files).
package manifest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/phobologic/psbuild/internal/model"
)

// Required-module sentinels resolved against the installed modules.
const (
	LatestVersion = "Latest"
	AutoGuid      = "Auto"
)

var (
	// ErrSentinel is returned when a Latest or Auto sentinel cannot be resolved.
	ErrSentinel = errors.New("unresolvable required-module sentinel")
	// ErrStyle is returned when a record cannot be written in the chosen style.
	ErrStyle = errors.New("manifest style cannot represent record")
	// ErrRoundTrip is returned when a written manifest does not read back.
	ErrRoundTrip = errors.New("manifest round trip failed")
)

// Style selects the manifest layout.
type Style string

const (
	// Native lays keys out the way New-ModuleManifest does, with comments.
	Native Style = "native"
	// Normalized writes only populated keys, sorted, without comments.
	Normalized Style = "normalized"
)

// InstalledModule is one installed version of a module.
type InstalledModule struct {
	Name    string
	Version string
	Guid    string
}

// Installed finds installed modules. An empty version asks for the highest
// installed version.
type Installed interface {
	Find(name, version string) (InstalledModule, bool, error)
}

// extraKeys are the manifest keys that may only arrive through Extra.
var extraKeys = map[string]string{
	"nestedmodules":          "NestedModules",
	"filelist":               "FileList",
	"modulelist":             "ModuleList",
	"dscresourcestoexport":   "DscResourcesToExport",
	"variablestoexport":      "VariablesToExport",
	"helpinfouri":            "HelpInfoURI",
	"defaultcommandprefix":   "DefaultCommandPrefix",
	"processorarchitecture":  "ProcessorArchitecture",
	"dotnetframeworkversion": "DotNetFrameworkVersion",
	"clrversion":             "ClrVersion",
	"powershellhostname":     "PowerShellHostName",
	"powershellhostversion":  "PowerShellHostVersion",
}

// Synthesize completes rec for serialization: it fills the root module and
// GUID defaults, resolves required-module sentinels, relocates PSData fields
// supplied at the top level and drops unknown extra fields with a diagnostic.
func Synthesize(ctx context.Context, rec model.ManifestRecord, installed Installed) (model.ManifestRecord, []model.Diagnostic, error) {
	if rec.Name == "" {
		return rec, nil, errors.New("manifest: module name is empty")
	}
	if rec.RootModule == "" {
		rec.RootModule = rec.Name + ".psm1"
	}
	if rec.Guid == "" {
		rec.Guid = uuid.NewString()
	}

	required := make([]model.RequiredModule, 0, len(rec.RequiredModules))
	for _, rm := range rec.RequiredModules {
		if err := ctx.Err(); err != nil {
			return rec, nil, err
		}
		resolved, err := resolveSentinels(rm, installed)
		if err != nil {
			return rec, nil, err
		}
		required = append(required, resolved)
	}
	rec.RequiredModules = required

	var diags []model.Diagnostic
	extra := make(map[string]any, len(rec.Extra))
	keys := make([]string, 0, len(rec.Extra))
	for k := range rec.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := rec.Extra[k]
		if relocate(&rec.PrivateData, k, v) {
			continue
		}
		canonical, ok := extraKeys[strings.ToLower(k)]
		if !ok {
			diags = append(diags, model.Diagnostic{
				Severity: model.Warning,
				Stage:    "manifest",
				Subject:  k,
				Message:  "unknown manifest field dropped",
			})
			continue
		}
		extra[canonical] = v
	}
	rec.Extra = extra
	return rec, diags, nil
}

func resolveSentinels(rm model.RequiredModule, installed Installed) (model.RequiredModule, error) {
	latest := strings.EqualFold(rm.Version, LatestVersion)
	auto := strings.EqualFold(rm.Guid, AutoGuid)
	if !latest && !auto {
		return rm, nil
	}
	if installed == nil {
		return rm, fmt.Errorf("%w: %s: no installed-module lookup", ErrSentinel, rm.Name)
	}

	want := rm.RequiredVersion
	if want == "" && !latest {
		want = rm.Version
	}
	found, ok, err := installed.Find(rm.Name, want)
	if err != nil {
		return rm, fmt.Errorf("%w: %s: %v", ErrSentinel, rm.Name, err)
	}
	if !ok {
		return rm, fmt.Errorf("%w: %s is not installed", ErrSentinel, rm.Name)
	}
	if latest {
		rm.Version = found.Version
	}
	if auto {
		if found.Guid == "" {
			return rm, fmt.Errorf("%w: %s has no GUID", ErrSentinel, rm.Name)
		}
		rm.Guid = found.Guid
	}
	return rm, nil
}

// relocate moves a top-level PSData field into pd. Explicit values win.
func relocate(pd *model.PrivateData, key string, v any) bool {
	switch strings.ToLower(key) {
	case "tags":
		if len(pd.Tags) == 0 {
			pd.Tags = toStrings(v)
		}
	case "licenseuri":
		if pd.LicenseURI == "" {
			pd.LicenseURI = fmt.Sprint(v)
		}
	case "projecturi":
		if pd.ProjectURI == "" {
			pd.ProjectURI = fmt.Sprint(v)
		}
	case "iconuri":
		if pd.IconURI == "" {
			pd.IconURI = fmt.Sprint(v)
		}
	case "releasenotes":
		if pd.ReleaseNotes == "" {
			pd.ReleaseNotes = fmt.Sprint(v)
		}
	case "prerelease":
		if pd.Prerelease == "" {
			pd.Prerelease = fmt.Sprint(v)
		}
	case "requirelicenseacceptance":
		if b, ok := v.(bool); ok {
			pd.RequireLicenseAcceptance = pd.RequireLicenseAcceptance || b
		}
	case "externalmoduledependencies":
		if len(pd.ExternalModuleDependencies) == 0 {
			pd.ExternalModuleDependencies = toStrings(v)
		}
	default:
		return false
	}
	return true
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
		return out
	case string:
		return []string{t}
	}
	return []string{fmt.Sprint(v)}
}

// Serialize renders rec in the given style.
func Serialize(rec model.ManifestRecord, style Style) ([]byte, error) {
	switch style {
	case Native, "":
		if rec.PrivateData.Prerelease != "" || len(rec.PrivateData.ExternalModuleDependencies) > 0 {
			return nil, fmt.Errorf("%w: native style cannot carry prerelease or external module dependencies", ErrStyle)
		}
		return []byte(native(rec)), nil
	case Normalized:
		return []byte(normalized(rec)), nil
	}
	return nil, fmt.Errorf("%w: unknown style %q", ErrStyle, style)
}

// field is one top-level manifest key with its New-ModuleManifest comment.
type field struct {
	key     string
	comment string
	value   any
	always  bool
}

func fields(rec model.ManifestRecord) []field {
	exportList := func(names []string) []any {
		out := make([]any, 0, len(names))
		for _, n := range names {
			out = append(out, n)
		}
		return out
	}
	extra := func(key string) any {
		return rec.Extra[key]
	}
	return []field{
		{"RootModule", "Script module or binary module file associated with this manifest.", rec.RootModule, false},
		{"ModuleVersion", "Version number of this module.", rec.Version, true},
		{"CompatiblePSEditions", "Supported PSEditions", listOrNil(rec.CompatiblePSEditions), false},
		{"GUID", "ID used to uniquely identify this module", rec.Guid, true},
		{"Author", "Author of this module", rec.Author, false},
		{"CompanyName", "Company or vendor of this module", rec.CompanyName, false},
		{"Copyright", "Copyright statement for this module", rec.Copyright, false},
		{"Description", "Description of the functionality provided by this module", rec.Description, false},
		{"PowerShellVersion", "Minimum version of the PowerShell engine required by this module", rec.PowerShellVersion, false},
		{"PowerShellHostName", "Name of the PowerShell host required by this module", extra("PowerShellHostName"), false},
		{"PowerShellHostVersion", "Minimum version of the PowerShell host required by this module", extra("PowerShellHostVersion"), false},
		{"DotNetFrameworkVersion", "Minimum version of Microsoft .NET Framework required by this module.", extra("DotNetFrameworkVersion"), false},
		{"ClrVersion", "Minimum version of the common language runtime (CLR) required by this module.", extra("ClrVersion"), false},
		{"ProcessorArchitecture", "Processor architecture (None, X86, Amd64) required by this module", extra("ProcessorArchitecture"), false},
		{"RequiredModules", "Modules that must be imported into the global environment prior to importing this module", requiredModules(rec.RequiredModules), false},
		{"RequiredAssemblies", "Assemblies that must be loaded prior to importing this module", listOrNil(rec.RequiredAssemblies), false},
		{"ScriptsToProcess", "Script files (.ps1) that are run in the caller's environment prior to importing this module.", listOrNil(rec.ScriptsToProcess), false},
		{"TypesToProcess", "Type files (.ps1xml) to be loaded when importing this module", listOrNil(rec.TypesToProcess), false},
		{"FormatsToProcess", "Format files (.ps1xml) to be loaded when importing this module", listOrNil(rec.FormatsToProcess), false},
		{"NestedModules", "Modules to import as nested modules of the module specified in RootModule", extra("NestedModules"), false},
		{"FunctionsToExport", "Functions to export from this module", exportList(rec.Exports.Functions), true},
		{"CmdletsToExport", "Cmdlets to export from this module", exportList(rec.Exports.Cmdlets), true},
		{"VariablesToExport", "Variables to export from this module", extraOr(rec.Extra, "VariablesToExport", []any{}), true},
		{"AliasesToExport", "Aliases to export from this module", exportList(rec.Exports.Aliases), true},
		{"DscResourcesToExport", "DSC resources to export from this module", extra("DscResourcesToExport"), false},
		{"ModuleList", "List of all modules packaged with this module", extra("ModuleList"), false},
		{"FileList", "List of all files packaged with this module", extra("FileList"), false},
		{"PrivateData", "Private data to pass to the module specified in RootModule. This may also contain a PSData hashtable with additional module metadata used by PowerShell.", privateData(rec.PrivateData), false},
		{"HelpInfoURI", "HelpInfo URI of this module", extra("HelpInfoURI"), false},
		{"DefaultCommandPrefix", "Default prefix for commands exported from this module.", extra("DefaultCommandPrefix"), false},
	}
}

func extraOr(extra map[string]any, key string, def any) any {
	if v, ok := extra[key]; ok && v != nil {
		return v
	}
	return def
}

func listOrNil(items []string) any {
	if len(items) == 0 {
		return nil
	}
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}

// requiredModules renders bare names as strings and anything carrying a
// version or GUID as a module specification hashtable.
func requiredModules(mods []model.RequiredModule) any {
	if len(mods) == 0 {
		return nil
	}
	out := make([]any, 0, len(mods))
	for _, m := range mods {
		if m.Version == "" && m.RequiredVersion == "" && m.MaximumVersion == "" && m.Guid == "" {
			out = append(out, m.Name)
			continue
		}
		h := NewHash()
		h.Set("ModuleName", m.Name)
		if m.Version != "" {
			h.Set("ModuleVersion", m.Version)
		}
		if m.RequiredVersion != "" {
			h.Set("RequiredVersion", m.RequiredVersion)
		}
		if m.MaximumVersion != "" {
			h.Set("MaximumVersion", m.MaximumVersion)
		}
		if m.Guid != "" {
			h.Set("GUID", m.Guid)
		}
		out = append(out, h)
	}
	return out
}

func privateData(pd model.PrivateData) any {
	ps := NewHash()
	if len(pd.Tags) > 0 {
		ps.Set("Tags", listOrNil(pd.Tags))
	}
	for _, kv := range [][2]string{
		{"LicenseUri", pd.LicenseURI},
		{"ProjectUri", pd.ProjectURI},
		{"IconUri", pd.IconURI},
		{"ReleaseNotes", pd.ReleaseNotes},
		{"Prerelease", pd.Prerelease},
	} {
		if kv[1] != "" {
			ps.Set(kv[0], kv[1])
		}
	}
	if pd.RequireLicenseAcceptance {
		ps.Set("RequireLicenseAcceptance", true)
	}
	if len(pd.ExternalModuleDependencies) > 0 {
		ps.Set("ExternalModuleDependencies", listOrNil(pd.ExternalModuleDependencies))
	}
	if len(ps.Keys()) == 0 {
		return nil
	}
	h := NewHash()
	h.Set("PSData", ps)
	return h
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	}
	return false
}

func native(rec model.ManifestRecord) string {
	var w writer
	w.line("#")
	w.line("# Module manifest for module '%s'", rec.Name)
	w.line("#")
	w.line("")
	w.line("@{")
	w.indent++
	first := true
	for _, f := range fields(rec) {
		if !f.always && isEmpty(f.value) {
			continue
		}
		if !first {
			w.b.WriteByte('\n')
		}
		first = false
		w.comment(f.comment)
		w.entry(f.key, f.value)
	}
	w.indent--
	w.line("}")
	return w.b.String()
}

func normalized(rec model.ManifestRecord) string {
	fs := fields(rec)
	sort.Slice(fs, func(i, j int) bool {
		return strings.ToLower(fs[i].key) < strings.ToLower(fs[j].key)
	})
	var w writer
	w.line("@{")
	w.indent++
	for _, f := range fs {
		if !f.always && isEmpty(f.value) {
			continue
		}
		w.entry(f.key, sortHash(f.value))
	}
	w.indent--
	w.line("}")
	return w.b.String()
}

// sortHash returns v with hashtable keys sorted, recursively.
func sortHash(v any) any {
	h, ok := v.(*Hash)
	if !ok {
		return v
	}
	keys := h.Keys()
	sort.Slice(keys, func(i, j int) bool { return strings.ToLower(keys[i]) < strings.ToLower(keys[j]) })
	out := NewHash()
	for _, k := range keys {
		val, _ := h.Get(k)
		out.Set(k, sortHash(val))
	}
	return out
}

// FromHash reads a parsed manifest back into a record. name is the module
// name, which a manifest does not carry.
func FromHash(h *Hash, name string) model.ManifestRecord {
	rec := model.ManifestRecord{
		Name:                 name,
		Version:              h.String("ModuleVersion"),
		Guid:                 h.String("GUID"),
		Author:               h.String("Author"),
		CompanyName:          h.String("CompanyName"),
		Copyright:            h.String("Copyright"),
		Description:          h.String("Description"),
		PowerShellVersion:    h.String("PowerShellVersion"),
		CompatiblePSEditions: h.Strings("CompatiblePSEditions"),
		RootModule:           h.String("RootModule"),
		Exports: model.ExportSet{
			Functions: h.Strings("FunctionsToExport"),
			Aliases:   h.Strings("AliasesToExport"),
			Cmdlets:   h.Strings("CmdletsToExport"),
		},
		RequiredAssemblies: h.Strings("RequiredAssemblies"),
		ScriptsToProcess:   h.Strings("ScriptsToProcess"),
		FormatsToProcess:   h.Strings("FormatsToProcess"),
		TypesToProcess:     h.Strings("TypesToProcess"),
	}
	if rec.RootModule == "" {
		rec.RootModule = h.String("ModuleToProcess")
	}

	if v, ok := h.Get("RequiredModules"); ok {
		items, isList := v.([]any)
		if !isList {
			items = []any{v}
		}
		for _, item := range items {
			switch t := item.(type) {
			case string:
				rec.RequiredModules = append(rec.RequiredModules, model.RequiredModule{Name: t})
			case *Hash:
				rec.RequiredModules = append(rec.RequiredModules, model.RequiredModule{
					Name:            t.String("ModuleName"),
					Version:         t.String("ModuleVersion"),
					RequiredVersion: t.String("RequiredVersion"),
					MaximumVersion:  t.String("MaximumVersion"),
					Guid:            t.String("GUID"),
				})
			}
		}
	}

	if ps := h.Hash("PrivateData").Hash("PSData"); ps != nil {
		rla, _ := ps.Get("RequireLicenseAcceptance")
		accept, _ := rla.(bool)
		rec.PrivateData = model.PrivateData{
			Tags:                       ps.Strings("Tags"),
			LicenseURI:                 ps.String("LicenseUri"),
			ProjectURI:                 ps.String("ProjectUri"),
			IconURI:                    ps.String("IconUri"),
			ReleaseNotes:               ps.String("ReleaseNotes"),
			Prerelease:                 ps.String("Prerelease"),
			RequireLicenseAcceptance:   accept,
			ExternalModuleDependencies: ps.Strings("ExternalModuleDependencies"),
		}
	}
	return rec
}
