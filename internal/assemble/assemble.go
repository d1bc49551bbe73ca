// Package assemble concatenates the classified sources of a module project
// into a single script module.
package assemble

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/phobologic/psbuild/internal/model"
	"github.com/phobologic/psbuild/internal/psast"
	"github.com/phobologic/psbuild/internal/symbols"
)

// ExportMarker opens the export trailer. ToScript and other tooling search
// for this exact line.
const ExportMarker = "# Export functions and aliases as required"

// DefaultArrayName is the script variable holding array includes.
const DefaultArrayName = "ArrayIncludes"

// SortPolicy orders the script and class files.
type SortPolicy string

const (
	SortNone       SortPolicy = "none"
	SortAscending  SortPolicy = "ascending"
	SortDescending SortPolicy = "descending"
)

// Mode selects how script files end up in the module.
type Mode string

const (
	// Merge concatenates every script into the module file.
	Merge Mode = "merge"
	// Link dot-sources every script from the staged module directory.
	Link Mode = "link"
)

// InlineModule is a dependency whose functions are copied into the build.
type InlineModule struct {
	Module    string
	Functions []symbols.Function
}

// Options controls Assemble.
type Options struct {
	// Root is the project root; files without loaded content are read from it.
	Root                string
	Sort                SortPolicy
	Mode                Mode
	Libraries           Libraries
	IgnoreAlreadyLoaded bool
	ArrayName           string
	// SelfPathExempt lists project-relative paths left untouched by the
	// self-path rewrite.
	SelfPathExempt []string
	Inline         []InlineModule
	Exports        model.ExportSet
}

// Section is one named part of an assembled module.
type Section struct {
	Name string
	Text string
}

// Section names, in module order.
const (
	SectionLibraries = "libraries"
	SectionInline    = "inline"
	SectionArrays    = "arrays"
	SectionClasses   = "classes"
	SectionFunctions = "functions"
	SectionExports   = "exports"
)

// Artifact is an assembled module. Empty sections are omitted.
type Artifact struct {
	Sections []Section
	// Files lists the sources that went into the module, in module order.
	Files []string
}

// String returns the module text.
func (a *Artifact) String() string {
	var b strings.Builder
	for i, s := range a.Sections {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(s.Text)
	}
	return b.String()
}

// Body returns the module text without the export trailer.
func (a *Artifact) Body() string {
	trimmed := &Artifact{}
	for _, s := range a.Sections {
		if s.Name != SectionExports {
			trimmed.Sections = append(trimmed.Sections, s)
		}
	}
	return trimmed.String()
}

// Section returns the text of the named section, or "".
func (a *Artifact) Section(name string) string {
	for _, s := range a.Sections {
		if s.Name == name {
			return s.Text
		}
	}
	return ""
}

// Assemble builds the module from files. Script and class files are ordered
// by opts.Sort independently of each other; classes always precede
// functions. Any unreadable file fails the whole assembly.
func Assemble(files []model.ClassifiedFile, opts Options) (*Artifact, error) {
	var scripts, classes, arrays []model.ClassifiedFile
	for _, f := range files {
		switch f.Role {
		case model.Script:
			scripts = append(scripts, f)
		case model.ClassScript:
			classes = append(classes, f)
		case model.ArrayInclude:
			arrays = append(arrays, f)
		}
	}
	if err := sortFiles(scripts, opts.Sort); err != nil {
		return nil, err
	}
	if err := sortFiles(classes, opts.Sort); err != nil {
		return nil, err
	}

	exempt := make(map[string]struct{}, len(opts.SelfPathExempt))
	for _, p := range opts.SelfPathExempt {
		exempt[strings.Trim(filepath.ToSlash(p), "/")] = struct{}{}
	}

	a := &Artifact{}
	add := func(name, text string) {
		if text != "" {
			a.Sections = append(a.Sections, Section{Name: name, Text: text})
		}
	}

	add(SectionLibraries, LibraryStanza(opts.Libraries, opts.IgnoreAlreadyLoaded))
	add(SectionInline, inlineSection(opts.Inline))

	arrayText, err := arraySection(arrays, opts, exempt, a)
	if err != nil {
		return nil, err
	}
	add(SectionArrays, arrayText)

	classText, err := scriptSection(classes, opts, exempt, a)
	if err != nil {
		return nil, err
	}
	add(SectionClasses, classText)

	fnText, err := scriptSection(scripts, opts, exempt, a)
	if err != nil {
		return nil, err
	}
	add(SectionFunctions, fnText)

	add(SectionExports, ExportTrailer(opts.Exports))
	return a, nil
}

func sortFiles(files []model.ClassifiedFile, policy SortPolicy) error {
	switch policy {
	case SortNone, "":
	case SortAscending:
		sort.SliceStable(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	case SortDescending:
		sort.SliceStable(files, func(i, j int) bool { return files[i].Path > files[j].Path })
	default:
		return fmt.Errorf("unknown sort policy %q", policy)
	}
	return nil
}

func content(f model.ClassifiedFile, opts Options) (string, error) {
	data := f.Content
	if data == nil {
		var err error
		data, err = os.ReadFile(filepath.Join(opts.Root, filepath.FromSlash(f.Path)))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", f.Path, err)
		}
	}
	text := strings.TrimPrefix(string(data), "\ufeff")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return text, nil
}

func scriptSection(files []model.ClassifiedFile, opts Options, exempt map[string]struct{}, a *Artifact) (string, error) {
	var b strings.Builder
	for _, f := range files {
		a.Files = append(a.Files, f.Path)
		if opts.Mode == Link {
			fmt.Fprintf(&b, ". \"$PSScriptRoot\\%s\"\n", strings.ReplaceAll(f.Path, "/", `\`))
			continue
		}
		text, err := content(f, opts)
		if err != nil {
			return "", err
		}
		if _, ok := exempt[f.Path]; !ok {
			text = RewriteSelfPath(text)
		}
		fmt.Fprintf(&b, "#region %s\n%s#endregion\n", f.Path, text)
	}
	return b.String(), nil
}

func arraySection(files []model.ClassifiedFile, opts Options, exempt map[string]struct{}, a *Artifact) (string, error) {
	if len(files) == 0 {
		return "", nil
	}
	name := opts.ArrayName
	if name == "" {
		name = DefaultArrayName
	}
	var b strings.Builder
	fmt.Fprintf(&b, "$Script:%s = [ordered]@{\n", name)
	used := make(map[string]struct{})
	for _, f := range files {
		a.Files = append(a.Files, f.Path)
		text, err := content(f, opts)
		if err != nil {
			return "", err
		}
		if _, ok := exempt[f.Path]; !ok {
			text = RewriteSelfPath(text)
		}
		key := strings.TrimSuffix(path.Base(f.Path), path.Ext(f.Path))
		if _, dup := used[strings.ToLower(key)]; dup {
			key = strings.TrimSuffix(f.Path, path.Ext(f.Path))
		}
		used[strings.ToLower(key)] = struct{}{}
		fmt.Fprintf(&b, "    %s = {\n%s    }\n", psast.Quote(key), text)
	}
	b.WriteString("}\n")
	return b.String(), nil
}

func inlineSection(mods []InlineModule) string {
	var b strings.Builder
	for _, m := range mods {
		if len(m.Functions) == 0 {
			continue
		}
		fmt.Fprintf(&b, "#region Inlined from %s\n", m.Module)
		for _, fn := range m.Functions {
			b.WriteString(RewriteSelfPath(fn.Source))
			if !strings.HasSuffix(fn.Source, "\n") {
				b.WriteByte('\n')
			}
		}
		b.WriteString("#endregion\n")
	}
	return b.String()
}

// SelfPathMarker is the escaped pattern text of the self-path rewrite. A
// file containing it is never rewritten.
const SelfPathMarker = `\$PSScriptRoot\\..\\..`

var selfPathRe = regexp.MustCompile(`(?i)\$PSScriptRoot[\\/]\.\.[\\/]\.\.`)

// RewriteSelfPath replaces $PSScriptRoot\..\.. with $PSScriptRoot. Text
// containing SelfPathMarker is returned unchanged.
func RewriteSelfPath(text string) string {
	if strings.Contains(text, SelfPathMarker) {
		return text
	}
	return selfPathRe.ReplaceAllString(text, "$$PSScriptRoot")
}

// ExportTrailer renders the Export-ModuleMember statement for exports.
func ExportTrailer(exports model.ExportSet) string {
	var b strings.Builder
	b.WriteString(ExportMarker)
	b.WriteString("\nExport-ModuleMember -Function ")
	b.WriteString(psList(exports.Functions))
	b.WriteString(" -Alias ")
	b.WriteString(psList(exports.Aliases))
	if len(exports.Cmdlets) > 0 {
		b.WriteString(" -Cmdlet ")
		b.WriteString(psList(exports.Cmdlets))
	}
	b.WriteByte('\n')
	return b.String()
}

func psList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = psast.Quote(n)
	}
	return "@(" + strings.Join(quoted, ", ") + ")"
}

// ToScript truncates a module at the export trailer, turning it into a
// plain script. Text without the marker is returned unchanged.
func ToScript(module string) string {
	var idx int
	switch {
	case strings.HasPrefix(module, ExportMarker):
		idx = 0
	default:
		idx = strings.Index(module, "\n"+ExportMarker)
		if idx < 0 {
			return module
		}
		idx++
	}
	return strings.TrimRight(module[:idx], "\n") + "\n"
}
