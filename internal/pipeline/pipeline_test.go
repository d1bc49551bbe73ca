package pipeline

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phobologic/psbuild/internal/assemble"
	"github.com/phobologic/psbuild/internal/config"
	"github.com/phobologic/psbuild/internal/manifest"
	"github.com/phobologic/psbuild/internal/model"
	"github.com/phobologic/psbuild/internal/resolve"
	"github.com/phobologic/psbuild/internal/symbols"
	"github.com/phobologic/psbuild/internal/version"
)

type fakeModules struct {
	commands  map[string]resolve.CommandInfo
	requires  map[string][]string
	installed map[string]manifest.InstalledModule
	functions map[string]string // module -> script source
}

func (f *fakeModules) Command(name string) (resolve.CommandInfo, bool, error) {
	info, ok := f.commands[strings.ToLower(name)]
	return info, ok, nil
}

func (f *fakeModules) RequiredModules(module string) ([]string, error) {
	return f.requires[strings.ToLower(module)], nil
}

func (f *fakeModules) Find(name, _ string) (manifest.InstalledModule, bool, error) {
	m, ok := f.installed[strings.ToLower(name)]
	return m, ok, nil
}

func (f *fakeModules) Functions(module string) ([]symbols.Function, error) {
	src, ok := f.functions[strings.ToLower(module)]
	if !ok {
		return nil, errors.New("not installed")
	}
	return symbols.ParseFile(module+".psm1", []byte(src))
}

func newModules() *fakeModules {
	return &fakeModules{
		commands: map[string]resolve.CommandInfo{
			"invoke-remote": {Name: "Invoke-Remote", Module: "Remote.Tools", Kind: model.KindCmdlet},
			"new-thing":     {Name: "New-Thing", Module: "Thing.Helpers", Kind: model.KindFunction},
			"write-output":  {Name: "Write-Output", Module: "Microsoft.PowerShell.Utility", Kind: model.KindCmdlet},
		},
		installed: map[string]manifest.InstalledModule{
			"remote.tools": {Name: "Remote.Tools", Version: "3.1.0", Guid: "8b7c2f4e-0d1a-4a57-9b0c-2f3e4d5c6b7a"},
		},
		functions: map[string]string{
			"thing.helpers": "function New-Thing {\n    Format-Thing\n}\n\nfunction Format-Thing {\n    'thing'\n}\n\nfunction Unrelated {\n}\n",
		},
	}
}

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// project writes a small module project and returns its root.
func project(t *testing.T, cfg string) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "psbuild.yaml", cfg)
	writeFile(t, root, "Public/Get-Thing.ps1", `function Get-Thing {
    [CmdletBinding()]
    [Alias('gt')]
    param([string]$Name)
    $path = "$PSScriptRoot\..\..\Data\things.json"
    Format-Name -Name $Name
}
`)
	writeFile(t, root, "Private/Format-Name.ps1", `function Format-Name {
    param([string]$Name)
    Write-Output $Name
}

function Get-Orphan {
}
`)
	writeFile(t, root, "Classes/Thing.ps1", "class Thing {\n    [string]$Name\n}\n")
	writeFile(t, root, "Data/things.json", "[]\n")
	writeFile(t, root, "LICENSE", "MIT\n")
	writeFile(t, root, ".git/config", "[core]\n")
	return root
}

func load(t *testing.T, root string) *config.Config {
	t.Helper()
	cfg, err := config.Load(root)
	require.NoError(t, err)
	return cfg
}

func build(t *testing.T, root string) *State {
	t.Helper()
	st, err := Build(context.Background(), load(t, root), Options{Modules: newModules()})
	require.NoError(t, err)
	return st
}

func readText(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestBuild(t *testing.T) {
	t.Parallel()

	root := project(t, "name: Demo\nversion: 1.0.0\n")
	st := build(t, root)

	out := filepath.Join(root, "Output", "Demo")
	assert.Equal(t, []string{out}, st.Outputs)
	assert.FileExists(t, filepath.Join(out, "Data", "things.json"))
	assert.FileExists(t, filepath.Join(out, "LICENSE"))
	assert.NoFileExists(t, filepath.Join(out, "Public", "Get-Thing.ps1"))

	assert.Equal(t, model.ExportSet{Functions: []string{"Get-Thing"}, Aliases: []string{"gt"}}, st.Exports)

	psm1 := readText(t, filepath.Join(out, "Demo.psm1"))
	assert.Contains(t, psm1, "#region Classes/Thing.ps1")
	assert.Contains(t, psm1, `"$PSScriptRoot\Data\things.json"`)
	assert.Less(t, strings.Index(psm1, "class Thing"), strings.Index(psm1, "function Get-Thing"))
	assert.True(t, strings.HasSuffix(psm1, assemble.ExportTrailer(st.Exports)))

	rec, err := manifest.Read(filepath.Join(out, "Demo.psd1"))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", rec.Version)
	assert.Equal(t, st.Exports.Functions, rec.Exports.Functions)
	assert.Equal(t, st.Exports.Aliases, rec.Exports.Aliases)
	assert.Empty(t, rec.Exports.Cmdlets)
	assert.NotEmpty(t, rec.Guid)

	registry, err := (version.FileRegistry{Path: filepath.Join(root, ".psbuild", "versions.toml")}).Previous(context.Background(), "Demo")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", registry)
}

func TestBuildIsIdempotent(t *testing.T) {
	t.Parallel()

	root := project(t, "name: Demo\nversion: 1.0.0\nscript_output: true\n")
	out := filepath.Join(root, "Output", "Demo")

	build(t, root)
	first := map[string]string{}
	for _, f := range []string{"Demo.psm1", "Demo.psd1", "Demo.ps1"} {
		first[f] = readText(t, filepath.Join(out, f))
	}
	build(t, root)
	for f, want := range first {
		assert.Equal(t, want, readText(t, filepath.Join(out, f)), f)
	}
	assert.NotContains(t, first["Demo.ps1"], assemble.ExportMarker)
}

func TestBuildReportsUnusedPrivateFunctions(t *testing.T) {
	t.Parallel()

	st := build(t, project(t, "name: Demo\nversion: 1.0.0\n"))

	var unused []string
	for _, d := range st.Diagnostics {
		if d.Message == "private function is never called" {
			unused = append(unused, d.Subject)
		}
	}
	assert.Equal(t, []string{"Get-Orphan"}, unused)
}

func TestBuildPrivateFunctionCalledThroughAlias(t *testing.T) {
	t.Parallel()

	root := project(t, "name: Demo\nversion: 1.0.0\n")
	writeFile(t, root, "Private/Get-Orphan.ps1", "function Get-Orphan {\n    [Alias('gorph')]\n    param()\n}\n")
	writeFile(t, root, "Private/Format-Name.ps1", "function Format-Name {\n    param([string]$Name)\n    gorph\n    Write-Output $Name\n}\n")

	st := build(t, root)
	for _, d := range st.Diagnostics {
		assert.NotEqual(t, "private function is never called", d.Message, "unexpected report for %s", d.Subject)
	}
}

func TestBuildAliasConflict(t *testing.T) {
	t.Parallel()

	root := project(t, "name: Demo\nversion: 1.0.0\ndestinations: [dist]\n")
	writeFile(t, root, "Public/Get-Other.ps1", "function Get-Other {\n    [Alias('gt')]\n    param()\n}\n")

	_, err := Build(context.Background(), load(t, root), Options{Modules: newModules()})
	require.ErrorIs(t, err, symbols.ErrDuplicateExport)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageExtract, stageErr.Stage)
	assert.Equal(t, "gt", stageErr.Subject)

	assert.NoDirExists(t, filepath.Join(root, "Output"))
	assert.NoDirExists(t, filepath.Join(root, "dist"))
}

func TestBuildMissingDependencyLeavesDestinations(t *testing.T) {
	t.Parallel()

	dest := t.TempDir()
	root := project(t, "name: Demo\nversion: 1.0.0\ndestinations: ["+dest+"]\n")
	writeFile(t, root, "Public/Send-Thing.ps1", "function Send-Thing {\n    Invoke-Remote -Target here\n}\n")
	marker := writeFile(t, dest, "Demo/old.txt", "previous build\n")

	_, err := Build(context.Background(), load(t, root), Options{Modules: newModules()})
	require.ErrorIs(t, err, resolve.ErrMissingDependencies)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageResolve, stageErr.Stage)
	assert.Equal(t, "Remote.Tools", stageErr.Subject)

	assert.Equal(t, "previous build\n", readText(t, marker))
	assert.NoFileExists(t, filepath.Join(dest, "Demo", "Demo.psm1"))
}

func TestBuildForceDowngradesMissing(t *testing.T) {
	t.Parallel()

	root := project(t, "name: Demo\nversion: 1.0.0\nforce: true\n")
	writeFile(t, root, "Public/Send-Thing.ps1", "function Send-Thing {\n    Invoke-Remote -Target here\n}\n")

	st := build(t, root)
	require.Len(t, st.Dependencies.Verdicts, 1)
	assert.Equal(t, model.UnresolvedMissing, st.Dependencies.Verdicts[0].Status)

	var warned bool
	for _, d := range st.Diagnostics {
		if d.Severity == model.Warning && d.Subject == "Remote.Tools" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestBuildForceOption(t *testing.T) {
	t.Parallel()

	root := project(t, "name: Demo\nversion: 1.0.0\n")
	writeFile(t, root, "Public/Send-Thing.ps1", "function Send-Thing {\n    Invoke-Remote -Target here\n}\n")
	cfg := load(t, root)

	st, err := Build(context.Background(), cfg, Options{Modules: newModules(), Force: true})
	require.NoError(t, err)
	assert.False(t, cfg.Force, "the loaded configuration is not changed")
	require.Len(t, st.Dependencies.Verdicts, 1)
	assert.Equal(t, model.UnresolvedMissing, st.Dependencies.Verdicts[0].Status)
	assert.FileExists(t, filepath.Join(root, "Output", "Demo", "Demo.psd1"))
}

func TestBuildRequiredSentinels(t *testing.T) {
	t.Parallel()

	root := project(t, `name: Demo
version: 1.0.0
required_modules:
  - name: Remote.Tools
    version: Latest
    guid: Auto
`)
	writeFile(t, root, "Public/Send-Thing.ps1", "function Send-Thing {\n    Invoke-Remote -Target here\n}\n")

	st := build(t, root)
	require.Len(t, st.Dependencies.Verdicts, 1)
	assert.Equal(t, model.SatisfiedRequired, st.Dependencies.Verdicts[0].Status)

	rec, err := manifest.Read(filepath.Join(root, "Output", "Demo", "Demo.psd1"))
	require.NoError(t, err)
	require.Len(t, rec.RequiredModules, 1)
	assert.Equal(t, "3.1.0", rec.RequiredModules[0].Version)
	assert.Equal(t, "8b7c2f4e-0d1a-4a57-9b0c-2f3e4d5c6b7a", rec.RequiredModules[0].Guid)
}

func TestBuildUnresolvableSentinel(t *testing.T) {
	t.Parallel()

	root := project(t, `name: Demo
version: 1.0.0
required_modules:
  - name: Not.Installed
    version: Latest
`)
	_, err := Build(context.Background(), load(t, root), Options{Modules: newModules()})
	require.ErrorIs(t, err, manifest.ErrSentinel)
	assert.NoDirExists(t, filepath.Join(root, "Output"))
}

func TestBuildInlinesApprovedFunctions(t *testing.T) {
	t.Parallel()

	root := project(t, "name: Demo\nversion: 1.0.0\napproved_modules: [Thing.Helpers]\ninline_dependencies: true\n")
	writeFile(t, root, "Public/New-Widget.ps1", "function New-Widget {\n    New-Thing\n}\n")

	st := build(t, root)
	psm1 := readText(t, filepath.Join(root, "Output", "Demo", "Demo.psm1"))
	assert.Contains(t, psm1, "#region Inlined from Thing.Helpers")
	assert.Contains(t, psm1, "function New-Thing")
	assert.Contains(t, psm1, "function Format-Thing")
	assert.NotContains(t, psm1, "function Unrelated")
	assert.Less(t, strings.Index(psm1, "function New-Thing"), strings.Index(psm1, "function New-Widget"))
	assert.NotContains(t, st.Exports.Functions, "New-Thing")
	for _, v := range st.Dependencies.Verdicts {
		assert.NotEqual(t, "Thing.Helpers", v.Module, "inlined functions are local to the build")
	}
}

func TestBuildChecksInlinedDependencies(t *testing.T) {
	t.Parallel()

	root := project(t, "name: Demo\nversion: 1.0.0\napproved_modules: [Thing.Helpers]\ninline_dependencies: true\n")
	writeFile(t, root, "Public/New-Widget.ps1", "function New-Widget {\n    New-Thing\n}\n")
	mods := newModules()
	mods.functions["thing.helpers"] = "function New-Thing {\n    Invoke-Remote -Target here\n}\n"

	st, err := Build(context.Background(), load(t, root), Options{Modules: mods})
	require.ErrorIs(t, err, resolve.ErrMissingDependencies)
	assert.Contains(t, err.Error(), "Remote.Tools")
	require.NotNil(t, st.Dependencies)
	require.Len(t, st.Dependencies.Verdicts, 1)
	assert.Equal(t, "Remote.Tools", st.Dependencies.Verdicts[0].Module)
	assert.Equal(t, model.UnresolvedMissing, st.Dependencies.Verdicts[0].Status)
	assert.NoDirExists(t, filepath.Join(root, "Output"))
}

func TestBuildVersionStepping(t *testing.T) {
	t.Parallel()

	root := project(t, "name: Demo\nversion: 2.3.X\n")
	require.NoError(t, version.FileRegistry{Path: filepath.Join(root, ".psbuild", "versions.toml")}.Record("Demo", "2.3.7"))

	assert.Equal(t, "2.3.8", build(t, root).Version)
	assert.Equal(t, "2.3.9", build(t, root).Version)
}

func TestBuildVersionRegression(t *testing.T) {
	t.Parallel()

	root := project(t, "name: Demo\nversion: 1.X\n")
	require.NoError(t, version.FileRegistry{Path: filepath.Join(root, ".psbuild", "versions.toml")}.Record("Demo", "2.0"))

	_, err := Build(context.Background(), load(t, root), Options{Modules: newModules()})
	require.ErrorIs(t, err, version.ErrRegression)
	assert.NoDirExists(t, filepath.Join(root, "Output"))
}

func TestBuildDryRun(t *testing.T) {
	t.Parallel()

	root := project(t, "name: Demo\nversion: 1.0.0\nzip: true\n")
	st, err := Build(context.Background(), load(t, root), Options{Modules: newModules(), DryRun: true})
	require.NoError(t, err)

	assert.Empty(t, st.Outputs)
	assert.Contains(t, st.ManifestDiff, "+    ModuleVersion = '1.0.0'")
	assert.NoDirExists(t, filepath.Join(root, "Output"))
	assert.NoDirExists(t, filepath.Join(root, "Artefacts"))
	assert.NoDirExists(t, filepath.Join(root, ".psbuild"))
}

func TestBuildVersionedDestinationsAndZip(t *testing.T) {
	t.Parallel()

	root := project(t, "name: Demo\nversion: 1.2.0\nversioned_destinations: true\nzip: true\n")
	st := build(t, root)

	out := filepath.Join(root, "Output", "Demo", "1.2.0")
	archive := filepath.Join(root, "Artefacts", "Demo.1.2.0.zip")
	assert.Equal(t, []string{out, archive}, st.Outputs)
	assert.FileExists(t, filepath.Join(out, "Demo.psd1"))

	zr, err := zip.OpenReader(archive)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		assert.True(t, f.Modified.Equal(fixedZipTime), f.Name)
	}
	assert.Equal(t, []string{"Demo/Data/things.json", "Demo/Demo.psd1", "Demo/Demo.psm1", "Demo/LICENSE"}, names)
}

func TestBuildLinkMode(t *testing.T) {
	t.Parallel()

	root := project(t, "name: Demo\nversion: 1.0.0\nmode: link\n")
	st := build(t, root)

	out := filepath.Join(root, "Output", "Demo")
	psm1 := readText(t, filepath.Join(out, "Demo.psm1"))
	assert.Contains(t, psm1, `. "$PSScriptRoot\Public\Get-Thing.ps1"`)
	assert.FileExists(t, filepath.Join(out, "Public", "Get-Thing.ps1"))
	assert.FileExists(t, filepath.Join(out, "Classes", "Thing.ps1"))
	assert.Equal(t, []string{"Get-Thing"}, st.Exports.Functions)
}

func TestBuildLibraries(t *testing.T) {
	t.Parallel()

	root := project(t, "name: Demo\nversion: 1.0.0\nlibraries: [Lib/**/*.dll]\n")
	writeFile(t, root, "Lib/Core/Fast.dll", "core")
	writeFile(t, root, "Lib/Desktop/Fast.dll", "desktop")
	writeFile(t, root, "Lib/Shared.dll", "shared")

	st := build(t, root)
	assert.Equal(t, assemble.Libraries{
		Core:     []string{"Lib/Core/Fast.dll"},
		Default:  []string{"Lib/Desktop/Fast.dll"},
		Standard: []string{"Lib/Shared.dll"},
	}, st.Libraries)

	out := filepath.Join(root, "Output", "Demo")
	assert.FileExists(t, filepath.Join(out, "Lib", "Core", "Fast.dll"))
	psm1 := readText(t, filepath.Join(out, "Demo.psm1"))
	assert.True(t, strings.HasPrefix(psm1, `Add-Type -Path "$PSScriptRoot\Lib\Shared.dll"`))
	assert.Contains(t, psm1, "if ($PSEdition -eq 'Core') {")
}

func TestBuildCompiledCmdlets(t *testing.T) {
	t.Parallel()

	root := project(t, "name: Demo\nversion: 1.0.0\n")
	writeFile(t, root, "Sources/GetWidget.cs", `using System.Management.Automation;

namespace Demo
{
    [Cmdlet(VerbsCommon.Get, "Widget")]
    [Alias("gwd")]
    public class GetWidgetCommand : PSCmdlet
    {
    }
}
`)
	st := build(t, root)
	assert.Equal(t, []string{"Get-Widget"}, st.Exports.Cmdlets)
	assert.Equal(t, []string{"gt", "gwd"}, st.Exports.Aliases)

	psm1 := readText(t, filepath.Join(root, "Output", "Demo", "Demo.psm1"))
	assert.Contains(t, psm1, "-Cmdlet @('Get-Widget')")
}

func TestAnalyzeDoesNotEnforce(t *testing.T) {
	t.Parallel()

	root := project(t, "name: Demo\nversion: 1.0.0\n")
	writeFile(t, root, "Public/Send-Thing.ps1", "function Send-Thing {\n    Invoke-Remote\n    Invoke-Nowhere\n}\n")

	st, err := Analyze(context.Background(), load(t, root), Options{Modules: newModules()})
	require.NoError(t, err)
	assert.Equal(t, []string{"Invoke-Nowhere"}, st.Dependencies.Unresolved)
	assert.Equal(t, []model.DependencyVerdict{
		{Module: "Remote.Tools", Status: model.UnresolvedMissing, Commands: []string{"Invoke-Remote"}},
	}, st.Dependencies.Verdicts)
	assert.NoDirExists(t, filepath.Join(root, "Output"))

	b := st.Report()
	assert.Equal(t, "Demo", b.Module)
	assert.Equal(t, "1.0.0", b.Version)
}

func TestEditionOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want string
	}{
		{"Lib/Core/a.dll", "core"},
		{"lib/netcoreapp3.1/a.dll", "core"},
		{"Lib/Desktop/a.dll", "default"},
		{"Lib/Default/a.dll", "default"},
		{"lib/net472/a.dll", "default"},
		{"lib/netstandard2.0/a.dll", "standard"},
		{"Lib/a.dll", "standard"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, editionOf(tt.path))
		})
	}
}

func TestStageErrorMessage(t *testing.T) {
	t.Parallel()

	err := fail(StageDeploy, "/tmp/out", os.ErrPermission)
	assert.Equal(t, "deploy /tmp/out: permission denied", err.Error())
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Equal(t, "version: boom", fail(StageVersion, "", errors.New("boom")).Error())
}
