package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/phobologic/psbuild/internal/config"
	"github.com/phobologic/psbuild/internal/resolve"
)

func writeTestFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// createSampleProject writes a small module project whose only external
// command is a core cmdlet. The module path is an empty directory so the
// host's installed modules never leak into the build.
func createSampleProject(t *testing.T) (dir, modulePath string) {
	t.Helper()
	dir = t.TempDir()
	modulePath = t.TempDir()
	writeTestFile(t, dir, "psbuild.yaml", fmt.Sprintf(`name: Demo
version: 1.0.0
description: Demo module
module_path: ["%s"]
`, modulePath))
	writeTestFile(t, dir, "Public/Get-Thing.ps1", `function Get-Thing {
    [Alias('gt')]
    param([string]$Name)
    Format-Name -Name $Name
}
`)
	writeTestFile(t, dir, "Private/Format-Name.ps1", `function Format-Name {
    param([string]$Name)
    Write-Output $Name
}
`)
	writeTestFile(t, dir, "Data/things.json", `{"things": []}`)
	return dir, modulePath
}

func TestRunVersion(t *testing.T) {
	t.Parallel()
	var stdout, stderr bytes.Buffer
	if err := run([]string{"version"}, &stdout, &stderr); err != nil {
		t.Fatalf("version: %v", err)
	}
	if got := stdout.String(); got != "psbuild dev\n" {
		t.Errorf("version output = %q", got)
	}
}

func TestRunBuild(t *testing.T) {
	t.Parallel()
	dir, _ := createSampleProject(t)
	var stdout, stderr bytes.Buffer
	if err := run([]string{"build", dir}, &stdout, &stderr); err != nil {
		t.Fatalf("build: %v\nstderr: %s", err, stderr.String())
	}

	out := filepath.Join(dir, "Output", "Demo")
	for _, rel := range []string{"Demo.psm1", "Demo.psd1", "Data/things.json"} {
		if _, err := os.Stat(filepath.Join(out, filepath.FromSlash(rel))); err != nil {
			t.Errorf("missing output %s: %v", rel, err)
		}
	}
	psm1, err := os.ReadFile(filepath.Join(out, "Demo.psm1"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(psm1), "function Format-Name") || !strings.Contains(string(psm1), "function Get-Thing") {
		t.Errorf("assembled module missing functions:\n%s", psm1)
	}

	report := stdout.String()
	for _, want := range []string{"Demo 1.0.0", "Get-Thing", "gt"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
}

func TestRunBuildToonReport(t *testing.T) {
	t.Parallel()
	dir, _ := createSampleProject(t)
	var stdout, stderr bytes.Buffer
	if err := run([]string{"build", "--report", "toon", dir}, &stdout, &stderr); err != nil {
		t.Fatalf("build: %v", err)
	}
	out := stdout.String()
	if !strings.HasPrefix(out, "module: Demo\nversion: 1.0.0\n") {
		t.Errorf("unexpected toon header:\n%s", out)
	}
	for _, want := range []string{"exports[", "function,Get-Thing", "alias,gt", "outputs["} {
		if !strings.Contains(out, want) {
			t.Errorf("toon report missing %q:\n%s", want, out)
		}
	}
}

func TestRunBuildDryRun(t *testing.T) {
	t.Parallel()
	dir, _ := createSampleProject(t)
	var stdout, stderr bytes.Buffer
	if err := run([]string{"build", "--dry-run", dir}, &stdout, &stderr); err != nil {
		t.Fatalf("build --dry-run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "Output")); !os.IsNotExist(err) {
		t.Error("dry run should not write the output directory")
	}
	out := stdout.String()
	if !strings.Contains(out, "(dry run)") {
		t.Errorf("report should mark the dry run:\n%s", out)
	}
	if !strings.Contains(out, "+++ ") || !strings.Contains(out, "ModuleVersion") {
		t.Errorf("dry run should print the manifest diff:\n%s", out)
	}
}

func TestRunBuildMissingDependency(t *testing.T) {
	t.Parallel()
	dir, modulePath := createSampleProject(t)
	writeTestFile(t, modulePath, "Remote.Tools/Remote.Tools.psd1", `@{
    ModuleVersion = '3.1.0'
    GUID = '30000000-0000-0000-0000-000000000001'
    FunctionsToExport = @('Invoke-Remote')
}
`)
	writeTestFile(t, dir, "Public/Send-Thing.ps1", `function Send-Thing {
    Invoke-Remote -Target 'x'
}
`)

	var stdout, stderr bytes.Buffer
	err := run([]string{"build", dir}, &stdout, &stderr)
	if !errors.Is(err, resolve.ErrMissingDependencies) {
		t.Fatalf("err = %v, want ErrMissingDependencies", err)
	}
	if !strings.Contains(err.Error(), "Remote.Tools") {
		t.Errorf("error should name the module: %v", err)
	}
	if !strings.Contains(stdout.String(), "missing") {
		t.Errorf("report should show the missing verdict:\n%s", stdout.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "Output")); !os.IsNotExist(err) {
		t.Error("failed build should not write the output directory")
	}

	stdout.Reset()
	stderr.Reset()
	if err := run([]string{"build", "--force", dir}, &stdout, &stderr); err != nil {
		t.Fatalf("build --force: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "Output", "Demo", "Demo.psd1")); err != nil {
		t.Errorf("forced build should deploy: %v", err)
	}
}

func TestRunDeps(t *testing.T) {
	t.Parallel()
	dir, modulePath := createSampleProject(t)
	writeTestFile(t, modulePath, "Remote.Tools/Remote.Tools.psd1", `@{
    ModuleVersion = '3.1.0'
    GUID = '30000000-0000-0000-0000-000000000001'
    FunctionsToExport = @('Invoke-Remote')
}
`)
	writeTestFile(t, dir, "Public/Send-Thing.ps1", `function Send-Thing {
    Invoke-Remote -Target 'x'
}
`)

	var stdout, stderr bytes.Buffer
	if err := run([]string{"deps", "--report", "toon", dir}, &stdout, &stderr); err != nil {
		t.Fatalf("deps should report without failing: %v", err)
	}
	out := stdout.String()
	for _, want := range []string{"verdicts[1]{module,status,commands}:", "Remote.Tools,missing,Invoke-Remote", "references["} {
		if !strings.Contains(out, want) {
			t.Errorf("deps report missing %q:\n%s", want, out)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "Output")); !os.IsNotExist(err) {
		t.Error("deps should not write anything")
	}
}

func TestRunUnknownReportFormat(t *testing.T) {
	t.Parallel()
	dir, _ := createSampleProject(t)
	var stdout, stderr bytes.Buffer
	err := run([]string{"build", "--report", "json", dir}, &stdout, &stderr)
	if !errors.Is(err, errUnknownFormat) {
		t.Errorf("err = %v, want errUnknownFormat", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "Output")); !os.IsNotExist(statErr) {
		t.Error("an invalid flag should fail before building")
	}
}

func TestRunMissingConfig(t *testing.T) {
	t.Parallel()
	var stdout, stderr bytes.Buffer
	for _, cmd := range []string{"build", "deps"} {
		err := run([]string{cmd, t.TempDir()}, &stdout, &stderr)
		if !errors.Is(err, config.ErrNotFound) {
			t.Errorf("%s: err = %v, want config.ErrNotFound", cmd, err)
		}
	}
}

func TestRunInitThenBuild(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	modulePath := t.TempDir()
	writeTestFile(t, dir, "Public/Get-Thing.ps1", "function Get-Thing { Write-Output 'thing' }\n")

	var stdout, stderr bytes.Buffer
	if err := run([]string{"init", "--name", "Starter", dir}, &stdout, &stderr); err != nil {
		t.Fatalf("init: %v", err)
	}
	cfgPath := filepath.Join(dir, "psbuild.yaml")
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	data = append(data, []byte(fmt.Sprintf("module_path: [%q]\n", modulePath))...)
	if err := os.WriteFile(cfgPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := run([]string{"build", dir}, &stdout, &stderr); err != nil {
		t.Fatalf("build after init: %v\n%s", err, data)
	}
	if _, err := os.Stat(filepath.Join(dir, "Output", "Starter", "Starter.psd1")); err != nil {
		t.Errorf("manifest not deployed: %v", err)
	}
}
