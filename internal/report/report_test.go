package report

import (
	"strings"
	"testing"

	"github.com/phobologic/psbuild/internal/model"
)

func TestEncodeValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", `""`},
		{"simple", "hello", "hello"},
		{"leading space", " hello", `" hello"`},
		{"trailing space", "hello ", `"hello "`},
		{"newline", "a\nb", `"a\nb"`},
		{"tab", "a\tb", `"a\tb"`},
		{"carriage return", "a\rb", `"a\rb"`},
		{"true keyword", "true", `"true"`},
		{"True keyword", "True", `"True"`},
		{"null keyword", "null", `"null"`},
		{"integer", "42", "42"},
		{"float", "3.14", "3.14"},
		{"comma", "a,b", `"a,b"`},
		{"colon", "a:b", `"a:b"`},
		{"quote", `a"b`, `"a\"b"`},
		{"backslash", `a\b`, `"a\\b"`},
		{"bracket", "a[b", `"a[b"`},
		{"dash prefix", "-foo", `"-foo"`},
		{"command name", "Get-ChildItem", "Get-ChildItem"},
		{"dotted module", "Az.Accounts", "Az.Accounts"},
		{"alias with symbol", "%", "%"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := encodeValue(tt.in)
			if got != tt.want {
				t.Errorf("encodeValue(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func sampleBuild() *Build {
	return &Build{
		Module:  "Demo",
		Version: "1.2.4",
		Exports: model.ExportSet{
			Functions: []string{"Get-Thing", "Set-Thing"},
			Aliases:   []string{"gt"},
			Cmdlets:   []string{"Invoke-Fast"},
		},
		Dependencies: &model.DependencyReport{
			ModuleName: "Demo",
			Verdicts: []model.DependencyVerdict{
				{Module: "Az.Accounts", Status: model.SatisfiedRequired, Commands: []string{"Connect-AzAccount"}},
				{Module: "Thing.Helpers", Status: model.ApprovedMissing, Commands: []string{"New-Thing", "nt"}},
			},
			References: []model.CommandReference{
				{Name: "Connect-AzAccount", Module: "Az.Accounts", Kind: model.KindCmdlet},
				{Name: "nt", Module: "Thing.Helpers", Kind: model.KindFunction, IsAlias: true},
				{Name: "Invoke-Nowhere", Kind: model.KindUnknown},
			},
			Unresolved: []string{"Invoke-Nowhere"},
			Diagnostics: []model.Diagnostic{
				{Severity: model.Warning, Stage: "resolve", Subject: "Invoke-Nowhere", Message: "command not found"},
			},
		},
		Diagnostics: []model.Diagnostic{
			{Severity: model.Info, Stage: "extract", Subject: "Get-Unused", Message: "private function is never called"},
			{Severity: model.Error, Stage: "manifest", Subject: "Color", Message: "bad, really"},
		},
		Outputs: []string{"Output/Demo/Demo.psm1", "Output/Demo/Demo.psd1"},
	}
}

func TestEncode(t *testing.T) {
	t.Parallel()

	got := Encode(sampleBuild())
	want := strings.Join([]string{
		"module: Demo",
		"version: 1.2.4",
		"exports[4]{kind,name}:",
		"  function,Get-Thing",
		"  function,Set-Thing",
		"  cmdlet,Invoke-Fast",
		"  alias,gt",
		"verdicts[2]{module,status,commands}:",
		"  Az.Accounts,required,Connect-AzAccount",
		"  Thing.Helpers,approved,New-Thing nt",
		"references[3]{name,module,kind,alias}:",
		"  Connect-AzAccount,Az.Accounts,cmdlet,no",
		"  nt,Thing.Helpers,function,yes",
		`  Invoke-Nowhere,"",unknown,no`,
		"unresolved[1]{name}:",
		"  Invoke-Nowhere",
		"diagnostics[3]{severity,stage,subject,message}:",
		`  error,manifest,Color,"bad, really"`,
		"  warning,resolve,Invoke-Nowhere,command not found",
		"  info,extract,Get-Unused,private function is never called",
		"outputs[2]{path}:",
		"  Output/Demo/Demo.psm1",
		"  Output/Demo/Demo.psd1",
	}, "\n")
	if got != want {
		t.Errorf("Encode() =\n%s\nwant:\n%s", got, want)
	}
}

func TestEncodeEmpty(t *testing.T) {
	t.Parallel()

	got := Encode(&Build{Module: "Demo", Version: "0.1.0", DryRun: true})
	want := "module: Demo\nversion: 0.1.0\ndryrun: true\nexports[0]{kind,name}:\ndiagnostics[0]{severity,stage,subject,message}:"
	if got != want {
		t.Errorf("Encode() =\n%s\nwant:\n%s", got, want)
	}
}

func TestText(t *testing.T) {
	t.Parallel()

	got := Text(sampleBuild())
	for _, want := range []string{
		"Demo 1.2.4",
		"Get-Thing, Set-Thing",
		"Az.Accounts",
		"[approved, not required]",
		"New-Thing, nt",
		"Invoke-Nowhere",
		"manifest Color: bad, really",
		"Output/Demo/Demo.psd1",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Text() missing %q in:\n%s", want, got)
		}
	}
	if strings.Index(got, "bad, really") > strings.Index(got, "never called") {
		t.Errorf("errors should be listed before info diagnostics:\n%s", got)
	}
}

func TestRender(t *testing.T) {
	t.Parallel()

	b := &Build{Module: "Demo", Version: "1.0.0", DryRun: true}
	for _, f := range []Format{"", FormatText, FormatToon} {
		if out, ok := Render(b, f); !ok || out == "" {
			t.Errorf("Render(%q) = %q, %v", f, out, ok)
		}
	}
	if _, ok := Render(b, "xml"); ok {
		t.Error("Render(xml) should report an unknown format")
	}
	if out, _ := Render(b, FormatText); !strings.Contains(out, "Nothing was written.") {
		t.Errorf("dry run text should say nothing was written:\n%s", out)
	}
}
