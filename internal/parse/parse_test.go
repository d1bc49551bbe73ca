package parse

import (
	"slices"
	"testing"

	"github.com/phobologic/psbuild/internal/lang"
	"github.com/phobologic/psbuild/internal/model"
)

func setup(t *testing.T) func(source string) []model.Cmdlet {
	t.Helper()
	l := lang.Languages["csharp"]
	if l == nil {
		t.Fatal("language csharp not registered")
	}
	q, err := l.ClassQuery()
	if err != nil {
		t.Fatalf("ClassQuery: %v", err)
	}
	return func(source string) []model.Cmdlet {
		p := l.NewParser()
		return ExtractCmdlets(p, q, []byte(source), "Sources/Widget.cs")
	}
}

func TestExtractCmdlets(t *testing.T) {
	t.Parallel()
	extract := setup(t)

	source := `using System.Management.Automation;

namespace Demo
{
    [Cmdlet(VerbsCommon.Get, "Widget", SupportsShouldProcess = true)]
    [Alias("gwid")]
    [OutputType(typeof(string))]
    public class GetWidgetCommand : PSCmdlet
    {
        protected override void ProcessRecord() { }
    }

    public class Helper { }

    [System.Management.Automation.CmdletAttribute("Set", "Widget")]
    public sealed class SetWidget : Cmdlet { }
}
`
	cmdlets := extract(source)
	if len(cmdlets) != 2 {
		t.Fatalf("expected 2 cmdlets, got %+v", cmdlets)
	}

	get := cmdlets[0]
	if get.Name != "Get-Widget" {
		t.Errorf("name = %q, want Get-Widget", get.Name)
	}
	if get.Class != "GetWidgetCommand" {
		t.Errorf("class = %q", get.Class)
	}
	if !slices.Equal(get.Aliases, []string{"gwid"}) {
		t.Errorf("aliases = %v", get.Aliases)
	}
	if get.Line != 5 {
		t.Errorf("line = %d, want 5", get.Line)
	}
	if get.File != "Sources/Widget.cs" {
		t.Errorf("file = %q", get.File)
	}

	if cmdlets[1].Name != "Set-Widget" || cmdlets[1].Class != "SetWidget" {
		t.Errorf("second cmdlet = %+v", cmdlets[1])
	}
}

func TestExtractCmdletsNone(t *testing.T) {
	t.Parallel()
	extract := setup(t)

	if got := extract(""); got != nil {
		t.Errorf("empty source: got %+v", got)
	}
	if got := extract("public class Plain { }\n"); len(got) != 0 {
		t.Errorf("plain class: got %+v", got)
	}
}

func TestArgValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{`"Widget"`, "Widget"},
		{`@"C:\x"`, `C:\x`},
		{"VerbsCommon.Get", "Get"},
		{"VerbsLifecycle.Invoke", "Invoke"},
		{"Get", "Get"},
	}
	for _, tt := range tests {
		if got := argValue(tt.in); got != tt.want {
			t.Errorf("argValue(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
