package assemble

import (
	"fmt"
	"strings"
)

// Libraries are the assemblies loaded on import, by runtime edition. Paths
// are relative to the module directory.
type Libraries struct {
	Core     []string // PowerShell 6+
	Default  []string // Windows PowerShell
	Standard []string // netstandard, loaded on every edition
}

// Empty reports whether no library is configured.
func (l Libraries) Empty() bool {
	return len(l.Core) == 0 && len(l.Default) == 0 && len(l.Standard) == 0
}

// alreadyLoaded matches the load errors tolerated with IgnoreAlreadyLoaded.
const alreadyLoaded = `already loaded`

// LibraryStanza renders the assembly loading code for libs. Standard
// libraries load unconditionally. Core and Default libraries load behind a
// $PSEdition branch, one-armed when only one of them is configured.
func LibraryStanza(libs Libraries, ignoreAlreadyLoaded bool) string {
	if libs.Empty() {
		return ""
	}
	var b strings.Builder
	loads(&b, libs.Standard, "", ignoreAlreadyLoaded)
	switch {
	case len(libs.Core) > 0 && len(libs.Default) > 0:
		b.WriteString("if ($PSEdition -eq 'Core') {\n")
		loads(&b, libs.Core, "    ", ignoreAlreadyLoaded)
		b.WriteString("} else {\n")
		loads(&b, libs.Default, "    ", ignoreAlreadyLoaded)
		b.WriteString("}\n")
	case len(libs.Core) > 0:
		b.WriteString("if ($PSEdition -eq 'Core') {\n")
		loads(&b, libs.Core, "    ", ignoreAlreadyLoaded)
		b.WriteString("}\n")
	case len(libs.Default) > 0:
		b.WriteString("if ($PSEdition -ne 'Core') {\n")
		loads(&b, libs.Default, "    ", ignoreAlreadyLoaded)
		b.WriteString("}\n")
	}
	return b.String()
}

func libraryPath(p string) string {
	p = strings.ReplaceAll(strings.TrimPrefix(p, "./"), "/", `\`)
	return fmt.Sprintf(`"$PSScriptRoot\%s"`, strings.ReplaceAll(p, `"`, "`\""))
}

// loads writes the load statements for one bucket. Several files load in a
// loop where any failure other than a tolerated duplicate stops the import.
func loads(b *strings.Builder, files []string, indent string, ignoreAlreadyLoaded bool) {
	switch len(files) {
	case 0:
		return
	case 1:
		fmt.Fprintf(b, "%sAdd-Type -Path %s\n", indent, libraryPath(files[0]))
		return
	}
	fmt.Fprintf(b, "%sforeach ($library in @(\n", indent)
	for _, f := range files {
		fmt.Fprintf(b, "%s    %s\n", indent, libraryPath(f))
	}
	fmt.Fprintf(b, "%s)) {\n", indent)
	fmt.Fprintf(b, "%s    try {\n", indent)
	fmt.Fprintf(b, "%s        Add-Type -Path $library -ErrorAction Stop\n", indent)
	fmt.Fprintf(b, "%s    } catch {\n", indent)
	if ignoreAlreadyLoaded {
		fmt.Fprintf(b, "%s        if ($_.Exception.Message -notmatch '%s') {\n", indent, alreadyLoaded)
		fmt.Fprintf(b, "%s            throw\n", indent)
		fmt.Fprintf(b, "%s        }\n", indent)
	} else {
		fmt.Fprintf(b, "%s        throw\n", indent)
	}
	fmt.Fprintf(b, "%s    }\n", indent)
	fmt.Fprintf(b, "%s}\n", indent)
}
