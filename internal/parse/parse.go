// Package parse extracts cmdlet declarations from compiled module sources
// using tree-sitter.
package parse

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/psbuild/internal/lang"
	"github.com/phobologic/psbuild/internal/model"
)

// namedArgRe matches a named attribute argument such as
// SupportsShouldProcess = true.
var namedArgRe = regexp.MustCompile(`^\s*[A-Za-z_]\w*\s*[=:][^=]`)

// ExtractCmdlets parses a source file and returns the classes it declares
// with a [Cmdlet(verb, noun)] attribute. The parser must be created for the
// correct language. filePath is used only for Cmdlet.File.
func ExtractCmdlets(parser *sitter.Parser, query *sitter.Query, source []byte, filePath string) []model.Cmdlet {
	if len(source) == 0 {
		return nil
	}

	tree, err := parser.ParseCtx(context.Background(), nil, source)
	if err != nil {
		return nil
	}
	defer tree.Close()

	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(query, tree.RootNode())

	var cmdlets []model.Cmdlet

	for {
		match, ok := qc.NextMatch()
		if !ok {
			break
		}
		match = qc.FilterPredicates(match, source)

		for _, c := range match.Captures {
			if query.CaptureNameForId(c.Index) != "definition.class" {
				continue
			}
			if cmd, ok := cmdletFromClass(c.Node, source); ok {
				cmd.File = filePath
				cmdlets = append(cmdlets, cmd)
			}
		}
	}

	return cmdlets
}

func cmdletFromClass(class *sitter.Node, source []byte) (model.Cmdlet, bool) {
	var cmd model.Cmdlet
	var found bool

	for i := 0; i < int(class.NamedChildCount()); i++ {
		list := class.NamedChild(i)
		if list.Type() != "attribute_list" {
			continue
		}
		for j := 0; j < int(list.NamedChildCount()); j++ {
			attr := list.NamedChild(j)
			if attr.Type() != "attribute" {
				continue
			}
			args := positionalArgs(attr, source)
			switch attributeName(attr, source) {
			case "Cmdlet":
				if len(args) >= 2 && args[0] != "" && args[1] != "" {
					cmd.Name = args[0] + "-" + args[1]
					found = true
				}
			case "Alias":
				cmd.Aliases = append(cmd.Aliases, args...)
			}
		}
	}
	if !found {
		return model.Cmdlet{}, false
	}

	cmd.Class = className(class, source)
	cmd.Line = int(class.StartPoint().Row) + 1
	return cmd, true
}

func className(class *sitter.Node, source []byte) string {
	if n := class.ChildByFieldName("name"); n != nil {
		return lang.NodeText(n, source)
	}
	for i := 0; i < int(class.ChildCount()); i++ {
		child := class.Child(i)
		if child.Type() == "identifier" {
			return lang.NodeText(child, source)
		}
	}
	return ""
}

// attributeName returns the short attribute name: namespace qualifiers and
// the Attribute suffix are dropped.
func attributeName(attr *sitter.Node, source []byte) string {
	n := attr.ChildByFieldName("name")
	if n == nil {
		if attr.NamedChildCount() == 0 {
			return ""
		}
		n = attr.NamedChild(0)
	}
	name := lang.NodeText(n, source)
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, "Attribute")
}

func positionalArgs(attr *sitter.Node, source []byte) []string {
	var list *sitter.Node
	for i := 0; i < int(attr.NamedChildCount()); i++ {
		if c := attr.NamedChild(i); c.Type() == "attribute_argument_list" {
			list = c
			break
		}
	}
	if list == nil {
		return nil
	}

	var args []string
	for i := 0; i < int(list.NamedChildCount()); i++ {
		arg := list.NamedChild(i)
		if arg.Type() != "attribute_argument" {
			continue
		}
		text := lang.NodeText(arg, source)
		if namedArgRe.MatchString(text) {
			continue
		}
		args = append(args, argValue(text))
	}
	return args
}

// argValue reduces a constant expression to its value: string literals are
// unquoted and VerbsCommon.Get becomes Get.
func argValue(text string) string {
	text = strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(text, `@"`):
		return strings.ReplaceAll(strings.TrimSuffix(text[2:], `"`), `""`, `"`)
	case strings.HasPrefix(text, `"`):
		if s, err := strconv.Unquote(text); err == nil {
			return s
		}
		return strings.Trim(text, `"`)
	}
	if i := strings.LastIndexByte(text, '.'); i >= 0 {
		return text[i+1:]
	}
	return text
}
