package psast

import (
	"sort"
	"strings"
)

// Walk visits n and its descendants depth-first. Returning false from fn
// skips the children of the node just visited.
func Walk(n *Node, fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for _, c := range n.Children {
		Walk(c, fn)
	}
}

// FindAll returns the descendants of root matching pred, in source order.
// Unless recurse is set the search does not enter nested script blocks;
// keyword statement blocks (if, foreach, try...) are always searched.
func FindAll(root *Node, pred func(*Node) bool, recurse bool) []*Node {
	var out []*Node
	for _, c := range root.Children {
		Walk(c, func(n *Node) bool {
			if pred(n) {
				out = append(out, n)
			}
			return recurse || n.Kind != ScriptBlock || n.statement
		})
	}
	return out
}

// Functions returns the functions defined at the top level of the script,
// including those nested in keyword statement blocks but not those defined
// inside other functions or script block literals.
func (s *Script) Functions() []*FunctionDef {
	defs := append([]*FunctionDef(nil), s.Root.Functions...)
	for _, g := range FindAll(s.Root, func(n *Node) bool {
		return len(n.Functions) > 0 && (n.Kind != ScriptBlock || n.statement)
	}, false) {
		defs = append(defs, g.Functions...)
	}
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].Pos < defs[j].Pos })
	return defs
}

// Commands returns every command invocation in the script in source order.
func (s *Script) Commands() []*Command {
	return commandsUnder(s.Root)
}

// Commands returns the command invocations inside the function's parameter
// list and body.
func (f *FunctionDef) Commands() []*Command {
	var out []*Command
	if f.Params != nil {
		out = append(out, commandsUnder(f.Params)...)
	}
	if f.Body != nil {
		out = append(out, commandsUnder(f.Body)...)
	}
	return out
}

func commandsUnder(root *Node) []*Command {
	var out []*Command
	Walk(root, func(n *Node) bool {
		out = append(out, n.Commands...)
		return true
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Pos < out[j].Pos })
	return out
}

// Attribute is a [Name(args)] attribute.
type Attribute struct {
	Name string
	// Args holds the literal values of positional arguments, with array
	// arguments flattened.
	Args []string
	Node *Node
}

// Attributes returns the attributes declared on the function's param block,
// such as [CmdletBinding()] and [Alias('x')]. Functions without a param
// block at the top of the body have none.
func (f *FunctionDef) Attributes() []Attribute {
	if f.Body == nil {
		return nil
	}
	var attrs []Attribute
	for _, n := range f.Body.Children {
		switch {
		case n.Is(TokWord, "param"):
			return attrs
		case n.Kind == Bracket:
			if a, ok := attributeOf(n); ok {
				attrs = append(attrs, a)
			}
		case n.Kind == Leaf && n.Tok.Kind == TokNewline:
		default:
			return nil
		}
	}
	return nil
}

func attributeOf(b *Node) (Attribute, bool) {
	if len(b.Children) == 0 || b.Children[0].Kind != Leaf || b.Children[0].Tok.Kind != TokWord {
		return Attribute{}, false
	}
	a := Attribute{Name: b.Children[0].Tok.Value, Node: b}
	if len(b.Children) > 1 && b.Children[1].Kind == Paren {
		a.Args = literalArgs(b.Children[1])
	}
	return a, true
}

// literalArgs collects literal values from a comma separated argument list,
// skipping named arguments.
func literalArgs(g *Node) []string {
	var out []string
	ch := g.Children
	for i := 0; i < len(ch); i++ {
		n := ch[i]
		if i+1 < len(ch) && ch[i+1].Is(TokOperator, "=") {
			i += 2 // Name = value
			continue
		}
		switch n.Kind {
		case ArrayExpr, Paren:
			out = append(out, literalArgs(n)...)
		case Leaf:
			if v, ok := n.Literal(); ok {
				out = append(out, v)
			}
		}
	}
	return out
}

// Literal returns the constant value of a string or bare word leaf.
// Parameters and strings that expand variables are not literals.
func (n *Node) Literal() (string, bool) {
	if n.Kind != Leaf {
		return "", false
	}
	switch n.Tok.Kind {
	case TokString:
		if n.Tok.Expandable && strings.Contains(n.Tok.Text, "$") {
			return "", false
		}
		return n.Tok.Value, true
	case TokWord:
		if strings.HasPrefix(n.Tok.Value, "-") {
			return "", false
		}
		return n.Tok.Value, true
	}
	return "", false
}

// IsParameter reports whether n is a -Name parameter token.
func (n *Node) IsParameter() bool {
	return n.Kind == Leaf && n.Tok.Kind == TokWord && len(n.Tok.Value) > 1 &&
		strings.HasPrefix(n.Tok.Value, "-") && isLetter(n.Tok.Value[1])
}

// ParameterName returns the name of a -Name or -Name: parameter token.
func (n *Node) ParameterName() string {
	if !n.IsParameter() {
		return ""
	}
	return strings.TrimSuffix(n.Tok.Value[1:], ":")
}
