package psast

import (
	"fmt"
	"strings"
)

// NodeKind identifies a syntax tree node.
type NodeKind int

const (
	Leaf         NodeKind = iota
	Root                  // whole file
	ScriptBlock           // { }
	Paren                 // ( )
	SubExpr               // $( )
	ArrayExpr             // @( )
	HashLiteral           // @{ }
	Bracket               // [ ] type literal, attribute or index
	ExpandString          // "..." holding parsed $( ) sub-expressions
)

var openKinds = map[string]NodeKind{
	"{":  ScriptBlock,
	"(":  Paren,
	"$(": SubExpr,
	"@(": ArrayExpr,
	"@{": HashLiteral,
	"[":  Bracket,
}

var closers = map[NodeKind]string{
	ScriptBlock: "}",
	Paren:       ")",
	SubExpr:     ")",
	ArrayExpr:   ")",
	HashLiteral: "}",
	Bracket:     "]",
}

// Node is a leaf token or a bracketed group of child nodes.
type Node struct {
	Kind     NodeKind
	Tok      Token // the leaf token, or the opening token of a group
	Children []*Node
	Parent   *Node
	Pos      int
	End      int

	// Filled by analysis for statement-bearing groups.
	Commands  []*Command
	Functions []*FunctionDef

	statement bool // block of a keyword statement rather than a script block
}

// IsGroup reports whether n is a bracketed group.
func (n *Node) IsGroup() bool {
	return n.Kind != Leaf
}

// Is reports whether n is a leaf of the given kind with the given
// case-insensitive text.
func (n *Node) Is(kind TokenKind, text string) bool {
	return n.Kind == Leaf && n.Tok.Kind == kind && strings.EqualFold(n.Tok.Value, text)
}

// Script is a parsed PowerShell source file.
type Script struct {
	Source string
	Root   *Node
}

// Text returns the source text covered by n.
func (s *Script) Text(n *Node) string {
	return s.Source[n.Pos:n.End]
}

// Parse tokenizes and parses src. The returned tree is annotated with
// function definitions and command invocations.
func Parse(src string) (*Script, error) {
	src = strings.TrimPrefix(src, "\ufeff")
	root, err := parseAt(src, src, 0, 1)
	if err != nil {
		return nil, err
	}
	root.End = len(src)
	s := &Script{Source: src, Root: root}
	analyze(root, ctxStatements)
	return s, nil
}

// parseAt parses the fragment frag, located at offset base of full.
func parseAt(full, frag string, base, line int) (*Node, error) {
	toks, err := tokenizeAt(frag, base, line)
	if err != nil {
		return nil, err
	}

	root := &Node{Kind: Root, Pos: base, End: base + len(frag)}
	stack := []*Node{root}

	for _, t := range toks {
		top := stack[len(stack)-1]
		switch t.Kind {
		case TokOpen:
			g := &Node{Kind: openKinds[t.Value], Tok: t, Parent: top, Pos: t.Pos}
			top.Children = append(top.Children, g)
			stack = append(stack, g)
		case TokClose:
			if top.Kind == Root {
				return nil, &ParseError{Line: t.Line, Msg: fmt.Sprintf("unexpected %q", t.Value)}
			}
			if closers[top.Kind] != t.Value {
				return nil, &ParseError{Line: t.Line, Msg: fmt.Sprintf("%q opened on line %d closed by %q", top.Tok.Value, top.Tok.Line, t.Value)}
			}
			top.End = t.End
			stack = stack[:len(stack)-1]
		case TokString:
			n := &Node{Kind: Leaf, Tok: t, Parent: top, Pos: t.Pos, End: t.End}
			if len(t.Subexprs) > 0 {
				n.Kind = ExpandString
				for _, span := range t.Subexprs {
					line := t.Line + strings.Count(full[t.Pos:span[0]], "\n")
					sub, err := parseAt(full, full[span[0]:span[1]], span[0], line)
					if err != nil {
						return nil, err
					}
					sub.Kind = SubExpr
					sub.Parent = n
					n.Children = append(n.Children, sub)
				}
			}
			top.Children = append(top.Children, n)
		default:
			top.Children = append(top.Children, &Node{Kind: Leaf, Tok: t, Parent: top, Pos: t.Pos, End: t.End})
		}
	}

	if len(stack) > 1 {
		open := stack[len(stack)-1]
		return nil, &ParseError{Line: open.Tok.Line, Msg: fmt.Sprintf("missing closing %q for %q", closers[open.Kind], open.Tok.Value)}
	}
	return root, nil
}
