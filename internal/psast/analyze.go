package psast

import "strings"

// Command is a name found in command position.
type Command struct {
	Name    string
	Node    *Node
	Args    []*Node
	Invoked bool // called through the & or . operator
	Line    int
	Pos     int
	End     int
}

func (c *Command) addArg(n *Node) {
	c.Args = append(c.Args, n)
	c.End = n.End
}

// FunctionDef is a function, filter or workflow definition.
type FunctionDef struct {
	Keyword string
	Name    string
	Scope   string // global, script, local or private when qualified
	Line    int
	Pos     int
	End     int
	Params  *Node // inline parameter list, nil when absent
	Body    *Node
}

type groupCtx int

const (
	ctxStatements groupCtx = iota
	ctxArgs                // method, attribute and parameter argument lists
	ctxHash                // hashtable literal: key = pipeline
	ctxBracket             // type literal, attribute or indexer
	ctxSwitch              // switch body: labels and action blocks
	ctxClass               // class body: members
	ctxSkip                // enum body
)

type keywordKind int

const (
	kwNone keywordKind = iota
	kwFunction
	kwCondBlock // keyword, optional condition, block
	kwBlock     // keyword directly followed by a block
	kwSwitch
	kwClass
	kwEnum
	kwParam
	kwPipeline // return, throw, exit: a pipeline follows
	kwUsing
	kwPlain
)

var keywords = map[string]keywordKind{
	"function":      kwFunction,
	"filter":        kwFunction,
	"workflow":      kwFunction,
	"if":            kwCondBlock,
	"elseif":        kwCondBlock,
	"while":         kwCondBlock,
	"for":           kwCondBlock,
	"foreach":       kwCondBlock,
	"until":         kwCondBlock,
	"catch":         kwCondBlock,
	"trap":          kwCondBlock,
	"configuration": kwCondBlock,
	"else":          kwBlock,
	"do":            kwBlock,
	"try":           kwBlock,
	"finally":       kwBlock,
	"begin":         kwBlock,
	"process":       kwBlock,
	"end":           kwBlock,
	"clean":         kwBlock,
	"dynamicparam":  kwBlock,
	"data":          kwBlock,
	"parallel":      kwBlock,
	"sequence":      kwBlock,
	"inlinescript":  kwBlock,
	"switch":        kwSwitch,
	"class":         kwClass,
	"enum":          kwEnum,
	"param":         kwParam,
	"return":        kwPipeline,
	"throw":         kwPipeline,
	"exit":          kwPipeline,
	"using":         kwUsing,
	"break":         kwPlain,
	"continue":      kwPlain,
	"in":            kwPlain,
	"default":       kwPlain,
	"hidden":        kwPlain,
	"static":        kwPlain,
}

var scopeQualifiers = map[string]struct{}{
	"global":  {},
	"script":  {},
	"local":   {},
	"private": {},
}

func analyze(g *Node, ctx groupCtx) {
	switch ctx {
	case ctxStatements, ctxHash:
		statements(g, ctx)
	case ctxSkip:
	default:
		groupsOnly(g, ctx)
	}
}

// childCtx decides how the group at index i of g is analyzed.
func childCtx(g *Node, i int, parent groupCtx) groupCtx {
	n := g.Children[i]
	switch n.Kind {
	case ScriptBlock, SubExpr, ArrayExpr, ExpandString:
		return ctxStatements
	case HashLiteral:
		return ctxHash
	case Bracket:
		return ctxBracket
	case Paren:
		if i > 0 && !n.Tok.Space {
			prev := g.Children[i-1]
			if prev.Kind == Leaf && prev.Tok.Kind == TokMember {
				return ctxArgs
			}
			if (parent == ctxBracket || parent == ctxClass) && prev.Kind == Leaf && prev.Tok.Kind == TokWord {
				return ctxArgs
			}
		}
		if parent == ctxClass {
			return ctxArgs
		}
	}
	return ctxStatements
}

func groupsOnly(g *Node, ctx groupCtx) {
	for i, n := range g.Children {
		if n.Kind == ExpandString {
			for _, sub := range n.Children {
				analyze(sub, ctxStatements)
			}
			continue
		}
		if n.IsGroup() {
			analyze(n, childCtx(g, i, ctx))
		}
	}
}

type stmtState struct {
	expect    bool // next element is in command position
	afterPipe bool
	invoke    bool
	key       bool // next element is a hashtable key
	cur       *Command
}

func (st *stmtState) reset(ctx groupCtx) {
	*st = stmtState{expect: ctx == ctxStatements, key: ctx == ctxHash}
}

func statements(g *Node, ctx groupCtx) {
	var st stmtState
	st.reset(ctx)
	ch := g.Children

	for i := 0; i < len(ch); i++ {
		n := ch[i]

		if n.IsGroup() {
			if n.Kind == ExpandString {
				for _, sub := range n.Children {
					analyze(sub, ctxStatements)
				}
			} else {
				analyze(n, childCtx(g, i, ctx))
			}
			switch {
			case st.key:
				st.key = false
			case st.cur != nil:
				st.cur.addArg(n)
			}
			st.expect, st.invoke, st.afterPipe = false, false, false
			continue
		}

		t := n.Tok
		switch {
		case t.Kind == TokNewline || (t.Kind == TokOperator && t.Value == ";"):
			st.reset(ctx)
			continue
		case t.Kind == TokOperator && (t.Value == "|" || t.Value == "&&" || t.Value == "||"):
			st = stmtState{expect: true, afterPipe: t.Value == "|"}
			continue
		case t.Kind == TokOperator && t.Value == "=":
			if st.cur != nil {
				st.cur.addArg(n)
				continue
			}
			st.expect, st.key = true, false
			continue
		case t.Kind == TokOperator && (t.Value == "&" || t.Value == ".") && st.expect:
			st.invoke = true
			continue
		}

		if st.key {
			st.key = false
			continue
		}

		if !st.expect {
			// foreach ($x in <pipeline>)
			if st.cur == nil && ctx == ctxStatements && t.Kind == TokWord && strings.EqualFold(t.Value, "in") {
				st.expect = true
				continue
			}
			if st.cur != nil {
				st.cur.addArg(n)
			}
			continue
		}

		st.expect = false
		if t.Kind == TokWord && !st.invoke && !st.afterPipe {
			if kw, ok := keywords[strings.ToLower(t.Value)]; ok {
				if next, handled := keyword(g, i, kw, &st); handled {
					i = next
					continue
				}
			}
		}
		if name, ok := commandName(n, st.invoke); ok {
			cmd := &Command{Name: name, Node: n, Invoked: st.invoke, Line: t.Line, Pos: n.Pos, End: n.End}
			g.Commands = append(g.Commands, cmd)
			st.cur = cmd
		}
		st.invoke, st.afterPipe = false, false
	}
}

// nextSig returns the index of the first non-newline child at or after i.
func nextSig(ch []*Node, i int) int {
	for i < len(ch) && ch[i].Kind == Leaf && ch[i].Tok.Kind == TokNewline {
		i++
	}
	return i
}

// keyword handles the keyword at index i and returns the index of the last
// child it consumed. handled is false when the word turns out not to be
// used as a keyword.
func keyword(g *Node, i int, kw keywordKind, st *stmtState) (next int, handled bool) {
	ch := g.Children
	switch kw {
	case kwFunction:
		return functionDef(g, i)
	case kwCondBlock:
		return scanToBlock(g, i, ctxStatements), true
	case kwBlock:
		j := nextSig(ch, i+1)
		if j >= len(ch) || ch[j].Kind != ScriptBlock {
			return i, false
		}
		ch[j].statement = true
		analyze(ch[j], ctxStatements)
		return j, true
	case kwSwitch:
		return scanToBlock(g, i, ctxSwitch), true
	case kwClass:
		return scanToBlock(g, i, ctxClass), true
	case kwEnum:
		return scanToBlock(g, i, ctxSkip), true
	case kwParam:
		j := nextSig(ch, i+1)
		if j < len(ch) && ch[j].Kind == Paren {
			analyze(ch[j], ctxArgs)
			st.expect = true
			return j, true
		}
		return i, true
	case kwPipeline:
		st.expect = true
		return i, true
	case kwUsing:
		j := i + 1
		for j < len(ch) && !(ch[j].Kind == Leaf && (ch[j].Tok.Kind == TokNewline || ch[j].Is(TokOperator, ";"))) {
			j++
		}
		return j - 1, true
	}
	return i, true
}

// scanToBlock skips a keyword's header (flags, names, conditions, type
// literals) up to and including its script block.
func scanToBlock(g *Node, i int, blockCtx groupCtx) int {
	ch := g.Children
	for j := i + 1; j < len(ch); j++ {
		n := ch[j]
		if n.Kind == Leaf {
			if n.Is(TokOperator, ";") {
				return j - 1
			}
			continue
		}
		if n.Kind == ScriptBlock {
			n.statement = true
			analyze(n, blockCtx)
			return j
		}
		analyze(n, childCtx(g, j, ctxStatements))
	}
	return len(ch) - 1
}

func functionDef(g *Node, i int) (int, bool) {
	ch := g.Children
	kwTok := ch[i].Tok
	j := nextSig(ch, i+1)
	if j >= len(ch) || ch[j].Kind != Leaf || ch[j].Tok.Kind != TokWord {
		return i, false
	}
	fd := &FunctionDef{
		Keyword: strings.ToLower(kwTok.Value),
		Name:    ch[j].Tok.Value,
		Line:    kwTok.Line,
		Pos:     kwTok.Pos,
	}
	if scope, name, ok := strings.Cut(fd.Name, ":"); ok {
		if _, known := scopeQualifiers[strings.ToLower(scope)]; known {
			fd.Scope, fd.Name = strings.ToLower(scope), name
		}
	}

	j = nextSig(ch, j+1)
	if j < len(ch) && ch[j].Kind == Paren {
		analyze(ch[j], ctxArgs)
		fd.Params = ch[j]
		j = nextSig(ch, j+1)
	}
	if j >= len(ch) || ch[j].Kind != ScriptBlock {
		return j - 1, true
	}
	analyze(ch[j], ctxStatements)
	fd.Body = ch[j]
	fd.End = ch[j].End
	g.Functions = append(g.Functions, fd)
	return j, true
}

func commandName(n *Node, invoked bool) (string, bool) {
	switch n.Tok.Kind {
	case TokWord:
		return n.Tok.Value, IsCommandName(n.Tok.Value)
	case TokString:
		if !invoked || strings.Contains(n.Tok.Text, "$") {
			return "", false
		}
		return n.Tok.Value, IsCommandName(n.Tok.Value)
	}
	return "", false
}

// IsCommandName reports whether name can be resolved as a command. Numbers,
// operators, paths and script files are not.
func IsCommandName(name string) bool {
	if name == "" {
		return false
	}
	if c := name[0]; !isLetter(c) && c != '_' {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !isIdent(c) && c != '-' && c != '.' {
			return false
		}
	}
	return !strings.HasSuffix(strings.ToLower(name), ".ps1")
}
