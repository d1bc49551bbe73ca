// Package psast tokenizes PowerShell source and builds a lightweight syntax
// tree of nested groups (script blocks, pipelines, sub-expressions, literals)
// annotated with function definitions and command invocations.
package psast

import (
	"fmt"
	"strings"
)

// TokenKind identifies the lexical class of a Token.
type TokenKind int

const (
	TokWord TokenKind = iota
	TokVariable
	TokString
	TokMember
	TokOperator
	TokNewline
	TokOpen
	TokClose
)

func (k TokenKind) String() string {
	switch k {
	case TokWord:
		return "word"
	case TokVariable:
		return "variable"
	case TokString:
		return "string"
	case TokMember:
		return "member"
	case TokOperator:
		return "operator"
	case TokNewline:
		return "newline"
	case TokOpen:
		return "open"
	case TokClose:
		return "close"
	}
	return "unknown"
}

// Token is a single lexical element.
type Token struct {
	Kind TokenKind
	Text string // raw source text
	// Value is the decoded text: string contents without quotes and escapes,
	// words without backtick escapes, variable names without the sigil.
	Value string
	Pos   int
	End   int
	Line  int
	// Space reports whether whitespace (or start of input) precedes the token.
	Space bool
	// Expandable is set for double-quoted strings and here-strings.
	Expandable bool
	// Subexprs holds absolute source spans of $( ) bodies inside an
	// expandable string.
	Subexprs [][2]int
}

// ParseError reports a syntax problem with its line number.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

type lexer struct {
	src   string
	pos   int
	base  int
	line  int
	space bool
	toks  []Token
}

// Tokenize splits src into tokens. Comments and line continuations are dropped.
func Tokenize(src string) ([]Token, error) {
	src = strings.TrimPrefix(src, "\ufeff")
	return tokenizeAt(src, 0, 1)
}

func tokenizeAt(src string, base, line int) ([]Token, error) {
	l := &lexer{src: src, base: base, line: line, space: true}
	if err := l.run(); err != nil {
		return nil, err
	}
	return l.toks, nil
}

func (l *lexer) peek(off int) byte {
	if l.pos+off < len(l.src) {
		return l.src[l.pos+off]
	}
	return 0
}

func (l *lexer) emit(kind TokenKind, start int, value string) *Token {
	text := l.src[start:l.pos]
	l.toks = append(l.toks, Token{
		Kind:  kind,
		Text:  text,
		Value: value,
		Pos:   l.base + start,
		End:   l.base + l.pos,
		Line:  l.line - strings.Count(text, "\n"),
		Space: l.space,
	})
	l.space = false
	return &l.toks[len(l.toks)-1]
}

func (l *lexer) errorf(format string, args ...any) error {
	return &ParseError{Line: l.line, Msg: fmt.Sprintf(format, args...)}
}

func (l *lexer) prev() *Token {
	if len(l.toks) == 0 {
		return nil
	}
	return &l.toks[len(l.toks)-1]
}

func (l *lexer) run() error {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\f' || c == '\v':
			l.pos++
			l.space = true
		case c == '\n':
			start := l.pos
			l.pos++
			l.line++
			l.emit(TokNewline, start, "\n")
			l.space = true
		case c == '`' && (l.peek(1) == '\n' || (l.peek(1) == '\r' && l.peek(2) == '\n')):
			if l.peek(1) == '\r' {
				l.pos++
			}
			l.pos += 2
			l.line++
			l.space = true
		case c == '<' && l.peek(1) == '#':
			if err := l.blockComment(); err != nil {
				return err
			}
		case c == '#':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.pos++
			}
			l.space = true
		case c == '{' || c == '(' || c == '[':
			start := l.pos
			l.pos++
			l.emit(TokOpen, start, string(c))
		case c == '}' || c == ')' || c == ']':
			start := l.pos
			l.pos++
			l.emit(TokClose, start, string(c))
		case c == '@' && (l.peek(1) == '(' || l.peek(1) == '{'):
			start := l.pos
			l.pos += 2
			l.emit(TokOpen, start, l.src[start:l.pos])
		case c == '@' && (l.peek(1) == '"' || l.peek(1) == '\'') && l.hereStringStart():
			if err := l.hereString(); err != nil {
				return err
			}
		case c == '@' && isVarStart(l.peek(1)):
			if err := l.variable(); err != nil {
				return err
			}
		case c == '$' && l.peek(1) == '(':
			start := l.pos
			l.pos += 2
			l.emit(TokOpen, start, "$(")
		case c == '$' && (isVarStart(l.peek(1)) || l.peek(1) == '{' || isSpecialVar(l.peek(1))):
			if err := l.variable(); err != nil {
				return err
			}
		case c == '\'' || isSmartSingle(l.src, l.pos):
			if err := l.singleQuoted(); err != nil {
				return err
			}
		case c == '"' || isSmartDouble(l.src, l.pos):
			if err := l.doubleQuoted(); err != nil {
				return err
			}
		case c == ';' || c == ',' || c == '=':
			start := l.pos
			l.pos++
			l.emit(TokOperator, start, string(c))
		case c == '|' || c == '&':
			start := l.pos
			l.pos++
			if l.peek(0) == c {
				l.pos++
			}
			l.emit(TokOperator, start, l.src[start:l.pos])
		case c == '.' && l.memberFollows():
			l.member(1)
		case c == ':' && l.peek(1) == ':' && l.memberFollowsAt(2):
			l.member(2)
		case c == '.' && l.space && (isSpace(l.peek(1)) || l.peek(1) == '$' || l.peek(1) == '{' || l.peek(1) == '(' || l.peek(1) == '\'' || l.peek(1) == '"'):
			start := l.pos
			l.pos++
			l.emit(TokOperator, start, ".")
		default:
			l.word()
		}
	}
	return nil
}

func (l *lexer) blockComment() error {
	startLine := l.line
	l.pos += 2
	for l.pos < len(l.src) {
		if l.src[l.pos] == '#' && l.peek(1) == '>' {
			l.pos += 2
			l.space = true
			return nil
		}
		if l.src[l.pos] == '\n' {
			l.line++
		}
		l.pos++
	}
	return &ParseError{Line: startLine, Msg: "unterminated block comment"}
}

// memberFollows reports whether a '.' at the current position is a member
// access on the preceding token.
func (l *lexer) memberFollows() bool {
	if l.space {
		return false
	}
	p := l.prev()
	if p == nil {
		return false
	}
	switch p.Kind {
	case TokVariable, TokMember, TokString:
	case TokClose:
	default:
		return false
	}
	return l.memberFollowsAt(1)
}

func (l *lexer) memberFollowsAt(off int) bool {
	c := l.peek(off)
	return c == '_' || isLetter(c)
}

func (l *lexer) member(skip int) {
	start := l.pos
	l.pos += skip
	for l.pos < len(l.src) && isIdent(l.src[l.pos]) {
		l.pos++
	}
	l.emit(TokMember, start, l.src[start+skip:l.pos])
}

func (l *lexer) variable() error {
	start := l.pos
	l.pos++ // sigil
	if l.peek(0) == '{' {
		end := strings.IndexByte(l.src[l.pos:], '}')
		if end < 0 {
			return l.errorf("unterminated variable name")
		}
		l.pos += end + 1
		l.emit(TokVariable, start, l.src[start+2:l.pos-1])
		return nil
	}
	if isSpecialVar(l.peek(0)) {
		l.pos++
		l.emit(TokVariable, start, l.src[start+1:l.pos])
		return nil
	}
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if isIdent(c) || c == '?' {
			l.pos++
			continue
		}
		// Scope or drive qualifier: $script:Name, $env:PATH.
		if c == ':' && l.peek(1) != ':' && (isIdent(l.peek(1))) {
			l.pos++
			continue
		}
		break
	}
	l.emit(TokVariable, start, l.src[start+1:l.pos])
	return nil
}

func (l *lexer) singleQuoted() error {
	start := l.pos
	startLine := l.line
	l.pos += quoteWidth(l.src, l.pos)
	var b strings.Builder
	for l.pos < len(l.src) {
		if w := singleQuoteAt(l.src, l.pos); w > 0 {
			if w2 := singleQuoteAt(l.src, l.pos+w); w2 > 0 {
				// A doubled quote stands for its second character.
				b.WriteString(l.src[l.pos+w : l.pos+w+w2])
				l.pos += w + w2
				continue
			}
			l.pos += w
			l.emit(TokString, start, b.String())
			return nil
		}
		if l.src[l.pos] == '\n' {
			l.line++
		}
		b.WriteByte(l.src[l.pos])
		l.pos++
	}
	return &ParseError{Line: startLine, Msg: "unterminated string"}
}

func (l *lexer) doubleQuoted() error {
	start := l.pos
	startLine := l.line
	l.pos += quoteWidth(l.src, l.pos)
	var b strings.Builder
	var subs [][2]int
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '`' && l.pos+1 < len(l.src) {
			b.WriteByte(unescape(l.src[l.pos+1]))
			if l.src[l.pos+1] == '\n' {
				l.line++
			}
			l.pos += 2
			continue
		}
		if c == '$' && l.peek(1) == '(' {
			span, err := l.subexprSpan()
			if err != nil {
				return err
			}
			subs = append(subs, span)
			continue
		}
		if w := doubleQuoteAt(l.src, l.pos); w > 0 {
			if doubleQuoteAt(l.src, l.pos+w) > 0 {
				b.WriteByte('"')
				l.pos += w + doubleQuoteAt(l.src, l.pos+w)
				continue
			}
			l.pos += w
			t := l.emit(TokString, start, b.String())
			t.Expandable = true
			t.Subexprs = subs
			t.Line = startLine
			return nil
		}
		if c == '\n' {
			l.line++
		}
		b.WriteByte(c)
		l.pos++
	}
	return &ParseError{Line: startLine, Msg: "unterminated string"}
}

// subexprSpan consumes a $( ... ) inside an expandable string and returns
// the absolute span of its body.
func (l *lexer) subexprSpan() ([2]int, error) {
	startLine := l.line
	l.pos += 2
	bodyStart := l.pos
	depth := 1
	var quote byte
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\n':
			l.line++
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				span := [2]int{l.base + bodyStart, l.base + l.pos}
				l.pos++
				return span, nil
			}
		}
		l.pos++
	}
	return [2]int{}, &ParseError{Line: startLine, Msg: "unterminated sub-expression in string"}
}

func (l *lexer) hereStringStart() bool {
	i := l.pos + 2
	for i < len(l.src) && (l.src[i] == ' ' || l.src[i] == '\t' || l.src[i] == '\r') {
		i++
	}
	return i < len(l.src) && l.src[i] == '\n'
}

func (l *lexer) hereString() error {
	start := l.pos
	startLine := l.line
	quote := l.src[l.pos+1]
	nl := strings.IndexByte(l.src[l.pos:], '\n')
	l.pos += nl + 1
	l.line++
	bodyStart := l.pos
	closer := "\n" + string(quote) + "@"
	idx := strings.Index(l.src[bodyStart-1:], closer)
	if idx < 0 {
		return &ParseError{Line: startLine, Msg: "unterminated here-string"}
	}
	bodyEnd := bodyStart - 1 + idx
	body := ""
	if bodyEnd > bodyStart {
		body = strings.TrimSuffix(l.src[bodyStart:bodyEnd], "\r")
	}

	var subs [][2]int
	if quote == '"' {
		for i := bodyStart; i < bodyEnd; i++ {
			if l.src[i] == '`' {
				i++
				continue
			}
			if l.src[i] == '$' && i+1 < bodyEnd && l.src[i+1] == '(' {
				saved, savedLine := l.pos, l.line
				l.pos = i
				span, err := l.subexprSpan()
				if err != nil {
					return err
				}
				subs = append(subs, span)
				i = l.pos - 1
				l.pos, l.line = saved, savedLine
			}
		}
	}

	if bodyEnd >= bodyStart {
		l.line += strings.Count(l.src[bodyStart:bodyEnd], "\n") + 1
	}
	l.pos = bodyEnd + len(closer)
	t := l.emit(TokString, start, body)
	t.Line = startLine
	t.Expandable = quote == '"'
	t.Subexprs = subs
	return nil
}

func (l *lexer) word() {
	start := l.pos
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '`' && l.pos+1 < len(l.src) && l.src[l.pos+1] != '\n' && l.src[l.pos+1] != '\r' {
			b.WriteByte(unescape(l.src[l.pos+1]))
			l.pos += 2
			continue
		}
		// Redirection like 2>&1 keeps its ampersand.
		if c == '&' && l.pos > start && l.src[l.pos-1] == '>' {
			b.WriteByte(c)
			l.pos++
			continue
		}
		if isWordDelimiter(c) || isSmartSingle(l.src, l.pos) || isSmartDouble(l.src, l.pos) {
			break
		}
		b.WriteByte(c)
		l.pos++
	}
	if l.pos == start {
		// A lone delimiter the other rules did not claim.
		l.pos++
		b.WriteByte(l.src[start])
	}
	l.emit(TokWord, start, b.String())
}

func isWordDelimiter(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', '\v', '{', '}', '(', ')', '[', ']', ';', ',', '|', '&', '=', '\'', '"':
		return true
	}
	return false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdent(c byte) bool {
	return isLetter(c) || (c >= '0' && c <= '9') || c == '_'
}

func isVarStart(c byte) bool {
	return isIdent(c)
}

func isSpecialVar(c byte) bool {
	return c == '$' || c == '?' || c == '^'
}

func unescape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	case '0':
		return 0
	}
	return c
}

// Typographic quotes are valid PowerShell string delimiters.
var (
	smartSingles = []string{"‘", "’", "‚", "‛"}
	smartDoubles = []string{"“", "”", "„"}
)

func isSmartSingle(s string, i int) bool {
	return hasAnyPrefix(s[i:], smartSingles) > 0
}

func isSmartDouble(s string, i int) bool {
	return hasAnyPrefix(s[i:], smartDoubles) > 0
}

func hasAnyPrefix(s string, prefixes []string) int {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return len(p)
		}
	}
	return 0
}

// Quote returns s as a single-quoted string literal. Every single-quote
// character, typographic ones included, is doubled.
func Quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for i := 0; i < len(s); {
		if w := singleQuoteAt(s, i); w > 0 {
			b.WriteString(s[i : i+w])
			b.WriteString(s[i : i+w])
			i += w
			continue
		}
		b.WriteByte(s[i])
		i++
	}
	b.WriteByte('\'')
	return b.String()
}

func singleQuoteAt(s string, i int) int {
	if i >= len(s) {
		return 0
	}
	if s[i] == '\'' {
		return 1
	}
	return hasAnyPrefix(s[i:], smartSingles)
}

func doubleQuoteAt(s string, i int) int {
	if i >= len(s) {
		return 0
	}
	if s[i] == '"' {
		return 1
	}
	return hasAnyPrefix(s[i:], smartDoubles)
}

func quoteWidth(s string, i int) int {
	if w := singleQuoteAt(s, i); w > 0 {
		return w
	}
	return doubleQuoteAt(s, i)
}
