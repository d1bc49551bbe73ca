// Package lang holds the tree-sitter grammars psbuild reads binary module
// sources with. Each grammar ships a query that captures the class
// declarations a cmdlet can be declared on.
package lang

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
)

//go:embed queries/*.scm
var queryFS embed.FS

// Language is a compiled-source language: its file extensions, grammar and
// class query.
type Language struct {
	Name       string
	Extensions []string
	grammar    *sitter.Language

	once     sync.Once
	classes  *sitter.Query
	queryErr error
}

// NewParser returns a parser for the language. A parser serves one
// goroutine.
func (l *Language) NewParser() *sitter.Parser {
	p := sitter.NewParser()
	p.SetLanguage(l.grammar)
	return p
}

// ClassQuery returns the query capturing class declarations as
// @definition.class. It is compiled once and shared.
func (l *Language) ClassQuery() (*sitter.Query, error) {
	l.once.Do(func() {
		name := "queries/" + l.Name + ".scm"
		data, err := queryFS.ReadFile(name)
		if err != nil {
			l.queryErr = fmt.Errorf("read %s: %w", name, err)
			return
		}
		if l.classes, err = sitter.NewQuery(data, l.grammar); err != nil {
			l.queryErr = fmt.Errorf("compile %s: %w", name, err)
		}
	})
	return l.classes, l.queryErr
}

// Languages is filled by the per-language files.
var Languages = map[string]*Language{}

var (
	byExtOnce sync.Once
	byExt     map[string]string
)

// ForExtension returns the language reading files with extension ext, or
// "" when binary cmdlets are never declared in such files.
func ForExtension(ext string) string {
	byExtOnce.Do(func() {
		byExt = make(map[string]string)
		for _, l := range Languages {
			for _, e := range l.Extensions {
				byExt[strings.ToLower(e)] = l.Name
			}
		}
	})
	return byExt[strings.ToLower(ext)]
}

// NodeText returns the source text of a tree-sitter node.
func NodeText(node *sitter.Node, source []byte) string {
	return string(source[node.StartByte():node.EndByte()])
}
