package lang

import (
	"github.com/smacker/go-tree-sitter/csharp"
)

func init() {
	Languages["csharp"] = &Language{
		Name:       "csharp",
		Extensions: []string{".cs"},
		grammar:    csharp.GetLanguage(),
	}
}
