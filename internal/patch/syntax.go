package patch

import (
	"context"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"vibetap/internal/gitio"
)

// syntaxErrorLine parses content with the grammar for path's language and
// returns the 1-based line of the first syntax error, or 0 when the content
// parses cleanly or the language has no grammar.
func syntaxErrorLine(ctx context.Context, path string, content []byte) int {
	var lang *sitter.Language
	switch gitio.Language(path) {
	case "go":
		lang = golang.GetLanguage()
	case "python":
		lang = python.GetLanguage()
	case "javascript":
		lang = javascript.GetLanguage()
	case "typescript":
		lang = typescript.GetLanguage()
	default:
		return 0
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return 0
	}
	defer tree.Close()

	if n := firstError(tree.RootNode()); n != nil {
		return int(n.StartPoint().Row) + 1
	}
	return 0
}

func firstError(node *sitter.Node) *sitter.Node {
	if node == nil {
		return nil
	}
	if node.IsError() || node.IsMissing() {
		return node
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if n := firstError(node.Child(i)); n != nil {
			return n
		}
	}
	return nil
}
