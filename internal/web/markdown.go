package web

import (
	"bytes"
	"html/template"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// md renders Reddit markdown. goldmark omits raw HTML and dangerous
// link schemes unless html.WithUnsafe is set, and it is not.
var md = goldmark.New(
	goldmark.WithExtensions(
		extension.Strikethrough,
		extension.Table,
		extension.Linkify,
	),
)

// renderMarkdown converts post and comment bodies to HTML. On a render
// error the escaped source text is returned instead.
func renderMarkdown(src string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(src), &buf); err != nil {
		return template.HTML("<p>" + template.HTMLEscapeString(src) + "</p>")
	}
	return template.HTML(buf.String())
}
