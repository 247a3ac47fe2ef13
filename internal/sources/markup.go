package sources

import (
	"strings"

	"golang.org/x/net/html"
)

// StripMarkup removes inline tags (<i>, <sub>, JATS elements, ...) from
// catalog text, unescapes entities and collapses whitespace.
func StripMarkup(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return collapseSpace(s)
	}
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return collapseSpace(b.String())
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			// Block-level breaks still separate words.
			raw, _ := z.TagName()
			name := string(raw)
			if i := strings.LastIndexByte(name, ':'); i >= 0 {
				name = name[i+1:]
			}
			switch name {
			case "p", "br", "div", "li", "sec", "title", "abstracttext":
				b.WriteByte(' ')
			}
		}
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
