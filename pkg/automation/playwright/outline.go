package playwright

import (
	"fmt"
	"strings"

	"github.com/entrhq/webpilot/pkg/types"
	"golang.org/x/net/html"
)

// Outline is a compact rendering of a page for the instruction interpreter:
// cleaned markup that keeps semantic structure and targeting attributes, plus
// the interactive elements found while walking the document.
type Outline struct {
	Title       string
	Description string
	Markup      string
	Elements    []types.NavigableElement
	Truncated   bool
}

// maxOutlineElements caps the element list handed to the interpreter.
const maxOutlineElements = 150

var (
	skippedTags = map[string]bool{
		"script": true, "style": true, "noscript": true, "iframe": true,
		"embed": true, "object": true, "svg": true, "canvas": true, "template": true,
	}
	blockTags = map[string]bool{
		"div": true, "p": true, "section": true, "article": true, "header": true,
		"footer": true, "nav": true, "main": true, "aside": true, "dialog": true,
		"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
		"ul": true, "ol": true, "li": true, "table": true, "tr": true, "form": true,
	}
	voidTags = map[string]bool{
		"area": true, "base": true, "br": true, "col": true, "hr": true, "img": true,
		"input": true, "link": true, "meta": true, "source": true, "track": true, "wbr": true,
	}
	keptAttrs = map[string]bool{
		"id": true, "class": true, "role": true, "aria-label": true, "aria-modal": true,
		"href": true, "name": true, "type": true, "placeholder": true, "value": true,
		"alt": true, "title": true, "action": true,
	}
)

// outlinePage parses rawHTML and renders at most maxLength bytes of markup.
func outlinePage(rawHTML string, maxLength int) (*Outline, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	w := &outlineWriter{max: maxLength, out: &Outline{}}
	w.walk(doc, 0)

	w.out.Markup = w.buf.String()
	return w.out, nil
}

type outlineWriter struct {
	buf strings.Builder
	max int
	out *Outline
}

func (w *outlineWriter) full() bool {
	return w.out.Truncated || (w.max > 0 && w.buf.Len() >= w.max)
}

func (w *outlineWriter) write(s string) {
	if w.full() {
		w.out.Truncated = true
		return
	}
	if w.max > 0 && w.buf.Len()+len(s) > w.max {
		s = cutUTF8(s, w.max-w.buf.Len())
		w.out.Truncated = true
	}
	w.buf.WriteString(s)
}

func (w *outlineWriter) walk(n *html.Node, depth int) {
	switch n.Type {
	case html.CommentNode, html.DoctypeNode:
		return
	case html.TextNode:
		if text := collapseSpace(n.Data); text != "" {
			w.write(text)
		}
		return
	case html.ElementNode:
		tag := strings.ToLower(n.Data)
		if skippedTags[tag] {
			return
		}
		switch tag {
		case "title":
			w.out.Title = collapseSpace(textOf(n))
			return
		case "meta":
			if attr(n, "name") == "description" {
				w.out.Description = strings.TrimSpace(attr(n, "content"))
			}
			return
		case "head":
			w.children(n, depth)
			return
		case "link", "base":
			return
		}
		w.collectElement(n, tag)
		w.element(n, tag, depth)
		return
	}
	w.children(n, depth)
}

func (w *outlineWriter) children(n *html.Node, depth int) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c, depth)
	}
}

func (w *outlineWriter) element(n *html.Node, tag string, depth int) {
	if blockTags[tag] {
		w.write("\n" + strings.Repeat(" ", depth))
	}

	var open strings.Builder
	open.WriteString("<" + tag)
	for _, a := range n.Attr {
		key := strings.ToLower(a.Key)
		if keptAttrs[key] || strings.HasPrefix(key, "data-test") {
			fmt.Fprintf(&open, ` %s="%s"`, key, html.EscapeString(a.Val))
		}
	}
	open.WriteString(">")
	w.write(open.String())

	if voidTags[tag] {
		return
	}
	w.children(n, depth+1)
	w.write("</" + tag + ">")
}

// collectElement records links, buttons and form controls.
func (w *outlineWriter) collectElement(n *html.Node, tag string) {
	if len(w.out.Elements) >= maxOutlineElements {
		return
	}

	var kind string
	switch {
	case tag == "a" && attr(n, "href") != "":
		kind = "link"
	case tag == "button" || attr(n, "role") == "button":
		kind = "button"
	case tag == "input" && attr(n, "type") == "hidden":
		return
	case tag == "input" || tag == "textarea" || tag == "select":
		kind = "input"
	default:
		return
	}

	text := collapseSpace(textOf(n))
	if text == "" {
		text = firstNonEmpty(attr(n, "aria-label"), attr(n, "placeholder"), attr(n, "value"), attr(n, "title"), attr(n, "name"))
	}
	text = cutUTF8(text, 80)

	w.out.Elements = append(w.out.Elements, types.NavigableElement{
		Kind:     kind,
		Text:     text,
		Href:     attr(n, "href"),
		Selector: selectorFor(n, tag, text),
	})
}

// selectorFor derives a Playwright selector for n, preferring stable attributes.
func selectorFor(n *html.Node, tag, text string) string {
	if id := attr(n, "id"); id != "" && !strings.ContainsAny(id, " \"'") {
		return "#" + id
	}
	if v := attr(n, "data-testid"); v != "" {
		return fmt.Sprintf(`[data-testid=%q]`, v)
	}
	if name := attr(n, "name"); name != "" {
		return fmt.Sprintf(`%s[name=%q]`, tag, name)
	}
	if label := attr(n, "aria-label"); label != "" {
		return fmt.Sprintf(`%s[aria-label=%q]`, tag, label)
	}
	if text != "" {
		return fmt.Sprintf(`%s:has-text(%q)`, tag, text)
	}
	return tag
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			b.WriteString(" ")
			return
		}
		if c.Type == html.ElementNode && skippedTags[strings.ToLower(c.Data)] {
			return
		}
		for cc := c.FirstChild; cc != nil; cc = cc.NextSibling {
			visit(cc)
		}
	}
	visit(n)
	return b.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
