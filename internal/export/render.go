package export

import (
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
)

// ContentToHTML renders every root container as a section headed by its
// name. Text splits into one paragraph per line; maps become definition
// lists and arrays become bullet lists.
func ContentToHTML(root map[string]any) string {
	var b strings.Builder
	for _, name := range sortedKeys(root) {
		fmt.Fprintf(&b, `<section data-root="%s">`, html.EscapeString(name))
		fmt.Fprintf(&b, "<h2>%s</h2>", html.EscapeString(name))
		renderHTMLValue(&b, root[name])
		b.WriteString("</section>")
	}
	return b.String()
}

func renderHTMLValue(b *strings.Builder, v any) {
	switch typed := v.(type) {
	case nil:
	case string:
		for _, line := range strings.Split(typed, "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			b.WriteString("<p>")
			b.WriteString(html.EscapeString(line))
			b.WriteString("</p>")
		}
	case map[string]any:
		if ref, ok := refOf(typed); ok {
			fmt.Fprintf(b, `<a href="#%s">%s</a>`, html.EscapeString(ref), html.EscapeString(ref))
			return
		}
		b.WriteString("<dl>")
		for _, key := range sortedKeys(typed) {
			fmt.Fprintf(b, "<dt>%s</dt><dd>", html.EscapeString(key))
			renderHTMLValue(b, typed[key])
			b.WriteString("</dd>")
		}
		b.WriteString("</dl>")
	case []any:
		b.WriteString("<ul>")
		for _, elem := range typed {
			b.WriteString("<li>")
			renderHTMLValue(b, elem)
			b.WriteString("</li>")
		}
		b.WriteString("</ul>")
	default:
		b.WriteString(html.EscapeString(scalar(typed)))
	}
}

// ContentToMarkdown renders the same structure as ContentToHTML under a
// top-level heading.
func ContentToMarkdown(title string, root map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", title)
	for _, name := range sortedKeys(root) {
		fmt.Fprintf(&b, "\n## %s\n\n", name)
		renderMarkdownValue(&b, root[name], 0)
	}
	return b.String()
}

func renderMarkdownValue(b *strings.Builder, v any, depth int) {
	indent := strings.Repeat("  ", depth)
	switch typed := v.(type) {
	case nil:
		if depth > 0 {
			b.WriteString("\n")
		}
	case string:
		if depth == 0 {
			b.WriteString(strings.TrimRight(typed, "\n"))
			b.WriteString("\n")
			return
		}
		b.WriteString(strings.ReplaceAll(typed, "\n", " "))
		b.WriteString("\n")
	case map[string]any:
		if ref, ok := refOf(typed); ok {
			fmt.Fprintf(b, "[%s](#%s)\n", ref, ref)
			return
		}
		for _, key := range sortedKeys(typed) {
			fmt.Fprintf(b, "%s- **%s**: ", indent, key)
			writeMarkdownItem(b, typed[key], depth)
		}
	case []any:
		for _, elem := range typed {
			fmt.Fprintf(b, "%s- ", indent)
			writeMarkdownItem(b, elem, depth)
		}
	default:
		b.WriteString(scalar(typed))
		b.WriteString("\n")
	}
}

func writeMarkdownItem(b *strings.Builder, v any, depth int) {
	nested := false
	switch typed := v.(type) {
	case []any:
		nested = true
	case map[string]any:
		_, isRef := refOf(typed)
		nested = !isRef
	}
	if nested {
		b.WriteString("\n")
	}
	renderMarkdownValue(b, v, depth+1)
}

func refOf(m map[string]any) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	ref, ok := m["$ref"].(string)
	return ref, ok
}

func scalar(v any) string {
	switch typed := v.(type) {
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case []byte:
		return fmt.Sprintf("(%d bytes)", len(typed))
	default:
		return fmt.Sprint(typed)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// sanitizeFilename keeps letters, digits, '-' and '_' and turns spaces and
// path separators into hyphens.
func sanitizeFilename(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ', r == '/':
			b.WriteRune('-')
		}
	}
	result := b.String()
	if len(result) > 50 {
		result = result[:50]
	}
	if result == "" {
		result = "document"
	}
	return result
}
