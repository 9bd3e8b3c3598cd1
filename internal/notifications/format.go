package notifications

import (
	"html"
	"sort"
	"strings"
)

// FormatAttributes renders one "<b>key</b>: <code>value</code>" line per
// attribute, sorted by key, followed by text.
func FormatAttributes(attrs map[string]string, text string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString("<b>")
		b.WriteString(html.EscapeString(k))
		b.WriteString("</b>: <code>")
		b.WriteString(html.EscapeString(attrs[k]))
		b.WriteString("</code>\n")
	}
	b.WriteString(text)
	return strings.TrimRight(b.String(), "\n")
}
