// Package naming resolves the "{placeholder}" style template used by the
// Filesystem destination (§4.2) and by project/subject/session naming on
// XNAT RouteDestinations.
package naming

import "strings"

// Resolve substitutes every "{key}" occurrence in tmpl with values[key].
// Unknown placeholders are left verbatim so a misconfigured template is
// visible in the resulting path rather than silently truncated.
func Resolve(tmpl string, values map[string]string) string {
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		open := strings.IndexByte(tmpl[i:], '{')
		if open < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		open += i
		b.WriteString(tmpl[i:open])

		close := strings.IndexByte(tmpl[open:], '}')
		if close < 0 {
			b.WriteString(tmpl[open:])
			break
		}
		close += open

		key := tmpl[open+1 : close]
		if v, ok := values[key]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(tmpl[open : close+1])
		}
		i = close + 1
	}
	return b.String()
}
