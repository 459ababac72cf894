package actions

import (
	"regexp"

	"github.com/dreamhouse/questd/internal/core"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Expand replaces {{var}} tokens with bindings, then with the event's
// handle and post_text. Unresolved tokens are left exactly as written.
func Expand(tmpl string, b core.Bindings, ev core.Event) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(token string) string {
		name := placeholder.FindStringSubmatch(token)[1]
		if v, ok := b[name]; ok {
			return v
		}
		switch name {
		case core.VarHandle:
			if ev.Handle != "" {
				return ev.Handle
			}
		case core.VarPostText:
			if ev.Text != "" {
				return ev.Text
			}
		}
		return token
	})
}
