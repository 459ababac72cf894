package actions

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dreamhouse/questd/internal/core"
)

func TestExpand(t *testing.T) {
	ev := core.Event{Handle: "luna.bsky.social", Text: "hello there"}
	tests := []struct {
		name string
		tmpl string
		b    core.Bindings
		want string
	}{
		{"binding", "Hi {{name}}", core.Bindings{"name": "Luna"}, "Hi Luna"},
		{"spaces inside braces", "Hi {{ name }}", core.Bindings{"name": "Luna"}, "Hi Luna"},
		{"event handle", "@{{handle}}", nil, "@luna.bsky.social"},
		{"event text", "you said: {{post_text}}", nil, "you said: hello there"},
		{"binding wins over event", "{{handle}}", core.Bindings{"handle": "override"}, "override"},
		{"unbound left literal", "Hello {{name}}, welcome!", core.Bindings{}, "Hello {{name}}, welcome!"},
		{"unknown var", "{{kindred_handle}} and {{nope}}", nil, "{{kindred_handle}} and {{nope}}"},
		{"repeated", "{{name}}{{name}}", core.Bindings{"name": "x"}, "xx"},
		{"not a token", "{name} {{ }} {{bad-key}}", core.Bindings{"name": "x"}, "{name} {{ }} {{bad-key}}"},
		{"empty", "", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Expand(tt.tmpl, tt.b, ev); got != tt.want {
				t.Errorf("Expand(%q) = %q, want %q", tt.tmpl, got, tt.want)
			}
		})
	}
}

func TestExpand_EmptyEventLeavesBuiltinsLiteral(t *testing.T) {
	if got := Expand("{{handle}}: {{post_text}}", nil, core.Event{}); got != "{{handle}}: {{post_text}}" {
		t.Errorf("got %q", got)
	}
}

func TestExpand_NeverFailsProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("text without tokens is unchanged", prop.ForAll(
		func(s string) bool {
			return Expand(s, core.Bindings{"name": "x"}, core.Event{Handle: "h"}) == s
		},
		gen.AlphaString(),
	))

	properties.Property("unbound tokens survive verbatim", prop.ForAll(
		func(prefix, name string) bool {
			tmpl := prefix + "{{" + name + "}}"
			return Expand(tmpl, core.Bindings{}, core.Event{}) == tmpl
		},
		gen.AlphaString(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
