// Package questfile reads and writes quest definitions as YAML or JSON
// files. Every quest goes through the same decoder as the wire format, so
// legacy string-encoded conditions and commands are accepted on import.
package questfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dreamhouse/questd/internal/core"
)

// Format is a quest file encoding
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the format from a file extension. Anything that is
// not .json is read as YAML, which also accepts JSON.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Decode parses quests from data. The root may be a single quest, a list
// of quests, or an object with a quests list.
func Decode(data []byte, format Format) ([]*core.Quest, error) {
	var root interface{}
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&root); err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
		}
	default:
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
		}
		root = normalize(root)
	}

	var items []interface{}
	switch v := root.(type) {
	case []interface{}:
		items = v
	case map[string]interface{}:
		if list, ok := v["quests"]; ok {
			l, ok := list.([]interface{})
			if !ok {
				return nil, fmt.Errorf("%w: quests must be a list", core.ErrInvalidInput)
			}
			items = l
		} else {
			items = []interface{}{v}
		}
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: expected a quest or a list of quests", core.ErrInvalidInput)
	}

	quests := make([]*core.Quest, 0, len(items))
	seen := make(map[string]bool)
	for i, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("quest %d: %w", i, err)
		}
		q, err := core.DecodeQuest(raw)
		if err != nil {
			return nil, fmt.Errorf("quest %d: %w", i, err)
		}
		if q.Title == "" {
			return nil, fmt.Errorf("quest %d: %w: title", i, core.ErrMissingRequired)
		}
		if !q.TriggerType.Valid() {
			return nil, fmt.Errorf("quest %q: %w: %q", q.Title, core.ErrUnknownTrigger, q.TriggerType)
		}
		if seen[q.Title] {
			return nil, fmt.Errorf("quest %q: %w", q.Title, core.ErrDuplicateRecord)
		}
		seen[q.Title] = true
		quests = append(quests, q)
	}
	return quests, nil
}

// Load reads quests from a file
func Load(path string) ([]*core.Quest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	quests, err := Decode(data, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return quests, nil
}

// Options controls encoding
type Options struct {
	// RedactSecrets drops webhook secrets from the output
	RedactSecrets bool
}

// Encode writes quests in canonical form under a quests list. YAML output
// keeps the canonical key order.
func Encode(quests []*core.Quest, format Format, opts Options) ([]byte, error) {
	raws := make([]json.RawMessage, 0, len(quests))
	for _, q := range quests {
		raw, err := canonical(q, opts)
		if err != nil {
			return nil, fmt.Errorf("quest %q: %w", q.Title, err)
		}
		raws = append(raws, raw)
	}

	if format == FormatJSON {
		return json.MarshalIndent(map[string]interface{}{"quests": raws}, "", "  ")
	}

	list := &yaml.Node{Kind: yaml.SequenceNode}
	for _, raw := range raws {
		var doc yaml.Node
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		node := doc.Content[0]
		blockStyle(node)
		list.Content = append(list.Content, node)
	}
	root := &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{
		{Kind: yaml.ScalarNode, Value: "quests"},
		list,
	}}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonical(q *core.Quest, opts Options) (json.RawMessage, error) {
	c := q.Clone()
	if wh, ok := c.TriggerConfig.(*core.WebhookConfig); ok && opts.RedactSecrets && wh.Secret != "" {
		redacted := *wh
		redacted.Secret = ""
		c.TriggerConfig = &redacted
	}
	return json.Marshal(c)
}

// blockStyle drops the flow and quoting styles a JSON source leaves on
// nodes; empty collections stay in flow form
func blockStyle(n *yaml.Node) {
	switch n.Kind {
	case yaml.MappingNode, yaml.SequenceNode:
		if len(n.Content) > 0 {
			n.Style = 0
		}
	case yaml.ScalarNode:
		if n.Tag == "!!str" && n.Value != "" {
			n.Style = 0
		}
	}
	for _, c := range n.Content {
		blockStyle(c)
	}
}

// Write encodes quests to path in the format its extension names
func Write(path string, quests []*core.Quest, opts Options) error {
	data, err := Encode(quests, FormatFromPath(path), opts)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// normalize converts yaml maps with non-string keys into string-keyed maps
// so they can be re-encoded as JSON
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []interface{}:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	default:
		return v
	}
}
