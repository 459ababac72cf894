// Package conditions holds the predicate catalog and the condition evaluator
// shared by the quest runtime and the dry-run simulator.
package conditions

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dreamhouse/questd/internal/core"
)

// ReasonUnknown is the reason reported for keys missing from the catalog
const ReasonUnknown = "Unknown condition type"

// Result is one predicate's verdict
type Result struct {
	Matched bool   `json:"matched"`
	Reason  string `json:"reason"`
}

func match(format string, args ...interface{}) Result {
	return Result{Matched: true, Reason: fmt.Sprintf(format, args...)}
}

func miss(format string, args ...interface{}) Result {
	return Result{Matched: false, Reason: fmt.Sprintf(format, args...)}
}

// Predicate tests one condition against an event. Predicates never panic and
// never return errors; lookup failures become a non-match with a reason.
type Predicate func(ctx context.Context, value string, ev core.Event, facts Facts) Result

// Condition keys
const (
	AnyReply            = "any_reply"
	NewReply            = "new_reply"
	DreamerReplies      = "dreamer_replies"
	ContainsHashtags    = "contains_hashtags"
	ContainsMentions    = "contains_mentions"
	ReplyContains       = "reply_contains"
	HasCanon            = "has_canon"
	HasntCanon          = "hasnt_canon"
	UserHasSouvenir     = "user_has_souvenir"
	UserMissingSouvenir = "user_missing_souvenir"
	CountCanon          = "count_canon"
	HasRead             = "has_read"
	HasBiblioStamp      = "has_biblio_stamp"
)

var catalog = map[string]Predicate{
	AnyReply:            textPresent,
	NewReply:            textPresent,
	DreamerReplies:      dreamerReplies,
	ContainsHashtags:    containsAny("hashtag"),
	ContainsMentions:    containsAny("mention"),
	ReplyContains:       replyContains,
	HasCanon:            hasCanon,
	HasntCanon:          hasntCanon,
	UserHasSouvenir:     souvenir(true),
	UserMissingSouvenir: souvenir(false),
	CountCanon:          countCanon,
	HasRead:             hasRead,
	HasBiblioStamp:      hasBiblioStamp,
}

// Lookup returns the predicate registered under key
func Lookup(key string) (Predicate, bool) {
	p, ok := catalog[key]
	return p, ok
}

// Known reports whether key is in the catalog
func Known(key string) bool {
	_, ok := catalog[key]
	return ok
}

// Keys lists every predicate key, sorted
func Keys() []string {
	keys := make([]string, 0, len(catalog))
	for k := range catalog {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Check runs a single predicate. Unknown keys never match. A nil facts
// argument means the event-only layer.
func Check(ctx context.Context, key, value string, ev core.Event, facts Facts) Result {
	p, ok := catalog[key]
	if !ok {
		return Result{Reason: ReasonUnknown}
	}
	if facts == nil {
		facts = EventOnly(ev)
	}
	return p(ctx, value, ev, facts)
}

// ==================== Text predicates ====================

// textPresent backs both any_reply and new_reply. new_reply does not look at
// registration.
func textPresent(_ context.Context, _ string, ev core.Event, _ Facts) Result {
	if ev.Text == "" {
		return miss("Reply text is empty")
	}
	return match("Reply has text")
}

func dreamerReplies(_ context.Context, _ string, ev core.Event, _ Facts) Result {
	if ev.Handle == "" {
		return miss("No author handle")
	}
	if !ev.Registered {
		return miss("@%s is not a registered dreamer", ev.Handle)
	}
	return match("Registered dreamer @%s replied", ev.Handle)
}

// splitNeedles parses a comma list: trimmed, lowercased, one leading # or @
// removed, empties dropped.
func splitNeedles(value string) []string {
	var needles []string
	for _, part := range strings.Split(value, ",") {
		n := strings.ToLower(strings.TrimSpace(part))
		if strings.HasPrefix(n, "#") || strings.HasPrefix(n, "@") {
			n = n[1:]
		}
		if n != "" {
			needles = append(needles, n)
		}
	}
	return needles
}

func containsAny(kind string) Predicate {
	return func(_ context.Context, value string, ev core.Event, _ Facts) Result {
		needles := splitNeedles(value)
		if len(needles) == 0 {
			return miss("No %ss configured", kind)
		}
		text := strings.ToLower(ev.Text)
		for _, n := range needles {
			if strings.Contains(text, n) {
				return match("Found %s %q", kind, n)
			}
		}
		return miss("No matching %ss in text", kind)
	}
}

func replyContains(_ context.Context, value string, ev core.Event, _ Facts) Result {
	needle := strings.ToLower(value)
	if needle == "" {
		return miss("Empty search text")
	}
	if strings.Contains(strings.ToLower(ev.Text), needle) {
		return match("Text contains %q", value)
	}
	return miss("Text does not contain %q", value)
}

// ==================== Fact predicates ====================

func hasCanon(ctx context.Context, value string, ev core.Event, facts Facts) Result {
	if value == "" {
		if ev.CanonFlag() {
			return match("User has canon")
		}
		return miss("User has no canon")
	}
	ok, err := facts.HasCanon(ctx, ev.Handle, value)
	if err != nil {
		return miss("Canon lookup failed: %v", err)
	}
	if ok {
		return match("User has canon %q", value)
	}
	return miss("User has no canon %q", value)
}

func hasntCanon(_ context.Context, _ string, ev core.Event, _ Facts) Result {
	if ev.CanonFlag() {
		return miss("User already has canon")
	}
	return match("User has no canon")
}

func souvenir(want bool) Predicate {
	return func(ctx context.Context, value string, ev core.Event, facts Facts) Result {
		if value == "" {
			return miss("No souvenir specified")
		}
		owned, err := facts.HasSouvenir(ctx, ev.Handle, value)
		if err != nil {
			return miss("Souvenir lookup failed: %v", err)
		}
		switch {
		case owned && want:
			return match("User has souvenir %q", value)
		case owned:
			return miss("User already has souvenir %q", value)
		case want:
			return miss("User does not have souvenir %q", value)
		default:
			return match("User is missing souvenir %q", value)
		}
	}
}

func hasRead(ctx context.Context, value string, ev core.Event, facts Facts) Result {
	if value == "" {
		return miss("No book specified")
	}
	ok, err := facts.HasRead(ctx, ev.Handle, value)
	if err != nil {
		return miss("Reading lookup failed: %v", err)
	}
	if ok {
		return match("User has read %q", value)
	}
	return miss("User has not read %q", value)
}

func hasBiblioStamp(ctx context.Context, value string, ev core.Event, facts Facts) Result {
	if value == "" {
		return miss("No stamp specified")
	}
	ok, err := facts.HasBiblioStamp(ctx, ev.Handle, value)
	if err != nil {
		return miss("Stamp lookup failed: %v", err)
	}
	if ok {
		return match("User holds biblio stamp %q", value)
	}
	return miss("User lacks biblio stamp %q", value)
}

// ==================== count_canon ====================

// Comparison is a parsed count_canon expression
type Comparison struct {
	Op string
	N  int
}

// longest operators first so ">=" is not read as ">"
var comparisonOps = []string{">=", "<=", "==", ">", "<", "="}

// ParseComparison parses "[op]N" with op one of >= > <= < = (default >=)
func ParseComparison(s string) (Comparison, error) {
	s = strings.TrimSpace(s)
	op := ">="
	for _, candidate := range comparisonOps {
		if strings.HasPrefix(s, candidate) {
			op = candidate
			s = s[len(candidate):]
			break
		}
	}
	if op == "==" {
		op = "="
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return Comparison{}, fmt.Errorf("invalid count %q", s)
	}
	return Comparison{Op: op, N: n}, nil
}

// Holds reports whether count satisfies the comparison
func (c Comparison) Holds(count int) bool {
	switch c.Op {
	case ">":
		return count > c.N
	case "<=":
		return count <= c.N
	case "<":
		return count < c.N
	case "=":
		return count == c.N
	default:
		return count >= c.N
	}
}

func (c Comparison) String() string {
	return c.Op + strconv.Itoa(c.N)
}

func countCanon(ctx context.Context, value string, ev core.Event, facts Facts) Result {
	cmp, err := ParseComparison(value)
	if err != nil {
		return miss("Malformed count expression %q", value)
	}
	count, err := facts.CanonCount(ctx, ev.Handle)
	if err != nil {
		return miss("Canon count lookup failed: %v", err)
	}
	if cmp.Holds(count) {
		return match("Canon count %d %s %d", count, cmp.Op, cmp.N)
	}
	return miss("Canon count %d is not %s %d", count, cmp.Op, cmp.N)
}
