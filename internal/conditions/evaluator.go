package conditions

import (
	"context"

	"github.com/dreamhouse/questd/internal/core"
)

// Verdict is the combined outcome of a condition list
type Verdict struct {
	Matched bool                  `json:"matched"`
	Trace   []core.ConditionTrace `json:"trace"`
}

// Evaluate combines conds under op. Every condition is evaluated so the
// trace is complete and in input order. An empty list never matches, and
// any operator other than OR is treated as AND.
//
// The runtime and the dry-run simulator both call this function.
func Evaluate(ctx context.Context, conds []core.Condition, op core.Operator, ev core.Event, facts Facts) Verdict {
	v := Verdict{Trace: make([]core.ConditionTrace, 0, len(conds))}
	if len(conds) == 0 {
		return v
	}
	if facts == nil {
		facts = EventOnly(ev)
	}

	allMatched, anyMatched := true, false
	for _, c := range conds {
		r := Check(ctx, c.Condition, c.Value, ev, facts)
		v.Trace = append(v.Trace, core.ConditionTrace{
			Condition: c.Condition,
			Value:     c.Value,
			Matched:   r.Matched,
			Reason:    r.Reason,
		})
		allMatched = allMatched && r.Matched
		anyMatched = anyMatched || r.Matched
	}

	if op == core.OperatorOr {
		v.Matched = anyMatched
	} else {
		v.Matched = allMatched
	}
	return v
}

// EvaluateQuest evaluates a quest's own conditions and operator
func EvaluateQuest(ctx context.Context, q *core.Quest, ev core.Event, facts Facts) Verdict {
	return Evaluate(ctx, q.Conditions, q.ConditionOperator, ev, facts)
}
