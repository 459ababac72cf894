package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dreamhouse/questd/internal/logging"
)

// -----------------------------------------------------------------------------
// QUEST - A stored automation rule
// -----------------------------------------------------------------------------

// Operator combines a quest's conditions into one verdict
type Operator string

const (
	OperatorAnd Operator = "AND"
	OperatorOr  Operator = "OR"
)

// ParseOperator normalizes an operator; anything other than OR means AND
func ParseOperator(s string) Operator {
	if strings.EqualFold(strings.TrimSpace(s), string(OperatorOr)) {
		return OperatorOr
	}
	return OperatorAnd
}

// Quest is one automation rule: exactly one trigger, an ordered condition
// list, and an ordered command list. Title is the primary key.
type Quest struct {
	Title             string        `json:"title"`
	Description       string        `json:"description"`
	Enabled           bool          `json:"enabled"`
	TriggerType       TriggerType   `json:"trigger_type"`
	TriggerConfig     TriggerConfig `json:"trigger_config"`
	Conditions        []Condition   `json:"conditions"`
	ConditionOperator Operator      `json:"condition_operator"`
	Commands          []Command     `json:"commands"`
	CreatedAt         int64         `json:"created_at"`
}

// NewQuest creates a disabled quest with the default config for its trigger
// type
func NewQuest(title string, trigger TriggerType) *Quest {
	return &Quest{
		Title:             title,
		TriggerType:       trigger,
		TriggerConfig:     DefaultTriggerConfig(trigger),
		ConditionOperator: OperatorAnd,
		Conditions:        []Condition{},
		Commands:          []Command{},
		CreatedAt:         time.Now().Unix(),
	}
}

// SetTriggerType switches the trigger and resets its config to the new
// type's defaults
func (q *Quest) SetTriggerType(t TriggerType) {
	q.TriggerType = t
	q.TriggerConfig = DefaultTriggerConfig(t)
}

// Clone returns a deep copy of the quest
func (q Quest) Clone() Quest {
	out := q
	out.Conditions = append([]Condition(nil), q.Conditions...)
	out.Commands = make([]Command, len(q.Commands))
	for i, c := range q.Commands {
		out.Commands[i] = Command{Cmd: c.Cmd, Args: append([]string(nil), c.Args...)}
	}
	if q.TriggerConfig != nil {
		data, err := json.Marshal(q.TriggerConfig)
		if err == nil {
			out.TriggerConfig, _ = DecodeTriggerConfig(q.TriggerType, data)
		}
	}
	return out
}

// questWire is the loose on-the-wire shape. Conditions, commands and the
// trigger config may each be native JSON or a JSON-encoded string.
type questWire struct {
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	Enabled           json.RawMessage `json:"enabled"`
	TriggerType       string          `json:"trigger_type"`
	TriggerConfig     json.RawMessage `json:"trigger_config"`
	Conditions        json.RawMessage `json:"conditions"`
	ConditionOperator string          `json:"condition_operator"`
	Commands          json.RawMessage `json:"commands"`
	CreatedAt         json.RawMessage `json:"created_at"`
}

// DecodeQuest normalizes any accepted quest encoding into canonical form.
// Malformed trigger configs fall back to defaults with a logged warning;
// malformed condition or command lists are errors.
func DecodeQuest(data []byte) (*Quest, error) {
	var w questWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: quest: %v", ErrInvalidInput, err)
	}

	q := &Quest{
		Title:             strings.TrimSpace(w.Title),
		Description:       w.Description,
		Enabled:           scalarBool(w.Enabled),
		TriggerType:       TriggerType(strings.TrimSpace(w.TriggerType)),
		ConditionOperator: ParseOperator(w.ConditionOperator),
		CreatedAt:         scalarInt(w.CreatedAt),
	}

	log := logging.WithField("quest", q.Title)

	if q.TriggerType.Valid() {
		cfg, err := DecodeTriggerConfig(q.TriggerType, w.TriggerConfig)
		if err != nil {
			log.Warn("malformed trigger_config, using defaults: %v", err)
		}
		q.TriggerConfig = cfg
	} else if q.TriggerType != "" {
		log.Warn("unknown trigger type %q, quest will never be dispatched", q.TriggerType)
	}

	conds, err := decodeConditions(w.Conditions)
	if err != nil {
		return nil, fmt.Errorf("%w: quest %q conditions: %v", ErrInvalidInput, q.Title, err)
	}
	q.Conditions = conds

	cmds, err := decodeCommands(w.Commands)
	if err != nil {
		return nil, fmt.Errorf("%w: quest %q commands: %v", ErrInvalidInput, q.Title, err)
	}
	q.Commands = cmds

	return q, nil
}

// UnmarshalJSON accepts every supported quest encoding
func (q *Quest) UnmarshalJSON(data []byte) error {
	decoded, err := DecodeQuest(data)
	if err != nil {
		return err
	}
	*q = *decoded
	return nil
}

// MarshalJSON always emits canonical form
func (q Quest) MarshalJSON() ([]byte, error) {
	type canonical struct {
		Title             string        `json:"title"`
		Description       string        `json:"description"`
		Enabled           bool          `json:"enabled"`
		TriggerType       TriggerType   `json:"trigger_type"`
		TriggerConfig     TriggerConfig `json:"trigger_config"`
		Conditions        []Condition   `json:"conditions"`
		ConditionOperator Operator      `json:"condition_operator"`
		Commands          []Command     `json:"commands"`
		CreatedAt         int64         `json:"created_at"`
	}
	c := canonical(q)
	if c.Conditions == nil {
		c.Conditions = []Condition{}
	}
	if c.Commands == nil {
		c.Commands = []Command{}
	}
	if c.ConditionOperator == "" {
		c.ConditionOperator = OperatorAnd
	}
	return json.Marshal(c)
}

// -----------------------------------------------------------------------------
// CONDITION
// -----------------------------------------------------------------------------

// Condition names a predicate and its optional argument
type Condition struct {
	Condition string `json:"condition"`
	Value     string `json:"value,omitempty"`
}

// UnmarshalJSON accepts {condition, value} objects and "key[:value]" strings.
// Non-string values are stored in their JSON text form.
func (c *Condition) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		key, value, _ := strings.Cut(s, ":")
		c.Condition = strings.TrimSpace(key)
		c.Value = value
		return nil
	}

	var raw struct {
		Condition string          `json:"condition"`
		Value     json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Condition = strings.TrimSpace(raw.Condition)
	c.Value = scalarString(raw.Value)
	return nil
}

func decodeConditions(raw json.RawMessage) ([]Condition, error) {
	payload, err := unwrapJSONString(raw)
	if err != nil {
		return nil, err
	}
	conds := []Condition{}
	if isEmptyJSON(payload) {
		return conds, nil
	}
	if payload[0] != '[' {
		// a single stored condition
		var c Condition
		if err := c.UnmarshalJSON(quoteIfBare(payload)); err != nil {
			return nil, err
		}
		return append(conds, c), nil
	}
	if err := json.Unmarshal(payload, &conds); err != nil {
		return nil, err
	}
	return conds, nil
}

// -----------------------------------------------------------------------------
// COMMAND
// -----------------------------------------------------------------------------

// Command is one step of a quest's pipeline. Args holds at most one argument
// group in practice; multiple args are joined with ":" when read.
type Command struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args"`
}

// ParseLegacyCommand decodes the colon-joined "key:arg" form. Everything
// after the first colon is the single argument group, kept byte for byte;
// only the key is trimmed.
func ParseLegacyCommand(s string) Command {
	key, rest, found := strings.Cut(s, ":")
	c := Command{Cmd: strings.TrimSpace(key)}
	if found {
		c.Args = []string{rest}
	}
	return c
}

// Legacy encodes the command in colon-joined form
func (c Command) Legacy() string {
	if len(c.Args) == 0 {
		return c.Cmd
	}
	return c.Cmd + ":" + strings.Join(c.Args, ":")
}

// Arg returns the argument group, args joined by ":"
func (c Command) Arg() string {
	return strings.Join(c.Args, ":")
}

// Equal reports logical equality; nil and empty args are the same
func (c Command) Equal(o Command) bool {
	if c.Cmd != o.Cmd || len(c.Args) != len(o.Args) {
		return false
	}
	for i := range c.Args {
		if c.Args[i] != o.Args[i] {
			return false
		}
	}
	return true
}

// MarshalJSON emits the canonical {cmd, args} form
func (c Command) MarshalJSON() ([]byte, error) {
	args := c.Args
	if args == nil {
		args = []string{}
	}
	return json.Marshal(struct {
		Cmd  string   `json:"cmd"`
		Args []string `json:"args"`
	}{c.Cmd, args})
}

// UnmarshalJSON accepts canonical objects and legacy strings
func (c *Command) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ParseLegacyCommand(s)
		return nil
	}

	var raw struct {
		Cmd  string          `json:"cmd"`
		Args json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Cmd = strings.TrimSpace(raw.Cmd)
	c.Args = nil

	args := bytes.TrimSpace(raw.Args)
	if isEmptyJSON(args) || string(args) == "[]" {
		return nil
	}
	if args[0] != '[' {
		c.Args = []string{scalarString(args)}
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(args, &items); err != nil {
		return err
	}
	for _, item := range items {
		c.Args = append(c.Args, scalarString(item))
	}
	return nil
}

func decodeCommands(raw json.RawMessage) ([]Command, error) {
	payload, err := unwrapJSONString(raw)
	if err != nil {
		return nil, err
	}
	cmds := []Command{}
	if isEmptyJSON(payload) {
		return cmds, nil
	}
	if payload[0] != '[' {
		var c Command
		if err := c.UnmarshalJSON(quoteIfBare(payload)); err != nil {
			return nil, err
		}
		return append(cmds, c), nil
	}
	if err := json.Unmarshal(payload, &cmds); err != nil {
		return nil, err
	}
	return cmds, nil
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

// quoteIfBare turns an unwrapped legacy string back into a JSON string
func quoteIfBare(payload []byte) []byte {
	if len(payload) > 0 && (payload[0] == '{' || payload[0] == '"') {
		return payload
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}

func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

func scalarBool(raw json.RawMessage) bool {
	switch strings.ToLower(strings.Trim(scalarString(raw), " ")) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

func scalarInt(raw json.RawMessage) int64 {
	s := scalarString(raw)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Unix()
	}
	return 0
}
