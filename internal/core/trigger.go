package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// TriggerType names the external event source a quest subscribes to
type TriggerType string

const (
	TriggerBskyReply      TriggerType = "bsky_reply"
	TriggerFirehosePhrase TriggerType = "firehose_phrase"
	TriggerPoll           TriggerType = "poll"
	TriggerWebhook        TriggerType = "webhook"
	TriggerCron           TriggerType = "cron"
	TriggerDatabaseWatch  TriggerType = "database_watch"
)

// TriggerTypes lists every supported trigger type in display order
var TriggerTypes = []TriggerType{
	TriggerBskyReply,
	TriggerFirehosePhrase,
	TriggerPoll,
	TriggerWebhook,
	TriggerCron,
	TriggerDatabaseWatch,
}

// Valid reports whether t is one of the six supported trigger types
func (t TriggerType) Valid() bool {
	for _, known := range TriggerTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Default values for trigger config arms
const (
	DefaultPollInterval   = 60
	DefaultCronExpression = "0 * * * *"
)

// TriggerConfig is the closed variant of per-trigger settings.
// Only the types in this file implement it.
type TriggerConfig interface {
	Type() TriggerType
	normalize()
}

// BskyReplyConfig watches replies under one post
type BskyReplyConfig struct {
	URI string `json:"uri"`
}

// FirehosePhraseConfig matches streamed posts against phrases
type FirehosePhraseConfig struct {
	Phrases       []string `json:"phrases"`
	CaseSensitive bool     `json:"case_sensitive"`
}

// PollConfig fetches a URL on an interval
type PollConfig struct {
	URL             string `json:"url"`
	IntervalSeconds int    `json:"interval_seconds"`
}

// WebhookConfig accepts inbound POSTs on a path
type WebhookConfig struct {
	Path   string `json:"path"`
	Secret string `json:"secret,omitempty"`
}

// CronConfig fires on a 5-field cron expression
type CronConfig struct {
	Expression string `json:"expression"`
}

// DBOperation is a row-level change kind
type DBOperation string

const (
	OpInsert DBOperation = "INSERT"
	OpUpdate DBOperation = "UPDATE"
	OpDelete DBOperation = "DELETE"
)

// ParseDBOperation normalizes an operation name; unknown values return false
func ParseDBOperation(s string) (DBOperation, bool) {
	switch op := DBOperation(strings.ToUpper(strings.TrimSpace(s))); op {
	case OpInsert, OpUpdate, OpDelete:
		return op, true
	default:
		return "", false
	}
}

// DatabaseWatchConfig fires on a matching row change
type DatabaseWatchConfig struct {
	Table     string      `json:"table"`
	Operation DBOperation `json:"operation"`
}

func (*BskyReplyConfig) Type() TriggerType      { return TriggerBskyReply }
func (*FirehosePhraseConfig) Type() TriggerType { return TriggerFirehosePhrase }
func (*PollConfig) Type() TriggerType           { return TriggerPoll }
func (*WebhookConfig) Type() TriggerType        { return TriggerWebhook }
func (*CronConfig) Type() TriggerType           { return TriggerCron }
func (*DatabaseWatchConfig) Type() TriggerType  { return TriggerDatabaseWatch }

func (c *BskyReplyConfig) normalize() {
	c.URI = strings.TrimSpace(c.URI)
}

func (c *FirehosePhraseConfig) normalize() {
	phrases := make([]string, 0, len(c.Phrases))
	for _, p := range c.Phrases {
		if p = strings.TrimSpace(p); p != "" {
			phrases = append(phrases, p)
		}
	}
	c.Phrases = phrases
}

func (c *PollConfig) normalize() {
	c.URL = strings.TrimSpace(c.URL)
	if c.IntervalSeconds < 1 {
		c.IntervalSeconds = DefaultPollInterval
	}
}

func (c *WebhookConfig) normalize() {
	c.Path = strings.TrimSpace(c.Path)
	if c.Path != "" && !strings.HasPrefix(c.Path, "/") {
		c.Path = "/" + c.Path
	}
}

func (c *CronConfig) normalize() {
	c.Expression = strings.Join(strings.Fields(c.Expression), " ")
	if c.Expression == "" {
		c.Expression = DefaultCronExpression
	}
}

func (c *DatabaseWatchConfig) normalize() {
	c.Table = strings.TrimSpace(c.Table)
	op, ok := ParseDBOperation(string(c.Operation))
	if !ok {
		op = OpInsert
	}
	c.Operation = op
}

// DefaultTriggerConfig returns the all-defaults config for a trigger type.
// Unknown types return nil.
func DefaultTriggerConfig(t TriggerType) TriggerConfig {
	var cfg TriggerConfig
	switch t {
	case TriggerBskyReply:
		cfg = &BskyReplyConfig{}
	case TriggerFirehosePhrase:
		cfg = &FirehosePhraseConfig{Phrases: []string{}}
	case TriggerPoll:
		cfg = &PollConfig{IntervalSeconds: DefaultPollInterval}
	case TriggerWebhook:
		cfg = &WebhookConfig{}
	case TriggerCron:
		cfg = &CronConfig{Expression: DefaultCronExpression}
	case TriggerDatabaseWatch:
		cfg = &DatabaseWatchConfig{Operation: OpInsert}
	default:
		return nil
	}
	return cfg
}

// DecodeTriggerConfig decodes raw config for trigger type t. The payload may be
// a JSON object or a JSON string holding an object. Missing fields keep their
// defaults. When the payload cannot be parsed the defaults are returned along
// with a non-nil error so the caller can log it; the config is always usable.
func DecodeTriggerConfig(t TriggerType, raw []byte) (TriggerConfig, error) {
	cfg := DefaultTriggerConfig(t)
	if cfg == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTrigger, t)
	}

	payload, err := unwrapJSONString(raw)
	if err != nil {
		return cfg, fmt.Errorf("trigger_config: %w", err)
	}
	if isEmptyJSON(payload) {
		return cfg, nil
	}

	if err := json.Unmarshal(payload, cfg); err != nil {
		fresh := DefaultTriggerConfig(t)
		return fresh, fmt.Errorf("trigger_config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// unwrapJSONString returns the inner document when raw is a JSON string that
// itself contains JSON. Plain JSON values are returned unchanged.
func unwrapJSONString(raw []byte) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return raw, nil
	}
	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, err
	}
	return bytes.TrimSpace([]byte(inner)), nil
}

func isEmptyJSON(raw []byte) bool {
	s := string(bytes.TrimSpace(raw))
	return s == "" || s == "null" || s == "{}"
}
