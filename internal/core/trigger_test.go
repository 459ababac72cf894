package core

import (
	"errors"
	"testing"
)

func TestDecodeTriggerConfig_Defaults(t *testing.T) {
	tests := []struct {
		name  string
		typ   TriggerType
		raw   string
		check func(t *testing.T, cfg TriggerConfig)
	}{
		{"poll missing interval", TriggerPoll, `{"url":" https://x.test/feed "}`, func(t *testing.T, cfg TriggerConfig) {
			c := cfg.(*PollConfig)
			if c.IntervalSeconds != 60 || c.URL != "https://x.test/feed" {
				t.Errorf("got %+v", c)
			}
		}},
		{"poll zero interval", TriggerPoll, `{"interval_seconds":0}`, func(t *testing.T, cfg TriggerConfig) {
			if cfg.(*PollConfig).IntervalSeconds != 60 {
				t.Errorf("got %+v", cfg)
			}
		}},
		{"cron empty", TriggerCron, `{}`, func(t *testing.T, cfg TriggerConfig) {
			if cfg.(*CronConfig).Expression != "0 * * * *" {
				t.Errorf("got %+v", cfg)
			}
		}},
		{"cron spacing", TriggerCron, `{"expression":"  */5   *  * * * "}`, func(t *testing.T, cfg TriggerConfig) {
			if cfg.(*CronConfig).Expression != "*/5 * * * *" {
				t.Errorf("got %q", cfg.(*CronConfig).Expression)
			}
		}},
		{"db lowercase op", TriggerDatabaseWatch, `{"table":"canon","operation":"update"}`, func(t *testing.T, cfg TriggerConfig) {
			c := cfg.(*DatabaseWatchConfig)
			if c.Operation != OpUpdate || c.Table != "canon" {
				t.Errorf("got %+v", c)
			}
		}},
		{"db unknown op", TriggerDatabaseWatch, `{"table":"canon","operation":"TRUNCATE"}`, func(t *testing.T, cfg TriggerConfig) {
			if cfg.(*DatabaseWatchConfig).Operation != OpInsert {
				t.Errorf("got %+v", cfg)
			}
		}},
		{"webhook leading slash", TriggerWebhook, `{"path":"welcome"}`, func(t *testing.T, cfg TriggerConfig) {
			if cfg.(*WebhookConfig).Path != "/welcome" {
				t.Errorf("got %+v", cfg)
			}
		}},
		{"firehose drops blank phrases", TriggerFirehosePhrase, `{"phrases":["dream"," ",""],"case_sensitive":true,"extra":1}`, func(t *testing.T, cfg TriggerConfig) {
			c := cfg.(*FirehosePhraseConfig)
			if len(c.Phrases) != 1 || !c.CaseSensitive {
				t.Errorf("got %+v", c)
			}
		}},
		{"null config", TriggerBskyReply, `null`, func(t *testing.T, cfg TriggerConfig) {
			if cfg.(*BskyReplyConfig).URI != "" {
				t.Errorf("got %+v", cfg)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := DecodeTriggerConfig(tt.typ, []byte(tt.raw))
			if err != nil {
				t.Fatalf("DecodeTriggerConfig: %v", err)
			}
			if cfg.Type() != tt.typ {
				t.Errorf("Type() = %s, want %s", cfg.Type(), tt.typ)
			}
			tt.check(t, cfg)
		})
	}
}

func TestDecodeTriggerConfig_Malformed(t *testing.T) {
	cfg, err := DecodeTriggerConfig(TriggerCron, []byte(`{"expression": 5}`))
	if err == nil {
		t.Fatal("expected an error for a mistyped field")
	}
	if cfg.(*CronConfig).Expression != DefaultCronExpression {
		t.Errorf("malformed config should fall back to defaults, got %+v", cfg)
	}
}

func TestDecodeTriggerConfig_UnknownType(t *testing.T) {
	_, err := DecodeTriggerConfig("smoke_signal", []byte(`{}`))
	if !errors.Is(err, ErrUnknownTrigger) {
		t.Errorf("err = %v, want ErrUnknownTrigger", err)
	}
}

func TestSpectrum_Add(t *testing.T) {
	s, err := Spectrum{}.Add("Liberty", 4)
	if err != nil {
		t.Fatal(err)
	}
	if s.Liberty != 4 {
		t.Errorf("Liberty = %d", s.Liberty)
	}
	if _, err := s.Add("chaos", 1); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("err = %v, want ErrInvalidArgs", err)
	}
	if got := (Spectrum{Entropy: 1, Skeptic: 6}).String(); got != "Entropy 1, Oblivion 0, Liberty 0, Authority 0, Receptive 0, Skeptic 6" {
		t.Errorf("String() = %q", got)
	}
}

func TestParseCanonType(t *testing.T) {
	for _, s := range []string{"event", "Trait", " relationship ", "possession", "memory", "belief"} {
		if _, ok := ParseCanonType(s); !ok {
			t.Errorf("ParseCanonType(%q) rejected", s)
		}
	}
	if _, ok := ParseCanonType("prophecy"); ok {
		t.Error("prophecy accepted")
	}
}
