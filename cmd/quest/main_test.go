package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamhouse/questd/internal/core"
)

const questsYAML = `
quests:
  - title: greeter
    enabled: true
    trigger_type: bsky_reply
    trigger_config:
      uri: at://did:plc:host/app.bsky.feed.post/root
    conditions:
      - "reply_contains:hello"
    commands:
      - like_post
      - "reply_post:hi {{name}}"
  - title: inbox
    trigger_type: webhook
    trigger_config:
      path: /hooks/inbox
      secret: s3cret
    commands:
      - like_post
`

// run executes the CLI against dir and returns stdout
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--data-dir", dir}, args...))
	err := root.Execute()
	return out.String(), err
}

func setup(t *testing.T) (dir, file string) {
	t.Helper()
	dir = t.TempDir()
	file = filepath.Join(dir, "quests.yaml")
	require.NoError(t, os.WriteFile(file, []byte(questsYAML), 0o600))

	out, err := run(t, dir, "import", file)
	require.NoError(t, err)
	require.Contains(t, out, "imported 2 quests")
	return dir, file
}

func TestImportList(t *testing.T) {
	dir, file := setup(t)

	out, err := run(t, dir, "list")
	require.NoError(t, err)
	var listed struct {
		Quests []json.RawMessage `json:"quests"`
		Count  int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	assert.Equal(t, 2, listed.Count)
	assert.NotContains(t, out, "s3cret")

	out, err = run(t, dir, "list", "--enabled")
	require.NoError(t, err)
	assert.Contains(t, out, "greeter")
	assert.NotContains(t, out, "inbox")

	out, err = run(t, dir, "import", "--skip-existing", file)
	require.NoError(t, err)
	assert.Contains(t, out, "(2 skipped)")
}

func TestShow(t *testing.T) {
	dir, _ := setup(t)

	out, err := run(t, dir, "show", "inbox")
	require.NoError(t, err)
	var q core.Quest
	require.NoError(t, json.Unmarshal([]byte(out), &q))
	assert.Equal(t, core.TriggerWebhook, q.TriggerType)
	assert.NotContains(t, out, "s3cret")

	_, err = run(t, dir, "show", "nobody")
	assert.ErrorIs(t, err, core.ErrQuestNotFound)
}

func TestEnableDisableHistory(t *testing.T) {
	dir, _ := setup(t)

	out, err := run(t, dir, "enable", "inbox", "--reason", "launch")
	require.NoError(t, err)
	assert.Equal(t, "inbox: enabled\n", out)

	out, err = run(t, dir, "disable", "inbox")
	require.NoError(t, err)
	assert.Equal(t, "inbox: disabled\n", out)

	out, err = run(t, dir, "history", "inbox")
	require.NoError(t, err)
	assert.Contains(t, out, "launch")
	assert.Contains(t, out, `"cli"`)

	_, err = run(t, dir, "enable", "nobody")
	assert.ErrorIs(t, err, core.ErrQuestNotFound)
}

func TestExport(t *testing.T) {
	dir, _ := setup(t)

	out, err := run(t, dir, "export")
	require.NoError(t, err)
	assert.Contains(t, out, "title: greeter")
	assert.NotContains(t, out, "s3cret")

	out, err = run(t, dir, "export", "--with-secrets", "--format", "json", "inbox")
	require.NoError(t, err)
	assert.Contains(t, out, "s3cret")
	assert.NotContains(t, out, "greeter")

	target := filepath.Join(dir, "backup.json")
	_, err = run(t, dir, "export", "-o", target)
	require.NoError(t, err)
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "{"), "json export: %s", data)
	assert.Contains(t, string(data), `"quests"`)
}

func TestDelete(t *testing.T) {
	dir, _ := setup(t)

	_, err := run(t, dir, "delete", "inbox")
	require.NoError(t, err)
	_, err = run(t, dir, "show", "inbox")
	assert.ErrorIs(t, err, core.ErrQuestNotFound)
	_, err = run(t, dir, "delete", "inbox")
	assert.ErrorIs(t, err, core.ErrQuestNotFound)

	out, err := run(t, dir, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "ledger ok")
}

func TestDryRun(t *testing.T) {
	dir, file := setup(t)

	decode := func(out string) core.ExecutionTrace {
		var trace core.ExecutionTrace
		require.NoError(t, json.Unmarshal([]byte(out), &trace), out)
		return trace
	}

	out, err := run(t, dir, "dryrun", "greeter", "--sample", `{"handle":"alice.bsky.social","text":"hello there"}`)
	require.NoError(t, err)
	trace := decode(out)
	assert.True(t, trace.Matched)
	assert.True(t, trace.DryRun)
	assert.Equal(t, []string{"like_post", "reply_post"}, trace.CommandNames())
	assert.Empty(t, trace.Steps)

	out, err = run(t, dir, "dryrun", "greeter", "--sample", `{"text":"bye"}`)
	require.NoError(t, err)
	assert.False(t, decode(out).Matched)

	// straight from the file, which holds two quests
	_, err = run(t, dir, "dryrun", file)
	assert.Error(t, err)
	out, err = run(t, dir, "dryrun", file, "--quest", "greeter", "--sample", `{"text":"hello"}`)
	require.NoError(t, err)
	assert.True(t, decode(out).Matched)

	_, err = run(t, dir, "dryrun", "greeter", "--sample", `{not json`)
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
