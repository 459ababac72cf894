package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/ledger"
)

// wantJSON is true with --json or when stdout is not a terminal
func wantJSON(cmd *cobra.Command) bool {
	if jsonOut {
		return true
	}
	f, ok := cmd.OutOrStdout().(*os.File)
	return !ok || !term.IsTerminal(int(f.Fd()))
}

// redactAll clears webhook secrets in place
func redactAll(quests []*core.Quest) {
	for i, q := range quests {
		wh, ok := q.TriggerConfig.(*core.WebhookConfig)
		if !ok || wh.Secret == "" {
			continue
		}
		c := q.Clone()
		hidden := *wh
		hidden.Secret = "********"
		c.TriggerConfig = &hidden
		quests[i] = &c
	}
}

func printQuestTable(cmd *cobra.Command, quests []*core.Quest) {
	out := cmd.OutOrStdout()
	if len(quests) == 0 {
		fmt.Fprintln(out, "No quests.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TITLE\tTRIGGER\tENABLED\tCONDITIONS\tCOMMANDS")
	for _, q := range quests {
		fmt.Fprintf(w, "%s\t%s\t%v\t%d\t%d\n",
			truncate(q.Title, 40), q.TriggerType, q.Enabled, len(q.Conditions), len(q.Commands))
	}
	w.Flush()
}

func printTrace(cmd *cobra.Command, t *core.ExecutionTrace) {
	out := cmd.OutOrStdout()
	verdict := "no match"
	if t.Matched {
		verdict = "match"
	}
	fmt.Fprintf(out, "%s: %s (%s)\n", t.Quest, verdict, t.Operator)

	for _, c := range t.Conditions {
		mark := "-"
		if c.Matched {
			mark = "+"
		}
		cond := c.Condition
		if c.Value != "" {
			cond += ":" + c.Value
		}
		fmt.Fprintf(out, "  %s %s  %s\n", mark, cond, c.Reason)
	}
	if !t.Matched {
		return
	}

	fmt.Fprintln(out, "commands:")
	for _, p := range t.Commands {
		line := p.Cmd
		if len(p.Args) > 0 {
			line += " " + strings.Join(p.Args, " ")
		}
		if !p.Known {
			line += "  (unknown, would fail)"
		}
		fmt.Fprintf(out, "  %d. %s\n", p.Index+1, line)
	}
}

func printHistory(cmd *cobra.Command, items []ledger.HistoryItem) {
	out := cmd.OutOrStdout()
	if len(items) == 0 {
		fmt.Fprintln(out, "No history.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tACTOR\tDETAIL")
	for _, it := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			it.Timestamp.Local().Format("2006-01-02 15:04:05"), it.Action, it.Actor, historyDetail(it))
	}
	w.Flush()
}

func historyDetail(it ledger.HistoryItem) string {
	switch {
	case it.Execution != nil:
		e := it.Execution
		detail := fmt.Sprintf("%s %s [%s] %dms", e.Source, e.Handle, strings.Join(e.Commands, ","), e.DurationMS)
		if e.Error != "" {
			detail += " error: " + truncate(e.Error, 60)
		}
		return detail
	case it.Transition != nil:
		return it.Transition.Reason
	}
	return ""
}

// truncate shortens s to max runes
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
