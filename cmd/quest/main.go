// quest is the operator CLI for questd: it lists, toggles, imports,
// exports and dry-runs quests against the daemon's database.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dreamhouse/questd/internal/config"
	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/engine"
	"github.com/dreamhouse/questd/internal/ledger"
	"github.com/dreamhouse/questd/internal/logging"
	"github.com/dreamhouse/questd/internal/questfile"
	"github.com/dreamhouse/questd/internal/storage"
)

var (
	// Config
	dataDir    string
	configPath string
	jsonOut    bool

	// Version
	version = "0.1.0"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "quest",
		Short: "quest - manage questd quests",
		Long: `quest manages the quests run by questd.

It works directly on the daemon's database, so changes are picked up by a
running daemon on its next reconcile.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Configure(logging.Options{Level: logging.WARN, Output: os.Stderr})
		},
	}

	// Global flags
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.questd)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "JSON output")

	// Commands
	root.AddCommand(listCmd())
	root.AddCommand(showCmd())
	root.AddCommand(toggleCmd(true))
	root.AddCommand(toggleCmd(false))
	root.AddCommand(importCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(deleteCmd())
	root.AddCommand(dryRunCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(verifyCmd())
	root.AddCommand(versionCmd())

	return root
}

// workspace is an open database with its stores
type workspace struct {
	db       *storage.DB
	quests   *storage.QuestStore
	recorder *ledger.Recorder
}

func (w *workspace) Close() { w.db.Close() }

func openWorkspace() (*workspace, error) {
	path := configPath
	if path == "" && dataDir != "" {
		path = filepath.Join(dataDir, "config.json")
	}
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	db, err := storage.Open(storage.Config{Path: cfg.DatabasePath()})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &workspace{
		db:       db,
		quests:   storage.NewQuestStore(db),
		recorder: ledger.NewRecorder(ledger.NewStore(db.Conn())),
	}, nil
}

// listCmd lists quests
func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List quests",
		RunE: func(cmd *cobra.Command, args []string) error {
			trigger, _ := cmd.Flags().GetString("trigger")
			enabledOnly, _ := cmd.Flags().GetBool("enabled")

			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			var quests []*core.Quest
			if trigger != "" {
				quests, err = ws.quests.ListByTrigger(cmd.Context(), core.TriggerType(trigger), enabledOnly)
			} else {
				quests, err = ws.quests.List(cmd.Context())
			}
			if err != nil {
				return err
			}
			if enabledOnly && trigger == "" {
				quests = filterEnabled(quests)
			}

			redactAll(quests)
			if wantJSON(cmd) {
				return printJSON(cmd, map[string]interface{}{"quests": quests, "count": len(quests)})
			}
			printQuestTable(cmd, quests)
			return nil
		},
	}
	cmd.Flags().String("trigger", "", "only this trigger type")
	cmd.Flags().Bool("enabled", false, "only enabled quests")
	return cmd
}

func filterEnabled(quests []*core.Quest) []*core.Quest {
	out := quests[:0]
	for _, q := range quests {
		if q.Enabled {
			out = append(out, q)
		}
	}
	return out
}

// showCmd prints one quest in canonical form
func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <title>",
		Short: "Show a quest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			q, err := ws.quests.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			redactAll([]*core.Quest{q})
			if wantJSON(cmd) {
				return printJSON(cmd, q)
			}
			data, err := questfile.Encode([]*core.Quest{q}, questfile.FormatYAML, questfile.Options{})
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// toggleCmd builds enable or disable. The change goes through the runtime's
// state machine so the ledger records it.
func toggleCmd(enable bool) *cobra.Command {
	use, short := "disable <title>", "Disable a quest"
	if enable {
		use, short = "enable <title>", "Enable a quest"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")

			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			rt := engine.NewRuntime(engine.DefaultConfig(), ws.quests, nil, nil, ws.recorder)
			defer rt.Close(context.Background())

			if enable {
				err = rt.Enable(cmd.Context(), args[0], reason)
			} else {
				err = rt.Disable(cmd.Context(), args[0], reason)
			}
			if err != nil {
				return err
			}
			state := "disabled"
			if enable {
				state = "enabled"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], state)
			return nil
		},
	}
	cmd.Flags().String("reason", "cli", "reason recorded in the ledger")
	return cmd
}

// importCmd loads quests from a YAML or JSON file
func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file.yaml|file.json>",
		Short: "Import quests from a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			skipExisting, _ := cmd.Flags().GetBool("skip-existing")

			quests, err := questfile.Load(args[0])
			if err != nil {
				return err
			}

			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			ctx := cmd.Context()
			saved, skipped := 0, 0
			for _, q := range quests {
				existing, err := ws.quests.Get(ctx, q.Title)
				switch {
				case err == nil && skipExisting:
					skipped++
					continue
				case err == nil && q.CreatedAt == 0:
					q.CreatedAt = existing.CreatedAt
				case err != nil && !errors.Is(err, core.ErrQuestNotFound):
					return err
				}
				if err := ws.quests.Save(ctx, q); err != nil {
					return err
				}
				if err := ws.recorder.RecordSaved(ctx, q); err != nil {
					logging.WithField("quest", q.Title).Warn("failed to record save: %v", err)
				}
				saved++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d quests (%d skipped)\n", saved, skipped)
			return nil
		},
	}
	cmd.Flags().Bool("skip-existing", false, "leave quests that already exist untouched")
	return cmd
}

// exportCmd writes quests as YAML or JSON
func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export [title...]",
		Short: "Export quests",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			format, _ := cmd.Flags().GetString("format")
			withSecrets, _ := cmd.Flags().GetBool("with-secrets")

			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			var quests []*core.Quest
			if len(args) == 0 {
				if quests, err = ws.quests.List(cmd.Context()); err != nil {
					return err
				}
			}
			for _, title := range args {
				q, err := ws.quests.Get(cmd.Context(), title)
				if err != nil {
					return err
				}
				quests = append(quests, q)
			}

			opts := questfile.Options{RedactSecrets: !withSecrets}
			if output != "" {
				if err := questfile.Write(output, quests, opts); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported %d quests to %s\n", len(quests), output)
				return nil
			}

			f := questfile.FormatYAML
			if strings.EqualFold(format, "json") {
				f = questfile.FormatJSON
			}
			data, err := questfile.Encode(quests, f, opts)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringP("output", "o", "", "file to write; format follows the extension")
	cmd.Flags().String("format", "yaml", "stdout format: yaml or json")
	cmd.Flags().Bool("with-secrets", false, "include webhook secrets")
	return cmd
}

// deleteCmd removes a quest definition
func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <title>",
		Short: "Delete a quest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			if err := ws.quests.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			if err := ws.recorder.RecordDeleted(cmd.Context(), args[0]); err != nil {
				logging.WithField("quest", args[0]).Warn("failed to record delete: %v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

// dryRunCmd evaluates a quest against a sample without side effects
func dryRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dryrun <title|file>",
		Short: "Evaluate a quest against a sample event",
		Long: `Evaluates a stored quest, or one read from a quest file, against a
sample event. No command runs and nothing is written.

The sample is a flat JSON object: handle, text, registered, has_canon,
did, uri and cid fill the event; every other key is passed as extra data.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sampleText, _ := cmd.Flags().GetString("sample")
			sampleFile, _ := cmd.Flags().GetString("sample-file")
			title, _ := cmd.Flags().GetString("quest")

			raw := []byte(sampleText)
			if sampleFile != "" {
				data, err := os.ReadFile(sampleFile)
				if err != nil {
					return err
				}
				raw = data
			}
			sample, err := engine.DecodeSample(raw)
			if err != nil {
				return &engine.DryRunError{Field: "sample", Err: err}
			}

			q, err := resolveQuest(cmd.Context(), args[0], title)
			if err != nil {
				return err
			}

			trace := engine.Simulate(cmd.Context(), q, sample)
			if wantJSON(cmd) {
				return printJSON(cmd, trace)
			}
			printTrace(cmd, trace)
			return nil
		},
	}
	cmd.Flags().String("sample", "{}", "sample event as JSON")
	cmd.Flags().String("sample-file", "", "read the sample from a file")
	cmd.Flags().String("quest", "", "quest title when the file holds several")
	return cmd
}

// resolveQuest reads target as a quest file when it exists, otherwise as a
// stored quest title
func resolveQuest(ctx context.Context, target, title string) (*core.Quest, error) {
	if _, err := os.Stat(target); err == nil {
		quests, err := questfile.Load(target)
		if err != nil {
			return nil, err
		}
		if title == "" && len(quests) == 1 {
			return quests[0], nil
		}
		for _, q := range quests {
			if q.Title == title {
				return q, nil
			}
		}
		if title == "" {
			return nil, fmt.Errorf("%s holds %d quests; pick one with --quest", target, len(quests))
		}
		return nil, fmt.Errorf("%w: %s in %s", core.ErrQuestNotFound, title, target)
	}

	ws, err := openWorkspace()
	if err != nil {
		return nil, err
	}
	defer ws.Close()
	return ws.quests.Get(ctx, target)
}

// historyCmd prints a quest's ledger entries
func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <title>",
		Short: "Show a quest's execution and state history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			items, err := ws.recorder.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(cmd, map[string]interface{}{"quest": args[0], "entries": items})
			}
			printHistory(cmd, items)
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "max entries")
	return cmd
}

// verifyCmd checks the ledger hash chain
func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the ledger hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			store := ws.recorder.Store()
			count, err := store.Count(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.VerifyChain(cmd.Context()); err != nil {
				return fmt.Errorf("ledger invalid (%d entries): %w", count, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ledger ok: %d entries\n", count)
			return nil
		},
	}
}

// versionCmd shows version info
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "quest %s\n", version)
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
