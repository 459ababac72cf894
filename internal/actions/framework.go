// Package actions provides the quest command catalog and the pipeline that
// runs a quest's commands in order.
package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dreamhouse/questd/internal/conditions"
	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/logging"
)

// Arity is how many argument groups a command takes
type Arity int

const (
	// ArityNone takes no argument; a supplied one is ignored
	ArityNone Arity = iota

	// ArityOptional takes zero or one argument group
	ArityOptional

	// ArityOne requires exactly one argument group
	ArityOne
)

func (a Arity) String() string {
	switch a {
	case ArityNone:
		return "0"
	case ArityOptional:
		return "0/1"
	case ArityOne:
		return "1"
	default:
		return "unknown"
	}
}

// Command keys
const (
	CmdNameDreamer                = "name_dreamer"
	CmdRegistrationCheck          = "registration_check"
	CmdRegisterIfNeeded           = "register_if_needed"
	CmdAddKindred                 = "add_kindred"
	CmdLikePost                   = "like_post"
	CmdAddCanon                   = "add_canon"
	CmdAddName                    = "add_name"
	CmdDisableQuest               = "disable_quest"
	CmdModSpectrum                = "mod_spectrum"
	CmdAwardSouvenir              = "award_souvenir"
	CmdReplyOriginSpectrum        = "reply_origin_spectrum"
	CmdReplyPost                  = "reply_post"
	CmdPaired                     = "paired"
	CmdCheckCollaborationPartners = "check_collaboration_partners"
	CmdCalculateOrigin            = "calculate_origin"
	CmdGreetNewcomer              = "greet_newcomer"
	CmdDeclareOrigin              = "declare_origin"
)

// arities is the static half of the catalog. It is enough to resolve
// command names without any dependencies.
var arities = map[string]Arity{
	CmdNameDreamer:                ArityOptional,
	CmdRegistrationCheck:          ArityNone,
	CmdRegisterIfNeeded:           ArityNone,
	CmdAddKindred:                 ArityOptional,
	CmdLikePost:                   ArityNone,
	CmdAddCanon:                   ArityOne,
	CmdAddName:                    ArityOne,
	CmdDisableQuest:               ArityNone,
	CmdModSpectrum:                ArityOne,
	CmdAwardSouvenir:              ArityOne,
	CmdReplyOriginSpectrum:        ArityOptional,
	CmdReplyPost:                  ArityOne,
	CmdPaired:                     ArityOptional,
	CmdCheckCollaborationPartners: ArityNone,
	CmdCalculateOrigin:            ArityNone,
	CmdGreetNewcomer:              ArityOptional,
	CmdDeclareOrigin:              ArityOptional,
}

// Known reports whether key names a command in the catalog
func Known(key string) bool {
	_, ok := arities[key]
	return ok
}

// ArityOf returns a command's arity
func ArityOf(key string) (Arity, bool) {
	a, ok := arities[key]
	return a, ok
}

// Keys lists every command key, sorted
func Keys() []string {
	keys := make([]string, 0, len(arities))
	for k := range arities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve turns a quest's commands into plans without running anything
func Resolve(cmds []core.Command) []core.CommandPlan {
	plans := make([]core.CommandPlan, len(cmds))
	for i, c := range cmds {
		args := c.Args
		if args == nil {
			args = []string{}
		}
		plans[i] = core.CommandPlan{Index: i, Cmd: c.Cmd, Args: args, Known: Known(c.Cmd)}
	}
	return plans
}

// ==================== Handlers ====================

// Invocation is what a handler gets to work with
type Invocation struct {
	Quest  string
	Index  int
	Arg    string // argument group, args joined by ":"
	HasArg bool
	Event  core.Event
}

// Outcome is a handler's result: the new binding set and the effects it
// committed (or, for deferred effects, requested)
type Outcome struct {
	Bindings core.Bindings
	Effects  []core.Effect
}

// Handler executes one command. It receives bindings by value and returns
// the set the next command should see.
type Handler func(ctx context.Context, inv Invocation, b core.Bindings) (Outcome, error)

// World is the user-state store commands read and write
type World interface {
	conditions.Facts

	IsRegistered(ctx context.Context, handle string) (bool, error)
	Dreamer(ctx context.Context, handle string) (*core.Dreamer, error)
	Register(ctx context.Context, d core.Dreamer) (bool, error)
	SetName(ctx context.Context, handle, name string) error
	SetOrigin(ctx context.Context, handle, origin string) error
	AddCanon(ctx context.Context, entry core.CanonEntry) error
	AwardSouvenir(ctx context.Context, handle, key string) (core.Souvenir, bool, error)
	Spectrum(ctx context.Context, handle string) (core.Spectrum, bool, error)
	SetSpectrum(ctx context.Context, handle string, s core.Spectrum) error
	ModSpectrum(ctx context.Context, handle, axis string, delta int) (core.Spectrum, error)
	RecordPair(ctx context.Context, handle, kindred, quest string) error
	RegisteredAmong(ctx context.Context, handles []string) ([]string, error)
}

// Social is the outbound half of the social network client
type Social interface {
	Like(ctx context.Context, post core.PostRef) error
	Reply(ctx context.Context, parent, root core.PostRef, text string) (core.PostRef, error)
}

// Catalog maps command keys to handlers. It is built once and read-only
// afterwards.
type Catalog struct {
	handlers map[string]Handler
}

// NewCatalog builds the catalog over the given world and social client.
// Either may be nil; commands that need a missing collaborator fail.
func NewCatalog(world World, social Social) *Catalog {
	c := &commands{world: world, social: social}
	return &Catalog{handlers: map[string]Handler{
		CmdNameDreamer:                c.nameDreamer,
		CmdRegistrationCheck:          c.registrationCheck,
		CmdRegisterIfNeeded:           c.registerIfNeeded,
		CmdAddKindred:                 c.addKindred,
		CmdLikePost:                   c.likePost,
		CmdAddCanon:                   c.addCanon,
		CmdAddName:                    c.addName,
		CmdDisableQuest:               c.disableQuest,
		CmdModSpectrum:                c.modSpectrum,
		CmdAwardSouvenir:              c.awardSouvenir,
		CmdReplyOriginSpectrum:        c.replyOriginSpectrum,
		CmdReplyPost:                  c.replyPost,
		CmdPaired:                     c.paired,
		CmdCheckCollaborationPartners: c.checkCollaborationPartners,
		CmdCalculateOrigin:            c.calculateOrigin,
		CmdGreetNewcomer:              c.greetNewcomer,
		CmdDeclareOrigin:              c.declareOrigin,
	}}
}

// Lookup returns the handler for key
func (c *Catalog) Lookup(key string) (Handler, bool) {
	h, ok := c.handlers[key]
	return h, ok
}

// ==================== Pipeline ====================

// CommandError reports a fatal command failure with its position
type CommandError struct {
	Quest string
	Index int
	Cmd   string
	Err   error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("quest %q command %d (%s): %v", e.Quest, e.Index, e.Cmd, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Result is the outcome of a pipeline run
type Result struct {
	Steps    []core.CommandStep
	Effects  []core.Effect // committed as each command ran
	Deferred []core.Effect // to apply only because the run succeeded
	Bindings core.Bindings
	Err      error // a *CommandError, or nil
}

// FailedAt is the index of the failing command, or -1
func (r *Result) FailedAt() int {
	var ce *CommandError
	if errors.As(r.Err, &ce) {
		return ce.Index
	}
	return -1
}

// Pipeline runs a quest's commands in order
type Pipeline struct {
	catalog *Catalog
	timeout time.Duration
}

// NewPipeline creates a pipeline. A zero timeout leaves the context as is.
func NewPipeline(catalog *Catalog, timeout time.Duration) *Pipeline {
	return &Pipeline{catalog: catalog, timeout: timeout}
}

// Run executes cmds strictly in order, threading bindings. Unknown commands
// are skipped. The first fatal error stops the run; effects already
// committed stay. Deferred effects are dropped when the run fails.
func (p *Pipeline) Run(ctx context.Context, quest string, cmds []core.Command, ev core.Event, b core.Bindings) *Result {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if b == nil {
		b = core.Bindings{}
	}

	res := &Result{Steps: make([]core.CommandStep, 0, len(cmds))}
	log := logging.WithField("quest", quest)
	var deferred []core.Effect

	for i, cmd := range cmds {
		step := core.CommandStep{Index: i, Cmd: cmd.Cmd}

		handler, ok := p.catalog.Lookup(cmd.Cmd)
		if !ok {
			log.WithField("command_index", i).Warn("unknown command %q skipped", cmd.Cmd)
			step.Status = core.StepSkipped
			step.Error = "unknown command"
			res.Steps = append(res.Steps, step)
			continue
		}

		inv, err := invocation(quest, i, cmd, ev)
		if err == nil {
			if err = ctx.Err(); err == nil {
				var out Outcome
				out, err = handler(ctx, inv, b.Copy())
				if err == nil {
					if out.Bindings != nil {
						b = out.Bindings
					}
					for _, eff := range out.Effects {
						if eff.Deferred {
							deferred = append(deferred, eff)
						} else {
							res.Effects = append(res.Effects, eff)
						}
					}
					step.Effects = out.Effects
				}
			}
		}

		if err != nil {
			step.Status = core.StepFailed
			step.Error = err.Error()
			res.Steps = append(res.Steps, step)
			res.Err = &CommandError{Quest: quest, Index: i, Cmd: cmd.Cmd, Err: err}
			log.WithFields(map[string]interface{}{
				"command_index": i,
				"command":       cmd.Cmd,
			}).Error("command failed, halting pipeline: %v", err)
			break
		}

		step.Status = core.StepOK
		res.Steps = append(res.Steps, step)
	}

	res.Bindings = b
	if res.Err == nil {
		res.Deferred = deferred
	}
	return res
}

// invocation checks arity and builds the handler input
func invocation(quest string, index int, cmd core.Command, ev core.Event) (Invocation, error) {
	inv := Invocation{Quest: quest, Index: index, Event: ev}
	arg := cmd.Arg()
	hasArg := len(cmd.Args) > 0 && strings.TrimSpace(arg) != ""

	switch arities[cmd.Cmd] {
	case ArityNone:
		if hasArg {
			logging.WithField("quest", quest).Debug("command %s takes no argument, ignoring %q", cmd.Cmd, arg)
		}
		return inv, nil
	case ArityOne:
		if !hasArg {
			return inv, fmt.Errorf("%w: %s requires an argument", core.ErrInvalidArgs, cmd.Cmd)
		}
	}
	if hasArg {
		inv.Arg = arg
		inv.HasArg = true
	}
	return inv, nil
}
