package actions

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/logging"
)

// Default reply templates
const (
	DefaultOriginTemplate   = "Your origin spectrum: {{origin_spectrum}}"
	DefaultGreetingTemplate = "Welcome to the house, {{name}}!"
)

// Binding keys produced by commands beyond the template variables
const (
	BindRegistered            = "registered"
	BindCollaborationPartners = "collaboration_partners"
)

// commands holds the collaborators every handler shares
type commands struct {
	world  World
	social Social
}

func (c *commands) needWorld() error {
	if c.world == nil {
		return core.ErrWorldUnavailable
	}
	return nil
}

func (c *commands) needSocial() error {
	if c.social == nil {
		return core.ErrSocialUnavailable
	}
	return nil
}

func author(ev core.Event) (string, error) {
	h := core.NormalizeHandle(ev.Handle)
	if h == "" {
		return "", fmt.Errorf("%w: event has no author handle", core.ErrMissingBinding)
	}
	return h, nil
}

func effect(kind core.EffectKind, target, detail string) core.Effect {
	return core.Effect{Kind: kind, Target: target, Detail: detail}
}

// reply posts text as a reply to the triggering post
func (c *commands) reply(ctx context.Context, ev core.Event, text string) (core.Effect, error) {
	if err := c.needSocial(); err != nil {
		return core.Effect{}, err
	}
	parent, ok := ev.Post()
	if !ok {
		return core.Effect{}, core.ErrNoTargetPost
	}
	posted, err := c.social.Reply(ctx, parent, ev.Root(), text)
	if err != nil {
		return core.Effect{}, fmt.Errorf("reply: %w", err)
	}
	return effect(core.EffectReply, posted.URI, text), nil
}

// ==================== Identity ====================

func (c *commands) nameDreamer(ctx context.Context, inv Invocation, b core.Bindings) (Outcome, error) {
	if err := c.needWorld(); err != nil {
		return Outcome{}, err
	}
	handle, err := author(inv.Event)
	if err != nil {
		return Outcome{}, err
	}

	name := nameFromHandle(handle)
	if inv.HasArg {
		name = strings.TrimSpace(Expand(inv.Arg, b, inv.Event))
	}
	if name == "" {
		return Outcome{}, fmt.Errorf("%w: empty name", core.ErrInvalidArgs)
	}
	if err := c.world.SetName(ctx, handle, name); err != nil {
		return Outcome{}, fmt.Errorf("set name: %w", err)
	}
	return Outcome{
		Bindings: b.With(core.VarName, name),
		Effects:  []core.Effect{effect(core.EffectSetName, handle, name)},
	}, nil
}

func (c *commands) registrationCheck(ctx context.Context, inv Invocation, b core.Bindings) (Outcome, error) {
	if err := c.needWorld(); err != nil {
		return Outcome{}, err
	}
	registered := false
	if handle := core.NormalizeHandle(inv.Event.Handle); handle != "" {
		var err error
		if registered, err = c.world.IsRegistered(ctx, handle); err != nil {
			return Outcome{}, fmt.Errorf("registration lookup: %w", err)
		}
	}
	return Outcome{Bindings: b.With(BindRegistered, strconv.FormatBool(registered))}, nil
}

func (c *commands) registerIfNeeded(ctx context.Context, inv Invocation, b core.Bindings) (Outcome, error) {
	if err := c.needWorld(); err != nil {
		return Outcome{}, err
	}
	handle, err := author(inv.Event)
	if err != nil {
		return Outcome{}, err
	}

	created, err := c.world.Register(ctx, core.Dreamer{
		Handle:    handle,
		DID:       inv.Event.DID,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("register: %w", err)
	}

	out := Outcome{Bindings: b.With(BindRegistered, "true")}
	if created {
		out.Effects = append(out.Effects, effect(core.EffectRegister, handle, ""))
	}
	d, err := c.world.Dreamer(ctx, handle)
	if err != nil {
		return Outcome{}, fmt.Errorf("load dreamer: %w", err)
	}
	if d != nil && d.Name != "" {
		out.Bindings = out.Bindings.With(core.VarName, d.Name)
	}
	return out, nil
}

// addKindred is kept so stored quests that still list it keep working
func (c *commands) addKindred(_ context.Context, inv Invocation, b core.Bindings) (Outcome, error) {
	if inv.HasArg {
		if kindred := core.NormalizeHandle(Expand(inv.Arg, b, inv.Event)); kindred != "" {
			return Outcome{Bindings: b.With(core.VarKindredHandle, kindred)}, nil
		}
	}
	return Outcome{Bindings: b}, nil
}

func (c *commands) addName(ctx context.Context, inv Invocation, b core.Bindings) (Outcome, error) {
	if err := c.needWorld(); err != nil {
		return Outcome{}, err
	}
	handle, err := author(inv.Event)
	if err != nil {
		return Outcome{}, err
	}
	name := strings.TrimSpace(Expand(inv.Arg, b, inv.Event))
	if name == "" {
		return Outcome{}, fmt.Errorf("%w: empty name", core.ErrInvalidArgs)
	}
	if err := c.world.SetName(ctx, handle, name); err != nil {
		return Outcome{}, fmt.Errorf("set name: %w", err)
	}
	return Outcome{
		Bindings: b.With(core.VarName, name),
		Effects:  []core.Effect{effect(core.EffectSetName, handle, name)},
	}, nil
}

// ==================== Social ====================

func (c *commands) likePost(ctx context.Context, inv Invocation, b core.Bindings) (Outcome, error) {
	if err := c.needSocial(); err != nil {
		return Outcome{}, err
	}
	post, ok := inv.Event.Post()
	if !ok {
		return Outcome{}, core.ErrNoTargetPost
	}
	if err := c.social.Like(ctx, post); err != nil {
		return Outcome{}, fmt.Errorf("like: %w", err)
	}
	return Outcome{Bindings: b, Effects: []core.Effect{effect(core.EffectLike, post.URI, "")}}, nil
}

func (c *commands) replyPost(ctx context.Context, inv Invocation, b core.Bindings) (Outcome, error) {
	eff, err := c.reply(ctx, inv.Event, Expand(inv.Arg, b, inv.Event))
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Bindings: b, Effects: []core.Effect{eff}}, nil
}

func (c *commands) greetNewcomer(ctx context.Context, inv Invocation, b core.Bindings) (Outcome, error) {
	tmpl := DefaultGreetingTemplate
	if inv.HasArg {
		tmpl = inv.Arg
	}
	if _, ok := b[core.VarName]; !ok {
		if name := nameFromHandle(inv.Event.Handle); name != "" {
			b = b.With(core.VarName, name)
		}
	}
	eff, err := c.reply(ctx, inv.Event, Expand(tmpl, b, inv.Event))
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Bindings: b, Effects: []core.Effect{eff}}, nil
}

// ==================== Canon & souvenirs ====================

func (c *commands) addCanon(ctx context.Context, inv Invocation, b core.Bindings) (Outcome, error) {
	if err := c.needWorld(); err != nil {
		return Outcome{}, err
	}
	handle, err := author(inv.Event)
	if err != nil {
		return Outcome{}, err
	}

	arg, ok := parseCanonArg(inv.Arg)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: add_canon wants key:description:type[:rowstyle], got %q", core.ErrInvalidArgs, inv.Arg)
	}
	canonType, ok := core.ParseCanonType(arg.Type)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: invalid canon type %q", core.ErrInvalidArgs, arg.Type)
	}
	rowstyle := arg.Rowstyle
	if rowstyle != "" && !Rowstyles[rowstyle] {
		logging.WithFields(map[string]interface{}{
			"quest":         inv.Quest,
			"command_index": inv.Index,
		}).Warn("unknown rowstyle %q ignored", rowstyle)
		rowstyle = ""
	}

	entry := core.CanonEntry{
		Handle:      handle,
		Key:         arg.Key,
		Description: Expand(arg.Description, b, inv.Event),
		Type:        canonType,
		Rowstyle:    rowstyle,
		Quest:       inv.Quest,
		CreatedAt:   time.Now(),
	}
	if err := c.world.AddCanon(ctx, entry); err != nil {
		return Outcome{}, fmt.Errorf("add canon: %w", err)
	}
	return Outcome{
		Bindings: b,
		Effects:  []core.Effect{effect(core.EffectAddCanon, handle, arg.Key)},
	}, nil
}

func (c *commands) awardSouvenir(ctx context.Context, inv Invocation, b core.Bindings) (Outcome, error) {
	if err := c.needWorld(); err != nil {
		return Outcome{}, err
	}
	handle, err := author(inv.Event)
	if err != nil {
		return Outcome{}, err
	}
	key := strings.TrimSpace(Expand(inv.Arg, b, inv.Event))

	souvenir, awarded, err := c.world.AwardSouvenir(ctx, handle, key)
	if err != nil {
		return Outcome{}, fmt.Errorf("award souvenir: %w", err)
	}
	name := souvenir.Name
	if name == "" {
		name = key
	}

	out := Outcome{Bindings: b.With(core.VarSouvenirName, name)}
	if awarded {
		out.Effects = []core.Effect{effect(core.EffectAwardSouvenir, handle, key)}
	}
	return out, nil
}

// ==================== Spectrum & origin ====================

func (c *commands) modSpectrum(ctx context.Context, inv Invocation, b core.Bindings) (Outcome, error) {
	if err := c.needWorld(); err != nil {
		return Outcome{}, err
	}
	handle, err := author(inv.Event)
	if err != nil {
		return Outcome{}, err
	}

	axis, rawDelta, found := strings.Cut(inv.Arg, ":")
	axis = strings.ToLower(strings.TrimSpace(axis))
	if !found || !core.ValidAxis(axis) {
		return Outcome{}, fmt.Errorf("%w: mod_spectrum wants axis:delta, got %q", core.ErrInvalidArgs, inv.Arg)
	}
	delta, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(rawDelta), "+"))
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: bad spectrum delta %q", core.ErrInvalidArgs, rawDelta)
	}

	if _, err := c.world.ModSpectrum(ctx, handle, axis, delta); err != nil {
		return Outcome{}, fmt.Errorf("mod spectrum: %w", err)
	}
	return Outcome{
		Bindings: b,
		Effects:  []core.Effect{effect(core.EffectSpectrum, handle, fmt.Sprintf("%s%+d", axis, delta))},
	}, nil
}

// originSpectrum loads the stored spectrum or derives one
func (c *commands) originSpectrum(ctx context.Context, ev core.Event, handle string) (core.Spectrum, bool, error) {
	s, ok, err := c.world.Spectrum(ctx, handle)
	if err != nil {
		return core.Spectrum{}, false, fmt.Errorf("load spectrum: %w", err)
	}
	if ok {
		return s, true, nil
	}
	return DeriveSpectrum(identity(ev)), false, nil
}

func (c *commands) calculateOrigin(ctx context.Context, inv Invocation, b core.Bindings) (Outcome, error) {
	if err := c.needWorld(); err != nil {
		return Outcome{}, err
	}
	handle, err := author(inv.Event)
	if err != nil {
		return Outcome{}, err
	}

	s, stored, err := c.originSpectrum(ctx, inv.Event, handle)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Bindings: b.With(core.VarOriginSpectrum, s.String())}
	if !stored {
		if err := c.world.SetSpectrum(ctx, handle, s); err != nil {
			return Outcome{}, fmt.Errorf("store spectrum: %w", err)
		}
		out.Effects = []core.Effect{effect(core.EffectSpectrum, handle, s.String())}
	}
	return out, nil
}

func (c *commands) replyOriginSpectrum(ctx context.Context, inv Invocation, b core.Bindings) (Outcome, error) {
	if _, ok := b[core.VarOriginSpectrum]; !ok {
		if err := c.needWorld(); err != nil {
			return Outcome{}, err
		}
		handle, err := author(inv.Event)
		if err != nil {
			return Outcome{}, err
		}
		s, _, err := c.originSpectrum(ctx, inv.Event, handle)
		if err != nil {
			return Outcome{}, err
		}
		b = b.With(core.VarOriginSpectrum, s.String())
	}

	tmpl := DefaultOriginTemplate
	if inv.HasArg {
		tmpl = inv.Arg
	}
	eff, err := c.reply(ctx, inv.Event, Expand(tmpl, b, inv.Event))
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Bindings: b, Effects: []core.Effect{eff}}, nil
}

func (c *commands) declareOrigin(ctx context.Context, inv Invocation, b core.Bindings) (Outcome, error) {
	if err := c.needWorld(); err != nil {
		return Outcome{}, err
	}
	handle, err := author(inv.Event)
	if err != nil {
		return Outcome{}, err
	}

	origin := b[core.VarOriginSpectrum]
	if inv.HasArg {
		origin = strings.TrimSpace(Expand(inv.Arg, b, inv.Event))
	}
	if origin == "" {
		return Outcome{}, fmt.Errorf("%w: no origin to declare", core.ErrMissingBinding)
	}
	if err := c.world.SetOrigin(ctx, handle, origin); err != nil {
		return Outcome{}, fmt.Errorf("set origin: %w", err)
	}
	return Outcome{
		Bindings: b,
		Effects:  []core.Effect{effect(core.EffectOrigin, handle, origin)},
	}, nil
}

// ==================== Pairing ====================

func (c *commands) paired(ctx context.Context, inv Invocation, b core.Bindings) (Outcome, error) {
	if err := c.needWorld(); err != nil {
		return Outcome{}, err
	}
	handle, err := author(inv.Event)
	if err != nil {
		return Outcome{}, err
	}

	var kindred string
	switch {
	case inv.HasArg:
		kindred = core.NormalizeHandle(Expand(inv.Arg, b, inv.Event))
	case b[core.VarKindredHandle] != "":
		kindred = b[core.VarKindredHandle]
	default:
		if found := mentions(inv.Event.Text); len(found) > 0 {
			kindred = found[0]
		}
	}
	if kindred == "" {
		return Outcome{}, fmt.Errorf("%w: no kindred to pair with", core.ErrMissingBinding)
	}
	if kindred == handle {
		return Outcome{}, fmt.Errorf("%w: cannot pair %s with itself", core.ErrInvalidArgs, handle)
	}

	if err := c.world.RecordPair(ctx, handle, kindred, inv.Quest); err != nil {
		return Outcome{}, fmt.Errorf("record pair: %w", err)
	}
	return Outcome{
		Bindings: b.With(core.VarKindredHandle, kindred),
		Effects:  []core.Effect{effect(core.EffectPair, handle, kindred)},
	}, nil
}

func (c *commands) checkCollaborationPartners(ctx context.Context, inv Invocation, b core.Bindings) (Outcome, error) {
	if err := c.needWorld(); err != nil {
		return Outcome{}, err
	}
	self := core.NormalizeHandle(inv.Event.Handle)

	var candidates []string
	for _, h := range mentions(inv.Event.Text) {
		if h != self {
			candidates = append(candidates, h)
		}
	}
	if len(candidates) == 0 {
		return Outcome{Bindings: b}, nil
	}

	partners, err := c.world.RegisteredAmong(ctx, candidates)
	if err != nil {
		return Outcome{}, fmt.Errorf("partner lookup: %w", err)
	}
	if len(partners) == 0 {
		return Outcome{Bindings: b}, nil
	}
	return Outcome{
		Bindings: b.With(core.VarKindredHandle, partners[0]).
			With(BindCollaborationPartners, strings.Join(partners, ",")),
	}, nil
}

// ==================== Quest state ====================

// disableQuest only requests the change; the runtime applies it after the
// pipeline finishes cleanly
func (c *commands) disableQuest(_ context.Context, inv Invocation, b core.Bindings) (Outcome, error) {
	return Outcome{
		Bindings: b,
		Effects: []core.Effect{{
			Kind:     core.EffectDisableQuest,
			Target:   inv.Quest,
			Deferred: true,
		}},
	}, nil
}
