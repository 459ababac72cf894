package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dreamhouse/questd/internal/core"
)

// FakeWorld is an in-memory user-state store for tests.
// Err, when set, is returned by every call.
type FakeWorld struct {
	mu sync.Mutex

	Dreamers  map[string]*core.Dreamer
	Canon     map[string][]core.CanonEntry
	Souvenirs map[string]map[string]bool
	Catalog   map[string]core.Souvenir
	Spectra   map[string]core.Spectrum
	Books     map[string]map[string]bool
	Stamps    map[string]map[string]bool
	Pairs     [][2]string

	Err error
}

// NewFakeWorld creates an empty fake world
func NewFakeWorld() *FakeWorld {
	return &FakeWorld{
		Dreamers:  make(map[string]*core.Dreamer),
		Canon:     make(map[string][]core.CanonEntry),
		Souvenirs: make(map[string]map[string]bool),
		Catalog:   make(map[string]core.Souvenir),
		Spectra:   make(map[string]core.Spectrum),
		Books:     make(map[string]map[string]bool),
		Stamps:    make(map[string]map[string]bool),
	}
}

// AddDreamer seeds a registered dreamer
func (w *FakeWorld) AddDreamer(handle, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Dreamers[handle] = &core.Dreamer{Handle: handle, Name: name}
}

// HasCanon implements conditions.Facts
func (w *FakeWorld) HasCanon(_ context.Context, handle, key string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range w.Canon[handle] {
		if e.Key == key {
			return true, w.Err
		}
	}
	return false, w.Err
}

// CanonCount implements conditions.Facts
func (w *FakeWorld) CanonCount(_ context.Context, handle string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.Canon[handle]), w.Err
}

// HasSouvenir implements conditions.Facts
func (w *FakeWorld) HasSouvenir(_ context.Context, handle, key string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Souvenirs[handle][key], w.Err
}

// HasRead implements conditions.Facts
func (w *FakeWorld) HasRead(_ context.Context, handle, book string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Books[handle][book], w.Err
}

// HasBiblioStamp implements conditions.Facts
func (w *FakeWorld) HasBiblioStamp(_ context.Context, handle, stamp string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Stamps[handle][stamp], w.Err
}

// IsRegistered implements actions.World
func (w *FakeWorld) IsRegistered(_ context.Context, handle string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.Dreamers[handle]
	return ok, w.Err
}

// Dreamer implements actions.World
func (w *FakeWorld) Dreamer(_ context.Context, handle string) (*core.Dreamer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return nil, w.Err
	}
	d, ok := w.Dreamers[handle]
	if !ok {
		return nil, nil
	}
	out := *d
	return &out, nil
}

// Register implements actions.World
func (w *FakeWorld) Register(_ context.Context, d core.Dreamer) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return false, w.Err
	}
	if _, ok := w.Dreamers[d.Handle]; ok {
		return false, nil
	}
	w.Dreamers[d.Handle] = &d
	return true, nil
}

// SetName implements actions.World; unknown handles are registered
func (w *FakeWorld) SetName(_ context.Context, handle, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return w.Err
	}
	d, ok := w.Dreamers[handle]
	if !ok {
		d = &core.Dreamer{Handle: handle}
		w.Dreamers[handle] = d
	}
	d.Name = name
	return nil
}

// SetOrigin implements actions.World
func (w *FakeWorld) SetOrigin(_ context.Context, handle, origin string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return w.Err
	}
	d, ok := w.Dreamers[handle]
	if !ok {
		return fmt.Errorf("%w: dreamer %s", core.ErrRecordNotFound, handle)
	}
	d.Origin = origin
	return nil
}

// AddCanon implements actions.World
func (w *FakeWorld) AddCanon(_ context.Context, e core.CanonEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return w.Err
	}
	w.Canon[e.Handle] = append(w.Canon[e.Handle], e)
	return nil
}

// AwardSouvenir implements actions.World
func (w *FakeWorld) AwardSouvenir(_ context.Context, handle, key string) (core.Souvenir, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return core.Souvenir{}, false, w.Err
	}
	s, ok := w.Catalog[key]
	if !ok {
		s = core.Souvenir{Key: key, Name: key}
	}
	if w.Souvenirs[handle] == nil {
		w.Souvenirs[handle] = make(map[string]bool)
	}
	if w.Souvenirs[handle][key] {
		return s, false, nil
	}
	w.Souvenirs[handle][key] = true
	return s, true, nil
}

// Spectrum implements actions.World
func (w *FakeWorld) Spectrum(_ context.Context, handle string) (core.Spectrum, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.Spectra[handle]
	return s, ok, w.Err
}

// SetSpectrum implements actions.World
func (w *FakeWorld) SetSpectrum(_ context.Context, handle string, s core.Spectrum) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return w.Err
	}
	w.Spectra[handle] = s
	return nil
}

// ModSpectrum implements actions.World
func (w *FakeWorld) ModSpectrum(_ context.Context, handle, axis string, delta int) (core.Spectrum, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return core.Spectrum{}, w.Err
	}
	s, err := w.Spectra[handle].Add(axis, delta)
	if err != nil {
		return core.Spectrum{}, err
	}
	w.Spectra[handle] = s
	return s, nil
}

// RecordPair implements actions.World
func (w *FakeWorld) RecordPair(_ context.Context, handle, kindred, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return w.Err
	}
	w.Pairs = append(w.Pairs, [2]string{handle, kindred})
	return nil
}

// RegisteredAmong implements actions.World
func (w *FakeWorld) RegisteredAmong(_ context.Context, handles []string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, h := range handles {
		if _, ok := w.Dreamers[h]; ok {
			out = append(out, h)
		}
	}
	return out, w.Err
}

// SouvenirsOf lists the souvenir keys a dreamer holds, sorted
func (w *FakeWorld) SouvenirsOf(handle string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for k := range w.Souvenirs[handle] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ==================== Social ====================

// MockSocial records outbound social calls. The Func fields override the
// default behaviour when set.
type MockSocial struct {
	mu sync.Mutex

	LikeFunc  func(ctx context.Context, post core.PostRef) error
	ReplyFunc func(ctx context.Context, parent, root core.PostRef, text string) (core.PostRef, error)

	Likes   []core.PostRef
	Replies []string
}

// Like calls the mock function if set.
func (m *MockSocial) Like(ctx context.Context, post core.PostRef) error {
	if m.LikeFunc != nil {
		if err := m.LikeFunc(ctx, post); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Likes = append(m.Likes, post)
	return nil
}

// Reply calls the mock function if set.
func (m *MockSocial) Reply(ctx context.Context, parent, root core.PostRef, text string) (core.PostRef, error) {
	if m.ReplyFunc != nil {
		ref, err := m.ReplyFunc(ctx, parent, root, text)
		if err != nil {
			return core.PostRef{}, err
		}
		m.record(text)
		return ref, nil
	}
	m.record(text)
	return core.PostRef{URI: fmt.Sprintf("%s/reply/%d", parent.URI, m.ReplyCount()), CID: "bafyreply"}, nil
}

func (m *MockSocial) record(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Replies = append(m.Replies, text)
}

// ReplyCount returns how many replies were posted
func (m *MockSocial) ReplyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Replies)
}

// LikeCount returns how many likes were sent
func (m *MockSocial) LikeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Likes)
}

// ==================== Quest store ====================

// MemQuestStore is an in-memory quest store. Quests are cloned on the way in
// and out so callers cannot mutate stored state.
type MemQuestStore struct {
	mu     sync.Mutex
	quests map[string]core.Quest

	// GetHook, if set, runs at the start of every Get
	GetHook func(title string)
}

// NewMemQuestStore creates a store seeded with quests
func NewMemQuestStore(quests ...*core.Quest) *MemQuestStore {
	s := &MemQuestStore{quests: make(map[string]core.Quest)}
	for _, q := range quests {
		s.quests[q.Title] = q.Clone()
	}
	return s
}

// Save inserts or replaces a quest
func (s *MemQuestStore) Save(_ context.Context, q *core.Quest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quests[q.Title] = q.Clone()
	return nil
}

// Get returns a quest by title
func (s *MemQuestStore) Get(_ context.Context, title string) (*core.Quest, error) {
	if s.GetHook != nil {
		s.GetHook(title)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quests[title]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrQuestNotFound, title)
	}
	c := q.Clone()
	return &c, nil
}

// List returns every quest sorted by title
func (s *MemQuestStore) List(_ context.Context) ([]*core.Quest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.Quest, 0, len(s.quests))
	for _, q := range s.quests {
		c := q.Clone()
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

// ListByTrigger returns the quests of one trigger type
func (s *MemQuestStore) ListByTrigger(ctx context.Context, t core.TriggerType, enabledOnly bool) ([]*core.Quest, error) {
	all, _ := s.List(ctx)
	var out []*core.Quest
	for _, q := range all {
		if q.TriggerType == t && (!enabledOnly || q.Enabled) {
			out = append(out, q)
		}
	}
	return out, nil
}

// SetEnabled flips the enabled flag and reports whether it changed
func (s *MemQuestStore) SetEnabled(_ context.Context, title string, enabled bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quests[title]
	if !ok {
		return false, fmt.Errorf("%w: %s", core.ErrQuestNotFound, title)
	}
	if q.Enabled == enabled {
		return false, nil
	}
	q.Enabled = enabled
	s.quests[title] = q
	return true, nil
}

// Delete removes a quest
func (s *MemQuestStore) Delete(_ context.Context, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.quests[title]; !ok {
		return fmt.Errorf("%w: %s", core.ErrQuestNotFound, title)
	}
	delete(s.quests, title)
	return nil
}

// ==================== Recorder ====================

// Transition is one recorded enable/disable change
type Transition struct {
	Quest   string
	Enabled bool
	Reason  string
}

// MemRecorder collects executions and transitions
type MemRecorder struct {
	mu          sync.Mutex
	Executions  []*core.ExecutionTrace
	Transitions []Transition
}

// RecordExecution stores the trace
func (r *MemRecorder) RecordExecution(_ context.Context, trace *core.ExecutionTrace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Executions = append(r.Executions, trace)
	return nil
}

// RecordTransition stores the transition
func (r *MemRecorder) RecordTransition(_ context.Context, quest string, enabled bool, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Transitions = append(r.Transitions, Transition{Quest: quest, Enabled: enabled, Reason: reason})
	return nil
}

// ExecutionCount returns the number of recorded executions
func (r *MemRecorder) ExecutionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Executions)
}

// TransitionsFor returns the transitions recorded for one quest
func (r *MemRecorder) TransitionsFor(quest string) []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Transition
	for _, t := range r.Transitions {
		if t.Quest == quest {
			out = append(out, t)
		}
	}
	return out
}
