package engine

import (
	"sort"
	"sync"
	"time"
)

// QuestStats are the runtime counters for one quest
type QuestStats struct {
	Quest      string     `json:"quest"`
	Dispatched int64      `json:"dispatched"`
	Dropped    int64      `json:"dropped"`
	Rejected   int64      `json:"rejected"`
	Filtered   int64      `json:"filtered"`
	Executions int64      `json:"executions"`
	Matches    int64      `json:"matches"`
	Failures   int64      `json:"failures"`
	LastRun    *time.Time `json:"last_run,omitempty"`
}

// Stats tracks per-quest counters since process start
type Stats struct {
	mu     sync.Mutex
	quests map[string]*QuestStats
}

func newStats() *Stats {
	return &Stats{quests: make(map[string]*QuestStats)}
}

func (s *Stats) update(title string, fn func(*QuestStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	qs, ok := s.quests[title]
	if !ok {
		qs = &QuestStats{Quest: title}
		s.quests[title] = qs
	}
	fn(qs)
}

func (s *Stats) dispatched(title string) { s.update(title, func(q *QuestStats) { q.Dispatched++ }) }
func (s *Stats) dropped(title string)    { s.update(title, func(q *QuestStats) { q.Dropped++ }) }
func (s *Stats) rejected(title string)   { s.update(title, func(q *QuestStats) { q.Rejected++ }) }
func (s *Stats) filtered(title string)   { s.update(title, func(q *QuestStats) { q.Filtered++ }) }
func (s *Stats) failed(title string)     { s.update(title, func(q *QuestStats) { q.Failures++ }) }

func (s *Stats) executed(title string, matched bool) {
	now := time.Now()
	s.update(title, func(q *QuestStats) {
		q.Executions++
		if matched {
			q.Matches++
		}
		q.LastRun = &now
	})
}

// Get returns a copy of one quest's counters
func (s *Stats) Get(title string) QuestStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if qs, ok := s.quests[title]; ok {
		return *qs
	}
	return QuestStats{Quest: title}
}

// Snapshot returns a copy of every quest's counters, sorted by title
func (s *Stats) Snapshot() []QuestStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QuestStats, 0, len(s.quests))
	for _, qs := range s.quests {
		out = append(out, *qs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Quest < out[j].Quest })
	return out
}
