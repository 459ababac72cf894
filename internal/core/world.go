package core

import (
	"fmt"
	"strings"
	"time"
)

// ==================== Dreamers ====================

// Dreamer is a registered community member
type Dreamer struct {
	Handle    string    `json:"handle"`
	DID       string    `json:"did,omitempty"`
	Name      string    `json:"name,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeHandle strips whitespace, a leading @ and letter case
func NormalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}

// ==================== Canon ====================

// CanonType classifies a canon entry
type CanonType string

const (
	CanonEvent        CanonType = "event"
	CanonTrait        CanonType = "trait"
	CanonRelationship CanonType = "relationship"
	CanonPossession   CanonType = "possession"
	CanonMemory       CanonType = "memory"
	CanonBelief       CanonType = "belief"
)

// ParseCanonType accepts only the six canon types
func ParseCanonType(s string) (CanonType, bool) {
	switch t := CanonType(strings.ToLower(strings.TrimSpace(s))); t {
	case CanonEvent, CanonTrait, CanonRelationship, CanonPossession, CanonMemory, CanonBelief:
		return t, true
	default:
		return "", false
	}
}

// CanonEntry is one recorded narrative fact about a dreamer
type CanonEntry struct {
	Handle      string    `json:"handle"`
	Key         string    `json:"key"`
	Description string    `json:"description"`
	Type        CanonType `json:"type"`
	Rowstyle    string    `json:"rowstyle,omitempty"`
	Quest       string    `json:"quest,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ==================== Souvenirs ====================

// Souvenir is an award a dreamer can hold at most once
type Souvenir struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ==================== Spectrum ====================

// Spectrum axes
const (
	AxisEntropy   = "entropy"
	AxisOblivion  = "oblivion"
	AxisLiberty   = "liberty"
	AxisAuthority = "authority"
	AxisReceptive = "receptive"
	AxisSkeptic   = "skeptic"
)

// SpectrumAxes lists the axes in display order
var SpectrumAxes = []string{AxisEntropy, AxisOblivion, AxisLiberty, AxisAuthority, AxisReceptive, AxisSkeptic}

// Spectrum is a dreamer's position on the six axes
type Spectrum struct {
	Entropy   int `json:"entropy"`
	Oblivion  int `json:"oblivion"`
	Liberty   int `json:"liberty"`
	Authority int `json:"authority"`
	Receptive int `json:"receptive"`
	Skeptic   int `json:"skeptic"`
}

func (s *Spectrum) field(axis string) *int {
	switch strings.ToLower(strings.TrimSpace(axis)) {
	case AxisEntropy:
		return &s.Entropy
	case AxisOblivion:
		return &s.Oblivion
	case AxisLiberty:
		return &s.Liberty
	case AxisAuthority:
		return &s.Authority
	case AxisReceptive:
		return &s.Receptive
	case AxisSkeptic:
		return &s.Skeptic
	}
	return nil
}

// ValidAxis reports whether axis names a spectrum axis
func ValidAxis(axis string) bool {
	var s Spectrum
	return s.field(axis) != nil
}

// Get returns the value of one axis, 0 for unknown axes
func (s Spectrum) Get(axis string) int {
	if f := s.field(axis); f != nil {
		return *f
	}
	return 0
}

// Add returns a copy of s with delta applied to axis
func (s Spectrum) Add(axis string, delta int) (Spectrum, error) {
	f := s.field(axis)
	if f == nil {
		return s, fmt.Errorf("%w: unknown spectrum axis %q", ErrInvalidArgs, axis)
	}
	*f += delta
	return s, nil
}

// String renders the spectrum for replies
func (s Spectrum) String() string {
	parts := make([]string, len(SpectrumAxes))
	for i, axis := range SpectrumAxes {
		parts[i] = fmt.Sprintf("%s %d", strings.ToUpper(axis[:1])+axis[1:], s.Get(axis))
	}
	return strings.Join(parts, ", ")
}

// ==================== Change feed ====================

// ChangeEvent is one row-level change observed on a watched table
type ChangeEvent struct {
	Table     string         `json:"table"`
	Operation DBOperation    `json:"operation"`
	Row       map[string]any `json:"row,omitempty"`
	At        time.Time      `json:"at"`
}
