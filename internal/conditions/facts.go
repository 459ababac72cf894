package conditions

import (
	"context"

	"github.com/dreamhouse/questd/internal/core"
)

// Facts is the read-only view of user state that predicates consult.
// Users are identified by handle.
type Facts interface {
	HasCanon(ctx context.Context, handle, key string) (bool, error)
	CanonCount(ctx context.Context, handle string) (int, error)
	HasSouvenir(ctx context.Context, handle, key string) (bool, error)
	HasRead(ctx context.Context, handle, book string) (bool, error)
	HasBiblioStamp(ctx context.Context, handle, stamp string) (bool, error)
}

// Keys in Event.Extra that supply facts directly
const (
	ExtraCanon        = "canon"
	ExtraCanonCount   = "canon_count"
	ExtraSouvenirs    = "souvenirs"
	ExtraBooksRead    = "books_read"
	ExtraBiblioStamps = "biblio_stamps"
	ExtraHasCanon     = "has_canon"
)

// Layered answers from the event's extra payload first and falls back to
// Base for anything the event does not carry. A nil Base makes it the
// event-only layer used by dry runs.
type Layered struct {
	Event core.Event
	Base  Facts
}

// EventOnly returns the fact layer that never leaves the event
func EventOnly(ev core.Event) Facts {
	return &Layered{Event: ev}
}

// Over layers the event's facts over base
func Over(ev core.Event, base Facts) Facts {
	return &Layered{Event: ev, Base: base}
}

func (l *Layered) contains(extraKey, key string) (bool, bool) {
	list, ok := l.Event.ExtraStrings(extraKey)
	if !ok {
		return false, false
	}
	for _, item := range list {
		if item == key {
			return true, true
		}
	}
	return false, true
}

// HasCanon implements Facts
func (l *Layered) HasCanon(ctx context.Context, handle, key string) (bool, error) {
	if found, ok := l.contains(ExtraCanon, key); ok {
		return found, nil
	}
	if l.Base == nil {
		return false, nil
	}
	return l.Base.HasCanon(ctx, handle, key)
}

// CanonCount implements Facts. An explicit canon_count wins over the length
// of the canon list.
func (l *Layered) CanonCount(ctx context.Context, handle string) (int, error) {
	if n, ok := l.Event.ExtraInt(ExtraCanonCount); ok {
		return n, nil
	}
	if list, ok := l.Event.ExtraStrings(ExtraCanon); ok {
		return len(list), nil
	}
	if l.Base == nil {
		return 0, nil
	}
	return l.Base.CanonCount(ctx, handle)
}

// HasSouvenir implements Facts
func (l *Layered) HasSouvenir(ctx context.Context, handle, key string) (bool, error) {
	if found, ok := l.contains(ExtraSouvenirs, key); ok {
		return found, nil
	}
	if l.Base == nil {
		return false, nil
	}
	return l.Base.HasSouvenir(ctx, handle, key)
}

// HasRead implements Facts
func (l *Layered) HasRead(ctx context.Context, handle, book string) (bool, error) {
	if found, ok := l.contains(ExtraBooksRead, book); ok {
		return found, nil
	}
	if l.Base == nil {
		return false, nil
	}
	return l.Base.HasRead(ctx, handle, book)
}

// HasBiblioStamp implements Facts
func (l *Layered) HasBiblioStamp(ctx context.Context, handle, stamp string) (bool, error) {
	if found, ok := l.contains(ExtraBiblioStamps, stamp); ok {
		return found, nil
	}
	if l.Base == nil {
		return false, nil
	}
	return l.Base.HasBiblioStamp(ctx, handle, stamp)
}
