// Package book holds one side of the position book: resting positions in
// ascending id order. Ids are monotonic so insertion is an append and
// lookups are a binary search. The book is never sorted by rate.
package book

import (
	"fmt"
	"sort"

	"github.com/cycles-transfer-station/cts-sub000/internal/model"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

// Side is an id-ordered sequence of positions of one kind.
type Side struct {
	kind      model.PositionKind
	positions []*model.Position
}

func NewSide(kind model.PositionKind) *Side {
	return &Side{kind: kind}
}

func (s *Side) Kind() model.PositionKind { return s.kind }
func (s *Side) Len() int                 { return len(s.positions) }

// At returns the i-th position in id order.
func (s *Side) At(i int) *model.Position { return s.positions[i] }

// Insert appends p. Its id must exceed every id already in the side.
func (s *Side) Insert(p *model.Position) {
	if p.Kind != s.kind {
		panic(fmt.Sprintf("book: %s position %d inserted into %s side", p.Kind, p.ID, s.kind))
	}
	if n := len(s.positions); n > 0 && s.positions[n-1].ID >= p.ID {
		panic(fmt.Sprintf("book: position %d inserted after %d", p.ID, s.positions[n-1].ID))
	}
	s.positions = append(s.positions, p)
}

// Find returns the index of the position with id.
func (s *Side) Find(id model.PositionID) (int, bool) {
	i := sort.Search(len(s.positions), func(i int) bool { return s.positions[i].ID >= id })
	if i < len(s.positions) && s.positions[i].ID == id {
		return i, true
	}
	return i, false
}

// Get returns the position with id, or nil.
func (s *Side) Get(id model.PositionID) *model.Position {
	if i, ok := s.Find(id); ok {
		return s.positions[i]
	}
	return nil
}

// RemoveAt removes the i-th position, shifting the tail.
func (s *Side) RemoveAt(i int) *model.Position {
	p := s.positions[i]
	copy(s.positions[i:], s.positions[i+1:])
	s.positions[len(s.positions)-1] = nil
	s.positions = s.positions[:len(s.positions)-1]
	return p
}

// Remove removes the position with id and returns it, or nil.
func (s *Side) Remove(id model.PositionID) *model.Position {
	if i, ok := s.Find(id); ok {
		return s.RemoveAt(i)
	}
	return nil
}

// Positions returns the backing slice in id order. Callers must not
// modify it.
func (s *Side) Positions() []*model.Position { return s.positions }

// ByPositor returns the positions opened by p.
func (s *Side) ByPositor(p platform.Principal) []*model.Position {
	var out []*model.Position
	for _, pos := range s.positions {
		if pos.Positor == p {
			out = append(out, pos)
		}
	}
	return out
}

// Restore replaces the contents with positions, which must already be in
// ascending id order.
func (s *Side) Restore(positions []*model.Position) error {
	for i, p := range positions {
		if p.Kind != s.kind {
			return fmt.Errorf("book: %s position %d in %s side", p.Kind, p.ID, s.kind)
		}
		if i > 0 && positions[i-1].ID >= p.ID {
			return fmt.Errorf("book: position %d out of order", p.ID)
		}
	}
	s.positions = positions
	return nil
}
