// Package seeds holds the landmark sets that guide region growing and their
// persistence as markups fiducial files.
package seeds

import (
	"errors"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrInvalidSeedSet is returned when a store or set is addressed before a
	// segmentation session created it.
	ErrInvalidSeedSet = errors.New("invalid seed set")

	// ErrSeedLocked is returned when moving a point of a locked store.
	ErrSeedLocked = errors.New("seed points are locked")

	// ErrNoSeedFiles is returned when no directory holds a complete set of files.
	ErrNoSeedFiles = errors.New("no complete seed files found")
)

// Set identifies one of the three landmark sets.
type Set int

const (
	RightLung Set = iota
	LeftLung
	Trachea
)

// Sets lists every set in storage order.
var Sets = [...]Set{RightLung, LeftLung, Trachea}

// MinimumPoints is the number of points each set needs before growing.
var MinimumPoints = map[Set]int{
	RightLung: 6,
	LeftLung:  6,
	Trachea:   1,
}

func (s Set) valid() bool {
	return s >= RightLung && s <= Trachea
}

// Letter returns the single-letter role used for point labels and file names.
func (s Set) Letter() string {
	switch s {
	case RightLung:
		return "R"
	case LeftLung:
		return "L"
	case Trachea:
		return "T"
	}
	return "?"
}

func (s Set) String() string {
	switch s {
	case RightLung:
		return "right lung"
	case LeftLung:
		return "left lung"
	case Trachea:
		return "trachea"
	}
	return fmt.Sprintf("Set(%d)", int(s))
}

// Point is a labelled landmark in RAS coordinates (mm).
type Point struct {
	Label    string
	Position r3.Vec
}

// Store holds the three landmark sets of a segmentation session.
// A nil *Store represents "no session" and rejects every call with
// ErrInvalidSeedSet.
type Store struct {
	mu       sync.Mutex
	sets     [3][]Point
	next     [3]int
	locked   bool
	revision uint64
	onChange func(Set)
}

// NewStore creates an empty store. onChange, if not nil, is invoked after
// every mutation, outside the store lock.
func NewStore(onChange func(Set)) *Store {
	return &Store{onChange: onChange}
}

func (st *Store) check(set Set) error {
	if st == nil {
		return fmt.Errorf("%w: no segmentation session", ErrInvalidSeedSet)
	}
	if !set.valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSeedSet, int(set))
	}
	return nil
}

func (st *Store) changed(set Set) {
	if st.onChange != nil {
		st.onChange(set)
	}
}

// PointCount returns the number of points in set.
func (st *Store) PointCount(set Set) (int, error) {
	if err := st.check(set); err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sets[set]), nil
}

// AddPoint appends a point and returns its label.
func (st *Store) AddPoint(set Set, p r3.Vec) (string, error) {
	if err := st.check(set); err != nil {
		return "", err
	}
	st.mu.Lock()
	st.next[set]++
	label := fmt.Sprintf("%s-%d", set.Letter(), st.next[set])
	st.sets[set] = append(st.sets[set], Point{Label: label, Position: p})
	st.revision++
	st.mu.Unlock()

	st.changed(set)
	return label, nil
}

// RemovePoint deletes the point at index.
func (st *Store) RemovePoint(set Set, index int) error {
	if err := st.check(set); err != nil {
		return err
	}
	st.mu.Lock()
	pts := st.sets[set]
	if index < 0 || index >= len(pts) {
		st.mu.Unlock()
		return fmt.Errorf("%s point index %d out of range [0,%d)", set, index, len(pts))
	}
	st.sets[set] = append(pts[:index:index], pts[index+1:]...)
	st.revision++
	st.mu.Unlock()

	st.changed(set)
	return nil
}

// MovePoint repositions a point. Once the store is locked points can only
// be removed and re-added.
func (st *Store) MovePoint(set Set, index int, p r3.Vec) error {
	if err := st.check(set); err != nil {
		return err
	}
	st.mu.Lock()
	if st.locked {
		st.mu.Unlock()
		return ErrSeedLocked
	}
	pts := st.sets[set]
	if index < 0 || index >= len(pts) {
		st.mu.Unlock()
		return fmt.Errorf("%s point index %d out of range [0,%d)", set, index, len(pts))
	}
	pts[index].Position = p
	st.revision++
	st.mu.Unlock()

	st.changed(set)
	return nil
}

// Lock forbids moving points in place.
func (st *Store) Lock() error {
	if st == nil {
		return fmt.Errorf("%w: no segmentation session", ErrInvalidSeedSet)
	}
	st.mu.Lock()
	st.locked = true
	st.mu.Unlock()
	return nil
}

// Locked reports whether points are locked.
func (st *Store) Locked() bool {
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.locked
}

// Points returns a copy of the points of set in insertion order.
func (st *Store) Points(set Set) ([]Point, error) {
	if err := st.check(set); err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]Point(nil), st.sets[set]...), nil
}

// Replace installs points as the content of set, keeping their labels.
func (st *Store) Replace(set Set, points []Point) error {
	if err := st.check(set); err != nil {
		return err
	}
	st.mu.Lock()
	st.sets[set] = append([]Point(nil), points...)
	st.next[set] = 0
	for _, p := range points {
		var n int
		if _, err := fmt.Sscanf(p.Label, set.Letter()+"-%d", &n); err == nil && n > st.next[set] {
			st.next[set] = n
		}
	}
	if st.next[set] < len(points) {
		st.next[set] = len(points)
	}
	st.revision++
	st.mu.Unlock()

	st.changed(set)
	return nil
}

// Revision increases with every mutation.
func (st *Store) Revision() uint64 {
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.revision
}

// Snapshot is a consistent copy of all three sets.
type Snapshot struct {
	Revision uint64
	Sets     [3][]Point
}

// Count returns the number of points of set in the snapshot.
func (s Snapshot) Count(set Set) int {
	return len(s.Sets[set])
}

// Sufficient reports whether the snapshot meets the minimum counts. With
// tracheaOnly set only the trachea set is checked.
func (s Snapshot) Sufficient(tracheaOnly bool) bool {
	for _, set := range Sets {
		if tracheaOnly && set != Trachea {
			continue
		}
		if s.Count(set) < MinimumPoints[set] {
			return false
		}
	}
	return true
}

// Snapshot copies all sets under one lock.
func (st *Store) Snapshot() (Snapshot, error) {
	if st == nil {
		return Snapshot{}, fmt.Errorf("%w: no segmentation session", ErrInvalidSeedSet)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	snap := Snapshot{Revision: st.revision}
	for _, set := range Sets {
		snap.Sets[set] = append([]Point(nil), st.sets[set]...)
	}
	return snap, nil
}
