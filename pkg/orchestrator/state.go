// Package orchestrator drives a lung segmentation session: it prepares the
// working volume, grows previews while seeds change and finalizes the result
// through post-processing or an AI engine.
package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrNoInputVolume is returned by Start when no input is bound.
	ErrNoInputVolume = errors.New("no input volume")

	// ErrNotStarted is returned by operations that need a running session.
	ErrNotStarted = errors.New("segmentation not started")

	// ErrNotFinished is returned by operations that need a finished session.
	ErrNotFinished = errors.New("segmentation not finished")

	// ErrAlreadyFinished is returned when applying a finished session again.
	ErrAlreadyFinished = errors.New("segmentation already finished")

	// ErrBusy is returned when a call arrives while the result is being finalized.
	ErrBusy = errors.New("segmentation is being finalized")

	// ErrInsufficientSeeds is returned by Apply when a seed set is below its
	// minimum point count. The session stays open for more points.
	ErrInsufficientSeeds = errors.New("not enough markups")
)

// State is the session state of a Logic.
type State int

const (
	Idle State = iota
	Started
	PreviewLoop
	Finalizing
	Finished
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Started:
		return "started"
	case PreviewLoop:
		return "preview"
	case Finalizing:
		return "finalizing"
	case Finished:
		return "finished"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// active reports whether a session owns seeds and a working volume.
func (s State) active() bool {
	return s == Started || s == PreviewLoop
}
