package orchestrator

import (
	"fmt"

	"lungctsegmenter/pkg/seeds"
)

// Instructions returns the next placement prompt for the user.
func (l *Logic) Instructions() string {
	if !l.state.active() || l.store == nil {
		if l.input == nil {
			return "Select input volume."
		}
		return `Click "Start" to initiate point placement.`
	}

	snap, err := l.store.Snapshot()
	if err != nil {
		return err.Error()
	}
	r, lt, t := snap.Count(seeds.RightLung), snap.Count(seeds.LeftLung), snap.Count(seeds.Trachea)
	ai := l.opts.UseAI

	switch {
	case r < 3 && !ai:
		return placeMorePoints("right lung", 0, 3, r)
	case lt < 3 && !ai:
		return placeMorePoints("left lung", 0, 3, lt)
	case r < 6 && !ai:
		return placeMorePoints("right lung", 3, 6, r)
	case lt < 6 && !ai:
		return placeMorePoints("left lung", 3, 6, lt)
	case t < 1:
		return placeMorePoints("trachea", 0, 1, t)
	case ai:
		return `Click "Apply" to finalize.`
	}
	return `Verify that segmentation is complete. Click "Apply" to finalize.`
}

// placeMorePoints asks for the points missing between current and target.
// "more" is added once the first batch of the stage has started.
func placeMorePoints(location string, startingFrom, target, current int) string {
	n := target - current
	plural := ""
	if n > 1 {
		plural = "s"
	}
	more := ""
	if current > startingFrom {
		more = "more "
	}
	return fmt.Sprintf("Place %d %spoint%s in the %s.", n, more, plural, location)
}
