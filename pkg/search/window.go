// Package search locates runs on the results service that have not been
// mirrored yet. It extends the already synced interval of a product
// outwards and narrows any window that returns a full page until the
// window fits into one.
package search

import (
	"time"
)

// DefaultLookback is how far a window reaches back before the earliest
// known run, and how far the initial window reaches back from now.
const DefaultLookback = 14 * 24 * time.Hour

// Bounds is the interval of time_start values already stored for a
// product. The interval itself is assumed to be fully synced.
type Bounds struct {
	Min time.Time
	Max time.Time
}

// Window is a closed time interval searched for runs.
type Window struct {
	From time.Time
	To   time.Time
}

// Duration returns the length of the window.
func (w Window) Duration() time.Duration {
	return w.To.Sub(w.From)
}

// Windows returns the windows that still need to be searched. Without
// bounds a single window reaching lookback into the past is used;
// otherwise one window extends before the stored minimum and one after
// the stored maximum. Every lower edge is clamped to cutoff and windows
// that collapse to nothing are dropped.
func Windows(
	bounds *Bounds, now, cutoff time.Time, lookback time.Duration,
) []Window {
	var candidates []Window

	if bounds == nil {
		candidates = []Window{{From: now.Add(-lookback), To: now}}
	} else {
		candidates = []Window{
			{From: bounds.Min.Add(-lookback), To: bounds.Min.Add(-time.Second)},
			{From: bounds.Max.Add(time.Second), To: now},
		}
	}

	windows := make([]Window, 0, len(candidates))

	for _, w := range candidates {
		if w.From.Before(cutoff) {
			w.From = cutoff
		}

		if w.To.Before(w.From) {
			w.To = w.From
		}

		if w.From.Equal(w.To) {
			continue
		}

		windows = append(windows, w)
	}

	return windows
}

// narrow shrinks w by a tenth of its duration, truncated to whole seconds
// and never less than one second. The edge next to the synced interval is
// kept: a window ending before the known maximum lies before the interval,
// so its start moves forward; any other window gives up its end. The
// second return value is false when the window would turn negative.
func narrow(w Window, bounds *Bounds) (Window, bool) {
	step := (w.Duration() / 10).Truncate(time.Second)
	if step < time.Second {
		step = time.Second
	}

	if bounds != nil && w.To.Before(bounds.Max) {
		w.From = w.From.Add(step)
	} else {
		w.To = w.To.Add(-step)
	}

	if w.To.Before(w.From) {
		return w, false
	}

	return w, true
}
