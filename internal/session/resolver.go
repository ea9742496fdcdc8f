package session

import (
	"context"
	"errors"
	"time"

	"attendance-engine/internal/catalog"
)

// Resolution failure kinds.
var (
	ErrNoActiveSession = errors.New("session: no active session at center")
	ErrSessionNotFound = errors.New("session: class not found")
	ErrSessionClosed   = errors.New("session: outside class entry window")
)

// Resolver maps a scan's location and time onto one class instance. The
// center path never blocks a scan when any candidate exists; when two classes
// straddle the window the closest scheduled start wins, which can attribute a
// scan to the wrong adjacent session. That tradeoff favors availability and
// is pinned down by tests.
type Resolver struct {
	catalog catalog.Reader

	// window is how far either side of the scan time a class start may
	// fall and still count as a candidate.
	window time.Duration

	// entryGrace bounds how far from the scheduled start a class-scoped
	// scan is accepted. Zero disables the check, which is the default the
	// deployed system runs with.
	entryGrace time.Duration
}

// NewResolver creates a resolver. window <= 0 falls back to 15 minutes.
func NewResolver(reader catalog.Reader, window, entryGrace time.Duration) *Resolver {
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Resolver{catalog: reader, window: window, entryGrace: entryGrace}
}

// ResolveByCenter finds the class a center-scoped scan belongs to: the
// non-cancelled class at the center whose scheduled start is closest to the
// scan time, searching ±window. Ties break on the lower class id so repeated
// scans resolve deterministically.
func (r *Resolver) ResolveByCenter(ctx context.Context, centerID string, at time.Time) (catalog.ClassInstance, error) {
	candidates, err := r.catalog.ClassesAtCenter(ctx, centerID, at.Add(-r.window), at.Add(r.window))
	if err != nil {
		return catalog.ClassInstance{}, err
	}
	if len(candidates) == 0 {
		return catalog.ClassInstance{}, ErrNoActiveSession
	}

	best := candidates[0]
	bestDist := absDuration(best.ScheduledStart.Sub(at))
	for _, c := range candidates[1:] {
		d := absDuration(c.ScheduledStart.Sub(at))
		if d < bestDist || (d == bestDist && c.ID < best.ID) {
			best = c
			bestDist = d
		}
	}
	return best, nil
}

// ResolveByClassID resolves a class-scoped scan. The class status is read at
// resolution time so a cancellation landing mid-scan is observed rather than
// served from a stale view.
func (r *Resolver) ResolveByClassID(ctx context.Context, classID string, at time.Time) (catalog.ClassInstance, error) {
	ci, err := r.catalog.GetClass(ctx, classID)
	if err != nil {
		if errors.Is(err, catalog.ErrClassNotFound) {
			return catalog.ClassInstance{}, ErrSessionNotFound
		}
		return catalog.ClassInstance{}, err
	}
	if ci.Status == catalog.StatusCancelled {
		return catalog.ClassInstance{}, ErrSessionNotFound
	}
	if r.entryGrace > 0 {
		if absDuration(at.Sub(ci.ScheduledStart)) > r.entryGrace {
			return catalog.ClassInstance{}, ErrSessionClosed
		}
	}
	return ci, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
