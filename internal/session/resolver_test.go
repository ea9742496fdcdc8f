package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendance-engine/internal/catalog"
)

type fakeCatalog struct {
	classes map[string]catalog.ClassInstance
}

func newFakeCatalog(classes ...catalog.ClassInstance) *fakeCatalog {
	m := make(map[string]catalog.ClassInstance, len(classes))
	for _, c := range classes {
		m[c.ID] = c
	}
	return &fakeCatalog{classes: m}
}

func (f *fakeCatalog) GetClass(_ context.Context, classID string) (catalog.ClassInstance, error) {
	ci, ok := f.classes[classID]
	if !ok {
		return catalog.ClassInstance{}, catalog.ErrClassNotFound
	}
	return ci, nil
}

func (f *fakeCatalog) ClassesAtCenter(_ context.Context, centerID string, from, to time.Time) ([]catalog.ClassInstance, error) {
	var out []catalog.ClassInstance
	for _, c := range f.classes {
		if c.CenterID != centerID || c.Status == catalog.StatusCancelled {
			continue
		}
		if c.ScheduledStart.Before(from) || c.ScheduledStart.After(to) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeCatalog) IsEnrolled(context.Context, string, string) (bool, error) { return false, nil }

func (f *fakeCatalog) Roster(context.Context, string) ([]string, error) { return nil, nil }

func TestResolveByCenterPicksClosest(t *testing.T) {
	base := time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)
	fc := newFakeCatalog(
		catalog.ClassInstance{ID: "c1", CenterID: "center-1", ScheduledStart: base, Status: catalog.StatusScheduled},
		catalog.ClassInstance{ID: "c2", CenterID: "center-1", ScheduledStart: base.Add(12 * time.Minute), Status: catalog.StatusScheduled},
	)
	r := NewResolver(fc, 15*time.Minute, 0)

	got, err := r.ResolveByCenter(context.Background(), "center-1", base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)

	got, err = r.ResolveByCenter(context.Background(), "center-1", base.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "c2", got.ID)
}

func TestResolveByCenterTieBreaksOnLowerID(t *testing.T) {
	base := time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)
	// Two classes 10 minutes apart; a scan at the exact midpoint is
	// equidistant from both and must resolve to the lower id.
	fc := newFakeCatalog(
		catalog.ClassInstance{ID: "c2", CenterID: "center-1", ScheduledStart: base.Add(10 * time.Minute), Status: catalog.StatusScheduled},
		catalog.ClassInstance{ID: "c1", CenterID: "center-1", ScheduledStart: base, Status: catalog.StatusScheduled},
	)
	r := NewResolver(fc, 15*time.Minute, 0)

	for i := 0; i < 10; i++ {
		got, err := r.ResolveByCenter(context.Background(), "center-1", base.Add(5*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, "c1", got.ID)
	}
}

func TestResolveByCenterNoCandidates(t *testing.T) {
	base := time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)
	fc := newFakeCatalog(
		catalog.ClassInstance{ID: "c1", CenterID: "center-1", ScheduledStart: base, Status: catalog.StatusScheduled},
	)
	r := NewResolver(fc, 15*time.Minute, 0)

	_, err := r.ResolveByCenter(context.Background(), "center-1", base.Add(time.Hour))
	assert.ErrorIs(t, err, ErrNoActiveSession)

	_, err = r.ResolveByCenter(context.Background(), "center-2", base)
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestResolveByCenterSkipsCancelled(t *testing.T) {
	base := time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)
	fc := newFakeCatalog(
		catalog.ClassInstance{ID: "c1", CenterID: "center-1", ScheduledStart: base, Status: catalog.StatusCancelled},
		catalog.ClassInstance{ID: "c2", CenterID: "center-1", ScheduledStart: base.Add(10 * time.Minute), Status: catalog.StatusScheduled},
	)
	r := NewResolver(fc, 15*time.Minute, 0)

	got, err := r.ResolveByCenter(context.Background(), "center-1", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "c2", got.ID)
}

func TestResolveByClassID(t *testing.T) {
	base := time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)
	fc := newFakeCatalog(
		catalog.ClassInstance{ID: "c1", CenterID: "center-1", ScheduledStart: base, Status: catalog.StatusScheduled},
		catalog.ClassInstance{ID: "c9", CenterID: "center-1", ScheduledStart: base, Status: catalog.StatusCancelled},
	)

	// Entry grace disabled: any scan time is accepted.
	r := NewResolver(fc, 15*time.Minute, 0)
	got, err := r.ResolveByClassID(context.Background(), "c1", base.Add(6*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)

	_, err = r.ResolveByClassID(context.Background(), "missing", base)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// A cancelled class is not a resolvable session.
	_, err = r.ResolveByClassID(context.Background(), "c9", base)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestResolveByClassIDEntryGrace(t *testing.T) {
	base := time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)
	fc := newFakeCatalog(
		catalog.ClassInstance{ID: "c1", CenterID: "center-1", ScheduledStart: base, Status: catalog.StatusScheduled},
	)
	r := NewResolver(fc, 15*time.Minute, 30*time.Minute)

	_, err := r.ResolveByClassID(context.Background(), "c1", base.Add(20*time.Minute))
	assert.NoError(t, err)

	_, err = r.ResolveByClassID(context.Background(), "c1", base.Add(45*time.Minute))
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = r.ResolveByClassID(context.Background(), "c1", base.Add(-45*time.Minute))
	assert.ErrorIs(t, err, ErrSessionClosed)
}
