package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendance-engine/internal/catalog"
	"attendance-engine/internal/intent"
	"attendance-engine/internal/session"
	"attendance-engine/internal/token"
)

// memStore mirrors the repository's transition predicates in memory so the
// service's reconciliation rules can be exercised without Postgres.
type memStore struct {
	mu      sync.Mutex
	records map[string]*Record // key classID|studentID
	byID    map[string]*Record
	audit   []AuditEntry
	prompts []Prompt
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]*Record),
		byID:    make(map[string]*Record),
	}
}

func key(classID, studentID string) string { return classID + "|" + studentID }

func (m *memStore) ApplyCheckIn(_ context.Context, classID, studentID string, status Status, at time.Time) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key(classID, studentID)]
	if !ok {
		rec = m.insert(classID, studentID)
	} else if rec.Status != StatusPending || rec.ManualLock {
		return *rec, false, nil
	}
	rec.Status = status
	t := at
	rec.CheckInTime = &t
	rec.Method = MethodQRScan
	rec.AutoMarked = false
	rec.UpdatedAt = time.Now()
	return *rec, true, nil
}

func (m *memStore) ApplyRSVP(_ context.Context, classID, studentID string, in intent.Intent, newStatus Status, _ time.Time) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key(classID, studentID)]
	if !ok {
		rec = m.insert(classID, studentID)
	} else if rec.ManualLock {
		return *rec, nil
	}
	rec.RSVPIntent = &in
	if rec.Status == StatusPending && newStatus != "" {
		rec.Status = newStatus
		rec.Method = MethodRSVP
		rec.AutoMarked = true
	}
	rec.UpdatedAt = time.Now()
	return *rec, nil
}

func (m *memStore) CreatePending(_ context.Context, classID, studentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key(classID, studentID)]; ok {
		return false, nil
	}
	m.insert(classID, studentID)
	return true, nil
}

func (m *memStore) ApplyOverride(_ context.Context, recordID string, to Status, actorID, reason string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[recordID]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	m.audit = append(m.audit, AuditEntry{
		ID: uuid.NewString(), RecordID: recordID, ActorID: actorID,
		FromStatus: rec.Status, ToStatus: to, Reason: reason, CreatedAt: time.Now(),
	})
	rec.Status = to
	rec.ManualLock = true
	rec.Method = MethodManual
	rec.AutoMarked = false
	rec.UpdatedAt = time.Now()
	return *rec, nil
}

func (m *memStore) CancelClass(_ context.Context, classID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, rec := range m.records {
		if rec.ClassID == classID && rec.Status != StatusClassCancelled {
			rec.Status = StatusClassCancelled
			n++
		}
	}
	return n, nil
}

func (m *memStore) Get(_ context.Context, classID, studentID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key(classID, studentID)]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return *rec, nil
}

func (m *memStore) GetByID(_ context.Context, recordID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[recordID]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return *rec, nil
}

func (m *memStore) ClassRecords(_ context.Context, classID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if rec.ClassID == classID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *memStore) StudentSummary(_ context.Context, studentID string, from, to time.Time) (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum Summary
	for _, rec := range m.records {
		if rec.StudentID == studentID && !rec.CreatedAt.Before(from) && !rec.CreatedAt.After(to) {
			sum.Tally(rec.Status)
		}
	}
	return sum, nil
}

func (m *memStore) PromptSentAt(_ context.Context, classID, studentID string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.prompts) - 1; i >= 0; i-- {
		if m.prompts[i].ClassID == classID && m.prompts[i].StudentID == studentID {
			t := m.prompts[i].SentAt
			return &t, nil
		}
	}
	return nil, nil
}

func (m *memStore) insert(classID, studentID string) *Record {
	rec := &Record{
		ID: uuid.NewString(), ClassID: classID, StudentID: studentID,
		Status: StatusPending, Method: MethodManual,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	m.records[key(classID, studentID)] = rec
	m.byID[rec.ID] = rec
	return rec
}

type stubCatalog struct {
	classes  map[string]catalog.ClassInstance
	roster   map[string][]string
	enrolled map[string]bool // classID|studentID
}

func (s *stubCatalog) GetClass(_ context.Context, classID string) (catalog.ClassInstance, error) {
	ci, ok := s.classes[classID]
	if !ok {
		return catalog.ClassInstance{}, catalog.ErrClassNotFound
	}
	return ci, nil
}

func (s *stubCatalog) ClassesAtCenter(_ context.Context, centerID string, from, to time.Time) ([]catalog.ClassInstance, error) {
	var out []catalog.ClassInstance
	for _, c := range s.classes {
		if c.CenterID == centerID && c.Status != catalog.StatusCancelled &&
			!c.ScheduledStart.Before(from) && !c.ScheduledStart.After(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *stubCatalog) IsEnrolled(_ context.Context, classID, studentID string) (bool, error) {
	return s.enrolled[key(classID, studentID)], nil
}

func (s *stubCatalog) Roster(_ context.Context, classID string) ([]string, error) {
	return s.roster[classID], nil
}

func newFixture(t *testing.T, start time.Time) (*Service, *memStore, *token.Codec) {
	t.Helper()
	cat := &stubCatalog{
		classes: map[string]catalog.ClassInstance{
			"class-1": {ID: "class-1", CenterID: "center-1", ScheduledStart: start, ScheduledEnd: start.Add(time.Hour), Status: catalog.StatusScheduled},
		},
		roster:   map[string][]string{"class-1": {"stu-1", "stu-2", "stu-3"}},
		enrolled: map[string]bool{"class-1|stu-1": true, "class-1|stu-2": true, "class-1|stu-3": true},
	}
	codec := token.New("test-secret", "", 15*time.Minute)
	resolver := session.NewResolver(cat, 15*time.Minute, 0)
	store := newMemStore()
	svc := NewService(codec, resolver, cat, store, nil, 10*time.Minute)
	return svc, store, codec
}

func TestCheckInScenario(t *testing.T) {
	// Class-scoped token issued at t0, presented at t0+5m with a 10m
	// grace: present. The same token at t0+6m: already recorded, status
	// unchanged, still one record.
	t0 := time.Now().UTC()
	svc, store, codec := newFixture(t, t0)

	tok, _, err := codec.Issue(token.SubjectClass, "class-1", 15*time.Minute)
	require.NoError(t, err)

	rec, already, err := svc.RecordCheckIn(context.Background(), tok, "stu-1", t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, StatusPresent, rec.Status)
	assert.Equal(t, MethodQRScan, rec.Method)
	require.NotNil(t, rec.CheckInTime)

	rec2, already, err := svc.RecordCheckIn(context.Background(), tok, "stu-1", t0.Add(6*time.Minute))
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, StatusPresent, rec2.Status)
	assert.Equal(t, rec.ID, rec2.ID)
	assert.Len(t, store.records, 1)
}

func TestCheckInLatePastGrace(t *testing.T) {
	t0 := time.Now().UTC()
	svc, _, codec := newFixture(t, t0)

	tok, _, err := codec.Issue(token.SubjectClass, "class-1", 15*time.Minute)
	require.NoError(t, err)

	rec, _, err := svc.RecordCheckIn(context.Background(), tok, "stu-1", t0.Add(11*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusLate, rec.Status)
}

func TestCheckInCenterToken(t *testing.T) {
	t0 := time.Now().UTC()
	svc, _, codec := newFixture(t, t0)

	tok, _, err := codec.Issue(token.SubjectCenter, "center-1", 15*time.Minute)
	require.NoError(t, err)

	rec, _, err := svc.RecordCheckIn(context.Background(), tok, "stu-1", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "class-1", rec.ClassID)
	assert.Equal(t, StatusPresent, rec.Status)
}

func TestCheckInRejections(t *testing.T) {
	t0 := time.Now().UTC()
	svc, _, codec := newFixture(t, t0)

	_, _, err := svc.RecordCheckIn(context.Background(), "garbage", "stu-1", t0)
	assert.ErrorIs(t, err, token.ErrMalformed)

	tok, _, err := codec.Issue(token.SubjectClass, "class-1", 15*time.Minute)
	require.NoError(t, err)
	_, _, err = svc.RecordCheckIn(context.Background(), tok, "outsider", t0)
	assert.ErrorIs(t, err, ErrNotEnrolled)

	centerTok, _, err := codec.Issue(token.SubjectCenter, "center-9", 15*time.Minute)
	require.NoError(t, err)
	_, _, err = svc.RecordCheckIn(context.Background(), centerTok, "stu-1", t0)
	assert.ErrorIs(t, err, session.ErrNoActiveSession)

	forged := token.New("other-secret", "", 15*time.Minute)
	badTok, _, err := forged.Issue(token.SubjectClass, "class-1", 15*time.Minute)
	require.NoError(t, err)
	_, _, err = svc.RecordCheckIn(context.Background(), badTok, "stu-1", t0)
	assert.ErrorIs(t, err, token.ErrInvalidSignature)
}

func TestRSVPAutoMark(t *testing.T) {
	t0 := time.Now().UTC().Add(-time.Minute) // class already started
	svc, _, _ := newFixture(t, t0)

	rec, err := svc.RecordRSVP(context.Background(), "class-1", "stu-1", intent.Confirm, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, StatusPresent, rec.Status)
	assert.True(t, rec.AutoMarked)
	assert.Equal(t, MethodRSVP, rec.Method)
}

func TestRSVPConfirmBeforeStartOnlyRecordsIntent(t *testing.T) {
	t0 := time.Now().UTC().Add(2 * time.Hour)
	svc, _, _ := newFixture(t, t0)

	rec, err := svc.RecordRSVP(context.Background(), "class-1", "stu-1", intent.Confirm, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	require.NotNil(t, rec.RSVPIntent)
	assert.Equal(t, intent.Confirm, *rec.RSVPIntent)
}

func TestRSVPDecline(t *testing.T) {
	t0 := time.Now().UTC().Add(2 * time.Hour)
	svc, _, _ := newFixture(t, t0)

	rec, err := svc.RecordRSVP(context.Background(), "class-1", "stu-1", intent.Decline, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, StatusAbsent, rec.Status)
	assert.True(t, rec.AutoMarked)
}

func TestRSVPDeclineDoesNotDowngradePresent(t *testing.T) {
	// Physical presence is stronger evidence than a stated intention.
	t0 := time.Now().UTC()
	svc, _, codec := newFixture(t, t0)

	tok, _, err := codec.Issue(token.SubjectClass, "class-1", 15*time.Minute)
	require.NoError(t, err)
	_, _, err = svc.RecordCheckIn(context.Background(), tok, "stu-1", t0.Add(time.Minute))
	require.NoError(t, err)

	rec, err := svc.RecordRSVP(context.Background(), "class-1", "stu-1", intent.Decline, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusPresent, rec.Status)
	require.NotNil(t, rec.RSVPIntent)
	assert.Equal(t, intent.Decline, *rec.RSVPIntent)
}

func TestManualOverrideAlwaysWins(t *testing.T) {
	t0 := time.Now().UTC()
	svc, store, codec := newFixture(t, t0)

	_, err := svc.RecordRSVP(context.Background(), "class-1", "stu-1", intent.Tentative, t0)
	require.NoError(t, err)
	rec, err := store.Get(context.Background(), "class-1", "stu-1")
	require.NoError(t, err)

	over, err := svc.ApplyManualOverride(context.Background(), rec.ID, StatusExcused, "coach-1", "sick note")
	require.NoError(t, err)
	assert.Equal(t, StatusExcused, over.Status)
	assert.True(t, over.ManualLock)
	require.Len(t, store.audit, 1)
	assert.Equal(t, StatusPending, store.audit[0].FromStatus)

	// Later automated signals leave the overridden record untouched.
	tok, _, err := codec.Issue(token.SubjectClass, "class-1", 15*time.Minute)
	require.NoError(t, err)
	got, already, err := svc.RecordCheckIn(context.Background(), tok, "stu-1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, StatusExcused, got.Status)

	got, err = svc.RecordRSVP(context.Background(), "class-1", "stu-1", intent.Decline, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusExcused, got.Status)
}

func TestManualOverrideRejectsUnknownStatus(t *testing.T) {
	t0 := time.Now().UTC()
	svc, _, _ := newFixture(t, t0)

	_, err := svc.ApplyManualOverride(context.Background(), "some-id", Status("vanished"), "coach-1", "")
	assert.ErrorIs(t, err, ErrBadStatus)
}

func TestMaterializeClassIdempotent(t *testing.T) {
	t0 := time.Now().UTC()
	svc, store, _ := newFixture(t, t0)

	created, err := svc.MaterializeClass(context.Background(), "class-1")
	require.NoError(t, err)
	assert.Equal(t, 3, created)
	assert.Len(t, store.records, 3)

	created, err = svc.MaterializeClass(context.Background(), "class-1")
	require.NoError(t, err)
	assert.Equal(t, 0, created)
	assert.Len(t, store.records, 3)

	_, err = svc.MaterializeClass(context.Background(), "no-such-class")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestCancelClassIsTerminal(t *testing.T) {
	t0 := time.Now().UTC()
	svc, store, codec := newFixture(t, t0)

	_, err := svc.MaterializeClass(context.Background(), "class-1")
	require.NoError(t, err)
	tok, _, err := codec.Issue(token.SubjectClass, "class-1", 15*time.Minute)
	require.NoError(t, err)
	_, _, err = svc.RecordCheckIn(context.Background(), tok, "stu-1", t0.Add(time.Minute))
	require.NoError(t, err)

	moved, err := svc.CancelClass(context.Background(), "class-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, moved)

	// A replayed check-in cannot move a cancelled record.
	got, already, err := svc.RecordCheckIn(context.Background(), tok, "stu-1", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, StatusClassCancelled, got.Status)

	for _, rec := range store.records {
		assert.Equal(t, StatusClassCancelled, rec.Status)
	}
}

func TestRSVPAfterCancelLeavesLedgerTerminal(t *testing.T) {
	t0 := time.Now().UTC()
	cat := &stubCatalog{
		classes: map[string]catalog.ClassInstance{
			"class-1": {ID: "class-1", CenterID: "center-1", ScheduledStart: t0, ScheduledEnd: t0.Add(time.Hour), Status: catalog.StatusScheduled},
		},
		roster:   map[string][]string{"class-1": {"stu-1", "stu-2"}},
		enrolled: map[string]bool{"class-1|stu-1": true, "class-1|stu-2": true},
	}
	codec := token.New("test-secret", "", 15*time.Minute)
	resolver := session.NewResolver(cat, 15*time.Minute, 0)
	store := newMemStore()
	svc := NewService(codec, resolver, cat, store, nil, 10*time.Minute)

	// stu-1 has a row when the cancellation lands; stu-2 never got one.
	_, err := store.CreatePending(context.Background(), "class-1", "stu-1")
	require.NoError(t, err)
	_, err = svc.CancelClass(context.Background(), "class-1")
	require.NoError(t, err)
	ci := cat.classes["class-1"]
	ci.Status = catalog.StatusCancelled
	cat.classes["class-1"] = ci

	// A straggling decline cannot move the terminal record.
	rec, err := svc.RecordRSVP(context.Background(), "class-1", "stu-1", intent.Decline, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusClassCancelled, rec.Status)
	assert.Nil(t, rec.RSVPIntent)

	// Nor insert a fresh absent row for a student who never had one.
	_, err = svc.RecordRSVP(context.Background(), "class-1", "stu-2", intent.Decline, t0.Add(30*time.Minute))
	assert.ErrorIs(t, err, ErrRecordNotFound)
	assert.Len(t, store.records, 1)

	// Materialization after cancellation creates nothing either.
	_, err = svc.MaterializeClass(context.Background(), "class-1")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	assert.Len(t, store.records, 1)
}

func TestRSVPLatencyObserved(t *testing.T) {
	t0 := time.Now().UTC().Add(2 * time.Hour)
	svc, store, _ := newFixture(t, t0)

	sent := time.Now().UTC().Add(-90 * time.Second)
	store.prompts = append(store.prompts, Prompt{ClassID: "class-1", StudentID: "stu-1", Phone: "+1555", SentAt: sent})

	var observed time.Duration
	svc.SetRSVPLatencyObserver(func(d time.Duration) { observed = d })

	_, err := svc.RecordRSVP(context.Background(), "class-1", "stu-1", intent.Tentative, time.Now().UTC())
	require.NoError(t, err)
	assert.InDelta(t, float64(90*time.Second), float64(observed), float64(2*time.Second))
}

func TestClassSummary(t *testing.T) {
	t0 := time.Now().UTC()
	svc, _, codec := newFixture(t, t0)

	_, err := svc.MaterializeClass(context.Background(), "class-1")
	require.NoError(t, err)
	tok, _, err := codec.Issue(token.SubjectClass, "class-1", 15*time.Minute)
	require.NoError(t, err)
	_, _, err = svc.RecordCheckIn(context.Background(), tok, "stu-1", t0.Add(time.Minute))
	require.NoError(t, err)
	_, err = svc.RecordRSVP(context.Background(), "class-1", "stu-2", intent.Decline, t0)
	require.NoError(t, err)

	records, sum, err := svc.ClassSummary(context.Background(), "class-1")
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, Summary{Total: 3, Present: 1, Absent: 1, Pending: 1}, sum)
}
