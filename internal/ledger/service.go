package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"attendance-engine/internal/catalog"
	"attendance-engine/internal/intent"
	"attendance-engine/internal/session"
	"attendance-engine/internal/token"
)

// Failure kinds the ledger adds on top of token and session errors.
var (
	ErrNotEnrolled    = errors.New("ledger: student not on class roster")
	ErrRecordNotFound = errors.New("ledger: attendance record not found")
	ErrRecordLocked   = errors.New("ledger: record is manually locked")
	ErrBadStatus      = errors.New("ledger: invalid status")
)

// Store is the persistence contract of the ledger. Every mutating call is a
// single atomic upsert or conditional update; the transition predicates live
// inside the store so there is no read-then-write window.
type Store interface {
	// ApplyCheckIn upserts the record toward status (present or late) with
	// verification_method qr_scan. The transition only applies when no row
	// exists or the row is still pending and not manually locked; applied
	// reports whether it did. The returned record reflects the row after
	// the call either way.
	ApplyCheckIn(ctx context.Context, classID, studentID string, status Status, at time.Time) (rec Record, applied bool, err error)

	// ApplyRSVP upserts the record with the classified intent. When
	// newStatus is non-empty the status also moves, but only from pending;
	// a decline never downgrades an established present. Manually locked
	// records are returned unchanged.
	ApplyRSVP(ctx context.Context, classID, studentID string, in intent.Intent, newStatus Status, at time.Time) (Record, error)

	// CreatePending inserts a pending record if none exists.
	CreatePending(ctx context.Context, classID, studentID string) (created bool, err error)

	// ApplyOverride sets the status unconditionally, locks the record
	// against automation, and appends an audit entry.
	ApplyOverride(ctx context.Context, recordID string, to Status, actorID, reason string) (Record, error)

	// CancelClass moves every record of the class to the terminal
	// class_cancelled status and reports how many rows moved.
	CancelClass(ctx context.Context, classID string) (int64, error)

	Get(ctx context.Context, classID, studentID string) (Record, error)
	GetByID(ctx context.Context, recordID string) (Record, error)
	ClassRecords(ctx context.Context, classID string) ([]Record, error)
	StudentSummary(ctx context.Context, studentID string, from, to time.Time) (Summary, error)

	// PromptSentAt returns when the RSVP prompt for this (class, student)
	// went out, or nil when no prompt was recorded.
	PromptSentAt(ctx context.Context, classID, studentID string) (*time.Time, error)
}

// Service is the authoritative state machine for attendance. It reconciles
// QR scans, RSVP replies, and coach overrides onto one record per
// (class, student), in whatever order they arrive.
type Service struct {
	codec    *token.Codec
	resolver *session.Resolver
	catalog  catalog.Reader
	store    Store
	log      *zap.Logger

	// lateGrace is how far past the scheduled start a check-in still
	// counts as present rather than late.
	lateGrace time.Duration

	// observeRSVPLatency, when set, receives prompt-to-reply durations.
	observeRSVPLatency func(time.Duration)

	now func() time.Time
}

// NewService wires the ledger.
func NewService(codec *token.Codec, resolver *session.Resolver, reader catalog.Reader, store Store, log *zap.Logger, lateGrace time.Duration) *Service {
	if lateGrace <= 0 {
		lateGrace = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		codec:     codec,
		resolver:  resolver,
		catalog:   reader,
		store:     store,
		log:       log,
		lateGrace: lateGrace,
		now:       time.Now,
	}
}

// SetRSVPLatencyObserver registers a sink for prompt-to-reply latencies.
func (s *Service) SetRSVPLatencyObserver(fn func(time.Duration)) {
	s.observeRSVPLatency = fn
}

// RecordCheckIn turns a scanned token into an attendance record. It verifies
// the token, resolves the session, confirms enrollment, and applies one
// idempotent upsert. alreadyRecorded is true when an earlier signal had
// already established the record; that is the replay defense, so it is a
// success for the caller, reported distinctly.
func (s *Service) RecordCheckIn(ctx context.Context, tokenString, studentID string, presentedAt time.Time) (rec Record, alreadyRecorded bool, err error) {
	payload, err := s.codec.Verify(tokenString)
	if err != nil {
		s.log.Warn("check-in token rejected",
			zap.String("student_id", studentID),
			zap.Error(err))
		return Record{}, false, err
	}

	var class catalog.ClassInstance
	switch payload.SubjectKind {
	case token.SubjectCenter:
		class, err = s.resolver.ResolveByCenter(ctx, payload.SubjectID, presentedAt)
	case token.SubjectClass:
		class, err = s.resolver.ResolveByClassID(ctx, payload.SubjectID, presentedAt)
	default:
		return Record{}, false, token.ErrMalformed
	}
	if err != nil {
		return Record{}, false, err
	}

	enrolled, err := s.catalog.IsEnrolled(ctx, class.ID, studentID)
	if err != nil {
		return Record{}, false, err
	}
	if !enrolled {
		return Record{}, false, ErrNotEnrolled
	}

	status := StatusPresent
	if presentedAt.After(class.ScheduledStart.Add(s.lateGrace)) {
		status = StatusLate
	}

	rec, applied, err := s.store.ApplyCheckIn(ctx, class.ID, studentID, status, presentedAt)
	if err != nil {
		return Record{}, false, err
	}
	if !applied {
		s.log.Info("duplicate check-in",
			zap.String("class_id", class.ID),
			zap.String("student_id", studentID),
			zap.String("status", string(rec.Status)))
		return rec, true, nil
	}
	return rec, false, nil
}

// RecordRSVP merges a classified RSVP reply into the record. Intent is
// always stored; the status only moves while the record is still pending:
// confirm auto-marks present once the class has started, decline marks
// absent. A stated intention never overrides physical presence or a coach
// decision.
func (s *Service) RecordRSVP(ctx context.Context, classID, studentID string, in intent.Intent, receivedAt time.Time) (Record, error) {
	class, err := s.catalog.GetClass(ctx, classID)
	if err != nil {
		if errors.Is(err, catalog.ErrClassNotFound) {
			return Record{}, session.ErrSessionNotFound
		}
		return Record{}, err
	}

	// Cancellation is terminal for the whole class. A straggling reply
	// must neither move an existing record off class_cancelled nor insert
	// a fresh one.
	if class.Status == catalog.StatusCancelled {
		rec, gerr := s.store.Get(ctx, classID, studentID)
		if gerr != nil {
			return Record{}, gerr
		}
		s.log.Info("rsvp ignored, class cancelled",
			zap.String("class_id", classID),
			zap.String("student_id", studentID),
			zap.String("intent", string(in)))
		return rec, nil
	}

	var newStatus Status
	switch in {
	case intent.Confirm:
		if !receivedAt.Before(class.ScheduledStart) {
			newStatus = StatusPresent
		}
	case intent.Decline:
		newStatus = StatusAbsent
	}

	rec, err := s.store.ApplyRSVP(ctx, classID, studentID, in, newStatus, receivedAt)
	if err != nil {
		return Record{}, err
	}

	if s.observeRSVPLatency != nil {
		sentAt, perr := s.store.PromptSentAt(ctx, classID, studentID)
		if perr == nil && sentAt != nil && receivedAt.After(*sentAt) {
			s.observeRSVPLatency(receivedAt.Sub(*sentAt))
		}
	}
	return rec, nil
}

// ApplyManualOverride moves a record wherever the coach says. It always
// wins: the record is locked against later automated signals and the change
// lands in the audit trail instead of overwriting history silently.
func (s *Service) ApplyManualOverride(ctx context.Context, recordID string, to Status, actorID, reason string) (Record, error) {
	if !to.Valid() {
		return Record{}, ErrBadStatus
	}
	rec, err := s.store.ApplyOverride(ctx, recordID, to, actorID, reason)
	if err != nil {
		return Record{}, err
	}
	s.log.Info("manual override applied",
		zap.String("record_id", recordID),
		zap.String("actor_id", actorID),
		zap.String("status", string(to)))
	return rec, nil
}

// MaterializeClass creates pending records for every rostered student, so
// reminder prompts and default-absent batch marking have a row to work with.
// Re-running it is a no-op for students who already have one.
func (s *Service) MaterializeClass(ctx context.Context, classID string) (int, error) {
	class, err := s.catalog.GetClass(ctx, classID)
	if err != nil {
		if errors.Is(err, catalog.ErrClassNotFound) {
			return 0, session.ErrSessionNotFound
		}
		return 0, err
	}
	if class.Status == catalog.StatusCancelled {
		return 0, session.ErrSessionNotFound
	}
	roster, err := s.catalog.Roster(ctx, classID)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, studentID := range roster {
		ok, err := s.store.CreatePending(ctx, classID, studentID)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// CancelClass applies the one-way terminal class_cancelled status to every
// record of the class.
func (s *Service) CancelClass(ctx context.Context, classID string) (int64, error) {
	moved, err := s.store.CancelClass(ctx, classID)
	if err != nil {
		return 0, err
	}
	s.log.Info("class cancelled, records closed",
		zap.String("class_id", classID),
		zap.Int64("records", moved))
	return moved, nil
}

// ClassSummary returns every record of a class plus status counts, including
// rostered students who have no signal yet.
func (s *Service) ClassSummary(ctx context.Context, classID string) ([]Record, Summary, error) {
	records, err := s.store.ClassRecords(ctx, classID)
	if err != nil {
		return nil, Summary{}, err
	}
	var sum Summary
	for _, r := range records {
		sum.Tally(r.Status)
	}
	return records, sum, nil
}

// StudentSummary counts a student's statuses over the trailing period.
func (s *Service) StudentSummary(ctx context.Context, studentID string, days int) (Summary, error) {
	if days <= 0 {
		days = 30
	}
	to := s.now().UTC()
	from := to.AddDate(0, 0, -days)
	return s.store.StudentSummary(ctx, studentID, from, to)
}
