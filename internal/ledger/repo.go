package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"attendance-engine/internal/intent"
)

// ErrPromptNotFound is returned when no RSVP prompt matches a lookup.
var ErrPromptNotFound = errors.New("ledger: rsvp prompt not found")

// Prompt is one outbound RSVP reminder, kept so an inbound reply can be
// routed back to its (class, student) and so response latency is measurable.
type Prompt struct {
	ClassID   string
	StudentID string
	Phone     string
	MessageID string
	SentAt    time.Time
}

// PromptStore persists and resolves RSVP prompts.
type PromptStore interface {
	RecordPrompt(ctx context.Context, p Prompt) error
	// LatestPromptByPhone returns the most recent prompt sent to a phone
	// number, which is how a free-text reply finds its class and student.
	LatestPromptByPhone(ctx context.Context, phone string) (Prompt, error)
}

const recordColumns = `
	id, class_id, student_id, status, check_in_time, check_out_time,
	verification_method, rsvp_intent, auto_marked, manual_lock,
	participation_score, equipment_brought, dress_code_compliant,
	homework_completed, behavior_notes, created_at, updated_at`

// Repository persists attendance records in Postgres. Transition predicates
// ride inside the upsert statements so concurrent signals for the same
// (class, student) serialize on the unique index instead of racing a
// read-then-write pair.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) ApplyCheckIn(ctx context.Context, classID, studentID string, status Status, at time.Time) (Record, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance (id, class_id, student_id, status, check_in_time, verification_method)
		VALUES ($1, $2, $3, $4, $5, 'qr_scan')
		ON CONFLICT (class_id, student_id) DO UPDATE SET
			status = EXCLUDED.status,
			check_in_time = EXCLUDED.check_in_time,
			verification_method = 'qr_scan',
			auto_marked = FALSE,
			updated_at = NOW()
		WHERE attendance.status = 'pending' AND NOT attendance.manual_lock
		RETURNING `+recordColumns, uuid.NewString(), classID, studentID, string(status), at)

	rec, err := scanRecord(row)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, err
	}
	// Predicate refused the transition; hand back the standing record.
	rec, err = r.Get(ctx, classID, studentID)
	if err != nil {
		return Record{}, false, err
	}
	return rec, false, nil
}

func (r *Repository) ApplyRSVP(ctx context.Context, classID, studentID string, in intent.Intent, newStatus Status, at time.Time) (Record, error) {
	insertStatus := string(StatusPending)
	if newStatus != "" {
		insertStatus = string(newStatus)
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance (id, class_id, student_id, status, rsvp_intent, verification_method, auto_marked)
		VALUES ($1, $2, $3, $4, $5, 'rsvp', $4 <> 'pending')
		ON CONFLICT (class_id, student_id) DO UPDATE SET
			rsvp_intent = EXCLUDED.rsvp_intent,
			status = CASE
				WHEN attendance.status = 'pending' AND EXCLUDED.status <> 'pending' THEN EXCLUDED.status
				ELSE attendance.status
			END,
			verification_method = CASE
				WHEN attendance.status = 'pending' AND EXCLUDED.status <> 'pending' THEN 'rsvp'
				ELSE attendance.verification_method
			END,
			auto_marked = CASE
				WHEN attendance.status = 'pending' AND EXCLUDED.status <> 'pending' THEN TRUE
				ELSE attendance.auto_marked
			END,
			updated_at = NOW()
		WHERE NOT attendance.manual_lock
		RETURNING `+recordColumns, uuid.NewString(), classID, studentID, insertStatus, string(in))

	rec, err := scanRecord(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Record{}, err
	}
	// Locked record: return it untouched.
	return r.Get(ctx, classID, studentID)
}

func (r *Repository) CreatePending(ctx context.Context, classID, studentID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance (id, class_id, student_id, status, verification_method)
		VALUES ($1, $2, $3, 'pending', 'manual')
		ON CONFLICT (class_id, student_id) DO NOTHING
	`, uuid.NewString(), classID, studentID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repository) ApplyOverride(ctx context.Context, recordID string, to Status, actorID, reason string) (Record, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback()

	var from Status
	if err := tx.QueryRowContext(ctx,
		`SELECT status FROM attendance WHERE id = $1 FOR UPDATE`, recordID,
	).Scan(&from); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, err
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE attendance SET
			status = $2,
			manual_lock = TRUE,
			verification_method = 'manual',
			auto_marked = FALSE,
			check_in_time = CASE
				WHEN $2 IN ('present', 'late') AND check_in_time IS NULL THEN NOW()
				ELSE check_in_time
			END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+recordColumns, recordID, string(to))
	rec, err := scanRecord(row)
	if err != nil {
		return Record{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_audit (id, record_id, actor_id, from_status, to_status, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), recordID, actorID, string(from), string(to), reason); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (r *Repository) CancelClass(ctx context.Context, classID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance
		SET status = 'class_cancelled', updated_at = NOW()
		WHERE class_id = $1 AND status <> 'class_cancelled'
	`, classID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) Get(ctx context.Context, classID, studentID string) (Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM attendance WHERE class_id = $1 AND student_id = $2`,
		classID, studentID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	return rec, err
}

func (r *Repository) GetByID(ctx context.Context, recordID string) (Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM attendance WHERE id = $1`, recordID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	return rec, err
}

func (r *Repository) ClassRecords(ctx context.Context, classID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM attendance WHERE class_id = $1 ORDER BY student_id`, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Repository) StudentSummary(ctx context.Context, studentID string, from, to time.Time) (Summary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM attendance
		WHERE student_id = $1 AND created_at BETWEEN $2 AND $3
		GROUP BY status
	`, studentID, from, to)
	if err != nil {
		return Summary{}, err
	}
	defer rows.Close()

	var sum Summary
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Summary{}, err
		}
		for i := 0; i < count; i++ {
			sum.Tally(status)
		}
	}
	return sum, rows.Err()
}

func (r *Repository) RecordPrompt(ctx context.Context, p Prompt) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rsvp_prompts (id, class_id, student_id, phone, message_id, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), p.ClassID, p.StudentID, p.Phone, p.MessageID, p.SentAt)
	return err
}

func (r *Repository) LatestPromptByPhone(ctx context.Context, phone string) (Prompt, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT class_id, student_id, phone, message_id, sent_at
		FROM rsvp_prompts
		WHERE phone = $1
		ORDER BY sent_at DESC
		LIMIT 1
	`, phone)
	var p Prompt
	if err := row.Scan(&p.ClassID, &p.StudentID, &p.Phone, &p.MessageID, &p.SentAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Prompt{}, ErrPromptNotFound
		}
		return Prompt{}, err
	}
	return p, nil
}

func (r *Repository) PromptSentAt(ctx context.Context, classID, studentID string) (*time.Time, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT sent_at FROM rsvp_prompts
		WHERE class_id = $1 AND student_id = $2
		ORDER BY sent_at DESC
		LIMIT 1
	`, classID, studentID)
	var sentAt time.Time
	if err := row.Scan(&sentAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sentAt, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var rsvp sql.NullString
	if err := row.Scan(
		&rec.ID, &rec.ClassID, &rec.StudentID, &rec.Status,
		&rec.CheckInTime, &rec.CheckOutTime, &rec.Method, &rsvp,
		&rec.AutoMarked, &rec.ManualLock,
		&rec.Enrichment.ParticipationScore, &rec.Enrichment.EquipmentBrought,
		&rec.Enrichment.DressCodeCompliant, &rec.Enrichment.HomeworkCompleted,
		&rec.Enrichment.BehaviorNotes,
		&rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return Record{}, err
	}
	if rsvp.Valid {
		in := intent.Intent(rsvp.String)
		rec.RSVPIntent = &in
	}
	return rec, nil
}
