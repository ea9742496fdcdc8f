package catalog

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrClassNotFound is returned when the catalog has no row for a class id.
var ErrClassNotFound = errors.New("catalog: class not found")

// Repository reads the class projection from Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a catalog reader.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetClass(ctx context.Context, classID string) (ClassInstance, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, center_id, title, scheduled_start, scheduled_end, status
		FROM classes WHERE id = $1
	`, classID)
	var ci ClassInstance
	if err := row.Scan(&ci.ID, &ci.CenterID, &ci.Title, &ci.ScheduledStart, &ci.ScheduledEnd, &ci.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ClassInstance{}, ErrClassNotFound
		}
		return ClassInstance{}, err
	}
	return ci, nil
}

func (r *Repository) ClassesAtCenter(ctx context.Context, centerID string, from, to time.Time) ([]ClassInstance, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, center_id, title, scheduled_start, scheduled_end, status
		FROM classes
		WHERE center_id = $1
		  AND scheduled_start BETWEEN $2 AND $3
		  AND status <> 'cancelled'
		ORDER BY scheduled_start, id
	`, centerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var classes []ClassInstance
	for rows.Next() {
		var ci ClassInstance
		if err := rows.Scan(&ci.ID, &ci.CenterID, &ci.Title, &ci.ScheduledStart, &ci.ScheduledEnd, &ci.Status); err != nil {
			return nil, err
		}
		classes = append(classes, ci)
	}
	return classes, rows.Err()
}

func (r *Repository) IsEnrolled(ctx context.Context, classID, studentID string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM class_roster WHERE class_id = $1 AND student_id = $2
	`, classID, studentID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RosterContact pairs a rostered student with the guardian phone number the
// reminder prompts go out to.
type RosterContact struct {
	StudentID     string
	StudentName   string
	GuardianPhone string
}

// RosterContacts returns the roster with contact details. Rows without a
// guardian phone are included; the caller decides whether to skip them.
func (r *Repository) RosterContacts(ctx context.Context, classID string) ([]RosterContact, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id, COALESCE(student_name, ''), COALESCE(guardian_phone, '')
		FROM class_roster WHERE class_id = $1 ORDER BY student_id
	`, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []RosterContact
	for rows.Next() {
		var rc RosterContact
		if err := rows.Scan(&rc.StudentID, &rc.StudentName, &rc.GuardianPhone); err != nil {
			return nil, err
		}
		contacts = append(contacts, rc)
	}
	return contacts, rows.Err()
}

func (r *Repository) Roster(ctx context.Context, classID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id FROM class_roster WHERE class_id = $1 ORDER BY student_id
	`, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		students = append(students, id)
	}
	return students, rows.Err()
}
