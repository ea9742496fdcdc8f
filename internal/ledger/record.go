package ledger

import (
	"time"

	"attendance-engine/internal/intent"
)

// Status is the attendance state for one student in one class instance.
type Status string

const (
	StatusPending        Status = "pending"
	StatusPresent        Status = "present"
	StatusAbsent         Status = "absent"
	StatusLate           Status = "late"
	StatusExcused        Status = "excused"
	StatusNoShow         Status = "no_show"
	StatusClassCancelled Status = "class_cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPresent, StatusAbsent, StatusLate,
		StatusExcused, StatusNoShow, StatusClassCancelled:
		return true
	}
	return false
}

// Terminal reports whether automation may no longer move the record.
func (s Status) Terminal() bool {
	return s == StatusClassCancelled
}

// Attended reports whether the status counts toward reward eligibility.
func (s Status) Attended() bool {
	return s == StatusPresent || s == StatusLate
}

// VerificationMethod records which signal established the status.
type VerificationMethod string

const (
	MethodManual VerificationMethod = "manual"
	MethodQRScan VerificationMethod = "qr_scan"
	MethodRSVP   VerificationMethod = "rsvp"
)

// Enrichment carries the optional per-session observations a coach may
// record. It is deliberately separate from the status state machine: none of
// these fields participate in transitions.
type Enrichment struct {
	ParticipationScore *int   `json:"participation_score,omitempty"`
	EquipmentBrought   *bool  `json:"equipment_brought,omitempty"`
	DressCodeCompliant *bool  `json:"dress_code_compliant,omitempty"`
	HomeworkCompleted  *bool  `json:"homework_completed,omitempty"`
	BehaviorNotes      string `json:"behavior_notes,omitempty"`
}

// Record is the authoritative attendance row for one (class, student) pair.
// Exactly one non-superseded record exists per pair; every write is a merge
// onto the same row.
type Record struct {
	ID           string
	ClassID      string
	StudentID    string
	Status       Status
	CheckInTime  *time.Time
	CheckOutTime *time.Time
	Method       VerificationMethod
	RSVPIntent   *intent.Intent
	AutoMarked   bool
	// ManualLock is set by a coach override; locked records ignore every
	// later automated signal.
	ManualLock bool
	Enrichment Enrichment
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AuditEntry is one append-only trail row for a manual override.
type AuditEntry struct {
	ID         string
	RecordID   string
	ActorID    string
	FromStatus Status
	ToStatus   Status
	Reason     string
	CreatedAt  time.Time
}

// Summary aggregates the statuses of a class or a student window.
type Summary struct {
	Total   int `json:"total"`
	Present int `json:"present"`
	Absent  int `json:"absent"`
	Late    int `json:"late"`
	Excused int `json:"excused"`
	NoShow  int `json:"no_show"`
	Pending int `json:"pending"`
}

// Tally folds one record status into the summary.
func (s *Summary) Tally(status Status) {
	s.Total++
	switch status {
	case StatusPresent:
		s.Present++
	case StatusAbsent:
		s.Absent++
	case StatusLate:
		s.Late++
	case StatusExcused:
		s.Excused++
	case StatusNoShow:
		s.NoShow++
	case StatusPending:
		s.Pending++
	}
}
