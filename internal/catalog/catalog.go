package catalog

import (
	"context"
	"time"
)

// ClassStatus mirrors the lifecycle of the class scheduling system. The
// engine only reads it; classes are created and moved through their lifecycle
// elsewhere.
type ClassStatus string

const (
	StatusScheduled ClassStatus = "scheduled"
	StatusOngoing   ClassStatus = "ongoing"
	StatusCompleted ClassStatus = "completed"
	StatusCancelled ClassStatus = "cancelled"
)

// ClassInstance is the read projection of one scheduled class occurrence.
type ClassInstance struct {
	ID             string
	CenterID       string
	Title          string
	ScheduledStart time.Time
	ScheduledEnd   time.Time
	Status         ClassStatus
}

// Reader is the read-only view the engine takes on the class catalog.
type Reader interface {
	// GetClass returns the class or ErrClassNotFound.
	GetClass(ctx context.Context, classID string) (ClassInstance, error)
	// ClassesAtCenter returns non-cancelled classes at a center whose
	// scheduled start falls inside [from, to].
	ClassesAtCenter(ctx context.Context, centerID string, from, to time.Time) ([]ClassInstance, error)
	// IsEnrolled reports whether the student is on the class roster.
	IsEnrolled(ctx context.Context, classID, studentID string) (bool, error)
	// Roster returns the ids of every student enrolled in the class.
	Roster(ctx context.Context, classID string) ([]string, error)
}
