package reward

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Result says what an evaluation concluded.
type Result string

const (
	ResultGranted        Result = "granted"
	ResultNotEligible    Result = "not_eligible"
	ResultAlreadyGranted Result = "already_granted"
)

// Outcome is the full evaluation verdict.
type Outcome struct {
	Result   Result `json:"result"`
	WindowID string `json:"window_id"`
	Count    int    `json:"attended_count"`
	Amount   int    `json:"amount,omitempty"`
}

// Grant is one reward issuance, keyed so a student can earn at most one per
// window.
type Grant struct {
	ID        string
	StudentID string
	WindowID  string
	Amount    int
	Reason    string
	CreatedAt time.Time
}

// GrantStore persists grants. InsertGrant must be insert-if-absent on the
// unique (student_id, window_id) pair; that constraint is the sole defense
// against double-granting under concurrent evaluation.
type GrantStore interface {
	// CountAttended counts present/late attendance records for the
	// student created inside [from, to].
	CountAttended(ctx context.Context, studentID string, from, to time.Time) (int, error)
	// InsertGrant inserts the grant and reports false when a grant for
	// (student_id, window_id) already exists.
	InsertGrant(ctx context.Context, g Grant) (inserted bool, err error)
}

// CoinLedger is the external balance collaborator credited on a grant.
type CoinLedger interface {
	Credit(ctx context.Context, studentID string, amount int, reason, description, referenceID string) (newBalance int, err error)
}

// ReasonWeeklyAttendance tags coin transactions issued by this evaluator.
const ReasonWeeklyAttendance = "weekly_attendance"

// Evaluator issues the weekly loyalty-coin reward: attend enough classes in
// a trailing seven-day window and earn coins, once per window.
type Evaluator struct {
	store     GrantStore
	coins     CoinLedger
	log       *zap.Logger
	threshold int
	amount    int
}

// NewEvaluator wires the evaluator. threshold and amount fall back to the
// product defaults (4 classes, 10 coins).
func NewEvaluator(store GrantStore, coins CoinLedger, log *zap.Logger, threshold, amount int) *Evaluator {
	if threshold <= 0 {
		threshold = 4
	}
	if amount <= 0 {
		amount = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Evaluator{store: store, coins: coins, log: log, threshold: threshold, amount: amount}
}

// WindowID is the canonical bucket key for an evaluation time: the ISO week
// containing it. Both racing evaluators and re-deliveries compute the same
// key for the same week, which is what makes the uniqueness constraint bite.
func WindowID(at time.Time) string {
	year, week := at.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// Evaluate checks the trailing 7-day window ending at asOf and grants at
// most one reward per (student, window). Safe to call concurrently and to
// retry: losers of the insert race and re-deliveries observe AlreadyGranted.
func (e *Evaluator) Evaluate(ctx context.Context, studentID string, asOf time.Time) (Outcome, error) {
	windowStart := asOf.Add(-7 * 24 * time.Hour)
	windowID := WindowID(asOf)

	count, err := e.store.CountAttended(ctx, studentID, windowStart, asOf)
	if err != nil {
		return Outcome{}, err
	}
	if count < e.threshold {
		return Outcome{Result: ResultNotEligible, WindowID: windowID, Count: count}, nil
	}

	grant := Grant{
		StudentID: studentID,
		WindowID:  windowID,
		Amount:    e.amount,
		Reason:    ReasonWeeklyAttendance,
		CreatedAt: asOf,
	}
	inserted, err := e.store.InsertGrant(ctx, grant)
	if err != nil {
		return Outcome{}, err
	}
	if !inserted {
		return Outcome{Result: ResultAlreadyGranted, WindowID: windowID, Count: count}, nil
	}

	description := fmt.Sprintf("Attended %d classes this week", count)
	balance, err := e.coins.Credit(ctx, studentID, e.amount, ReasonWeeklyAttendance, description, windowID)
	if err != nil {
		// The grant row exists but the credit failed; surface the error
		// so the caller retries the credit path out of band.
		e.log.Error("coin credit failed after grant",
			zap.String("student_id", studentID),
			zap.String("window_id", windowID),
			zap.Error(err))
		return Outcome{}, err
	}

	e.log.Info("weekly attendance reward granted",
		zap.String("student_id", studentID),
		zap.String("window_id", windowID),
		zap.Int("attended", count),
		zap.Int("amount", e.amount),
		zap.Int("balance", balance))
	return Outcome{Result: ResultGranted, WindowID: windowID, Count: count, Amount: e.amount}, nil
}
