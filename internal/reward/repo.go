package reward

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository persists grants and the coin ledger in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CountAttended(ctx context.Context, studentID string, from, to time.Time) (int, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM attendance
		WHERE student_id = $1
		  AND status IN ('present', 'late')
		  AND created_at BETWEEN $2 AND $3
	`, studentID, from, to)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *Repository) InsertGrant(ctx context.Context, g Grant) (bool, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO reward_grants (id, student_id, window_id, amount, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (student_id, window_id) DO NOTHING
	`, g.ID, g.StudentID, g.WindowID, g.Amount, g.Reason, g.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CoinRepository mutates the student coin balance and its transaction log.
type CoinRepository struct {
	db *sql.DB
}

// NewCoinRepository creates the coin-balance collaborator.
func NewCoinRepository(db *sql.DB) *CoinRepository {
	return &CoinRepository{db: db}
}

// Credit adds coins to the student's account and appends a transaction row
// carrying the balance before and after, inside one transaction.
func (c *CoinRepository) Credit(ctx context.Context, studentID string, amount int, reason, description, referenceID string) (int, error) {
	if amount <= 0 {
		return 0, errors.New("reward: credit amount must be positive")
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var balance int
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO coin_accounts (student_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (student_id) DO UPDATE SET
			balance = coin_accounts.balance + EXCLUDED.balance,
			updated_at = NOW()
		RETURNING balance
	`, studentID, amount).Scan(&balance); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO coin_transactions (id, student_id, amount, reason, description, reference_id, balance_before, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.NewString(), studentID, amount, reason, description, referenceID, balance-amount, balance); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return balance, nil
}

// Balance returns the student's current coin balance; absent accounts read
// as zero.
func (c *CoinRepository) Balance(ctx context.Context, studentID string) (int, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT balance FROM coin_accounts WHERE student_id = $1`, studentID)
	var balance int
	if err := row.Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

// Transaction is one coin ledger movement.
type Transaction struct {
	ID            string    `json:"id"`
	StudentID     string    `json:"student_id"`
	Amount        int       `json:"amount"`
	Reason        string    `json:"reason"`
	Description   string    `json:"description"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	BalanceBefore int       `json:"balance_before"`
	BalanceAfter  int       `json:"balance_after"`
	CreatedAt     time.Time `json:"created_at"`
}

// Transactions returns the student's most recent ledger movements.
func (c *CoinRepository) Transactions(ctx context.Context, studentID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, student_id, amount, reason, description, reference_id, balance_before, balance_after, created_at
		FROM coin_transactions
		WHERE student_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, studentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.StudentID, &t.Amount, &t.Reason, &t.Description,
			&t.ReferenceID, &t.BalanceBefore, &t.BalanceAfter, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
