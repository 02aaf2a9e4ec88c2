// internal/infra/database/postgres_payment_repository.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"group_payment_bot/internal/domain/payment"
)

// Custom errors specific to the payment repository
var ErrCycleNotFound = fmt.Errorf("payment cycle not found")
var ErrObligationNotFound = fmt.Errorf("payment obligation not found")
var ErrDuplicateObligation = fmt.Errorf("duplicate payment obligation (cycle_id, user_id)")
var ErrObligationNotPending = fmt.Errorf("payment obligation is not pending")

type PostgresPaymentRepository struct {
	db *sql.DB
}

func NewPostgresPaymentRepository(db *sql.DB) *PostgresPaymentRepository {
	return &PostgresPaymentRepository{db: db}
}

// --- Cycle Methods ---

func (r *PostgresPaymentRepository) CreateCycle(ctx context.Context, cycle *payment.Cycle) error {
	query := `INSERT INTO payment_cycles (id, chat_id, start_time, end_time, closed)
               VALUES ($1, $2, $3, $4, FALSE)
               RETURNING created_at`
	err := r.db.QueryRowContext(ctx, query, cycle.ID, cycle.ChatID, cycle.StartTime, cycle.EndTime).Scan(&cycle.CreatedAt)
	if err != nil {
		return fmt.Errorf("error creating payment cycle: %w", err)
	}
	return nil
}

func (r *PostgresPaymentRepository) GetCycleByID(ctx context.Context, id string) (*payment.Cycle, error) {
	query := `SELECT id, chat_id, start_time, end_time, closed, created_at
               FROM payment_cycles WHERE id = $1`
	cycle := payment.Cycle{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&cycle.ID, &cycle.ChatID, &cycle.StartTime, &cycle.EndTime, &cycle.Closed, &cycle.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrCycleNotFound
		}
		return nil, fmt.Errorf("error getting payment cycle by ID: %w", err)
	}
	return &cycle, nil
}

func (r *PostgresPaymentRepository) GetOpenCycleByChat(ctx context.Context, chatID int64) (*payment.Cycle, error) {
	query := `SELECT id, chat_id, start_time, end_time, closed, created_at
               FROM payment_cycles
               WHERE chat_id = $1 AND closed = FALSE
               ORDER BY created_at DESC LIMIT 1`
	cycle := payment.Cycle{}
	err := r.db.QueryRowContext(ctx, query, chatID).Scan(
		&cycle.ID, &cycle.ChatID, &cycle.StartTime, &cycle.EndTime, &cycle.Closed, &cycle.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrCycleNotFound
		}
		return nil, fmt.Errorf("error getting open cycle by chat: %w", err)
	}
	return &cycle, nil
}

func (r *PostgresPaymentRepository) ListOpenCycles(ctx context.Context) ([]*payment.Cycle, error) {
	query := `SELECT id, chat_id, start_time, end_time, closed, created_at
               FROM payment_cycles WHERE closed = FALSE ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error listing open cycles: %w", err)
	}
	defer rows.Close()

	cycles := make([]*payment.Cycle, 0)
	for rows.Next() {
		cycle := &payment.Cycle{}
		if err := rows.Scan(&cycle.ID, &cycle.ChatID, &cycle.StartTime, &cycle.EndTime, &cycle.Closed, &cycle.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning open cycle: %w", err)
		}
		cycles = append(cycles, cycle)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating open cycles: %w", err)
	}
	return cycles, nil
}

func (r *PostgresPaymentRepository) CloseCycle(ctx context.Context, id string) error {
	query := `UPDATE payment_cycles SET closed = TRUE WHERE id = $1 RETURNING closed`
	var closed bool
	err := r.db.QueryRowContext(ctx, query, id).Scan(&closed)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrCycleNotFound
		}
		return fmt.Errorf("error closing payment cycle: %w", err)
	}
	return nil
}

// --- Obligation Methods ---

func (r *PostgresPaymentRepository) CreateObligation(ctx context.Context, o *payment.Obligation) error {
	query := `INSERT INTO payment_obligations (cycle_id, user_id, username, amount, paid, tx_hash, paid_at)
               VALUES ($1, $2, $3, $4, $5, $6, $7)
               RETURNING created_at`
	err := r.db.QueryRowContext(ctx, query, o.CycleID, o.UserID, o.Username, o.Amount, o.Paid, o.TxHash, o.PaidAt).Scan(&o.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "payment_obligations_pkey") {
			return ErrDuplicateObligation
		}
		return fmt.Errorf("error creating payment obligation: %w", err)
	}
	return nil
}

func (r *PostgresPaymentRepository) GetObligation(ctx context.Context, cycleID string, userID int64) (*payment.Obligation, error) {
	query := `SELECT cycle_id, user_id, username, amount, paid, tx_hash, paid_at, created_at
               FROM payment_obligations
               WHERE cycle_id = $1 AND user_id = $2`
	o := payment.Obligation{}
	err := r.db.QueryRowContext(ctx, query, cycleID, userID).Scan(
		&o.CycleID, &o.UserID, &o.Username, &o.Amount, &o.Paid, &o.TxHash, &o.PaidAt, &o.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrObligationNotFound
		}
		return nil, fmt.Errorf("error getting payment obligation: %w", err)
	}
	return &o, nil
}

func (r *PostgresPaymentRepository) ListObligations(ctx context.Context, cycleID string) ([]*payment.Obligation, error) {
	query := `SELECT cycle_id, user_id, username, amount, paid, tx_hash, paid_at, created_at
               FROM payment_obligations
               WHERE cycle_id = $1 ORDER BY user_id` // Stable order for matching
	rows, err := r.db.QueryContext(ctx, query, cycleID)
	if err != nil {
		return nil, fmt.Errorf("error querying obligations by cycle: %w", err)
	}
	defer rows.Close()

	obligations := make([]*payment.Obligation, 0)
	for rows.Next() {
		o := &payment.Obligation{}
		if err := rows.Scan(&o.CycleID, &o.UserID, &o.Username, &o.Amount, &o.Paid, &o.TxHash, &o.PaidAt, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning obligation row: %w", err)
		}
		obligations = append(obligations, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating obligation rows: %w", err)
	}
	return obligations, nil
}

// MarkObligationPaid performs the single atomic confirmation write. The
// `paid = FALSE` guard makes re-confirmation of an already-paid obligation
// a detectable no-op instead of an overwrite.
func (r *PostgresPaymentRepository) MarkObligationPaid(ctx context.Context, cycleID string, userID int64, txHash string, paidAt time.Time) error {
	query := `UPDATE payment_obligations
               SET paid = TRUE, tx_hash = $1, paid_at = $2
               WHERE cycle_id = $3 AND user_id = $4 AND paid = FALSE
               RETURNING paid_at`
	var stored time.Time
	err := r.db.QueryRowContext(ctx, query, txHash, paidAt, cycleID, userID).Scan(&stored)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrObligationNotPending
		}
		return fmt.Errorf("error marking obligation paid: %w", err)
	}
	return nil
}
