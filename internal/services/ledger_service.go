package services

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/tilebet/backend/internal/models"
)

// LedgerService owns atomic balance mutation. Credit and Debit are the only
// primitives; cash-out, deposit approval and withdrawal requests compose them
// inside a transaction boundary owned by the calling service. Every mutation
// locks the user row, applies a version-guarded update and appends an
// immutable ledger entry.
type LedgerService struct {
	db *sql.DB
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

type lockedUser struct {
	ID      int64
	Balance int64
	Version int
}

// Credit applies a standalone credit in its own transaction.
func (s *LedgerService) Credit(userID, amount int64, refType, refID string) (int64, error) {
	return s.apply(userID, amount, refType, refID, s.CreditTx)
}

// Debit applies a standalone debit in its own transaction.
func (s *LedgerService) Debit(userID, amount int64, refType, refID string) (int64, error) {
	return s.apply(userID, amount, refType, refID, s.DebitTx)
}

func (s *LedgerService) apply(userID, amount int64, refType, refID string,
	op func(*sql.Tx, int64, int64, string, string) (int64, error)) (int64, error) {

	tx, err := s.db.Begin()
	if err != nil {
		return 0, storageErr(err)
	}
	defer tx.Rollback()

	balance, err := op(tx, userID, amount, refType, refID)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr(err)
	}
	return balance, nil
}

// CreditTx adds amount to the user's balance inside a caller-owned
// transaction and returns the new balance.
func (s *LedgerService) CreditTx(tx *sql.Tx, userID, amount int64, refType, refID string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: credit amount must be positive", models.ErrInvalidArgument)
	}

	user, err := s.lockUser(tx, userID)
	if err != nil {
		return 0, err
	}

	newBalance := user.Balance + amount
	if err := s.createLedgerEntry(tx, userID, models.EntryCredit, amount, newBalance, refType, refID); err != nil {
		return 0, err
	}
	if err := s.updateUserBalance(tx, userID, newBalance, user.Version); err != nil {
		return 0, err
	}
	return newBalance, nil
}

// DebitTx subtracts amount from the user's balance inside a caller-owned
// transaction. It fails with InsufficientFunds, mutating nothing, when the
// debit would drive the balance negative.
func (s *LedgerService) DebitTx(tx *sql.Tx, userID, amount int64, refType, refID string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: debit amount must be positive", models.ErrInvalidArgument)
	}

	user, err := s.lockUser(tx, userID)
	if err != nil {
		return 0, err
	}

	if user.Balance < amount {
		return 0, fmt.Errorf("%w: balance %d, debit %d", models.ErrInsufficientFunds, user.Balance, amount)
	}

	newBalance := user.Balance - amount
	if err := s.createLedgerEntry(tx, userID, models.EntryDebit, amount, newBalance, refType, refID); err != nil {
		return 0, err
	}
	if err := s.updateUserBalance(tx, userID, newBalance, user.Version); err != nil {
		return 0, err
	}
	return newBalance, nil
}

func (s *LedgerService) lockUser(tx *sql.Tx, userID int64) (*lockedUser, error) {
	var user lockedUser
	err := tx.QueryRow(`
		SELECT id, balance, version
		FROM users
		WHERE id = $1
		FOR UPDATE`, userID).Scan(&user.ID, &user.Balance, &user.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %d", models.ErrNotFound, userID)
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return &user, nil
}

func (s *LedgerService) createLedgerEntry(tx *sql.Tx, userID int64, entryType string, amount, balance int64, refType, refID string) error {
	_, err := tx.Exec(`
		INSERT INTO ledger_entries (user_id, entry_type, amount, balance, reference_type, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		userID, entryType, amount, balance, refType, refID)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

func (s *LedgerService) updateUserBalance(tx *sql.Tx, userID, newBalance int64, version int) error {
	result, err := tx.Exec(`
		UPDATE users
		SET balance = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3`,
		newBalance, userID, version)
	if err != nil {
		return storageErr(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return storageErr(err)
	}
	if rowsAffected == 0 {
		// The row lock makes this unreachable in normal operation; treat a
		// lost version race as transient contention.
		return fmt.Errorf("%w: optimistic lock failed for user %d", models.ErrRetryable, userID)
	}
	return nil
}

// storageErr folds driver-level failures into the error taxonomy. Transient
// contention maps to Retryable so callers can distinguish it from domain
// outcomes; unique violations map to Conflict.
func storageErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03", "57014":
			return fmt.Errorf("%w: %v", models.ErrRetryable, err)
		case "23505":
			return fmt.Errorf("%w: %v", models.ErrConflict, err)
		case "23514":
			return fmt.Errorf("%w: %v", models.ErrInsufficientFunds, err)
		}
	}
	return err
}
