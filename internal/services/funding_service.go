package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/viper"
	"github.com/tilebet/backend/internal/middleware"
	"github.com/tilebet/backend/internal/models"
	"github.com/tilebet/backend/internal/notify"
)

const payoutQueueKey = "payout_queue"

// FundingService couples deposit/withdrawal lifecycle transitions to their
// ledger effect. A deposit credits the balance exactly once, at approval; a
// withdrawal reserves its amount at request time so concurrent requests
// cannot jointly overdraw.
type FundingService struct {
	db        *sql.DB
	redis     *redis.Client
	ledger    *LedgerService
	notifier  *notify.Telegram
	validator *ValidationHelper
}

func NewFundingService(db *sql.DB, redisClient *redis.Client, ledger *LedgerService, notifier *notify.Telegram) *FundingService {
	return &FundingService{
		db:        db,
		redis:     redisClient,
		ledger:    ledger,
		notifier:  notifier,
		validator: NewValidationHelper(),
	}
}

type depositRequest struct {
	Amount      int64  `json:"amount" validate:"required,gt=0"` // in cents
	ExternalRef string `json:"externalRef" validate:"required,min=4,max=128"`
}

type withdrawalRequest struct {
	Amount      int64  `json:"amount" validate:"required,gt=0"` // in cents
	Destination string `json:"destination" validate:"required,min=2,max=128"`
}

// DepositInstructions returns the payment link and its QR code
// @Summary Deposit instructions
// @Description Payment URL, QR image and an intent nonce for the deposit flow
// @Tags funding
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /funding/deposit/instructions [get]
func (s *FundingService) DepositInstructions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendDomainError(w, "funding", models.ErrUnauthenticated)
		return
	}

	viper.SetDefault("funding.payment_url", "https://t.me/send?start=tilebet")
	paymentURL := viper.GetString("funding.payment_url")

	nonce := uuid.New().String()
	if s.redis != nil {
		key := fmt.Sprintf("deposit_intent:%s", nonce)
		payload, _ := json.Marshal(map[string]any{"userId": userID, "createdAt": time.Now().Unix()})
		if err := s.redis.Set(r.Context(), key, payload, 15*time.Minute).Err(); err != nil {
			log.Warn().Str("component", "funding").Err(err).Msg("failed to cache deposit intent")
		}
	}

	qrImage, err := qrImageBase64(paymentURL)
	if err != nil {
		SendDomainError(w, "funding", err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"paymentUrl":   paymentURL,
		"qrImage":      qrImage,
		"intentNonce":  nonce,
		"instructions": "Send the desired amount, then submit the transaction reference for operator approval.",
	})
}

// RequestDeposit records a pending deposit claim
// @Summary Request a deposit
// @Description Submit an external payment reference for operator review
// @Tags funding
// @Accept json
// @Produce json
// @Param request body depositRequest true "Deposit claim"
// @Success 201 {object} map[string]interface{}
// @Failure 409 {object} ErrorResponse
// @Router /funding/deposit/request [post]
func (s *FundingService) RequestDeposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendDomainError(w, "funding", models.ErrUnauthenticated)
		return
	}

	var req depositRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	deposit, err := s.requestDeposit(userID, req.Amount, req.ExternalRef)
	if err != nil {
		SendDomainError(w, "funding", err)
		return
	}

	if s.notifier != nil {
		go s.notifier.DepositRequested(deposit)
	}
	log.Info().Str("component", "funding").Int64("user_id", userID).
		Int64("deposit_id", deposit.ID).Int64("amount", deposit.Amount).
		Msg("deposit requested")

	SendJSON(w, http.StatusCreated, map[string]any{
		"message": "Deposit request submitted. An operator will review it soon.",
		"deposit": deposit,
	})
}

// ListPendingDeposits lists deposits awaiting review
// @Summary Pending deposits
// @Tags admin
// @Produce json
// @Success 200 {array} models.Deposit
// @Router /admin/deposits/pending [get]
func (s *FundingService) ListPendingDeposits(w http.ResponseWriter, r *http.Request) {
	deposits, err := s.pendingDeposits()
	if err != nil {
		SendDomainError(w, "funding", err)
		return
	}
	SendJSON(w, http.StatusOK, deposits)
}

// ApproveDeposit credits the deposit amount exactly once
// @Summary Approve a deposit
// @Tags admin
// @Produce json
// @Param depositId path int true "Deposit ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /admin/deposits/{depositId}/approve [post]
func (s *FundingService) ApproveDeposit(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.UserID(r.Context())
	if !ok {
		SendDomainError(w, "funding", models.ErrUnauthenticated)
		return
	}

	depositID, err := strconv.ParseInt(chi.URLParam(r, "depositId"), 10, 64)
	if err != nil {
		SendDomainError(w, "funding", fmt.Errorf("%w: bad deposit id", models.ErrInvalidArgument))
		return
	}

	deposit, newBalance, err := s.approveDeposit(adminID, depositID)
	if err != nil {
		SendDomainError(w, "funding", err)
		return
	}

	log.Info().Str("component", "funding").Int64("admin_id", adminID).
		Int64("deposit_id", deposit.ID).Int64("amount", deposit.Amount).
		Msg("deposit approved")

	SendJSON(w, http.StatusOK, map[string]any{
		"message":    "Deposit approved and balance updated.",
		"deposit":    deposit,
		"newBalance": newBalance,
	})
}

// RejectDeposit marks a pending deposit rejected
// @Summary Reject a deposit
// @Tags admin
// @Produce json
// @Param depositId path int true "Deposit ID"
// @Success 200 {object} map[string]interface{}
// @Router /admin/deposits/{depositId}/reject [post]
func (s *FundingService) RejectDeposit(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.UserID(r.Context())
	if !ok {
		SendDomainError(w, "funding", models.ErrUnauthenticated)
		return
	}

	depositID, err := strconv.ParseInt(chi.URLParam(r, "depositId"), 10, 64)
	if err != nil {
		SendDomainError(w, "funding", fmt.Errorf("%w: bad deposit id", models.ErrInvalidArgument))
		return
	}

	deposit, err := s.rejectDeposit(adminID, depositID)
	if err != nil {
		SendDomainError(w, "funding", err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"message": "Deposit rejected.",
		"deposit": deposit,
	})
}

// RequestWithdrawal reserves the amount and records a pending withdrawal
// @Summary Request a withdrawal
// @Description Debit the amount immediately and queue the payout for review
// @Tags funding
// @Accept json
// @Produce json
// @Param request body withdrawalRequest true "Withdrawal request"
// @Success 201 {object} map[string]interface{}
// @Failure 402 {object} ErrorResponse
// @Router /funding/withdraw [post]
func (s *FundingService) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendDomainError(w, "funding", models.ErrUnauthenticated)
		return
	}

	var req withdrawalRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	withdrawal, newBalance, err := s.requestWithdrawal(userID, req.Amount, req.Destination)
	if err != nil {
		SendDomainError(w, "funding", err)
		return
	}

	if s.notifier != nil {
		go s.notifier.WithdrawalRequested(withdrawal)
	}
	log.Info().Str("component", "funding").Int64("user_id", userID).
		Int64("withdrawal_id", withdrawal.ID).Int64("amount", withdrawal.Amount).
		Msg("withdrawal requested")

	SendJSON(w, http.StatusCreated, map[string]any{
		"message":    "Withdrawal request submitted successfully.",
		"withdrawal": withdrawal,
		"newBalance": newBalance,
	})
}

// ListPendingWithdrawals lists withdrawals awaiting review
// @Summary Pending withdrawals
// @Tags admin
// @Produce json
// @Success 200 {array} models.Withdrawal
// @Router /admin/withdrawals/pending [get]
func (s *FundingService) ListPendingWithdrawals(w http.ResponseWriter, r *http.Request) {
	withdrawals, err := s.pendingWithdrawals()
	if err != nil {
		SendDomainError(w, "funding", err)
		return
	}
	SendJSON(w, http.StatusOK, withdrawals)
}

// ApproveWithdrawal flips a pending withdrawal to approved
// @Summary Approve a withdrawal
// @Description The amount was debited at request time; approval queues payout
// @Tags admin
// @Produce json
// @Param withdrawalId path int true "Withdrawal ID"
// @Success 200 {object} map[string]interface{}
// @Router /admin/withdrawals/{withdrawalId}/approve [post]
func (s *FundingService) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.UserID(r.Context())
	if !ok {
		SendDomainError(w, "funding", models.ErrUnauthenticated)
		return
	}

	withdrawalID, err := strconv.ParseInt(chi.URLParam(r, "withdrawalId"), 10, 64)
	if err != nil {
		SendDomainError(w, "funding", fmt.Errorf("%w: bad withdrawal id", models.ErrInvalidArgument))
		return
	}

	withdrawal, err := s.approveWithdrawal(adminID, withdrawalID)
	if err != nil {
		SendDomainError(w, "funding", err)
		return
	}

	s.queuePayout(r.Context(), withdrawal)

	SendJSON(w, http.StatusOK, map[string]any{
		"message":    "Withdrawal approved and queued for payout.",
		"withdrawal": withdrawal,
	})
}

// RejectWithdrawal refunds the reserved amount and marks the row rejected
// @Summary Reject a withdrawal
// @Tags admin
// @Produce json
// @Param withdrawalId path int true "Withdrawal ID"
// @Success 200 {object} map[string]interface{}
// @Router /admin/withdrawals/{withdrawalId}/reject [post]
func (s *FundingService) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.UserID(r.Context())
	if !ok {
		SendDomainError(w, "funding", models.ErrUnauthenticated)
		return
	}

	withdrawalID, err := strconv.ParseInt(chi.URLParam(r, "withdrawalId"), 10, 64)
	if err != nil {
		SendDomainError(w, "funding", fmt.Errorf("%w: bad withdrawal id", models.ErrInvalidArgument))
		return
	}

	withdrawal, newBalance, err := s.rejectWithdrawal(adminID, withdrawalID)
	if err != nil {
		SendDomainError(w, "funding", err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"message":    "Withdrawal rejected, amount refunded.",
		"withdrawal": withdrawal,
		"newBalance": newBalance,
	})
}

// requestDeposit inserts a PENDING claim. The ledger is untouched until an
// operator approves; the external reference must be new across all users.
func (s *FundingService) requestDeposit(userID, amount int64, externalRef string) (*models.Deposit, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, storageErr(err)
	}
	defer tx.Rollback()

	var existingID int64
	err = tx.QueryRow(`SELECT id FROM deposits WHERE external_ref = $1`, externalRef).Scan(&existingID)
	if err == nil {
		return nil, fmt.Errorf("%w: transaction reference already submitted", models.ErrConflict)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, storageErr(err)
	}

	deposit := &models.Deposit{
		UserID:      userID,
		Amount:      amount,
		ExternalRef: externalRef,
		Status:      models.FundingPending,
	}
	err = tx.QueryRow(`
		INSERT INTO deposits (user_id, amount, external_ref, status, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, created_at`,
		userID, amount, externalRef, models.FundingPending).
		Scan(&deposit.ID, &deposit.CreatedAt)
	if err != nil {
		return nil, storageErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr(err)
	}
	return deposit, nil
}

// approveDeposit checks the status and credits under the same row lock that
// guards the status flip, so double invocation credits at most once.
func (s *FundingService) approveDeposit(adminID, depositID int64) (*models.Deposit, int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, 0, storageErr(err)
	}
	defer tx.Rollback()

	deposit, err := s.lockDeposit(tx, depositID)
	if err != nil {
		return nil, 0, err
	}
	if deposit.Status != models.FundingPending {
		return nil, 0, fmt.Errorf("%w: deposit already %s", models.ErrConflict, deposit.Status)
	}

	newBalance, err := s.ledger.CreditTx(tx, deposit.UserID, deposit.Amount, "deposit", strconv.FormatInt(deposit.ID, 10))
	if err != nil {
		return nil, 0, err
	}

	if err := s.reviewFundingRow(tx, "deposits", depositID, models.FundingApproved, adminID); err != nil {
		return nil, 0, err
	}
	deposit.Status = models.FundingApproved
	deposit.ReviewedBy = &adminID

	if err := tx.Commit(); err != nil {
		return nil, 0, storageErr(err)
	}
	return deposit, newBalance, nil
}

func (s *FundingService) rejectDeposit(adminID, depositID int64) (*models.Deposit, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, storageErr(err)
	}
	defer tx.Rollback()

	deposit, err := s.lockDeposit(tx, depositID)
	if err != nil {
		return nil, err
	}
	if deposit.Status != models.FundingPending {
		return nil, fmt.Errorf("%w: deposit already %s", models.ErrConflict, deposit.Status)
	}

	if err := s.reviewFundingRow(tx, "deposits", depositID, models.FundingRejected, adminID); err != nil {
		return nil, err
	}
	deposit.Status = models.FundingRejected
	deposit.ReviewedBy = &adminID

	if err := tx.Commit(); err != nil {
		return nil, storageErr(err)
	}
	return deposit, nil
}

// requestWithdrawal inserts the PENDING row and debits the amount in one
// transaction. InsufficientFunds rolls both back.
func (s *FundingService) requestWithdrawal(userID, amount int64, destination string) (*models.Withdrawal, int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, 0, storageErr(err)
	}
	defer tx.Rollback()

	withdrawal := &models.Withdrawal{
		UserID:      userID,
		Amount:      amount,
		Destination: destination,
		Status:      models.FundingPending,
	}
	err = tx.QueryRow(`
		INSERT INTO withdrawals (user_id, amount, destination, status, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, created_at`,
		userID, amount, destination, models.FundingPending).
		Scan(&withdrawal.ID, &withdrawal.CreatedAt)
	if err != nil {
		return nil, 0, storageErr(err)
	}

	newBalance, err := s.ledger.DebitTx(tx, userID, amount, "withdrawal", strconv.FormatInt(withdrawal.ID, 10))
	if err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, storageErr(err)
	}
	return withdrawal, newBalance, nil
}

// approveWithdrawal only flips status: the ledger already moved at request
// time, and must not move again.
func (s *FundingService) approveWithdrawal(adminID, withdrawalID int64) (*models.Withdrawal, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, storageErr(err)
	}
	defer tx.Rollback()

	withdrawal, err := s.lockWithdrawal(tx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if withdrawal.Status != models.FundingPending {
		return nil, fmt.Errorf("%w: withdrawal already %s", models.ErrConflict, withdrawal.Status)
	}

	if err := s.reviewFundingRow(tx, "withdrawals", withdrawalID, models.FundingApproved, adminID); err != nil {
		return nil, err
	}
	withdrawal.Status = models.FundingApproved
	withdrawal.ReviewedBy = &adminID

	if err := tx.Commit(); err != nil {
		return nil, storageErr(err)
	}
	return withdrawal, nil
}

func (s *FundingService) rejectWithdrawal(adminID, withdrawalID int64) (*models.Withdrawal, int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, 0, storageErr(err)
	}
	defer tx.Rollback()

	withdrawal, err := s.lockWithdrawal(tx, withdrawalID)
	if err != nil {
		return nil, 0, err
	}
	if withdrawal.Status != models.FundingPending {
		return nil, 0, fmt.Errorf("%w: withdrawal already %s", models.ErrConflict, withdrawal.Status)
	}

	newBalance, err := s.ledger.CreditTx(tx, withdrawal.UserID, withdrawal.Amount, "refund", strconv.FormatInt(withdrawal.ID, 10))
	if err != nil {
		return nil, 0, err
	}

	if err := s.reviewFundingRow(tx, "withdrawals", withdrawalID, models.FundingRejected, adminID); err != nil {
		return nil, 0, err
	}
	withdrawal.Status = models.FundingRejected
	withdrawal.ReviewedBy = &adminID

	if err := tx.Commit(); err != nil {
		return nil, 0, storageErr(err)
	}
	return withdrawal, newBalance, nil
}

func (s *FundingService) lockDeposit(tx *sql.Tx, depositID int64) (*models.Deposit, error) {
	var d models.Deposit
	err := tx.QueryRow(`
		SELECT id, user_id, amount, external_ref, status, created_at
		FROM deposits
		WHERE id = $1
		FOR UPDATE`, depositID).
		Scan(&d.ID, &d.UserID, &d.Amount, &d.ExternalRef, &d.Status, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: deposit %d", models.ErrNotFound, depositID)
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return &d, nil
}

func (s *FundingService) lockWithdrawal(tx *sql.Tx, withdrawalID int64) (*models.Withdrawal, error) {
	var wd models.Withdrawal
	err := tx.QueryRow(`
		SELECT id, user_id, amount, destination, status, created_at
		FROM withdrawals
		WHERE id = $1
		FOR UPDATE`, withdrawalID).
		Scan(&wd.ID, &wd.UserID, &wd.Amount, &wd.Destination, &wd.Status, &wd.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: withdrawal %d", models.ErrNotFound, withdrawalID)
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return &wd, nil
}

// reviewFundingRow flips a PENDING row to its reviewed status. The status
// guard in the WHERE clause is the second line of defense behind the row
// lock; zero affected rows reads as contention.
func (s *FundingService) reviewFundingRow(tx *sql.Tx, table string, id int64, status string, adminID int64) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, reviewed_by = $2, reviewed_at = NOW()
		WHERE id = $3 AND status = $4`, table)
	result, err := tx.Exec(query, status, adminID, id, models.FundingPending)
	if err != nil {
		return storageErr(err)
	}
	return requireOneRow(result)
}

func (s *FundingService) pendingDeposits() ([]models.Deposit, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, amount, external_ref, status, created_at
		FROM deposits
		WHERE status = $1
		ORDER BY created_at ASC`, models.FundingPending)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	deposits := []models.Deposit{}
	for rows.Next() {
		var d models.Deposit
		if err := rows.Scan(&d.ID, &d.UserID, &d.Amount, &d.ExternalRef, &d.Status, &d.CreatedAt); err != nil {
			return nil, storageErr(err)
		}
		deposits = append(deposits, d)
	}
	return deposits, rows.Err()
}

func (s *FundingService) pendingWithdrawals() ([]models.Withdrawal, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, amount, destination, status, created_at
		FROM withdrawals
		WHERE status = $1
		ORDER BY created_at ASC`, models.FundingPending)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	withdrawals := []models.Withdrawal{}
	for rows.Next() {
		var wd models.Withdrawal
		if err := rows.Scan(&wd.ID, &wd.UserID, &wd.Amount, &wd.Destination, &wd.Status, &wd.CreatedAt); err != nil {
			return nil, storageErr(err)
		}
		withdrawals = append(withdrawals, wd)
	}
	return withdrawals, rows.Err()
}

// queuePayout pushes an approved withdrawal onto the redis settlement queue
// consumed by the payout exporter. Best effort after commit.
func (s *FundingService) queuePayout(ctx context.Context, withdrawal *models.Withdrawal) {
	if s.redis == nil {
		return
	}
	data, err := json.Marshal(withdrawal)
	if err != nil {
		return
	}
	if err := s.redis.RPush(ctx, payoutQueueKey, data).Err(); err != nil {
		log.Warn().Str("component", "funding").Err(err).
			Int64("withdrawal_id", withdrawal.ID).Msg("failed to queue payout")
	}
}

func qrImageBase64(content string) (string, error) {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
