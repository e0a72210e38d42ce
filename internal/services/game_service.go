package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/tilebet/backend/internal/board"
	"github.com/tilebet/backend/internal/middleware"
	"github.com/tilebet/backend/internal/models"
)

// GameService is the mines state machine: start, sequential reveals,
// cash-out. Every transition runs inside one storage transaction with
// row-level locks, so the invariants (one running game per user, winnings
// accrue exactly once per tile, at most one cash-out credit) hold across
// concurrent requests and process instances. The ledger is only touched
// through LedgerService inside the cash-out transaction.
type GameService struct {
	db        *sql.DB
	ledger    *LedgerService
	validator *ValidationHelper
}

func NewGameService(db *sql.DB, ledger *LedgerService) *GameService {
	return &GameService{
		db:        db,
		ledger:    ledger,
		validator: NewValidationHelper(),
	}
}

type startGameRequest struct {
	MinesCount int   `json:"minesCount" validate:"required,min=1,max=24"`
	BetAmount  int64 `json:"betAmount" validate:"required,gt=0"` // in cents
}

type revealRequest struct {
	Row *int `json:"row" validate:"required,min=0"`
	Col *int `json:"col" validate:"required,min=0"`
}

// StartGame handles game creation
// @Summary Start a mines game
// @Description Start a new mines round, or return the ongoing one
// @Tags game
// @Accept json
// @Produce json
// @Param request body startGameRequest true "Game parameters"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Router /game/mines/start [post]
func (s *GameService) StartGame(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendDomainError(w, "game", models.ErrUnauthenticated)
		return
	}

	var req startGameRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	game, resumed, err := s.start(userID, req.MinesCount, req.BetAmount)
	if err != nil {
		SendDomainError(w, "game", err)
		return
	}

	message := "Game started!"
	if resumed {
		message = "You already have an ongoing game!"
	} else {
		log.Info().Str("component", "game").Int64("user_id", userID).
			Int64("game_id", game.ID).Int("mines", game.MinesCount).
			Int64("bet", game.BetAmount).Msg("game started")
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"message": message,
		"resumed": resumed,
		"game":    game.PublicView(),
	})
}

// RevealCell handles a tile reveal
// @Summary Reveal a tile
// @Description Reveal one grid cell; a mine ends the game as a loss
// @Tags game
// @Accept json
// @Produce json
// @Param request body revealRequest true "Cell coordinates"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /game/mines/reveal [post]
func (s *GameService) RevealCell(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendDomainError(w, "game", models.ErrUnauthenticated)
		return
	}

	var req revealRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	outcome, err := s.reveal(userID, *req.Row, *req.Col)
	if err != nil {
		SendDomainError(w, "game", err)
		return
	}

	if outcome.Result == "LOSE" {
		log.Info().Str("component", "game").Int64("user_id", userID).
			Int64("game_id", outcome.Game.ID).Msg("mine hit, game lost")
		SendJSON(w, http.StatusOK, map[string]any{
			"message": "Game over! You hit a mine.",
			"result":  "LOSE",
			"game":    outcome.Game.PublicView(),
		})
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"message":       "Tile revealed!",
		"reward":        outcome.Reward,
		"totalWinnings": outcome.TotalWinnings,
	})
}

// CashOut handles voluntary game termination
// @Summary Cash out
// @Description Credit accumulated winnings and finish the game as won
// @Tags game
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /game/mines/cashout [post]
func (s *GameService) CashOut(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendDomainError(w, "game", models.ErrUnauthenticated)
		return
	}

	outcome, err := s.cashOut(userID)
	if err != nil {
		SendDomainError(w, "game", err)
		return
	}

	log.Info().Str("component", "game").Int64("user_id", userID).
		Int64("game_id", outcome.Game.ID).Int64("credited", outcome.Credited).
		Msg("cash-out settled")

	SendJSON(w, http.StatusOK, map[string]any{
		"message":        "Cash-out successful!",
		"creditedAmount": outcome.Credited,
		"balance":        outcome.NewBalance,
		"game":           outcome.Game.PublicView(),
	})
}

// GetActiveGame returns the caller's running game
// @Summary Current game
// @Tags game
// @Produce json
// @Success 200 {object} models.PublicGameView
// @Failure 404 {object} ErrorResponse
// @Router /game/mines [get]
func (s *GameService) GetActiveGame(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendDomainError(w, "game", models.ErrUnauthenticated)
		return
	}

	game, err := s.activeGame(userID)
	if err != nil {
		SendDomainError(w, "game", err)
		return
	}
	SendJSON(w, http.StatusOK, game.PublicView())
}

// ListHistory returns the caller's finished games
// @Summary Game history
// @Tags game
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /game/mines/history [get]
func (s *GameService) ListHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendDomainError(w, "game", models.ErrUnauthenticated)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}

	games, err := s.history(userID, limit)
	if err != nil {
		SendDomainError(w, "game", err)
		return
	}

	views := make([]models.PublicGameView, 0, len(games))
	for i := range games {
		views = append(views, games[i].PublicView())
	}
	SendJSON(w, http.StatusOK, map[string]any{"games": views})
}

// start creates a session, or returns the existing IN_PROGRESS one. The user
// row lock serializes concurrent starts for the same user: the loser of a
// race observes the winner's session and resumes it.
func (s *GameService) start(userID int64, minesCount int, betAmount int64) (*models.GameSession, bool, error) {
	if betAmount <= 0 {
		return nil, false, fmt.Errorf("%w: bet amount must be positive", models.ErrInvalidArgument)
	}
	maxMines := board.DefaultSize*board.DefaultSize - 1
	if minesCount < 1 || minesCount > maxMines {
		return nil, false, fmt.Errorf("%w: mines count must be in [1, %d]", models.ErrInvalidArgument, maxMines)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, storageErr(err)
	}
	defer tx.Rollback()

	var lockedID int64
	err = tx.QueryRow(`SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&lockedID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("%w: user %d", models.ErrNotFound, userID)
	}
	if err != nil {
		return nil, false, storageErr(err)
	}

	existing, err := s.queryActiveGame(tx, userID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, false, err
	}
	if existing != nil {
		if err := tx.Commit(); err != nil {
			return nil, false, storageErr(err)
		}
		return existing, true, nil
	}

	grid, err := board.Generate(board.DefaultSize, minesCount)
	if err != nil {
		return nil, false, err
	}
	gridJSON, err := grid.Marshal()
	if err != nil {
		return nil, false, err
	}
	seed, err := board.NewSeed()
	if err != nil {
		return nil, false, err
	}

	game := &models.GameSession{
		UserID:         userID,
		GridSize:       board.DefaultSize,
		MinesCount:     minesCount,
		Grid:           gridJSON,
		ServerSeed:     seed,
		SeedCommitment: board.Commit(seed, gridJSON),
		Revealed:       []models.RevealedTile{},
		BetAmount:      betAmount,
		Winnings:       0,
		State:          models.GameInProgress,
	}

	err = tx.QueryRow(`
		INSERT INTO games (user_id, grid_size, mines_count, grid, server_seed, seed_commitment, revealed_tiles, bet_amount, winnings, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, '[]', $7, 0, $8, NOW())
		RETURNING id, created_at`,
		userID, game.GridSize, minesCount, string(gridJSON), seed, game.SeedCommitment, betAmount, models.GameInProgress).
		Scan(&game.ID, &game.CreatedAt)
	if err != nil {
		return nil, false, storageErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, storageErr(err)
	}
	return game, false, nil
}

type revealOutcome struct {
	Result        string // CONTINUE or LOSE
	Reward        int64  // in cents
	TotalWinnings int64  // in cents
	Game          *models.GameSession
}

func (s *GameService) reveal(userID int64, row, col int) (*revealOutcome, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, storageErr(err)
	}
	defer tx.Rollback()

	game, err := s.lockLatestGame(tx, userID)
	if err != nil {
		return nil, err
	}
	if game.Terminal() {
		return nil, fmt.Errorf("%w: game already %s", models.ErrInvalidState, game.State)
	}

	grid, err := board.Unmarshal(game.Grid)
	if err != nil {
		return nil, err
	}
	if !grid.InBounds(row, col) {
		return nil, fmt.Errorf("%w: cell (%d,%d) out of bounds", models.ErrInvalidArgument, row, col)
	}
	for _, tile := range game.Revealed {
		if tile.Row == row && tile.Col == col {
			// Re-revealing would double-count the reward.
			return nil, fmt.Errorf("%w: cell (%d,%d) already revealed", models.ErrInvalidArgument, row, col)
		}
	}

	cell := grid.At(row, col)

	if cell.Mine {
		game.Revealed = append(game.Revealed, models.RevealedTile{Row: row, Col: col, Reward: 0})
		game.State = models.GameLost
		if err := s.finishGame(tx, game); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, storageErr(err)
		}
		return &revealOutcome{Result: "LOSE", Game: game}, nil
	}

	game.Winnings += cell.Reward
	game.Revealed = append(game.Revealed, models.RevealedTile{Row: row, Col: col, Reward: cell.Reward})

	revealedJSON, err := json.Marshal(game.Revealed)
	if err != nil {
		return nil, err
	}
	result, err := tx.Exec(`
		UPDATE games
		SET winnings = $1, revealed_tiles = $2
		WHERE id = $3 AND state = $4`,
		game.Winnings, string(revealedJSON), game.ID, models.GameInProgress)
	if err != nil {
		return nil, storageErr(err)
	}
	if err := requireOneRow(result); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr(err)
	}
	return &revealOutcome{
		Result:        "CONTINUE",
		Reward:        cell.Reward,
		TotalWinnings: game.Winnings,
		Game:          game,
	}, nil
}

type cashOutOutcome struct {
	Credited   int64 // in cents
	NewBalance int64 // in cents
	Game       *models.GameSession
}

// cashOut credits the accumulated winnings and flips the session to WON in
// one transaction: both happen or neither does. The state-guarded UPDATE
// means two racing cash-outs settle exactly once.
func (s *GameService) cashOut(userID int64) (*cashOutOutcome, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, storageErr(err)
	}
	defer tx.Rollback()

	game, err := s.lockLatestGame(tx, userID)
	if err != nil {
		return nil, err
	}
	if game.Terminal() {
		return nil, fmt.Errorf("%w: game already %s", models.ErrInvalidState, game.State)
	}

	var newBalance int64
	if game.Winnings > 0 {
		newBalance, err = s.ledger.CreditTx(tx, userID, game.Winnings, "cashout", strconv.FormatInt(game.ID, 10))
		if err != nil {
			return nil, err
		}
	} else {
		// Nothing to credit; the session still terminates as won.
		err = tx.QueryRow(`SELECT balance FROM users WHERE id = $1`, userID).Scan(&newBalance)
		if err != nil {
			return nil, storageErr(err)
		}
	}

	game.State = models.GameWon
	if err := s.finishGame(tx, game); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr(err)
	}
	return &cashOutOutcome{Credited: game.Winnings, NewBalance: newBalance, Game: game}, nil
}

func (s *GameService) activeGame(userID int64) (*models.GameSession, error) {
	return s.queryActiveGameDB(s.db, userID)
}

func (s *GameService) history(userID int64, limit int) ([]models.GameSession, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, grid_size, mines_count, grid, server_seed, seed_commitment, revealed_tiles, bet_amount, winnings, state, created_at, finished_at
		FROM games
		WHERE user_id = $1 AND state <> $2
		ORDER BY id DESC
		LIMIT $3`,
		userID, models.GameInProgress, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var games []models.GameSession
	for rows.Next() {
		game, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		games = append(games, *game)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return games, nil
}

// lockLatestGame fetches the user's most recent session under FOR UPDATE.
// NotFound means the user never played; a terminal row is returned for the
// caller to reject with InvalidState.
func (s *GameService) lockLatestGame(tx *sql.Tx, userID int64) (*models.GameSession, error) {
	row := tx.QueryRow(`
		SELECT id, user_id, grid_size, mines_count, grid, server_seed, seed_commitment, revealed_tiles, bet_amount, winnings, state, created_at, finished_at
		FROM games
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT 1
		FOR UPDATE`, userID)
	game, err := scanGame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no mines game", models.ErrNotFound)
	}
	return game, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *GameService) queryActiveGame(tx *sql.Tx, userID int64) (*models.GameSession, error) {
	return s.queryActiveGameDB(tx, userID)
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func (s *GameService) queryActiveGameDB(q queryRower, userID int64) (*models.GameSession, error) {
	row := q.QueryRow(`
		SELECT id, user_id, grid_size, mines_count, grid, server_seed, seed_commitment, revealed_tiles, bet_amount, winnings, state, created_at, finished_at
		FROM games
		WHERE user_id = $1 AND state = $2`,
		userID, models.GameInProgress)
	game, err := scanGame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active mines game", models.ErrNotFound)
	}
	return game, err
}

func scanGame(row rowScanner) (*models.GameSession, error) {
	var game models.GameSession
	var gridJSON, revealedJSON []byte
	err := row.Scan(&game.ID, &game.UserID, &game.GridSize, &game.MinesCount,
		&gridJSON, &game.ServerSeed, &game.SeedCommitment, &revealedJSON,
		&game.BetAmount, &game.Winnings, &game.State, &game.CreatedAt, &game.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, storageErr(err)
	}
	game.Grid = gridJSON
	if err := json.Unmarshal(revealedJSON, &game.Revealed); err != nil {
		return nil, fmt.Errorf("decode revealed tiles: %w", err)
	}
	return &game, nil
}

func (s *GameService) finishGame(tx *sql.Tx, game *models.GameSession) error {
	revealedJSON, err := json.Marshal(game.Revealed)
	if err != nil {
		return err
	}
	result, err := tx.Exec(`
		UPDATE games
		SET state = $1, revealed_tiles = $2, winnings = $3, finished_at = NOW()
		WHERE id = $4 AND state = $5`,
		game.State, string(revealedJSON), game.Winnings, game.ID, models.GameInProgress)
	if err != nil {
		return storageErr(err)
	}
	return requireOneRow(result)
}

// requireOneRow guards state-transition UPDATEs: zero affected rows means the
// session moved under us despite the lock, which reads as contention.
func requireOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return storageErr(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: concurrent state transition", models.ErrRetryable)
	}
	return nil
}

// decodeJSONBody applies the shared request-body hygiene: size cap, unknown
// field rejection, single-object requirement.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must only contain a single JSON object")
	}
	return nil
}
