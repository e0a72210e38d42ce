package services

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilebet/backend/internal/board"
	"github.com/tilebet/backend/internal/models"
)

// testGrid builds a deterministic 5x5 board: a mine at (0,0), every other
// cell paying the given reward, except (1,1) and (2,2) which pay reward1
// and reward2.
func testGrid(t *testing.T, reward1, reward2 int64) []byte {
	t.Helper()
	grid := &board.Grid{Size: 5, Mines: 1, Cells: make([][]board.Cell, 5)}
	for r := 0; r < 5; r++ {
		grid.Cells[r] = make([]board.Cell, 5)
		for c := 0; c < 5; c++ {
			grid.Cells[r][c] = board.Cell{Reward: 100}
		}
	}
	grid.Cells[0][0] = board.Cell{Mine: true}
	grid.Cells[1][1] = board.Cell{Reward: reward1}
	grid.Cells[2][2] = board.Cell{Reward: reward2}
	data, err := grid.Marshal()
	require.NoError(t, err)
	return data
}

var gameColumns = []string{
	"id", "user_id", "grid_size", "mines_count", "grid", "server_seed",
	"seed_commitment", "revealed_tiles", "bet_amount", "winnings", "state",
	"created_at", "finished_at",
}

func gameRow(id, userID int64, grid []byte, revealed string, bet, winnings int64, state string) *sqlmock.Rows {
	return sqlmock.NewRows(gameColumns).
		AddRow(id, userID, 5, 1, grid, "seed", "commitment", revealed, bet, winnings, state, time.Now(), nil)
}

func newGameServiceForTest(t *testing.T) (*GameService, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewGameService(db, NewLedgerService(db)), mock, db
}

func TestGameService_start(t *testing.T) {
	service, mock, db := newGameServiceForTest(t)
	defer db.Close()

	t.Run("creates a fresh session", func(t *testing.T) {
		userID := int64(7)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM users WHERE id = \\$1 FOR UPDATE").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(userID))
		mock.ExpectQuery("SELECT id, user_id, grid_size").
			WithArgs(userID, models.GameInProgress).
			WillReturnRows(sqlmock.NewRows(gameColumns))
		mock.ExpectQuery("INSERT INTO games").
			WithArgs(userID, 5, 3, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(500), models.GameInProgress).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(11, time.Now()))
		mock.ExpectCommit()

		game, resumed, err := service.start(userID, 3, 500)
		assert.NoError(t, err)
		assert.False(t, resumed)
		assert.Equal(t, int64(11), game.ID)
		assert.Equal(t, models.GameInProgress, game.State)
		assert.Equal(t, int64(0), game.Winnings)
		assert.NotEmpty(t, game.SeedCommitment)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("resumes an ongoing session", func(t *testing.T) {
		userID := int64(7)
		grid := testGrid(t, 420, 310)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM users WHERE id = \\$1 FOR UPDATE").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(userID))
		mock.ExpectQuery("SELECT id, user_id, grid_size").
			WithArgs(userID, models.GameInProgress).
			WillReturnRows(gameRow(11, userID, grid, "[]", 500, 0, models.GameInProgress))
		mock.ExpectCommit()

		game, resumed, err := service.start(userID, 5, 900)
		assert.NoError(t, err)
		assert.True(t, resumed)
		assert.Equal(t, int64(11), game.ID)
		assert.Equal(t, int64(500), game.BetAmount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects non-positive bet", func(t *testing.T) {
		_, _, err := service.start(7, 3, 0)
		assert.ErrorIs(t, err, models.ErrInvalidArgument)
	})

	t.Run("rejects mines count outside the board", func(t *testing.T) {
		_, _, err := service.start(7, 25, 500)
		assert.ErrorIs(t, err, models.ErrInvalidArgument)

		_, _, err = service.start(7, 0, 500)
		assert.ErrorIs(t, err, models.ErrInvalidArgument)
	})

	t.Run("unknown user", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM users WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(99)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectRollback()

		_, _, err := service.start(99, 3, 500)
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGameService_reveal(t *testing.T) {
	service, mock, db := newGameServiceForTest(t)
	defer db.Close()
	userID := int64(7)

	t.Run("safe cell accrues its reward", func(t *testing.T) {
		grid := testGrid(t, 420, 310)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, grid_size").
			WithArgs(userID).
			WillReturnRows(gameRow(11, userID, grid, "[]", 500, 0, models.GameInProgress))
		mock.ExpectExec("UPDATE games").
			WithArgs(int64(420), `[{"row":1,"col":1,"reward":420}]`, int64(11), models.GameInProgress).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		outcome, err := service.reveal(userID, 1, 1)
		assert.NoError(t, err)
		assert.Equal(t, "CONTINUE", outcome.Result)
		assert.Equal(t, int64(420), outcome.Reward)
		assert.Equal(t, int64(420), outcome.TotalWinnings)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rewards accumulate across reveals", func(t *testing.T) {
		grid := testGrid(t, 420, 310)
		revealed := `[{"row":1,"col":1,"reward":420}]`

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, grid_size").
			WithArgs(userID).
			WillReturnRows(gameRow(11, userID, grid, revealed, 500, 420, models.GameInProgress))
		mock.ExpectExec("UPDATE games").
			WithArgs(int64(730), sqlmock.AnyArg(), int64(11), models.GameInProgress).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		outcome, err := service.reveal(userID, 2, 2)
		assert.NoError(t, err)
		assert.Equal(t, int64(310), outcome.Reward)
		assert.Equal(t, int64(730), outcome.TotalWinnings)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("mine ends the session as lost", func(t *testing.T) {
		grid := testGrid(t, 420, 310)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, grid_size").
			WithArgs(userID).
			WillReturnRows(gameRow(11, userID, grid, "[]", 500, 0, models.GameInProgress))
		mock.ExpectExec("UPDATE games").
			WithArgs(models.GameLost, sqlmock.AnyArg(), int64(0), int64(11), models.GameInProgress).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		outcome, err := service.reveal(userID, 0, 0)
		assert.NoError(t, err)
		assert.Equal(t, "LOSE", outcome.Result)
		assert.Equal(t, models.GameLost, outcome.Game.State)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("repeat coordinate is rejected", func(t *testing.T) {
		grid := testGrid(t, 420, 310)
		revealed := `[{"row":1,"col":1,"reward":420}]`

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, grid_size").
			WithArgs(userID).
			WillReturnRows(gameRow(11, userID, grid, revealed, 500, 420, models.GameInProgress))
		mock.ExpectRollback()

		_, err := service.reveal(userID, 1, 1)
		assert.ErrorIs(t, err, models.ErrInvalidArgument)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("out of bounds coordinate is rejected", func(t *testing.T) {
		grid := testGrid(t, 420, 310)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, grid_size").
			WithArgs(userID).
			WillReturnRows(gameRow(11, userID, grid, "[]", 500, 0, models.GameInProgress))
		mock.ExpectRollback()

		_, err := service.reveal(userID, 5, 0)
		assert.ErrorIs(t, err, models.ErrInvalidArgument)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal session rejects reveals", func(t *testing.T) {
		grid := testGrid(t, 420, 310)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, grid_size").
			WithArgs(userID).
			WillReturnRows(gameRow(11, userID, grid, "[]", 500, 0, models.GameLost))
		mock.ExpectRollback()

		_, err := service.reveal(userID, 1, 1)
		assert.ErrorIs(t, err, models.ErrInvalidState)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no session at all", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, grid_size").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows(gameColumns))
		mock.ExpectRollback()

		_, err := service.reveal(userID, 1, 1)
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost state race reads as contention", func(t *testing.T) {
		grid := testGrid(t, 420, 310)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, grid_size").
			WithArgs(userID).
			WillReturnRows(gameRow(11, userID, grid, "[]", 500, 0, models.GameInProgress))
		mock.ExpectExec("UPDATE games").
			WithArgs(int64(420), sqlmock.AnyArg(), int64(11), models.GameInProgress).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, err := service.reveal(userID, 1, 1)
		assert.ErrorIs(t, err, models.ErrRetryable)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGameService_cashOut(t *testing.T) {
	service, mock, db := newGameServiceForTest(t)
	defer db.Close()
	userID := int64(7)

	t.Run("credits exactly the accumulated winnings", func(t *testing.T) {
		grid := testGrid(t, 420, 310)
		revealed := `[{"row":1,"col":1,"reward":420},{"row":2,"col":2,"reward":310}]`

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, grid_size").
			WithArgs(userID).
			WillReturnRows(gameRow(11, userID, grid, revealed, 500, 730, models.GameInProgress))

		// ledger credit: lock, entry, balance update
		mock.ExpectQuery("SELECT id, balance, version").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version"}).
				AddRow(userID, 10000, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(userID, models.EntryCredit, int64(730), int64(10730), "cashout", "11").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE users").
			WithArgs(int64(10730), userID, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("UPDATE games").
			WithArgs(models.GameWon, sqlmock.AnyArg(), int64(730), int64(11), models.GameInProgress).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		outcome, err := service.cashOut(userID)
		assert.NoError(t, err)
		assert.Equal(t, int64(730), outcome.Credited)
		assert.Equal(t, int64(10730), outcome.NewBalance)
		assert.Equal(t, models.GameWon, outcome.Game.State)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero winnings settles without a ledger entry", func(t *testing.T) {
		grid := testGrid(t, 420, 310)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, grid_size").
			WithArgs(userID).
			WillReturnRows(gameRow(11, userID, grid, "[]", 500, 0, models.GameInProgress))
		mock.ExpectQuery("SELECT balance FROM users").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(10000))
		mock.ExpectExec("UPDATE games").
			WithArgs(models.GameWon, sqlmock.AnyArg(), int64(0), int64(11), models.GameInProgress).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		outcome, err := service.cashOut(userID)
		assert.NoError(t, err)
		assert.Equal(t, int64(0), outcome.Credited)
		assert.Equal(t, int64(10000), outcome.NewBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal session rejects cash-out", func(t *testing.T) {
		grid := testGrid(t, 420, 310)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, grid_size").
			WithArgs(userID).
			WillReturnRows(gameRow(11, userID, grid, "[]", 500, 0, models.GameWon))
		mock.ExpectRollback()

		_, err := service.cashOut(userID)
		assert.ErrorIs(t, err, models.ErrInvalidState)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGameSession_PublicView(t *testing.T) {
	grid := json.RawMessage(`{"size":5,"mines":1,"cells":[]}`)

	t.Run("in progress hides the grid and seed", func(t *testing.T) {
		game := &models.GameSession{
			ID: 11, State: models.GameInProgress,
			Grid: grid, ServerSeed: "seed", SeedCommitment: "commitment",
		}
		view := game.PublicView()
		assert.Nil(t, view.Grid)
		assert.Empty(t, view.ServerSeed)
		assert.Equal(t, "commitment", view.SeedCommitment)
		assert.NotNil(t, view.Revealed)
	})

	t.Run("terminal discloses the grid and seed", func(t *testing.T) {
		game := &models.GameSession{
			ID: 11, State: models.GameLost,
			Grid: grid, ServerSeed: "seed", SeedCommitment: "commitment",
		}
		view := game.PublicView()
		assert.Equal(t, grid, view.Grid)
		assert.Equal(t, "seed", view.ServerSeed)
	})
}
