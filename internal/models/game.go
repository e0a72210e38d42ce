package models

import (
	"encoding/json"
	"time"
)

const (
	GameInProgress = "IN_PROGRESS"
	GameWon        = "WON"
	GameLost       = "LOST"
)

// RevealedTile is one disclosed cell with the reward it paid out.
type RevealedTile struct {
	Row    int   `json:"row"`
	Col    int   `json:"col"`
	Reward int64 `json:"reward"` // in cents, 0 for a mine
}

// GameSession is the durable record of one mines round. Grid and ServerSeed
// are the private representation: they must never be serialized to a caller
// while the session is IN_PROGRESS. PublicView produces the caller-facing
// projection.
type GameSession struct {
	ID             int64
	UserID         int64
	GridSize       int
	MinesCount     int
	Grid           json.RawMessage // full hidden board, persisted for replay
	ServerSeed     string          // disclosed only once terminal
	SeedCommitment string
	Revealed       []RevealedTile
	BetAmount      int64 // in cents
	Winnings       int64 // in cents
	State          string
	CreatedAt      time.Time
	FinishedAt     *time.Time
}

// PublicGameView is what leaves the server. Grid and ServerSeed stay empty
// until the session reaches a terminal state.
type PublicGameView struct {
	ID             int64           `json:"id"`
	GridSize       int             `json:"gridSize"`
	MinesCount     int             `json:"minesCount"`
	BetAmount      int64           `json:"betAmount"` // in cents
	Winnings       int64           `json:"winnings"`  // in cents
	State          string          `json:"state"`
	SeedCommitment string          `json:"seedCommitment"`
	Revealed       []RevealedTile  `json:"revealed"`
	Grid           json.RawMessage `json:"grid,omitempty"`
	ServerSeed     string          `json:"serverSeed,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
}

func (g *GameSession) Terminal() bool {
	return g.State == GameWon || g.State == GameLost
}

// PublicView projects the session for a caller, disclosing the full grid and
// the server seed only after termination.
func (g *GameSession) PublicView() PublicGameView {
	v := PublicGameView{
		ID:             g.ID,
		GridSize:       g.GridSize,
		MinesCount:     g.MinesCount,
		BetAmount:      g.BetAmount,
		Winnings:       g.Winnings,
		State:          g.State,
		SeedCommitment: g.SeedCommitment,
		Revealed:       g.Revealed,
		CreatedAt:      g.CreatedAt,
		FinishedAt:     g.FinishedAt,
	}
	if v.Revealed == nil {
		v.Revealed = []RevealedTile{}
	}
	if g.Terminal() {
		v.Grid = g.Grid
		v.ServerSeed = g.ServerSeed
	}
	return v
}
