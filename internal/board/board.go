// Package board generates the hidden mines grid and the fairness commitment
// that lets a player verify, after the round ends, that the board was fixed
// before their first reveal.
package board

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/tilebet/backend/internal/models"
)

// DefaultSize is the board edge length. The game is played on 5x5.
const DefaultSize = 5

// RewardMax bounds the per-cell reward draw, in cents. Rewards are uniform
// over [1, RewardMax] and fixed at generation time; verification replays the
// stored grid rather than recomputing rewards from any formula.
const RewardMax = 1000

type Cell struct {
	Mine   bool  `json:"mine"`
	Reward int64 `json:"reward"` // in cents, 0 for mines
}

type Grid struct {
	Size  int      `json:"size"`
	Mines int      `json:"mines"`
	Cells [][]Cell `json:"cells"`
}

// Generate produces a size x size grid with exactly mines mine cells placed
// by an unbiased Fisher-Yates shuffle over the flat board, driven by
// crypto/rand. Every non-mine cell carries an independently drawn reward.
func Generate(size, mines int) (*Grid, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: grid size must be positive", models.ErrInvalidArgument)
	}
	total := size * size
	if mines <= 0 || mines >= total {
		return nil, fmt.Errorf("%w: mines count must be in [1, %d]", models.ErrInvalidArgument, total-1)
	}

	flat := make([]Cell, total)
	for i := 0; i < mines; i++ {
		flat[i] = Cell{Mine: true}
	}
	for i := mines; i < total; i++ {
		reward, err := randInt(RewardMax)
		if err != nil {
			return nil, err
		}
		flat[i] = Cell{Reward: reward + 1}
	}

	// Fisher-Yates, back to front.
	for i := total - 1; i > 0; i-- {
		j, err := randInt(int64(i + 1))
		if err != nil {
			return nil, err
		}
		flat[i], flat[j] = flat[j], flat[i]
	}

	g := &Grid{Size: size, Mines: mines}
	g.Cells = make([][]Cell, size)
	for r := 0; r < size; r++ {
		g.Cells[r] = flat[r*size : (r+1)*size]
	}
	return g, nil
}

func (g *Grid) InBounds(row, col int) bool {
	return row >= 0 && row < g.Size && col >= 0 && col < g.Size
}

func (g *Grid) At(row, col int) Cell {
	return g.Cells[row][col]
}

// Marshal produces the canonical JSON form persisted at session start and
// covered by the commitment.
func (g *Grid) Marshal() ([]byte, error) {
	return json.Marshal(g)
}

func Unmarshal(data []byte) (*Grid, error) {
	var g Grid
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode grid: %w", err)
	}
	return &g, nil
}

// NewSeed returns a fresh 32-byte server seed, hex encoded.
func NewSeed() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Commit binds a seed to a generated grid. The hash is handed to the player
// at game start; the seed and the full grid are disclosed at game end.
func Commit(seed string, gridJSON []byte) string {
	h := sha256.New()
	h.Write([]byte(seed))
	h.Write(gridJSON)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify replays the commitment check against a disclosed seed and grid.
func Verify(seed string, gridJSON []byte, commitment string) bool {
	return Commit(seed, gridJSON) == commitment
}

func randInt(n int64) (int64, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return 0, err
	}
	return v.Int64(), nil
}
