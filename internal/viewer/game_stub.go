//go:build !ebiten

package viewer

import (
	"fmt"

	"terrainstream.ai/internal/stream"
)

// Game is a placeholder that satisfies the API expected by the GUI build.
type Game struct{}

type GameOptions struct {
	ChunkSize float32
	Speed     float32
	Width     int
	Height    int
	Scale     float32
}

// NewGame panics to indicate that the ebiten build tag is required for GUI support.
func NewGame(*stream.Engine, *Board, *Camera, GameOptions) *Game {
	panic("viewer.NewGame requires building with the 'ebiten' tag")
}

// Update always reports that the GUI build tag is missing.
func (g *Game) Update() error {
	return fmt.Errorf("viewer.Game.Update requires building with the 'ebiten' tag")
}

// Draw is a no-op placeholder to satisfy the interface shape.
func (g *Game) Draw(any) {}

// Layout returns zeros in the headless build.
func (g *Game) Layout(int, int) (int, int) { return 0, 0 }
