//go:build ebiten

package main

import (
	"errors"
	"flag"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"terrainstream.ai/internal/app"
	"terrainstream.ai/internal/config"
	"terrainstream.ai/internal/terrain/tiles"
	"terrainstream.ai/internal/viewer"
)

func main() {
	configPath := flag.String("config", "./configs/stream.yaml", "stream config (empty for defaults)")
	dataDir := flag.String("data", "./data", "runtime data directory")
	start := flag.String("start", "0,0", "starting chunk x,z")
	thumb := flag.Int("thumb", 32, "thumbnail pixels per chunk")
	width := flag.Int("width", 960, "window width")
	height := flag.Int("height", 960, "window height")
	disableDB := flag.Bool("disable_db", true, "disable the sqlite fetch/tick index")
	flag.Parse()

	_ = godotenv.Load(".env")
	logger := logrus.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("load config")
	}
	c, err := tiles.ParseCoord(*start)
	if err != nil {
		logger.WithError(err).Fatal("-start")
	}

	st, err := app.Build(cfg, app.Options{DataDir: *dataDir, DisableDB: *disableDB, Logger: logger})
	if err != nil {
		logger.WithError(err).Fatal("build stack")
	}
	defer st.Close()

	board := viewer.NewBoard(*thumb, cfg.ParkDepth)
	cam := viewer.NewCamera(c.World(cfg.ChunkSize, 0))
	eng, err := st.NewEngine(board)
	if err != nil {
		logger.WithError(err).Fatal("engine")
	}
	// Fit the view window to the screen.
	scale := float32(*width) / (cfg.ChunkSize * float32(cfg.ViewDiameter+1))
	game := viewer.NewGame(eng, board, cam, viewer.GameOptions{
		ChunkSize: cfg.ChunkSize,
		Width:     *width,
		Height:    *height,
		Scale:     scale,
	})

	ebiten.SetWindowTitle("terrainstream viewer")
	ebiten.SetTPS(cfg.TickRateHz)
	ebiten.SetWindowSize(*width, *height)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)

	if err := ebiten.RunGame(game); err != nil && !errors.Is(err, ebiten.Termination) {
		logger.WithError(err).Error("viewer stopped")
	}
	logger.WithField("viewpoint", cam.Viewpoint()).Info("bye")
}
