//go:build ebiten

package viewer

import (
	"fmt"
	"image/color"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	"terrainstream.ai/internal/stream"
)

// Game drives the engine from ebiten's update loop, so the engine's tick
// goroutine and the board's sink calls are the ebiten update goroutine.
type Game struct {
	engine *stream.Engine
	board  *Board
	cam    *Camera

	chunkSize float32
	speed     float32
	scale     float32
	width     int
	height    int

	images map[stream.SlotHandle]cachedImage
	err    error
}

type cachedImage struct {
	version uint64
	img     *ebiten.Image
}

type GameOptions struct {
	ChunkSize float32
	// Speed is world units per update.
	Speed  float32
	Width  int
	Height int
	// Scale is pixels per world unit.
	Scale float32
}

func NewGame(e *stream.Engine, b *Board, cam *Camera, opts GameOptions) *Game {
	if opts.Speed <= 0 {
		opts.Speed = opts.ChunkSize / 20
	}
	if opts.Width <= 0 {
		opts.Width = 960
	}
	if opts.Height <= 0 {
		opts.Height = 960
	}
	if opts.Scale <= 0 {
		opts.Scale = 0.2
	}
	return &Game{
		engine:    e,
		board:     b,
		cam:       cam,
		chunkSize: opts.ChunkSize,
		speed:     opts.Speed,
		scale:     opts.Scale,
		width:     opts.Width,
		height:    opts.Height,
		images:    map[stream.SlotHandle]cachedImage{},
	}
}

func (g *Game) Update() error {
	if inpututil.IsKeyJustPressed(ebiten.KeyQ) || inpututil.IsKeyJustPressed(ebiten.KeyEscape) {
		return ebiten.Termination
	}
	speed := g.speed
	if ebiten.IsKeyPressed(ebiten.KeyShift) {
		speed *= 4
	}
	var dx, dz float32
	if ebiten.IsKeyPressed(ebiten.KeyW) || ebiten.IsKeyPressed(ebiten.KeyArrowUp) {
		dz -= speed
	}
	if ebiten.IsKeyPressed(ebiten.KeyS) || ebiten.IsKeyPressed(ebiten.KeyArrowDown) {
		dz += speed
	}
	if ebiten.IsKeyPressed(ebiten.KeyA) || ebiten.IsKeyPressed(ebiten.KeyArrowLeft) {
		dx -= speed
	}
	if ebiten.IsKeyPressed(ebiten.KeyD) || ebiten.IsKeyPressed(ebiten.KeyArrowRight) {
		dx += speed
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyEqual) {
		g.scale *= 1.25
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyMinus) {
		g.scale /= 1.25
	}
	g.cam.Move(dx, dz)

	if _, err := g.engine.Tick(g.cam.Viewpoint()); err != nil {
		g.err = err
		return err
	}
	return nil
}

func (g *Game) Draw(screen *ebiten.Image) {
	screen.Fill(color.RGBA{R: 18, G: 22, B: 30, A: 255})
	cam := g.cam.Viewpoint()
	w, h := screen.Bounds().Dx(), screen.Bounds().Dy()

	for _, t := range g.board.Visible() {
		img := g.image(t)
		// Tile positions are chunk centres.
		x, y := ToScreen(cam, t.Pos, g.scale, w, h)
		side := g.chunkSize * g.scale
		op := &ebiten.DrawImageOptions{}
		op.GeoM.Scale(float64(side)/float64(t.Shade.Bounds().Dx()), float64(side)/float64(t.Shade.Bounds().Dy()))
		op.GeoM.Translate(float64(x-side/2), float64(y-side/2))
		screen.DrawImage(img, op)
	}

	m := g.engine.Metrics()
	ebitenutil.DebugPrint(screen, fmt.Sprintf(
		"pos %.0f,%.0f chunk %s\nactive %d pending %d queued %d\napplied %d failed %d stale %d\nWASD move, shift fast, +/- zoom, Q quit",
		cam.X(), cam.Z(), m.Center, m.Active, m.Pending, m.QueueDepth, m.AppliedTotal, m.FailedTotal, m.StaleTotal,
	))
}

func (g *Game) image(t Tile) *ebiten.Image {
	if c, ok := g.images[t.Slot]; ok && c.version == t.Version {
		return c.img
	}
	if c, ok := g.images[t.Slot]; ok {
		c.img.Deallocate()
	}
	img := ebiten.NewImageFromImage(t.Shade)
	g.images[t.Slot] = cachedImage{version: t.Version, img: img}
	return img
}

func (g *Game) Layout(outsideWidth, outsideHeight int) (int, int) {
	return g.width, g.height
}
