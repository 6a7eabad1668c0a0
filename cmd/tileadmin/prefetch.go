package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"terrainstream.ai/internal/app"
	"terrainstream.ai/internal/config"
	"terrainstream.ai/internal/terrain/tiles"
)

type prefetchSummary struct {
	Center    tiles.Coord    `json:"center"`
	Radius    int            `json:"radius"`
	Requested int            `json:"requested"`
	Statuses  map[string]int `json:"statuses"`
	Origins   map[string]int `json:"origins"`
	Elapsed   string         `json:"elapsed"`
}

func prefetchCmd(args []string) {
	fs := flag.NewFlagSet("prefetch", flag.ExitOnError)
	configPath := fs.String("config", "./configs/stream.yaml", "stream config")
	dataDir := fs.String("data", "./data", "runtime data directory (fetch index)")
	center := fs.String("center", "0,0", "x,z chunk to prefetch around")
	radius := fs.Int("radius", 10, "window radius in chunks")
	timeout := fs.Duration("timeout", 10*time.Minute, "give up after this long")
	verbose := fs.Bool("v", false, "log every fetch")
	_ = fs.Parse(args)

	_ = godotenv.Load(".env")

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("config", err)
	}
	c, err := tiles.ParseCoord(*center)
	if err != nil {
		fatal("-center", err)
	}
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	sum, err := prefetch(ctx, cfg, *dataDir, c, *radius, logger)
	printJSON(sum)
	if err != nil {
		fatal("prefetch", err)
	}
}

// prefetch resolves every chunk in the window through the same stack the
// server uses, so results land in the disk cache and the fetch index.
func prefetch(ctx context.Context, cfg config.Config, dataDir string, center tiles.Coord, radius int, logger logrus.FieldLogger) (prefetchSummary, error) {
	sum := prefetchSummary{Center: center, Radius: radius, Statuses: map[string]int{}, Origins: map[string]int{}}
	if radius < 0 {
		return sum, fmt.Errorf("radius must be >= 0")
	}
	st, err := app.Build(cfg, app.Options{DataDir: dataDir, DisableEventLog: true, Logger: logger})
	if err != nil {
		return sum, err
	}
	defer st.Close()

	start := time.Now()
	for _, w := range tiles.Window(center, 2*radius+1) {
		if st.Pipeline.Submit(w) {
			sum.Requested++
		}
	}
	results, err := st.Pipeline.Settle(ctx, 20*time.Millisecond)
	for _, r := range results {
		sum.Statuses[r.Status.String()]++
		if r.Origin != "" {
			sum.Origins[string(r.Origin)]++
		}
		if r.Err != nil {
			logger.WithField("chunk", r.Coord.String()).WithError(r.Err).Debug("prefetch miss")
		}
	}
	sum.Elapsed = time.Since(start).Round(time.Millisecond).String()
	if st.Index != nil {
		fctx, fcancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = st.Index.Flush(fctx)
		fcancel()
	}
	return sum, err
}
