// Command splatview renders a synthetic Gaussian splat scene and writes the
// last frame to an image file.
//
// Usage:
//
//	splatview -backend cpu -points 20000 -frames 8 -out frame.png
//	splatview -config session.toml -watch -frames 600
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/gogpu/splat"
	"github.com/gogpu/splat/backend"
	"github.com/gogpu/splat/config"
)

type options struct {
	backend   string
	width     int
	height    int
	frames    int
	points    int
	seed      uint64
	orbit     float64
	downscale uint
	wireframe bool
	config    string
	watch     bool
	out       string
	logLevel  string
}

func main() {
	var o options
	flag.StringVar(&o.backend, "backend", "", "device backend: "+strings.Join(backend.Available(), ", ")+" (default: best available)")
	flag.IntVar(&o.width, "width", 800, "image width")
	flag.IntVar(&o.height, "height", 600, "image height")
	flag.IntVar(&o.frames, "frames", 4, "number of frames to render")
	flag.IntVar(&o.points, "points", 10000, "number of splats in the synthetic scene")
	flag.Uint64Var(&o.seed, "seed", 1, "scene random seed")
	flag.Float64Var(&o.orbit, "orbit", 2, "camera orbit per frame in degrees")
	flag.UintVar(&o.downscale, "downscale", 1, "render at 1/downscale of the image size")
	flag.BoolVar(&o.wireframe, "wireframe", false, "draw splat outlines")
	flag.StringVar(&o.config, "config", "", "session file (.toml, .yaml)")
	flag.BoolVar(&o.watch, "watch", false, "reload the session file when it changes")
	flag.StringVar(&o.out, "out", "splat.png", "snapshot of the last frame (.png, .bmp, .tif); empty to skip")
	flag.StringVar(&o.logLevel, "log", "info", "log level: debug, info, warn, error")
	flag.Parse()

	log, err := newLogger(o.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "splatview:", err)
		os.Exit(2)
	}
	splat.SetLogger(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, o, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("splatview failed", "err", err)
		os.Exit(1)
	}
}

// newLogger returns a text logger for terminals and a JSON logger
// otherwise.
func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("bad log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
}

func run(ctx context.Context, o options, log *slog.Logger) error {
	if o.width <= 0 || o.height <= 0 {
		return fmt.Errorf("invalid size %dx%d", o.width, o.height)
	}

	cfg := splat.DefaultFrameConfig()
	cfg.Downscale = uint32(max(o.downscale, 1))
	cfg.Wireframe = o.wireframe
	if o.config != "" {
		f, err := config.Load(o.config)
		if err != nil {
			return err
		}
		if cfg, err = f.Apply(cfg); err != nil {
			return err
		}
	}
	session, err := splat.NewSessionConfig(cfg)
	if err != nil {
		return err
	}

	presenter := splat.NewImagePresenter()
	name, dev, err := openBackend(o.backend, uint32(o.width), uint32(o.height), presenter)
	if err != nil {
		return err
	}
	defer dev.Destroy()
	log.Info("device ready", "backend", name, "width", o.width, "height", o.height)

	scene := syntheticScene(o.points, o.seed)
	r, err := splat.New(dev, scene, splat.WithSessionConfig(session))
	if err != nil {
		return err
	}
	defer r.Close()

	if o.config != "" && o.watch {
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := config.WatchSession(watchCtx, o.config, session); err != nil {
				log.Warn("session watch stopped", "err", err)
			}
		}()
	}

	start := time.Now()
	for i := range o.frames {
		st, err := r.RenderFrame(ctx, orbitCamera(float32(o.orbit)*float32(i)))
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		log.Debug("frame",
			"frame", st.Frame, "image", st.Image, "total", st.Total, "capacity", st.Capacity,
			"resized", st.Resized, "passes", st.RadixPasses, "blank", st.Blank,
			"phase1", st.Phase1, "phase2", st.Phase2)
	}
	memory := r.MemoryUsage()
	if err := r.Close(); err != nil {
		return err
	}
	elapsed := time.Since(start)
	log.Info("rendered", "frames", o.frames, "elapsed", elapsed,
		"fps", float64(o.frames)/max(elapsed.Seconds(), 1e-9), "memory", memory)

	if o.out == "" {
		return nil
	}
	frame := presenter.Latest()
	if frame == nil {
		return errors.New("no frame was presented")
	}
	if err := saveImage(o.out, frame); err != nil {
		return err
	}
	log.Info("snapshot saved", "path", o.out)
	return nil
}
