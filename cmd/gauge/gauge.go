// Command gauge reads detector frames from a serial bridge (or a recorded
// JSON-lines file), tracks the configured entities, decides whether the
// measured part is moving and publishes validated telemetry.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	metrics "github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/gauge.report/internal/calibration"
	"github.com/banshee-data/gauge.report/internal/config"
	"github.com/banshee-data/gauge.report/internal/detection"
	"github.com/banshee-data/gauge.report/internal/feed"
	"github.com/banshee-data/gauge.report/internal/journal"
	"github.com/banshee-data/gauge.report/internal/monitor"
	"github.com/banshee-data/gauge.report/internal/monitoring"
	"github.com/banshee-data/gauge.report/internal/pipeline"
	"github.com/banshee-data/gauge.report/internal/publisher"
	"github.com/banshee-data/gauge.report/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON or YAML tuning config (defaults apply when empty)")
	listen      = flag.String("listen", ":8080", "Monitor listen address (empty disables the monitor)")
	port        = flag.String("port", "/dev/ttyUSB0", "Serial port of the detector bridge")
	baud        = flag.Int("baud", feed.DefaultBaudRate, "Serial baud rate")
	replay      = flag.String("replay", "", "Replay a recorded JSON-lines detection file instead of reading the serial port")
	journalPath = flag.String("journal", "", "Loss journal SQLite path (overrides journal_path in the config)")
	logFile     = flag.String("log-file", "", "Also write ops and diag logs to this rotated file")
	trace       = flag.Bool("trace", false, "Enable per-frame trace logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

type options struct {
	Listen  string
	Port    string
	Baud    int
	Replay  string
	Journal string
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	closeLogs := setupLogging(os.Stderr, *logFile, *trace)
	defer closeLogs()

	cfg := config.EmptyTuningConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadTuningConfig(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitoring.Opsf("starting %s", version.String())
	err := run(ctx, cfg, options{
		Listen:  *listen,
		Port:    *port,
		Baud:    *baud,
		Replay:  *replay,
		Journal: *journalPath,
	})
	if err != nil {
		log.Fatalf("gauge: %v", err)
	}
	monitoring.Opsf("graceful shutdown complete")
}

// setupLogging routes ops and diag to w and, when path is set, to a rotated
// file. Trace goes to the same place only when enabled.
func setupLogging(w io.Writer, path string, trace bool) func() {
	closer := func() {}
	if path != "" {
		f := monitoring.RotatingFile(path, 0, 0)
		w = io.MultiWriter(w, f)
		closer = func() { f.Close() }
	}
	lw := monitoring.LogWriters{Ops: w, Diag: w}
	if trace {
		lw.Trace = w
	}
	monitoring.SetLogWriters(lw)
	monitoring.SetLogger(log.New(w, "", log.LstdFlags).Printf)
	return closer
}

// frameSource is a detection.Source that also reports read statistics.
type frameSource interface {
	detection.Source
	Stats() (frames, malformed int64)
	Close() error
}

func openSource(opts options) (frameSource, error) {
	if opts.Replay != "" {
		monitoring.Opsf("replaying detections from %s", opts.Replay)
		return feed.OpenReplay(opts.Replay)
	}
	return feed.OpenSerial(opts.Port, feed.PortOptions{BaudRate: opts.Baud})
}

// run wires every component and blocks until ctx is cancelled, the source
// is exhausted or a component fails.
func run(ctx context.Context, cfg *config.TuningConfig, opts options) error {
	cal, err := calibration.FromTuning(cfg)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	pubCfg := publisher.ConfigFromTuning(cfg)
	pubCfg.Registry = reg
	plDeps := pipeline.Deps{Calibrator: cal, Registry: reg}

	var jrnl *journal.Journal
	path := opts.Journal
	if path == "" {
		path = cfg.GetJournalPath()
	}
	if path != "" {
		jrnl, err = journal.Open(path)
		if err != nil {
			return err
		}
		defer jrnl.Close()
		jrnl.Start(ctx)
		pubCfg.Losses = jrnl
		plDeps.Rejections = jrnl
		monitoring.Opsf("loss journal at %s", path)
	}

	tr, err := newTransport(cfg)
	if err != nil {
		return err
	}
	// The worker outlives the frame loop: Close drains it before its
	// context is released.
	pubCtx, stopPublisher := context.WithCancel(context.WithoutCancel(ctx))
	pub := publisher.New(tr, pubCfg)
	defer func() {
		if err := pub.Close(); err != nil {
			monitoring.Opsf("close %s transport: %v", tr.Name(), err)
		}
		stopPublisher()
	}()
	plDeps.Sink = pub

	plCfg := pipeline.ConfigFromTuning(cfg)
	plCfg.Replay = opts.Replay != ""
	pl, err := pipeline.New(plCfg, plDeps)
	if err != nil {
		return err
	}

	src, err := openSource(opts)
	if err != nil {
		return err
	}
	defer func() {
		frames, malformed := src.Stats()
		monitoring.Opsf("detection source closed after %d frames (%d malformed lines)", frames, malformed)
		src.Close()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	pub.Start(pubCtx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return pl.Run(gctx, src)
	})
	if opts.Listen != "" {
		ws, err := monitor.NewWebServer(monitor.WebServerConfig{
			Address:   opts.Listen,
			DeviceID:  cfg.GetDeviceID(),
			Pipeline:  pl,
			Publisher: pub,
			Journal:   jrnl,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return ws.Start(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
