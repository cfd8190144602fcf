// Package main provides the entry point for the probe calibration service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"probe-calib/internal/app"
	"probe-calib/internal/bundle"
	"probe-calib/internal/calib"
	"probe-calib/internal/config"
	"probe-calib/internal/frame"
	"probe-calib/internal/publish"
	"probe-calib/internal/store"
	"probe-calib/internal/version"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const appTitle = "probe-calib"

// storeCloser is the correspondence log with its lifetime.
type storeCloser interface {
	calib.Store
	Close() error
}

type memoryStore struct{ *calib.MemoryStore }

func (memoryStore) Close() error { return nil }

func main() {
	configPath := flag.String("config", "probe-calib.yaml", "Calibration config file")
	replay := flag.String("replay", "", "Feed a recorded correspondence log (CSV) and exit")
	dump := flag.String("dump", "", "Write the stored correspondences of a stage serial as CSV to stdout and exit")
	frames := flag.String("frames", "", "Spool directory cameras write <camera>_<unix-millis> images to")
	removeFrames := flag.Bool("remove-frames", true, "Delete spooled images after loading")
	watch := flag.Duration("watch", 2*time.Second, "Config reload poll interval (0 disables)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", appTitle, version.String())
		return
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("Starting %s v%s", appTitle, version.String())

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *dump != "" {
		if err := dumpStage(ctx, db, *dump); err != nil {
			log.Fatalf("Dump failed: %v", err)
		}
		return
	}

	acc, refiner, err := newAccumulator(cfg, db)
	if err != nil {
		log.Fatalf("Failed to set up calibration: %v", err)
	}

	// Stage reports are subscribed on every (re)connect. The hook reads
	// session, which is assigned before the client starts connecting.
	var session *app.Session
	var hooks []func(mqtt.Client)
	if *replay == "" {
		hooks = append(hooks, func(c mqtt.Client) {
			publish.StageOnConnect(cfg.MQTT.PublishPrefix, session, nil)(c)
		})
	}

	var publisher app.EventPublisher
	client := publish.NewClient(cfg.MQTT, nil, hooks...)
	if client != nil {
		defer client.Disconnect(250)
		publisher = publish.NewPublisher(client, cfg.MQTT.PublishPrefix, nil)
	}

	cams, err := cfg.StereoCameras()
	if err != nil {
		log.Fatalf("Invalid camera config: %v", err)
	}
	opts := app.Options{
		Cameras:       cams,
		Params:        cfg.DetectParams(),
		PairTolerance: cfg.PairTolerance(),
		Publisher:     publisher,
	}
	if refiner != nil {
		opts.Refiner = refiner
	}
	session, err = app.NewSession(acc, opts)
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}
	logEvents(session)
	publish.Start(client, nil)

	if *replay != "" {
		if err := replayLog(ctx, session, *replay); err != nil {
			log.Fatalf("Replay failed: %v", err)
		}
		return
	}

	if *watch > 0 {
		setupConfigReload(session, *configPath, *watch)
	}
	if *frames != "" {
		spool := frame.NewSpool(*frames, frame.DefaultPollInterval, *removeFrames, nil)
		go func() {
			err := spool.Run(ctx, func(f *frame.Frame) {
				if err := session.SubmitFrame(f); err != nil {
					log.Printf("Frame %s rejected: %v", f.Camera, err)
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("Frame spool stopped: %v", err)
			}
		}()
		log.Printf("Reading frames from %s", *frames)
	}

	if err := session.Run(ctx); err != nil {
		log.Fatalf("Session failed: %v", err)
	}
	pairs, mismatched := session.Stats()
	log.Printf("Shutting down: %d pairs triangulated, %d unmatched detections", pairs, mismatched)
}

func openStore(cfg *config.Config) (storeCloser, error) {
	if cfg.Storage.Database == "" {
		log.Println("No database configured: correspondences are kept in memory")
		return memoryStore{calib.NewMemoryStore()}, nil
	}
	db, err := store.OpenSQLite(cfg.Storage.Database, nil)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// newAccumulator also returns the bundle refiner, nil when disabled, so
// camera reloads can reach it.
func newAccumulator(cfg *config.Config, db calib.Store) (*calib.Accumulator, *bundle.Refiner, error) {
	acc := calib.NewAccumulator(db, cfg.Thresholds(), nil)
	if cfg.Storage.ExportDir != "" {
		acc.SetInlierSink(store.NewCSVExporter(cfg.Storage.ExportDir, nil))
	}
	if !cfg.Bundle.Enabled {
		return acc, nil, nil
	}
	cams, err := cfg.StereoCameras()
	if err != nil {
		return nil, nil, err
	}
	refiner, err := bundle.NewRefiner(cams, cfg.BundleSettings(), nil)
	if err != nil {
		return nil, nil, err
	}
	acc.SetRefiner(refiner)
	return acc, refiner, nil
}

// logEvents prints calibration milestones as they happen.
func logEvents(s *app.Session) {
	s.On(app.EventAxisComplete, func(data interface{}) {
		ev := data.(calib.Event)
		log.Printf("%s: %s axis range reached", ev.Serial, ev.Axis)
	})
	s.On(app.EventCalibrated, func(data interface{}) {
		ev := data.(calib.Event)
		r := ev.Result
		log.Printf("%s: calibrated from %d points, residual mean %.3f std %.3f (refined: %v)",
			ev.Serial, r.Points, r.MeanResidual, r.StdResidual, r.Refined)
		log.Printf("%s: scale %.6f %.6f %.6f", ev.Serial, r.Scale.X, r.Scale.Y, r.Scale.Z)
		for _, row := range r.Matrix {
			log.Printf("%s:   [% 12.6f % 12.6f % 12.6f % 12.3f]", ev.Serial, row[0], row[1], row[2], row[3])
		}
	})
	s.On(app.EventConfigError, func(data interface{}) {
		ce := data.(app.ConfigError)
		log.Printf("%s: calibration halted: %v", ce.Serial, ce.Err)
	})
}

// replayLog feeds a recorded correspondence log through the session in order.
func replayLog(ctx context.Context, s *app.Session, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := store.ReadLogCSV(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	log.Printf("Replaying %d correspondences from %s", len(rows), path)

	counts := map[calib.Status]int{}
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := s.Feed(ctx, row)
		if err != nil {
			return fmt.Errorf("row %d: %w", i+1, err)
		}
		counts[out.Status]++
	}
	log.Printf("Replay done: %d fitted, %d converged, %d complete, %d insufficient, %d rejected",
		counts[calib.StatusFitted], counts[calib.StatusConverged], counts[calib.StatusComplete],
		counts[calib.StatusInsufficientData], counts[calib.StatusRejected])
	return nil
}

func dumpStage(ctx context.Context, db calib.Store, serial string) error {
	rows, err := db.Query(ctx, serial)
	if err != nil {
		return err
	}
	return store.WriteLogCSV(os.Stdout, rows)
}

// setupConfigReload pushes re-surveyed camera models into the running session.
func setupConfigReload(s *app.Session, path string, interval time.Duration) {
	watcher, err := app.NewConfigWatcher(path, interval, nil)
	if err != nil {
		log.Printf("Config reload: %v", err)
		return
	}
	log.Printf("Config reload: watching %s", watcher.Path())

	watcher.OnChange(func(cfg *config.Config) {
		if err := s.ApplyConfig(cfg); err != nil {
			log.Printf("Config reload: keeping previous cameras: %v", err)
		}
	})
	watcher.Start()
}
