package frame

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".tif": true, ".tiff": true}

// DefaultLoadAttempts is how many polls a file that fails to decode is
// retried before it is skipped for good. A camera may still be writing it.
const DefaultLoadAttempts = 50

// DefaultPollInterval is used when a spool is given a non-positive interval.
const DefaultPollInterval = 20 * time.Millisecond

// Spool polls a directory that cameras drop "<camera>_<unix-millis>" images
// into and hands each new frame to a callback in capture order.
type Spool struct {
	dir      string
	interval time.Duration
	remove   bool // Delete files once loaded
	logger   *log.Logger
	seen     map[string]bool
	failures map[string]int

	LoadAttempts int
}

// NewSpool creates a spool reader for dir. With remove set, loaded files are
// deleted so the directory does not grow without bound.
func NewSpool(dir string, interval time.Duration, remove bool, logger *log.Logger) *Spool {
	if logger == nil {
		logger = log.Default()
	}
	return &Spool{
		dir:          dir,
		interval:     interval,
		remove:       remove,
		logger:       logger,
		seen:         map[string]bool{},
		failures:     map[string]int{},
		LoadAttempts: DefaultLoadAttempts,
	}
}

// Run polls until ctx is done.
func (s *Spool) Run(ctx context.Context, submit func(*Frame)) error {
	interval := s.interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.Poll(submit)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll loads every image not seen before and returns how many were submitted.
// A file that fails to decode is retried on later polls, up to LoadAttempts.
// Names that left the directory are forgotten.
func (s *Spool) Poll(submit func(*Frame)) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Printf("spool %s: %v", s.dir, err)
		return 0
	}

	present := make(map[string]bool, len(entries))
	var frames []*Frame
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		present[name] = true
		if s.seen[name] {
			continue
		}

		path := filepath.Join(s.dir, name)
		f, err := Load(path)
		if err != nil {
			s.failures[name]++
			if s.failures[name] >= s.LoadAttempts {
				s.logger.Printf("spool: skipping %s after %d attempts: %v", name, s.failures[name], err)
				s.seen[name] = true
				delete(s.failures, name)
			}
			continue
		}
		delete(s.failures, name)
		frames = append(frames, f)

		if !s.remove {
			s.seen[name] = true
		} else if err := os.Remove(path); err != nil {
			s.logger.Printf("spool: remove %s: %v", name, err)
			s.seen[name] = true
		}
	}
	s.prune(present)

	sort.SliceStable(frames, func(i, j int) bool {
		return frames[i].Timestamp.Before(frames[j].Timestamp)
	})
	for _, f := range frames {
		submit(f)
	}
	return len(frames)
}

// prune forgets names no longer in the directory.
func (s *Spool) prune(present map[string]bool) {
	for name := range s.seen {
		if !present[name] {
			delete(s.seen, name)
		}
	}
	for name := range s.failures {
		if !present[name] {
			delete(s.failures, name)
		}
	}
}

// Tracked returns how many file names the spool currently remembers.
func (s *Spool) Tracked() int {
	return len(s.seen) + len(s.failures)
}
