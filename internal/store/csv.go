package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"probe-calib/internal/calib"
	"probe-calib/pkg/geometry"

	"github.com/golang/geo/r3"
)

// LogHeader is the column layout of a correspondence log file.
var LogHeader = []string{
	"sn", "local_x", "local_y", "local_z", "global_x", "global_y", "global_z",
	"ts_local_coords", "ts_img_captured", "cam0", "pt0", "cam1", "pt1",
}

// InlierHeader is the column layout of an inlier export.
var InlierHeader = []string{"local_x", "local_y", "local_z", "global_x", "global_y", "global_z"}

// WriteLogCSV writes rows with a header line.
func WriteLogCSV(w io.Writer, rows []calib.Correspondence) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(LogHeader); err != nil {
		return err
	}
	for _, c := range rows {
		rec := []string{
			c.Serial,
			formatFloat(c.Local.X), formatFloat(c.Local.Y), formatFloat(c.Local.Z),
			formatFloat(c.Global.X), formatFloat(c.Global.Y), formatFloat(c.Global.Z),
			formatTime(c.LocalTimestamp), formatTime(c.CapturedAt),
			c.Views[0].Name, formatPixel(c.Views[0].Pixel),
			c.Views[1].Name, formatPixel(c.Views[1].Pixel),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadLogCSV reads a correspondence log. Columns are located by header name
// so extra columns are ignored.
func ReadLogCSV(r io.Reader) ([]calib.Correspondence, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, name := range LogHeader {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var out []calib.Correspondence
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		c, err := parseLogRecord(rec, col)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func parseLogRecord(rec []string, col map[string]int) (calib.Correspondence, error) {
	var c calib.Correspondence
	var err error
	c.Serial = rec[col["sn"]]

	if c.Local, err = parseVector(rec, col, "local"); err != nil {
		return c, err
	}
	if c.Global, err = parseVector(rec, col, "global"); err != nil {
		return c, err
	}
	if c.LocalTimestamp, err = parseTime(rec[col["ts_local_coords"]]); err != nil {
		return c, fmt.Errorf("ts_local_coords: %w", err)
	}
	if c.CapturedAt, err = parseTime(rec[col["ts_img_captured"]]); err != nil {
		return c, fmt.Errorf("ts_img_captured: %w", err)
	}
	for k := 0; k < 2; k++ {
		c.Views[k].Name = rec[col[fmt.Sprintf("cam%d", k)]]
		if c.Views[k].Pixel, err = parsePixel(rec[col[fmt.Sprintf("pt%d", k)]]); err != nil {
			return c, fmt.Errorf("pt%d: %w", k, err)
		}
	}
	return c, nil
}

func parseVector(rec []string, col map[string]int, prefix string) (r3.Vector, error) {
	var v [3]float64
	for i, axis := range []string{"x", "y", "z"} {
		name := prefix + "_" + axis
		f, err := strconv.ParseFloat(strings.TrimSpace(rec[col[name]]), 64)
		if err != nil {
			return r3.Vector{}, fmt.Errorf("%s: %w", name, err)
		}
		v[i] = f
	}
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Pixels are written as "(x, y)".
func formatPixel(p geometry.Point2D) string {
	return fmt.Sprintf("(%s, %s)", formatFloat(p.X), formatFloat(p.Y))
}

func parsePixel(s string) (geometry.Point2D, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return geometry.Point2D{}, fmt.Errorf("invalid pixel %q", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return geometry.Point2D{}, err
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return geometry.Point2D{}, err
	}
	return geometry.NewPoint2D(x, y), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// CSVExporter writes converged inlier sets to points_<sn>_inlier.csv in Dir.
// It implements calib.InlierSink.
type CSVExporter struct {
	Dir    string
	logger *log.Logger
}

// NewCSVExporter creates an exporter writing into dir. A nil logger uses log.Default().
func NewCSVExporter(dir string, logger *log.Logger) *CSVExporter {
	if logger == nil {
		logger = log.Default()
	}
	return &CSVExporter{Dir: dir, logger: logger}
}

// InlierPath returns the export path for serial.
func (e *CSVExporter) InlierPath(serial string) string {
	return filepath.Join(e.Dir, fmt.Sprintf("points_%s_inlier.csv", serial))
}

// ExportInliers overwrites the inlier file of serial.
func (e *CSVExporter) ExportInliers(_ context.Context, serial string, local, global []r3.Vector) error {
	if len(local) != len(global) {
		return fmt.Errorf("export %s: %d local vs %d global points", serial, len(local), len(global))
	}
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return fmt.Errorf("export %s: %w", serial, err)
	}

	path := e.InlierPath(serial)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export %s: %w", serial, err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write(InlierHeader); err != nil {
		return err
	}
	for i := range local {
		l, g := local[i], global[i]
		if err := cw.Write([]string{
			formatFloat(l.X), formatFloat(l.Y), formatFloat(l.Z),
			formatFloat(g.X), formatFloat(g.Y), formatFloat(g.Z),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export %s: %w", serial, err)
	}
	e.logger.Printf("exported %d inliers for %s to %s", len(local), serial, path)
	return f.Close()
}

// ReadInliersCSV reads an inlier export back into point pairs.
func ReadInliersCSV(r io.Reader) (local, global []r3.Vector, err error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, name := range InlierHeader {
		if _, ok := col[name]; !ok {
			return nil, nil, fmt.Errorf("missing column %q", name)
		}
	}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return local, global, nil
		}
		if err != nil {
			return nil, nil, err
		}
		l, err := parseVector(rec, col, "local")
		if err != nil {
			return nil, nil, err
		}
		g, err := parseVector(rec, col, "global")
		if err != nil {
			return nil, nil, err
		}
		local = append(local, l)
		global = append(global, g)
	}
}
