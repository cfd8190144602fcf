// Package frame provides camera frame loading, grayscale conversion and the
// per-camera latest-frame mailbox.
package frame

import (
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"probe-calib/pkg/geometry"

	"gocv.io/x/gocv"
	_ "golang.org/x/image/tiff"
)

// Frame is a single camera image with its capture timestamp.
// The Mat is owned by the Frame; call Close when done.
type Frame struct {
	Camera    string
	Mat       gocv.Mat
	Timestamp time.Time
}

// New wraps a Mat as a frame. Ownership of m passes to the frame.
func New(camera string, m gocv.Mat, ts time.Time) *Frame {
	return &Frame{Camera: camera, Mat: m, Timestamp: ts}
}

// Close releases the underlying Mat.
func (f *Frame) Close() {
	if f == nil {
		return
	}
	f.Mat.Close()
}

// Size returns the frame dimensions.
func (f *Frame) Size() geometry.Size {
	return geometry.Size{Width: f.Mat.Cols(), Height: f.Mat.Rows()}
}

// Gray returns a single-channel copy of m. The caller owns the result.
func Gray(m gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	switch m.Channels() {
	case 1:
		m.CopyTo(&gray)
	case 4:
		gocv.CvtColor(m, &gray, gocv.ColorBGRAToGray)
	default:
		gocv.CvtColor(m, &gray, gocv.ColorBGRToGray)
	}
	return gray
}

// Load decodes an image file (PNG, JPEG or TIFF) into a grayscale frame.
// Camera name and timestamp are taken from the file name when it follows the
// "<camera>_<unix-millis>.<ext>" convention; otherwise the camera is the bare
// file name and the timestamp is the file's modification time.
func Load(path string) (*Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	m, err := ImageToGrayMat(img)
	if err != nil {
		return nil, err
	}

	camera, ts, ok := parseFrameName(path)
	if !ok {
		if info, statErr := os.Stat(path); statErr == nil {
			ts = info.ModTime()
		}
	}
	return New(camera, m, ts), nil
}

// ImageToGrayMat converts a Go image to an 8-bit single-channel Mat.
func ImageToGrayMat(img image.Image) (gocv.Mat, error) {
	gray, ok := img.(*image.Gray)
	if !ok || gray.Rect.Min != (image.Point{}) {
		b := img.Bounds()
		gray = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	}
	m, err := gocv.ImageGrayToMatGray(gray)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to convert image: %w", err)
	}
	return m, nil
}

// parseFrameName splits "<camera>_<unix-millis>.<ext>".
func parseFrameName(path string) (string, time.Time, bool) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	idx := strings.LastIndex(base, "_")
	if idx <= 0 || idx == len(base)-1 {
		return base, time.Time{}, false
	}
	ms, err := strconv.ParseInt(base[idx+1:], 10, 64)
	if err != nil {
		return base, time.Time{}, false
	}
	return base[:idx], time.UnixMilli(ms), true
}
