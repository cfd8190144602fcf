// Command tiptest runs probe-tip detection over a sequence of frames from one
// camera and prints the coarse and refined tip of each.
package main

import (
	"errors"
	"flag"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"probe-calib/internal/detect"
	"probe-calib/internal/frame"
	"probe-calib/pkg/colorutil"

	"gocv.io/x/gocv"
)

func main() {
	background := flag.String("background", "", "Optional probe-free background frame")
	mask := flag.String("mask", "", "Optional working-area mask (non-zero = valid)")
	width := flag.Int("width", 1000, "Detection width")
	height := flag.Int("height", 750, "Detection height")
	outDir := flag.String("out", "", "Write annotated frames to this directory")
	flag.Parse()

	paths := flag.Args()
	if len(paths) < 2 {
		fmt.Println("Usage: tiptest [-background bg.png] [-mask mask.png] [-width 1000 -height 750] [-out dir] frame0 frame1 [frame2 ...]")
		os.Exit(1)
	}

	params := detect.DefaultParams().WithDetectSize(*width, *height)
	fmt.Printf("Detection parameters:\n")
	fmt.Printf("  Detect size: %dx%d (blur %d)\n", params.DetectSize.Width, params.DetectSize.Height, params.PreBlurKernel)
	fmt.Printf("  Noise floor: %.0f, shadow threshold: %.2f\n", params.NoiseFloor, params.ShadowThreshold)
	fmt.Printf("  Crop: init %d step %d\n", params.CropInit, params.CropStep)
	fmt.Printf("  Hough: threshold %d, max gap %.0f\n", params.HoughThreshold, params.HoughMaxGap)

	tracker := detect.NewTracker("tiptest", params, nil)
	defer tracker.Close()
	tracker.SelectSerial("tiptest")

	if *mask != "" {
		m, err := frame.Load(*mask)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load mask: %v\n", err)
			os.Exit(1)
		}
		tracker.SetMask(m.Mat)
		m.Close()
	}
	if *background != "" {
		bg, err := frame.Load(*background)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load background: %v\n", err)
			os.Exit(1)
		}
		tracker.SetBackground(bg.Mat)
		bg.Close()
	}

	fmt.Printf("\n%-32s %-8s %10s %10s %6s %10s %10s\n", "Frame", "Result", "CoarseX", "CoarseY", "Dir", "TipX", "TipY")
	found := 0
	for _, path := range paths {
		f, err := frame.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load %s: %v\n", path, err)
			os.Exit(1)
		}
		size := f.Size()
		det, err := tracker.Process(f)
		if *outDir != "" {
			if werr := writeAnnotated(*outDir, path, f, params, det, err); werr != nil {
				fmt.Fprintf(os.Stderr, "Failed to write annotation for %s: %v\n", path, werr)
			}
		}
		f.Close()

		switch {
		case err == nil:
			found++
			result := "tracked"
			if det.Initial {
				result = "acquired"
			}
			fmt.Printf("%-32s %-8s %10.1f %10.1f %6s %10.2f %10.2f\n", path, result,
				det.Coarse.Tip.X, det.Coarse.Tip.Y, det.Coarse.Direction, det.Tip.X, det.Tip.Y)
		case errors.Is(err, detect.ErrDetectionMiss):
			fmt.Printf("%-32s %-8s (%dx%d) %v\n", path, "miss", size.Width, size.Height, err)
		case errors.Is(err, detect.ErrAmbiguousTip):
			fmt.Printf("%-32s %-8s %v\n", path, "ambig", err)
		default:
			fmt.Fprintf(os.Stderr, "Detection failed on %s: %v\n", path, err)
			os.Exit(1)
		}
	}

	fmt.Printf("\nTotal: tip found in %d of %d frames\n", found, len(paths))
}

// writeAnnotated saves f with the coarse probe axis and both tip estimates drawn on it.
func writeAnnotated(dir, path string, f *frame.Frame, params detect.Params, det detect.Detection, detErr error) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	img := gocv.NewMat()
	defer img.Close()
	gocv.CvtColor(f.Mat, &img, gocv.ColorGrayToBGR)

	size := f.Size()
	if detErr != nil {
		gocv.PutText(&img, detErr.Error(), image.Pt(40, 80), gocv.FontHersheySimplex, 2, colorutil.Miss, 3)
	} else {
		tip := params.DetectSize.ScaleTo(det.Coarse.Tip, size)
		base := params.DetectSize.ScaleTo(det.Coarse.Base, size)
		gocv.Line(&img, base.ImagePoint(), tip.ImagePoint(), colorutil.ProbeAxis, 3)
		gocv.Circle(&img, tip.ImagePoint(), 20, colorutil.CoarseTip, 3)
		gocv.Circle(&img, det.Tip.ImagePoint(), 6, colorutil.FineTip, -1)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + "_tip.png"
	if !gocv.IMWrite(filepath.Join(dir, name), img) {
		return fmt.Errorf("failed to write %s", name)
	}
	return nil
}
