package detect

import (
	"image"

	"gocv.io/x/gocv"
)

// harrisResponse computes the Harris corner response R = det(M) - k*trace(M)^2
// for every pixel of an 8-bit single-channel image. The structure tensor M is
// built from Sobel gradients averaged over a block x block window.
func harrisResponse(src gocv.Mat, block, ksize int, k float64) [][]float64 {
	f := gocv.NewMat()
	defer f.Close()
	src.ConvertToWithParams(&f, gocv.MatTypeCV32F, 1.0/255, 0)

	dx := gocv.NewMat()
	defer dx.Close()
	dy := gocv.NewMat()
	defer dy.Close()
	gocv.Sobel(f, &dx, gocv.MatTypeCV32F, 1, 0, ksize, 1, 0, gocv.BorderDefault)
	gocv.Sobel(f, &dy, gocv.MatTypeCV32F, 0, 1, ksize, 1, 0, gocv.BorderDefault)

	ixx := gocv.NewMat()
	defer ixx.Close()
	iyy := gocv.NewMat()
	defer iyy.Close()
	ixy := gocv.NewMat()
	defer ixy.Close()
	gocv.Multiply(dx, dx, &ixx)
	gocv.Multiply(dy, dy, &iyy)
	gocv.Multiply(dx, dy, &ixy)

	win := image.Point{X: block, Y: block}
	gocv.Blur(ixx, &ixx, win)
	gocv.Blur(iyy, &iyy, win)
	gocv.Blur(ixy, &ixy, win)

	rows, cols := src.Rows(), src.Cols()
	resp := make([][]float64, rows)
	for y := 0; y < rows; y++ {
		resp[y] = make([]float64, cols)
		for x := 0; x < cols; x++ {
			a := float64(ixx.GetFloatAt(y, x))
			c := float64(iyy.GetFloatAt(y, x))
			b := float64(ixy.GetFloatAt(y, x))
			trace := a + c
			resp[y][x] = a*c - b*b - k*trace*trace
		}
	}
	return resp
}

// cornerMarks returns a binary image of pixels whose response exceeds
// frac * max. The caller owns the result. Returns an empty Mat when no
// pixel has a positive response.
func cornerMarks(resp [][]float64, frac float64) gocv.Mat {
	if len(resp) == 0 {
		return gocv.NewMat()
	}
	rows, cols := len(resp), len(resp[0])

	maxR := 0.0
	for _, row := range resp {
		for _, r := range row {
			if r > maxR {
				maxR = r
			}
		}
	}
	if maxR <= 0 {
		return gocv.NewMat()
	}

	marks := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), rows, cols, gocv.MatTypeCV8U)
	cut := frac * maxR
	for y, row := range resp {
		for x, r := range row {
			if r > cut {
				marks.SetUCharAt(y, x, 255)
			}
		}
	}
	return marks
}
