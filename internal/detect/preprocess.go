// Package detect implements the two-stage change detector that decides
// which frames become keyframes, plus the debounce and max-gap policy.
package detect

import (
	"image"
	"math"

	xdraw "golang.org/x/image/draw"
)

const (
	compareSize = 256 // comparison resolution, both axes
	hueBins     = 50
	satBins     = 60
)

// Preprocessed is the comparison-ready form of a frame: a blurred
// luminance plane for SSIM and a normalized hue/saturation histogram
// for the global stage. Comparison always happens at a fixed 256x256
// resolution so cost is independent of source size.
type Preprocessed struct {
	Gray   []float64 // compareSize*compareSize, blurred, range 0..255
	Hist   []float64 // hueBins*satBins, normalized to sum 1
	Width  int       // original frame width
	Height int       // original frame height
}

// Preprocess downsamples, blurs, and histograms a frame. blurKernel
// must be odd; even values are bumped up.
func Preprocess(img image.Image, blurKernel int) *Preprocessed {
	if blurKernel%2 == 0 {
		blurKernel++
	}

	bounds := img.Bounds()
	small := image.NewRGBA(image.Rect(0, 0, compareSize, compareSize))
	xdraw.ApproxBiLinear.Scale(small, small.Bounds(), img, bounds, xdraw.Src, nil)

	n := compareSize * compareSize
	r := make([]float64, n)
	g := make([]float64, n)
	b := make([]float64, n)
	for y := 0; y < compareSize; y++ {
		for x := 0; x < compareSize; x++ {
			off := small.PixOffset(x, y)
			i := y*compareSize + x
			r[i] = float64(small.Pix[off])
			g[i] = float64(small.Pix[off+1])
			b[i] = float64(small.Pix[off+2])
		}
	}

	kernel := gaussianKernel(blurKernel)
	r = blurPlane(r, kernel)
	g = blurPlane(g, kernel)
	b = blurPlane(b, kernel)

	gray := make([]float64, n)
	hist := make([]float64, hueBins*satBins)
	for i := 0; i < n; i++ {
		gray[i] = 0.299*r[i] + 0.587*g[i] + 0.114*b[i]
		hue, sat := hueSaturation(r[i], g[i], b[i])
		hBin := int(hue / 360 * hueBins)
		if hBin >= hueBins {
			hBin = hueBins - 1
		}
		sBin := int(sat * satBins)
		if sBin >= satBins {
			sBin = satBins - 1
		}
		hist[hBin*satBins+sBin]++
	}
	for i := range hist {
		hist[i] /= float64(n)
	}

	return &Preprocessed{
		Gray:   gray,
		Hist:   hist,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}
}

// hueSaturation converts 0..255 RGB to hue in degrees and saturation
// in [0,1].
func hueSaturation(r, g, b float64) (float64, float64) {
	max := math.Max(r, math.Max(g, b))
	min := math.Min(r, math.Min(g, b))
	delta := max - min

	var hue float64
	switch {
	case delta == 0:
		hue = 0
	case max == r:
		hue = 60 * math.Mod((g-b)/delta, 6)
	case max == g:
		hue = 60 * ((b-r)/delta + 2)
	default:
		hue = 60 * ((r-g)/delta + 4)
	}
	if hue < 0 {
		hue += 360
	}

	var sat float64
	if max > 0 {
		sat = delta / max
	}
	return hue, sat
}

// gaussianKernel builds a normalized 1D kernel with sigma derived from
// the size the way OpenCV does for its default blur.
func gaussianKernel(size int) []float64 {
	sigma := 0.3*(float64(size-1)*0.5-1) + 0.8
	kernel := make([]float64, size)
	mid := size / 2
	sum := 0.0
	for i := range kernel {
		d := float64(i - mid)
		kernel[i] = math.Exp(-(d * d) / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// blurPlane applies the separable kernel horizontally then vertically.
// Edges clamp to the border pixel.
func blurPlane(plane, kernel []float64) []float64 {
	mid := len(kernel) / 2
	tmp := make([]float64, len(plane))
	out := make([]float64, len(plane))

	for y := 0; y < compareSize; y++ {
		row := y * compareSize
		for x := 0; x < compareSize; x++ {
			acc := 0.0
			for k, w := range kernel {
				sx := x + k - mid
				if sx < 0 {
					sx = 0
				} else if sx >= compareSize {
					sx = compareSize - 1
				}
				acc += w * plane[row+sx]
			}
			tmp[row+x] = acc
		}
	}
	for y := 0; y < compareSize; y++ {
		for x := 0; x < compareSize; x++ {
			acc := 0.0
			for k, w := range kernel {
				sy := y + k - mid
				if sy < 0 {
					sy = 0
				} else if sy >= compareSize {
					sy = compareSize - 1
				}
				acc += w * tmp[sy*compareSize+x]
			}
			out[y*compareSize+x] = acc
		}
	}
	return out
}
