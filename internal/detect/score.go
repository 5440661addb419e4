package detect

import "math"

// HistCorrelation computes the Pearson correlation between two
// normalized histograms, clamped to [0,1]. Illumination shifts move
// histogram mass without destroying its shape, so the correlation stays
// high under lighting changes while dropping on scene changes.
func HistCorrelation(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	n := float64(len(a))
	var meanA, meanB float64
	for i := range a {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= n
	meanB /= n

	var num, denA, denB float64
	for i := range a {
		da := a[i] - meanA
		db := b[i] - meanB
		num += da * db
		denA += da * da
		denB += db * db
	}
	if denA == 0 || denB == 0 {
		// Flat histograms: identical means identical frames.
		if denA == denB {
			return 1
		}
		return 0
	}

	corr := num / math.Sqrt(denA*denB)
	if corr < 0 {
		return 0
	}
	if corr > 1 {
		return 1
	}
	return corr
}

const ssimWindow = 8

// SSIM computes a windowed structural similarity index over two
// equal-size luminance planes in range 0..255, clamped to [0,1].
func SSIM(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	const (
		c1 = (0.01 * 255) * (0.01 * 255)
		c2 = (0.03 * 255) * (0.03 * 255)
	)

	var total float64
	windows := 0
	for wy := 0; wy+ssimWindow <= compareSize; wy += ssimWindow {
		for wx := 0; wx+ssimWindow <= compareSize; wx += ssimWindow {
			var sumA, sumB float64
			for y := wy; y < wy+ssimWindow; y++ {
				row := y * compareSize
				for x := wx; x < wx+ssimWindow; x++ {
					sumA += a[row+x]
					sumB += b[row+x]
				}
			}
			n := float64(ssimWindow * ssimWindow)
			muA := sumA / n
			muB := sumB / n

			var varA, varB, cov float64
			for y := wy; y < wy+ssimWindow; y++ {
				row := y * compareSize
				for x := wx; x < wx+ssimWindow; x++ {
					da := a[row+x] - muA
					db := b[row+x] - muB
					varA += da * da
					varB += db * db
					cov += da * db
				}
			}
			varA /= n - 1
			varB /= n - 1
			cov /= n - 1

			score := ((2*muA*muB + c1) * (2*cov + c2)) /
				((muA*muA + muB*muB + c1) * (varA + varB + c2))
			total += score
			windows++
		}
	}
	if windows == 0 {
		return 0
	}

	mean := total / float64(windows)
	if mean < 0 {
		return 0
	}
	if mean > 1 {
		return 1
	}
	return mean
}
