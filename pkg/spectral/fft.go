package spectral

import (
	"massmap/pkg/grid"
)

// fft2D transforms a row-major width×height complex plane in place.
//
// Rows are transformed first, then columns, each pass split across workers
// with their own plan. The forward direction is unnormalised; the inverse
// direction divides by width*height so that fft2D(fft2D(x, false), true) == x.
func fft2D(data []complex128, width, height int, inverse bool) {
	grid.ParallelRows(height, func(start, end int) {
		plan := plans.acquireFFT(width)
		defer plans.releaseFFT(plan)

		row := make([]complex128, width)
		for y := start; y < end; y++ {
			copy(row, data[y*width:(y+1)*width])
			if inverse {
				plan.Sequence(row, row)
			} else {
				plan.Coefficients(row, row)
			}
			copy(data[y*width:(y+1)*width], row)
		}
	})

	grid.ParallelRows(width, func(start, end int) {
		plan := plans.acquireFFT(height)
		defer plans.releaseFFT(plan)

		col := make([]complex128, height)
		for x := start; x < end; x++ {
			for y := 0; y < height; y++ {
				col[y] = data[y*width+x]
			}
			if inverse {
				plan.Sequence(col, col)
			} else {
				plan.Coefficients(col, col)
			}
			for y := 0; y < height; y++ {
				data[y*width+x] = col[y]
			}
		}
	})

	if inverse {
		norm := complex(1/float64(width*height), 0)
		for i := range data {
			data[i] *= norm
		}
	}
}

// pack interleaves two real planes into one complex plane re + i·im.
func pack(re, im *grid.PixelGrid) []complex128 {
	rv, iv := re.Values(), im.Values()
	out := make([]complex128, len(rv))
	for i := range out {
		out[i] = complex(rv[i], iv[i])
	}
	return out
}

// unpack splits a complex plane back into real and imaginary grids.
func unpack(data []complex128, width, height int) (*grid.PixelGrid, *grid.PixelGrid) {
	re := grid.New(width, height)
	im := grid.New(width, height)
	rv, iv := re.Values(), im.Values()
	for i, c := range data {
		rv[i] = real(c)
		iv[i] = imag(c)
	}
	return re, im
}

// frequency maps an FFT index to its signed frequency, i for i <= n/2 and
// i-n above.
func frequency(i, n int) float64 {
	if i <= n/2 {
		return float64(i)
	}
	return float64(i - n)
}
