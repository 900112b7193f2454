package spectral

import (
	"gonum.org/v1/gonum/mat"

	"massmap/pkg/grid"
)

// DCT computes the orthonormal 2D DCT-II of g. With blockSize > 0 the plane
// is tiled into blockSize×blockSize blocks, each transformed on its own;
// edge blocks shrink to whatever is left. blockSize <= 0, or one that covers
// the whole plane, gives the global transform.
func DCT(g *grid.PixelGrid, blockSize int) *grid.PixelGrid {
	return blockTransform(g, blockSize, false)
}

// IDCT inverts DCT for the same blockSize.
func IDCT(g *grid.PixelGrid, blockSize int) *grid.PixelGrid {
	return blockTransform(g, blockSize, true)
}

// BlockOrigins lists the top-left corners of the blocks DCT uses, row by row.
// The global transform has a single block at (0, 0).
func BlockOrigins(width, height, blockSize int) [][2]int {
	bw, bh := blockDims(width, height, blockSize)
	var out [][2]int
	for y := 0; y < height; y += bh {
		for x := 0; x < width; x += bw {
			out = append(out, [2]int{x, y})
		}
	}
	return out
}

func blockDims(width, height, blockSize int) (int, int) {
	bw, bh := width, height
	if blockSize > 0 {
		if blockSize < bw {
			bw = blockSize
		}
		if blockSize < bh {
			bh = blockSize
		}
	}
	return bw, bh
}

func blockTransform(g *grid.PixelGrid, blockSize int, inverse bool) *grid.PixelGrid {
	w, h := g.Width(), g.Height()
	bw, bh := blockDims(w, h, blockSize)
	out := grid.New(w, h)
	src, dst := g.Values(), out.Values()

	rowsOfBlocks := (h + bh - 1) / bh
	grid.ParallelRows(rowsOfBlocks, func(start, end int) {
		for by := start; by < end; by++ {
			y0 := by * bh
			ny := min(bh, h-y0)
			cy := plans.dctBasis(ny)
			for x0 := 0; x0 < w; x0 += bw {
				nx := min(bw, w-x0)
				cx := plans.dctBasis(nx)

				block := mat.NewDense(ny, nx, nil)
				for y := 0; y < ny; y++ {
					for x := 0; x < nx; x++ {
						block.Set(y, x, src[(y0+y)*w+x0+x])
					}
				}

				// forward: Cy·X·Cxᵀ, inverse: Cyᵀ·X·Cx
				var tmp, res mat.Dense
				if inverse {
					tmp.Mul(cy.T(), block)
					res.Mul(&tmp, cx)
				} else {
					tmp.Mul(cy, block)
					res.Mul(&tmp, cx.T())
				}

				for y := 0; y < ny; y++ {
					for x := 0; x < nx; x++ {
						dst[(y0+y)*w+x0+x] = res.At(y, x)
					}
				}
			}
		}
	})
	return out
}
