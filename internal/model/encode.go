package model

import (
	"fmt"

	"github.com/born-ml/born-detect/internal/data"
)

// pool averages each channel of im over an n×n grid. Single-channel images
// are repeated across the three colour planes.
func pool(im data.Image, n int) []float32 {
	out := make([]float32, 3*n*n)
	if im.H == 0 || im.W == 0 {
		return out
	}
	for c := 0; c < 3; c++ {
		src := c
		if src >= im.C {
			src = 0
		}
		for gy := 0; gy < n; gy++ {
			y0, y1 := span(gy, n, im.H)
			for gx := 0; gx < n; gx++ {
				x0, x1 := span(gx, n, im.W)
				var sum float32
				for y := y0; y < y1; y++ {
					for x := x0; x < x1; x++ {
						sum += im.At(src, y, x)
					}
				}
				out[(c*n+gy)*n+gx] = sum / float32((y1-y0)*(x1-x0))
			}
		}
	}
	return out
}

// span returns the pixel range of cell i out of n over size pixels; it is
// never empty.
func span(i, n, size int) (int, int) {
	lo := i * size / n
	hi := (i + 1) * size / n
	if hi <= lo {
		hi = lo + 1
	}
	if hi > size {
		lo, hi = size-1, size
	}
	return lo, hi
}

// batchInput pools every image of a batch into one row-major [B, 3·n·n]
// buffer.
func batchInput(images []data.Image, n int) []float32 {
	per := 3 * n * n
	out := make([]float32, 0, len(images)*per)
	for _, im := range images {
		out = append(out, pool(im, n)...)
	}
	return out
}

// encoded holds the per-cell regression targets of a batch and the loss
// weights of each stream. Weights already include the normalisation, so a
// loss is a plain weighted sum of squared errors.
type encoded struct {
	obj, objW     []float32 // [B·S²]
	labels        []int32   // [B·S²]
	box           []float32 // [B·S²·4]: offset x, offset y, width, height
	centerW       []float32
	sizeW         []float32
	mask, maskW   []float32 // [B·S²·M²]
	positives     int
	maskPositives int
}

type owner struct {
	obj  int
	area float64
}

// encode assigns every non-crowd object to the cell containing its centre;
// when two objects share a cell the larger one wins.
func encode(cfg Config, targets []data.Target) (*encoded, error) {
	cells := cfg.cells()
	m2 := cfg.MaskSize * cfg.MaskSize
	n := len(targets) * cells
	e := &encoded{
		obj:     make([]float32, n),
		objW:    make([]float32, n),
		labels:  make([]int32, n),
		box:     make([]float32, 4*n),
		centerW: make([]float32, 4*n),
		sizeW:   make([]float32, 4*n),
		mask:    make([]float32, m2*n),
		maskW:   make([]float32, m2*n),
	}
	maskCells := make([]bool, n)

	for i, t := range targets {
		if t.Height <= 0 || t.Width <= 0 {
			return nil, fmt.Errorf("image %d: empty size %dx%d", t.ImageID, t.Width, t.Height)
		}
		W, H := float64(t.Width), float64(t.Height)
		owners := make([]owner, cells)
		for c := range owners {
			owners[c].obj = -1
		}
		for j, b := range t.Boxes {
			if j < len(t.IsCrowd) && t.IsCrowd[j] {
				continue
			}
			if t.Labels[j] < 1 || t.Labels[j] > cfg.Classes {
				return nil, fmt.Errorf("%w: image %d label %d not in [1, %d]", ErrLabelOutOfRange, t.ImageID, t.Labels[j], cfg.Classes)
			}
			w, h := b[2]-b[0], b[3]-b[1]
			if w <= 0 || h <= 0 {
				continue
			}
			col := cellOf((b[0]+b[2])/2/W, cfg.Grid)
			row := cellOf((b[1]+b[3])/2/H, cfg.Grid)
			c := row*cfg.Grid + col
			if owners[c].obj < 0 || w*h > owners[c].area {
				owners[c] = owner{obj: j, area: w * h}
			}
		}

		for c, o := range owners {
			if o.obj < 0 {
				continue
			}
			k := i*cells + c
			b := t.Boxes[o.obj]
			row, col := c/cfg.Grid, c%cfg.Grid
			e.obj[k] = 1
			e.labels[k] = int32(t.Labels[o.obj])
			e.box[4*k] = float32((b[0]+b[2])/2/W*float64(cfg.Grid) - float64(col))
			e.box[4*k+1] = float32((b[1]+b[3])/2/H*float64(cfg.Grid) - float64(row))
			e.box[4*k+2] = float32((b[2] - b[0]) / W)
			e.box[4*k+3] = float32((b[3] - b[1]) / H)
			e.positives++

			if m2 == 0 || o.obj >= len(t.Masks) || t.Masks[o.obj] == nil {
				continue
			}
			grid, err := maskGrid(t, o.obj, cfg.MaskSize)
			if err != nil {
				return nil, err
			}
			copy(e.mask[k*m2:], grid)
			maskCells[k] = true
			e.maskPositives++
		}
	}

	for k := range e.objW {
		e.objW[k] = 1 / float32(n)
	}
	if e.positives > 0 {
		w := 1 / float32(2*e.positives)
		for k, v := range e.obj {
			if v == 0 {
				continue
			}
			e.centerW[4*k], e.centerW[4*k+1] = w, w
			e.sizeW[4*k+2], e.sizeW[4*k+3] = w, w
		}
	}
	if e.maskPositives > 0 {
		w := 1 / float32(e.maskPositives*m2)
		for k, ok := range maskCells {
			if !ok {
				continue
			}
			for q := k * m2; q < (k+1)*m2; q++ {
				e.maskW[q] = w
			}
		}
	}
	return e, nil
}

func cellOf(frac float64, grid int) int {
	c := int(frac * float64(grid))
	return max(0, min(grid-1, c))
}

// maskGrid samples object j's mask at the centres of an m×m grid laid over
// its box.
func maskGrid(t data.Target, j, m int) ([]float32, error) {
	r := t.Masks[j]
	bits, err := r.Decode()
	if err != nil {
		return nil, fmt.Errorf("image %d object %d: %w", t.ImageID, j, err)
	}
	b := t.Boxes[j]
	out := make([]float32, m*m)
	for v := 0; v < m; v++ {
		y := int(b[1] + (float64(v)+0.5)/float64(m)*(b[3]-b[1]))
		if y < 0 || y >= r.H {
			continue
		}
		for u := 0; u < m; u++ {
			x := int(b[0] + (float64(u)+0.5)/float64(m)*(b[2]-b[0]))
			if x < 0 || x >= r.W {
				continue
			}
			if bits[x*r.H+y] {
				out[v*m+u] = 1
			}
		}
	}
	return out, nil
}
