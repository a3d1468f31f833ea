package coco

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// RLE is a binary mask of H rows and W columns in column-major run-length
// form. Counts alternate between runs of zeros and ones, starting with zeros.
type RLE struct {
	H      int
	W      int
	Counts []uint32
}

// Encode run-length encodes a column-major mask (index x*h + y).
func Encode(mask []bool, h, w int) (*RLE, error) {
	if len(mask) != h*w {
		return nil, fmt.Errorf("%w: mask has %d pixels, want %dx%d", ErrInvalidRLE, len(mask), h, w)
	}
	counts := make([]uint32, 0, 8)
	var run uint32
	cur := false
	for _, v := range mask {
		if v != cur {
			counts = append(counts, run)
			run = 0
			cur = v
		}
		run++
	}
	counts = append(counts, run)
	return &RLE{H: h, W: w, Counts: counts}, nil
}

// EncodeRowMajor thresholds a row-major probability map (index y*w + x) at
// threshold and encodes the result.
func EncodeRowMajor(probs []float32, h, w int, threshold float32) (*RLE, error) {
	if len(probs) != h*w {
		return nil, fmt.Errorf("%w: mask has %d pixels, want %dx%d", ErrInvalidRLE, len(probs), h, w)
	}
	mask := make([]bool, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			mask[x*h+y] = probs[y*w+x] > threshold
		}
	}
	return Encode(mask, h, w)
}

// Decode expands r into a column-major mask.
func (r *RLE) Decode() ([]bool, error) {
	n := r.H * r.W
	mask := make([]bool, n)
	pos := 0
	v := false
	for _, c := range r.Counts {
		end := pos + int(c)
		if end > n {
			return nil, fmt.Errorf("%w: counts cover more than %d pixels", ErrInvalidRLE, n)
		}
		if v {
			for i := pos; i < end; i++ {
				mask[i] = true
			}
		}
		pos = end
		v = !v
	}
	return mask, nil
}

// Area returns the number of foreground pixels.
func (r *RLE) Area() float64 {
	var a uint64
	for i := 1; i < len(r.Counts); i += 2 {
		a += uint64(r.Counts[i])
	}
	return float64(a)
}

// ToBBox returns the tight [x, y, width, height] box around the foreground.
// An empty mask yields a zero box.
func (r *RLE) ToBBox() [4]float64 {
	m := len(r.Counts) / 2 * 2
	if m == 0 || r.H == 0 {
		return [4]float64{}
	}
	h := uint64(r.H)
	xs, ys := uint64(r.W), h
	var xe, ye, cc, xp uint64
	for j := 0; j < m; j++ {
		cc += uint64(r.Counts[j])
		t := cc - uint64(j%2)
		y := t % h
		x := (t - y) / h
		if j%2 == 0 {
			xp = x
		} else if xp < x {
			// The run wraps a column, so it spans the full height.
			ys = 0
			ye = h - 1
		}
		xs = min(xs, x)
		xe = max(xe, x)
		ys = min(ys, y)
		ye = max(ye, y)
	}
	return [4]float64{float64(xs), float64(ys), float64(xe - xs + 1), float64(ye - ys + 1)}
}

// String returns the compressed COCO string form of the counts.
func (r *RLE) String() string {
	var sb strings.Builder
	for i, c := range r.Counts {
		x := int64(c)
		if i > 2 {
			x -= int64(r.Counts[i-2])
		}
		more := true
		for more {
			ch := byte(x & 0x1f)
			x >>= 5
			if ch&0x10 != 0 {
				more = x != -1
			} else {
				more = x != 0
			}
			if more {
				ch |= 0x20
			}
			sb.WriteByte(ch + 48)
		}
	}
	return sb.String()
}

// DecodeString parses the compressed COCO string form.
func DecodeString(h, w int, s string) (*RLE, error) {
	counts := make([]uint32, 0, len(s))
	p := 0
	for p < len(s) {
		var x int64
		k := 0
		more := true
		for more {
			if p >= len(s) {
				return nil, fmt.Errorf("%w: truncated counts string", ErrInvalidRLE)
			}
			c := int64(s[p]) - 48
			x |= (c & 0x1f) << (5 * k)
			more = c&0x20 != 0
			p++
			k++
			if !more && c&0x10 != 0 {
				x |= -1 << (5 * k)
			}
		}
		if m := len(counts); m > 2 {
			x += int64(counts[m-2])
		}
		if x < 0 {
			return nil, fmt.Errorf("%w: negative run", ErrInvalidRLE)
		}
		counts = append(counts, uint32(x))
	}
	return &RLE{H: h, W: w, Counts: counts}, nil
}

// FromPolygon rasterizes one polygon given as x1, y1, x2, y2, ...
// Vertices are upsampled five times along the boundary, then the crossing
// points of each pixel column are turned into runs.
func FromPolygon(xy []float64, h, w int) (*RLE, error) {
	k := len(xy) / 2
	if k < 3 {
		return nil, ErrInvalidPolygon
	}
	const scale = 5.0

	x := make([]int, k+1)
	y := make([]int, k+1)
	for j := 0; j < k; j++ {
		x[j] = int(scale*xy[2*j] + .5)
		y[j] = int(scale*xy[2*j+1] + .5)
	}
	x[k], y[k] = x[0], y[0]

	// Dense points along the boundary.
	var u, v []int
	for j := 0; j < k; j++ {
		xs, xe, ys, ye := x[j], x[j+1], y[j], y[j+1]
		dx, dy := absInt(xe-xs), absInt(ys-ye)
		flip := (dx >= dy && xs > xe) || (dx < dy && ys > ye)
		if flip {
			xs, xe = xe, xs
			ys, ye = ye, ys
		}
		var s float64
		switch {
		case dx >= dy && dx > 0:
			s = float64(ye-ys) / float64(dx)
		case dx < dy:
			s = float64(xe-xs) / float64(dy)
		}
		if dx >= dy {
			for d := 0; d <= dx; d++ {
				t := d
				if flip {
					t = dx - d
				}
				u = append(u, t+xs)
				v = append(v, int(float64(ys)+s*float64(t)+.5))
			}
		} else {
			for d := 0; d <= dy; d++ {
				t := d
				if flip {
					t = dy - d
				}
				v = append(v, t+ys)
				u = append(u, int(float64(xs)+s*float64(t)+.5))
			}
		}
	}

	// Points on the y-boundary, downsampled back to pixel coordinates.
	var bx, by []int
	for j := 1; j < len(u); j++ {
		if u[j] == u[j-1] {
			continue
		}
		xd := float64(u[j])
		if u[j] >= u[j-1] {
			xd = float64(u[j] - 1)
		}
		xd = (xd+.5)/scale - .5
		if math.Floor(xd) != xd || xd < 0 || xd > float64(w-1) {
			continue
		}
		yd := float64(min(v[j], v[j-1]))
		yd = (yd+.5)/scale - .5
		if yd < 0 {
			yd = 0
		} else if yd > float64(h) {
			yd = float64(h)
		}
		yd = math.Ceil(yd)
		bx = append(bx, int(xd))
		by = append(by, int(yd))
	}

	// Runs from the sorted boundary offsets.
	a := make([]uint32, 0, len(bx)+1)
	for j := range bx {
		a = append(a, uint32(bx[j]*h+by[j]))
	}
	a = append(a, uint32(h*w))
	slices.Sort(a)
	var prev uint32
	for j := range a {
		t := a[j]
		a[j] -= prev
		prev = t
	}
	b := make([]uint32, 0, len(a))
	j := 0
	b = append(b, a[j])
	j++
	for j < len(a) {
		if a[j] > 0 {
			b = append(b, a[j])
			j++
			continue
		}
		j++
		if j < len(a) {
			b[len(b)-1] += a[j]
			j++
		}
	}
	return &RLE{H: h, W: w, Counts: b}, nil
}

// FromPolygons rasterizes and unions a set of polygons.
func FromPolygons(polys [][]float64, h, w int) (*RLE, error) {
	rles := make([]*RLE, 0, len(polys))
	for _, p := range polys {
		r, err := FromPolygon(p, h, w)
		if err != nil {
			return nil, err
		}
		rles = append(rles, r)
	}
	return Merge(rles, false), nil
}

// FromBBox rasterizes an [x, y, width, height] box.
func FromBBox(bb [4]float64, h, w int) *RLE {
	xs, ys := bb[0], bb[1]
	xe, ye := xs+bb[2], ys+bb[3]
	r, _ := FromPolygon([]float64{xs, ys, xs, ye, xe, ye, xe, ys}, h, w)
	return r
}

// Merge returns the union, or with intersect the intersection, of masks
// that share one size. Masks of differing sizes merge to an empty 0x0 mask.
func Merge(rles []*RLE, intersect bool) *RLE {
	switch len(rles) {
	case 0:
		return &RLE{}
	case 1:
		return &RLE{H: rles[0].H, W: rles[0].W, Counts: slices.Clone(rles[0].Counts)}
	}
	h, w := rles[0].H, rles[0].W
	cnts := slices.Clone(rles[0].Counts)
	for _, b := range rles[1:] {
		if b.H != h || b.W != w {
			return &RLE{}
		}
		a := cnts
		out := make([]uint32, 0, len(a)+len(b.Counts))
		ca, cb := first(a), first(b.Counts)
		ia, ib := 1, 1
		va, vb, v := false, false, false
		var cc uint32
		for ct := uint32(1); ct > 0; {
			c := min(ca, cb)
			cc += c
			ct = 0
			ca -= c
			if ca == 0 && ia < len(a) {
				ca = a[ia]
				ia++
				va = !va
			}
			ct += ca
			cb -= c
			if cb == 0 && ib < len(b.Counts) {
				cb = b.Counts[ib]
				ib++
				vb = !vb
			}
			ct += cb
			vp := v
			if intersect {
				v = va && vb
			} else {
				v = va || vb
			}
			if v != vp || ct == 0 {
				out = append(out, cc)
				cc = 0
			}
		}
		cnts = out
	}
	return &RLE{H: h, W: w, Counts: cnts}
}

func first(c []uint32) uint32 {
	if len(c) == 0 {
		return 0
	}
	return c[0]
}

// MaskIoU computes the IoU between every detection and ground-truth mask,
// indexed [d][g]. For crowd ground truth the union is the detection area.
// Masks of different sizes score -1.
func MaskIoU(dt, gt []*RLE, iscrowd []bool) [][]float64 {
	db := make([][4]float64, len(dt))
	for i, r := range dt {
		db[i] = r.ToBBox()
	}
	gb := make([][4]float64, len(gt))
	for i, r := range gt {
		gb[i] = r.ToBBox()
	}
	out := BoxIoU(db, gb, iscrowd)
	for d := range dt {
		for g := range gt {
			if out[d][g] <= 0 {
				continue
			}
			if dt[d].H != gt[g].H || dt[d].W != gt[g].W {
				out[d][g] = -1
				continue
			}
			crowd := g < len(iscrowd) && iscrowd[g]
			out[d][g] = rleIoU(dt[d], gt[g], crowd)
		}
	}
	return out
}

func rleIoU(a, b *RLE, crowd bool) float64 {
	ca, cb := first(a.Counts), first(b.Counts)
	ia, ib := 1, 1
	va, vb := false, false
	var inter, union uint64
	for ct := uint32(1); ct > 0; {
		c := min(ca, cb)
		if va || vb {
			union += uint64(c)
			if va && vb {
				inter += uint64(c)
			}
		}
		ct = 0
		ca -= c
		if ca == 0 && ia < len(a.Counts) {
			ca = a.Counts[ia]
			ia++
			va = !va
		}
		ct += ca
		cb -= c
		if cb == 0 && ib < len(b.Counts) {
			cb = b.Counts[ib]
			ib++
			vb = !vb
		}
		ct += cb
	}
	if inter == 0 {
		return 0
	}
	if crowd {
		return float64(inter) / a.Area()
	}
	return float64(inter) / float64(union)
}

// BoxIoU computes the IoU between every detection and ground-truth
// [x, y, width, height] box, indexed [d][g]. For crowd ground truth the
// union is the detection area.
func BoxIoU(dt, gt [][4]float64, iscrowd []bool) [][]float64 {
	out := make([][]float64, len(dt))
	for d, D := range dt {
		out[d] = make([]float64, len(gt))
		da := D[2] * D[3]
		for g, G := range gt {
			w := math.Min(D[0]+D[2], G[0]+G[2]) - math.Max(D[0], G[0])
			if w <= 0 {
				continue
			}
			h := math.Min(D[1]+D[3], G[1]+G[3]) - math.Max(D[1], G[1])
			if h <= 0 {
				continue
			}
			i := w * h
			u := da + G[2]*G[3] - i
			if g < len(iscrowd) && iscrowd[g] {
				u = da
			}
			out[d][g] = i / u
		}
	}
	return out
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
