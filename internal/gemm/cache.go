package gemm

import "github.com/samcharles93/mxgemm/pkg/mxint4"

// Caches holds both operands after the preload phases: every activation row
// tile and every dequantized weight column tile, each stored once and reused
// by all tile pairs that need it.
//
// act is laid out as MTiles × [PERows][K]; wgt as NTiles × [PECols][K].
type Caches struct {
	shape  Shape
	tiling Tiling
	act    []int8
	wgt    []int16
}

func newCaches(s Shape, t Tiling) *Caches {
	return &Caches{
		shape:  s,
		tiling: t,
		act:    make([]int8, s.M*s.K),
		wgt:    make([]int16, s.N*s.K),
	}
}

func (c *Caches) Shape() Shape   { return c.shape }
func (c *Caches) Tiling() Tiling { return c.tiling }

// ActTile returns the cached [PERows][K] activation tile.
func (c *Caches) ActTile(mTile int) []int8 {
	size := c.tiling.PERows * c.shape.K
	return c.act[mTile*size : (mTile+1)*size]
}

// WeightTile returns the cached [PECols][K] dequantized weight tile.
func (c *Caches) WeightTile(nTile int) []int16 {
	size := c.tiling.PECols * c.shape.K
	return c.wgt[nTile*size : (nTile+1)*size]
}

// loadActivations is phase 1: copy every M tile into the activation cache.
func (c *Caches) loadActivations(act []int8) {
	k := c.shape.K
	rows := c.tiling.PERows
	for mt := 0; mt < c.shape.MTiles(c.tiling); mt++ {
		dst := c.ActTile(mt)
		for i := 0; i < rows; i++ {
			src := act[(mt*rows+i)*k : (mt*rows+i+1)*k]
			copy(dst[i*k:(i+1)*k], src)
		}
	}
}

// loadWeights is phase 2: unpack and dequantize every weight exactly once
// into the weight cache, transposing to K-contiguous rows per column.
func (c *Caches) loadWeights(packed, scales []uint8) {
	k, n := c.shape.K, c.shape.N
	cols := c.tiling.PECols
	gs := c.tiling.GroupSize
	for nt := 0; nt < c.shape.NTiles(c.tiling); nt++ {
		dst := c.WeightTile(nt)
		for kk := 0; kk < k; kk++ {
			row := kk * n
			for j := 0; j < cols; j++ {
				dst[j*k+kk] = mxint4.WeightAt(packed, scales, row+nt*cols+j, gs)
			}
		}
	}
}

// tileScratch is the per-worker working set for phase 3.
type tileScratch struct {
	aWork []int8
	wWork []int16
	acc   []int32
}

func (sc *tileScratch) ensure(t Tiling, k int) {
	if n := t.PERows * k; cap(sc.aWork) < n {
		sc.aWork = make([]int8, n)
	} else {
		sc.aWork = sc.aWork[:n]
	}
	if n := t.PECols * k; cap(sc.wWork) < n {
		sc.wWork = make([]int16, n)
	} else {
		sc.wWork = sc.wWork[:n]
	}
	if n := t.PERows * t.PECols; cap(sc.acc) < n {
		sc.acc = make([]int32, n)
	} else {
		sc.acc = sc.acc[:n]
	}
}

// ComputeTile runs phase 3 for a single (mTile, nTile) pair and writes the
// PERows×PECols result into out at the tile's offset. It reads only the
// caches, so any tile can be recomputed in isolation.
func (c *Caches) ComputeTile(mTile, nTile int, out []int32) {
	var sc tileScratch
	c.computeTile(&sc, mTile, nTile, out)
}

func (c *Caches) computeTile(sc *tileScratch, mTile, nTile int, out []int32) {
	k, n := c.shape.K, c.shape.N
	rows, cols := c.tiling.PERows, c.tiling.PECols
	sc.ensure(c.tiling, k)

	copy(sc.aWork, c.ActTile(mTile))
	copy(sc.wWork, c.WeightTile(nTile))
	clear(sc.acc)

	aWork, wWork, acc := sc.aWork, sc.wWork, sc.acc
	// The K steps are sequential per cell; cells within a step are independent.
	for kk := 0; kk < k; kk++ {
		for i := 0; i < rows; i++ {
			a := int32(aWork[i*k+kk])
			accRow := acc[i*cols : (i+1)*cols]
			for j := range accRow {
				accRow[j] += a * int32(wWork[j*k+kk])
			}
		}
	}

	for i := 0; i < rows; i++ {
		off := (mTile*rows+i)*n + nTile*cols
		copy(out[off:off+cols], acc[i*cols:(i+1)*cols])
	}
}
