package gemm

import (
	"runtime"
	"sync"
)

type tileTask struct {
	c      *Caches
	out    []int32
	ts, te int // flattened tile range [ts, te), row-major over (mTile, nTile)
	done   chan struct{}
}

// tilePool is a fixed set of workers, each owning its tile scratch for the
// lifetime of the pool. Tile ranges of one MatMul share a done channel taken
// from doneSlots so concurrent callers do not interfere.
type tilePool struct {
	size      int
	tasks     chan tileTask
	doneSlots chan chan struct{}
	closeOnce sync.Once
}

func newTilePool(size int) *tilePool {
	if size < 1 {
		size = runtime.GOMAXPROCS(0)
	}
	p := &tilePool{
		size:      size,
		tasks:     make(chan tileTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, size)
	}
	for w := 0; w < size; w++ {
		go func() {
			var sc tileScratch
			for task := range p.tasks {
				task.c.computeRange(&sc, task.ts, task.te, task.out)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// run splits all tiles of c into at most workers contiguous ranges and
// blocks until every range has been written to out.
func (p *tilePool) run(c *Caches, out []int32, workers int) {
	tiles := c.shape.MTiles(c.tiling) * c.shape.NTiles(c.tiling)
	workers = min(workers, p.size, tiles)
	if workers <= 1 {
		var sc tileScratch
		c.computeRange(&sc, 0, tiles, out)
		return
	}

	chunk := (tiles + workers - 1) / workers
	done := <-p.doneSlots
	sent := 0
	for ts := 0; ts < tiles; ts += chunk {
		p.tasks <- tileTask{
			c:    c,
			out:  out,
			ts:   ts,
			te:   min(ts+chunk, tiles),
			done: done,
		}
		sent++
	}
	for i := 0; i < sent; i++ {
		<-done
	}
	p.doneSlots <- done
}

func (p *tilePool) close() {
	p.closeOnce.Do(func() { close(p.tasks) })
}

// computeRange computes flattened tiles [ts, te) in row-major order.
func (c *Caches) computeRange(sc *tileScratch, ts, te int, out []int32) {
	nTiles := c.shape.NTiles(c.tiling)
	for t := ts; t < te; t++ {
		c.computeTile(sc, t/nTiles, t%nTiles, out)
	}
}
