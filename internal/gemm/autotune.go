package gemm

import "sync"

// maxPE bounds tuned tile edges; larger tiles stop fitting in L1 alongside
// the K-length operand rows.
const maxPE = 64

type tunedTiling struct {
	tiling Tiling
	score  float64
}

// Autotuner picks the highest-scoring tiling per shape and remembers it.
// The group size of the base tiling is never changed; it is part of the
// weight encoding, not the schedule.
type Autotuner struct {
	mu    sync.RWMutex
	cache map[Shape]tunedTiling
}

func NewAutotuner() *Autotuner {
	return &Autotuner{cache: make(map[Shape]tunedTiling)}
}

// Tiling returns the cached choice for s, or scores base and every
// candidate that divides s with run (higher is better) and caches the best.
func (a *Autotuner) Tiling(s Shape, base Tiling, run func(Tiling) float64) Tiling {
	a.mu.RLock()
	if tuned, ok := a.cache[s]; ok {
		a.mu.RUnlock()
		return tuned.tiling
	}
	a.mu.RUnlock()

	best := base
	bestScore := run(base)
	for _, t := range candidateTilings(s, base) {
		if t == base {
			continue
		}
		if score := run(t); score > bestScore {
			best, bestScore = t, score
		}
	}

	a.mu.Lock()
	a.cache[s] = tunedTiling{tiling: best, score: bestScore}
	a.mu.Unlock()
	return best
}

func candidateTilings(s Shape, base Tiling) []Tiling {
	edges := func(b int) []int {
		return []int{b, b / 2, b * 2, 8, 32}
	}
	seen := make(map[Tiling]struct{})
	var out []Tiling
	for _, r := range edges(base.PERows) {
		for _, c := range edges(base.PECols) {
			t := Tiling{PERows: r, PECols: c, GroupSize: base.GroupSize}
			if r <= 0 || c <= 0 || r > maxPE || c > maxPE {
				continue
			}
			if _, dup := seen[t]; dup || s.Validate(t) != nil {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
