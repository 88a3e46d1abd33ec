// Package verify compares engine output against the reference model.
package verify

import (
	"errors"
	"fmt"
)

// ErrMismatch is returned by Result.Err when any element differs.
var ErrMismatch = errors.New("verify: output mismatch")

// DefaultSampleLimit is the number of mismatches kept for reporting.
const DefaultSampleLimit = 10

type Mismatch struct {
	Index int   `json:"index"`
	Got   int32 `json:"got"`
	Want  int32 `json:"want"`
}

func (m Mismatch) Diff() int64 { return int64(m.Got) - int64(m.Want) }

// Result summarises a comparison. Samples holds the first mismatches in
// index order, at most the limit passed to Compare.
type Result struct {
	Total   int        `json:"total"`
	Errors  int        `json:"errors"`
	Samples []Mismatch `json:"samples,omitempty"`
}

// Compare checks got against want element by element with exact equality.
// A length difference counts every missing or extra element as an error.
func Compare(got, want []int32, limit int) Result {
	n := min(len(got), len(want))
	r := Result{Total: max(len(got), len(want))}
	for i := range n {
		if got[i] == want[i] {
			continue
		}
		r.Errors++
		if len(r.Samples) < limit {
			r.Samples = append(r.Samples, Mismatch{Index: i, Got: got[i], Want: want[i]})
		}
	}
	r.Errors += r.Total - n
	return r
}

func (r Result) Passed() bool { return r.Errors == 0 }

func (r Result) Err() error {
	if r.Passed() {
		return nil
	}
	return fmt.Errorf("%w: %d / %d elements differ", ErrMismatch, r.Errors, r.Total)
}
