package api

import (
	"github.com/samcharles93/mxgemm/internal/gemm"
	"github.com/samcharles93/mxgemm/internal/harness"
	"github.com/samcharles93/mxgemm/internal/testvec"
)

// RunRequest is the body of POST /v1/runs. Zero fields take the server
// defaults.
type RunRequest struct {
	M       int    `json:"m,omitempty"`
	K       int    `json:"k,omitempty"`
	N       int    `json:"n,omitempty"`
	Seed    *int64 `json:"seed,omitempty"`
	Source  string `json:"source,omitempty"`
	Workers int    `json:"workers,omitempty"`
}

// Run is a stored harness run.
type Run struct {
	ID        string         `json:"id"`
	Object    string         `json:"object"`
	CreatedAt int64          `json:"created_at"`
	Report    harness.Report `json:"report"`
}

type RunList struct {
	Object string `json:"object"`
	Data   []Run  `json:"data"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

type errorBody struct {
	Error ResponseError `json:"error"`
}

// Defaults are applied to fields a RunRequest leaves unset.
type Defaults struct {
	Shape   gemm.Shape
	Tiling  gemm.Tiling
	Workers int
	Source  string
	Seed    int64
}

func DefaultDefaults() Defaults {
	return Defaults{
		Shape:  gemm.Shape{M: 64, K: 512, N: 64},
		Tiling: gemm.DefaultTiling(),
		Source: testvec.SourcePattern,
		Seed:   1,
	}
}
