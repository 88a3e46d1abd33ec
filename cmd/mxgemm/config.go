package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mxgemm/internal/config"
)

// applyLoggingConfig applies config file logging defaults when the matching
// flag was not set explicitly.
func applyLoggingConfig(c *cli.Command, cfg config.Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyProblemConfig applies config file shape, tiling and vector defaults
// to the problem flag variables.
func applyProblemConfig(c *cli.Command, cfg config.Config) {
	setInt := func(flag string, v *int, dst *int64) {
		if v != nil && !c.IsSet(flag) {
			*dst = int64(*v)
		}
	}
	setInt("m", cfg.M, &dimM)
	setInt("k", cfg.K, &dimK)
	setInt("n", cfg.N, &dimN)
	setInt("pe-rows", cfg.PERows, &peRows)
	setInt("pe-cols", cfg.PECols, &peCols)
	setInt("group-size", cfg.GroupSize, &groupSize)
	setInt("workers", cfg.Workers, &workers)

	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.Source != "" && !c.IsSet("source") {
		source = cfg.Source
	}
}

// applyServeConfig applies config file server defaults.
func applyServeConfig(c *cli.Command, cfg config.Config, addr *string, rateLimit *float64, rateBurst *int64) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.RateLimit != nil && !c.IsSet("rate-limit") {
		*rateLimit = *cfg.RateLimit
	}
	if cfg.RateBurst != nil && !c.IsSet("rate-burst") {
		*rateBurst = int64(*cfg.RateBurst)
	}
}
