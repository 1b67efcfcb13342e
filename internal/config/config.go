// Package config holds the deliberation engine's runtime options. Values
// come from the environment (loaded via godotenv in cmd) with sane defaults;
// the substitution cap and SLA are domain constants and not configurable.
package config

import (
	"os"
	"strconv"
)

// ContextSchemaVersion is the context package schema the engine emits.
const ContextSchemaVersion = "1.1.0"

// MaxSubstitutions is the hard cap on panel substitutions per session.
const MaxSubstitutions = 1

// MaxSubstitutionLatencyMS is the SLA threshold for substitution reporting.
const MaxSubstitutionLatencyMS = 10_000

// Config is the engine's runtime configuration.
type Config struct {
	// TimeoutSeconds is the deliberation-wide deadline. Effective if > 0.
	TimeoutSeconds int
	// MaxRounds is the ceiling for cross-examine retries under 1-1-1 splits.
	MaxRounds int
}

// Default is the sanctioned production preset: five-minute deadline, three
// rounds.
func Default() Config {
	return Config{TimeoutSeconds: 300, MaxRounds: 3}
}

// SingleRound is the sanctioned strict preset: any 1-1-1 split deadlocks
// immediately.
func SingleRound() Config {
	return Config{TimeoutSeconds: 300, MaxRounds: 1}
}

// FromEnv reads ARCHON_TIMEOUT_SECONDS and ARCHON_MAX_ROUNDS, falling back
// to the default preset for unset or unparsable values.
func FromEnv() Config {
	cfg := Default()
	if v, err := strconv.Atoi(os.Getenv("ARCHON_TIMEOUT_SECONDS")); err == nil && v > 0 {
		cfg.TimeoutSeconds = v
	}
	if v, err := strconv.Atoi(os.Getenv("ARCHON_MAX_ROUNDS")); err == nil && v > 0 {
		cfg.MaxRounds = v
	}
	return cfg
}
