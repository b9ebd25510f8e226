// Package sampler converts stage parameter strings into concrete
// durations. A parameter is either "mean" or "mean,offset"; the sampled
// value is uniform in [mean-|offset|, mean+|offset|], clamped at zero.
package sampler

import (
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// Unit is the multiplier applied to a parsed parameter to obtain seconds.
type Unit float64

const (
	Seconds Unit = 1
	Minutes Unit = 60
)

// Sampler draws randomized durations. The random source is injectable so
// tests can seed it; a nil source falls back to a time-seeded one.
type Sampler struct {
	rng *rand.Rand
}

// New returns a sampler backed by the given source. Pass nil for a
// time-seeded source.
func New(rng *rand.Rand) *Sampler {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Sampler{rng: rng}
}

// Sample converts a raw parameter string into seconds. Malformed input
// maps to zero; the result is never negative or non-finite.
func (s *Sampler) Sample(raw string, unit Unit) float64 {
	lo, hi := Bounds(raw, unit)
	if hi <= lo {
		return lo
	}
	return lo + s.rng.Float64()*(hi-lo)
}

// Bounds returns the inclusive range, in seconds, that Sample draws
// from for the given parameter. This is the testable contract: sampled
// values always fall inside it.
func Bounds(raw string, unit Unit) (lo, hi float64) {
	base, offset := parse(raw)
	lo = math.Max(0, base-math.Abs(offset))
	hi = math.Max(lo, base+math.Abs(offset))
	return lo * float64(unit), hi * float64(unit)
}

// parse splits "mean" or "mean,offset" into its parts. Anything that
// does not parse as a finite decimal collapses to zero.
func parse(raw string) (base, offset float64) {
	parts := strings.SplitN(raw, ",", 2)

	base = parseFinite(parts[0])
	if len(parts) == 2 {
		offset = parseFinite(parts[1])
	}
	return base, offset
}

func parseFinite(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
