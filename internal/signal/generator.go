// Package signal synthesizes the receive-channel IQ that stands in for a
// real antenna: a phase-continuous complex tone plus independent Gaussian
// noise on I and Q. The noise model follows the pattern documented by
// hz.tools/sdr's stream.Noise helper (math/rand.NormFloat64 scaled by a
// standard deviation) — this pack's own idiom for synthetic SDR noise.
package signal

import (
	"math"
	"math/rand"
	"sync"
)

// Generator produces per-DDC synthetic receive IQ. One Generator instance
// is shared by every active DDC on a protocol server; each DDC keeps its
// own phase accumulator so that a tone spanning many short buffer calls
// never shows a discontinuity at a buffer boundary.
type Generator struct {
	toneHz     float64
	noiseLevel float64
	rng        *rand.Rand

	mu    sync.Mutex
	phase map[int]float64
}

// New creates a Generator for the given tone frequency and noise standard
// deviation. seed pins the noise sequence for reproducible tests; pass
// time-derived entropy in production.
func New(toneHz, noiseLevel float64, seed int64) *Generator {
	return &Generator{
		toneHz:     toneHz,
		noiseLevel: noiseLevel,
		rng:        rand.New(rand.NewSource(seed)),
		phase:      make(map[int]float64),
	}
}

// Generate produces n complex samples for DDC ddc at the given sample
// rate, advancing that DDC's phase accumulator by 2*pi*toneHz/sampleRate
// per sample and wrapping it modulo 2*pi to preserve precision across
// arbitrarily many calls.
func (g *Generator) Generate(n int, ddc int, sampleRateHz int) []complex128 {
	out := make([]complex128, n)
	if sampleRateHz <= 0 {
		return out
	}

	step := 2 * math.Pi * g.toneHz / float64(sampleRateHz)

	g.mu.Lock()
	phase := g.phase[ddc]
	g.mu.Unlock()

	for i := 0; i < n; i++ {
		tone := complex(math.Cos(phase), math.Sin(phase))
		noise := complex(g.rng.NormFloat64()*g.noiseLevel, g.rng.NormFloat64()*g.noiseLevel)
		out[i] = tone + noise

		phase += step
		if phase >= 2*math.Pi {
			phase -= 2 * math.Pi
		} else if phase < 0 {
			phase += 2 * math.Pi
		}
	}

	g.mu.Lock()
	g.phase[ddc] = phase
	g.mu.Unlock()

	return out
}

// Reset clears every DDC's phase accumulator, used when a stream restarts
// so a fresh run does not inherit a prior run's phase.
func (g *Generator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.phase = make(map[int]float64)
}
