package echo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadBeforeCommitIsZero(t *testing.T) {
	b := New()
	out := b.Read(16, 7100000, 48000)
	for _, s := range out {
		assert.Equal(t, complex(0, 0), s)
	}
}

func TestRecordCommitReadCursorResets(t *testing.T) {
	b := New()
	samples := make([]complex128, 256)
	for i := range samples {
		theta := 2 * math.Pi * 500 * float64(i) / 48000
		samples[i] = complex(math.Cos(theta), math.Sin(theta))
	}
	b.Record(samples, 7100000)
	b.CommitOnPTTRelease()

	// zero frequency delta (txFreq == rxFreq): shift phasor is identity, so
	// the first sample read back must equal the first recorded sample,
	// scaled only by the attenuation factor.
	out := b.Read(1, 7100000, 48000)
	want := samples[0] * complex(attenuation, 0)
	assert.InDelta(t, real(want), real(out[0]), 1e-9)
	assert.InDelta(t, imag(want), imag(out[0]), 1e-9)
}

func TestReadLoopsAndAttenuates(t *testing.T) {
	b := New()
	samples := []complex128{complex(1, 0), complex(0, 1), complex(-1, 0)}
	b.Record(samples, 7100000)
	b.CommitOnPTTRelease()

	out := b.Read(7, 7100000, 48000)
	for i, s := range out {
		want := samples[i%len(samples)] * complex(attenuation, 0)
		assert.InDelta(t, real(want), real(s), 1e-9)
		assert.InDelta(t, imag(want), imag(s), 1e-9)
	}
}

func TestReadAppliesFrequencyShift(t *testing.T) {
	b := New()
	n := 4800
	samples := make([]complex128, n)
	for i := range samples {
		samples[i] = complex(1, 0) // DC burst at TX
	}
	b.Record(samples, 7100000)
	b.CommitOnPTTRelease()

	// rx 100 Hz below tx: delta = +100 Hz shift applied on read.
	out := b.Read(480, 7099900, 48000)
	step := 2 * math.Pi * 100 / 48000
	for i, s := range out {
		wantPhase := step * float64(i)
		want := complex(math.Cos(wantPhase), math.Sin(wantPhase)) * complex(attenuation, 0)
		assert.InDelta(t, real(want), real(s), 1e-6)
		assert.InDelta(t, imag(want), imag(s), 1e-6)
	}
}

func TestHasPlayback(t *testing.T) {
	b := New()
	assert.False(t, b.HasPlayback())
	b.Record([]complex128{complex(1, 0)}, 7100000)
	assert.False(t, b.HasPlayback(), "scratch alone is not committed playback")
	b.CommitOnPTTRelease()
	assert.True(t, b.HasPlayback())
}
