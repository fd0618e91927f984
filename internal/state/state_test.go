package state

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ka9q/hpsdremu/internal/radio"
)

func TestNewDefaults(t *testing.T) {
	r := New(radio.Hermes)
	assert.Equal(t, 48000, r.SampleRateHz())
	assert.Equal(t, 1, r.NActiveDDC())
	assert.Equal(t, uint32(7100000), r.TXFreqHz())
	assert.Equal(t, uint32(7100000), r.RXFreqHz(0))
	assert.False(t, r.Running())
	assert.False(t, r.PTT())
}

func TestSetNActiveDDCClamps(t *testing.T) {
	r := New(radio.Hermes) // MaxDDCs = 4
	clamped := r.SetNActiveDDC(0)
	assert.True(t, clamped)
	assert.Equal(t, 1, r.NActiveDDC())

	clamped = r.SetNActiveDDC(99)
	assert.True(t, clamped)
	assert.Equal(t, 4, r.NActiveDDC())

	clamped = r.SetNActiveDDC(3)
	assert.False(t, clamped)
	assert.Equal(t, 3, r.NActiveDDC())
}

func TestSetSampleRateHzClamps(t *testing.T) {
	r := New(radio.Hermes)
	clamped := r.SetSampleRateHz(123456)
	assert.True(t, clamped)
	assert.Equal(t, 48000, r.SampleRateHz())

	clamped = r.SetSampleRateHz(192000)
	assert.False(t, clamped)
	assert.Equal(t, 192000, r.SampleRateHz())
}

func TestRunningResetsSeqOut(t *testing.T) {
	r := New(radio.Hermes)
	r.NextSeqOut()
	r.NextSeqOut()
	assert.Equal(t, uint32(2), r.SeqOut())

	r.SetRunning(true)
	assert.Equal(t, uint32(0), r.SeqOut())

	// already running: no further reset
	r.NextSeqOut()
	r.SetRunning(true)
	assert.Equal(t, uint32(1), r.SeqOut())
}

func TestPTTFallingEdge(t *testing.T) {
	r := New(radio.Hermes)
	assert.False(t, r.SetPTT(true))
	assert.True(t, r.PTT())
	assert.True(t, r.SetPTT(false))
	assert.False(t, r.SetPTT(false))
}

func TestRXFreqOutOfRangeIgnored(t *testing.T) {
	r := New(radio.Hermes)
	r.SetRXFreqHz(99, 14000000)
	assert.Equal(t, uint32(0), r.RXFreqHz(99))
}

func TestTelemetryRotation(t *testing.T) {
	r := New(radio.Hermes)
	var got []byte
	for i := 0; i < 8; i++ {
		got = append(got, r.NextTelemetryAddr())
	}
	assert.Equal(t, []byte{0x00, 0x08, 0x10, 0x18, 0x00, 0x08, 0x10, 0x18}, got)
}

func TestPeerRoundTrip(t *testing.T) {
	r := New(radio.Hermes)
	assert.Nil(t, r.Peer())

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
	r.SetPeer(addr)
	assert.Equal(t, addr, r.Peer())
}
