// Package state holds the one piece of shared mutable data in the engine:
// RadioState. Every field is guarded independently (either a native atomic
// or a short-held mutex) so that frame producers and command handlers never
// block each other for longer than a single field access, per the
// concurrency discipline in spec §5.
package state

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/ka9q/hpsdremu/internal/radio"
)

// Radio is the shared mutable configuration and counters behind a single
// emulated radio. All getters/setters are safe for concurrent use; callers
// needing multiple consistent fields at once (none of the current protocol
// handlers do) would need their own higher-level lock, which this type
// deliberately does not provide.
type Radio struct {
	hw radio.Kind

	sampleRateHz int64 // atomic
	nActiveDDC   int64 // atomic

	txFreqHz int64 // atomic, holds uint32 value

	rxMu     sync.RWMutex
	rxFreqHz []uint32

	running       int32 // atomic bool
	ptt           int32 // atomic bool
	txDriveLevel  int32 // atomic
	seqOut        uint32 // atomic
	ctrlRotorIdx  uint32 // atomic

	peerMu sync.RWMutex
	peer   net.Addr
}

// New creates a Radio for the given hardware kind with the defaults from
// spec §3: 1 active DDC, 7.1 MHz on TX and every RX, 48 kHz sample rate.
// Callers that need the Protocol 2 default (192 kHz) should call
// SetSampleRateHz immediately after construction.
func New(hw radio.Kind) *Radio {
	r := &Radio{
		hw:           hw,
		sampleRateHz: 48000,
		nActiveDDC:   1,
		txFreqHz:     7100000,
		rxFreqHz:     make([]uint32, hw.MaxDDCs()),
	}
	for i := range r.rxFreqHz {
		r.rxFreqHz[i] = 7100000
	}
	return r
}

// HW returns the (immutable) hardware kind this state was created for.
func (r *Radio) HW() radio.Kind { return r.hw }

// SampleRateHz returns the current sample rate.
func (r *Radio) SampleRateHz() int { return int(atomic.LoadInt64(&r.sampleRateHz)) }

// SetSampleRateHz clamps invalid values into the allowed set, logging the
// clamp as an InternalInvariantViolation is the caller's responsibility
// since only the caller has a logger.
func (r *Radio) SetSampleRateHz(hz int) (clamped bool) {
	if !radio.ValidSampleRate(hz) {
		hz = 48000
		clamped = true
	}
	atomic.StoreInt64(&r.sampleRateHz, int64(hz))
	return clamped
}

// NActiveDDC returns the number of currently active DDCs.
func (r *Radio) NActiveDDC() int { return int(atomic.LoadInt64(&r.nActiveDDC)) }

// SetNActiveDDC clamps n into [1, hw.MaxDDCs()].
func (r *Radio) SetNActiveDDC(n int) (clamped bool) {
	max := r.hw.MaxDDCs()
	if n < 1 {
		n, clamped = 1, true
	} else if n > max {
		n, clamped = max, true
	}
	atomic.StoreInt64(&r.nActiveDDC, int64(n))
	return clamped
}

// TXFreqHz returns the current TX VFO frequency in Hz.
func (r *Radio) TXFreqHz() uint32 { return uint32(atomic.LoadInt64(&r.txFreqHz)) }

// SetTXFreqHz sets the TX VFO frequency in Hz.
func (r *Radio) SetTXFreqHz(hz uint32) { atomic.StoreInt64(&r.txFreqHz, int64(hz)) }

// RXFreqHz returns the RX frequency for DDC d, or 0 if d is out of range.
func (r *Radio) RXFreqHz(d int) uint32 {
	r.rxMu.RLock()
	defer r.rxMu.RUnlock()
	if d < 0 || d >= len(r.rxFreqHz) {
		return 0
	}
	return r.rxFreqHz[d]
}

// SetRXFreqHz sets the RX frequency for DDC d. Indices beyond max_ddcs are
// accepted but ignored per spec §4.E.
func (r *Radio) SetRXFreqHz(d int, hz uint32) {
	r.rxMu.Lock()
	defer r.rxMu.Unlock()
	if d < 0 || d >= len(r.rxFreqHz) {
		return
	}
	r.rxFreqHz[d] = hz
}

// Running reports whether the radio is currently streaming.
func (r *Radio) Running() bool { return atomic.LoadInt32(&r.running) != 0 }

// SetRunning sets the running flag. Transitioning false -> true resets
// seq_out to 0, as required by spec §3's invariant on stream restart.
func (r *Radio) SetRunning(v bool) {
	var want int32
	if v {
		want = 1
	}
	old := atomic.SwapInt32(&r.running, want)
	if v && old == 0 {
		atomic.StoreUint32(&r.seqOut, 0)
	}
}

// PTT reports the current push-to-talk state.
func (r *Radio) PTT() bool { return atomic.LoadInt32(&r.ptt) != 0 }

// SetPTT sets the push-to-talk state, returning true if this call is a
// falling edge (PTT released), the transition the echo buffer cares about.
func (r *Radio) SetPTT(v bool) (fallingEdge bool) {
	var want int32
	if v {
		want = 1
	}
	old := atomic.SwapInt32(&r.ptt, want)
	return old == 1 && want == 0
}

// TXDriveLevel returns the current TX drive level (0-255).
func (r *Radio) TXDriveLevel() uint8 { return uint8(atomic.LoadInt32(&r.txDriveLevel)) }

// SetTXDriveLevel sets the TX drive level.
func (r *Radio) SetTXDriveLevel(v uint8) { atomic.StoreInt32(&r.txDriveLevel, int32(v)) }

// NextSeqOut atomically increments and returns the prior sequence number,
// wrapping modulo 2^32 by virtue of plain uint32 overflow.
func (r *Radio) NextSeqOut() uint32 { return atomic.AddUint32(&r.seqOut, 1) - 1 }

// SeqOut returns the current sequence number without advancing it.
func (r *Radio) SeqOut() uint32 { return atomic.LoadUint32(&r.seqOut) }

// telemetryAddrs is the fixed rotation of Protocol 1 telemetry addresses
// from spec §4.E.
var telemetryAddrs = [4]byte{0x00, 0x08, 0x10, 0x18}

// NextTelemetryAddr advances the telemetry rotor one step and returns the
// address it lands on, cycling through {0x00, 0x08, 0x10, 0x18} in order.
func (r *Radio) NextTelemetryAddr() byte {
	idx := atomic.AddUint32(&r.ctrlRotorIdx, 1) - 1
	return telemetryAddrs[idx%uint32(len(telemetryAddrs))]
}

// Peer returns the last known host address for this protocol, or nil if no
// host has ever contacted this server.
func (r *Radio) Peer() net.Addr {
	r.peerMu.RLock()
	defer r.peerMu.RUnlock()
	return r.peer
}

// SetPeer records the most recent host address, for reply routing.
func (r *Radio) SetPeer(addr net.Addr) {
	r.peerMu.Lock()
	defer r.peerMu.Unlock()
	r.peer = addr
}
