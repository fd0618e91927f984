// Package protocol1 implements the OpenHPSDR Protocol 1 (Metis) wire
// machinery: a single UDP socket carrying discovery, start/stop, the 5-byte
// control word command set, and the interleaved multi-DDC IQ stream.
//
// The socket loop and sender-goroutine shape are adapted from the
// ka9q_ubersdr HPSDR bridge's Protocol1Server (mainThread/senderThread),
// restructured around this package's own RadioState/SignalGenerator/
// EchoBuffer rather than a live receiver pipeline.
package protocol1

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/ka9q/hpsdremu/internal/codec"
	"github.com/ka9q/hpsdremu/internal/echo"
	"github.com/ka9q/hpsdremu/internal/metrics"
	"github.com/ka9q/hpsdremu/internal/netutil"
	"github.com/ka9q/hpsdremu/internal/radio"
	"github.com/ka9q/hpsdremu/internal/signal"
	"github.com/ka9q/hpsdremu/internal/state"
)

// Port is the single UDP port Protocol 1 listens on for discovery, control
// and data.
const Port = 1024

// Firmware/hardware constants placed on the wire. These stand in for real
// Mercury/Penny/Metis board version numbers; hosts only display them.
const (
	firmwareCode  = 1
	protocolMajor = 0
	mercuryVer    = 34
	pennyVer      = 20
	metisVer      = 40
)

const (
	discoveryMagic0 = 0xEF
	discoveryMagic1 = 0xFE
	cmdDiscovery    = 0x02
	cmdStartStop    = 0x04
	cmdData         = 0x01

	dataPacketSize = 1032
	subFrameSize   = 512
	syncByte       = 0x7F

	endpointData = 0x06
)

// Server is the Protocol 1 UDP state machine described in spec §4.E.
type Server struct {
	cfg radio.Config
	st  *state.Radio
	gen *signal.Generator
	buf *echo.Buffer

	logger *log.Logger
	mtx    *metrics.Set

	conn *net.UDPConn

	sessionMu sync.Mutex
	sessionID string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Protocol 1 server over shared engine state. It does not
// open any socket until Start is called.
func New(cfg radio.Config, st *state.Radio, gen *signal.Generator, buf *echo.Buffer, logger *log.Logger, mtx *metrics.Set) *Server {
	return &Server{
		cfg:    cfg,
		st:     st,
		gen:    gen,
		buf:    buf,
		logger: logger.With("proto", "p1"),
		mtx:    mtx,
		stopCh: make(chan struct{}),
	}
}

// Start binds the UDP socket and launches the inbound and producer
// goroutines. It returns the socket bind error unchanged on failure.
func (s *Server) Start() error {
	conn, err := netutil.ListenUDPReusable(Port)
	if err != nil {
		return err
	}
	s.conn = conn
	s.logger.Info("listening", "port", Port)

	s.wg.Add(2)
	go s.recvLoop()
	go s.producerLoop()
	return nil
}

// Stop closes the socket and waits for both goroutines to exit, which must
// happen within one packet period per spec §5.
func (s *Server) Stop() {
	close(s.stopCh)
	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()
	s.logger.Info("stopped")
}

func (s *Server) recvLoop() {
	defer s.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("read error", "err", err)
			continue
		}
		s.handlePacket(buf[:n], addr)
	}
}

func (s *Server) handlePacket(buf []byte, addr *net.UDPAddr) {
	if len(buf) < 3 || buf[0] != discoveryMagic0 || buf[1] != discoveryMagic1 {
		s.logger.Debug("malformed datagram: bad magic", "len", len(buf))
		return
	}

	s.noteSession(addr)

	switch buf[2] {
	case cmdDiscovery:
		s.handleDiscovery(addr)
	case cmdStartStop:
		s.handleStartStop(buf, addr)
	case cmdData:
		s.handleData(buf)
	default:
		s.logger.Debug("malformed datagram: unknown command", "cmd", buf[2])
	}
}

// noteSession mints a fresh correlation id whenever the observed peer
// changes, mirroring the teacher bridge's per-receiver userSessionIDs.
func (s *Server) noteSession(addr *net.UDPAddr) {
	prev := s.st.Peer()
	if prev != nil && prev.String() == addr.String() {
		return
	}
	s.st.SetPeer(addr)
	s.sessionMu.Lock()
	s.sessionID = uuid.NewString()
	s.sessionMu.Unlock()
	s.logger.Info("new peer", "peer", addr, "session", s.sessionID)
}

func (s *Server) handleDiscovery(addr *net.UDPAddr) {
	resp := make([]byte, 60)
	resp[0] = discoveryMagic0
	resp[1] = discoveryMagic1
	if s.st.Running() {
		resp[2] = 0x03
	} else {
		resp[2] = 0x02
	}
	copy(resp[3:9], s.cfg.MAC)
	resp[9] = firmwareCode
	resp[10] = s.cfg.HW.BoardCode()
	resp[11] = protocolMajor
	resp[14] = mercuryVer
	resp[16] = pennyVer
	resp[18] = metisVer
	resp[20] = byte(s.cfg.HW.MaxDDCs())

	if _, err := s.conn.WriteToUDP(resp, addr); err != nil {
		s.logger.Warn("send failed", "kind", "discovery", "err", err)
		return
	}
	s.mtx.PacketsSent("p1", "discovery")
}

func (s *Server) handleStartStop(buf []byte, addr *net.UDPAddr) {
	if len(buf) < 4 {
		s.logger.Debug("malformed datagram: start/stop too short")
		return
	}
	run := buf[3]&0x01 != 0
	s.st.SetRunning(run)
	if run {
		s.gen.Reset()
		s.logger.Info("streaming started", "peer", addr)
	} else {
		s.logger.Info("streaming stopped", "peer", addr)
	}
}

func (s *Server) handleData(buf []byte) {
	if len(buf) < dataPacketSize {
		s.logger.Debug("malformed datagram: data packet too short", "len", len(buf))
		return
	}
	s.handleSubFrame(buf[8 : 8+subFrameSize])
	s.handleSubFrame(buf[8+subFrameSize : 8+2*subFrameSize])
}

func (s *Server) handleSubFrame(sf []byte) {
	if len(sf) < 8 || sf[0] != syncByte || sf[1] != syncByte || sf[2] != syncByte {
		s.logger.Debug("malformed datagram: missing subframe sync")
		return
	}
	c0, c1, c2, c3, c4 := sf[3], sf[4], sf[5], sf[6], sf[7]
	addr := c0 &^ 0x01
	pttBit := c0&0x01 != 0

	if s.st.SetPTT(pttBit) {
		// falling edge: commit before the next producer cycle reads.
		s.buf.CommitOnPTTRelease()
	}

	switch {
	case addr == 0x00:
		var rateHz int
		switch c1 & 0x03 {
		case 0:
			rateHz = 48000
		case 1:
			rateHz = 96000
		case 2:
			rateHz = 192000
		case 3:
			rateHz = 384000
		}
		if clamped := s.st.SetSampleRateHz(rateHz); clamped {
			s.logger.Warn("invariant: sample rate clamped", "requested", rateHz)
		}
		nddc := int((c4>>3)&0x07) + 1
		if clamped := s.st.SetNActiveDDC(nddc); clamped {
			s.logger.Warn("invariant: active DDC count clamped", "requested", nddc)
		}
		s.mtx.SetActiveDDC(s.st.NActiveDDC())

	case addr == 0x02:
		freq := be32(c1, c2, c3, c4)
		s.st.SetTXFreqHz(freq)

	case addr >= 0x04 && addr <= 0x10:
		ddc := int(addr-0x04) / 2
		freq := be32(c1, c2, c3, c4)
		s.st.SetRXFreqHz(ddc, freq)

	case addr == 0x12:
		s.st.SetTXDriveLevel(c1)

	default:
		s.logger.Debug("control word parsed, no mutation", "addr", addr)
	}
}

func be32(a, b, c, d byte) uint32 {
	return uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d)
}

// producerLoop emits data packets at the cadence implied by the current
// sample rate and DDC count, skipping ahead rather than queuing backlog if
// a send falls behind, per spec §5.
func (s *Server) producerLoop() {
	defer s.wg.Done()

	packet := make([]byte, dataPacketSize)
	timer := time.NewTimer(0)
	defer timer.Stop()

	var deadline time.Time
	for {
		select {
		case <-s.stopCh:
			return
		case <-timer.C:
		}

		if !s.st.Running() || s.st.Peer() == nil {
			deadline = time.Time{}
			timer.Reset(50 * time.Millisecond)
			continue
		}

		now := time.Now()
		if !deadline.IsZero() {
			s.mtx.SetProducerLag("p1", now.Sub(deadline).Seconds())
		}

		nddc := s.st.NActiveDDC()
		sampleRate := s.st.SampleRateHz()
		spr := SamplesPerSubFrame(nddc)
		s.buildPacket(packet, nddc, sampleRate, spr)

		peer, _ := s.st.Peer().(*net.UDPAddr)
		if peer != nil {
			if _, err := s.conn.WriteToUDP(packet, peer); err != nil {
				s.logger.Warn("send failed", "kind", "data", "err", err)
				s.mtx.PacketsDropped("p1")
			} else {
				s.mtx.PacketsSent("p1", "data")
			}
		}

		// packets/sec = sample_rate / (2*spr): each packet carries two
		// sub-frames' worth of spr samples per DDC.
		period := time.Duration(float64(2*spr) / float64(sampleRate) * float64(time.Second))
		deadline = now.Add(period)
		timer.Reset(period)
	}
}

// SamplesPerSubFrame returns spr = floor(504 / (6*nddc + 2)), the number of
// interleaved IQ+mic blocks that fit in one 504-byte sub-frame payload.
func SamplesPerSubFrame(nddc int) int {
	return 504 / (6*nddc + 2)
}

func (s *Server) buildPacket(packet []byte, nddc, sampleRate, spr int) {
	seq := s.st.NextSeqOut()

	packet[0] = discoveryMagic0
	packet[1] = discoveryMagic1
	packet[2] = cmdData
	packet[3] = endpointData
	packet[4] = byte(seq >> 24)
	packet[5] = byte(seq >> 16)
	packet[6] = byte(seq >> 8)
	packet[7] = byte(seq)

	s.buildSubFrame(packet[8:8+subFrameSize], nddc, sampleRate, spr)
	s.buildSubFrame(packet[8+subFrameSize:8+2*subFrameSize], nddc, sampleRate, spr)
}

func (s *Server) buildSubFrame(sf []byte, nddc, sampleRate, spr int) {
	for i := range sf {
		sf[i] = 0
	}
	sf[0], sf[1], sf[2] = syncByte, syncByte, syncByte

	addr := s.st.NextTelemetryAddr()
	ptt := s.st.PTT()
	var pttBit byte
	if ptt {
		pttBit = 0x01
	}
	sf[3] = addr | 0x80 | pttBit
	fillTelemetry(sf[4:8], addr, ptt, s.st.TXDriveLevel())

	payload := sf[8:]
	echoActive := s.cfg.EchoEnabled && !ptt && s.buf.HasPlayback()

	offset := 0
	blockSize := 6*nddc + 2
	for blk := 0; blk < spr && offset+blockSize <= len(payload); blk++ {
		for d := 0; d < nddc; d++ {
			var sample []complex128
			if d == 0 && echoActive {
				sample = s.buf.Read(1, s.st.RXFreqHz(0), sampleRate)
			} else {
				sample = s.gen.Generate(1, d, sampleRate)
			}
			iq := codec.PackIQ24(nil, sample)
			copy(payload[offset:offset+6], iq)
			offset += 6
		}
		mic := codec.PackMic16(nil, 0)
		copy(payload[offset:offset+2], mic)
		offset += 2
	}
}

// fillTelemetry writes the C1-C4 telemetry bytes for the given rotation
// address, following the table in spec §4.E. During TX the power registers
// carry synthetic values scaled by drive level; during RX they read zero
// except the fixed nominal supply voltage.
func fillTelemetry(dst []byte, addr byte, ptt bool, driveLevel uint8) {
	switch addr {
	case 0x00:
		dst[0], dst[1] = 0, 0 // ADC overflow=0, Mercury FW placeholder
		dst[2], dst[3] = 0, pennyVer
	case 0x08:
		exciter := synthPower(ptt, driveLevel, 1.0)
		fwd := synthPower(ptt, driveLevel, 0.9)
		putU16(dst[0:2], exciter)
		putU16(dst[2:4], fwd)
	case 0x10:
		rev := synthPower(ptt, driveLevel, 0.05)
		paVolts := synthPower(ptt, driveLevel, 0.5)
		putU16(dst[0:2], rev)
		putU16(dst[2:4], paVolts)
	case 0x18:
		paCurrent := synthPower(ptt, driveLevel, 0.3)
		putU16(dst[0:2], paCurrent)
		putU16(dst[2:4], 7000) // nominal 13.8V supply reading, always present
	}
}

func synthPower(ptt bool, driveLevel uint8, fraction float64) uint16 {
	if !ptt {
		return 0
	}
	return uint16(float64(driveLevel) * fraction * 32)
}

func putU16(dst []byte, v uint16) {
	dst[0] = byte(v >> 8)
	dst[1] = byte(v)
}
