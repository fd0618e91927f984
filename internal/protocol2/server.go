// Package protocol2 implements the OpenHPSDR Protocol 2 wire machinery: six
// inbound UDP sockets (ports 1024-1029), per-DDC IQ streams on 1035+d, and
// a 10 Hz high-priority status emitter.
//
// The per-port socket layout and goroutine-per-port shape are adapted from
// ka9q_ubersdr's HPSDR bridge Protocol2Server (discoveryThread/
// highPriorityThread/ddcSpecificThread/receiverThread), restructured around
// this package's own RadioState/SignalGenerator/EchoBuffer.
package protocol2

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"
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

// Port assignments from spec §4.F / §6.
const (
	PortDiscovery = 1024
	PortDDCSpec   = 1025 // inbound: DDC config. outbound: HP status.
	PortTXSpec    = 1026 // inbound: TX config. outbound: mic.
	PortHighPrio  = 1027
	PortTXAudio   = 1028
	PortTXIQ      = 1029
	PortDDC0      = 1035

	firmwareVersion = 72
	protocolVersion = 8

	samplesPerPacket = 238
	bitsPerSample    = 24

	hpStatusHz = 10
	micHz      = 48000
	micSamples = 64
)

// Server is the Protocol 2 multi-port UDP dispatcher described in
// spec §4.F.
type Server struct {
	cfg radio.Config
	st  *state.Radio
	gen *signal.Generator
	buf *echo.Buffer

	logger *log.Logger
	mtx    *metrics.Set

	discoverySock *net.UDPConn
	ddcSpecSock   *net.UDPConn
	txSpecSock    *net.UDPConn
	hpSock        *net.UDPConn
	txAudioSock   *net.UDPConn
	txIQSock      *net.UDPConn
	ddcSocks      []*net.UDPConn

	enabledMu sync.RWMutex
	enabled   []bool

	ddcTimestamps []uint64 // per-DDC monotonic sample count, atomic

	sessionMu sync.Mutex
	sessionID string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Protocol 2 server over shared engine state.
func New(cfg radio.Config, st *state.Radio, gen *signal.Generator, buf *echo.Buffer, logger *log.Logger, mtx *metrics.Set) *Server {
	return &Server{
		cfg:           cfg,
		st:            st,
		gen:           gen,
		buf:           buf,
		logger:        logger.With("proto", "p2"),
		mtx:           mtx,
		enabled:       make([]bool, cfg.HW.MaxDDCs()),
		ddcTimestamps: make([]uint64, cfg.HW.MaxDDCs()),
		stopCh:        make(chan struct{}),
	}
}

// Start binds every inbound/outbound socket and launches one goroutine per
// port plus the high-priority status emitter.
func (s *Server) Start() error {
	var err error
	bind := netutil.ListenUDPReusable

	if s.discoverySock, err = bind(PortDiscovery); err != nil {
		return err
	}
	if s.ddcSpecSock, err = bind(PortDDCSpec); err != nil {
		return err
	}
	if s.txSpecSock, err = bind(PortTXSpec); err != nil {
		return err
	}
	if s.hpSock, err = bind(PortHighPrio); err != nil {
		return err
	}
	if s.txAudioSock, err = bind(PortTXAudio); err != nil {
		return err
	}
	if s.txIQSock, err = bind(PortTXIQ); err != nil {
		return err
	}

	s.ddcSocks = make([]*net.UDPConn, s.cfg.HW.MaxDDCs())
	for d := range s.ddcSocks {
		conn, err := bind(PortDDC0 + d)
		if err != nil {
			return err
		}
		s.ddcSocks[d] = conn
	}

	s.logger.Info("listening", "ports", []int{PortDiscovery, PortDDCSpec, PortTXSpec, PortHighPrio, PortTXAudio, PortTXIQ})

	goroutines := []func(){
		s.recvLoop("discovery", s.discoverySock, s.handleDiscoveryPort),
		s.recvLoop("ddcspec", s.ddcSpecSock, s.handleDDCSpec),
		s.recvLoop("txspec", s.txSpecSock, s.handleTXSpec),
		s.recvLoop("highprio", s.hpSock, s.handleHighPrio),
		s.recvLoop("txaudio", s.txAudioSock, s.handleTXAudio),
		s.recvLoop("txiq", s.txIQSock, s.handleTXIQ),
		s.hpStatusLoop,
		s.micLoop,
	}
	for d := range s.ddcSocks {
		goroutines = append(goroutines, s.ddcProducerLoop(d))
	}

	s.wg.Add(len(goroutines))
	for _, fn := range goroutines {
		go fn()
	}
	return nil
}

// Stop closes every socket and waits for all goroutines to exit.
func (s *Server) Stop() {
	close(s.stopCh)
	for _, c := range append([]*net.UDPConn{s.discoverySock, s.ddcSpecSock, s.txSpecSock, s.hpSock, s.txAudioSock, s.txIQSock}, s.ddcSocks...) {
		if c != nil {
			c.Close()
		}
	}
	s.wg.Wait()
	s.logger.Info("stopped")
}

// recvLoop returns a goroutine body that reads datagrams from conn and
// dispatches them to handle until stopCh closes.
func (s *Server) recvLoop(name string, conn *net.UDPConn, handle func([]byte, *net.UDPAddr)) func() {
	return func() {
		defer s.wg.Done()
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				select {
				case <-s.stopCh:
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("read error", "socket", name, "err", err)
				continue
			}
			handle(buf[:n], addr)
		}
	}
}

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

func (s *Server) handleDiscoveryPort(buf []byte, addr *net.UDPAddr) {
	if len(buf) != 60 || buf[0] != 0 || buf[1] != 0 || buf[2] != 0 {
		s.logger.Debug("malformed datagram: bad discovery header", "len", len(buf))
		return
	}
	switch buf[4] {
	case 0x02:
		s.handleDiscovery(addr)
	case 0x00:
		s.noteSession(addr)
		s.handleGeneral(buf)
	default:
		s.logger.Debug("malformed datagram: unknown discovery-port status", "byte4", buf[4])
	}
}

func (s *Server) handleDiscovery(addr *net.UDPAddr) {
	resp := make([]byte, 60)
	if s.st.Running() {
		resp[4] = 0x03
	} else {
		resp[4] = 0x02
	}
	copy(resp[5:11], s.cfg.MAC)
	resp[11] = s.cfg.HW.BoardCode()
	resp[12] = firmwareVersion
	resp[13] = protocolVersion
	resp[20] = byte(s.cfg.HW.MaxDDCs())

	if _, err := s.discoverySock.WriteToUDP(resp, addr); err != nil {
		s.logger.Warn("send failed", "kind", "discovery", "err", err)
		return
	}
	s.mtx.PacketsSent("p2", "discovery")
}

func (s *Server) handleGeneral(buf []byte) {
	s.st.SetRunning(true)
	s.gen.Reset()
	s.logger.Info("general packet received, radio armed")
}

func (s *Server) handleDDCSpec(buf []byte, addr *net.UDPAddr) {
	if len(buf) != 1444 {
		s.logger.Debug("malformed datagram: ddc spec wrong size", "len", len(buf))
		return
	}
	s.noteSession(addr)

	mask := buf[7]
	s.enabledMu.Lock()
	active := 0
	for d := range s.enabled {
		if d < 8 {
			s.enabled[d] = mask&(1<<uint(d)) != 0
		}
		if s.enabled[d] {
			active++
		}
	}
	s.enabledMu.Unlock()
	s.mtx.SetActiveDDC(active)

	for d := 0; d < s.cfg.HW.MaxDDCs() && 18+6*d+2 <= len(buf); d++ {
		khz := binary.BigEndian.Uint16(buf[18+6*d : 18+6*d+2])
		if khz == 0 {
			continue
		}
		if clamped := s.st.SetSampleRateHz(int(khz) * 1000); clamped {
			s.logger.Warn("invariant: sample rate clamped", "requested_khz", khz)
		}
	}
}

func (s *Server) handleTXSpec(buf []byte, addr *net.UDPAddr) {
	s.noteSession(addr)
	s.logger.Debug("tx-specific packet received, not mutating state", "len", len(buf))
}

func (s *Server) handleHighPrio(buf []byte, addr *net.UDPAddr) {
	if len(buf) != 1444 {
		s.logger.Debug("malformed datagram: high priority wrong size", "len", len(buf))
		return
	}
	s.noteSession(addr)

	running := buf[4]&0x01 != 0
	ptt := buf[4]&0x02 != 0

	s.st.SetRunning(running)
	if s.st.SetPTT(ptt) {
		s.buf.CommitOnPTTRelease()
	}

	for d := 0; d < 12 && 9+4*d+4 <= len(buf); d++ {
		freq := binary.BigEndian.Uint32(buf[9+4*d : 9+4*d+4])
		s.st.SetRXFreqHz(d, freq)
	}
	if len(buf) >= 333 {
		s.st.SetTXFreqHz(binary.BigEndian.Uint32(buf[329:333]))
	}
	if len(buf) > 345 {
		s.st.SetTXDriveLevel(buf[345])
	}
}

func (s *Server) handleTXAudio(buf []byte, addr *net.UDPAddr) {
	s.noteSession(addr)
	s.logger.Debug("tx audio received, discarded", "len", len(buf))
}

func (s *Server) handleTXIQ(buf []byte, addr *net.UDPAddr) {
	if len(buf) < 4 {
		s.logger.Debug("malformed datagram: tx iq too short", "len", len(buf))
		return
	}
	s.noteSession(addr)

	if !s.cfg.EchoEnabled || !s.st.PTT() {
		return
	}
	samples := codec.UnpackIQ24(buf[4:])
	s.buf.Record(samples, s.st.TXFreqHz())
}

func (s *Server) ddcEnabled(d int) bool {
	s.enabledMu.RLock()
	defer s.enabledMu.RUnlock()
	if d < 0 || d >= len(s.enabled) {
		return false
	}
	return s.enabled[d]
}

// ddcProducerLoop returns the goroutine body streaming DDC d's IQ on port
// 1035+d at samplesPerPacket cadence.
func (s *Server) ddcProducerLoop(d int) func() {
	return func() {
		defer s.wg.Done()

		packet := make([]byte, 16+samplesPerPacket*6)
		binary.BigEndian.PutUint16(packet[12:14], bitsPerSample)
		binary.BigEndian.PutUint16(packet[14:16], samplesPerPacket)

		var seq uint32
		timer := time.NewTimer(time.Second)
		defer timer.Stop()

		var deadline time.Time
		for {
			select {
			case <-s.stopCh:
				return
			case <-timer.C:
			}

			sampleRate := s.st.SampleRateHz()
			if !s.st.Running() || !s.ddcEnabled(d) || s.st.Peer() == nil {
				seq = 0
				deadline = time.Time{}
				timer.Reset(50 * time.Millisecond)
				continue
			}

			now := time.Now()
			if !deadline.IsZero() {
				s.mtx.SetProducerLag("p2", now.Sub(deadline).Seconds())
			}

			binary.BigEndian.PutUint32(packet[0:4], seq)
			binary.BigEndian.PutUint64(packet[4:12], s.nextTimestamp(d))

			echoActive := d == 0 && s.cfg.EchoEnabled && !s.st.PTT() && s.buf.HasPlayback()
			var samples []complex128
			if echoActive {
				samples = s.buf.Read(samplesPerPacket, s.st.RXFreqHz(0), sampleRate)
			} else {
				samples = s.gen.Generate(samplesPerPacket, d, sampleRate)
			}
			packet = codec.PackIQ24(packet[:16], samples)

			peer, _ := s.st.Peer().(*net.UDPAddr)
			if peer != nil {
				if _, err := s.ddcSocks[d].WriteToUDP(packet, peer); err != nil {
					s.logger.Warn("send failed", "kind", "ddc-iq", "ddc", d, "err", err)
					s.mtx.PacketsDropped("p2")
				} else {
					s.mtx.PacketsSent("p2", "ddc-iq")
					seq++
				}
			}

			period := time.Duration(float64(samplesPerPacket) / float64(sampleRate) * float64(time.Second))
			deadline = now.Add(period)
			timer.Reset(period)
		}
	}
}

func (s *Server) nextTimestamp(d int) uint64 {
	return atomic.AddUint64(&s.ddcTimestamps[d], samplesPerPacket)
}

// hpStatusLoop emits the 60-byte high-priority status packet on port 1025
// at a fixed 10 Hz, independent of DDC streaming.
func (s *Server) hpStatusLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second / hpStatusHz)
	defer ticker.Stop()

	var seq uint32
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
		if !s.st.Running() || s.st.Peer() == nil {
			seq = 0
			continue
		}
		peer, _ := s.st.Peer().(*net.UDPAddr)
		if peer == nil {
			continue
		}

		status := make([]byte, 60)
		binary.BigEndian.PutUint32(status[0:4], seq)
		ptt := s.st.PTT()
		if ptt {
			status[4] |= 0x01
		}
		status[5] = 0 // ADC overload

		drive := float64(s.st.TXDriveLevel())
		exciter := uint16(0)
		fwd := uint16(0)
		rev := uint16(0)
		if ptt {
			exciter = uint16(drive * 32)
			fwd = uint16(drive * 30)
			rev = uint16(drive * 2)
		}
		binary.BigEndian.PutUint16(status[6:8], exciter)
		binary.BigEndian.PutUint16(status[14:16], fwd)
		binary.BigEndian.PutUint16(status[22:24], rev)

		if _, err := s.ddcSpecSock.WriteToUDP(status, peer); err != nil {
			s.logger.Warn("send failed", "kind", "hp-status", "err", err)
			s.mtx.PacketsDropped("p2")
		} else {
			s.mtx.PacketsSent("p2", "hp-status")
			seq++
		}
	}
}

// micLoop emits silent 132-byte microphone frames on port 1026 at 48 kHz
// in 64-sample blocks.
func (s *Server) micLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(float64(micSamples) / float64(micHz) * float64(time.Second)))
	defer ticker.Stop()

	var seq uint32
	frame := make([]byte, 4+micSamples*2)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
		if !s.st.Running() || s.st.Peer() == nil {
			seq = 0
			continue
		}
		peer, _ := s.st.Peer().(*net.UDPAddr)
		if peer == nil {
			continue
		}
		binary.BigEndian.PutUint32(frame[0:4], seq)
		if _, err := s.txSpecSock.WriteToUDP(frame, peer); err != nil {
			s.logger.Warn("send failed", "kind", "mic", "err", err)
			s.mtx.PacketsDropped("p2")
		} else {
			s.mtx.PacketsSent("p2", "mic")
			seq++
		}
	}
}
