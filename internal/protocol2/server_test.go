package protocol2

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ka9q/hpsdremu/internal/echo"
	"github.com/ka9q/hpsdremu/internal/metrics"
	"github.com/ka9q/hpsdremu/internal/radio"
	"github.com/ka9q/hpsdremu/internal/signal"
	"github.com/ka9q/hpsdremu/internal/state"
)

func newTestServer(t *testing.T, echoEnabled bool) (*Server, *state.Radio, *echo.Buffer) {
	t.Helper()
	cfg := radio.Config{
		HW:          radio.Hermes,
		MAC:         net.HardwareAddr{0x00, 0x1C, 0xC0, 0x00, 0x00, 0x02},
		ToneHz:      1000,
		NoiseLevel:  0,
		EchoEnabled: echoEnabled,
	}
	st := state.New(cfg.HW)
	st.SetSampleRateHz(192000)
	gen := signal.New(cfg.ToneHz, cfg.NoiseLevel, 1)
	buf := echo.New()
	logger := log.New(io.Discard)
	srv := New(cfg, st, gen, buf, logger, metrics.NewSet())
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv, st, buf
}

func dialPort(t *testing.T, port int) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDiscoveryP2(t *testing.T) {
	newTestServer(t, false)
	conn := dialPort(t, PortDiscovery)

	req := make([]byte, 60)
	req[4] = 0x02
	_, err := conn.Write(req)
	require.NoError(t, err)

	resp := make([]byte, 128)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(resp)
	require.NoError(t, err)
	require.Equal(t, 60, n)

	assert.Equal(t, byte(0x02), resp[4])
	assert.Equal(t, radio.Hermes.BoardCode(), resp[11])
	assert.Equal(t, byte(4), resp[20])
}

func enableAndArm(t *testing.T, general, ddcSpec, hp *net.UDPConn, st *state.Radio) {
	t.Helper()

	genPkt := make([]byte, 60)
	_, err := general.Write(genPkt)
	require.NoError(t, err)
	require.Eventually(t, st.Running, time.Second, 5*time.Millisecond)

	ddcPkt := make([]byte, 1444)
	ddcPkt[7] = 0x01 // enable DDC0
	binary.BigEndian.PutUint16(ddcPkt[18:20], 192) // 192 kHz
	_, err = ddcSpec.Write(ddcPkt)
	require.NoError(t, err)

	hpPkt := make([]byte, 1444)
	hpPkt[4] = 0x01 // running
	binary.BigEndian.PutUint32(hpPkt[9:13], 7100000)
	_, err = hp.Write(hpPkt)
	require.NoError(t, err)
}

func TestStreamingP2(t *testing.T) {
	_, st, _ := newTestServer(t, false)

	general := dialPort(t, PortDiscovery)
	ddcSpec := dialPort(t, PortDDCSpec)
	hp := dialPort(t, PortHighPrio)

	enableAndArm(t, general, ddcSpec, hp, st)

	ddc0 := dialPort(t, PortDDC0)
	buf := make([]byte, 2048)
	ddc0.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := ddc0.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 1444, n)

	assert.Equal(t, uint16(bitsPerSample), binary.BigEndian.Uint16(buf[12:14]))
	assert.Equal(t, uint16(samplesPerPacket), binary.BigEndian.Uint16(buf[14:16]))
}

func TestHighPrioStatusP2(t *testing.T) {
	_, st, _ := newTestServer(t, false)

	general := dialPort(t, PortDiscovery)
	ddcSpec := dialPort(t, PortDDCSpec)
	hp := dialPort(t, PortHighPrio)

	enableAndArm(t, general, ddcSpec, hp, st)

	buf := make([]byte, 128)
	ddcSpec.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := ddcSpec.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 60, n)
}

func TestPTTCommitsEchoBufferP2(t *testing.T) {
	_, st, buf := newTestServer(t, true)

	general := dialPort(t, PortDiscovery)
	ddcSpec := dialPort(t, PortDDCSpec)
	hp := dialPort(t, PortHighPrio)
	txIQ := dialPort(t, PortTXIQ)

	enableAndArm(t, general, ddcSpec, hp, st)

	pttOn := make([]byte, 1444)
	pttOn[4] = 0x01 | 0x02
	binary.BigEndian.PutUint32(pttOn[9:13], 7100000)
	_, err := hp.Write(pttOn)
	require.NoError(t, err)
	require.Eventually(t, st.PTT, time.Second, 5*time.Millisecond)

	iqPkt := make([]byte, 4+60*6)
	_, err = txIQ.Write(iqPkt)
	require.NoError(t, err)

	pttOff := make([]byte, 1444)
	pttOff[4] = 0x01
	binary.BigEndian.PutUint32(pttOff[9:13], 7100000)
	_, err = hp.Write(pttOff)
	require.NoError(t, err)

	require.Eventually(t, buf.HasPlayback, time.Second, 5*time.Millisecond)
}
