// Package netutil provides the SO_REUSEADDR/SO_REUSEPORT socket setup the
// protocol servers need so that a restarted or second emulator instance can
// rebind the same well-known HPSDR ports without waiting out TIME_WAIT, the
// same way ka9q_ubersdr's createListenConfig/setSocketOptions do for its own
// HPSDR bridge sockets.
package netutil

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenUDPReusable binds a UDP socket on port with SO_REUSEADDR and
// SO_REUSEPORT set before bind, so multiple emulator instances (or a quick
// restart of the same one) can share the port.
func ListenUDPReusable(port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = err
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					sockErr = err
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", (&net.UDPAddr{Port: port}).String())
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
