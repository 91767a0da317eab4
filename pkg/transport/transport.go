// Package transport provides the datagram endpoints the state machines
// run on: real UDP sockets, an error injecting decorator for exercising
// the recovery paths, and an in memory pair primarily used for testing.
package transport

import (
	"fmt"
	"net"
	"time"

	rcopy "github.com/sfontaine/rcopy"
)

// Receive buffer size. Comfortably above the largest datagram the protocol
// can produce: header plus maximum payload, 1407 octets.
const maxDatagram = 1500

// Conn is a UDP endpoint bound to a single peer, implementing
// rcopy.Transport. The socket is deliberately left unconnected: the
// server answers a FILENAME from a fresh per session port, so the
// receiver side has to adopt the source address of whatever it hears
// back. The server session side pins the peer instead.
type Conn struct {
	udp       *net.UDPConn
	peer      *net.UDPAddr
	trackPeer bool
	buf       []byte
}

// DialUDP resolves host (name or address) and binds an ephemeral local
// socket aimed at host:port. The receiver side entry point. The peer
// address follows the traffic: once the server moves the session to its
// ephemeral port, replies go there.
func DialUDP(host string, port uint16) (*Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("resolving %v: %w", host, err)
	}
	udp, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	return &Conn{udp: udp, peer: raddr, trackPeer: true, buf: make([]byte, maxDatagram)}, nil
}

func (c *Conn) Send(p []byte) error {
	_, err := c.udp.WriteToUDP(p, c.peer)
	return err
}

func (c *Conn) Recv(timeout time.Duration) ([]byte, error) {
	if err := c.udp.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	n, addr, err := c.udp.ReadFromUDP(c.buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, rcopy.ErrRecvTimeout
		}
		return nil, err
	}
	if c.trackPeer {
		c.peer = addr
	}
	out := make([]byte, n)
	copy(out, c.buf[:n])
	return out, nil
}

func (c *Conn) Close() error {
	return c.udp.Close()
}

// LocalPort returns the OS assigned local port, mostly for logging.
func (c *Conn) LocalPort() uint16 {
	if addr, ok := c.udp.LocalAddr().(*net.UDPAddr); ok {
		return uint16(addr.Port)
	}
	return 0
}

// Listener is the server's shared listening socket. It only ever receives;
// per session traffic moves to a fresh Conn from NewSessionConn.
type Listener struct {
	udp *net.UDPConn
	buf []byte
}

// ListenUDP binds the listening socket. port 0 lets the OS pick.
func ListenUDP(port uint16) (*Listener, error) {
	udp, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, err
	}
	return &Listener{udp: udp, buf: make([]byte, maxDatagram)}, nil
}

// RecvFrom blocks up to timeout for a datagram and returns it along with
// the peer it came from.
func (l *Listener) RecvFrom(timeout time.Duration) ([]byte, *net.UDPAddr, error) {
	if err := l.udp.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil, err
	}
	n, addr, err := l.udp.ReadFromUDP(l.buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, nil, rcopy.ErrRecvTimeout
		}
		return nil, nil, err
	}
	out := make([]byte, n)
	copy(out, l.buf[:n])
	return out, addr, nil
}

// NewSessionConn allocates a fresh socket on an OS assigned port, pinned
// to peer. The listening socket is left alone for the duration of the
// session.
func (l *Listener) NewSessionConn(peer *net.UDPAddr) (*Conn, error) {
	udp, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	return &Conn{udp: udp, peer: peer, buf: make([]byte, maxDatagram)}, nil
}

// Port returns the bound listening port.
func (l *Listener) Port() uint16 {
	if addr, ok := l.udp.LocalAddr().(*net.UDPAddr); ok {
		return uint16(addr.Port)
	}
	return 0
}

func (l *Listener) Close() error {
	return l.udp.Close()
}
