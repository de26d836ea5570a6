// Package source defines the byte-source contract the Frame Reader reads
// from (spec.md §6) and a thin net.ListenMulticastUDP-backed
// implementation for the deployed system.
//
// The contract deliberately has no seek and no metadata: a Source is just
// something with bytes arriving in order, closed exactly once. Multicast
// group management itself is an external collaborator — Go's standard
// library already does this well — so the implementation here is a small
// adapter, not a reimplementation.
package source

import (
	"errors"
	"net"

	"code.hybscloud.com/iox"
)

// Source is the byte-source contract: read up to len(buf) bytes into buf.
// n==0 normally pairs with either io.EOF-shaped behavior (via the EOF
// bool) or an error; Multicast also returns n==0 with a nil error and a
// false EOF for an empty datagram. iox.ErrWouldBlock
// signals "interrupted, caller retries" per spec.md §6.
type Source interface {
	Read(buf []byte) (n int, eof bool, err error)
	Close() error
}

// Multicast is a Source backed by an IPv4 multicast UDP socket. The port
// is derived from the least-significant octet of the group address, per
// spec.md §6.
type Multicast struct {
	conn *net.UDPConn
}

// Port computes the per-channel UDP port for a multicast group address,
// by spec.md §6's rule: derived from the group address's low octet.
func Port(base int, group net.IP) int {
	ip4 := group.To4()
	if ip4 == nil {
		return base
	}
	return base + int(ip4[3])
}

// DialMulticast joins the IPv4 multicast group on iface, listening on the
// port Port(basePort, group) computes.
func DialMulticast(iface *net.Interface, group net.IP, basePort int) (*Multicast, error) {
	port := Port(basePort, group)
	addr := &net.UDPAddr{IP: group, Port: port}
	conn, err := net.ListenMulticastUDP("udp4", iface, addr)
	if err != nil {
		return nil, err
	}
	return &Multicast{conn: conn}, nil
}

// Read implements Source. A timeout or EAGAIN/EWOULDBLOCK from the
// underlying socket is surfaced as iox.ErrWouldBlock so callers retry
// rather than treating it as a terminal IO error.
func (m *Multicast) Read(buf []byte) (n int, eof bool, err error) {
	n, err = m.conn.Read(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return n, false, iox.ErrWouldBlock
		}
		if errors.Is(err, net.ErrClosed) {
			return n, true, nil
		}
		return n, false, err
	}
	return n, false, nil
}

// Close implements Source.
func (m *Multicast) Close() error { return m.conn.Close() }

// String reports the local socket address, for log lines.
func (m *Multicast) String() string {
	return "multicast(" + m.conn.LocalAddr().String() + ")"
}
