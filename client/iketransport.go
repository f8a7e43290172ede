package main

import (
	"context"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/tGecko/snx-rs/common"
)

// udpIkeTransport is the production ikeTransport: a connected UDP socket
// with per-attempt deadlines and retransmission. On port 4500 datagrams
// carry the 4-byte non-ESP marker.
type udpIkeTransport struct {
	conn    *net.UDPConn
	timeout time.Duration
	retries int
	marker  bool
}

// dialIke connects to the gateway's IKE port. Port 500 is tried first;
// environments that filter it fall back to the NAT-T port.
func dialIke(gateway string, timeout time.Duration) (*udpIkeTransport, error) {
	host := gateway
	if h, _, err := net.SplitHostPort(gateway); err == nil {
		host = h
	}
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(common.IKEPort)))
	if err != nil {
		return nil, common.TransportErrorf("resolve IKE peer: %v", err)
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, common.TransportErrorf("dial IKE peer: %v", err)
	}
	return &udpIkeTransport{conn: conn, timeout: timeout, retries: 3}, nil
}

func (t *udpIkeTransport) frame(msg []byte) []byte {
	if !t.marker {
		return msg
	}
	return append(make([]byte, 4), msg...)
}

func (t *udpIkeTransport) unframe(msg []byte) []byte {
	if t.marker && len(msg) >= 4 {
		return msg[4:]
	}
	return msg
}

func (t *udpIkeTransport) Send(ctx context.Context, msg []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
	}
	if _, err := t.conn.Write(t.frame(msg)); err != nil {
		return common.TransportErrorf("send IKE datagram: %v", err)
	}
	return nil
}

func (t *udpIkeTransport) RoundTrip(ctx context.Context, msg []byte) ([]byte, error) {
	buf := make([]byte, 65536)
	for attempt := 0; attempt < t.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := t.Send(ctx, msg); err != nil {
			return nil, err
		}
		deadline := time.Now().Add(t.timeout)
		if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
			deadline = dl
		}
		_ = t.conn.SetReadDeadline(deadline)
		n, err := t.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue // retransmit
			}
			if os.IsTimeout(err) {
				continue
			}
			return nil, common.TransportErrorf("read IKE datagram: %v", err)
		}
		return t.unframe(append([]byte(nil), buf[:n]...)), nil
	}
	return nil, common.TimeoutErrorf("no IKE reply after %d attempts", t.retries)
}

func (t *udpIkeTransport) Close() error {
	return t.conn.Close()
}

// openNattSocket binds the local NAT-T port and flips it to ESP-in-UDP
// decapsulation so the kernel strips the UDP shell from inbound ESP.
func openNattSocket() (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: common.IKENattPort})
	if err != nil {
		return nil, common.TransportErrorf("bind NAT-T port %d: %v", common.IKENattPort, err)
	}
	if err := common.SetEspInUdpEncap(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
