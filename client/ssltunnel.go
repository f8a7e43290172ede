package main

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tGecko/snx-rs/common"
)

// SslTunnel is the framed TLS transport: data frames shuttle IP packets
// between the TUN device and the gateway, control frames go to a buffered
// channel, keepalives track peer liveness.
type SslTunnel struct {
	conn   net.Conn
	params *common.TunnelParams
	log    *slog.Logger

	keepalive time.Duration

	// Control receives control-frame payloads. The buffer decouples a slow
	// consumer from the data path; overflow drops the oldest message.
	Control chan []byte

	lastHeard atomic.Int64 // unix nanos of the last frame from the peer

	closeOnce sync.Once
	closeErr  error

	writeMu sync.Mutex
}

// dialTunnel opens the TLS stream to the gateway's tunnel port.
func dialTunnel(ctx context.Context, gateway string, tlsCfg *tls.Config) (net.Conn, error) {
	addr := gateway
	if !strings.Contains(addr, ":") {
		addr += ":443"
	}
	d := tls.Dialer{Config: tlsCfg}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if common.IsKind(err, common.KindCertificate) {
			return nil, common.CertificateErrorf("tunnel TLS: %v", err)
		}
		return nil, common.TransportErrorf("dial tunnel: %v", err)
	}
	return conn, nil
}

// OpenSslTunnel performs the hello exchange over an established stream and
// returns the tunnel with its office-mode parameters.
func OpenSslTunnel(conn net.Conn, cookie string, keepalive time.Duration, log *slog.Logger) (*SslTunnel, error) {
	hello := common.BuildTunnelHello(cookie)
	if err := common.WriteFrame(conn, common.FrameControl, []byte(hello.Encode())); err != nil {
		conn.Close()
		return nil, err
	}
	kind, payload, err := common.ReadFrame(conn)
	if err != nil {
		conn.Close()
		if err == io.EOF {
			return nil, common.TransportErrorf("gateway closed during hello")
		}
		return nil, err
	}
	if kind != common.FrameControl {
		conn.Close()
		return nil, common.ProtocolErrorf("expected control frame in hello, got kind %d", kind)
	}
	params, err := common.ParseTunnelHelloReply(payload)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if params.Keepalive > 0 {
		keepalive = params.Keepalive
	}
	t := &SslTunnel{
		conn:      conn,
		params:    params,
		log:       log,
		keepalive: keepalive,
		Control:   make(chan []byte, 16),
	}
	t.lastHeard.Store(time.Now().UnixNano())
	return t, nil
}

// Params returns the office-mode snapshot from the hello reply.
func (t *SslTunnel) Params() *common.TunnelParams { return t.params }

func (t *SslTunnel) writeFrame(kind uint32, payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return common.WriteFrame(t.conn, kind, payload)
}

// Run moves packets until the context ends or the peer goes silent. tun is
// the local packet device; any io.ReadWriter works, tests use pipes.
func (t *SslTunnel) Run(ctx context.Context, tun io.ReadWriter) error {
	g, ctx := errgroup.WithContext(ctx)

	// Reader: demultiplex inbound frames.
	g.Go(func() error {
		for {
			kind, payload, err := common.ReadFrame(t.conn)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err == io.EOF {
					return common.TransportErrorf("gateway closed the tunnel")
				}
				return err
			}
			t.lastHeard.Store(time.Now().UnixNano())
			switch kind {
			case common.FrameData:
				if _, err := tun.Write(payload); err != nil {
					return common.TransportErrorf("tun write: %v", err)
				}
			case common.FrameControl:
				select {
				case t.Control <- payload:
				default:
					// Drop the oldest so the data path never blocks on a
					// slow control consumer.
					select {
					case <-t.Control:
					default:
					}
					t.Control <- payload
				}
			case common.FrameKeepalive:
				// Liveness only; already recorded above.
			}
		}
	})

	// Writer: TUN packets become data frames.
	g.Go(func() error {
		buf := make([]byte, common.MaxPacketSize)
		for {
			n, err := tun.Read(buf)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return common.TransportErrorf("tun read: %v", err)
			}
			if n == 0 || !common.IsIPPacket(buf[:n]) {
				continue
			}
			if err := t.writeFrame(common.FrameData, buf[:n]); err != nil {
				return err
			}
		}
	})

	// Keepalive: probe on the interval, fail after three silent intervals.
	g.Go(func() error {
		ticker := time.NewTicker(t.keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := t.writeFrame(common.FrameKeepalive, nil); err != nil {
					return err
				}
				silent := time.Since(time.Unix(0, t.lastHeard.Load()))
				if silent > 3*t.keepalive {
					return common.TransportErrorf("gateway silent for %s (keepalive %s)", silent.Round(time.Second), t.keepalive)
				}
			}
		}
	})

	// Unblock the reader and writer when the group dies for any reason.
	g.Go(func() error {
		<-ctx.Done()
		t.Close()
		if c, ok := tun.(io.Closer); ok {
			c.Close()
		}
		return ctx.Err()
	})

	err := g.Wait()
	t.Close()
	return err
}

// Close shuts the stream down. Idempotent.
func (t *SslTunnel) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
