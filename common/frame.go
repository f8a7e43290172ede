package common

import (
	"encoding/binary"
	"io"
	"strconv"
)

const (
	ProtoVersion  = 1
	MaxPacketSize = 1500
	MTU           = 1350

	// Frame kinds on the TLS-encapsulated tunnel stream.
	FrameControl   = 1
	FrameData      = 2
	FrameKeepalive = 3

	// FrameHeaderSize is the fixed length prefix: payload length then kind,
	// both big-endian uint32.
	FrameHeaderSize = 8

	// MaxFramePayload bounds a single unit. Anything larger is a protocol
	// violation, not a resize hint.
	MaxFramePayload = 65535
)

// FrameHeader prefixes every unit on the SSL tunnel stream.
type FrameHeader struct {
	Length uint32
	Kind   uint32
}

func (h *FrameHeader) Marshal() []byte {
	buf := make([]byte, FrameHeaderSize)
	binary.BigEndian.PutUint32(buf[0:], h.Length)
	binary.BigEndian.PutUint32(buf[4:], h.Kind)
	return buf
}

func (h *FrameHeader) Unmarshal(data []byte) error {
	if len(data) < FrameHeaderSize {
		return ProtocolErrorf("frame header too short: %d", len(data))
	}
	h.Length = binary.BigEndian.Uint32(data[0:])
	h.Kind = binary.BigEndian.Uint32(data[4:])
	return nil
}

func validFrameKind(kind uint32) bool {
	return kind == FrameControl || kind == FrameData || kind == FrameKeepalive
}

// EncodeFrame builds header+payload for one unit.
func EncodeFrame(kind uint32, payload []byte) ([]byte, error) {
	if !validFrameKind(kind) {
		return nil, ProtocolErrorf("unknown frame kind %d", kind)
	}
	if len(payload) > MaxFramePayload {
		return nil, ProtocolErrorf("frame payload %d exceeds limit %d", len(payload), MaxFramePayload)
	}
	h := FrameHeader{Length: uint32(len(payload)), Kind: kind}
	buf := make([]byte, 0, FrameHeaderSize+len(payload))
	buf = append(buf, h.Marshal()...)
	buf = append(buf, payload...)
	return buf, nil
}

// DecodeFrame splits one unit out of a buffer.
func DecodeFrame(data []byte) (kind uint32, payload []byte, err error) {
	var h FrameHeader
	if err := h.Unmarshal(data); err != nil {
		return 0, nil, err
	}
	if !validFrameKind(h.Kind) {
		return 0, nil, ProtocolErrorf("unknown frame kind %d", h.Kind)
	}
	if h.Length > MaxFramePayload {
		return 0, nil, ProtocolErrorf("frame length %d exceeds limit %d", h.Length, MaxFramePayload)
	}
	if len(data) < FrameHeaderSize+int(h.Length) {
		return 0, nil, ProtocolErrorf("truncated frame: have %d need %d", len(data), FrameHeaderSize+int(h.Length))
	}
	return h.Kind, data[FrameHeaderSize : FrameHeaderSize+int(h.Length)], nil
}

// ReadFrame reads exactly one unit off the stream.
func ReadFrame(r io.Reader) (kind uint32, payload []byte, err error) {
	hdr := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if err == io.EOF {
			return 0, nil, err
		}
		return 0, nil, TransportErrorf("read frame header: %v", err)
	}
	var h FrameHeader
	if err := h.Unmarshal(hdr); err != nil {
		return 0, nil, err
	}
	if !validFrameKind(h.Kind) {
		return 0, nil, ProtocolErrorf("unknown frame kind %d", h.Kind)
	}
	if h.Length > MaxFramePayload {
		return 0, nil, ProtocolErrorf("frame length %d exceeds limit %d", h.Length, MaxFramePayload)
	}
	payload = make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, TransportErrorf("read frame payload: %v", err)
	}
	return h.Kind, payload, nil
}

// WriteFrame writes one unit to the stream.
func WriteFrame(w io.Writer, kind uint32, payload []byte) error {
	buf, err := EncodeFrame(kind, payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return TransportErrorf("write frame: %v", err)
	}
	return nil
}

// BuildTunnelHello builds the SSL tunnel control handshake carrying the
// authenticated session cookie.
func BuildTunnelHello(cookie string) *Expr {
	return BlockExpr("client_hello").
		AddLeaf("client_version", "1").
		AddLeaf("protocol_version", "1").
		AddLeaf("cookie", cookie)
}

// ParseTunnelHelloReply extracts the office-mode snapshot from the hello
// reply control frame.
func ParseTunnelHelloReply(payload []byte) (*TunnelParams, error) {
	e, err := DecodeExpr(string(payload))
	if err != nil {
		return nil, err
	}
	if e.IsLeaf || e.Tag != "hello_reply" {
		return nil, ProtocolErrorf("unexpected control message %q", e.Tag)
	}
	if status := e.Str("status"); status != "" && status != "OK" {
		return nil, AuthErrorf("tunnel hello rejected: %s", status)
	}
	return ParseOfficeMode(e.Get("OM"))
}

// BuildTunnelHelloReply is the inverse of ParseTunnelHelloReply; the client
// only uses it in tests, where it stands in for the gateway.
func BuildTunnelHelloReply(p *TunnelParams) *Expr {
	om := BlockExpr("").AddLeaf("ipaddr", p.VirtualIP.String())
	if p.MTU > 0 {
		om.AddLeaf("mtu", strconv.Itoa(p.MTU))
	}
	if p.Keepalive > 0 {
		om.AddLeaf("keepalive", strconv.Itoa(int(p.Keepalive.Seconds())))
	}
	if len(p.DNSServers) > 0 {
		dns := BlockExpr("")
		for _, d := range p.DNSServers {
			dns.Add("", LeafExpr(d.String()))
		}
		om.Add("dns_servers", dns)
	}
	if len(p.SearchDomains) > 0 {
		sd := BlockExpr("")
		for _, d := range p.SearchDomains {
			sd.Add("", LeafExpr(d))
		}
		om.Add("dns_suffixes", sd)
	}
	if len(p.IncludeRoutes) > 0 {
		inc := BlockExpr("")
		for _, r := range p.IncludeRoutes {
			inc.Add("", LeafExpr(r))
		}
		om.Add("include_ranges", inc)
	}
	if len(p.ExcludeRoutes) > 0 {
		exc := BlockExpr("")
		for _, r := range p.ExcludeRoutes {
			exc.Add("", LeafExpr(r))
		}
		om.Add("exclude_ranges", exc)
	}
	return BlockExpr("hello_reply").
		AddLeaf("status", "OK").
		Add("OM", om)
}
