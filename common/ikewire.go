package common

import (
	"encoding/binary"
	"net"
)

// IKEv1 (ISAKMP) wire format, restricted to the exchanges the gateway
// actually drives: phase-1 identity protection, phase-2 quick mode, and
// informational messages for liveness and delete notifications.

const (
	IKEPort     = 500
	IKENattPort = 4500

	IkeVersion = 0x10 // major 1, minor 0

	IsakmpHeaderSize        = 28
	payloadGenericHeaderLen = 4
)

// Payload types.
type IkePayloadType uint8

const (
	PayloadNone      IkePayloadType = 0
	PayloadSA        IkePayloadType = 1
	PayloadProposal  IkePayloadType = 2
	PayloadTransform IkePayloadType = 3
	PayloadKE        IkePayloadType = 4
	PayloadID        IkePayloadType = 5
	PayloadCert      IkePayloadType = 6
	PayloadCertReq   IkePayloadType = 7
	PayloadHash      IkePayloadType = 8
	PayloadSig       IkePayloadType = 9
	PayloadNonce     IkePayloadType = 10
	PayloadNotify    IkePayloadType = 11
	PayloadDelete    IkePayloadType = 12
	PayloadVendorID  IkePayloadType = 13
	PayloadAttr      IkePayloadType = 14
)

// Exchange types.
type IkeExchange uint8

const (
	ExchangeIdentityProtection IkeExchange = 2
	ExchangeAggressive         IkeExchange = 4
	ExchangeInformational      IkeExchange = 5
	ExchangeQuickMode          IkeExchange = 32
	ExchangeTransaction        IkeExchange = 6
)

// Header flags.
const (
	FlagEncrypted = 0x01
	FlagCommit    = 0x02
)

// DOI and protocol identifiers.
const (
	DoiIpsec = 1

	ProtoIsakmp = 1
	ProtoEsp    = 3
)

// Notify message types used by the engine.
const (
	NotifyInvalidPayload uint16 = 1
	NotifyNoProposal     uint16 = 14
	NotifyAuthFailed     uint16 = 24
	NotifyRUThere        uint16 = 36136
	NotifyRUThereAck     uint16 = 36137
)

// IsakmpHeader is the fixed 28-byte message header.
type IsakmpHeader struct {
	InitCookie  [8]byte
	RespCookie  [8]byte
	NextPayload IkePayloadType
	Version     uint8
	Exchange    IkeExchange
	Flags       uint8
	MessageID   uint32
	Length      uint32
}

func (h *IsakmpHeader) Marshal() []byte {
	buf := make([]byte, IsakmpHeaderSize)
	copy(buf[0:8], h.InitCookie[:])
	copy(buf[8:16], h.RespCookie[:])
	buf[16] = byte(h.NextPayload)
	buf[17] = h.Version
	buf[18] = byte(h.Exchange)
	buf[19] = h.Flags
	binary.BigEndian.PutUint32(buf[20:], h.MessageID)
	binary.BigEndian.PutUint32(buf[24:], h.Length)
	return buf
}

func (h *IsakmpHeader) Unmarshal(data []byte) error {
	if len(data) < IsakmpHeaderSize {
		return ProtocolErrorf("isakmp header too short: %d", len(data))
	}
	copy(h.InitCookie[:], data[0:8])
	copy(h.RespCookie[:], data[8:16])
	h.NextPayload = IkePayloadType(data[16])
	h.Version = data[17]
	h.Exchange = IkeExchange(data[18])
	h.Flags = data[19]
	h.MessageID = binary.BigEndian.Uint32(data[20:])
	h.Length = binary.BigEndian.Uint32(data[24:])
	return nil
}

// IkePayload is one payload in the chained payload list. Data excludes the
// generic header.
type IkePayload struct {
	Type IkePayloadType
	Data []byte
}

// IkeMessage is a decoded ISAKMP message.
type IkeMessage struct {
	Header   IsakmpHeader
	Payloads []IkePayload
}

// Payload returns the first payload of the given type, or nil.
func (m *IkeMessage) Payload(t IkePayloadType) *IkePayload {
	for i := range m.Payloads {
		if m.Payloads[i].Type == t {
			return &m.Payloads[i]
		}
	}
	return nil
}

// EncodeIkeMessage serializes header and payload chain, fixing up the next
// payload links and total length.
func EncodeIkeMessage(h IsakmpHeader, payloads []IkePayload) []byte {
	body := EncodePayloadChain(payloads)
	if len(payloads) > 0 {
		h.NextPayload = payloads[0].Type
	} else {
		h.NextPayload = PayloadNone
	}
	h.Version = IkeVersion
	h.Length = uint32(IsakmpHeaderSize + len(body))
	out := make([]byte, 0, h.Length)
	out = append(out, h.Marshal()...)
	out = append(out, body...)
	return out
}

// EncodePayloadChain serializes payloads with their generic headers.
func EncodePayloadChain(payloads []IkePayload) []byte {
	var out []byte
	for i, p := range payloads {
		next := PayloadNone
		if i+1 < len(payloads) {
			next = payloads[i+1].Type
		}
		hdr := make([]byte, payloadGenericHeaderLen)
		hdr[0] = byte(next)
		binary.BigEndian.PutUint16(hdr[2:], uint16(payloadGenericHeaderLen+len(p.Data)))
		out = append(out, hdr...)
		out = append(out, p.Data...)
	}
	return out
}

// DecodeIkeMessage parses a full datagram. Encrypted messages must be
// decrypted first; this routine only walks the plaintext payload chain.
func DecodeIkeMessage(data []byte) (*IkeMessage, error) {
	var m IkeMessage
	if err := m.Header.Unmarshal(data); err != nil {
		return nil, err
	}
	if m.Header.Version != IkeVersion {
		return nil, ProtocolErrorf("unsupported isakmp version 0x%02x", m.Header.Version)
	}
	if int(m.Header.Length) != len(data) {
		return nil, ProtocolErrorf("isakmp length mismatch: header %d datagram %d", m.Header.Length, len(data))
	}
	payloads, err := DecodePayloadChain(m.Header.NextPayload, data[IsakmpHeaderSize:])
	if err != nil {
		return nil, err
	}
	m.Payloads = payloads
	return &m, nil
}

// DecodePayloadChain walks the chained payloads starting with the given
// first type.
func DecodePayloadChain(first IkePayloadType, data []byte) ([]IkePayload, error) {
	var payloads []IkePayload
	t := first
	for t != PayloadNone {
		if len(data) < payloadGenericHeaderLen {
			return nil, ProtocolErrorf("payload chain truncated")
		}
		next := IkePayloadType(data[0])
		plen := int(binary.BigEndian.Uint16(data[2:4]))
		if plen < payloadGenericHeaderLen || plen > len(data) {
			return nil, ProtocolErrorf("bad payload length %d (have %d)", plen, len(data))
		}
		payloads = append(payloads, IkePayload{Type: t, Data: data[payloadGenericHeaderLen:plen]})
		data = data[plen:]
		t = next
	}
	if len(data) != 0 {
		return nil, ProtocolErrorf("%d trailing bytes after payload chain", len(data))
	}
	return payloads, nil
}

// Transform attribute classes (phase-1 ISAKMP SA).
const (
	AttrEncryptionAlg uint16 = 1
	AttrHashAlg       uint16 = 2
	AttrAuthMethod    uint16 = 3
	AttrGroupDesc     uint16 = 4
	AttrLifeType      uint16 = 11
	AttrLifeDuration  uint16 = 12
	AttrKeyLength     uint16 = 14
)

// Phase-2 (IPSEC DOI) attribute classes.
const (
	AttrSALifeType     uint16 = 1
	AttrSALifeDuration uint16 = 2
	AttrEncapMode      uint16 = 4
	AttrAuthAlg        uint16 = 5
	AttrEspKeyLength   uint16 = 6
)

// IkeAttr is a TV (short) or TLV (long) attribute.
type IkeAttr struct {
	Type  uint16
	Value uint32 // TV form
	Data  []byte // TLV form when non-nil
}

const attrTVFlag = 0x8000

// EncodeAttrs serializes transform attributes.
func EncodeAttrs(attrs []IkeAttr) []byte {
	var out []byte
	for _, a := range attrs {
		if a.Data == nil {
			buf := make([]byte, 4)
			binary.BigEndian.PutUint16(buf[0:], a.Type|attrTVFlag)
			binary.BigEndian.PutUint16(buf[2:], uint16(a.Value))
			out = append(out, buf...)
			continue
		}
		buf := make([]byte, 4+len(a.Data))
		binary.BigEndian.PutUint16(buf[0:], a.Type)
		binary.BigEndian.PutUint16(buf[2:], uint16(len(a.Data)))
		copy(buf[4:], a.Data)
		out = append(out, buf...)
	}
	return out
}

// DecodeAttrs parses transform attributes.
func DecodeAttrs(data []byte) ([]IkeAttr, error) {
	var attrs []IkeAttr
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, ProtocolErrorf("attribute truncated")
		}
		typ := binary.BigEndian.Uint16(data[0:2])
		if typ&attrTVFlag != 0 {
			attrs = append(attrs, IkeAttr{Type: typ &^ attrTVFlag, Value: uint32(binary.BigEndian.Uint16(data[2:4]))})
			data = data[4:]
			continue
		}
		alen := int(binary.BigEndian.Uint16(data[2:4]))
		if len(data) < 4+alen {
			return nil, ProtocolErrorf("attribute value truncated")
		}
		attrs = append(attrs, IkeAttr{Type: typ, Data: data[4 : 4+alen]})
		data = data[4+alen:]
	}
	return attrs, nil
}

// IkeTransform is one transform inside a proposal.
type IkeTransform struct {
	Number uint8
	ID     uint8
	Attrs  []IkeAttr
}

// IkeProposal carries the SPI and transform list for one protocol.
type IkeProposal struct {
	Number     uint8
	ProtocolID uint8
	SPI        []byte
	Transforms []IkeTransform
}

// EncodeSAPayload builds an SA payload body (DOI, situation, proposals).
func EncodeSAPayload(proposals []IkeProposal) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint32(out[0:], DoiIpsec)
	binary.BigEndian.PutUint32(out[4:], 1) // SIT_IDENTITY_ONLY
	for pi, p := range proposals {
		var tbody []byte
		for ti, tr := range p.Transforms {
			next := byte(0)
			if ti+1 < len(p.Transforms) {
				next = 3 // more transforms
			}
			attrs := EncodeAttrs(tr.Attrs)
			th := make([]byte, 8)
			th[0] = next
			binary.BigEndian.PutUint16(th[2:], uint16(8+len(attrs)))
			th[4] = tr.Number
			th[5] = tr.ID
			tbody = append(tbody, th...)
			tbody = append(tbody, attrs...)
		}
		next := byte(0)
		if pi+1 < len(proposals) {
			next = 2 // more proposals
		}
		ph := make([]byte, 8)
		ph[0] = next
		binary.BigEndian.PutUint16(ph[2:], uint16(8+len(p.SPI)+len(tbody)))
		ph[4] = p.Number
		ph[5] = p.ProtocolID
		ph[6] = byte(len(p.SPI))
		ph[7] = byte(len(p.Transforms))
		out = append(out, ph...)
		out = append(out, p.SPI...)
		out = append(out, tbody...)
	}
	return out
}

// DecodeSAPayload parses an SA payload body into proposals.
func DecodeSAPayload(data []byte) ([]IkeProposal, error) {
	if len(data) < 8 {
		return nil, ProtocolErrorf("SA payload too short")
	}
	if doi := binary.BigEndian.Uint32(data[0:4]); doi != DoiIpsec {
		return nil, ProtocolErrorf("unsupported DOI %d", doi)
	}
	data = data[8:]
	var proposals []IkeProposal
	for len(data) > 0 {
		if len(data) < 8 {
			return nil, ProtocolErrorf("proposal truncated")
		}
		plen := int(binary.BigEndian.Uint16(data[2:4]))
		if plen < 8 || plen > len(data) {
			return nil, ProtocolErrorf("bad proposal length %d", plen)
		}
		p := IkeProposal{
			Number:     data[4],
			ProtocolID: data[5],
		}
		spiLen := int(data[6])
		ntrans := int(data[7])
		body := data[8:plen]
		if len(body) < spiLen {
			return nil, ProtocolErrorf("proposal SPI truncated")
		}
		p.SPI = body[:spiLen]
		body = body[spiLen:]
		for i := 0; i < ntrans; i++ {
			if len(body) < 8 {
				return nil, ProtocolErrorf("transform truncated")
			}
			tlen := int(binary.BigEndian.Uint16(body[2:4]))
			if tlen < 8 || tlen > len(body) {
				return nil, ProtocolErrorf("bad transform length %d", tlen)
			}
			attrs, err := DecodeAttrs(body[8:tlen])
			if err != nil {
				return nil, err
			}
			p.Transforms = append(p.Transforms, IkeTransform{
				Number: body[4],
				ID:     body[5],
				Attrs:  attrs,
			})
			body = body[tlen:]
		}
		if len(body) != 0 {
			return nil, ProtocolErrorf("%d trailing bytes in proposal", len(body))
		}
		proposals = append(proposals, p)
		data = data[plen:]
	}
	return proposals, nil
}

// NotifyData is a decoded notify payload body.
type NotifyData struct {
	ProtocolID uint8
	NotifyType uint16
	SPI        []byte
	Data       []byte
}

// EncodeNotify builds a notify payload body.
func EncodeNotify(n NotifyData) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint32(out[0:], DoiIpsec)
	out[4] = n.ProtocolID
	out[5] = byte(len(n.SPI))
	binary.BigEndian.PutUint16(out[6:], n.NotifyType)
	out = append(out, n.SPI...)
	out = append(out, n.Data...)
	return out
}

// DecodeNotify parses a notify payload body.
func DecodeNotify(data []byte) (*NotifyData, error) {
	if len(data) < 8 {
		return nil, ProtocolErrorf("notify payload too short")
	}
	n := &NotifyData{
		ProtocolID: data[4],
		NotifyType: binary.BigEndian.Uint16(data[6:8]),
	}
	spiLen := int(data[5])
	rest := data[8:]
	if len(rest) < spiLen {
		return nil, ProtocolErrorf("notify SPI truncated")
	}
	n.SPI = rest[:spiLen]
	n.Data = rest[spiLen:]
	return n, nil
}

// DeleteData is a decoded delete payload body.
type DeleteData struct {
	ProtocolID uint8
	SPIs       [][]byte
}

// EncodeDelete builds a delete payload body.
func EncodeDelete(d DeleteData) []byte {
	spiSize := 0
	if len(d.SPIs) > 0 {
		spiSize = len(d.SPIs[0])
	}
	out := make([]byte, 8)
	binary.BigEndian.PutUint32(out[0:], DoiIpsec)
	out[4] = d.ProtocolID
	out[5] = byte(spiSize)
	binary.BigEndian.PutUint16(out[6:], uint16(len(d.SPIs)))
	for _, spi := range d.SPIs {
		out = append(out, spi...)
	}
	return out
}

// DecodeDelete parses a delete payload body.
func DecodeDelete(data []byte) (*DeleteData, error) {
	if len(data) < 8 {
		return nil, ProtocolErrorf("delete payload too short")
	}
	d := &DeleteData{ProtocolID: data[4]}
	spiSize := int(data[5])
	count := int(binary.BigEndian.Uint16(data[6:8]))
	rest := data[8:]
	if spiSize*count != len(rest) {
		return nil, ProtocolErrorf("delete payload SPI list mismatch")
	}
	for i := 0; i < count; i++ {
		d.SPIs = append(d.SPIs, rest[i*spiSize:(i+1)*spiSize])
	}
	return d, nil
}

// Config-mode (transaction exchange) message types.
const (
	CfgRequest uint8 = 1
	CfgReply   uint8 = 2
	CfgSet     uint8 = 3
	CfgAck     uint8 = 4
)

// Config-mode attribute classes. Subnet values are 8 bytes, address then
// mask; the gateway repeats the attribute once per split range.
const (
	CfgIP4Address uint16 = 1
	CfgIP4Netmask uint16 = 2
	CfgIP4DNS     uint16 = 3
	CfgIP4Subnet  uint16 = 13
	CfgDNSDomain  uint16 = 25
)

// CfgData is a decoded attributes (config-mode) payload body.
type CfgData struct {
	Type  uint8
	ID    uint16
	Attrs []IkeAttr
}

// EncodeCfg builds an attributes payload body.
func EncodeCfg(c CfgData) []byte {
	out := make([]byte, 4)
	out[0] = c.Type
	binary.BigEndian.PutUint16(out[2:], c.ID)
	return append(out, EncodeAttrs(c.Attrs)...)
}

// DecodeCfg parses an attributes payload body.
func DecodeCfg(data []byte) (*CfgData, error) {
	if len(data) < 4 {
		return nil, ProtocolErrorf("attributes payload too short")
	}
	attrs, err := DecodeAttrs(data[4:])
	if err != nil {
		return nil, err
	}
	return &CfgData{Type: data[0], ID: binary.BigEndian.Uint16(data[2:]), Attrs: attrs}, nil
}

// OfficeModeFromCfg converts a config-mode reply into the TunnelParams
// shape shared with the SSL hello path.
func OfficeModeFromCfg(c *CfgData) (*TunnelParams, error) {
	p := &TunnelParams{MTU: MTU}
	for _, a := range c.Attrs {
		switch a.Type {
		case CfgIP4Address:
			if len(a.Data) != 4 {
				return nil, ProtocolErrorf("config mode: bad address length %d", len(a.Data))
			}
			p.VirtualIP = net.IP(append([]byte(nil), a.Data...))
		case CfgIP4DNS:
			if len(a.Data) != 4 {
				return nil, ProtocolErrorf("config mode: bad DNS address length %d", len(a.Data))
			}
			p.DNSServers = append(p.DNSServers, net.IP(append([]byte(nil), a.Data...)))
		case CfgIP4Subnet:
			if len(a.Data) != 8 {
				return nil, ProtocolErrorf("config mode: bad subnet length %d", len(a.Data))
			}
			n := net.IPNet{IP: net.IP(a.Data[:4]), Mask: net.IPMask(a.Data[4:8])}
			p.IncludeRoutes = append(p.IncludeRoutes, n.String())
		case CfgDNSDomain:
			if len(a.Data) > 0 {
				p.SearchDomains = append(p.SearchDomains, string(a.Data))
			}
		}
	}
	if p.VirtualIP == nil {
		return nil, ProtocolErrorf("config mode: no assigned address")
	}
	return p, nil
}

// CfgFromOfficeMode is the gateway-side inverse of OfficeModeFromCfg, used
// by tests that stand in for the gateway.
func CfgFromOfficeMode(id uint16, p *TunnelParams) CfgData {
	c := CfgData{Type: CfgReply, ID: id}
	if ip4 := p.VirtualIP.To4(); ip4 != nil {
		c.Attrs = append(c.Attrs, IkeAttr{Type: CfgIP4Address, Data: ip4})
	}
	for _, d := range p.DNSServers {
		if ip4 := d.To4(); ip4 != nil {
			c.Attrs = append(c.Attrs, IkeAttr{Type: CfgIP4DNS, Data: ip4})
		}
	}
	for _, r := range p.IncludeRoutes {
		_, n, err := net.ParseCIDR(r)
		if err != nil || n.IP.To4() == nil {
			continue
		}
		val := append(append([]byte(nil), n.IP.To4()...), n.Mask...)
		c.Attrs = append(c.Attrs, IkeAttr{Type: CfgIP4Subnet, Data: val})
	}
	for _, d := range p.SearchDomains {
		c.Attrs = append(c.Attrs, IkeAttr{Type: CfgDNSDomain, Data: []byte(d)})
	}
	return c
}

// IDData is a decoded identification payload body.
type IDData struct {
	IDType uint8
	Data   []byte
}

const (
	IDTypeIPv4Addr   uint8 = 1
	IDTypeFQDN       uint8 = 2
	IDTypeUserFQDN   uint8 = 3
	IDTypeIPv4Subnet uint8 = 4
	IDTypeDerASN1DN  uint8 = 9
	IDTypeKeyID      uint8 = 11
)

// EncodeID builds an identification payload body.
func EncodeID(id IDData) []byte {
	out := make([]byte, 4)
	out[0] = id.IDType
	// protocol and port left zero: any
	return append(out, id.Data...)
}

// DecodeID parses an identification payload body.
func DecodeID(data []byte) (*IDData, error) {
	if len(data) < 4 {
		return nil, ProtocolErrorf("id payload too short")
	}
	return &IDData{IDType: data[0], Data: data[4:]}, nil
}
