package common

import (
	"bytes"
	"net"
	"testing"
)

func testHeader() IsakmpHeader {
	var h IsakmpHeader
	copy(h.InitCookie[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	copy(h.RespCookie[:], []byte{9, 10, 11, 12, 13, 14, 15, 16})
	h.Exchange = ExchangeIdentityProtection
	h.MessageID = 0
	return h
}

func TestIkeMessageRoundTrip(t *testing.T) {
	payloads := []IkePayload{
		{Type: PayloadKE, Data: bytes.Repeat([]byte{0xAB}, 128)},
		{Type: PayloadNonce, Data: bytes.Repeat([]byte{0xCD}, 32)},
	}
	raw := EncodeIkeMessage(testHeader(), payloads)
	m, err := DecodeIkeMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Header.Exchange != ExchangeIdentityProtection {
		t.Fatalf("exchange mismatch: %d", m.Header.Exchange)
	}
	if len(m.Payloads) != 2 {
		t.Fatalf("want 2 payloads, got %d", len(m.Payloads))
	}
	if ke := m.Payload(PayloadKE); ke == nil || !bytes.Equal(ke.Data, payloads[0].Data) {
		t.Fatalf("KE payload mismatch")
	}
	if m.Payload(PayloadSA) != nil {
		t.Fatalf("unexpected SA payload")
	}
}

func TestIkeMessageLengthMismatch(t *testing.T) {
	raw := EncodeIkeMessage(testHeader(), []IkePayload{{Type: PayloadNonce, Data: []byte{1, 2, 3}}})
	if _, err := DecodeIkeMessage(raw[:len(raw)-1]); !IsKind(err, KindProtocol) {
		t.Fatalf("want protocol error for short datagram, got %v", err)
	}
	raw[24] = 0xFF // corrupt total length
	if _, err := DecodeIkeMessage(raw); !IsKind(err, KindProtocol) {
		t.Fatalf("want protocol error for bad length, got %v", err)
	}
}

func TestIkeMessageBadVersion(t *testing.T) {
	raw := EncodeIkeMessage(testHeader(), nil)
	raw[17] = 0x20
	if _, err := DecodeIkeMessage(raw); !IsKind(err, KindProtocol) {
		t.Fatalf("want protocol error for bad version, got %v", err)
	}
}

func TestPayloadChainTruncated(t *testing.T) {
	if _, err := DecodePayloadChain(PayloadNonce, []byte{0, 0}); !IsKind(err, KindProtocol) {
		t.Fatalf("want protocol error, got %v", err)
	}
	// Generic header claiming more bytes than present.
	if _, err := DecodePayloadChain(PayloadNonce, []byte{0, 0, 0, 40, 1}); !IsKind(err, KindProtocol) {
		t.Fatalf("want protocol error, got %v", err)
	}
}

func TestSAPayloadRoundTrip(t *testing.T) {
	props := []IkeProposal{{
		Number:     1,
		ProtocolID: ProtoIsakmp,
		Transforms: []IkeTransform{
			{
				Number: 1,
				ID:     1,
				Attrs: []IkeAttr{
					{Type: AttrEncryptionAlg, Value: uint32(EncrAESCBC)},
					{Type: AttrHashAlg, Value: uint32(HashSHA256)},
					{Type: AttrGroupDesc, Value: uint32(GroupMODP2048)},
					{Type: AttrKeyLength, Value: 256},
					{Type: AttrLifeDuration, Data: []byte{0, 0, 0x70, 0x80}},
				},
			},
			{
				Number: 2,
				ID:     1,
				Attrs: []IkeAttr{
					{Type: AttrEncryptionAlg, Value: uint32(Encr3DES)},
					{Type: AttrHashAlg, Value: uint32(HashSHA1)},
				},
			},
		},
	}}
	body := EncodeSAPayload(props)
	got, err := DecodeSAPayload(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || len(got[0].Transforms) != 2 {
		t.Fatalf("structure mismatch: %+v", got)
	}
	tr := got[0].Transforms[0]
	if len(tr.Attrs) != 5 {
		t.Fatalf("attr count mismatch: %d", len(tr.Attrs))
	}
	if tr.Attrs[0].Type != AttrEncryptionAlg || tr.Attrs[0].Value != uint32(EncrAESCBC) {
		t.Fatalf("TV attr mismatch: %+v", tr.Attrs[0])
	}
	if tr.Attrs[4].Type != AttrLifeDuration || !bytes.Equal(tr.Attrs[4].Data, []byte{0, 0, 0x70, 0x80}) {
		t.Fatalf("TLV attr mismatch: %+v", tr.Attrs[4])
	}
}

func TestSAPayloadWithSPI(t *testing.T) {
	props := []IkeProposal{{
		Number:     1,
		ProtocolID: ProtoEsp,
		SPI:        []byte{0xDE, 0xAD, 0xBE, 0xEF},
		Transforms: []IkeTransform{{Number: 1, ID: EspAESGCM16, Attrs: []IkeAttr{{Type: AttrEspKeyLength, Value: 256}}}},
	}}
	got, err := DecodeSAPayload(EncodeSAPayload(props))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got[0].SPI, props[0].SPI) {
		t.Fatalf("SPI mismatch: %x", got[0].SPI)
	}
}

func TestSAPayloadMalformed(t *testing.T) {
	if _, err := DecodeSAPayload([]byte{1, 2}); !IsKind(err, KindProtocol) {
		t.Fatalf("want protocol error, got %v", err)
	}
	body := EncodeSAPayload([]IkeProposal{{Number: 1, ProtocolID: ProtoIsakmp}})
	body[10] = 0xFF // corrupt proposal length
	if _, err := DecodeSAPayload(body); !IsKind(err, KindProtocol) {
		t.Fatalf("want protocol error, got %v", err)
	}
}

func TestNotifyRoundTrip(t *testing.T) {
	n := NotifyData{ProtocolID: ProtoIsakmp, NotifyType: NotifyRUThere, SPI: []byte{1, 2, 3, 4}, Data: []byte{9}}
	got, err := DecodeNotify(EncodeNotify(n))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.NotifyType != NotifyRUThere || !bytes.Equal(got.SPI, n.SPI) || !bytes.Equal(got.Data, n.Data) {
		t.Fatalf("notify mismatch: %+v", got)
	}
}

func TestDeleteRoundTrip(t *testing.T) {
	d := DeleteData{ProtocolID: ProtoEsp, SPIs: [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}}}
	got, err := DecodeDelete(EncodeDelete(d))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.SPIs) != 2 || !bytes.Equal(got.SPIs[1], d.SPIs[1]) {
		t.Fatalf("delete mismatch: %+v", got)
	}
	raw := EncodeDelete(d)
	if _, err := DecodeDelete(raw[:len(raw)-2]); !IsKind(err, KindProtocol) {
		t.Fatalf("want protocol error for truncated delete, got %v", err)
	}
}

func TestConfigModeOfficeModeRoundTrip(t *testing.T) {
	want := &TunnelParams{
		VirtualIP:     net.ParseIP("10.10.8.5").To4(),
		DNSServers:    []net.IP{net.ParseIP("10.10.0.2").To4()},
		SearchDomains: []string{"corp.example.com"},
		IncludeRoutes: []string{"10.0.0.0/8", "192.168.44.0/24"},
		MTU:           MTU,
	}
	cfg := CfgFromOfficeMode(7, want)
	dec, err := DecodeCfg(EncodeCfg(cfg))
	if err != nil {
		t.Fatalf("decode cfg: %v", err)
	}
	if dec.Type != CfgReply || dec.ID != 7 {
		t.Fatalf("cfg header mismatch: %+v", dec)
	}
	got, err := OfficeModeFromCfg(dec)
	if err != nil {
		t.Fatalf("office mode from cfg: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("params mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestConfigModeRejectsMissingAddress(t *testing.T) {
	c := &CfgData{Type: CfgReply, Attrs: []IkeAttr{{Type: CfgIP4DNS, Data: []byte{10, 0, 0, 1}}}}
	if _, err := OfficeModeFromCfg(c); !IsKind(err, KindProtocol) {
		t.Fatalf("want protocol error, got %v", err)
	}
	bad := &CfgData{Type: CfgReply, Attrs: []IkeAttr{{Type: CfgIP4Address, Data: []byte{10, 0}}}}
	if _, err := OfficeModeFromCfg(bad); !IsKind(err, KindProtocol) {
		t.Fatalf("want protocol error for short address, got %v", err)
	}
}

func TestAttrsMalformed(t *testing.T) {
	if _, err := DecodeAttrs([]byte{0x80}); !IsKind(err, KindProtocol) {
		t.Fatalf("want protocol error, got %v", err)
	}
	// TLV claiming more data than present.
	if _, err := DecodeAttrs([]byte{0x00, 0x0B, 0x00, 0x08, 0x01}); !IsKind(err, KindProtocol) {
		t.Fatalf("want protocol error, got %v", err)
	}
}
