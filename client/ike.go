package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"math/big"
	"time"

	"github.com/tGecko/snx-rs/common"
)

// ikeTransport moves ISAKMP datagrams to and from the gateway. RoundTrip
// retransmits internally; a missed reply surfaces as a Timeout error.
type ikeTransport interface {
	RoundTrip(ctx context.Context, msg []byte) ([]byte, error)
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// SecurityAssociation is one negotiated ESP key pair. SPIIn names our
// inbound SA, SPIOut the gateway's.
type SecurityAssociation struct {
	Suite       common.CipherSuite
	SPIIn       uint32
	SPIOut      uint32
	KeyIn       []byte
	KeyOut      []byte
	Established time.Time
	Lifetime    time.Duration

	installed bool
	torndown  bool
}

// Wipe zeroizes the ESP keys.
func (sa *SecurityAssociation) Wipe() {
	for _, b := range [][]byte{sa.KeyIn, sa.KeyOut} {
		for i := range b {
			b[i] = 0
		}
	}
}

// phase1Crypto holds the established phase-1 state: derived keys, the
// negotiated suite, and the CBC IV chain per RFC 2409 appendix B.
type phase1Crypto struct {
	suite common.CipherSuite
	keys  *common.Phase1Keys

	ivPhase1  []byte // running IV for message-id 0
	lastBlock []byte // last phase-1 ciphertext block, seeds per-exchange IVs
	ivs       map[uint32][]byte
}

func (c *phase1Crypto) blockSize() int {
	if c.suite.EncrID == common.Encr3DES {
		return 8
	}
	return 16
}

func (c *phase1Crypto) ivFor(msgID uint32) []byte {
	if msgID == 0 {
		return c.ivPhase1
	}
	if iv, ok := c.ivs[msgID]; ok {
		return iv
	}
	h := common.NewHash(c.suite.HashID)()
	h.Write(c.lastBlock)
	var mid [4]byte
	binary.BigEndian.PutUint32(mid[:], msgID)
	h.Write(mid[:])
	iv := h.Sum(nil)[:c.blockSize()]
	c.ivs[msgID] = iv
	return iv
}

func (c *phase1Crypto) setIV(msgID uint32, lastCipherBlock []byte) {
	iv := append([]byte(nil), lastCipherBlock...)
	if msgID == 0 {
		c.ivPhase1 = iv
		c.lastBlock = iv
		return
	}
	c.ivs[msgID] = iv
}

// seal encrypts a payload chain into a complete datagram.
func (c *phase1Crypto) seal(h common.IsakmpHeader, payloads []common.IkePayload) ([]byte, error) {
	body := common.EncodePayloadChain(payloads)
	iv := c.ivFor(h.MessageID)
	ct, err := common.EncryptPhase1(c.suite, c.keys.SKEYIDe, iv, body)
	if err != nil {
		return nil, err
	}
	c.setIV(h.MessageID, ct[len(ct)-c.blockSize():])
	h.Version = common.IkeVersion
	h.Flags |= common.FlagEncrypted
	h.NextPayload = payloads[0].Type
	h.Length = uint32(common.IsakmpHeaderSize + len(ct))
	out := make([]byte, 0, h.Length)
	out = append(out, h.Marshal()...)
	out = append(out, ct...)
	return out, nil
}

// open decrypts a datagram sealed by the peer.
func (c *phase1Crypto) open(raw []byte) (*common.IkeMessage, error) {
	var h common.IsakmpHeader
	if err := h.Unmarshal(raw); err != nil {
		return nil, err
	}
	if h.Flags&common.FlagEncrypted == 0 {
		return nil, common.ProtocolErrorf("expected encrypted message")
	}
	if int(h.Length) != len(raw) {
		return nil, common.ProtocolErrorf("isakmp length mismatch: header %d datagram %d", h.Length, len(raw))
	}
	ct := raw[common.IsakmpHeaderSize:]
	iv := c.ivFor(h.MessageID)
	pt, err := common.DecryptPhase1(c.suite, c.keys.SKEYIDe, iv, ct)
	if err != nil {
		return nil, err
	}
	c.setIV(h.MessageID, ct[len(ct)-c.blockSize():])
	payloads, err := common.DecodePayloadChain(h.NextPayload, pt)
	if err != nil {
		return nil, err
	}
	return &common.IkeMessage{Header: h, Payloads: payloads}, nil
}

// IkeEngine negotiates and maintains the IPSec SA pair against one
// gateway. Kernel programming goes through the XfrmProgrammer so the
// engine itself never holds root-only behavior.
type IkeEngine struct {
	transport ikeTransport
	xfrm      XfrmProgrammer
	log       *slog.Logger

	cookie   string // authenticated session cookie, doubles as the shared secret
	username string
	lifetime time.Duration

	hdr      common.IsakmpHeader // cookies pinned after phase 1
	crypto   *phase1Crypto
	saOffer  []byte // our phase-1 SA body, input to the auth hash
	niB, nrB []byte

	usedSPIs map[uint32]bool
	params   *common.TunnelParams

	dpdMisses int
}

// NewIkeEngine builds an engine bound to an authenticated session.
func NewIkeEngine(t ikeTransport, xfrm XfrmProgrammer, cookie, username string, lifetime time.Duration, log *slog.Logger) *IkeEngine {
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	return &IkeEngine{
		transport: t,
		xfrm:      xfrm,
		log:       log,
		cookie:    cookie,
		username:  username,
		lifetime:  lifetime,
		usedSPIs:  make(map[uint32]bool),
	}
}

// Params returns the office-mode snapshot delivered during Negotiate.
func (e *IkeEngine) Params() *common.TunnelParams { return e.params }

func (e *IkeEngine) newSPI() (uint32, error) {
	for {
		spi, err := common.NewSPI()
		if err != nil {
			return 0, err
		}
		if !e.usedSPIs[spi] {
			e.usedSPIs[spi] = true
			return spi, nil
		}
	}
}

func lifetimeAttrs(class uint16, d time.Duration) []common.IkeAttr {
	secs := make([]byte, 4)
	binary.BigEndian.PutUint32(secs, uint32(d.Seconds()))
	return []common.IkeAttr{
		{Type: class, Value: 1}, // seconds
		{Type: class + 1, Data: secs},
	}
}

// phase1Proposals is the fixed client offer, strongest suite first.
func (e *IkeEngine) phase1Proposals() []common.IkeProposal {
	var transforms []common.IkeTransform
	for i, s := range common.SuiteCatalog {
		attrs := []common.IkeAttr{
			{Type: common.AttrEncryptionAlg, Value: uint32(s.EncrID)},
			{Type: common.AttrHashAlg, Value: uint32(s.HashID)},
			{Type: common.AttrAuthMethod, Value: uint32(common.AuthPresharedKey)},
			{Type: common.AttrGroupDesc, Value: uint32(s.DHGroup)},
		}
		if s.EncrID != common.Encr3DES {
			attrs = append(attrs, common.IkeAttr{Type: common.AttrKeyLength, Value: uint32(s.KeyLen * 8)})
		}
		attrs = append(attrs, lifetimeAttrs(common.AttrLifeType, e.lifetime)...)
		transforms = append(transforms, common.IkeTransform{Number: uint8(i + 1), ID: 1, Attrs: attrs})
	}
	return []common.IkeProposal{{Number: 1, ProtocolID: common.ProtoIsakmp, Transforms: transforms}}
}

// suiteFromPhase1Selection maps the responder's chosen transform back to a
// catalog suite, rejecting anything we never offered.
func suiteFromPhase1Selection(props []common.IkeProposal) (common.CipherSuite, error) {
	if len(props) != 1 || len(props[0].Transforms) != 1 {
		return common.CipherSuite{}, common.ProtocolErrorf("responder must select exactly one transform")
	}
	var encr, hash uint8
	var group uint16
	keyBits := 0
	for _, a := range props[0].Transforms[0].Attrs {
		switch a.Type {
		case common.AttrEncryptionAlg:
			encr = uint8(a.Value)
		case common.AttrHashAlg:
			hash = uint8(a.Value)
		case common.AttrGroupDesc:
			group = uint16(a.Value)
		case common.AttrKeyLength:
			keyBits = int(a.Value)
		}
	}
	for _, s := range common.SuiteCatalog {
		if s.EncrID != encr || s.HashID != hash || s.DHGroup != group {
			continue
		}
		if s.EncrID != common.Encr3DES && s.KeyLen*8 != keyBits {
			continue
		}
		return s, nil
	}
	return common.CipherSuite{}, common.ProtocolErrorf("responder selected a transform outside our offer (encr=%d hash=%d group=%d bits=%d)", encr, hash, group, keyBits)
}

func (e *IkeEngine) roundTrip(ctx context.Context, msg []byte) (*common.IkeMessage, error) {
	raw, err := e.transport.RoundTrip(ctx, msg)
	if err != nil {
		return nil, err
	}
	return common.DecodeIkeMessage(raw)
}

// Negotiate runs phase 1, quick mode, and the config-mode exchange, then
// installs the resulting SA pair in the kernel.
func (e *IkeEngine) Negotiate(ctx context.Context) (*SecurityAssociation, error) {
	if err := e.phase1(ctx); err != nil {
		return nil, err
	}
	sa, err := e.quickMode(ctx)
	if err != nil {
		return nil, err
	}
	params, err := e.configMode(ctx)
	if err != nil {
		return nil, err
	}
	e.params = params
	if err := e.xfrm.InstallSA(sa, params); err != nil {
		return nil, err
	}
	sa.installed = true
	e.log.Info("ipsec SA established", "suite", sa.Suite.Name, "spi_in", sa.SPIIn, "spi_out", sa.SPIOut)
	return sa, nil
}

func (e *IkeEngine) phase1(ctx context.Context) error {
	cki, err := common.NewCookie()
	if err != nil {
		return err
	}
	e.hdr = common.IsakmpHeader{InitCookie: cki, Exchange: common.ExchangeIdentityProtection}

	// Message 1/2: SA offer and selection.
	e.saOffer = common.EncodeSAPayload(e.phase1Proposals())
	msg1 := common.EncodeIkeMessage(e.hdr, []common.IkePayload{{Type: common.PayloadSA, Data: e.saOffer}})
	reply, err := e.roundTrip(ctx, msg1)
	if err != nil {
		return err
	}
	e.hdr.RespCookie = reply.Header.RespCookie
	saPl := reply.Payload(common.PayloadSA)
	if saPl == nil {
		return common.ProtocolErrorf("phase 1 reply missing SA payload")
	}
	selected, err := common.DecodeSAPayload(saPl.Data)
	if err != nil {
		return err
	}
	suite, err := suiteFromPhase1Selection(selected)
	if err != nil {
		return err
	}

	// Message 3/4: key exchange and nonces.
	group := common.DHGroupByID(suite.DHGroup)
	priv, pub, err := group.GenerateKeyPair()
	if err != nil {
		return common.TransportErrorf("DH keygen: %v", err)
	}
	ni, err := common.NewNonce(32)
	if err != nil {
		return common.TransportErrorf("nonce: %v", err)
	}
	gxi := group.PadToGroup(pub)
	msg3 := common.EncodeIkeMessage(e.hdr, []common.IkePayload{
		{Type: common.PayloadKE, Data: gxi},
		{Type: common.PayloadNonce, Data: ni},
	})
	reply, err = e.roundTrip(ctx, msg3)
	if err != nil {
		return err
	}
	kePl, noncePl := reply.Payload(common.PayloadKE), reply.Payload(common.PayloadNonce)
	if kePl == nil || noncePl == nil {
		return common.ProtocolErrorf("phase 1 reply missing KE or nonce")
	}
	peerPub := new(big.Int).SetBytes(kePl.Data)
	shared, err := group.Shared(priv, peerPub)
	if err != nil {
		return err
	}
	nr := noncePl.Data
	cky := append(append([]byte(nil), e.hdr.InitCookie[:]...), e.hdr.RespCookie[:]...)
	keys := common.DerivePhase1Keys(suite.HashID, []byte(e.cookie), shared, cky, ni, nr, suite.KeyLen)

	e.crypto = &phase1Crypto{suite: suite, keys: keys, ivs: make(map[uint32][]byte)}
	iv0 := common.NewHash(suite.HashID)()
	iv0.Write(gxi)
	iv0.Write(kePl.Data)
	e.crypto.ivPhase1 = iv0.Sum(nil)[:e.crypto.blockSize()]
	e.crypto.lastBlock = e.crypto.ivPhase1
	e.niB, e.nrB = ni, nr

	// Message 5/6: identities and auth hashes, encrypted.
	idi := common.EncodeID(common.IDData{IDType: common.IDTypeUserFQDN, Data: []byte(e.username)})
	hashI := common.AuthHash(suite.HashID, keys, gxi, kePl.Data, cky, e.saOffer, idi)
	msg5, err := e.crypto.seal(e.hdr, []common.IkePayload{
		{Type: common.PayloadID, Data: idi},
		{Type: common.PayloadHash, Data: hashI},
	})
	if err != nil {
		return err
	}
	rawReply, err := e.transport.RoundTrip(ctx, msg5)
	if err != nil {
		return err
	}
	dec, err := e.crypto.open(rawReply)
	if err != nil {
		return err
	}
	idPl, hashPl := dec.Payload(common.PayloadID), dec.Payload(common.PayloadHash)
	if idPl == nil || hashPl == nil {
		return common.ProtocolErrorf("phase 1 reply missing ID or hash")
	}
	hashR := common.AuthHash(suite.HashID, keys, kePl.Data, gxi, ckySwap(cky), e.saOffer, idPl.Data)
	if !bytes.Equal(hashR, hashPl.Data) {
		return common.AuthErrorf("phase 1 responder hash mismatch")
	}
	return nil
}

// ckySwap reorders CKY-I|CKY-R to CKY-R|CKY-I for the responder hash.
func ckySwap(cky []byte) []byte {
	out := make([]byte, 16)
	copy(out[:8], cky[8:])
	copy(out[8:], cky[:8])
	return out
}

func espKeymatLen(s common.CipherSuite) int {
	if s.AEAD {
		// Cipher key plus 4 salt bytes for the nonce construction.
		return s.KeyLen + 4
	}
	if s.HashID == common.HashSHA256 {
		return s.KeyLen + 32
	}
	return s.KeyLen + 20
}

func espAuthAlg(s common.CipherSuite) uint32 {
	if s.HashID == common.HashSHA256 {
		return 5 // HMAC-SHA2-256
	}
	return 2 // HMAC-SHA1
}

func (e *IkeEngine) phase2Proposals(spi uint32) []common.IkeProposal {
	var transforms []common.IkeTransform
	for i, s := range common.SuiteCatalog {
		attrs := []common.IkeAttr{
			{Type: common.AttrEncapMode, Value: 3}, // UDP-encapsulated tunnel
			{Type: common.AttrEspKeyLength, Value: uint32(s.KeyLen * 8)},
		}
		if !s.AEAD {
			attrs = append(attrs, common.IkeAttr{Type: common.AttrAuthAlg, Value: espAuthAlg(s)})
		}
		attrs = append(attrs, lifetimeAttrs(common.AttrSALifeType, e.lifetime)...)
		transforms = append(transforms, common.IkeTransform{Number: uint8(i + 1), ID: s.EspID, Attrs: attrs})
	}
	spiB := make([]byte, 4)
	binary.BigEndian.PutUint32(spiB, spi)
	return []common.IkeProposal{{Number: 1, ProtocolID: common.ProtoEsp, SPI: spiB, Transforms: transforms}}
}

func qmHash(hashID uint8, key []byte, msgID uint32, parts ...[]byte) []byte {
	mid := make([]byte, 4)
	binary.BigEndian.PutUint32(mid, msgID)
	data := [][]byte{mid}
	data = append(data, parts...)
	return common.PRF(hashID, key, data...)
}

// quickMode negotiates one ESP SA pair over the established phase 1.
func (e *IkeEngine) quickMode(ctx context.Context) (*SecurityAssociation, error) {
	if e.crypto == nil {
		return nil, common.ProtocolErrorf("quick mode before phase 1")
	}
	suite := e.crypto.suite
	msgID, err := common.NewSPI() // random non-zero message id
	if err != nil {
		return nil, err
	}
	spiIn, err := e.newSPI()
	if err != nil {
		return nil, err
	}
	ni, err := common.NewNonce(32)
	if err != nil {
		return nil, err
	}

	hdr := e.hdr
	hdr.Exchange = common.ExchangeQuickMode
	hdr.MessageID = msgID

	saBody := common.EncodeSAPayload(e.phase2Proposals(spiIn))
	rest := []common.IkePayload{
		{Type: common.PayloadSA, Data: saBody},
		{Type: common.PayloadNonce, Data: ni},
	}
	h1 := qmHash(suite.HashID, e.crypto.keys.SKEYIDa, msgID, common.EncodePayloadChain(rest))
	msg1, err := e.crypto.seal(hdr, append([]common.IkePayload{{Type: common.PayloadHash, Data: h1}}, rest...))
	if err != nil {
		return nil, err
	}
	rawReply, err := e.transport.RoundTrip(ctx, msg1)
	if err != nil {
		return nil, err
	}
	reply, err := e.crypto.open(rawReply)
	if err != nil {
		return nil, err
	}
	hashPl := reply.Payload(common.PayloadHash)
	saPl := reply.Payload(common.PayloadSA)
	noncePl := reply.Payload(common.PayloadNonce)
	if hashPl == nil || saPl == nil || noncePl == nil || reply.Payloads[0].Type != common.PayloadHash {
		return nil, common.ProtocolErrorf("quick mode reply incomplete")
	}
	nr := noncePl.Data
	wantH2 := qmHash(suite.HashID, e.crypto.keys.SKEYIDa, msgID, ni,
		common.EncodePayloadChain(reply.Payloads[1:]))
	if !bytes.Equal(wantH2, hashPl.Data) {
		return nil, common.AuthErrorf("quick mode responder hash mismatch")
	}
	props, err := common.DecodeSAPayload(saPl.Data)
	if err != nil {
		return nil, err
	}
	if len(props) != 1 || len(props[0].Transforms) != 1 || len(props[0].SPI) != 4 {
		return nil, common.ProtocolErrorf("quick mode reply must select one transform")
	}
	chosen := props[0].Transforms[0]
	keyBits := 0
	for _, a := range chosen.Attrs {
		if a.Type == common.AttrEspKeyLength {
			keyBits = int(a.Value)
		}
	}
	espSuite, ok := common.SuiteByESP(chosen.ID, keyBits/8)
	if !ok && chosen.ID == common.Esp3DES {
		espSuite, ok = common.SuiteByESP(chosen.ID, 24)
	}
	if !ok {
		return nil, common.ProtocolErrorf("responder selected ESP transform outside our offer (id=%d bits=%d)", chosen.ID, keyBits)
	}
	spiOut := binary.BigEndian.Uint32(props[0].SPI)

	// Message 3: final hash, proves liveness of our side.
	h3 := common.PRF(suite.HashID, e.crypto.keys.SKEYIDa,
		[]byte{0}, msgIDBytes(msgID), ni, nr)
	msg3, err := e.crypto.seal(hdr, []common.IkePayload{{Type: common.PayloadHash, Data: h3}})
	if err != nil {
		return nil, err
	}
	if err := e.transport.Send(ctx, msg3); err != nil {
		return nil, err
	}

	n := espKeymatLen(espSuite)
	sa := &SecurityAssociation{
		Suite:       espSuite,
		SPIIn:       spiIn,
		SPIOut:      spiOut,
		KeyIn:       common.EspKeymat(suite.HashID, e.crypto.keys.SKEYIDd, spiIn, ni, nr, n),
		KeyOut:      common.EspKeymat(suite.HashID, e.crypto.keys.SKEYIDd, spiOut, ni, nr, n),
		Established: time.Now(),
		Lifetime:    e.lifetime,
	}
	return sa, nil
}

func msgIDBytes(id uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, id)
	return b
}

// configMode requests the office-mode parameters over a transaction
// exchange.
func (e *IkeEngine) configMode(ctx context.Context) (*common.TunnelParams, error) {
	msgID, err := common.NewSPI()
	if err != nil {
		return nil, err
	}
	hdr := e.hdr
	hdr.Exchange = common.ExchangeTransaction
	hdr.MessageID = msgID

	req := common.EncodeCfg(common.CfgData{Type: common.CfgRequest, ID: uint16(msgID), Attrs: []common.IkeAttr{
		{Type: common.CfgIP4Address, Data: []byte{}},
		{Type: common.CfgIP4DNS, Data: []byte{}},
		{Type: common.CfgIP4Subnet, Data: []byte{}},
		{Type: common.CfgDNSDomain, Data: []byte{}},
	}})
	body := []common.IkePayload{{Type: common.PayloadAttr, Data: req}}
	h := qmHash(e.crypto.suite.HashID, e.crypto.keys.SKEYIDa, msgID, common.EncodePayloadChain(body))
	msg, err := e.crypto.seal(hdr, append([]common.IkePayload{{Type: common.PayloadHash, Data: h}}, body...))
	if err != nil {
		return nil, err
	}
	rawReply, err := e.transport.RoundTrip(ctx, msg)
	if err != nil {
		return nil, err
	}
	reply, err := e.crypto.open(rawReply)
	if err != nil {
		return nil, err
	}
	attrPl := reply.Payload(common.PayloadAttr)
	if attrPl == nil {
		return nil, common.ProtocolErrorf("config mode reply missing attributes")
	}
	cfg, err := common.DecodeCfg(attrPl.Data)
	if err != nil {
		return nil, err
	}
	if cfg.Type != common.CfgReply {
		return nil, common.ProtocolErrorf("unexpected config mode type %d", cfg.Type)
	}
	return common.OfficeModeFromCfg(cfg)
}

// Rekey negotiates a replacement SA pair and swaps kernel state in the
// install-new-then-remove-old order, so in-flight traffic on the old SPIs
// stays decryptable during the overlap.
func (e *IkeEngine) Rekey(ctx context.Context, old *SecurityAssociation) (*SecurityAssociation, error) {
	sa, err := e.quickMode(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.xfrm.InstallSA(sa, e.params); err != nil {
		return nil, err
	}
	sa.installed = true
	if old != nil && old.installed {
		if err := e.xfrm.RemoveSA(old); err != nil {
			e.log.Warn("removing superseded SA failed", "err", err)
		}
		old.installed = false
		old.Wipe()
	}
	e.log.Info("ipsec SA rekeyed", "spi_in", sa.SPIIn, "spi_out", sa.SPIOut)
	return sa, nil
}

// sendInformational seals a hash-prefixed informational exchange.
func (e *IkeEngine) sendInformational(ctx context.Context, payloads []common.IkePayload, wantReply bool) (*common.IkeMessage, error) {
	msgID, err := common.NewSPI()
	if err != nil {
		return nil, err
	}
	hdr := e.hdr
	hdr.Exchange = common.ExchangeInformational
	hdr.MessageID = msgID
	h := qmHash(e.crypto.suite.HashID, e.crypto.keys.SKEYIDa, msgID, common.EncodePayloadChain(payloads))
	msg, err := e.crypto.seal(hdr, append([]common.IkePayload{{Type: common.PayloadHash, Data: h}}, payloads...))
	if err != nil {
		return nil, err
	}
	if !wantReply {
		return nil, e.transport.Send(ctx, msg)
	}
	raw, err := e.transport.RoundTrip(ctx, msg)
	if err != nil {
		return nil, err
	}
	return e.crypto.open(raw)
}

// Teardown removes kernel state and tells the gateway to drop the SA.
// Safe to call on a partially built or already torn down SA.
func (e *IkeEngine) Teardown(ctx context.Context, sa *SecurityAssociation) {
	if sa == nil || sa.torndown {
		return
	}
	sa.torndown = true
	if sa.installed {
		if err := e.xfrm.RemoveSA(sa); err != nil {
			e.log.Warn("xfrm removal failed during teardown", "err", err)
		}
		if err := e.xfrm.RemovePolicies(e.params); err != nil {
			e.log.Warn("xfrm policy removal failed during teardown", "err", err)
		}
		sa.installed = false
	}
	if e.crypto != nil {
		spiIn, spiOut := msgIDBytes(sa.SPIIn), msgIDBytes(sa.SPIOut)
		del := common.EncodeDelete(common.DeleteData{ProtocolID: common.ProtoEsp, SPIs: [][]byte{spiIn, spiOut}})
		if _, err := e.sendInformational(ctx, []common.IkePayload{{Type: common.PayloadDelete, Data: del}}, false); err != nil {
			e.log.Debug("delete notification failed", "err", err)
		}
	}
	sa.Wipe()
}

// Close wipes phase-1 key material and closes the transport.
func (e *IkeEngine) Close() error {
	if e.crypto != nil {
		e.crypto.keys.Wipe()
	}
	return e.transport.Close()
}

// DPDProbe sends one R-U-THERE and waits for the acknowledgment. Three
// consecutive misses mark the SA failed.
func (e *IkeEngine) DPDProbe(ctx context.Context, seq uint32) error {
	if e.crypto == nil {
		return common.ProtocolErrorf("DPD before phase 1")
	}
	spi := append(append([]byte(nil), e.hdr.InitCookie[:]...), e.hdr.RespCookie[:]...)
	notify := common.EncodeNotify(common.NotifyData{
		ProtocolID: common.ProtoIsakmp,
		NotifyType: common.NotifyRUThere,
		SPI:        spi,
		Data:       msgIDBytes(seq),
	})
	reply, err := e.sendInformational(ctx, []common.IkePayload{{Type: common.PayloadNotify, Data: notify}}, true)
	if err != nil {
		return err
	}
	pl := reply.Payload(common.PayloadNotify)
	if pl == nil {
		return common.ProtocolErrorf("DPD reply missing notify")
	}
	n, err := common.DecodeNotify(pl.Data)
	if err != nil {
		return err
	}
	if n.NotifyType != common.NotifyRUThereAck || !bytes.Equal(n.Data, msgIDBytes(seq)) {
		return common.ProtocolErrorf("DPD reply mismatch (type=%d)", n.NotifyType)
	}
	return nil
}

// RunDPD probes liveness until the context ends or the peer goes silent
// for three consecutive probes.
func (e *IkeEngine) RunDPD(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var seq uint32
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			seq++
			if err := e.DPDProbe(ctx, seq); err != nil {
				if common.IsKind(err, common.KindCancelled) {
					return err
				}
				e.dpdMisses++
				e.log.Warn("DPD probe unanswered", "misses", e.dpdMisses, "err", err)
				if e.dpdMisses >= 3 {
					return common.TransportErrorf("peer unresponsive after %d DPD probes", e.dpdMisses)
				}
				continue
			}
			e.dpdMisses = 0
		}
	}
}
