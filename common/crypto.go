package common

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"math/big"

	"golang.org/x/crypto/chacha20poly1305"
)

// OAKLEY identifiers (phase-1).
const (
	Encr3DES   uint8 = 5
	EncrAESCBC uint8 = 7

	HashSHA1   uint8 = 2
	HashSHA256 uint8 = 4

	AuthPresharedKey uint8 = 1
	AuthRSASig       uint8 = 3
)

// ESP transform identifiers (phase-2). ChaCha20-Poly1305 carries the
// IKEv2 registry number; the gateway mirrors it for IKEv1 proposals.
const (
	Esp3DES     uint8 = 3
	EspAESCBC   uint8 = 12
	EspAESGCM16 uint8 = 20
	EspChaCha20 uint8 = 28
)

// DH group descriptors.
const (
	GroupMODP1024 uint16 = 2
	GroupMODP1536 uint16 = 5
	GroupMODP2048 uint16 = 14
)

// CipherSuite is one negotiable combination. The catalog below is the
// fixed client offer, strongest first; proposal intersection picks the
// first entry the gateway accepts.
type CipherSuite struct {
	Name    string
	EncrID  uint8 // OAKLEY encryption id (phase-1)
	EspID   uint8 // ESP transform id (phase-2)
	HashID  uint8 // OAKLEY hash id
	DHGroup uint16
	KeyLen  int // bytes
	AEAD    bool
}

var SuiteCatalog = []CipherSuite{
	{Name: "aes256gcm-sha256-modp2048", EncrID: EncrAESCBC, EspID: EspAESGCM16, HashID: HashSHA256, DHGroup: GroupMODP2048, KeyLen: 32, AEAD: true},
	{Name: "chacha20poly1305-sha256-modp2048", EncrID: EncrAESCBC, EspID: EspChaCha20, HashID: HashSHA256, DHGroup: GroupMODP2048, KeyLen: 32, AEAD: true},
	{Name: "aes256cbc-sha256-modp2048", EncrID: EncrAESCBC, EspID: EspAESCBC, HashID: HashSHA256, DHGroup: GroupMODP2048, KeyLen: 32},
	{Name: "aes128cbc-sha1-modp1536", EncrID: EncrAESCBC, EspID: EspAESCBC, HashID: HashSHA1, DHGroup: GroupMODP1536, KeyLen: 16},
	{Name: "3des-sha1-modp1024", EncrID: Encr3DES, EspID: Esp3DES, HashID: HashSHA1, DHGroup: GroupMODP1024, KeyLen: 24},
}

// SuiteByESP finds a catalog entry matching the gateway's chosen ESP
// transform and key length.
func SuiteByESP(espID uint8, keyLen int) (CipherSuite, bool) {
	for _, s := range SuiteCatalog {
		if s.EspID == espID && s.KeyLen == keyLen {
			return s, true
		}
	}
	return CipherSuite{}, false
}

// NewHash returns the hash constructor for an OAKLEY hash id.
func NewHash(hashID uint8) func() hash.Hash {
	switch hashID {
	case HashSHA256:
		return sha256.New
	default:
		return sha1.New
	}
}

// PRF computes HMAC-hash(key, data...), the IKEv1 pseudo-random function.
func PRF(hashID uint8, key []byte, data ...[]byte) []byte {
	mac := hmac.New(NewHash(hashID), key)
	for _, d := range data {
		mac.Write(d)
	}
	return mac.Sum(nil)
}

// ExpandKey iterates the PRF until n bytes of keying material are
// available: K1 = prf(key, seed), Ki = prf(key, K(i-1) | seed).
func ExpandKey(hashID uint8, key, seed []byte, n int) []byte {
	var out, prev []byte
	for len(out) < n {
		buf := make([]byte, 0, len(prev)+len(seed))
		buf = append(buf, prev...)
		buf = append(buf, seed...)
		prev = PRF(hashID, key, buf)
		out = append(out, prev...)
	}
	return out[:n]
}

// modp group primes, RFC 2409 §6.2 and RFC 3526 §2-3. Generator is 2 for
// all of them.
const (
	modp1024Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74" +
		"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437" +
		"4FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF"
	modp1536Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74" +
		"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437" +
		"4FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF05" +
		"98DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB" +
		"9ED529077096966D670C354E4ABC9804F1746C08CA237327FFFFFFFFFFFFFFFF"
	modp2048Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74" +
		"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437" +
		"4FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF05" +
		"98DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB" +
		"9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
		"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF695581718" +
		"3995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF"
)

// DHGroup is a classic modular-exponentiation Diffie-Hellman group.
type DHGroup struct {
	ID    uint16
	Prime *big.Int
	Gen   *big.Int
	Bits  int
}

var dhGroups = map[uint16]*DHGroup{
	GroupMODP1024: newModpGroup(GroupMODP1024, modp1024Hex),
	GroupMODP1536: newModpGroup(GroupMODP1536, modp1536Hex),
	GroupMODP2048: newModpGroup(GroupMODP2048, modp2048Hex),
}

func newModpGroup(id uint16, primeHex string) *DHGroup {
	p, ok := new(big.Int).SetString(primeHex, 16)
	if !ok {
		panic("bad modp prime constant")
	}
	return &DHGroup{ID: id, Prime: p, Gen: big.NewInt(2), Bits: p.BitLen()}
}

// DHGroupByID returns the group for a descriptor, or nil.
func DHGroupByID(id uint16) *DHGroup {
	return dhGroups[id]
}

// GenerateKeyPair draws a private exponent and computes the public value.
func (g *DHGroup) GenerateKeyPair() (priv, pub *big.Int, err error) {
	limit := new(big.Int).Sub(g.Prime, big.NewInt(2))
	priv, err = rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, nil, err
	}
	priv.Add(priv, big.NewInt(2))
	pub = new(big.Int).Exp(g.Gen, priv, g.Prime)
	return priv, pub, nil
}

// Shared computes the shared secret, left-padded to the group size as the
// wire format requires.
func (g *DHGroup) Shared(priv, peerPub *big.Int) ([]byte, error) {
	if peerPub.Sign() <= 0 || peerPub.Cmp(g.Prime) >= 0 {
		return nil, ProtocolErrorf("peer DH public value out of range")
	}
	s := new(big.Int).Exp(peerPub, priv, g.Prime)
	return g.PadToGroup(s), nil
}

// PadToGroup left-pads a big int to the group's byte size.
func (g *DHGroup) PadToGroup(v *big.Int) []byte {
	size := (g.Bits + 7) / 8
	out := make([]byte, size)
	v.FillBytes(out)
	return out
}

// Phase1Keys is the derived phase-1 key set (RFC 2409 §5).
type Phase1Keys struct {
	SKEYID  []byte
	SKEYIDd []byte // derivation key, feeds phase-2 KEYMAT
	SKEYIDa []byte // authentication key
	SKEYIDe []byte // encryption key, expanded to cipher length
}

// Wipe zeroizes the key set.
func (k *Phase1Keys) Wipe() {
	for _, b := range [][]byte{k.SKEYID, k.SKEYIDd, k.SKEYIDa, k.SKEYIDe} {
		for i := range b {
			b[i] = 0
		}
	}
}

// DerivePhase1Keys derives the full phase-1 key set from the shared
// secret, concatenated cookies, and nonces, for the pre-shared/session-
// cookie authentication method.
func DerivePhase1Keys(hashID uint8, secret, sharedDH, cky, ni, nr []byte, encKeyLen int) *Phase1Keys {
	k := &Phase1Keys{}
	k.SKEYID = PRF(hashID, secret, ni, nr)
	k.SKEYIDd = PRF(hashID, k.SKEYID, sharedDH, cky, []byte{0})
	k.SKEYIDa = PRF(hashID, k.SKEYID, k.SKEYIDd, sharedDH, cky, []byte{1})
	e := PRF(hashID, k.SKEYID, k.SKEYIDa, sharedDH, cky, []byte{2})
	if len(e) < encKeyLen {
		e = ExpandKey(hashID, e, []byte{0}, encKeyLen)
	}
	k.SKEYIDe = e[:encKeyLen]
	return k
}

// AuthHash computes HASH_I / HASH_R over the public DH values, cookies,
// the initiator's SA offer, and the identity payload body.
func AuthHash(hashID uint8, keys *Phase1Keys, gxLocal, gxPeer, cky, saBody, idBody []byte) []byte {
	return PRF(hashID, keys.SKEYID, gxLocal, gxPeer, cky, saBody, idBody)
}

// EspKeymat derives phase-2 keying material for one SPI direction:
// KEYMAT = prf(SKEYID_d, protocol | SPI | Ni | Nr), iterated.
func EspKeymat(hashID uint8, skeyidD []byte, spi uint32, ni, nr []byte, n int) []byte {
	seed := make([]byte, 5, 5+len(ni)+len(nr))
	seed[0] = ProtoEsp
	binary.BigEndian.PutUint32(seed[1:], spi)
	seed = append(seed, ni...)
	seed = append(seed, nr...)
	return ExpandKey(hashID, skeyidD, seed, n)
}

// NewCBC builds the phase-1 message cipher for a suite.
func NewCBC(suite CipherSuite, key []byte) (cipher.Block, error) {
	switch suite.EncrID {
	case Encr3DES:
		return des.NewTripleDESCipher(key)
	default:
		return aes.NewCipher(key)
	}
}

// EncryptPhase1 encrypts an encoded payload chain in CBC mode. Padding is
// zero bytes with the count in the final byte, which DecryptPhase1 strips.
func EncryptPhase1(suite CipherSuite, key, iv, plaintext []byte) ([]byte, error) {
	block, err := NewCBC(suite, key)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(iv) < bs {
		return nil, ProtocolErrorf("iv shorter than block size")
	}
	pad := bs - (len(plaintext)+1)%bs
	if pad == bs {
		pad = 0
	}
	buf := make([]byte, len(plaintext)+pad+1)
	copy(buf, plaintext)
	buf[len(buf)-1] = byte(pad)
	cipher.NewCBCEncrypter(block, iv[:bs]).CryptBlocks(buf, buf)
	return buf, nil
}

// DecryptPhase1 reverses EncryptPhase1.
func DecryptPhase1(suite CipherSuite, key, iv, ciphertext []byte) ([]byte, error) {
	block, err := NewCBC(suite, key)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(iv) < bs {
		return nil, ProtocolErrorf("iv shorter than block size")
	}
	if len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
		return nil, ProtocolErrorf("encrypted payload not block aligned: %d", len(ciphertext))
	}
	buf := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv[:bs]).CryptBlocks(buf, ciphertext)
	pad := int(buf[len(buf)-1])
	if pad+1 > len(buf) {
		return nil, ProtocolErrorf("bad padding length %d", pad)
	}
	return buf[:len(buf)-pad-1], nil
}

// NewAEAD builds the AEAD for an AEAD suite's ESP keying material. Used to
// sanity-check derived keys and by tests; the kernel owns the ESP fast
// path.
func NewAEAD(suite CipherSuite, key []byte) (cipher.AEAD, error) {
	switch suite.EspID {
	case EspChaCha20:
		return chacha20poly1305.New(key)
	case EspAESGCM16:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	}
	return nil, ProtocolErrorf("suite %s is not AEAD", suite.Name)
}

// NewCookie draws a random ISAKMP cookie.
func NewCookie() ([8]byte, error) {
	var c [8]byte
	_, err := rand.Read(c[:])
	return c, err
}

// NewSPI draws a random non-zero SPI.
func NewSPI() (uint32, error) {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		spi := binary.BigEndian.Uint32(b[:])
		if spi != 0 {
			return spi, nil
		}
	}
}

// NewNonce draws n random bytes.
func NewNonce(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
