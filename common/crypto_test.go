package common

import (
	"bytes"
	"testing"
)

func TestDHSharedSecretAgreement(t *testing.T) {
	g := DHGroupByID(GroupMODP1024)
	if g == nil {
		t.Fatalf("missing modp1024 group")
	}
	aPriv, aPub, err := g.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keypair a: %v", err)
	}
	bPriv, bPub, err := g.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keypair b: %v", err)
	}
	s1, err := g.Shared(aPriv, bPub)
	if err != nil {
		t.Fatalf("shared a: %v", err)
	}
	s2, err := g.Shared(bPriv, aPub)
	if err != nil {
		t.Fatalf("shared b: %v", err)
	}
	if !bytes.Equal(s1, s2) {
		t.Fatalf("shared secrets disagree")
	}
	if len(s1) != 128 {
		t.Fatalf("secret not padded to group size: %d", len(s1))
	}
}

func TestDHRejectsOutOfRangePeer(t *testing.T) {
	g := DHGroupByID(GroupMODP2048)
	priv, _, err := g.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	if _, err := g.Shared(priv, g.Prime); !IsKind(err, KindProtocol) {
		t.Fatalf("want protocol error for peer >= prime, got %v", err)
	}
}

func TestExpandKeyLengthAndDeterminism(t *testing.T) {
	key := []byte("expansion key")
	seed := []byte("seed")
	a := ExpandKey(HashSHA256, key, seed, 100)
	b := ExpandKey(HashSHA256, key, seed, 100)
	if len(a) != 100 || !bytes.Equal(a, b) {
		t.Fatalf("expansion not deterministic or wrong length")
	}
	if bytes.Equal(a[:32], a[32:64]) {
		t.Fatalf("expansion blocks repeat")
	}
}

func TestDerivePhase1KeysDistinct(t *testing.T) {
	keys := DerivePhase1Keys(HashSHA256, []byte("cookie-secret"),
		bytes.Repeat([]byte{7}, 128),
		bytes.Repeat([]byte{1}, 16),
		[]byte("nonce-i"), []byte("nonce-r"), 32)
	if len(keys.SKEYIDe) != 32 {
		t.Fatalf("encryption key wrong length: %d", len(keys.SKEYIDe))
	}
	if bytes.Equal(keys.SKEYIDd, keys.SKEYIDa) || bytes.Equal(keys.SKEYIDa, keys.SKEYIDe) {
		t.Fatalf("derived keys must differ")
	}
	keys.Wipe()
	if !bytes.Equal(keys.SKEYIDe, make([]byte, 32)) {
		t.Fatalf("wipe left key material")
	}
}

func TestPhase1EncryptDecrypt(t *testing.T) {
	for _, suite := range SuiteCatalog {
		key := bytes.Repeat([]byte{0x42}, suite.KeyLen)
		iv := bytes.Repeat([]byte{0x17}, 16)
		plaintext := []byte("isakmp payload chain of arbitrary length 123")
		ct, err := EncryptPhase1(suite, key, iv, plaintext)
		if err != nil {
			t.Fatalf("%s: encrypt: %v", suite.Name, err)
		}
		pt, err := DecryptPhase1(suite, key, iv, ct)
		if err != nil {
			t.Fatalf("%s: decrypt: %v", suite.Name, err)
		}
		if !bytes.Equal(pt, plaintext) {
			t.Fatalf("%s: round trip mismatch", suite.Name)
		}
	}
}

func TestPhase1DecryptRejectsUnaligned(t *testing.T) {
	suite := SuiteCatalog[0]
	key := bytes.Repeat([]byte{1}, suite.KeyLen)
	iv := bytes.Repeat([]byte{2}, 16)
	if _, err := DecryptPhase1(suite, key, iv, []byte{1, 2, 3}); !IsKind(err, KindProtocol) {
		t.Fatalf("want protocol error, got %v", err)
	}
}

func TestEspKeymatPerDirection(t *testing.T) {
	skeyidD := []byte("phase1 derivation key")
	ni := []byte("nonce-i")
	nr := []byte("nonce-r")
	out := EspKeymat(HashSHA256, skeyidD, 0x11111111, ni, nr, 36)
	in := EspKeymat(HashSHA256, skeyidD, 0x22222222, ni, nr, 36)
	if len(out) != 36 || len(in) != 36 {
		t.Fatalf("keymat wrong length")
	}
	if bytes.Equal(out, in) {
		t.Fatalf("keymat must differ per SPI")
	}
}

func TestAEADSuites(t *testing.T) {
	msg := []byte("esp payload")
	for _, suite := range SuiteCatalog {
		if !suite.AEAD {
			continue
		}
		key := bytes.Repeat([]byte{9}, suite.KeyLen)
		aead, err := NewAEAD(suite, key)
		if err != nil {
			t.Fatalf("%s: %v", suite.Name, err)
		}
		nonce := make([]byte, aead.NonceSize())
		ct := aead.Seal(nil, nonce, msg, nil)
		pt, err := aead.Open(nil, nonce, ct, nil)
		if err != nil || !bytes.Equal(pt, msg) {
			t.Fatalf("%s: AEAD round trip failed: %v", suite.Name, err)
		}
	}
	if _, err := NewAEAD(SuiteCatalog[len(SuiteCatalog)-1], make([]byte, 24)); err == nil {
		t.Fatalf("expected error for non-AEAD suite")
	}
}

func TestSuiteByESP(t *testing.T) {
	s, ok := SuiteByESP(EspAESGCM16, 32)
	if !ok || !s.AEAD {
		t.Fatalf("gcm suite lookup failed")
	}
	if _, ok := SuiteByESP(0x7F, 32); ok {
		t.Fatalf("unexpected suite for unknown transform")
	}
}

func TestRandomHelpers(t *testing.T) {
	c1, err := NewCookie()
	if err != nil {
		t.Fatalf("cookie: %v", err)
	}
	c2, _ := NewCookie()
	if c1 == c2 {
		t.Fatalf("cookies collide")
	}
	spi, err := NewSPI()
	if err != nil || spi == 0 {
		t.Fatalf("spi: %v %d", err, spi)
	}
	n, err := NewNonce(32)
	if err != nil || len(n) != 32 {
		t.Fatalf("nonce: %v", err)
	}
}
