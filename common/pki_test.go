package common

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestCert(t *testing.T, cn string, dns []string) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		DNSNames:              dns,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	return cert, key
}

func TestVerifyGatewayCert(t *testing.T) {
	cert, _ := newTestCert(t, "gw", []string{"vpn.example.com"})
	roots := x509.NewCertPool()
	roots.AddCert(cert)
	cs := tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}

	if err := VerifyGatewayCert(cs, "vpn.example.com", roots); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	err := VerifyGatewayCert(cs, "other.example.com", roots)
	if !IsKind(err, KindCertificate) {
		t.Fatalf("want certificate error, got %v", err)
	}
	if got := err.Error(); !strings.Contains(got, "hostname") {
		t.Fatalf("error must name the hostname check: %s", got)
	}
	err = VerifyGatewayCert(cs, "vpn.example.com", x509.NewCertPool())
	if !IsKind(err, KindCertificate) || !strings.Contains(err.Error(), "chain") {
		t.Fatalf("error must name the chain check: %v", err)
	}
	if err := VerifyGatewayCert(tls.ConnectionState{}, "vpn.example.com", roots); !IsKind(err, KindCertificate) {
		t.Fatalf("want certificate error for missing peer cert, got %v", err)
	}
}

func TestTLSClientConfigInsecureSkips(t *testing.T) {
	cert, _ := newTestCert(t, "gw", []string{"vpn.example.com"})
	cs := tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}

	strict := TLSClientConfig("other.example.com", x509.NewCertPool(), false, nil)
	if err := strict.VerifyConnection(cs); !IsKind(err, KindCertificate) {
		t.Fatalf("strict config must reject, got %v", err)
	}
	insecure := TLSClientConfig("other.example.com", nil, true, nil)
	if err := insecure.VerifyConnection(cs); err != nil {
		t.Fatalf("insecure config must accept with a warning, got %v", err)
	}
}

func TestSignNonceAndVerify(t *testing.T) {
	cert, key := newTestCert(t, "client", nil)
	id := &ClientIdentity{Certificate: cert, Signer: key, Chain: [][]byte{cert.Raw}}
	nonce := []byte("server supplied nonce")
	sig, err := id.SignNonce(nonce)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := VerifyNonceSignature(&key.PublicKey, nonce, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifyNonceSignature(&key.PublicKey, []byte("tampered"), sig); !IsKind(err, KindCertificate) {
		t.Fatalf("want certificate error for tampered nonce, got %v", err)
	}
	var empty *ClientIdentity
	if _, err := empty.SignNonce(nonce); !IsKind(err, KindCertificate) {
		t.Fatalf("want certificate error for missing identity, got %v", err)
	}
}

// fakeToken routes signing through an opaque handle, standing in for a
// PKCS11 token.
type fakeToken struct {
	key   *ecdsa.PrivateKey
	calls int
}

func (f *fakeToken) Public() crypto.PublicKey { return &f.key.PublicKey }
func (f *fakeToken) Label() string            { return "test-token" }

func (f *fakeToken) Sign(r io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	f.calls++
	return f.key.Sign(r, digest, opts)
}

func TestTokenIdentityRoutesSigning(t *testing.T) {
	cert, key := newTestCert(t, "token-client", nil)
	token := &fakeToken{key: key}
	id := TokenIdentity(cert, token)
	nonce := []byte("nonce")
	sig, err := id.SignNonce(nonce)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if token.calls != 1 {
		t.Fatalf("signing did not route through the token: %d calls", token.calls)
	}
	if err := VerifyNonceSignature(token.Public(), nonce, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestLoadPEMIdentity(t *testing.T) {
	cert, key := newTestCert(t, "pem-client", nil)
	dir := t.TempDir()
	certPath := filepath.Join(dir, "client.pem")
	keyPath := filepath.Join(dir, "client-key.pem")

	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	id, err := LoadPEMIdentity(certPath, keyPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if id.Certificate.Subject.CommonName != "pem-client" {
		t.Fatalf("unexpected CN: %s", id.Certificate.Subject.CommonName)
	}
	if _, err := LoadPEMIdentity(certPath, certPath); !IsKind(err, KindCertificate) {
		t.Fatalf("want certificate error for bad key file, got %v", err)
	}
}
