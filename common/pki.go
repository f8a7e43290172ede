package common

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"os"

	"golang.org/x/crypto/pkcs12"
)

// ClientIdentity is a loaded client certificate with its signing
// capability. For hardware tokens the Signer is an opaque handle; key
// material never enters process memory.
type ClientIdentity struct {
	Certificate *x509.Certificate
	Signer      crypto.Signer
	Chain       [][]byte // DER, leaf first
}

// TokenSigner is the capability exposed by a PKCS11-backed certificate
// source. Sign requests are routed to the token.
type TokenSigner interface {
	crypto.Signer
	Label() string
}

// LoadPEMIdentity loads a PEM certificate/key pair from disk.
func LoadPEMIdentity(certPath, keyPath string) (*ClientIdentity, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, CertificateErrorf("load PEM identity: %v", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, CertificateErrorf("parse PEM leaf certificate: %v", err)
	}
	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, CertificateErrorf("PEM private key cannot sign")
	}
	return &ClientIdentity{Certificate: leaf, Signer: signer, Chain: pair.Certificate}, nil
}

// LoadPFXIdentity loads a PKCS#12 bundle.
func LoadPFXIdentity(path, password string) (*ClientIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, CertificateErrorf("read PFX bundle: %v", err)
	}
	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, CertificateErrorf("decode PFX bundle: %v", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, CertificateErrorf("PFX private key cannot sign")
	}
	return &ClientIdentity{Certificate: cert, Signer: signer, Chain: [][]byte{cert.Raw}}, nil
}

// TokenIdentity wraps a hardware-token signer as a ClientIdentity.
func TokenIdentity(cert *x509.Certificate, signer TokenSigner) *ClientIdentity {
	return &ClientIdentity{Certificate: cert, Signer: signer, Chain: [][]byte{cert.Raw}}
}

// SignNonce computes the detached signature over a server-supplied nonce.
func (id *ClientIdentity) SignNonce(nonce []byte) ([]byte, error) {
	if id == nil || id.Signer == nil {
		return nil, CertificateErrorf("no signing identity available")
	}
	digest := sha256.Sum256(nonce)
	sig, err := id.Signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, CertificateErrorf("nonce signing failed: %v", err)
	}
	return sig, nil
}

// VerifyNonceSignature checks a detached nonce signature. The gateway does
// this for real; the client only needs it in tests.
func VerifyNonceSignature(pub crypto.PublicKey, nonce, sig []byte) error {
	digest := sha256.Sum256(nonce)
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], sig); err != nil {
			return CertificateErrorf("nonce signature invalid: %v", err)
		}
		return nil
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(k, digest[:], sig) {
			return CertificateErrorf("nonce signature invalid")
		}
		return nil
	}
	return CertificateErrorf("unsupported public key type %T", pub)
}

// VerifyGatewayCert runs the chain and hostname checks against a completed
// TLS handshake, naming the failed check in the returned error.
func VerifyGatewayCert(cs tls.ConnectionState, host string, roots *x509.CertPool) error {
	if len(cs.PeerCertificates) == 0 {
		return CertificateErrorf("gateway presented no certificate")
	}
	leaf := cs.PeerCertificates[0]
	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, c := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(c)
	}
	if _, err := leaf.Verify(opts); err != nil {
		return CertificateErrorf("chain verification failed: %v", err)
	}
	if err := leaf.VerifyHostname(host); err != nil {
		return CertificateErrorf("hostname verification failed: %v", err)
	}
	return nil
}

// TLSClientConfig builds the TLS setup used by both the CCC control
// channel and the SSL tunnel. Verification always runs through
// VerifyGatewayCert so failures carry the offending check; insecure mode
// skips enforcement but logs a warning on every handshake.
func TLSClientConfig(host string, roots *x509.CertPool, insecure bool, id *ClientIdentity) *tls.Config {
	cfg := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
		// Verification happens in VerifyConnection so that errors carry
		// the failed check by name.
		InsecureSkipVerify: true,
	}
	if id != nil && id.Signer != nil {
		cfg.Certificates = []tls.Certificate{{
			Certificate: id.Chain,
			PrivateKey:  id.Signer,
			Leaf:        id.Certificate,
		}}
	}
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		if insecure {
			slog.Warn("TLS certificate verification is disabled; the gateway identity is NOT checked", "gateway", host)
			return nil
		}
		return VerifyGatewayCert(cs, host, roots)
	}
	return cfg
}
