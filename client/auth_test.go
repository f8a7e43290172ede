package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tGecko/snx-rs/common"
)

// scriptedSupplier answers with canned values; empty fields fail.
type scriptedSupplier struct {
	username  string
	password  string
	challenge string
	assertion string
}

func (s *scriptedSupplier) Username(ctx context.Context) (string, error) {
	return s.username, nil
}

func (s *scriptedSupplier) Password(ctx context.Context, prompt string) (string, error) {
	if s.password == "" {
		return "", common.AuthErrorf("no password scripted")
	}
	return s.password, nil
}

func (s *scriptedSupplier) Challenge(ctx context.Context, prompt string) (string, error) {
	if s.challenge == "" {
		return "", common.AuthErrorf("no challenge answer scripted")
	}
	return s.challenge, nil
}

func (s *scriptedSupplier) SAMLAssertion(ctx context.Context, url string) (string, error) {
	if s.assertion == "" {
		return "", common.AuthErrorf("no assertion scripted")
	}
	return s.assertion, nil
}

// cccHandler decodes each posted request and hands it to the script.
func cccHandler(t *testing.T, script func(typ string, data *common.Expr) *common.Expr) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			t.Errorf("gateway read body: %v", err)
			return
		}
		e, err := common.DecodeExpr(string(body))
		if err != nil {
			t.Errorf("gateway decode request: %v", err)
			return
		}
		hdr := e.Get("RequestHeader")
		if hdr == nil {
			t.Errorf("request without header: %s", body)
			return
		}
		reply := script(hdr.Str("type"), e.Get("RequestData"))
		io.WriteString(w, reply.Encode())
	}
}

func cccReply(sessionID string, data *common.Expr) *common.Expr {
	hdr := common.BlockExpr("").
		AddLeaf("id", "1").
		AddLeaf("type", "Response").
		AddLeaf("session_id", sessionID)
	return common.BlockExpr("CCCserverResponse").
		Add("ResponseHeader", hdr).
		Add("ResponseData", data)
}

func newTestNegotiator(t *testing.T, ts *httptest.Server, id *common.ClientIdentity, timeout time.Duration) *AuthNegotiator {
	t.Helper()
	gateway := strings.TrimPrefix(ts.URL, "https://")
	return NewAuthNegotiator(gateway, nil, true, id, timeout, newLogger(io.Discard, "error"))
}

func TestAuthenticatePasswordThenMFA(t *testing.T) {
	ts := httptest.NewTLSServer(cccHandler(t, func(typ string, data *common.Expr) *common.Expr {
		switch typ {
		case common.CCCTypeUserPass:
			if data.Str("username") != "alice" || data.Str("password") != "hunter2" {
				return cccReply("", common.BlockExpr("").AddLeaf("error_message", "wrong credentials"))
			}
			return cccReply("sess-7", common.BlockExpr("").
				AddLeaf("authn_status", common.AuthnStatusContinue).
				AddLeaf("prompt", "Enter MFA code"))
		case common.CCCTypeMultiChallenge:
			if data.Str("user_input") != "123456" {
				return cccReply("sess-7", common.BlockExpr("").AddLeaf("error_message", "bad code"))
			}
			return cccReply("sess-7", common.BlockExpr("").
				AddLeaf("authn_status", common.AuthnStatusDone).
				AddLeaf("is_authenticated", "true").
				AddLeaf("active_key", "cookie-xyz"))
		default:
			t.Errorf("unexpected request type %q", typ)
			return cccReply("", common.BlockExpr(""))
		}
	}))
	defer ts.Close()

	a := newTestNegotiator(t, ts, nil, 5*time.Second)
	sup := &scriptedSupplier{username: "alice", password: "hunter2", challenge: "123456"}
	res, err := a.Authenticate(context.Background(), "vpn_Username_Password", sup)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if res.Cookie != "cookie-xyz" || res.SessionID != "sess-7" || res.Username != "alice" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestAuthenticateRejected(t *testing.T) {
	ts := httptest.NewTLSServer(cccHandler(t, func(typ string, data *common.Expr) *common.Expr {
		return cccReply("", common.BlockExpr("").
			AddLeaf("authn_status", common.AuthnStatusDone).
			AddLeaf("is_authenticated", "false").
			AddLeaf("error_message", "Access denied - wrong user name or password"))
	}))
	defer ts.Close()

	a := newTestNegotiator(t, ts, nil, 5*time.Second)
	sup := &scriptedSupplier{username: "alice", password: "wrong"}
	_, err := a.Authenticate(context.Background(), "vpn_Username_Password", sup)
	if !common.IsKind(err, common.KindAuth) {
		t.Fatalf("want auth error, got %v", err)
	}
	if !strings.Contains(err.Error(), "wrong user name") {
		t.Fatalf("error should carry the gateway reason: %v", err)
	}
}

func TestAuthenticateSAML(t *testing.T) {
	const assertion = "b64-saml-assertion-blob"
	ts := httptest.NewTLSServer(cccHandler(t, func(typ string, data *common.Expr) *common.Expr {
		switch typ {
		case common.CCCTypeUserPass:
			return cccReply("sess-9", common.BlockExpr("").
				AddLeaf("authn_status", common.AuthnStatusContinue).
				AddLeaf("redirect_url", "https://login.example.com/saml"))
		case common.CCCTypeMultiChallenge:
			if data.Str("user_input") != assertion {
				return cccReply("sess-9", common.BlockExpr("").AddLeaf("error_message", "bad assertion"))
			}
			return cccReply("sess-9", common.BlockExpr("").
				AddLeaf("authn_status", common.AuthnStatusDone).
				AddLeaf("is_authenticated", "true").
				AddLeaf("active_key", "cookie-saml"))
		default:
			t.Errorf("unexpected request type %q", typ)
			return cccReply("", common.BlockExpr(""))
		}
	}))
	defer ts.Close()

	a := newTestNegotiator(t, ts, nil, 5*time.Second)
	sup := &scriptedSupplier{username: "alice", password: "ignored", assertion: assertion}
	res, err := a.Authenticate(context.Background(), "vpn_Azure_Authentication", sup)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if res.Cookie != "cookie-saml" {
		t.Fatalf("unexpected cookie %q", res.Cookie)
	}
}

func TestAuthenticateRoundTimeout(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer ts.Close()

	a := newTestNegotiator(t, ts, nil, 50*time.Millisecond)
	sup := &scriptedSupplier{username: "alice", password: "pw"}
	_, err := a.Authenticate(context.Background(), "vpn_Username_Password", sup)
	if !common.IsKind(err, common.KindTimeout) {
		t.Fatalf("want timeout error, got %v", err)
	}
}

func testIdentity(t *testing.T) *common.ClientIdentity {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "alice"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return &common.ClientIdentity{Certificate: cert, Signer: key, Chain: [][]byte{der}}
}

func TestAuthenticateCertificateNonce(t *testing.T) {
	id := testIdentity(t)
	nonce := []byte("gateway-nonce-0123456789abcdef")

	ts := httptest.NewTLSServer(cccHandler(t, func(typ string, data *common.Expr) *common.Expr {
		switch typ {
		case common.CCCTypeUserPass:
			if data.Str("password") != "" {
				t.Errorf("certificate login must not send a password")
			}
			return cccReply("sess-c", common.BlockExpr("").
				AddLeaf("authn_status", common.AuthnStatusContinue).
				AddLeaf("nonce", base64.StdEncoding.EncodeToString(nonce)))
		case common.CCCTypeCertAuth:
			if got := data.Str("selected_login_option"); got != "vpn_Certificate" {
				t.Errorf("certificate proof lost the login option: %q", got)
			}
			sig, err := base64.StdEncoding.DecodeString(data.Str("signature"))
			if err != nil {
				t.Errorf("bad signature encoding: %v", err)
			}
			if err := common.VerifyNonceSignature(id.Certificate.PublicKey, nonce, sig); err != nil {
				t.Errorf("nonce signature: %v", err)
				return cccReply("sess-c", common.BlockExpr("").AddLeaf("error_message", "bad signature"))
			}
			if data.Get("cert_chain") == nil {
				t.Errorf("certificate proof without cert_chain")
			}
			return cccReply("sess-c", common.BlockExpr("").
				AddLeaf("authn_status", common.AuthnStatusDone).
				AddLeaf("is_authenticated", "true").
				AddLeaf("active_key", "cookie-cert"))
		default:
			t.Errorf("unexpected request type %q", typ)
			return cccReply("", common.BlockExpr(""))
		}
	}))
	defer ts.Close()

	a := newTestNegotiator(t, ts, id, 5*time.Second)
	// No password scripted: the supplier fails, the identity takes over.
	sup := &scriptedSupplier{username: "alice"}
	res, err := a.Authenticate(context.Background(), "vpn_Certificate", sup)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if res.Cookie != "cookie-cert" {
		t.Fatalf("unexpected cookie %q", res.Cookie)
	}
}

func TestDiscoverPreservesOrder(t *testing.T) {
	ts := httptest.NewTLSServer(cccHandler(t, func(typ string, data *common.Expr) *common.Expr {
		if typ != common.CCCTypeClientHello {
			t.Errorf("unexpected request type %q", typ)
		}
		protos := common.BlockExpr("").
			Add("", common.LeafExpr("IPSec")).
			Add("", common.LeafExpr("SSL"))
		list := common.BlockExpr("").
			Add("", common.BlockExpr("").
				AddLeaf("id", "vpn_Username_Password").
				AddLeaf("display_name", "Username and Password")).
			Add("", common.BlockExpr("").
				AddLeaf("id", "vpn_Azure_Authentication").
				AddLeaf("display_name", "Microsoft Entra ID (SAML)"))
		return cccReply("", common.BlockExpr("").
			Add("supported_data_tunnel_protocols", protos).
			Add("login_options_data", common.BlockExpr("").Add("login_options_list", list)))
	}))
	defer ts.Close()

	a := newTestNegotiator(t, ts, nil, 5*time.Second)
	d, err := a.Discover(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(d.Protocols) != 2 || d.Protocols[0] != "IPSec" || d.Protocols[1] != "SSL" {
		t.Fatalf("protocols: %v", d.Protocols)
	}
	if len(d.LoginTypes) != 2 || d.LoginTypes[0].ID != "vpn_Username_Password" {
		t.Fatalf("login options out of order: %+v", d.LoginTypes)
	}
	if d.LoginTypes[1].DisplayName != "Microsoft Entra ID (SAML)" {
		t.Fatalf("display name lost: %+v", d.LoginTypes[1])
	}
}
