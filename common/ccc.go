package common

import (
	"encoding/base64"
	"net"
	"strconv"
	"strings"
	"time"
)

// Typed views over the CCC control-channel exchanges. Requests are built as
// Expr trees and posted to the gateway's /clients/ endpoint; replies are
// decoded back into the structs below.

const (
	cccClientType = "TRAC"

	CCCTypeClientHello    = "ClientHello"
	CCCTypeUserPass       = "UserPass"
	CCCTypeCertAuth       = "CertAuth"
	CCCTypeMultiChallenge = "MultiChallenge"
	CCCTypeSignout        = "Signout"
)

// Authentication outcome markers used by the gateway.
const (
	AuthnStatusContinue = "continue"
	AuthnStatusDone     = "done"
)

// LoginOption is one authentication method advertised by the gateway.
type LoginOption struct {
	ID          string // e.g. "vpn_Username_Password"
	DisplayName string // e.g. "Username and Password"
	Factors     []string
}

// Discovery is the result of a ClientHello probe.
type Discovery struct {
	Protocols  []string // advertised tunnel protocols, order preserved
	LoginTypes []LoginOption
}

// ServerResponse is the decoded shape shared by all CCC replies.
type ServerResponse struct {
	ID              int
	Type            string
	SessionID       string
	ReturnCode      int
	AuthnStatus     string // continue | done
	IsAuthenticated bool
	ActiveKey       string // session cookie, set on success
	Prompt          string
	Nonce           []byte // set on certificate-proof challenges
	RedirectURL     string // set on SAML challenges
	ErrorCode       string
	ErrorMessage    string
}

func cccRequest(id int, typ, sessionID string, data *Expr) *Expr {
	hdr := BlockExpr("").
		AddLeaf("id", strconv.Itoa(id)).
		AddLeaf("type", typ)
	if sessionID != "" {
		hdr.AddLeaf("session_id", sessionID)
	}
	req := BlockExpr("CCCclientRequest").
		Add("RequestHeader", hdr)
	if data != nil {
		req.Add("RequestData", data)
	}
	return req
}

// BuildClientHello builds the read-only discovery probe.
func BuildClientHello(id int) *Expr {
	data := BlockExpr("").
		AddLeaf("client_type", cccClientType).
		AddLeaf("client_mode", "secure_connect")
	return cccRequest(id, CCCTypeClientHello, "", data)
}

// BuildUserPassAuth builds the initial username/password authentication
// request for the given login type.
func BuildUserPassAuth(id int, loginType, username, password string) *Expr {
	data := BlockExpr("").
		AddLeaf("client_type", cccClientType).
		AddLeaf("selected_login_option", loginType).
		AddLeaf("username", username).
		AddLeaf("password", password)
	return cccRequest(id, CCCTypeUserPass, "", data)
}

// BuildCertAuth builds the certificate-proof request: the detached
// signature over the server-supplied nonce, plus the certificate chain.
func BuildCertAuth(id int, loginType string, signature []byte, chain [][]byte) *Expr {
	data := BlockExpr("").
		AddLeaf("client_type", cccClientType).
		AddLeaf("selected_login_option", loginType).
		AddLeaf("signature", base64.StdEncoding.EncodeToString(signature))
	certs := BlockExpr("")
	for _, der := range chain {
		certs.Add("", LeafExpr(base64.StdEncoding.EncodeToString(der)))
	}
	data.Add("cert_chain", certs)
	return cccRequest(id, CCCTypeCertAuth, "", data)
}

// BuildChallengeAnswer continues a challenge loop with the user's answer
// (MFA code, next password, or a SAML assertion).
func BuildChallengeAnswer(id int, sessionID, answer string) *Expr {
	data := BlockExpr("").
		AddLeaf("client_type", cccClientType).
		AddLeaf("user_input", answer)
	return cccRequest(id, CCCTypeMultiChallenge, sessionID, data)
}

// BuildSignout tells the gateway to release the session.
func BuildSignout(id int, sessionID string) *Expr {
	return cccRequest(id, CCCTypeSignout, sessionID, nil)
}

// ParseServerResponse decodes any CCCserverResponse reply.
func ParseServerResponse(e *Expr) (*ServerResponse, error) {
	if e == nil || e.IsLeaf || e.Tag != "CCCserverResponse" {
		return nil, ProtocolErrorf("not a CCC server response")
	}
	hdr := e.Get("ResponseHeader")
	if hdr == nil {
		return nil, ProtocolErrorf("missing ResponseHeader")
	}
	r := &ServerResponse{
		ID:         hdr.Int("id"),
		Type:       hdr.Str("type"),
		SessionID:  hdr.Str("session_id"),
		ReturnCode: hdr.Int("return_code"),
	}
	data := e.Get("ResponseData")
	if data == nil {
		return r, nil
	}
	r.AuthnStatus = data.Str("authn_status")
	r.IsAuthenticated = data.Bool("is_authenticated")
	r.ActiveKey = data.Str("active_key")
	r.Prompt = data.Str("prompt")
	r.RedirectURL = data.Str("redirect_url")
	r.ErrorCode = data.Str("error_code")
	r.ErrorMessage = data.Str("error_message")
	if n := data.Str("nonce"); n != "" {
		nonce, err := base64.StdEncoding.DecodeString(n)
		if err != nil {
			return nil, ProtocolErrorf("bad nonce encoding: %v", err)
		}
		r.Nonce = nonce
	}
	return r, nil
}

// ParseClientHelloReply extracts the advertised tunnel protocols and login
// options, preserving the gateway's ordering.
func ParseClientHelloReply(e *Expr) (*Discovery, error) {
	if e == nil || e.IsLeaf || e.Tag != "CCCserverResponse" {
		return nil, ProtocolErrorf("not a CCC server response")
	}
	data := e.Get("ResponseData")
	if data == nil {
		return nil, ProtocolErrorf("ClientHello reply without ResponseData")
	}
	d := &Discovery{}
	if protos := data.Get("supported_data_tunnel_protocols"); protos != nil {
		for _, el := range protos.Elems() {
			if el.IsLeaf {
				d.Protocols = append(d.Protocols, el.Leaf)
			}
		}
	}
	opts := data.Get("login_options_data")
	if opts == nil {
		return d, nil
	}
	list := opts.Get("login_options_list")
	if list == nil {
		return d, nil
	}
	for _, el := range list.Elems() {
		if el.IsLeaf {
			continue
		}
		opt := LoginOption{
			ID:          el.Str("id"),
			DisplayName: el.Str("display_name"),
		}
		if fs := el.Get("factors"); fs != nil {
			for _, f := range fs.Elems() {
				if f.IsLeaf {
					opt.Factors = append(opt.Factors, f.Leaf)
				} else if t := f.Str("factor_type"); t != "" {
					opt.Factors = append(opt.Factors, t)
				}
			}
		}
		d.LoginTypes = append(d.LoginTypes, opt)
	}
	return d, nil
}

// ParseOfficeMode turns a gateway office-mode block (shared between the
// IKE config exchange and the SSL hello reply) into a TunnelParams
// snapshot.
func ParseOfficeMode(om *Expr) (*TunnelParams, error) {
	if om == nil || om.IsLeaf {
		return nil, ProtocolErrorf("missing office mode block")
	}
	ipStr := om.Str("ipaddr")
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, ProtocolErrorf("office mode: bad assigned address %q", ipStr)
	}
	p := &TunnelParams{VirtualIP: ip, MTU: om.Int("mtu")}
	if p.MTU == 0 {
		p.MTU = MTU
	}
	if ka := om.Int("keepalive"); ka > 0 {
		p.Keepalive = time.Duration(ka) * time.Second
	}
	if dns := om.Get("dns_servers"); dns != nil {
		for _, el := range dns.Elems() {
			if !el.IsLeaf {
				continue
			}
			d := net.ParseIP(el.Leaf)
			if d == nil {
				return nil, ProtocolErrorf("office mode: bad DNS server %q", el.Leaf)
			}
			p.DNSServers = append(p.DNSServers, d)
		}
	}
	if sd := om.Get("dns_suffixes"); sd != nil {
		for _, el := range sd.Elems() {
			if el.IsLeaf && el.Leaf != "" {
				p.SearchDomains = append(p.SearchDomains, strings.TrimSpace(el.Leaf))
			}
		}
	}
	appendRanges := func(key string, dst *[]string) error {
		block := om.Get(key)
		if block == nil {
			return nil
		}
		for _, el := range block.Elems() {
			if el.IsLeaf {
				if _, _, err := net.ParseCIDR(el.Leaf); err != nil {
					return ProtocolErrorf("office mode: bad range %q", el.Leaf)
				}
				*dst = append(*dst, el.Leaf)
			}
		}
		return nil
	}
	if err := appendRanges("include_ranges", &p.IncludeRoutes); err != nil {
		return nil, err
	}
	if err := appendRanges("exclude_ranges", &p.ExcludeRoutes); err != nil {
		return nil, err
	}
	return p, nil
}
