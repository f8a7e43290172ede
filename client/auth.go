package main

import (
	"context"
	"crypto/x509"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tGecko/snx-rs/common"
)

// AuthResult carries what the tunnel layers need once the gateway accepts
// the user: the session cookie keys both the SSL hello and the IKE
// identity.
type AuthResult struct {
	Cookie    string
	SessionID string
	Username  string
}

// AuthNegotiator drives the CCC control channel: discovery and the
// authentication challenge loop.
type AuthNegotiator struct {
	gateway  string
	client   *http.Client
	identity *common.ClientIdentity
	log      *slog.Logger

	// roundTimeout bounds one request/answer iteration. A user that walks
	// away mid-challenge expires the attempt instead of hanging it.
	roundTimeout time.Duration

	nextID int
}

// NewAuthNegotiator builds a negotiator for one gateway. roots may be nil
// to use the system pool.
func NewAuthNegotiator(gateway string, roots *x509.CertPool, insecure bool, id *common.ClientIdentity, timeout time.Duration, log *slog.Logger) *AuthNegotiator {
	host := gateway
	if h, _, ok := strings.Cut(gateway, ":"); ok {
		host = h
	}
	tlsCfg := common.TLSClientConfig(host, roots, insecure, id)
	return &AuthNegotiator{
		gateway:      gateway,
		client:       &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}},
		identity:     id,
		log:          log,
		roundTimeout: timeout,
		nextID:       1,
	}
}

func (a *AuthNegotiator) endpoint() string {
	host := a.gateway
	if !strings.Contains(host, ":") {
		host += ":443"
	}
	return "https://" + host + "/clients/"
}

// post sends one CCC request and decodes the reply.
func (a *AuthNegotiator) post(ctx context.Context, req *common.Expr) (*common.Expr, error) {
	ctx, cancel := context.WithTimeout(ctx, a.roundTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(), strings.NewReader(req.Encode()))
	if err != nil {
		return nil, common.TransportErrorf("build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "text/plain")
	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, common.TimeoutErrorf("gateway did not answer within %s", a.roundTimeout)
		}
		if ctx.Err() == context.Canceled {
			return nil, common.CancelledErrorf("request cancelled")
		}
		// VerifyConnection failures surface through the transport error
		// chain with their kind intact.
		if common.IsKind(err, common.KindCertificate) {
			return nil, common.CertificateErrorf("gateway TLS: %v", err)
		}
		return nil, common.TransportErrorf("post to gateway: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, common.ProtocolErrorf("gateway returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, common.TransportErrorf("read gateway reply: %v", err)
	}
	return common.DecodeExpr(string(body))
}

func (a *AuthNegotiator) requestID() int {
	id := a.nextID
	a.nextID++
	return id
}

// Discover probes the gateway for supported tunnel protocols and the
// ordered login-option list. Read-only: no session is created.
func (a *AuthNegotiator) Discover(ctx context.Context) (*common.Discovery, error) {
	reply, err := a.post(ctx, common.BuildClientHello(a.requestID()))
	if err != nil {
		return nil, err
	}
	d, err := common.ParseClientHelloReply(reply)
	if err != nil {
		return nil, err
	}
	a.log.Debug("gateway discovery", "protocols", d.Protocols, "login_types", len(d.LoginTypes))
	return d, nil
}

// Authenticate runs the challenge loop for one login type until the
// gateway accepts, rejects, or a round deadline expires. The supplier is
// consulted for each demanded factor; certificate proofs are answered from
// the negotiator's identity.
func (a *AuthNegotiator) Authenticate(ctx context.Context, loginType string, sup CredentialSupplier) (*AuthResult, error) {
	username, err := sup.Username(ctx)
	if err != nil {
		return nil, err
	}
	password, err := sup.Password(ctx, "password for "+username)
	if err != nil && a.identity == nil {
		return nil, err
	}

	var reply *common.Expr
	if a.identity != nil && password == "" {
		// Certificate-only login: the first request carries no secret, the
		// gateway answers with a nonce to sign.
		reply, err = a.post(ctx, common.BuildUserPassAuth(a.requestID(), loginType, username, ""))
	} else {
		reply, err = a.post(ctx, common.BuildUserPassAuth(a.requestID(), loginType, username, password))
	}
	if err != nil {
		return nil, err
	}

	for round := 0; ; round++ {
		r, err := common.ParseServerResponse(reply)
		if err != nil {
			return nil, err
		}
		switch {
		case r.AuthnStatus == common.AuthnStatusDone || r.IsAuthenticated:
			if !r.IsAuthenticated || r.ActiveKey == "" {
				return nil, common.AuthErrorf("gateway rejected credentials: %s", rejectionText(r))
			}
			a.log.Info("authenticated", "user", username, "session", r.SessionID)
			return &AuthResult{Cookie: r.ActiveKey, SessionID: r.SessionID, Username: username}, nil

		case r.AuthnStatus == common.AuthnStatusContinue:
			answer, err := a.answerChallenge(ctx, r, loginType, sup)
			if err != nil {
				return nil, err
			}
			reply, err = a.post(ctx, answer)
			if err != nil {
				if common.IsKind(err, common.KindTimeout) {
					return nil, common.TimeoutErrorf("authentication round %d expired", round+1)
				}
				return nil, err
			}

		default:
			return nil, common.AuthErrorf("gateway rejected credentials: %s", rejectionText(r))
		}
	}
}

// answerChallenge picks the right reply for one continue round.
func (a *AuthNegotiator) answerChallenge(ctx context.Context, r *common.ServerResponse, loginType string, sup CredentialSupplier) (*common.Expr, error) {
	switch {
	case len(r.Nonce) > 0:
		sig, err := a.identity.SignNonce(r.Nonce)
		if err != nil {
			return nil, err
		}
		var chain [][]byte
		if a.identity != nil {
			chain = a.identity.Chain
		}
		return common.BuildCertAuth(a.requestID(), loginType, sig, chain), nil

	case r.RedirectURL != "":
		a.log.Info("gateway requires SAML login", "url", r.RedirectURL)
		assertion, err := sup.SAMLAssertion(ctx, r.RedirectURL)
		if err != nil {
			return nil, err
		}
		return common.BuildChallengeAnswer(a.requestID(), r.SessionID, assertion), nil

	default:
		answer, err := sup.Challenge(ctx, r.Prompt)
		if err != nil {
			return nil, err
		}
		return common.BuildChallengeAnswer(a.requestID(), r.SessionID, answer), nil
	}
}

// Signout releases the gateway session. Failures are logged, not
// returned: local teardown proceeds regardless.
func (a *AuthNegotiator) Signout(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	if _, err := a.post(ctx, common.BuildSignout(a.requestID(), sessionID)); err != nil {
		a.log.Warn("signout failed", "err", err)
	}
}

func rejectionText(r *common.ServerResponse) string {
	if r.ErrorMessage != "" {
		return r.ErrorMessage
	}
	if r.ErrorCode != "" {
		return r.ErrorCode
	}
	return "no reason given"
}
