package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tGecko/snx-rs/common"
)

const (
	reconnectBase     = 2 * time.Second
	reconnectCap      = 60 * time.Second
	reconnectAttempts = 5
)

// authenticator is the slice of AuthNegotiator the session depends on.
type authenticator interface {
	Discover(ctx context.Context) (*common.Discovery, error)
	Authenticate(ctx context.Context, loginType string, sup CredentialSupplier) (*AuthResult, error)
	Signout(ctx context.Context, sessionID string)
}

// tunnelRunner is one connection attempt's transport. Open establishes the
// tunnel and yields the office-mode parameters; Run blocks until the
// tunnel dies or the context ends.
type tunnelRunner interface {
	Open(ctx context.Context) (*common.TunnelParams, error)
	Run(ctx context.Context) error
	Close() error
}

// runnerFactory builds a fresh runner for each attempt.
type runnerFactory func(cookie, username string) (tunnelRunner, error)

// ConnectionSession owns the connect/disconnect lifecycle and the state
// machine the IPC surface reports on.
type ConnectionSession struct {
	cfg       *Config
	log       *slog.Logger
	auth      authenticator
	supplier  CredentialSupplier
	keychain  KeychainStore
	routes    *RoutingManager
	newRunner runnerFactory

	// limiter paces reconnect attempts on top of the backoff so a
	// flapping gateway cannot be hammered.
	limiter *rate.Limiter

	backoffBase time.Duration
	backoffCap  time.Duration
	maxAttempts int

	mu          sync.Mutex
	state       SessionState
	lastErr     error
	cookie      string
	sessionID   string
	username    string
	params      *common.TunnelParams
	attempt     int
	connectedAt time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewConnectionSession(cfg *Config, auth authenticator, sup CredentialSupplier, keychain KeychainStore, routes *RoutingManager, factory runnerFactory, log *slog.Logger) *ConnectionSession {
	return &ConnectionSession{
		cfg:         cfg,
		log:         log,
		auth:        auth,
		supplier:    sup,
		keychain:    keychain,
		routes:      routes,
		newRunner:   factory,
		limiter:     rate.NewLimiter(rate.Every(reconnectBase), 1),
		state:       StateIdle,
		backoffBase: reconnectBase,
		backoffCap:  reconnectCap,
		maxAttempts: reconnectAttempts,
	}
}

func (s *ConnectionSession) setState(st SessionState) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.log.Debug("session state", "from", prev.String(), "to", st.String())
	}
}

// Connect authenticates (unless a cached cookie exists) and brings the
// tunnel up. It returns once the first attempt is connected or failed;
// subsequent failures are handled by the background reconnect loop.
func (s *ConnectionSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("session is %s", st)
	}
	cookie := s.cookie
	s.state = StateNegotiatingAuth
	s.lastErr = nil
	s.attempt = 0
	s.mu.Unlock()

	if cookie == "" {
		// Expose a cancel handle while authenticating so Disconnect can
		// abort the challenge loop too.
		authCtx, authCancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancel = authCancel
		s.mu.Unlock()
		res, err := s.auth.Authenticate(authCtx, s.cfg.LoginType, s.supplier)
		authCancel()
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		if err != nil {
			if common.IsKind(err, common.KindCancelled) {
				// Disconnect owns the state transition.
				return err
			}
			s.failIdle(err)
			return err
		}
		s.mu.Lock()
		s.cookie, s.sessionID, s.username = res.Cookie, res.SessionID, res.Username
		s.mu.Unlock()
		if s.keychain != nil && s.cfg.Password != "" {
			s.keychain.Put(res.Username, s.cfg.Password)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	if s.state == StateDisconnecting || s.state == StateIdle {
		// Disconnect slipped in during authentication.
		s.mu.Unlock()
		cancel()
		return common.CancelledErrorf("connect aborted by disconnect")
	}
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	firstUp := make(chan error, 1)
	go s.run(runCtx, done, firstUp)

	select {
	case err := <-firstUp:
		if err != nil {
			cancel()
			<-done
			if common.IsKind(err, common.KindCancelled) {
				// Disconnect owns the state transition.
				return err
			}
			s.failIdle(err)
			return err
		}
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		s.failIdle(ctx.Err())
		return ctx.Err()
	}
}

// run is the connection loop: one attempt at a time, bounded exponential
// backoff between retriable failures.
func (s *ConnectionSession) run(ctx context.Context, done chan struct{}, firstUp chan<- error) {
	defer close(done)
	first := true
	backoff := s.backoffBase
	attempt := 0
	for {
		cameUp, err := s.attemptTunnel(ctx, first, firstUp)
		if ctx.Err() != nil || common.IsKind(err, common.KindCancelled) {
			// Disconnect owns the state transition; a Connect still waiting
			// on the first attempt must not be left hanging.
			if first && !cameUp {
				firstUp <- common.CancelledErrorf("connect cancelled")
			}
			return
		}
		if first && !cameUp {
			firstUp <- err
			return
		}
		first = false
		if err == nil {
			// Run exited cleanly without cancellation: treat as a
			// transport loss so the loop decides about reconnecting.
			err = common.TransportErrorf("tunnel closed unexpectedly")
		}
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()

		// AuthFailure lands here only after the one re-authentication inside
		// attemptTunnel already failed: surface it instead of retrying with
		// the same credentials.
		if err != nil && !common.KindOf(err).Retriable() {
			s.log.Error("tunnel failed", "err", err)
			s.toIdle(err)
			return
		}
		attempt++
		if attempt > s.maxAttempts {
			s.log.Error("giving up after reconnect attempts", "attempts", s.maxAttempts, "err", err)
			s.toIdle(err)
			return
		}
		s.mu.Lock()
		s.attempt = attempt
		s.state = StateReconnecting
		s.mu.Unlock()
		s.log.Warn("reconnecting", "attempt", attempt, "backoff", backoff, "err", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		backoff *= 2
		if backoff > s.backoffCap {
			backoff = s.backoffCap
		}
	}
}

// attemptTunnel runs one full attempt: open, apply routes, pump until the
// tunnel dies. A rejected cookie triggers one re-authentication within the
// attempt.
func (s *ConnectionSession) attemptTunnel(ctx context.Context, first bool, firstUp chan<- error) (cameUp bool, _ error) {
	s.setState(StateNegotiatingTunnel)
	cookie, username := s.credSnapshot()

	runner, err := s.newRunner(cookie, username)
	if err != nil {
		return false, err
	}
	defer runner.Close()

	params, err := runner.Open(ctx)
	if common.IsKind(err, common.KindAuth) {
		// Cached cookie no longer accepted: drop back to authentication.
		s.setState(StateNegotiatingAuth)
		res, aerr := s.auth.Authenticate(ctx, s.cfg.LoginType, s.supplier)
		if aerr != nil {
			return false, aerr
		}
		s.mu.Lock()
		s.cookie, s.sessionID, s.username = res.Cookie, res.SessionID, res.Username
		s.mu.Unlock()
		runner.Close()
		runner, err = s.newRunner(res.Cookie, res.Username)
		if err != nil {
			return false, err
		}
		defer runner.Close()
		s.setState(StateNegotiatingTunnel)
		params, err = runner.Open(ctx)
	}
	if err != nil {
		return false, err
	}

	if err := s.routes.Apply(params); err != nil {
		if rerr := s.routes.Revert(); rerr != nil {
			s.log.Warn("revert after failed apply", "err", rerr)
		}
		return false, err
	}
	s.setState(StateRoutingApplied)

	s.mu.Lock()
	s.params = params
	s.connectedAt = time.Now()
	s.attempt = 0
	s.state = StateConnected
	s.mu.Unlock()
	s.log.Info("tunnel connected", "kind", s.cfg.TunnelKind, "virtual_ip", params.VirtualIP)
	if first {
		firstUp <- nil
	}

	runErr := runner.Run(ctx)
	if err := s.routes.Revert(); err != nil {
		s.log.Warn("route revert failed", "err", err)
	}
	return true, runErr
}

func (s *ConnectionSession) credSnapshot() (cookie, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cookie, s.username
}

func (s *ConnectionSession) failIdle(err error) {
	s.mu.Lock()
	s.state = StateIdle
	s.lastErr = err
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
}

func (s *ConnectionSession) toIdle(err error) {
	s.mu.Lock()
	s.state = StateIdle
	s.lastErr = err
	s.params = nil
	s.mu.Unlock()
}

// Disconnect cancels outstanding work, waits for teardown, and releases
// the gateway session. A disconnect of an idle session is a no-op, and a
// user-initiated disconnect is reported as cancelled, not failed.
func (s *ConnectionSession) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return nil
	}
	s.state = StateDisconnecting
	cancel, done := s.cancel, s.done
	sessionID := s.sessionID
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if err := s.routes.Revert(); err != nil {
		s.log.Warn("route revert on disconnect", "err", err)
	}
	s.auth.Signout(ctx, sessionID)

	s.mu.Lock()
	s.state = StateIdle
	s.cookie, s.sessionID = "", ""
	s.params = nil
	s.cancel, s.done = nil, nil
	s.lastErr = common.CancelledErrorf("disconnected by user")
	s.mu.Unlock()
	s.log.Info("disconnected")
	return nil
}

// Reconnect tears the tunnel down without releasing the gateway session
// and connects again with the cached cookie.
func (s *ConnectionSession) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if err := s.routes.Revert(); err != nil {
		s.log.Warn("route revert on reconnect", "err", err)
	}
	s.mu.Lock()
	s.state = StateIdle
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	return s.Connect(ctx)
}

// Status returns a point-in-time snapshot for the IPC surface.
func (s *ConnectionSession) Status() StatusInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := StatusInfo{
		State:            s.state.String(),
		Gateway:          s.cfg.Gateway,
		TunnelKind:       s.cfg.TunnelKind,
		ReconnectAttempt: s.attempt,
	}
	if s.params != nil && s.params.VirtualIP != nil {
		info.VirtualIP = s.params.VirtualIP.String()
	}
	if s.state == StateConnected {
		info.ConnectedSince = s.connectedAt
		info.UptimeSeconds = int64(time.Since(s.connectedAt).Seconds())
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

// Info runs a read-only discovery probe against the gateway.
func (s *ConnectionSession) Info(ctx context.Context) (*common.Discovery, error) {
	return s.auth.Discover(ctx)
}
