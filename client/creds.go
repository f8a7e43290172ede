package main

import (
	"context"
	"sync"

	"github.com/tGecko/snx-rs/common"
)

// CredentialSupplier answers the gateway's authentication demands. The
// daemon configuration backs the default implementation; interactive and
// SAML front ends plug in their own.
type CredentialSupplier interface {
	// Username returns the account to authenticate as.
	Username(ctx context.Context) (string, error)
	// Password returns the primary secret for the given prompt.
	Password(ctx context.Context, prompt string) (string, error)
	// Challenge answers a follow-up challenge (MFA code, next token).
	Challenge(ctx context.Context, prompt string) (string, error)
	// SAMLAssertion blocks until the external browser flow at the given
	// URL delivers an assertion, or the context ends.
	SAMLAssertion(ctx context.Context, redirectURL string) (string, error)
}

// KeychainStore persists the last accepted password per username. The OS
// secret service implements this; the daemon only depends on the
// capability.
type KeychainStore interface {
	Get(username string) (string, bool)
	Put(username, password string)
}

// memoryKeychain is the in-process fallback used when no secret service is
// wired in. It survives reconnects within one daemon lifetime only.
type memoryKeychain struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemoryKeychain() *memoryKeychain {
	return &memoryKeychain{m: make(map[string]string)}
}

func (k *memoryKeychain) Get(username string) (string, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.m[username]
	return p, ok
}

func (k *memoryKeychain) Put(username, password string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[username] = password
}

// configSupplier serves credentials from the daemon configuration, falling
// back to the keychain for the password. It cannot answer interactive
// challenges or SAML flows.
type configSupplier struct {
	cfg      *Config
	keychain KeychainStore
}

func newConfigSupplier(cfg *Config, keychain KeychainStore) *configSupplier {
	return &configSupplier{cfg: cfg, keychain: keychain}
}

func (s *configSupplier) Username(ctx context.Context) (string, error) {
	if s.cfg.Username == "" {
		return "", common.AuthErrorf("no username configured")
	}
	return s.cfg.Username, nil
}

func (s *configSupplier) Password(ctx context.Context, prompt string) (string, error) {
	if s.cfg.Password != "" {
		return s.cfg.Password, nil
	}
	if s.keychain != nil {
		if p, ok := s.keychain.Get(s.cfg.Username); ok {
			return p, nil
		}
	}
	return "", common.AuthErrorf("no password available for %s", s.cfg.Username)
}

func (s *configSupplier) Challenge(ctx context.Context, prompt string) (string, error) {
	return "", common.AuthErrorf("gateway requires an interactive answer (%s); not available in daemon mode", prompt)
}

func (s *configSupplier) SAMLAssertion(ctx context.Context, redirectURL string) (string, error) {
	return "", common.AuthErrorf("gateway requires a browser SAML flow; no browser collaborator is wired in")
}
