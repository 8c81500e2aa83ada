// Package imapconn is the Connection Manager (spec.md §4.4): it keeps
// one shared, long-lived IMAP session open per backend mailbox for
// reads, and opens short-lived sessions for mutating operations so a
// long fetch never blocks a flag/expunge.
package imapconn

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/inboxmux/aggregator/internal/credential"
	"github.com/inboxmux/aggregator/internal/model"
)

// State is the shared session's lifecycle state (spec.md §4.4).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

const (
	connectTimeout = 15 * time.Second
	authTimeout    = 10 * time.Second
	reconnectBase  = 1 * time.Second
	reconnectCap   = 60 * time.Second
	maxAttempts    = 10
	resetCooldown  = 5 * time.Minute
)

// Credentials resolves a backend address to dial parameters. It is
// implemented by internal/registry.Registry.
type Credentials interface {
	LookupByAddress(addr string) (model.Account, bool)
	CredentialsFor(addr string) (credential.Handle, bool)
}

// sharedSession is the single long-lived read session for one backend.
type sharedSession struct {
	mu            sync.Mutex
	account       model.Account
	client        *imapclient.Client
	state         State
	attempts      int
	cooldownUntil time.Time
}

// Manager owns one sharedSession per backend address and knows how to
// open brand-new ephemeral sessions for mutations.
type Manager struct {
	creds Credentials

	mu       sync.Mutex
	sessions map[string]*sharedSession
}

// NewManager builds a Manager that resolves dial parameters through creds.
func NewManager(creds Credentials) *Manager {
	return &Manager{
		creds:    creds,
		sessions: make(map[string]*sharedSession),
	}
}

func (m *Manager) sessionFor(backend string) *sharedSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[backend]
	if !ok {
		s = &sharedSession{state: StateDisconnected}
		m.sessions[backend] = s
	}
	return s
}

// Acquire returns the shared, connected client for backend, reconnecting
// it if necessary. The returned client must not be closed by the
// caller; the Manager owns its lifecycle. On unrecoverable failure
// (deadline exceeded, too many attempts within the cooldown window) it
// returns an error and the caller is expected to fall back to cached
// data rather than surface a failure to the end user (spec.md §4.4,
// §7: graceful degradation).
func (m *Manager) Acquire(ctx context.Context, backend string) (*imapclient.Client, error) {
	s := m.sessionFor(backend)

	s.mu.Lock()

	if s.state == StateConnected && s.client != nil {
		// Cheap liveness probe: a NOOP would be more thorough, but the
		// caller re-SELECTs INBOX on every read anyway (spec.md §4.8
		// step 3), which surfaces a dead connection just as well.
		s.mu.Unlock()
		return s.client, nil
	}

	now := time.Now()
	if now.Before(s.cooldownUntil) {
		s.mu.Unlock()
		return nil, fmt.Errorf("backend %s: in reconnect cooldown until %s", backend, s.cooldownUntil)
	}

	account, ok := m.creds.LookupByAddress(backend)
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("backend %s: unknown account", backend)
	}
	handle, ok := m.creds.CredentialsFor(backend)
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("backend %s: no credentials", backend)
	}

	client, err := dial(ctx, account, handle)
	if err != nil {
		s.state = StateError
		s.attempts++
		attempts := s.attempts
		needsCooldown := attempts >= maxAttempts
		if needsCooldown {
			s.cooldownUntil = now.Add(resetCooldown)
			s.attempts = 0
		}
		s.mu.Unlock()

		// Release the lock before backing off: a blocked sleep here must
		// never serialize other goroutines' Acquire calls for the same
		// backend behind it, and the wait itself must respect ctx.
		if !needsCooldown {
			select {
			case <-time.After(reconnectDelay(attempts)):
			case <-ctx.Done():
			}
		}
		return nil, fmt.Errorf("connecting to backend %s: %w", backend, err)
	}

	s.client = client
	s.state = StateConnected
	s.attempts = 0
	s.mu.Unlock()
	return s.client, nil
}

// MarkError tears down backend's shared session after the caller
// observes an I/O error on it, triggering a full reconnect on the next
// Acquire (the StateError -> Disconnected transition of spec.md §4.4).
func (m *Manager) MarkError(backend string) {
	s := m.sessionFor(backend)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		_ = s.client.Logout().Wait()
	}
	s.client = nil
	s.state = StateDisconnected
}

// OpenEphemeral opens a brand-new, short-lived session for a mutating
// operation (flag + expunge), so it never contends with the shared
// read session. The caller must Logout() it when done.
func (m *Manager) OpenEphemeral(ctx context.Context, backend string) (*imapclient.Client, error) {
	account, ok := m.creds.LookupByAddress(backend)
	if !ok {
		return nil, fmt.Errorf("backend %s: unknown account", backend)
	}
	handle, ok := m.creds.CredentialsFor(backend)
	if !ok {
		return nil, fmt.Errorf("backend %s: no credentials", backend)
	}

	return dial(ctx, account, handle)
}

// Shutdown logs out every shared session. Safe to call once at
// process shutdown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*sharedSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		if s.client != nil {
			_ = s.client.Logout().Wait()
			s.client = nil
			s.state = StateDisconnected
		}
		s.mu.Unlock()
	}
}

// dial connects, authenticates, and selects INBOX within the hard
// connect/auth deadline (spec.md §4.4: 15s).
func dial(ctx context.Context, account model.Account, handle credential.Handle) (*imapclient.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	addr := account.IMAPHost + ":" + account.IMAPPort

	dialDone := make(chan struct{})
	var client *imapclient.Client
	var dialErr error
	go func() {
		client, dialErr = imapclient.DialTLS(addr, nil)
		close(dialDone)
	}()

	select {
	case <-dialDone:
	case <-ctx.Done():
		return nil, fmt.Errorf("connect timeout dialing %s", addr)
	}
	if dialErr != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, dialErr)
	}

	password, err := handle.Password()
	if err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("resolving credential for %s: %w", account.Address, err)
	}

	authCtx, authCancel := context.WithTimeout(ctx, authTimeout)
	defer authCancel()

	loginDone := make(chan error, 1)
	go func() { loginDone <- client.Login(account.Address, password).Wait() }()

	select {
	case err := <-loginDone:
		if err != nil {
			_ = client.Logout().Wait()
			return nil, fmt.Errorf("authenticating %s: %w", account.Address, err)
		}
	case <-authCtx.Done():
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("auth timeout for %s", account.Address)
	}

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("selecting INBOX for %s: %w", account.Address, err)
	}

	return client, nil
}

// reconnectDelay computes exponential backoff with +/-25% jitter,
// base 1s, cap 60s (spec.md §4.4).
func reconnectDelay(attempt int) time.Duration {
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 6 {
		exp = 6 // 1s * 2^6 == 64s, already above the 60s cap
	}
	d := reconnectBase * time.Duration(1<<uint(exp))
	if d > reconnectCap {
		d = reconnectCap
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}
