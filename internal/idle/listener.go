// Package idle runs the IDLE Listener (spec.md §4.5): a second
// long-lived IMAP session per backend that sits in IMAP IDLE on
// INBOX, debounces bursts of EXISTS/EXPUNGE into a single
// notification, and cycles the session every 25 minutes to stay under
// common server-side IDLE timeouts.
package idle

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/inboxmux/aggregator/internal/credential"
	"github.com/inboxmux/aggregator/internal/model"
)

const (
	cycleInterval   = 25 * time.Minute
	reconnectBase   = 1 * time.Second
	reconnectCap    = 60 * time.Second
	defaultDebounce = 3 * time.Second
)

// Credentials resolves a backend address to dial parameters, shared
// with internal/imapconn.
type Credentials interface {
	LookupByAddress(addr string) (model.Account, bool)
	CredentialsFor(addr string) (credential.Handle, bool)
}

// ChangeFunc is invoked for a backend. It is never called concurrently
// with itself for the same backend.
type ChangeFunc func(backend string)

// Listener runs one IDLE session per backend and fans out debounced
// change notifications.
type Listener struct {
	creds      Credentials
	debounce   time.Duration
	onPulse    ChangeFunc // spec.md §4.5 step 1: fired immediately on every mail/expunge event
	onDebounce ChangeFunc // spec.md §4.5 step 3: fired exactly once when the debounce timer fires

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds a Listener with the given debounce window (spec.md §4.5
// allows 0.5–3s depending on deployment profile; default 3s). onPulse
// runs immediately on every mail/expunge event (step 1); onDebounce
// runs exactly once per debounce window, after it fires (step 3).
func New(creds Credentials, debounce time.Duration, onPulse, onDebounce ChangeFunc) *Listener {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Listener{
		creds:      creds,
		debounce:   debounce,
		onPulse:    onPulse,
		onDebounce: onDebounce,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Watch starts (or restarts) the IDLE loop for backend. Calling it
// again for an already-watched backend is a no-op.
func (l *Listener) Watch(backend string) {
	l.mu.Lock()
	if _, exists := l.cancels[backend]; exists {
		l.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancels[backend] = cancel
	l.mu.Unlock()

	go l.run(ctx, backend)
}

// StopAll cancels every running IDLE loop. Called from Shutdown.
func (l *Listener) StopAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, cancel := range l.cancels {
		cancel()
	}
	l.cancels = make(map[string]context.CancelFunc)
}

// run owns the reconnect loop for one backend's IDLE session.
func (l *Listener) run(ctx context.Context, backend string) {
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := l.idleOnce(ctx, backend); err != nil {
			attempts++
			log.Printf("idle[%s]: %v", backend, err)
			select {
			case <-time.After(reconnectDelay(attempts)):
			case <-ctx.Done():
				return
			}
			continue
		}
		attempts = 0
	}
}

// idleOnce connects, enters IDLE, debounces change events as they
// arrive, and returns when the session is cycled (every 25 minutes)
// or the context is cancelled. A non-nil error means the connection
// was lost and run() should reconnect with backoff.
func (l *Listener) idleOnce(ctx context.Context, backend string) error {
	account, ok := l.creds.LookupByAddress(backend)
	if !ok {
		return errUnknownAccount(backend)
	}
	handle, ok := l.creds.CredentialsFor(backend)
	if !ok {
		return errUnknownAccount(backend)
	}

	notifyCh := make(chan struct{}, 1)
	handler := &unilateralHandler{notify: notifyCh}

	client, err := dialWithHandler(ctx, account, handle, handler)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	idleCmd, err := client.Idle()
	if err != nil {
		return err
	}

	cycle := time.NewTimer(cycleInterval)
	defer cycle.Stop()

	l.debounceLoop(ctx, backend, notifyCh, cycle.C, func() { _ = idleCmd.Close() })
	return nil
}

// debounceLoop is the coalescing core of idleOnce (spec.md §4.5 steps
// 1 and 3), pulled out of the IMAP-dialing setup so it can run against
// synthetic channels in tests without a live server. It returns once
// ctx is cancelled or cycleCh fires, calling onDone first either way.
func (l *Listener) debounceLoop(ctx context.Context, backend string, notifyCh <-chan struct{}, cycleCh <-chan time.Time, onDone func()) {
	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			onDone()
			return

		case <-cycleCh:
			onDone() // run() immediately reconnects and re-enters IDLE
			return

		case <-notifyCh:
			// spec.md §4.5 step 1: zero the cache immediately, before
			// the debounce window even starts.
			l.onPulse(backend)
			if debounceTimer == nil {
				debounceTimer = time.NewTimer(l.debounce)
				debounceCh = debounceTimer.C
			} else {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(l.debounce)
			}

		case <-debounceCh:
			debounceTimer = nil
			debounceCh = nil
			// spec.md §4.5 step 3: the debounce fired — clear
			// per-address caches and notify subscribers exactly once
			// for the whole burst, no matter how many pulses arrived.
			l.onDebounce(backend)
		}
	}
}

func errUnknownAccount(backend string) error {
	return &unknownAccountError{backend: backend}
}

type unknownAccountError struct{ backend string }

func (e *unknownAccountError) Error() string {
	return "idle: unknown account " + e.backend
}

// dialWithHandler opens a fresh IMAP connection wired to receive
// unilateral EXISTS/EXPUNGE data, authenticates, and selects INBOX.
func dialWithHandler(ctx context.Context, account model.Account, handle credential.Handle, handler *unilateralHandler) (*imapclient.Client, error) {
	addr := account.IMAPHost + ":" + account.IMAPPort

	client, err := imapclient.DialTLS(addr, &imapclient.Options{
		UnilateralDataHandler: handler,
	})
	if err != nil {
		return nil, err
	}

	password, err := handle.Password()
	if err != nil {
		_ = client.Logout().Wait()
		return nil, err
	}

	if err := client.Login(account.Address, password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, err
	}

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, err
	}

	return client, nil
}

// unilateralHandler receives asynchronous EXISTS/EXPUNGE notifications
// while the connection sits in IDLE and forwards a single pulse per
// event onto notify, coalescing bursts the same way a full channel
// naturally drops redundant wakeups.
type unilateralHandler struct {
	notify chan<- struct{}
}

func (h *unilateralHandler) Mailbox(data *imapclient.UnilateralDataMailbox) {
	if data.NumMessages != nil {
		h.pulse()
	}
}

func (h *unilateralHandler) Expunge(seqNum uint32) {
	h.pulse()
}

func (h *unilateralHandler) Fetch(msg *imapclient.FetchMessageData) {}

func (h *unilateralHandler) pulse() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func reconnectDelay(attempt int) time.Duration {
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 6 {
		exp = 6
	}
	d := reconnectBase * time.Duration(1<<uint(exp))
	if d > reconnectCap {
		d = reconnectCap
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}
