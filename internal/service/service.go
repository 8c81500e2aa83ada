// Package service wires every core component into the Public API
// Surface (spec.md §4.9), the single Service value that HTTP handlers
// (or any other collaborator) hold and call into. Per spec.md §9's
// design note, it is constructed once at startup and passed
// explicitly — there is no module-scope mutable state anywhere in
// this module.
package service

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"golang.org/x/sync/singleflight"

	"github.com/inboxmux/aggregator/internal/alias"
	"github.com/inboxmux/aggregator/internal/cache"
	"github.com/inboxmux/aggregator/internal/catchall"
	"github.com/inboxmux/aggregator/internal/idle"
	"github.com/inboxmux/aggregator/internal/imapconn"
	"github.com/inboxmux/aggregator/internal/model"
	"github.com/inboxmux/aggregator/internal/pipeline"
	"github.com/inboxmux/aggregator/internal/queue"
	"github.com/inboxmux/aggregator/internal/registry"
)

const (
	viewCacheSize    = 200
	viewCacheTTL     = 10 * time.Second
	globalStoreSize  = 500
	globalStoreTTL   = 3 * time.Minute
	payloadCacheSize = 200
	payloadCacheTTL  = 3 * time.Minute

	aggregateBatchSize  = 3
	aggregateBatchDelay = 200 * time.Millisecond
	aggregateTruncate   = 30

	maxConcurrentSingle = 3
	maxConcurrentFanOut = 5
	defaultMaxPerSecond = 6
)

type viewKey struct {
	address       string
	authenticated bool
}

// Service is the Public API Surface (spec.md §4.9).
type Service struct {
	registry       *registry.Registry
	aliasEngine    *alias.Engine
	catchallRouter *catchall.Router
	manager        *imapconn.Manager
	idleListener   *idle.Listener
	window         pipeline.WindowSize

	queues map[string]*queue.Queue // one Admission Queue per backend

	viewCache    *cache.LRU[viewKey, []model.Message]
	globalStore  *cache.LRU[string, model.Message]
	payloadCache *cache.LRU[string, model.Payload]

	mu               sync.Mutex
	lastFullFetch    map[string]time.Time // backend -> time of its last completed fetch; deleted on IDLE events, refresh and delete
	subscribers      map[int]func(backend string)
	nextSubscriberID int
	shuttingDown     bool

	group singleflight.Group
}

// Options configures New.
type Options struct {
	Registry       *registry.Registry
	CatchallRouter *catchall.Router
	DebounceWindow time.Duration
	UltraFast      bool
}

// New builds a fully wired Service: Account Registry, Alias Engine,
// Connection Manager, Admission Queue per backend, IDLE Listener,
// caches, and the Message Pipeline's window size policy.
func New(opts Options) *Service {
	accounts := opts.Registry.ListAccounts()

	window := pipeline.WindowSingleAccount
	maxConcurrent := maxConcurrentSingle
	if len(accounts) > 1 {
		window = pipeline.WindowAggregated
		maxConcurrent = maxConcurrentFanOut
	}
	if opts.UltraFast {
		window = pipeline.WindowUltraFast
	}

	s := &Service{
		registry:       opts.Registry,
		aliasEngine:    alias.New(accounts),
		catchallRouter: opts.CatchallRouter,
		manager:        imapconn.NewManager(opts.Registry),
		window:         window,
		queues:         make(map[string]*queue.Queue),
		viewCache:      cache.New[viewKey, []model.Message](viewCacheSize, viewCacheTTL),
		globalStore:    cache.New[string, model.Message](globalStoreSize, globalStoreTTL),
		payloadCache:   cache.New[string, model.Payload](payloadCacheSize, payloadCacheTTL),
		lastFullFetch:  make(map[string]time.Time),
		subscribers:    make(map[int]func(backend string)),
	}

	for _, account := range accounts {
		s.queues[account.Address] = queue.New(maxConcurrent, defaultMaxPerSecond)
	}

	s.idleListener = idle.New(opts.Registry, opts.DebounceWindow, s.handleIDLEPulse, s.handleIDLEDebounce)
	for _, account := range accounts {
		s.idleListener.Watch(account.Address)
	}

	return s
}

// QueueFor exposes the Admission Queue for a backend, used by the
// ratelimit bridge to arm cooldowns from HTTP 429s.
func (s *Service) QueueFor(backend string) (*queue.Queue, bool) {
	q, ok := s.queues[backend]
	return q, ok
}

// handleIDLEPulse is the IDLE Listener's onPulse callback (spec.md
// §4.5 step 1): it fires on every raw mail/expunge event, zeroing the
// backend's all-messages timestamp immediately, before the debounce
// window even starts.
func (s *Service) handleIDLEPulse(backend string) {
	s.mu.Lock()
	delete(s.lastFullFetch, backend)
	s.mu.Unlock()
}

// handleIDLEDebounce is the IDLE Listener's onDebounce callback
// (spec.md §4.5 step 3): it fires exactly once per debounce window,
// clearing the view cache and fanning out to subscribers exactly once
// no matter how many pulses arrived during the window.
func (s *Service) handleIDLEDebounce(backend string) {
	s.viewCache.Clear()
	s.notifySubscribers(backend)
}

// FetchForAddress returns the messages currently visible to viewer for
// addr. It never errors: on IMAP failure it degrades to whatever is
// cached, even if empty (spec.md §4.9, §7).
func (s *Service) FetchForAddress(ctx context.Context, addr string, viewer model.Viewer) []model.Message {
	key := viewKey{address: strings.ToLower(addr), authenticated: viewer.Authenticated}

	if cached, ok := s.viewCache.Get(key); ok {
		return cached
	}

	result, _, _ := s.group.Do(cacheKey(key), func() (interface{}, error) {
		return s.fetchAndCache(ctx, addr, viewer, key), nil
	})

	messages, _ := result.([]model.Message)
	return messages
}

func cacheKey(k viewKey) string {
	return fmt.Sprintf("%s|%v", k.address, k.authenticated)
}

// fetchAndCache performs the actual backend fetch for one address,
// populating the global store and view cache on success.
func (s *Service) fetchAndCache(ctx context.Context, addr string, viewer model.Viewer, key viewKey) []model.Message {
	backend, provider, ok := s.resolveBackend(addr)
	if !ok {
		return nil
	}

	fetched, err := s.fetchBackend(ctx, backend, addr, provider)
	if err != nil {
		log.Printf("fetch %s via %s: %v", addr, backend, err)
		// Graceful degradation: fall back to whatever the view cache
		// last held, even though it just missed above — a concurrent
		// populate between the miss and here is possible and welcome.
		if stale, ok := s.viewCache.Get(key); ok {
			return stale
		}
		return nil
	}

	messages := make([]model.Message, 0, len(fetched))
	for _, f := range fetched {
		messages = append(messages, f.Message)
	}

	filtered := filterVisibility(messages, viewer)
	s.viewCache.Set(key, filtered)
	return filtered
}

// fetchBackend runs one Message Pipeline fetch through the Admission
// Queue and Connection Manager for backend, and populates the global
// store and payload cache with everything it retrieves.
func (s *Service) fetchBackend(ctx context.Context, backend, target string, provider model.Provider) ([]pipeline.Fetched, error) {
	q, ok := s.queues[backend]
	if !ok {
		return nil, fmt.Errorf("no admission queue for backend %s", backend)
	}

	var fetched []pipeline.Fetched
	err := q.Enqueue(ctx, func(ctx context.Context) error {
		client, err := s.manager.Acquire(ctx, backend)
		if err != nil {
			return err
		}

		result, err := pipeline.FetchWindow(ctx, client, backend, target, s.window, provider)
		if err != nil {
			s.manager.MarkError(backend)
			return err
		}

		fetched = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, f := range fetched {
		s.globalStore.Set(f.Message.ID, f.Message)
		s.payloadCache.Set(f.Message.ID, f.Payload)
	}

	s.mu.Lock()
	s.lastFullFetch[backend] = time.Now()
	s.mu.Unlock()

	return fetched, nil
}

// resolveBackend decides which physical mailbox a recipient routes
// to: catch-all domain first, then provider alias routing.
func (s *Service) resolveBackend(addr string) (backend string, provider model.Provider, ok bool) {
	if s.catchallRouter != nil {
		if b, ok := s.catchallRouter.Route(addr); ok {
			return b, model.ProviderDomain, true
		}
	}

	route, err := s.aliasEngine.RouteRecipient(addr)
	if err != nil {
		return "", "", false
	}
	return route.Backend.Address, route.Backend.Provider, true
}

// filterVisibility applies spec.md §4.9's visibility rule: anonymous
// viewers only see messages with IsAlias=true for provider accounts;
// domain catch-all addresses (Provider == domain) are visible to
// everyone (spec.md §9, resolved open question).
func filterVisibility(messages []model.Message, viewer model.Viewer) []model.Message {
	if viewer.Authenticated {
		sortByDateDesc(messages)
		return messages
	}

	visible := make([]model.Message, 0, len(messages))
	for _, m := range messages {
		if m.Provider == model.ProviderDomain || m.IsAlias {
			visible = append(visible, m)
		}
	}
	sortByDateDesc(visible)
	return visible
}

func sortByDateDesc(messages []model.Message) {
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].Date.After(messages[j].Date)
	})
}

// RefreshAddress invalidates every cache entry relevant to addr then
// re-fetches (spec.md §4.9).
func (s *Service) RefreshAddress(ctx context.Context, addr string, viewer model.Viewer) []model.Message {
	s.viewCache.Delete(viewKey{address: strings.ToLower(addr), authenticated: true})
	s.viewCache.Delete(viewKey{address: strings.ToLower(addr), authenticated: false})

	if backend, _, ok := s.resolveBackend(addr); ok {
		s.mu.Lock()
		delete(s.lastFullFetch, backend)
		s.mu.Unlock()
	}

	return s.FetchForAddress(ctx, addr, viewer)
}

// FetchAllDomainMail implements spec.md §4.8's "Aggregation mode" for
// the one documented endpoint that allows an omitted address
// (`GET /emails` with no `address`): fan out across every distinct
// catch-all backend, union, apply visibility, sort, and truncate to
// the top 30.
func (s *Service) FetchAllDomainMail(ctx context.Context, viewer model.Viewer) []model.Message {
	if s.catchallRouter == nil {
		return nil
	}

	backends := s.catchallRouter.DistinctBackends()
	results := s.aggregateFetch(ctx, backends, "", model.ProviderDomain)

	filtered := filterVisibility(results, viewer)
	if len(filtered) > aggregateTruncate {
		filtered = filtered[:aggregateTruncate]
	}
	return filtered
}

// aggregateFetch fans out fetchBackend across backends: all at once
// for up to 3, else in batches of 3 with a 200ms inter-batch delay
// (spec.md §4.8).
func (s *Service) aggregateFetch(ctx context.Context, backends []string, target string, provider model.Provider) []model.Message {
	var (
		mu    sync.Mutex
		union []model.Message
	)

	runOne := func(backend string) {
		fetched, err := s.fetchBackend(ctx, backend, target, provider)
		if err != nil {
			log.Printf("aggregate fetch %s: %v", backend, err)
			return
		}
		mu.Lock()
		for _, f := range fetched {
			union = append(union, f.Message)
		}
		mu.Unlock()
	}

	for start := 0; start < len(backends); start += aggregateBatchSize {
		end := start + aggregateBatchSize
		if end > len(backends) {
			end = len(backends)
		}
		batch := backends[start:end]

		var wg sync.WaitGroup
		for _, backend := range batch {
			wg.Add(1)
			go func(b string) {
				defer wg.Done()
				runOne(b)
			}(backend)
		}
		wg.Wait()

		if end < len(backends) {
			time.Sleep(aggregateBatchDelay)
		}
	}

	return union
}

// DeleteMessage marks a message \Deleted and expunges it on backend,
// evicting it from every cache so it never reappears until re-fetched
// (spec.md §4.9).
func (s *Service) DeleteMessage(ctx context.Context, id, backend string) bool {
	msg, ok := s.globalStore.Get(id)
	if !ok {
		return false
	}
	if msg.Backend != backend {
		return false
	}

	client, err := s.manager.OpenEphemeral(ctx, backend)
	if err != nil {
		log.Printf("delete %s: opening ephemeral session: %v", id, err)
		return false
	}
	defer func() { _ = client.Logout().Wait() }()

	uidSet := imap.UIDSetNum(imap.UID(msg.UID))
	storeCmd := client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		log.Printf("delete %s: flagging deleted: %v", id, err)
		return false
	}

	if _, err := client.Expunge(nil).Collect(); err != nil {
		log.Printf("delete %s: expunge: %v", id, err)
		return false
	}

	s.globalStore.Delete(id)
	s.payloadCache.Delete(id)
	s.viewCache.Delete(viewKey{address: strings.ToLower(msg.To), authenticated: true})
	s.viewCache.Delete(viewKey{address: strings.ToLower(msg.To), authenticated: false})

	s.mu.Lock()
	delete(s.lastFullFetch, backend)
	s.mu.Unlock()

	return true
}

// GetAttachment returns attachment bytes for filename on message id,
// serving from the payload cache when present and re-fetching from
// backend otherwise (spec.md §4.9).
func (s *Service) GetAttachment(ctx context.Context, id, filename, backend string) (*model.AttachmentBlob, bool) {
	if payload, ok := s.payloadCache.Get(id); ok {
		return findAttachment(payload, filename)
	}

	msg, ok := s.globalStore.Get(id)
	if !ok {
		return nil, false
	}

	fetched, err := s.fetchBackend(ctx, backend, "", msg.Provider)
	if err != nil {
		return nil, false
	}

	for _, f := range fetched {
		if f.Message.ID == id {
			return findAttachment(f.Payload, filename)
		}
	}

	return nil, false
}

func findAttachment(payload model.Payload, filename string) (*model.AttachmentBlob, bool) {
	for _, a := range payload.Attachments {
		if a.Filename == filename {
			return &a, true
		}
	}
	return nil, false
}

// BackendForMessage looks up which backend currently holds id, per
// the global store. It's a convenience for HTTP handlers that don't
// carry a backend of their own (the domain catch-all delete/attachment
// routes; provider routes always pass an explicit accountEmail).
func (s *Service) BackendForMessage(id string) (string, bool) {
	msg, ok := s.globalStore.Get(id)
	if !ok {
		return "", false
	}
	return msg.Backend, true
}

// GenerateAlias produces a new Alias for base (spec.md §4.9).
func (s *Service) GenerateAlias(provider model.Provider, base, suffix string, useDot bool) (model.Alias, error) {
	return s.aliasEngine.GenerateAlias(provider, base, suffix, useDot)
}

// AccountDescriptor is the public, credential-free view of an Account
// returned by ListAccountsForViewer.
type AccountDescriptor struct {
	Address    string `json:"address"`
	Provider   string `json:"provider"`
	Capability string `json:"capability"` // "direct_inbox" | "alias_only"
}

// ListAccountsForViewer returns public account descriptors; see
// spec.md §4.9's viewer-capability rule.
func (s *Service) ListAccountsForViewer(viewer model.Viewer) []AccountDescriptor {
	capability := "alias_only"
	if viewer.Authenticated {
		capability = "direct_inbox"
	}

	accounts := s.registry.ListAccounts()
	out := make([]AccountDescriptor, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, AccountDescriptor{
			Address:    a.Address,
			Provider:   string(a.Provider),
			Capability: capability,
		})
	}
	return out
}

// StatsSnapshot is returned by Stats(); one entry per backend.
type StatsSnapshot struct {
	Backend             string    `json:"backend"`
	QueueLength         int       `json:"queueLength"`
	ActiveConnections   int       `json:"activeConnections"`
	MaxConnections      int       `json:"maxConnections"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	RateLimitedUntil    time.Time `json:"rateLimitedUntil"`
}

// Stats returns, for each backend's Admission Queue, its queue depth,
// active count, concurrency cap, consecutive failures and cooldown.
// Cache sizes are not included.
func (s *Service) Stats() []StatsSnapshot {
	out := make([]StatsSnapshot, 0, len(s.queues))
	for backend, q := range s.queues {
		st := q.Stats()
		out = append(out, StatsSnapshot{
			Backend:             backend,
			QueueLength:         st.QueueLength,
			ActiveConnections:   st.ActiveCount,
			MaxConnections:      st.MaxConcurrent,
			ConsecutiveFailures: st.ConsecutiveFailures,
			RateLimitedUntil:    st.CooldownUntil,
		})
	}
	return out
}

// OnChange registers a change subscriber invoked after an IDLE
// debounce fires for any backend. The returned function unsubscribes;
// it tolerates being called from inside the callback itself (spec.md §5).
func (s *Service) OnChange(cb func(backend string)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSubscriberID
	s.nextSubscriberID++
	s.subscribers[id] = cb
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

func (s *Service) notifySubscribers(backend string) {
	s.mu.Lock()
	cbs := make([]func(string), 0, len(s.subscribers))
	for _, cb := range s.subscribers {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(backend)
	}
}

// Shutdown drains every Admission Queue, closes all IMAP sessions, and
// clears subscribers. Idempotent.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.shuttingDown = true
	s.subscribers = make(map[int]func(backend string))
	s.mu.Unlock()

	s.idleListener.StopAll()
	for _, q := range s.queues {
		q.Shutdown()
	}
	s.manager.Shutdown()
}
