// ABOUTME: Read-through cache for consent-gated resources keyed by kind, subject and window
// ABOUTME: Grant keeps values servable and refetches; revoke evicts so the next read sees the 403

package consentcache

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/spendsense/internal/events"
	"github.com/2389/spendsense/internal/gateway"
	"github.com/2389/spendsense/internal/session"
)

// ErrDiscarded is returned when a fetch completed after the session or the
// subject's consent changed. Its result was not inserted.
var ErrDiscarded = errors.New("result discarded: session or consent changed during fetch")

// ResourceKind names a consent-gated resource family.
type ResourceKind string

const (
	KindProfile         ResourceKind = "profile"
	KindRecommendations ResourceKind = "recommendations"
	KindTransactions    ResourceKind = "transactions"
	KindUsers           ResourceKind = "users"
	KindReviewQueue     ResourceKind = "review_queue"
)

// Key addresses one cached resource. Window is empty for unwindowed resources.
type Key struct {
	Kind      ResourceKind
	SubjectID string
	Window    string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s?window=%s", k.Kind, k.SubjectID, k.Window)
}

// Status is the state of an entry.
type Status int

const (
	Absent Status = iota
	Fresh
	Stale
	Forbidden
)

func (s Status) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Forbidden:
		return "forbidden"
	default:
		return "absent"
	}
}

// Entry is a cached resource. Forbidden entries never carry a Value.
type Entry struct {
	Key       Key
	Value     json.RawMessage
	FetchedAt time.Time
	Status    Status
}

// Fetcher loads the resource for key from the backend.
type Fetcher func(ctx context.Context, key Key) (json.RawMessage, error)

// EpochSource reports the current session epoch.
type EpochSource interface {
	Epoch() uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxEntries bounds the cache; the oldest inserted entry is evicted first.
func WithMaxEntries(n int) Option {
	return func(c *Cache) { c.maxEntries = n }
}

// WithMaxAge makes Fresh entries older than d behave as Stale. Zero disables aging.
func WithMaxAge(d time.Duration) Option {
	return func(c *Cache) { c.maxAge = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMetrics sets the cache counters.
func WithMetrics(m *Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

type slot struct {
	entry   Entry
	element *list.Element
	// grantGen is the subject's grant generation the value was fetched under.
	grantGen uint64
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*slot
	order   *list.List // keys, oldest insertion at front

	// generation bumps on Purge and subjectGen on a revoke for that subject;
	// a fetch issued under an older value is discarded. grantGen bumps on a
	// grant and only separates fetches issued before it from those after.
	generation uint64
	subjectGen map[string]uint64
	grantGen   map[string]uint64
	refreshing map[string]struct{}

	fetch      Fetcher
	epochs     EpochSource
	group      singleflight.Group
	background sync.WaitGroup

	maxEntries int
	maxAge     time.Duration
	now        func() time.Time
	metrics    *Metrics
	bus        *events.Bus
	logger     *slog.Logger
}

// DefaultMaxEntries bounds a cache created without WithMaxEntries.
const DefaultMaxEntries = 256

// New creates a cache that loads through fetch and tags work with epochs.
// bus may be nil.
func New(fetch Fetcher, epochs EpochSource, bus *events.Bus, logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		entries:    make(map[Key]*slot),
		order:      list.New(),
		subjectGen: make(map[string]uint64),
		grantGen:   make(map[string]uint64),
		refreshing: make(map[string]struct{}),
		fetch:      fetch,
		epochs:     epochs,
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
		bus:        bus,
		logger:     logger.With("component", "consentcache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ticket identifies the state a fetch was issued under.
type ticket struct {
	key        Key
	epoch      uint64
	generation uint64
	subjectGen uint64
	grantGen   uint64
}

func (t ticket) flightKey() string {
	return fmt.Sprintf("%s#%d.%d.%d.%d", t.key, t.epoch, t.generation, t.subjectGen, t.grantGen)
}

// ticketLocked tags key with the current generations. epoch must be read
// before mu is taken: session observers take mu while the session holds its
// own notification lock. A purge racing the read still bumps generation.
func (c *Cache) ticketLocked(key Key, epoch uint64) ticket {
	return ticket{
		key:        key,
		epoch:      epoch,
		generation: c.generation,
		subjectGen: c.subjectGen[key.SubjectID],
		grantGen:   c.grantGen[key.SubjectID],
	}
}

// Get returns the value for key. Fresh entries are served without network
// access. Stale entries with a value are served immediately while one
// background refetch runs. Everything else waits for a fetch. A Forbidden
// fetch returns the gateway error and records a Forbidden entry.
func (c *Cache) Get(ctx context.Context, key Key) (json.RawMessage, error) {
	epoch := c.epochs.Epoch()
	c.mu.Lock()
	if s, ok := c.entries[key]; ok {
		switch c.statusLocked(s) {
		case Fresh:
			v := s.entry.Value
			c.mu.Unlock()
			c.metrics.observe("hit")
			return v, nil
		case Stale:
			if s.entry.Value != nil {
				v := s.entry.Value
				c.refreshLocked(c.ticketLocked(key, epoch))
				c.mu.Unlock()
				c.metrics.observe("stale")
				return v, nil
			}
		}
	}
	t := c.ticketLocked(key, epoch)
	c.mu.Unlock()

	c.metrics.observe("miss")
	return c.await(ctx, t)
}

// Peek returns the entry for key without fetching. Missing keys report Absent.
func (c *Cache) Peek(key Key) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[key]
	if !ok {
		return Entry{Key: key, Status: Absent}
	}
	e := s.entry
	e.Status = c.statusLocked(s)
	return e
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ApplyConsent reacts to a consent change for one subject and returns how
// many entries it touched.
func (c *Cache) ApplyConsent(ev events.ConsentEvent) int {
	switch ev.Action {
	case events.ConsentGrant:
		return c.MarkStale(ev.SubjectID)
	case events.ConsentRevoke:
		return c.Evict(ev.SubjectID)
	default:
		c.logger.Warn("ignoring unknown consent action", "action", ev.Action, "subject_id", ev.SubjectID)
		return 0
	}
}

// MarkStale moves every Fresh or Forbidden entry of subjectID to Stale and
// starts exactly one background refetch per affected key. Values stay servable.
func (c *Cache) MarkStale(subjectID string) int {
	epoch := c.epochs.Epoch()
	c.mu.Lock()
	c.grantGen[subjectID]++
	affected := 0
	for key, s := range c.entries {
		if key.SubjectID != subjectID {
			continue
		}
		if s.entry.Status == Fresh || s.entry.Status == Forbidden {
			s.entry.Status = Stale
		}
		affected++
		c.refreshLocked(c.ticketLocked(key, epoch))
	}
	c.mu.Unlock()

	c.logger.Debug("consent granted", "subject_id", subjectID, "entries", affected)
	c.publish(subjectID, events.ConsentGrant, affected)
	return affected
}

// Evict removes every entry of subjectID before returning, so the next Get
// goes to the network and can observe Forbidden.
func (c *Cache) Evict(subjectID string) int {
	c.mu.Lock()
	c.subjectGen[subjectID]++
	affected := 0
	for key, s := range c.entries {
		if key.SubjectID != subjectID {
			continue
		}
		c.removeLocked(key, s)
		affected++
	}
	c.mu.Unlock()

	c.logger.Debug("consent revoked", "subject_id", subjectID, "entries", affected)
	c.publish(subjectID, events.ConsentRevoke, affected)
	return affected
}

// Purge drops every entry and invalidates all in-flight fetches.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.generation++
	c.entries = make(map[Key]*slot)
	c.order.Init()
	return n
}

// OnSessionChange purges the cache when the session leaves Authenticated or
// switches principal. Register it with session.Manager.Observe.
func (c *Cache) OnSessionChange(prev, next session.State) {
	if prev.Principal == nil {
		return
	}
	if next.Principal != nil && *next.Principal == *prev.Principal {
		return
	}
	if n := c.Purge(); n > 0 {
		c.logger.Debug("purged cache on session change", "entries", n)
	}
}

// Wait blocks until every background refetch has finished.
func (c *Cache) Wait() {
	c.background.Wait()
}

func (c *Cache) statusLocked(s *slot) Status {
	if s.entry.Status == Fresh && c.maxAge > 0 && c.now().Sub(s.entry.FetchedAt) > c.maxAge {
		return Stale
	}
	return s.entry.Status
}

// refreshLocked starts a background refetch unless one is already running
// for the same ticket.
func (c *Cache) refreshLocked(t ticket) {
	fk := t.flightKey()
	if _, running := c.refreshing[fk]; running {
		return
	}
	c.refreshing[fk] = struct{}{}
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		if _, err := c.await(context.Background(), t); err != nil {
			c.logger.Debug("background refetch failed", "key", t.key.String(), "error", err)
		}
		c.mu.Lock()
		delete(c.refreshing, fk)
		c.mu.Unlock()
	}()
	c.metrics.observe("refresh")
}

// await joins or starts the shared fetch for t. The shared fetch outlives a
// canceled caller so other waiters still get the result.
func (c *Cache) await(ctx context.Context, t ticket) (json.RawMessage, error) {
	ch := c.group.DoChan(t.flightKey(), func() (any, error) {
		return c.load(context.WithoutCancel(ctx), t)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(json.RawMessage), nil
	}
}

func (c *Cache) load(ctx context.Context, t ticket) (json.RawMessage, error) {
	value, err := c.fetch(ctx, t.key)
	epoch := c.epochs.Epoch()

	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.ticketLocked(t.key, epoch)
	granted := cur.grantGen != t.grantGen
	cur.grantGen = t.grantGen
	stale := cur != t

	switch {
	case err != nil && !stale && !granted && errors.Is(err, gateway.ErrForbidden):
		c.storeLocked(Entry{Key: t.key, FetchedAt: c.now(), Status: Forbidden}, t.grantGen)
		return nil, err
	case err != nil:
		// Transient failures, and 403s that predate a grant, leave the entry as it was.
		return nil, err
	case stale:
		c.metrics.observe("discard")
		c.logger.Debug("discarding fetch result", "key", t.key.String(), "epoch", t.epoch)
		return nil, ErrDiscarded
	case granted:
		// Issued before a grant: still servable, but kept Stale so the next
		// read refetches. A result fetched after the grant is never replaced.
		if s, ok := c.entries[t.key]; !ok || s.grantGen <= t.grantGen {
			c.storeLocked(Entry{Key: t.key, Value: value, FetchedAt: c.now(), Status: Stale}, t.grantGen)
		}
		return value, nil
	default:
		c.storeLocked(Entry{Key: t.key, Value: value, FetchedAt: c.now(), Status: Fresh}, t.grantGen)
		return value, nil
	}
}

func (c *Cache) storeLocked(e Entry, grantGen uint64) {
	if s, ok := c.entries[e.Key]; ok {
		s.entry = e
		s.grantGen = grantGen
		c.order.MoveToBack(s.element)
		return
	}
	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[e.Key] = &slot{entry: e, element: c.order.PushBack(e.Key), grantGen: grantGen}
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(Key)
	c.order.Remove(front)
	delete(c.entries, key)
	c.metrics.observe("evict")
}

func (c *Cache) removeLocked(key Key, s *slot) {
	c.order.Remove(s.element)
	delete(c.entries, key)
}

func (c *Cache) publish(subjectID string, action events.ConsentAction, affected int) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		Kind:     events.ConsentApplied,
		Consent:  &events.ConsentEvent{SubjectID: subjectID, Action: action},
		Affected: affected,
	})
}
