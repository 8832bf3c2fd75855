// ABOUTME: Tests for the consent cache state machine
// ABOUTME: Covers grant/revoke duality, fetch collapsing, stale discard, bounds and purges

package consentcache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/spendsense/internal/credential"
	"github.com/2389/spendsense/internal/events"
	"github.com/2389/spendsense/internal/gateway"
	"github.com/2389/spendsense/internal/session"
)

type fakeEpochs struct{ v atomic.Uint64 }

func (f *fakeEpochs) Epoch() uint64 { return f.v.Load() }

// backend is a scriptable Fetcher. When gate is set, fetches block on it.
type backend struct {
	mu      sync.Mutex
	calls   map[Key]int
	respond func(Key) (json.RawMessage, error)
	gate    chan struct{}
	started chan Key
}

func newBackend() *backend {
	b := &backend{calls: make(map[Key]int), started: make(chan Key, 64)}
	b.respond = func(k Key) (json.RawMessage, error) {
		return json.RawMessage(`{"subject":"` + k.SubjectID + `"}`), nil
	}
	return b
}

func (b *backend) fetch(ctx context.Context, k Key) (json.RawMessage, error) {
	b.mu.Lock()
	b.calls[k]++
	gate := b.gate
	respond := b.respond
	b.mu.Unlock()

	b.started <- k
	if gate != nil {
		<-gate
	}
	return respond(k)
}

func (b *backend) callsFor(k Key) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[k]
}

func (b *backend) setGate(g chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = g
}

func (b *backend) setResponse(fn func(Key) (json.RawMessage, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.respond = fn
}

func forbidden(Key) (json.RawMessage, error) {
	return nil, &gateway.Error{Kind: gateway.KindForbidden, Status: 403, Message: "consent required", Reason: gateway.ReasonConsentRequired}
}

var (
	profileKey = Key{Kind: KindProfile, SubjectID: "usr_1", Window: "30"}
	recsKey    = Key{Kind: KindRecommendations, SubjectID: "usr_1"}
	otherKey   = Key{Kind: KindProfile, SubjectID: "usr_2", Window: "30"}
)

func newTestCache(t *testing.T, b *backend, opts ...Option) (*Cache, *fakeEpochs) {
	t.Helper()
	epochs := &fakeEpochs{}
	epochs.v.Store(1)
	c := New(b.fetch, epochs, nil, nil, opts...)
	t.Cleanup(c.Wait)
	return c, epochs
}

func TestGet_FreshServesWithoutNetwork(t *testing.T) {
	b := newBackend()
	c, _ := newTestCache(t, b)
	ctx := context.Background()

	v1, err := c.Get(ctx, profileKey)
	require.NoError(t, err)
	v2, err := c.Get(ctx, profileKey)
	require.NoError(t, err)

	assert.JSONEq(t, `{"subject":"usr_1"}`, string(v1))
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, b.callsFor(profileKey))
	assert.Equal(t, Fresh, c.Peek(profileKey).Status)
}

func TestGet_ConcurrentReadsCollapse(t *testing.T) {
	b := newBackend()
	gate := make(chan struct{})
	b.setGate(gate)
	c, _ := newTestCache(t, b)

	const readers = 5
	var wg sync.WaitGroup
	results := make([]json.RawMessage, readers)
	for i := range readers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(context.Background(), profileKey)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	<-b.started
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, b.callsFor(profileKey))
	for _, v := range results {
		assert.JSONEq(t, `{"subject":"usr_1"}`, string(v))
	}
}

func TestGrant_KeepsValuesAndRefetchesOncePerKey(t *testing.T) {
	b := newBackend()
	c, _ := newTestCache(t, b)
	ctx := context.Background()

	for _, k := range []Key{profileKey, recsKey, otherKey} {
		_, err := c.Get(ctx, k)
		require.NoError(t, err)
		<-b.started
	}

	gate := make(chan struct{})
	b.setGate(gate)
	b.setResponse(func(k Key) (json.RawMessage, error) {
		return json.RawMessage(`{"subject":"` + k.SubjectID + `","v":2}`), nil
	})

	affected := c.ApplyConsent(events.ConsentEvent{SubjectID: "usr_1", Action: events.ConsentGrant})
	assert.Equal(t, 2, affected)

	// Both refetches are blocked; reads still get the old values.
	for range 3 {
		v, err := c.Get(ctx, profileKey)
		require.NoError(t, err)
		assert.JSONEq(t, `{"subject":"usr_1"}`, string(v))
	}
	assert.Equal(t, Stale, c.Peek(profileKey).Status)
	assert.Equal(t, Stale, c.Peek(recsKey).Status)
	assert.Equal(t, Fresh, c.Peek(otherKey).Status)

	close(gate)
	c.Wait()

	assert.Equal(t, 2, b.callsFor(profileKey))
	assert.Equal(t, 2, b.callsFor(recsKey))
	assert.Equal(t, 1, b.callsFor(otherKey))

	e := c.Peek(profileKey)
	assert.Equal(t, Fresh, e.Status)
	assert.JSONEq(t, `{"subject":"usr_1","v":2}`, string(e.Value))
}

func TestGrant_ForbiddenBecomesFresh(t *testing.T) {
	b := newBackend()
	b.setResponse(forbidden)
	c, _ := newTestCache(t, b)
	ctx := context.Background()

	_, err := c.Get(ctx, profileKey)
	require.ErrorIs(t, err, gateway.ErrConsentRequired)
	e := c.Peek(profileKey)
	assert.Equal(t, Forbidden, e.Status)
	assert.Nil(t, e.Value)

	b.setResponse(func(Key) (json.RawMessage, error) { return json.RawMessage(`{"ok":true}`), nil })
	c.MarkStale("usr_1")
	c.Wait()

	e = c.Peek(profileKey)
	assert.Equal(t, Fresh, e.Status)
	assert.JSONEq(t, `{"ok":true}`, string(e.Value))
}

func TestGrant_StaleWithoutValueAwaitsFetch(t *testing.T) {
	b := newBackend()
	b.setResponse(forbidden)
	c, _ := newTestCache(t, b)
	ctx := context.Background()

	_, err := c.Get(ctx, profileKey)
	require.Error(t, err)

	// Grant, then read before the background refetch resolves.
	gate := make(chan struct{})
	b.setGate(gate)
	b.setResponse(func(Key) (json.RawMessage, error) { return json.RawMessage(`{"ok":true}`), nil })
	c.MarkStale("usr_1")

	done := make(chan json.RawMessage)
	go func() {
		v, err := c.Get(ctx, profileKey)
		assert.NoError(t, err)
		done <- v
	}()

	select {
	case <-done:
		t.Fatal("read of a valueless stale entry must wait for the fetch")
	case <-time.After(20 * time.Millisecond):
	}
	close(gate)
	assert.JSONEq(t, `{"ok":true}`, string(<-done))
}

func TestRevoke_EvictsAndNextReadObservesForbidden(t *testing.T) {
	b := newBackend()
	c, _ := newTestCache(t, b)
	ctx := context.Background()

	_, err := c.Get(ctx, profileKey)
	require.NoError(t, err)
	_, err = c.Get(ctx, otherKey)
	require.NoError(t, err)

	affected := c.ApplyConsent(events.ConsentEvent{SubjectID: "usr_1", Action: events.ConsentRevoke})
	assert.Equal(t, 1, affected)
	assert.Equal(t, Absent, c.Peek(profileKey).Status)
	assert.Equal(t, Fresh, c.Peek(otherKey).Status)

	b.setResponse(forbidden)
	v, err := c.Get(ctx, profileKey)
	assert.Nil(t, v)
	require.ErrorIs(t, err, gateway.ErrForbidden)
	assert.Equal(t, 2, b.callsFor(profileKey))
	assert.Equal(t, Forbidden, c.Peek(profileKey).Status)
}

func TestRevoke_DiscardsInFlightSuccess(t *testing.T) {
	b := newBackend()
	gate := make(chan struct{})
	b.setGate(gate)
	c, _ := newTestCache(t, b)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background(), profileKey)
		errCh <- err
	}()
	<-b.started

	c.Evict("usr_1")
	close(gate)

	assert.ErrorIs(t, <-errCh, ErrDiscarded)
	assert.Equal(t, Absent, c.Peek(profileKey).Status)
}

func TestGrant_InFlightReadKeepsItsValue(t *testing.T) {
	b := newBackend()
	gate := make(chan struct{})
	b.setGate(gate)
	c, _ := newTestCache(t, b)
	ctx := context.Background()

	type result struct {
		value json.RawMessage
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		v, err := c.Get(ctx, profileKey)
		resCh <- result{v, err}
	}()
	<-b.started

	assert.Equal(t, 0, c.MarkStale("usr_1"), "nothing cached yet")
	close(gate)

	res := <-resCh
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"subject":"usr_1"}`, string(res.value))
	assert.Equal(t, Stale, c.Peek(profileKey).Status, "fetched before the grant")

	// The next read serves the value and refetches once under the grant.
	b.setGate(nil)
	v, err := c.Get(ctx, profileKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"subject":"usr_1"}`, string(v))
	c.Wait()
	assert.Equal(t, 2, b.callsFor(profileKey))
	assert.Equal(t, Fresh, c.Peek(profileKey).Status)
}

func TestGrant_InFlightForbiddenNotRecorded(t *testing.T) {
	b := newBackend()
	gate := make(chan struct{})
	b.setGate(gate)
	b.setResponse(forbidden)
	c, _ := newTestCache(t, b)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background(), profileKey)
		errCh <- err
	}()
	<-b.started

	c.MarkStale("usr_1")
	close(gate)

	assert.ErrorIs(t, <-errCh, gateway.ErrForbidden)
	assert.Equal(t, Absent, c.Peek(profileKey).Status, "a 403 from before the grant is not cached")
}

func TestFetch_DiscardedAfterEpochMoves(t *testing.T) {
	b := newBackend()
	gate := make(chan struct{})
	b.setGate(gate)
	c, epochs := newTestCache(t, b)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background(), profileKey)
		errCh <- err
	}()
	<-b.started

	epochs.v.Add(1) // logout
	close(gate)

	assert.ErrorIs(t, <-errCh, ErrDiscarded)
	assert.Equal(t, 0, c.Len())
}

func TestFetch_TransientErrorLeavesEntry(t *testing.T) {
	b := newBackend()
	c, _ := newTestCache(t, b)
	ctx := context.Background()

	_, err := c.Get(ctx, profileKey)
	require.NoError(t, err)

	b.setResponse(func(Key) (json.RawMessage, error) {
		return nil, &gateway.Error{Kind: gateway.KindServerFault, Status: 502, Message: "bad gateway"}
	})
	c.MarkStale("usr_1")
	c.Wait()

	e := c.Peek(profileKey)
	assert.Equal(t, Stale, e.Status)
	assert.JSONEq(t, `{"subject":"usr_1"}`, string(e.Value))
}

func TestGet_UncachedTransientErrorInsertsNothing(t *testing.T) {
	b := newBackend()
	b.setResponse(func(Key) (json.RawMessage, error) {
		return nil, &gateway.Error{Kind: gateway.KindUnreachable, Message: "unreachable"}
	})
	c, _ := newTestCache(t, b)

	_, err := c.Get(context.Background(), profileKey)
	require.ErrorIs(t, err, gateway.ErrUnreachable)
	assert.Equal(t, Absent, c.Peek(profileKey).Status)
}

func TestMaxEntriesEvictsOldest(t *testing.T) {
	b := newBackend()
	c, _ := newTestCache(t, b, WithMaxEntries(2))
	ctx := context.Background()

	k1 := Key{Kind: KindProfile, SubjectID: "a"}
	k2 := Key{Kind: KindProfile, SubjectID: "b"}
	k3 := Key{Kind: KindProfile, SubjectID: "c"}
	for _, k := range []Key{k1, k2, k3} {
		_, err := c.Get(ctx, k)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, Absent, c.Peek(k1).Status)
	assert.Equal(t, Fresh, c.Peek(k3).Status)
}

func TestMaxAgeTurnsFreshStale(t *testing.T) {
	b := newBackend()
	var now atomic.Int64
	now.Store(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }
	c, _ := newTestCache(t, b, WithMaxAge(time.Minute), WithClock(clock))
	ctx := context.Background()

	_, err := c.Get(ctx, profileKey)
	require.NoError(t, err)
	assert.Equal(t, Fresh, c.Peek(profileKey).Status)

	now.Add(int64(2 * time.Minute))
	assert.Equal(t, Stale, c.Peek(profileKey).Status)

	v, err := c.Get(ctx, profileKey)
	require.NoError(t, err)
	assert.NotNil(t, v)
	c.Wait()
	assert.Equal(t, 2, b.callsFor(profileKey))
}

func TestOnSessionChangePurges(t *testing.T) {
	alice := &credential.Principal{SubjectID: "usr_1", Role: credential.RoleSubject}
	bob := &credential.Principal{SubjectID: "usr_2", Role: credential.RoleSubject}
	aliceAgain := &credential.Principal{SubjectID: "usr_1", Role: credential.RoleSubject}

	tests := []struct {
		name      string
		prev      session.State
		next      session.State
		wantPurge bool
	}{
		{"logout", session.State{Principal: alice, Ready: true, Epoch: 1}, session.State{Ready: true, Epoch: 2}, true},
		{"switch principal", session.State{Principal: alice, Ready: true, Epoch: 1}, session.State{Principal: bob, Ready: true, Epoch: 2}, true},
		{"same principal relogin", session.State{Principal: alice, Ready: true, Epoch: 1}, session.State{Principal: aliceAgain, Ready: true, Epoch: 2}, false},
		{"restore", session.State{}, session.State{Principal: alice, Ready: true, Epoch: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend()
			c, _ := newTestCache(t, b)
			_, err := c.Get(context.Background(), profileKey)
			require.NoError(t, err)

			c.OnSessionChange(tt.prev, tt.next)
			if tt.wantPurge {
				assert.Equal(t, 0, c.Len())
			} else {
				assert.Equal(t, 1, c.Len())
			}
		})
	}
}

func TestConsentEventsPublished(t *testing.T) {
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)
	ch, _ := bus.Subscribe(t.Context())

	b := newBackend()
	epochs := &fakeEpochs{}
	c := New(b.fetch, epochs, bus, nil)
	t.Cleanup(c.Wait)

	_, err := c.Get(context.Background(), profileKey)
	require.NoError(t, err)

	c.ApplyConsent(events.ConsentEvent{SubjectID: "usr_1", Action: events.ConsentGrant})
	c.ApplyConsent(events.ConsentEvent{SubjectID: "usr_1", Action: events.ConsentRevoke})

	first := <-ch
	second := <-ch
	assert.Equal(t, events.ConsentApplied, first.Kind)
	assert.Equal(t, events.ConsentGrant, first.Consent.Action)
	assert.Equal(t, 1, first.Affected)
	assert.Equal(t, events.ConsentRevoke, second.Consent.Action)
	assert.Equal(t, "usr_1", second.Consent.SubjectID)
}

func TestUnknownConsentActionIgnored(t *testing.T) {
	b := newBackend()
	c, _ := newTestCache(t, b)
	_, err := c.Get(context.Background(), profileKey)
	require.NoError(t, err)

	assert.Equal(t, 0, c.ApplyConsent(events.ConsentEvent{SubjectID: "usr_1", Action: "shrug"}))
	assert.Equal(t, Fresh, c.Peek(profileKey).Status)
}

func TestMetricsCountOutcomes(t *testing.T) {
	b := newBackend()
	m := NewMetrics(prometheus.NewRegistry())
	c, _ := newTestCache(t, b, WithMetrics(m))
	ctx := context.Background()

	_, err := c.Get(ctx, profileKey)
	require.NoError(t, err)
	_, err = c.Get(ctx, profileKey)
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ops.WithLabelValues("miss")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ops.WithLabelValues("hit")))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "fresh", Fresh.String())
	assert.Equal(t, "stale", Stale.String())
	assert.Equal(t, "forbidden", Forbidden.String())
	assert.Equal(t, "absent", Absent.String())
}
