package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/sbflow/internal/runtime/broker"
	"github.com/drblury/sbflow/internal/runtime/broker/brokertest"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	"github.com/drblury/sbflow/internal/runtime/logging"
)

var orders = broker.QueueTarget("orders")

func newFixture(t *testing.T, opts Options) (*brokertest.Broker, *brokertest.Conn, *Negotiator, *logging.Recorder) {
	t.Helper()
	b := brokertest.New()
	conn, err := b.Dial(context.Background(), "Endpoint=sb://test/", broker.UnboundedRetries())
	require.NoError(t, err)
	if opts.Target == (broker.Target{}) {
		opts.Target = orders
	}
	rec := logging.NewRecorder()
	reg := NewRegistry(rec)
	return b, conn.(*brokertest.Conn), NewNegotiator(conn, reg, rec, opts), rec
}

func TestAcceptSpecificReusesRegisteredReceiver(t *testing.T) {
	b, conn, n, _ := newFixture(t, Options{})
	b.CreateSession(orders, "S1")

	first, err := n.AcceptSpecific(context.Background(), "S1", 0)
	require.NoError(t, err)
	second, err := n.AcceptSpecific(context.Background(), "S1", 0)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, conn.AcceptCalls())
	assert.Equal(t, []string{"S1"}, n.Registry().IDs(orders))
}

func TestAcceptSpecificCollapsesConcurrentCallers(t *testing.T) {
	b, conn, n, _ := newFixture(t, Options{})
	b.CreateSession(orders, "S1")

	var wg sync.WaitGroup
	entries := make([]*Entry, 8)
	for i := range entries {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := n.AcceptSpecific(context.Background(), "S1", 0)
			assert.NoError(t, err)
			entries[i] = e
		}(i)
	}
	wg.Wait()

	for _, e := range entries {
		assert.Same(t, entries[0], e)
	}
	assert.Equal(t, 1, conn.AcceptCalls())
	assert.Equal(t, 1, n.Registry().Len())
}

func TestAcceptSpecificLockedSessionIsUnavailable(t *testing.T) {
	b, conn, n, _ := newFixture(t, Options{})
	other, err := b.Dial(context.Background(), "", broker.UnboundedRetries())
	require.NoError(t, err)
	_, err = other.AcceptSession(context.Background(), orders, "S1", broker.ReceiverOptions{})
	require.NoError(t, err)

	_, err = n.AcceptSpecific(context.Background(), "S1", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrSessionUnavailable)
	assert.Contains(t, err.Error(), `Failed to accept session "S1" on orders`)
	assert.Equal(t, 1, conn.AcceptCalls())
	assert.Zero(t, n.Registry().Len())
}

func TestAcceptNextRegistersLearnedID(t *testing.T) {
	b, _, n, _ := newFixture(t, Options{})
	b.EnqueueText(orders, "S7", "hello")

	e, err := n.AcceptNext(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "S7", e.SessionID())
	got, ok := n.Registry().Get(orders, "S7")
	require.True(t, ok)
	assert.Same(t, e, got)
}

func TestOnAcceptedSeesFreshAcceptancesOnly(t *testing.T) {
	var accepted []string
	b, _, n, _ := newFixture(t, Options{OnAccepted: func(id string) { accepted = append(accepted, id) }})
	b.CreateSession(orders, "S1")
	b.EnqueueText(orders, "S2", "hello")

	_, err := n.AcceptSpecific(context.Background(), "S1", 0)
	require.NoError(t, err)
	_, err = n.AcceptSpecific(context.Background(), "S1", 0)
	require.NoError(t, err)
	_, err = n.AcceptNext(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"S1", "S2"}, accepted)
}

func TestAcceptNextWithNothingToClaim(t *testing.T) {
	_, _, n, _ := newFixture(t, Options{})

	_, err := n.AcceptNext(context.Background(), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrNoSessionsAvailable)
	assert.True(t, errspkg.IsSessionError(err))
	assert.Zero(t, n.Registry().Len())
}

func TestAcceptNextReplacesSupersededEntry(t *testing.T) {
	b, conn, n, _ := newFixture(t, Options{})
	b.EnqueueText(orders, "S1", "one")

	stale, err := n.AcceptNext(context.Background(), 0)
	require.NoError(t, err)
	// The broker handed the session out again, e.g. after the lock expired.
	require.NoError(t, stale.Receiver().(*brokertest.SessionReceiver).Receiver.Close(context.Background()))

	fresh, err := n.AcceptNext(context.Background(), 0)
	require.NoError(t, err)
	assert.NotSame(t, stale, fresh)
	got, _ := n.Registry().Get(orders, "S1")
	assert.Same(t, fresh, got)
	assert.Equal(t, 1, n.Registry().Len())
	assert.Equal(t, 2, conn.AcceptCalls())
}

func TestReadStateMissingIsNil(t *testing.T) {
	b, _, n, _ := newFixture(t, Options{})
	b.CreateSession(orders, "S1")
	e, err := n.AcceptSpecific(context.Background(), "S1", 0)
	require.NoError(t, err)

	state, err := n.ReadState(context.Background(), e.Receiver())
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestWriteThenReadState(t *testing.T) {
	b, _, n, _ := newFixture(t, Options{})
	b.CreateSession(orders, "S1")
	e, err := n.AcceptSpecific(context.Background(), "S1", 0)
	require.NoError(t, err)

	require.NoError(t, n.WriteState(context.Background(), e.Receiver(), map[string]any{"step": 2}))
	state, err := n.ReadState(context.Background(), e.Receiver())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"step": float64(2)}, state)

	require.NoError(t, n.WriteState(context.Background(), e.Receiver(), `{"step":3}`))
	state, err = n.ReadState(context.Background(), e.Receiver())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"step": float64(3)}, state)
}

func TestWriteStateRejectsMalformedJSON(t *testing.T) {
	b, _, n, _ := newFixture(t, Options{})
	b.CreateSession(orders, "S1")
	b.SetState(orders, "S1", []byte(`{"keep":true}`))
	e, err := n.AcceptSpecific(context.Background(), "S1", 0)
	require.NoError(t, err)

	err = n.WriteState(context.Background(), e.Receiver(), "{not json")
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrStateCodec)
	assert.JSONEq(t, `{"keep":true}`, string(b.State(orders, "S1")))
}

func TestReadStateUndecodable(t *testing.T) {
	b, _, n, _ := newFixture(t, Options{})
	b.CreateSession(orders, "S1")
	b.SetState(orders, "S1", []byte("\x00garbage"))
	e, err := n.AcceptSpecific(context.Background(), "S1", 0)
	require.NoError(t, err)

	_, err = n.ReadState(context.Background(), e.Receiver())
	assert.ErrorIs(t, err, errspkg.ErrStateCodec)
}

func TestInitialStateWrittenAfterAcceptance(t *testing.T) {
	b, _, n, _ := newFixture(t, Options{InitialState: []byte(`{"phase":"new"}`)})
	b.CreateSession(orders, "S1")

	_, err := n.AcceptSpecific(context.Background(), "S1", 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"phase":"new"}`, string(b.State(orders, "S1")))
}

func TestReleaseIsIdempotent(t *testing.T) {
	b, _, n, _ := newFixture(t, Options{})
	b.CreateSession(orders, "S1")
	e, err := n.AcceptSpecific(context.Background(), "S1", 0)
	require.NoError(t, err)

	require.NoError(t, n.Release(context.Background(), "S1"))
	require.NoError(t, n.Release(context.Background(), "S1"))
	require.NoError(t, e.Close(context.Background()))

	assert.Zero(t, n.Registry().Len())
	assert.Equal(t, 1, e.Receiver().(*brokertest.SessionReceiver).CloseCalls())
	assert.False(t, b.Locked(orders, "S1"))
}

func TestRenewerRenewsWithinBudget(t *testing.T) {
	b, _, n, _ := newFixture(t, Options{RenewInterval: time.Millisecond})
	b.CreateSession(orders, "S1")

	e, err := n.AcceptSpecific(context.Background(), "S1", 300*time.Millisecond)
	require.NoError(t, err)
	sr := e.Receiver().(*brokertest.SessionReceiver)

	require.Eventually(t, func() bool { return sr.Renewals() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, e.Close(context.Background()))

	stopped := sr.Renewals()
	time.Sleep(3 * MinRenewInterval)
	assert.Equal(t, stopped, sr.Renewals())
}

func TestRegistryRefusesLateRegistrations(t *testing.T) {
	b, _, n, _ := newFixture(t, Options{})
	b.CreateSession(orders, "S1")
	require.NoError(t, n.Registry().CloseAll(context.Background()))

	_, err := n.AcceptSpecific(context.Background(), "S1", 0)
	require.ErrorIs(t, err, errspkg.ErrRegistryClosed)
	assert.False(t, b.Locked(orders, "S1"), "late receiver must be closed")
}

func TestRegistryEvictTargetLeavesOtherTargets(t *testing.T) {
	b := brokertest.New()
	conn, err := b.Dial(context.Background(), "", broker.UnboundedRetries())
	require.NoError(t, err)
	reg := NewRegistry(logging.Nop())
	audit := broker.SubscriptionTarget("events", "audit")

	a := NewNegotiator(conn, reg, logging.Nop(), Options{Target: orders})
	c := NewNegotiator(conn, reg, logging.Nop(), Options{Target: audit})
	for _, id := range []string{"S1", "S2"} {
		_, err := a.AcceptSpecific(context.Background(), id, 0)
		require.NoError(t, err)
	}
	_, err = c.AcceptSpecific(context.Background(), "S1", 0)
	require.NoError(t, err)

	evicted := reg.EvictTarget(orders)
	assert.Len(t, evicted, 2)
	assert.Empty(t, reg.IDs(orders))
	assert.Equal(t, []string{"S1"}, reg.IDs(audit))
}

func TestRegistryConcurrentEvictionAndShutdownCloseOnce(t *testing.T) {
	b, _, n, _ := newFixture(t, Options{})
	var entries []*Entry
	for _, id := range []string{"S1", "S2", "S3"} {
		b.CreateSession(orders, id)
		e, err := n.AcceptSpecific(context.Background(), id, 0)
		require.NoError(t, err)
		entries = append(entries, e)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, e := range n.Registry().EvictTarget(orders) {
			_ = e.Close(context.Background())
		}
	}()
	go func() {
		defer wg.Done()
		_ = n.Registry().CloseAll(context.Background())
	}()
	wg.Wait()

	for _, e := range entries {
		assert.Equal(t, 1, e.Receiver().(*brokertest.SessionReceiver).CloseCalls())
	}
	assert.Zero(t, n.Registry().Len())
}

func TestCloseAllJoinsErrors(t *testing.T) {
	b, _, n, _ := newFixture(t, Options{})
	b.CloseErr = errors.New("link detached")
	b.CreateSession(orders, "S1")
	_, err := n.AcceptSpecific(context.Background(), "S1", 0)
	require.NoError(t, err)

	err = n.Registry().CloseAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "link detached")
}

func TestSnapshotIsSorted(t *testing.T) {
	b, _, n, _ := newFixture(t, Options{})
	for _, id := range []string{"S2", "S1"} {
		b.CreateSession(orders, id)
		_, err := n.AcceptSpecific(context.Background(), id, 0)
		require.NoError(t, err)
	}
	snap := n.Registry().Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "S1", snap[0].SessionID)
	assert.Equal(t, "orders", snap[0].Target)
	assert.False(t, snap[0].LockedUntil.IsZero())
}
