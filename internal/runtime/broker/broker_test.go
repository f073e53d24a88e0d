package broker

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetValidate(t *testing.T) {
	cases := []struct {
		name    string
		target  Target
		wantErr string
	}{
		{name: "queue", target: QueueTarget("orders")},
		{name: "subscription", target: SubscriptionTarget("events", "audit")},
		{name: "empty", target: Target{}, wantErr: "requires a queue"},
		{name: "both", target: Target{Queue: "q", Topic: "t", Subscription: "s"}, wantErr: "both queue"},
		{name: "topic only", target: Target{Topic: "t"}, wantErr: "requires a subscription"},
		{name: "subscription only", target: Target{Subscription: "s"}, wantErr: "requires a topic"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.target.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestTargetString(t *testing.T) {
	assert.Equal(t, "orders", QueueTarget("orders").String())
	assert.Equal(t, "events/Subscriptions/audit", SubscriptionTarget("events", "audit").String())
	assert.True(t, QueueTarget("orders").IsQueue())
	assert.False(t, SubscriptionTarget("events", "audit").IsQueue())
}

type stubReceiver struct{ Receiver }

type stubSessionReceiver struct {
	SessionReceiver
	id string
}

func (s stubSessionReceiver) SessionID() string { return s.id }

func TestHandleVariants(t *testing.T) {
	target := QueueTarget("orders")

	plain := NewPlainHandle(target, stubReceiver{})
	assert.Equal(t, HandlePlain, plain.Kind())
	assert.Equal(t, target, plain.Target())
	assert.NotNil(t, plain.Receiver())
	assert.Empty(t, plain.SessionID())
	_, ok := plain.Session()
	assert.False(t, ok)

	sr := stubSessionReceiver{id: "S1"}
	sess := NewSessionHandle(target, sr)
	assert.Equal(t, HandleSession, sess.Kind())
	assert.Equal(t, "S1", sess.SessionID())
	got, ok := sess.Session()
	require.True(t, ok)
	assert.Equal(t, "S1", got.SessionID())
	assert.Equal(t, Receiver(sr), sess.Receiver())

	assert.Equal(t, "plain", HandlePlain.String())
	assert.Equal(t, "session", HandleSession.String())
	assert.Equal(t, "handle_kind(9)", HandleKind(9).String())
}

func TestRetryPolicyVariants(t *testing.T) {
	bounded := BoundedRetries(3)
	n, ok := bounded.MaxAttempts()
	assert.True(t, ok)
	assert.Equal(t, 3, n)
	assert.False(t, bounded.Unbounded())
	assert.Equal(t, int32(3), bounded.Int32Attempts())
	assert.Equal(t, "bounded(3)", bounded.String())

	unbounded := UnboundedRetries()
	_, ok = unbounded.MaxAttempts()
	assert.False(t, ok)
	assert.True(t, unbounded.Unbounded())
	assert.Equal(t, int32(math.MaxInt32), unbounded.Int32Attempts())
	assert.Equal(t, "unbounded", unbounded.String())

	assert.True(t, RetryPolicyFromAttempts(-1).Unbounded())
	n, _ = RetryPolicyFromAttempts(0).MaxAttempts()
	assert.Equal(t, 0, n)
	n, _ = BoundedRetries(-5).MaxAttempts()
	assert.Equal(t, 0, n)
}

func TestRetryPolicyDefaults(t *testing.T) {
	p := UnboundedRetries().WithDefaults()
	assert.Equal(t, DefaultRetryDelay, p.Delay)
	assert.Equal(t, DefaultRetryMaxDelay, p.MaxDelay)

	p = BoundedRetries(1).WithDelays(10*time.Second, time.Second).WithDefaults()
	assert.Equal(t, 10*time.Second, p.MaxDelay)
}

func TestReceiveModeString(t *testing.T) {
	assert.Equal(t, "peek_lock", ReceiveModePeekLock.String())
	assert.Equal(t, "receive_and_delete", ReceiveModeReceiveAndDelete.String())
}
