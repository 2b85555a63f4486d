package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel/config"
	"github.com/kestrelsec/kestrel/errors"
	"github.com/kestrelsec/kestrel/identity"
)

func analystIdentity(org string) *identity.Context {
	return &identity.Context{OrganizationID: org, UserID: "u1", Role: identity.RoleAnalyst}
}

func newTestBroker() *Broker {
	return NewBroker(config.Default().PubSub, nil)
}

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e := <-sub.C:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case e := <-sub.C:
		t.Fatalf("unexpected event: %+v", e)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubscribeRequiresIdentity(t *testing.T) {
	b := newTestBroker()
	_, err := b.Subscribe(nil, TopicAlerts, "org1", nil)
	require.Error(t, err)
	assert.True(t, errors.IsAuthenticationError(err))
}

func TestSubscribeEnforcesRoleRank(t *testing.T) {
	b := newTestBroker()
	viewer := &identity.Context{OrganizationID: "org1", UserID: "u1", Role: identity.RoleViewer}

	_, err := b.Subscribe(viewer, TopicAlerts, "org1", nil)
	assert.NoError(t, err, "alerts only require VIEWER")

	_, err = b.Subscribe(viewer, TopicIncidents, "org1", nil)
	require.Error(t, err)
	assert.True(t, errors.IsForbiddenError(err))
}

func TestSubscribeCrossOrganization(t *testing.T) {
	b := newTestBroker()

	_, err := b.Subscribe(analystIdentity("org1"), TopicAlerts, "org2", nil)
	require.Error(t, err)
	assert.True(t, errors.IsForbiddenError(err))

	super := &identity.Context{OrganizationID: "org1", UserID: "u1", Role: identity.RoleSuperAdmin}
	sub, err := b.Subscribe(super, TopicAlerts, "org2", nil)
	require.NoError(t, err)
	assert.Equal(t, "alerts:org2", sub.Topic)
}

func TestSubscribeRejectsInvalidFilter(t *testing.T) {
	b := newTestBroker()
	_, err := b.Subscribe(analystIdentity("org1"), TopicAlerts, "org1", &Predicate{Op: "regex"})
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
	assert.Zero(t, b.Stats().ActiveSubscriptions, "no registration on invalid filter")
}

func TestPublishScopedToOrganization(t *testing.T) {
	b := newTestBroker()
	org1, err := b.Subscribe(analystIdentity("org1"), TopicAlerts, "org1", nil)
	require.NoError(t, err)
	org2, err := b.Subscribe(analystIdentity("org2"), TopicAlerts, "org2", nil)
	require.NoError(t, err)

	b.Publish("org1", TopicAlerts, map[string]interface{}{"severity": "HIGH"})

	e := recvEvent(t, org1)
	assert.Equal(t, "alerts:org1", e.Topic)
	assert.Equal(t, "HIGH", e.Payload["severity"])
	assertNoEvent(t, org2)
}

func TestPublishFilteredPerSubscriber(t *testing.T) {
	b := newTestBroker()
	critical, err := b.Subscribe(analystIdentity("org1"), TopicAlerts, "org1",
		In("severity", "HIGH", "CRITICAL"))
	require.NoError(t, err)
	all, err := b.Subscribe(analystIdentity("org1"), TopicAlerts, "org1", nil)
	require.NoError(t, err)

	b.Publish("org1", TopicAlerts, map[string]interface{}{"severity": "HIGH"})
	recvEvent(t, critical)
	recvEvent(t, all)

	b.Publish("org1", TopicAlerts, map[string]interface{}{"severity": "LOW"})
	recvEvent(t, all)
	assertNoEvent(t, critical)
}

func TestPublishRateLimitDropsSilently(t *testing.T) {
	b := newTestBroker()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.limiter.now = func() time.Time { return now }

	sub, err := b.Subscribe(analystIdentity("org1"), TopicAlerts, "org1", nil)
	require.NoError(t, err)

	for i := 0; i < 60; i++ {
		b.Publish("org1", TopicAlerts, map[string]interface{}{"n": i})
	}
	b.Publish("org1", TopicAlerts, map[string]interface{}{"n": 60})

	received := 0
	for {
		select {
		case <-sub.C:
			received++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 60, received, "61st publish in the window is dropped")
	assert.EqualValues(t, 1, b.Stats().RateLimitRejections)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBroker()
	sub, err := b.Subscribe(analystIdentity("org1"), TopicAlerts, "org1", nil)
	require.NoError(t, err)

	b.Unsubscribe(sub)
	assert.Zero(t, b.Stats().ActiveSubscriptions)

	// Channel is closed after unsubscribe.
	_, open := <-sub.C
	assert.False(t, open)

	// Double unsubscribe is safe.
	b.Unsubscribe(sub)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	cfg := config.Default().PubSub
	cfg.SubscriberBuffer = 1
	b := NewBroker(cfg, nil)

	slow, err := b.Subscribe(analystIdentity("org1"), TopicAlerts, "org1", nil)
	require.NoError(t, err)
	fast, err := b.Subscribe(analystIdentity("org1"), TopicAlerts, "org1", nil)
	require.NoError(t, err)

	// Fill slow's buffer, then publish again; fast must still receive both.
	b.Publish("org1", TopicAlerts, map[string]interface{}{"n": 1})
	b.Publish("org1", TopicAlerts, map[string]interface{}{"n": 2})

	recvEvent(t, fast)
	recvEvent(t, fast)
	recvEvent(t, slow)
	assertNoEvent(t, slow)
	assert.EqualValues(t, 1, b.Stats().DroppedSlowConsumers)
}

func TestBrokerSweepEvictsStaleSubscriptions(t *testing.T) {
	cfg := config.Default().PubSub
	cfg.SweepIntervalSeconds = 1
	b := NewBroker(cfg, nil)

	sub, err := b.Subscribe(analystIdentity("org1"), TopicAlerts, "org1", nil)
	require.NoError(t, err)

	// Age the routing entry past the staleness threshold.
	past := time.Now().Add(-10 * time.Minute)
	b.health.now = func() time.Time { return past }
	b.health.Heartbeat(sub.Topic, sub.OrganizationID)
	b.health.now = time.Now

	b.Start()
	defer b.Stop()

	require.Eventually(t, func() bool {
		return b.Stats().ActiveSubscriptions == 0
	}, 3*time.Second, 50*time.Millisecond)

	_, open := <-sub.C
	assert.False(t, open, "evicted subscription channel is closed")
}
