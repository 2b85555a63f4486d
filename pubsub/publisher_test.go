package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel/identity"
)

func TestPublisherRoutesByTopic(t *testing.T) {
	b := newTestBroker()
	p := NewPublisher(b, nil)

	iocs, err := b.Subscribe(analystIdentity("org1"), TopicIOCMatches, "org1", nil)
	require.NoError(t, err)
	alerts, err := b.Subscribe(analystIdentity("org1"), TopicAlerts, "org1", nil)
	require.NoError(t, err)
	responder := &identity.Context{OrganizationID: "org1", UserID: "u2", Role: identity.RoleIncidentResponder}
	incidents, err := b.Subscribe(responder, TopicIncidents, "org1", nil)
	require.NoError(t, err)

	p.PublishIOCMatch("org1", map[string]interface{}{"indicator": "1.2.3.4"})

	e := recvEvent(t, iocs)
	assert.Equal(t, "iocMatches:org1", e.Topic)
	assert.Equal(t, "1.2.3.4", e.Payload["indicator"])
	assertNoEvent(t, alerts)
	assertNoEvent(t, incidents)

	p.PublishAlert("org1", map[string]interface{}{"severity": "HIGH"})
	assert.Equal(t, "alerts:org1", recvEvent(t, alerts).Topic)

	p.PublishIncident("org1", map[string]interface{}{"status": "OPEN"})
	assert.Equal(t, "incidents:org1", recvEvent(t, incidents).Topic)
}

func TestPublisherScopedToOrganization(t *testing.T) {
	b := newTestBroker()
	p := NewPublisher(b, nil)

	other, err := b.Subscribe(analystIdentity("org2"), TopicAlerts, "org2", nil)
	require.NoError(t, err)

	p.PublishAlert("org1", map[string]interface{}{"severity": "HIGH"})
	assertNoEvent(t, other)
}

func TestPublisherFireAndForget(t *testing.T) {
	b := newTestBroker()
	p := NewPublisher(b, nil)

	// No subscribers anywhere: the publish returns without blocking and the
	// broker still counts it.
	p.PublishAlert("org1", map[string]interface{}{"severity": "LOW"})
	p.PublishIOCMatch("org1", map[string]interface{}{"indicator": "a"})

	stats := b.Stats()
	assert.EqualValues(t, 2, stats.PublishedEvents)
	assert.EqualValues(t, 0, stats.DeliveredEvents)
}
