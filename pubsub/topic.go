// Package pubsub implements the organization-scoped subscription dispatch
// engine: topic routing, per-subscriber filtering, fixed-window rate
// limiting and subscription health tracking.
package pubsub

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelsec/kestrel/identity"
)

// Base topics published by the write path.
const (
	TopicIOCMatches = "iocMatches"
	TopicAlerts     = "alerts"
	TopicIncidents  = "incidents"
)

// requiredRoles maps a base topic to the minimum role needed to subscribe.
// Unlisted topics require VIEWER.
var requiredRoles = map[string]identity.Role{
	TopicIOCMatches: identity.RoleAnalyst,
	TopicAlerts:     identity.RoleViewer,
	TopicIncidents:  identity.RoleIncidentResponder,
}

// RequiredRole returns the minimum role to subscribe to a base topic.
func RequiredRole(baseTopic string) identity.Role {
	if r, ok := requiredRoles[baseTopic]; ok {
		return r
	}
	return identity.RoleViewer
}

// TopicFor scopes a base topic to one organization.
func TopicFor(baseTopic, organizationID string) string {
	return baseTopic + ":" + organizationID
}

// SplitTopic is the inverse of TopicFor. ok is false when the topic carries
// no organization suffix.
func SplitTopic(topic string) (baseTopic, organizationID string, ok bool) {
	i := strings.LastIndex(topic, ":")
	if i <= 0 || i == len(topic)-1 {
		return "", "", false
	}
	return topic[:i], topic[i+1:], true
}

// Event is one published domain event as delivered to subscribers.
type Event struct {
	ID             string                 `json:"id"`
	Topic          string                 `json:"topic"`
	BaseTopic      string                 `json:"base_topic"`
	OrganizationID string                 `json:"organization_id"`
	Payload        map[string]interface{} `json:"payload"`
	PublishedAt    time.Time              `json:"published_at"`
}

func newEvent(baseTopic, organizationID string, payload map[string]interface{}, at time.Time) Event {
	return Event{
		ID:             uuid.New().String(),
		Topic:          TopicFor(baseTopic, organizationID),
		BaseTopic:      baseTopic,
		OrganizationID: organizationID,
		Payload:        payload,
		PublishedAt:    at,
	}
}
