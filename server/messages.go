package server

import (
	"github.com/kestrelsec/kestrel/engine"
	"github.com/kestrelsec/kestrel/pubsub"
	"github.com/kestrelsec/kestrel/query"
)

// ClientMessage is one inbound websocket frame from a client.
type ClientMessage struct {
	Type string `json:"type"`

	// subscribe / unsubscribe
	BaseTopic      string            `json:"base_topic,omitempty"`
	OrganizationID string            `json:"organization_id,omitempty"`
	Filter         *pubsub.Predicate `json:"filter,omitempty"`
	SubscriptionID string            `json:"subscription_id,omitempty"`

	// query
	Name       string                 `json:"name,omitempty"`
	Selections []query.Selection      `json:"selections,omitempty"`
	RootArgs   map[string]interface{} `json:"root_args,omitempty"`
	RootIDs    map[string][]string    `json:"root_ids,omitempty"`
}

// serverMessage is one outbound websocket frame.
type serverMessage struct {
	Type           string          `json:"type"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	Event          *pubsub.Event   `json:"event,omitempty"`
	Result         *engine.Result  `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	Dashboard      *DashboardStats `json:"dashboard,omitempty"`
}

func errorMessage(err error) serverMessage {
	return serverMessage{Type: "error", Error: err.Error()}
}
