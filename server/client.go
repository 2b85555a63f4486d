package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/kestrelsec/kestrel/engine"
	"github.com/kestrelsec/kestrel/identity"
	"github.com/kestrelsec/kestrel/logger"
	"github.com/kestrelsec/kestrel/pubsub"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// Client represents one websocket connection with its identity and its
// active subscriptions.
type Client struct {
	server   *Server
	conn     *websocket.Conn
	identity *identity.Context
	sendMsg  chan serverMessage
	id       string
	// limiter smooths outbound event delivery per client so one noisy
	// topic cannot starve the connection.
	limiter   *rate.Limiter
	closeOnce sync.Once

	mu     sync.Mutex
	subs   map[string]*pubsub.Subscription
	closed bool
}

// readPump handles reading messages from the websocket connection.
func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.server.logger.Debugw("Read pump started", logger.FieldClientID, c.id)

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			c.server.logger.Warnw("JSON unmarshal error",
				logger.FieldError, err.Error(),
				logger.FieldClientID, c.id,
			)
			continue
		}

		c.routeMessage(&msg)
	}
}

// handleReadError logs unexpected websocket read errors. Expected closure
// codes are silently ignored.
func (c *Client) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		c.server.logger.Warnw("WebSocket read error",
			logger.FieldError, err.Error(),
			logger.FieldClientID, c.id,
		)
	}
}

// routeMessage dispatches incoming websocket messages to handlers.
func (c *Client) routeMessage(msg *ClientMessage) {
	switch msg.Type {
	case "subscribe":
		c.handleSubscribe(msg)
	case "unsubscribe":
		c.handleUnsubscribe(msg.SubscriptionID)
	case "query":
		c.handleQuery(msg)
	case "ping":
		c.handlePing()
	default:
		c.server.logger.Debugw("Unknown message type",
			"type", msg.Type,
			logger.FieldClientID, c.id,
		)
	}
}

func (c *Client) handleSubscribe(msg *ClientMessage) {
	org := msg.OrganizationID
	if org == "" {
		org = c.identity.OrganizationID
	}

	sub, err := c.server.broker.Subscribe(c.identity, msg.BaseTopic, org, msg.Filter)
	if err != nil {
		c.server.logger.Infow("Subscribe rejected",
			logger.FieldClientID, c.id,
			logger.FieldBaseTopic, msg.BaseTopic,
			logger.FieldError, err.Error(),
		)
		c.sendJSON(errorMessage(err))
		return
	}

	c.mu.Lock()
	c.subs[sub.ID] = sub
	c.mu.Unlock()

	c.sendJSON(serverMessage{Type: "subscribed", SubscriptionID: sub.ID})
	go c.forwardEvents(sub)
}

// forwardEvents copies broker events onto the client's outbound channel,
// pacing delivery through the per-client limiter. Exits when the broker
// closes the subscription channel.
func (c *Client) forwardEvents(sub *pubsub.Subscription) {
	for event := range sub.C {
		if err := c.limiter.Wait(c.server.ctx); err != nil {
			return
		}
		event := event
		c.sendJSON(serverMessage{
			Type:           "event",
			SubscriptionID: sub.ID,
			Event:          &event,
		})
	}
	c.sendJSON(serverMessage{Type: "unsubscribed", SubscriptionID: sub.ID})
}

func (c *Client) handleUnsubscribe(subscriptionID string) {
	c.mu.Lock()
	sub, ok := c.subs[subscriptionID]
	if ok {
		delete(c.subs, subscriptionID)
	}
	c.mu.Unlock()

	if ok {
		c.server.broker.Unsubscribe(sub)
	}
}

func (c *Client) handleQuery(msg *ClientMessage) {
	req := &engine.Request{
		Name:       msg.Name,
		Identity:   c.identity,
		Selections: msg.Selections,
		RootArgs:   msg.RootArgs,
		RootIDs:    msg.RootIDs,
	}

	result, err := c.server.engine.Execute(c.server.ctx, req)
	if err != nil {
		c.sendJSON(errorMessage(err))
		return
	}
	c.sendJSON(serverMessage{Type: "result", Result: result})
}

// handlePing refreshes subscription liveness on explicit client pings.
func (c *Client) handlePing() {
	c.mu.Lock()
	subs := make([]*pubsub.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		c.server.broker.Heartbeat(sub)
	}
	c.sendJSON(serverMessage{Type: "pong"})
}

// sendJSON queues a message without blocking; slow clients get removed.
func (c *Client) sendJSON(msg serverMessage) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.sendMsg <- msg:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.server.logger.Warnw("Client send buffer full, removing",
			logger.FieldClientID, c.id,
		)
		go func() { c.server.unregister <- c }()
	}
}

// writePump writes queued messages and keepalive pings to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	c.server.logger.Debugw("Write pump started", logger.FieldClientID, c.id)

	for {
		select {
		case <-c.server.ctx.Done():
			return
		case msg, ok := <-c.sendMsg:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Debugw("Message write error",
					logger.FieldError, err.Error(),
					logger.FieldClientID, c.id,
				)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close tears down the connection and its broker subscriptions exactly once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		subs := make([]*pubsub.Subscription, 0, len(c.subs))
		for _, sub := range c.subs {
			subs = append(subs, sub)
		}
		c.subs = make(map[string]*pubsub.Subscription)
		c.mu.Unlock()

		for _, sub := range subs {
			c.server.broker.Unsubscribe(sub)
		}
		close(c.sendMsg)
	})
}
