// Package server exposes the read path and the subscription dispatch engine
// over websockets, plus a small HTTP surface for health and stats.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kestrelsec/kestrel/config"
	"github.com/kestrelsec/kestrel/engine"
	"github.com/kestrelsec/kestrel/identity"
	"github.com/kestrelsec/kestrel/logger"
	"github.com/kestrelsec/kestrel/pubsub"
)

// MaxClients bounds concurrent websocket connections per process.
const MaxClients = 1024

// Server is the websocket/HTTP front of the kestrel core.
type Server struct {
	cfg       config.ServerConfig
	engine    *engine.Engine
	broker    *pubsub.Broker
	publisher *pubsub.Publisher
	logger    *zap.SugaredLogger

	clients     map[*Client]bool
	register    chan *Client
	unregister  chan *Client
	broadcast   chan serverMessage
	clientCount atomic.Int64

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server over the engine and broker.
func New(cfg config.ServerConfig, eng *engine.Engine, broker *pubsub.Broker, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:        cfg,
		engine:     eng,
		broker:     broker,
		publisher:  pubsub.NewPublisher(broker, log),
		logger:     log,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan serverMessage, 8),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	// Non-browser clients send no Origin header.
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Start launches the client run loop, the dashboard loop and the HTTP
// listener. Returns once the listener is installed; errors from serving are
// logged.
func (s *Server) Start() error {
	s.wg.Add(1)
	go s.run()

	s.wg.Add(1)
	go s.dashboardLoop()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/publish", s.handlePublish)

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Infow("Server listening", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorw("HTTP server failed", logger.FieldError, err.Error())
		}
	}()
	return nil
}

// Stop drains the HTTP listener and stops the client loops.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Infow("Server stopped")
	return err
}

// run owns the client registry. All membership changes flow through the
// register/unregister channels so the map needs no lock.
func (s *Server) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			for client := range s.clients {
				client.close()
			}
			return
		case client := <-s.register:
			s.handleClientRegister(client)
		case client := <-s.unregister:
			s.handleClientUnregister(client)
		case msg := <-s.broadcast:
			for client := range s.clients {
				client.sendJSON(msg)
			}
		}
	}
}

func (s *Server) handleClientRegister(client *Client) {
	if len(s.clients) >= MaxClients {
		s.logger.Warnw("Max clients reached, rejecting connection",
			logger.FieldClientID, client.id,
			"max_clients", MaxClients,
		)
		client.close()
		return
	}
	s.clients[client] = true
	s.clientCount.Store(int64(len(s.clients)))
	s.logger.Infow("Client connected",
		logger.FieldClientID, client.id,
		logger.FieldOrganizationID, client.identity.OrganizationID,
		"total_clients", len(s.clients),
	)
}

func (s *Server) handleClientUnregister(client *Client) {
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		s.clientCount.Store(int64(len(s.clients)))
		client.close()
		s.logger.Infow("Client disconnected",
			logger.FieldClientID, client.id,
			"total_clients", len(s.clients),
		)
	}
}

// identityFromRequest reads the authenticated identity relayed by the
// fronting auth layer. Session issuance and token validation happen there.
func identityFromRequest(r *http.Request) *identity.Context {
	org := r.Header.Get("X-Organization-ID")
	user := r.Header.Get("X-User-ID")
	if org == "" || user == "" {
		return nil
	}
	return &identity.Context{
		OrganizationID: org,
		UserID:         user,
		Role:           identity.ParseRole(r.Header.Get("X-Role")),
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := identityFromRequest(r)
	if id == nil {
		http.Error(w, "missing identity headers", http.StatusUnauthorized)
		return
	}
	if !id.Role.Valid() {
		http.Error(w, "unknown role", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", logger.FieldError, err.Error())
		return
	}

	client := &Client{
		server:   s,
		conn:     conn,
		identity: id,
		sendMsg:  make(chan serverMessage, s.cfg.ClientSendBuffer),
		id:       uuid.New().String(),
		limiter:  rate.NewLimiter(rate.Limit(s.cfg.ClientDeliveryRate), s.cfg.ClientDeliveryBurst),
		subs:     make(map[string]*pubsub.Subscription),
	}

	s.register <- client
	go client.writePump()
	go client.readPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleStats exposes process-wide counters, including per-organization
// subscription pairs, so it is restricted to operators.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id := identityFromRequest(r)
	if id == nil {
		http.Error(w, "missing identity headers", http.StatusUnauthorized)
		return
	}
	if !id.Role.AtLeast(identity.RoleAdmin) {
		http.Error(w, "admin role required", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.snapshot())
}

// handlePublish is the event ingestion hook: upstream detection services post
// domain events here and the broker fans them out to subscribers. Delivery is
// fire-and-forget, so a well-formed request is accepted regardless of how
// many subscribers exist.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := identityFromRequest(r)
	if err := identity.Authorize(id, identity.RoleAnalyst, ""); err != nil {
		code := http.StatusForbidden
		if id == nil {
			code = http.StatusUnauthorized
		}
		http.Error(w, err.Error(), code)
		return
	}

	var req struct {
		Topic   string                 `json:"topic"`
		Payload map[string]interface{} `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	// Events always land in the caller's own organization.
	switch req.Topic {
	case pubsub.TopicIOCMatches:
		s.publisher.PublishIOCMatch(id.OrganizationID, req.Payload)
	case pubsub.TopicAlerts:
		s.publisher.PublishAlert(id.OrganizationID, req.Payload)
	case pubsub.TopicIncidents:
		s.publisher.PublishIncident(id.OrganizationID, req.Payload)
	default:
		http.Error(w, fmt.Sprintf("unknown topic %q", req.Topic), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
