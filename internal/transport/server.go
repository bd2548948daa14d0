package transport

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/agentmesh/mesh/internal/events"
	"github.com/agentmesh/mesh/internal/protocol"
)

// MeshHandler is the application surface behind the wire protocol.
// Implemented by mesh.Manager.
type MeshHandler interface {
	Identity() protocol.NodeIdentity
	HandleHeartbeat(req protocol.HeartbeatRequest) protocol.HeartbeatResponse
	HandleJoin(identity protocol.NodeIdentity) error
	HandleLeave(nodeID, reason string)
	HandleGossip(msg protocol.GossipMessage) (*protocol.GossipMessage, error)
	OnTaskRequest(req protocol.TaskRequest) protocol.TaskAccept
	OnTaskResult(result protocol.TaskResult) error
	TaskStatus(taskID string) (protocol.CheckpointStatus, bool)
	CancelTask(taskID string) error
	HandleRFQ(rfq protocol.RFQ) error
	HandleBid(envelope protocol.BidEnvelope) error
	HandleVerify(req protocol.VerifyRequest) protocol.VerifyResponse
}

// Server is the inbound side of the wire protocol.
type Server struct {
	handler    MeshHandler
	bus        *events.Bus
	metrics    prometheus.Gatherer
	secretHash []byte
	httpServer *http.Server
	logger     *log.Logger
}

// NewServer builds the HTTP server. The shared secret is stored only as
// a bcrypt hash; an empty secret disables auth entirely. metrics is the
// node's own registry; nil falls back to the process default.
func NewServer(port string, handler MeshHandler, bus *events.Bus, metrics prometheus.Gatherer, sharedSecret string) (*Server, error) {
	s := &Server{
		handler: handler,
		bus:     bus,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[TRANSPORT] ", log.LstdFlags),
	}
	if sharedSecret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(sharedSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		s.secretHash = hash
	}

	s.httpServer = &http.Server{
		Addr:         ":" + port,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	// Public surface.
	r.HandleFunc("/identity", s.handleIdentity).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	metricsHandler := promhttp.Handler()
	if s.metrics != nil {
		metricsHandler = promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{})
	}
	r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)

	// Peer protocol and the observer feed, bearer-authenticated.
	p := r.NewRoute().Subrouter()
	p.Use(s.authMiddleware)
	p.HandleFunc("/events", s.handleEventsFeed).Methods(http.MethodGet)
	p.HandleFunc("/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	p.HandleFunc("/join", s.handleJoin).Methods(http.MethodPost)
	p.HandleFunc("/leave", s.handleLeave).Methods(http.MethodPost)
	p.HandleFunc("/gossip", s.handleGossip).Methods(http.MethodPost)
	p.HandleFunc("/task", s.handleTask).Methods(http.MethodPost)
	p.HandleFunc("/result", s.handleResult).Methods(http.MethodPost)
	p.HandleFunc("/task/{id}/status", s.handleTaskStatus).Methods(http.MethodGet)
	p.HandleFunc("/task/{id}/cancel", s.handleTaskCancel).Methods(http.MethodPost)
	p.HandleFunc("/rfq", s.handleRFQ).Methods(http.MethodPost)
	p.HandleFunc("/bid", s.handleBid).Methods(http.MethodPost)
	p.HandleFunc("/verify", s.handleVerify).Methods(http.MethodPost)

	return r
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	s.logger.Printf("listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// authMiddleware validates the bearer token against the bcrypt hash.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.secretHash == nil {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if err := bcrypt.CompareHashAndPassword(s.secretHash, []byte(token)); err != nil {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.handler.Identity())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"node_id": s.handler.Identity().ID,
		"time":    time.Now().UTC(),
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req protocol.HeartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.handler.HandleHeartbeat(req))
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req protocol.JoinRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.handler.HandleJoin(req.Identity); err != nil {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, protocol.Ack{OK: true})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req protocol.LeaveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.handler.HandleLeave(req.NodeID, req.Reason)
	writeJSON(w, http.StatusOK, protocol.Ack{OK: true})
}

func (s *Server) handleGossip(w http.ResponseWriter, r *http.Request) {
	var msg protocol.GossipMessage
	if !decodeJSON(w, r, &msg) {
		return
	}
	reply, err := s.handler.HandleGossip(msg)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	var req protocol.TaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.handler.OnTaskRequest(req))
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var result protocol.TaskResult
	if !decodeJSON(w, r, &result) {
		return
	}
	if err := s.handler.OnTaskResult(result); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, protocol.Ack{OK: true})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]
	status, ok := s.handler.TaskStatus(taskID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown task"})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]
	if err := s.handler.CancelTask(taskID); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, protocol.Ack{OK: true})
}

func (s *Server) handleRFQ(w http.ResponseWriter, r *http.Request) {
	var rfq protocol.RFQ
	if !decodeJSON(w, r, &rfq) {
		return
	}
	if err := s.handler.HandleRFQ(rfq); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, protocol.Ack{OK: true})
}

func (s *Server) handleBid(w http.ResponseWriter, r *http.Request) {
	var envelope protocol.BidEnvelope
	if !decodeJSON(w, r, &envelope) {
		return
	}
	if err := envelope.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.handler.HandleBid(envelope); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, protocol.Ack{OK: true})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req protocol.VerifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.handler.HandleVerify(req))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
