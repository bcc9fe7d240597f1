package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"webauto/internal/bus"
	"webauto/internal/logging"
)

// upgrader accepts any origin: the observer plane is read-only. Note that
// serve listens on ":port", i.e. on every interface, not only loopback.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server is the Unified API process surface (spec.md section 4.8): the
// command router on /v1/controller/action, liveness on /health, the
// per-session event stream on /ws, and the aggregated observer bus on /bus.
type Server struct {
	dispatcher *Dispatcher
	bus        *bus.Bus

	httpServer *http.Server
}

// NewServer wires a Server around a dispatcher and its bus.
func NewServer(dispatcher *Dispatcher, eventBus *bus.Bus) *Server {
	return &Server{dispatcher: dispatcher, bus: eventBus}
}

// Handler builds the route mux, exposed separately so tests can drive it
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/controller/action", s.handleAction)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleSessionWS)
	mux.HandleFunc("/bus", s.handleBusWS)
	return mux
}

// Start begins serving on addr until Stop or a listener error.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  0, // WS connections are long-lived
		WriteTimeout: 0,
	}
	logging.API("unified api listening on %s", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, fail(fmt.Errorf("invalid request envelope: %w", err)))
		return
	}

	resp := s.dispatcher.Dispatch(r.Context(), req)
	writeJSON(w, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ok(map[string]any{"status": "ok", "ts": time.Now().UnixMilli()}))
}

// handleSessionWS streams per-session browser events: frames whose payload
// names the requested profile (or every session event when no profile
// query parameter is given).
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	profileID := r.URL.Query().Get("profile")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	observer := s.bus.Attach()
	defer s.bus.Detach(observer)

	for frame := range observer.C() {
		if profileID != "" && frame.Data != nil {
			if pid, okPid := frame.Data["profileId"].(string); okPid && pid != profileID {
				continue
			}
		}
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

// handleBusWS streams the aggregated observer bus, replaying the buffered
// recent frames on attach (spec.md section 6).
func (s *Server) handleBusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	observer := s.bus.Attach()
	defer s.bus.Detach(observer)

	for frame := range observer.C() {
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.APIError("encoding response: %v", err)
	}
}
