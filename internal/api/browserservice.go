package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"webauto/internal/bus"
	"webauto/internal/logging"
)

// BrowserService exposes the raw browser/session verbs on their own port
// (spec.md section 4.8: "POST /command on a companion endpoint ... so the
// Unified API can be replaced or bypassed by tests"), plus a WebSocket
// session-event stream on a third port.
type BrowserService struct {
	dispatcher *Dispatcher
	bus        *bus.Bus

	// onIdle fires when BROWSER_SERVICE_AUTO_EXIT is set and the last
	// session is destroyed.
	onIdle func()

	httpServer *http.Server
	wsServer   *http.Server
}

// rawActionPrefixes is the verb subset the browser service accepts: the
// session/browser plane only, no semantic (container/checkpoint) actions.
var rawActionPrefixes = []string{"session:", "browser:", "keyboard:", "mouse:"}

// NewBrowserService wires the companion endpoint around the same
// dispatcher as the Unified API.
func NewBrowserService(dispatcher *Dispatcher, eventBus *bus.Bus, onIdle func()) *BrowserService {
	return &BrowserService{dispatcher: dispatcher, bus: eventBus, onIdle: onIdle}
}

// Handler builds the /command + /health mux, exposed for httptest.
func (b *BrowserService) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/command", b.handleCommand)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, ok(map[string]any{"status": "ok", "ts": time.Now().UnixMilli()}))
	})
	return mux
}

// WSHandler builds the session-event WebSocket mux for the 8765 port.
func (b *BrowserService) WSHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleSessionEvents)
	return mux
}

// Start begins serving /command on httpAddr and session events on wsAddr.
// Blocks until either listener fails or Stop is called.
func (b *BrowserService) Start(httpAddr, wsAddr string) error {
	b.httpServer = &http.Server{Addr: httpAddr, Handler: b.Handler()}
	b.wsServer = &http.Server{Addr: wsAddr, Handler: b.WSHandler()}

	errc := make(chan error, 2)
	go func() {
		logging.API("browser service http listening on %s", httpAddr)
		errc <- b.httpServer.ListenAndServe()
	}()
	go func() {
		logging.API("browser service ws listening on %s", wsAddr)
		errc <- b.wsServer.ListenAndServe()
	}()

	err := <-errc
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts both listeners down gracefully.
func (b *BrowserService) Stop(ctx context.Context) error {
	var first error
	for _, srv := range []*http.Server{b.httpServer, b.wsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (b *BrowserService) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, fail(fmt.Errorf("invalid request envelope: %w", err)))
		return
	}

	if !rawActionAllowed(req.Action) {
		writeJSON(w, fail(fmt.Errorf("action %q is not a raw browser verb", req.Action)))
		return
	}

	resp := b.dispatcher.Dispatch(r.Context(), req)
	writeJSON(w, resp)

	if req.Action == "session:destroy" && resp.Success {
		b.maybeAutoExit()
	}
}

// maybeAutoExit honors BROWSER_SERVICE_AUTO_EXIT: when set and no sessions
// remain, the service asks its supervisor to wind down.
func (b *BrowserService) maybeAutoExit() {
	if v := os.Getenv("BROWSER_SERVICE_AUTO_EXIT"); v != "1" && v != "true" {
		return
	}
	if len(b.dispatcher.manager.List()) > 0 {
		return
	}
	logging.API("no sessions remain, auto-exit requested")
	if b.onIdle != nil {
		b.onIdle()
	}
}

func rawActionAllowed(action string) bool {
	for _, prefix := range rawActionPrefixes {
		if strings.HasPrefix(action, prefix) {
			return true
		}
	}
	return false
}

// handleSessionEvents streams session and browser frames (session:* and
// browser:*) to a
// connected client, with the observer plane's lossy semantics.
func (b *BrowserService) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	observer := b.bus.Attach()
	defer b.bus.Detach(observer)

	for frame := range observer.C() {
		if !strings.HasPrefix(frame.Type, "session:") && !strings.HasPrefix(frame.Type, "browser:") {
			continue
		}
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}
}
