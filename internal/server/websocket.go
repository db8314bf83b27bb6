package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/livetemplate/wizard"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: sameOrigin,
}

// sameOrigin accepts requests without an Origin header (non-browser
// clients) and browser requests from the page's own host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// ClientMessage is one message from the browser.
type ClientMessage struct {
	Type    string                   `json:"type"`
	Request wizard.NavigationRequest `json:"request"`
	Step    wizard.Step              `json:"step,omitempty"`
	Data    wizard.FieldMap          `json:"data,omitempty"`
	URL     string                   `json:"url,omitempty"`
}

// serveWebSocket connects a page to its session. Every page load opens a
// new connection; the session's view follows the most recent one.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	if c, err := r.Cookie(SessionCookie); err == nil {
		id = c.Value
	}
	sess, ok := s.session(id)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Failed to upgrade connection: %v", err)
		return
	}
	defer func() {
		sess.view.detach(conn)
		s.UnregisterConnection(conn)
		conn.Close()
	}()

	s.RegisterConnection(conn)
	sess.view.attach(conn)
	sess.touch(s.now())
	sess.view.Guard(sess.orch.ShouldWarnOnUnload())

	if s.debug {
		log.Printf("[WS] Client connected: %s (session %s)", conn.RemoteAddr(), sess.id)
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Unexpected close: %v", err)
			}
			break
		}

		if s.debug {
			log.Printf("[WS] Received: %s", message)
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("[WS] Failed to parse message: %v", err)
			continue
		}
		// The session may have expired while the page was open.
		live, ok := s.session(sess.id)
		if !ok || live != sess {
			continue
		}
		sess.touch(s.now())
		s.handleMessage(r.Context(), sess, msg)
	}

	if s.debug {
		log.Printf("[WS] Client disconnected: %s", conn.RemoteAddr())
	}
}

// handleMessage routes a browser message to the session's orchestrator.
func (s *Server) handleMessage(ctx context.Context, sess *session, msg ClientMessage) {
	o := sess.orch
	switch msg.Type {
	case "navigate":
		o.Gesture(msg.Request)

	case "fields":
		if err := o.UpdateFields(msg.Step, msg.Data); err != nil && s.debug {
			log.Printf("[WS] Field update ignored: %v", err)
		}

	case "popstate":
		if _, err := o.HistoryNavigate(ctx, msg.URL); err != nil {
			log.Printf("[WS] History navigation to %s failed: %v", msg.URL, err)
		}

	case "retry-completion":
		if _, err := o.RetryCompletion(ctx); err != nil {
			log.Printf("[WS] Completion retry failed: %v", err)
		}

	case "unload":
		if err := o.Store().Flush(ctx); err != nil && s.debug {
			log.Printf("[WS] Flush on unload failed: %v", err)
		}

	default:
		log.Printf("[WS] Unknown message type: %q", msg.Type)
	}
}
