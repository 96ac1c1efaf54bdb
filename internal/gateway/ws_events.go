package gateway

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/events"
)

// wsWriteWait bounds how long a single frame write may block before the
// connection is considered dead.
const wsWriteWait = 10 * time.Second

var wsUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWebSocketOrigin,
}

// checkWebSocketOrigin validates the Origin header for WebSocket
// connections to prevent cross-site WebSocket hijacking.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// No origin header - allow (could be a non-browser client)
		return true
	}

	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}

	// Same-origin: Origin host must match the Host header
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := originURL.Hostname()
	requestHost := host
	if colonIdx := strings.LastIndex(requestHost, ":"); colonIdx != -1 {
		if !strings.Contains(requestHost, "]") || colonIdx > strings.Index(requestHost, "]") {
			requestHost = requestHost[:colonIdx]
		}
	}
	return originHost == requestHost
}

// clientFrame is the only message shape clients send on the events socket.
type clientFrame struct {
	Type string `json:"type"`
}

// handleEventsWS streams the hub's event feed. The first frame is always a
// full state snapshot; everything after is the live envelopes in publish
// order. Clients may send {"type":"ping"} and get {"type":"pong"} back.
func (s *Server) handleEventsWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("failed to upgrade events WebSocket", zap.Error(err))
		return
	}
	defer conn.Close()

	// Subscribe before snapshotting so nothing published in between is lost.
	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	if err := writeEnvelope(conn, events.New(events.TypeSnapshot, s.statePayload())); err != nil {
		s.log.Debug("events WebSocket snapshot write failed", zap.Error(err))
		return
	}

	done := make(chan struct{})
	pongs := make(chan struct{}, 4)
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
					s.log.Debug("events WebSocket read error", zap.Error(err))
				}
				return
			}
			var frame clientFrame
			if json.Unmarshal(data, &frame) == nil && frame.Type == "ping" {
				select {
				case pongs <- struct{}{}:
				default:
				}
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-pongs:
			if err := writeEnvelope(conn, events.New("pong", nil)); err != nil {
				return
			}
		case env, ok := <-sub.C():
			if !ok {
				// Bus shut down; tell the client this is a clean end.
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(gorillaws.CloseMessage,
					gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, "hub shutting down"))
				return
			}
			if err := writeEnvelope(conn, env); err != nil {
				return
			}
		}
	}
}

func writeEnvelope(conn *gorillaws.Conn, env events.Envelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(env)
}
