package gateway

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsTextWriter serializes frame writes between the backlog send and the
// output pump goroutine.
type wsTextWriter struct {
	conn   *gorillaws.Conn
	mu     sync.Mutex
	closed bool
}

func newWSTextWriter(conn *gorillaws.Conn) *wsTextWriter {
	return &wsTextWriter{conn: conn}
}

func (w *wsTextWriter) WriteText(data string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return io.ErrClosedPipe
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteMessage(gorillaws.TextMessage, []byte(data))
}

func (w *wsTextWriter) WriteClose(code int, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return io.ErrClosedPipe
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteMessage(gorillaws.CloseMessage,
		gorillaws.FormatCloseMessage(code, reason))
}

func (w *wsTextWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}

// terminalFrame is the typed control message a client may send instead of
// raw input. Unknown or unparseable text is forwarded to the PTY verbatim.
type terminalFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
	Text string `json:"text"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// handleTerminalWS bridges a chat's PTY to a WebSocket. The first frame is
// always the retained backlog; live output follows while the chat runs.
// For a stopped chat the socket stays open read-only over the transcript.
func (s *Server) handleTerminalWS(c *gin.Context) {
	chatID := c.Param("id")
	att, err := s.chats.AttachTerminal(chatID)
	if err != nil {
		respondErr(c, err)
		return
	}
	defer att.Close()

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("failed to upgrade terminal WebSocket",
			zap.String("chat_id", chatID), zap.Error(err))
		return
	}
	defer conn.Close()

	s.log.Debug("terminal WebSocket connected", zap.String("chat_id", chatID))
	w := newWSTextWriter(conn)
	defer w.Close()

	if err := w.WriteText(att.Backlog); err != nil {
		s.log.Debug("terminal backlog write failed",
			zap.String("chat_id", chatID), zap.Error(err))
		return
	}

	if att.Listener != nil {
		go func() {
			for line := range att.Listener.C() {
				if err := w.WriteText(line); err != nil {
					return
				}
			}
			// Listener drained: either the chat stopped or we detached.
			_ = w.WriteClose(gorillaws.CloseNormalClosure, "chat stopped")
		}()
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
				s.log.Debug("terminal WebSocket read error",
					zap.String("chat_id", chatID), zap.Error(err))
			}
			return
		}
		if len(data) == 0 {
			continue
		}

		if messageType == gorillaws.BinaryMessage {
			if err := s.chats.WriteInput(chatID, data); err != nil {
				s.log.Debug("terminal input dropped",
					zap.String("chat_id", chatID), zap.Error(err))
			}
			continue
		}
		if messageType != gorillaws.TextMessage {
			continue
		}

		var frame terminalFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
			// Plain text goes straight to the PTY.
			if err := s.chats.WriteInput(chatID, data); err != nil {
				s.log.Debug("terminal input dropped",
					zap.String("chat_id", chatID), zap.Error(err))
			}
			continue
		}

		switch frame.Type {
		case "input":
			if err := s.chats.WriteInput(chatID, []byte(frame.Data)); err != nil {
				s.log.Debug("terminal input dropped",
					zap.String("chat_id", chatID), zap.Error(err))
			}
		case "resize":
			if frame.Cols == 0 || frame.Rows == 0 {
				s.log.Warn("invalid resize dimensions",
					zap.String("chat_id", chatID),
					zap.Uint16("cols", frame.Cols), zap.Uint16("rows", frame.Rows))
				continue
			}
			if err := s.chats.Resize(chatID, frame.Cols, frame.Rows); err != nil {
				s.log.Debug("terminal resize dropped",
					zap.String("chat_id", chatID), zap.Error(err))
			}
		case "submit":
			if err := s.chats.Submit(chatID, frame.Text); err != nil {
				s.log.Debug("terminal submit dropped",
					zap.String("chat_id", chatID), zap.Error(err))
			}
		default:
			// Unknown type: forward the raw payload so clients speaking a
			// newer dialect still get their bytes through.
			if err := s.chats.WriteInput(chatID, data); err != nil {
				s.log.Debug("terminal input dropped",
					zap.String("chat_id", chatID), zap.Error(err))
			}
		}
	}
}
