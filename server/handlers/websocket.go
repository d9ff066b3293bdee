package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/san-kum/dental-xray/server/models"
	"github.com/san-kum/dental-xray/server/processor"
	"go.uber.org/zap"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// WebSocketHandler streams the status of one task to a client. The task is
// named by the task_id query parameter or a later subscribe message; the
// server pushes a status message whenever status or message changes and
// closes the connection once the task is terminal.
type WebSocketHandler struct {
	orchestrator *processor.Orchestrator
	logger       *zap.Logger
	upgrader     websocket.Upgrader
	pollInterval time.Duration
}

type ClientMessage struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func NewWebSocketHandler(orchestrator *processor.Orchestrator, allowedOrigins []string, pollInterval time.Duration, logger *zap.Logger) *WebSocketHandler {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &WebSocketHandler{
		orchestrator: orchestrator,
		logger:       logger,
		pollInterval: pollInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(allowedOrigins, r.Header.Get("Origin"))
			},
		},
	}
}

func checkOrigin(allowedOrigins []string, origin string) bool {
	if origin == "" || len(allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer conn.Close()

	clientIP := c.ClientIP()
	taskID := c.Query("task_id")
	logger := h.logger.With(zap.String("client_ip", clientIP))
	logger.Info("WebSocket client connected", zap.String("task_id", taskID))

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	incoming := make(chan ClientMessage)
	readerDone := make(chan struct{})
	quit := make(chan struct{})
	defer close(quit)
	go h.readLoop(conn, incoming, readerDone, quit)

	poll := time.NewTicker(h.pollInterval)
	defer poll.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	var last *models.StatusResponse
	for {
		select {
		case <-readerDone:
			return

		case message := <-incoming:
			switch message.Type {
			case "subscribe":
				taskID = message.TaskID
				last = nil
				logger.Debug("WebSocket subscription changed", zap.String("task_id", taskID))
			case "ping":
				if !h.sendMessage(conn, "pong", map[string]any{"timestamp": time.Now().Unix()}) {
					return
				}
			default:
				logger.Warn("Unknown message type received", zap.String("type", message.Type))
				if !h.sendError(conn, "Unknown message type: "+message.Type) {
					return
				}
			}

		case <-poll.C:
			if taskID == "" {
				continue
			}
			status, err := h.orchestrator.GetStatus(taskID)
			if err != nil {
				h.sendError(conn, err.Error())
				h.closeWith(conn, websocket.ClosePolicyViolation, "unknown task")
				return
			}
			if last == nil || last.Status != status.Status || last.Message != status.Message {
				if !h.sendMessage(conn, "status", status) {
					return
				}
				last = status
			}
			if status.Status.Terminal() {
				h.closeWith(conn, websocket.CloseNormalClosure, "task "+string(status.Status))
				logger.Info("WebSocket stream finished",
					zap.String("task_id", taskID),
					zap.String("status", string(status.Status)))
				return
			}

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

// readLoop owns the read side of conn. Writes stay on the handler goroutine.
func (h *WebSocketHandler) readLoop(conn *websocket.Conn, incoming chan<- ClientMessage, done chan<- struct{}, quit <-chan struct{}) {
	defer close(done)
	for {
		var message ClientMessage
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		select {
		case incoming <- message:
		case <-quit:
			return
		}
	}
}

func (h *WebSocketHandler) sendMessage(conn *websocket.Conn, messageType string, data any) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(ServerMessage{Type: messageType, Data: data}); err != nil {
		h.logger.Debug("Failed to send WebSocket message", zap.Error(err))
		return false
	}
	return true
}

func (h *WebSocketHandler) sendError(conn *websocket.Conn, errorMsg string) bool {
	return h.sendMessage(conn, "error", map[string]any{
		"message":   errorMsg,
		"timestamp": time.Now().Unix(),
	})
}

func (h *WebSocketHandler) closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		h.logger.Debug("Failed to send close frame", zap.Error(err))
	}
}
