package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/berfenger/openevse-emulator/internal/core/domain"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsSendBuffer = 16
)

const (
	WS_MESSAGE_STATUS_UPDATE = "status_update"
	WS_MESSAGE_STATE_CHANGE  = "state_change"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type wsStateChange struct {
	State     uint8  `json:"state"`
	StateName string `json:"state_name"`
	Previous  uint8  `json:"previous"`
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *zap.Logger
}

// WebsocketHandler streams status updates and state changes until the
// client goes away. Slow clients lose messages instead of blocking the
// event stream.
func (s *Server) WebsocketHandler(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return nil
	}

	client := &wsClient{
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
		logger: s.logger,
	}

	if status, err := s.status(); err == nil {
		client.push(WSMessage{Type: WS_MESSAGE_STATUS_UPDATE, Data: status})
	}
	sub := s.eventStream.Subscribe(func(evt any) {
		if msg, ok := eventToWSMessage(evt); ok {
			client.push(msg)
		}
	})
	defer s.eventStream.Unsubscribe(sub)

	go client.writePump()
	client.readPump()
	return nil
}

func eventToWSMessage(evt any) (WSMessage, bool) {
	switch e := evt.(type) {
	case domain.StatusUpdateEvent:
		return WSMessage{Type: WS_MESSAGE_STATUS_UPDATE, Data: e.Status}, true
	case domain.StateChangedEvent:
		return WSMessage{Type: WS_MESSAGE_STATE_CHANGE, Data: wsStateChange{
			State:     uint8(e.State),
			StateName: strings.ToLower(e.State.String()),
			Previous:  uint8(e.Previous),
		}}, true
	}
	return WSMessage{}, false
}

func (c *wsClient) push(msg WSMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("websocket message encoding failed", zap.Error(err))
		return
	}
	select {
	case c.send <- payload:
	case <-c.done:
	default:
		c.logger.Debug("websocket client too slow, message dropped", zap.String("type", msg.Type))
	}
}

// readPump only watches for pongs and the close frame.
func (c *wsClient) readPump() {
	defer func() {
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		}
	}
}
