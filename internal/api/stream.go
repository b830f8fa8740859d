package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/logging"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
)

// streamEvents upgrades to a websocket and forwards realtime events, optionally
// filtered by ?meter_id=. The reader goroutine only watches for disconnects.
func (h *handlers) streamEvents(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context(), h.logger)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	meterID := r.URL.Query().Get("meter_id")
	sub := h.svc.Hub.Subscribe(meterID)
	logger = logger.With(zap.String("meter_id", meterID), zap.String("actor", actor(r)))
	logger.Info("stream subscriber connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(maxMessageSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("stream read failed", zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
		logger.Info("stream subscriber disconnected", zap.Int64("dropped", sub.Dropped()))
	}()

	for {
		select {
		case <-done:
			return
		case e, open := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			msg, err := json.Marshal(e)
			if err != nil {
				logger.Error("failed to encode stream event", zap.Error(err), zap.String("type", e.Type))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
