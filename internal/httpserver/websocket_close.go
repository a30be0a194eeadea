package httpserver

import (
	"log/slog"

	"github.com/coder/websocket"
)

// endStream sends a normal closure once a subscriber's stats loop exits. The
// peer is often gone by then, so a failed close is routine churn.
func endStream(logger *slog.Logger, conn *websocket.Conn) {
	if conn == nil {
		return
	}
	err := conn.Close(websocket.StatusNormalClosure, "stream ended")
	if err == nil {
		return
	}
	if logger != nil {
		logger.Debug("closing subscriber connection", "err", err)
	}
}
