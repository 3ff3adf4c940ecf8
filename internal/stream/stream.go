// Package stream serves dispatched notifications to websocket clients.
package stream

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"watchd/internal/event"
	"watchd/internal/logging"
	"watchd/internal/watch"

	"github.com/gorilla/websocket"
)

const (
	readBufferSize  = 1024
	writeBufferSize = 1024
	writeTimeout    = 10 * time.Second
)

// Handler streams every notification published on Bus to each connected
// client as a JSON payload. Clients that fall behind miss events rather than
// slowing the watch pipeline.
type Handler struct {
	Bus            *event.Bus[watch.Notification]
	Logger         *logging.Logger
	AllowedOrigins []string
}

type payload struct {
	Kind      string    `json:"kind"`
	Path      string    `json:"path"`
	IsDir     bool      `json:"is_dir"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Bus == nil {
		http.Error(w, "notification stream unavailable", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, h.AllowedOrigins)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logWarn("websocket upgrade failed", map[string]string{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
		return
	}
	defer conn.Close()

	notifications, cancel := h.Bus.Subscribe()
	defer cancel()

	// Reader goroutine notices client disconnects; inbound content is
	// ignored.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for notification := range notifications {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := conn.WriteJSON(payload{
			Kind:      string(notification.Kind),
			Path:      notification.Path,
			IsDir:     notification.IsDir,
			Timestamp: notification.Timestamp,
		})
		if err != nil {
			h.logWarn("websocket write failed", map[string]string{
				"remote": r.RemoteAddr,
				"error":  err.Error(),
			})
			return
		}
	}
}

func (h *Handler) logWarn(message string, fields map[string]string) {
	if h == nil || h.Logger == nil {
		return
	}
	h.Logger.Warn(message, fields)
}

func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := parsed.Hostname()
	if originHost == "" {
		return false
	}

	if len(allowed) > 0 {
		for _, allowedOrigin := range allowed {
			if strings.EqualFold(origin, allowedOrigin) || strings.EqualFold(originHost, allowedOrigin) {
				return true
			}
		}
		return false
	}

	requestHost := r.Host
	if host, _, splitErr := net.SplitHostPort(requestHost); splitErr == nil {
		requestHost = host
	}
	return strings.EqualFold(originHost, requestHost)
}
