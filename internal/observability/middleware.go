package observability

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// SessionIDKey is the gin context key a websocket handler sets once its
// session has an id, so request logs can be joined with session logs
const SessionIDKey = "session_id"

const (
	UpgradeAccepted = "upgraded"
	UpgradeRejected = "rejected"
)

// upgradeOutcome reports whether c asked for a websocket upgrade and how it
// ended. A hijacked connection leaves gin's status at its 200 default, so any
// non-error status on an upgrade request means the handshake went through.
func upgradeOutcome(c *gin.Context) (string, bool) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		return "", false
	}
	if c.Writer.Status() < http.StatusBadRequest {
		return UpgradeAccepted, true
	}
	return UpgradeRejected, true
}

func routeLabel(c *gin.Context, unmatched string) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return unmatched
}

func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		outcome, upgrade := upgradeOutcome(c)
		if outcome == UpgradeAccepted {
			status = http.StatusSwitchingProtocols
		}

		event := logger.Info()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}

		event = event.
			Str("method", c.Request.Method).
			Str("path", routeLabel(c, c.Request.URL.Path)).
			Int("status", status).
			Str("client_ip", c.ClientIP())
		if id := c.GetString(SessionIDKey); id != "" {
			event = event.Str("session_id", id)
		}
		if !upgrade {
			event.Dur("duration", time.Since(start)).Msg("http_request")
			return
		}
		// for an accepted upgrade the handler returns when the socket closes
		event.
			Str("upgrade", outcome).
			Dur("connection_duration", time.Since(start)).
			Msg("ws_connection")
	}
}

// RequestMetricsMiddleware records request counts and latency per route.
// Accepted websocket upgrades only count toward the upgrade metric since their
// duration is the lifetime of the connection.
func RequestMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := routeLabel(c, "unmatched")
		outcome, upgrade := upgradeOutcome(c)
		if upgrade {
			RecordUpgrade(path, outcome)
			if outcome == UpgradeAccepted {
				return
			}
		}
		RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
