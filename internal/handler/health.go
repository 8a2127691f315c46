package handler // declare the package name; contains HTTP handlers

import (
	"net/http" // net/http provides status codes and response helpers

	"github.com/labstack/echo/v4" // echo is the web framework used for this project
	"github.com/sony/gobreaker"   // breaker states reported by the storage wrapper
)

// BreakerState reports the storage circuit breaker position.
type BreakerState interface {
	State() gobreaker.State
}

// ClientCounter reports connected websocket clients.
type ClientCounter interface {
	ClientCount() int
}

// HealthHandler backs the probes used by load balancers and monitoring.
// Both dependencies are optional.
type HealthHandler struct {
	Breaker BreakerState
	Clients ClientCounter
	Driver  string
}

// Live is a plain liveness check.  It returns "ok" while the process
// serves HTTP at all.
func (h *HealthHandler) Live(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Ready reports whether storage is usable.  An open breaker makes the
// node unready so traffic drains to healthy replicas.
func (h *HealthHandler) Ready(c echo.Context) error {
	body := echo.Map{"status": "ok", "storage": h.Driver}
	status := http.StatusOK
	if h.Breaker != nil {
		st := h.Breaker.State()
		body["breaker"] = st.String()
		if st == gobreaker.StateOpen {
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	if h.Clients != nil {
		body["ws_clients"] = h.Clients.ClientCount()
	}
	return c.JSON(status, body)
}
