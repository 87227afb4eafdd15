package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"frontdoor-go/internal/config"
	"frontdoor-go/internal/supervisor"
)

// Version is a string type for dependency injection of the build version.
type Version string

// StatusReporter reports the backend's current state.
type StatusReporter interface {
	Status() supervisor.Status
}

// HealthHandler serves the admin health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	backend StatusReporter
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, backend StatusReporter) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, backend: backend}
}

// Healthz returns a simple OK response for liveness probes of the front door itself.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Readyz answers 200 once the backend passed its readiness check and 503 otherwise.
func (h *HealthHandler) Readyz(c echo.Context) error {
	st := h.backend.Status()
	code := http.StatusServiceUnavailable
	if st.State == supervisor.StateReady {
		code = http.StatusOK
	}
	return c.JSON(code, map[string]string{
		"state": st.State,
	})
}

// Status returns front door and backend status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"version":      string(h.version),
		"upstream_url": h.cfg.Upstream.BaseURL,
		"backend":      h.backend.Status(),
	})
}
