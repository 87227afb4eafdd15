package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"frontdoor-go/internal/model"
	"frontdoor-go/internal/service"
	"frontdoor-go/internal/supervisor"
)

// ProxyHandler relays every gateway request to the backend.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle forwards the request and writes the backend's response back unchanged.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return h.mapError(c, fmt.Errorf("read request body: %w", err))
	}

	pr := &model.ProxiedRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Host:     req.Host,
		Path:     req.URL.EscapedPath(),
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = append([]string(nil), vals...)
	}
	// net/http fills in Content-Type and Date when they are absent.
	if _, ok := resp.Header["Content-Type"]; !ok {
		dst["Content-Type"] = nil
	}
	if _, ok := resp.Header["Date"]; !ok {
		dst["Date"] = nil
	}

	c.Response().WriteHeader(resp.StatusCode)
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"path", pr.Path,
		)
	}

	return nil
}

// mapError answers 500 with the error text. Every failure on the gateway
// path ends up here, whatever its cause.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	attrs := []any{
		"err", err,
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
	}

	var launchErr *supervisor.LaunchError
	var upstreamErr *service.UpstreamUnavailableError
	switch {
	case errors.As(err, &launchErr):
		h.logger.Error("backend launch failed", append(attrs, "op", launchErr.Op)...)
	case errors.As(err, &upstreamErr):
		h.logger.Error("upstream unavailable", attrs...)
	default:
		h.logger.Error("proxy error", attrs...)
	}

	return c.String(http.StatusInternalServerError, err.Error())
}
