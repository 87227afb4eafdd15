// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"frontdoor-go/internal/client"
	"frontdoor-go/internal/config"
	"frontdoor-go/internal/model"
)

// hopByHopHeaders belong to a single connection and are never forwarded in
// either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Backend is the readiness view of the supervised backend process.
type Backend interface {
	// Ready is closed once the launch attempt has concluded.
	Ready() <-chan struct{}
	// Err is non-nil if the backend could not be launched.
	Err() error
}

// UpstreamUnavailableError reports a network-level failure contacting the
// backend during a proxied call.
type UpstreamUnavailableError struct {
	Method string
	URL    string
	Err    error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("upstream unavailable: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }

// ProxyService re-issues inbound requests against the single backend origin.
type ProxyService struct {
	client  *client.UpstreamClient
	backend Backend
	logger  *slog.Logger
	baseURL string
}

// NewProxyService creates a ProxyService. backend may be nil when the origin
// is not supervised by this process.
func NewProxyService(c *client.UpstreamClient, backend Backend, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream base_url %q must be an absolute URL", cfg.Upstream.BaseURL)
	}

	return &ProxyService{
		client:  c,
		backend: backend,
		logger:  logger.With("component", "proxy_service"),
		baseURL: strings.TrimSuffix(u.String(), "/"),
	}, nil
}

// Forward sends a ProxiedRequest to the backend and returns its full response.
//
// Before the first call reaches the backend, Forward waits for the launch
// attempt to conclude. A failed launch is returned as the supervisor's
// launch error; any failure talking to the backend is returned as an
// *UpstreamUnavailableError.
func (s *ProxyService) Forward(pr *model.ProxiedRequest) (*model.ProxiedResponse, error) {
	ctx := pr.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	target := s.buildUpstreamURL(pr.Path, pr.RawQuery)

	if err := s.awaitBackend(ctx); err != nil {
		var ue *UpstreamUnavailableError
		if errors.As(err, &ue) && ue.URL == "" {
			ue.Method, ue.URL = pr.Method, target
		}
		return nil, err
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.Send(ctx, pr.Method, target, pr.Host, filterRequestHeaders(pr.Header), pr.Body)
	if err != nil {
		return nil, &UpstreamUnavailableError{Method: pr.Method, URL: target, Err: err}
	}

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

// awaitBackend blocks until the backend launch has concluded or ctx is done.
func (s *ProxyService) awaitBackend(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	select {
	case <-s.backend.Ready():
	case <-ctx.Done():
		return &UpstreamUnavailableError{Err: fmt.Errorf("waiting for backend readiness: %w", ctx.Err())}
	}
	if err := s.backend.Err(); err != nil {
		return fmt.Errorf("backend unavailable: %w", err)
	}
	return nil
}

// buildUpstreamURL concatenates the origin with the escaped path and the raw
// query, so the query string reaches the backend byte for byte.
func (s *ProxyService) buildUpstreamURL(path, rawQuery string) string {
	if path == "" {
		path = "/"
	}
	target := s.baseURL + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// filterRequestHeaders copies src minus hop-by-hop headers. When the client
// sent no User-Agent, an empty one is set so the Go client does not add its own.
func filterRequestHeaders(src http.Header) http.Header {
	dst := removeHopByHop(src)
	if _, ok := dst["User-Agent"]; !ok {
		dst["User-Agent"] = []string{""}
	}
	return dst
}

// filterResponseHeaders copies src minus hop-by-hop headers.
func filterResponseHeaders(src http.Header) http.Header {
	return removeHopByHop(src)
}

// removeHopByHop returns a copy of h without the standard hop-by-hop headers
// and without any header named in Connection.
func removeHopByHop(h http.Header) http.Header {
	dst := h.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, v := range dst.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		dst.Del(name)
	}
	return dst
}
