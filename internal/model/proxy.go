// Package model defines shared types for the proxy.
package model

import (
	"context"
	"net/http"
)

// ProxiedRequest represents one inbound request to be re-issued to the backend.
type ProxiedRequest struct {
	Ctx      context.Context
	Method   string
	Host     string // inbound Host header, forwarded as-is
	Path     string // escaped, as received
	RawQuery string // without the leading '?'
	Header   http.Header
	Body     []byte
}

// ProxiedResponse is the backend reply, fully read, to be written back as-is.
type ProxiedResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
