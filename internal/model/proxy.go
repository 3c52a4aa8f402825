// Package model defines shared types for the proxy.
package model

import (
	"context"
	"net/http"
)

// ProxyRequest is an admitted inbound request asking for a page.
type ProxyRequest struct {
	Ctx        context.Context
	RemoteAddr string
	Target     string
	Replace    bool
}

// FetchResult is a fully read upstream response.
type FetchResult struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ProxyResponse is the post-processed page returned to the inbound caller.
type ProxyResponse struct {
	StatusCode   int
	Header       http.Header
	Body         []byte
	Replacements int
}
