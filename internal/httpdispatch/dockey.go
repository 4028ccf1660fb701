// Package httpdispatch implements the HTTP Dispatcher (component E):
// request buffering, strict parsing, and path-based routing between
// static assets, the admin channel, document WebSocket upgrades, and
// the conversion pipeline.
// Grounded on the teacher's api/handler.go Handler contract (the
// dispatcher here is the concrete, protocol-aware implementation the
// teacher's minimal interface leaves abstract) and protocol/upgrader.go
// for the WebSocket upgrade branch.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package httpdispatch

import "net/url"

// DeriveDocKey computes the canonical document key from a public URI,
// per §3 "docKey is derived deterministically from the public URI;
// two requests with the same effective URI share a broker". The
// canonical form strips a trailing slash from the path; the path's
// percent-encoding is otherwise kept as written, so two spellings that
// encode the same path differently give different keys.
func DeriveDocKey(rawURI string) (string, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return "", err
	}
	u.Path = trimTrailingSlash(u.Path)
	u.RawPath = trimTrailingSlash(u.RawPath)
	return u.String(), nil
}

func trimTrailingSlash(p string) string {
	if len(p) > 1 && p[len(p)-1] == '/' {
		return p[:len(p)-1]
	}
	return p
}
