// Handshake validation and Sec-WebSocket-Accept computation, adapted
// near-verbatim from the teacher's protocol/upgrader.go — the RFC 6455
// accept-key math does not change across domains.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package wsproto

import (
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/loolwsd/wsd/internal/wsderr"
)

const (
	webSocketGUID           = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	maxHandshakeHeadersSize = 8192
	requiredVersion         = "13"
)

// Upgrade validates the HTTP request headers for a WebSocket upgrade
// and returns the response headers needed to complete the handshake.
// The request's query string (such as a permission parameter) is not
// examined.
func Upgrade(r *http.Request) (http.Header, error) {
	total := 0
	for k, vs := range r.Header {
		total += len(k)
		for _, v := range vs {
			total += len(v)
		}
	}
	if total > maxHandshakeHeadersSize {
		return nil, wsderr.New(wsderr.CodeMalformedHTTP, "handshake headers too large")
	}

	if !headerContainsToken(r.Header, "Connection", "Upgrade") ||
		!headerContainsToken(r.Header, "Upgrade", "websocket") {
		return nil, wsderr.New(wsderr.CodeMalformedHTTP, "invalid upgrade headers")
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, wsderr.New(wsderr.CodeMalformedHTTP, "missing Sec-WebSocket-Key header")
	}

	if r.Header.Get("Sec-WebSocket-Version") != requiredVersion {
		return nil, wsderr.New(wsderr.CodeMalformedHTTP, "unsupported WebSocket version; only '13' is supported")
	}

	resp := make(http.Header)
	resp.Set("Upgrade", "websocket")
	resp.Set("Connection", "Upgrade")
	resp.Set("Sec-WebSocket-Accept", acceptKey(key))
	return resp, nil
}

// acceptKey computes Sec-WebSocket-Accept per RFC 6455 §1.3.
func acceptKey(clientKey string) string {
	h := sha1.New()
	h.Write([]byte(clientKey + webSocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func headerContainsToken(h http.Header, headerName, token string) bool {
	vals := h[http.CanonicalHeaderKey(headerName)]
	token = strings.ToLower(token)
	for _, v := range vals {
		for _, p := range strings.Split(v, ",") {
			if strings.ToLower(strings.TrimSpace(p)) == token {
				return true
			}
		}
	}
	return false
}
