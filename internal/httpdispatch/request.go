package httpdispatch

import (
	"bufio"
	"bytes"
	"io"
	"net/http"

	"github.com/loolwsd/wsd/internal/wsderr"
)

const maxRequestHeaderSize = 64 * 1024

// ParseBuffered attempts to extract one complete HTTP request from
// raw. It returns (nil, 0, nil) when raw does not yet hold a complete
// request — the caller must wait for more bytes, mirroring
// wsproto.DecodeFrame's "no partial reads visible" contract applied
// to HTTP. Once headers are found, Content-Length (if present) is
// honored: the body must be fully buffered before a request is
// returned, per §4.E.
func ParseBuffered(raw []byte) (*http.Request, int, error) {
	headerEnd := bytes.Index(raw, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		if len(raw) > maxRequestHeaderSize {
			return nil, 0, wsderr.New(wsderr.CodeMalformedHTTP, "request headers exceed maximum size")
		}
		return nil, 0, nil
	}
	headerBlock := raw[:headerEnd+4]

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(headerBlock)))
	if err != nil {
		return nil, 0, wsderr.Newf(wsderr.CodeMalformedHTTP, "parse request: %v", err)
	}

	bodyStart := headerEnd + 4
	total := bodyStart + int(maxInt64(req.ContentLength, 0))
	if len(raw) < total {
		return nil, 0, nil // wait for the rest of the body
	}

	body := raw[bodyStart:total]
	req.Body = io.NopCloser(bytes.NewReader(body))
	return req, total, nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
