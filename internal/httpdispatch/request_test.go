package httpdispatch

import "testing"

func TestParseBufferedWaitsForCompleteHeaders(t *testing.T) {
	partial := []byte("GET / HTTP/1.1\r\nHost: x")
	req, consumed, err := ParseBuffered(partial)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req != nil || consumed != 0 {
		t.Fatalf("expected nil request on incomplete headers")
	}
}

func TestParseBufferedReturnsRequestOnce(t *testing.T) {
	raw := []byte("GET /foo HTTP/1.1\r\nHost: example.test\r\n\r\n")
	req, consumed, err := ParseBuffered(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req == nil {
		t.Fatalf("expected a parsed request")
	}
	if req.URL.Path != "/foo" {
		t.Fatalf("path = %q, want /foo", req.URL.Path)
	}
	if consumed != len(raw) {
		t.Fatalf("consumed = %d, want %d", consumed, len(raw))
	}
}

func TestParseBufferedWaitsForBody(t *testing.T) {
	raw := []byte("POST /x HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\nhel")
	req, consumed, err := ParseBuffered(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req != nil || consumed != 0 {
		t.Fatalf("expected to wait for the remaining body bytes")
	}

	raw = append(raw, "lo"...)
	req, consumed, err = ParseBuffered(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req == nil || consumed != len(raw) {
		t.Fatalf("expected a complete request once the body arrived")
	}
}

func TestParseBufferedIdempotentOverChunking(t *testing.T) {
	full := []byte("GET /a HTTP/1.1\r\nHost: h\r\n\r\n")
	// Feed byte-by-byte; only the final call should produce a request.
	for i := 1; i < len(full); i++ {
		req, _, err := ParseBuffered(full[:i])
		if err != nil {
			t.Fatalf("unexpected error at prefix len %d: %v", i, err)
		}
		if req != nil {
			t.Fatalf("got a request from an incomplete prefix of length %d", i)
		}
	}
	req, consumed, err := ParseBuffered(full)
	if err != nil || req == nil || consumed != len(full) {
		t.Fatalf("expected complete request once full bytes buffered")
	}
}
