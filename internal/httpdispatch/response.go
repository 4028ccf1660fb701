package httpdispatch

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/loolwsd/wsd/internal/netio"
)

// writeResponse serializes a minimal HTTP/1.1 response directly onto
// transport's output buffer. The dispatcher never uses net/http's
// server machinery for writing since responses here flow through the
// reactor's buffered Enqueue, not a blocking net.Conn.
func writeResponse(t netio.Transport, status int, headers http.Header, body []byte) {
	statusText := http.StatusText(status)
	if headers == nil {
		headers = make(http.Header)
	}
	if headers.Get("Content-Length") == "" {
		headers.Set("Content-Length", strconv.Itoa(len(body)))
	}
	if headers.Get("Date") == "" {
		headers.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}

	var out []byte
	out = append(out, []byte(fmt.Sprintf("HTTP/1.1 %d %s\r\n", status, statusText))...)
	for k, vs := range headers {
		for _, v := range vs {
			out = append(out, []byte(k+": "+v+"\r\n")...)
		}
	}
	out = append(out, []byte("\r\n")...)
	out = append(out, body...)
	t.Enqueue(out)
}

func writeSimple(t netio.Transport, status int, contentType string, body []byte) {
	h := make(http.Header)
	h.Set("Content-Type", contentType)
	writeResponse(t, status, h, body)
}

func writeStatusClose(t netio.Transport, status int, body string) {
	writeSimple(t, status, "text/plain; charset=utf-8", []byte(body))
	t.MarkClosePending()
}
