package httpdispatch

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/loolwsd/wsd/internal/netio"
)

// ServeStatic serves a file from root, honoring If-None-Match against
// the caller-supplied etag (quoted into the ETag header), and applying
// %ACCESS_TOKEN%/%ACCESS_TOKEN_TTL%/%HOST% templating to HTML assets,
// per the supplemented loleaflet.html behavior in SPEC_FULL.md §4.
func ServeStatic(t netio.Transport, r *http.Request, root, etag, host, accessToken string) {
	rel := strings.TrimPrefix(r.URL.Path, "/")
	clean := filepath.Clean("/" + rel)[1:]
	if strings.HasPrefix(clean, "..") {
		writeStatusClose(t, http.StatusForbidden, "403 Forbidden")
		return
	}
	full := filepath.Join(root, clean)

	if etag != "" {
		quoted := fmt.Sprintf("%q", etag)
		if inm := r.Header.Get("If-None-Match"); inm == quoted {
			h := make(http.Header)
			h["ETag"] = []string{quoted}
			writeResponse(t, http.StatusNotModified, h, nil)
			t.MarkClosePending()
			return
		}
	}

	data, err := os.ReadFile(full)
	if err != nil {
		writeStatusClose(t, http.StatusNotFound, "404 Not Found")
		return
	}

	ctype := mime.TypeByExtension(filepath.Ext(full))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	if strings.HasSuffix(full, ".html") {
		data = applyTemplate(data, host, accessToken)
	}

	h := make(http.Header)
	h.Set("Content-Type", ctype)
	if etag != "" {
		h["ETag"] = []string{fmt.Sprintf("%q", etag)}
	}
	writeResponse(t, http.StatusOK, h, data)
	t.MarkClosePending()
}

// applyTemplate substitutes the %ACCESS_TOKEN%/%ACCESS_TOKEN_TTL%/%HOST%
// placeholders the original loleaflet.html carries, per SPEC_FULL.md's
// supplemented-features section.
func applyTemplate(data []byte, host, accessToken string) []byte {
	s := string(data)
	s = strings.ReplaceAll(s, "%ACCESS_TOKEN%", accessToken)
	s = strings.ReplaceAll(s, "%ACCESS_TOKEN_TTL%", "0")
	s = strings.ReplaceAll(s, "%HOST%", host)
	return []byte(s)
}
