package httpdispatch

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/loolwsd/wsd/internal/broker"
	"github.com/loolwsd/wsd/internal/iopoll"
	"github.com/loolwsd/wsd/internal/netio"
	"github.com/loolwsd/wsd/internal/wsproto"
)

// route dispatches one fully parsed request per the §4.E path table.
// Returns true if the connection was handed off to another poll (the
// dispatcher must not touch the transport again after that).
func (d *Dispatcher) route(r *http.Request) (handedOff bool) {
	switch {
	case r.URL.Path == "/" && (r.Method == http.MethodGet || r.Method == http.MethodHead):
		writeStatusClose(d.transport, http.StatusOK, "OK")
		return false

	case r.URL.Path == "/favicon.ico":
		ServeStatic(d.transport, r, d.deps.FileServerRoot, "", d.deps.ServerName, "")
		return false

	case r.URL.Path == "/hosting/discovery":
		d.serveDiscovery(r)
		return false

	case strings.HasPrefix(r.URL.Path, "/loleaflet/"):
		return d.serveLoleaflet(r)

	case strings.HasPrefix(r.URL.Path, "/lool/adminws"):
		return d.upgradeAdmin(r)

	case r.URL.Path == "/lool/convert-to" && r.Method == http.MethodPost:
		d.handleConvertTo(r)
		return false

	case strings.HasPrefix(r.URL.Path, "/lool/") && strings.HasSuffix(r.URL.Path, "/ws"):
		return d.upgradeDocument(r)

	case strings.HasPrefix(r.URL.Path, "/lool/") && strings.HasSuffix(r.URL.Path, "/insertfile") && r.Method == http.MethodPost:
		d.handleInsertFile(r)
		return false

	case strings.HasPrefix(r.URL.Path, "/lool/") && r.Method == http.MethodGet:
		d.handleDownload(r)
		return false

	default:
		writeStatusClose(d.transport, http.StatusBadRequest, "400 Bad Request")
		return false
	}
}

func (d *Dispatcher) serveDiscovery(r *http.Request) {
	full := filepath.Join(d.deps.FileServerRoot, "discovery.xml")
	data, err := os.ReadFile(full)
	if err != nil {
		writeStatusClose(d.transport, http.StatusNotFound, "404 Not Found")
		return
	}
	host := d.deps.ServerName
	if host == "" {
		host = r.Host
	}
	rewritten := strings.ReplaceAll(string(data), "%HOST%", host)
	writeSimple(d.transport, http.StatusOK, "text/xml; charset=utf-8", []byte(rewritten))
	d.transport.MarkClosePending()
}

func (d *Dispatcher) serveLoleaflet(r *http.Request) bool {
	isAdminPage := strings.Contains(r.URL.Path, "/dist/admin/")
	if isAdminPage && !d.authorizedForAdmin(r) {
		d.writeAdminChallenge()
		return false
	}
	token := r.URL.Query().Get("access_token")
	// /loleaflet/<version-hash>/<asset> maps to <root>/<asset>: the
	// version segment is a cache-busting URL token, not a real
	// directory on disk.
	rest := strings.TrimPrefix(r.URL.Path, "/loleaflet/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[i+1:]
	}
	staticReq := r.Clone(r.Context())
	staticReq.URL.Path = "/" + rest
	ServeStatic(d.transport, staticReq, d.deps.FileServerRoot, d.deps.LoleafletVersionEtag, d.deps.ServerName, token)
	return false
}

func (d *Dispatcher) authorizedForAdmin(r *http.Request) bool {
	if d.deps.AdminAuth == nil {
		return true
	}
	if c, err := r.Cookie("lool_admin"); err == nil && d.deps.AdminAuth.CheckCookie(c.Value) {
		return true
	}
	user, pass, ok := r.BasicAuth()
	return ok && d.deps.AdminAuth.CheckBasic(user, pass)
}

func (d *Dispatcher) writeAdminChallenge() {
	h := make(http.Header)
	h["WWW-Authenticate"] = []string{`Basic realm="online"`}
	writeResponse(d.transport, http.StatusUnauthorized, h, []byte("401 Unauthorized"))
	d.transport.MarkClosePending()
}

// upgradeAdmin authenticates and migrates the socket to the admin
// poll, subscribing it to the admin model's broadcast.
func (d *Dispatcher) upgradeAdmin(r *http.Request) bool {
	if !d.authorizedForAdmin(r) {
		d.writeAdminChallenge()
		return false
	}
	respHeaders, err := wsproto.Upgrade(r)
	if err != nil {
		writeStatusClose(d.transport, http.StatusBadRequest, "400 Bad Request")
		return false
	}
	writeResponse(d.transport, http.StatusSwitchingProtocols, respHeaders, nil)

	if !d.deps.admitConnection() {
		writeCloseFrameAndDrop(d.transport, wsproto.ClosePolicyViolation, "error: cmd=internal kind=limitreached")
		return false
	}

	subID := fmt.Sprintf("admin-%p", d)
	var conn *wsproto.Conn
	onMsg := func(_ wsproto.Opcode, payload []byte) {
		reply := d.deps.Admin.Query(string(payload))
		if reply != "" {
			conn.Session.SendFrame([]byte(reply), wsproto.OpText)
		}
	}
	onClose := func() {
		d.deps.Admin.Unsubscribe(subID)
		d.deps.releaseConnection()
	}
	conn = wsproto.NewConn(d.transport, 0, onMsg, onClose)

	d.deps.Admin.Subscribe(subID, func(msg string) {
		conn.Session.SendFrame([]byte(msg), wsproto.OpText)
	}, []string{"*"})

	d.migrate(conn, d.deps.AdminPoll)
	return true
}

// upgradeDocument finds or creates the document's broker and attaches
// a new client session, migrating the socket onto the broker's poll.
func (d *Dispatcher) upgradeDocument(r *http.Request) bool {
	encoded := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/lool/"), "/ws")
	publicURI, err := url.QueryUnescape(encoded)
	if err != nil {
		writeStatusClose(d.transport, http.StatusBadRequest, "400 Bad Request")
		return false
	}
	docKey, err := DeriveDocKey(publicURI)
	if err != nil {
		writeStatusClose(d.transport, http.StatusBadRequest, "400 Bad Request")
		return false
	}

	respHeaders, err := wsproto.Upgrade(r)
	if err != nil {
		writeStatusClose(d.transport, http.StatusBadRequest, "400 Bad Request")
		return false
	}
	writeResponse(d.transport, http.StatusSwitchingProtocols, respHeaders, nil)

	if !d.deps.admitConnection() {
		writeCloseFrameAndDrop(d.transport, wsproto.ClosePolicyViolation, "error: cmd=internal kind=limitreached")
		return false
	}

	b, err := d.deps.Registry.FindOrCreate(docKey, func() (*broker.Broker, error) {
		return d.deps.NewBroker(docKey, publicURI)
	})
	if err != nil {
		d.deps.releaseConnection()
		writeCloseFrameAndDrop(d.transport, wsproto.ClosePolicyViolation, "error: cmd=internal kind=limitreached")
		return false
	}

	sessID := b.NextSessionID()
	var conn *wsproto.Conn
	onMsg := func(_ wsproto.Opcode, payload []byte) {
		b.SendCommand(sessID + " " + string(payload))
	}
	onClose := func() {
		b.DetachSession(sessID)
		d.deps.releaseConnection()
	}
	conn = wsproto.NewConn(d.transport, 0, onMsg, onClose)

	sess := &broker.ClientSession{ID: sessID, Broker: b, Conn: conn}

	d.release()
	conn.Session.SendFrame([]byte("statusindicator: find"), wsproto.OpText)
	conn.Session.SendFrame([]byte("statusindicator: connect"), wsproto.OpText)
	b.QueueSession(sess)
	return true
}

// writeCloseFrameAndDrop sends one WebSocket close frame carrying a
// pre-formatted admission-limit payload on a connection whose 101
// upgrade response has already been written, then marks it close
// pending — used for the "limit reached" path,
// which per §8 must still look like a clean WS close to the client.
func writeCloseFrameAndDrop(t netio.Transport, code int, reason string) {
	buf, _ := wsproto.EncodeClose(code, reason)
	t.Enqueue(buf)
	t.MarkClosePending()
}

func (d *Dispatcher) migrate(h iopoll.Handler, target iopoll.Poll) {
	d.release()
	target.InsertNewSocket(h)
}

func (d *Dispatcher) release() {
	d.ownerPoll.ReleaseSocket(d)
}

// handleConvertTo drives the ephemeral convert-to flow: builds a
// session-less broker, loads the uploaded file, requests a saveas in
// the target format, and streams the produced artifact back,
// per §4.E and the end-to-end scenario in §8.
func (d *Dispatcher) handleConvertTo(r *http.Request) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		writeStatusClose(d.transport, http.StatusBadRequest, "400 Bad Request")
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])

	var format string
	var uploadPath string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeStatusClose(d.transport, http.StatusBadRequest, "400 Bad Request")
			return
		}
		switch part.FormName() {
		case "format":
			buf := make([]byte, 64)
			n, _ := part.Read(buf)
			format = strings.TrimSpace(string(buf[:n]))
		case "data":
			f, err := os.CreateTemp("", "convert-to-*")
			if err != nil {
				writeStatusClose(d.transport, http.StatusInternalServerError, "500 Internal Server Error")
				return
			}
			io.Copy(f, part)
			f.Close()
			uploadPath = f.Name()
			defer os.Remove(uploadPath)
		}
	}
	if format == "" || uploadPath == "" {
		writeStatusClose(d.transport, http.StatusBadRequest, "400 Bad Request")
		return
	}

	docKey := "convert-to:" + uploadPath
	b, err := d.deps.NewBroker(docKey, "file://"+uploadPath)
	if err != nil {
		writeStatusClose(d.transport, http.StatusInternalServerError, "500 Internal Server Error")
		return
	}

	result := make(chan string, 1)
	b.SetConvertObserver(func(msg string) {
		if strings.HasPrefix(msg, "status:") {
			b.SendCommand("saveas format=" + format)
		}
		if strings.HasPrefix(msg, "saveas:") {
			select {
			case result <- strings.TrimPrefix(msg, "saveas: url="):
			default:
			}
		}
	})
	b.TriggerLoad()

	select {
	case outPath := <-result:
		data, err := os.ReadFile(outPath)
		defer os.RemoveAll(path.Dir(outPath))
		if err != nil {
			writeStatusClose(d.transport, http.StatusInternalServerError, "500 Internal Server Error")
		} else {
			writeSimple(d.transport, http.StatusOK, mimeForFormat(format), data)
			d.transport.MarkClosePending()
		}
	case <-time.After(60 * time.Second):
		writeStatusClose(d.transport, http.StatusInternalServerError, "500 Internal Server Error")
	}
	b.MarkToDestroy()
}

func mimeForFormat(format string) string {
	switch format {
	case "pdf":
		return "application/pdf"
	case "odt":
		return "application/vnd.oasis.opendocument.text"
	default:
		return "application/octet-stream"
	}
}

// handleInsertFile deposits an uploaded file into the worker's jail
// directory, per `/lool/<docKey>/<childId>/insertfile`.
func (d *Dispatcher) handleInsertFile(r *http.Request) {
	if !d.deps.Config.Bool("storage.filesystem[@allow]") {
		writeStatusClose(d.transport, http.StatusForbidden, "403 Forbidden")
		return
	}
	segments := strings.Split(strings.TrimPrefix(r.URL.Path, "/lool/"), "/")
	if len(segments) < 3 {
		writeStatusClose(d.transport, http.StatusBadRequest, "400 Bad Request")
		return
	}
	childID := segments[1]
	dest := filepath.Join(d.deps.Config.String("child_root_path"), childID, "insert")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		writeStatusClose(d.transport, http.StatusInternalServerError, "500 Internal Server Error")
		return
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		writeStatusClose(d.transport, http.StatusBadRequest, "400 Bad Request")
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])
	part, err := mr.NextPart()
	if err != nil {
		writeStatusClose(d.transport, http.StatusBadRequest, "400 Bad Request")
		return
	}
	out, err := os.Create(filepath.Join(dest, filepath.Base(part.FileName())))
	if err != nil {
		writeStatusClose(d.transport, http.StatusInternalServerError, "500 Internal Server Error")
		return
	}
	io.Copy(out, part)
	out.Close()
	writeStatusClose(d.transport, http.StatusOK, "OK")
}

// handleDownload serves a produced artifact and deletes its staging
// directory afterward, per `/lool/<docKey>/<childId>/<random>/<filename>`.
func (d *Dispatcher) handleDownload(r *http.Request) {
	if !d.deps.Config.Bool("storage.filesystem[@allow]") {
		writeStatusClose(d.transport, http.StatusForbidden, "403 Forbidden")
		return
	}
	segments := strings.Split(strings.TrimPrefix(r.URL.Path, "/lool/"), "/")
	if len(segments) < 4 {
		writeStatusClose(d.transport, http.StatusBadRequest, "400 Bad Request")
		return
	}
	childID, random, filename := segments[1], segments[2], segments[3]
	stagingDir := filepath.Join(d.deps.Config.String("child_root_path"), childID, "tmp", random)
	full := filepath.Join(stagingDir, filepath.Base(filename))

	data, err := os.ReadFile(full)
	if err != nil {
		writeStatusClose(d.transport, http.StatusNotFound, "404 Not Found")
		return
	}
	ctype := mime.TypeByExtension(filepath.Ext(filename))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	writeSimple(d.transport, http.StatusOK, ctype, data)
	d.transport.MarkClosePending()
	os.RemoveAll(stagingDir)
}
