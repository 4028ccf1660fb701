// Package trace implements the optional wire-level recorder described
// in SPEC_FULL.md's supplemented Trace Recorder module: per-socket
// capture of inbound/outbound bytes, gated by a message-prefix filter,
// written to a single file that may be gzip-compressed.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package trace

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loolwsd/wsd/internal/config"
	"github.com/loolwsd/wsd/internal/logging"
)

// Direction distinguishes inbound from outbound traffic in a trace line.
type Direction byte

const (
	DirIncoming Direction = '<'
	DirOutgoing Direction = '>'
)

// Recorder writes filtered wire traffic to a single append-only sink,
// shared by every socket that opts in. A nil *Recorder is valid and
// records nothing, so callers never need a separate enabled check.
type Recorder struct {
	mu       sync.Mutex
	w        io.Writer
	closer   io.Closer
	filters  []string
	outgoing bool
	path     string
	snapshot bool
	log      *logging.Logger
}

// New builds a Recorder from the §6 trace.* configuration keys, or
// returns (nil, nil) when trace[@enable] is false — every Recorder
// method tolerates a nil receiver, so a holder of the result needs no
// separate enabled flag.
func New(cfg *config.Store) (*Recorder, error) {
	if !cfg.Bool("trace[@enable]") {
		return nil, nil
	}
	path := cfg.String("trace.path")
	if path == "" {
		return nil, fmt.Errorf("trace: trace[@enable] is true but trace.path is empty")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("trace: open %s: %w", path, err)
	}

	var w io.Writer = f
	var closer io.Closer = f
	if cfg.Bool("trace.path[@compress]") {
		gz := gzip.NewWriter(f)
		w = gz
		closer = multiCloser{gz, f}
	}

	r := &Recorder{
		w:        w,
		closer:   closer,
		filters:  messageFilters(cfg),
		outgoing: cfg.Bool("trace.outgoing.record"),
		path:     path,
		snapshot: cfg.Bool("trace.path[@snapshot]"),
		log:      logging.New("trace"),
	}
	return r, nil
}

// Snapshot copies the trace file's current contents to a timestamped
// sibling, giving a point-in-time capture without stopping the live
// recording. A no-op when
// trace.path[@snapshot] is false.
func (r *Recorder) Snapshot() (string, error) {
	if r == nil || !r.snapshot {
		return "", nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	src, err := os.Open(r.path)
	if err != nil {
		return "", fmt.Errorf("trace: snapshot open %s: %w", r.path, err)
	}
	defer src.Close()

	dest := r.path + "." + strconv.FormatInt(time.Now().UnixNano(), 10) + ".snapshot"
	dst, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("trace: snapshot create %s: %w", dest, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("trace: snapshot copy: %w", err)
	}
	return dest, nil
}

// messageFilters collects the ordered trace.filter.message[N] keys
// from the snapshot; an empty result means "record everything".
func messageFilters(cfg *config.Store) []string {
	snap := cfg.Snapshot()
	var filters []string
	for i := 0; ; i++ {
		key := "trace.filter.message[" + strconv.Itoa(i) + "]"
		v, ok := snap[key]
		if !ok {
			break
		}
		if v != "" {
			filters = append(filters, v)
		}
	}
	return filters
}

// Close flushes and releases the underlying sink. Safe to call on a
// nil *Recorder.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closer.Close()
}

// RecordIncoming captures bytes read from a socket, tagged with the
// owning connection's identity (typically a docKey or session ID).
func (r *Recorder) RecordIncoming(id string, data []byte) {
	r.record(id, DirIncoming, data)
}

// RecordOutgoing captures bytes written to a socket. Controlled
// separately by trace.outgoing.record since outbound tile/command
// traffic is usually far higher volume than inbound control messages.
func (r *Recorder) RecordOutgoing(id string, data []byte) {
	if r == nil || !r.outgoing {
		return
	}
	r.record(id, DirOutgoing, data)
}

func (r *Recorder) record(id string, dir Direction, data []byte) {
	if r == nil || len(data) == 0 {
		return
	}
	if !r.passesFilter(data) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "%s %c %s %d\n", time.Now().UTC().Format(time.RFC3339Nano), dir, id, len(data))
	r.w.Write(data)
	r.w.Write([]byte{'\n'})
}

// passesFilter reports whether data should be recorded: with no
// configured filters everything passes, otherwise at least one filter
// prefix must appear in the payload.
func (r *Recorder) passesFilter(data []byte) bool {
	if len(r.filters) == 0 {
		return true
	}
	s := string(data)
	for _, f := range r.filters {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}

// multiCloser closes a gzip writer before the underlying file, so the
// trailer is flushed before the fd is released.
type multiCloser struct {
	gz *gzip.Writer
	f  *os.File
}

func (m multiCloser) Close() error {
	if err := m.gz.Close(); err != nil {
		m.f.Close()
		return err
	}
	return m.f.Close()
}
