// Package config holds the gateway's recognized configuration keys
// (§6) in a thread-safe store with snapshot and reload-hook semantics,
// adapted from the teacher's control.ConfigStore.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Store is a dynamic key/value map with atomic snapshot and listener support.
type Store struct {
	mu        sync.RWMutex
	values    map[string]string
	listeners []func()
}

// New initializes a Store preloaded with the gateway's default keys.
func New() *Store {
	s := &Store{values: make(map[string]string)}
	for k, v := range defaults() {
		s.values[k] = v
	}
	return s
}

// defaults mirrors §6's recognized configuration keys with the
// gateway's out-of-the-box values.
func defaults() map[string]string {
	return map[string]string{
		"ssl.enable":                     "false",
		"ssl.termination":                "false",
		"ssl.cert_file_path":             "",
		"ssl.key_file_path":              "",
		"ssl.ca_file_path":               "",
		"tile_cache_path":                "/tmp/lool-tilecache",
		"sys_template_path":              "/opt/lool/systemplate",
		"lo_template_path":               "/opt/collaboraoffice",
		"child_root_path":                "/opt/lool/child-roots",
		"lo_jail_subpath":                "jail",
		"server_name":                    "",
		"file_server_root_path":          "/usr/share/loolwsd",
		"num_prespawn_children":          "4",
		"per_document.max_concurrency":  "4",
		"loleaflet_html":                 "loleaflet.html",
		"loleaflet_logging":              "false",
		"logging.level":                  "info",
		"logging.color":                  "false",
		"logging.file[@enable]":          "false",
		"admin_console.username":         "admin",
		"admin_console.password":         "",
		"storage.filesystem[@allow]":     "true",
		"storage.wopi[@allow]":           "false",
		"storage.wopi.max_file_size":     "0",
		"trace[@enable]":                 "false",
		"trace.path":                     "",
		"trace.outgoing.record":          "false",
		"trace.path[@compress]":          "false",
		"trace.path[@snapshot]":          "false",
		"max_documents":                  "20",
		"max_connections":                "100",
		"child_timeout_ms":               "30000",
		"idle_timeout_secs":              "3600",
		"default_poll_timeout_ms":        "5000",
		"forkit_path":                    "/opt/lool/forkit",
		"client_port":                    "9980",
		"worker_port":                    "9981",
		"admin_history_size":             "50",
	}
}

// LoadOverrideFile parses a simple "key=value" per line file, as
// produced by --config-file, ignoring blank lines and '#' comments.
func (s *Store) LoadOverrideFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	updates := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		updates[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("config: scan %s: %w", path, err)
	}
	s.Set(updates)
	return nil
}

// ApplyOverride parses a single "key=value" CLI --override argument.
func (s *Store) ApplyOverride(kv string) error {
	parts := strings.SplitN(kv, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("config: malformed override %q", kv)
	}
	s.Set(map[string]string{parts[0]: parts[1]})
	return nil
}

// Set merges new values and dispatches reload hooks.
func (s *Store) Set(updates map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range updates {
		s.values[k] = v
	}
	for _, fn := range s.listeners {
		go fn()
	}
}

// OnReload registers a listener invoked (asynchronously) on every Set.
func (s *Store) OnReload(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Snapshot returns a copy of all configuration values.
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// String returns a key's value, or "" if unset.
func (s *Store) String(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

// Bool parses a key as a boolean, defaulting to false on parse error.
func (s *Store) Bool(key string) bool {
	v, _ := strconv.ParseBool(s.String(key))
	return v
}

// Int parses a key as an integer, returning def on parse error.
func (s *Store) Int(key string, def int) int {
	v, err := strconv.Atoi(s.String(key))
	if err != nil {
		return def
	}
	return v
}
