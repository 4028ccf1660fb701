// Package affinity pins the calling OS thread to a single logical
// CPU core. internal/iopoll uses it to give each Socket Poll (client,
// admin, worker-announce, and one per Document Broker) a dedicated,
// non-migrating core, matching §4.C's "one reactor thread per poll"
// model. Platform-specific implementations live in
// affinity_linux.go/affinity_windows.go/affinity_stub.go behind build
// tags.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package affinity

// SetAffinity pins the current OS thread to cpuID. The caller must
// already hold runtime.LockOSThread, since Go goroutines otherwise
// migrate freely between OS threads. Returns an error on unsupported
// platforms rather than silently doing nothing.
func SetAffinity(cpuID int) error {
	return setAffinityPlatform(cpuID)
}
