//go:build !linux && !windows

// Stub backend for platforms with no affinity API; pinning is
// best-effort everywhere it's used, so callers already tolerate this.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package affinity

import "errors"

func setAffinityPlatform(cpuID int) error {
	return errors.New("affinity: not supported on this platform")
}
