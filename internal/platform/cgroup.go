// Package platform provides container-aware resource detection. cmd/broker
// uses it to derive the admission guard's process-wide connection ceiling.
package platform

import (
	"os"
	"strconv"
	"strings"
)

// MemoryLimit returns the container memory limit in bytes from the cgroup
// filesystem. It tries cgroup v2 first, then falls back to cgroup v1.
// Returns 0 (not an error) when no limit is detected, which callers treat
// as "unconstrained".
func MemoryLimit() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
		return 0, nil
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		return strconv.ParseInt(limitStr, 10, 64)
	}

	return 0, nil
}

// MaxConnectionsForMemory derives a safe default connection ceiling from a
// container memory limit. It applies across all apps and is checked in
// addition to any explicit per-app capacity. Bounds: [100, 50000].
func MaxConnectionsForMemory(memoryLimitBytes int64) int {
	if memoryLimitBytes == 0 {
		return 10000
	}

	const runtimeOverheadBytes = 128 * 1024 * 1024
	const bytesPerConnection = 180 * 1024

	available := memoryLimitBytes - runtimeOverheadBytes
	if available < 0 {
		available = memoryLimitBytes / 2
	}

	maxConns := int(available / bytesPerConnection)
	if maxConns < 100 {
		maxConns = 100
	}
	if maxConns > 50000 {
		maxConns = 50000
	}
	return maxConns
}
