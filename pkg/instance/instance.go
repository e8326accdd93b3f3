package instance

import (
	"os"
	"strings"
)

const defaultID = "worker-0"

// GetID identifies this worker process in logs and lock ownership.
// PEERMARKET_WORKER_ID wins, then the container hostname.
func GetID() string {
	if id := strings.TrimSpace(os.Getenv("PEERMARKET_WORKER_ID")); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultID
}
