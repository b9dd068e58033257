package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateInstanceID reads the node's instance ID from dataDir, or
// generates a UUIDv7 and persists it on first start. The ID is stable
// across restarts so the broker client ID and the HA device identifier
// do not change.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance_id")

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}
	return idStr, nil
}

// ClientID returns configured when set, otherwise a broker client ID
// derived from the instance ID. MQTT 3.1.1 brokers may reject IDs over
// 23 bytes, so only the random tail of the UUID is used.
func ClientID(configured, instanceID string) string {
	if configured != "" {
		return configured
	}
	tail := strings.ReplaceAll(instanceID, "-", "")
	if len(tail) > 12 {
		tail = tail[len(tail)-12:]
	}
	return "sensorgate-" + tail
}
