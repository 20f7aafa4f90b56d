package agent

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
)

const identityFile = "agent-id.txt"

// LoadOrCreateIdentity returns the agent's persistent identity. The id is
// written once and only read thereafter; the same id across restarts is
// what lets the server hand back an unfinished command during sync.
func LoadOrCreateIdentity(dataPath string) (string, error) {
	path := filepath.Join(dataPath, identityFile)

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return "", err
	}

	id := "agent-" + uuid.NewString()[:8]
	if err := atomic.WriteFile(path, bytes.NewReader([]byte(id+"\n"))); err != nil {
		return "", err
	}
	return id, nil
}
