package engine

import (
	"os"
	"strings"
	"sync"

	"QTSW2/logger"
)

// KillSwitch is the process-wide stop: a file whose presence (or contained
// truthy flag) disables all order submissions. Once observed active it
// latches for the rest of the process; an operator removing the file does
// not silently re-arm a half-stopped engine.
type KillSwitch struct {
	mu      sync.Mutex
	path    string
	latched bool
}

// NewKillSwitch watches path.
func NewKillSwitch(path string) *KillSwitch {
	return &KillSwitch{path: path}
}

// Active reports whether submissions are disabled.
func (k *KillSwitch) Active() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.latched {
		return true
	}
	raw, err := os.ReadFile(k.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false
		}
		// An unreadable kill switch is treated as thrown: fail closed.
		logger.Errorf("kill switch unreadable (%v), treating as active", err)
		k.latched = true
		return true
	}
	content := strings.ToLower(strings.TrimSpace(string(raw)))
	if content == "false" || content == "0" || content == "off" {
		return false
	}
	k.latched = true
	return true
}

// Throw latches the switch from inside the process (operator API).
func (k *KillSwitch) Throw() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.latched = true
	if err := os.WriteFile(k.path, []byte("true\n"), 0o644); err != nil {
		logger.Errorf("persist kill switch failed: %v", err)
	}
}
