package tunnel

import (
	"net"
	"sync"

	"github.com/hpcdesk/hpcdesk/internal/apperror"
)

// AllocatePort asks the OS for a free ephemeral TCP port by binding a
// listener on 127.0.0.1:0 and closing it. There is a small window between
// close and re-bind; callers must bind promptly.
func AllocatePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, apperror.Wrap(apperror.Tunnel, "allocate local port", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port, nil
}

// PortRegistry maps session keys to their current local tunnel port. The
// proxy registry reads it to detect port drift after a tunnel restart.
type PortRegistry struct {
	mu    sync.RWMutex
	ports map[string]int
}

func NewPortRegistry() *PortRegistry {
	return &PortRegistry{ports: make(map[string]int)}
}

// Set records the port for a session key, replacing any previous entry.
func (r *PortRegistry) Set(sessionKey string, port int) {
	r.mu.Lock()
	r.ports[sessionKey] = port
	r.mu.Unlock()
}

// Get returns the port for a session key, or (0, false) when none is set.
func (r *PortRegistry) Get(sessionKey string) (int, bool) {
	r.mu.RLock()
	port, ok := r.ports[sessionKey]
	r.mu.RUnlock()
	return port, ok
}

// Delete removes the entry for a session key.
func (r *PortRegistry) Delete(sessionKey string) {
	r.mu.Lock()
	delete(r.ports, sessionKey)
	r.mu.Unlock()
}

// Snapshot returns a copy of the current assignments.
func (r *PortRegistry) Snapshot() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.ports))
	for k, v := range r.ports {
		out[k] = v
	}
	return out
}
