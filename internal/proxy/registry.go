package proxy

import (
	"log"
	"sync"

	"github.com/hpcdesk/hpcdesk/internal/apperror"
	"github.com/hpcdesk/hpcdesk/internal/session"
	"github.com/hpcdesk/hpcdesk/internal/tunnel"
)

const (
	IDEVSCode  = session.IDEVSCode
	IDERStudio = session.IDERStudio
	IDEJupyter = session.IDEJupyter

	// IDEPort is the pass-through variant for a user dev server. It rides a
	// fixed shared port and never claims a port registry entry.
	IDEPort = "port"
)

// Registry holds the live proxies, one per session key and mount variant
// (a session may carry both its IDE proxy and the dev-server pass-through).
// Proxies are created when a session reaches running and destroyed when it
// is cleared.
type Registry struct {
	mu      sync.Mutex
	proxies map[string]*Proxy // keyed sessionKey + "|" + variant

	ports   *tunnel.PortRegistry
	devPort int

	tokenLookup func(ide string) (string, bool)
	activity    func(sessionKey string)
}

// NewRegistry builds a registry over the tunnel port registry. devPort is
// the fixed local port shared by dev-server pass-through proxies.
func NewRegistry(ports *tunnel.PortRegistry, devPort int) *Registry {
	return &Registry{
		proxies: make(map[string]*Proxy),
		ports:   ports,
		devPort: devPort,
	}
}

// SetTokenLookup installs the token source consulted on each request.
func (r *Registry) SetTokenLookup(fn func(ide string) (string, bool)) {
	r.mu.Lock()
	r.tokenLookup = fn
	r.mu.Unlock()
}

// SetActivityCallback installs the callback fired on every proxied response.
func (r *Registry) SetActivityCallback(fn func(sessionKey string)) {
	r.mu.Lock()
	r.activity = fn
	r.mu.Unlock()
}

func registryKey(sessionKey, variant string) string {
	return sessionKey + "|" + variant
}

// Create builds the proxy for a session and mount variant, replacing any
// existing one. The port comes from the tunnel port registry, except for
// the dev-server variant which always uses the fixed shared port.
func (r *Registry) Create(sessionKey, variant string) (*Proxy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	port := r.devPort
	if variant != IDEPort {
		p, ok := r.ports.Get(sessionKey)
		if !ok {
			return nil, apperror.Newf(apperror.Tunnel, "no tunnel port registered for %s", sessionKey)
		}
		port = p
	}

	p := newProxy(sessionKey, variant, port, r.tokenLookup, r.activity)
	r.proxies[registryKey(sessionKey, variant)] = p
	log.Printf("Proxy created for %s (%s) on port %d", sessionKey, variant, port)
	return p, nil
}

// Get returns the live proxy for a session key and variant. A proxy whose
// port no longer matches the tunnel registry is stale (the tunnel was
// reopened on a new port); it is destroyed and nil is returned so the
// caller recreates it.
func (r *Registry) Get(sessionKey, variant string) *Proxy {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.proxies[registryKey(sessionKey, variant)]
	if !ok {
		return nil
	}
	if p.IDE != IDEPort {
		port, ok := r.ports.Get(sessionKey)
		if !ok || port != p.Port {
			log.Printf("Proxy for %s is stale (port %d, registry %d), destroying", sessionKey, p.Port, port)
			delete(r.proxies, registryKey(sessionKey, variant))
			return nil
		}
	}
	return p
}

// Destroy removes every proxy variant for a session key.
func (r *Registry) Destroy(sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, p := range r.proxies {
		if p.SessionKey == sessionKey {
			delete(r.proxies, key)
			log.Printf("Proxy destroyed for %s (%s)", sessionKey, p.IDE)
		}
	}
}

// DestroyAll removes every proxy. Used on shutdown.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.proxies {
		delete(r.proxies, key)
	}
}

// Count returns the number of live proxies.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proxies)
}
