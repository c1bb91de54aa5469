// Package tunnel opens local port forwards to IDE servers running on compute
// nodes. Each session gets an OS-allocated local port whose listener forwards
// through the cluster's login-host SSH connection to node:remotePort, the
// Go equivalent of ssh -L. Additional forwards carry dev-server ports and the
// cluster's hpc-proxy port over the same SSH connection.
package tunnel

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hpcdesk/hpcdesk/internal/apperror"
	"github.com/hpcdesk/hpcdesk/internal/sshexec"
	"golang.org/x/crypto/ssh"
)

// Process is the live tunnel handle for one session: the IDE forward plus
// any additional forwards, all multiplexed over one SSH connection.
type Process struct {
	SessionKey string
	Cluster    string
	Node       string
	LocalPort  int // local port of the IDE forward

	forwards []*forward
}

type forward struct {
	localPort  int
	remotePort int
	listener   net.Listener
	cancel     context.CancelFunc
}

// Manager owns every tunnel process, keyed by session key. The session store
// only ever sees the local port; handles stay in here.
type Manager struct {
	ssh   *sshexec.Manager
	ports *PortRegistry

	mu      sync.Mutex
	tunnels map[string]*Process
}

func NewManager(sshMgr *sshexec.Manager, ports *PortRegistry) *Manager {
	return &Manager{
		ssh:     sshMgr,
		ports:   ports,
		tunnels: make(map[string]*Process),
	}
}

// Open establishes the forwards for a running session: an OS-allocated local
// port to node:remotePort for the IDE, plus same-port forwards for each
// additional dev-server port and, when non-zero, the cluster's proxy port.
// An existing tunnel for the key is torn down first. Additional forwards are
// best-effort; only the IDE forward failing fails the call.
func (m *Manager) Open(ctx context.Context, sessionKey, cluster, node string, remotePort int, additionalPorts []int, proxyPort int) (*Process, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sshexec.TunnelTimeout)
		defer cancel()
	}

	client, err := m.ssh.Client(ctx, cluster)
	if err != nil {
		return nil, err
	}

	m.Stop(sessionKey)

	localPort, err := AllocatePort()
	if err != nil {
		return nil, err
	}

	proc := &Process{
		SessionKey: sessionKey,
		Cluster:    cluster,
		Node:       node,
		LocalPort:  localPort,
	}

	ideFwd, err := m.startForward(client, node, localPort, remotePort)
	if err != nil {
		return nil, err
	}
	proc.forwards = append(proc.forwards, ideFwd)

	for _, p := range additionalPorts {
		fwd, err := m.startForward(client, node, p, p)
		if err != nil {
			log.Printf("Tunnel %s: dev-server forward on port %d failed: %v", sessionKey, p, err)
			continue
		}
		proc.forwards = append(proc.forwards, fwd)
	}
	if proxyPort > 0 {
		fwd, err := m.startForward(client, node, proxyPort, proxyPort)
		if err != nil {
			log.Printf("Tunnel %s: proxy forward on port %d failed: %v", sessionKey, proxyPort, err)
		} else {
			proc.forwards = append(proc.forwards, fwd)
		}
	}

	m.mu.Lock()
	m.tunnels[sessionKey] = proc
	m.mu.Unlock()
	m.ports.Set(sessionKey, localPort)

	log.Printf("Tunnel opened for %s: localhost:%d -> %s:%d (+%d extra forwards)",
		sessionKey, localPort, node, remotePort, len(proc.forwards)-1)
	return proc, nil
}

func (m *Manager) startForward(client *ssh.Client, node string, localPort, remotePort int) (*forward, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		return nil, apperror.Wrap(apperror.Tunnel, fmt.Sprintf("bind local port %d", localPort), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	fwd := &forward{
		localPort:  listener.Addr().(*net.TCPAddr).Port,
		remotePort: remotePort,
		listener:   listener,
		cancel:     cancel,
	}
	go acceptLoop(ctx, listener, client, node, remotePort)
	return fwd, nil
}

// acceptLoop accepts local connections and forwards each over an SSH channel
// to node:remotePort. A short accept deadline lets it notice cancellation.
func acceptLoop(ctx context.Context, listener net.Listener, client *ssh.Client, node string, remotePort int) {
	defer listener.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if tcpListener, ok := listener.(*net.TCPListener); ok {
			tcpListener.SetDeadline(time.Now().Add(1 * time.Second))
		}

		conn, err := listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("Tunnel accept error for %s:%d: %v", node, remotePort, err)
			return
		}

		go forwardConnection(ctx, conn, client, node, remotePort)
	}
}

// forwardConnection opens a new SSH channel to the compute node and copies
// bytes both ways until either side closes.
func forwardConnection(ctx context.Context, localConn net.Conn, client *ssh.Client, node string, remotePort int) {
	defer localConn.Close()

	remoteAddr := net.JoinHostPort(node, strconv.Itoa(remotePort))
	remoteConn, err := client.Dial("tcp", remoteAddr)
	if err != nil {
		log.Printf("SSH dial to %s failed: %v", remoteAddr, err)
		return
	}
	defer remoteConn.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(remoteConn, localConn)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(localConn, remoteConn)
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Stop tears down all forwards for a session and frees its port registration.
func (m *Manager) Stop(sessionKey string) {
	m.mu.Lock()
	proc, ok := m.tunnels[sessionKey]
	if ok {
		delete(m.tunnels, sessionKey)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	for _, f := range proc.forwards {
		f.cancel()
		f.listener.Close()
	}
	m.ports.Delete(sessionKey)
	log.Printf("Tunnel closed for %s (%d forwards)", sessionKey, len(proc.forwards))
}

// StopAll closes every tunnel. Used during shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := m.tunnels
	m.tunnels = make(map[string]*Process)
	m.mu.Unlock()

	count := 0
	for key, proc := range all {
		for _, f := range proc.forwards {
			f.cancel()
			f.listener.Close()
		}
		m.ports.Delete(key)
		count += len(proc.forwards)
	}
	log.Printf("All tunnels closed (%d forwards)", count)
}

// Get returns the live tunnel process for a session, if any.
func (m *Manager) Get(sessionKey string) (*Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proc, ok := m.tunnels[sessionKey]
	return proc, ok
}
