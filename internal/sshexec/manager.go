// Package sshexec manages the broker's SSH surface towards the clusters:
// one multiplexed connection per login host, command execution with
// timeouts, and the per-cluster queue that serialises every cluster-touching
// operation.
//
// The central types are Manager and Queue. Manager owns the key pair and a
// map of live connections keyed by cluster name; Queue chains operations so
// at most one command is in flight per cluster while different clusters
// proceed in parallel. Executor binds the two into the single function most
// components are injected with.
package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hpcdesk/hpcdesk/internal/apperror"
	"golang.org/x/crypto/ssh"
)

const (
	// keepaliveInterval is how often keepalive requests probe a connection.
	keepaliveInterval = 30 * time.Second

	// connectTimeout bounds TCP dial plus SSH handshake.
	connectTimeout = 5 * time.Second

	// CommandTimeout is the overall bound for short SLURM commands.
	CommandTimeout = 60 * time.Second

	// TunnelTimeout is the bound for tunnel-spawning operations.
	TunnelTimeout = 5 * time.Minute
)

// Manager maintains one SSH connection per cluster, keyed by cluster name.
// SSH multiplexes channels over a single TCP connection, so one connection
// per login host carries both command execution and port forwards.
type Manager struct {
	user     string
	signer   ssh.Signer
	hostKeys ssh.HostKeyCallback
	hosts    map[string]string // cluster name -> login host

	mu    sync.RWMutex
	conns map[string]*managedConn
}

type managedConn struct {
	client *ssh.Client
	cancel context.CancelFunc
}

// NewManager creates a Manager for the given login hosts. user is the SSH
// account on the clusters; hostKeys controls host key verification.
func NewManager(user string, signer ssh.Signer, hostKeys ssh.HostKeyCallback, hosts map[string]string) *Manager {
	return &Manager{
		user:     user,
		signer:   signer,
		hostKeys: hostKeys,
		hosts:    hosts,
		conns:    make(map[string]*managedConn),
	}
}

// Client returns a live SSH connection for the cluster, dialling on demand.
// Dial failures retry with exponential backoff within the context deadline.
func (m *Manager) Client(ctx context.Context, cluster string) (*ssh.Client, error) {
	if client, ok := m.healthyConn(cluster); ok {
		return client, nil
	}

	host, ok := m.hosts[cluster]
	if !ok {
		return nil, apperror.Newf(apperror.Validation, "unknown cluster %q", cluster)
	}
	return m.connect(ctx, cluster, host)
}

func (m *Manager) healthyConn(cluster string) (*ssh.Client, bool) {
	m.mu.RLock()
	mc, ok := m.conns[cluster]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if _, _, err := mc.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
		return nil, false
	}
	return mc.client, true
}

func (m *Manager) connect(ctx context.Context, cluster, host string) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            m.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(m.signer)},
		HostKeyCallback: m.hostKeys,
		Timeout:         connectTimeout,
	}
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, "22")
	}

	var client *ssh.Client
	dial := func() error {
		dialer := net.Dialer{Timeout: connectTimeout}
		netConn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
		if err != nil {
			netConn.Close()
			return fmt.Errorf("ssh handshake with %s: %w", addr, err)
		}
		client = ssh.NewClient(sshConn, chans, reqs)
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(dial, policy); err != nil {
		return nil, apperror.Wrap(apperror.Ssh, fmt.Sprintf("connect to %s", cluster), err)
	}

	m.mu.Lock()
	if existing, ok := m.conns[cluster]; ok {
		existing.cancel()
		existing.client.Close()
	}
	keepCtx, keepCancel := context.WithCancel(context.Background())
	m.conns[cluster] = &managedConn{client: client, cancel: keepCancel}
	m.mu.Unlock()

	go m.keepalive(keepCtx, cluster, client)

	log.Printf("SSH connected to cluster %s (%s)", cluster, addr)
	return client, nil
}

// Exec runs one command on the cluster's login host and returns its stdout.
// A non-zero exit or transport failure is an Ssh-kind error carrying stderr.
// The context bounds the whole call; callers without their own deadline get
// CommandTimeout.
func (m *Manager) Exec(ctx context.Context, cluster, command string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, CommandTimeout)
		defer cancel()
	}

	client, err := m.Client(ctx, cluster)
	if err != nil {
		return "", err
	}

	sess, err := client.NewSession()
	if err != nil {
		return "", apperror.Wrap(apperror.Ssh, fmt.Sprintf("open session on %s", cluster), err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(command) }()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		sess.Close()
		<-errCh
		return "", apperror.Wrap(apperror.Ssh, fmt.Sprintf("command timed out on %s", cluster), ctx.Err())
	}

	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return stdout.String(), apperror.Wrap(apperror.Ssh,
			fmt.Sprintf("command failed on %s: %s", cluster, detail), err)
	}
	return stdout.String(), nil
}

// Close tears down the connection for one cluster.
func (m *Manager) Close(cluster string) {
	m.mu.Lock()
	mc, ok := m.conns[cluster]
	if ok {
		delete(m.conns, cluster)
	}
	m.mu.Unlock()
	if ok {
		mc.cancel()
		mc.client.Close()
		log.Printf("SSH disconnected from cluster %s", cluster)
	}
}

// CloseAll closes every connection. Used during shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*managedConn)
	m.mu.Unlock()

	for _, mc := range conns {
		mc.cancel()
		mc.client.Close()
	}
	log.Printf("All SSH connections closed (%d total)", len(conns))
}

// keepalive probes the connection and drops it from the map when dead; the
// next Client call reconnects.
func (m *Manager) keepalive(ctx context.Context, cluster string, client *ssh.Client) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Printf("SSH keepalive failed for cluster %s: %v, removing connection", cluster, err)
				m.mu.Lock()
				if mc, ok := m.conns[cluster]; ok && mc.client == client {
					delete(m.conns, cluster)
				}
				m.mu.Unlock()
				return
			}
		}
	}
}
