package sshexec

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	privateKeyFile = "ssh_key"
	publicKeyFile  = "ssh_key.pub"
	knownHostsFile = "known_hosts"
)

// EnsureKeyPair loads the broker's ED25519 key pair from dir, generating and
// persisting a new one on first start. Returns the signer and the public key
// in authorized_keys format.
func EnsureKeyPair(dir string) (ssh.Signer, string, error) {
	privPath := filepath.Join(dir, privateKeyFile)

	if data, err := os.ReadFile(privPath); err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, "", fmt.Errorf("parse private key %s: %w", privPath, err)
		}
		pub, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
		if err != nil {
			pub = ssh.MarshalAuthorizedKey(signer.PublicKey())
		}
		return signer, string(pub), nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate ed25519 key: %w", err)
	}
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, "", fmt.Errorf("marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, "", fmt.Errorf("create ssh public key: %w", err)
	}
	pubBytes := ssh.MarshalAuthorizedKey(sshPub)

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, "", fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(privPath, privPEM, 0600); err != nil {
		return nil, "", fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), pubBytes, 0644); err != nil {
		return nil, "", fmt.Errorf("write public key: %w", err)
	}
	log.Printf("SSH key pair generated in %s", dir)

	signer, err := ssh.ParsePrivateKey(privPEM)
	if err != nil {
		return nil, "", fmt.Errorf("parse generated key: %w", err)
	}
	return signer, string(pubBytes), nil
}

// HostKeyCallback builds the host key verifier. When known_hosts content is
// available (persisted under app_state) it is written next to the key pair
// and used for strict checking; otherwise verification is skipped, matching
// single-tenant deployments where the operator trusts the login hosts.
func HostKeyCallback(dir, knownHosts string) ssh.HostKeyCallback {
	if knownHosts == "" {
		return ssh.InsecureIgnoreHostKey()
	}
	path := filepath.Join(dir, knownHostsFile)
	if err := os.WriteFile(path, []byte(knownHosts), 0600); err != nil {
		log.Printf("WARNING: cannot write known_hosts file: %v, skipping host key checks", err)
		return ssh.InsecureIgnoreHostKey()
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		log.Printf("WARNING: cannot parse known_hosts: %v, skipping host key checks", err)
		return ssh.InsecureIgnoreHostKey()
	}
	return cb
}
