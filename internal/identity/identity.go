// Package identity persists this node's long-lived secret key and the last
// peer it successfully established a tunnel session with.
//
// Two files live in the directory passed to Load: .tunnel_key (the raw 32-byte
// secret, mode 0600) and .tunnel_peer (the last peer handle, text). Writes go
// through a temp-file-then-rename so a crash mid-write never corrupts either
// file; failures to persist are logged and otherwise non-fatal.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"
)

const (
	keyFileName  = ".tunnel_key"
	peerFileName = ".tunnel_peer"
	secretLen    = 32
)

// Secret is the raw 32-byte key. Callers must not interpret its bytes beyond
// treating it as an opaque key material blob.
type Secret [secretLen]byte

// PeerHandle identifies a remote node: its public key plus optional direct
// address hints gathered from the ticket or from the transport.
type PeerHandle struct {
	ID    string   // hex-encoded public key
	Hints []string // host:port address hints, best-effort
}

// Store owns this process's secret key and the last-known peer handle.
type Store struct {
	dir    string
	secret Secret
	pub    [32]byte
}

// Load reads (or creates) the secret key in dir. dir must already exist.
func Load(dir string) (*Store, error) {
	path := filepath.Join(dir, keyFileName)

	secret, err := readSecret(path)
	if errors.Is(err, os.ErrNotExist) {
		secret, err = generateSecret()
		if err != nil {
			return nil, fmt.Errorf("identity: generate secret: %w", err)
		}
		if werr := writeFileAtomic(path, secret[:], 0o600); werr != nil {
			log.Printf("identity: WARN: failed to persist %s: %v", path, werr)
		}
	} else if err != nil {
		return nil, fmt.Errorf("identity: load %s: %w", path, err)
	}

	pub, err := publicKey(secret)
	if err != nil {
		return nil, fmt.Errorf("identity: derive public key: %w", err)
	}

	return &Store{dir: dir, secret: secret, pub: pub}, nil
}

func readSecret(path string) (Secret, error) {
	var s Secret
	b, err := os.ReadFile(path) //nolint:gosec // path is built from a trusted working directory.
	if err != nil {
		return s, err
	}
	if len(b) != secretLen {
		return s, fmt.Errorf("identity: %s has %d bytes, want %d", path, len(b), secretLen)
	}
	copy(s[:], b)
	return s, nil
}

func generateSecret() (Secret, error) {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		return s, err
	}
	return s, nil
}

// publicKey derives a stable X25519 public key from the secret, treating the
// secret as a clamped scalar the way curve25519 key generation always does.
func publicKey(secret Secret) ([32]byte, error) {
	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], pub)
	return out, nil
}

// Secret returns the raw 32-byte secret. Callers must not log or transmit it.
func (s *Store) Secret() Secret {
	return s.secret
}

// PublicKey returns this node's 32-byte X25519 public key.
func (s *Store) PublicKey() [32]byte {
	return s.pub
}

// ID returns the node's stable public identifier: the hex-encoded public key.
func (s *Store) ID() string {
	return hex.EncodeToString(s.pub[:])
}

// LoadPeer reads the persisted peer handle, if any.
func (s *Store) LoadPeer() (PeerHandle, bool) {
	path := filepath.Join(s.dir, peerFileName)
	b, err := os.ReadFile(path) //nolint:gosec // path is built from a trusted working directory.
	if err != nil {
		return PeerHandle{}, false
	}

	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return PeerHandle{}, false
	}

	h := PeerHandle{ID: strings.TrimSpace(lines[0])}
	for _, hint := range lines[1:] {
		hint = strings.TrimSpace(hint)
		if hint != "" {
			h.Hints = append(h.Hints, hint)
		}
	}
	return h, true
}

// SavePeer persists h, overwriting any previously saved peer handle.
//
// Callers must only call SavePeer after observing liveness of the new
// session (first frame exchanged, or the transport reports the connection
// ready) — SavePeer itself performs no liveness check.
func (s *Store) SavePeer(h PeerHandle) {
	path := filepath.Join(s.dir, peerFileName)
	var sb strings.Builder
	sb.WriteString(h.ID)
	sb.WriteByte('\n')
	for _, hint := range h.Hints {
		sb.WriteString(hint)
		sb.WriteByte('\n')
	}

	if err := writeFileAtomic(path, []byte(sb.String()), 0o644); err != nil {
		log.Printf("identity: WARN: failed to persist peer handle to %s: %v", path, err)
	}
}

// writeFileAtomic writes data to a temp file in the same directory as path,
// then renames it into place, so a crash mid-write never leaves a truncated
// file behind.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
