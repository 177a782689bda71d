// Package kcpsmux is the concrete transport.Endpoint this tunnel runs on: a
// reliable, multiplexed channel over UDP (KCP), authenticated and encrypted
// with TLS, carrying independent substreams via smux.
//
// Each side presents a self-signed certificate whose CommonName is its
// NodeIdentity and whose ed25519 key is derived deterministically from the
// same 32-byte secret that identity stores on disk. A dial that names an
// expected peer rejects any certificate whose CommonName differs. The
// certificate key is not tied to the identity on the wire, so the peer's
// identity is checked against the name it presents, not proven: a peer
// holding any validly self-signed certificate can present any CommonName.
package kcpsmux

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"

	"github.com/nightglass/meshtun/internal/transport"
)

const handshakeTimeout = 10 * time.Second

// Config configures an Endpoint.
type Config struct {
	// Secret seeds the endpoint's TLS signing key. Nothing checks that it
	// is the secret behind LocalID.
	Secret [32]byte

	// LocalID is this node's canonical identity, published as the TLS
	// certificate's CommonName.
	LocalID string

	// ListenAddr is the UDP address to accept inbound KCP connections on.
	// Empty disables inbound connections; Accept then always errors.
	ListenAddr string
}

// Endpoint is a transport.Endpoint backed by KCP+TLS+smux.
type Endpoint struct {
	cfg  Config
	cert tls.Certificate

	listener *kcp.Listener

	mu     sync.Mutex
	closed bool
}

var _ transport.Endpoint = (*Endpoint)(nil)

// New builds an Endpoint. If cfg.ListenAddr is non-empty it binds
// immediately; New returns an error if the bind fails.
func New(cfg Config) (*Endpoint, error) {
	cert, err := selfSignedCert(cfg.Secret, cfg.LocalID)
	if err != nil {
		return nil, fmt.Errorf("kcpsmux: generating identity certificate: %w", err)
	}

	e := &Endpoint{cfg: cfg, cert: cert}

	if cfg.ListenAddr != "" {
		l, err := kcp.ListenWithOptions(cfg.ListenAddr, nil, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("kcpsmux: listen %s: %w", cfg.ListenAddr, err)
		}
		e.listener = l
	}

	return e, nil
}

func (e *Endpoint) LocalID() string { return e.cfg.LocalID }

func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	if e.listener != nil {
		return e.listener.Close()
	}
	return nil
}

// Dial tries each of peer.Hints in turn, over a fresh KCP session each
// time, and returns the first that authenticates as peer.ID.
func (e *Endpoint) Dial(ctx context.Context, peer transport.PeerHandle) (transport.Connection, error) {
	if len(peer.Hints) == 0 {
		return nil, fmt.Errorf("kcpsmux: dial %s: no address hints", peer.ID)
	}

	var lastErr error
	for _, addr := range peer.Hints {
		c, err := e.dialOne(ctx, addr, peer.ID)
		if err == nil {
			return c, nil
		}
		lastErr = fmt.Errorf("%s: %w", addr, err)
	}
	return nil, fmt.Errorf("kcpsmux: dial %s: all hints failed: %w", peer.ID, lastErr)
}

func (e *Endpoint) dialOne(ctx context.Context, addr, expectPeer string) (transport.Connection, error) {
	kconn, err := kcp.DialWithOptions(addr, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	tuneKCP(kconn)

	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	tlsConn, remoteID, err := e.handshake(kconn, deadline, tls.Client, expectPeer)
	if err != nil {
		_ = kconn.Close()
		return nil, err
	}

	sess, err := smux.Client(tlsConn, smuxConfig())
	if err != nil {
		_ = tlsConn.Close()
		return nil, err
	}

	return &conn{session: sess, remoteID: remoteID, direct: true}, nil
}

// Accept blocks for one inbound connection, returning ctx.Err() if ctx is
// done first. The underlying kcp AcceptKCP call keeps running after such a
// return until a new connection arrives or the Endpoint is closed, and a
// connection it accepts then is not delivered to any caller. Close the
// Endpoint to stop accepting.
func (e *Endpoint) Accept(ctx context.Context) (transport.Connection, error) {
	if e.listener == nil {
		return nil, errors.New("kcpsmux: endpoint is not listening")
	}

	type result struct {
		c   transport.Connection
		err error
	}
	ch := make(chan result, 1)
	go func() {
		kconn, err := e.listener.AcceptKCP()
		if err != nil {
			ch <- result{err: err}
			return
		}
		tuneKCP(kconn)

		tlsConn, remoteID, err := e.handshake(kconn, time.Now().Add(handshakeTimeout), tls.Server, "")
		if err != nil {
			_ = kconn.Close()
			ch <- result{err: err}
			return
		}

		sess, err := smux.Server(tlsConn, smuxConfig())
		if err != nil {
			_ = tlsConn.Close()
			ch <- result{err: err}
			return
		}

		ch <- result{c: &conn{session: sess, remoteID: remoteID, direct: true}}
	}()

	select {
	case r := <-ch:
		return r.c, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// tlsSide wraps net.Conn as either a TLS client or server; tls.Client and
// tls.Server share this signature.
type tlsSide func(net.Conn, *tls.Config) *tls.Conn

func (e *Endpoint) handshake(raw net.Conn, deadline time.Time, side tlsSide, expectPeer string) (net.Conn, string, error) {
	tlsConn := side(raw, e.tlsConfig(expectPeer))

	_ = tlsConn.SetDeadline(deadline)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return nil, "", fmt.Errorf("kcpsmux: TLS handshake: %w", err)
	}
	_ = tlsConn.SetDeadline(time.Time{})

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, "", errors.New("kcpsmux: peer presented no certificate")
	}
	return tlsConn, state.PeerCertificates[0].Subject.CommonName, nil
}

// tlsConfig builds a config whose verification is entirely delegated to
// VerifyPeerCertificate: we check the peer's leaf certificate is validly
// self-signed and, for an outbound dial with a known target, that its
// CommonName matches. InsecureSkipVerify disables Go's own chain
// verification, which would otherwise reject every self-signed leaf before
// VerifyPeerCertificate runs.
//
// This only proves the presenter holds the private key for the ed25519 cert
// it sent; nothing here proves that key was derived from the curve25519
// secret behind the claimed CommonName, so a peer who simply mints its own
// self-signed cert can claim any identity. selfSignedCert derives both keys
// from the same secret, but a receiver has no way to check that tie-in over
// the wire.
func (e *Endpoint) tlsConfig(expectPeer string) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{e.cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("kcpsmux: peer presented no certificate")
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("kcpsmux: parsing peer certificate: %w", err)
			}
			if err := cert.CheckSignatureFrom(cert); err != nil {
				return fmt.Errorf("kcpsmux: peer certificate is not validly self-signed: %w", err)
			}
			if expectPeer != "" && cert.Subject.CommonName != expectPeer {
				return fmt.Errorf("kcpsmux: peer identity mismatch: got %q, want %q", cert.Subject.CommonName, expectPeer)
			}
			return nil
		},
	}
}

func selfSignedCert(secret [32]byte, localID string) (tls.Certificate, error) {
	seed := sha256.Sum256(append(secret[:], []byte("meshtun-identity-cert-v1")...))
	priv := ed25519.NewKeyFromSeed(seed[:])

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: localID},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}

// tuneKCP applies latency-favoring settings suited to interactive proxy
// traffic rather than bulk transfer.
func tuneKCP(conn *kcp.UDPSession) {
	conn.SetNoDelay(1, 10, 2, 1)
	conn.SetWindowSize(256, 256)
	conn.SetACKNoDelay(true)
	conn.SetStreamMode(true)
}

func smuxConfig() *smux.Config {
	cfg := smux.DefaultConfig()
	cfg.KeepAliveInterval = 10 * time.Second
	cfg.KeepAliveTimeout = 30 * time.Second
	return cfg
}

// conn is a transport.Connection backed by one smux.Session.
type conn struct {
	session  *smux.Session
	remoteID string
	direct   bool
}

var _ transport.Connection = (*conn)(nil)

func (c *conn) OpenStream(ctx context.Context) (transport.Stream, error) {
	type result struct {
		s   *smux.Stream
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := c.session.OpenStream()
		ch <- result{s, err}
	}()
	select {
	case r := <-ch:
		return r.s, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	type result struct {
		s   *smux.Stream
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := c.session.AcceptStream()
		ch <- result{s, err}
	}()
	select {
	case r := <-ch:
		return r.s, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) RemotePeer() string { return c.remoteID }

func (c *conn) Direct() bool { return c.direct }

// Latency is not exposed by the underlying KCP session; callers should
// treat a zero value as "unknown" rather than "zero round-trip".
func (c *conn) Latency() time.Duration { return 0 }

func (c *conn) Closed() bool { return c.session.IsClosed() }

func (c *conn) Close() error { return c.session.Close() }
