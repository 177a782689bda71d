// Package loopguard rejects tunnel Connect requests whose destination
// resolves back to this process's own SOCKS5 listener, preventing a client
// from tunneling a connection that loops back into the same proxy.
package loopguard

import (
	"log"
	"net"
	"strconv"
	"sync"
	"time"
)

var loopbackHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
	"0.0.0.0":   true,
	"::":        true,
}

// Guard checks Connect destinations against the local SOCKS5 bind address.
type Guard struct {
	bindPort int
	bindIP   net.IP // nil if bindHost didn't parse as an IP (e.g. a hostname)
	anyIface bool   // bind is 0.0.0.0 or :: (all interfaces)

	mu       sync.Mutex
	lastWarn map[string]time.Time
}

// logInterval bounds how often a given destination's rejection is logged, so
// a misconfigured client retrying in a loop doesn't flood the log.
const logInterval = 10 * time.Second

// New builds a Guard for a local SOCKS5 listener bound to bindAddr (e.g.
// "127.0.0.1:1080" or "0.0.0.0:1080").
func New(bindAddr string) (*Guard, error) {
	host, portStr, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, &net.AddrError{Err: "invalid port", Addr: bindAddr}
	}

	g := &Guard{bindPort: port, lastWarn: make(map[string]time.Time)}
	if ip := net.ParseIP(host); ip != nil {
		g.bindIP = ip
		g.anyIface = ip.IsUnspecified()
	}
	return g, nil
}

// Allowed reports whether a Connect to host:port is permitted. A false
// result means the destination loops back to this process's own SOCKS5
// listener and must be rejected with Error{"loop detected"}.
func (g *Guard) Allowed(host string, port uint16) bool {
	if int(port) != g.bindPort {
		return true
	}

	if loopbackHosts[host] {
		g.warn(host, port)
		return false
	}

	if ip := net.ParseIP(trimBrackets(host)); ip != nil {
		if g.bindIP != nil && ip.Equal(g.bindIP) {
			g.warn(host, port)
			return false
		}
		if g.anyIface && ip.IsLoopback() {
			g.warn(host, port)
			return false
		}
	}

	return true
}

func (g *Guard) warn(host string, port uint16) {
	key := net.JoinHostPort(host, strconv.Itoa(int(port)))

	g.mu.Lock()
	last, seen := g.lastWarn[key]
	now := time.Now()
	if seen && now.Sub(last) < logInterval {
		g.mu.Unlock()
		return
	}
	g.lastWarn[key] = now
	g.mu.Unlock()

	log.Printf("loopguard: WARN: rejected connect to %s (loops back to local SOCKS5 listener)", key)
}

func trimBrackets(host string) string {
	if len(host) >= 2 && host[0] == '[' && host[len(host)-1] == ']' {
		return host[1 : len(host)-1]
	}
	return host
}
