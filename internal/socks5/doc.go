package socks5

// Package socks5 implements the server side of the RFC 1928 subset this
// tunnel needs: the no-auth greeting and a CONNECT request/reply. It wraps
// the low-level protocol types in github.com/txthinking/socks5 rather than
// hand-rolling wire parsing.
//
// There is no client half: this tunnel never dials out to an upstream
// SOCKS5 proxy, it opens a substream on the peer-to-peer tunnel instead.
