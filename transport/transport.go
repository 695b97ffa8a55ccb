// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport establishes the connections that channels run over:
// direct TCP, TCP through an upstream SOCKS5 proxy, and QUIC.
package transport

import (
	"context"
	"net"

	"golang.org/x/net/proxy"

	"github.com/katzenpost/zwiebel/config"
	"github.com/katzenpost/zwiebel/internal/constants"
)

// DialContextFn is a function that matches the Dialer.DialContext prototype.
type DialContextFn func(context.Context, string, string) (net.Conn, error)

// Config describes how to reach a relay.
type Config struct {
	// Network is the network to dial ("tcp", "tcp4", "tcp6").  If
	// omitted "tcp" is used.
	Network string

	// Address is the relay's address.
	Address string

	// Proxy is the optional upstream proxy configuration.  Connections
	// are dialed directly when it is nil or of type "none".
	Proxy *config.UpstreamProxy
}

// Dial connects to the relay described by cfg, through the upstream proxy
// when one is configured.
func Dial(ctx context.Context, cfg *Config) (net.Conn, error) {
	network := cfg.Network
	if network == "" {
		network = "tcp"
	}
	if dialFn := ToDialContext(cfg.Proxy); dialFn != nil {
		return dialFn(ctx, network, cfg.Address)
	}
	d := &net.Dialer{KeepAlive: constants.KeepAliveInterval}
	return d.DialContext(ctx, network, cfg.Address)
}

// ToDialContext returns a function matching Dialer.DialContext() that will
// utilize the configured proxy, or nil iff no proxy is configured.
func ToDialContext(uCfg *config.UpstreamProxy) DialContextFn {
	if uCfg.IsNone() {
		return nil
	}
	s := &contextSOCKS5{
		proxyNet:  uCfg.Network,
		proxyAddr: uCfg.Address,
	}
	if uCfg.User != "" {
		s.proxyAuth = &proxy.Auth{
			User:     uCfg.User,
			Password: uCfg.Password,
		}
	}
	return s.dialContext
}

type contextSOCKS5 struct {
	proxyNet  string
	proxyAddr string
	proxyAuth *proxy.Auth
}

func (s *contextSOCKS5) dialContext(ctx context.Context, network, address string) (net.Conn, error) {
	// One day, golang.org/x/net/proxy will support using a context.
	// See: https://github.com/golang/go/issues/19354
	fwdDialer := &contextDialer{
		ctx:    ctx,
		connCh: make(chan net.Conn),
	}
	defer close(fwdDialer.connCh)

	socksDialer, err := proxy.SOCKS5(s.proxyNet, s.proxyAddr, s.proxyAuth, fwdDialer)
	if err != nil {
		return nil, err
	}
	go func() {
		// Wait for the forward dial process to finish.
		conn, ok := <-fwdDialer.connCh
		if !ok {
			return
		}

		// Do the "right" thing based on the context.
		select {
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		case <-fwdDialer.connCh:
		}
	}()

	return socksDialer.Dial(network, address)
}

type contextDialer struct {
	ctx    context.Context // I know this is frowned upon.
	connCh chan net.Conn
}

func (c *contextDialer) Dial(network, address string) (net.Conn, error) {
	directDialer := &net.Dialer{}
	conn, err := directDialer.DialContext(c.ctx, network, address)
	c.connCh <- conn
	return conn, err
}
