// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the zwiebel client configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/zwiebel/utils"
)

const (
	defaultLogLevel = "NOTICE"

	// Timeout defaults, in milliseconds.
	defaultHandshakeTimeout = 30000
	defaultExtendTimeout    = 10000
	defaultStreamTimeout    = 30000

	defaultMetricsAddress = "127.0.0.1:6543"

	typeNone   = "none"
	typeSocks5 = "socks5"

	netUnix = "unix"
	netTCP  = "tcp"

	maxSocks5AuthLen = 255
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Timeouts tunes the deadlines applied to the various blocking protocol
// operations.  All values are in milliseconds.
type Timeouts struct {
	// HandshakeTimeout bounds the link handshake when opening a channel.
	HandshakeTimeout int

	// ExtendTimeout bounds each hop of circuit construction.
	ExtendTimeout int

	// StreamTimeout bounds stream opens and hostname resolution.
	StreamTimeout int
}

func (tCfg *Timeouts) fixup() {
	if tCfg.HandshakeTimeout == 0 {
		tCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if tCfg.ExtendTimeout == 0 {
		tCfg.ExtendTimeout = defaultExtendTimeout
	}
	if tCfg.StreamTimeout == 0 {
		tCfg.StreamTimeout = defaultStreamTimeout
	}
}

func (tCfg *Timeouts) validate() error {
	if tCfg.HandshakeTimeout < 0 || tCfg.ExtendTimeout < 0 || tCfg.StreamTimeout < 0 {
		return fmt.Errorf("config: Timeouts: values must not be negative")
	}
	return nil
}

// HandshakeDuration returns the handshake timeout as a time.Duration.
func (tCfg *Timeouts) HandshakeDuration() time.Duration {
	return time.Duration(tCfg.HandshakeTimeout) * time.Millisecond
}

// ExtendDuration returns the extend timeout as a time.Duration.
func (tCfg *Timeouts) ExtendDuration() time.Duration {
	return time.Duration(tCfg.ExtendTimeout) * time.Millisecond
}

// StreamDuration returns the stream timeout as a time.Duration.
func (tCfg *Timeouts) StreamDuration() time.Duration {
	return time.Duration(tCfg.StreamTimeout) * time.Millisecond
}

// Metrics is the prometheus metrics endpoint configuration.
type Metrics struct {
	// Disable disables the metrics endpoint entirely.
	Disable bool

	// Address is the IP address/port combination the metrics HTTP
	// endpoint will listen on.
	Address string
}

func (mCfg *Metrics) validate() error {
	if mCfg.Address == "" {
		mCfg.Address = defaultMetricsAddress
	}
	if err := utils.EnsureAddrIPPort(mCfg.Address); err != nil {
		return fmt.Errorf("config: Metrics: Address '%v' is invalid: %v", mCfg.Address, err)
	}
	return nil
}

// UpstreamProxy is the outgoing connection proxy configuration.
type UpstreamProxy struct {
	// Type is the proxy type (Eg: "none", "socks5").
	Type string

	// Network is the proxy address' network (`unix`, `tcp`).
	Network string

	// Address is the proxy's address.
	Address string

	// User is the optional proxy username.
	User string

	// Password is the optional proxy password.
	Password string
}

// IsNone returns true iff no upstream proxy is configured.
func (uCfg *UpstreamProxy) IsNone() bool {
	return uCfg == nil || uCfg.Type == "" || uCfg.Type == typeNone
}

func (uCfg *UpstreamProxy) fixupAndValidate() error {
	uCfg.Type = strings.ToLower(uCfg.Type)
	switch uCfg.Type {
	case "":
		uCfg.Type = typeNone
	case typeNone:
	case typeSocks5:
		uLen, pLen := len(uCfg.User), len(uCfg.Password)
		if uLen > maxSocks5AuthLen {
			return fmt.Errorf("config: UpstreamProxy: User too long")
		}
		if pLen > maxSocks5AuthLen {
			return fmt.Errorf("config: UpstreamProxy: Password too long")
		}
		if uLen != 0 && pLen == 0 || uLen == 0 && pLen != 0 {
			return fmt.Errorf("config: UpstreamProxy: Both User and Password must be specified")
		}

		uCfg.Network = strings.ToLower(uCfg.Network)
		switch uCfg.Network {
		case netTCP:
			if err := utils.EnsureAddrIPPort(uCfg.Address); err != nil {
				return fmt.Errorf("config: UpstreamProxy: Address '%v' is invalid: %v", uCfg.Address, err)
			}
		case netUnix:
			fi, err := os.Lstat(uCfg.Address)
			if err != nil {
				return fmt.Errorf("config: UpstreamProxy: Address '%v' failed to stat(): %v", uCfg.Address, err)
			}
			if fi.Mode()&os.ModeSocket == 0 {
				return fmt.Errorf("config: UpstreamProxy: Address '%v' does not appear to be a socket", uCfg.Address)
			}
		default:
			return fmt.Errorf("config: UpstreamProxy: Network '%v' is invalid", uCfg.Network)
		}
	default:
		return fmt.Errorf("config: UpstreamProxy: Type '%v' is invalid", uCfg.Type)
	}
	return nil
}

// Config is the top level client configuration.
type Config struct {
	// Logging is the logging configuration.
	Logging *Logging

	// Timeouts tunes the protocol operation deadlines.
	Timeouts *Timeouts

	// Metrics is the prometheus metrics endpoint configuration.
	Metrics *Metrics

	// UpstreamProxy can be used to setup a SOCKS proxy for use with a
	// VPN or Tor.
	UpstreamProxy *UpstreamProxy
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	// Handle missing sections if possible.
	if c.Logging == nil {
		c.Logging = &defaultLogging
	}
	if c.Timeouts == nil {
		c.Timeouts = new(Timeouts)
	}
	if c.Metrics == nil {
		c.Metrics = new(Metrics)
	}
	if c.UpstreamProxy == nil {
		c.UpstreamProxy = &UpstreamProxy{Type: typeNone}
	}
	c.Timeouts.fixup()

	// Validate the various sections.
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.Timeouts.validate(); err != nil {
		return err
	}
	if err := c.Metrics.validate(); err != nil {
		return err
	}
	return c.UpstreamProxy.fixupAndValidate()
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)

	err := toml.Unmarshal(b, cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
