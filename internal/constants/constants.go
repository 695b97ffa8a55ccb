// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package constants defines internal constants shared across the engine.
package constants

import "time"

const (
	// Namespace is the prometheus namespace.
	Namespace = "zwiebel"

	// ChannelSubsystem is the prometheus subsystem for link channels.
	ChannelSubsystem = "channel"

	// CircuitSubsystem is the prometheus subsystem for circuits.
	CircuitSubsystem = "circuit"

	// KeepAliveInterval is the TCP/IP KeepAlive interval.
	KeepAliveInterval = 3 * time.Minute
)
