// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !pyroscope
// +build !pyroscope

// Package profiling optionally hooks the process up to a Pyroscope
// continuous profiling server.  The hook only exists when built with the
// pyroscope tag.
package profiling

import "gopkg.in/op/go-logging.v1"

// Start is a dummy function that does nothing.
func Start(log *logging.Logger) error {
	log.Debug("Pyroscope is disabled")
	return nil
}
