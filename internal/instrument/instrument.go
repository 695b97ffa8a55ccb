// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exports the engine's prometheus instrumentation.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/katzenpost/zwiebel/internal/constants"
)

var (
	cellsRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.ChannelSubsystem,
			Name:      "cells_read_total",
			Help:      "Number of link cells read, by command",
		},
		[]string{"command"},
	)
	cellsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.ChannelSubsystem,
			Name:      "cells_written_total",
			Help:      "Number of link cells written",
		},
	)
	channelsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.ChannelSubsystem,
			Name:      "opened_total",
			Help:      "Number of link channels opened",
		},
	)
	channelsClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.ChannelSubsystem,
			Name:      "closed_total",
			Help:      "Number of link channels closed",
		},
	)
	circuitsBuilt = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.CircuitSubsystem,
			Name:      "built_total",
			Help:      "Number of circuits whose first hop completed",
		},
	)
	circuitsDestroyed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.CircuitSubsystem,
			Name:      "destroyed_total",
			Help:      "Number of circuits destroyed, by DESTROY reason",
		},
		[]string{"reason"},
	)
	circuitHops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.CircuitSubsystem,
			Name:      "hops_total",
			Help:      "Number of hops appended across all circuits",
		},
	)
	streamsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.CircuitSubsystem,
			Name:      "streams_opened_total",
			Help:      "Number of streams opened",
		},
	)
	streamsClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.CircuitSubsystem,
			Name:      "streams_closed_total",
			Help:      "Number of streams fully closed",
		},
	)
	protocolViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Name:      "protocol_violations_total",
			Help:      "Number of peer protocol violations detected",
		},
	)
	sendmesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.CircuitSubsystem,
			Name:      "sendmes_sent_total",
			Help:      "Number of SENDME cells sent",
		},
	)
)

func init() {
	prometheus.MustRegister(cellsRead)
	prometheus.MustRegister(cellsWritten)
	prometheus.MustRegister(channelsOpened)
	prometheus.MustRegister(channelsClosed)
	prometheus.MustRegister(circuitsBuilt)
	prometheus.MustRegister(circuitsDestroyed)
	prometheus.MustRegister(circuitHops)
	prometheus.MustRegister(streamsOpened)
	prometheus.MustRegister(streamsClosed)
	prometheus.MustRegister(protocolViolations)
	prometheus.MustRegister(sendmesSent)
}

// Init exposes the registered metrics via HTTP on addr.
func Init(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(addr, nil)
}

// CellRead increments the counter for link cells read.
func CellRead(command string) {
	cellsRead.With(prometheus.Labels{"command": command}).Inc()
}

// CellWritten increments the counter for link cells written.
func CellWritten() {
	cellsWritten.Inc()
}

// ChannelOpened increments the counter for opened channels.
func ChannelOpened() {
	channelsOpened.Inc()
}

// ChannelClosed increments the counter for closed channels.
func ChannelClosed() {
	channelsClosed.Inc()
}

// CircuitBuilt increments the counter for established circuits.
func CircuitBuilt() {
	circuitsBuilt.Inc()
}

// CircuitDestroyed increments the counter for destroyed circuits.
func CircuitDestroyed(reason string) {
	circuitsDestroyed.With(prometheus.Labels{"reason": reason}).Inc()
}

// CircuitHop increments the counter for appended circuit hops.
func CircuitHop() {
	circuitHops.Inc()
}

// StreamOpened increments the counter for opened streams.
func StreamOpened() {
	streamsOpened.Inc()
}

// StreamClosed increments the counter for closed streams.
func StreamClosed() {
	streamsClosed.Inc()
}

// ProtocolViolation increments the counter for peer protocol violations.
func ProtocolViolation() {
	protocolViolations.Inc()
}

// SendmeSent increments the counter for SENDME cells sent.
func SendmeSent() {
	sendmesSent.Inc()
}
