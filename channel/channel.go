// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package channel drives the client side of the link protocol over an
// established transport connection: version negotiation, the post-TLS
// handshake cells, and the multiplexing of circuits onto the link by
// circuit ID.
//
// A channel runs one reactor goroutine that exclusively owns the circuit
// ID table and the transport writes, plus one reader goroutine feeding it.
// Circuits hand their outbound cells to SendCell and receive their inbound
// cells through circuit.HandleCell; neither side ever touches the other's
// state directly.
package channel

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/zwiebel"
	"github.com/katzenpost/zwiebel/cell"
	"github.com/katzenpost/zwiebel/circuit"
	"github.com/katzenpost/zwiebel/internal/instrument"
	"github.com/katzenpost/zwiebel/log"
	"github.com/katzenpost/zwiebel/relay"
	"github.com/katzenpost/zwiebel/worker"
)

const (
	defaultHandshakeTimeout = 30 * time.Second

	// circIDMSB marks circuit IDs allocated by the connection initiator,
	// which a client always is.
	circIDMSB = 0x80000000

	// retiredFilterLn2Size sizes the retired circuit ID filter at 2^17
	// bits (16 KiB), plenty for any plausible channel lifetime.
	retiredFilterLn2Size = 17

	allocAttempts = 64

	sendQueueLen = 128
	recvQueueLen = 64
	opQueueLen   = 16
)

// State is the lifecycle state of a channel.
type State uint32

const (
	// StateOpening is the state while the link handshake runs.
	StateOpening State = iota

	// StateOpen is the state of a usable channel.
	StateOpen

	// StateClosing is the transient state while teardown runs.
	StateClosing

	// StateClosed is the terminal state.
	StateClosed
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateOpening:
		return "Opening"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("[unknown state %d]", uint32(s))
	}
}

// Config is the channel configuration.
type Config struct {
	// LogBackend is the logging backend to use, nil for no logging.
	LogBackend *log.Backend

	// HandshakeTimeout bounds the whole link handshake.  A zero value
	// selects 30 seconds.
	HandshakeTimeout time.Duration

	// DefaultTimeout is handed to each circuit opened on this channel,
	// bounding operations whose context carries no deadline.
	DefaultTimeout time.Duration

	// OnClosedFn, if set, is called exactly once with the teardown cause
	// after every circuit has been notified.  It runs on the channel
	// reactor and must not block.
	OnClosedFn func(error)
}

func (cfg *Config) applyDefaults() {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.LogBackend == nil {
		cfg.LogBackend, _ = log.New("", "NOTICE", true)
	}
}

// Channel multiplexes circuits onto one link connection.
type Channel struct {
	worker.Worker

	conn net.Conn
	cfg  *Config
	log  *logging.Logger

	linkVersion uint16

	sendCh chan *cell.Cell
	recvCh chan interface{}
	opCh   chan interface{}
	deadCh chan struct{}

	closing atomic.Bool
	state   uint32

	// Everything below is owned by the reactor goroutine.
	circuits map[cell.CircID]*circuit.Circuit
	retired  *bloom.Filter
	closeErr error
}

// New negotiates the link protocol over conn and returns a running
// channel.  The transport is assumed to already provide confidentiality
// and to have authenticated the relay; the handshake cells are only
// shape-checked here.  On error the connection is closed.
func New(ctx context.Context, conn net.Conn, cfg *Config) (*Channel, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cCfg := *cfg
	cCfg.applyDefaults()

	filter, err := bloom.New(rand.Reader, retiredFilterLn2Size, 0.001)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c := &Channel{
		conn:     conn,
		cfg:      &cCfg,
		sendCh:   make(chan *cell.Cell, sendQueueLen),
		recvCh:   make(chan interface{}, recvQueueLen),
		opCh:     make(chan interface{}, opQueueLen),
		deadCh:   make(chan struct{}),
		circuits: make(map[cell.CircID]*circuit.Circuit),
		retired:  filter,
	}
	c.log = cCfg.LogBackend.GetLogger(fmt.Sprintf("channel:%s", conn.RemoteAddr()))

	deadline := time.Now().Add(cCfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err = conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}
	if err = c.handshake(); err != nil {
		c.log.Warningf("Link handshake failed: %v", err)
		conn.Close()
		return nil, err
	}
	if err = conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}

	c.setState(StateOpen)
	instrument.ChannelOpened()
	c.log.Debugf("Link handshake complete, protocol version %d.", c.linkVersion)

	c.Go(c.readWorker)
	c.Go(c.reactor)
	return c, nil
}

// State returns the channel's lifecycle state.
func (c *Channel) State() State {
	return State(atomic.LoadUint32(&c.state))
}

func (c *Channel) setState(s State) {
	atomic.StoreUint32(&c.state, uint32(s))
}

// LinkVersion returns the negotiated link protocol version.
func (c *Channel) LinkVersion() uint16 {
	return c.linkVersion
}

// RemoteAddr returns the transport's remote address.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SendCell enqueues one link cell for transmission, blocking only when
// the link is backlogged.  It fails with the Closed kind once the channel
// is torn down.
func (c *Channel) SendCell(cc *cell.Cell) error {
	select {
	case c.sendCh <- cc:
		return nil
	case <-c.deadCh:
		return c.closedErr()
	}
}

// Retire releases a circuit's ID after its teardown, delivering a DESTROY
// with the given reason first when asked.  The ID is never reused for the
// lifetime of the channel.
func (c *Channel) Retire(id cell.CircID, deliverDestroy bool, reason cell.DestroyReason) {
	op := &retireCtx{id: id, deliverDestroy: deliverDestroy, reason: reason}
	select {
	case c.opCh <- op:
	case <-c.deadCh:
	}
}

// OpenCircuitFast opens a circuit whose first hop is established with the
// CREATE_FAST handshake.
func (c *Channel) OpenCircuitFast(ctx context.Context) (*circuit.Circuit, error) {
	circ, err := c.newCircuit(ctx)
	if err != nil {
		return nil, err
	}
	if err = circ.CreateFast(ctx); err != nil {
		circ.Close()
		return nil, err
	}
	return circ, nil
}

// OpenCircuit opens a circuit whose first hop is established with the
// ntor handshake against desc.  On failure the circuit ID is retired and
// the typed error returned.
func (c *Channel) OpenCircuit(ctx context.Context, desc *relay.Descriptor) (*circuit.Circuit, error) {
	circ, err := c.newCircuit(ctx)
	if err != nil {
		return nil, err
	}
	if err = circ.Create(ctx, desc); err != nil {
		circ.Close()
		return nil, err
	}
	return circ, nil
}

// newCircuit allocates a fresh circuit ID and registers a circuit under
// it, all on the reactor so the table is never touched concurrently.
func (c *Channel) newCircuit(ctx context.Context) (*circuit.Circuit, error) {
	type openResult struct {
		c   *circuit.Circuit
		err error
	}
	resCh := make(chan *openResult, 1)
	op := &openCtx{
		doneFn: func(circ *circuit.Circuit, err error) {
			resCh <- &openResult{c: circ, err: err}
		},
	}
	select {
	case c.opCh <- op:
	case <-ctx.Done():
		return nil, zwiebel.NewTimeoutError("OpenCircuit: %v", ctx.Err())
	case <-c.deadCh:
		return nil, c.closedErr()
	}
	select {
	case res := <-resCh:
		return res.c, res.err
	case <-ctx.Done():
		// The registration may still land; close whatever comes out so
		// the ID is not leaked.
		go func() {
			select {
			case res := <-resCh:
				if res.c != nil {
					res.c.Close()
				}
			case <-c.deadCh:
			}
		}()
		return nil, zwiebel.NewTimeoutError("OpenCircuit: %v", ctx.Err())
	case <-c.deadCh:
		select {
		case res := <-resCh:
			return res.c, res.err
		default:
		}
		return nil, c.closedErr()
	}
}

// Close tears the channel and every circuit on it down and waits for the
// workers to finish.  It is idempotent.
func (c *Channel) Close() error {
	c.closing.Store(true)
	c.conn.Close()
	c.Halt()
	return nil
}

// closedErr returns the teardown cause as a Closed kind error.  Valid
// only after deadCh is closed, which orders the load after the reactor's
// final store.
func (c *Channel) closedErr() error {
	err := c.closeErr
	switch {
	case err == nil:
		return zwiebel.NewClosedError("channel closed")
	case zwiebel.IsClosed(err):
		return err
	default:
		return zwiebel.NewClosedError("channel closed: %v", err)
	}
}

func (c *Channel) circuitCfg() *circuit.Config {
	return &circuit.Config{
		LogBackend:     c.cfg.LogBackend,
		DefaultTimeout: c.cfg.DefaultTimeout,
	}
}

// Reactor op messages.

type openCtx struct {
	doneFn func(*circuit.Circuit, error)
}

type retireCtx struct {
	id             cell.CircID
	deliverDestroy bool
	reason         cell.DestroyReason
}
