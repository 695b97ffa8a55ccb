// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package circuit implements the client side of one onion-routed circuit:
// the hop stack, stream multiplexing, flow control accounting and the
// operations that build circuits and open streams over them.
//
// A single reactor goroutine owns all circuit state.  The public API and
// the owning channel talk to it exclusively through message channels, so
// inbound cells are processed in exact arrival order, which the relay
// digest chains require.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/zwiebel"
	"github.com/katzenpost/zwiebel/cell"
	"github.com/katzenpost/zwiebel/handshake"
	"github.com/katzenpost/zwiebel/log"
	"github.com/katzenpost/zwiebel/relay"
	"github.com/katzenpost/zwiebel/relaycrypto"
	"github.com/katzenpost/zwiebel/sendme"
	"github.com/katzenpost/zwiebel/worker"
)

const (
	// defaultTimeout bounds operations whose context has no deadline.
	defaultTimeout = 30 * time.Second

	// maxRelayEarly is the RELAY_EARLY budget per circuit.  Extends
	// beyond it would mark the circuit as anomalous to every relay
	// on the path.
	maxRelayEarly = 8

	// inboxSlack is inbox capacity beyond the circuit window, for the
	// non-DATA cells a busy circuit has in flight.
	inboxSlack = 128
)

var (
	// ErrNotOpen is returned for operations that need an established
	// circuit before the first hop exists.
	ErrNotOpen = errors.New("circuit: not open")

	// ErrAlreadyCreated is returned when a CREATE class operation is
	// attempted on a circuit that already has a first hop.
	ErrAlreadyCreated = errors.New("circuit: first hop already established")

	// ErrHandshakeBusy is returned when a create or extend is attempted
	// while another handshake is in flight.
	ErrHandshakeBusy = errors.New("circuit: another handshake is in flight")

	// ErrTooManyHops is returned when the RELAY_EARLY budget is spent.
	ErrTooManyHops = errors.New("circuit: RELAY_EARLY budget exhausted")

	// ErrNoStreamIDs is returned when every stream ID is in use.
	ErrNoStreamIDs = errors.New("circuit: all stream IDs are in use")
)

// State is the lifecycle state of a circuit.
type State uint32

const (
	// StateBuilding is the state before the first hop is established.
	StateBuilding State = iota

	// StateOpen is the state of a usable circuit.
	StateOpen

	// StateClosing is the transient state while teardown runs.
	StateClosing

	// StateDestroyed is the terminal state.
	StateDestroyed
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateBuilding:
		return "Building"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateDestroyed:
		return "Destroyed"
	default:
		return fmt.Sprintf("[unknown state %d]", uint32(s))
	}
}

// Channel is the circuit's view of the link it rides.  Both methods must be
// safe to call from the circuit reactor at any time, including after the
// channel itself has closed.
type Channel interface {
	// SendCell enqueues one link cell for transmission.
	SendCell(c *cell.Cell) error

	// Retire releases the circuit's ID after teardown, delivering a
	// DESTROY with the given reason first when asked.
	Retire(id cell.CircID, deliverDestroy bool, reason cell.DestroyReason)
}

// Config is the circuit configuration.
type Config struct {
	// LogBackend is the logging backend to use, nil for no logging.
	LogBackend *log.Backend

	// DefaultTimeout bounds operations whose context carries no
	// deadline.  A zero value selects 30 seconds.
	DefaultTimeout time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.LogBackend == nil {
		cfg.LogBackend, _ = log.New("", "NOTICE", true)
	}
}

// Circuit is one onion-routed circuit multiplexed onto a channel.
type Circuit struct {
	worker.Worker

	ch  Channel
	cfg *Config
	log *logging.Logger
	id  cell.CircID

	inboxCh   chan *cell.Cell
	opCh      chan interface{}
	destroyCh chan *destroyCtx
	deadCh    chan struct{}

	destroyOnce sync.Once
	state       uint32

	// Everything below is owned by the reactor goroutine.
	stack          *relaycrypto.Stack
	hopIDs         []string
	circSend       *sendme.SendWindow
	circRecv       *sendme.RecvWindow
	streams        *streamMap
	pendingHS      *handshakeCtx
	writeWaiters   []*writeCtx
	relayEarlyLeft int
	destroyed      bool
	destroyCause   error
}

// New constructs a circuit over ch and starts its reactor.  The circuit is
// in the Building state until a CreateFast or Create succeeds.
func New(id cell.CircID, ch Channel, cfg *Config) *Circuit {
	if cfg == nil {
		cfg = &Config{}
	}
	cCfg := *cfg
	cCfg.applyDefaults()

	c := &Circuit{
		ch:             ch,
		cfg:            &cCfg,
		id:             id,
		inboxCh:        make(chan *cell.Cell, sendme.CircWindowStart+inboxSlack),
		opCh:           make(chan interface{}, 8),
		destroyCh:      make(chan *destroyCtx, 1),
		deadCh:         make(chan struct{}),
		stack:          relaycrypto.NewStack(),
		circSend:       sendme.NewSendWindow(sendme.CircWindowStart, sendme.CircWindowIncrement, true),
		circRecv:       sendme.NewRecvWindow(sendme.CircWindowStart, sendme.CircWindowIncrement),
		streams:        newStreamMap(),
		relayEarlyLeft: maxRelayEarly,
	}
	c.log = cCfg.LogBackend.GetLogger(fmt.Sprintf("circuit:%d", id))
	c.Go(c.reactor)
	return c
}

// ID returns the circuit's identifier on its channel.
func (c *Circuit) ID() cell.CircID {
	return c.id
}

// State returns the circuit's lifecycle state.
func (c *Circuit) State() State {
	return State(atomic.LoadUint32(&c.state))
}

func (c *Circuit) setState(s State) {
	atomic.StoreUint32(&c.state, uint32(s))
}

// Hops returns the number of established hops.  Like State, it is a
// snapshot that may be stale by the time the caller looks at it.
func (c *Circuit) Hops() int {
	type hopsResult struct{ n int }
	resCh := make(chan *hopsResult, 1)
	op := &hopsCtx{doneFn: func(n int) { resCh <- &hopsResult{n: n} }}
	select {
	case c.opCh <- op:
	case <-c.deadCh:
		return 0
	}
	select {
	case res := <-resCh:
		return res.n
	case <-c.deadCh:
		select {
		case res := <-resCh:
			return res.n
		default:
		}
		return 0
	}
}

// HandleCell hands an inbound link cell addressed to this circuit to the
// reactor.  It never blocks: the inbox is sized for everything a peer
// honoring flow control can have in flight, so overflow means the peer is
// ignoring its windows.
func (c *Circuit) HandleCell(cc *cell.Cell) error {
	select {
	case <-c.deadCh:
		return c.destroyedErr()
	default:
	}
	select {
	case c.inboxCh <- cc:
		return nil
	default:
		err := zwiebel.NewProtocolViolationError("inbound cell overflow, peer is ignoring flow control")
		c.asyncDestroy(err, true, cell.DestroyProtocol)
		return err
	}
}

// NotifyChannelClosed tears the circuit down after its channel died.  No
// DESTROY can be delivered; stream waiters get the Closed kind.
func (c *Circuit) NotifyChannelClosed(err error) {
	cause := zwiebel.NewClosedError("channel closed")
	if err != nil {
		cause = zwiebel.NewClosedError("channel closed: %v", err)
	}
	c.asyncDestroy(cause, false, cell.DestroyChannelClosed)
}

// Close tears the circuit down, delivering a DESTROY with reason REQUESTED
// outward, and waits for the reactor to finish.  It is idempotent.
func (c *Circuit) Close() error {
	c.asyncDestroy(zwiebel.NewClosedError("circuit closed locally"), true, cell.DestroyRequested)
	c.Wait()
	return nil
}

// CreateFast establishes the first hop with the CREATE_FAST handshake,
// which derives keys without authenticating the hop and is only
// appropriate when the link transport already did.
func (c *Circuit) CreateFast(ctx context.Context) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	op := &createCtx{
		fast:   true,
		doneFn: func(err error) { errCh <- err },
	}
	return c.awaitErr(ctx, "CreateFast", op, errCh)
}

// Create establishes the first hop with the ntor handshake, bound to the
// relay's identity and onion key from desc.
func (c *Circuit) Create(ctx context.Context, desc *relay.Descriptor) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	op := &createCtx{
		desc:   desc,
		doneFn: func(err error) { errCh <- err },
	}
	return c.awaitErr(ctx, "Create", op, errCh)
}

// Extend asks the current last hop to extend the circuit to the relay
// described by desc, running the ntor handshake end to end through an
// EXTEND2/EXTENDED2 exchange.  Any failure after the request is on the
// wire destroys the circuit: a partially extended circuit is never left
// usable.
func (c *Circuit) Extend(ctx context.Context, desc *relay.Descriptor) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	op := &extendCtx{
		desc:   desc,
		doneFn: func(err error) { errCh <- err },
	}
	return c.awaitErr(ctx, "Extend", op, errCh)
}

// Begin opens a stream to target, which must be "host:port", through the
// circuit's last hop.  It returns once the peer answers with CONNECTED.
func (c *Circuit) Begin(ctx context.Context, target string) (*Stream, error) {
	return c.begin(ctx, "Begin", target, false)
}

// BeginDir opens a stream to the last hop's directory service.
func (c *Circuit) BeginDir(ctx context.Context) (*Stream, error) {
	return c.begin(ctx, "BeginDir", "", true)
}

func (c *Circuit) begin(ctx context.Context, name, target string, dir bool) (*Stream, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	type beginResult struct {
		s   *Stream
		err error
	}
	resCh := make(chan *beginResult, 1)
	op := &beginCtx{
		target: target,
		dir:    dir,
		doneFn: func(s *Stream, err error) {
			resCh <- &beginResult{s: s, err: err}
		},
	}
	select {
	case c.opCh <- op:
	case <-ctx.Done():
		return nil, c.opExpired(name, ctx.Err())
	case <-c.deadCh:
		return nil, c.destroyedErr()
	}
	select {
	case res := <-resCh:
		return res.s, res.err
	case <-ctx.Done():
		return nil, c.opExpired(name, ctx.Err())
	case <-c.deadCh:
		select {
		case res := <-resCh:
			return res.s, res.err
		default:
		}
		return nil, c.destroyedErr()
	}
}

// Resolve asks the last hop to resolve name, returning the A/AAAA answers.
// Error-typed answers from the resolver surface as errors.
func (c *Circuit) Resolve(ctx context.Context, name string) ([]net.IP, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	type resolveResult struct {
		ips []net.IP
		err error
	}
	resCh := make(chan *resolveResult, 1)
	op := &resolveCtx{
		name: name,
		doneFn: func(ips []net.IP, err error) {
			resCh <- &resolveResult{ips: ips, err: err}
		},
	}
	select {
	case c.opCh <- op:
	case <-ctx.Done():
		return nil, c.opExpired("Resolve", ctx.Err())
	case <-c.deadCh:
		return nil, c.destroyedErr()
	}
	select {
	case res := <-resCh:
		return res.ips, res.err
	case <-ctx.Done():
		return nil, c.opExpired("Resolve", ctx.Err())
	case <-c.deadCh:
		select {
		case res := <-resCh:
			return res.ips, res.err
		default:
		}
		return nil, c.destroyedErr()
	}
}

// opContext applies the configured default deadline to contexts that have
// none.
func (c *Circuit) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.DefaultTimeout)
}

// awaitErr submits op and waits for its completion, the context's expiry,
// or circuit teardown, whichever is first.
func (c *Circuit) awaitErr(ctx context.Context, name string, op interface{}, errCh chan error) error {
	select {
	case c.opCh <- op:
	case <-ctx.Done():
		return c.opExpired(name, ctx.Err())
	case <-c.deadCh:
		return c.destroyedErr()
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return c.opExpired(name, ctx.Err())
	case <-c.deadCh:
		select {
		case err := <-errCh:
			return err
		default:
		}
		return c.destroyedErr()
	}
}

// opExpired destroys the circuit after an operation deadline expired; a
// circuit with a wedged or abandoned operation is not safe to keep using.
func (c *Circuit) opExpired(name string, ctxErr error) error {
	err := zwiebel.NewTimeoutError("%s: %v", name, ctxErr)
	c.asyncDestroy(err, true, cell.DestroyTimeout)
	return err
}

// asyncDestroy asks the reactor to tear the circuit down.  Only the first
// request wins; the rest are no-ops.
func (c *Circuit) asyncDestroy(err error, deliverDestroy bool, reason cell.DestroyReason) {
	c.destroyOnce.Do(func() {
		c.destroyCh <- &destroyCtx{
			err:            err,
			deliverDestroy: deliverDestroy,
			reason:         reason,
		}
	})
}

// destroyedErr returns the teardown cause.  Valid only after deadCh is
// closed, which orders the load after the reactor's final store.
func (c *Circuit) destroyedErr() error {
	if err := c.destroyCause; err != nil {
		return err
	}
	return zwiebel.NewClosedError("circuit destroyed")
}

// Reactor op messages, one per public operation.

type createCtx struct {
	fast   bool
	desc   *relay.Descriptor
	doneFn func(error)
}

type extendCtx struct {
	desc   *relay.Descriptor
	doneFn func(error)
}

type beginCtx struct {
	target string
	dir    bool
	doneFn func(*Stream, error)
}

type resolveCtx struct {
	name   string
	doneFn func([]net.IP, error)
}

type writeCtx struct {
	id     cell.StreamID
	data   []byte
	sent   int
	doneFn func(int, error)
}

type streamCloseCtx struct {
	id     cell.StreamID
	read   bool
	write  bool
	doneFn func(error)
}

type consumedCtx struct {
	id cell.StreamID
}

type hopsCtx struct {
	doneFn func(int)
}

type destroyCtx struct {
	err            error
	deliverDestroy bool
	reason         cell.DestroyReason
}

// handshakeCtx is the single in-flight CREATE or EXTEND handshake.
type handshakeCtx struct {
	fast   *handshake.Fast
	ntor   *handshake.NtorClient
	extend bool
	// hop is the relay's nickname, kept for diagnostics only.
	hop    string
	doneFn func(error)
}
