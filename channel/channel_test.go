// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/zwiebel"
	"github.com/katzenpost/zwiebel/cell"
	"github.com/katzenpost/zwiebel/circuit"
	"github.com/katzenpost/zwiebel/handshake"
	"github.com/katzenpost/zwiebel/relay"
	"github.com/katzenpost/zwiebel/relaycrypto"
)

// testRelay speaks the responder half of the link protocol over the far
// end of an in-memory pipe.
type testRelay struct {
	t         *testing.T
	conn      net.Conn
	cellCh    chan *cell.Cell
	readErrCh chan error
}

func newTestRelay(t *testing.T, conn net.Conn) *testRelay {
	return &testRelay{
		t:         t,
		conn:      conn,
		cellCh:    make(chan *cell.Cell, 256),
		readErrCh: make(chan error, 1),
	}
}

// respondHandshake reads the client's VERSIONS, answers with ours, plays
// the given cell sequence, and consumes the client's NETINFO.
func (r *testRelay) respondHandshake(versions []uint16, cells []*cell.Cell) error {
	if _, err := cell.ReadVersions(r.conn); err != nil {
		return err
	}
	if err := cell.WriteVersions(r.conn, versions); err != nil {
		return err
	}
	for _, cc := range cells {
		if _, err := r.conn.Write(cc.ToBytes()); err != nil {
			return err
		}
	}
	cc, err := cell.ReadCell(r.conn)
	if err != nil {
		return err
	}
	if cc.Command != cell.Netinfo {
		return fmt.Errorf("expected the client NETINFO, got %v", cc.Command)
	}
	if _, err = cell.DecodeNetinfo(cc.Payload); err != nil {
		return err
	}
	return nil
}

// start launches the post-handshake reader.
func (r *testRelay) start() {
	go func() {
		for {
			cc, err := cell.ReadCell(r.conn)
			if err != nil {
				r.readErrCh <- err
				return
			}
			r.cellCh <- cc
		}
	}()
}

func (r *testRelay) write(cc *cell.Cell) {
	r.t.Helper()
	require.NoError(r.t, r.conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	_, err := r.conn.Write(cc.ToBytes())
	require.NoError(r.t, err, "relay write")
}

func (r *testRelay) recvCell() *cell.Cell {
	r.t.Helper()
	select {
	case cc := <-r.cellCh:
		return cc
	case <-time.After(5 * time.Second):
		r.t.Fatal("timed out waiting for a cell from the client")
		return nil
	}
}

func (r *testRelay) expectNoCell() {
	r.t.Helper()
	select {
	case cc := <-r.cellCh:
		r.t.Fatalf("unexpected %v cell from the client", cc.Command)
	case <-time.After(100 * time.Millisecond):
	}
}

func (r *testRelay) expectDisconnect() {
	r.t.Helper()
	select {
	case <-r.readErrCh:
	case <-time.After(5 * time.Second):
		r.t.Fatal("timed out waiting for the link to drop")
	}
}

func certsCell() *cell.Cell {
	// Two opaque certificates; only the framing is inspected.
	return cell.NewVar(0, cell.Certs, []byte{2, 1, 0, 3, 0xAA, 0xBB, 0xCC, 4, 0, 1, 0x55})
}

func authChallengeCell() *cell.Cell {
	payload := make([]byte, 36)
	payload[33] = 1
	payload[35] = 3
	return cell.NewVar(0, cell.AuthChallenge, payload)
}

func netinfoCell() *cell.Cell {
	ni := &cell.NetinfoPayload{
		Time:      uint32(time.Now().Unix()),
		OtherAddr: net.ParseIP("192.0.2.99"),
	}
	cc := cell.NewFixed(0, cell.Netinfo)
	copy(cc.Payload, ni.Encode())
	return cc
}

func linkHandshakeCells(withPadding bool) []*cell.Cell {
	if !withPadding {
		return []*cell.Cell{certsCell(), authChallengeCell(), netinfoCell()}
	}
	return []*cell.Cell{
		cell.NewVar(0, cell.VPadding, make([]byte, 17)),
		certsCell(),
		cell.NewFixed(0, cell.Padding),
		authChallengeCell(),
		netinfoCell(),
	}
}

func newTestChannel(t *testing.T) (*Channel, *testRelay, chan error) {
	return newTestChannelVersions(t, []uint16{3, 4, 5}, linkHandshakeCells(true))
}

func newTestChannelVersions(t *testing.T, versions []uint16, hsCells []*cell.Cell) (*Channel, *testRelay, chan error) {
	t.Helper()
	cConn, rConn := net.Pipe()
	r := newTestRelay(t, rConn)
	hsErrCh := make(chan error, 1)
	go func() { hsErrCh <- r.respondHandshake(versions, hsCells) }()

	closedCh := make(chan error, 1)
	c, err := New(context.Background(), cConn, &Config{
		HandshakeTimeout: 5 * time.Second,
		OnClosedFn:       func(err error) { closedCh <- err },
	})
	require.NoError(t, err, "New")
	require.NoError(t, await(t, hsErrCh), "relay side of the handshake")
	r.start()
	t.Cleanup(func() {
		c.Close()
		rConn.Close()
	})
	return c, r, closedCh
}

// expectHandshakeFailure runs New against a relay playing the given cell
// sequence and returns New's error.
func expectHandshakeFailure(t *testing.T, versions []uint16, hsCells []*cell.Cell) error {
	t.Helper()
	cConn, rConn := net.Pipe()
	t.Cleanup(func() { rConn.Close() })
	r := newTestRelay(t, rConn)
	go func() { _ = r.respondHandshake(versions, hsCells) }()

	_, err := New(context.Background(), cConn, &Config{HandshakeTimeout: 5 * time.Second})
	require.Error(t, err, "the handshake should have failed")
	return err
}

func await(t *testing.T, errCh chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an operation to finish")
		return nil
	}
}

func awaitClosed(t *testing.T, closedCh chan error) error {
	t.Helper()
	select {
	case err := <-closedCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the channel to close")
		return nil
	}
}

// testHop is one in-process relay identity.
type testHop struct {
	server *handshake.NtorServer
	desc   *relay.Descriptor
}

func newTestHop(t *testing.T, nickname, addr string) *testHop {
	var id relay.Fingerprint
	_, err := io.ReadFull(rand.Reader, id[:])
	require.NoError(t, err, "read identity")

	onionPriv, err := x25519.NewKeypair(rand.Reader)
	require.NoError(t, err, "NewKeypair")
	server, err := handshake.NewNtorServer(id[:], onionPriv)
	require.NoError(t, err, "NewNtorServer")

	return &testHop{
		server: server,
		desc: &relay.Descriptor{
			Nickname:     nickname,
			IdentityKey:  id,
			NtorOnionKey: server.PublicKey(),
			Addresses:    []string{addr},
		},
	}
}

// mirrorKeys swaps the directional halves of the shared key material so a
// client-side layer can play the relay's end of the hop crypto.
func mirrorKeys(k *relaycrypto.KeyMaterial) *relaycrypto.KeyMaterial {
	m := new(relaycrypto.KeyMaterial)
	m.KH = k.KH
	m.Df, m.Db = k.Db, k.Df
	m.Kf, m.Kb = k.Kb, k.Kf
	return m
}

// wireCirc is the relay-side view of one circuit on the test link.
type wireCirc struct {
	t      *testing.T
	r      *testRelay
	id     cell.CircID
	mirror *relaycrypto.Stack
}

func (wc *wireCirc) appendMirror(keys *relaycrypto.KeyMaterial) {
	wc.t.Helper()
	layer, err := relaycrypto.NewLayer(mirrorKeys(keys))
	require.NoError(wc.t, err, "NewLayer")
	wc.mirror.Append(layer)
}

func (wc *wireCirc) recvCell() *cell.Cell {
	wc.t.Helper()
	cc := wc.r.recvCell()
	require.Equal(wc.t, wc.id, cc.ID, "cell circuit ID")
	return cc
}

// recvRelay takes one RELAY cell off the link and peels it with the relay
// chain's keys, returning the hop that recognized it.
func (wc *wireCirc) recvRelay() (int, *cell.RelayMessage) {
	wc.t.Helper()
	cc := wc.recvCell()
	require.Equal(wc.t, cell.Relay, cc.Command, "cell command")
	body := cc.RelayBody()
	hop, _, err := wc.mirror.Decrypt(body)
	require.NoError(wc.t, err, "peel relay cell")
	rr, err := cell.ParseRelay(body)
	require.NoError(wc.t, err, "ParseRelay")
	return hop, rr
}

// replyRelay injects a relay cell originated by the given hop.
func (wc *wireCirc) replyRelay(hop int, cmd cell.RelayCommand, sid cell.StreamID, data []byte) {
	wc.t.Helper()
	body, err := cell.BuildRelay(cmd, sid, data)
	require.NoError(wc.t, err, "BuildRelay")
	_, err = wc.mirror.OriginateAt(hop, body)
	require.NoError(wc.t, err, "OriginateAt")
	cc := cell.NewFixed(wc.id, cell.Relay)
	copy(cc.Payload, body[:])
	wc.r.write(cc)
}

// respondCreateFast consumes a CREATE_FAST and answers it.
func (r *testRelay) respondCreateFast() *wireCirc {
	r.t.Helper()
	cc := r.recvCell()
	require.Equal(r.t, cell.CreateFast, cc.Command, "first cell out")
	require.NotZero(r.t, uint32(cc.ID)&circIDMSB, "client allocated IDs carry the MSB")

	reply, keys, err := handshake.RespondFast(cc.Payload[:handshake.FastPayloadLen])
	require.NoError(r.t, err, "RespondFast")
	rc := cell.NewFixed(cc.ID, cell.CreatedFast)
	copy(rc.Payload, reply)
	r.write(rc)

	wc := &wireCirc{t: r.t, r: r, id: cc.ID, mirror: relaycrypto.NewStack()}
	wc.appendMirror(keys)
	return wc
}

// respondCreate2 consumes a CREATE2 and answers it as hop h.
func (r *testRelay) respondCreate2(h *testHop) *wireCirc {
	r.t.Helper()
	cc := r.recvCell()
	require.Equal(r.t, cell.Create2, cc.Command, "first cell out")
	require.NotZero(r.t, uint32(cc.ID)&circIDMSB, "client allocated IDs carry the MSB")

	htype, hdata, err := cell.ParseCreate2(cc.Payload)
	require.NoError(r.t, err, "ParseCreate2")
	require.Equal(r.t, cell.HandshakeTypeNtor, htype, "handshake type")
	reply, keys, err := h.server.Respond(hdata)
	require.NoError(r.t, err, "Respond")
	rc := cell.NewFixed(cc.ID, cell.Created2)
	copy(rc.Payload, cell.EncodeHandshakeReply(reply))
	r.write(rc)

	wc := &wireCirc{t: r.t, r: r, id: cc.ID, mirror: relaycrypto.NewStack()}
	wc.appendMirror(keys)
	return wc
}

type circResult struct {
	c   *circuit.Circuit
	err error
}

func awaitCirc(t *testing.T, resCh chan circResult) (*circuit.Circuit, error) {
	t.Helper()
	select {
	case res := <-resCh:
		return res.c, res.err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a circuit to open")
		return nil, nil
	}
}

func openFastCircuit(t *testing.T, ch *Channel, r *testRelay) (*circuit.Circuit, *wireCirc) {
	t.Helper()
	resCh := make(chan circResult, 1)
	go func() {
		c, err := ch.OpenCircuitFast(context.Background())
		resCh <- circResult{c: c, err: err}
	}()
	wc := r.respondCreateFast()
	circ, err := awaitCirc(t, resCh)
	require.NoError(t, err, "OpenCircuitFast")
	require.Equal(t, wc.id, circ.ID(), "circuit ID")
	t.Cleanup(circ.Halt)
	return circ, wc
}

func openNtorCircuit(t *testing.T, ch *Channel, r *testRelay, h *testHop) (*circuit.Circuit, *wireCirc) {
	t.Helper()
	resCh := make(chan circResult, 1)
	go func() {
		c, err := ch.OpenCircuit(context.Background(), h.desc)
		resCh <- circResult{c: c, err: err}
	}()
	wc := r.respondCreate2(h)
	circ, err := awaitCirc(t, resCh)
	require.NoError(t, err, "OpenCircuit")
	require.Equal(t, wc.id, circ.ID(), "circuit ID")
	t.Cleanup(circ.Halt)
	return circ, wc
}

// extend drives one EXTEND2/EXTENDED2 exchange adding hop h.
func (wc *wireCirc) extend(circ *circuit.Circuit, h *testHop) {
	wc.t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- circ.Extend(context.Background(), h.desc) }()

	cc := wc.recvCell()
	require.Equal(wc.t, cell.RelayEarly, cc.Command, "EXTEND2 rides RELAY_EARLY")
	body := cc.RelayBody()
	oldLast := wc.mirror.Len() - 1
	hop, _, err := wc.mirror.Decrypt(body)
	require.NoError(wc.t, err, "peel EXTEND2")
	require.Equal(wc.t, oldLast, hop, "EXTEND2 is addressed to the last hop")

	rr, err := cell.ParseRelay(body)
	require.NoError(wc.t, err, "ParseRelay")
	require.Equal(wc.t, cell.RelayExtend2, rr.Command, "relay command")

	_, htype, hdata, err := cell.ParseExtend2(rr.Data)
	require.NoError(wc.t, err, "ParseExtend2")
	require.Equal(wc.t, cell.HandshakeTypeNtor, htype, "handshake type")
	reply, keys, err := h.server.Respond(hdata)
	require.NoError(wc.t, err, "Respond")

	wc.replyRelay(oldLast, cell.RelayExtended2, 0, cell.EncodeHandshakeReply(reply))
	wc.appendMirror(keys)
	require.NoError(wc.t, await(wc.t, errCh), "Extend")
}

type beginResult struct {
	s   *circuit.Stream
	err error
}

func goBegin(circ *circuit.Circuit, target string) chan beginResult {
	resCh := make(chan beginResult, 1)
	go func() {
		s, err := circ.Begin(context.Background(), target)
		resCh <- beginResult{s: s, err: err}
	}()
	return resCh
}

func awaitBegin(t *testing.T, resCh chan beginResult) (*circuit.Stream, error) {
	t.Helper()
	select {
	case res := <-resCh:
		return res.s, res.err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Begin to finish")
		return nil, nil
	}
}

// openStream drives a Begin through to CONNECTED against the last hop.
func (wc *wireCirc) openStream(circ *circuit.Circuit, target string) *circuit.Stream {
	wc.t.Helper()
	resCh := goBegin(circ, target)

	hop, rr := wc.recvRelay()
	require.Equal(wc.t, wc.mirror.Len()-1, hop, "BEGIN is addressed to the last hop")
	require.Equal(wc.t, cell.RelayBegin, rr.Command, "relay command")
	gotTarget, _, err := cell.ParseBegin(rr.Data)
	require.NoError(wc.t, err, "ParseBegin")
	require.Equal(wc.t, target, gotTarget, "BEGIN target")

	wc.replyRelay(hop, cell.RelayConnected, rr.StreamID, nil)
	s, err := awaitBegin(wc.t, resCh)
	require.NoError(wc.t, err, "Begin")
	return s
}

func TestHandshakeAndClose(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ch, r, closedCh := newTestChannel(t)

	require.Equal(uint16(5), ch.LinkVersion(), "negotiated version")
	require.Equal(StateOpen, ch.State(), "state after the handshake")

	require.NoError(ch.Close(), "Close")
	err := awaitClosed(t, closedCh)
	require.True(zwiebel.IsClosed(err), "close cause: %v", err)
	require.Equal(StateClosed, ch.State(), "state after Close")
	r.expectDisconnect()
	require.NoError(ch.Close(), "Close is idempotent")

	require.True(zwiebel.IsClosed(ch.SendCell(cell.NewFixed(1, cell.Padding))), "SendCell after close")
	_, err = ch.OpenCircuitFast(context.Background())
	require.True(zwiebel.IsClosed(err), "OpenCircuitFast after close: %v", err)
}

func TestLinkVersionFallback(t *testing.T) {
	t.Parallel()
	ch, _, _ := newTestChannelVersions(t, []uint16{3, 4}, linkHandshakeCells(false))
	require.Equal(t, uint16(4), ch.LinkVersion(), "negotiated version")
}

func TestHandshakeNoCommonVersion(t *testing.T) {
	t.Parallel()
	err := expectHandshakeFailure(t, []uint16{3}, linkHandshakeCells(false))
	require.True(t, zwiebel.IsHandshakeFailed(err), "error kind: %v", err)
}

func TestHandshakeOutOfOrder(t *testing.T) {
	t.Parallel()
	cells := []*cell.Cell{authChallengeCell(), certsCell(), netinfoCell()}
	err := expectHandshakeFailure(t, []uint16{4, 5}, cells)
	require.True(t, zwiebel.IsHandshakeFailed(err), "error kind: %v", err)
}

func TestHandshakeUnexpectedCell(t *testing.T) {
	t.Parallel()
	cells := []*cell.Cell{certsCell(), authChallengeCell(), cell.NewFixed(0, cell.Created2), netinfoCell()}
	err := expectHandshakeFailure(t, []uint16{4, 5}, cells)
	require.True(t, zwiebel.IsHandshakeFailed(err), "error kind: %v", err)
}

func TestOpenCircuitFast(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ch, r, _ := newTestChannel(t)

	circ1, wc1 := openFastCircuit(t, ch, r)
	require.Equal(circuit.StateOpen, circ1.State(), "first circuit state")

	circ2, wc2 := openFastCircuit(t, ch, r)
	require.NotEqual(wc1.id, wc2.id, "circuit IDs are unique")

	require.NoError(circ1.Close(), "Close")
	dc := r.recvCell()
	require.Equal(cell.Destroy, dc.Command, "local close delivers DESTROY")
	require.Equal(wc1.id, dc.ID, "DESTROY circuit ID")
	require.Equal(cell.DestroyRequested, cell.ParseDestroy(dc.Payload), "DESTROY reason")

	require.Equal(circuit.StateOpen, circ2.State(), "sibling circuit unaffected")
	require.Equal(StateOpen, ch.State(), "channel unaffected")
}

func TestUnknownCircuitTearsDown(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ch, r, closedCh := newTestChannel(t)
	circ, wc := openFastCircuit(t, ch, r)

	// A circuit-bearing cell for an ID this channel never allocated.
	r.write(cell.NewFixed(cell.CircID(0x41414141), cell.Relay))

	err := awaitClosed(t, closedCh)
	require.True(zwiebel.IsProtocolViolation(err), "close cause: %v", err)
	require.Equal(StateClosed, ch.State(), "state after the violation")
	r.expectDisconnect()

	_, err = circ.Begin(context.Background(), "example.com:80")
	require.True(zwiebel.IsClosed(err), "circuit op after channel death: %v", err)
	err = ch.SendCell(cell.NewFixed(wc.id, cell.Relay))
	require.True(zwiebel.IsClosed(err), "SendCell after channel death: %v", err)
}

func TestStaleCellDropped(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ch, r, closedCh := newTestChannel(t)

	circ, wc := openFastCircuit(t, ch, r)
	require.NoError(circ.Close(), "Close")
	dc := r.recvCell()
	require.Equal(cell.Destroy, dc.Command, "local close delivers DESTROY")
	require.Equal(wc.id, dc.ID, "DESTROY circuit ID")

	// An in-flight cell for the retired ID is dropped, not treated as a
	// violation.
	r.write(cell.NewFixed(wc.id, cell.Relay))

	circ2, wc2 := openFastCircuit(t, ch, r)
	require.Equal(StateOpen, ch.State(), "channel survives the stale cell")
	require.NotEqual(wc.id, wc2.id, "retired IDs are never reused")
	require.Equal(circuit.StateOpen, circ2.State(), "new circuit state")

	select {
	case err := <-closedCh:
		t.Fatalf("channel closed unexpectedly: %v", err)
	default:
	}
}

func TestSiblingCircuitIsolation(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ch, r, _ := newTestChannel(t)

	circA, wcA := openFastCircuit(t, ch, r)
	circB, wcB := openFastCircuit(t, ch, r)

	// Kill A mid-operation with a peer DESTROY.
	resCh := goBegin(circA, "example.com:80")
	_, rr := wcA.recvRelay()
	require.Equal(cell.RelayBegin, rr.Command, "relay command")
	r.write(cell.NewDestroyCell(wcA.id, cell.DestroyResourceLimit))

	s, err := awaitBegin(t, resCh)
	require.Nil(s, "no stream on a destroyed circuit")
	require.True(zwiebel.IsClosed(err), "Begin after DESTROY: %v", err)
	r.expectNoCell()

	// B is untouched and fully usable.
	sb := wcB.openStream(circB, "example.org:443")
	require.NotNil(sb, "stream on the sibling")
	require.Equal(circuit.StateOpen, circB.State(), "sibling circuit state")
	require.Equal(StateOpen, ch.State(), "channel state")
}

func TestPeerDisconnect(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ch, r, closedCh := newTestChannel(t)
	circ, _ := openFastCircuit(t, ch, r)

	require.NoError(r.conn.Close(), "close the relay end")
	err := awaitClosed(t, closedCh)
	require.True(zwiebel.IsClosed(err), "close cause: %v", err)
	require.Equal(StateClosed, ch.State(), "state after the disconnect")

	_, err = circ.Begin(context.Background(), "example.com:80")
	require.True(zwiebel.IsClosed(err), "circuit op after the disconnect: %v", err)
}

func TestThreeHopStreamEcho(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ch, r, _ := newTestChannel(t)

	guard := newTestHop(t, "guard", "192.0.2.1:9001")
	middle := newTestHop(t, "middle", "192.0.2.2:9001")
	exit := newTestHop(t, "exit", "192.0.2.3:9001")

	circ, wc := openNtorCircuit(t, ch, r, guard)
	wc.extend(circ, middle)
	wc.extend(circ, exit)
	require.Equal(3, circ.Hops(), "hop count")

	s := wc.openStream(circ, "example.com:80")

	request := []byte("GET / HTTP/1.0\r\n\r\n")
	n, err := s.Write(request)
	require.NoError(err, "Write")
	require.Equal(len(request), n, "bytes written")

	hop, rr := wc.recvRelay()
	require.Equal(2, hop, "DATA is addressed to the exit")
	require.Equal(cell.RelayData, rr.Command, "relay command")
	require.Equal(request, rr.Data, "request bytes after three onion layers")

	response := []byte("HTTP/1.0 200 OK\r\n\r\n")
	wc.replyRelay(hop, cell.RelayData, s.ID(), response)
	buf := make([]byte, 64)
	n, err = s.Read(buf)
	require.NoError(err, "Read")
	require.Equal(response, buf[:n], "response bytes")

	require.NoError(s.Close(), "Close stream")
	hop, rr = wc.recvRelay()
	require.Equal(2, hop, "END is addressed to the exit")
	require.Equal(cell.RelayEnd, rr.Command, "stream close sends END")

	require.NoError(circ.Close(), "Close circuit")
	dc := r.recvCell()
	require.Equal(cell.Destroy, dc.Command, "local close delivers DESTROY")
	require.Equal(wc.id, dc.ID, "DESTROY circuit ID")
	require.Equal(cell.DestroyRequested, cell.ParseDestroy(dc.Payload), "DESTROY reason")
	require.Equal(StateOpen, ch.State(), "channel outlives its circuits")
}
