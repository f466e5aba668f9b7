// Package rdt is the connection-oriented byte-stream transport described
// by spec.md: a Socket demultiplexes inbound UDP datagrams to per-peer
// Conns, each driven by its own reliability engine goroutine. The
// goroutine layout -- one demultiplexer task plus one task per live
// connection, supervised together -- mirrors the teacher's
// connpool.Pool/dialer split, adapted from gRPC-tunneled handlers to a
// socket demultiplexing raw UDP.
package rdt

import (
	"context"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/gortc/rdt/pkg/rdtconn"
	"github.com/gortc/rdt/pkg/rdterrors"
)

// acceptBacklog bounds how many fully-demultiplexed but not-yet-Accept-ed
// server connections a Socket will hold before it starts dropping new
// peers' SYNs, the UDP analogue of a listen backlog.
const acceptBacklog = 16

// Socket is one UDP transport shared by a demultiplexer task and the
// engine tasks of every connection currently routed through it. A Socket
// is either a server (spec.md's Listen side, fanning out to many peers)
// or a client (spec.md's Dial side, pinned to exactly one peer).
type Socket struct {
	transport net.PacketConn
	server    bool

	mu         sync.Mutex
	conns      map[string]*Conn // server mode only, keyed by peer addr; holds every live connection, accepted or not
	clientConn *Conn            // client mode only

	pending chan *Conn // server mode: demuxed connections awaiting Accept

	group    *dgroup.Group
	engineWG sync.WaitGroup // tracks live per-connection engines, so Close can wait for teardown before tearing down the transport
	cancel   context.CancelFunc
}

// Listen opens a server Socket bound to laddr. Inbound SYNs from distinct
// peers each get their own connection, enforced by the one-connection-
// per-peer invariant in spec.md §4.2.
func Listen(ctx context.Context, laddr string) (*Socket, error) {
	pc, err := net.ListenPacket("udp", laddr)
	if err != nil {
		return nil, errors.Wrapf(rdterrors.ErrTransportFailure, "listen %s: %v", laddr, err)
	}
	return NewServer(ctx, pc)
}

// NewServer wraps an already-bound transport as a server Socket. Factored
// out of Listen so tests can drive the protocol over an in-memory
// net.PacketConn (see pkg/rdttest) instead of a real UDP socket.
func NewServer(ctx context.Context, transport net.PacketConn) (*Socket, error) {
	sCtx, cancel := context.WithCancel(ctx)
	s := &Socket{
		transport: transport,
		server:    true,
		conns:     make(map[string]*Conn),
		pending:   make(chan *Conn, acceptBacklog),
		cancel:    cancel,
	}
	s.group = dgroup.NewGroup(sCtx, dgroup.GroupConfig{})
	s.group.Go("demux", s.demux)
	dlog.Infof(ctx, "rdt: listening on %s", transport.LocalAddr())
	return s, nil
}

// Dial performs the three-way handshake against raddr and blocks until the
// connection reaches ESTABLISHED, per spec.md §8's definition of Dial as a
// blocking, synchronous operation.
func Dial(ctx context.Context, laddr, raddr string) (*Conn, error) {
	pc, err := net.ListenPacket("udp", laddr)
	if err != nil {
		return nil, errors.Wrapf(rdterrors.ErrTransportFailure, "dial local bind %s: %v", laddr, err)
	}
	peer, err := net.ResolveUDPAddr("udp", raddr)
	if err != nil {
		pc.Close()
		return nil, errors.Wrapf(rdterrors.ErrTransportFailure, "resolve %s: %v", raddr, err)
	}
	return NewClient(ctx, pc, peer)
}

// NewClient wraps an already-bound transport as a client Socket and drives
// the handshake against peer, blocking until ESTABLISHED. Factored out of
// Dial for the same reason as NewServer.
func NewClient(ctx context.Context, transport net.PacketConn, peer net.Addr) (*Conn, error) {
	sCtx, cancel := context.WithCancel(ctx)
	s := &Socket{
		transport: transport,
		server:    false,
		cancel:    cancel,
	}
	s.group = dgroup.NewGroup(sCtx, dgroup.GroupConfig{})

	st := rdtconn.New(peer)
	conn := &Conn{state: st, socket: s}
	s.mu.Lock()
	s.clientConn = conn
	s.mu.Unlock()

	s.group.Go("demux", s.demux)
	s.startEngine(sCtx, conn)

	if err := conn.awaitEstablished(ctx); err != nil {
		conn.Close(ctx)
		return nil, err
	}
	dlog.Infof(ctx, "rdt: established %s -> %s", transport.LocalAddr(), peer)
	return conn, nil
}

// Accept blocks on the pending-accept FIFO and returns as soon as a peer's
// connection has been demultiplexed, per spec.md §4.4. The returned
// connection may still be in SYN_RCVD -- Recv blocks until the handshake
// reaches ESTABLISHED and data arrives; Send fails with ErrIllegalState
// until then.
func (s *Socket) Accept(ctx context.Context) (*Conn, error) {
	if !s.server {
		return nil, errors.Wrap(rdterrors.ErrIllegalState, "Accept called on a client socket")
	}
	select {
	case conn, ok := <-s.pending:
		if !ok {
			return nil, rdterrors.ErrClosed
		}
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// startEngine launches the per-connection reliability engine and wires its
// return value back through dgroup's supervised error reporting, the same
// shape the teacher gives each dialer's read/write loops.
func (s *Socket) startEngine(ctx context.Context, conn *Conn) {
	active := !s.server
	name := "engine-" + conn.state.Session
	s.engineWG.Add(1)
	s.group.Go(name, func(ctx context.Context) error {
		defer s.engineWG.Done()
		return s.runEngine(ctx, conn, active)
	})
}

// release removes a connection from the server's routing table once its
// engine has wound down to CLOSED, the same responsibility connpool.Pool's
// release closures carry for its handlers.
func (s *Socket) release(conn *Conn) {
	if !s.server {
		return
	}
	s.mu.Lock()
	delete(s.conns, conn.state.Peer.String())
	s.mu.Unlock()
}

// Close iterates every live connection -- accepted or still sitting in the
// accept backlog -- and closes each, the same shape as connpool.Pool.
// CloseAll's iteration over its handlers. Per spec.md §4.4/§5, Close itself
// is best-effort: it schedules every connection's teardown and returns
// before TIME_WAIT/LAST_ACK resolve. The transport is only torn down once
// every engine has actually wound down to CLOSED, handled by a background
// goroutine so the caller isn't made to wait for it.
func (s *Socket) Close(ctx context.Context) error {
	s.mu.Lock()
	var conns []*Conn
	if s.server {
		conns = make([]*Conn, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
	} else if s.clientConn != nil {
		conns = []*Conn{s.clientConn}
	}
	s.mu.Unlock()

	var result *multierror.Error
	for _, c := range conns {
		if err := c.Close(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}

	go func() {
		s.engineWG.Wait()
		s.cancel()
		if err := s.group.Wait(); err != nil {
			dlog.Errorf(context.Background(), "rdt: socket teardown: %v", err)
		}
		if err := s.transport.Close(); err != nil {
			dlog.Errorf(context.Background(), "rdt: transport close: %v", err)
		}
	}()

	return result.ErrorOrNil()
}
