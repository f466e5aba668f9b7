package rdt

import (
	"context"
	"net"

	"github.com/datawire/dlib/dlog"

	"github.com/gortc/rdt/pkg/rdtconn"
	"github.com/gortc/rdt/pkg/rdtpkt"
)

// demux is the single long-lived task per Socket that reads datagrams off
// the transport and routes them to the owning connection, per spec.md
// §4.2. It never blocks on connection processing: routing is a single
// non-blocking channel send.
func (s *Socket) demux(ctx context.Context) error {
	buf := make([]byte, rdtpkt.HeaderLen+rdtpkt.MaxPayload)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, addr, err := s.transport.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			dlog.Errorf(ctx, "demux: read failed: %v", err)
			return err
		}
		pkt, err := rdtpkt.Decode(buf[:n])
		if err != nil {
			dlog.Debugf(ctx, "demux: dropping malformed datagram from %s: %v", addr, err)
			continue
		}
		if s.server {
			s.routeServer(ctx, addr, pkt)
		} else {
			s.routeClient(ctx, addr, pkt)
		}
	}
}

func (s *Socket) routeServer(ctx context.Context, addr net.Addr, pkt rdtpkt.Packet) {
	key := addr.String()

	s.mu.Lock()
	conn, ok := s.conns[key]
	if !ok {
		conn = &Conn{state: rdtconn.New(addr), socket: s}
		s.conns[key] = conn
		s.mu.Unlock()
		dlog.Debugf(ctx, "demux: new connection from %s (%s)", addr, pkt)
		select {
		case s.pending <- conn:
			s.startEngine(ctx, conn)
		case <-ctx.Done():
			return
		default:
			// Accept backlog full; drop the new connection the same way an
			// overloaded listen socket would drop a SYN.
			dlog.Errorf(ctx, "demux: accept backlog full, dropping connection from %s", addr)
			s.mu.Lock()
			delete(s.conns, key)
			s.mu.Unlock()
			return
		}
	} else {
		s.mu.Unlock()
	}

	select {
	case conn.state.RecvRaw <- pkt:
	default:
		dlog.Debugf(ctx, "demux: recv_raw full for %s, dropping %s", addr, pkt)
	}
}

func (s *Socket) routeClient(ctx context.Context, addr net.Addr, pkt rdtpkt.Packet) {
	s.mu.Lock()
	conn := s.clientConn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if addr.String() != conn.state.Peer.String() {
		dlog.Debugf(ctx, "demux: dropping datagram from unknown peer %s", addr)
		return
	}
	select {
	case conn.state.RecvRaw <- pkt:
	default:
		dlog.Debugf(ctx, "demux: recv_raw full, dropping %s", pkt)
	}
}
