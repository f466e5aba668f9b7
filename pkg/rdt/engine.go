package rdt

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/gortc/rdt/pkg/rdtconn"
	"github.com/gortc/rdt/pkg/rdterrors"
	"github.com/gortc/rdt/pkg/rdtpkt"
)

const (
	// RTO is the retransmission timeout: how long an unacked packet
	// waits before being resent. Not adaptive, per spec.md §5.
	RTO = time.Second

	// recvTick bounds how long Phase 3 blocks for an inbound packet, so
	// the retransmission sweep in Phase 1 always runs within this long
	// of any packet becoming due, per spec.md §5.
	recvTick = 500 * time.Millisecond

	// MaxRetransmits bounds per-packet retransmission attempts. The
	// spec leaves this as an open question (§9); this module caps it
	// rather than retrying forever and fails the connection instead.
	MaxRetransmits = 12

	// timeWaitDuration replaces the spec's tick-counter TIME_WAIT
	// heuristic (QUIET_TICKS*2) with a real timer of the same order of
	// magnitude, a redesign flagged as an open choice in spec.md §9.
	timeWaitDuration = 2 * RTO
)

// runEngine is the per-connection reliability engine: a three-phase loop
// (retransmission sweep, application send, inbound processing) executed
// once per tick, exactly as described in spec.md §4.3. It runs until the
// connection reaches CLOSED, at which point it releases the connection
// from its owning Socket and returns.
func (s *Socket) runEngine(ctx context.Context, conn *Conn, active bool) error {
	st := conn.state
	defer s.release(conn)

	if active {
		conn.sendSYN()
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		fsm, _ := st.Get()
		if fsm == rdtconn.Closed {
			return nil
		}

		conn.checkCloseWaitDrain()
		conn.checkTimeWaitExpiry()

		fsm, _ = st.Get()
		if fsm == rdtconn.Closed {
			return nil
		}

		if err := conn.retransmitSweep(ctx); err != nil {
			st.Fail(err)
			dlog.Errorf(ctx, "%s: %v", st.Peer, err)
			return nil
		}

		conn.applicationSend(ctx)

		conn.inboundTick(ctx)
	}
}

// sendSYN is the action the engine takes immediately upon starting as the
// active (client) side of a handshake: CLOSED -> SYN_SENT.
func (c *Conn) sendSYN() {
	st := c.state
	pkt := rdtpkt.New(st.Seq, st.Ack, rdtpkt.FlagSYN, nil)
	c.transmit(pkt)
	st.AddUnacked(pkt, time.Now())
	st.SetState(rdtconn.SynSent)
}

// retransmitSweep is Phase 1: drop cumulatively-acked entries, retransmit
// anything past RTO, and fail the connection if a single packet has been
// retransmitted MaxRetransmits times without being acked.
func (c *Conn) retransmitSweep(ctx context.Context) error {
	st := c.state
	now := time.Now()
	live := st.Unacked[:0]
	for _, u := range st.Unacked {
		if u.Packet.End() <= st.Seq {
			continue // cumulatively acked, drop
		}
		if now.Sub(u.SentAt) >= RTO {
			if u.Attempts >= MaxRetransmits {
				return errorsRetransmitExceeded(c.state, u.Packet)
			}
			dlog.Debugf(ctx, "%s: retransmit %s (attempt %d)", st.Peer, u.Packet, u.Attempts+1)
			c.transmit(u.Packet)
			u.SentAt = now
			u.Attempts++
		}
		live = append(live, u)
	}
	st.Unacked = live
	return nil
}

func errorsRetransmitExceeded(st *rdtconn.State, pkt rdtpkt.Packet) error {
	return rdterrors.ErrRetransmitExceeded
}

// applicationSend is Phase 2: the stop-and-wait discipline. At most one
// data packet is outstanding per direction, gated by QuietTicks of
// silence so a burst of retransmissions settles before new data goes out.
func (c *Conn) applicationSend(ctx context.Context) {
	st := c.state
	if len(st.RecvRaw) != 0 || len(st.Unacked) != 0 || st.QuietCount < rdtconn.QuietTicks {
		return
	}
	fsm, _ := st.Get()
	if fsm != rdtconn.Established {
		return
	}

	select {
	case item := <-st.SendApp:
		switch v := item.(type) {
		case rdtconn.FinMarker:
			pkt := rdtpkt.New(st.Seq, st.Ack, rdtpkt.FlagFIN, nil)
			c.transmit(pkt)
			st.AddUnacked(pkt, time.Now())
			seq := pkt.Seq
			st.FinSeq = &seq
			st.SetState(rdtconn.FinWait1)
			dlog.Debugf(ctx, "%s: sent FIN, ESTABLISHED -> FIN_WAIT_1", st.Peer)
		case []byte:
			pkt := rdtpkt.New(st.Seq, st.Ack, 0, v)
			c.transmit(pkt)
			st.AddUnacked(pkt, time.Now())
			dlog.Debugf(ctx, "%s: sent %s", st.Peer, pkt)
		}
	default:
	}
}

// inboundTick is Phase 3: block on RecvRaw for up to recvTick. A timeout
// just increments the quiet-tick counter; a packet is run through the
// ordered rules in applyPacket.
func (c *Conn) inboundTick(ctx context.Context) {
	st := c.state
	timer := time.NewTimer(recvTick)
	defer timer.Stop()
	select {
	case pkt := <-st.RecvRaw:
		st.QuietCount = 0
		c.applyPacket(ctx, pkt)
	case <-timer.C:
		st.QuietCount++
	case <-ctx.Done():
	}
}

// checkCloseWaitDrain fires the packet-less "drain complete" transition
// from spec.md's state table: once send_app and unacked empty out while
// in CLOSE_WAIT, send FIN+ACK and move to LAST_ACK.
func (c *Conn) checkCloseWaitDrain() {
	st := c.state
	fsm, _ := st.Get()
	if fsm != rdtconn.CloseWait {
		return
	}
	if len(st.SendApp) != 0 || len(st.Unacked) != 0 {
		return
	}
	pkt := rdtpkt.New(st.Seq, st.Ack, rdtpkt.FlagFIN|rdtpkt.FlagACK, nil)
	c.transmit(pkt)
	st.AddUnacked(pkt, time.Now())
	seq := pkt.Seq
	st.FinSeq = &seq
	st.SetState(rdtconn.LastAck)
}

// checkTimeWaitExpiry fires the packet-less "QUIET_TICKS*2 elapsed"
// transition, implemented as a real timer per the redesign in spec.md §9.
func (c *Conn) checkTimeWaitExpiry() {
	st := c.state
	fsm, _ := st.Get()
	if fsm != rdtconn.TimeWait {
		return
	}
	if !st.TimeWaitDead.IsZero() && time.Now().After(st.TimeWaitDead) {
		st.SetState(rdtconn.Closed)
	}
}

// transmit encodes and writes a single packet to the connection's peer.
func (c *Conn) transmit(pkt rdtpkt.Packet) {
	_, err := c.socket.transport.WriteTo(rdtpkt.Encode(pkt), c.state.Peer)
	if err != nil {
		dlog.Errorf(context.Background(), "%s: write failed: %v", c.state.Peer, err)
	}
}

func (c *Conn) sendPureAck() {
	st := c.state
	c.transmit(rdtpkt.New(st.Seq, st.Ack, rdtpkt.FlagACK, nil))
}
