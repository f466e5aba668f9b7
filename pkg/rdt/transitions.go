package rdt

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/gortc/rdt/pkg/rdtconn"
	"github.com/gortc/rdt/pkg/rdtpkt"
)

// applyPacket runs one inbound packet through the ordered rules of
// spec.md §4.3 Phase 3: duplicate suppression, ACK application, data
// application, then exactly one state transition.
func (c *Conn) applyPacket(ctx context.Context, pkt rdtpkt.Packet) {
	st := c.state

	// Rule 1: duplicate suppression. A data packet whose seq is already
	// below our ack is a replay of something already delivered.
	if pkt.Len() > 0 && pkt.Seq < st.Ack {
		c.sendPureAck()
		return
	}

	// Rule 2: cumulative ACK application.
	if pkt.ACK() {
		if pkt.Ack > st.Seq {
			st.Seq = pkt.Ack
		}
		st.RetireAcked(st.Seq)
	}

	// Rule 3: data application. A packet's payload is real application
	// data -- as opposed to the synthetic single byte a bare SYN/FIN
	// carries -- whenever it isn't a SYN, and isn't a FIN whose whole
	// payload is exactly the control convention's one byte. spec.md's
	// tie-break ("a combined FIN+data packet delivers the data") is
	// honored by still counting larger FIN payloads as real data.
	isControlOnly := pkt.SYN() || (pkt.FIN() && pkt.Len() <= len(rdtpkt.ControlPayload))
	hasRealData := pkt.Len() > 0 && !isControlOnly
	if pkt.Len() > 0 && pkt.End() > st.Ack {
		st.Ack = pkt.End()
	}

	fsm, _ := st.Get()

	// Handshake rows fire first and are mutually exclusive with
	// everything else a SYN-bearing packet could trigger.
	switch {
	case fsm == rdtconn.Closed && pkt.SYN():
		synAck := rdtpkt.New(st.Seq, st.Ack, rdtpkt.FlagSYN|rdtpkt.FlagACK, nil)
		c.transmit(synAck)
		st.AddUnacked(synAck, time.Now())
		st.SetState(rdtconn.SynRcvd)
		dlog.Debugf(ctx, "%s: CLOSED -> SYN_RCVD", st.Peer)
		return

	case fsm == rdtconn.SynSent && pkt.SYN() && pkt.ACK():
		c.sendPureAck()
		st.SetState(rdtconn.Established)
		dlog.Debugf(ctx, "%s: SYN_SENT -> ESTABLISHED", st.Peer)
		return

	case fsm == rdtconn.SynRcvd && pkt.ACK() && !pkt.SYN() && !pkt.FIN():
		st.SetState(rdtconn.Established)
		dlog.Debugf(ctx, "%s: SYN_RCVD -> ESTABLISHED", st.Peer)
		fsm = rdtconn.Established
	}

	// Data delivery and FIN processing compose: spec.md's tie-break says
	// a combined FIN+data packet delivers the data, acks it, then still
	// initiates the close transition below.
	if hasRealData {
		st.PushDeliver(pkt.Payload)
		c.sendPureAck()
	}

	switch {
	case pkt.FIN():
		c.applyFin(ctx, pkt)

	case fsm == rdtconn.FinWait1 && pkt.ACK() && c.ackCoversOurFin(pkt):
		st.SetState(rdtconn.FinWait2)
		dlog.Debugf(ctx, "%s: FIN_WAIT_1 -> FIN_WAIT_2", st.Peer)

	case fsm == rdtconn.LastAck && pkt.ACK() && c.ackCoversOurFin(pkt):
		st.SetState(rdtconn.Closed)
		dlog.Debugf(ctx, "%s: LAST_ACK -> CLOSED", st.Peer)

	default:
		// An ACK that doesn't advance seq, or a retransmitted control
		// packet we've already handled: consumed without further action.
	}
}

// applyFin handles every row of the transition table keyed on an
// incoming FIN, across the states where one is expected.
func (c *Conn) applyFin(ctx context.Context, pkt rdtpkt.Packet) {
	st := c.state
	fsm, _ := st.Get()

	switch fsm {
	case rdtconn.Established:
		c.sendPureAck()
		if len(st.SendApp) == 0 && len(st.Unacked) == 0 {
			finAck := rdtpkt.New(st.Seq, st.Ack, rdtpkt.FlagFIN|rdtpkt.FlagACK, nil)
			c.transmit(finAck)
			st.AddUnacked(finAck, time.Now())
			seq := finAck.Seq
			st.FinSeq = &seq
			st.SetState(rdtconn.LastAck)
			dlog.Debugf(ctx, "%s: ESTABLISHED -> LAST_ACK", st.Peer)
		} else {
			st.SetState(rdtconn.CloseWait)
			dlog.Debugf(ctx, "%s: ESTABLISHED -> CLOSE_WAIT", st.Peer)
		}

	case rdtconn.FinWait1:
		if pkt.ACK() && c.ackCoversOurFin(pkt) {
			c.sendPureAck()
			st.SetState(rdtconn.TimeWait)
			st.TimeWaitDead = time.Now().Add(timeWaitDuration)
			dlog.Debugf(ctx, "%s: FIN_WAIT_1 -> TIME_WAIT", st.Peer)
		} else {
			// Peer's FIN crossed ours without yet acking it; ack the FIN
			// and keep waiting for the ack of our own (outside this
			// spec's scope of simultaneous-close handling).
			c.sendPureAck()
		}

	case rdtconn.FinWait2:
		c.sendPureAck()
		st.SetState(rdtconn.TimeWait)
		st.TimeWaitDead = time.Now().Add(timeWaitDuration)
		dlog.Debugf(ctx, "%s: FIN_WAIT_2 -> TIME_WAIT", st.Peer)

	case rdtconn.CloseWait, rdtconn.LastAck, rdtconn.TimeWait:
		// Retransmitted FIN after we've already acked it once.
		c.sendPureAck()
	}
}

// ackCoversOurFin reports whether pkt's ack number cumulatively
// acknowledges the FIN this connection sent.
func (c *Conn) ackCoversOurFin(pkt rdtpkt.Packet) bool {
	st := c.state
	if st.FinSeq == nil {
		return false
	}
	return pkt.Ack >= *st.FinSeq+1
}
