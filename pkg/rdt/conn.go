package rdt

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/gortc/rdt/pkg/rdtconn"
	"github.com/gortc/rdt/pkg/rdterrors"
)

// establishPoll is how often awaitEstablished re-checks the FSM while
// waiting for a handshake to complete or fail.
const establishPoll = 20 * time.Millisecond

// Conn is one established (or establishing) connection: the socket-facing
// half of spec.md §6's Send/Recv/Close API, paired with the connection
// state its engine goroutine owns.
type Conn struct {
	state  *rdtconn.State
	socket *Socket
}

// RemoteAddr returns the peer this connection is talking to.
func (c *Conn) RemoteAddr() net.Addr { return c.state.Peer }

// awaitEstablished blocks until the handshake resolves to ESTABLISHED or
// the connection fails/closes before getting there.
func (c *Conn) awaitEstablished(ctx context.Context) error {
	ticker := time.NewTicker(establishPoll)
	defer ticker.Stop()
	for {
		fsm, err := c.state.Get()
		if fsm == rdtconn.Established {
			return nil
		}
		if fsm == rdtconn.Closed {
			if err != nil {
				return err
			}
			return rdterrors.ErrClosed
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send enqueues payload for transmission and returns once it has been
// handed to the engine, per spec.md §6: Send does not block for the
// payload to be acknowledged, only for room in the SendApp queue.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	fsm, err := c.state.Get()
	if fsm != rdtconn.Established {
		if err != nil {
			return err
		}
		return errors.Wrap(rdterrors.ErrIllegalState, "Send called outside ESTABLISHED")
	}
	select {
	case c.state.SendApp <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv blocks until a payload has been delivered in order, or the
// connection closes/fails. A CLOSED connection still drains whatever was
// queued on Deliver before surfacing the close/failure error.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	for {
		select {
		case payload := <-c.state.Deliver:
			return payload, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		fsm, err := c.state.Get()
		if fsm == rdtconn.Closed {
			select {
			case payload := <-c.state.Deliver:
				return payload, nil
			default:
			}
			if err != nil {
				return nil, err
			}
			return nil, rdterrors.ErrClosed
		}

		select {
		case payload := <-c.state.Deliver:
			return payload, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(establishPoll):
		}
	}
}

// Close requests an orderly shutdown: a FinMarker is enqueued so the
// engine sends FIN only once prior application data has drained. Per
// spec.md §4.4/§5, close is best-effort -- it schedules teardown and
// returns immediately; the engine completes TIME_WAIT/LAST_ACK
// asynchronously, without Close waiting for it.
func (c *Conn) Close(ctx context.Context) error {
	fsm, err := c.state.Get()
	if fsm == rdtconn.Closed {
		return err
	}
	select {
	case c.state.SendApp <- rdtconn.FinMarker{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
