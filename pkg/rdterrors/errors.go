// Package rdterrors defines the sentinel error values surfaced by the rdt
// packages and their propagation policy: transient datagram loss, reorder,
// and duplication never reach this layer, only the conditions spec'd as
// unrecoverable or as illegal API usage do.
package rdterrors

import "github.com/pkg/errors"

var (
	// ErrMalformed is returned by rdtpkt.Decode when a datagram cannot be
	// parsed as a packet. Datagrams that fail this are dropped by the
	// demultiplexer and never reach a connection.
	ErrMalformed = errors.New("rdt: malformed packet")

	// ErrUnknownPeer names the case of a client-mode socket receiving a
	// datagram from an address that isn't its peer. The demultiplexer
	// drops such datagrams with a debug log; no function returns this
	// value.
	ErrUnknownPeer = errors.New("rdt: datagram from unknown peer")

	// ErrIllegalState is returned when the application calls an operation
	// that its connection or socket isn't in the right state for.
	ErrIllegalState = errors.New("rdt: illegal state for operation")

	// ErrTransportFailure is returned by Listen and Dial when the
	// underlying UDP socket cannot be bound or the remote address cannot
	// be resolved. A failed datagram write inside the engine is only
	// logged; it does not close the connection or surface this error.
	ErrTransportFailure = errors.New("rdt: transport failure")

	// ErrRetransmitExceeded is surfaced when a packet has been
	// retransmitted MaxRetransmits times without being acknowledged. The
	// spec leaves this bound as an implementation choice (§9); this
	// module chooses to cap it rather than retry forever.
	ErrRetransmitExceeded = errors.New("rdt: retransmit limit exceeded")

	// ErrClosed is returned from Send/Recv once a connection has reached
	// CLOSED.
	ErrClosed = errors.New("rdt: connection closed")
)
