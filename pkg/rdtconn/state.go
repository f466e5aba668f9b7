// Package rdtconn holds the per-peer connection state the reliability
// engine operates on: the FSM, sequence/ack bookkeeping, and the four
// queues described in spec.md §3 (recv_raw, send_app, deliver, unacked).
//
// Everything here is written only by the connection's own engine
// goroutine, with the sole exception of RecvRaw (written by the
// demultiplexer) and SendApp (written by the application). This mirrors
// the confinement rule the teacher applies to connpool.Pool.handlers.
package rdtconn

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gortc/rdt/pkg/rdtpkt"
)

// FSM is one of the ten states a connection moves through between a
// peer's first SYN and its eventual removal from the connection map.
type FSM int

const (
	Closed FSM = iota
	Listen
	SynSent
	SynRcvd
	Established
	FinWait1
	FinWait2
	CloseWait
	LastAck
	TimeWait
)

func (s FSM) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Listen:
		return "LISTEN"
	case SynSent:
		return "SYN_SENT"
	case SynRcvd:
		return "SYN_RCVD"
	case Established:
		return "ESTABLISHED"
	case FinWait1:
		return "FIN_WAIT_1"
	case FinWait2:
		return "FIN_WAIT_2"
	case CloseWait:
		return "CLOSE_WAIT"
	case LastAck:
		return "LAST_ACK"
	case TimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

// Unacked is one entry of the unacked list: a transmitted packet and the
// time it (or its most recent retransmission) was sent.
type Unacked struct {
	Packet   rdtpkt.Packet
	SentAt   time.Time
	Attempts int
}

// FinMarker is the sentinel enqueued on SendApp to request a FIN be sent
// once prior application data has drained, per spec.md §4.4 Close.
type FinMarker struct{}

// QuietTicks is the number of consecutive 500ms receive-timeouts the
// engine must observe before it is permitted to transmit new application
// data (spec.md §4.3 Phase 2). TIME_WAIT expiry does not use it; it is
// timed by TimeWaitDead.
const QuietTicks = 3

// State is one connection's mutable state, one instance per peer address.
type State struct {
	Peer    net.Addr
	Session string // uuid, for log correlation only

	mu   sync.Mutex // guards FSM/Err, which Send/Recv/Close read from application goroutines
	FSM  FSM
	Seq  uint32 // next byte number this side will assign to outgoing data
	Ack  uint32 // next byte number expected from peer
	Err  error  // set once a persistent failure closes the connection

	Unacked    []Unacked
	QuietCount int // consecutive ticks with no inbound packet

	FinSeq       *uint32   // Seq of the FIN we sent, once we've sent one
	TimeWaitDead time.Time // set when entering TIME_WAIT

	RecvRaw chan rdtpkt.Packet // demultiplexer -> engine
	SendApp chan interface{}   // application -> engine; []byte or FinMarker
	Deliver chan []byte        // engine -> application
}

// New creates connection state in the CLOSED state for the given peer.
func New(peer net.Addr) *State {
	return &State{
		Peer:    peer,
		Session: uuid.NewString(),
		FSM:     Closed,
		RecvRaw: make(chan rdtpkt.Packet, 64),
		SendApp: make(chan interface{}, 64),
		Deliver: make(chan []byte, 64),
	}
}

// Get returns (fsm, err) under the state's lock. Only the engine mutates
// FSM/Err, but Send/Recv/Close read them from the application goroutine.
func (s *State) Get() (FSM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FSM, s.Err
}

// SetState transitions the FSM. Called only from the engine goroutine.
func (s *State) SetState(fsm FSM) {
	s.mu.Lock()
	s.FSM = fsm
	s.mu.Unlock()
}

// Fail records a persistent error and transitions to CLOSED. Called only
// from the engine goroutine; surfaced to Send/Recv via Get.
func (s *State) Fail(err error) {
	s.mu.Lock()
	s.FSM = Closed
	s.Err = err
	s.mu.Unlock()
}

// AddUnacked appends a freshly transmitted packet to the unacked list.
func (s *State) AddUnacked(p rdtpkt.Packet, now time.Time) {
	s.Unacked = append(s.Unacked, Unacked{Packet: p, SentAt: now})
}

// PushDeliver pushes a payload onto the Deliver queue for Recv to pick up.
// Blocking here only stalls this connection's own engine goroutine, never
// the demultiplexer or any other connection.
func (s *State) PushDeliver(payload []byte) {
	s.Deliver <- payload
}

// RetireAcked drops every unacked entry whose End() is covered by ack,
// per the invariant in spec.md §3: a packet stays in unacked iff
// packet.seq + packet.LEN > seq.
func (s *State) RetireAcked(seq uint32) {
	live := s.Unacked[:0]
	for _, u := range s.Unacked {
		if u.Packet.End() > seq {
			live = append(live, u)
		}
	}
	s.Unacked = live
}
