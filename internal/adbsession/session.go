// Package adbsession implements the ADB v1 handshake and OPEN/WRTE/
// OKAY/CLSE stream multiplex on top of a usbcarrier.Carrier. A single
// receive loop is invoked inline by whichever call is blocked waiting
// for a matching packet -- the protocol is fully half-duplex per
// stream and the host always initiates, so no dedicated goroutine is
// required (see spec design notes).
package adbsession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"miassist-flash/internal/adbproto"
	"miassist-flash/internal/usbcarrier"
)

// Sentinel errors.
var (
	ErrHandshakeTimeout  = errors.New("adbsession: handshake timeout")
	ErrHandshakeRejected = errors.New("adbsession: handshake rejected")
	ErrStreamClosed      = errors.New("adbsession: stream closed")
)

// StreamRejectedError is returned by OpenStream when the device refuses
// the destination with CLSE instead of OKAY.
type StreamRejectedError struct {
	Destination string
}

func (e *StreamRejectedError) Error() string {
	return fmt.Sprintf("adbsession: stream rejected: %s", e.Destination)
}

// StreamState mirrors the lifecycle named in the data model.
type StreamState int

const (
	StreamOpening StreamState = iota
	StreamOpen
	StreamClosing
	StreamClosed
)

// Stream is an id-addressed bidirectional channel multiplexed over the
// session's single USB pair.
type Stream struct {
	Local  uint32
	Remote uint32
	State  StreamState

	// timeout bounds every bulk call made on this stream's behalf.
	// Sideload data streams get usbcarrier.SideloadTimeout; every other
	// destination (vendor commands, the handshake) gets
	// usbcarrier.DefaultTimeout.
	timeout time.Duration

	session *Session
}

// Session owns the carrier, the negotiated max payload, and the set of
// live streams for one device. At most one active session per device.
type Session struct {
	carrier     usbcarrier.Carrier
	maxPayload  uint32
	nextLocalID uint32
	streams     map[uint32]*Stream

	// pending buffers undelivered packets per destination local id, in
	// arrival order, filled by the inline demultiplex loop when a read
	// call observes a packet it is not waiting for.
	pending map[uint32][]adbproto.Packet
}

// Dialer is satisfied by usbcarrier.USBCarrier and by fakes in tests.
type Dialer interface {
	usbcarrier.Carrier
}

// Connect claims the carrier (already open) and performs the CNXN
// handshake, blocking up to the carrier's own timeout semantics.
func Connect(ctx context.Context, carrier Dialer) (*Session, error) {
	s := &Session{
		carrier:     carrier,
		maxPayload:  adbproto.DefaultMaxPayload,
		nextLocalID: 1,
		streams:     make(map[uint32]*Stream),
		pending:     make(map[uint32][]adbproto.Packet),
	}

	hello := adbproto.Encode(adbproto.CNXN, adbproto.AVersion, adbproto.NegotiatedMaxPayload, []byte("host::\x00"))
	if err := s.bulkWrite(ctx, hello, usbcarrier.DefaultTimeout); err != nil {
		return nil, fmt.Errorf("adbsession: handshake write: %w", err)
	}

	for {
		pkt, err := s.readPacket(ctx, usbcarrier.DefaultTimeout)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, ErrHandshakeTimeout
			}
			return nil, fmt.Errorf("adbsession: handshake read: %w", err)
		}
		switch pkt.Command {
		case adbproto.CNXN:
			s.maxPayload = pkt.Arg1
			if s.maxPayload < adbproto.DefaultMaxPayload {
				s.maxPayload = adbproto.DefaultMaxPayload
			}
			return s, nil
		case adbproto.CLSE:
			return nil, ErrHandshakeRejected
		default:
			// Recoverable: discard and re-read once more is implicit in
			// the loop; a second unexpected packet still falls through
			// to another iteration, bounded by the context deadline
			// the caller supplied.
			continue
		}
	}
}

// MaxPayload returns the negotiated maximum WRTE payload size.
func (s *Session) MaxPayload() uint32 {
	return s.maxPayload
}

// bulkWrite derives a context.WithTimeout from ctx and writes through
// the carrier, the same per-call timeout idiom the carrier's own
// blocking calls are built around.
func (s *Session) bulkWrite(ctx context.Context, data []byte, timeout time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.carrier.BulkWrite(cctx, data)
}

// bulkRead derives a context.WithTimeout from ctx and reads through the
// carrier.
func (s *Session) bulkRead(ctx context.Context, max int, timeout time.Duration) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.carrier.BulkRead(cctx, max)
}

// readPacket reads one full packet (header then payload) off the
// carrier, budgeted against a single timeout for the whole packet.
func (s *Session) readPacket(ctx context.Context, timeout time.Duration) (adbproto.Packet, error) {
	hdrBuf, err := s.bulkRead(ctx, adbproto.HeaderSize, timeout)
	if err != nil {
		return adbproto.Packet{}, err
	}
	for len(hdrBuf) < adbproto.HeaderSize {
		more, err := s.bulkRead(ctx, adbproto.HeaderSize-len(hdrBuf), timeout)
		if err != nil {
			return adbproto.Packet{}, err
		}
		hdrBuf = append(hdrBuf, more...)
	}
	hdr, err := adbproto.DecodeHeader(hdrBuf)
	if err != nil {
		return adbproto.Packet{}, err
	}

	data := make([]byte, 0, hdr.DataLength)
	for uint32(len(data)) < hdr.DataLength {
		chunk, err := s.bulkRead(ctx, int(hdr.DataLength)-len(data), timeout)
		if err != nil {
			return adbproto.Packet{}, err
		}
		data = append(data, chunk...)
	}

	full := make([]byte, 0, len(hdrBuf)+len(data))
	full = append(full, hdrBuf...)
	full = append(full, data...)
	return adbproto.Decode(full)
}

// waitFor reads packets until one is found matching want for the given
// destination local id, queuing any others for their own streams.
func (s *Session) waitFor(ctx context.Context, localID uint32, timeout time.Duration, want func(adbproto.Packet) bool) (adbproto.Packet, error) {
	if queued := s.pending[localID]; len(queued) > 0 {
		for i, p := range queued {
			if want(p) {
				s.pending[localID] = append(queued[:i], queued[i+1:]...)
				return p, nil
			}
		}
	}
	for {
		pkt, err := s.readPacket(ctx, timeout)
		if err != nil {
			return adbproto.Packet{}, err
		}
		if pkt.Arg1 != localID {
			// Packet for an unknown/other stream. Unknown streams are
			// dropped; known ones are queued for their own waiter.
			if _, ok := s.streams[pkt.Arg1]; ok {
				s.pending[pkt.Arg1] = append(s.pending[pkt.Arg1], pkt)
			}
			continue
		}
		if want(pkt) {
			return pkt, nil
		}
		s.pending[localID] = append(s.pending[localID], pkt)
	}
}

// streamTimeout picks the per-call bulk timeout for a destination: the
// long sideload budget for sideload-host streams, the control-packet
// budget for everything else (vendor commands, the handshake).
func streamTimeout(destination string) time.Duration {
	if strings.HasPrefix(destination, "sideload-host:") {
		return usbcarrier.SideloadTimeout
	}
	return usbcarrier.DefaultTimeout
}

// OpenStream allocates a local id, sends OPEN, and blocks for OKAY or
// CLSE.
func (s *Session) OpenStream(ctx context.Context, destination string) (*Stream, error) {
	local := s.nextLocalID
	s.nextLocalID++

	timeout := streamTimeout(destination)

	dest := append([]byte(destination), 0)
	openPkt := adbproto.Encode(adbproto.OPEN, local, 0, dest)
	if err := s.bulkWrite(ctx, openPkt, timeout); err != nil {
		return nil, fmt.Errorf("adbsession: open write: %w", err)
	}

	stream := &Stream{Local: local, State: StreamOpening, timeout: timeout, session: s}
	s.streams[local] = stream

	pkt, err := s.waitFor(ctx, local, timeout, func(p adbproto.Packet) bool {
		return p.Command == adbproto.OKAY || p.Command == adbproto.CLSE
	})
	if err != nil {
		delete(s.streams, local)
		return nil, fmt.Errorf("adbsession: open wait: %w", err)
	}
	if pkt.Command == adbproto.CLSE {
		delete(s.streams, local)
		return nil, &StreamRejectedError{Destination: destination}
	}

	stream.Remote = pkt.Arg0
	stream.State = StreamOpen
	return stream, nil
}

// WriteStream splits data into chunks no larger than the negotiated max
// payload, sending each as WRTE and waiting for the matching OKAY
// before sending the next -- at most one outstanding unacknowledged
// WRTE per direction per stream.
func (s *Session) WriteStream(ctx context.Context, st *Stream, data []byte) error {
	if st.State != StreamOpen {
		return ErrStreamClosed
	}
	if len(data) == 0 {
		return nil
	}
	chunk := int(s.maxPayload)
	for off := 0; off < len(data); {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		piece := data[off:end]

		wrte := adbproto.Encode(adbproto.WRTE, st.Local, st.Remote, piece)
		if err := s.bulkWrite(ctx, wrte, st.timeout); err != nil {
			return fmt.Errorf("adbsession: write: %w", err)
		}

		pkt, err := s.waitFor(ctx, st.Local, st.timeout, func(p adbproto.Packet) bool {
			return p.Command == adbproto.OKAY || p.Command == adbproto.CLSE
		})
		if err != nil {
			return fmt.Errorf("adbsession: write ack wait: %w", err)
		}
		if pkt.Command == adbproto.CLSE {
			st.State = StreamClosed
			return ErrStreamClosed
		}

		off = end
	}
	return nil
}

// ReadStream blocks for the next WRTE addressed to st, replies OKAY,
// and returns its payload. CLSE transitions the stream to closed and
// returns ErrStreamClosed.
func (s *Session) ReadStream(ctx context.Context, st *Stream) ([]byte, error) {
	if st.State != StreamOpen {
		return nil, ErrStreamClosed
	}
	pkt, err := s.waitFor(ctx, st.Local, st.timeout, func(p adbproto.Packet) bool {
		return p.Command == adbproto.WRTE || p.Command == adbproto.CLSE
	})
	if err != nil {
		return nil, fmt.Errorf("adbsession: read wait: %w", err)
	}
	if pkt.Command == adbproto.CLSE {
		st.State = StreamClosed
		return nil, ErrStreamClosed
	}

	okay := adbproto.Encode(adbproto.OKAY, st.Local, st.Remote, nil)
	if err := s.bulkWrite(ctx, okay, st.timeout); err != nil {
		return nil, fmt.Errorf("adbsession: read ack: %w", err)
	}
	return pkt.Data, nil
}

// CloseStream sends CLSE best-effort and marks the stream closed.
// Idempotent.
func (s *Session) CloseStream(ctx context.Context, st *Stream) error {
	defer func() {
		st.State = StreamClosed
		delete(s.streams, st.Local)
		delete(s.pending, st.Local)
	}()
	if st.State == StreamClosed {
		return nil
	}
	clse := adbproto.Encode(adbproto.CLSE, st.Local, st.Remote, nil)
	return s.bulkWrite(ctx, clse, st.timeout)
}

// Teardown sends best-effort CLSE for all outstanding streams.
func (s *Session) Teardown(ctx context.Context) {
	for _, st := range s.streams {
		_ = s.CloseStream(ctx, st)
	}
}

// Close releases the underlying carrier.
func (s *Session) Close() error {
	return s.carrier.Close()
}
