package adbsession

import (
	"bytes"
	"context"
	"sync"

	"miassist-flash/internal/adbproto"
)

// fakeCarrier is an in-memory usbcarrier.Carrier stand-in driven by a
// handler that inspects each outbound packet and enqueues device
// replies -- the same role a real Mi Assistant recovery device plays
// on the wire, without any libusb dependency.
type fakeCarrier struct {
	mu      sync.Mutex
	inbound bytes.Buffer
	closed  bool

	// handle is invoked once per complete outbound packet. It returns
	// zero or more reply packets to append to the inbound stream.
	handle func(adbproto.Packet) []adbproto.Packet

	writes []adbproto.Packet
}

func newFakeCarrier(handle func(adbproto.Packet) []adbproto.Packet) *fakeCarrier {
	return &fakeCarrier{handle: handle}
}

func (f *fakeCarrier) BulkWrite(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	pkt, err := adbproto.Decode(data)
	if err != nil {
		return err
	}
	f.writes = append(f.writes, pkt)
	if f.handle != nil {
		for _, reply := range f.handle(pkt) {
			f.inbound.Write(adbproto.Encode(reply.Command, reply.Arg0, reply.Arg1, reply.Data))
		}
	}
	return nil
}

func (f *fakeCarrier) BulkRead(ctx context.Context, max int) ([]byte, error) {
	f.mu.Lock()
	if f.inbound.Len() > 0 {
		n := max
		if n > f.inbound.Len() {
			n = f.inbound.Len()
		}
		buf := make([]byte, n)
		_, _ = f.inbound.Read(buf)
		f.mu.Unlock()
		return buf, nil
	}
	f.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeCarrier) Close() error {
	f.closed = true
	return nil
}

// queue directly appends an encoded packet to the inbound stream,
// bypassing the handler -- used to script unsolicited device replies.
func (f *fakeCarrier) queue(cmd adbproto.Command, a0, a1 uint32, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound.Write(adbproto.Encode(cmd, a0, a1, data))
}
