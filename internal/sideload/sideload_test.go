package sideload_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miassist-flash/internal/adbproto"
	"miassist-flash/internal/adbsession"
	"miassist-flash/internal/sideload"
)

// deviceCarrier is a scripted fake of a recovery device driving a
// sideload pull: it answers OPEN with OKAY, then issues the requests
// in script in order, each after acking the host's preceding data
// WRTE (or immediately after OPEN for the first one).
type deviceCarrier struct {
	script    []string
	nextIdx   int
	remote    uint32
	inbound   bytes.Buffer
}

func newDeviceCarrier(script []string) *deviceCarrier {
	return &deviceCarrier{script: script, remote: 77}
}

func (d *deviceCarrier) BulkWrite(ctx context.Context, data []byte) error {
	pkt, err := adbproto.Decode(data)
	if err != nil {
		return err
	}
	switch pkt.Command {
	case adbproto.CNXN:
		d.enqueue(adbproto.CNXN, adbproto.AVersion, adbproto.NegotiatedMaxPayload, []byte("device::recovery\x00"))
	case adbproto.OPEN:
		d.enqueue(adbproto.OKAY, d.remote, pkt.Arg0, nil)
		d.sendNextRequest(pkt.Arg0)
	case adbproto.WRTE:
		// Host delivered a data block; ack it, then issue the next
		// scripted request (if any remain).
		d.enqueue(adbproto.OKAY, d.remote, pkt.Arg0, nil)
		d.sendNextRequest(pkt.Arg0)
	}
	return nil
}

func (d *deviceCarrier) sendNextRequest(local uint32) {
	if d.nextIdx >= len(d.script) {
		return
	}
	req := d.script[d.nextIdx]
	d.nextIdx++
	d.enqueue(adbproto.WRTE, d.remote, local, []byte(req))
}

func (d *deviceCarrier) enqueue(cmd adbproto.Command, a0, a1 uint32, data []byte) {
	d.inbound.Write(adbproto.Encode(cmd, a0, a1, data))
}

func (d *deviceCarrier) BulkRead(ctx context.Context, max int) ([]byte, error) {
	if d.inbound.Len() > 0 {
		n := max
		if n > d.inbound.Len() {
			n = d.inbound.Len()
		}
		buf := make([]byte, n)
		_, _ = d.inbound.Read(buf)
		return buf, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (d *deviceCarrier) Close() error { return nil }

func connect(t *testing.T, carrier *deviceCarrier) *adbsession.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sess, err := adbsession.Connect(ctx, carrier)
	require.NoError(t, err)
	return sess
}

type memFile struct {
	data []byte
}

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, nil
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func makeROM(size int) *memFile {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	return &memFile{data: data}
}

func TestSideloadHappyPath(t *testing.T) {
	carrier := newDeviceCarrier([]string{"0", "1", "2", "3", "DONEDONE"})
	sess := connect(t, carrier)
	rom := makeROM(200000)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	progress := make(chan sideload.Progress, 16)
	result, err := sideload.Run(ctx, sess, rom, 200000, 65536, "tok", false, progress)
	require.NoError(t, err)
	assert.EqualValues(t, 200000, result.Delivered)
}

func TestSideloadRetryToleranceNeverRegresses(t *testing.T) {
	carrier := newDeviceCarrier([]string{"0", "1", "1", "2", "DONEDONE"})
	sess := connect(t, carrier)
	rom := makeROM(200000)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	progress := make(chan sideload.Progress, 16)
	result, err := sideload.Run(ctx, sess, rom, 200000, 65536, "tok", false, progress)
	require.NoError(t, err)
	assert.EqualValues(t, 200000, result.Delivered)

	close(progress)
	var seen []int64
	last := int64(-1)
	for p := range progress {
		seen = append(seen, p.Delivered)
		assert.GreaterOrEqual(t, p.Delivered, last, "progress regressed")
		last = p.Delivered
	}
	assert.Equal(t, []int64{65536, 131072, 131072, 196608, 200000}, seen)
}

func TestSideloadOutOfRangeBlock(t *testing.T) {
	carrier := newDeviceCarrier([]string{"99"})
	sess := connect(t, carrier)
	rom := makeROM(1000)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := sideload.Run(ctx, sess, rom, 1000, 65536, "tok", false, nil)
	assert.ErrorIs(t, err, sideload.ErrSideloadOutOfRange)
}

func TestSideloadProtocolViolation(t *testing.T) {
	carrier := newDeviceCarrier([]string{"not-a-number"})
	sess := connect(t, carrier)
	rom := makeROM(1000)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := sideload.Run(ctx, sess, rom, 1000, 65536, "tok", false, nil)
	assert.ErrorIs(t, err, sideload.ErrSideloadProtocol)
}

func TestSideloadAbortsWhenDeviceGoesSilent(t *testing.T) {
	// Device accepts the stream but never issues a single block
	// request -- the host must time out and report SideloadAborted
	// rather than hang.
	carrier := newDeviceCarrier(nil)
	sess := connect(t, carrier)
	rom := makeROM(1000)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := sideload.Run(ctx, sess, rom, 1000, 65536, "tok", false, nil)
	assert.ErrorIs(t, err, sideload.ErrSideloadAborted)
}
