package vendorcmd

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miassist-flash/internal/adbproto"
	"miassist-flash/internal/adbsession"
)

// scriptedCarrier answers OPEN with an immediate OKAY and a canned
// WRTE reply keyed by destination string, then CLSEs on the host's ack
// -- enough to exercise the single-reply-line vendor command contract
// without a real device.
type scriptedCarrier struct {
	replies map[string]string
	inbound bytes.Buffer
}

func (c *scriptedCarrier) BulkWrite(ctx context.Context, data []byte) error {
	pkt, err := adbproto.Decode(data)
	if err != nil {
		return err
	}
	switch pkt.Command {
	case adbproto.CNXN:
		c.enqueue(adbproto.CNXN, adbproto.AVersion, adbproto.NegotiatedMaxPayload, []byte("device::recovery\x00"))
	case adbproto.OPEN:
		dest := string(bytes.TrimRight(pkt.Data, "\x00"))
		reply, ok := c.replies[dest]
		if !ok {
			// Simulate the device accepting the stream, then dropping
			// it without a reply line -- the terminal-command case.
			c.enqueue(adbproto.OKAY, 99, pkt.Arg0, nil)
			c.enqueue(adbproto.CLSE, 99, pkt.Arg0, nil)
			return nil
		}
		c.enqueue(adbproto.OKAY, 99, pkt.Arg0, nil)
		c.enqueue(adbproto.WRTE, 99, pkt.Arg0, []byte(reply))
	case adbproto.OKAY:
		c.enqueue(adbproto.CLSE, 99, pkt.Arg0, nil)
	}
	return nil
}

func (c *scriptedCarrier) enqueue(cmd adbproto.Command, a0, a1 uint32, data []byte) {
	c.inbound.Write(adbproto.Encode(cmd, a0, a1, data))
}

func (c *scriptedCarrier) BulkRead(ctx context.Context, max int) ([]byte, error) {
	if c.inbound.Len() > 0 {
		n := max
		if n > c.inbound.Len() {
			n = c.inbound.Len()
		}
		buf := make([]byte, n)
		_, _ = c.inbound.Read(buf)
		return buf, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *scriptedCarrier) Close() error { return nil }

func newConnectedSession(t *testing.T, replies map[string]string) *adbsession.Session {
	t.Helper()
	carrier := &scriptedCarrier{replies: replies}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sess, err := adbsession.Connect(ctx, carrier)
	require.NoError(t, err)
	return sess
}

func TestReadInfoCollectsAllFields(t *testing.T) {
	sess := newConnectedSession(t, map[string]string{
		"getdevice":   "garnet",
		"getsn":       "SERIAL123",
		"getversion":  "V14.0.1.0",
		"getcodebase": "aosp",
		"getbranch":   "stable",
		"getlanguage": "en",
		"getregion":   "US",
		"getromzone":  "global",
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	id, err := ReadInfo(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, Identity{
		DeviceCodename: "garnet",
		Serial:         "SERIAL123",
		Version:        "V14.0.1.0",
		Codebase:       "aosp",
		Branch:         "stable",
		Language:       "en",
		Region:         "US",
		ROMZone:        "global",
	}, id)
}

func TestSendReportsVendorFailure(t *testing.T) {
	sess := newConnectedSession(t, map[string]string{
		"getdevice": "FAIL unsupported",
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Send(ctx, sess, "getdevice")
	var failed *VendorCommandFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "getdevice", failed.Command)
}

func TestTerminalCommandsToleratesSessionDrop(t *testing.T) {
	// No script entry for "reboot" -- the fake accepts the OPEN and
	// CLSEs it at once, simulating the device vanishing without a reply.
	sess := newConnectedSession(t, map[string]string{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := Reboot(ctx, sess)
	assert.NoError(t, err)
}
