package orchestrator_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miassist-flash/internal/adbproto"
	"miassist-flash/internal/adbsession"
	"miassist-flash/internal/envelope"
	"miassist-flash/internal/orchestrator"
)

// deviceFake answers the full get* identity probe, then drives a
// sideload-host pull to completion, and tolerates terminal commands
// dropping the session without a reply.
type deviceFake struct {
	replies map[string]string
	inbound bytes.Buffer
	done    chan struct{}

	// sideloadLocal is the host's local id for the sideload-host stream;
	// the host's OKAYs on it ack block requests and do not end it.
	sideloadLocal uint32
}

func newDeviceFake() *deviceFake {
	return &deviceFake{
		replies: map[string]string{
			"getdevice":   "garnet",
			"getsn":       "SERIAL123",
			"getversion":  "V14.0.1.0",
			"getcodebase": "aosp",
			"getbranch":   "stable",
			"getlanguage": "en",
			"getregion":   "US",
			"getromzone":  "global",
		},
	}
}

func (d *deviceFake) BulkWrite(ctx context.Context, data []byte) error {
	pkt, err := adbproto.Decode(data)
	if err != nil {
		return err
	}
	switch pkt.Command {
	case adbproto.CNXN:
		d.enqueue(adbproto.CNXN, adbproto.AVersion, adbproto.NegotiatedMaxPayload, []byte("device::recovery\x00"))
	case adbproto.OPEN:
		dest := string(bytes.TrimRight(pkt.Data, "\x00"))
		if strings.HasPrefix(dest, "sideload-host:") {
			d.sideloadLocal = pkt.Arg0
			d.enqueue(adbproto.OKAY, 99, pkt.Arg0, nil)
			d.enqueue(adbproto.WRTE, 99, pkt.Arg0, []byte("0"))
			return nil
		}
		reply, ok := d.replies[dest]
		if !ok {
			d.enqueue(adbproto.OKAY, 99, pkt.Arg0, nil)
			d.enqueue(adbproto.CLSE, 99, pkt.Arg0, nil)
			return nil
		}
		d.enqueue(adbproto.OKAY, 99, pkt.Arg0, nil)
		d.enqueue(adbproto.WRTE, 99, pkt.Arg0, []byte(reply))
	case adbproto.WRTE:
		// Ack the host's data block, then sentinel it done.
		d.enqueue(adbproto.OKAY, 99, pkt.Arg0, nil)
		d.enqueue(adbproto.WRTE, 99, pkt.Arg0, []byte("DONEDONE"))
	case adbproto.OKAY:
		if pkt.Arg0 == d.sideloadLocal {
			return nil
		}
		d.enqueue(adbproto.CLSE, 99, pkt.Arg0, nil)
	}
	return nil
}

func (d *deviceFake) enqueue(cmd adbproto.Command, a0, a1 uint32, data []byte) {
	d.inbound.Write(adbproto.Encode(cmd, a0, a1, data))
}

func (d *deviceFake) BulkRead(ctx context.Context, max int) ([]byte, error) {
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

func (d *deviceFake) Close() error { return nil }

func connect(t *testing.T) *adbsession.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sess, err := adbsession.Connect(ctx, newDeviceFake())
	require.NoError(t, err)
	return sess
}

func TestReadInfoFlow(t *testing.T) {
	sess := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	id, err := orchestrator.ReadInfo(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, "garnet", id.DeviceCodename)
	assert.Equal(t, "global", id.ROMZone)
}

func validationServer(t *testing.T, c *envelope.Cipher, reply envelope.Response) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(reply)
		enc, err := c.Encrypt(body)
		require.NoError(t, err)
		w.Write([]byte(enc))
	}))
}

func TestFlashValidatesAndSideloads(t *testing.T) {
	sess := connect(t)
	cipher, err := envelope.NewCipher(make([]byte, 16), make([]byte, 16))
	require.NoError(t, err)

	srv := validationServer(t, cipher, envelope.Response{
		Signup:   json.RawMessage(`1`),
		Validate: "tok-xyz",
	})
	defer srv.Close()

	client, err := envelope.NewClient(cipher, srv.URL, true)
	require.NoError(t, err)

	rom, err := os.CreateTemp("", "rom-*.zip")
	require.NoError(t, err)
	defer os.Remove(rom.Name())
	_, err = rom.Write(make([]byte, 1024))
	require.NoError(t, err)
	rom.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := orchestrator.Options{ChunkSize: 65536, RetryWipeOnReject: true}
	result, err := orchestrator.Flash(ctx, sess, client, opts, orchestrator.FlashParams{ROMPath: rom.Name()}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1024, result.BytesSent)
	assert.Equal(t, "garnet", result.Identity.DeviceCodename)
}

func TestFlashWithExplicitTokenSkipsValidation(t *testing.T) {
	sess := connect(t)

	rom, err := os.CreateTemp("", "rom-*.zip")
	require.NoError(t, err)
	defer os.Remove(rom.Name())
	_, err = rom.Write(make([]byte, 512))
	require.NoError(t, err)
	rom.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := orchestrator.Options{ChunkSize: 65536}
	result, err := orchestrator.Flash(ctx, sess, nil, opts, orchestrator.FlashParams{ROMPath: rom.Name(), Token: "manual-tok"}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 512, result.BytesSent)
}

func TestFlashRetriesWithWipeOnRejection(t *testing.T) {
	sess := connect(t)
	cipher, err := envelope.NewCipher(make([]byte, 16), make([]byte, 16))
	require.NoError(t, err)

	attempt := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt++
		var reply envelope.Response
		if attempt == 1 {
			reply = envelope.Response{Signup: json.RawMessage(`0`), Code: "erase"}
		} else {
			reply = envelope.Response{Signup: json.RawMessage(`1`), Validate: "tok-after-wipe"}
		}
		body, _ := json.Marshal(reply)
		enc, err := cipher.Encrypt(body)
		require.NoError(t, err)
		w.Write([]byte(enc))
	}))
	defer srv.Close()

	client, err := envelope.NewClient(cipher, srv.URL, true)
	require.NoError(t, err)

	rom, err := os.CreateTemp("", "rom-*.zip")
	require.NoError(t, err)
	defer os.Remove(rom.Name())
	_, err = rom.Write(make([]byte, 100))
	require.NoError(t, err)
	rom.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := orchestrator.Options{ChunkSize: 65536, RetryWipeOnReject: true}
	result, err := orchestrator.Flash(ctx, sess, client, opts, orchestrator.FlashParams{ROMPath: rom.Name()}, nil)
	require.NoError(t, err)
	assert.True(t, result.WipeUsed)
	assert.Equal(t, 2, attempt)
}
