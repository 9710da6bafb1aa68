// Package adbproto implements the ADB v1 wire codec: a fixed 24-byte
// header followed by a variable-length payload. Encoding and decoding
// here are pure functions with no I/O and no knowledge of streams or
// sessions.
package adbproto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Command identifies an ADB packet type.
type Command uint32

// Wire-exact command constants, bit-for-bit compatible with ADB v1.
const (
	CNXN Command = 0x4e584e43
	OPEN Command = 0x4e45504f
	WRTE Command = 0x45545257
	OKAY Command = 0x59414b4f
	CLSE Command = 0x45534c43
	AUTH Command = 0x48545541
)

func (c Command) String() string {
	switch c {
	case CNXN:
		return "CNXN"
	case OPEN:
		return "OPEN"
	case WRTE:
		return "WRTE"
	case OKAY:
		return "OKAY"
	case CLSE:
		return "CLSE"
	case AUTH:
		return "AUTH"
	default:
		return fmt.Sprintf("CMD(%#08x)", uint32(c))
	}
}

// AVersion is the handshake protocol version advertised by this host.
const AVersion = 0x01000000

// HeaderSize is the fixed size of an ADB packet header in bytes.
const HeaderSize = 24

// DefaultMaxPayload is the pre-handshake maximum payload size; the
// handshake may raise it up to 256 KiB.
const DefaultMaxPayload = 4096

// NegotiatedMaxPayload is the max payload advertised by this host during
// CNXN; the device echoes back the value it is willing to use.
const NegotiatedMaxPayload = 0x40000

// Packet is a fully decoded ADB wire packet.
type Packet struct {
	Command Command
	Arg0    uint32
	Arg1    uint32
	Data    []byte

	checksumMismatch bool
}

// ErrBadMagic is returned by Decode when magic != command ^ 0xFFFFFFFF.
var ErrBadMagic = errors.New("adbproto: bad magic")

// ErrShortHeader is returned by Decode when fewer than HeaderSize bytes
// are available.
var ErrShortHeader = errors.New("adbproto: short header")

// ErrLengthMismatch is returned by Decode when the declared data_length
// does not match the number of payload bytes actually supplied.
var ErrLengthMismatch = errors.New("adbproto: data length mismatch")

// Encode builds the wire representation of a packet: 24-byte header
// followed by payload. The checksum field is the sum of payload bytes
// mod 2^32 -- wire-compatible with the vendor client, not a real CRC.
func Encode(cmd Command, arg0, arg1 uint32, data []byte) []byte {
	buf := make([]byte, HeaderSize+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(cmd))
	binary.LittleEndian.PutUint32(buf[4:8], arg0)
	binary.LittleEndian.PutUint32(buf[8:12], arg1)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(data)))
	binary.LittleEndian.PutUint32(buf[16:20], checksum(data))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(cmd)^0xFFFFFFFF)
	copy(buf[HeaderSize:], data)
	return buf
}

// checksum sums payload bytes mod 2^32. The vendor firmware is observed
// to set this loosely, so Decode never rejects on mismatch -- see
// ChecksumOK.
func checksum(data []byte) uint32 {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return sum
}

// Header is the parsed fixed portion of a packet, read before its
// payload is known to be available. Callers read HeaderSize bytes,
// call DecodeHeader to learn DataLength, then read that many more
// bytes before calling Decode on the concatenation.
type Header struct {
	Command    Command
	Arg0       uint32
	Arg1       uint32
	DataLength uint32
}

// DecodeHeader parses just the fixed header, validating magic but not
// yet knowing whether the full payload has arrived.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	cmd := Command(binary.LittleEndian.Uint32(buf[0:4]))
	magic := binary.LittleEndian.Uint32(buf[20:24])
	if magic != uint32(cmd)^0xFFFFFFFF {
		return Header{}, ErrBadMagic
	}
	return Header{
		Command:    cmd,
		Arg0:       binary.LittleEndian.Uint32(buf[4:8]),
		Arg1:       binary.LittleEndian.Uint32(buf[8:12]),
		DataLength: binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// Decode parses a header plus payload out of buf. buf must contain
// exactly HeaderSize+data_length bytes (callers read exactly HeaderSize
// then exactly data_length); any other payload length is
// ErrLengthMismatch. An empty payload decodes as nil Data.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < HeaderSize {
		return Packet{}, ErrShortHeader
	}
	cmd := Command(binary.LittleEndian.Uint32(buf[0:4]))
	arg0 := binary.LittleEndian.Uint32(buf[4:8])
	arg1 := binary.LittleEndian.Uint32(buf[8:12])
	length := binary.LittleEndian.Uint32(buf[12:16])
	crc := binary.LittleEndian.Uint32(buf[16:20])
	magic := binary.LittleEndian.Uint32(buf[20:24])

	if magic != uint32(cmd)^0xFFFFFFFF {
		return Packet{}, ErrBadMagic
	}

	payload := buf[HeaderSize:]
	if uint32(len(payload)) != length {
		return Packet{}, ErrLengthMismatch
	}
	if length == 0 {
		payload = nil
	}

	p := Packet{Command: cmd, Arg0: arg0, Arg1: arg1, Data: payload}
	if checksum(payload) != crc {
		// Telemetry only -- see ChecksumOK. The vendor's "data crc"
		// field is a sum, not a true CRC, and is known to drift.
		p.checksumMismatch = true
	}
	return p, nil
}

// ChecksumOK reports whether the payload sum matched the header's
// data_crc32 field on decode. A mismatch is never surfaced as an error.
func (p Packet) ChecksumOK() bool {
	return !p.checksumMismatch
}
