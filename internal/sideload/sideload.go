// Package sideload implements the device-pull chunk transfer: the
// device requests byte offsets by block index and the host serves
// them strictly one at a time.
package sideload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"miassist-flash/internal/adbsession"
)

// DefaultChunkSize is used when the caller does not override it.
const DefaultChunkSize = 65536

// doneSentinel is the exact 8-byte ASCII frame signalling completion.
// Parsing must compare bytes, not attempt integer conversion first --
// leading zeros are valid in numeric block requests.
const doneSentinel = "DONEDONE"

// Sentinel errors.
var (
	ErrSideloadRejected  = errors.New("sideload: stream rejected")
	ErrSideloadProtocol  = errors.New("sideload: unexpected request frame")
	ErrSideloadOutOfRange = errors.New("sideload: requested block out of range")
	ErrSideloadAborted   = errors.New("sideload: transfer aborted")
)

// ReaderAt is the file-like source the engine pulls blocks from. Real
// callers pass an *os.File; tests pass an in-memory byte-slice fake.
type ReaderAt interface {
	io.ReaderAt
}

// Progress reports cumulative delivered bytes against the known total.
// Delivered never regresses even when the device re-requests an
// earlier block during a retry.
type Progress struct {
	Delivered int64
	Total     int64
}

// Result is returned by Run on successful completion.
type Result struct {
	Delivered int64
}

// Run opens the sideload destination stream, then serves device block
// requests until DONEDONE or a terminal error. progress, if non-nil,
// receives one update per served block plus a final full-size update
// on DONEDONE; sends never block, and an update is dropped when the
// channel is full.
func Run(ctx context.Context, sess *adbsession.Session, file ReaderAt, totalSize int64, chunkSize int, token string, wipe bool, progress chan<- Progress) (Result, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	wipeFlag := 0
	if wipe {
		wipeFlag = 1
	}
	dest := fmt.Sprintf("sideload-host:%d:%d:%s:%d", totalSize, chunkSize, token, wipeFlag)

	st, err := sess.OpenStream(ctx, dest)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSideloadRejected, err)
	}

	var delivered int64

	for {
		req, err := sess.ReadStream(ctx, st)
		if err != nil {
			sess.CloseStream(ctx, st)
			return Result{Delivered: delivered}, fmt.Errorf("%w: %v", ErrSideloadAborted, err)
		}

		if string(req) == doneSentinel {
			sess.CloseStream(ctx, st)
			// A completed transfer is, by definition, fully delivered
			// even if the device's last few requests undershot the
			// tail (e.g. it already has the final bytes from an
			// earlier attempt).
			delivered = totalSize
			if progress != nil {
				select {
				case progress <- Progress{Delivered: delivered, Total: totalSize}:
				default:
				}
			}
			return Result{Delivered: delivered}, nil
		}

		index, err := parseBlockIndex(req)
		if err != nil {
			sess.CloseStream(ctx, st)
			return Result{Delivered: delivered}, fmt.Errorf("%w: %v", ErrSideloadProtocol, err)
		}

		offset := index * int64(chunkSize)
		if offset >= totalSize {
			sess.CloseStream(ctx, st)
			return Result{Delivered: delivered}, fmt.Errorf("%w: block %d offset %d >= size %d", ErrSideloadOutOfRange, index, offset, totalSize)
		}

		want := int64(chunkSize)
		if offset+want > totalSize {
			want = totalSize - offset
		}
		buf := make([]byte, want)
		n, err := file.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			sess.CloseStream(ctx, st)
			return Result{Delivered: delivered}, fmt.Errorf("sideload: read file at %d: %w", offset, err)
		}
		if int64(n) == 0 {
			sess.CloseStream(ctx, st)
			return Result{Delivered: delivered}, fmt.Errorf("%w: short read at offset %d", ErrSideloadOutOfRange, offset)
		}

		if err := sess.WriteStream(ctx, st, buf[:n]); err != nil {
			return Result{Delivered: delivered}, fmt.Errorf("%w: %v", ErrSideloadAborted, err)
		}

		end := offset + int64(n)
		if end > totalSize {
			end = totalSize
		}
		if end > delivered {
			delivered = end
		}

		if progress != nil {
			select {
			case progress <- Progress{Delivered: delivered, Total: totalSize}:
			default:
			}
		}
	}
}

// parseBlockIndex parses an ASCII decimal block index, tolerating
// leading zeros.
func parseBlockIndex(req []byte) (int64, error) {
	s := strings.TrimSpace(string(req))
	if s == "" {
		return 0, errors.New("empty request")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("non-numeric request %q", s)
		}
	}
	return strconv.ParseInt(s, 10, 64)
}
