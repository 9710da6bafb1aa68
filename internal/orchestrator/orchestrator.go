// Package orchestrator drives the four end-user flows (read-info,
// list-allowed-roms, flash, flash-from-latest) by composing the
// session, vendorcmd, envelope, and sideload layers.
package orchestrator

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"miassist-flash/internal/adbsession"
	"miassist-flash/internal/envelope"
	"miassist-flash/internal/sideload"
	"miassist-flash/internal/usbcarrier"
	"miassist-flash/internal/vendorcmd"
)

// Options carries the subset of config.Settings an orchestrator call
// needs, kept separate so this package does not import internal/config
// and stays testable with plain literals.
type Options struct {
	DeviceIndex       int
	ChunkSize         int
	ServerURL         string
	AllowHTTP         bool
	Profile           string
	Codename          string
	RetryWipeOnReject bool
	Logger            usbcarrier.PacketLogger
}

// Dial opens the USB carrier at opts.DeviceIndex and performs the ADB
// handshake, returning a ready session. Callers must Teardown/Close it.
func Dial(ctx context.Context, opts Options) (*adbsession.Session, *usbcarrier.USBCarrier, error) {
	carrier, err := usbcarrier.Open(opts.DeviceIndex, opts.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator: open usb: %w", err)
	}
	sess, err := adbsession.Connect(ctx, carrier)
	if err != nil {
		carrier.Close()
		return nil, nil, fmt.Errorf("orchestrator: connect: %w", err)
	}
	return sess, carrier, nil
}

// ReadInfo runs the full identity probe.
func ReadInfo(ctx context.Context, sess *adbsession.Session) (vendorcmd.Identity, error) {
	return vendorcmd.ReadInfo(ctx, sess)
}

// buildRequest assembles the validation request from a probed identity
// and an optional ROM package MD5 (empty for the list-allowed-roms
// probe).
func buildRequest(id vendorcmd.Identity, opts Options, pkgMD5 string) envelope.Request {
	codename := id.DeviceCodename
	if opts.Codename != "" {
		codename = opts.Codename
	}
	return envelope.Request{
		DeviceCodename: codename,
		Version:        id.Version,
		Codebase:       id.Codebase,
		Branch:         id.Branch,
		Serial:         id.Serial,
		Language:       id.Language,
		Options:        envelope.RequestZone{Zone: id.ROMZone},
		PackageMD5:     pkgMD5,
	}
}

// ListAllowedROMs gathers device identity and probes the validation
// endpoint with an empty package MD5, returning the client's Validate
// result unchanged: a server rejection, the expected outcome of a
// probe, comes back as a nil Token with a *ValidationRejectedError for
// the caller to print.
func ListAllowedROMs(ctx context.Context, sess *adbsession.Session, client *envelope.Client, opts Options) (*envelope.Token, error) {
	id, err := vendorcmd.ReadInfo(ctx, sess)
	if err != nil {
		return nil, err
	}
	req := buildRequest(id, opts, "")
	return client.Validate(ctx, req)
}

// FlashParams bundles the per-invocation knobs for Flash.
type FlashParams struct {
	ROMPath string
	Token   string
	Wipe    bool
	Reboot  bool
}

// FlashResult summarizes what Flash did.
type FlashResult struct {
	BytesSent int64
	WipeUsed  bool
	Identity  vendorcmd.Identity
	Rebooted  bool
}

// Flash computes the ROM's MD5, gathers device identity, validates
// (unless params.Token is set), derives the wipe flag, runs the
// sideload engine, and optionally reboots on success. On a validation
// rejection, if opts.RetryWipeOnReject is true and the first attempt
// did not already request a wipe, it retries once with wipe forced on.
func Flash(ctx context.Context, sess *adbsession.Session, client *envelope.Client, opts Options, params FlashParams, progress chan<- sideload.Progress) (FlashResult, error) {
	f, err := os.Open(params.ROMPath)
	if err != nil {
		return FlashResult{}, fmt.Errorf("orchestrator: open rom: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FlashResult{}, fmt.Errorf("orchestrator: stat rom: %w", err)
	}
	size := info.Size()

	digest, err := md5File(f)
	if err != nil {
		return FlashResult{}, fmt.Errorf("orchestrator: md5 rom: %w", err)
	}

	id, err := vendorcmd.ReadInfo(ctx, sess)
	if err != nil {
		return FlashResult{}, err
	}

	token := params.Token
	wipe := params.Wipe
	if token == "" {
		req := buildRequest(id, opts, digest)
		tok, err := client.Validate(ctx, req)
		if err != nil {
			var rejected *envelope.ValidationRejectedError
			if errors.As(err, &rejected) && opts.RetryWipeOnReject && !wipe {
				wipe = true
				tok, err = client.Validate(ctx, req)
			}
			if err != nil {
				return FlashResult{}, err
			}
		}
		token = tok.Value
		wipe = wipe || tok.WipeRequired
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = sideload.DefaultChunkSize
	}

	result, err := sideload.Run(ctx, sess, f, size, chunkSize, token, wipe, progress)
	if err != nil {
		return FlashResult{Identity: id, WipeUsed: wipe}, err
	}

	out := FlashResult{BytesSent: result.Delivered, WipeUsed: wipe, Identity: id}
	if params.Reboot {
		if err := vendorcmd.Reboot(ctx, sess); err == nil {
			out.Rebooted = true
		}
	}
	return out, nil
}

// FlashFromLatest validates first to discover the server's ROM URL,
// downloads it to a temp file, verifies its MD5 against the server's
// claim, then flashes that path.
func FlashFromLatest(ctx context.Context, sess *adbsession.Session, client *envelope.Client, httpClient *http.Client, opts Options, params FlashParams, progress chan<- sideload.Progress) (FlashResult, error) {
	id, err := vendorcmd.ReadInfo(ctx, sess)
	if err != nil {
		return FlashResult{}, err
	}

	req := buildRequest(id, opts, "")
	tok, err := client.Validate(ctx, req)
	if err != nil {
		return FlashResult{}, err
	}
	if tok.ROMURL == "" {
		return FlashResult{}, errors.New("orchestrator: server did not return a rom url")
	}

	dest, err := downloadROM(ctx, httpClient, tok.ROMURL)
	if err != nil {
		return FlashResult{}, err
	}
	defer os.Remove(dest)

	if tok.ExpectedMD5 != "" {
		f, err := os.Open(dest)
		if err != nil {
			return FlashResult{}, fmt.Errorf("orchestrator: reopen downloaded rom: %w", err)
		}
		digest, err := md5File(f)
		f.Close()
		if err != nil {
			return FlashResult{}, fmt.Errorf("orchestrator: md5 downloaded rom: %w", err)
		}
		if digest != tok.ExpectedMD5 {
			return FlashResult{}, fmt.Errorf("orchestrator: downloaded rom md5 %s does not match server-reported %s", digest, tok.ExpectedMD5)
		}
	}

	p := params
	p.ROMPath = dest
	p.Token = tok.Value
	p.Wipe = p.Wipe || tok.WipeRequired
	return Flash(ctx, sess, client, opts, p, progress)
}

func downloadROM(ctx context.Context, httpClient *http.Client, url string) (string, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("orchestrator: build download request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("orchestrator: download rom: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("orchestrator: download rom: http %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "miassist-rom-*.zip")
	if err != nil {
		return "", fmt.Errorf("orchestrator: create temp file: %w", err)
	}
	defer tmp.Close()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("orchestrator: write downloaded rom: %w", err)
	}
	return tmp.Name(), nil
}

func md5File(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
