// Package vendorcmd issues the short vendor text commands Mi Assistant
// recovery understands: each is a fresh OPEN whose destination is the
// command string itself, answered with a single WRTE reply line.
package vendorcmd

import (
	"context"
	"fmt"
	"strings"

	"miassist-flash/internal/adbsession"
)

// VendorCommandFailedError wraps a device reply beginning with "FAIL".
type VendorCommandFailedError struct {
	Command string
	Reply   string
}

func (e *VendorCommandFailedError) Error() string {
	return fmt.Sprintf("vendorcmd: %s failed: %s", e.Command, e.Reply)
}

// Identity is the device record populated by a sequence of get*
// commands.
type Identity struct {
	DeviceCodename string
	Serial         string
	Version        string
	Codebase       string
	Branch         string
	Language       string
	Region         string
	ROMZone        string
}

// Send opens a fresh stream for cmd, reads its one reply line, and
// closes the stream. format-data and reboot are terminal: the session
// may drop immediately after, which is not itself an error.
func Send(ctx context.Context, sess *adbsession.Session, cmd string) (string, error) {
	st, err := sess.OpenStream(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("vendorcmd: open %s: %w", cmd, err)
	}
	defer sess.CloseStream(ctx, st)

	reply, err := sess.ReadStream(ctx, st)
	if err != nil {
		if isTerminalCommand(cmd) {
			return "", nil
		}
		return "", fmt.Errorf("vendorcmd: read %s: %w", cmd, err)
	}

	text := strings.TrimRight(string(reply), "\x00\r\n")
	if strings.HasPrefix(text, "FAIL") {
		return "", &VendorCommandFailedError{Command: cmd, Reply: text}
	}
	return text, nil
}

func isTerminalCommand(cmd string) bool {
	return cmd == "format-data" || cmd == "reboot"
}

// ReadInfo runs the full identity probe sequence. Order is irrelevant
// except that terminal commands are never included here.
func ReadInfo(ctx context.Context, sess *adbsession.Session) (Identity, error) {
	var id Identity
	get := func(cmd string) (string, error) { return Send(ctx, sess, cmd) }

	var err error
	if id.DeviceCodename, err = get("getdevice"); err != nil {
		return Identity{}, err
	}
	if id.Serial, err = get("getsn"); err != nil {
		return Identity{}, err
	}
	if id.Version, err = get("getversion"); err != nil {
		return Identity{}, err
	}
	if id.Codebase, err = get("getcodebase"); err != nil {
		return Identity{}, err
	}
	if id.Branch, err = get("getbranch"); err != nil {
		return Identity{}, err
	}
	if id.Language, err = get("getlanguage"); err != nil {
		return Identity{}, err
	}
	if id.Region, err = get("getregion"); err != nil {
		return Identity{}, err
	}
	if id.ROMZone, err = get("getromzone"); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// FormatData issues format-data, vendor terminal command.
func FormatData(ctx context.Context, sess *adbsession.Session) error {
	_, err := Send(ctx, sess, "format-data")
	return err
}

// Reboot issues reboot, vendor terminal command.
func Reboot(ctx context.Context, sess *adbsession.Session) error {
	_, err := Send(ctx, sess, "reboot")
	return err
}
