// Package usbcarrier owns exactly one claimed USB interface and offers
// bulk_write/bulk_read primitives to whatever session layer multiplexes
// logical streams over it. It knows nothing about ADB packets.
package usbcarrier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// Mi Assistant recovery exposes a dedicated vendor-specific interface:
// class 0xFF, subclass 0x42, protocol 0x01.
const (
	miAssistantClass    = 0xFF
	miAssistantSubClass = 0x42
	miAssistantProtocol = 0x01
)

// Sentinel errors surfaced by Open.
var (
	ErrNoDevice        = errors.New("usbcarrier: no matching device")
	ErrPermissionDenied = errors.New("usbcarrier: permission denied")
	ErrInterfaceBusy    = errors.New("usbcarrier: interface busy")
)

// Carrier is the contract the ADB session depends on. The concrete
// gousb-backed type below is the only production implementation; tests
// supply an in-memory fake.
type Carrier interface {
	BulkWrite(ctx context.Context, data []byte) error
	BulkRead(ctx context.Context, max int) ([]byte, error)
	Close() error
}

// PacketLogger receives the raw bytes of every bulk transfer for
// --debug-usb hex-dump diagnostics. xlog.Logger satisfies this.
type PacketLogger interface {
	USBDump(direction string, data []byte)
}

// USBCarrier claims one Mi Assistant interface via libusb (through
// gousb) and exposes blocking bulk transfers with caller-supplied
// timeouts.
type USBCarrier struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	maxPkt int
	dump   PacketLogger
}

// Open enumerates attached USB devices, selects the deviceIndex-th one
// exposing the Mi Assistant interface, claims it, and resolves its bulk
// IN/OUT endpoint pair. dump may be nil; when set, every bulk transfer
// is hex-dumped through it.
func Open(deviceIndex int, dump PacketLogger) (*USBCarrier, error) {
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		for _, cfg := range desc.Configs {
			for _, intf := range cfg.Interfaces {
				for _, alt := range intf.AltSettings {
					if alt.Class == gousb.Class(miAssistantClass) &&
						alt.SubClass == gousb.Class(miAssistantSubClass) &&
						alt.Protocol == gousb.Protocol(miAssistantProtocol) {
						return true
					}
				}
			}
		}
		return false
	})
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if len(devs) == 0 {
		ctx.Close()
		return nil, ErrNoDevice
	}
	if deviceIndex < 0 || deviceIndex >= len(devs) {
		for i, d := range devs {
			if i != deviceIndex {
				d.Close()
			}
		}
		ctx.Close()
		return nil, fmt.Errorf("%w: index %d out of range (%d found)", ErrNoDevice, deviceIndex, len(devs))
	}

	chosen := devs[deviceIndex]
	for i, d := range devs {
		if i != deviceIndex {
			d.Close()
		}
	}

	ifNum, altNum, inAddr, outAddr, found := findMiAssistantInterface(chosen.Desc)
	if !found {
		chosen.Close()
		ctx.Close()
		return nil, ErrNoDevice
	}

	chosen.SetAutoDetach(true)

	cfgNum := 1
	if chosen.Desc.Configs != nil {
		for num := range chosen.Desc.Configs {
			cfgNum = num
			break
		}
	}
	cfg, err := chosen.Config(cfgNum)
	if err != nil {
		chosen.Close()
		ctx.Close()
		return nil, fmt.Errorf("%w: %v", ErrInterfaceBusy, err)
	}

	intf, err := cfg.Interface(ifNum, altNum)
	if err != nil {
		cfg.Close()
		chosen.Close()
		ctx.Close()
		return nil, fmt.Errorf("%w: %v", ErrInterfaceBusy, err)
	}

	in, err := intf.InEndpoint(inAddr)
	if err != nil {
		intf.Close()
		cfg.Close()
		chosen.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbcarrier: open IN endpoint: %w", err)
	}

	out, err := intf.OutEndpoint(outAddr)
	if err != nil {
		intf.Close()
		cfg.Close()
		chosen.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbcarrier: open OUT endpoint: %w", err)
	}

	return &USBCarrier{
		ctx:    ctx,
		dev:    chosen,
		cfg:    cfg,
		intf:   intf,
		in:     in,
		out:    out,
		maxPkt: in.Desc.MaxPacketSize,
		dump:   dump,
	}, nil
}

// findMiAssistantInterface walks a device descriptor looking for the
// vendor interface and one bulk IN + one bulk OUT endpoint on it.
func findMiAssistantInterface(desc *gousb.DeviceDesc) (ifNum, altNum int, in, out gousb.EndpointAddress, found bool) {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class != gousb.Class(miAssistantClass) ||
					alt.SubClass != gousb.Class(miAssistantSubClass) ||
					alt.Protocol != gousb.Protocol(miAssistantProtocol) {
					continue
				}
				var haveIn, haveOut bool
				for addr, ep := range alt.Endpoints {
					if ep.TransferType != gousb.TransferTypeBulk {
						continue
					}
					if ep.Direction == gousb.EndpointDirectionIn {
						in = addr
						haveIn = true
					} else {
						out = addr
						haveOut = true
					}
				}
				if haveIn && haveOut {
					return intf.Number, alt.Number, in, out, true
				}
			}
		}
	}
	return 0, 0, 0, 0, false
}

// BulkWrite writes data to the OUT endpoint, blocking until timeout.
func (c *USBCarrier) BulkWrite(ctx context.Context, data []byte) error {
	if c.dump != nil {
		c.dump.USBDump("tx", data)
	}
	_, err := c.out.WriteContext(ctx, data)
	if err != nil {
		return fmt.Errorf("usbcarrier: bulk write: %w", err)
	}
	return nil
}

// BulkRead reads up to max bytes from the IN endpoint. Short reads are
// returned as-is; zero-length reads are retried until the context
// deadline expires.
func (c *USBCarrier) BulkRead(ctx context.Context, max int) ([]byte, error) {
	buf := make([]byte, max)
	for {
		n, err := c.in.ReadContext(ctx, buf)
		if err != nil {
			return nil, fmt.Errorf("usbcarrier: bulk read: %w", err)
		}
		if n > 0 {
			if c.dump != nil {
				c.dump.USBDump("rx", buf[:n])
			}
			return buf[:n], nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}

// Close releases the interface, closes the device, and tears down the
// libusb context. Safe to call once; release of the interface is
// guaranteed on all exit paths that reach here.
func (c *USBCarrier) Close() error {
	if c.intf != nil {
		c.intf.Close()
	}
	if c.cfg != nil {
		c.cfg.Close()
	}
	if c.dev != nil {
		c.dev.Close()
	}
	if c.ctx != nil {
		c.ctx.Close()
	}
	return nil
}

// DefaultTimeout is used for control packets (handshake, OPEN/OKAY/CLSE).
const DefaultTimeout = 10 * time.Second

// SideloadTimeout is used for long sideload block writes.
const SideloadTimeout = 60 * time.Second
