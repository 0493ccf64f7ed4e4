package chipset

import (
	"context"

	"github.com/corehv/corehv/internal/hv"
)

// PortIOHandler handles reads and writes to individual I/O ports.
type PortIOHandler interface {
	ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error
	WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error
}

// PortIOIntercept describes the ports a device wants to serve and the handler for them.
type PortIOIntercept struct {
	Ports   []uint16
	Handler PortIOHandler
}

// MmioHandler handles reads and writes to memory-mapped regions.
type MmioHandler interface {
	ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error
}

// MmioIntercept describes the MMIO regions a device serves and the handler for them.
type MmioIntercept struct {
	Regions []hv.MMIORegion
	Handler MmioHandler
}

// PollHandler performs periodic maintenance for a device that requires polling.
type PollHandler interface {
	Poll(ctx context.Context) error
}

// PollDevice registers a poll-capable device with the chipset.
type PollDevice struct {
	Handler PollHandler
}

// ChangeDeviceState exposes lifecycle hooks for chipset devices.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// ChipsetDevice is the unified interface all chipset devices must implement.
type ChipsetDevice interface {
	hv.Device
	ChangeDeviceState

	SupportsPortIO() *PortIOIntercept
	SupportsMmio() *MmioIntercept
	SupportsPollDevice() *PollDevice
}
