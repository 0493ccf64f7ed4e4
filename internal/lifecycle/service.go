package lifecycle

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/corehv/corehv/internal/debug"
)

// GuestHandle is the Service VM's view of one connected guest
// lifecycle endpoint: the name it synced with, and the ability to
// order it to shut down or reboot.
type GuestHandle struct {
	ep   *Endpoint
	Name string
	dbg  debug.Debug
}

// Shutdown sends user_vm_shutdown and awaits the guest's ack, retrying
// per the same policy a guest-initiated request uses.
func (h *GuestHandle) Shutdown(ctx context.Context, maxRetries int) error {
	return h.orderAndAwaitAck(ctx, MsgUserVMShutdown, MsgAckUserVMShutdown, maxRetries)
}

// Reboot is Shutdown's reboot counterpart.
func (h *GuestHandle) Reboot(ctx context.Context, maxRetries int) error {
	return h.orderAndAwaitAck(ctx, MsgUserVMReboot, MsgAckUserVMReboot, maxRetries)
}

func (h *GuestHandle) orderAndAwaitAck(ctx context.Context, order, ack string, maxRetries int) error {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := h.ep.Send(order); err != nil {
			return err
		}
		recvCtx, cancel := context.WithTimeout(ctx, DefaultRetryInterval)
		got, err := h.ep.RecvTimeout(recvCtx)
		cancel()
		if err == nil && got == ack {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("lifecycle: guest %s never acked %s", h.Name, order)
}

// Poweroff sends poweroff_cmd to this guest and waits for its
// ack_poweroff.
func (h *GuestHandle) Poweroff(ctx context.Context) error {
	if err := h.ep.Send(MsgPoweroffCmd); err != nil {
		return err
	}
	recvCtx, cancel := context.WithTimeout(ctx, DefaultRetryInterval)
	defer cancel()
	got, err := h.ep.RecvTimeout(recvCtx)
	if err != nil {
		return err
	}
	if got != MsgAckPoweroff {
		return fmt.Errorf("lifecycle: guest %s replied %q to poweroff_cmd", h.Name, got)
	}
	return nil
}

// Service is the Service-VM-side lifecycle manager: it accepts guest
// connections, completes the
// sync:<name>/ack_sync handshake, and serves subsequent
// req_sys_shutdown/req_sys_reboot requests initiated by the guest.
type Service struct {
	listener net.Listener
	dbg      debug.Debug
}

// Listen starts the AF_INET listener guests connect to.
func Listen(addr string) (*Service, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: listen %s: %w", addr, err)
	}
	return &Service{listener: ln, dbg: debug.WithSource("lifecycle")}, nil
}

// Close stops accepting new guest connections.
func (s *Service) Close() error { return s.listener.Close() }

// Addr returns the listener's bound address, useful when Listen was
// called with an ephemeral port (":0").
func (s *Service) Addr() net.Addr { return s.listener.Addr() }

// Accept blocks for the next guest connection, completes its sync
// handshake, and returns a GuestHandle plus the request message it
// sent (req_sys_shutdown or req_sys_reboot).
func (s *Service) Accept(ctx context.Context) (*GuestHandle, string, error) {
	conn, err := s.listener.Accept()
	if err != nil {
		return nil, "", err
	}
	ep := NewEndpoint(conn)

	msg, err := ep.RecvTimeout(ctx)
	if err != nil {
		conn.Close()
		return nil, "", err
	}

	handle := &GuestHandle{ep: ep, dbg: s.dbg}
	if strings.HasPrefix(msg, MsgSync+":") {
		handle.Name = strings.TrimPrefix(msg, MsgSync+":")
		_ = ep.Send(MsgAckSync)
		msg, err = ep.RecvTimeout(ctx)
		if err != nil {
			return handle, "", err
		}
	}

	switch msg {
	case MsgReqSysShutdown:
		_ = ep.Send(MsgAckReqSysShutdown)
	case MsgReqSysReboot:
		_ = ep.Send(MsgAckReqSysReboot)
	}
	return handle, msg, nil
}
