package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PowerAction is what a guest actually does once the lifecycle state
// machine decides to power off or reboot.
type PowerAction interface {
	Poweroff()
	Reboot()
}

// Guest is the guest-side lifecycle endpoint and its state machine.
type Guest struct {
	ep         *Endpoint
	name       string
	action     PowerAction
	maxRetries int
	retryEvery time.Duration

	stateMu sync.Mutex
	state   State
}

// GuestConfig configures a Guest endpoint; zero-value MaxRetries/
// RetryInterval fall back to the package defaults.
type GuestConfig struct {
	Name          string
	Action        PowerAction
	MaxRetries    int
	RetryInterval time.Duration
}

// NewGuest wraps conn as a guest-side lifecycle endpoint.
func NewGuest(conn Transport, cfg GuestConfig) *Guest {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	return &Guest{
		ep:         NewEndpoint(conn),
		name:       cfg.Name,
		action:     cfg.Action,
		maxRetries: cfg.MaxRetries,
		retryEvery: cfg.RetryInterval,
		state:      StateReqWaiting,
	}
}

// State returns the guest's current lifecycle state.
func (g *Guest) State() State {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	return g.state
}

func (g *Guest) setState(s State) {
	g.stateMu.Lock()
	g.state = s
	g.stateMu.Unlock()
}

// Sync sends the initial sync:<name> handshake and waits for ack_sync,
// retrying per maxRetries/retryEvery.
func (g *Guest) Sync(ctx context.Context) error {
	msg := fmt.Sprintf("%s:%s", MsgSync, g.name)
	return g.sendAndAwaitAck(ctx, msg, MsgAckSync)
}

// RequestShutdown drives REQ_WAITING -> REQ_FROM_GUEST -> ACK_WAITING
// -> poweroff: it sends req_sys_shutdown, retries up to maxRetries
// times at retryEvery if no ack arrives, and powers off regardless of
// whether an ack was ultimately received.
func (g *Guest) RequestShutdown(ctx context.Context) {
	g.requestAndPower(ctx, MsgReqSysShutdown, MsgAckReqSysShutdown, g.action.Poweroff)
}

// RequestReboot is RequestShutdown's reboot counterpart.
func (g *Guest) RequestReboot(ctx context.Context) {
	g.requestAndPower(ctx, MsgReqSysReboot, MsgAckReqSysReboot, g.action.Reboot)
}

func (g *Guest) requestAndPower(ctx context.Context, req, ack string, then func()) {
	g.setState(StateReqFromGuest)
	if err := g.ep.Send(req); err == nil {
		g.setState(StateAckWaiting)
		_ = g.awaitAckWithRetries(ctx, req, ack)
	}
	g.setState(StatePoweroff)
	then()
}

// sendAndAwaitAck sends msg then blocks for ack, retrying on timeout;
// unlike requestAndPower it reports failure instead of powering off,
// since Sync failing does not by itself trigger shutdown.
func (g *Guest) sendAndAwaitAck(ctx context.Context, msg, ack string) error {
	if err := g.ep.Send(msg); err != nil {
		return err
	}
	return g.awaitAckWithRetries(ctx, msg, ack)
}

func (g *Guest) awaitAckWithRetries(ctx context.Context, msg, ack string) error {
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		recvCtx, cancel := context.WithTimeout(ctx, g.retryEvery)
		got, err := g.ep.RecvTimeout(recvCtx)
		cancel()
		if err == nil && got == ack {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < g.maxRetries {
			_ = g.ep.Send(msg)
		}
	}
	return fmt.Errorf("lifecycle: no %s received after %d retries", ack, g.maxRetries)
}

// ServeIncoming handles messages the Service VM initiates (shutdown/
// reboot orders, or a system-wide poweroff_cmd), running until ctx is
// canceled or a terminal power action is dispatched. It implements the
// REQ_WAITING -> (on receive) REQ_FROM_SERVICE -> ack -> poweroff arm
// of the state machine.
func (g *Guest) ServeIncoming(ctx context.Context) error {
	for {
		msg, err := g.ep.RecvTimeout(ctx)
		if err != nil {
			return err
		}
		if msg == "" {
			continue
		}
		g.setState(StateReqFromService)
		switch msg {
		case MsgUserVMShutdown:
			_ = g.ep.Send(MsgAckUserVMShutdown)
			g.setState(StatePoweroff)
			g.action.Poweroff()
			return nil
		case MsgUserVMReboot:
			_ = g.ep.Send(MsgAckUserVMReboot)
			g.setState(StatePoweroff)
			g.action.Reboot()
			return nil
		case MsgPoweroffCmd:
			_ = g.ep.Send(MsgAckPoweroff)
			g.setState(StatePoweroff)
			g.action.Poweroff()
			return nil
		default:
			g.setState(StateReqWaiting)
		}
	}
}
