// Package lifecycle implements the guest lifecycle-manager protocol: a
// text-framed request/ack exchange between a guest and the Service VM,
// used to coordinate graceful shutdown and reboot.
package lifecycle

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/corehv/corehv/internal/debug"
)

// Message identifiers exchanged on the wire.
const (
	MsgSync              = "sync"
	MsgAckSync           = "ack_sync"
	MsgReqSysShutdown    = "req_sys_shutdown"
	MsgAckReqSysShutdown = "ack_req_sys_shutdown"
	MsgReqSysReboot      = "req_sys_reboot"
	MsgAckReqSysReboot   = "ack_req_sys_reboot"
	MsgUserVMShutdown    = "user_vm_shutdown"
	MsgAckUserVMShutdown = "ack_user_vm_shutdown"
	MsgUserVMReboot      = "user_vm_reboot"
	MsgAckUserVMReboot   = "ack_user_vm_reboot"
	MsgPoweroffCmd       = "poweroff_cmd"
	MsgAckPoweroff       = "ack_poweroff"
)

// MaxMessageLen bounds a single frame.
const MaxMessageLen = 32

// DefaultMaxRetries is the number of retransmissions performed before
// giving up on an ack.
const DefaultMaxRetries = 3

// DefaultRetryInterval is the minimum spacing between retransmissions.
const DefaultRetryInterval = 2 * time.Second

// State is the guest-side lifecycle state machine's current state.
type State int

const (
	StateReqWaiting State = iota
	StateReqFromService
	StateReqFromGuest
	StateAckWaiting
	StatePoweroff
)

func (s State) String() string {
	switch s {
	case StateReqWaiting:
		return "req_waiting"
	case StateReqFromService:
		return "req_from_service"
	case StateReqFromGuest:
		return "req_from_guest"
	case StateAckWaiting:
		return "ack_waiting"
	case StatePoweroff:
		return "poweroff"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ackFor returns the ack identifier for a request message.
func ackFor(msg string) string {
	return "ack_" + msg
}

// Transport is a framed byte-stream endpoint: a guest's virtio-console/
// serial line, or the Service VM's accepted AF_INET connection.
type Transport interface {
	io.ReadWriter
}

// writeFrame appends the protocol's newline frame delimiter.
func writeFrame(w io.Writer, msg string) error {
	_, err := io.WriteString(w, msg+"\n")
	return err
}

// Endpoint reads/writes framed messages over a Transport, tracking
// nothing protocol-specific itself; Guest and Service wrap it with
// their respective state machines.
type Endpoint struct {
	mu   sync.Mutex
	conn Transport
	r    *bufio.Reader
	dbg  debug.Debug
}

// NewEndpoint wraps conn.
func NewEndpoint(conn Transport) *Endpoint {
	return &Endpoint{conn: conn, r: bufio.NewReader(conn), dbg: debug.WithSource("lifecycle")}
}

// Send writes one frame.
func (e *Endpoint) Send(msg string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dbg.Writef("send %q", msg)
	return writeFrame(e.conn, msg)
}

// Recv reads one frame, blocking until a full line (delimited by \n or
// \0) arrives or the read deadline set on the underlying Transport
// elapses.
func (e *Endpoint) Recv() (string, error) {
	var buf []byte
	for {
		b, err := e.r.ReadByte()
		if err != nil {
			if len(buf) == 0 {
				return "", err
			}
			break
		}
		if b == '\n' || b == 0 {
			break
		}
		buf = append(buf, b)
	}
	line := string(buf)
	if len(line) > MaxMessageLen {
		line = line[:MaxMessageLen]
	}
	e.dbg.Writef("recv %q", line)
	return line, nil
}

// deadlineSetter is implemented by net.Conn; when the wrapped
// Transport supports it, RecvTimeout uses a real read deadline instead
// of a detached goroutine, so a timed-out read does not leave a
// background reader racing the next attempt on the same bufio.Reader.
type deadlineSetter interface {
	SetReadDeadline(t time.Time) error
}

// RecvTimeout reads one frame, or returns ctx.Err() (or a timeout
// error) if ctx is done first. Like Recv, it assumes only one caller
// reads from this Endpoint at a time.
func (e *Endpoint) RecvTimeout(ctx context.Context) (string, error) {
	deadline, hasDeadline := ctx.Deadline()
	if ds, ok := e.conn.(deadlineSetter); ok {
		if hasDeadline {
			_ = ds.SetReadDeadline(deadline)
		} else {
			_ = ds.SetReadDeadline(time.Time{})
		}
		defer ds.SetReadDeadline(time.Time{})
		msg, err := e.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
		return msg, nil
	}

	// No deadline support: fall back to a cancelable goroutine. The
	// Transport implementations this package ships (net.Conn, net.Pipe)
	// all support deadlines, so this path exists only for exotic
	// Transport implementations.
	type result struct {
		msg string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := e.Recv()
		ch <- result{msg, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		return res.msg, res.err
	}
}
