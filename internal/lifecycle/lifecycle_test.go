package lifecycle_test

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/corehv/corehv/internal/lifecycle"
)

type fakeAction struct {
	poweroffCh chan struct{}
	rebootCh   chan struct{}
}

func newFakeAction() *fakeAction {
	return &fakeAction{poweroffCh: make(chan struct{}, 1), rebootCh: make(chan struct{}, 1)}
}

func (a *fakeAction) Poweroff() { a.poweroffCh <- struct{}{} }
func (a *fakeAction) Reboot()   { a.rebootCh <- struct{}{} }

func TestGuestRequestShutdownAckedImmediately(t *testing.T) {
	guestConn, peer := net.Pipe()
	defer guestConn.Close()
	defer peer.Close()

	action := newFakeAction()
	guest := lifecycle.NewGuest(guestConn, lifecycle.GuestConfig{
		Name:          "uos",
		Action:        action,
		RetryInterval: 50 * time.Millisecond,
	})

	peerR := bufio.NewReader(peer)
	go func() {
		line, _ := peerR.ReadString('\n')
		if strings.TrimSpace(line) != lifecycle.MsgReqSysShutdown {
			t.Errorf("expected req_sys_shutdown, got %q", line)
		}
		peer.Write([]byte(lifecycle.MsgAckReqSysShutdown + "\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	guest.RequestShutdown(ctx)

	select {
	case <-action.poweroffCh:
	case <-time.After(time.Second):
		t.Fatalf("expected Poweroff to be invoked")
	}
	if guest.State() != lifecycle.StatePoweroff {
		t.Fatalf("expected final state poweroff, got %s", guest.State())
	}
}

// TestGuestPowersOffEvenWithoutAck: failure to get an ack is logged
// and the shutdown is still performed.
func TestGuestPowersOffEvenWithoutAck(t *testing.T) {
	guestConn, peer := net.Pipe()
	defer guestConn.Close()

	action := newFakeAction()
	guest := lifecycle.NewGuest(guestConn, lifecycle.GuestConfig{
		Name:          "uos",
		Action:        action,
		MaxRetries:    1,
		RetryInterval: 20 * time.Millisecond,
	})

	// Drain sends but never reply, so every retry times out.
	go func() {
		r := bufio.NewReader(peer)
		for {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	guest.RequestShutdown(ctx)

	select {
	case <-action.poweroffCh:
	case <-time.After(time.Second):
		t.Fatalf("expected Poweroff even though no ack was ever received")
	}
}

func TestGuestServesIncomingPoweroffCmd(t *testing.T) {
	guestConn, peer := net.Pipe()
	defer guestConn.Close()

	action := newFakeAction()
	guest := lifecycle.NewGuest(guestConn, lifecycle.GuestConfig{Name: "uos", Action: action})

	done := make(chan error, 1)
	go func() { done <- guest.ServeIncoming(context.Background()) }()

	peer.Write([]byte(lifecycle.MsgPoweroffCmd + "\n"))
	peerR := bufio.NewReader(peer)
	ack, err := peerR.ReadString('\n')
	if err != nil {
		t.Fatalf("reading ack: %v", err)
	}
	if strings.TrimSpace(ack) != lifecycle.MsgAckPoweroff {
		t.Fatalf("expected ack_poweroff, got %q", ack)
	}

	select {
	case <-action.poweroffCh:
	case <-time.After(time.Second):
		t.Fatalf("expected Poweroff to be invoked")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ServeIncoming: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("ServeIncoming did not return")
	}
}

func TestServiceAcceptsSyncThenShutdownRequest(t *testing.T) {
	svc, err := lifecycle.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer svc.Close()

	addr := svc.Addr().String()

	connDone := make(chan error, 1)
	go func() {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			connDone <- err
			return
		}
		defer conn.Close()
		conn.Write([]byte("sync:uos\n"))
		r := bufio.NewReader(conn)
		ack, _ := r.ReadString('\n')
		if strings.TrimSpace(ack) != lifecycle.MsgAckSync {
			connDone <- nil
			return
		}
		conn.Write([]byte(lifecycle.MsgReqSysShutdown + "\n"))
		r.ReadString('\n')
		connDone <- nil
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	handle, msg, err := svc.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if handle.Name != "uos" {
		t.Fatalf("expected guest name uos, got %q", handle.Name)
	}
	if msg != lifecycle.MsgReqSysShutdown {
		t.Fatalf("expected req_sys_shutdown, got %q", msg)
	}

	if err := <-connDone; err != nil {
		t.Fatalf("client side: %v", err)
	}
}
