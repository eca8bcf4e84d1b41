package topology

import (
	"testing"
	"time"

	"github.com/jlarnal/Squeek/wire"
)

func addr(n byte) wire.Addr {
	return wire.Addr{0x02, 0x00, 0x00, 0x00, 0x00, n}
}

func nextEvent(t *testing.T, p *Port) Event {
	t.Helper()
	select {
	case ev := <-p.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event within a second")
		return Event{}
	}
}

func drainKind(t *testing.T, p *Port, kind EventKind) Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-p.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %d event within a second", kind)
		}
	}
}

func TestFirstJoinerIsProvisionalRoot(t *testing.T) {
	f := NewFabric()
	a := f.Join(addr(1))
	b := f.Join(addr(2))

	if !a.IsRoot() || b.IsRoot() {
		t.Error("first joiner must hold the provisional root")
	}
	if ev := nextEvent(t, a); ev.Kind != Attached || ev.Addr != addr(1) {
		t.Errorf("unexpected first event on a: %+v", ev)
	}
	if ev := nextEvent(t, b); ev.Kind != Attached || ev.Addr != addr(1) {
		t.Errorf("b should attach under root %v, got %+v", addr(1), ev)
	}
	if ev := nextEvent(t, a); ev.Kind != ChildJoined || ev.Addr != addr(2) {
		t.Errorf("a should see b join, got %+v", ev)
	}
}

func TestFrameDeliveryAndBroadcast(t *testing.T) {
	f := NewFabric()
	a := f.Join(addr(1))
	b := f.Join(addr(2))
	c := f.Join(addr(3))

	if err := a.SendTo(addr(2), []byte{0x42}); err != nil {
		t.Fatal(err)
	}
	ev := drainKind(t, b, Frame)
	if ev.From != addr(1) || len(ev.Payload) != 1 || ev.Payload[0] != 0x42 {
		t.Errorf("unexpected frame: %+v", ev)
	}

	if err := b.Broadcast([]byte{0x07}); err != nil {
		t.Fatal(err)
	}
	for _, p := range []*Port{a, c} {
		ev := drainKind(t, p, Frame)
		if ev.From != addr(2) || ev.Payload[0] != 0x07 {
			t.Errorf("unexpected broadcast frame on %v: %+v", p.Self(), ev)
		}
	}

	if err := a.SendTo(addr(9), nil); err == nil {
		t.Error("send to an unknown member must fail")
	}
}

func TestRootLossPromotesOldestSurvivor(t *testing.T) {
	f := NewFabric()
	a := f.Join(addr(1))
	b := f.Join(addr(2))
	c := f.Join(addr(3))

	a.Leave()

	if ev := drainKind(t, b, Detached); ev.Addr != addr(1) {
		t.Errorf("b should see root %v detach, got %v", addr(1), ev.Addr)
	}
	if ev := drainKind(t, b, RootChanged); ev.Addr != addr(2) {
		t.Errorf("oldest survivor should inherit root, got %v", ev.Addr)
	}
	if !b.IsRoot() || c.IsRoot() {
		t.Error("root flag did not follow the promotion")
	}
	if b.MemberCount() != 2 {
		t.Errorf("expected 2 members left, got %d", b.MemberCount())
	}
}

func TestWaiveRootTo(t *testing.T) {
	f := NewFabric()
	a := f.Join(addr(1))
	b := f.Join(addr(2))

	if err := a.WaiveRootTo(addr(2)); err != nil {
		t.Fatal(err)
	}
	if !b.IsRoot() || a.IsRoot() {
		t.Error("waive must transfer the root")
	}
	if ev := drainKind(t, a, RootChanged); ev.Addr != addr(2) {
		t.Errorf("a should observe the new root, got %v", ev.Addr)
	}
	if err := a.WaiveRootTo(addr(9)); err == nil {
		t.Error("waiving to an unknown member must fail")
	}
}

func TestSendAfterLeaveDoesNotPanic(t *testing.T) {
	f := NewFabric()
	a := f.Join(addr(1))
	b := f.Join(addr(2))

	b.Leave()
	// The port is gone; delivery is refused but must never panic.
	if err := a.SendTo(addr(2), []byte{1}); err == nil {
		t.Error("send to a departed member must fail")
	}
}
