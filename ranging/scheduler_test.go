package ranging

import (
	"testing"
	"time"

	"github.com/jlarnal/Squeek/config"
	"github.com/jlarnal/Squeek/peers"
	"github.com/jlarnal/Squeek/wire"
)

func addr(n byte) wire.Addr {
	return wire.Addr{0xAA, 0x00, 0x00, 0x00, 0x00, n}
}

type sentMsg struct {
	to      wire.Addr
	payload []byte
}

type harness struct {
	dir    *peers.Directory
	sched  *Scheduler
	sent   []sentMsg
	drains int
}

func newHarness(t *testing.T, nPeers int) *harness {
	t.Helper()
	h := &harness{}
	h.dir = peers.NewDirectory(addr(1), addr(0x81), 4100)
	for n := 2; n <= nPeers; n++ {
		h.dir.UpdateFromHeartbeat(addr(byte(n)), 3900, peers.FlagAlive, addr(byte(0x80+n)))
	}
	cfg := config.Default()
	h.sched = NewScheduler(h.dir,
		func() config.Config { return cfg },
		func(to wire.Addr, payload []byte) error {
			h.sent = append(h.sent, sentMsg{to, payload})
			return nil
		},
		func() { h.drains++ })
	return h
}

// lastWake decodes the most recent wake out of the captured traffic.
func (h *harness) lastWake(t *testing.T) wire.RangeWake {
	t.Helper()
	for i := len(h.sent) - 1; i >= 0; i-- {
		if wire.MsgType(h.sent[i].payload) == wire.MsgRangeWake {
			m, err := wire.DecodeRangeWake(h.sent[i].payload)
			if err != nil {
				t.Fatal(err)
			}
			return m
		}
	}
	t.Fatal("no wake message captured")
	return wire.RangeWake{}
}

func TestEnqueueDedupsUnorderedPairs(t *testing.T) {
	h := newHarness(t, 3)
	if !h.sched.EnqueuePair(0, 1, PrioritySweep) {
		t.Fatal("first enqueue refused")
	}
	if h.sched.EnqueuePair(1, 0, PrioritySweep) {
		t.Error("reversed pair must be deduplicated")
	}
	if h.sched.EnqueuePair(0, 1, PriorityNewNode) {
		t.Error("same pair at another priority must be deduplicated")
	}
	if h.sched.QueueLen() != 1 {
		t.Errorf("expected 1 queued job, got %d", h.sched.QueueLen())
	}
	if h.sched.EnqueuePair(2, 2, PrioritySweep) {
		t.Error("self pair must be refused")
	}
}

func TestEnqueueOrdersByPriority(t *testing.T) {
	h := newHarness(t, 4)
	h.sched.EnqueuePair(0, 1, PrioritySweep)
	h.sched.EnqueuePair(0, 2, PriorityStale)
	h.sched.EnqueuePair(0, 3, PriorityNewNode)

	now := time.Now()
	h.sched.Pump(now)
	wake := h.lastWake(t)
	if wake.Responder != addr(4) {
		t.Errorf("new-node pair should run first, woke %s", wake.Responder)
	}
}

func TestInFlightDedup(t *testing.T) {
	h := newHarness(t, 2)
	h.sched.EnqueuePair(0, 1, PrioritySweep)
	h.sched.Pump(time.Now())
	if !h.sched.InFlight() {
		t.Fatal("pair should be in flight")
	}
	if h.sched.EnqueuePair(0, 1, PrioritySweep) {
		t.Error("in-flight pair must not be re-enqueued")
	}
}

func TestSingleInFlightPair(t *testing.T) {
	h := newHarness(t, 3)
	h.sched.EnqueuePair(0, 1, PrioritySweep)
	h.sched.EnqueuePair(0, 2, PrioritySweep)

	h.sched.Pump(time.Now())
	wakes := 0
	for _, m := range h.sent {
		if wire.MsgType(m.payload) == wire.MsgRangeWake {
			wakes++
		}
	}
	// One wake per endpoint of one pair, nothing for the second pair.
	if wakes != 2 {
		t.Errorf("expected exactly one in-flight pair (2 wake sends), got %d", wakes)
	}
	if h.sched.QueueLen() != 1 {
		t.Errorf("second pair should stay queued, queue=%d", h.sched.QueueLen())
	}
}

func TestFullExchangeRecordsDistance(t *testing.T) {
	h := newHarness(t, 2)
	h.sched.EnqueuePair(0, 1, PrioritySweep)
	h.sched.Pump(time.Now())
	wake := h.lastWake(t)

	h.sched.OnReady(wire.RangeReady{Session: wake.Session, Addr: wake.Initiator})
	h.sched.OnReady(wire.RangeReady{Session: wake.Session, Addr: wake.Responder})

	var goMsg wire.RangeGo
	found := false
	for _, m := range h.sent {
		if wire.MsgType(m.payload) == wire.MsgRangeGo {
			var err error
			goMsg, err = wire.DecodeRangeGo(m.payload)
			if err != nil {
				t.Fatal(err)
			}
			if m.to != wake.Initiator {
				t.Errorf("go-ahead sent to %s, want initiator %s", m.to, wake.Initiator)
			}
			found = true
		}
	}
	if !found {
		t.Fatal("no go-ahead after both endpoints ready")
	}
	if goMsg.TargetRanging != wake.ResponderRanging {
		t.Errorf("go-ahead names %s, want responder ranging %s", goMsg.TargetRanging, wake.ResponderRanging)
	}

	h.sched.OnResult(wire.RangeResult{
		Session: wake.Session, Initiator: wake.Initiator, Responder: wake.Responder,
		DistanceCM: 300, Status: wire.RangeOK,
	})
	if got := h.dir.Distance(0, 1); got != 300 {
		t.Errorf("distance not recorded, got %v", got)
	}
	if h.sched.InFlight() {
		t.Error("pair should be idle after its result")
	}
	if h.drains != 1 {
		t.Errorf("queue drained, expected 1 solve trigger, got %d", h.drains)
	}
}

func TestFailedResultLeavesNoDistance(t *testing.T) {
	h := newHarness(t, 2)
	h.sched.EnqueuePair(0, 1, PrioritySweep)
	h.sched.Pump(time.Now())
	wake := h.lastWake(t)
	h.sched.OnReady(wire.RangeReady{Session: wake.Session, Addr: wake.Initiator})
	h.sched.OnReady(wire.RangeReady{Session: wake.Session, Addr: wake.Responder})

	h.sched.OnResult(wire.RangeResult{
		Session: wake.Session, Initiator: wake.Initiator, Responder: wake.Responder,
		Status: wire.RangeTimeout,
	})
	if got := h.dir.Distance(0, 1); got != peers.NoDistance {
		t.Errorf("failed pair must not record a distance, got %v", got)
	}
	if h.sched.InFlight() {
		t.Error("failed pair must advance to idle")
	}
}

func TestReadyTimeoutAbortsPair(t *testing.T) {
	h := newHarness(t, 2)
	h.sched.EnqueuePair(0, 1, PrioritySweep)

	start := time.Now()
	h.sched.Pump(start)
	if !h.sched.InFlight() {
		t.Fatal("pair should be in flight")
	}

	timeout := config.Default().PairTimeout()
	h.sched.Pump(start.Add(timeout + time.Millisecond))
	if h.sched.InFlight() {
		t.Error("pair stuck in WaitingReady past one pair timeout")
	}
}

func TestResultTimeoutAbortsWithinTwoTimeouts(t *testing.T) {
	h := newHarness(t, 2)
	h.sched.EnqueuePair(0, 1, PrioritySweep)

	start := time.Now()
	h.sched.Pump(start)
	wake := h.lastWake(t)
	h.sched.OnReady(wire.RangeReady{Session: wake.Session, Addr: wake.Initiator})
	h.sched.OnReady(wire.RangeReady{Session: wake.Session, Addr: wake.Responder})

	timeout := config.Default().PairTimeout()
	// One timeout in: still waiting for the result.
	h.sched.Pump(start.Add(timeout + time.Millisecond))
	if !h.sched.InFlight() {
		t.Fatal("result wait aborted too early")
	}
	h.sched.Pump(start.Add(2*timeout + time.Millisecond))
	if h.sched.InFlight() {
		t.Error("pair stuck in WaitingResult past two pair timeouts")
	}
}

func TestDequeueSkipsDeadPeers(t *testing.T) {
	h := newHarness(t, 3)
	h.sched.EnqueuePair(0, 1, PrioritySweep)
	h.sched.EnqueuePair(0, 2, PrioritySweep)
	h.dir.ScanStaleness(time.Now().Add(time.Hour), time.Second)

	h.sched.Pump(time.Now())
	if h.sched.InFlight() {
		t.Error("no viable pair should start once both peers are dead")
	}
	if h.sched.QueueLen() != 0 {
		t.Errorf("dead pairs must be discarded, queue=%d", h.sched.QueueLen())
	}
}

func TestEnqueueNewNodeBoundsAnchors(t *testing.T) {
	h := newHarness(t, 6)
	h.sched.EnqueueNewNode(5)
	want := config.Default().Ranging.NewNodeAnchors
	if h.sched.QueueLen() != want {
		t.Errorf("expected %d anchor pairs, got %d", want, h.sched.QueueLen())
	}
}

func TestSweepStaleRequeuesOldEdges(t *testing.T) {
	h := newHarness(t, 3)
	h.dir.SetDistance(0, 1, 250)

	// Fresh edge (0,1) is skipped, unmeasured edges (0,2) and (1,2) requeued.
	h.sched.SweepStale(time.Now())
	if h.sched.QueueLen() != 2 {
		t.Fatalf("expected 2 stale edges, got %d", h.sched.QueueLen())
	}
	window := config.Default().StalenessWindow()
	h.sched.SweepStale(time.Now().Add(window + time.Second))
	if h.sched.QueueLen() != 3 {
		t.Errorf("aged edge should be requeued, got %d", h.sched.QueueLen())
	}
}

func TestCancelDropsEverythingWithoutSolve(t *testing.T) {
	h := newHarness(t, 3)
	h.sched.EnqueuePair(0, 1, PrioritySweep)
	h.sched.EnqueuePair(0, 2, PrioritySweep)
	h.sched.Pump(time.Now())

	h.sched.Cancel()
	if h.sched.InFlight() || h.sched.QueueLen() != 0 {
		t.Error("cancel must clear the in-flight pair and the queue")
	}
	h.sched.Pump(time.Now())
	if h.drains != 0 {
		t.Errorf("cancel must not trigger a solve, got %d", h.drains)
	}

	canceled := false
	for _, m := range h.sent {
		if wire.MsgType(m.payload) == wire.MsgRangeCancel {
			canceled = true
		}
	}
	if !canceled {
		t.Error("endpoints were not told about the cancel")
	}
}

func TestSessionsAnswerWakeAndGo(t *testing.T) {
	gateway := addr(1)
	me := addr(2)
	peer := addr(3)
	peerRanging := addr(0x83)

	radio := NewSimRadio(11)
	radio.DistancesCM[peerRanging] = 300
	radio.NoisePS = 0

	var replies []sentMsg
	s := NewSessions(me, radio, func(to wire.Addr, payload []byte) error {
		replies = append(replies, sentMsg{to, payload})
		return nil
	})

	wake := wire.RangeWake{Initiator: me, Responder: peer, ResponderRanging: peerRanging}
	copy(wake.Session[:], []byte("0123456789abcdef"))
	s.OnWake(wake, gateway)

	if len(replies) != 1 || wire.MsgType(replies[0].payload) != wire.MsgRangeReady {
		t.Fatalf("expected a ready reply, got %d messages", len(replies))
	}
	ready, err := wire.DecodeRangeReady(replies[0].payload)
	if err != nil {
		t.Fatal(err)
	}
	if ready.Session != wake.Session || ready.Addr != me || replies[0].to != gateway {
		t.Error("ready reply misaddressed or mislabeled")
	}

	s.OnGo(wire.RangeGo{Session: wake.Session, TargetRanging: peerRanging, Samples: 8}, gateway)
	if len(replies) != 2 || wire.MsgType(replies[1].payload) != wire.MsgRangeResult {
		t.Fatalf("expected a result reply, got %d messages", len(replies))
	}
	res, err := wire.DecodeRangeResult(replies[1].payload)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != wire.RangeOK {
		t.Fatalf("expected success, got status %d", res.Status)
	}
	if res.DistanceCM < 299 || res.DistanceCM > 301 {
		t.Errorf("expected ~300 cm, got %v", res.DistanceCM)
	}
	if res.Initiator != me || res.Responder != peer {
		t.Error("result must carry the pair from the wake")
	}
}

func TestSessionsRefuseOverlappingWake(t *testing.T) {
	gateway := addr(1)
	radio := NewSimRadio(3)
	var replies []sentMsg
	s := NewSessions(addr(2), radio, func(to wire.Addr, payload []byte) error {
		replies = append(replies, sentMsg{to, payload})
		return nil
	})

	first := wire.RangeWake{Initiator: addr(2), Responder: addr(3)}
	copy(first.Session[:], []byte("aaaaaaaaaaaaaaaa"))
	s.OnWake(first, gateway)

	second := wire.RangeWake{Initiator: addr(2), Responder: addr(4)}
	copy(second.Session[:], []byte("bbbbbbbbbbbbbbbb"))
	s.OnWake(second, gateway)

	if len(replies) != 1 {
		t.Fatalf("second wake must be refused while a session is active, got %d replies", len(replies))
	}

	s.OnCancel(wire.RangeCancel{Session: first.Session})
	s.OnWake(second, gateway)
	if len(replies) != 2 {
		t.Error("after cancel the next wake should be accepted")
	}
}
