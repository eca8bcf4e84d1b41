package mesh

import (
	"log"
	"time"

	"github.com/jlarnal/Squeek/peers"
	"github.com/jlarnal/Squeek/ranging"
	"github.com/jlarnal/Squeek/solver"
	"github.com/jlarnal/Squeek/wire"
)

// Role is one of the two operating modes a node can hold. All methods run
// on the conductor's worker goroutine.
type Role interface {
	Name() string
	Begin()
	End()
	OnPeerJoined(addr wire.Addr)
	OnPeerLeft(addr wire.Addr)
	Handle(from wire.Addr, payload []byte)
}

// gatewayRole owns the peer directory, the ranging scheduler and the
// position solver. All of that state is constructed on Begin and torn down
// on End, so nothing of it survives a role change.
type gatewayRole struct {
	c     *Conductor
	dir   *peers.Directory
	sched *ranging.Scheduler
	solv  *solver.Solver

	fromShadow  bool
	stop        chan struct{}
	lonelyTicks int
}

func newGatewayRole(c *Conductor, fromShadow bool) *gatewayRole {
	return &gatewayRole{c: c, fromShadow: fromShadow, stop: make(chan struct{})}
}

func (g *gatewayRole) Name() string { return "gateway" }

func (g *gatewayRole) Begin() {
	cfg := g.c.cfg()
	self := g.c.topo.Self()
	battery := g.c.battery.ReadMillivolts()

	if g.fromShadow {
		entries := g.c.shadow.Entries()
		g.dir = peers.SeedFromShadow(self, g.c.selfRanging, battery, entries)
		log.Printf("info: %v gateway role begins, directory seeded with %d shadow entries", self, g.dir.Count())
	} else {
		g.dir = peers.NewDirectory(self, g.c.selfRanging, battery)
		log.Printf("info: %v gateway role begins", self)
	}

	g.sched = ranging.NewScheduler(g.dir, g.c.cfg, g.c.topo.SendTo, g.solveAndBroadcast)
	g.solv = solver.New(g.dir, cfg.Solver.KalmanProcessNoise)

	g.broadcastSync()
	g.sched.EnqueueFullSweep()

	go g.tickLoop(cfg.HeartbeatInterval(), func() { g.periodic() })
	go g.tickLoop(time.Duration(cfg.Ranging.ProcessTickMS)*time.Millisecond, func() { g.sched.Pump(time.Now()) })
	go g.tickLoop(time.Duration(cfg.Ranging.SweepIntervalS)*time.Second, func() { g.sched.SweepStale(time.Now()) })
}

// tickLoop posts fn onto the conductor worker on every tick. The timer
// itself never runs role logic.
func (g *gatewayRole) tickLoop(every time.Duration, fn func()) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-t.C:
			g.c.post(func() {
				select {
				case <-g.stop:
				default:
					fn()
				}
			})
		}
	}
}

func (g *gatewayRole) End() {
	close(g.stop)
	g.sched.Cancel()
	log.Printf("info: %v gateway role ends", g.c.topo.Self())
}

// periodic is the gateway's housekeeping beat: refresh our own record, age
// out silent peers, push the shadow when membership changed, and check
// whether a healthier peer should take over.
func (g *gatewayRole) periodic() {
	cfg := g.c.cfg()
	g.dir.UpdateSelf(g.c.battery.ReadMillivolts())

	if died := g.dir.ScanStaleness(time.Now(), cfg.StaleAfter()); len(died) != 0 {
		// Losing nodes invalidates the solved geometry.
		g.solv.Reset()
	}

	if g.dir.SyncNeeded() {
		g.broadcastSync()
	}

	if addr, ok := g.dir.CheckReelection(cfg.Heartbeat.ReelectionDeltaMV); ok {
		log.Printf("info: peer %v has a healthier battery, stepping down", addr)
		g.c.stepDown(addr)
		return
	}

	if g.c.topo.IsRoot() && g.c.topo.MemberCount() == 1 {
		g.lonelyTicks++
		if g.lonelyTicks >= lonelyRootTicks {
			log.Printf("warn: root gained no members after %d periods, restarting", g.lonelyTicks)
			g.c.reboot()
		}
	} else {
		g.lonelyTicks = 0
	}
}

func (g *gatewayRole) broadcastSync() {
	snap := g.dir.Snapshot()
	if err := g.c.topo.Broadcast(snap.Encode()); err != nil {
		log.Printf("warn: directory sync broadcast failed: %v", err)
		return
	}
	g.dir.MarkSynced()
}

// solveAndBroadcast runs when the ranging queue drains.
func (g *gatewayRole) solveAndBroadcast() {
	epoch := g.dir.AdvanceEpoch()
	if err := g.solv.Solve(); err != nil {
		log.Printf("warn: position solve skipped: %v", err)
		return
	}
	update := g.dir.PositionUpdate()
	if err := g.c.topo.Broadcast(update.Encode()); err != nil {
		log.Printf("warn: position broadcast failed: %v", err)
	}
	log.Printf("info: epoch %d solved %d positions in %d dimensions\n%s",
		epoch, len(update.Entries), update.Dimension, g.dir.Dump())
}

func (g *gatewayRole) OnPeerJoined(addr wire.Addr) {}

func (g *gatewayRole) OnPeerLeft(addr wire.Addr) {
	if idx := g.dir.IndexOf(addr); idx > 0 {
		// The next staleness scan will flag it; drop its queued work now.
		log.Printf("info: peer %v left the mesh", addr)
	}
}

func (g *gatewayRole) Handle(from wire.Addr, payload []byte) {
	switch wire.MsgType(payload) {
	case wire.MsgHeartbeat:
		m, err := wire.DecodeHeartbeat(payload)
		if err != nil {
			log.Printf("warn: bad heartbeat from %v: %v", from, err)
			return
		}
		idx, created := g.dir.UpdateFromHeartbeat(m.Addr, m.BatteryMV, m.Flags, m.Secondary)
		if created {
			g.sched.EnqueueNewNode(idx)
			g.broadcastSync()
		}

	case wire.MsgRangeReady:
		m, err := wire.DecodeRangeReady(payload)
		if err != nil {
			log.Printf("warn: bad ready report from %v: %v", from, err)
			return
		}
		g.sched.OnReady(m)

	case wire.MsgRangeResult:
		m, err := wire.DecodeRangeResult(payload)
		if err != nil {
			log.Printf("warn: bad ranging result from %v: %v", from, err)
			return
		}
		g.sched.OnResult(m)

	case wire.MsgNominate:
		m, err := wire.DecodeNominate(payload)
		if err != nil {
			log.Printf("warn: bad nomination from %v: %v", from, err)
			return
		}
		if idx := g.dir.IndexOf(m.Requester); idx <= 0 {
			log.Printf("warn: nomination from unknown peer %v refused", m.Requester)
			return
		}
		log.Printf("info: peer %v requested the gateway role", m.Requester)
		g.c.stepDown(m.Requester)
	}
}

// memberRole holds the read-only shadow and reports in with heartbeats.
type memberRole struct {
	c       *Conductor
	gateway wire.Addr
	stop    chan struct{}
}

func newMemberRole(c *Conductor, gateway wire.Addr) *memberRole {
	return &memberRole{c: c, gateway: gateway, stop: make(chan struct{})}
}

func (m *memberRole) Name() string { return "member" }

func (m *memberRole) Begin() {
	log.Printf("info: %v member role begins, gateway %v", m.c.topo.Self(), m.gateway)
	m.sendHeartbeat()
	go m.heartbeatLoop(m.c.cfg().HeartbeatInterval())
}

func (m *memberRole) heartbeatLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.c.post(func() {
				select {
				case <-m.stop:
				default:
					m.sendHeartbeat()
				}
			})
		}
	}
}

func (m *memberRole) sendHeartbeat() {
	hb := wire.Heartbeat{
		Addr:      m.c.topo.Self(),
		BatteryMV: m.c.battery.ReadMillivolts(),
		Flags:     peers.FlagAlive,
		Secondary: m.c.selfRanging,
	}
	// The topology root is the gateway in steady state, and heartbeats
	// follow it through handovers without waiting for the notice.
	if err := m.c.topo.SendToRoot(hb.Encode()); err != nil {
		log.Printf("warn: heartbeat to gateway %v failed: %v", m.c.topo.Root(), err)
	}
}

func (m *memberRole) End() {
	close(m.stop)
	log.Printf("info: %v member role ends", m.c.topo.Self())
}

func (m *memberRole) OnPeerJoined(addr wire.Addr) {}
func (m *memberRole) OnPeerLeft(addr wire.Addr)   {}

func (m *memberRole) Handle(from wire.Addr, payload []byte) {
	switch wire.MsgType(payload) {
	case wire.MsgPeerSync:
		s, err := wire.DecodePeerSync(payload)
		if err != nil {
			log.Printf("warn: bad directory sync from %v: %v", from, err)
			return
		}
		m.c.shadow.Apply(s)

	case wire.MsgPosUpdate:
		u, err := wire.DecodePosUpdate(payload)
		if err != nil {
			log.Printf("warn: bad position update from %v: %v", from, err)
			return
		}
		self := m.c.topo.Self()
		for _, e := range u.Entries {
			if e.Addr == self {
				m.c.setPosition([3]float64{float64(e.X), float64(e.Y), float64(e.Z)}, float64(e.Confidence))
				log.Printf("info: position (%.1f, %.1f, %.1f) confidence %.2f", e.X, e.Y, e.Z, e.Confidence)
			}
		}

	case wire.MsgRoleChange:
		rc, err := wire.DecodeRoleChange(payload)
		if err != nil {
			log.Printf("warn: bad role change from %v: %v", from, err)
			return
		}
		if rc.NewCoordinator == m.c.topo.Self() {
			log.Printf("info: nominated as the new gateway by %v", from)
			m.c.becomeGateway(true)
			return
		}
		log.Printf("info: gateway handed over to %v", rc.NewCoordinator)
		m.gateway = rc.NewCoordinator

	case wire.MsgHeartbeat:
		// Members ignore stray heartbeats addressed to a stale gateway.
	}
}
