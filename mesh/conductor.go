package mesh

import (
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jlarnal/Squeek/config"
	"github.com/jlarnal/Squeek/nvstore"
	"github.com/jlarnal/Squeek/peers"
	"github.com/jlarnal/Squeek/ranging"
	"github.com/jlarnal/Squeek/topology"
	"github.com/jlarnal/Squeek/wire"
)

// Options wires a Conductor to its collaborators.
type Options struct {
	Topology    topology.Layer
	Config      *config.Manager
	Store       *nvstore.Store
	Battery     BatteryReader
	Radio       ranging.Radio
	RangingAddr wire.Addr

	// Restart is the reboot hook used by the deliberate recovery paths
	// (step-down, catastrophic connectivity loss). Nil means log and stay.
	Restart func()
}

// Conductor owns a node's coordination state. Topology events, wire
// messages and timer callbacks all funnel into one worker goroutine, so
// role and election state never see concurrent access.
type Conductor struct {
	topo        topology.Layer
	cfgMgr      *config.Manager
	store       *nvstore.Store
	battery     BatteryReader
	selfRanging wire.Addr
	restart     func()

	work     chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// Worker-goroutine state.
	role        Role
	shadow      *peers.Shadow
	sessions    *ranging.Sessions
	electing    bool
	ballot      map[wire.Addr]wire.Election
	settleTimer *time.Timer
	electTimer  *time.Timer
	retries     int

	dmu      sync.Mutex
	roleName string
	position [3]float64
	conf     float64
}

func NewConductor(opts Options) *Conductor {
	c := &Conductor{
		topo:        opts.Topology,
		cfgMgr:      opts.Config,
		store:       opts.Store,
		battery:     opts.Battery,
		selfRanging: opts.RangingAddr,
		restart:     opts.Restart,
		work:        make(chan func(), workQueueDepth),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		shadow:      peers.NewShadow(),
		roleName:    "none",
	}
	c.sessions = ranging.NewSessions(opts.Topology.Self(), opts.Radio, opts.Topology.SendTo)
	// The per-device calibration lives in the persistent store; the config
	// value only seeds devices that were never calibrated.
	calib := c.store.GetInt(calibrationKey, c.cfg().Ranging.CalibrationCM)
	c.sessions.SetCalibration(float64(calib))
	return c
}

func (c *Conductor) cfg() config.Config {
	return c.cfgMgr.Snapshot()
}

// post hands work to the conductor goroutine. Timer callbacks must only
// ever call this, never role or election methods directly.
func (c *Conductor) post(fn func()) {
	select {
	case c.work <- fn:
	case <-c.quit:
	}
}

// Run starts the worker goroutine.
func (c *Conductor) Run() {
	go c.loop()
}

// Stop tears the node down and blocks until the worker exits. Safe to call
// more than once.
func (c *Conductor) Stop() {
	c.stopOnce.Do(func() { close(c.quit) })
	<-c.done
}

func (c *Conductor) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			c.closeRound()
			if c.role != nil {
				c.role.End()
				c.role = nil
			}
			c.topo.Leave()
			return
		case ev := <-c.topo.Events():
			c.handleTopology(ev)
		case fn := <-c.work:
			fn()
		}
	}
}

func (c *Conductor) handleTopology(ev topology.Event) {
	switch ev.Kind {
	case topology.Attached:
		c.retries = 0
		log.Printf("info: %v attached, root %v, %d members", c.topo.Self(), ev.Addr, c.topo.MemberCount())
		if c.topo.MemberCount() == 1 && c.topo.IsRoot() {
			// Alone in the mesh: nobody to hold a round with.
			c.becomeGateway(false)
			return
		}
		c.startElection(c.settleDelay(), "attached")

	case topology.ChildJoined:
		if c.role != nil {
			c.role.OnPeerJoined(ev.Addr)
		}
		if !c.electing {
			// A join after a concluded round reopens the question so the
			// newcomer can compete.
			c.startElection(c.settleDelay(), "peer joined")
		}

	case topology.ChildLeft:
		if c.role != nil {
			c.role.OnPeerLeft(ev.Addr)
		}

	case topology.Detached:
		log.Printf("warn: %v lost the topology root %v", c.topo.Self(), ev.Addr)
		if !c.electing {
			c.startElection(c.settleDelay(), "gateway lost")
		}

	case topology.RootChanged:
		log.Printf("info: %v sees new topology root %v", c.topo.Self(), ev.Addr)
		if mr, ok := c.role.(*memberRole); ok {
			mr.gateway = ev.Addr
		}

	case topology.NoParent:
		c.onNoParent()

	case topology.Frame:
		c.dispatch(ev.From, ev.Payload)
	}
}

func (c *Conductor) settleDelay() time.Duration {
	return time.Duration(c.cfg().Election.SettleMS) * time.Millisecond
}

// onNoParent escalates repeated attachment failures: once the retries run
// out the node assumes sole-root status behind a randomized backoff so
// isolated nodes do not all self-promote in the same instant.
func (c *Conductor) onNoParent() {
	cfg := c.cfg().Mesh
	c.retries++
	if c.retries < cfg.MaxRetries {
		log.Printf("warn: no parent found, retry %d/%d", c.retries, cfg.MaxRetries)
		return
	}
	backoff := time.Duration(cfg.ReelectSleepMS+rand.IntN(cfg.MaxBackoffJitter+1)) * time.Millisecond
	log.Printf("warn: no parent after %d retries, assuming root in %v", c.retries, backoff)
	c.retries = 0
	time.AfterFunc(backoff, func() {
		c.post(func() {
			if c.role != nil || c.electing {
				return
			}
			if err := c.topo.BecomeRoot(); err != nil {
				log.Printf("error: failed to assume root: %v", err)
				return
			}
			c.becomeGateway(false)
		})
	})
}

func (c *Conductor) dispatch(from wire.Addr, payload []byte) {
	switch wire.MsgType(payload) {
	case wire.MsgElection:
		cand, err := wire.DecodeElection(payload)
		if err != nil {
			log.Printf("warn: bad candidacy from %v: %v", from, err)
			return
		}
		c.onCandidate(cand)

	case wire.MsgRangeWake:
		m, err := wire.DecodeRangeWake(payload)
		if err != nil {
			log.Printf("warn: bad wake from %v: %v", from, err)
			return
		}
		c.sessions.OnWake(m, from)

	case wire.MsgRangeGo:
		m, err := wire.DecodeRangeGo(payload)
		if err != nil {
			log.Printf("warn: bad go-ahead from %v: %v", from, err)
			return
		}
		c.sessions.OnGo(m, from)

	case wire.MsgRangeCancel:
		m, err := wire.DecodeRangeCancel(payload)
		if err != nil {
			log.Printf("warn: bad cancel from %v: %v", from, err)
			return
		}
		c.sessions.OnCancel(m)

	default:
		if c.role != nil {
			c.role.Handle(from, payload)
		}
	}
}

// becomeGateway transitions into the coordinating role. fromShadow seeds
// the directory with the latest shadow snapshot, used when the role arrives
// by nomination rather than by election.
func (c *Conductor) becomeGateway(fromShadow bool) {
	tenure := c.store.GetUint16(tenureKey, 0) + 1
	if err := c.store.SetUint16(tenureKey, tenure); err != nil {
		log.Printf("warn: failed to persist tenure %d: %v", tenure, err)
	}
	c.setRole(newGatewayRole(c, fromShadow))
}

func (c *Conductor) becomeMember(gateway wire.Addr) {
	c.setRole(newMemberRole(c, gateway))
}

func (c *Conductor) setRole(r Role) {
	if c.role != nil {
		c.role.End()
	}
	c.role = r
	r.Begin()

	c.dmu.Lock()
	c.roleName = r.Name()
	c.dmu.Unlock()
}

// stepDown hands the gateway role to successor: topology authority first,
// then the role-change broadcast, then the deliberate reboot that clears
// all local gateway state.
func (c *Conductor) stepDown(successor wire.Addr) {
	log.Printf("info: %v stepping down in favor of %v", c.topo.Self(), successor)
	if err := c.topo.WaiveRootTo(successor); err != nil {
		log.Printf("error: failed to waive root to %v: %v", successor, err)
		return
	}
	rc := wire.RoleChange{NewCoordinator: successor}
	if err := c.topo.Broadcast(rc.Encode()); err != nil {
		log.Printf("warn: role change broadcast failed: %v", err)
	}
	c.reboot()
}

// reboot invokes the restart hook. Without one the node degrades to a
// member of whatever root the topology reports.
func (c *Conductor) reboot() {
	if c.restart != nil {
		log.Printf("info: %v rebooting", c.topo.Self())
		c.restart()
		return
	}
	if root := c.topo.Root(); root != c.topo.Self() {
		log.Printf("warn: no restart hook, %v continuing as member", c.topo.Self())
		c.becomeMember(root)
		return
	}
	log.Printf("warn: no restart hook and no other root, %v staying put", c.topo.Self())
}

func (c *Conductor) setPosition(pos [3]float64, conf float64) {
	c.dmu.Lock()
	c.position = pos
	c.conf = conf
	c.dmu.Unlock()
}

// RoleName reports the current role for display.
func (c *Conductor) RoleName() string {
	c.dmu.Lock()
	defer c.dmu.Unlock()
	return c.roleName
}

// Position reports the last received position estimate and its confidence.
func (c *Conductor) Position() ([3]float64, float64) {
	c.dmu.Lock()
	defer c.dmu.Unlock()
	return c.position, c.conf
}

// Shadow exposes the member-side directory copy for display.
func (c *Conductor) Shadow() []wire.PeerSyncEntry {
	return c.shadow.Entries()
}

// RequestGateway sends a nomination upstream, asking the current gateway to
// hand the role to this node.
func (c *Conductor) RequestGateway() {
	c.post(func() {
		m := wire.Nominate{Requester: c.topo.Self()}
		if err := c.topo.SendToRoot(m.Encode()); err != nil {
			log.Printf("warn: nomination request failed: %v", err)
		}
	})
}
