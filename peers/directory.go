// Package peers maintains the authoritative table of known nodes, their
// liveness, and the measured pairwise distance matrix. Only the node holding
// the gateway role owns a Directory; every other node keeps a Shadow.
package peers

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jlarnal/Squeek/wire"
)

// MaxNodes bounds the directory. Heartbeats from further nodes are dropped.
const MaxNodes = 16

// NoDistance is the sentinel for an unmeasured edge.
const NoDistance float32 = -1

// Status flags carried on heartbeats and directory records.
const (
	FlagAlive        uint8 = 1 << 0
	FlagSleeping     uint8 = 1 << 1
	FlagDead         uint8 = 1 << 2
	FlagRangingReady uint8 = 1 << 3
)

// Record is one known node. Index 0 of the directory is always the gateway's
// own record. Records are never removed, only marked dead.
type Record struct {
	Addr       wire.Addr
	Ranging    wire.Addr
	BatteryMV  uint16
	Flags      uint8
	LastSeen   time.Time
	Position   [3]float64
	Confidence float64
	Epoch      uint32
}

func (r *Record) Alive() bool {
	return r.Flags&FlagAlive != 0 && r.Flags&FlagDead == 0
}

// Directory is the gateway-side peer table.
type Directory struct {
	mu       sync.Mutex
	records  [MaxNodes]Record
	count    int
	dist     [MaxNodes][MaxNodes]float32
	measured [MaxNodes][MaxNodes]time.Time
	lastHash uint32
	hashSent bool
	epoch    uint32
}

// NewDirectory builds a table whose slot 0 is the gateway itself.
func NewDirectory(self, selfRanging wire.Addr, batteryMV uint16) *Directory {
	d := &Directory{count: 1}
	d.records[0] = Record{
		Addr:      self,
		Ranging:   selfRanging,
		BatteryMV: batteryMV,
		Flags:     FlagAlive,
		LastSeen:  time.Now(),
	}
	for i := range d.dist {
		for j := range d.dist[i] {
			d.dist[i][j] = NoDistance
		}
	}
	return d
}

// SeedFromShadow rebuilds a directory from the latest snapshot a member was
// holding when it was promoted. The promoted node's own entry is moved to
// slot 0.
func SeedFromShadow(self, selfRanging wire.Addr, batteryMV uint16, entries []wire.PeerSyncEntry) *Directory {
	d := NewDirectory(self, selfRanging, batteryMV)
	for _, e := range entries {
		if e.Addr == self || e.Flags&FlagDead != 0 {
			continue
		}
		if d.indexOfLocked(e.Addr) >= 0 {
			continue
		}
		if d.count >= MaxNodes {
			log.Printf("warn: shadow has more peers than directory capacity, ignoring %s", e.Addr)
			continue
		}
		d.records[d.count] = Record{
			Addr:      e.Addr,
			Ranging:   e.Secondary,
			BatteryMV: e.BatteryMV,
			Flags:     e.Flags,
			LastSeen:  time.Now(),
		}
		d.count++
	}
	return d
}

// Count returns the number of known records, dead included.
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// AliveCount returns the number of records currently alive.
func (d *Directory) AliveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aliveCountLocked()
}

func (d *Directory) aliveCountLocked() int {
	n := 0
	for i := 0; i < d.count; i++ {
		if d.records[i].Alive() {
			n++
		}
	}
	return n
}

// IndexOf returns the slot of addr, or -1.
func (d *Directory) IndexOf(addr wire.Addr) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.indexOfLocked(addr)
}

func (d *Directory) indexOfLocked(addr wire.Addr) int {
	for i := 0; i < d.count; i++ {
		if d.records[i].Addr == addr {
			return i
		}
	}
	return -1
}

// Alive reports whether slot i holds a live record.
func (d *Directory) Alive(i int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= d.count {
		return false
	}
	return d.records[i].Alive()
}

// Record returns a copy of slot i.
func (d *Directory) Record(i int) (Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= d.count {
		return Record{}, false
	}
	return d.records[i], true
}

// UpdateSelf refreshes the gateway's own slot.
func (d *Directory) UpdateSelf(batteryMV uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records[0].BatteryMV = batteryMV
	d.records[0].LastSeen = time.Now()
	d.records[0].Flags |= FlagAlive
	d.records[0].Flags &^= FlagDead
}

// UpdateFromHeartbeat creates a record on first sight, otherwise refreshes
// battery, flags and timestamp and revives a dead record. Returns the slot
// index and whether the record is new. A heartbeat past capacity is dropped
// with a log line and reported as slot -1.
func (d *Directory) UpdateFromHeartbeat(addr wire.Addr, batteryMV uint16, flags uint8, ranging wire.Addr) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if i := d.indexOfLocked(addr); i >= 0 {
		r := &d.records[i]
		r.BatteryMV = batteryMV
		r.Ranging = ranging
		r.Flags = (flags | FlagAlive) &^ FlagDead
		r.LastSeen = time.Now()
		return i, false
	}

	if d.count >= MaxNodes {
		log.Printf("warn: directory full, dropping heartbeat from %s", addr)
		return -1, false
	}

	i := d.count
	d.records[i] = Record{
		Addr:      addr,
		Ranging:   ranging,
		BatteryMV: batteryMV,
		Flags:     (flags | FlagAlive) &^ FlagDead,
		LastSeen:  time.Now(),
	}
	d.count++
	log.Printf("info: new peer %s registered at slot %d", addr, i)
	return i, true
}

// ScanStaleness marks every record dead whose heartbeat aged past staleAfter.
// Slot 0 is exempt. Returns the slots that changed to dead on this scan.
func (d *Directory) ScanStaleness(now time.Time, staleAfter time.Duration) []int {
	d.mu.Lock()
	defer d.mu.Unlock()

	var died []int
	for i := 1; i < d.count; i++ {
		r := &d.records[i]
		if !r.Alive() {
			continue
		}
		if now.Sub(r.LastSeen) > staleAfter {
			r.Flags |= FlagDead
			r.Flags &^= FlagAlive
			died = append(died, i)
			log.Printf("warn: peer %s marked dead, last heartbeat %v ago", r.Addr, now.Sub(r.LastSeen))
		}
	}
	return died
}

// CheckReelection reports the alive peer whose battery exceeds the gateway's
// own by at least deltaMV, if any. The caller decides whether to hand over.
func (d *Directory) CheckReelection(deltaMV uint16) (wire.Addr, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	best := -1
	for i := 1; i < d.count; i++ {
		if !d.records[i].Alive() {
			continue
		}
		if best < 0 || d.records[i].BatteryMV > d.records[best].BatteryMV {
			best = i
		}
	}
	if best < 0 {
		return wire.ZeroAddr, false
	}
	if d.records[best].BatteryMV < d.records[0].BatteryMV+deltaMV {
		return wire.ZeroAddr, false
	}
	return d.records[best].Addr, true
}

// BestAlivePeer returns the alive non-gateway peer with the highest battery,
// used when the gateway steps down and must nominate a successor.
func (d *Directory) BestAlivePeer() (wire.Addr, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	best := -1
	for i := 1; i < d.count; i++ {
		if !d.records[i].Alive() {
			continue
		}
		if best < 0 || d.records[i].BatteryMV > d.records[best].BatteryMV {
			best = i
		}
	}
	if best < 0 {
		return wire.ZeroAddr, false
	}
	return d.records[best].Addr, true
}

// SetDistance records a measured edge symmetrically and stamps both
// directions' measurement time.
func (d *Directory) SetDistance(i, j int, cm float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || j < 0 || i >= d.count || j >= d.count || i == j {
		return
	}
	now := time.Now()
	d.dist[i][j] = cm
	d.dist[j][i] = cm
	d.measured[i][j] = now
	d.measured[j][i] = now
}

// Distance returns the measured edge or NoDistance.
func (d *Directory) Distance(i, j int) float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || j < 0 || i >= d.count || j >= d.count {
		return NoDistance
	}
	return d.dist[i][j]
}

// MeasuredAt returns when the edge was last measured, zero if never.
func (d *Directory) MeasuredAt(i, j int) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || j < 0 || i >= d.count || j >= d.count {
		return time.Time{}
	}
	return d.measured[i][j]
}

// Dimension throttles the solver to a geometry the alive set can support:
// 1 for two or fewer alive nodes, 2 for three, 3 for four or more.
func (d *Directory) Dimension() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch n := d.aliveCountLocked(); {
	case n <= 2:
		return 1
	case n == 3:
		return 2
	default:
		return 3
	}
}

// SetPosition stores a solved position and confidence for slot i, tagged
// with the current ranging epoch.
func (d *Directory) SetPosition(i int, pos [3]float64, confidence float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= d.count {
		return
	}
	d.records[i].Position = pos
	d.records[i].Confidence = confidence
	d.records[i].Epoch = d.epoch
}

// AdvanceEpoch opens a new measurement generation. Positions written before
// the advance keep their old tag, which tells stale solves apart from fresh
// ones in the dump.
func (d *Directory) AdvanceEpoch() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.epoch++
	return d.epoch
}

// Snapshot builds the shadow sync message for broadcast.
func (d *Directory) Snapshot() wire.PeerSync {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := wire.PeerSync{Entries: make([]wire.PeerSyncEntry, d.count)}
	for i := 0; i < d.count; i++ {
		r := &d.records[i]
		s.Entries[i] = wire.PeerSyncEntry{
			Addr:      r.Addr,
			Secondary: r.Ranging,
			BatteryMV: r.BatteryMV,
			Flags:     r.Flags,
		}
	}
	return s
}

// PositionUpdate builds the position broadcast for all alive nodes.
func (d *Directory) PositionUpdate() wire.PosUpdate {
	d.mu.Lock()
	defer d.mu.Unlock()

	u := wire.PosUpdate{Dimension: uint8(d.dimensionLocked())}
	for i := 0; i < d.count; i++ {
		r := &d.records[i]
		if !r.Alive() {
			continue
		}
		u.Entries = append(u.Entries, wire.PosUpdateEntry{
			Addr:       r.Addr,
			X:          float32(r.Position[0]),
			Y:          float32(r.Position[1]),
			Z:          float32(r.Position[2]),
			Confidence: float32(r.Confidence),
		})
	}
	return u
}

func (d *Directory) dimensionLocked() int {
	switch n := d.aliveCountLocked(); {
	case n <= 2:
		return 1
	case n == 3:
		return 2
	default:
		return 3
	}
}

// syncHash is an order-sensitive digest of (count, flags) used to gate shadow
// broadcasts.
func (d *Directory) syncHashLocked() uint32 {
	h := uint32(d.count)
	for i := 0; i < d.count; i++ {
		h ^= uint32(d.records[i].Flags) << (i & 31)
	}
	return h
}

// SyncNeeded reports whether the membership digest changed since the last
// confirmed broadcast. MarkSynced commits the digest once the broadcast went
// out.
func (d *Directory) SyncNeeded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.hashSent || d.syncHashLocked() != d.lastHash
}

func (d *Directory) MarkSynced() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastHash = d.syncHashLocked()
	d.hashSent = true
}

// Dump renders the table for the log.
func (d *Directory) Dump() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "directory: %d nodes, %d alive\n", d.count, d.aliveCountLocked())
	for i := 0; i < d.count; i++ {
		r := &d.records[i]
		state := "dead"
		if r.Alive() {
			state = "alive"
		}
		fmt.Fprintf(&b, "  [%d] %s %4dmV %s pos=(%.1f,%.1f,%.1f) conf=%.2f epoch=%d\n",
			i, r.Addr, r.BatteryMV, state, r.Position[0], r.Position[1], r.Position[2], r.Confidence, r.Epoch)
	}
	return b.String()
}
