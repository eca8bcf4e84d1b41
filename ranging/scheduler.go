package ranging

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jlarnal/Squeek/config"
	"github.com/jlarnal/Squeek/peers"
	"github.com/jlarnal/Squeek/wire"
)

// Priority classes, most to least urgent. Equal priorities keep arrival order.
type Priority uint8

const (
	PriorityNewNode Priority = iota
	PriorityHighResidual
	PriorityMovement
	PriorityStale
	PrioritySweep
)

// Job is one queued pair of directory slots.
type Job struct {
	I, J       int
	Priority   Priority
	EnqueuedAt time.Time
}

// maxQueue bounds the queue at every unordered pair of a full directory.
const maxQueue = peers.MaxNodes * (peers.MaxNodes - 1) / 2

type pairState int

const (
	stateIdle pairState = iota
	stateWaitingReady
	stateWaitingResult
)

// Scheduler owns the measurement queue on the gateway. Exactly one pair is
// ever in flight; when the queue drains with nothing in flight the onDrain
// hook fires so a position solve can run.
type Scheduler struct {
	mu      sync.Mutex
	dir     *peers.Directory
	cfg     func() config.Config
	send    func(to wire.Addr, payload []byte) error
	onDrain func()

	queue      []Job
	state      pairState
	current    Job
	session    uuid.UUID
	dequeuedAt time.Time
	initReady  bool
	respReady  bool
	hadWork    bool
}

func NewScheduler(dir *peers.Directory, cfg func() config.Config, send func(wire.Addr, []byte) error, onDrain func()) *Scheduler {
	return &Scheduler{dir: dir, cfg: cfg, send: send, onDrain: onDrain}
}

// EnqueuePair queues the unordered pair (i,j). A pair already queued or in
// flight is silently dropped, as is anything past queue capacity.
func (s *Scheduler) EnqueuePair(i, j int, p Priority) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(i, j, p)
}

func (s *Scheduler) enqueueLocked(i, j int, p Priority) bool {
	if i == j || i < 0 || j < 0 {
		return false
	}
	if i > j {
		i, j = j, i
	}
	if s.state != stateIdle && s.current.I == i && s.current.J == j {
		return false
	}
	for _, q := range s.queue {
		if q.I == i && q.J == j {
			return false
		}
	}
	if len(s.queue) >= maxQueue {
		log.Printf("warn: ranging queue full, dropping pair (%d,%d)", i, j)
		return false
	}

	job := Job{I: i, J: j, Priority: p, EnqueuedAt: time.Now()}
	at := len(s.queue)
	for k, q := range s.queue {
		if q.Priority > p {
			at = k
			break
		}
	}
	s.queue = append(s.queue, Job{})
	copy(s.queue[at+1:], s.queue[at:])
	s.queue[at] = job
	return true
}

// EnqueueFullSweep queues every alive pair at sweep priority.
func (s *Scheduler) EnqueueFullSweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.dir.Count()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if s.alivePair(i, j) {
				s.enqueueLocked(i, j, PrioritySweep)
			}
		}
	}
}

// EnqueueNewNode queues up to the configured number of anchor measurements
// between slot idx and existing alive nodes.
func (s *Scheduler) EnqueueNewNode(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	anchors := s.cfg().Ranging.NewNodeAnchors
	n := s.dir.Count()
	added := 0
	for i := 0; i < n && added < anchors; i++ {
		if i == idx || !s.alivePair(i, idx) {
			continue
		}
		if s.enqueueLocked(i, idx, PriorityNewNode) {
			added++
		}
	}
}

// SweepStale re-queues every alive edge whose last measurement aged past the
// staleness window. Never-measured edges count as stale.
func (s *Scheduler) SweepStale(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	window := s.cfg().StalenessWindow()
	n := s.dir.Count()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if !s.alivePair(i, j) {
				continue
			}
			if at := s.dir.MeasuredAt(i, j); now.Sub(at) > window {
				s.enqueueLocked(i, j, PriorityStale)
			}
		}
	}
}

func (s *Scheduler) alivePair(i, j int) bool {
	ri, ok1 := s.dir.Record(i)
	rj, ok2 := s.dir.Record(j)
	return ok1 && ok2 && ri.Alive() && rj.Alive()
}

// Pump advances the pair state machine: it aborts a stuck pair, starts the
// next viable one, and fires the drain hook when all work is done. Called
// from the gateway's periodic tick.
func (s *Scheduler) Pump(now time.Time) {
	s.mu.Lock()
	timeout := s.cfg().PairTimeout()

	switch s.state {
	case stateWaitingReady:
		if now.Sub(s.dequeuedAt) > timeout {
			log.Printf("warn: pair (%d,%d) never reported ready, aborting session %s", s.current.I, s.current.J, s.session)
			s.abortLocked()
		}
	case stateWaitingResult:
		if now.Sub(s.dequeuedAt) > 2*timeout {
			log.Printf("warn: pair (%d,%d) never reported a result, aborting session %s", s.current.I, s.current.J, s.session)
			s.abortLocked()
		}
	}

	if s.state == stateIdle {
		s.startNextLocked(now)
	}
	drain := s.drainLocked()
	s.mu.Unlock()

	if drain {
		s.onDrain()
	}
}

func (s *Scheduler) abortLocked() {
	cancel := wire.RangeCancel{Session: s.session}
	s.sendToPairLocked(cancel.Encode())
	s.state = stateIdle
}

func (s *Scheduler) sendToPairLocked(payload []byte) {
	for _, idx := range [2]int{s.current.I, s.current.J} {
		if r, ok := s.dir.Record(idx); ok {
			if err := s.send(r.Addr, payload); err != nil {
				log.Printf("warn: send to %s failed: %v", r.Addr, err)
			}
		}
	}
}

func (s *Scheduler) startNextLocked(now time.Time) {
	for len(s.queue) > 0 {
		job := s.queue[0]
		s.queue = s.queue[1:]
		if !s.alivePair(job.I, job.J) {
			continue
		}
		ri, _ := s.dir.Record(job.I)
		rj, _ := s.dir.Record(job.J)

		s.current = job
		s.session = uuid.New()
		s.dequeuedAt = now
		s.initReady = false
		s.respReady = false
		s.state = stateWaitingReady
		s.hadWork = true

		wake := wire.RangeWake{
			Session:          s.session,
			Initiator:        ri.Addr,
			Responder:        rj.Addr,
			ResponderRanging: rj.Ranging,
		}
		s.sendToPairLocked(wake.Encode())
		return
	}
}

func (s *Scheduler) drainLocked() bool {
	if s.state == stateIdle && len(s.queue) == 0 && s.hadWork {
		s.hadWork = false
		return true
	}
	return false
}

// OnReady records an endpoint's ready report; once both endpoints reported,
// the go-ahead is sent to the initiator.
func (s *Scheduler) OnReady(m wire.RangeReady) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateWaitingReady || m.Session != s.session {
		return
	}
	ri, _ := s.dir.Record(s.current.I)
	rj, _ := s.dir.Record(s.current.J)
	switch m.Addr {
	case ri.Addr:
		s.initReady = true
	case rj.Addr:
		s.respReady = true
	default:
		return
	}
	if !s.initReady || !s.respReady {
		return
	}

	s.state = stateWaitingResult
	run := wire.RangeGo{
		Session:       s.session,
		TargetRanging: rj.Ranging,
		Samples:       uint8(s.cfg().Ranging.SamplesPerPair),
	}
	if err := s.send(ri.Addr, run.Encode()); err != nil {
		log.Printf("warn: go-ahead to %s failed: %v", ri.Addr, err)
	}
}

// OnResult records the measured distance (or the failure) and immediately
// services the next queue entry.
func (s *Scheduler) OnResult(m wire.RangeResult) {
	s.mu.Lock()

	if s.state != stateWaitingResult || m.Session != s.session {
		s.mu.Unlock()
		return
	}
	if m.Status == wire.RangeOK {
		s.dir.SetDistance(s.current.I, s.current.J, m.DistanceCM)
	} else {
		log.Printf("warn: pair (%d,%d) ranging failed with status %d", s.current.I, s.current.J, m.Status)
	}
	s.state = stateIdle
	s.startNextLocked(time.Now())
	drain := s.drainLocked()
	s.mu.Unlock()

	if drain {
		s.onDrain()
	}
}

// Cancel aborts the in-flight pair and empties the queue without triggering
// a solve. Used when the gateway role is torn down.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateIdle {
		s.abortLocked()
	}
	s.queue = nil
	s.hadWork = false
}

// QueueLen reports the number of queued pairs, the in-flight one excluded.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// InFlight reports whether a pair is between dequeue and result.
func (s *Scheduler) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != stateIdle
}
