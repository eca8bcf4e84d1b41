package ranging

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/jlarnal/Squeek/wire"
)

// Sessions answers the gateway's ranging protocol on a single node: wake
// notifications, go-aheads and cancels. One session is tracked at a time;
// a wake for a second session while one is active is refused.
type Sessions struct {
	mu      sync.Mutex
	self    wire.Addr
	radio   Radio
	send    func(to wire.Addr, payload []byte) error
	calibCM float64

	active  bool
	session uuid.UUID
	wake    wire.RangeWake
}

func NewSessions(self wire.Addr, radio Radio, send func(wire.Addr, []byte) error) *Sessions {
	return &Sessions{self: self, radio: radio, send: send}
}

// SetCalibration updates the per-device distance offset.
func (s *Sessions) SetCalibration(cm float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calibCM = cm
}

// OnWake acknowledges a wake notification with a ready report to from.
func (s *Sessions) OnWake(m wire.RangeWake, from wire.Addr) {
	s.mu.Lock()
	if s.active && s.session != m.Session {
		s.mu.Unlock()
		log.Printf("warn: refusing wake for session %s, session %s still active", m.Session, s.session)
		return
	}
	s.active = true
	s.session = m.Session
	s.wake = m
	s.mu.Unlock()

	ready := wire.RangeReady{Session: m.Session, Addr: s.self}
	if err := s.send(from, ready.Encode()); err != nil {
		log.Printf("error: failed to report ready for session %s: %v", m.Session, err)
	}
}

// OnGo runs the physical exchange and reports the outcome to from. Only the
// initiator named in the wake ever receives a go-ahead.
func (s *Sessions) OnGo(m wire.RangeGo, from wire.Addr) {
	s.mu.Lock()
	if !s.active || s.session != m.Session {
		s.mu.Unlock()
		log.Printf("warn: go-ahead for unknown session %s ignored", m.Session)
		return
	}
	wake := s.wake
	calib := s.calibCM
	s.mu.Unlock()

	result := wire.RangeResult{
		Session:   m.Session,
		Initiator: wake.Initiator,
		Responder: wake.Responder,
		Status:    wire.RangeOK,
	}

	burst, err := s.radio.StartSession(m.TargetRanging, 0, int(m.Samples))
	if err != nil {
		log.Printf("warn: ranging exchange with %s failed: %v", m.TargetRanging, err)
		result.Status = wire.RangeTimeout
	} else if cm, derr := DistanceFromRTT(burst, calib); derr != nil {
		log.Printf("warn: ranging burst against %s unusable: %v", m.TargetRanging, derr)
		result.Status = wire.RangeNoData
	} else {
		result.DistanceCM = float32(cm)
	}

	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	if err := s.send(from, result.Encode()); err != nil {
		log.Printf("error: failed to report result for session %s: %v", m.Session, err)
	}
}

// OnCancel drops the tracked session if it matches.
func (s *Sessions) OnCancel(m wire.RangeCancel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active && s.session == m.Session {
		s.active = false
	}
}
