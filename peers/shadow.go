package peers

import (
	"sync"
	"time"

	"github.com/jlarnal/Squeek/wire"
)

// Shadow is the member-side copy of the gateway's directory. It is written
// only by incoming sync broadcasts and read when the node is promoted or for
// display.
type Shadow struct {
	mu        sync.Mutex
	entries   []wire.PeerSyncEntry
	updatedAt time.Time
}

func NewShadow() *Shadow {
	return &Shadow{}
}

// Apply replaces the shadow with a fresh snapshot.
func (s *Shadow) Apply(sync wire.PeerSync) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make([]wire.PeerSyncEntry, len(sync.Entries))
	copy(s.entries, sync.Entries)
	s.updatedAt = time.Now()
}

// Entries returns a copy of the latest snapshot.
func (s *Shadow) Entries() []wire.PeerSyncEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.PeerSyncEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// UpdatedAt returns when the last snapshot arrived, zero if none ever did.
func (s *Shadow) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}
