// Package ranging drives pairwise round-trip distance measurement: the
// gateway-side scheduler that brings every queued node pair to a measured
// distance, and the session handler every node runs to answer wake and
// go-ahead messages.
package ranging

import (
	"errors"
	"math/rand/v2"

	"github.com/jlarnal/Squeek/wire"
)

// ErrRadioBusy is returned when a session is started while one is in flight.
var ErrRadioBusy = errors.New("ranging: session already in flight")

// Radio performs one physical ranging exchange against a target and returns
// the raw round-trip samples in picoseconds. Implementations are
// non-reentrant: one session at a time.
type Radio interface {
	StartSession(target wire.Addr, channel, samples int) ([]float64, error)
}

// SimRadio fakes the exchange from a table of true distances. Sample bursts
// carry bounded noise from a seeded source so runs are reproducible.
type SimRadio struct {
	DistancesCM map[wire.Addr]float64
	NoisePS     float64
	rng         *rand.Rand
}

func NewSimRadio(seed uint64) *SimRadio {
	return &SimRadio{
		DistancesCM: make(map[wire.Addr]float64),
		NoisePS:     20,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
	}
}

func (s *SimRadio) StartSession(target wire.Addr, channel, samples int) ([]float64, error) {
	cm, ok := s.DistancesCM[target]
	if !ok {
		return nil, errors.New("ranging: target did not respond")
	}
	rtt := cm * 2 / cmPerPicosecond
	burst := make([]float64, samples)
	for i := range burst {
		burst[i] = rtt + (s.rng.Float64()*2-1)*s.NoisePS
	}
	return burst, nil
}
