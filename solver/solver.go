// Package solver converts the gateway's pairwise distance matrix into
// relative coordinates by classical multidimensional scaling, smoothed over
// repeated solves with per-axis Kalman filters.
package solver

import (
	"errors"
	"log"
)

// ErrInsufficient marks a solve skipped for lack of connectivity.
var ErrInsufficient = errors.New("solver: insufficient pairwise distances")

// Table is the directory surface the solver consumes and writes back to.
// Distances below zero are unmeasured.
type Table interface {
	Count() int
	Alive(i int) bool
	Dimension() int
	Distance(i, j int) float32
	SetPosition(i int, pos [3]float64, confidence float64)
}

// Solver owns the smoothing state across solve cycles.
type Solver struct {
	table    Table
	smoother *Smoother
}

func New(table Table, processNoise float64) *Solver {
	return &Solver{table: table, smoother: NewSmoother(processNoise)}
}

// SetProcessNoise forwards a configuration change to the smoother.
func (s *Solver) SetProcessNoise(q float64) {
	s.smoother.SetProcessNoise(q)
}

// Reset discards all smoothing state. Call after a topology change that
// invalidates the prior geometry.
func (s *Solver) Reset() {
	s.smoother.Reset()
}

// Solve recomputes positions for every alive node. Fewer than two alive
// nodes is a no-op; insufficient pairwise connectivity skips the cycle and
// leaves previous positions in place.
func (s *Solver) Solve() error {
	var alive []int
	for i := 0; i < s.table.Count(); i++ {
		if s.table.Alive(i) {
			alive = append(alive, i)
		}
	}
	n := len(alive)
	if n < 2 {
		return nil
	}

	if n == 2 {
		d := s.table.Distance(alive[0], alive[1])
		if d < 0 {
			return ErrInsufficient
		}
		s.table.SetPosition(alive[0], [3]float64{}, 1.0)
		s.table.SetPosition(alive[1], [3]float64{float64(d), 0, 0}, 1.0)
		return nil
	}

	// Squared distances, with missing edges imputed by the mean of the
	// known ones.
	d2 := make([][]float64, n)
	for i := range d2 {
		d2[i] = make([]float64, n)
	}
	known := 0
	sum := 0.0
	for a := 0; a < n; a++ {
		for b := a + 1; b < n; b++ {
			if d := s.table.Distance(alive[a], alive[b]); d >= 0 {
				sq := float64(d) * float64(d)
				d2[a][b] = sq
				d2[b][a] = sq
				sum += sq
				known++
			} else {
				d2[a][b] = -1
				d2[b][a] = -1
			}
		}
	}
	if known < n-1 {
		log.Printf("warn: skipping solve, %d measured pairs for %d nodes", known, n)
		return ErrInsufficient
	}
	mean := sum / float64(known)
	for a := 0; a < n; a++ {
		for b := 0; b < n; b++ {
			if a != b && d2[a][b] < 0 {
				d2[a][b] = mean
			}
		}
	}

	dim := s.table.Dimension()
	if dim > 3 {
		dim = 3
	}
	coords := mdsCoordinates(d2, dim)
	alignFrame(coords, dim)

	for k, slot := range alive {
		pos, conf := s.smoother.Update(slot, coords[k])
		s.table.SetPosition(slot, pos, conf)
	}
	return nil
}
