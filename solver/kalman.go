package solver

const (
	initialVariance  = 100.0
	measurementNoise = 50.0
)

type axisState struct {
	estimate float64
	variance float64
}

// Smoother runs one independent Kalman filter per node per spatial axis.
// Filter state is keyed by directory slot, which is stable for the life of
// a gateway term.
type Smoother struct {
	processNoise float64
	nodes        map[int]*[3]axisState
}

func NewSmoother(processNoise float64) *Smoother {
	return &Smoother{processNoise: processNoise, nodes: make(map[int]*[3]axisState)}
}

// SetProcessNoise applies a configuration change to subsequent updates.
func (s *Smoother) SetProcessNoise(q float64) {
	s.processNoise = q
}

// Update folds a raw solve result into the node's filters and returns the
// smoothed position with a confidence in (0,1]. The first update for a node
// adopts the raw coordinates directly with high initial uncertainty.
func (s *Smoother) Update(node int, raw [3]float64) ([3]float64, float64) {
	axes, ok := s.nodes[node]
	if !ok {
		axes = &[3]axisState{}
		for a := 0; a < 3; a++ {
			axes[a] = axisState{estimate: raw[a], variance: initialVariance}
		}
		s.nodes[node] = axes
	} else {
		for a := 0; a < 3; a++ {
			st := &axes[a]
			st.variance += s.processNoise
			k := st.variance / (st.variance + measurementNoise)
			st.estimate += k * (raw[a] - st.estimate)
			st.variance *= 1 - k
		}
	}

	var pos [3]float64
	meanVar := 0.0
	for a := 0; a < 3; a++ {
		pos[a] = axes[a].estimate
		meanVar += axes[a].variance
	}
	meanVar /= 3
	return pos, 1 / (1 + meanVar/3)
}

// Reset discards every filter, used when a topology change invalidates the
// prior geometry.
func (s *Smoother) Reset() {
	s.nodes = make(map[int]*[3]axisState)
}
