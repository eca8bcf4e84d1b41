package mesh

import (
	"testing"

	"github.com/jlarnal/Squeek/config"
	"github.com/jlarnal/Squeek/wire"
)

func caddr(n byte) wire.Addr {
	return wire.Addr{0xAA, 0x00, 0x00, 0x00, 0x00, n}
}

func candidate(addr wire.Addr, batteryMV uint16, peerCount int, tenure uint16) wire.Election {
	cfg := config.Default().Election
	return wire.Election{
		Addr:      addr,
		BatteryMV: batteryMV,
		PeerCount: uint8(peerCount),
		Tenure:    tenure,
		Score:     computeScore(cfg, batteryMV, peerCount, tenure, addr),
	}
}

func ballotOf(cands ...wire.Election) map[wire.Addr]wire.Election {
	b := make(map[wire.Addr]wire.Election)
	for _, c := range cands {
		b[c.Addr] = c
	}
	return b
}

func TestWinnerHasGreatestScore(t *testing.T) {
	a := candidate(caddr(1), 4100, 3, 0)
	b := candidate(caddr(2), 3700, 3, 0)
	c := candidate(caddr(3), 3900, 3, 0)

	w := pickWinner(ballotOf(a, b, c))
	if w.Addr != a.Addr {
		t.Errorf("expected %v to win, got %v", a.Addr, w.Addr)
	}
}

func TestAdjacencyOutweighsBattery(t *testing.T) {
	// 4000 mV with 2 peers loses to 3800 mV with 5 peers under the
	// default weights.
	a := candidate(caddr(1), 4000, 2, 0)
	b := candidate(caddr(2), 3800, 5, 0)

	w := pickWinner(ballotOf(a, b))
	if w.Addr != b.Addr {
		t.Errorf("higher adjacency should win: expected %v, got %v (scores %.2f vs %.2f)",
			b.Addr, w.Addr, b.Score, a.Score)
	}
}

func TestTenureDiscouragesMonopoly(t *testing.T) {
	a := candidate(caddr(1), 4000, 3, 2)
	b := candidate(caddr(2), 3900, 3, 0)

	w := pickWinner(ballotOf(a, b))
	if w.Addr != b.Addr {
		t.Errorf("tenure penalty should dethrone %v, winner was %v", a.Addr, w.Addr)
	}
}

func TestExactTieGoesToGreaterAddress(t *testing.T) {
	// Same battery/peers/tenure: only the address tie-break differs, and
	// the tie-break value grows with the address.
	a := candidate(caddr(1), 4000, 3, 0)
	b := candidate(caddr(2), 4000, 3, 0)
	if a.Score >= b.Score {
		t.Fatalf("tie-break not increasing with address: %.6f vs %.6f", a.Score, b.Score)
	}

	// Force byte-identical scores to exercise the comparison rule itself.
	b.Score = a.Score
	if !beats(b, a) || beats(a, b) {
		t.Error("exact score tie must go to the greater address")
	}
}

func TestLowBatteryPenalizesWholeScore(t *testing.T) {
	cfg := config.Default().Election
	healthy := computeScore(cfg, cfg.BatteryFloorMV, 5, 0, caddr(1))
	starved := computeScore(cfg, cfg.BatteryFloorMV-1, 5, 0, caddr(1))

	if starved >= healthy*cfg.LowBatPenalty*1.01 {
		t.Errorf("floor breach must scale the whole score: healthy=%.2f starved=%.2f", healthy, starved)
	}

	// A starved node still wins against nothing better.
	lone := candidate(caddr(1), cfg.BatteryFloorMV-1, 0, 0)
	if w := pickWinner(ballotOf(lone)); w.Addr != lone.Addr {
		t.Error("sole candidate must win regardless of battery")
	}
}

func TestSingleCandidateResolvesDirectly(t *testing.T) {
	lone := candidate(caddr(7), 3500, 0, 4)
	if w := pickWinner(ballotOf(lone)); w.Addr != lone.Addr {
		t.Errorf("single-candidate ballot must pick that candidate, got %v", w.Addr)
	}
}
