package mesh

import (
	"log"
	"time"

	"github.com/jlarnal/Squeek/config"
	"github.com/jlarnal/Squeek/wire"
)

// computeScore derives a candidate's fitness. The address tie-break scales
// the low 16 address bits into [0,1) so exact ties resolve deterministically
// toward the greater address. A battery below the floor penalizes the whole
// score, so a critically low node wins only if nothing better exists.
func computeScore(cfg config.ElectionConfig, batteryMV uint16, peerCount int, tenure uint16, addr wire.Addr) float64 {
	s := float64(batteryMV)*cfg.WBattery +
		float64(peerCount)*cfg.WAdjacency -
		float64(tenure)*cfg.WTenure +
		float64(addr.Low16())/65536.0
	if batteryMV < cfg.BatteryFloorMV {
		s *= cfg.LowBatPenalty
	}
	return s
}

// beats reports whether candidate a wins over b: higher score, exact score
// ties going to the greater address.
func beats(a, b wire.Election) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Addr.Compare(b.Addr) > 0
}

// pickWinner returns the best candidate of a non-empty ballot.
func pickWinner(ballot map[wire.Addr]wire.Election) wire.Election {
	var winner wire.Election
	first := true
	for _, c := range ballot {
		if first || beats(c, winner) {
			winner = c
			first = false
		}
	}
	return winner
}

// startElection opens a round after the settle delay. A round already in
// progress is left alone.
func (c *Conductor) startElection(settle time.Duration, reason string) {
	if c.electing {
		return
	}
	c.electing = true
	c.ballot = make(map[wire.Addr]wire.Election)
	log.Printf("info: %v election starting (%s), settle %v", c.topo.Self(), reason, settle)

	c.settleTimer = time.AfterFunc(settle, func() {
		c.post(c.beginRound)
	})
}

// beginRound announces our own candidacy and arms the collection timeout.
func (c *Conductor) beginRound() {
	if !c.electing {
		return
	}
	cfg := c.cfg().Election

	battery := c.battery.ReadMillivolts()
	peerCount := c.topo.MemberCount() - 1
	tenure := c.store.GetUint16(tenureKey, 0)

	cand := wire.Election{
		Addr:      c.topo.Self(),
		BatteryMV: battery,
		PeerCount: uint8(peerCount),
		Tenure:    tenure,
		Score:     computeScore(cfg, battery, peerCount, tenure, c.topo.Self()),
	}
	c.ballot[cand.Addr] = cand
	log.Printf("info: %v candidacy: %dmV, %d peers, tenure %d, score %.2f",
		cand.Addr, cand.BatteryMV, cand.PeerCount, cand.Tenure, cand.Score)

	payload := cand.Encode()
	if c.topo.IsRoot() {
		if err := c.topo.Broadcast(payload); err != nil {
			log.Printf("warn: candidacy broadcast failed: %v", err)
		}
	} else if err := c.topo.SendToRoot(payload); err != nil {
		log.Printf("warn: candidacy send to root failed: %v", err)
	}

	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	c.electTimer = time.AfterFunc(timeout, func() {
		c.post(c.onElectionTimeout)
	})
	c.maybeResolve()
}

// onCandidate folds a received candidacy into the ballot. The provisional
// root relays every candidacy it sees so all members collect the full set.
func (c *Conductor) onCandidate(cand wire.Election) {
	if !c.electing {
		// Someone opened a round we were not part of yet.
		c.startElection(electionJoinGrace, "candidate received")
	}
	if _, seen := c.ballot[cand.Addr]; seen {
		c.ballot[cand.Addr] = cand
		return
	}
	c.ballot[cand.Addr] = cand

	if c.topo.IsRoot() && cand.Addr != c.topo.Self() {
		if err := c.topo.Broadcast(cand.Encode()); err != nil {
			log.Printf("warn: candidacy relay failed: %v", err)
		}
	}
	c.maybeResolve()
}

// maybeResolve closes the round early once every present member has a
// candidacy on the ballot.
func (c *Conductor) maybeResolve() {
	if !c.electing {
		return
	}
	if len(c.ballot) >= c.topo.MemberCount() {
		c.resolve()
	}
}

// onElectionTimeout applies the fallback rules: the root keeps (or takes)
// the gateway role with whatever ballot it collected; a non-root with an
// incomplete ballot simply accepts the member role.
func (c *Conductor) onElectionTimeout() {
	if !c.electing {
		return
	}
	if c.topo.IsRoot() {
		if len(c.ballot) <= 1 {
			log.Printf("warn: election timed out with no remote candidates, root keeps the gateway role")
			c.closeRound()
			c.becomeGateway(false)
			return
		}
		c.resolve()
		return
	}
	log.Printf("warn: election timed out with %d/%d candidates, accepting member role",
		len(c.ballot), c.topo.MemberCount())
	c.closeRound()
	c.becomeMember(c.topo.Root())
}

// resolve picks the winner and transitions roles. A root that did not win
// relinquishes the topology authority before stepping into the member role.
func (c *Conductor) resolve() {
	winner := pickWinner(c.ballot)
	c.closeRound()
	log.Printf("info: %v election resolved, winner %v (score %.2f)", c.topo.Self(), winner.Addr, winner.Score)

	self := c.topo.Self()
	if c.topo.IsRoot() && winner.Addr != self {
		if err := c.topo.WaiveRootTo(winner.Addr); err != nil {
			log.Printf("error: failed to waive root to %v: %v", winner.Addr, err)
		}
	}
	if winner.Addr == self {
		c.becomeGateway(false)
	} else {
		c.becomeMember(winner.Addr)
	}
}

func (c *Conductor) closeRound() {
	c.electing = false
	c.ballot = nil
	if c.settleTimer != nil {
		c.settleTimer.Stop()
		c.settleTimer = nil
	}
	if c.electTimer != nil {
		c.electTimer.Stop()
		c.electTimer = nil
	}
}
