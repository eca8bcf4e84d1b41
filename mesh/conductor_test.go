package mesh

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jlarnal/Squeek/config"
	"github.com/jlarnal/Squeek/nvstore"
	"github.com/jlarnal/Squeek/ranging"
	"github.com/jlarnal/Squeek/topology"
	"github.com/jlarnal/Squeek/wire"
)

// fastConfig shrinks every protocol delay to test scale.
const fastConfig = `
[election]
settle_ms = 50
timeout_ms = 1000

[heartbeat]
interval_s = 1

[ranging]
process_tick_ms = 10
pair_timeout_ms = 500
samples_per_pair = 8
`

func testConfig(t *testing.T) *config.Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "squeek.toml")
	if err := os.WriteFile(path, []byte(fastConfig), 0644); err != nil {
		t.Fatal(err)
	}
	m, err := config.NewManager(path)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func nodeAddr(n byte) wire.Addr {
	return wire.Addr{0x10, 0x20, 0x30, 0x40, 0x50, n}
}

func rangingAddr(n byte) wire.Addr {
	return wire.Addr{0x10, 0x20, 0x30, 0x40, 0x51, n}
}

type testNode struct {
	addr wire.Addr
	cond *Conductor
}

// startNode joins the fabric and runs a conductor with its own store and a
// simulated radio seeded from distancesCM.
func startNode(t *testing.T, f *topology.Fabric, cfg *config.Manager, n byte, batteryMV uint16, distancesCM map[byte]float64) *testNode {
	t.Helper()

	store, err := nvstore.Open(filepath.Join(t.TempDir(), fmt.Sprintf("node%d.json", n)))
	if err != nil {
		t.Fatal(err)
	}
	radio := ranging.NewSimRadio(uint64(n))
	for other, cm := range distancesCM {
		radio.DistancesCM[rangingAddr(other)] = cm
	}

	addr := nodeAddr(n)
	c := NewConductor(Options{
		Topology:    f.Join(addr),
		Config:      cfg,
		Store:       store,
		Battery:     FixedBattery(batteryMV),
		Radio:       radio,
		RangingAddr: rangingAddr(n),
	})
	c.Run()
	t.Cleanup(c.Stop)
	return &testNode{addr: addr, cond: c}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func gatewayCount(nodes []*testNode) int {
	n := 0
	for _, node := range nodes {
		if node.cond.RoleName() == "gateway" {
			n++
		}
	}
	return n
}

func TestSingleNodeSelfElects(t *testing.T) {
	f := topology.NewFabric()
	cfg := testConfig(t)
	n := startNode(t, f, cfg, 1, 4100, nil)

	waitFor(t, 2*time.Second, "instant self-election", func() bool {
		return n.cond.RoleName() == "gateway"
	})
}

func TestTwoNodeElectionPicksBetterBattery(t *testing.T) {
	f := topology.NewFabric()
	cfg := testConfig(t)
	a := startNode(t, f, cfg, 1, 3700, nil)
	b := startNode(t, f, cfg, 2, 4200, nil)
	nodes := []*testNode{a, b}

	waitFor(t, 5*time.Second, "election to settle on the stronger node", func() bool {
		return gatewayCount(nodes) == 1 && b.cond.RoleName() == "gateway" && a.cond.RoleName() == "member"
	})
}

func TestJoinAfterElectionForcesFreshRound(t *testing.T) {
	f := topology.NewFabric()
	cfg := testConfig(t)
	a := startNode(t, f, cfg, 1, 3700, nil)

	waitFor(t, 2*time.Second, "initial self-election", func() bool {
		return a.cond.RoleName() == "gateway"
	})

	// A healthier latecomer must take the role through the forced round.
	b := startNode(t, f, cfg, 2, 4300, nil)
	waitFor(t, 5*time.Second, "re-election after join", func() bool {
		return b.cond.RoleName() == "gateway" && a.cond.RoleName() == "member"
	})
}

func TestMemberShadowFollowsDirectory(t *testing.T) {
	f := topology.NewFabric()
	cfg := testConfig(t)
	a := startNode(t, f, cfg, 1, 3700, nil)
	b := startNode(t, f, cfg, 2, 4200, nil)

	waitFor(t, 8*time.Second, "member shadow carrying both nodes", func() bool {
		var member *testNode
		switch {
		case a.cond.RoleName() == "member":
			member = a
		case b.cond.RoleName() == "member":
			member = b
		default:
			return false
		}
		return len(member.cond.Shadow()) >= 2
	})
}

func TestGatewayLossTriggersReelection(t *testing.T) {
	f := topology.NewFabric()
	cfg := testConfig(t)
	nodes := []*testNode{
		startNode(t, f, cfg, 1, 4300, nil),
		startNode(t, f, cfg, 2, 3900, nil),
		startNode(t, f, cfg, 3, 3800, nil),
	}

	waitFor(t, 5*time.Second, "initial election", func() bool {
		return gatewayCount(nodes) == 1
	})

	var survivors []*testNode
	for _, n := range nodes {
		if n.cond.RoleName() == "gateway" {
			n.cond.Stop()
		} else {
			survivors = append(survivors, n)
		}
	}
	if len(survivors) != 2 {
		t.Fatalf("expected 2 survivors, got %d", len(survivors))
	}
	waitFor(t, 8*time.Second, "survivor takes over", func() bool {
		return gatewayCount(survivors) == 1
	})
}

func TestReelectionWhenPeerHasHealthierBattery(t *testing.T) {
	f := topology.NewFabric()
	cfg := testConfig(t)

	// Node 2 carries heavy prior tenure, so the weaker node 1 wins the
	// round despite its battery (node 1 picks up one term of its own by
	// self-electing while alone); the periodic battery comparison must
	// then hand the role over anyway.
	storePath := filepath.Join(t.TempDir(), "node2.json")
	pre, err := nvstore.Open(storePath)
	if err != nil {
		t.Fatal(err)
	}
	if err := pre.SetUint16(tenureKey, 2); err != nil {
		t.Fatal(err)
	}

	a := startNode(t, f, cfg, 1, 3600, nil)

	radio := ranging.NewSimRadio(2)
	bPort := f.Join(nodeAddr(2))
	bCond := NewConductor(Options{
		Topology:    bPort,
		Config:      cfg,
		Store:       pre,
		Battery:     FixedBattery(4200),
		Radio:       radio,
		RangingAddr: rangingAddr(2),
	})
	bCond.Run()
	t.Cleanup(bCond.Stop)
	b := &testNode{addr: nodeAddr(2), cond: bCond}

	waitFor(t, 5*time.Second, "starved node winning on tenure", func() bool {
		return a.cond.RoleName() == "gateway" && b.cond.RoleName() == "member"
	})
	waitFor(t, 10*time.Second, "battery-driven handover", func() bool {
		return b.cond.RoleName() == "gateway" && a.cond.RoleName() == "member"
	})
}

func TestFourNodePositionsSolved(t *testing.T) {
	f := topology.NewFabric()
	cfg := testConfig(t)

	// A 300 cm square: nodes 1..4 at its corners.
	corners := map[byte][2]float64{
		1: {0, 0}, 2: {300, 0}, 3: {0, 300}, 4: {300, 300},
	}

	nodes := make([]*testNode, 0, 4)
	for n := byte(1); n <= 4; n++ {
		distances := make(map[byte]float64)
		for m := byte(1); m <= 4; m++ {
			if m == n {
				continue
			}
			dx := corners[n][0] - corners[m][0]
			dy := corners[n][1] - corners[m][1]
			distances[m] = math.Hypot(dx, dy)
		}
		nodes = append(nodes, startNode(t, f, cfg, n, 4200-uint16(n)*100, distances))
	}

	waitFor(t, 15*time.Second, "single gateway and positioned members", func() bool {
		if gatewayCount(nodes) != 1 {
			return false
		}
		positioned := 0
		for _, node := range nodes {
			if node.cond.RoleName() != "member" {
				continue
			}
			if _, conf := node.cond.Position(); conf > 0 {
				positioned++
			}
		}
		return positioned == 3
	})
}
