package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jlarnal/Squeek/config"
	"github.com/jlarnal/Squeek/mesh"
	"github.com/jlarnal/Squeek/nvstore"
	"github.com/jlarnal/Squeek/ranging"
	"github.com/jlarnal/Squeek/topology"
	"github.com/jlarnal/Squeek/utils"
	"github.com/jlarnal/Squeek/wire"
)

func main() {
	flags, err := utils.ParseFlags()
	if err != nil {
		log.Fatalf("Invalid flags: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	addr, err := wire.ParseAddr(flags.Address)
	if err != nil {
		log.Fatalf("Invalid -addr %q: %v", flags.Address, err)
	}

	cfg, err := config.NewManager(flags.ConfigPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting node %v (battery %d mV, %d simulated peers)", addr, flags.BatteryMV, flags.SimNodes)

	fabric := topology.NewFabric()
	node, err := startNode(fabric, cfg, addr, flags.StorePath, uint16(flags.BatteryMV))
	if err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}

	extras := make([]*mesh.Conductor, 0, flags.SimNodes)
	for i := 1; i <= flags.SimNodes; i++ {
		peer := addr
		peer[5] += byte(i)
		storePath := filepath.Join(filepath.Dir(flags.StorePath), fmt.Sprintf("peer_%02d.json", i))
		battery := uint16(flags.BatteryMV) - uint16(i*50)
		c, err := startNode(fabric, cfg, peer, storePath, battery)
		if err != nil {
			log.Fatalf("Failed to start simulated peer %v: %v", peer, err)
		}
		extras = append(extras, c)
	}

	statusTicker := time.NewTicker(5 * time.Second)
	defer statusTicker.Stop()
	go func() {
		for range statusTicker.C {
			pos, conf := node.Position()
			log.Printf("role=%s shadow=%d pos=(%.1f, %.1f, %.1f) conf=%.2f",
				node.RoleName(), len(node.Shadow()), pos[0], pos[1], pos[2], conf)
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	var sig os.Signal
	for sig = range signalChan {
		if sig != syscall.SIGHUP {
			break
		}
		if err := cfg.Reload(); err != nil {
			log.Printf("Config reload failed: %v", err)
		}
	}
	log.Printf("Received signal %v, shutting down...", sig)

	for _, c := range extras {
		c.Stop()
	}
	node.Stop()
	log.Println("Node stopped")
}

// startNode joins one conductor to the shared in-process fabric. Ranging
// runs against a simulated radio whose targets fill in as peers appear.
func startNode(fabric *topology.Fabric, cfg *config.Manager, addr wire.Addr, storePath string, batteryMV uint16) (*mesh.Conductor, error) {
	store, err := nvstore.Open(storePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", storePath, err)
	}

	rangingAddr := addr
	rangingAddr[0] ^= 0x02 // locally administered variant, mirrors the hardware scheme

	radio := ranging.NewSimRadio(uint64(addr.Low16()))
	seedSimDistances(radio, addr)

	c := mesh.NewConductor(mesh.Options{
		Topology:    fabric.Join(addr),
		Config:      cfg,
		Store:       store,
		Battery:     mesh.FixedBattery(batteryMV),
		Radio:       radio,
		RangingAddr: rangingAddr,
	})
	c.Run()
	return c, nil
}

// seedSimDistances fills the simulated radio with plausible distances to the
// sibling addresses a -peers run will create, placing nodes on a line 250 cm
// apart.
func seedSimDistances(radio *ranging.SimRadio, self wire.Addr) {
	for delta := -16; delta <= 16; delta++ {
		low := int(self[5]) + delta
		if delta == 0 || low < 0 || low > 255 {
			continue
		}
		other := self
		other[5] = byte(low)
		other[0] ^= 0x02

		d := float64(delta)
		if d < 0 {
			d = -d
		}
		radio.DistancesCM[other] = 250 * d
	}
}
