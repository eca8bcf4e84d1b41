package utils

import (
	"flag"
	"fmt"
)

type Flags struct {
	Address    string
	ConfigPath string
	StorePath  string
	BatteryMV  uint
	SimNodes   int
}

func ParseFlags() (Flags, error) {
	address := flag.String("addr", "", "Hardware address of this node, e.g. AA:11:22:33:44:55 (Required)")
	configPath := flag.String("config", "", "Path to the TOML tuning file (optional, defaults apply)")
	storePath := flag.String("store", "squeek_store.json", "Path to the persistent key-value store")
	batteryMV := flag.Uint("battery", 4100, "Simulated battery level in millivolts")
	simNodes := flag.Int("peers", 0, "Spin up this many extra in-process peers on one fabric")

	flag.Parse()

	if *address == "" {
		return Flags{}, fmt.Errorf("missing required flag: -addr")
	}
	if *simNodes < 0 {
		return Flags{}, fmt.Errorf("-peers must be >= 0")
	}

	return Flags{
		Address:    *address,
		ConfigPath: *configPath,
		StorePath:  *storePath,
		BatteryMV:  *batteryMV,
		SimNodes:   *simNodes,
	}, nil
}
