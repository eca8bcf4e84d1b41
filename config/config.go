// Package config holds the run-time tuning surface of the coordination
// engine. Everything here is hot-reloadable: the engine reads a snapshot at
// each decision point instead of caching values.
package config

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jlarnal/Squeek/utils"
)

// Config is the full tuning surface. TOML tags match the file layout.
type Config struct {
	Election  ElectionConfig  `toml:"election"`
	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	Ranging   RangingConfig   `toml:"ranging"`
	Solver    SolverConfig    `toml:"solver"`
	Mesh      MeshConfig      `toml:"mesh"`
}

type ElectionConfig struct {
	WBattery       float64 `toml:"w_battery"`
	WAdjacency     float64 `toml:"w_adjacency"`
	WTenure        float64 `toml:"w_tenure"`
	BatteryFloorMV uint16  `toml:"battery_floor_mv"`
	LowBatPenalty  float64 `toml:"lowbat_penalty"`
	SettleMS       int     `toml:"settle_ms"`
	TimeoutMS      int     `toml:"timeout_ms"`
}

type HeartbeatConfig struct {
	IntervalS         int    `toml:"interval_s"`
	StaleMultiplier   int    `toml:"stale_multiplier"`
	ReelectionDeltaMV uint16 `toml:"reelection_delta_mv"`
}

type RangingConfig struct {
	SamplesPerPair  int `toml:"samples_per_pair"`
	PairTimeoutMS   int `toml:"pair_timeout_ms"`
	SweepIntervalS  int `toml:"sweep_interval_s"`
	StalenessS      int `toml:"staleness_s"`
	NewNodeAnchors  int `toml:"new_node_anchors"`
	CalibrationCM   int `toml:"calibration_cm"`
	ProcessTickMS   int `toml:"process_tick_ms"`
	Channel         int `toml:"channel"`
}

type SolverConfig struct {
	KalmanProcessNoise float64 `toml:"kalman_process_noise"`
}

type MeshConfig struct {
	MaxRetries       int `toml:"max_retries"`
	RetryDelayMS     int `toml:"retry_delay_ms"`
	ReelectSleepMS   int `toml:"reelect_sleep_ms"`
	MaxBackoffJitter int `toml:"max_backoff_jitter_ms"`
}

// Default returns the factory tuning.
func Default() Config {
	return Config{
		Election: ElectionConfig{
			WBattery:       10,
			WAdjacency:     5000,
			WTenure:        8000,
			BatteryFloorMV: 2900,
			LowBatPenalty:  0.001,
			SettleMS:       3000,
			TimeoutMS:      15000,
		},
		Heartbeat: HeartbeatConfig{
			IntervalS:         10,
			StaleMultiplier:   3,
			ReelectionDeltaMV: 300,
		},
		Ranging: RangingConfig{
			SamplesPerPair: 16,
			PairTimeoutMS:  4000,
			SweepIntervalS: 300,
			StalenessS:     600,
			NewNodeAnchors: 3,
			CalibrationCM:  0,
			ProcessTickMS:  500,
			Channel:        1,
		},
		Solver: SolverConfig{
			KalmanProcessNoise: 5,
		},
		Mesh: MeshConfig{
			MaxRetries:       10,
			RetryDelayMS:     2000,
			ReelectSleepMS:   5000,
			MaxBackoffJitter: 3000,
		},
	}
}

func (c Config) validate() error {
	if c.Heartbeat.IntervalS <= 0 || c.Heartbeat.StaleMultiplier <= 0 {
		return fmt.Errorf("heartbeat interval and stale multiplier must be positive")
	}
	if c.Ranging.SamplesPerPair <= 0 || c.Ranging.PairTimeoutMS <= 0 {
		return fmt.Errorf("ranging samples and pair timeout must be positive")
	}
	if c.Election.LowBatPenalty <= 0 || c.Election.LowBatPenalty >= 1 {
		return fmt.Errorf("lowbat_penalty must be in (0,1)")
	}
	return nil
}

// Convenience accessors for derived durations.

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalS) * time.Second
}

func (c Config) StaleAfter() time.Duration {
	return c.HeartbeatInterval() * time.Duration(c.Heartbeat.StaleMultiplier)
}

func (c Config) PairTimeout() time.Duration {
	return time.Duration(c.Ranging.PairTimeoutMS) * time.Millisecond
}

func (c Config) StalenessWindow() time.Duration {
	return time.Duration(c.Ranging.StalenessS) * time.Second
}

// Manager serves configuration snapshots and supports reload-on-demand with
// change notification.
type Manager struct {
	mu          sync.RWMutex
	current     Config
	path        string
	subscribers []func(Config)
}

// NewManager seeds a manager with defaults, overlaid from path when given.
func NewManager(path string) (*Manager, error) {
	m := &Manager{current: Default(), path: path}
	if path != "" {
		if err := m.Reload(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Snapshot returns the current configuration by value.
func (m *Manager) Snapshot() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe registers a callback fired after each successful reload.
func (m *Manager) Subscribe(fn func(Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Reload re-decodes the file over a fresh default set. A bad file leaves the
// previous configuration in force.
func (m *Manager) Reload() error {
	if m.path == "" {
		return nil
	}

	next := Default()
	if err := utils.LoadTOMLConfig(m.path, &next); err != nil {
		return fmt.Errorf("failed to load config %s: %w", m.path, err)
	}
	if err := next.validate(); err != nil {
		return fmt.Errorf("rejecting config %s: %w", m.path, err)
	}

	m.mu.Lock()
	m.current = next
	subscribers := make([]func(Config), len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.Unlock()

	log.Printf("info: configuration reloaded from %s", m.path)
	for _, fn := range subscribers {
		fn(next)
	}
	return nil
}
