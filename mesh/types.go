// Package mesh runs the coordination core of a node: the election that picks
// one gateway for the connected group, the gateway's peer directory and
// ranging pipeline, and the member-side shadow of both.
package mesh

import "time"

// BatteryReader reports the supply voltage. The real implementation wraps
// the fuel gauge; tests and simulations use FixedBattery.
type BatteryReader interface {
	ReadMillivolts() uint16
}

// FixedBattery is a constant-voltage reader.
type FixedBattery uint16

func (b FixedBattery) ReadMillivolts() uint16 { return uint16(b) }

// Persistent store keys.
const (
	tenureKey      = "gateway_tenure"
	calibrationKey = "ranging_calibration_cm"
)

// workQueueDepth bounds the conductor's pending work. Timer callbacks only
// enqueue here; the worker goroutine does the actual processing.
const workQueueDepth = 64

// lonelyRootTicks is how many consecutive childless heartbeat periods a
// gateway tolerates before rebooting into a fresh attachment attempt.
const lonelyRootTicks = 10

// electionJoinGrace is the settle delay applied when a round is joined
// because a candidate arrived before our own round started.
const electionJoinGrace = 50 * time.Millisecond
