// Package topology abstracts the self-organizing radio mesh underneath the
// coordination engine. The engine consumes root/parent status, the routing
// table, and unicast/broadcast send primitives as given; it never manages
// radio links itself.
package topology

import "github.com/jlarnal/Squeek/wire"

// EventKind enumerates topology notifications delivered to the engine.
type EventKind int

const (
	// Attached: this node gained a parent (or became root) and is connected.
	Attached EventKind = iota
	// Detached: this node lost its parent.
	Detached
	// ChildJoined: a node joined somewhere under this node.
	ChildJoined
	// ChildLeft: a node left.
	ChildLeft
	// RootChanged: the mesh root moved; Addr names the new root.
	RootChanged
	// NoParent: a connection attempt found no viable parent.
	NoParent
	// Frame: an application payload arrived; From and Payload are set.
	Frame
)

// Event is a single topology notification.
type Event struct {
	Kind    EventKind
	Addr    wire.Addr // subject node for membership/root events
	From    wire.Addr // sender for Frame events
	Payload []byte    // payload for Frame events
}

// Layer is the interface the coordination engine consumes.
type Layer interface {
	// Self returns this node's primary address.
	Self() wire.Addr

	// IsRoot reports whether this node currently holds the topology root.
	IsRoot() bool

	// Root returns the current root's address (zero if unknown).
	Root() wire.Addr

	// MemberCount returns the number of nodes currently in the mesh,
	// including this one.
	MemberCount() int

	// Members returns the routing table (all known member addresses,
	// including self).
	Members() []wire.Addr

	// BecomeRoot promotes this node to topology root.
	BecomeRoot() error

	// WaiveRootTo hands the topology root to another member.
	WaiveRootTo(addr wire.Addr) error

	// SendTo delivers a payload to one member.
	SendTo(addr wire.Addr, payload []byte) error

	// SendToRoot delivers a payload to the current root.
	SendToRoot(payload []byte) error

	// Broadcast delivers a payload to every other member.
	Broadcast(payload []byte) error

	// Events returns the notification channel. The channel is buffered;
	// the layer drops events if the consumer stalls.
	Events() <-chan Event

	// Leave detaches this node from the mesh.
	Leave()
}
