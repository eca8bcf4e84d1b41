package topology

import (
	"fmt"
	"log"
	"sync"

	"github.com/jlarnal/Squeek/utils"
	"github.com/jlarnal/Squeek/wire"
)

// Fabric is an in-process mesh: every Port shares one hub, frames are
// delivered over channels, and the first node to join holds the provisional
// root. It stands in for the radio mesh in tests and in single-binary
// multi-node runs.
type Fabric struct {
	mu    sync.Mutex
	ports map[wire.Addr]*Port
	order []wire.Addr // join order, used to pick a successor root
	root  wire.Addr
}

func NewFabric() *Fabric {
	return &Fabric{ports: make(map[wire.Addr]*Port)}
}

// Join attaches a new node to the fabric and returns its Layer endpoint.
func (f *Fabric) Join(addr wire.Addr) *Port {
	f.mu.Lock()

	p := &Port{
		fabric: f,
		self:   addr,
		events: make(chan Event, 128),
	}
	f.ports[addr] = p
	f.order = append(f.order, addr)

	if f.root.IsZero() {
		f.root = addr
	}
	root := f.root
	others := make([]*Port, 0, len(f.ports))
	for a, q := range f.ports {
		if a != addr {
			others = append(others, q)
		}
	}
	f.mu.Unlock()

	p.post(Event{Kind: Attached, Addr: root})
	for _, q := range others {
		q.post(Event{Kind: ChildJoined, Addr: addr})
	}
	return p
}

// Detach removes a node; other members observe ChildLeft, and losing the root
// additionally surfaces Detached so non-roots can react to coordinator loss.
func (f *Fabric) detach(addr wire.Addr) {
	f.mu.Lock()
	p, ok := f.ports[addr]
	if !ok {
		f.mu.Unlock()
		return
	}
	delete(f.ports, addr)
	utils.RemoveAddrInPlace(&f.order, addr)

	wasRoot := f.root == addr
	if wasRoot {
		// Oldest surviving member inherits the provisional root.
		if len(f.order) > 0 {
			f.root = f.order[0]
		} else {
			f.root = wire.ZeroAddr
		}
	}
	newRoot := f.root
	others := make([]*Port, 0, len(f.ports))
	for _, q := range f.ports {
		others = append(others, q)
	}
	f.mu.Unlock()

	close(p.events)
	for _, q := range others {
		q.post(Event{Kind: ChildLeft, Addr: addr})
		if wasRoot {
			q.post(Event{Kind: Detached, Addr: addr})
			if !newRoot.IsZero() {
				q.post(Event{Kind: RootChanged, Addr: newRoot})
			}
		}
	}
}

func (f *Fabric) setRoot(addr wire.Addr) error {
	f.mu.Lock()
	if _, ok := f.ports[addr]; !ok {
		f.mu.Unlock()
		return fmt.Errorf("topology: no member %v", addr)
	}
	f.root = addr
	others := make([]*Port, 0, len(f.ports))
	for _, q := range f.ports {
		others = append(others, q)
	}
	f.mu.Unlock()

	for _, q := range others {
		q.post(Event{Kind: RootChanged, Addr: addr})
	}
	return nil
}

// Port is one node's endpoint on the fabric. It implements Layer.
type Port struct {
	fabric *Fabric
	self   wire.Addr
	events chan Event

	mu   sync.Mutex
	gone bool
}

func (p *Port) post(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone {
		return
	}
	select {
	case p.events <- ev:
	default:
		log.Printf("warn: topology event queue full on %v, dropping %d", p.self, ev.Kind)
	}
}

func (p *Port) Self() wire.Addr { return p.self }

func (p *Port) IsRoot() bool {
	p.fabric.mu.Lock()
	defer p.fabric.mu.Unlock()
	return p.fabric.root == p.self
}

func (p *Port) Root() wire.Addr {
	p.fabric.mu.Lock()
	defer p.fabric.mu.Unlock()
	return p.fabric.root
}

func (p *Port) MemberCount() int {
	p.fabric.mu.Lock()
	defer p.fabric.mu.Unlock()
	return len(p.fabric.ports)
}

func (p *Port) Members() []wire.Addr {
	p.fabric.mu.Lock()
	defer p.fabric.mu.Unlock()
	members := make([]wire.Addr, len(p.fabric.order))
	copy(members, p.fabric.order)
	return members
}

func (p *Port) BecomeRoot() error {
	return p.fabric.setRoot(p.self)
}

func (p *Port) WaiveRootTo(addr wire.Addr) error {
	return p.fabric.setRoot(addr)
}

func (p *Port) SendTo(addr wire.Addr, payload []byte) error {
	p.fabric.mu.Lock()
	q, ok := p.fabric.ports[addr]
	p.fabric.mu.Unlock()
	if !ok {
		return fmt.Errorf("topology: no member %v", addr)
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	q.post(Event{Kind: Frame, From: p.self, Payload: buf})
	return nil
}

func (p *Port) SendToRoot(payload []byte) error {
	return p.SendTo(p.Root(), payload)
}

func (p *Port) Broadcast(payload []byte) error {
	p.fabric.mu.Lock()
	others := make([]*Port, 0, len(p.fabric.ports))
	for a, q := range p.fabric.ports {
		if a != p.self {
			others = append(others, q)
		}
	}
	p.fabric.mu.Unlock()

	for _, q := range others {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		q.post(Event{Kind: Frame, From: p.self, Payload: buf})
	}
	return nil
}

func (p *Port) Events() <-chan Event { return p.events }

func (p *Port) Leave() {
	p.mu.Lock()
	if p.gone {
		p.mu.Unlock()
		return
	}
	p.gone = true
	p.mu.Unlock()
	p.fabric.detach(p.self)
}
