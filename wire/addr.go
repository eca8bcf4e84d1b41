package wire

import (
	"bytes"
	"fmt"
)

// Addr is a 6-byte hardware address. It is the universal node key: every
// message on the mesh identifies nodes by it, and the peer directory is
// indexed by it.
type Addr [6]byte

// ZeroAddr is the unset address value.
var ZeroAddr Addr

func (a Addr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

func (a Addr) IsZero() bool {
	return a == ZeroAddr
}

// Compare orders addresses numerically, big-endian. Used for the election
// tie-break rule (greater address wins an exact score tie).
func (a Addr) Compare(b Addr) int {
	return bytes.Compare(a[:], b[:])
}

// Low16 returns the low 16 bits of the address (last two bytes), used to
// derive the deterministic election tie-break term.
func (a Addr) Low16() uint16 {
	return uint16(a[4])<<8 | uint16(a[5])
}

// ParseAddr parses a colon-separated hex address such as "AA:BB:CC:00:11:22".
func ParseAddr(s string) (Addr, error) {
	var a Addr
	n, err := fmt.Sscanf(s, "%02X:%02X:%02X:%02X:%02X:%02X",
		&a[0], &a[1], &a[2], &a[3], &a[4], &a[5])
	if err != nil || n != 6 {
		return ZeroAddr, fmt.Errorf("invalid address %q", s)
	}
	return a, nil
}
