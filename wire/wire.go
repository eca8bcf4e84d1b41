package wire

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/google/uuid"
)

// Every mesh message is a single byte slice with a one-byte type tag followed
// by fixed-offset little-endian fields. Nothing here relies on in-memory
// struct layout; each message has an explicit encoder and decoder.

// Message type tags.
const (
	MsgElection    = 0x01
	MsgHeartbeat   = 0x02
	MsgPeerSync    = 0x03
	MsgRangeWake   = 0x04
	MsgRangeReady  = 0x05
	MsgRangeGo     = 0x06
	MsgRangeResult = 0x07
	MsgRangeCancel = 0x08
	MsgPosUpdate   = 0x09
	MsgRoleChange  = 0x0A
	MsgNominate    = 0x0B
)

var (
	ErrShortMessage = errors.New("wire: message too short")
	ErrBadType      = errors.New("wire: unexpected message type")
	ErrBadCount     = errors.New("wire: entry count does not match payload length")
)

// MsgType returns the type tag of an encoded message, or 0 for an empty buffer.
func MsgType(b []byte) byte {
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

// Election carries one candidate's claim during an election round.
// Layout: type(1) | mac(6) | battery_mv(2) | peer_count(1) | tenure(2) | score(8)
type Election struct {
	Addr      Addr
	BatteryMV uint16
	PeerCount uint8
	Tenure    uint16
	Score     float64
}

const electionLen = 1 + 6 + 2 + 1 + 2 + 8

func (m *Election) Encode() []byte {
	b := make([]byte, electionLen)
	b[0] = MsgElection
	copy(b[1:7], m.Addr[:])
	binary.LittleEndian.PutUint16(b[7:9], m.BatteryMV)
	b[9] = m.PeerCount
	binary.LittleEndian.PutUint16(b[10:12], m.Tenure)
	binary.LittleEndian.PutUint64(b[12:20], math.Float64bits(m.Score))
	return b
}

func DecodeElection(b []byte) (Election, error) {
	var m Election
	if len(b) < electionLen {
		return m, ErrShortMessage
	}
	if b[0] != MsgElection {
		return m, ErrBadType
	}
	copy(m.Addr[:], b[1:7])
	m.BatteryMV = binary.LittleEndian.Uint16(b[7:9])
	m.PeerCount = b[9]
	m.Tenure = binary.LittleEndian.Uint16(b[10:12])
	m.Score = math.Float64frombits(binary.LittleEndian.Uint64(b[12:20]))
	return m, nil
}

// Heartbeat is the periodic liveness report from a member to the coordinator.
// Layout: type(1) | mac(6) | battery_mv(2) | flags(1) | secondary_mac(6)
type Heartbeat struct {
	Addr      Addr
	BatteryMV uint16
	Flags     uint8
	Secondary Addr
}

const heartbeatLen = 1 + 6 + 2 + 1 + 6

func (m *Heartbeat) Encode() []byte {
	b := make([]byte, heartbeatLen)
	b[0] = MsgHeartbeat
	copy(b[1:7], m.Addr[:])
	binary.LittleEndian.PutUint16(b[7:9], m.BatteryMV)
	b[9] = m.Flags
	copy(b[10:16], m.Secondary[:])
	return b
}

func DecodeHeartbeat(b []byte) (Heartbeat, error) {
	var m Heartbeat
	if len(b) < heartbeatLen {
		return m, ErrShortMessage
	}
	if b[0] != MsgHeartbeat {
		return m, ErrBadType
	}
	copy(m.Addr[:], b[1:7])
	m.BatteryMV = binary.LittleEndian.Uint16(b[7:9])
	m.Flags = b[9]
	copy(m.Secondary[:], b[10:16])
	return m, nil
}

// PeerSyncEntry is one row of the directory snapshot broadcast to members.
type PeerSyncEntry struct {
	Addr      Addr
	Secondary Addr
	BatteryMV uint16
	Flags     uint8
}

const peerSyncEntryLen = 6 + 6 + 2 + 1

// PeerSync is the shadow snapshot of the coordinator's directory.
// Layout: type(1) | count(1) | count * (mac(6) | secondary(6) | battery(2) | flags(1))
type PeerSync struct {
	Entries []PeerSyncEntry
}

func (m *PeerSync) Encode() []byte {
	b := make([]byte, 2+len(m.Entries)*peerSyncEntryLen)
	b[0] = MsgPeerSync
	b[1] = byte(len(m.Entries))
	off := 2
	for _, e := range m.Entries {
		copy(b[off:off+6], e.Addr[:])
		copy(b[off+6:off+12], e.Secondary[:])
		binary.LittleEndian.PutUint16(b[off+12:off+14], e.BatteryMV)
		b[off+14] = e.Flags
		off += peerSyncEntryLen
	}
	return b
}

func DecodePeerSync(b []byte) (PeerSync, error) {
	var m PeerSync
	if len(b) < 2 {
		return m, ErrShortMessage
	}
	if b[0] != MsgPeerSync {
		return m, ErrBadType
	}
	count := int(b[1])
	if len(b) < 2+count*peerSyncEntryLen {
		return m, ErrBadCount
	}
	m.Entries = make([]PeerSyncEntry, count)
	off := 2
	for i := 0; i < count; i++ {
		copy(m.Entries[i].Addr[:], b[off:off+6])
		copy(m.Entries[i].Secondary[:], b[off+6:off+12])
		m.Entries[i].BatteryMV = binary.LittleEndian.Uint16(b[off+12 : off+14])
		m.Entries[i].Flags = b[off+14]
		off += peerSyncEntryLen
	}
	return m, nil
}

// RangeWake tells both endpoints of a pair to prepare for a ranging exchange.
// Layout: type(1) | session(16) | initiator(6) | responder(6) | responder_ranging(6)
type RangeWake struct {
	Session          uuid.UUID
	Initiator        Addr
	Responder        Addr
	ResponderRanging Addr
}

const rangeWakeLen = 1 + 16 + 6 + 6 + 6

func (m *RangeWake) Encode() []byte {
	b := make([]byte, rangeWakeLen)
	b[0] = MsgRangeWake
	copy(b[1:17], m.Session[:])
	copy(b[17:23], m.Initiator[:])
	copy(b[23:29], m.Responder[:])
	copy(b[29:35], m.ResponderRanging[:])
	return b
}

func DecodeRangeWake(b []byte) (RangeWake, error) {
	var m RangeWake
	if len(b) < rangeWakeLen {
		return m, ErrShortMessage
	}
	if b[0] != MsgRangeWake {
		return m, ErrBadType
	}
	copy(m.Session[:], b[1:17])
	copy(m.Initiator[:], b[17:23])
	copy(m.Responder[:], b[23:29])
	copy(m.ResponderRanging[:], b[29:35])
	return m, nil
}

// RangeReady reports that an endpoint is awake and ready for the exchange.
// Layout: type(1) | session(16) | mac(6)
type RangeReady struct {
	Session uuid.UUID
	Addr    Addr
}

const rangeReadyLen = 1 + 16 + 6

func (m *RangeReady) Encode() []byte {
	b := make([]byte, rangeReadyLen)
	b[0] = MsgRangeReady
	copy(b[1:17], m.Session[:])
	copy(b[17:23], m.Addr[:])
	return b
}

func DecodeRangeReady(b []byte) (RangeReady, error) {
	var m RangeReady
	if len(b) < rangeReadyLen {
		return m, ErrShortMessage
	}
	if b[0] != MsgRangeReady {
		return m, ErrBadType
	}
	copy(m.Session[:], b[1:17])
	copy(m.Addr[:], b[17:23])
	return m, nil
}

// RangeGo authorizes the initiator to run the physical ranging exchange.
// Layout: type(1) | session(16) | target_ranging(6) | samples(1)
type RangeGo struct {
	Session       uuid.UUID
	TargetRanging Addr
	Samples       uint8
}

const rangeGoLen = 1 + 16 + 6 + 1

func (m *RangeGo) Encode() []byte {
	b := make([]byte, rangeGoLen)
	b[0] = MsgRangeGo
	copy(b[1:17], m.Session[:])
	copy(b[17:23], m.TargetRanging[:])
	b[23] = m.Samples
	return b
}

func DecodeRangeGo(b []byte) (RangeGo, error) {
	var m RangeGo
	if len(b) < rangeGoLen {
		return m, ErrShortMessage
	}
	if b[0] != MsgRangeGo {
		return m, ErrBadType
	}
	copy(m.Session[:], b[1:17])
	copy(m.TargetRanging[:], b[17:23])
	m.Samples = b[23]
	return m, nil
}

// Ranging result status codes.
const (
	RangeOK      = 0
	RangeTimeout = 1
	RangeNoData  = 2
)

// RangeResult reports the measured one-way distance (or failure) back to the
// coordinator.
// Layout: type(1) | session(16) | initiator(6) | responder(6) | distance_cm(4) | status(1)
type RangeResult struct {
	Session    uuid.UUID
	Initiator  Addr
	Responder  Addr
	DistanceCM float32
	Status     uint8
}

const rangeResultLen = 1 + 16 + 6 + 6 + 4 + 1

func (m *RangeResult) Encode() []byte {
	b := make([]byte, rangeResultLen)
	b[0] = MsgRangeResult
	copy(b[1:17], m.Session[:])
	copy(b[17:23], m.Initiator[:])
	copy(b[23:29], m.Responder[:])
	binary.LittleEndian.PutUint32(b[29:33], math.Float32bits(m.DistanceCM))
	b[33] = m.Status
	return b
}

func DecodeRangeResult(b []byte) (RangeResult, error) {
	var m RangeResult
	if len(b) < rangeResultLen {
		return m, ErrShortMessage
	}
	if b[0] != MsgRangeResult {
		return m, ErrBadType
	}
	copy(m.Session[:], b[1:17])
	copy(m.Initiator[:], b[17:23])
	copy(m.Responder[:], b[23:29])
	m.DistanceCM = math.Float32frombits(binary.LittleEndian.Uint32(b[29:33]))
	m.Status = b[33]
	return m, nil
}

// RangeCancel aborts the in-flight session on both endpoints.
// Layout: type(1) | session(16)
type RangeCancel struct {
	Session uuid.UUID
}

const rangeCancelLen = 1 + 16

func (m *RangeCancel) Encode() []byte {
	b := make([]byte, rangeCancelLen)
	b[0] = MsgRangeCancel
	copy(b[1:17], m.Session[:])
	return b
}

func DecodeRangeCancel(b []byte) (RangeCancel, error) {
	var m RangeCancel
	if len(b) < rangeCancelLen {
		return m, ErrShortMessage
	}
	if b[0] != MsgRangeCancel {
		return m, ErrBadType
	}
	copy(m.Session[:], b[1:17])
	return m, nil
}

// PosUpdateEntry is one node's solved position.
type PosUpdateEntry struct {
	Addr       Addr
	X, Y, Z    float32
	Confidence float32
}

const posUpdateEntryLen = 6 + 4*4

// PosUpdate broadcasts the solved positions to every member.
// Layout: type(1) | dimension(1) | count(1) | count * (mac(6) | x(4) | y(4) | z(4) | conf(4))
type PosUpdate struct {
	Dimension uint8
	Entries   []PosUpdateEntry
}

func (m *PosUpdate) Encode() []byte {
	b := make([]byte, 3+len(m.Entries)*posUpdateEntryLen)
	b[0] = MsgPosUpdate
	b[1] = m.Dimension
	b[2] = byte(len(m.Entries))
	off := 3
	for _, e := range m.Entries {
		copy(b[off:off+6], e.Addr[:])
		binary.LittleEndian.PutUint32(b[off+6:off+10], math.Float32bits(e.X))
		binary.LittleEndian.PutUint32(b[off+10:off+14], math.Float32bits(e.Y))
		binary.LittleEndian.PutUint32(b[off+14:off+18], math.Float32bits(e.Z))
		binary.LittleEndian.PutUint32(b[off+18:off+22], math.Float32bits(e.Confidence))
		off += posUpdateEntryLen
	}
	return b
}

func DecodePosUpdate(b []byte) (PosUpdate, error) {
	var m PosUpdate
	if len(b) < 3 {
		return m, ErrShortMessage
	}
	if b[0] != MsgPosUpdate {
		return m, ErrBadType
	}
	m.Dimension = b[1]
	count := int(b[2])
	if len(b) < 3+count*posUpdateEntryLen {
		return m, ErrBadCount
	}
	m.Entries = make([]PosUpdateEntry, count)
	off := 3
	for i := 0; i < count; i++ {
		copy(m.Entries[i].Addr[:], b[off:off+6])
		m.Entries[i].X = math.Float32frombits(binary.LittleEndian.Uint32(b[off+6 : off+10]))
		m.Entries[i].Y = math.Float32frombits(binary.LittleEndian.Uint32(b[off+10 : off+14]))
		m.Entries[i].Z = math.Float32frombits(binary.LittleEndian.Uint32(b[off+14 : off+18]))
		m.Entries[i].Confidence = math.Float32frombits(binary.LittleEndian.Uint32(b[off+18 : off+22]))
		off += posUpdateEntryLen
	}
	return m, nil
}

// RoleChange announces the new coordinator after a handover.
// Layout: type(1) | mac(6)
type RoleChange struct {
	NewCoordinator Addr
}

const roleChangeLen = 1 + 6

func (m *RoleChange) Encode() []byte {
	b := make([]byte, roleChangeLen)
	b[0] = MsgRoleChange
	copy(b[1:7], m.NewCoordinator[:])
	return b
}

func DecodeRoleChange(b []byte) (RoleChange, error) {
	var m RoleChange
	if len(b) < roleChangeLen {
		return m, ErrShortMessage
	}
	if b[0] != MsgRoleChange {
		return m, ErrBadType
	}
	copy(m.NewCoordinator[:], b[1:7])
	return m, nil
}

// Nominate asks the current coordinator to hand the role to the requester.
// Layout: type(1) | mac(6)
type Nominate struct {
	Requester Addr
}

const nominateLen = 1 + 6

func (m *Nominate) Encode() []byte {
	b := make([]byte, nominateLen)
	b[0] = MsgNominate
	copy(b[1:7], m.Requester[:])
	return b
}

func DecodeNominate(b []byte) (Nominate, error) {
	var m Nominate
	if len(b) < nominateLen {
		return m, ErrShortMessage
	}
	if b[0] != MsgNominate {
		return m, ErrBadType
	}
	copy(m.Requester[:], b[1:7])
	return m, nil
}
