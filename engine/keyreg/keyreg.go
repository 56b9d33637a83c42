// Package keyreg interns object ids and type names into small integer keys.
// After a peer has seen a value once, later messages carry a 32-bit index
// instead of 16 raw bytes or a string. Only the server assigns indices;
// clients install what the server announces and never intern on their own.
package keyreg

import (
	"sync"

	"github.com/helixengine/helixnet/engine/common"
	"github.com/helixengine/helixnet/engine/hxlog"
	"github.com/helixengine/helixnet/engine/netutil"
	"github.com/helixengine/helixnet/engine/proto"
)

// _KEY_SENTINEL on the wire means "raw value follows" instead of an index
const _KEY_SENTINEL = 0xFFFFFFFF

// KeyTable is one session's interning state. It has its own mutex; code
// holding the replicator mutex may call into the table, never the other way
// around.
type KeyTable struct {
	mu       sync.Mutex
	isServer bool

	idToIndex map[common.GUID]uint32
	idByIndex []common.GUID

	nameToIndex map[string]uint32
	nameByIndex []string

	pendingIDs     []common.GUID
	pendingIDSet   common.GUIDSet
	pendingNames   []string
	pendingNameSet map[string]struct{}
}

// NewKeyTable creates an empty table. Server tables assign indices on flush;
// client tables only install announced keys.
func NewKeyTable(isServer bool) *KeyTable {
	return &KeyTable{
		isServer:       isServer,
		idToIndex:      map[common.GUID]uint32{},
		nameToIndex:    map[string]uint32{},
		pendingIDSet:   common.GUIDSet{},
		pendingNameSet: map[string]struct{}{},
	}
}

// SetServer selects whether this table assigns indices. The session manager
// calls it when a session starts, before any keys are interned; flipping a
// table that already holds keys is not supported.
func (kt *KeyTable) SetServer(isServer bool) {
	kt.mu.Lock()
	kt.isServer = isServer
	kt.mu.Unlock()
}

// WriteGUID appends guid to pkt as an index when interned, else as
// sentinel + raw bytes (and queues it for interning on the server)
func (kt *KeyTable) WriteGUID(pkt *netutil.Packet, guid common.GUID) {
	kt.mu.Lock()
	index, known := kt.idToIndex[guid]
	if !known && kt.isServer {
		kt.addPendingID(guid)
	}
	kt.mu.Unlock()

	if known {
		pkt.AppendUint32(index)
	} else {
		pkt.AppendUint32(_KEY_SENTINEL)
		pkt.AppendGUID(guid)
	}
}

// ReadGUID reads what WriteGUID wrote. An unknown index is a protocol
// violation and panics; the dispatch loop recovers per-message.
func (kt *KeyTable) ReadGUID(pkt *netutil.Packet) common.GUID {
	index := pkt.ReadUint32()
	if index != _KEY_SENTINEL {
		kt.mu.Lock()
		defer kt.mu.Unlock()
		if index >= uint32(len(kt.idByIndex)) {
			hxlog.Panicf("keyreg: unknown id key index %d", index)
		}
		return kt.idByIndex[index]
	}

	guid := pkt.ReadGUID()
	if kt.isServer {
		kt.mu.Lock()
		if _, known := kt.idToIndex[guid]; !known {
			kt.addPendingID(guid)
		}
		kt.mu.Unlock()
	}
	return guid
}

// WriteTypeName appends name to pkt as an index when interned, else as
// sentinel + length-prefixed string (and queues it for interning on the server)
func (kt *KeyTable) WriteTypeName(pkt *netutil.Packet, name string) {
	kt.mu.Lock()
	index, known := kt.nameToIndex[name]
	if !known && kt.isServer {
		kt.addPendingName(name)
	}
	kt.mu.Unlock()

	if known {
		pkt.AppendUint32(index)
	} else {
		pkt.AppendUint32(_KEY_SENTINEL)
		pkt.AppendVarStr(name)
	}
}

// ReadTypeName reads what WriteTypeName wrote
func (kt *KeyTable) ReadTypeName(pkt *netutil.Packet) string {
	index := pkt.ReadUint32()
	if index != _KEY_SENTINEL {
		kt.mu.Lock()
		defer kt.mu.Unlock()
		if index >= uint32(len(kt.nameByIndex)) {
			hxlog.Panicf("keyreg: unknown name key index %d", index)
		}
		return kt.nameByIndex[index]
	}

	name := pkt.ReadVarStr() // ReadVarStr copies, so the table owns its memory
	if kt.isServer {
		kt.mu.Lock()
		if _, known := kt.nameToIndex[name]; !known {
			kt.addPendingName(name)
		}
		kt.mu.Unlock()
	}
	return name
}

// addPendingID queues guid for the next flush. Caller holds the mutex.
func (kt *KeyTable) addPendingID(guid common.GUID) {
	if kt.pendingIDSet.Contains(guid) {
		return
	}
	kt.pendingIDSet.Add(guid)
	kt.pendingIDs = append(kt.pendingIDs, guid)
}

// addPendingName queues name for the next flush. Caller holds the mutex.
func (kt *KeyTable) addPendingName(name string) {
	if _, ok := kt.pendingNameSet[name]; ok {
		return
	}
	kt.pendingNameSet[name] = struct{}{}
	kt.pendingNames = append(kt.pendingNames, name)
}

// HasPending reports whether a flush would emit anything
func (kt *KeyTable) HasPending() bool {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	return len(kt.pendingIDs) > 0 || len(kt.pendingNames) > 0
}

// FlushPending assigns the next indices to every pending value and hands one
// Key message per value to send, which must deliver it reliably to all
// connected clients (and release the packet). Indices must reach a client
// before any message that uses them; flushing right after the replication
// pass on the same ordered channel guarantees that.
func (kt *KeyTable) FlushPending(send func(pkt *netutil.Packet)) {
	kt.mu.Lock()
	var packets []*netutil.Packet
	for _, guid := range kt.pendingIDs {
		index := uint32(len(kt.idByIndex))
		kt.idByIndex = append(kt.idByIndex, guid)
		kt.idToIndex[guid] = index
		packets = append(packets, proto.MakeKeyIDPacket(index, guid))
	}
	for _, name := range kt.pendingNames {
		index := uint32(len(kt.nameByIndex))
		kt.nameByIndex = append(kt.nameByIndex, name)
		kt.nameToIndex[name] = index
		packets = append(packets, proto.MakeKeyNamePacket(index, name))
	}
	kt.pendingIDs = kt.pendingIDs[:0]
	kt.pendingIDSet = common.GUIDSet{}
	kt.pendingNames = kt.pendingNames[:0]
	kt.pendingNameSet = map[string]struct{}{}
	kt.mu.Unlock()

	for _, pkt := range packets {
		send(pkt)
	}
}

// InstallID places a server-announced id key at its server-chosen index
func (kt *KeyTable) InstallID(index uint32, guid common.GUID) {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	for uint32(len(kt.idByIndex)) <= index {
		kt.idByIndex = append(kt.idByIndex, common.NilGUID)
	}
	if existing := kt.idByIndex[index]; !existing.IsNil() && existing != guid {
		hxlog.Panicf("keyreg: id key index %d reassigned from %s to %s", index, existing, guid)
	}
	kt.idByIndex[index] = guid
	kt.idToIndex[guid] = index
}

// InstallName places a server-announced name key at its server-chosen index
func (kt *KeyTable) InstallName(index uint32, name string) {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	for uint32(len(kt.nameByIndex)) <= index {
		kt.nameByIndex = append(kt.nameByIndex, "")
	}
	if existing := kt.nameByIndex[index]; existing != "" && existing != name {
		hxlog.Panicf("keyreg: name key index %d reassigned from %s to %s", index, existing, name)
	}
	kt.nameByIndex[index] = name
	kt.nameToIndex[name] = index
}

// ForEachID visits every interned id under the mutex, in index order.
// The callback must not call back into the table.
func (kt *KeyTable) ForEachID(f func(index uint32, guid common.GUID)) {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	for i, guid := range kt.idByIndex {
		f(uint32(i), guid)
	}
}

// ForEachName visits every interned name under the mutex, in index order.
// The callback must not call back into the table.
func (kt *KeyTable) ForEachName(f func(index uint32, name string)) {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	for i, name := range kt.nameByIndex {
		f(uint32(i), name)
	}
}

// Reset drops every interned and pending key. The session resets its table
// on teardown; indices restart from zero on the next session.
func (kt *KeyTable) Reset() {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	kt.idToIndex = map[common.GUID]uint32{}
	kt.idByIndex = nil
	kt.nameToIndex = map[string]uint32{}
	kt.nameByIndex = nil
	kt.pendingIDs = nil
	kt.pendingIDSet = common.GUIDSet{}
	kt.pendingNames = nil
	kt.pendingNameSet = map[string]struct{}{}
}

// IDCount returns the number of interned ids
func (kt *KeyTable) IDCount() int {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	return len(kt.idByIndex)
}

// NameCount returns the number of interned names
func (kt *KeyTable) NameCount() int {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	return len(kt.nameByIndex)
}
