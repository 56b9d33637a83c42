package replica

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/helixengine/helixnet/engine/common"
	"github.com/helixengine/helixnet/engine/consts"
	"github.com/helixengine/helixnet/engine/hxlog"
	"github.com/helixengine/helixnet/engine/hxutils"
	"github.com/helixengine/helixnet/engine/keyreg"
	"github.com/helixengine/helixnet/engine/netutil"
	"github.com/helixengine/helixnet/engine/proto"
	"github.com/helixengine/helixnet/engine/transport"
)

const (
	// data_size travels as uint16, bounding a serialized object state
	_MAX_STATE_SIZE = 0xFFFF

	// kind + owner_frame + object_id + parent_id + type_name + data_size + parts_count
	_REPLICATE_HEADER_SIZE = 1 + 4 + 2*common.GUID_LENGTH + netutil.TYPE_NAME_FIELD_SIZE + 2 + 2
	// kind + owner_frame + data_size + parts_count + part_start + part_size + object_id
	_REPLICATE_PART_HEADER_SIZE = 1 + 4 + 2 + 2 + 2 + 2 + common.GUID_LENGTH
	// kind + owner_client_id + owner_spawn_id + prefab_id + items_count + use_parts
	_SPAWN_HEADER_SIZE = 1 + 4 + 4 + common.GUID_LENGTH + 2 + 1
	// kind + owner_client_id + owner_spawn_id
	_SPAWN_PART_HEADER_SIZE = 1 + 4 + 4
)

// Peer is the session the replicator runs inside. netman.Manager implements
// it; tests drive the replicator with a fake.
type Peer interface {
	// IsServer reports whether this peer authors the authoritative world
	// (true for both dedicated servers and hosts).
	IsServer() bool
	// LocalClientID returns this peer's own client id.
	LocalClientID() common.ClientID
	// Frame returns the current network frame. The session advances it once
	// per replication tick; state broadcasts only run on ticks where it
	// advanced, everything else runs every tick.
	Frame() uint32
	// MTU returns the largest packet payload the transport carries whole.
	MTU() int
	// ConnectedClients returns the ids this peer can address: every
	// connected client on a server, just the server id on a client.
	ConnectedClients() []common.ClientID
	// Send transmits the packet to the given clients on the given channel.
	// The packet stays owned by the caller.
	Send(channel transport.Channel, packet *netutil.Packet, to ...common.ClientID)
}

// Replicator keeps the registry of networked objects and drives their
// replication: spawn and despawn queues, per-tick state broadcast with MTU
// fragmentation, remote procedure calls, ownership transfer and identity
// remapping between peers.
//
// All exported methods are safe for concurrent use. Update runs the tick and
// is called by the session loop once per network frame.
type Replicator struct {
	sync.RWMutex

	peer Peer
	keys *keyreg.KeyTable

	types       *TypeRegistry
	prefabs     *PrefabRegistry
	serializers *SerializerRegistry
	rpcs        *RPCTable

	hierarchy Hierarchy
	result    HierarchyResult

	arena   *ObjectArena
	records map[common.GUID]*ReplicatedObject

	// remap translates ids minted by other peers to local ids; remapReverse
	// translates them back for outgoing headers. Entries always come in
	// pairs, so both maps stay injective.
	remap        map[common.GUID]common.GUID
	remapReverse map[common.GUID]common.GUID

	despawnQueue []*despawnItem
	spawnQueue   []*spawnItem
	rpcQueue     []*rpcItem

	fragments  map[fragKey]*fragBuffer
	spawnParts map[spawnPartKey]*spawnPartBuffer

	// recentlyDespawned remembers despawned ids (wire and local) with the
	// frame they died, so stale unreliable state is dropped quietly
	recentlyDespawned map[common.GUID]uint32

	// relayDirty marks client-owned objects whose state the server received
	// this tick and must rebroadcast to the other clients
	relayDirty map[common.GUID]struct{}

	newClients   []common.ClientID
	spawnCounter uint32

	// ticks counts Update calls and clocks the TTL sweeps; it keeps running
	// when replication is rate-limited and the frame stands still
	ticks               uint32
	lastReplicatedFrame uint32

	// ForwardUnspawnedToNewClients makes late-joiner catch-up include
	// registered objects that were never explicitly spawned. Set it before
	// the session starts ticking.
	ForwardUnspawnedToNewClients bool
}

type despawnItem struct {
	wireID  common.GUID
	targets common.ClientIDSet
	exclude common.ClientID
}

type spawnItem struct {
	objectID common.GUID
	targets  common.ClientIDSet
	exclude  common.ClientID
	canceled bool
}

type rpcItem struct {
	objectID    common.GUID
	parentID    common.GUID
	objTypeName string
	rpcTypeName string
	rpcName     string
	info        *RPCInfo
	args        *Stream
	targets     common.ClientIDSet
}

// NewReplicator creates a replicator bound to the peer, with empty
// registries and no hierarchy installed.
func NewReplicator(peer Peer, keys *keyreg.KeyTable) *Replicator {
	return &Replicator{
		peer:              peer,
		keys:              keys,
		types:             NewTypeRegistry(),
		prefabs:           NewPrefabRegistry(),
		serializers:       NewSerializerRegistry(),
		rpcs:              NewRPCTable(),
		arena:             NewObjectArena(),
		records:           map[common.GUID]*ReplicatedObject{},
		remap:             map[common.GUID]common.GUID{},
		remapReverse:      map[common.GUID]common.GUID{},
		fragments:         map[fragKey]*fragBuffer{},
		spawnParts:        map[spawnPartKey]*spawnPartBuffer{},
		recentlyDespawned: map[common.GUID]uint32{},
		relayDirty:        map[common.GUID]struct{}{},
	}
}

// Types returns the registry of spawnable object types.
func (r *Replicator) Types() *TypeRegistry { return r.types }

// Prefabs returns the registry of prefab instantiators.
func (r *Replicator) Prefabs() *PrefabRegistry { return r.prefabs }

// Serializers returns the registry of per-type serializer overrides.
func (r *Replicator) Serializers() *SerializerRegistry { return r.serializers }

// RPCs returns the table of registered remote procedures.
func (r *Replicator) RPCs() *RPCTable { return r.rpcs }

// SetHierarchy installs the replication hierarchy, replacing any previous
// one. Objects this peer owns are moved into the new hierarchy; a nil
// hierarchy restores the flat every-tick fallback.
func (r *Replicator) SetHierarchy(h Hierarchy) {
	r.Lock()
	defer r.Unlock()
	r.hierarchy = h
	if h == nil {
		return
	}
	for _, ro := range r.records {
		if ro.Role.IsOwner() {
			h.AddObject(ro)
		}
	}
}

// AddObject registers obj for replication without spawning it, under the
// given parent (NilGUID for a root). On a server the object starts
// OwnedAuthoritative, on a client Replicated with the server as owner; a
// registered parent passes its ownership down instead. Registering the same
// id twice panics.
func (r *Replicator) AddObject(obj Object, parentID common.GUID) *ReplicatedObject {
	r.Lock()
	defer r.Unlock()
	return r.addObjectLocked(obj, parentID)
}

func (r *Replicator) addObjectLocked(obj Object, parentID common.GUID) *ReplicatedObject {
	objectID := obj.NetworkID()
	if objectID.IsNil() {
		hxlog.Panicf("replica: %s has no network id", obj.TypeName())
	}
	if _, ok := r.records[objectID]; ok {
		hxlog.Panicf("replica: object %s is already registered", objectID)
	}

	ro := &ReplicatedObject{
		handle:   r.arena.Insert(obj),
		ObjectID: objectID,
		ParentID: parentID,
		typeName: obj.TypeName(),
	}
	if pl, ok := obj.(PrefabLinked); ok {
		ro.prefabID, ro.prefabObjectID = pl.PrefabLink()
	}
	if rl, ok := obj.(RateLimited); ok {
		ro.ReplicationFPS = rl.ReplicationFPS()
	}

	if parent, ok := r.records[parentID]; ok && parent.Role != ROLE_NONE {
		ro.OwnerClientID = parent.OwnerClientID
		ro.Role = parent.Role
	} else if r.peer.IsServer() {
		ro.OwnerClientID = common.ServerClientID
		ro.Role = ROLE_OWNED_AUTHORITATIVE
	} else {
		ro.OwnerClientID = common.ServerClientID
		ro.Role = ROLE_REPLICATED
	}
	if ro.Role.IsOwner() {
		ro.everOwned = true
		if r.hierarchy != nil {
			r.hierarchy.AddObject(ro)
		}
	}

	r.records[objectID] = ro
	return ro
}

// RemoveObject unregisters obj locally without telling anyone. In-flight
// state for its id is ignored afterwards.
func (r *Replicator) RemoveObject(obj Object) {
	r.Lock()
	defer r.Unlock()
	ro := r.records[obj.NetworkID()]
	if ro == nil {
		return
	}
	r.cancelPendingSpawnLocked(ro.ObjectID)
	r.dropRecordLocked(ro)
}

// dropRecordLocked tears the record down: hierarchy, arena, remap entries.
func (r *Replicator) dropRecordLocked(ro *ReplicatedObject) {
	if ro.Role.IsOwner() && r.hierarchy != nil {
		r.hierarchy.RemoveObject(ro)
	}
	r.arena.Remove(ro.handle)
	delete(r.records, ro.ObjectID)
	delete(r.relayDirty, ro.ObjectID)
	if wire, ok := r.remapReverse[ro.ObjectID]; ok {
		delete(r.remap, wire)
		delete(r.remapReverse, ro.ObjectID)
	}
}

func (r *Replicator) cancelPendingSpawnLocked(objectID common.GUID) bool {
	for _, item := range r.spawnQueue {
		if !item.canceled && item.objectID == objectID {
			item.canceled = true
			return true
		}
	}
	return false
}

// SpawnObject announces obj to other peers: the object is registered if it
// was not already, and a spawn entry is queued for the next tick. An empty
// target list means every connected client.
func (r *Replicator) SpawnObject(obj Object, targets ...common.ClientID) *ReplicatedObject {
	r.Lock()
	defer r.Unlock()
	ro := r.records[obj.NetworkID()]
	if ro == nil {
		ro = r.addObjectLocked(obj, common.NilGUID)
	}
	if ro.Spawned || r.hasPendingSpawnLocked(ro.ObjectID) {
		hxlog.Warnf("replica: object %s is already spawned", ro)
		return ro
	}
	if len(targets) > 0 {
		set := common.ClientIDSet{}
		for _, target := range targets {
			if target != ro.OwnerClientID {
				set.Add(target)
			}
		}
		ro.targets = set
	}
	r.spawnQueue = append(r.spawnQueue, &spawnItem{
		objectID: ro.ObjectID,
		targets:  ro.targets,
	})
	return ro
}

// DespawnObject removes obj everywhere. If its spawn is still queued both
// entries cancel out and nothing is sent; otherwise a despawn is queued and
// the local record is destroyed immediately. Only the owner may despawn.
func (r *Replicator) DespawnObject(obj Object) {
	r.Lock()
	defer r.Unlock()
	ro := r.records[obj.NetworkID()]
	if ro == nil {
		hxlog.Warnf("replica: despawn of unregistered object %s", obj.NetworkID())
		return
	}
	if !ro.Role.IsOwner() {
		hxlog.Errorf("replica: cannot despawn %s: not the owner", ro)
		return
	}
	if r.cancelPendingSpawnLocked(ro.ObjectID) {
		r.dropRecordLocked(ro)
		return
	}
	r.despawnRecordLocked(ro, 0)
}

// despawnRecordLocked queues the despawn message and destroys the record.
// exclude suppresses the echo back to the peer the despawn came from.
func (r *Replicator) despawnRecordLocked(ro *ReplicatedObject, exclude common.ClientID) {
	wireID := r.wireIDLocked(ro.ObjectID)
	r.despawnQueue = append(r.despawnQueue, &despawnItem{
		wireID:  wireID,
		targets: ro.targets,
		exclude: exclude,
	})
	r.rememberDespawnLocked(ro.ObjectID, wireID)
	r.dropRecordLocked(ro)
}

func (r *Replicator) rememberDespawnLocked(objectID, wireID common.GUID) {
	r.recentlyDespawned[objectID] = r.ticks
	if wireID != objectID {
		r.recentlyDespawned[wireID] = r.ticks
	}
}

// SetObjectTargets restricts which clients receive obj. The owning client is
// always filtered out; calling with no ids clears the restriction.
func (r *Replicator) SetObjectTargets(obj Object, targets ...common.ClientID) error {
	r.Lock()
	defer r.Unlock()
	ro := r.records[obj.NetworkID()]
	if ro == nil {
		return errors.Errorf("replica: object %s is not registered", obj.NetworkID())
	}
	if len(targets) == 0 {
		ro.targets = nil
		return nil
	}
	set := common.ClientIDSet{}
	for _, target := range targets {
		if target != ro.OwnerClientID {
			set.Add(target)
		}
	}
	ro.targets = set
	return nil
}

// SetObjectOwnership moves obj to a new owner. Assigning ownership to this
// peer requires role OwnedAuthoritative; assigning it elsewhere forbids it.
// If this peer currently owns the object the transfer is announced to the
// other peers right away. With hierarchical set, descendants follow.
func (r *Replicator) SetObjectOwnership(obj Object, owner common.ClientID, role Role, hierarchical bool) error {
	r.Lock()
	defer r.Unlock()

	self := r.peer.LocalClientID()
	if owner == self && role != ROLE_OWNED_AUTHORITATIVE {
		return errors.Errorf("replica: owning peer must use role %s, got %s", ROLE_OWNED_AUTHORITATIVE, role)
	}
	if owner != self && role == ROLE_OWNED_AUTHORITATIVE {
		return errors.Errorf("replica: role %s is reserved for the owning peer", ROLE_OWNED_AUTHORITATIVE)
	}
	ro := r.records[obj.NetworkID()]
	if ro == nil {
		return errors.Errorf("replica: object %s is not registered", obj.NetworkID())
	}

	roots := []*ReplicatedObject{ro}
	if hierarchical {
		roots = append(roots, r.descendantsLocked(ro)...)
	}
	for _, member := range roots {
		if member.Role.IsOwner() {
			r.announceOwnershipLocked(member, owner)
		}
		r.applyOwnershipLocked(member, owner, role)
	}
	return nil
}

// announceOwnershipLocked sends the role change for an object this peer
// still owns: a server tells every client, a client tells the server.
func (r *Replicator) announceOwnershipLocked(ro *ReplicatedObject, owner common.ClientID) {
	packet := proto.MakeObjectRolePacket(r.wireIDLocked(ro.ObjectID), owner)
	r.peer.Send(transport.CHANNEL_RELIABLE_ORDERED, packet, r.peer.ConnectedClients()...)
	packet.Release()
}

// applyOwnershipLocked rewrites the record for its new owner and keeps the
// hierarchy membership and target list consistent with it.
func (r *Replicator) applyOwnershipLocked(ro *ReplicatedObject, owner common.ClientID, role Role) {
	wasOwner := ro.Role.IsOwner()
	ro.OwnerClientID = owner
	ro.lastOwnerFrame = 0
	if owner == r.peer.LocalClientID() {
		ro.Role = ROLE_OWNED_AUTHORITATIVE
	} else {
		ro.Role = role
	}
	ro.targets.Del(owner)

	isOwner := ro.Role.IsOwner()
	if isOwner && !wasOwner {
		ro.everOwned = true
		if r.hierarchy != nil {
			r.hierarchy.AddObject(ro)
		}
	} else if !isOwner && wasOwner && r.hierarchy != nil {
		r.hierarchy.RemoveObject(ro)
	}
}

// descendantsLocked collects every registered record below ro.
func (r *Replicator) descendantsLocked(ro *ReplicatedObject) (out []*ReplicatedObject) {
	for _, candidate := range r.records {
		if candidate != ro && r.isAncestorLocked(ro, candidate) {
			out = append(out, candidate)
		}
	}
	return
}

// isAncestorLocked reports whether a sits on b's parent chain. The walk is
// capped so a corrupted parent cycle cannot spin forever.
func (r *Replicator) isAncestorLocked(a, b *ReplicatedObject) bool {
	parentID := b.ParentID
	for i := 0; i <= len(r.records); i++ {
		if parentID.IsNil() {
			return false
		}
		if parentID == a.ObjectID {
			return true
		}
		parent := r.records[parentID]
		if parent == nil {
			return false
		}
		parentID = parent.ParentID
	}
	return false
}

// DirtyObject asks the hierarchy to replicate obj on the next tick even if
// its rate limit would skip it.
func (r *Replicator) DirtyObject(obj Object) {
	r.Lock()
	defer r.Unlock()
	ro := r.records[obj.NetworkID()]
	if ro == nil || r.hierarchy == nil {
		return
	}
	r.hierarchy.DirtyObject(ro)
}

// GetRecord returns the replication record for an object id, nil if the id
// is not registered. The record is live; treat it as read-only.
func (r *Replicator) GetRecord(objectID common.GUID) *ReplicatedObject {
	r.RLock()
	defer r.RUnlock()
	return r.records[r.localIDLocked(objectID)]
}

// GetObject returns the live object registered under the id, nil if gone.
func (r *Replicator) GetObject(objectID common.GUID) Object {
	r.RLock()
	defer r.RUnlock()
	ro := r.records[r.localIDLocked(objectID)]
	if ro == nil {
		return nil
	}
	return r.arena.Get(ro.handle)
}

// NumObjects returns how many objects are registered.
func (r *Replicator) NumObjects() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.records)
}

// BeginInvoke opens an argument stream for an RPC. Pass it to EndInvoke,
// which takes it over.
func (r *Replicator) BeginInvoke() *Stream {
	stream := NewStream(r.keys)
	stream.Sender = r.peer.LocalClientID()
	return stream
}

// EndInvoke queues the remote procedure typeName.name on obj with the given
// arguments and reports whether the caller should also run it locally. The
// argument stream is consumed either way. An empty target list means every
// peer the direction allows.
func (r *Replicator) EndInvoke(obj Object, typeName, name string, args *Stream, targets ...common.ClientID) bool {
	info := r.rpcs.Get(typeName, name)
	if info == nil {
		hxlog.Errorf("replica: rpc %s.%s is not registered", typeName, name)
		args.Release()
		return false
	}

	r.Lock()
	ro := r.records[obj.NetworkID()]
	if ro == nil {
		r.Unlock()
		hxlog.Errorf("replica: rpc %s.%s on unregistered object %s", typeName, name, obj.NetworkID())
		args.Release()
		return false
	}
	targetSet := common.ClientIDSetOf(targets...)
	r.rpcQueue = append(r.rpcQueue, &rpcItem{
		objectID:    ro.ObjectID,
		parentID:    ro.ParentID,
		objTypeName: ro.typeName,
		rpcTypeName: typeName,
		rpcName:     name,
		info:        info,
		args:        args,
		targets:     targetSet,
	})
	self := r.peer.LocalClientID()
	isServer := r.peer.IsServer()
	r.Unlock()

	if !info.Direction.executesOn(isServer) {
		return false
	}
	if targetSet != nil && !targetSet.Contains(self) {
		return false
	}
	return true
}

// ClientJoined schedules late-joiner catch-up for a freshly connected
// client. The session calls it after the handshake completes.
func (r *Replicator) ClientJoined(clientid common.ClientID) {
	r.Lock()
	defer r.Unlock()
	r.newClients = append(r.newClients, clientid)
}

// ClientLeft despawns every object the departed client owned and forgets
// any pending catch-up for it.
func (r *Replicator) ClientLeft(clientid common.ClientID) {
	r.Lock()
	defer r.Unlock()
	for i, pending := range r.newClients {
		if pending == clientid {
			r.newClients = append(r.newClients[:i], r.newClients[i+1:]...)
			break
		}
	}
	var owned []*ReplicatedObject
	for _, ro := range r.records {
		if ro.OwnerClientID == clientid {
			owned = append(owned, ro)
		}
	}
	for _, ro := range owned {
		r.despawnRecordLocked(ro, clientid)
	}
}

// Reset drops every record, queue and reassembly buffer. The session calls
// it on Stop.
func (r *Replicator) Reset() {
	r.Lock()
	defer r.Unlock()
	for _, ro := range r.records {
		if ro.Role.IsOwner() && r.hierarchy != nil {
			r.hierarchy.RemoveObject(ro)
		}
		r.arena.Remove(ro.handle)
	}
	for _, item := range r.rpcQueue {
		item.args.Release()
	}
	r.records = map[common.GUID]*ReplicatedObject{}
	r.remap = map[common.GUID]common.GUID{}
	r.remapReverse = map[common.GUID]common.GUID{}
	r.despawnQueue = nil
	r.spawnQueue = nil
	r.rpcQueue = nil
	r.fragments = map[fragKey]*fragBuffer{}
	r.spawnParts = map[spawnPartKey]*spawnPartBuffer{}
	r.recentlyDespawned = map[common.GUID]uint32{}
	r.relayDirty = map[common.GUID]struct{}{}
	r.newClients = nil
	r.ticks = 0
	r.lastReplicatedFrame = 0
}

// Update runs one tick: late-joiner catch-up, the despawn and spawn queues,
// completed fragment buffers, the hierarchy pass with state broadcast, the
// RPC queue, and finally any pending identity keys. The state broadcast only
// runs when the session advanced the frame since the last tick, so the
// session's replication rate limit throttles state without holding back
// spawns, despawns, RPCs or keys.
func (r *Replicator) Update() {
	r.Lock()
	defer r.Unlock()
	r.ticks++
	r.catchUpNewClientsLocked()
	r.drainDespawnQueueLocked()
	r.drainSpawnQueueLocked()
	r.applyCompletedFragmentsLocked()
	if frame := r.peer.Frame(); frame != r.lastReplicatedFrame {
		r.replicateObjectsLocked(frame)
		r.lastReplicatedFrame = frame
	}
	r.drainRPCQueueLocked()
	r.flushKeysLocked()
	r.sweepExpiredLocked()
}

func (r *Replicator) drainDespawnQueueLocked() {
	if len(r.despawnQueue) == 0 {
		return
	}
	for _, item := range r.despawnQueue {
		targets := r.sessionTargetsLocked(item.targets, nil, item.exclude)
		if len(targets) == 0 {
			continue
		}
		packet := proto.MakeObjectDespawnPacket(item.wireID)
		r.peer.Send(transport.CHANNEL_RELIABLE_ORDERED, packet, targets...)
		packet.Release()
	}
	r.despawnQueue = r.despawnQueue[:0]
}

// replicateObjectsLocked runs the hierarchy (or the flat fallback) and
// broadcasts the state of every entry it produced, plus any client state the
// server has to relay on.
func (r *Replicator) replicateObjectsLocked(frame uint32) {
	r.result.reset()
	if r.hierarchy != nil {
		r.hierarchy.Update(&r.result)
	} else {
		for _, ro := range r.records {
			if ro.Role.IsOwner() {
				r.result.Add(ro)
			}
		}
	}
	for objectID := range r.relayDirty {
		if ro := r.records[objectID]; ro != nil {
			r.result.Add(ro)
		}
		delete(r.relayDirty, objectID)
	}

	var stale []*ReplicatedObject
	for _, entry := range r.result.Entries {
		if !r.replicateOneLocked(frame, entry.Object, entry.Targets) {
			stale = append(stale, entry.Object)
		}
	}
	// records whose live object disappeared are purged after the pass
	for _, ro := range stale {
		hxlog.Debugf("replica: object %s is gone, purging its record", ro)
		r.dropRecordLocked(ro)
	}
}

// replicateOneLocked serializes and sends one object's state. It returns
// false when the live object no longer exists.
func (r *Replicator) replicateOneLocked(frame uint32, ro *ReplicatedObject, entryTargets common.ClientIDSet) bool {
	obj := r.arena.Get(ro.handle)
	if obj == nil {
		return false
	}
	targets := r.sessionTargetsLocked(ro.targets, entryTargets, ro.OwnerClientID)
	if len(targets) == 0 {
		return true
	}
	serializer, ok := r.serializers.resolve(obj)
	if !ok {
		return true
	}

	stream := NewStream(r.keys)
	stream.Sender = r.peer.LocalClientID()
	defer stream.Release()
	var err error
	if hxutils.RunPanicless(func() {
		err = serializer.Serialize(obj, stream)
	}) {
		return true
	}
	if err != nil {
		hxlog.Errorf("replica: serialize %s failed: %v", ro, err)
		return true
	}
	r.sendObjectStateLocked(frame, ro, stream.Payload(), targets)
	return true
}

// sendObjectStateLocked transmits a serialized state, splitting it into an
// ObjectReplicate message plus ObjectReplicatePart messages when it exceeds
// the transport MTU.
func (r *Replicator) sendObjectStateLocked(frame uint32, ro *ReplicatedObject, state []byte, targets []common.ClientID) {
	size := len(state)
	if size > _MAX_STATE_SIZE {
		hxlog.Errorf("replica: state of %s is %d bytes, exceeding the %d limit", ro, size, _MAX_STATE_SIZE)
		return
	}
	mtu := r.peer.MTU()
	firstMax := mtu - _REPLICATE_HEADER_SIZE
	chunkMax := mtu - _REPLICATE_PART_HEADER_SIZE
	if firstMax <= 0 || chunkMax <= 0 {
		hxlog.Errorf("replica: transport mtu %d cannot carry object state", mtu)
		return
	}

	wireID := r.wireIDLocked(ro.ObjectID)
	parentID := r.wireIDLocked(ro.ParentID)
	if size <= firstMax {
		packet := proto.MakeObjectReplicatePacket(frame, wireID, parentID, ro.typeName, uint16(size), 1, state)
		r.peer.Send(transport.CHANNEL_UNRELIABLE, packet, targets...)
		packet.Release()
		return
	}

	partsCount := 1 + (size-firstMax+chunkMax-1)/chunkMax
	if partsCount > 0xFFFF {
		hxlog.Errorf("replica: state of %s needs %d parts, exceeding the wire limit", ro, partsCount)
		return
	}
	packet := proto.MakeObjectReplicatePacket(frame, wireID, parentID, ro.typeName, uint16(size), uint16(partsCount), state[:firstMax])
	r.peer.Send(transport.CHANNEL_UNRELIABLE, packet, targets...)
	packet.Release()

	for start := firstMax; start < size; start += chunkMax {
		end := start + chunkMax
		if end > size {
			end = size
		}
		part := proto.MakeObjectReplicatePartPacket(frame, uint16(size), uint16(partsCount),
			uint16(start), uint16(end-start), wireID, state[start:end])
		r.peer.Send(transport.CHANNEL_UNRELIABLE, part, targets...)
		part.Release()
	}
}

func (r *Replicator) drainRPCQueueLocked() {
	if len(r.rpcQueue) == 0 {
		return
	}
	for _, item := range r.rpcQueue {
		r.sendRPCLocked(item)
		item.args.Release()
	}
	r.rpcQueue = r.rpcQueue[:0]
}

func (r *Replicator) sendRPCLocked(item *rpcItem) {
	ro := r.records[item.objectID]
	if ro == nil {
		hxlog.Debugf("replica: rpc %s.%s dropped, object %s is gone", item.rpcTypeName, item.rpcName, item.objectID)
		return
	}
	var targets []common.ClientID
	if r.peer.IsServer() {
		targets = r.sessionTargetsLocked(ro.targets, item.targets, ro.OwnerClientID)
		if len(targets) == 0 {
			return
		}
	} else {
		if item.targets != nil {
			hxlog.Warnf("replica: rpc %s.%s target list ignored, clients always invoke via the server", item.rpcTypeName, item.rpcName)
		}
		targets = []common.ClientID{common.ServerClientID}
	}
	packet := proto.MakeObjectRPCPacket(r.wireIDLocked(item.objectID), r.wireIDLocked(item.parentID),
		item.objTypeName, item.rpcTypeName, item.rpcName, item.args.Payload())
	r.peer.Send(item.info.Channel, packet, targets...)
	packet.Release()
}

func (r *Replicator) flushKeysLocked() {
	if !r.keys.HasPending() {
		return
	}
	targets := r.peer.ConnectedClients()
	r.keys.FlushPending(func(packet *netutil.Packet) {
		r.peer.Send(transport.CHANNEL_RELIABLE_ORDERED, packet, targets...)
		packet.Release()
	})
}

func (r *Replicator) sweepExpiredLocked() {
	for objectID, diedAt := range r.recentlyDespawned {
		if r.ticks-diedAt > consts.RECENT_DESPAWN_TTL_TICKS {
			delete(r.recentlyDespawned, objectID)
		}
	}
	for key, buffer := range r.fragments {
		if r.ticks-buffer.createdTick > consts.FRAGMENT_TTL_TICKS {
			hxlog.Debugf("replica: dropping incomplete state of %s, %d/%d parts after %d ticks",
				key.objectID, buffer.received(), buffer.partsCount, r.ticks-buffer.createdTick)
			delete(r.fragments, key)
		}
	}
	for key, buffer := range r.spawnParts {
		if r.ticks-buffer.createdTick > consts.SPAWN_PARTS_TTL_TICKS {
			hxlog.Errorf("replica: dropping incomplete spawn group %d from client %d", key.spawnID, key.owner)
			delete(r.spawnParts, key)
		}
	}
}

// sessionTargetsLocked resolves the clients a message actually goes to:
// every connected client, narrowed by the object's target list and the
// per-call list, minus the excluded id. A nil set poses no restriction.
func (r *Replicator) sessionTargetsLocked(objectTargets, callTargets common.ClientIDSet, exclude common.ClientID) []common.ClientID {
	connected := r.peer.ConnectedClients()
	out := make([]common.ClientID, 0, len(connected))
	for _, clientid := range connected {
		if clientid == exclude {
			continue
		}
		if objectTargets != nil && !objectTargets.Contains(clientid) {
			continue
		}
		if callTargets != nil && !callTargets.Contains(clientid) {
			continue
		}
		out = append(out, clientid)
	}
	return out
}

// wireIDLocked translates a local id to the id other peers know the object
// by. Ids minted locally travel unchanged.
func (r *Replicator) wireIDLocked(objectID common.GUID) common.GUID {
	if wire, ok := r.remapReverse[objectID]; ok {
		return wire
	}
	return objectID
}

// localIDLocked translates a received id to the local one, when remapped.
func (r *Replicator) localIDLocked(objectID common.GUID) common.GUID {
	if local, ok := r.remap[objectID]; ok {
		return local
	}
	return objectID
}

// installRemapLocked records the wire↔local pairing for an adopted object.
func (r *Replicator) installRemapLocked(wireID, localID common.GUID) {
	if wireID == localID {
		return
	}
	r.remap[wireID] = localID
	r.remapReverse[localID] = wireID
}
