package replica

import (
	"bytes"

	"github.com/helixengine/helixnet/engine/common"
	"github.com/helixengine/helixnet/engine/hxlog"
	"github.com/helixengine/helixnet/engine/hxutils"
	"github.com/helixengine/helixnet/engine/netutil"
	"github.com/helixengine/helixnet/engine/proto"
	"github.com/helixengine/helixnet/engine/transport"
)

// fragKey identifies one fragmented object state burst. dataSize is part of
// the key so overlapping bursts for the same object cannot corrupt each
// other.
type fragKey struct {
	ownerFrame uint32
	objectID   common.GUID
	dataSize   uint16
}

type fragBuffer struct {
	payload     []byte
	partsCount  uint16
	seenStarts  map[uint16]struct{}
	sender      common.ClientID
	createdTick uint32
}

func (fb *fragBuffer) received() int {
	return len(fb.seenStarts)
}

func (fb *fragBuffer) complete() bool {
	return fb.partsCount > 0 && len(fb.seenStarts) == int(fb.partsCount)
}

// spawnPartKey identifies one split spawn group. The sender is part of the
// key so two peers using the same spawn counter never collide.
type spawnPartKey struct {
	sender  common.ClientID
	owner   common.ClientID
	spawnID uint32
}

// spawnPartBuffer reassembles a split spawn group. Parts may arrive before
// the header on transports that relax ordering, so itemsCount is only
// trusted once headerSeen is set.
type spawnPartBuffer struct {
	headerSeen  bool
	prefabID    common.GUID
	itemsCount  uint16
	items       map[uint16]*proto.SpawnItem
	createdTick uint32
}

// HandleMessage dispatches one received object message. The session reads
// the kind byte, handles the handshake and key kinds itself and forwards the
// rest here. The packet stays owned by the caller.
func (r *Replicator) HandleMessage(sender common.ClientID, channel transport.Channel, kind proto.MsgKind, packet *netutil.Packet) {
	switch kind {
	case proto.MT_OBJECT_REPLICATE:
		r.handleObjectReplicate(sender, packet)
	case proto.MT_OBJECT_REPLICATE_PART:
		r.handleObjectReplicatePart(sender, packet)
	case proto.MT_OBJECT_SPAWN:
		r.handleObjectSpawn(sender, packet)
	case proto.MT_OBJECT_SPAWN_PART:
		r.handleObjectSpawnPart(sender, packet)
	case proto.MT_OBJECT_DESPAWN:
		r.handleObjectDespawn(sender, packet)
	case proto.MT_OBJECT_ROLE:
		r.handleObjectRole(sender, packet)
	case proto.MT_OBJECT_RPC:
		r.handleObjectRPC(sender, channel, packet)
	default:
		hxlog.Errorf("replica: unknown message kind %d from client %d", kind, sender)
	}
}

func (r *Replicator) handleObjectReplicate(sender common.ClientID, packet *netutil.Packet) {
	frame := packet.ReadUint32()
	objectID := packet.ReadGUID()
	packet.ReadGUID() // parent id, carried for the spawn path only
	typeName := packet.ReadTypeName()
	dataSize := packet.ReadUint16()
	partsCount := packet.ReadUint16()
	chunk := packet.UnreadPayload()

	if partsCount == 0 || (partsCount == 1 && len(chunk) != int(dataSize)) || len(chunk) > int(dataSize) {
		hxlog.Errorf("replica: malformed state of %s<%s> from client %d: %d bytes, data_size %d, parts_count %d",
			typeName, objectID, sender, len(chunk), dataSize, partsCount)
		return
	}

	r.Lock()
	defer r.Unlock()
	ro := r.records[r.localIDLocked(objectID)]
	if ro == nil {
		if !r.isRecentlyDespawnedLocked(objectID) {
			hxlog.Debugf("replica: state for unknown object %s<%s> from client %d", typeName, objectID, sender)
		}
		return
	}
	if r.peer.IsServer() && sender != ro.OwnerClientID {
		hxlog.Errorf("replica: client %d cannot replicate %s owned by client %d", sender, ro, ro.OwnerClientID)
		return
	}

	if partsCount == 1 {
		r.applyObjectStateLocked(ro, sender, frame, chunk)
		return
	}
	fb := r.fragmentBufferLocked(sender, frame, objectID, dataSize, partsCount)
	if fb == nil {
		return
	}
	copy(fb.payload[:len(chunk)], chunk)
	fb.seenStarts[0] = struct{}{}
}

func (r *Replicator) handleObjectReplicatePart(sender common.ClientID, packet *netutil.Packet) {
	frame := packet.ReadUint32()
	dataSize := packet.ReadUint16()
	partsCount := packet.ReadUint16()
	partStart := packet.ReadUint16()
	partSize := packet.ReadUint16()
	objectID := packet.ReadGUID()

	if partsCount < 2 || partSize == 0 || int(partStart)+int(partSize) > int(dataSize) {
		hxlog.Errorf("replica: malformed state part of %s from client %d: start %d, size %d, data_size %d, parts_count %d",
			objectID, sender, partStart, partSize, dataSize, partsCount)
		return
	}
	chunk := packet.ReadBytes(uint32(partSize))

	r.Lock()
	defer r.Unlock()
	ro := r.records[r.localIDLocked(objectID)]
	if ro == nil {
		if !r.isRecentlyDespawnedLocked(objectID) {
			hxlog.Debugf("replica: state part for unknown object %s from client %d", objectID, sender)
		}
		return
	}
	if r.peer.IsServer() && sender != ro.OwnerClientID {
		hxlog.Errorf("replica: client %d cannot replicate %s owned by client %d", sender, ro, ro.OwnerClientID)
		return
	}

	fb := r.fragmentBufferLocked(sender, frame, objectID, dataSize, partsCount)
	if fb == nil {
		return
	}
	copy(fb.payload[partStart:int(partStart)+int(partSize)], chunk)
	fb.seenStarts[partStart] = struct{}{}
}

// fragmentBufferLocked finds or creates the reassembly buffer for a burst,
// nil when the parts contradict each other.
func (r *Replicator) fragmentBufferLocked(sender common.ClientID, frame uint32, objectID common.GUID, dataSize, partsCount uint16) *fragBuffer {
	key := fragKey{ownerFrame: frame, objectID: objectID, dataSize: dataSize}
	fb := r.fragments[key]
	if fb == nil {
		fb = &fragBuffer{
			payload:     make([]byte, dataSize),
			partsCount:  partsCount,
			seenStarts:  map[uint16]struct{}{},
			sender:      sender,
			createdTick: r.ticks,
		}
		r.fragments[key] = fb
		return fb
	}
	if fb.partsCount != partsCount {
		hxlog.Errorf("replica: state parts of %s disagree on parts_count: %d then %d", objectID, fb.partsCount, partsCount)
		return nil
	}
	return fb
}

// applyCompletedFragmentsLocked deserializes every fully reassembled burst.
func (r *Replicator) applyCompletedFragmentsLocked() {
	for key, fb := range r.fragments {
		if !fb.complete() {
			continue
		}
		delete(r.fragments, key)
		ro := r.records[r.localIDLocked(key.objectID)]
		if ro == nil {
			continue
		}
		r.applyObjectStateLocked(ro, fb.sender, key.ownerFrame, fb.payload)
	}
}

// applyObjectStateLocked deserializes a received state into the live object.
// Stale frames are dropped so reordered unreliable packets cannot roll the
// object back; on a server the fresh state is marked for relay to the other
// clients.
func (r *Replicator) applyObjectStateLocked(ro *ReplicatedObject, sender common.ClientID, frame uint32, state []byte) {
	if frame <= ro.lastOwnerFrame {
		hxlog.Debugf("replica: stale state of %s: frame %d after %d", ro, frame, ro.lastOwnerFrame)
		return
	}
	obj := r.arena.Get(ro.handle)
	if obj == nil {
		r.dropRecordLocked(ro)
		return
	}
	serializer, ok := r.serializers.resolve(obj)
	if !ok {
		return
	}

	stream := NewStreamWithPayload(r.keys, state)
	stream.Sender = sender
	var err error
	paniced := hxutils.RunPanicless(func() {
		err = serializer.Deserialize(obj, stream)
	})
	stream.Release()
	if paniced {
		return
	}
	if err != nil {
		hxlog.Errorf("replica: deserialize %s failed: %v", ro, err)
		return
	}

	ro.lastOwnerFrame = frame
	ro.Synced = true
	if r.peer.IsServer() {
		r.relayDirty[ro.ObjectID] = struct{}{}
	}
}

func (r *Replicator) handleObjectSpawn(sender common.ClientID, packet *netutil.Packet) {
	owner := packet.ReadClientID()
	spawnID := packet.ReadUint32()
	prefabID := packet.ReadGUID()
	itemsCount := packet.ReadUint16()
	useParts := packet.ReadBool()
	if itemsCount == 0 {
		hxlog.Errorf("replica: empty spawn group from client %d", sender)
		return
	}

	var hooks []func()
	if !useParts {
		items := make([]*proto.SpawnItem, itemsCount)
		for i := range items {
			item := proto.ReadSpawnItem(packet)
			items[i] = &item
		}
		r.Lock()
		hooks = r.invokeSpawnLocked(sender, owner, prefabID, items)
		r.Unlock()
	} else {
		r.Lock()
		sb := r.spawnPartBufferLocked(sender, owner, spawnID)
		sb.headerSeen = true
		sb.prefabID = prefabID
		sb.itemsCount = itemsCount
		hooks = r.completeSpawnPartsLocked(sender, owner, spawnID, sb)
		r.Unlock()
	}
	runHooks(hooks)
}

func (r *Replicator) handleObjectSpawnPart(sender common.ClientID, packet *netutil.Packet) {
	owner := packet.ReadClientID()
	spawnID := packet.ReadUint32()

	r.Lock()
	sb := r.spawnPartBufferLocked(sender, owner, spawnID)
	for packet.HasUnreadPayload() {
		index := packet.ReadUint16()
		item := proto.ReadSpawnItem(packet)
		sb.items[index] = &item
	}
	hooks := r.completeSpawnPartsLocked(sender, owner, spawnID, sb)
	r.Unlock()
	runHooks(hooks)
}

func (r *Replicator) spawnPartBufferLocked(sender, owner common.ClientID, spawnID uint32) *spawnPartBuffer {
	key := spawnPartKey{sender: sender, owner: owner, spawnID: spawnID}
	sb := r.spawnParts[key]
	if sb == nil {
		sb = &spawnPartBuffer{
			items:       map[uint16]*proto.SpawnItem{},
			createdTick: r.ticks,
		}
		r.spawnParts[key] = sb
	}
	return sb
}

// completeSpawnPartsLocked invokes the spawn once the header and every item
// of a split group arrived.
func (r *Replicator) completeSpawnPartsLocked(sender, owner common.ClientID, spawnID uint32, sb *spawnPartBuffer) []func() {
	if !sb.headerSeen || len(sb.items) < int(sb.itemsCount) {
		return nil
	}
	delete(r.spawnParts, spawnPartKey{sender: sender, owner: owner, spawnID: spawnID})
	items := make([]*proto.SpawnItem, sb.itemsCount)
	for i := range items {
		item := sb.items[uint16(i)]
		if item == nil {
			hxlog.Errorf("replica: spawn group %d from client %d is missing item %d", spawnID, sender, i)
			return nil
		}
		items[i] = item
	}
	return r.invokeSpawnLocked(sender, owner, sb.prefabID, items)
}

func runHooks(hooks []func()) {
	for _, hook := range hooks {
		hxutils.RunPanicless(hook)
	}
}

// invokeSpawnLocked realizes a received spawn group. If the root already
// resolves locally (an id remap hit or a structural match) the whole group
// is adopted onto existing records; otherwise the members are instantiated
// from the prefab registry or the type registry, parents first. Returned
// hooks are the members' OnNetworkSpawn callbacks, to run outside the lock.
func (r *Replicator) invokeSpawnLocked(sender, owner common.ClientID, prefabID common.GUID, items []*proto.SpawnItem) []func() {
	if len(items) == 0 {
		return nil
	}
	if r.resolveSpawnItemLocked(items[0]) != nil {
		return r.adoptSpawnGroupLocked(sender, owner, items)
	}
	return r.instantiateSpawnGroupLocked(sender, owner, prefabID, items)
}

// resolveSpawnItemLocked maps a spawn descriptor to an existing record,
// first through the remap table, then by structural match: an unspawned,
// never-owned record of the same type under the same (remapped) parent.
func (r *Replicator) resolveSpawnItemLocked(item *proto.SpawnItem) *ReplicatedObject {
	if ro := r.records[r.localIDLocked(item.ObjectID)]; ro != nil {
		return ro
	}
	return r.findStructuralMatchLocked(r.localIDLocked(item.ParentID), item.TypeName)
}

// findStructuralMatchLocked picks the candidate with the smallest id so the
// pairing is deterministic across peers; records already claimed by a remap
// entry are off limits, keeping the match injective.
func (r *Replicator) findStructuralMatchLocked(parentID common.GUID, typeName string) *ReplicatedObject {
	var best *ReplicatedObject
	for _, ro := range r.records {
		if ro.Spawned || ro.everOwned {
			continue
		}
		if ro.ParentID != parentID || ro.typeName != typeName {
			continue
		}
		if _, taken := r.remapReverse[ro.ObjectID]; taken {
			continue
		}
		if best == nil || bytes.Compare(ro.ObjectID[:], best.ObjectID[:]) < 0 {
			best = ro
		}
	}
	return best
}

func (r *Replicator) adoptSpawnGroupLocked(sender, owner common.ClientID, items []*proto.SpawnItem) (hooks []func()) {
	var announced []*ReplicatedObject
	for _, item := range items {
		ro := r.resolveSpawnItemLocked(item)
		if ro == nil {
			hxlog.Debugf("replica: spawn member %s has no local counterpart, skipping", item.ObjectID)
			continue
		}
		r.installRemapLocked(item.ObjectID, ro.ObjectID)
		wasSpawned := ro.Spawned
		ro.Spawned = true
		if ro.OwnerClientID != owner {
			r.applyOwnershipLocked(ro, owner, ROLE_REPLICATED)
		}
		if wasSpawned {
			continue
		}
		announced = append(announced, ro)
		if obj := r.arena.Get(ro.handle); obj != nil {
			if sl, ok := obj.(SpawnListener); ok {
				hooks = append(hooks, sl.OnNetworkSpawn)
			}
		}
	}
	r.relaySpawnLocked(sender, announced)
	return
}

func (r *Replicator) instantiateSpawnGroupLocked(sender, owner common.ClientID, prefabID common.GUID, items []*proto.SpawnItem) (hooks []func()) {
	var prefabMembers map[common.GUID]Object
	if !prefabID.IsNil() {
		instantiate := r.prefabs.Get(prefabID)
		if instantiate == nil {
			hxlog.Errorf("replica: unknown prefab %s in spawn from client %d", prefabID, sender)
			return nil
		}
		if hxutils.RunPanicless(func() {
			prefabMembers = instantiate()
		}) {
			return nil
		}
	} else {
		for _, item := range items {
			if r.types.Get(item.TypeName) == nil {
				hxlog.Errorf("replica: unknown object type %q in spawn from client %d", item.TypeName, sender)
				return nil
			}
		}
	}

	var created []*ReplicatedObject
	for _, item := range items {
		var obj Object
		if prefabMembers != nil {
			obj = prefabMembers[item.PrefabObjectID]
			if obj == nil {
				hxlog.Errorf("replica: prefab %s has no member %s, skipping", prefabID, item.PrefabObjectID)
				continue
			}
		} else {
			obj = r.types.Get(item.TypeName)()
		}
		if obj == nil || obj.NetworkID().IsNil() {
			hxlog.Errorf("replica: type %q produced no usable object", item.TypeName)
			continue
		}
		if _, exists := r.records[obj.NetworkID()]; exists {
			hxlog.Errorf("replica: type %q produced duplicate id %s, skipping", item.TypeName, obj.NetworkID())
			continue
		}

		ro := &ReplicatedObject{
			handle:         r.arena.Insert(obj),
			ObjectID:       obj.NetworkID(),
			ParentID:       r.localIDLocked(item.ParentID),
			typeName:       item.TypeName,
			OwnerClientID:  owner,
			Spawned:        true,
			prefabID:       prefabID,
			prefabObjectID: item.PrefabObjectID,
		}
		if owner == r.peer.LocalClientID() {
			ro.Role = ROLE_OWNED_AUTHORITATIVE
			ro.everOwned = true
		} else {
			ro.Role = ROLE_REPLICATED
		}
		if rl, ok := obj.(RateLimited); ok {
			ro.ReplicationFPS = rl.ReplicationFPS()
		}
		r.records[ro.ObjectID] = ro
		r.installRemapLocked(item.ObjectID, ro.ObjectID)
		if ro.Role.IsOwner() && r.hierarchy != nil {
			r.hierarchy.AddObject(ro)
		}
		if sl, ok := obj.(SpawnListener); ok {
			hooks = append(hooks, sl.OnNetworkSpawn)
		}
		created = append(created, ro)
	}
	r.relaySpawnLocked(sender, created)
	return
}

// relaySpawnLocked forwards a client's spawn to the other clients by
// re-queueing the members; the next tick groups them again.
func (r *Replicator) relaySpawnLocked(sender common.ClientID, members []*ReplicatedObject) {
	if !r.peer.IsServer() || len(members) == 0 {
		return
	}
	for _, ro := range members {
		r.spawnQueue = append(r.spawnQueue, &spawnItem{
			objectID: ro.ObjectID,
			exclude:  sender,
		})
	}
}

func (r *Replicator) handleObjectDespawn(sender common.ClientID, packet *netutil.Packet) {
	objectID := packet.ReadGUID()

	r.Lock()
	localID := r.localIDLocked(objectID)
	ro := r.records[localID]
	if ro == nil {
		recently := r.isRecentlyDespawnedLocked(objectID)
		r.Unlock()
		if !recently {
			hxlog.Errorf("replica: despawn of unknown object %s from client %d", objectID, sender)
		}
		return
	}
	if r.peer.IsServer() && sender != ro.OwnerClientID {
		r.Unlock()
		hxlog.Errorf("replica: client %d cannot despawn %s owned by client %d", sender, ro, ro.OwnerClientID)
		return
	}

	var hook func()
	if obj := r.arena.Get(ro.handle); obj != nil {
		if dl, ok := obj.(DespawnListener); ok {
			hook = dl.OnNetworkDespawn
		}
	}
	if r.peer.IsServer() {
		r.despawnQueue = append(r.despawnQueue, &despawnItem{
			wireID:  objectID,
			targets: ro.targets,
			exclude: sender,
		})
	}
	r.rememberDespawnLocked(localID, objectID)
	r.dropRecordLocked(ro)
	r.Unlock()

	if hook != nil {
		hxutils.RunPanicless(hook)
	}
}

func (r *Replicator) handleObjectRole(sender common.ClientID, packet *netutil.Packet) {
	objectID := packet.ReadGUID()
	owner := packet.ReadClientID()

	r.Lock()
	defer r.Unlock()
	ro := r.records[r.localIDLocked(objectID)]
	if ro == nil {
		if !r.isRecentlyDespawnedLocked(objectID) {
			hxlog.Errorf("replica: ownership of unknown object %s from client %d", objectID, sender)
		}
		return
	}
	if r.peer.IsServer() && sender != ro.OwnerClientID {
		hxlog.Errorf("replica: client %d cannot transfer %s owned by client %d", sender, ro, ro.OwnerClientID)
		return
	}
	if ro.OwnerClientID == owner {
		return
	}

	r.applyOwnershipLocked(ro, owner, ROLE_REPLICATED)
	if r.peer.IsServer() {
		targets := r.sessionTargetsLocked(ro.targets, nil, sender)
		if len(targets) > 0 {
			relay := proto.MakeObjectRolePacket(objectID, owner)
			r.peer.Send(transport.CHANNEL_RELIABLE_ORDERED, relay, targets...)
			relay.Release()
		}
	}
}

func (r *Replicator) handleObjectRPC(sender common.ClientID, channel transport.Channel, packet *netutil.Packet) {
	objectID := packet.ReadGUID()
	packet.ReadGUID() // parent id
	packet.ReadTypeName()
	rpcTypeName := packet.ReadTypeName()
	rpcName := packet.ReadTypeName()
	argsSize := packet.ReadUint16()
	args := packet.ReadBytes(uint32(argsSize))

	info := r.rpcs.Get(rpcTypeName, rpcName)
	if info == nil {
		if channel.IsReliable() {
			hxlog.Errorf("replica: unknown rpc %s.%s from client %d", rpcTypeName, rpcName, sender)
		}
		return
	}

	r.Lock()
	ro := r.records[r.localIDLocked(objectID)]
	if ro == nil {
		recently := r.isRecentlyDespawnedLocked(objectID)
		r.Unlock()
		if channel.IsReliable() && !recently {
			hxlog.Errorf("replica: rpc %s.%s on unknown object %s from client %d", rpcTypeName, rpcName, objectID, sender)
		}
		return
	}
	obj := r.arena.Get(ro.handle)
	if r.peer.IsServer() && info.Direction != DIR_SERVER_ONLY {
		r.relayRPCLocked(sender, ro, channel, packet)
	}
	r.Unlock()

	if !info.Direction.executesOn(r.peer.IsServer()) {
		return
	}
	if obj == nil {
		return
	}
	stream := NewStreamWithPayload(r.keys, args)
	stream.Sender = sender
	hxutils.RunPanicless(func() {
		info.Execute(obj, stream)
	})
	stream.Release()
}

// relayRPCLocked forwards a client-issued call to the clients allowed to
// execute it. The original packet is resent as-is; the object id inside it
// is the origin id, which every peer resolves through its own remap table.
func (r *Replicator) relayRPCLocked(sender common.ClientID, ro *ReplicatedObject, channel transport.Channel, packet *netutil.Packet) {
	targets := r.sessionTargetsLocked(ro.targets, nil, sender)
	filtered := targets[:0]
	for _, clientid := range targets {
		if clientid != ro.OwnerClientID {
			filtered = append(filtered, clientid)
		}
	}
	if len(filtered) == 0 {
		return
	}
	r.peer.Send(channel, packet, filtered...)
}

func (r *Replicator) isRecentlyDespawnedLocked(objectID common.GUID) bool {
	if _, ok := r.recentlyDespawned[objectID]; ok {
		return true
	}
	_, ok := r.recentlyDespawned[r.localIDLocked(objectID)]
	return ok
}
