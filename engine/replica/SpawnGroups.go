package replica

import (
	"bytes"
	"sort"

	"github.com/helixengine/helixnet/engine/common"
	"github.com/helixengine/helixnet/engine/proto"
	"github.com/helixengine/helixnet/engine/transport"
)

// spawnGroup is a batch of objects announced in one ObjectSpawn message.
// Members share the group root's owner and travel parents-first, so the
// receiver can attach children as it instantiates them.
type spawnGroup struct {
	root    *ReplicatedObject
	members []*ReplicatedObject
	targets common.ClientIDSet
	exclude common.ClientID
}

func (g *spawnGroup) contains(objectID common.GUID) bool {
	for _, member := range g.members {
		if member.ObjectID == objectID {
			return true
		}
	}
	return false
}

func (r *Replicator) drainSpawnQueueLocked() {
	if len(r.spawnQueue) == 0 {
		return
	}
	r.propagateQueueOwnershipLocked()

	var groups []*spawnGroup
	for _, item := range r.spawnQueue {
		if item.canceled {
			continue
		}
		ro := r.records[item.objectID]
		if ro == nil {
			continue
		}
		placed := false
		for _, g := range groups {
			if !g.targets.Equal(item.targets) || g.exclude != item.exclude {
				continue
			}
			if ro.OwnerClientID != g.root.OwnerClientID || g.contains(ro.ObjectID) {
				continue
			}
			if r.isAncestorLocked(ro, g.root) {
				// the new entry sits above the current root and takes over
				g.members = append(g.members, ro)
				g.root = ro
				placed = true
				break
			}
			if r.isAncestorLocked(g.root, ro) {
				g.members = append(g.members, ro)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, &spawnGroup{
				root:    ro,
				members: []*ReplicatedObject{ro},
				targets: item.targets,
				exclude: item.exclude,
			})
		}
	}
	r.spawnQueue = r.spawnQueue[:0]

	for _, g := range groups {
		r.sweepGroupDescendantsLocked(g)
		r.sortGroupLocked(g)
		r.emitSpawnGroupLocked(g, true)
	}
}

// propagateQueueOwnershipLocked pushes a queued parent's ownership down to
// queued children, so a family spawned in one call leaves with one owner
// even when the transfer happened after the children were queued.
func (r *Replicator) propagateQueueOwnershipLocked() {
	queued := map[common.GUID]struct{}{}
	for _, item := range r.spawnQueue {
		if !item.canceled {
			queued[item.objectID] = struct{}{}
		}
	}
	self := r.peer.LocalClientID()
	for _, item := range r.spawnQueue {
		if item.canceled {
			continue
		}
		ro := r.records[item.objectID]
		if ro == nil {
			continue
		}
		parent := r.records[ro.ParentID]
		if parent == nil || ro.OwnerClientID == parent.OwnerClientID {
			continue
		}
		if _, ok := queued[parent.ObjectID]; !ok {
			continue
		}
		role := ROLE_REPLICATED
		if parent.OwnerClientID == self {
			role = ROLE_OWNED_AUTHORITATIVE
		}
		r.applyOwnershipLocked(ro, parent.OwnerClientID, role)
	}
}

// sweepGroupDescendantsLocked pulls registered but unspawned descendants of
// the group root into the group, so the whole subtree appears at once on the
// other side.
func (r *Replicator) sweepGroupDescendantsLocked(g *spawnGroup) {
	for _, ro := range r.records {
		if ro.Spawned || g.contains(ro.ObjectID) {
			continue
		}
		if ro.OwnerClientID != g.root.OwnerClientID {
			continue
		}
		if r.hasPendingSpawnLocked(ro.ObjectID) {
			continue
		}
		if r.isAncestorLocked(g.root, ro) {
			g.members = append(g.members, ro)
		}
	}
}

// sortGroupLocked orders members parents-first; ties break on the id so the
// wire order is deterministic.
func (r *Replicator) sortGroupLocked(g *spawnGroup) {
	depths := make(map[common.GUID]int, len(g.members))
	for _, member := range g.members {
		depths[member.ObjectID] = r.depthLocked(member)
	}
	sort.SliceStable(g.members, func(i, j int) bool {
		di, dj := depths[g.members[i].ObjectID], depths[g.members[j].ObjectID]
		if di != dj {
			return di < dj
		}
		return bytes.Compare(g.members[i].ObjectID[:], g.members[j].ObjectID[:]) < 0
	})
}

func (r *Replicator) depthLocked(ro *ReplicatedObject) int {
	depth := 0
	parentID := ro.ParentID
	for i := 0; i <= len(r.records); i++ {
		parent := r.records[parentID]
		if parent == nil {
			break
		}
		depth++
		parentID = parent.ParentID
	}
	return depth
}

// emitSpawnGroupLocked sends the group as one inline ObjectSpawn when it
// fits the MTU, or as a header plus ObjectSpawnPart batches when it does
// not. With markSpawned the members' records are flagged Spawned.
func (r *Replicator) emitSpawnGroupLocked(g *spawnGroup, markSpawned bool) {
	if markSpawned {
		for _, member := range g.members {
			member.Spawned = true
		}
	}
	targets := r.sessionTargetsLocked(g.targets, nil, g.exclude)
	if len(targets) == 0 {
		return
	}

	items := make([]*proto.SpawnItem, len(g.members))
	for i, member := range g.members {
		items[i] = &proto.SpawnItem{
			ObjectID:       r.wireIDLocked(member.ObjectID),
			ParentID:       r.wireIDLocked(member.ParentID),
			PrefabObjectID: member.prefabObjectID,
			TypeName:       member.typeName,
		}
	}
	r.spawnCounter++
	spawnID := r.spawnCounter
	owner := g.root.OwnerClientID
	prefabID := g.root.prefabID

	if _SPAWN_HEADER_SIZE+len(items)*proto.SPAWN_ITEM_WIRE_SIZE <= r.peer.MTU() {
		packet := proto.MakeObjectSpawnPacket(owner, spawnID, prefabID, uint16(len(items)), false, items)
		r.peer.Send(transport.CHANNEL_RELIABLE_ORDERED, packet, targets...)
		packet.Release()
		return
	}

	header := proto.MakeObjectSpawnPacket(owner, spawnID, prefabID, uint16(len(items)), true, nil)
	r.peer.Send(transport.CHANNEL_RELIABLE_ORDERED, header, targets...)
	header.Release()

	perItem := 2 + proto.SPAWN_ITEM_WIRE_SIZE
	batch := (r.peer.MTU() - _SPAWN_PART_HEADER_SIZE) / perItem
	if batch < 1 {
		batch = 1
	}
	for start := 0; start < len(items); start += batch {
		end := start + batch
		if end > len(items) {
			end = len(items)
		}
		indices := make([]uint16, end-start)
		for i := range indices {
			indices[i] = uint16(start + i)
		}
		part := proto.MakeObjectSpawnPartPacket(owner, spawnID, indices, items[start:end])
		r.peer.Send(transport.CHANNEL_RELIABLE_ORDERED, part, targets...)
		part.Release()
	}
}

func (r *Replicator) hasPendingSpawnLocked(objectID common.GUID) bool {
	for _, item := range r.spawnQueue {
		if !item.canceled && item.objectID == objectID {
			return true
		}
	}
	return false
}

func (r *Replicator) isConnectedLocked(clientid common.ClientID) bool {
	for _, connected := range r.peer.ConnectedClients() {
		if connected == clientid {
			return true
		}
	}
	return false
}

// catchUpNewClientsLocked replays the world to clients that joined since the
// last tick: every spawned record they are allowed to see, batched through
// the same grouping machinery as regular spawns. Unspawned records are
// included only with ForwardUnspawnedToNewClients, and never flagged
// Spawned, so a later SpawnObject still reaches everyone else.
func (r *Replicator) catchUpNewClientsLocked() {
	if len(r.newClients) == 0 {
		return
	}
	joined := r.newClients
	r.newClients = nil

	for _, clientid := range joined {
		if !r.isConnectedLocked(clientid) {
			continue
		}
		var groups []*spawnGroup
		for _, ro := range r.records {
			if !ro.Spawned {
				if !r.ForwardUnspawnedToNewClients || r.hasPendingSpawnLocked(ro.ObjectID) {
					continue
				}
			}
			if ro.targets != nil && !ro.targets.Contains(clientid) {
				continue
			}
			if ro.OwnerClientID == clientid {
				continue
			}
			placed := false
			for _, g := range groups {
				if ro.OwnerClientID != g.root.OwnerClientID || g.contains(ro.ObjectID) {
					continue
				}
				if r.isAncestorLocked(ro, g.root) {
					g.members = append(g.members, ro)
					g.root = ro
					placed = true
					break
				}
				if r.isAncestorLocked(g.root, ro) {
					g.members = append(g.members, ro)
					placed = true
					break
				}
			}
			if !placed {
				groups = append(groups, &spawnGroup{
					root:    ro,
					members: []*ReplicatedObject{ro},
					targets: common.ClientIDSetOf(clientid),
				})
			}
		}
		for _, g := range groups {
			r.sortGroupLocked(g)
			r.emitSpawnGroupLocked(g, false)
		}
	}
}
