package replica

import (
	"time"

	"github.com/helixengine/helixnet/engine/common"
)

// Hierarchy is the pluggable policy deciding which owned objects replicate
// to which clients on a given tick. The replicator adds an object when the
// local peer gains authority over it and removes it when authority is lost
// or the object goes away. All calls happen under the replicator mutex.
type Hierarchy interface {
	AddObject(ro *ReplicatedObject)
	RemoveObject(ro *ReplicatedObject)
	// DirtyObject hints that ro changed and should replicate promptly
	DirtyObject(ro *ReplicatedObject)
	// Update appends this tick's replication entries to result
	Update(result *HierarchyResult)
}

// HierarchyEntry selects one object for replication this tick. A nil Targets
// means all connected clients; the replicator additionally intersects the
// object's own target set and removes the owner.
type HierarchyEntry struct {
	Object  *ReplicatedObject
	Targets common.ClientIDSet
}

// HierarchyResult collects the entries of one replication tick. The
// replicator reuses one result across ticks; entries are valid until the
// next Update.
type HierarchyResult struct {
	Entries []HierarchyEntry
}

// Add appends ro addressed to all connected clients
func (hr *HierarchyResult) Add(ro *ReplicatedObject) {
	hr.Entries = append(hr.Entries, HierarchyEntry{Object: ro})
}

// AddWithTargets appends ro addressed to the given clients only
func (hr *HierarchyResult) AddWithTargets(ro *ReplicatedObject, targets common.ClientIDSet) {
	hr.Entries = append(hr.Entries, HierarchyEntry{Object: ro, Targets: targets})
}

func (hr *HierarchyResult) reset() {
	hr.Entries = hr.Entries[:0]
}

// DefaultHierarchy replicates every owned object to all clients, honoring
// each object's ReplicationFPS: negative pauses the object, zero sends every
// tick, positive caps the rate. A dirty hint forces the next tick's send even
// for paused or rate-capped objects.
type DefaultHierarchy struct {
	objects map[*ReplicatedObject]*throttleState
	now     func() time.Time
}

type throttleState struct {
	nextDue time.Time
	dirty   bool
}

// NewDefaultHierarchy creates the default policy
func NewDefaultHierarchy() *DefaultHierarchy {
	return &DefaultHierarchy{
		objects: map[*ReplicatedObject]*throttleState{},
		now:     time.Now,
	}
}

// AddObject starts replicating ro
func (dh *DefaultHierarchy) AddObject(ro *ReplicatedObject) {
	if _, ok := dh.objects[ro]; !ok {
		dh.objects[ro] = &throttleState{}
	}
}

// RemoveObject stops replicating ro
func (dh *DefaultHierarchy) RemoveObject(ro *ReplicatedObject) {
	delete(dh.objects, ro)
}

// DirtyObject forces ro into the next Update
func (dh *DefaultHierarchy) DirtyObject(ro *ReplicatedObject) {
	if st, ok := dh.objects[ro]; ok {
		st.dirty = true
	}
}

// Update appends every object due this tick
func (dh *DefaultHierarchy) Update(result *HierarchyResult) {
	now := dh.now()
	for ro, st := range dh.objects {
		fps := ro.ReplicationFPS
		if !st.dirty {
			if fps < 0 {
				continue
			}
			if fps > 0 && now.Before(st.nextDue) {
				continue
			}
		}
		result.Add(ro)
		st.dirty = false
		if fps > 0 {
			st.nextDue = now.Add(time.Duration(float64(time.Second) / float64(fps)))
		}
	}
}
