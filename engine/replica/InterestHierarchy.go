package replica

import (
	"sync"

	"github.com/xiaonanln/go-aoi"

	"github.com/helixengine/helixnet/engine/common"
)

// InterestHierarchy replicates an object only to clients whose interest area
// covers it. Objects and client viewpoints live on a 2D plane swept by an
// area-of-interest manager; the application pushes positions with
// SetObjectPosition and SetClient as things move.
//
// Unlike the replicator-driven Hierarchy methods, the position setters may be
// called from any goroutine; the hierarchy carries its own mutex.
type InterestHierarchy struct {
	mu      sync.Mutex
	dist    aoi.Coord
	manager aoi.AOIManager
	objects map[common.GUID]*interestObject
	clients map[common.ClientID]*interestClient
}

// interestObject tracks which clients currently see the object
type interestObject struct {
	aoi      aoi.AOI
	ro       *ReplicatedObject
	entered  bool
	watchers common.ClientIDSet
}

func (io *interestObject) OnEnterAOI(otherAoi *aoi.AOI) {
	if c, ok := otherAoi.Data.(*interestClient); ok {
		io.watchers.Add(c.id)
	}
}

func (io *interestObject) OnLeaveAOI(otherAoi *aoi.AOI) {
	if c, ok := otherAoi.Data.(*interestClient); ok {
		io.watchers.Del(c.id)
	}
}

// interestClient is a client viewpoint; visibility is tracked on the object
// side, so its callbacks have nothing to do
type interestClient struct {
	aoi aoi.AOI
	id  common.ClientID
}

func (ic *interestClient) OnEnterAOI(otherAoi *aoi.AOI) {}
func (ic *interestClient) OnLeaveAOI(otherAoi *aoi.AOI) {}

// NewInterestHierarchy creates an interest hierarchy with the given interest
// distance
func NewInterestHierarchy(dist float32) *InterestHierarchy {
	return &InterestHierarchy{
		dist:    aoi.Coord(dist),
		manager: aoi.NewXZListAOIManager(aoi.Coord(dist)),
		objects: map[common.GUID]*interestObject{},
		clients: map[common.ClientID]*interestClient{},
	}
}

// AddObject starts tracking ro. The object enters at the origin until the
// application pushes its real position.
func (ih *InterestHierarchy) AddObject(ro *ReplicatedObject) {
	ih.mu.Lock()
	defer ih.mu.Unlock()
	if _, ok := ih.objects[ro.ObjectID]; ok {
		return
	}
	io := &interestObject{ro: ro, watchers: common.ClientIDSet{}}
	aoi.InitAOI(&io.aoi, ih.dist, io, io)
	ih.objects[ro.ObjectID] = io
	ih.manager.Enter(&io.aoi, 0, 0)
	io.entered = true
}

// RemoveObject stops tracking ro
func (ih *InterestHierarchy) RemoveObject(ro *ReplicatedObject) {
	ih.mu.Lock()
	defer ih.mu.Unlock()
	io, ok := ih.objects[ro.ObjectID]
	if !ok {
		return
	}
	delete(ih.objects, ro.ObjectID)
	if io.entered {
		ih.manager.Leave(&io.aoi)
	}
}

// DirtyObject is satisfied by proximity updates and does nothing here
func (ih *InterestHierarchy) DirtyObject(ro *ReplicatedObject) {}

// Update appends an entry per object that at least one client sees
func (ih *InterestHierarchy) Update(result *HierarchyResult) {
	ih.mu.Lock()
	defer ih.mu.Unlock()
	for _, io := range ih.objects {
		if len(io.watchers) == 0 {
			continue
		}
		// position setters run concurrently, hand out a snapshot
		result.AddWithTargets(io.ro, io.watchers.Copy())
	}
}

// SetObjectPosition moves the object with the given id. Unknown ids are
// ignored; despawns race with movement.
func (ih *InterestHierarchy) SetObjectPosition(objectID common.GUID, x, z float32) {
	ih.mu.Lock()
	defer ih.mu.Unlock()
	if io, ok := ih.objects[objectID]; ok {
		ih.manager.Moved(&io.aoi, aoi.Coord(x), aoi.Coord(z))
	}
}

// SetClient places or moves a client's viewpoint
func (ih *InterestHierarchy) SetClient(id common.ClientID, x, z float32) {
	ih.mu.Lock()
	defer ih.mu.Unlock()
	if ic, ok := ih.clients[id]; ok {
		ih.manager.Moved(&ic.aoi, aoi.Coord(x), aoi.Coord(z))
		return
	}
	ic := &interestClient{id: id}
	aoi.InitAOI(&ic.aoi, ih.dist, ic, ic)
	ih.clients[id] = ic
	ih.manager.Enter(&ic.aoi, aoi.Coord(x), aoi.Coord(z))
}

// RemoveClient removes a client's viewpoint, e.g. on disconnect
func (ih *InterestHierarchy) RemoveClient(id common.ClientID) {
	ih.mu.Lock()
	defer ih.mu.Unlock()
	ic, ok := ih.clients[id]
	if !ok {
		return
	}
	delete(ih.clients, id)
	ih.manager.Leave(&ic.aoi)
}
