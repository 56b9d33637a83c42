package netman

import (
	"github.com/pkg/errors"

	"github.com/helixengine/helixnet/engine/common"
	"github.com/helixengine/helixnet/engine/replica"
)

// Object-facing surface of a session: registration helpers and the spawn and
// procedure operations, forwarded to the session's replicator. The spawn
// operations additionally require the session to be Connected; a spawn queued
// against a session that is not up would sit invisibly until some later
// start, so the session refuses it outright.

// RegisterType registers an object type so received spawns can construct
// instances of it. Types registered here carry no module tag; modules that
// need unloading register through Replicator().Types() instead.
func (m *Manager) RegisterType(typeName string, factory func() replica.Object) {
	m.replicator.Types().Register(typeName, factory, "")
}

// RegisterRPC registers a procedure on an object type
func (m *Manager) RegisterRPC(typeName, name string, info replica.RPCInfo) {
	m.replicator.RPCs().Register(typeName, name, info)
}

// RegisterSerializer overrides how objects of a type write and read their
// replicated state
func (m *Manager) RegisterSerializer(typeName string, ser replica.Serializer) {
	m.replicator.Serializers().Register(typeName, ser, "")
}

// RegisterPrefab registers the instantiator invoked when a spawn group for
// the prefab arrives
func (m *Manager) RegisterPrefab(prefabID common.GUID, instantiate replica.PrefabInstantiator) {
	m.replicator.Prefabs().Register(prefabID, instantiate, "")
}

// SetHierarchy installs the replication hierarchy deciding which objects
// replicate to which clients each frame. A nil hierarchy restores the
// default: every owned object to every connected client.
func (m *Manager) SetHierarchy(h replica.Hierarchy) {
	m.replicator.SetHierarchy(h)
}

// AddObject registers obj for replication without spawning it, under the
// given parent (NilGUID for a root). Registration is allowed in any state so
// applications can build their object graph before starting.
func (m *Manager) AddObject(obj replica.Object, parentID common.GUID) *replica.ReplicatedObject {
	return m.replicator.AddObject(obj, parentID)
}

// RemoveObject unregisters obj locally without telling anyone
func (m *Manager) RemoveObject(obj replica.Object) {
	m.replicator.RemoveObject(obj)
}

// SpawnObject announces obj to the other peers; an empty target list means
// every connected client. The session must be Connected.
func (m *Manager) SpawnObject(obj replica.Object, targets ...common.ClientID) error {
	if state := m.State(); state != STATE_CONNECTED {
		return errors.Errorf("netman: cannot spawn %s, session is %s", obj.NetworkID(), state)
	}
	m.replicator.SpawnObject(obj, targets...)
	return nil
}

// DespawnObject removes obj here and on every peer that spawned it. The
// session must be Connected.
func (m *Manager) DespawnObject(obj replica.Object) error {
	if state := m.State(); state != STATE_CONNECTED {
		return errors.Errorf("netman: cannot despawn %s, session is %s", obj.NetworkID(), state)
	}
	m.replicator.DespawnObject(obj)
	return nil
}

// BeginInvoke starts a procedure argument stream
func (m *Manager) BeginInvoke() *replica.Stream {
	return m.replicator.BeginInvoke()
}

// EndInvoke queues the procedure for sending and reports whether the caller
// should also run it locally
func (m *Manager) EndInvoke(obj replica.Object, typeName, name string, args *replica.Stream, targets ...common.ClientID) bool {
	return m.replicator.EndInvoke(obj, typeName, name, args, targets...)
}
