package replica

import (
	"fmt"

	"github.com/helixengine/helixnet/engine/common"
)

// ReplicatedObject is the registry record of one replicated object. Records
// are created by AddObject or by a received spawn and live until the object
// is removed, despawned, or the session torn down. All fields are managed by
// the replicator; hierarchies read them but must not write.
type ReplicatedObject struct {
	handle Handle

	// ObjectID is the local id of the object; remote peers may know the same
	// object under a different id (see the remap table)
	ObjectID common.GUID
	// ParentID refers to the parent's local id, to a non-replicated scene
	// object, or is nil
	ParentID common.GUID

	typeName string

	// OwnerClientID is the client id of the authoritative owner
	OwnerClientID common.ClientID
	// Role is the local peer's authority over the object
	Role Role

	// Spawned is set once the object was announced (or arrived) as a spawn
	Spawned bool
	// Synced is set once remote state has been applied at least once
	Synced bool

	// ReplicationFPS is the object's own update rate for hierarchies that
	// honor it: negative pauses replication, zero replicates every tick,
	// positive caps updates per second. Seeded from the object's
	// RateLimited implementation, if any.
	ReplicationFPS float32

	lastOwnerFrame uint32

	// targets, when non-nil, restricts replication to these clients. The set
	// never contains the owner.
	targets common.ClientIDSet

	prefabID       common.GUID
	prefabObjectID common.GUID

	everOwned bool
}

// TypeName returns the object's replicated type name
func (ro *ReplicatedObject) TypeName() string {
	return ro.typeName
}

// TargetSet returns the explicit target-client set, or nil meaning all
// connected clients. The returned set is read-only.
func (ro *ReplicatedObject) TargetSet() common.ClientIDSet {
	return ro.targets
}

func (ro *ReplicatedObject) String() string {
	return fmt.Sprintf("%s<%s>", ro.typeName, ro.ObjectID)
}
