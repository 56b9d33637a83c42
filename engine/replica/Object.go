package replica

import (
	"strconv"

	"github.com/helixengine/helixnet/engine/common"
)

// Role is the local authority a peer holds over one replicated object
type Role uint8

const (
	// ROLE_NONE marks an object that is registered but not replicated
	ROLE_NONE Role = iota
	// ROLE_REPLICATED marks an object whose state arrives from its owner
	ROLE_REPLICATED
	// ROLE_OWNED_AUTHORITATIVE marks the single peer allowed to send state
	// updates, despawns and ownership changes for the object
	ROLE_OWNED_AUTHORITATIVE
)

// IsOwner returns true for the authoritative role
func (r Role) IsOwner() bool {
	return r == ROLE_OWNED_AUTHORITATIVE
}

func (r Role) String() string {
	switch r {
	case ROLE_NONE:
		return "None"
	case ROLE_REPLICATED:
		return "Replicated"
	case ROLE_OWNED_AUTHORITATIVE:
		return "OwnedAuthoritative"
	default:
		return "Role<" + strconv.Itoa(int(r)) + ">"
	}
}

// Object is the contract a live object must satisfy to be replicated. The
// replicator never inspects objects beyond this and the optional interfaces
// below; everything else about them belongs to the application.
//
// NetworkID must be stable for the object's lifetime and unique within the
// local peer. Peers mint their own local ids; the replicator's remap table
// translates between them.
type Object interface {
	NetworkID() common.GUID
	TypeName() string
}

// Serializable is implemented by objects that write and read their own
// replicated state. Objects without it fall back to the serializer registry.
type Serializable interface {
	Serialize(s *Stream) error
	Deserialize(s *Stream) error
}

// SpawnListener is notified after the object's record was created from a
// received spawn
type SpawnListener interface {
	OnNetworkSpawn()
}

// DespawnListener is notified right before the object's record is destroyed
// by a received despawn
type DespawnListener interface {
	OnNetworkDespawn()
}

// PrefabLinked is implemented by objects instantiated from a prefab. Spawn
// groups of linked objects travel with the prefab id, so receivers instantiate
// the prefab once and bind members by their prefab-object ids instead of
// constructing each member from its type name.
type PrefabLinked interface {
	PrefabLink() (prefabID common.GUID, prefabObjectID common.GUID)
}

// RateLimited objects declare their own replication rate for hierarchies that
// honor it: negative pauses replication, zero replicates every tick, positive
// caps updates per second.
type RateLimited interface {
	ReplicationFPS() float32
}
