package proto

import (
	"github.com/helixengine/helixnet/engine/common"
	"github.com/helixengine/helixnet/engine/netutil"
)

// SpawnItem is one member descriptor of a spawn group
type SpawnItem struct {
	ObjectID       common.GUID
	ParentID       common.GUID
	PrefabObjectID common.GUID
	TypeName       string
}

// SPAWN_ITEM_WIRE_SIZE is the packed size of one SpawnItem on the wire
const SPAWN_ITEM_WIRE_SIZE = 3*common.GUID_LENGTH + netutil.TYPE_NAME_FIELD_SIZE

// AppendSpawnItem appends one spawn item descriptor to the packet
func AppendSpawnItem(packet *netutil.Packet, item *SpawnItem) {
	packet.AppendGUID(item.ObjectID)
	packet.AppendGUID(item.ParentID)
	packet.AppendGUID(item.PrefabObjectID)
	packet.AppendTypeName(item.TypeName)
}

// ReadSpawnItem reads one spawn item descriptor from the packet
func ReadSpawnItem(packet *netutil.Packet) (item SpawnItem) {
	item.ObjectID = packet.ReadGUID()
	item.ParentID = packet.ReadGUID()
	item.PrefabObjectID = packet.ReadGUID()
	item.TypeName = packet.ReadTypeName()
	return
}

// MakeHandshakePacket composes an MT_HANDSHAKE packet
func MakeHandshakePacket(engineBuild, engineProto, gameProto uint32, payload []byte) *netutil.Packet {
	packet := netutil.NewPacket()
	packet.AppendByte(byte(MT_HANDSHAKE))
	packet.AppendUint32(engineBuild)
	packet.AppendUint32(engineProto)
	packet.AppendUint32(gameProto)
	packet.AppendByte(CurrentPlatform())
	packet.AppendByte(CurrentArch())
	packet.AppendUint16(uint16(len(payload)))
	packet.AppendBytes(payload)
	return packet
}

// MakeHandshakeReplyPacket composes an MT_HANDSHAKE_REPLY packet
func MakeHandshakeReplyPacket(clientid common.ClientID, result HandshakeResult) *netutil.Packet {
	packet := netutil.NewPacket()
	packet.AppendByte(byte(MT_HANDSHAKE_REPLY))
	packet.AppendClientID(clientid)
	packet.AppendInt32(int32(result))
	return packet
}

// MakeKeyIDPacket composes an MT_KEY packet installing an object id key
func MakeKeyIDPacket(index uint32, id common.GUID) *netutil.Packet {
	packet := netutil.NewPacket()
	packet.AppendByte(byte(MT_KEY))
	packet.AppendByte(KEY_TYPE_ID)
	packet.AppendUint32(index)
	packet.AppendGUID(id)
	return packet
}

// MakeKeyNamePacket composes an MT_KEY packet installing a type name key
func MakeKeyNamePacket(index uint32, name string) *netutil.Packet {
	packet := netutil.NewPacket()
	packet.AppendByte(byte(MT_KEY))
	packet.AppendByte(KEY_TYPE_NAME)
	packet.AppendUint32(index)
	packet.AppendVarStr(name)
	return packet
}

// MakeObjectReplicatePacket composes an MT_OBJECT_REPLICATE packet carrying
// the object's serialized state, or its first chunk when partsCount > 1
func MakeObjectReplicatePacket(ownerFrame uint32, objectID, parentID common.GUID, typeName string, dataSize, partsCount uint16, chunk []byte) *netutil.Packet {
	packet := netutil.NewPacket()
	packet.AppendByte(byte(MT_OBJECT_REPLICATE))
	packet.AppendUint32(ownerFrame)
	packet.AppendGUID(objectID)
	packet.AppendGUID(parentID)
	packet.AppendTypeName(typeName)
	packet.AppendUint16(dataSize)
	packet.AppendUint16(partsCount)
	packet.AppendBytes(chunk)
	return packet
}

// MakeObjectReplicatePartPacket composes an MT_OBJECT_REPLICATE_PART packet
// carrying one follow-up chunk of a fragmented state
func MakeObjectReplicatePartPacket(ownerFrame uint32, dataSize, partsCount, partStart, partSize uint16, objectID common.GUID, chunk []byte) *netutil.Packet {
	packet := netutil.NewPacket()
	packet.AppendByte(byte(MT_OBJECT_REPLICATE_PART))
	packet.AppendUint32(ownerFrame)
	packet.AppendUint16(dataSize)
	packet.AppendUint16(partsCount)
	packet.AppendUint16(partStart)
	packet.AppendUint16(partSize)
	packet.AppendGUID(objectID)
	packet.AppendBytes(chunk)
	return packet
}

// MakeObjectSpawnPacket composes an MT_OBJECT_SPAWN packet. With useParts the
// item descriptors follow in MT_OBJECT_SPAWN_PART messages and items only
// sizes the receiver's reassembly; otherwise all items travel inline.
func MakeObjectSpawnPacket(owner common.ClientID, spawnID uint32, prefabID common.GUID, itemsCount uint16, useParts bool, items []*SpawnItem) *netutil.Packet {
	packet := netutil.NewPacket()
	packet.AppendByte(byte(MT_OBJECT_SPAWN))
	packet.AppendClientID(owner)
	packet.AppendUint32(spawnID)
	packet.AppendGUID(prefabID)
	packet.AppendUint16(itemsCount)
	packet.AppendBool(useParts)
	if !useParts {
		for _, item := range items {
			AppendSpawnItem(packet, item)
		}
	}
	return packet
}

// MakeObjectSpawnPartPacket composes an MT_OBJECT_SPAWN_PART packet carrying
// (item index, item descriptor) pairs of one spawn group
func MakeObjectSpawnPartPacket(owner common.ClientID, spawnID uint32, indices []uint16, items []*SpawnItem) *netutil.Packet {
	packet := netutil.NewPacket()
	packet.AppendByte(byte(MT_OBJECT_SPAWN_PART))
	packet.AppendClientID(owner)
	packet.AppendUint32(spawnID)
	for i, item := range items {
		packet.AppendUint16(indices[i])
		AppendSpawnItem(packet, item)
	}
	return packet
}

// MakeObjectDespawnPacket composes an MT_OBJECT_DESPAWN packet
func MakeObjectDespawnPacket(objectID common.GUID) *netutil.Packet {
	packet := netutil.NewPacket()
	packet.AppendByte(byte(MT_OBJECT_DESPAWN))
	packet.AppendGUID(objectID)
	return packet
}

// MakeObjectRolePacket composes an MT_OBJECT_ROLE packet
func MakeObjectRolePacket(objectID common.GUID, owner common.ClientID) *netutil.Packet {
	packet := netutil.NewPacket()
	packet.AppendByte(byte(MT_OBJECT_ROLE))
	packet.AppendGUID(objectID)
	packet.AppendClientID(owner)
	return packet
}

// MakeObjectRPCPacket composes an MT_OBJECT_RPC packet; args must already be packed
func MakeObjectRPCPacket(objectID, parentID common.GUID, objTypeName, rpcTypeName, rpcName string, args []byte) *netutil.Packet {
	packet := netutil.NewPacket()
	packet.AppendByte(byte(MT_OBJECT_RPC))
	packet.AppendGUID(objectID)
	packet.AppendGUID(parentID)
	packet.AppendTypeName(objTypeName)
	packet.AppendTypeName(rpcTypeName)
	packet.AppendTypeName(rpcName)
	packet.AppendUint16(uint16(len(args)))
	packet.AppendBytes(args)
	return packet
}
