package proto

import (
	"testing"

	"github.com/bmizerany/assert"
	"github.com/helixengine/helixnet/engine/common"
	"github.com/helixengine/helixnet/engine/netutil"
)

// Wire kind values are protocol compatibility; they must never drift.
func TestMsgKindValues(t *testing.T) {
	assert.Equal(t, MsgKind(1), MT_HANDSHAKE)
	assert.Equal(t, MsgKind(2), MT_HANDSHAKE_REPLY)
	assert.Equal(t, MsgKind(3), MT_KEY)
	assert.Equal(t, MsgKind(4), MT_OBJECT_REPLICATE)
	assert.Equal(t, MsgKind(5), MT_OBJECT_REPLICATE_PART)
	assert.Equal(t, MsgKind(6), MT_OBJECT_SPAWN)
	assert.Equal(t, MsgKind(7), MT_OBJECT_SPAWN_PART)
	assert.Equal(t, MsgKind(8), MT_OBJECT_DESPAWN)
	assert.Equal(t, MsgKind(9), MT_OBJECT_ROLE)
	assert.Equal(t, MsgKind(10), MT_OBJECT_RPC)
}

func TestHandshakePacket(t *testing.T) {
	pkt := MakeHandshakePacket(6401, 1, 7, []byte("auth-token"))
	defer pkt.Release()

	assert.Equal(t, byte(MT_HANDSHAKE), pkt.ReadOneByte())
	assert.Equal(t, uint32(6401), pkt.ReadUint32())
	assert.Equal(t, uint32(1), pkt.ReadUint32())
	assert.Equal(t, uint32(7), pkt.ReadUint32())
	pkt.ReadOneByte() // platform
	pkt.ReadOneByte() // arch
	payloadSize := pkt.ReadUint16()
	assert.Equal(t, "auth-token", string(pkt.ReadBytes(uint32(payloadSize))))
}

func TestHandshakeReplyPacket(t *testing.T) {
	pkt := MakeHandshakeReplyPacket(common.ClientID(5), HANDSHAKE_RESULT_REJECT_FULL)
	defer pkt.Release()

	assert.Equal(t, byte(MT_HANDSHAKE_REPLY), pkt.ReadOneByte())
	assert.Equal(t, common.ClientID(5), pkt.ReadClientID())
	assert.Equal(t, int32(HANDSHAKE_RESULT_REJECT_FULL), pkt.ReadInt32())
}

func TestKeyPackets(t *testing.T) {
	id := common.GenGUID()
	pkt := MakeKeyIDPacket(3, id)
	assert.Equal(t, byte(MT_KEY), pkt.ReadOneByte())
	assert.Equal(t, KEY_TYPE_ID, pkt.ReadOneByte())
	assert.Equal(t, uint32(3), pkt.ReadUint32())
	assert.Equal(t, id, pkt.ReadGUID())
	pkt.Release()

	pkt = MakeKeyNamePacket(4, "game.Door")
	assert.Equal(t, byte(MT_KEY), pkt.ReadOneByte())
	assert.Equal(t, KEY_TYPE_NAME, pkt.ReadOneByte())
	assert.Equal(t, uint32(4), pkt.ReadUint32())
	assert.Equal(t, "game.Door", pkt.ReadVarStr())
	pkt.Release()
}

func TestObjectDespawnPacket(t *testing.T) {
	id := common.GenGUID()
	pkt := MakeObjectDespawnPacket(id)
	defer pkt.Release()

	assert.Equal(t, byte(MT_OBJECT_DESPAWN), pkt.ReadOneByte())
	assert.Equal(t, id, pkt.ReadGUID())
	assert.T(t, !pkt.HasUnreadPayload(), "despawn has no trailing bytes")
}

func TestObjectRolePacket(t *testing.T) {
	id := common.GenGUID()
	pkt := MakeObjectRolePacket(id, common.ClientID(9))
	defer pkt.Release()

	assert.Equal(t, byte(MT_OBJECT_ROLE), pkt.ReadOneByte())
	assert.Equal(t, id, pkt.ReadGUID())
	assert.Equal(t, common.ClientID(9), pkt.ReadClientID())
}

func TestObjectRPCPacket(t *testing.T) {
	objID, parentID := common.GenGUID(), common.GenGUID()
	args := []byte{1, 2, 3, 4}
	pkt := MakeObjectRPCPacket(objID, parentID, "game.Door", "game.Door", "Open", args)
	defer pkt.Release()

	assert.Equal(t, byte(MT_OBJECT_RPC), pkt.ReadOneByte())
	assert.Equal(t, objID, pkt.ReadGUID())
	assert.Equal(t, parentID, pkt.ReadGUID())
	assert.Equal(t, "game.Door", pkt.ReadTypeName())
	assert.Equal(t, "game.Door", pkt.ReadTypeName())
	assert.Equal(t, "Open", pkt.ReadTypeName())
	argsSize := pkt.ReadUint16()
	assert.Equal(t, args, pkt.ReadBytes(uint32(argsSize)))
}

func TestSpawnItemRoundTrip(t *testing.T) {
	item := SpawnItem{
		ObjectID:       common.GenGUID(),
		ParentID:       common.GenGUID(),
		PrefabObjectID: common.NilGUID,
		TypeName:       "game.Crate",
	}
	pkt := netutil.NewPacket()
	defer pkt.Release()

	AppendSpawnItem(pkt, &item)
	assert.Equal(t, uint32(SPAWN_ITEM_WIRE_SIZE), pkt.GetPayloadLen())
	got := ReadSpawnItem(pkt)
	assert.Equal(t, item, got)
}
