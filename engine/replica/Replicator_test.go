package replica

import (
	"bytes"
	"testing"

	"github.com/bmizerany/assert"

	"github.com/helixengine/helixnet/engine/common"
	"github.com/helixengine/helixnet/engine/keyreg"
	"github.com/helixengine/helixnet/engine/netutil"
	"github.com/helixengine/helixnet/engine/proto"
	"github.com/helixengine/helixnet/engine/transport"
)

type sentMessage struct {
	channel transport.Channel
	payload []byte
	to      []common.ClientID
}

func (m *sentMessage) kind() proto.MsgKind {
	return proto.MsgKind(m.payload[0])
}

type fakePeer struct {
	server  bool
	id      common.ClientID
	frame   uint32
	mtu     int
	clients []common.ClientID
	sent    []*sentMessage
}

func (p *fakePeer) IsServer() bool                      { return p.server }
func (p *fakePeer) LocalClientID() common.ClientID      { return p.id }
func (p *fakePeer) Frame() uint32                       { return p.frame }
func (p *fakePeer) MTU() int                            { return p.mtu }
func (p *fakePeer) ConnectedClients() []common.ClientID { return p.clients }

func (p *fakePeer) Send(channel transport.Channel, packet *netutil.Packet, to ...common.ClientID) {
	p.sent = append(p.sent, &sentMessage{
		channel: channel,
		payload: append([]byte(nil), packet.Payload()...),
		to:      append([]common.ClientID(nil), to...),
	})
}

func (p *fakePeer) take() []*sentMessage {
	out := p.sent
	p.sent = nil
	return out
}

func (p *fakePeer) countKind(kind proto.MsgKind) int {
	n := 0
	for _, m := range p.sent {
		if m.kind() == kind {
			n++
		}
	}
	return n
}

// simPeer couples a replicator with its fake session
type simPeer struct {
	peer *fakePeer
	keys *keyreg.KeyTable
	rep  *Replicator
}

func (sp *simPeer) tick() {
	sp.peer.frame++
	sp.rep.Update()
}

// sim wires one server and a set of clients through fake peers; deliver
// routes captured traffic to its recipients the way a session loop would
type sim struct {
	server  *simPeer
	clients map[common.ClientID]*simPeer
}

func newSim(clientIDs ...common.ClientID) *sim {
	s := &sim{clients: map[common.ClientID]*simPeer{}}
	serverKeys := keyreg.NewKeyTable(true)
	serverPeer := &fakePeer{
		server:  true,
		id:      common.ServerClientID,
		mtu:     1200,
		clients: append([]common.ClientID(nil), clientIDs...),
	}
	s.server = &simPeer{peer: serverPeer, keys: serverKeys, rep: NewReplicator(serverPeer, serverKeys)}
	for _, clientid := range clientIDs {
		keys := keyreg.NewKeyTable(false)
		peer := &fakePeer{id: clientid, mtu: 1200, clients: []common.ClientID{common.ServerClientID}}
		s.clients[clientid] = &simPeer{peer: peer, keys: keys, rep: NewReplicator(peer, keys)}
	}
	return s
}

func (s *sim) peerByID(clientid common.ClientID) *simPeer {
	if clientid == common.ServerClientID {
		return s.server
	}
	return s.clients[clientid]
}

func (s *sim) deliver(from *simPeer) {
	for _, m := range from.peer.take() {
		for _, to := range m.to {
			if target := s.peerByID(to); target != nil {
				s.dispatch(from.peer.id, target, m)
			}
		}
	}
}

func (s *sim) dispatch(sender common.ClientID, target *simPeer, m *sentMessage) {
	packet := netutil.NewPacketWithPayload(m.payload)
	defer packet.Release()
	kind := proto.MsgKind(packet.ReadOneByte())
	if kind == proto.MT_KEY {
		keyType := packet.ReadOneByte()
		index := packet.ReadUint32()
		if keyType == proto.KEY_TYPE_ID {
			target.keys.InstallID(index, packet.ReadGUID())
		} else {
			target.keys.InstallName(index, packet.ReadVarStr())
		}
		return
	}
	target.rep.HandleMessage(sender, m.channel, kind, packet)
}

// ownersOf counts how many peers hold the object with an owning role
func (s *sim) ownersOf(objectID common.GUID) int {
	owners := 0
	if ro := s.server.rep.GetRecord(objectID); ro != nil && ro.Role.IsOwner() {
		owners++
	}
	for _, c := range s.clients {
		if ro := c.rep.GetRecord(objectID); ro != nil && ro.Role.IsOwner() {
			owners++
		}
	}
	return owners
}

// simActor is a self-serializing test object
type simActor struct {
	id           common.GUID
	Name         string
	HP           int32
	blob         []byte
	spawnCalls   int
	despawnCalls int
}

func newSimActor(name string) *simActor {
	return &simActor{id: common.GenGUID(), Name: name}
}

func (a *simActor) NetworkID() common.GUID { return a.id }
func (a *simActor) TypeName() string       { return "sim.Actor" }

func (a *simActor) Serialize(s *Stream) error {
	s.AppendVarStr(a.Name)
	s.AppendInt32(a.HP)
	s.AppendVarBytes(a.blob)
	return nil
}

func (a *simActor) Deserialize(s *Stream) error {
	a.Name = s.ReadVarStr()
	a.HP = s.ReadInt32()
	a.blob = s.ReadVarBytes()
	return nil
}

func (a *simActor) OnNetworkSpawn()   { a.spawnCalls++ }
func (a *simActor) OnNetworkDespawn() { a.despawnCalls++ }

func registerSimActor(sp *simPeer) {
	sp.rep.Types().Register("sim.Actor", func() Object { return newSimActor("") }, "test")
}

// stateOf serializes the actor the way the replication pass would
func stateOf(sp *simPeer, a *simActor) []byte {
	stream := NewStream(sp.keys)
	defer stream.Release()
	a.Serialize(stream)
	return append([]byte(nil), stream.Payload()...)
}

func TestServerSpawnReachesClient(t *testing.T) {
	s := newSim(2)
	client := s.clients[2]
	registerSimActor(client)

	actor := newSimActor("guard")
	actor.HP = 40
	s.server.rep.SpawnObject(actor)
	s.server.tick()
	assert.Equal(t, 1, s.server.peer.countKind(proto.MT_OBJECT_SPAWN))
	s.deliver(s.server)

	assert.Equal(t, 1, client.rep.NumObjects())
	ro := client.rep.GetRecord(actor.NetworkID())
	assert.NotEqual(t, (*ReplicatedObject)(nil), ro)
	assert.Equal(t, ROLE_REPLICATED, ro.Role)
	assert.Equal(t, common.ServerClientID, ro.OwnerClientID)
	assert.Equal(t, true, ro.Spawned)

	replica := client.rep.GetObject(actor.NetworkID()).(*simActor)
	assert.Equal(t, 1, replica.spawnCalls)
	assert.Equal(t, "sim.Actor", ro.TypeName())
}

func TestSpawnGroupMergesFamily(t *testing.T) {
	s := newSim(2)
	client := s.clients[2]
	registerSimActor(client)

	parent := newSimActor("vehicle")
	wheel1 := newSimActor("wheel")
	wheel2 := newSimActor("wheel")
	s.server.rep.AddObject(parent, common.NilGUID)
	s.server.rep.AddObject(wheel1, parent.NetworkID())
	s.server.rep.AddObject(wheel2, parent.NetworkID())

	// spawning the root sweeps the registered children into one group
	s.server.rep.SpawnObject(parent)
	s.server.tick()
	assert.Equal(t, 1, s.server.peer.countKind(proto.MT_OBJECT_SPAWN))
	s.deliver(s.server)

	assert.Equal(t, 3, client.rep.NumObjects())
	parentRO := client.rep.GetRecord(parent.NetworkID())
	wheelRO := client.rep.GetRecord(wheel1.NetworkID())
	assert.NotEqual(t, (*ReplicatedObject)(nil), parentRO)
	assert.NotEqual(t, (*ReplicatedObject)(nil), wheelRO)
	// the child hangs under the client-local parent id
	assert.Equal(t, parentRO.ObjectID, wheelRO.ParentID)
}

func TestPrefabSpawnBindsMembers(t *testing.T) {
	s := newSim(2)
	client := s.clients[2]

	prefabID := common.GenGUID()
	doorID := common.GenGUID()
	lockID := common.GenGUID()

	door := newSimActor("door")
	lock := newSimActor("lock")
	s.server.rep.AddObject(door, common.NilGUID)
	s.server.rep.AddObject(lock, door.NetworkID())
	serverDoor := s.server.rep.GetRecord(door.NetworkID())
	serverLock := s.server.rep.GetRecord(lock.NetworkID())
	serverDoor.prefabID, serverDoor.prefabObjectID = prefabID, doorID
	serverLock.prefabID, serverLock.prefabObjectID = prefabID, lockID

	var clientDoor, clientLock *simActor
	client.rep.Prefabs().Register(prefabID, func() map[common.GUID]Object {
		clientDoor = newSimActor("door")
		clientLock = newSimActor("lock")
		return map[common.GUID]Object{doorID: clientDoor, lockID: clientLock}
	}, "test")

	s.server.rep.SpawnObject(door)
	s.server.tick()
	s.deliver(s.server)

	assert.Equal(t, 2, client.rep.NumObjects())
	assert.Equal(t, clientDoor, client.rep.GetObject(door.NetworkID()))
	assert.Equal(t, clientLock, client.rep.GetObject(lock.NetworkID()))
	lockRO := client.rep.GetRecord(lock.NetworkID())
	assert.Equal(t, clientDoor.NetworkID(), lockRO.ParentID)
}

func TestSpawnAdoptionByStructuralMatch(t *testing.T) {
	s := newSim(2)
	client := s.clients[2]

	// the client pre-registered its own copy of the scene, same shape,
	// different ids; no type factories are needed for adoption
	clientRoot := newSimActor("level")
	clientProp := newSimActor("prop")
	client.rep.AddObject(clientRoot, common.NilGUID)
	client.rep.AddObject(clientProp, clientRoot.NetworkID())

	serverRoot := newSimActor("level")
	serverProp := newSimActor("prop")
	s.server.rep.AddObject(serverRoot, common.NilGUID)
	s.server.rep.AddObject(serverProp, serverRoot.NetworkID())
	s.server.rep.SpawnObject(serverRoot)
	s.server.tick()
	s.deliver(s.server)

	assert.Equal(t, 2, client.rep.NumObjects())
	rootRO := client.rep.GetRecord(serverRoot.NetworkID())
	propRO := client.rep.GetRecord(serverProp.NetworkID())
	assert.Equal(t, clientRoot.NetworkID(), rootRO.ObjectID)
	assert.Equal(t, clientProp.NetworkID(), propRO.ObjectID)
	assert.Equal(t, true, rootRO.Spawned)
	assert.Equal(t, true, propRO.Spawned)
	assert.Equal(t, 1, clientRoot.spawnCalls)
}

func TestReplicateUpdatesClientState(t *testing.T) {
	s := newSim(2)
	client := s.clients[2]
	registerSimActor(client)

	actor := newSimActor("guard")
	actor.HP = 40
	s.server.rep.SpawnObject(actor)
	s.server.tick()
	s.deliver(s.server)

	actor.HP = 75
	s.server.tick()
	assert.Equal(t, 1, s.server.peer.countKind(proto.MT_OBJECT_REPLICATE))
	s.deliver(s.server)

	replica := client.rep.GetObject(actor.NetworkID()).(*simActor)
	assert.Equal(t, int32(75), replica.HP)
	assert.Equal(t, "guard", replica.Name)
	assert.Equal(t, true, client.rep.GetRecord(actor.NetworkID()).Synced)
}

func TestReplicateBeforeSpawnIgnored(t *testing.T) {
	s := newSim(2)
	client := s.clients[2]
	registerSimActor(client)

	actor := newSimActor("scout")
	actor.HP = 55

	// state for an id the client was never told about leaves it untouched
	state := stateOf(s.server, actor)
	packet := proto.MakeObjectReplicatePacket(3, actor.NetworkID(), common.NilGUID,
		"sim.Actor", uint16(len(state)), 1, state)
	kind := proto.MsgKind(packet.ReadOneByte())
	client.rep.HandleMessage(common.ServerClientID, transport.CHANNEL_UNRELIABLE, kind, packet)
	packet.Release()
	assert.Equal(t, 0, client.rep.NumObjects())
	assert.Equal(t, true, client.rep.GetRecord(actor.NetworkID()) == nil)

	// once the spawn lands, state for the same id goes through
	s.server.rep.SpawnObject(actor)
	s.server.tick()
	s.deliver(s.server)
	replica := client.rep.GetObject(actor.NetworkID()).(*simActor)
	assert.Equal(t, int32(55), replica.HP)
}

func TestReplicateFragmentsAndReorder(t *testing.T) {
	s := newSim(2)
	client := s.clients[2]
	registerSimActor(client)

	actor := newSimActor("big")
	s.server.rep.SpawnObject(actor)
	s.server.tick()
	s.deliver(s.server)

	actor.blob = bytes.Repeat([]byte{0xAB}, 6000)
	s.server.tick()
	assert.Equal(t, 1, s.server.peer.countKind(proto.MT_OBJECT_REPLICATE))
	assert.Equal(t, 5, s.server.peer.countKind(proto.MT_OBJECT_REPLICATE_PART))

	// deliver the burst backwards; reassembly must not care
	msgs := s.server.peer.take()
	for i := len(msgs) - 1; i >= 0; i-- {
		s.dispatch(common.ServerClientID, client, msgs[i])
	}
	replica := client.rep.GetObject(actor.NetworkID()).(*simActor)
	assert.Equal(t, 0, len(replica.blob))

	// completed buffers apply on the next tick
	client.tick()
	assert.Equal(t, true, bytes.Equal(actor.blob, replica.blob))
}

func TestStaleFrameIgnored(t *testing.T) {
	s := newSim(2)
	client := s.clients[2]
	registerSimActor(client)

	actor := newSimActor("guard")
	s.server.rep.SpawnObject(actor)
	s.server.tick()
	s.deliver(s.server)

	actor.HP = 111
	newer := stateOf(s.server, actor)
	actor.HP = 55
	older := stateOf(s.server, actor)

	send := func(frame uint32, state []byte) {
		packet := proto.MakeObjectReplicatePacket(frame, actor.NetworkID(), common.NilGUID,
			"sim.Actor", uint16(len(state)), 1, state)
		defer packet.Release()
		kind := proto.MsgKind(packet.ReadOneByte())
		client.rep.HandleMessage(common.ServerClientID, transport.CHANNEL_UNRELIABLE, kind, packet)
	}
	send(11, newer)
	send(10, older) // late arrival of an older frame

	replica := client.rep.GetObject(actor.NetworkID()).(*simActor)
	assert.Equal(t, int32(111), replica.HP)
}

func TestUnauthorizedReplicateRejected(t *testing.T) {
	s := newSim(2, 3)
	for _, c := range s.clients {
		registerSimActor(c)
	}

	actor := newSimActor("guard")
	actor.HP = 10
	s.server.rep.SpawnObject(actor)
	s.server.tick()
	s.deliver(s.server)
	assert.Equal(t, nil, s.server.rep.SetObjectOwnership(actor, 2, ROLE_REPLICATED, false))
	s.deliver(s.server)

	// client 3 forges state for an object client 2 owns
	forged := s.clients[3].rep.GetObject(actor.NetworkID()).(*simActor)
	forged.HP = 9999
	state := stateOf(s.clients[3], forged)
	packet := proto.MakeObjectReplicatePacket(50, actor.NetworkID(), common.NilGUID,
		"sim.Actor", uint16(len(state)), 1, state)
	kind := proto.MsgKind(packet.ReadOneByte())
	s.server.rep.HandleMessage(3, transport.CHANNEL_UNRELIABLE, kind, packet)
	packet.Release()

	assert.Equal(t, int32(10), actor.HP)
}

func TestServerRelaysClientState(t *testing.T) {
	s := newSim(2, 3)
	for _, c := range s.clients {
		registerSimActor(c)
	}

	actor := newSimActor("pawn")
	s.server.rep.SpawnObject(actor)
	s.server.tick()
	s.deliver(s.server)
	assert.Equal(t, nil, s.server.rep.SetObjectOwnership(actor, 2, ROLE_REPLICATED, false))
	s.deliver(s.server)
	assert.Equal(t, 1, s.ownersOf(actor.NetworkID()))

	owned := s.clients[2].rep.GetObject(actor.NetworkID()).(*simActor)
	owned.HP = 42
	s.clients[2].tick()
	assert.Equal(t, 1, s.clients[2].peer.countKind(proto.MT_OBJECT_REPLICATE))
	s.deliver(s.clients[2])
	assert.Equal(t, int32(42), actor.HP)

	// the server rebroadcasts to everyone but the owner
	s.server.tick()
	for _, m := range s.server.peer.sent {
		if m.kind() != proto.MT_OBJECT_REPLICATE {
			continue
		}
		assert.Equal(t, 1, len(m.to))
		assert.Equal(t, common.ClientID(3), m.to[0])
	}
	assert.Equal(t, 1, s.server.peer.countKind(proto.MT_OBJECT_REPLICATE))
	s.deliver(s.server)
	bystander := s.clients[3].rep.GetObject(actor.NetworkID()).(*simActor)
	assert.Equal(t, int32(42), bystander.HP)
}

func TestOwnershipTransferKeepsOneOwner(t *testing.T) {
	s := newSim(2, 3)
	for _, c := range s.clients {
		registerSimActor(c)
	}

	actor := newSimActor("pawn")
	s.server.rep.SpawnObject(actor)
	s.server.tick()
	s.deliver(s.server)
	assert.Equal(t, 1, s.ownersOf(actor.NetworkID()))

	// handing ownership to this peer demands the authoritative role, and
	// the other way around
	err := s.server.rep.SetObjectOwnership(actor, common.ServerClientID, ROLE_REPLICATED, false)
	assert.NotEqual(t, nil, err)
	err = s.server.rep.SetObjectOwnership(actor, 2, ROLE_OWNED_AUTHORITATIVE, false)
	assert.NotEqual(t, nil, err)

	assert.Equal(t, nil, s.server.rep.SetObjectOwnership(actor, 2, ROLE_REPLICATED, false))
	s.deliver(s.server)
	assert.Equal(t, 1, s.ownersOf(actor.NetworkID()))
	assert.Equal(t, ROLE_OWNED_AUTHORITATIVE, s.clients[2].rep.GetRecord(actor.NetworkID()).Role)
	assert.Equal(t, common.ClientID(2), s.clients[3].rep.GetRecord(actor.NetworkID()).OwnerClientID)

	// the new owner hands it back through the server
	ownedCopy := s.clients[2].rep.GetObject(actor.NetworkID())
	assert.Equal(t, nil, s.clients[2].rep.SetObjectOwnership(ownedCopy, common.ServerClientID, ROLE_REPLICATED, false))
	s.deliver(s.clients[2])
	s.deliver(s.server) // relay of the role change
	assert.Equal(t, 1, s.ownersOf(actor.NetworkID()))
	assert.Equal(t, ROLE_OWNED_AUTHORITATIVE, s.server.rep.GetRecord(actor.NetworkID()).Role)
	assert.Equal(t, common.ServerClientID, s.clients[3].rep.GetRecord(actor.NetworkID()).OwnerClientID)
}

func TestDespawnPropagates(t *testing.T) {
	s := newSim(2)
	client := s.clients[2]
	registerSimActor(client)

	actor := newSimActor("mob")
	s.server.rep.SpawnObject(actor)
	s.server.tick()
	s.deliver(s.server)
	replica := client.rep.GetObject(actor.NetworkID()).(*simActor)

	s.server.rep.DespawnObject(actor)
	assert.Equal(t, 0, s.server.rep.NumObjects())
	s.server.tick()
	assert.Equal(t, 1, s.server.peer.countKind(proto.MT_OBJECT_DESPAWN))
	s.deliver(s.server)

	assert.Equal(t, 0, client.rep.NumObjects())
	assert.Equal(t, 1, replica.despawnCalls)

	// in-flight state for the dead id is dropped without complaint
	state := stateOf(s.server, actor)
	packet := proto.MakeObjectReplicatePacket(99, actor.NetworkID(), common.NilGUID,
		"sim.Actor", uint16(len(state)), 1, state)
	kind := proto.MsgKind(packet.ReadOneByte())
	client.rep.HandleMessage(common.ServerClientID, transport.CHANNEL_UNRELIABLE, kind, packet)
	packet.Release()
	assert.Equal(t, 0, client.rep.NumObjects())
}

func TestSpawnThenDespawnSameTickCancels(t *testing.T) {
	s := newSim(2)
	actor := newSimActor("blink")
	s.server.rep.SpawnObject(actor)
	s.server.rep.DespawnObject(actor)
	s.server.tick()

	assert.Equal(t, 0, s.server.peer.countKind(proto.MT_OBJECT_SPAWN))
	assert.Equal(t, 0, s.server.peer.countKind(proto.MT_OBJECT_DESPAWN))
	assert.Equal(t, 0, s.server.rep.NumObjects())
}

func TestNonOwnerCannotDespawn(t *testing.T) {
	s := newSim(2)
	client := s.clients[2]
	registerSimActor(client)

	actor := newSimActor("mob")
	s.server.rep.SpawnObject(actor)
	s.server.tick()
	s.deliver(s.server)

	replica := client.rep.GetObject(actor.NetworkID())
	client.rep.DespawnObject(replica)
	client.tick()
	assert.Equal(t, 0, client.peer.countKind(proto.MT_OBJECT_DESPAWN))
	assert.Equal(t, 1, client.rep.NumObjects())
}

func TestLateJoinerCatchUp(t *testing.T) {
	s := newSim(2, 3)
	s.server.peer.clients = []common.ClientID{2}
	for _, c := range s.clients {
		registerSimActor(c)
	}

	mob := newSimActor("mob")
	chest := newSimActor("chest")
	secret := newSimActor("secret")
	s.server.rep.SpawnObject(mob)
	s.server.rep.SpawnObject(chest)
	s.server.rep.SpawnObject(secret, 2) // only client 2 may see this one
	s.server.tick()
	s.deliver(s.server)
	assert.Equal(t, 3, s.clients[2].rep.NumObjects())

	s.server.peer.clients = []common.ClientID{2, 3}
	s.server.rep.ClientJoined(3)
	s.server.tick()
	for _, m := range s.server.peer.sent {
		if m.kind() == proto.MT_OBJECT_SPAWN {
			assert.Equal(t, []common.ClientID{3}, m.to)
		}
	}
	assert.Equal(t, 2, s.server.peer.countKind(proto.MT_OBJECT_SPAWN))
	s.deliver(s.server)

	assert.Equal(t, 2, s.clients[3].rep.NumObjects())
	assert.Equal(t, (*ReplicatedObject)(nil), s.clients[3].rep.GetRecord(secret.NetworkID()))
}

func TestForwardUnspawnedToNewClients(t *testing.T) {
	s := newSim(2)
	registerSimActor(s.clients[2])
	s.server.rep.ForwardUnspawnedToNewClients = true

	ghost := newSimActor("ghost")
	s.server.rep.AddObject(ghost, common.NilGUID)
	s.server.rep.ClientJoined(2)
	s.server.tick()
	assert.Equal(t, 1, s.server.peer.countKind(proto.MT_OBJECT_SPAWN))
	s.deliver(s.server)

	assert.Equal(t, 1, s.clients[2].rep.NumObjects())
	// forwarding does not consume the real spawn: the record stays unspawned
	assert.Equal(t, false, s.server.rep.GetRecord(ghost.NetworkID()).Spawned)
}

func TestReplicateTargetFilter(t *testing.T) {
	s := newSim(2, 3)
	for _, c := range s.clients {
		registerSimActor(c)
	}

	actor := newSimActor("vip")
	s.server.rep.SpawnObject(actor, 2)
	s.server.tick()
	s.deliver(s.server)
	assert.Equal(t, 1, s.clients[2].rep.NumObjects())
	assert.Equal(t, 0, s.clients[3].rep.NumObjects())

	actor.HP = 5
	s.server.tick()
	for _, m := range s.server.peer.sent {
		if m.kind() == proto.MT_OBJECT_REPLICATE {
			assert.Equal(t, []common.ClientID{2}, m.to)
		}
	}
}

func TestSpawnPartsSplitLargeGroups(t *testing.T) {
	s := newSim(2)
	client := s.clients[2]
	registerSimActor(client)
	s.server.peer.mtu = 400 // fits two 178-byte indexed items per part

	root := newSimActor("squad")
	s.server.rep.AddObject(root, common.NilGUID)
	for i := 0; i < 7; i++ {
		s.server.rep.AddObject(newSimActor("soldier"), root.NetworkID())
	}
	s.server.rep.SpawnObject(root)
	s.server.tick()

	assert.Equal(t, 1, s.server.peer.countKind(proto.MT_OBJECT_SPAWN))
	assert.Equal(t, 4, s.server.peer.countKind(proto.MT_OBJECT_SPAWN_PART))
	s.deliver(s.server)
	assert.Equal(t, 8, client.rep.NumObjects())
}

func TestRPCClientToServer(t *testing.T) {
	s := newSim(2)
	client := s.clients[2]
	registerSimActor(client)

	var gotDamage int32
	var gotSender common.ClientID
	info := RPCInfo{
		Direction: DIR_SERVER_ONLY,
		Channel:   transport.CHANNEL_RELIABLE_ORDERED,
		Execute: func(obj Object, args *Stream) {
			gotDamage = args.ReadInt32()
			gotSender = args.Sender
		},
	}
	s.server.rep.RPCs().Register("sim.Actor", "TakeDamage", info)
	client.rep.RPCs().Register("sim.Actor", "TakeDamage", info)

	actor := newSimActor("boss")
	s.server.rep.SpawnObject(actor)
	s.server.tick()
	s.deliver(s.server)

	replica := client.rep.GetObject(actor.NetworkID())
	args := client.rep.BeginInvoke()
	args.AppendInt32(13)
	runLocal := client.rep.EndInvoke(replica, "sim.Actor", "TakeDamage", args)
	assert.Equal(t, false, runLocal) // server-only never runs on a client

	client.tick()
	assert.Equal(t, 1, client.peer.countKind(proto.MT_OBJECT_RPC))
	s.deliver(client)
	assert.Equal(t, int32(13), gotDamage)
	assert.Equal(t, common.ClientID(2), gotSender)
}

func TestRPCServerToClientsRelay(t *testing.T) {
	s := newSim(2, 3)
	for _, c := range s.clients {
		registerSimActor(c)
	}

	executed := map[common.ClientID]int{}
	makeInfo := func(clientid common.ClientID) RPCInfo {
		return RPCInfo{
			Direction: DIR_CLIENT_ONLY,
			Channel:   transport.CHANNEL_RELIABLE_ORDERED,
			Execute:   func(obj Object, args *Stream) { executed[clientid]++ },
		}
	}
	s.server.rep.RPCs().Register("sim.Actor", "PlayEffect", makeInfo(common.ServerClientID))
	s.clients[2].rep.RPCs().Register("sim.Actor", "PlayEffect", makeInfo(2))
	s.clients[3].rep.RPCs().Register("sim.Actor", "PlayEffect", makeInfo(3))

	actor := newSimActor("fx")
	s.server.rep.SpawnObject(actor)
	s.server.tick()
	s.deliver(s.server)

	// the server invokes on clients
	args := s.server.rep.BeginInvoke()
	runLocal := s.server.rep.EndInvoke(actor, "sim.Actor", "PlayEffect", args)
	assert.Equal(t, false, runLocal)
	s.server.tick()
	s.deliver(s.server)
	assert.Equal(t, 1, executed[2])
	assert.Equal(t, 1, executed[3])
	assert.Equal(t, 0, executed[common.ServerClientID])

	// a client invokes: the call goes up and the server relays it across
	replica := s.clients[2].rep.GetObject(actor.NetworkID())
	args = s.clients[2].rep.BeginInvoke()
	runLocal = s.clients[2].rep.EndInvoke(replica, "sim.Actor", "PlayEffect", args)
	assert.Equal(t, true, runLocal) // client-only also executes on the caller
	s.clients[2].tick()
	s.deliver(s.clients[2])
	assert.Equal(t, 0, executed[common.ServerClientID]) // wrong direction on the server
	s.deliver(s.server)                                 // relayed across to client 3
	assert.Equal(t, 2, executed[3])
}

func TestRPCTargetsLimitLocalRun(t *testing.T) {
	s := newSim(2, 3)
	for _, c := range s.clients {
		registerSimActor(c)
	}
	ran := 0
	s.server.rep.RPCs().Register("sim.Actor", "Pulse", RPCInfo{
		Direction: DIR_BOTH,
		Channel:   transport.CHANNEL_RELIABLE_ORDERED,
		Execute:   func(obj Object, args *Stream) { ran++ },
	})

	actor := newSimActor("node")
	s.server.rep.SpawnObject(actor)
	s.server.tick()
	s.deliver(s.server)

	// aimed only at client 2, so the caller does not run it locally
	args := s.server.rep.BeginInvoke()
	runLocal := s.server.rep.EndInvoke(actor, "sim.Actor", "Pulse", args, 2)
	assert.Equal(t, false, runLocal)
	s.server.tick()
	for _, m := range s.server.peer.sent {
		if m.kind() == proto.MT_OBJECT_RPC {
			assert.Equal(t, []common.ClientID{2}, m.to)
		}
	}

	// untargeted on a both-sides procedure runs everywhere including here
	args = s.server.rep.BeginInvoke()
	runLocal = s.server.rep.EndInvoke(actor, "sim.Actor", "Pulse", args)
	assert.Equal(t, true, runLocal)
}

func TestClientLeftDespawnsOwned(t *testing.T) {
	s := newSim(2, 3)
	for _, c := range s.clients {
		registerSimActor(c)
	}

	actor := newSimActor("pawn")
	s.server.rep.SpawnObject(actor)
	s.server.tick()
	s.deliver(s.server)
	assert.Equal(t, nil, s.server.rep.SetObjectOwnership(actor, 2, ROLE_REPLICATED, false))
	s.deliver(s.server)

	s.server.peer.clients = []common.ClientID{3}
	s.server.rep.ClientLeft(2)
	assert.Equal(t, 0, s.server.rep.NumObjects())
	s.server.tick()
	assert.Equal(t, 1, s.server.peer.countKind(proto.MT_OBJECT_DESPAWN))
	s.deliver(s.server)
	assert.Equal(t, 0, s.clients[3].rep.NumObjects())
}

// simKeyed replicates an object reference and a type name through the
// identity-key table
type simKeyed struct {
	id      common.GUID
	Ref     common.GUID
	RefName string
}

func newSimKeyed() *simKeyed { return &simKeyed{id: common.GenGUID()} }

func (k *simKeyed) NetworkID() common.GUID { return k.id }
func (k *simKeyed) TypeName() string       { return "sim.Keyed" }

func (k *simKeyed) Serialize(s *Stream) error {
	s.WriteID(k.Ref)
	s.WriteName(k.RefName)
	return nil
}

func (k *simKeyed) Deserialize(s *Stream) error {
	k.Ref = s.ReadID()
	k.RefName = s.ReadName()
	return nil
}

func TestKeyInterningShrinksState(t *testing.T) {
	s := newSim(2)
	client := s.clients[2]
	client.rep.Types().Register("sim.Keyed", func() Object { return newSimKeyed() }, "test")

	thing := newSimKeyed()
	thing.Ref = common.GenGUID()
	thing.RefName = "game.DoorController"

	replicateSize := func() int {
		for _, m := range s.server.peer.sent {
			if m.kind() == proto.MT_OBJECT_REPLICATE {
				return len(m.payload)
			}
		}
		return -1
	}

	// the first state carries raw values; the keys flush right after it
	s.server.rep.SpawnObject(thing)
	s.server.tick()
	first := replicateSize()
	assert.Equal(t, 2, s.server.peer.countKind(proto.MT_KEY))
	s.deliver(s.server)
	replica := client.rep.GetObject(thing.NetworkID()).(*simKeyed)
	assert.Equal(t, thing.Ref, replica.Ref)
	assert.Equal(t, "game.DoorController", replica.RefName)

	// the second state rides on the interned indices
	s.server.tick()
	second := replicateSize()
	assert.Equal(t, true, second < first)
	s.deliver(s.server)
	assert.Equal(t, thing.Ref, replica.Ref)
	assert.Equal(t, "game.DoorController", replica.RefName)
}

func TestRemoveObjectIsLocalOnly(t *testing.T) {
	s := newSim(2)
	client := s.clients[2]
	registerSimActor(client)

	actor := newSimActor("mob")
	s.server.rep.SpawnObject(actor)
	s.server.tick()
	s.deliver(s.server)

	clientCopy := client.rep.GetObject(actor.NetworkID())
	client.rep.RemoveObject(clientCopy)
	assert.Equal(t, 0, client.rep.NumObjects())
	client.tick()
	assert.Equal(t, 0, len(client.peer.sent))
	// the server never hears about it
	assert.Equal(t, 1, s.server.rep.NumObjects())
}
