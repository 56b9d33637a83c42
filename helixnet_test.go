package helixnet

import (
	"testing"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"

	"github.com/helixengine/helixnet/engine/config"
	"github.com/helixengine/helixnet/engine/netman"
	"github.com/helixengine/helixnet/engine/replica"
	"github.com/helixengine/helixnet/engine/transport"
)

func facadeConfig(addr string) *NetworkConfig {
	cfg := config.DefaultNetworkConfig()
	cfg.Driver = "local"
	cfg.Address = addr
	cfg.Port = 1
	cfg.NetworkFPS = 0
	return cfg
}

func pump(sessions ...*Session) {
	for i := 0; i < 8; i++ {
		for _, s := range sessions {
			s.Update()
		}
	}
}

// beacon is a self-serializing test object
type beacon struct {
	id     GUID
	Label  string
	Charge int32
	pings  int
}

func newBeacon(label string) *beacon {
	return &beacon{id: GenGUID(), Label: label}
}

func (b *beacon) NetworkID() GUID  { return b.id }
func (b *beacon) TypeName() string { return "facade.Beacon" }

func (b *beacon) Serialize(s *Stream) error {
	s.AppendVarStr(b.Label)
	s.AppendInt32(b.Charge)
	return nil
}

func (b *beacon) Deserialize(s *Stream) error {
	b.Label = s.ReadVarStr()
	b.Charge = s.ReadInt32()
	return nil
}

func registerBeacon(s *Session) {
	s.RegisterType("facade.Beacon", func() Object { return newBeacon("") })
}

func TestSpawnRequiresConnectedSession(t *testing.T) {
	session := NewSession(facadeConfig("facade-gate"), nil)
	registerBeacon(session)

	light := newBeacon("lighthouse")
	if err := session.SpawnObject(light); err == nil {
		t.Fatalf("spawn on an offline session should have failed")
	}
	assert.Equal(t, 0, session.Replicator().NumObjects())

	if err := session.StartServer(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	if err := session.SpawnObject(light); err != nil {
		t.Fatalf("spawn on a connected session: %v", err)
	}
	assert.Equal(t, 1, session.Replicator().NumObjects())

	session.Stop()
	if err := session.DespawnObject(light); err == nil {
		t.Fatalf("despawn on a stopped session should have failed")
	}
}

func TestSessionEndToEnd(t *testing.T) {
	server := NewSession(facadeConfig("facade-e2e"), nil)
	if err := server.StartServer(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer server.Stop()
	client := NewSession(facadeConfig("facade-e2e"), nil)
	if err := client.StartClient(); err != nil {
		t.Fatalf("start client: %v", err)
	}
	defer client.Stop()

	ping := RPCInfo{
		Direction: replica.DIR_SERVER_ONLY,
		Channel:   transport.CHANNEL_RELIABLE_ORDERED,
		Execute: func(obj Object, args *Stream) {
			b := obj.(*beacon)
			b.pings++
			b.Charge += args.ReadInt32()
		},
	}
	for _, s := range []*Session{server, client} {
		registerBeacon(s)
		s.RegisterRPC("facade.Beacon", "Ping", ping)
	}
	pump(server, client)
	assert.Equal(t, ClientID(2), client.LocalClientID())

	light := newBeacon("harbor")
	light.Charge = 5
	if err := server.SpawnObject(light); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	pump(server, client)

	mirror, ok := client.Replicator().GetObject(light.NetworkID()).(*beacon)
	if !ok {
		t.Fatalf("beacon did not reach the client")
	}
	assert.Equal(t, "harbor", mirror.Label)
	assert.Equal(t, int32(5), mirror.Charge)

	args := client.BeginInvoke()
	args.AppendInt32(3)
	// server-only, so the invoking client must not run it locally
	assert.Equal(t, false, client.EndInvoke(mirror, "facade.Beacon", "Ping", args))
	pump(client, server)
	assert.Equal(t, 1, light.pings)
	assert.Equal(t, int32(8), light.Charge)
	assert.Equal(t, 0, mirror.pings)

	if err := server.DespawnObject(light); err != nil {
		t.Fatalf("despawn: %v", err)
	}
	pump(server, client)
	assert.Equal(t, (*ReplicatedObject)(nil), client.Replicator().GetRecord(light.NetworkID()))
}

func TestCustomDriverRegistration(t *testing.T) {
	var gotOpts transport.Options
	RegisterDriver("facade-custom", func(opts transport.Options) (transport.Driver, error) {
		gotOpts = opts
		return nil, errors.Errorf("custom driver declined")
	})
	cfg := facadeConfig("unused")
	cfg.Driver = "facade-custom"
	session := NewSession(cfg, nil)
	session.DriverOptions = transport.Options{"flavor": "test"}

	// the registered factory is consulted, its failure aborts the start
	err := session.StartServer()
	if err == nil {
		t.Fatalf("start should have failed through the custom factory")
	}
	assert.Equal(t, "test", gotOpts.Str("flavor", ""))
	assert.Equal(t, netman.STATE_OFFLINE, session.State())
}
