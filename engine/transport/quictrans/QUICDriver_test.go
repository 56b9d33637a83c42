package quictrans

import (
	"testing"
	"time"

	"github.com/bmizerany/assert"

	"github.com/helixengine/helixnet/engine/netutil"
	"github.com/helixengine/helixnet/engine/transport"
)

func waitEvent(t *testing.T, d transport.Driver, timeout time.Duration) transport.Event {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ev, ok := d.PollEvent(); ok {
			return ev
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no event within %s", timeout)
	return transport.Event{}
}

// startPair connects a client to a fresh server. The server only sees the
// conn once the first reliable message arrives, so a hello is sent here.
func startPair(t *testing.T) (server, client *QUICDriver, serverConn, clientConn transport.ConnID) {
	server = NewQUICDriver(nil)
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	client = NewQUICDriver(nil)
	var err error
	clientConn, err = client.Connect(server.BoundAddr())
	if err != nil {
		t.Fatal(err)
	}

	hello := netutil.NewPacket()
	hello.AppendVarStr("hello")
	client.Send(transport.CHANNEL_RELIABLE_ORDERED, hello, clientConn)
	hello.Release()

	ev := waitEvent(t, server, 5*time.Second)
	assert.Equal(t, transport.EVENT_CONNECTED, ev.Kind)
	serverConn = ev.Conn

	ev = waitEvent(t, server, 5*time.Second)
	assert.Equal(t, transport.EVENT_MESSAGE, ev.Kind)
	assert.Equal(t, "hello", ev.Packet.ReadVarStr())
	ev.Packet.Release()
	return
}

func TestQUICRoundTrip(t *testing.T) {
	server, client, serverConn, clientConn := startPair(t)
	defer server.Close()
	defer client.Close()

	reply := netutil.NewPacket()
	reply.AppendVarStr("welcome")
	server.Send(transport.CHANNEL_RELIABLE_ORDERED, reply, serverConn)
	reply.Release()

	ev := waitEvent(t, client, 5*time.Second)
	assert.Equal(t, transport.EVENT_MESSAGE, ev.Kind)
	assert.Equal(t, clientConn, ev.Conn)
	assert.Equal(t, "welcome", ev.Packet.ReadVarStr())
	ev.Packet.Release()
}

func TestQUICStreamOrdering(t *testing.T) {
	server, client, _, clientConn := startPair(t)
	defer server.Close()
	defer client.Close()

	const numPackets = 100
	for i := 0; i < numPackets; i++ {
		pkt := netutil.NewPacket()
		pkt.AppendUint32(uint32(i))
		client.Send(transport.CHANNEL_RELIABLE_ORDERED, pkt, clientConn)
		pkt.Release()
	}
	for i := 0; i < numPackets; i++ {
		ev := waitEvent(t, server, 5*time.Second)
		assert.Equal(t, transport.EVENT_MESSAGE, ev.Kind)
		assert.Equal(t, uint32(i), ev.Packet.ReadUint32())
		ev.Packet.Release()
	}
}

func TestQUICDatagrams(t *testing.T) {
	server, client, serverConn, clientConn := startPair(t)
	defer server.Close()
	defer client.Close()

	pkt := netutil.NewPacket()
	pkt.AppendVarStr("state update")
	client.Send(transport.CHANNEL_UNRELIABLE, pkt, clientConn)
	pkt.Release()

	ev := waitEvent(t, server, 5*time.Second)
	assert.Equal(t, transport.EVENT_MESSAGE, ev.Kind)
	assert.Equal(t, serverConn, ev.Conn)
	assert.Equal(t, "state update", ev.Packet.ReadVarStr())
	ev.Packet.Release()

	// and server to client
	pkt = netutil.NewPacket()
	pkt.AppendVarStr("broadcast")
	server.Send(transport.CHANNEL_UNRELIABLE_ORDERED, pkt, serverConn)
	pkt.Release()

	ev = waitEvent(t, client, 5*time.Second)
	assert.Equal(t, transport.EVENT_MESSAGE, ev.Kind)
	assert.Equal(t, "broadcast", ev.Packet.ReadVarStr())
	ev.Packet.Release()
}

func TestQUICDisconnectNotifiesPeer(t *testing.T) {
	server, client, _, clientConn := startPair(t)
	defer server.Close()
	defer client.Close()

	client.Disconnect(clientConn)
	ev := waitEvent(t, server, 5*time.Second)
	assert.Equal(t, transport.EVENT_DISCONNECTED, ev.Kind)
}

func TestQUICFactoryRegistration(t *testing.T) {
	d, err := transport.NewDriver("quic", transport.Options{"mtu": "1100"})
	assert.Equal(t, nil, err)
	assert.Equal(t, 1100, d.MTU())
	d.Close()
}
