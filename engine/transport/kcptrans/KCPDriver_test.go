package kcptrans

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

func TestKCPRoundTrip(t *testing.T) {
	server := NewKCPDriver(nil)
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	client := NewKCPDriver(nil)
	defer client.Close()
	clientConn, err := client.Connect(server.BoundAddr())
	assert.Equal(t, nil, err)

	pkt := netutil.NewPacket()
	pkt.AppendVarStr("ping")
	client.Send(transport.CHANNEL_RELIABLE_ORDERED, pkt, clientConn)
	pkt.Release()

	ev := waitEvent(t, server, 5*time.Second)
	assert.Equal(t, transport.EVENT_CONNECTED, ev.Kind)
	serverConn := ev.Conn

	ev = waitEvent(t, server, 5*time.Second)
	assert.Equal(t, transport.EVENT_MESSAGE, ev.Kind)
	assert.Equal(t, serverConn, ev.Conn)
	assert.Equal(t, "ping", ev.Packet.ReadVarStr())
	ev.Packet.Release()

	reply := netutil.NewPacket()
	reply.AppendVarStr("pong")
	server.Send(transport.CHANNEL_RELIABLE_ORDERED, reply, serverConn)
	reply.Release()

	ev = waitEvent(t, client, 5*time.Second)
	assert.Equal(t, transport.EVENT_MESSAGE, ev.Kind)
	assert.Equal(t, clientConn, ev.Conn)
	assert.Equal(t, "pong", ev.Packet.ReadVarStr())
	ev.Packet.Release()
}

func TestKCPOrderingUnderBurst(t *testing.T) {
	server := NewKCPDriver(nil)
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	client := NewKCPDriver(nil)
	defer client.Close()
	clientConn, err := client.Connect(server.BoundAddr())
	assert.Equal(t, nil, err)

	const numPackets = 200
	for i := 0; i < numPackets; i++ {
		pkt := netutil.NewPacket()
		pkt.AppendUint32(uint32(i))
		// unreliable channels ride the same ordered stream on KCP
		client.Send(transport.CHANNEL_UNRELIABLE, pkt, clientConn)
		pkt.Release()
	}

	ev := waitEvent(t, server, 5*time.Second)
	assert.Equal(t, transport.EVENT_CONNECTED, ev.Kind)

	for i := 0; i < numPackets; i++ {
		ev = waitEvent(t, server, 5*time.Second)
		assert.Equal(t, transport.EVENT_MESSAGE, ev.Kind)
		assert.Equal(t, uint32(i), ev.Packet.ReadUint32())
		ev.Packet.Release()
	}
}

func TestKCPLargePacket(t *testing.T) {
	server := NewKCPDriver(nil)
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	client := NewKCPDriver(nil)
	defer client.Close()
	clientConn, err := client.Connect(server.BoundAddr())
	assert.Equal(t, nil, err)

	payload := make([]byte, 100*1024)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	pkt := netutil.NewPacket()
	pkt.AppendVarBytes(payload)
	client.Send(transport.CHANNEL_RELIABLE_ORDERED, pkt, clientConn)
	pkt.Release()

	ev := waitEvent(t, server, 10*time.Second)
	assert.Equal(t, transport.EVENT_CONNECTED, ev.Kind)
	ev = waitEvent(t, server, 10*time.Second)
	assert.Equal(t, transport.EVENT_MESSAGE, ev.Kind)
	assert.Equal(t, payload, ev.Packet.ReadVarBytes())
	ev.Packet.Release()
}

func TestKCPCompressedConnection(t *testing.T) {
	opts := transport.Options{"compress": "true"}
	server := NewKCPDriver(opts)
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	client := NewKCPDriver(opts)
	defer client.Close()
	clientConn, err := client.Connect(server.BoundAddr())
	assert.Equal(t, nil, err)

	pkt := netutil.NewPacket()
	pkt.AppendVarStr("compressed hello")
	client.Send(transport.CHANNEL_RELIABLE_ORDERED, pkt, clientConn)
	pkt.Release()

	ev := waitEvent(t, server, 5*time.Second)
	assert.Equal(t, transport.EVENT_CONNECTED, ev.Kind)
	ev = waitEvent(t, server, 5*time.Second)
	assert.Equal(t, "compressed hello", ev.Packet.ReadVarStr())
	ev.Packet.Release()
}

func TestKCPFactoryRegistration(t *testing.T) {
	d, err := transport.NewDriver("kcp", transport.Options{"mtu": "1000"})
	assert.Equal(t, nil, err)
	assert.Equal(t, 1000, d.MTU())
	d.Close()
}
