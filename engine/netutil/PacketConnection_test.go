package netutil

import (
	"net"
	"testing"

	"github.com/bmizerany/assert"
)

func TestPacketConnection(t *testing.T) {
	c1, c2 := net.Pipe()
	sender := NewPacketConnection(NetConn{c1})
	receiver := NewPacketConnection(NetConn{c2})
	defer sender.Close()
	defer receiver.Close()

	go func() {
		for i := 0; i < 3; i++ {
			pkt := NewPacket()
			pkt.AppendUint32(uint32(i))
			pkt.AppendVarStr("payload")
			if err := sender.SendPacket(pkt); err != nil {
				t.Errorf("send error: %v", err)
			}
			pkt.Release()
		}
	}()

	for i := 0; i < 3; i++ {
		pkt, err := receiver.RecvPacket()
		if err != nil {
			t.Fatalf("recv error: %v", err)
		}
		assert.Equal(t, uint32(i), pkt.ReadUint32())
		assert.Equal(t, "payload", pkt.ReadVarStr())
		pkt.Release()
	}
}

func TestPacketConnectionLargePacket(t *testing.T) {
	c1, c2 := net.Pipe()
	sender := NewPacketConnection(NetConn{c1})
	receiver := NewPacketConnection(NetConn{c2})
	defer sender.Close()
	defer receiver.Close()

	big := make([]byte, 300000)
	for i := range big {
		big[i] = byte(i * 7)
	}

	go func() {
		pkt := NewPacket()
		pkt.AppendVarBytes(big)
		if err := sender.SendPacket(pkt); err != nil {
			t.Errorf("send error: %v", err)
		}
		pkt.Release()
	}()

	pkt, err := receiver.RecvPacket()
	if err != nil {
		t.Fatalf("recv error: %v", err)
	}
	got := pkt.ReadVarBytes()
	assert.Equal(t, len(big), len(got))
	for i := range got {
		if got[i] != big[i] {
			t.Fatalf("payload corrupted at %d", i)
		}
	}
	pkt.Release()
}
