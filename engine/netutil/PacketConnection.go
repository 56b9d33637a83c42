package netutil

import (
	"fmt"
	"net"

	"github.com/helixengine/helixnet/engine/consts"
	"github.com/helixengine/helixnet/engine/hxioutil"
	"github.com/helixengine/helixnet/engine/hxlog"
	"github.com/pkg/errors"
)

// PacketConnection sends and receives packets upon a stream connection.
// Each packet is preceded by a fixed-size little-endian payload length field.
type PacketConnection struct {
	conn Connection
}

// NewPacketConnection creates a packet connection based on a stream connection
func NewPacketConnection(conn Connection) PacketConnection {
	return PacketConnection{
		conn: conn,
	}
}

// NewPacket allocates a new packet (usually for sending)
func (pc PacketConnection) NewPacket() *Packet {
	return allocPacket()
}

// SendPacket writes one packet to the connection. The packet is not released.
func (pc PacketConnection) SendPacket(packet *Packet) error {
	packet.prepareSend()
	if consts.DEBUG_PACKETS {
		hxlog.Debugf("%s SEND PACKET: %v", pc, packet.data())
	}
	return hxioutil.WriteAll(pc.conn, packet.data())
}

// RecvPacket reads the next packet from the connection; the caller owns the
// returned packet and must release it
func (pc PacketConnection) RecvPacket() (*Packet, error) {
	packet := allocPacket()

	payloadLenBuf := packet.bytes[:_SIZE_FIELD_SIZE]
	err := hxioutil.ReadAll(pc.conn, payloadLenBuf)
	if err != nil {
		packet.Release()
		return nil, err
	}

	payloadLen := NETWORK_ENDIAN.Uint32(payloadLenBuf)
	if payloadLen > _MAX_PAYLOAD_LENGTH {
		packet.Release()
		return nil, errors.Errorf("packet too large: payload length %d", payloadLen)
	}

	packet.AssureCapacity(payloadLen)
	err = hxioutil.ReadAll(pc.conn, packet.bytes[_PREPAYLOAD_SIZE:_PREPAYLOAD_SIZE+payloadLen])
	if err != nil {
		packet.Release()
		return nil, err
	}

	packet.SetPayloadLen(payloadLen)
	if consts.DEBUG_PACKETS {
		hxlog.Debugf("%s RECV PACKET: %v", pc, packet.data())
	}
	return packet, nil
}

// Flush flushes the underlying connection
func (pc PacketConnection) Flush() error {
	return pc.conn.Flush()
}

// Close closes the underlying connection
func (pc PacketConnection) Close() error {
	return pc.conn.Close()
}

// RemoteAddr returns the remote address
func (pc PacketConnection) RemoteAddr() net.Addr {
	return pc.conn.RemoteAddr()
}

// LocalAddr returns the local address
func (pc PacketConnection) LocalAddr() net.Addr {
	return pc.conn.LocalAddr()
}

func (pc PacketConnection) String() string {
	return fmt.Sprintf("[%s >>> %s]", pc.LocalAddr(), pc.RemoteAddr())
}
