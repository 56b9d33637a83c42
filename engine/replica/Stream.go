package replica

import (
	"github.com/helixengine/helixnet/engine/common"
	"github.com/helixengine/helixnet/engine/keyreg"
	"github.com/helixengine/helixnet/engine/netutil"
)

// Stream is the context object state and RPC arguments are serialized
// through. It couples a packet with the session's identity-key table, so ids
// and type names written inside payloads travel as small interned indices
// once both sides know them. Message headers keep raw ids; interning applies
// only inside payload streams.
//
// Release the stream's packet when done; Stream shares the packet's pooled
// lifetime.
type Stream struct {
	*netutil.Packet
	Keys *keyreg.KeyTable
	// Sender is the client id of the writing peer; set on streams handed to
	// RPC executors and deserializers
	Sender common.ClientID
}

// NewStream allocates a stream backed by a fresh packet
func NewStream(keys *keyreg.KeyTable) *Stream {
	return &Stream{Packet: netutil.NewPacket(), Keys: keys}
}

// NewStreamWithPayload allocates a stream whose packet starts with payload
func NewStreamWithPayload(keys *keyreg.KeyTable, payload []byte) *Stream {
	return &Stream{Packet: netutil.NewPacketWithPayload(payload), Keys: keys}
}

// WriteID appends an object id, interned through the key table
func (s *Stream) WriteID(id common.GUID) {
	s.Keys.WriteGUID(s.Packet, id)
}

// ReadID reads an object id written by WriteID
func (s *Stream) ReadID() common.GUID {
	return s.Keys.ReadGUID(s.Packet)
}

// WriteName appends a type name, interned through the key table
func (s *Stream) WriteName(name string) {
	s.Keys.WriteTypeName(s.Packet, name)
}

// ReadName reads a type name written by WriteName
func (s *Stream) ReadName() string {
	return s.Keys.ReadTypeName(s.Packet)
}
