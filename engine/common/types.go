package common

import (
	"github.com/helixengine/helixnet/engine/hxlog"
	"github.com/helixengine/helixnet/engine/uuid"
)

// GUID_LENGTH is the length of object GUIDs in bytes
const GUID_LENGTH = uuid.UUID_LENGTH

// GUID is the globally unique identifier of a replicated object.
// GUIDs are compared byte-wise; the zero value identifies no object.
type GUID [GUID_LENGTH]byte

// NilGUID is the zero GUID
var NilGUID GUID

// IsNil returns if GUID is nil
func (id GUID) IsNil() bool {
	return id == NilGUID
}

// String formats GUID in canonical hyphenated hex form
func (id GUID) String() string {
	return uuid.FormatUUID(id)
}

// GenGUID generates a new GUID
func GenGUID() GUID {
	return GUID(uuid.GenUUID())
}

// MustGUID assures a byte slice to be a GUID
func MustGUID(b []byte) GUID {
	if len(b) != GUID_LENGTH {
		hxlog.Panicf("%x of len %d is not a valid GUID (len=%d)", b, len(b), GUID_LENGTH)
	}
	var id GUID
	copy(id[:], b)
	return id
}

// ClientID identifies a connected peer within a session. Ids are assigned
// by the server, monotonically, and are never reused for the lifetime of
// the session.
type ClientID uint32

const (
	// NilClientID is never assigned; in lookups it denotes the local peer itself
	NilClientID ClientID = 0
	// ServerClientID is the reserved id of the server peer
	ServerClientID ClientID = 1
)

// IsNil returns if ClientID is nil
func (id ClientID) IsNil() bool {
	return id == NilClientID
}

// IsServer returns if ClientID is the reserved server id
func (id ClientID) IsServer() bool {
	return id == ServerClientID
}
