package netman

import (
	"github.com/helixengine/helixnet/engine/common"
	"github.com/helixengine/helixnet/engine/proto"
)

// IManagerDelegate receives session events from a Manager. Callbacks run on
// the manager goroutine (those raised by Start and Stop on the caller's) and
// must not block; a panicking callback is logged and dropped.
type IManagerDelegate interface {
	// OnClientConnecting runs on the server while a client's handshake is
	// being decided, with the payload the client sent. Returning anything
	// but HANDSHAKE_RESULT_OK rejects the client with that result.
	OnClientConnecting(clientid common.ClientID, payload []byte) proto.HandshakeResult
	// OnClientConnected runs on the server when a client completed its
	// handshake, and on a host for its local client.
	OnClientConnected(clientid common.ClientID)
	// OnClientDisconnected runs on the server when a connected client is
	// removed, after its owned objects were despawned; on a client it runs
	// for the local client when the session ends.
	OnClientDisconnected(clientid common.ClientID)
	// OnStateChanged runs on every session state transition.
	OnStateChanged(state State)
}

// ManagerDelegate accepts everyone and ignores every event; embed it to
// override just the callbacks you care about.
type ManagerDelegate struct {
}

func (d *ManagerDelegate) OnClientConnecting(clientid common.ClientID, payload []byte) proto.HandshakeResult {
	return proto.HANDSHAKE_RESULT_OK
}

func (d *ManagerDelegate) OnClientConnected(clientid common.ClientID) {
}

func (d *ManagerDelegate) OnClientDisconnected(clientid common.ClientID) {
}

func (d *ManagerDelegate) OnStateChanged(state State) {
}
