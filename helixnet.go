package helixnet

import (
	"github.com/helixengine/helixnet/engine/common"
	"github.com/helixengine/helixnet/engine/config"
	"github.com/helixengine/helixnet/engine/netman"
	"github.com/helixengine/helixnet/engine/replica"
	"github.com/helixengine/helixnet/engine/transport"

	// the built-in transport drivers register themselves on import
	_ "github.com/helixengine/helixnet/engine/transport/kcptrans"
	_ "github.com/helixengine/helixnet/engine/transport/localtrans"
	_ "github.com/helixengine/helixnet/engine/transport/quictrans"
)

// Session is one replication session: a server, a client or a host,
// depending on how it is started
type Session = netman.Manager

// ISessionDelegate receives the session's public events; embed
// SessionDelegate and override what you need
type ISessionDelegate = netman.IManagerDelegate

// SessionDelegate is the no-op base for session delegates
type SessionDelegate = netman.ManagerDelegate

// State is the lifecycle state of a session
type State = netman.State

// Client describes one handshaked client on a server session
type Client = netman.Client

// NetworkConfig carries the [network] settings of a session
type NetworkConfig = config.NetworkConfig

// Object is anything the engine can replicate
type Object = replica.Object

// ReplicatedObject is the engine's record of one replicated object
type ReplicatedObject = replica.ReplicatedObject

// Role tells how this peer relates to an object
type Role = replica.Role

// RPCInfo describes one registered procedure
type RPCInfo = replica.RPCInfo

// Stream reads and writes replicated state and procedure arguments
type Stream = replica.Stream

// Hierarchy decides which objects replicate to which clients each frame
type Hierarchy = replica.Hierarchy

// GUID is the 128-bit network identity of objects, prefabs and keys
type GUID = common.GUID

// ClientID is the small integer identity of a connected client
type ClientID = common.ClientID

// NewSession creates an offline session. A nil cfg reads the config file and
// also applies its [driver.*] section for the configured driver; with a
// programmatic cfg no file is touched and driver options stay at their
// defaults until the caller sets Session.DriverOptions. A nil delegate
// installs the no-op SessionDelegate.
//
// The session starts Offline: register object types and procedures on it,
// then bring it up with StartServer, StartClient or StartHost.
func NewSession(cfg *NetworkConfig, delegate ISessionDelegate) *Session {
	s := netman.NewManager(cfg, delegate)
	if cfg == nil {
		s.DriverOptions = transport.Options(config.GetDriverOptions(s.Config().Driver))
	}
	return s
}

// GenGUID generates a new random GUID
func GenGUID() GUID {
	return common.GenGUID()
}

// SetConfigFile sets the config file path (helixnet.ini by default)
func SetConfigFile(path string) {
	config.SetConfigFile(path)
}

// RegisterDriver makes a custom transport driver available to sessions under
// the given name; the built-in "local", "kcp" and "quic" drivers are always
// available
func RegisterDriver(name string, factory transport.Factory) {
	transport.Register(name, factory)
}
