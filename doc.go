/*
Package helixnet is the networked object replication core of the Helix engine.
It keeps a set of game objects in sync between one server and any number of
clients: objects spawn, replicate their state at a configurable rate, carry
remote procedures and despawn, over pluggable transport drivers.

Sessions

All networking happens inside a Session. A Session is started in one of three
modes: StartServer listens for clients and owns the authoritative world,
StartClient connects to a server, and StartHost runs a server that also
carries a local client for the hosting player. Sessions are plain values: a
process can run several of them, and a stopped session can be started again.

The session delegate receives the public events: clients connecting (with the
chance to reject them), connected, disconnected, and session state changes.

Replicated objects

Anything implementing the Object interface can replicate: it needs a stable
128-bit NetworkID and a TypeName registered on the session. The owner calls
SpawnObject to announce an object; the other peers construct their copy
through the registered type factory and keep it in sync until DespawnObject.
Each peer sees the object through a role: OwnedAuthoritative on the peer that
writes state, Replicated everywhere else. Ownership can be transferred at
runtime, including to a client.

Objects serialize through their own Serialize/Deserialize methods when they
have them, otherwise through a registered serializer, otherwise through the
msgpack fallback.

Procedures

Procedures registered per object type run on remote peers: BeginInvoke opens
an argument stream, EndInvoke sends it to the procedure's direction (server
only, client only, or both). Arguments travel as an opaque stream; the
registered handler decodes them on arrival.

Run loop

A session does its work inside Update: transport events, the replication
tick, posted callbacks. Call Update from the application's own main loop, or
let Session.Run drive it on a ticker until the session goes offline.

Transport drivers

Three drivers come built in: "local" connects sessions inside one process
(tests, host-only games), "kcp" runs over UDP with the KCP reliability layer,
and "quic" runs over QUIC using streams for reliable channels and datagrams
for unreliable ones. Custom drivers register through RegisterDriver.

Configuration

Sessions read helixnet.ini by default ([network] section plus one
[driver.xxx] section per driver), but a NetworkConfig can also be filled in
programmatically; no config file is required then.

A minimal server:

	import "github.com/helixengine/helixnet"

	func main() {
		session := helixnet.NewSession(nil, &MyDelegate{})
		session.RegisterType("Player", func() helixnet.Object { return &Player{} })
		session.RegisterType("Monster", func() helixnet.Object { return &Monster{} })
		if err := session.StartServer(); err != nil {
			panic(err)
		}
		session.Run()
	}
*/
package helixnet
