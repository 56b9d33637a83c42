// Package netman runs a replication session over a transport driver: it owns
// the connection tables, performs the handshake, drives the replicator tick
// and implements replica.Peer for it. One Manager is one session, started as
// a server, a client or a host (a server with a local client on top).
package netman

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	timer "github.com/xiaonanln/goTimer"

	"github.com/helixengine/helixnet/engine/common"
	"github.com/helixengine/helixnet/engine/config"
	"github.com/helixengine/helixnet/engine/consts"
	"github.com/helixengine/helixnet/engine/hxlog"
	"github.com/helixengine/helixnet/engine/hxutils"
	"github.com/helixengine/helixnet/engine/keyreg"
	"github.com/helixengine/helixnet/engine/netutil"
	"github.com/helixengine/helixnet/engine/opmon"
	"github.com/helixengine/helixnet/engine/post"
	"github.com/helixengine/helixnet/engine/proto"
	"github.com/helixengine/helixnet/engine/replica"
	"github.com/helixengine/helixnet/engine/transport"
)

// State is the lifecycle state of a session
type State int

const (
	// STATE_OFFLINE is a session that is not started
	STATE_OFFLINE State = iota
	// STATE_STARTING is a session bringing up its driver
	STATE_STARTING
	// STATE_CONNECTING is a client waiting for its handshake reply
	STATE_CONNECTING
	// STATE_CONNECTED is a running session
	STATE_CONNECTED
	// STATE_DISCONNECTING is a session tearing down
	STATE_DISCONNECTING
)

func (s State) String() string {
	switch s {
	case STATE_OFFLINE:
		return "Offline"
	case STATE_STARTING:
		return "Starting"
	case STATE_CONNECTING:
		return "Connecting"
	case STATE_CONNECTED:
		return "Connected"
	case STATE_DISCONNECTING:
		return "Disconnecting"
	default:
		return fmt.Sprintf("State<%d>", int(s))
	}
}

const (
	modeNone = iota
	modeServer
	modeClient
	modeHost
)

const _TICK_WARN_THRESHOLD = time.Millisecond * 100

// Manager is one replication session. It is constructed offline so the
// application can register object types, serializers and procedures before
// choosing a mode; StartServer, StartClient or StartHost brings it online.
//
// Update must run on a single goroutine (the manager goroutine); every other
// exported method is safe to call from anywhere. Delegate callbacks run on
// the manager goroutine, except those raised by Start and Stop, which run on
// the caller's.
type Manager struct {
	cfg      *config.NetworkConfig
	delegate IManagerDelegate

	// DriverOptions configures the transport driver created at start,
	// normally config.GetDriverOptions of the configured driver. Set before
	// starting.
	DriverOptions transport.Options

	// HandshakePayload is the opaque application blob a client carries in its
	// handshake; the server delegate sees it in OnClientConnecting. Set
	// before starting.
	HandshakePayload []byte

	keys       *keyreg.KeyTable
	replicator *replica.Replicator
	posts      *post.Queue

	// tableLock guards the session state and the connection tables. It ranks
	// below the replicator mutex: the replicator calls the Peer methods while
	// locked, so nothing may call into the replicator while holding it.
	tableLock     sync.RWMutex
	state         State
	mode          int
	driver        transport.Driver
	serverConn    transport.ConnID
	localClientID common.ClientID
	hostClientID  common.ClientID
	nextClientID  common.ClientID
	clients       map[common.ClientID]*Client
	conns         map[transport.ConnID]*Client
	connected     []common.ClientID

	frame         uint32
	lastFrameTime time.Time

	terminated *xnsyncutil.OneTimeCond
}

// NewManager creates an offline session. A nil cfg reads the [network]
// section of the config file; a nil delegate installs the no-op
// ManagerDelegate. cfg is not copied and must not change after this.
func NewManager(cfg *config.NetworkConfig, delegate IManagerDelegate) *Manager {
	if cfg == nil {
		cfg = config.GetNetwork()
	}
	if delegate == nil {
		delegate = &ManagerDelegate{}
	}
	m := &Manager{
		cfg:          cfg,
		delegate:     delegate,
		keys:         keyreg.NewKeyTable(false),
		posts:        post.NewQueue(),
		clients:      map[common.ClientID]*Client{},
		conns:        map[transport.ConnID]*Client{},
		nextClientID: common.ServerClientID + 1,
		terminated:   xnsyncutil.NewOneTimeCond(),
	}
	m.replicator = replica.NewReplicator(m, m.keys)
	return m
}

func (m *Manager) String() string {
	m.tableLock.RLock()
	mode := m.mode
	m.tableLock.RUnlock()
	switch mode {
	case modeServer:
		return "Manager<server>"
	case modeClient:
		return "Manager<client>"
	case modeHost:
		return "Manager<host>"
	default:
		return "Manager<offline>"
	}
}

// Replicator returns the session's object replicator
func (m *Manager) Replicator() *replica.Replicator { return m.replicator }

// Keys returns the session's identity key table
func (m *Manager) Keys() *keyreg.KeyTable { return m.keys }

// Config returns the session's network config
func (m *Manager) Config() *config.NetworkConfig { return m.cfg }

// Post schedules f to run at the end of a manager tick, from any goroutine
func (m *Manager) Post(f post.Callback) { m.posts.Post(f) }

// State returns the session's lifecycle state
func (m *Manager) State() State {
	m.tableLock.RLock()
	defer m.tableLock.RUnlock()
	return m.state
}

// StartServer starts listening for clients on the configured driver and
// address
func (m *Manager) StartServer() error { return m.start(modeServer) }

// StartClient connects to a server on the configured driver and address. A
// nil error means the connection is up and the handshake is in flight; the
// session turns Connected (or falls back Offline) during a later Update.
func (m *Manager) StartClient() error { return m.start(modeClient) }

// StartHost starts a server that also carries a local client, for sessions
// where one player's process is the authority. The local client gets a
// client id but no connection; its traffic short-circuits in memory.
func (m *Manager) StartHost() error { return m.start(modeHost) }

func (m *Manager) start(mode int) error {
	m.tableLock.Lock()
	if m.state != STATE_OFFLINE {
		state := m.state
		m.tableLock.Unlock()
		return errors.Errorf("netman: cannot start, session is %s", state)
	}
	m.state = STATE_STARTING
	m.mode = mode
	m.tableLock.Unlock()
	m.delegateStateChanged(STATE_STARTING)

	m.keys.SetServer(mode != modeClient)

	driver, err := transport.NewDriver(m.cfg.Driver, m.DriverOptions)
	if err != nil {
		m.abortStart(nil)
		return errors.Wrapf(err, "netman: driver %s", m.cfg.Driver)
	}
	addr := fmt.Sprintf("%s:%d", m.cfg.Address, m.cfg.Port)
	m.setState(STATE_CONNECTING)

	if mode == modeClient {
		conn, err := driver.Connect(addr)
		if err != nil {
			m.abortStart(driver)
			return errors.Wrapf(err, "netman: connect %s", addr)
		}
		m.tableLock.Lock()
		m.driver = driver
		m.serverConn = conn
		m.tableLock.Unlock()

		packet := proto.MakeHandshakePacket(proto.ENGINE_BUILD, m.cfg.ProtocolVersion, m.cfg.GameProtocolVersion, m.HandshakePayload)
		if err := driver.Send(transport.CHANNEL_RELIABLE_ORDERED, packet, conn); err != nil {
			packet.Release()
			m.abortStart(driver)
			return errors.Wrap(err, "netman: send handshake")
		}
		packet.Release()
		hxlog.Infof("%s: connecting to %s, handshake sent", m, addr)
		return nil
	}

	if err := driver.Listen(addr); err != nil {
		m.abortStart(driver)
		return errors.Wrapf(err, "netman: listen %s", addr)
	}
	var hostID common.ClientID
	m.tableLock.Lock()
	m.driver = driver
	m.localClientID = common.ServerClientID
	if mode == modeHost {
		hostID = m.nextClientID
		m.nextClientID++
		m.hostClientID = hostID
		m.clients[hostID] = &Client{
			ClientID:      hostID,
			handshaked:    true,
			connectedTime: time.Now(),
		}
	}
	m.tableLock.Unlock()
	m.setState(STATE_CONNECTED)
	hxlog.Infof("%s: serving on %s (driver %s, max %d clients)", m, addr, m.cfg.Driver, m.cfg.MaxClients)
	if mode == modeHost {
		m.delegateClientConnected(hostID)
	}
	return nil
}

// abortStart rolls a failed start back to Offline
func (m *Manager) abortStart(driver transport.Driver) {
	if driver != nil {
		driver.Close()
	}
	m.tableLock.Lock()
	m.state = STATE_OFFLINE
	m.mode = modeNone
	m.driver = nil
	m.serverConn = transport.NilConnID
	m.tableLock.Unlock()
	m.delegateStateChanged(STATE_OFFLINE)
}

// Stop ends the session from any state: every connection is dropped, the
// replicator is reset and the manager returns to Offline, ready to start
// again. A Run loop driving this manager exits on its next tick.
func (m *Manager) Stop() {
	m.tableLock.Lock()
	if m.state == STATE_OFFLINE || m.state == STATE_DISCONNECTING {
		m.tableLock.Unlock()
		return
	}
	m.state = STATE_DISCONNECTING
	m.tableLock.Unlock()
	m.delegateStateChanged(STATE_DISCONNECTING)
	m.teardown()
}

// teardown clears every table, closes the driver, resets the replicator and
// lands in Offline. Callers moved the state to Disconnecting already.
func (m *Manager) teardown() {
	m.tableLock.Lock()
	driver := m.driver
	var selfID common.ClientID
	switch m.mode {
	case modeClient:
		selfID = m.localClientID
	case modeHost:
		selfID = m.hostClientID
	}
	m.mode = modeNone
	m.driver = nil
	m.serverConn = transport.NilConnID
	m.localClientID = common.NilClientID
	m.hostClientID = common.NilClientID
	m.nextClientID = common.ServerClientID + 1
	m.clients = map[common.ClientID]*Client{}
	m.conns = map[transport.ConnID]*Client{}
	m.connected = nil
	m.frame = 0
	m.state = STATE_OFFLINE
	m.tableLock.Unlock()

	if driver != nil {
		if err := driver.Close(); err != nil {
			hxlog.Errorf("netman: driver close failed: %v", err)
		}
	}
	m.replicator.Reset()
	m.keys.Reset()
	if !selfID.IsNil() {
		m.delegateClientDisconnected(selfID)
	}
	hxlog.Infof("netman: session is offline")
	m.delegateStateChanged(STATE_OFFLINE)
}

func (m *Manager) setState(state State) {
	m.tableLock.Lock()
	if m.state == state {
		m.tableLock.Unlock()
		return
	}
	m.state = state
	m.tableLock.Unlock()
	m.delegateStateChanged(state)
}

// Update runs one manager tick: transport events, then the replicator tick,
// then the posted callbacks and the handshake timeout sweep. Applications
// with their own main loop call it once per loop iteration; everyone else
// lets Run drive it.
func (m *Manager) Update() {
	if m.State() == STATE_OFFLINE {
		return
	}

	op := opmon.StartOperation("netman.events")
	m.processEvents()
	op.Finish(_TICK_WARN_THRESHOLD)

	// handling events may have torn the session down (handshake rejected,
	// server lost)
	if m.State() == STATE_OFFLINE {
		return
	}

	m.advanceFrameIfDue(time.Now())
	op = opmon.StartOperation("netman.replicate")
	m.replicator.Update()
	op.Finish(_TICK_WARN_THRESHOLD)

	m.posts.Tick()
	m.sweepPendingHandshakes(time.Now())
}

// advanceFrameIfDue moves the network frame forward when NetworkFPS allows:
// negative keeps the frame still (state replication off, messaging keeps
// running), zero advances every tick, positive advances at that rate.
func (m *Manager) advanceFrameIfDue(now time.Time) {
	fps := m.cfg.NetworkFPS
	if fps < 0 {
		return
	}
	m.tableLock.Lock()
	defer m.tableLock.Unlock()
	if fps > 0 {
		interval := time.Duration(float64(time.Second) / fps)
		if now.Sub(m.lastFrameTime) < interval {
			return
		}
		m.lastFrameTime = now
	}
	m.frame++
}

// Run drives the session on its own loop until it goes offline: Update is
// scheduled as a repeating timer and due timers fire every
// consts.MANAGER_TICK_INTERVAL. It blocks; applications usually run it on a
// dedicated goroutine and wait on WaitTerminated. Applications with their own
// main loop skip Run and call Update themselves.
func (m *Manager) Run() {
	hxutils.RepeatUntilPanicless(m.serveRoutine)
	m.terminated.Signal()
}

func (m *Manager) serveRoutine() {
	updateTimer := timer.AddTimer(consts.MANAGER_TICK_INTERVAL, m.Update)
	defer updateTimer.Cancel()
	ticker := time.Tick(consts.MANAGER_TICK_INTERVAL)
	for range ticker {
		if m.State() == STATE_OFFLINE {
			return
		}
		timer.Tick()
	}
}

// WaitTerminated blocks until Run has exited
func (m *Manager) WaitTerminated() {
	m.terminated.Wait()
}

// IsServer reports whether this session authors the authoritative world,
// true for servers and hosts
func (m *Manager) IsServer() bool {
	m.tableLock.RLock()
	defer m.tableLock.RUnlock()
	return m.mode == modeServer || m.mode == modeHost
}

// IsClient reports whether this session carries a local client, true for
// clients and hosts
func (m *Manager) IsClient() bool {
	m.tableLock.RLock()
	defer m.tableLock.RUnlock()
	return m.mode == modeClient || m.mode == modeHost
}

// LocalClientID returns this peer's own client id: the server id on servers
// and hosts, the assigned id on a connected client, nil before that
func (m *Manager) LocalClientID() common.ClientID {
	m.tableLock.RLock()
	defer m.tableLock.RUnlock()
	return m.localClientID
}

// HostClientID returns the client id of the host's local client, nil on
// every other mode
func (m *Manager) HostClientID() common.ClientID {
	m.tableLock.RLock()
	defer m.tableLock.RUnlock()
	return m.hostClientID
}

// Frame returns the current network frame
func (m *Manager) Frame() uint32 {
	m.tableLock.RLock()
	defer m.tableLock.RUnlock()
	return m.frame
}

// MTU returns the driver's MTU, 0 while the session is offline
func (m *Manager) MTU() int {
	m.tableLock.RLock()
	driver := m.driver
	m.tableLock.RUnlock()
	if driver == nil {
		return 0
	}
	return driver.MTU()
}

// ConnectedClients returns the addressable client ids in ascending order:
// every handshaked client on a server, just the server on a client. The
// returned slice is shared; callers must not mutate it.
func (m *Manager) ConnectedClients() []common.ClientID {
	m.tableLock.RLock()
	defer m.tableLock.RUnlock()
	return m.connected
}

// Send transmits packet to the given clients on channel. Ids without a live
// connection are skipped: disconnects race with sends, and a host's local
// client needs no transport. The packet stays owned by the caller.
func (m *Manager) Send(channel transport.Channel, packet *netutil.Packet, to ...common.ClientID) {
	m.tableLock.RLock()
	driver := m.driver
	conns := make([]transport.ConnID, 0, len(to))
	if m.mode == modeClient {
		for _, clientid := range to {
			if clientid.IsServer() && m.serverConn != transport.NilConnID {
				conns = append(conns, m.serverConn)
			}
		}
	} else {
		for _, clientid := range to {
			if c := m.clients[clientid]; c != nil && c.Conn != transport.NilConnID {
				conns = append(conns, c.Conn)
			}
		}
	}
	m.tableLock.RUnlock()

	if driver == nil || len(conns) == 0 {
		return
	}
	if err := driver.Send(channel, packet, conns...); err != nil {
		hxlog.Errorf("%s: send on %s failed: %v", m, channel, err)
	}
}

// Clients returns a snapshot of the handshaked clients, ordered by id. On a
// host the local client is included.
func (m *Manager) Clients() []*Client {
	m.tableLock.RLock()
	out := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	m.tableLock.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// NumClients returns the number of handshaked clients, the host's local
// client included
func (m *Manager) NumClients() int {
	m.tableLock.RLock()
	defer m.tableLock.RUnlock()
	return len(m.clients)
}

// connected is rebuilt on every table change so ConnectedClients stays a
// cheap read; ascending order keeps broadcast order deterministic
func (m *Manager) rebuildConnectedLocked() {
	if m.mode == modeClient {
		if m.state == STATE_CONNECTED {
			m.connected = []common.ClientID{common.ServerClientID}
		} else {
			m.connected = nil
		}
		return
	}
	ids := make([]common.ClientID, 0, len(m.clients))
	for clientid, c := range m.clients {
		if c.Conn != transport.NilConnID {
			ids = append(ids, clientid)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	m.connected = ids
}

func (m *Manager) delegateStateChanged(state State) {
	hxutils.RunPanicless(func() { m.delegate.OnStateChanged(state) })
}

func (m *Manager) delegateClientConnected(clientid common.ClientID) {
	hxutils.RunPanicless(func() { m.delegate.OnClientConnected(clientid) })
}

func (m *Manager) delegateClientDisconnected(clientid common.ClientID) {
	hxutils.RunPanicless(func() { m.delegate.OnClientDisconnected(clientid) })
}
