package netman

import (
	"time"

	"github.com/helixengine/helixnet/engine/common"
	"github.com/helixengine/helixnet/engine/consts"
	"github.com/helixengine/helixnet/engine/hxlog"
	"github.com/helixengine/helixnet/engine/hxutils"
	"github.com/helixengine/helixnet/engine/netutil"
	"github.com/helixengine/helixnet/engine/proto"
	"github.com/helixengine/helixnet/engine/transport"
)

// processEvents drains the driver's event queue. Handling an event may tear
// the session down; events left behind then are released unhandled.
func (m *Manager) processEvents() {
	m.tableLock.RLock()
	driver := m.driver
	m.tableLock.RUnlock()
	if driver == nil {
		return
	}
	for {
		ev, ok := driver.PollEvent()
		if !ok {
			return
		}
		if m.State() == STATE_OFFLINE {
			if ev.Packet != nil {
				ev.Packet.Release()
			}
			continue
		}
		m.handleEvent(ev)
	}
}

func (m *Manager) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EVENT_CONNECTED:
		m.handleConnected(ev.Conn)
	case transport.EVENT_DISCONNECTED, transport.EVENT_TIMEOUT:
		m.handleConnLost(ev.Conn, ev.Kind)
	case transport.EVENT_MESSAGE:
		// a malformed message panics in a packet read; drop it, keep the tick
		hxutils.RunPanicless(func() {
			m.handleMessage(ev.Conn, ev.Channel, ev.Packet)
		})
		ev.Packet.Release()
	default:
		hxlog.Errorf("%s: unknown transport event %s", m, ev.Kind)
	}
}

func (m *Manager) handleConnected(conn transport.ConnID) {
	if !m.IsServer() {
		hxlog.Warnf("%s: unexpected inbound connection %d", m, conn)
		return
	}
	m.tableLock.Lock()
	m.conns[conn] = &Client{Conn: conn, connectedTime: time.Now()}
	m.tableLock.Unlock()
	if consts.DEBUG_CLIENTS {
		hxlog.Debugf("%s: conn %d accepted, waiting for its handshake", m, conn)
	}
}

func (m *Manager) handleConnLost(conn transport.ConnID, kind transport.EventKind) {
	m.tableLock.RLock()
	clientMode := m.mode == modeClient
	isServerConn := conn == m.serverConn
	m.tableLock.RUnlock()
	if clientMode {
		if !isServerConn {
			return
		}
		hxlog.Warnf("%s: lost the server (%s)", m, kind)
		m.setState(STATE_DISCONNECTING)
		m.teardown()
		return
	}

	m.tableLock.Lock()
	c := m.conns[conn]
	if c == nil {
		m.tableLock.Unlock()
		return
	}
	delete(m.conns, conn)
	handshaked := c.handshaked
	clientid := c.ClientID
	if handshaked {
		delete(m.clients, clientid)
		m.rebuildConnectedLocked()
	}
	m.tableLock.Unlock()

	if !handshaked {
		if consts.DEBUG_CLIENTS {
			hxlog.Debugf("%s: conn %d gone before handshake (%s)", m, conn, kind)
		}
		return
	}
	hxlog.Infof("%s: client %d disconnected (%s)", m, clientid, kind)
	m.replicator.ClientLeft(clientid)
	m.delegateClientDisconnected(clientid)
}

func (m *Manager) handleMessage(conn transport.ConnID, channel transport.Channel, packet *netutil.Packet) {
	kind := proto.MsgKind(packet.ReadOneByte())
	switch kind {
	case proto.MT_HANDSHAKE:
		m.handleHandshake(conn, packet)
	case proto.MT_HANDSHAKE_REPLY:
		m.handleHandshakeReply(conn, packet)
	case proto.MT_KEY:
		m.handleKey(packet)
	default:
		sender, ok := m.senderOf(conn)
		if !ok {
			// either a protocol violation or an unreliable message that beat
			// the handshake reply; both are dropped
			if consts.DEBUG_PACKETS {
				hxlog.Debugf("%s: dropping %d from unestablished conn %d", m, kind, conn)
			}
			return
		}
		m.replicator.HandleMessage(sender, channel, kind, packet)
	}
}

// senderOf resolves a connection to the client id messages from it speak
// for: the handshaked client on a server, the server id on a connected
// client
func (m *Manager) senderOf(conn transport.ConnID) (common.ClientID, bool) {
	m.tableLock.RLock()
	defer m.tableLock.RUnlock()
	if m.mode == modeClient {
		if conn == m.serverConn && m.state == STATE_CONNECTED {
			return common.ServerClientID, true
		}
		return common.NilClientID, false
	}
	if c := m.conns[conn]; c != nil && c.handshaked {
		return c.ClientID, true
	}
	return common.NilClientID, false
}

func (m *Manager) handleHandshake(conn transport.ConnID, packet *netutil.Packet) {
	if !m.IsServer() {
		hxlog.Errorf("%s: handshake received on a non-server session", m)
		return
	}
	engineBuild := packet.ReadUint32()
	engineProto := packet.ReadUint32()
	gameProto := packet.ReadUint32()
	platform := packet.ReadOneByte()
	arch := packet.ReadOneByte()
	payloadSize := packet.ReadUint16()
	// ReadBytes aliases the packet buffer, which dies with the packet
	payload := append([]byte(nil), packet.ReadBytes(uint32(payloadSize))...)

	m.tableLock.Lock()
	c := m.conns[conn]
	if c == nil || c.handshaked {
		m.tableLock.Unlock()
		hxlog.Errorf("%s: unexpected handshake on conn %d", m, conn)
		return
	}
	full := len(m.clients) >= m.cfg.MaxClients
	m.tableLock.Unlock()

	if engineProto != m.cfg.ProtocolVersion || gameProto != m.cfg.GameProtocolVersion {
		hxlog.Warnf("%s: conn %d speaks protocol %d/%d, this server speaks %d/%d",
			m, conn, engineProto, gameProto, m.cfg.ProtocolVersion, m.cfg.GameProtocolVersion)
		m.rejectHandshake(conn, proto.HANDSHAKE_RESULT_REJECT_VERSION)
		return
	}
	if full {
		hxlog.Warnf("%s: conn %d rejected, server is full (%d clients)", m, conn, m.cfg.MaxClients)
		m.rejectHandshake(conn, proto.HANDSHAKE_RESULT_REJECT_FULL)
		return
	}

	m.tableLock.Lock()
	clientid := m.nextClientID
	m.nextClientID++
	m.tableLock.Unlock()

	// a panicking delegate rejects
	result := proto.HANDSHAKE_RESULT_REJECT_APP
	hxutils.RunPanicless(func() {
		result = m.delegate.OnClientConnecting(clientid, payload)
	})
	if result != proto.HANDSHAKE_RESULT_OK {
		hxlog.Infof("%s: conn %d rejected by the application: result %d", m, conn, result)
		m.rejectHandshake(conn, result)
		return
	}

	m.tableLock.Lock()
	c = m.conns[conn]
	if c == nil {
		// disconnected while the delegate was deciding
		m.tableLock.Unlock()
		return
	}
	c.ClientID = clientid
	c.EngineBuild = engineBuild
	c.Platform = platform
	c.Arch = arch
	c.handshaked = true
	m.clients[clientid] = c
	m.rebuildConnectedLocked()
	m.tableLock.Unlock()

	reply := proto.MakeHandshakeReplyPacket(clientid, proto.HANDSHAKE_RESULT_OK)
	m.sendToConn(conn, reply)
	reply.Release()
	m.sendKeyTable(conn)
	m.replicator.ClientJoined(clientid)
	hxlog.Infof("%s: client %d connected: build %d, platform %d, arch %d", m, clientid, engineBuild, platform, arch)
	m.delegateClientConnected(clientid)
}

func (m *Manager) rejectHandshake(conn transport.ConnID, result proto.HandshakeResult) {
	reply := proto.MakeHandshakeReplyPacket(common.NilClientID, result)
	m.sendToConn(conn, reply)
	reply.Release()

	m.tableLock.Lock()
	delete(m.conns, conn)
	driver := m.driver
	m.tableLock.Unlock()
	if driver != nil {
		driver.Disconnect(conn)
	}
}

// sendKeyTable replays every interned key to a fresh client, before any
// catch-up state that speaks in indices reaches it
func (m *Manager) sendKeyTable(conn transport.ConnID) {
	m.keys.ForEachID(func(index uint32, id common.GUID) {
		packet := proto.MakeKeyIDPacket(index, id)
		m.sendToConn(conn, packet)
		packet.Release()
	})
	m.keys.ForEachName(func(index uint32, name string) {
		packet := proto.MakeKeyNamePacket(index, name)
		m.sendToConn(conn, packet)
		packet.Release()
	})
}

func (m *Manager) sendToConn(conn transport.ConnID, packet *netutil.Packet) {
	m.tableLock.RLock()
	driver := m.driver
	m.tableLock.RUnlock()
	if driver == nil {
		return
	}
	if err := driver.Send(transport.CHANNEL_RELIABLE_ORDERED, packet, conn); err != nil {
		hxlog.Errorf("%s: send to conn %d failed: %v", m, conn, err)
	}
}

func (m *Manager) handleHandshakeReply(conn transport.ConnID, packet *netutil.Packet) {
	clientid := packet.ReadClientID()
	result := proto.HandshakeResult(packet.ReadInt32())

	m.tableLock.Lock()
	if m.mode != modeClient || conn != m.serverConn || m.state != STATE_CONNECTING {
		m.tableLock.Unlock()
		hxlog.Errorf("%s: unexpected handshake reply on conn %d", m, conn)
		return
	}
	if result == proto.HANDSHAKE_RESULT_OK {
		m.localClientID = clientid
		m.state = STATE_CONNECTED
		m.rebuildConnectedLocked()
		m.tableLock.Unlock()
		hxlog.Infof("%s: connected as client %d", m, clientid)
		m.delegateStateChanged(STATE_CONNECTED)
		return
	}
	m.tableLock.Unlock()

	hxlog.Errorf("%s: server rejected the handshake: result %d", m, result)
	m.setState(STATE_DISCONNECTING)
	m.teardown()
	m.delegateClientDisconnected(clientid)
}

// handleKey installs one server-announced identity key
func (m *Manager) handleKey(packet *netutil.Packet) {
	if m.IsServer() {
		hxlog.Errorf("%s: key message received on the server", m)
		return
	}
	keyType := packet.ReadOneByte()
	index := packet.ReadUint32()
	switch keyType {
	case proto.KEY_TYPE_ID:
		m.keys.InstallID(index, packet.ReadGUID())
	case proto.KEY_TYPE_NAME:
		m.keys.InstallName(index, packet.ReadVarStr())
	default:
		hxlog.Errorf("%s: unknown key type %d", m, keyType)
	}
}

// sweepPendingHandshakes drops connections that never completed their
// handshake within consts.HANDSHAKE_TIMEOUT
func (m *Manager) sweepPendingHandshakes(now time.Time) {
	if !m.IsServer() {
		return
	}
	m.tableLock.Lock()
	var expired []transport.ConnID
	for conn, c := range m.conns {
		if !c.handshaked && now.Sub(c.connectedTime) > consts.HANDSHAKE_TIMEOUT {
			delete(m.conns, conn)
			expired = append(expired, conn)
		}
	}
	driver := m.driver
	m.tableLock.Unlock()

	for _, conn := range expired {
		hxlog.Warnf("%s: conn %d never handshaked, dropping it", m, conn)
		if driver != nil {
			driver.Disconnect(conn)
		}
	}
}
