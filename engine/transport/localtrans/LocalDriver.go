// Package localtrans provides an in-process transport driver. Peers in the
// same process connect through named hubs, which makes it the driver of
// choice for tests and for single-process listen servers. Unreliable sends
// can be degraded deterministically (drop / duplicate / reorder every Nth
// packet) to exercise loss handling without a real network.
package localtrans

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"

	"github.com/helixengine/helixnet/engine/hxlog"
	"github.com/helixengine/helixnet/engine/netutil"
	"github.com/helixengine/helixnet/engine/transport"
)

const _DEFAULT_MTU = 1200

var (
	hubsLock sync.Mutex
	hubs     = map[string]*LocalDriver{}
)

func init() {
	transport.Register("local", func(opts transport.Options) (transport.Driver, error) {
		return NewLocalDriver(opts.Int("mtu", _DEFAULT_MTU)), nil
	})
}

// LocalDriver is the in-process transport driver
type LocalDriver struct {
	mtu    int
	events *xnsyncutil.SyncQueue
	closed xnsyncutil.AtomicBool

	mu         sync.Mutex
	listenAddr string
	closing    bool
	nextConnID transport.ConnID
	conns      map[transport.ConnID]*endpoint
}

// endpoint is one side of an established link. Knob counters live on the
// sending side, so degradation applies to packets sent through this conn.
type endpoint struct {
	owner *LocalDriver
	id    transport.ConnID
	peer  *endpoint

	dropEveryN    int
	dupEveryN     int
	reorderEveryN int
	unreliableSeq int
	held          *netutil.Packet
}

// NewLocalDriver creates an in-process driver with the given MTU
func NewLocalDriver(mtu int) *LocalDriver {
	return &LocalDriver{
		mtu:    mtu,
		events: xnsyncutil.NewSyncQueue(),
		conns:  map[transport.ConnID]*endpoint{},
	}
}

func (d *LocalDriver) String() string {
	d.mu.Lock()
	addr := d.listenAddr
	d.mu.Unlock()
	if addr != "" {
		return fmt.Sprintf("LocalDriver<%s>", addr)
	}
	return "LocalDriver<->"
}

// Listen registers the driver under addr, which is just a name: any string
// works as long as listeners in the same process use distinct ones.
func (d *LocalDriver) Listen(addr string) error {
	hubsLock.Lock()
	defer hubsLock.Unlock()
	if _, ok := hubs[addr]; ok {
		return errors.Errorf("localtrans: address %s is already listening", addr)
	}
	hubs[addr] = d
	d.mu.Lock()
	d.listenAddr = addr
	d.mu.Unlock()
	return nil
}

// Connect links this driver to the listener registered under addr
func (d *LocalDriver) Connect(addr string) (transport.ConnID, error) {
	hubsLock.Lock()
	server := hubs[addr]
	hubsLock.Unlock()
	if server == nil || server.closed.Load() {
		return transport.NilConnID, errors.Errorf("localtrans: nothing is listening on %s", addr)
	}

	clientEnd := d.newEndpoint()
	serverEnd := server.newEndpoint()
	clientEnd.peer = serverEnd
	serverEnd.peer = clientEnd
	server.pushEvent(transport.EVENT_CONNECTED, serverEnd.id, nil)
	return clientEnd.id, nil
}

func (d *LocalDriver) newEndpoint() *endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextConnID++
	ep := &endpoint{owner: d, id: d.nextConnID}
	d.conns[ep.id] = ep
	return ep
}

// MTU returns the size limit for unreliable messages
func (d *LocalDriver) MTU() int {
	return d.mtu
}

// Send delivers pkt to the peers of the given conns. Reliable channels always
// arrive in send order; unreliable channels go through the link knobs and drop
// messages larger than the MTU, like a datagram network would.
func (d *LocalDriver) Send(ch transport.Channel, pkt *netutil.Packet, conns ...transport.ConnID) error {
	if d.closed.Load() {
		return errors.Errorf("localtrans: driver is closed")
	}
	if !ch.IsReliable() && int(pkt.GetPayloadLen()) > d.mtu {
		hxlog.Warnf("%s: dropping %d-byte unreliable message, MTU is %d", d, pkt.GetPayloadLen(), d.mtu)
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, conn := range conns {
		ep := d.conns[conn]
		if ep == nil {
			continue // conn is gone, disconnects race with sends
		}
		if ch.IsReliable() {
			ep.deliver(ch, pkt)
			continue
		}
		ep.sendUnreliable(ch, pkt)
	}
	return nil
}

// sendUnreliable runs pkt through the degradation knobs. Caller holds owner.mu.
func (ep *endpoint) sendUnreliable(ch transport.Channel, pkt *netutil.Packet) {
	ep.unreliableSeq++
	seq := ep.unreliableSeq

	if ep.dropEveryN > 0 && seq%ep.dropEveryN == 0 {
		return
	}
	// the reorder knob swaps adjacent packets; it never applies to the
	// ordered unreliable channel
	if ch == transport.CHANNEL_UNRELIABLE && ep.reorderEveryN > 0 && seq%ep.reorderEveryN == 0 && ep.held == nil {
		ep.held = copyPacket(pkt)
		return
	}
	ep.deliver(ch, pkt)
	if ep.dupEveryN > 0 && seq%ep.dupEveryN == 0 {
		ep.deliver(ch, pkt)
	}
	if held := ep.held; held != nil {
		ep.held = nil
		ep.peer.owner.pushMessage(ep.peer.id, transport.CHANNEL_UNRELIABLE, held)
	}
}

// deliver copies pkt to the peer's event queue. Caller holds owner.mu.
func (ep *endpoint) deliver(ch transport.Channel, pkt *netutil.Packet) {
	ep.peer.owner.pushMessage(ep.peer.id, ch, copyPacket(pkt))
}

// copyPacket clones the payload so that both sides read independently
func copyPacket(pkt *netutil.Packet) *netutil.Packet {
	return netutil.NewPacketWithPayload(pkt.Payload())
}

func (d *LocalDriver) pushEvent(kind transport.EventKind, conn transport.ConnID, pkt *netutil.Packet) {
	if d.closed.Load() {
		if pkt != nil {
			pkt.Release()
		}
		return
	}
	d.events.Push(transport.Event{Kind: kind, Conn: conn, Packet: pkt})
}

func (d *LocalDriver) pushMessage(conn transport.ConnID, ch transport.Channel, pkt *netutil.Packet) {
	if d.closed.Load() {
		pkt.Release()
		return
	}
	d.events.Push(transport.Event{Kind: transport.EVENT_MESSAGE, Conn: conn, Channel: ch, Packet: pkt})
}

// PollEvent returns the next pending event without blocking
func (d *LocalDriver) PollEvent() (transport.Event, bool) {
	if d.events.Len() == 0 {
		return transport.Event{}, false
	}
	ev, ok := d.events.Pop().(transport.Event)
	if !ok {
		return transport.Event{}, false
	}
	return ev, true
}

// Disconnect closes conn; the peer gets EVENT_DISCONNECTED
func (d *LocalDriver) Disconnect(conn transport.ConnID) {
	d.mu.Lock()
	ep := d.conns[conn]
	if ep == nil {
		d.mu.Unlock()
		return
	}
	delete(d.conns, conn)
	if ep.held != nil {
		ep.held.Release()
		ep.held = nil
	}
	d.mu.Unlock()

	peer := ep.peer
	peer.owner.mu.Lock()
	_, alive := peer.owner.conns[peer.id]
	if alive {
		delete(peer.owner.conns, peer.id)
		if peer.held != nil {
			peer.held.Release()
			peer.held = nil
		}
	}
	peer.owner.mu.Unlock()
	if alive {
		peer.owner.pushEvent(transport.EVENT_DISCONNECTED, peer.id, nil)
	}
}

// SetLossEveryN drops every nth unreliable packet sent through conn (0 disables)
func (d *LocalDriver) SetLossEveryN(conn transport.ConnID, n int) {
	d.knob(conn).dropEveryN = n
}

// SetDuplicateEveryN duplicates every nth unreliable packet sent through conn (0 disables)
func (d *LocalDriver) SetDuplicateEveryN(conn transport.ConnID, n int) {
	d.knob(conn).dupEveryN = n
}

// SetReorderEveryN holds every nth unreliable packet sent through conn back by
// one packet, swapping it with its successor (0 disables)
func (d *LocalDriver) SetReorderEveryN(conn transport.ConnID, n int) {
	d.knob(conn).reorderEveryN = n
}

func (d *LocalDriver) knob(conn transport.ConnID) *endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	ep := d.conns[conn]
	if ep == nil {
		hxlog.Panicf("%s: no such conn %d", d, conn)
	}
	return ep
}

// Close disconnects every conn and unregisters the listen address
func (d *LocalDriver) Close() error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return nil
	}
	d.closing = true
	addr := d.listenAddr
	conns := make([]transport.ConnID, 0, len(d.conns))
	for id := range d.conns {
		conns = append(conns, id)
	}
	d.mu.Unlock()

	if addr != "" {
		hubsLock.Lock()
		if hubs[addr] == d {
			delete(hubs, addr)
		}
		hubsLock.Unlock()
	}

	for _, conn := range conns {
		d.Disconnect(conn)
	}

	d.closed.Store(true)
	for d.events.Len() > 0 {
		if ev, ok := d.events.Pop().(transport.Event); ok && ev.Packet != nil {
			ev.Packet.Release()
		}
	}
	return nil
}
