// Package kcptrans provides the KCP transport driver. KCP carries every
// channel reliable-ordered over UDP, which strengthens the unreliable
// channels but never weakens a guarantee. Each connection runs a receive
// goroutine and a send goroutine; writes are buffered and flushed whenever
// the send queue drains.
package kcptrans

import (
	"fmt"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	"github.com/xiaonanln/netconnutil"
	"github.com/xtaci/kcp-go"

	"github.com/helixengine/helixnet/engine/consts"
	"github.com/helixengine/helixnet/engine/hxioutil"
	"github.com/helixengine/helixnet/engine/hxlog"
	"github.com/helixengine/helixnet/engine/hxutils"
	"github.com/helixengine/helixnet/engine/netutil"
	"github.com/helixengine/helixnet/engine/transport"
)

const _DEFAULT_MTU = 1400

func init() {
	transport.Register("kcp", func(opts transport.Options) (transport.Driver, error) {
		return NewKCPDriver(opts), nil
	})
}

// KCPDriver is the KCP transport driver
type KCPDriver struct {
	mtu      int
	compress bool
	sndwnd   int
	rcvwnd   int
	events   *xnsyncutil.SyncQueue
	closed   xnsyncutil.AtomicBool

	mu         sync.Mutex
	listenAddr string
	listener   *kcp.Listener
	closing    bool
	nextConnID transport.ConnID
	conns      map[transport.ConnID]*kcpConn
}

type kcpConn struct {
	id        transport.ConnID
	pconn     netutil.PacketConnection
	sendQueue *xnsyncutil.SyncQueue
}

// NewKCPDriver creates a KCP driver from its options
func NewKCPDriver(opts transport.Options) *KCPDriver {
	return &KCPDriver{
		mtu:      opts.Int("mtu", _DEFAULT_MTU),
		compress: opts.Bool("compress", false),
		sndwnd:   opts.Int("sndwnd", 256),
		rcvwnd:   opts.Int("rcvwnd", 256),
		events:   xnsyncutil.NewSyncQueue(),
		conns:    map[transport.ConnID]*kcpConn{},
	}
}

func (d *KCPDriver) String() string {
	d.mu.Lock()
	addr := d.listenAddr
	d.mu.Unlock()
	if addr != "" {
		return fmt.Sprintf("KCPDriver<%s>", addr)
	}
	return "KCPDriver<->"
}

// Listen starts accepting KCP connections on addr
func (d *KCPDriver) Listen(addr string) error {
	listener, err := kcp.ListenWithOptions(addr, nil, 10, 3)
	if err != nil {
		return errors.Wrapf(err, "kcptrans: listen on %s failed", addr)
	}

	d.mu.Lock()
	d.listenAddr = addr
	d.listener = listener
	d.mu.Unlock()

	hxlog.Infof("%s: listening on KCP: %s ...", d, addr)
	go hxutils.RepeatUntilPanicless(func() {
		for {
			conn, err := listener.AcceptKCP()
			if err != nil {
				if d.isClosing() {
					return
				}
				hxlog.Panic(err)
			}
			hxlog.Debugf("%s: KCP connection from %s", d, conn.RemoteAddr())
			d.setKCPOptions(conn)
			d.startConn(conn, true)
		}
	})
	return nil
}

// BoundAddr returns the address the listener actually bound, which differs
// from the Listen argument when port 0 was used
func (d *KCPDriver) BoundAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Connect dials the KCP server at addr
func (d *KCPDriver) Connect(addr string) (transport.ConnID, error) {
	conn, err := kcp.DialWithOptions(addr, nil, 10, 3)
	if err != nil {
		return transport.NilConnID, errors.Wrapf(err, "kcptrans: dial %s failed", addr)
	}
	d.setKCPOptions(conn)
	kc := d.startConn(conn, false)
	return kc.id, nil
}

func (d *KCPDriver) setKCPOptions(conn *kcp.UDPSession) {
	conn.SetStreamMode(true)
	conn.SetWriteDelay(true)
	conn.SetNoDelay(1, 10, 2, 1)
	conn.SetWindowSize(d.sndwnd, d.rcvwnd)
}

// startConn wraps the session and spawns its recv/send goroutines. Accepted
// conns are announced before the routines start, so EVENT_CONNECTED always
// precedes the conn's first EVENT_MESSAGE.
func (d *KCPDriver) startConn(session *kcp.UDPSession, accepted bool) *kcpConn {
	var conn net.Conn = netconnutil.NewNoTempErrorConn(session)
	if d.compress {
		conn = netconnutil.NewSnappyConn(conn)
	}
	bufConn := netconnutil.NewBufferedConn(conn, consts.BUFFERED_READ_BUFFSIZE, consts.BUFFERED_WRITE_BUFFSIZE)

	kc := &kcpConn{
		pconn:     netutil.NewPacketConnection(bufConn),
		sendQueue: xnsyncutil.NewSyncQueue(),
	}
	d.mu.Lock()
	d.nextConnID++
	kc.id = d.nextConnID
	d.conns[kc.id] = kc
	d.mu.Unlock()

	if accepted {
		d.pushEvent(transport.EVENT_CONNECTED, kc.id, nil)
	}
	go kc.recvRoutine(d)
	go kc.sendRoutine(d)
	return kc
}

func (kc *kcpConn) recvRoutine(d *KCPDriver) {
	defer kc.sendQueue.Close()

	for {
		pkt, err := kc.pconn.RecvPacket()
		if err != nil {
			kind := transport.EVENT_DISCONNECTED
			if hxioutil.IsTimeoutError(err) {
				kind = transport.EVENT_TIMEOUT
			} else if !netutil.IsConnectionError(err) {
				hxlog.Errorf("%s: recv on conn %d failed: %v", d, kc.id, err)
			}
			d.removeConn(kc, kind)
			return
		}
		d.pushMessage(kc.id, pkt)
	}
}

// sendRoutine drains the send queue; the connection is flushed whenever the
// queue runs empty, so bursts of packets share one network write.
func (kc *kcpConn) sendRoutine(d *KCPDriver) {
	for {
		v := kc.sendQueue.Pop()
		if v == nil { // queue closed
			kc.pconn.Close()
			return
		}
		pkt := v.(*netutil.Packet)
		err := kc.pconn.SendPacket(pkt)
		pkt.Release()
		if err == nil && kc.sendQueue.Len() == 0 {
			err = kc.pconn.Flush()
		}
		if err != nil {
			hxlog.Debugf("%s: send on conn %d failed: %v", d, kc.id, err)
			kc.pconn.Close() // recvRoutine notices and reports the disconnect
		}
	}
}

// MTU returns the configured message size hint. KCP itself is a stream, so
// this only steers how peers chunk their large states.
func (d *KCPDriver) MTU() int {
	return d.mtu
}

// Send queues pkt for the given conns. The channel is accepted but KCP
// delivers everything reliable-ordered.
func (d *KCPDriver) Send(ch transport.Channel, pkt *netutil.Packet, conns ...transport.ConnID) error {
	if d.closed.Load() {
		return errors.Errorf("kcptrans: driver is closed")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, conn := range conns {
		kc := d.conns[conn]
		if kc == nil {
			continue // conn is gone, disconnects race with sends
		}
		pkt.AddRefCount(1)
		kc.sendQueue.Push(pkt)
	}
	return nil
}

func (d *KCPDriver) pushEvent(kind transport.EventKind, conn transport.ConnID, pkt *netutil.Packet) {
	if d.closed.Load() {
		if pkt != nil {
			pkt.Release()
		}
		return
	}
	d.events.Push(transport.Event{Kind: kind, Conn: conn, Packet: pkt})
}

// pushMessage reports an arrived message. KCP delivers everything over the
// reliable-ordered stream, so that is the channel class every arrival gets.
func (d *KCPDriver) pushMessage(conn transport.ConnID, pkt *netutil.Packet) {
	if d.closed.Load() {
		pkt.Release()
		return
	}
	d.events.Push(transport.Event{
		Kind:    transport.EVENT_MESSAGE,
		Conn:    conn,
		Channel: transport.CHANNEL_RELIABLE_ORDERED,
		Packet:  pkt,
	})
}

// PollEvent returns the next pending event without blocking
func (d *KCPDriver) PollEvent() (transport.Event, bool) {
	if d.events.Len() == 0 {
		return transport.Event{}, false
	}
	ev, ok := d.events.Pop().(transport.Event)
	if !ok {
		return transport.Event{}, false
	}
	return ev, true
}

// Disconnect closes conn without emitting an event for it
func (d *KCPDriver) Disconnect(conn transport.ConnID) {
	d.mu.Lock()
	kc := d.conns[conn]
	delete(d.conns, conn)
	d.mu.Unlock()
	if kc != nil {
		kc.sendQueue.Close()
		kc.pconn.Close()
	}
}

// removeConn reports a lost conn, unless it was disconnected explicitly before
func (d *KCPDriver) removeConn(kc *kcpConn, kind transport.EventKind) {
	d.mu.Lock()
	alive := d.conns[kc.id] == kc
	if alive {
		delete(d.conns, kc.id)
	}
	d.mu.Unlock()
	if alive {
		kc.pconn.Close()
		d.pushEvent(kind, kc.id, nil)
	}
}

func (d *KCPDriver) isClosing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closing
}

// Close shuts the listener and every conn down
func (d *KCPDriver) Close() error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return nil
	}
	d.closing = true
	listener := d.listener
	conns := make([]transport.ConnID, 0, len(d.conns))
	for id := range d.conns {
		conns = append(conns, id)
	}
	d.mu.Unlock()

	if listener != nil {
		listener.Close()
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
