// Package quictrans provides the QUIC transport driver. Reliable channels
// share one long-lived bidirectional stream with length-prefixed framing
// (delivered in order, a permitted strengthening); unreliable channels map to
// QUIC datagrams, one datagram per message. TLS uses a self-signed runtime
// certificate unless cert_file/key_file options point at a real pair.
package quictrans

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	"github.com/xiaonanln/netconnutil"

	"github.com/helixengine/helixnet/engine/consts"
	"github.com/helixengine/helixnet/engine/hxioutil"
	"github.com/helixengine/helixnet/engine/hxlog"
	"github.com/helixengine/helixnet/engine/netutil"
	"github.com/helixengine/helixnet/engine/transport"
)

const _DEFAULT_MTU = 1200

func init() {
	transport.Register("quic", func(opts transport.Options) (transport.Driver, error) {
		return NewQUICDriver(opts), nil
	})
}

// QUICDriver is the QUIC transport driver
type QUICDriver struct {
	mtu         int
	idleTimeout time.Duration
	certFile    string
	keyFile     string
	events      *xnsyncutil.SyncQueue
	closed      xnsyncutil.AtomicBool
	ctx         context.Context
	cancel      context.CancelFunc

	mu         sync.Mutex
	listenAddr string
	listener   *quic.Listener
	closing    bool
	nextConnID transport.ConnID
	conns      map[transport.ConnID]*quicConn
}

type quicConn struct {
	id        transport.ConnID
	conn      quic.Connection
	pconn     netutil.PacketConnection
	sendQueue *xnsyncutil.SyncQueue
}

// NewQUICDriver creates a QUIC driver from its options
func NewQUICDriver(opts transport.Options) *QUICDriver {
	ctx, cancel := context.WithCancel(context.Background())
	return &QUICDriver{
		mtu:         opts.Int("mtu", _DEFAULT_MTU),
		idleTimeout: time.Duration(opts.Int("idle_timeout_ms", 30000)) * time.Millisecond,
		certFile:    opts.Str("cert_file", ""),
		keyFile:     opts.Str("key_file", ""),
		events:      xnsyncutil.NewSyncQueue(),
		ctx:         ctx,
		cancel:      cancel,
		conns:       map[transport.ConnID]*quicConn{},
	}
}

func (d *QUICDriver) String() string {
	d.mu.Lock()
	addr := d.listenAddr
	d.mu.Unlock()
	if addr != "" {
		return fmt.Sprintf("QUICDriver<%s>", addr)
	}
	return "QUICDriver<->"
}

func (d *QUICDriver) quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  d.idleTimeout,
		KeepAlivePeriod: d.idleTimeout / 3,
	}
}

// Listen starts accepting QUIC connections on addr
func (d *QUICDriver) Listen(addr string) error {
	tlsConf, err := serverTLSConfig(d.certFile, d.keyFile)
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, d.quicConfig())
	if err != nil {
		return errors.Wrapf(err, "quictrans: listen on %s failed", addr)
	}

	d.mu.Lock()
	d.listenAddr = addr
	d.listener = listener
	d.mu.Unlock()

	hxlog.Infof("%s: listening on QUIC: %s ...", d, addr)
	go d.acceptRoutine(listener)
	return nil
}

func (d *QUICDriver) acceptRoutine(listener *quic.Listener) {
	for {
		conn, err := listener.Accept(d.ctx)
		if err != nil {
			if d.ctx.Err() != nil || d.isClosing() {
				return
			}
			hxlog.Errorf("%s: accept failed: %v", d, err)
			continue
		}
		hxlog.Debugf("%s: QUIC connection from %s", d, conn.RemoteAddr())
		go d.handleAccepted(conn)
	}
}

// handleAccepted waits for the peer's main stream; the stream shows up
// together with the first reliable message the peer sends.
func (d *QUICDriver) handleAccepted(conn quic.Connection) {
	stream, err := conn.AcceptStream(d.ctx)
	if err != nil {
		if d.ctx.Err() == nil {
			hxlog.Debugf("%s: no main stream from %s: %v", d, conn.RemoteAddr(), err)
		}
		conn.CloseWithError(0, "")
		return
	}
	d.startConn(conn, stream, true)
}

// BoundAddr returns the address the listener actually bound, which differs
// from the Listen argument when port 0 was used
func (d *QUICDriver) BoundAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Connect dials the QUIC server at addr and opens the main stream
func (d *QUICDriver) Connect(addr string) (transport.ConnID, error) {
	conn, err := quic.DialAddr(d.ctx, addr, clientTLSConfig(), d.quicConfig())
	if err != nil {
		return transport.NilConnID, errors.Wrapf(err, "quictrans: dial %s failed", addr)
	}
	stream, err := conn.OpenStreamSync(d.ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return transport.NilConnID, errors.Wrapf(err, "quictrans: open stream to %s failed", addr)
	}
	qc := d.startConn(conn, stream, false)
	return qc.id, nil
}

// streamConn adapts the main stream to net.Conn for the packet framing layer
type streamConn struct {
	quic.Stream
	conn quic.Connection
}

func (sc streamConn) LocalAddr() net.Addr  { return sc.conn.LocalAddr() }
func (sc streamConn) RemoteAddr() net.Addr { return sc.conn.RemoteAddr() }

// startConn registers the conn and spawns its routines. Accepted conns are
// announced before the routines start, so EVENT_CONNECTED always precedes the
// conn's first EVENT_MESSAGE.
func (d *QUICDriver) startConn(conn quic.Connection, stream quic.Stream, accepted bool) *quicConn {
	bufConn := netconnutil.NewBufferedConn(streamConn{stream, conn},
		consts.BUFFERED_READ_BUFFSIZE, consts.BUFFERED_WRITE_BUFFSIZE)

	qc := &quicConn{
		conn:      conn,
		pconn:     netutil.NewPacketConnection(bufConn),
		sendQueue: xnsyncutil.NewSyncQueue(),
	}
	d.mu.Lock()
	d.nextConnID++
	qc.id = d.nextConnID
	d.conns[qc.id] = qc
	d.mu.Unlock()

	if accepted {
		d.pushEvent(transport.EVENT_CONNECTED, qc.id, nil)
	}
	go qc.streamRecvRoutine(d)
	go qc.datagramRecvRoutine(d)
	go qc.sendRoutine(d)
	return qc
}

func (qc *quicConn) streamRecvRoutine(d *QUICDriver) {
	defer qc.sendQueue.Close()

	for {
		pkt, err := qc.pconn.RecvPacket()
		if err != nil {
			d.removeConn(qc, d.classifyError(qc, err))
			return
		}
		d.pushMessage(qc.id, transport.CHANNEL_RELIABLE_ORDERED, pkt)
	}
}

func (qc *quicConn) datagramRecvRoutine(d *QUICDriver) {
	for {
		data, err := qc.conn.ReceiveDatagram(d.ctx)
		if err != nil {
			// the stream routine reports the disconnect
			return
		}
		d.pushMessage(qc.id, transport.CHANNEL_UNRELIABLE, netutil.NewPacketWithPayload(data))
	}
}

// sendRoutine drains reliable sends onto the main stream, flushing whenever
// the queue runs empty
func (qc *quicConn) sendRoutine(d *QUICDriver) {
	for {
		v := qc.sendQueue.Pop()
		if v == nil { // queue closed
			qc.pconn.Close()
			return
		}
		pkt := v.(*netutil.Packet)
		err := qc.pconn.SendPacket(pkt)
		pkt.Release()
		if err == nil && qc.sendQueue.Len() == 0 {
			err = qc.pconn.Flush()
		}
		if err != nil {
			hxlog.Debugf("%s: send on conn %d failed: %v", d, qc.id, err)
			qc.pconn.Close() // streamRecvRoutine notices and reports the disconnect
		}
	}
}

func (d *QUICDriver) classifyError(qc *quicConn, err error) transport.EventKind {
	if hxioutil.IsTimeoutError(err) {
		return transport.EVENT_TIMEOUT
	}
	var appErr *quic.ApplicationError
	if !errors.As(err, &appErr) && !netutil.IsConnectionError(err) {
		hxlog.Errorf("%s: recv on conn %d failed: %v", d, qc.id, err)
	}
	return transport.EVENT_DISCONNECTED
}

// MTU returns the size limit for datagram messages
func (d *QUICDriver) MTU() int {
	return d.mtu
}

// Send queues pkt for the given conns. Reliable channels ride the main
// stream; unreliable channels become datagrams and may be dropped.
func (d *QUICDriver) Send(ch transport.Channel, pkt *netutil.Packet, conns ...transport.ConnID) error {
	if d.closed.Load() {
		return errors.Errorf("quictrans: driver is closed")
	}

	d.mu.Lock()
	targets := make([]*quicConn, 0, len(conns))
	for _, conn := range conns {
		if qc := d.conns[conn]; qc != nil {
			targets = append(targets, qc)
		}
	}
	d.mu.Unlock()

	if ch.IsReliable() {
		for _, qc := range targets {
			pkt.AddRefCount(1)
			qc.sendQueue.Push(pkt)
		}
		return nil
	}

	payload := append([]byte(nil), pkt.Payload()...)
	for _, qc := range targets {
		if err := qc.conn.SendDatagram(payload); err != nil {
			hxlog.Debugf("%s: datagram to conn %d dropped: %v", d, qc.id, err)
		}
	}
	return nil
}

func (d *QUICDriver) pushEvent(kind transport.EventKind, conn transport.ConnID, pkt *netutil.Packet) {
	if d.closed.Load() {
		if pkt != nil {
			pkt.Release()
		}
		return
	}
	d.events.Push(transport.Event{Kind: kind, Conn: conn, Packet: pkt})
}

// pushMessage reports an arrived message with its channel class: the stream
// carries the reliable channels, datagrams carry the unreliable ones.
func (d *QUICDriver) pushMessage(conn transport.ConnID, ch transport.Channel, pkt *netutil.Packet) {
	if d.closed.Load() {
		pkt.Release()
		return
	}
	d.events.Push(transport.Event{
		Kind:    transport.EVENT_MESSAGE,
		Conn:    conn,
		Channel: ch,
		Packet:  pkt,
	})
}

// PollEvent returns the next pending event without blocking
func (d *QUICDriver) PollEvent() (transport.Event, bool) {
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
func (d *QUICDriver) Disconnect(conn transport.ConnID) {
	d.mu.Lock()
	qc := d.conns[conn]
	delete(d.conns, conn)
	d.mu.Unlock()
	if qc != nil {
		qc.sendQueue.Close()
		qc.conn.CloseWithError(0, "disconnect")
	}
}

// removeConn reports a lost conn, unless it was disconnected explicitly before
func (d *QUICDriver) removeConn(qc *quicConn, kind transport.EventKind) {
	d.mu.Lock()
	alive := d.conns[qc.id] == qc
	if alive {
		delete(d.conns, qc.id)
	}
	d.mu.Unlock()
	if alive {
		qc.conn.CloseWithError(0, "")
		d.pushEvent(kind, qc.id, nil)
	}
}

func (d *QUICDriver) isClosing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closing
}

// Close shuts the listener and every conn down
func (d *QUICDriver) Close() error {
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
	d.cancel()

	d.closed.Store(true)
	for d.events.Len() > 0 {
		if ev, ok := d.events.Pop().(transport.Event); ok && ev.Packet != nil {
			ev.Packet.Release()
		}
	}
	return nil
}
