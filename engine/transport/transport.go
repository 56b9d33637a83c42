package transport

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/helixengine/helixnet/engine/hxlog"
	"github.com/helixengine/helixnet/engine/netutil"
)

// Channel selects the delivery guarantees for outgoing messages. Drivers may
// strengthen a channel (e.g. deliver unordered channels in order) but never
// weaken one.
type Channel uint8

const (
	// CHANNEL_RELIABLE delivers every message, in any order
	CHANNEL_RELIABLE Channel = iota
	// CHANNEL_RELIABLE_ORDERED delivers every message, in send order
	CHANNEL_RELIABLE_ORDERED
	// CHANNEL_UNRELIABLE may drop messages, any order
	CHANNEL_UNRELIABLE
	// CHANNEL_UNRELIABLE_ORDERED may drop messages, but never delivers out of send order
	CHANNEL_UNRELIABLE_ORDERED
)

// IsReliable returns true for channels that never drop messages
func (ch Channel) IsReliable() bool {
	return ch == CHANNEL_RELIABLE || ch == CHANNEL_RELIABLE_ORDERED
}

// IsOrdered returns true for channels that preserve send order
func (ch Channel) IsOrdered() bool {
	return ch == CHANNEL_RELIABLE_ORDERED || ch == CHANNEL_UNRELIABLE_ORDERED
}

func (ch Channel) String() string {
	switch ch {
	case CHANNEL_RELIABLE:
		return "Reliable"
	case CHANNEL_RELIABLE_ORDERED:
		return "ReliableOrdered"
	case CHANNEL_UNRELIABLE:
		return "Unreliable"
	case CHANNEL_UNRELIABLE_ORDERED:
		return "UnreliableOrdered"
	default:
		return "Channel<" + strconv.Itoa(int(ch)) + ">"
	}
}

// ConnID identifies one connection within a driver. IDs are never reused by a
// driver during its lifetime.
type ConnID uint64

// NilConnID is the zero ConnID, never assigned to a real connection
const NilConnID ConnID = 0

// EventKind is the type of a transport event
type EventKind uint8

const (
	// EVENT_CONNECTED reports a newly accepted inbound connection
	EVENT_CONNECTED EventKind = 1 + iota
	// EVENT_DISCONNECTED reports that the remote side closed or was lost
	EVENT_DISCONNECTED
	// EVENT_TIMEOUT reports that the remote side stopped responding
	EVENT_TIMEOUT
	// EVENT_MESSAGE carries one received message
	EVENT_MESSAGE
)

func (k EventKind) String() string {
	switch k {
	case EVENT_CONNECTED:
		return "Connected"
	case EVENT_DISCONNECTED:
		return "Disconnected"
	case EVENT_TIMEOUT:
		return "Timeout"
	case EVENT_MESSAGE:
		return "Message"
	default:
		return "EventKind<" + strconv.Itoa(int(k)) + ">"
	}
}

// Event is one occurrence polled from a driver. Packet is non-nil only for
// EVENT_MESSAGE events, and the poller owns the packet (must Release it).
// Channel reports the channel class the message arrived on; drivers that
// strengthen delivery report the strengthened class.
type Event struct {
	Kind    EventKind
	Conn    ConnID
	Channel Channel
	Packet  *netutil.Packet
}

// Driver moves packets between peers. A driver instance acts as either the
// listening side (Listen) or the connecting side (Connect), never both.
//
// Send never takes ownership of the packet: the caller may Release it as soon
// as Send returns. Connections that vanished already are skipped silently,
// since disconnects race with sends during normal operation. An empty conns
// list is a no-op.
//
// PollEvent is non-blocking and must be called from a single goroutine; the
// connecting side gets no EVENT_CONNECTED for its own Connect (the returned
// ConnID already says so).
type Driver interface {
	Listen(addr string) error
	Connect(addr string) (ConnID, error)
	MTU() int
	Send(ch Channel, pkt *netutil.Packet, conns ...ConnID) error
	PollEvent() (Event, bool)
	Disconnect(conn ConnID)
	Close() error
}

// Factory creates a driver from its configured options
type Factory func(opts Options) (Driver, error)

var (
	registryLock sync.RWMutex
	registry     = map[string]Factory{}
)

// Register registers a driver factory under a name, usually from the driver
// package's init. Registering the same name twice panics.
func Register(name string, factory Factory) {
	registryLock.Lock()
	defer registryLock.Unlock()
	if _, ok := registry[name]; ok {
		hxlog.Panicf("transport: driver %s registered twice", name)
	}
	registry[name] = factory
}

// NewDriver creates a driver registered under name
func NewDriver(name string, opts Options) (Driver, error) {
	registryLock.RLock()
	factory, ok := registry[name]
	registryLock.RUnlock()
	if !ok {
		return nil, errors.Errorf("transport: driver %s is not registered", name)
	}
	return factory(opts)
}

// Options carries driver-specific settings, parsed from the [driver.*]
// sections of the config file. Malformed values panic, like any other
// config error.
type Options map[string]string

// Str reads a string option, returning def when absent
func (opts Options) Str(key string, def string) string {
	if v, ok := opts[key]; ok {
		return v
	}
	return def
}

// Int reads an integer option, returning def when absent
func (opts Options) Int(key string, def int) int {
	v, ok := opts[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		hxlog.Panicf("transport: option %s is not an integer: %s", key, v)
	}
	return n
}

// Bool reads a boolean option, returning def when absent
func (opts Options) Bool(key string, def bool) bool {
	v, ok := opts[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		hxlog.Panicf("transport: option %s is not a boolean: %s", key, v)
	}
	return b
}

// Float reads a float option, returning def when absent
func (opts Options) Float(key string, def float64) float64 {
	v, ok := opts[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		hxlog.Panicf("transport: option %s is not a number: %s", key, v)
	}
	return f
}
