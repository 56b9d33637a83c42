package replica

import (
	"strconv"
	"sync"

	"github.com/helixengine/helixnet/engine/hxlog"
	"github.com/helixengine/helixnet/engine/transport"
)

// RPCDirection declares which side executes a remote procedure
type RPCDirection uint8

const (
	// DIR_SERVER_ONLY executes on the server; clients invoke it remotely
	DIR_SERVER_ONLY RPCDirection = 1 + iota
	// DIR_CLIENT_ONLY executes on clients; the server invokes it remotely
	DIR_CLIENT_ONLY
	// DIR_BOTH executes on whichever side it arrives
	DIR_BOTH
)

// executesOn reports whether a peer of the given side may run the procedure
func (d RPCDirection) executesOn(isServer bool) bool {
	switch d {
	case DIR_SERVER_ONLY:
		return isServer
	case DIR_CLIENT_ONLY:
		return !isServer
	case DIR_BOTH:
		return true
	}
	return false
}

func (d RPCDirection) String() string {
	switch d {
	case DIR_SERVER_ONLY:
		return "ServerOnly"
	case DIR_CLIENT_ONLY:
		return "ClientOnly"
	case DIR_BOTH:
		return "Both"
	default:
		return "RPCDirection<" + strconv.Itoa(int(d)) + ">"
	}
}

// RPCInfo describes one remotely invocable procedure. Execute receives the
// target object and an argument stream whose Sender field carries the calling
// client's id.
type RPCInfo struct {
	Direction RPCDirection
	Channel   transport.Channel
	Execute   func(obj Object, args *Stream)
	Tag       string
}

type rpcKey struct {
	typeName string
	name     string
}

// RPCTable registers remote procedures under (declaring type name, method
// name). Entries carry a module tag for hot-reload, like the serializers.
type RPCTable struct {
	mu      sync.RWMutex
	entries map[rpcKey]*RPCInfo
}

// NewRPCTable creates an empty RPC table
func NewRPCTable() *RPCTable {
	return &RPCTable{entries: map[rpcKey]*RPCInfo{}}
}

// Register registers a procedure. Registering the same (type, name) twice
// panics; a nil Execute panics too, there is nothing to dispatch to.
func (rt *RPCTable) Register(typeName, name string, info RPCInfo) {
	if info.Execute == nil {
		hxlog.Panicf("replica: rpc %s.%s registered without an execute function", typeName, name)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	key := rpcKey{typeName: typeName, name: name}
	if _, ok := rt.entries[key]; ok {
		hxlog.Panicf("replica: rpc %s.%s registered twice", typeName, name)
	}
	infoCopy := info
	rt.entries[key] = &infoCopy
}

// Get returns the procedure registered under (typeName, name), or nil
func (rt *RPCTable) Get(typeName, name string) *RPCInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.entries[rpcKey{typeName: typeName, name: name}]
}

// Unregister drops every procedure registered with tag
func (rt *RPCTable) Unregister(tag string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for key, info := range rt.entries {
		if info.Tag == tag {
			delete(rt.entries, key)
		}
	}
}
