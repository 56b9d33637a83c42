package proto

import (
	"runtime"
)

// MsgKind is the one-byte kind that starts every wire message
type MsgKind uint8

const (
	// MT_INVALID is the invalid message kind
	MT_INVALID MsgKind = iota
	// MT_HANDSHAKE is sent by a connecting client: build number, protocol versions, auth payload
	MT_HANDSHAKE
	// MT_HANDSHAKE_REPLY is sent by the server: assigned client id and accept/reject result
	MT_HANDSHAKE_REPLY
	// MT_KEY installs one identity key (object id or type name) at a server-chosen index
	MT_KEY
	// MT_OBJECT_REPLICATE carries object state, or the first chunk of a fragmented state
	MT_OBJECT_REPLICATE
	// MT_OBJECT_REPLICATE_PART carries one follow-up chunk of a fragmented replicate
	MT_OBJECT_REPLICATE_PART
	// MT_OBJECT_SPAWN carries a spawn group header, with item descriptors inline when they fit
	MT_OBJECT_SPAWN
	// MT_OBJECT_SPAWN_PART carries (index, item) descriptor pairs of a multi-part spawn group
	MT_OBJECT_SPAWN_PART
	// MT_OBJECT_DESPAWN removes one object
	MT_OBJECT_DESPAWN
	// MT_OBJECT_ROLE transfers ownership of one object
	MT_OBJECT_ROLE
	// MT_OBJECT_RPC invokes a registered procedure on one object
	MT_OBJECT_RPC
)

// ENGINE_BUILD is the build number a client reports in its handshake. It is
// informational; compatibility is decided on the protocol versions.
const ENGINE_BUILD uint32 = 10032

// Identity key types carried in MT_KEY messages
const (
	// KEY_TYPE_ID marks a key whose body is a raw 16-byte object id
	KEY_TYPE_ID uint8 = 1
	// KEY_TYPE_NAME marks a key whose body is a length-prefixed ASCII type name
	KEY_TYPE_NAME uint8 = 2
)

// HandshakeResult is the result field of MT_HANDSHAKE_REPLY
type HandshakeResult int32

const (
	// HANDSHAKE_RESULT_OK accepts the connection
	HANDSHAKE_RESULT_OK HandshakeResult = 0
	// HANDSHAKE_RESULT_REJECT_VERSION rejects for an incompatible protocol version
	HANDSHAKE_RESULT_REJECT_VERSION HandshakeResult = 1
	// HANDSHAKE_RESULT_REJECT_FULL rejects because the server reached MaxClients
	HANDSHAKE_RESULT_REJECT_FULL HandshakeResult = 2
	// HANDSHAKE_RESULT_REJECT_APP rejects by application decision on ClientConnecting
	HANDSHAKE_RESULT_REJECT_APP HandshakeResult = 3
)

// Platform codes carried in MT_HANDSHAKE, informational only
const (
	PLATFORM_UNKNOWN uint8 = iota
	PLATFORM_WINDOWS
	PLATFORM_LINUX
	PLATFORM_DARWIN
)

// Architecture codes carried in MT_HANDSHAKE, informational only
const (
	ARCH_UNKNOWN uint8 = iota
	ARCH_X86
	ARCH_AMD64
	ARCH_ARM
	ARCH_ARM64
)

// CurrentPlatform returns the platform code of the running process
func CurrentPlatform() uint8 {
	switch runtime.GOOS {
	case "windows":
		return PLATFORM_WINDOWS
	case "linux":
		return PLATFORM_LINUX
	case "darwin":
		return PLATFORM_DARWIN
	}
	return PLATFORM_UNKNOWN
}

// CurrentArch returns the architecture code of the running process
func CurrentArch() uint8 {
	switch runtime.GOARCH {
	case "386":
		return ARCH_X86
	case "amd64":
		return ARCH_AMD64
	case "arm":
		return ARCH_ARM
	case "arm64":
		return ARCH_ARM64
	}
	return ARCH_UNKNOWN
}
