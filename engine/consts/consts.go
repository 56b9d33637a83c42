package consts

import "time"

// Tunable Options
const (
	// For Underlying Networking
	// BUFFERED_READ_BUFFSIZE is the read buffer size for buffered connections
	BUFFERED_READ_BUFFSIZE = 16384
	// BUFFERED_WRITE_BUFFSIZE is the write buffer size for buffered connections
	BUFFERED_WRITE_BUFFSIZE = 16384

	// For the Network Manager
	// MANAGER_EVENT_QUEUE_SIZE is the max transport event queue length for the network manager
	MANAGER_EVENT_QUEUE_SIZE = 10000
	// MANAGER_TICK_INTERVAL is the interval to tick timers in the network manager => affects timer resolution
	MANAGER_TICK_INTERVAL = time.Millisecond * 10
	// HANDSHAKE_TIMEOUT is how long a connecting client may stay un-handshaken before being dropped
	HANDSHAKE_TIMEOUT = time.Second * 10

	// For the Replicator
	// RECENT_DESPAWN_TTL_TICKS is how many ticks a despawned id stays in the
	// recently-despawned set to swallow in-flight replicates
	RECENT_DESPAWN_TTL_TICKS = 64
	// FRAGMENT_TTL_TICKS is how many ticks an incomplete reassembly entry may
	// wait for its missing parts before being swept
	FRAGMENT_TTL_TICKS = 256
	// SPAWN_PARTS_TTL_TICKS is how many ticks a partial multi-part spawn may
	// wait for its missing item descriptors before being swept
	SPAWN_PARTS_TTL_TICKS = 256

	// For Operation Monitor
	// OPMON_DUMP_INTERVAL is the interval to print opmon infos to output
	OPMON_DUMP_INTERVAL = 0
)

// Debug Options
const (
	// DEBUG_PACKETS prints packet send/recv debug logs
	DEBUG_PACKETS = false
	// DEBUG_OBJECTS prints object spawn/despawn debug logs
	DEBUG_OBJECTS = false
	// DEBUG_CLIENTS prints clients operation debug logs
	DEBUG_CLIENTS = false
	// DEBUG_PACKET_ALLOC prints packet allocation debug logs
	DEBUG_PACKET_ALLOC = false
	// DEBUG_FILTER_PROP prints filter props debug logs
	DEBUG_FILTER_PROP = false
)

// System level configurations
const (
	// DEBUG_MODE = true turns on debug mode
	DEBUG_MODE = false
)
