package netutil

import (
	"bytes"

	"encoding/binary"

	"math"

	"sync"

	"sync/atomic"

	"github.com/helixengine/helixnet/engine/common"
	"github.com/helixengine/helixnet/engine/consts"
	"github.com/helixengine/helixnet/engine/hxlog"
)

const (
	// MAX_PACKET_SIZE is the max total size of a packet on a stream transport
	MAX_PACKET_SIZE = 1 * 1024 * 1024
	// _SIZE_FIELD_SIZE is the size of the payload length field on stream transports
	_SIZE_FIELD_SIZE = 4
	// _PREPAYLOAD_SIZE is the size of the packet bytes before the payload
	_PREPAYLOAD_SIZE = _SIZE_FIELD_SIZE
	// _MAX_PAYLOAD_LENGTH is the max payload length of a packet
	_MAX_PAYLOAD_LENGTH = MAX_PACKET_SIZE - _PREPAYLOAD_SIZE

	_MIN_PAYLOAD_CAP = 128
	_CAP_GROW_SHIFT  = uint(2)

	// TYPE_NAME_FIELD_SIZE is the fixed size of type name fields on the wire
	TYPE_NAME_FIELD_SIZE = 128
	// MAX_TYPE_NAME_LENGTH is the max length of a type name (field keeps a NUL terminator)
	MAX_TYPE_NAME_LENGTH = TYPE_NAME_FIELD_SIZE - 1
)

var (
	// NETWORK_ENDIAN is the byte order of all wire integers
	NETWORK_ENDIAN = binary.LittleEndian

	predefinePayloadCapacities []uint32

	debugInfo struct {
		NewCount     int64
		AllocCount   int64
		ReleaseCount int64
	}

	packetBufferPools = map[uint32]*sync.Pool{}
	packetPool        = sync.Pool{
		New: func() interface{} {
			p := &Packet{}
			p.bytes = p.initialBytes[:]

			if consts.DEBUG_PACKET_ALLOC {
				atomic.AddInt64(&debugInfo.NewCount, 1)
				hxlog.Infof("DEBUG PACKETS: ALLOC=%d, RELEASE=%d, NEW=%d",
					atomic.LoadInt64(&debugInfo.AllocCount),
					atomic.LoadInt64(&debugInfo.ReleaseCount),
					atomic.LoadInt64(&debugInfo.NewCount))
			}
			return p
		},
	}
)

func init() {
	payloadCap := uint32(_MIN_PAYLOAD_CAP) << _CAP_GROW_SHIFT
	for payloadCap < _MAX_PAYLOAD_LENGTH {
		predefinePayloadCapacities = append(predefinePayloadCapacities, payloadCap)
		payloadCap <<= _CAP_GROW_SHIFT
	}
	predefinePayloadCapacities = append(predefinePayloadCapacities, _MAX_PAYLOAD_LENGTH)

	for _, payloadCap := range predefinePayloadCapacities {
		payloadCap := payloadCap
		packetBufferPools[payloadCap] = &sync.Pool{
			New: func() interface{} {
				return make([]byte, _PREPAYLOAD_SIZE+payloadCap)
			},
		}
	}
}

func getPayloadCapOfPayloadLen(payloadLen uint32) uint32 {
	for _, payloadCap := range predefinePayloadCapacities {
		if payloadCap >= payloadLen {
			return payloadCap
		}
	}
	return _MAX_PAYLOAD_LENGTH
}

// Packet is a packet of data to be sent or received on a transport.
// Packets are pooled; acquire with NewPacket, release with Release.
type Packet struct {
	readCursor uint32
	payloadLen uint32

	refcount     int64
	bytes        []byte
	initialBytes [_PREPAYLOAD_SIZE + _MIN_PAYLOAD_CAP]byte
}

func allocPacket() *Packet {
	pkt := packetPool.Get().(*Packet)
	if pkt.refcount != 0 {
		hxlog.Panicf("packet must be released when allocated from pool, but refcount=%d", pkt.refcount)
	}
	pkt.refcount = 1

	if consts.DEBUG_PACKET_ALLOC {
		atomic.AddInt64(&debugInfo.AllocCount, 1)
	}

	if pkt.payloadLen != 0 {
		hxlog.Panicf("allocPacket: payload should be 0, but is %d", pkt.payloadLen)
	}

	return pkt
}

// NewPacket allocates a new packet from the packet pool
func NewPacket() *Packet {
	return allocPacket()
}

// NewPacketWithPayload allocates a new packet carrying a copy of the bytes
func NewPacketWithPayload(payload []byte) *Packet {
	pkt := allocPacket()
	pkt.AppendBytes(payload)
	return pkt
}

// AssureCapacity makes sure the packet has enough capacity for need more bytes
func (p *Packet) AssureCapacity(need uint32) {
	requireCap := p.payloadLen + need
	oldCap := p.PayloadCap()

	if requireCap <= oldCap { // most case
		return
	}

	resizeToCap := getPayloadCapOfPayloadLen(requireCap)

	buffer := packetBufferPools[resizeToCap].Get().([]byte)
	if len(buffer) != int(resizeToCap+_SIZE_FIELD_SIZE) {
		hxlog.Panicf("buffer size should be %d, but is %d", resizeToCap, len(buffer))
	}
	copy(buffer, p.data())
	oldBytes := p.bytes
	p.bytes = buffer

	if oldCap > _MIN_PAYLOAD_CAP {
		// reclaim the old buffer
		packetBufferPools[oldCap].Put(oldBytes)
	}
}

// AddRefCount adds reference count of packet
func (p *Packet) AddRefCount(add int64) {
	atomic.AddInt64(&p.refcount, add)
}

// Payload returns the total payload of packet
func (p *Packet) Payload() []byte {
	return p.bytes[_PREPAYLOAD_SIZE : _PREPAYLOAD_SIZE+p.payloadLen]
}

// UnwrittenPayload returns the unwritten payload, which is the left payload capacity
func (p *Packet) UnwrittenPayload() []byte {
	return p.bytes[_PREPAYLOAD_SIZE+p.payloadLen:]
}

// TotalPayload returns the whole payload buffer regardless of payload length
func (p *Packet) TotalPayload() []byte {
	return p.bytes[_PREPAYLOAD_SIZE:]
}

// UnreadPayload returns the unread payload
func (p *Packet) UnreadPayload() []byte {
	pos := p.readCursor + _PREPAYLOAD_SIZE
	payloadEnd := _PREPAYLOAD_SIZE + p.payloadLen
	return p.bytes[pos:payloadEnd]
}

// HasUnreadPayload returns if the packet has bytes left to read
func (p *Packet) HasUnreadPayload() bool {
	return p.readCursor < p.payloadLen
}

func (p *Packet) data() []byte {
	return p.bytes[0 : _PREPAYLOAD_SIZE+p.payloadLen]
}

// PayloadCap returns the current payload capacity
func (p *Packet) PayloadCap() uint32 {
	return uint32(len(p.bytes) - _PREPAYLOAD_SIZE)
}

// Release releases the packet to the packet pool
func (p *Packet) Release() {
	refcount := atomic.AddInt64(&p.refcount, -1)

	if refcount == 0 {
		payloadCap := p.PayloadCap()
		if payloadCap > _MIN_PAYLOAD_CAP {
			buffer := p.bytes
			p.bytes = p.initialBytes[:]
			packetBufferPools[payloadCap].Put(buffer) // reclaim the buffer
		}

		p.readCursor = 0
		p.payloadLen = 0
		packetPool.Put(p)

		if consts.DEBUG_PACKET_ALLOC {
			atomic.AddInt64(&debugInfo.ReleaseCount, 1)
		}
	} else if refcount < 0 {
		hxlog.Panicf("releasing packet with refcount=%d", p.refcount)
	}
}

// ClearPayload clears packet payload
func (p *Packet) ClearPayload() {
	p.readCursor = 0
	p.payloadLen = 0
}

// AppendByte appends one byte to the end of payload
func (p *Packet) AppendByte(b byte) {
	p.AssureCapacity(1)
	p.bytes[_PREPAYLOAD_SIZE+p.payloadLen] = b
	p.payloadLen += 1
}

// ReadOneByte reads one byte from the beginning of unread payload
func (p *Packet) ReadOneByte() (v byte) {
	pos := p.readCursor + _PREPAYLOAD_SIZE
	p.assureReadable(1)
	v = p.bytes[pos]
	p.readCursor += 1
	return
}

// AppendBool appends one byte 1/0 to the end of payload
func (p *Packet) AppendBool(b bool) {
	if b {
		p.AppendByte(1)
	} else {
		p.AppendByte(0)
	}
}

// ReadBool reads one byte 1/0 from the beginning of unread payload
func (p *Packet) ReadBool() (v bool) {
	return p.ReadOneByte() != 0
}

// AppendUint16 appends one uint16 to the end of payload
func (p *Packet) AppendUint16(v uint16) {
	p.AssureCapacity(2)
	payloadEnd := _PREPAYLOAD_SIZE + p.payloadLen
	NETWORK_ENDIAN.PutUint16(p.bytes[payloadEnd:payloadEnd+2], v)
	p.payloadLen += 2
}

// AppendUint32 appends one uint32 to the end of payload
func (p *Packet) AppendUint32(v uint32) {
	p.AssureCapacity(4)
	payloadEnd := _PREPAYLOAD_SIZE + p.payloadLen
	NETWORK_ENDIAN.PutUint32(p.bytes[payloadEnd:payloadEnd+4], v)
	p.payloadLen += 4
}

// AppendUint64 appends one uint64 to the end of payload
func (p *Packet) AppendUint64(v uint64) {
	p.AssureCapacity(8)
	payloadEnd := _PREPAYLOAD_SIZE + p.payloadLen
	NETWORK_ENDIAN.PutUint64(p.bytes[payloadEnd:payloadEnd+8], v)
	p.payloadLen += 8
}

// AppendInt32 appends one int32 to the end of payload
func (p *Packet) AppendInt32(v int32) {
	p.AppendUint32(uint32(v))
}

// ReadInt32 reads one int32 from the beginning of unread payload
func (p *Packet) ReadInt32() int32 {
	return int32(p.ReadUint32())
}

// AppendFloat32 appends one float32 to the end of payload
func (p *Packet) AppendFloat32(f float32) {
	p.AppendUint32(math.Float32bits(f))
}

// ReadFloat32 reads one float32 from the beginning of unread payload
func (p *Packet) ReadFloat32() float32 {
	return math.Float32frombits(p.ReadUint32())
}

// AppendFloat64 appends one float64 to the end of payload
func (p *Packet) AppendFloat64(f float64) {
	p.AppendUint64(math.Float64bits(f))
}

// ReadFloat64 reads one float64 from the beginning of unread payload
func (p *Packet) ReadFloat64() float64 {
	return math.Float64frombits(p.ReadUint64())
}

// AppendBytes appends slice of bytes to the end of payload
func (p *Packet) AppendBytes(v []byte) {
	bytesLen := uint32(len(v))
	p.AssureCapacity(bytesLen)
	payloadEnd := _PREPAYLOAD_SIZE + p.payloadLen
	copy(p.bytes[payloadEnd:payloadEnd+bytesLen], v)
	p.payloadLen += bytesLen
}

// AppendVarStr appends a varsize string to the end of payload
func (p *Packet) AppendVarStr(s string) {
	p.AppendVarBytes([]byte(s))
}

// AppendVarBytes appends varsize bytes to the end of payload
func (p *Packet) AppendVarBytes(v []byte) {
	p.AppendUint32(uint32(len(v)))
	p.AppendBytes(v)
}

// ReadUint16 reads one uint16 from the beginning of unread payload
func (p *Packet) ReadUint16() (v uint16) {
	pos := p.readCursor + _PREPAYLOAD_SIZE
	p.assureReadable(2)
	v = NETWORK_ENDIAN.Uint16(p.bytes[pos : pos+2])
	p.readCursor += 2
	return
}

// ReadUint32 reads one uint32 from the beginning of unread payload
func (p *Packet) ReadUint32() (v uint32) {
	pos := p.readCursor + _PREPAYLOAD_SIZE
	p.assureReadable(4)
	v = NETWORK_ENDIAN.Uint32(p.bytes[pos : pos+4])
	p.readCursor += 4
	return
}

// ReadUint64 reads one uint64 from the beginning of unread payload
func (p *Packet) ReadUint64() (v uint64) {
	pos := p.readCursor + _PREPAYLOAD_SIZE
	p.assureReadable(8)
	v = NETWORK_ENDIAN.Uint64(p.bytes[pos : pos+8])
	p.readCursor += 8
	return
}

// ReadBytes reads bytes from the beginning of unread payload; bytes are not copied
func (p *Packet) ReadBytes(size uint32) []byte {
	pos := p.readCursor + _PREPAYLOAD_SIZE
	p.assureReadable(size)
	b := p.bytes[pos : pos+size]
	p.readCursor += size
	return b
}

func (p *Packet) assureReadable(size uint32) {
	if p.readCursor+size > p.payloadLen {
		hxlog.Panicf("Packet %p short read: reading %d+%d of payload %d", p, p.readCursor, size, p.payloadLen)
	}
}

// AppendGUID appends one object GUID to the end of payload
func (p *Packet) AppendGUID(id common.GUID) {
	p.AppendBytes(id[:])
}

// ReadGUID reads one object GUID from the beginning of unread payload
func (p *Packet) ReadGUID() common.GUID {
	return common.MustGUID(p.ReadBytes(common.GUID_LENGTH))
}

// AppendClientID appends one client id to the end of payload
func (p *Packet) AppendClientID(id common.ClientID) {
	p.AppendUint32(uint32(id))
}

// ReadClientID reads one client id from the beginning of unread payload
func (p *Packet) ReadClientID() common.ClientID {
	return common.ClientID(p.ReadUint32())
}

// AppendTypeName appends a type name as a fixed-size NUL-padded ASCII field.
// The fixed field keeps wire structures packed; the length limit is enforced
// here and only here.
func (p *Packet) AppendTypeName(name string) {
	if len(name) > MAX_TYPE_NAME_LENGTH {
		hxlog.Panicf("AppendTypeName: type name too long (%d): %s", len(name), name)
	}
	p.AssureCapacity(TYPE_NAME_FIELD_SIZE)
	payloadEnd := _PREPAYLOAD_SIZE + p.payloadLen
	copy(p.bytes[payloadEnd:payloadEnd+TYPE_NAME_FIELD_SIZE], name)
	for i := payloadEnd + uint32(len(name)); i < payloadEnd+TYPE_NAME_FIELD_SIZE; i++ {
		p.bytes[i] = 0 // buffers are pooled, padding must be cleared
	}
	p.payloadLen += TYPE_NAME_FIELD_SIZE
}

// ReadTypeName reads a fixed-size NUL-padded ASCII type name field
func (p *Packet) ReadTypeName() string {
	b := p.ReadBytes(TYPE_NAME_FIELD_SIZE)
	n := bytes.IndexByte(b, 0)
	if n < 0 {
		n = TYPE_NAME_FIELD_SIZE
	}
	return string(b[:n])
}

// ReadVarStr reads a varsize string from the beginning of unread payload
func (p *Packet) ReadVarStr() string {
	b := p.ReadVarBytes()
	return string(b)
}

// ReadVarBytes reads a varsize slice of bytes from the beginning of unread payload
func (p *Packet) ReadVarBytes() []byte {
	blen := p.ReadUint32()
	return p.ReadBytes(blen)
}

// AppendData appends one data of any type to the end of payload
func (p *Packet) AppendData(msg interface{}) {
	dataBytes, err := MSG_PACKER.PackMsg(msg, nil)
	if err != nil {
		hxlog.Panic(err)
	}

	p.AppendVarBytes(dataBytes)
}

// ReadData reads one data of any type from the beginning of unread payload
func (p *Packet) ReadData(msg interface{}) {
	b := p.ReadVarBytes()
	err := MSG_PACKER.UnpackMsg(b, msg)
	if err != nil {
		hxlog.Panic(err)
	}
}

// AppendArgs appends arguments to the end of payload one by one
func (p *Packet) AppendArgs(args []interface{}) {
	argCount := uint16(len(args))
	p.AppendUint16(argCount)

	for _, arg := range args {
		p.AppendData(arg)
	}
}

// ReadArgs reads a number of arguments from the beginning of unread payload,
// without parsing them
func (p *Packet) ReadArgs() [][]byte {
	argCount := p.ReadUint16()
	args := make([][]byte, argCount)
	var i uint16
	for i = 0; i < argCount; i++ {
		args[i] = p.ReadVarBytes()
	}
	return args
}

// GetPayloadLen returns the payload length
func (p *Packet) GetPayloadLen() uint32 {
	return p.payloadLen
}

// SetPayloadLen sets the payload length
func (p *Packet) SetPayloadLen(plen uint32) {
	if plen > _MAX_PAYLOAD_LENGTH {
		hxlog.Panicf("payload length too long: %d", plen)
	}

	p.payloadLen = plen
}

// prepareSend writes the payload length into the size field for stream transports
func (p *Packet) prepareSend() {
	NETWORK_ENDIAN.PutUint32(p.bytes[:_SIZE_FIELD_SIZE], p.payloadLen)
}
