package replica

// Handle refers to a live object through the arena. A handle outlives the
// object it referred to: once the slot is recycled the stale handle resolves
// to nil instead of the slot's new tenant, so "object went away" is a plain
// lookup, not a dangling pointer.
type Handle struct {
	index      uint32
	generation uint32
}

// NilHandle is the zero Handle; it never resolves
var NilHandle Handle

// IsNil returns if the handle is the zero Handle
func (h Handle) IsNil() bool {
	return h.generation == 0
}

type arenaSlot struct {
	obj        Object
	generation uint32
}

// ObjectArena stores live objects in generation-checked slots. It is not
// goroutine safe; the replicator guards it with its own mutex.
type ObjectArena struct {
	slots []arenaSlot
	free  []uint32
	count int
}

// NewObjectArena creates an empty arena
func NewObjectArena() *ObjectArena {
	return &ObjectArena{}
}

// Insert stores obj and returns its handle
func (a *ObjectArena) Insert(obj Object) Handle {
	a.count++
	if n := len(a.free); n > 0 {
		index := a.free[n-1]
		a.free = a.free[:n-1]
		slot := &a.slots[index]
		slot.obj = obj
		return Handle{index: index, generation: slot.generation}
	}
	// generations start at 1 so the zero Handle stays nil
	a.slots = append(a.slots, arenaSlot{obj: obj, generation: 1})
	return Handle{index: uint32(len(a.slots) - 1), generation: 1}
}

// Get resolves a handle to its object, or nil if the object was removed
func (a *ObjectArena) Get(h Handle) Object {
	if h.IsNil() || h.index >= uint32(len(a.slots)) {
		return nil
	}
	slot := &a.slots[h.index]
	if slot.generation != h.generation {
		return nil
	}
	return slot.obj
}

// Remove frees the handle's slot and returns the object it held, or nil if
// the handle was stale already
func (a *ObjectArena) Remove(h Handle) Object {
	if h.IsNil() || h.index >= uint32(len(a.slots)) {
		return nil
	}
	slot := &a.slots[h.index]
	if slot.generation != h.generation {
		return nil
	}
	obj := slot.obj
	slot.obj = nil
	slot.generation++
	a.free = append(a.free, h.index)
	a.count--
	return obj
}

// Len returns the number of live objects
func (a *ObjectArena) Len() int {
	return a.count
}
