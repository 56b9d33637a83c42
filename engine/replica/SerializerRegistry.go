package replica

import (
	"sync"

	"github.com/helixengine/helixnet/engine/common"
	"github.com/helixengine/helixnet/engine/hxlog"
)

// TypeRegistry maps replicated type names to factories, so received spawns
// can construct objects by name. Entries carry a module tag; hot-reload drops
// every entry with the reloaded module's tag and registers the new ones.
type TypeRegistry struct {
	mu      sync.RWMutex
	entries map[string]*typeEntry
}

type typeEntry struct {
	factory func() Object
	tag     string
}

// NewTypeRegistry creates an empty type registry
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{entries: map[string]*typeEntry{}}
}

// Register registers a factory for typeName. The factory must return a fresh
// object carrying a fresh local id. Registering a name twice panics.
func (tr *TypeRegistry) Register(typeName string, factory func() Object, tag string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if _, ok := tr.entries[typeName]; ok {
		hxlog.Panicf("replica: type %s registered twice", typeName)
	}
	tr.entries[typeName] = &typeEntry{factory: factory, tag: tag}
}

// Get returns the factory for typeName, or nil
func (tr *TypeRegistry) Get(typeName string) func() Object {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if e, ok := tr.entries[typeName]; ok {
		return e.factory
	}
	return nil
}

// Unregister drops every entry registered with tag
func (tr *TypeRegistry) Unregister(tag string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for name, e := range tr.entries {
		if e.tag == tag {
			delete(tr.entries, name)
		}
	}
}

// PrefabInstantiator instantiates one prefab and returns its replicated
// members keyed by prefab-object id
type PrefabInstantiator func() map[common.GUID]Object

// PrefabRegistry maps prefab ids to instantiators. It is the seam to the
// external scene service: received prefab spawn groups instantiate the whole
// prefab once and bind each member by its prefab-object id.
type PrefabRegistry struct {
	mu      sync.RWMutex
	entries map[common.GUID]*prefabEntry
}

type prefabEntry struct {
	instantiate PrefabInstantiator
	tag         string
}

// NewPrefabRegistry creates an empty prefab registry
func NewPrefabRegistry() *PrefabRegistry {
	return &PrefabRegistry{entries: map[common.GUID]*prefabEntry{}}
}

// Register registers an instantiator for prefabID. Registering an id twice
// panics.
func (pr *PrefabRegistry) Register(prefabID common.GUID, instantiate PrefabInstantiator, tag string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if _, ok := pr.entries[prefabID]; ok {
		hxlog.Panicf("replica: prefab %s registered twice", prefabID)
	}
	pr.entries[prefabID] = &prefabEntry{instantiate: instantiate, tag: tag}
}

// Get returns the instantiator for prefabID, or nil
func (pr *PrefabRegistry) Get(prefabID common.GUID) PrefabInstantiator {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	if e, ok := pr.entries[prefabID]; ok {
		return e.instantiate
	}
	return nil
}

// Unregister drops every entry registered with tag
func (pr *PrefabRegistry) Unregister(tag string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	for id, e := range pr.entries {
		if e.tag == tag {
			delete(pr.entries, id)
		}
	}
}

// Serializer writes and reads the replicated state of objects of one type
type Serializer struct {
	Serialize   func(obj Object, s *Stream) error
	Deserialize func(obj Object, s *Stream) error
}

// MsgpackSerializer returns a serializer that packs the whole object with
// msgpack. It suits plain data objects with exported fields; types with
// references or invariants should implement Serializable instead.
func MsgpackSerializer() Serializer {
	return Serializer{
		Serialize: func(obj Object, s *Stream) error {
			s.AppendData(obj)
			return nil
		},
		Deserialize: func(obj Object, s *Stream) error {
			s.ReadData(obj)
			return nil
		},
	}
}

// SerializerRegistry resolves the serializer for an object: an explicit
// registration wins over the object's own Serializable implementation. A type
// with neither is reported once and skipped thereafter.
type SerializerRegistry struct {
	mu      sync.RWMutex
	entries map[string]*serializerEntry
	missing common.StringSet
}

type serializerEntry struct {
	ser Serializer
	tag string
}

// NewSerializerRegistry creates an empty serializer registry
func NewSerializerRegistry() *SerializerRegistry {
	return &SerializerRegistry{
		entries: map[string]*serializerEntry{},
		missing: common.StringSet{},
	}
}

// Register registers the serializer for typeName. Registering a name twice
// panics.
func (sr *SerializerRegistry) Register(typeName string, ser Serializer, tag string) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if _, ok := sr.entries[typeName]; ok {
		hxlog.Panicf("replica: serializer for %s registered twice", typeName)
	}
	sr.entries[typeName] = &serializerEntry{ser: ser, tag: tag}
	delete(sr.missing, typeName)
}

// Unregister drops every entry registered with tag
func (sr *SerializerRegistry) Unregister(tag string) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	for name, e := range sr.entries {
		if e.tag == tag {
			delete(sr.entries, name)
		}
	}
}

// selfSerializer forwards to the object's own Serializable implementation
var selfSerializer = Serializer{
	Serialize:   func(obj Object, s *Stream) error { return obj.(Serializable).Serialize(s) },
	Deserialize: func(obj Object, s *Stream) error { return obj.(Serializable).Deserialize(s) },
}

// resolve returns the serializer for obj, or ok=false if the type has none.
// The miss is logged once per type name.
func (sr *SerializerRegistry) resolve(obj Object) (ser Serializer, ok bool) {
	typeName := obj.TypeName()
	sr.mu.RLock()
	e := sr.entries[typeName]
	sr.mu.RUnlock()
	if e != nil {
		return e.ser, true
	}
	if _, isSer := obj.(Serializable); isSer {
		return selfSerializer, true
	}

	sr.mu.Lock()
	seen := sr.missing.Contains(typeName)
	if !seen {
		sr.missing.Add(typeName)
	}
	sr.mu.Unlock()
	if !seen {
		hxlog.Errorf("replica: type %s has no serializer and does not serialize itself, skipping its objects", typeName)
	}
	return Serializer{}, false
}
