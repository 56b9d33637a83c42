package common

// GUIDSet is the data structure for a set of object GUIDs
type GUIDSet map[GUID]struct{}

// Add adds a GUID to GUIDSet
func (gs GUIDSet) Add(id GUID) {
	gs[id] = struct{}{}
}

// Del removes a GUID from GUIDSet
func (gs GUIDSet) Del(id GUID) {
	delete(gs, id)
}

// Contains checks if GUID is in GUIDSet
func (gs GUIDSet) Contains(id GUID) bool {
	_, ok := gs[id]
	return ok
}

// ToList convert GUIDSet to a slice of GUIDs
func (gs GUIDSet) ToList() []GUID {
	list := make([]GUID, 0, len(gs))
	for id := range gs {
		list = append(list, id)
	}
	return list
}

// Clear removes all GUIDs from GUIDSet
func (gs GUIDSet) Clear() {
	for id := range gs {
		delete(gs, id)
	}
}

func (gs GUIDSet) ForEach(cb func(id GUID) bool) {
	for id := range gs {
		if !cb(id) {
			break
		}
	}
}
