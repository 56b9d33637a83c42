package common

// StringSet is a set of strings
type StringSet map[string]struct{}

// Contains checks if StringSet contains the string
func (ss StringSet) Contains(elem string) bool {
	_, ok := ss[elem]
	return ok
}

// Add adds the string to StringSet
func (ss StringSet) Add(elem string) {
	ss[elem] = struct{}{}
}

// Remove removes the string from StringSet
func (ss StringSet) Remove(elem string) {
	delete(ss, elem)
}

// ToList convert StringSet to string slice
func (ss StringSet) ToList() []string {
	keys := make([]string, 0, len(ss))
	for s := range ss {
		keys = append(keys, s)
	}
	return keys
}

// ClientIDSet is a set of client ids, used for replication target lists
type ClientIDSet map[ClientID]struct{}

// ClientIDSetOf builds a ClientIDSet from ids; no ids yields nil, which
// target filters treat as "all clients"
func ClientIDSetOf(ids ...ClientID) ClientIDSet {
	if len(ids) == 0 {
		return nil
	}
	cs := make(ClientIDSet, len(ids))
	for _, id := range ids {
		cs[id] = struct{}{}
	}
	return cs
}

// Add adds a client id to ClientIDSet
func (cs ClientIDSet) Add(id ClientID) {
	cs[id] = struct{}{}
}

// Del removes a client id from ClientIDSet
func (cs ClientIDSet) Del(id ClientID) {
	delete(cs, id)
}

// Contains checks if client id is in ClientIDSet
func (cs ClientIDSet) Contains(id ClientID) bool {
	_, ok := cs[id]
	return ok
}

// ToList convert ClientIDSet to a slice of client ids
func (cs ClientIDSet) ToList() []ClientID {
	list := make([]ClientID, 0, len(cs))
	for id := range cs {
		list = append(list, id)
	}
	return list
}

// Equal reports whether both sets hold the same ids. A nil set only equals
// another nil set, since nil means "no restriction" rather than "empty".
func (cs ClientIDSet) Equal(other ClientIDSet) bool {
	if (cs == nil) != (other == nil) || len(cs) != len(other) {
		return false
	}
	for id := range cs {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}

// Copy returns a shallow copy of ClientIDSet, nil stays nil
func (cs ClientIDSet) Copy() ClientIDSet {
	if cs == nil {
		return nil
	}
	cp := make(ClientIDSet, len(cs))
	for id := range cs {
		cp[id] = struct{}{}
	}
	return cp
}

// Intersect keeps only ids present in both sets. A nil receiver or nil
// argument means "all clients", so the other set is returned unchanged.
func (cs ClientIDSet) Intersect(other ClientIDSet) ClientIDSet {
	if cs == nil {
		return other
	}
	if other == nil {
		return cs
	}
	out := ClientIDSet{}
	for id := range cs {
		if other.Contains(id) {
			out.Add(id)
		}
	}
	return out
}
