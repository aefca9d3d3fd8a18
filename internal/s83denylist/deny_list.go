// Package s83denylist implements the administrative ban list a server
// consults before accepting a PUT: keys on the list are rejected outright,
// regardless of signature or suffix validity.
package s83denylist

// InfernalPublicKey is the key the specification itself singles out as
// permanently banned.
const InfernalPublicKey = "d17eef211f510479ee6696495a2589f7e9fb055c2576749747d93444883e0123"

// baseDenyList seeds every DenyList implementation. Implementations should
// always start from this set and layer their own additions on top of it.
var baseDenyList = map[string]struct{}{
	InfernalPublicKey: {},
}

// DenyList reports whether a public key has been administratively banned.
type DenyList interface {
	Contains(key string) bool
}

// MemoryDenyList is an in-memory DenyList seeded from baseDenyList plus any
// additional keys supplied at construction (e.g. from configuration).
type MemoryDenyList struct {
	denied map[string]struct{}
}

// NewMemoryDenyList builds a MemoryDenyList containing the base deny list
// plus any extra keys supplied.
func NewMemoryDenyList(extra ...string) *MemoryDenyList {
	denied := make(map[string]struct{}, len(baseDenyList)+len(extra))
	for key := range baseDenyList {
		denied[key] = struct{}{}
	}
	for _, key := range extra {
		denied[key] = struct{}{}
	}

	return &MemoryDenyList{denied: denied}
}

func (l *MemoryDenyList) Contains(key string) bool {
	_, ok := l.denied[key]
	return ok
}
