package fleet

import "net/netip"

// compactMinEntries and compactRatio gate Registry compaction: the backing
// map is rebuilt once it holds at least compactMinEntries addresses and its
// peak size is compactRatio times the current size or more.
const (
	compactMinEntries = 10
	compactRatio      = 2
)

// Registry mirrors, per client address, the multiset of live connection ids
// as observed through connect/disconnect notifications.
//
// Registry is not safe for concurrent use; AdmissionController serializes
// access to it.
type Registry struct {
	byAddr map[netip.Addr][]ConnID
	// peak is the largest number of addresses held since the map was last
	// (re)allocated. Go maps never release buckets, so this stands in for
	// the backing capacity.
	peak int
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{byAddr: make(map[netip.Addr][]ConnID)}
}

// Add records id under addr and returns the number of ids held for addr
// after insertion.
func (r *Registry) Add(addr netip.Addr, id ConnID) int {
	addr = addr.Unmap()
	ids := append(r.byAddr[addr], id)
	r.byAddr[addr] = ids
	if len(r.byAddr) > r.peak {
		r.peak = len(r.byAddr)
	}
	return len(ids)
}

// Remove deletes at most one occurrence of id under addr. It returns how
// many occurrences were present before the removal, so 0 means nothing
// matched and anything above 1 means the registry was tracking duplicates.
func (r *Registry) Remove(addr netip.Addr, id ConnID) int {
	addr = addr.Unmap()
	ids, ok := r.byAddr[addr]
	if !ok {
		return 0
	}

	found := -1
	matches := 0
	for i, v := range ids {
		if v == id {
			if found < 0 {
				found = i
			}
			matches++
		}
	}
	if found < 0 {
		return 0
	}

	ids = append(ids[:found], ids[found+1:]...)
	if len(ids) == 0 {
		delete(r.byAddr, addr)
	} else {
		r.byAddr[addr] = ids
	}
	return matches
}

// Count returns the number of ids held for addr
func (r *Registry) Count(addr netip.Addr) int {
	return len(r.byAddr[addr.Unmap()])
}

// Len returns the number of distinct addresses tracked
func (r *Registry) Len() int {
	return len(r.byAddr)
}

// IDs returns a copy of the ids held for addr
func (r *Registry) IDs(addr netip.Addr) []ConnID {
	ids := r.byAddr[addr.Unmap()]
	if len(ids) == 0 {
		return nil
	}
	out := make([]ConnID, len(ids))
	copy(out, ids)
	return out
}

// MaybeCompact rebuilds the backing map when it has grown well past its
// current occupancy. It reports whether a rebuild happened.
func (r *Registry) MaybeCompact() bool {
	size := len(r.byAddr)
	if size < compactMinEntries || r.peak/size < compactRatio {
		return false
	}

	fresh := make(map[netip.Addr][]ConnID, size)
	for addr, ids := range r.byAddr {
		fresh[addr] = ids
	}
	r.byAddr = fresh
	r.peak = size
	return true
}
